// Package progress turns engine notifications into events and fans them out
// to pluggable sinks. A Listener adapts one engine session to the spider
// observer contract; the Hub batches events on a background goroutine so
// engine workers never block on logging, metrics, or persistence.
package progress
