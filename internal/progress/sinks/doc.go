// Package sinks implements progress consumers: structured logging, Prometheus
// collectors, the download-history repository, and completion notifications.
// Each sink satisfies progress.Sink.
package sinks
