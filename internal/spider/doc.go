// Package spider downloads the pages of one gallery at a time. An Engine owns
// the page state table, a four-tier request scheduler (force, direct,
// preload, bulk cursor), an elastic worker pool, a token coordinator that
// resolves per-page access tokens from preview batches, and a small decoder
// pool. Engines are shared between a reader and a bulk downloader through the
// reference-counted Registry.
package spider
