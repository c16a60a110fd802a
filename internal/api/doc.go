// Package api hosts the HTTP server, middleware, and REST handlers for operator
// access. Notable routes:
//   - GET /healthz and /readyz for Kubernetes probes.
//   - GET /metrics for Prometheus scraping.
//   - POST, GET and DELETE /v1/galleries/... to hold, inspect and release
//     gallery engines and to request pages.
//   - GET /v1/galleries/{gid}/runs and /v1/runs/{session} for download
//     history via the store.HistoryRepository interface.
package api
