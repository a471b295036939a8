// Package api hosts the HTTP server, middleware, and REST handlers for
// operator access. Notable routes:
//   - GET /health for liveness probes.
//   - GET /metrics for Prometheus scraping.
//   - POST /spiders/{spider}/start|stop|pause|resume for job control.
//   - GET /spiders/{spider}/status and /spiders/status for job snapshots.
package api
