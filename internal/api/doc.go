// Package api hosts the HTTP server, middleware, and REST handlers for
// detached imports. Notable routes:
//   - GET /healthz and /readyz for Kubernetes probes.
//   - GET /metrics for Prometheus scraping.
//   - POST /v1/imports to submit credentials for a background import.
//   - GET /v1/imports and /v1/imports/{job_id} to poll job state.
//
// The caller's identity is taken from the X-User-ID header, which the
// surrounding application sets after authenticating the user.
package api
