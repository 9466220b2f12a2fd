// Package api hosts the HTTP server, middleware, and REST handlers. Notable
// routes:
//   - POST /scrapper to submit a job, GET /scrapper/status/{userId} and
//     GET /scrapper/jobs/{jobId} for ledger snapshots.
//   - POST /session-config/... to manage per-user session cookies and
//     proxy leases.
//   - GET /healthz / readyz for Kubernetes probes and GET /metrics for
//     Prometheus scraping.
package api
