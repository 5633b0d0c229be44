// Package api hosts the status server for operators. Routes:
//   - GET /healthz and /readyz for probes.
//   - GET /metrics for Prometheus scraping.
//   - GET /v1/runs/latest for the ledger and the most recent run record.
//   - POST /v1/runs to trigger a run; 409 while one is active.
package api
