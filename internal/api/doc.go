// Package api hosts the HTTP server, middleware, and REST handlers. Notable
// routes:
//   - GET /healthz / readyz for Kubernetes probes.
//   - GET /metrics for Prometheus scraping.
//   - POST/GET/DELETE /v1/scrape for job submission, lookup and removal.
//   - GET/DELETE /v1/history and GET /v1/history/stats for the caller's
//     job history.
//
// Every /v1 route requires the identity header set by the upstream gateway
// and is subject to the per-client rate limiter.
package api
