// Package api hosts the HTTP server, middleware, and REST handlers for
// operators and dashboards. Notable routes:
//   - GET /healthz and /readyz for Kubernetes probes.
//   - GET /metrics for Prometheus scraping.
//   - POST /v1/realtime/trigger and GET /v1/realtime/data for on-demand
//     scrapes and the latest aggregated view.
//   - GET /v1/jobs/... and /v1/items/{item_id} for tracker records.
//   - POST /v1/schedule/{job_type}/run to run a due job type now.
package api
