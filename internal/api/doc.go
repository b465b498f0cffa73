// Package api hosts the operator HTTP surface of the sink:
//   - GET /healthz for liveness.
//   - GET /readyz, which reports 503 until the pipeline has connected.
//   - GET /metrics for Prometheus scraping.
package api
