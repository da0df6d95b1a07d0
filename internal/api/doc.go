// Package api hosts the HTTP server, middleware, and REST handlers for operator
// access. Notable routes:
//   - GET /healthz / readyz for Kubernetes probes.
//   - GET /metrics for Prometheus scraping.
//   - POST /v1/batches to start a batch, POST /v1/batches/{batch_id}/stop to
//     stop one, and GET .../status, .../partitions, .../failures to follow it.
//   - GET and POST /v1/rotation to inspect or force an egress rotation.
package api
