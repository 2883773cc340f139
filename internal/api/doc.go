// Package api hosts the HTTP server and REST handlers of the pipeline.
// Notable routes:
//   - POST /dispatch and /scheduled trigger screenshot batches.
//   - POST /callbacks/screenshot closes a batch when the worker reports back.
//   - /images/... reads and writes image objects and their cached flags.
//   - /cleanup/... runs and reports on record expiration.
//   - POST /queue/messages enqueues a work message for the consumer.
//   - GET /healthz, /readyz and /metrics for probes and Prometheus.
package api
