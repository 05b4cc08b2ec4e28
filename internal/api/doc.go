// Package api hosts the read-only HTTP surface for operators. Routes:
//   - GET /healthz and /readyz for probes.
//   - GET /metrics for Prometheus scraping.
//   - GET /v1/sources and /v1/sources/{source_id} for live run status and
//     the persisted crawl cursor of each source.
package api
