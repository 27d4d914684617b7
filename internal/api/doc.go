// Package api hosts the read-only HTTP server over a finished archive.
// Notable routes:
//   - GET /healthz and /readyz for probes; readyz requires a manifest.
//   - GET /metrics for Prometheus scraping.
//   - GET /v1/manifest for the full manifest.
//   - GET /v1/datasets and /v1/datasets/{name}?offset=&limit=&filter.<col>=
//     for paged, filtered dataset rows.
//   - GET /v1/media/{category} for stored assets of one category.
//   - GET /v1/runs and /v1/runs/{run_id} for run reports.
package api
