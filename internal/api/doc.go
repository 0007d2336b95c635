// Package api hosts the HTTP surface of the crawler. Notable routes:
//   - GET / describes the service and its endpoints.
//   - GET /api/health for liveness probes.
//   - GET /api/metrics for process uptime and memory statistics.
//   - GET /api/crawl?url=...&mode=auto&timings=1 to extract link metadata.
//   - GET /metrics for Prometheus scraping.
package api
