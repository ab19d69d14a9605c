// Package api hosts the operator HTTP surface of a running crawl. Routes:
//   - GET /healthz for liveness probes.
//   - GET /status for the crawl state summary as JSON.
//   - GET /metrics for Prometheus scraping.
package api
