// Package server assembles the relay's HTTP surface behind a single
// multiplexer.
//
// The server builds a consistent middleware chain of request IDs, logging,
// metrics, rate limiting, CORS, and security headers so handlers all share
// common protections and instrumentation. Credential ingestion routes carry
// an additional per-client rate limit, optionally backed by Redis when
// several relay instances sit behind one load balancer.
package server
