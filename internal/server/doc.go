// Package server hosts the transport API, observer socket, and metrics
// endpoints behind a single HTTP server.
//
// The server builds a consistent middleware chain of request ids, logging,
// auditing, security headers, CORS, metrics, rate limiting, and control-token
// auth so handlers all share common protections and instrumentation.
// WebSocket upgrades travel through the same chain; every layer writes
// through recorders that keep the connection hijackable.
package server
