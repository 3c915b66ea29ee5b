// Package server hosts the relay's HTTP surface from a single server.
//
// The server builds one middleware chain of request IDs, panic recovery,
// request logging, metrics, security headers, CORS and rate limiting, so the
// stream, health, session and metrics routes share the same protections and
// instrumentation.
package server
