// Package api hosts the HTTP handlers of the channel relay.
//
// Handler streams a channel's relay output to the client, reports dependency
// health and lists the sessions currently streaming. Dependencies (the session
// controller and health probes) are injected at construction time; the
// package does not reach for globals.
//
// Handlers assume the middleware from internal/server has already attached a
// request ID, the request logger and metrics.
package api
