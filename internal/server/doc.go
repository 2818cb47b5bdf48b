// Package server implements the relay: WebSocket sessions, rooms, message
// routing and moderation.
//
// The implementation is organized into specialized files:
//
//   - hub.go, router.go, commands.go, heartbeat.go: the event loop and
//     everything it owns (sessions, rooms, names, flood accounting)
//   - client.go, rate_limiter.go: per-connection read and write pumps
//   - admin.go, bans.go: process-wide state shared with the HTTP handlers
//   - handlers.go, routes.go, http_server.go, origin.go: the HTTP surface
//   - config.go, metrics.go, errors.go: configuration, Prometheus
//     collectors and the error codes sent to clients
//
// All session state is mutated by the single goroutine running Hub.Run.
// Pumps talk to it over channels, so no lock guards the session table.
package server
