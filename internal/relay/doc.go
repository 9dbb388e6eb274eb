// Package relay is the reference authoritative store behind
// remote.HTTPClient.
//
// It keeps one record per correlation key in SQLite, so a device that
// re-sends a draft gets the record it already created instead of a copy.
// New records are pushed to the owner's WebSocket subscribers; history is
// served in display order for catch-up.
//
// Routes:
//
//	GET  /healthz
//	GET  /metrics
//	POST /v1/messages
//	GET  /v1/owners/{owner}/messages
//	GET  /v1/owners/{owner}/inserts   (WebSocket)
package relay
