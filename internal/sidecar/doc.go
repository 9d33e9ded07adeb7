// Package sidecar wires the coven-sidecar components into one HTTP service.
//
// # Routes
//
//	POST /rpc                  JSON-RPC 2.0 method table (session.*, models.list, tools.list, tool.approve)
//	GET  /stream/{sessionId}   Server-Sent Events for one session, one reader at a time
//	POST /tool-callback        agent tool callbacks, bearer token checked when auth.callback_secret is set
//	GET  /health               {status, sessions, agent}
//	GET  /metrics              Prometheus exposition when metrics are enabled
//
// # Lifecycle
//
// Run listens on server.addr, points tool callbacks at the bound address
// (unless server.public_url is set) and prints
//
//	SIDECAR_PORT=<port>
//
// on stdout. Logs go to stderr so the host can parse stdout line by line.
// When the context is canceled, pending approvals are denied, every session is
// closed, and the agent client and ledger are shut down.
//
// # Error Mapping
//
// Unknown or closed sessions map to -32000. Agent client failures map to
// -32002 with a message fit for a chat transcript; the underlying error is
// only logged.
package sidecar
