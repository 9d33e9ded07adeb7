// Package metrics defines the Prometheus collectors for sessions, JSON-RPC
// traffic, event streams, tool callbacks and the agent process.
package metrics
