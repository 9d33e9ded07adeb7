// Package rpc implements the JSON-RPC 2.0 discipline shared by both directions
// of the sidecar.
//
// # Overview
//
// A Dispatcher owns a method table (name -> HandlerFunc) built once at startup.
// Every input produces zero or one Response:
//
//   - structurally invalid JSON yields -32700 with a null id
//   - a notification (no id) never yields a response, whatever the method
//   - a missing or unknown method yields -32601
//   - handler errors of type *Error are returned as-is, anything else is
//     reported as -32603 with a generic message
//
// The same Dispatcher serves POST /rpc for IDE clients and decodes inbound
// notifications arriving from the agent subprocess over stdio.
//
// # Error codes
//
// Besides the standard codes the sidecar defines a small domain range:
//
//	-32000  session not found
//	-32001  tool execution failed
//	-32002  agent/SDK error
package rpc
