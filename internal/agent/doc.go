// Package agent connects the sidecar to the coding agent.
//
// # Overview
//
// Client is the seam between the session registry and whatever actually runs
// the agent. Two implementations exist:
//
//   - MockClient: in-process, deterministic. Every message produces the same
//     plan.start, plan.step, timeline.message, plan.complete sequence.
//   - ProcessClient: spawns the configured agent command and speaks
//     newline-delimited JSON-RPC 2.0 over its stdin and stdout.
//
// Agent events are delivered to the EventSink supplied when the session was
// created, so the client never needs to know about the registry.
//
// # Lazy Start
//
// ProcessClient does not start the child until the first call that needs it.
// Concurrent first calls share one start attempt:
//
//	not-started -> starting -> started
//	     ^            |
//	     +------------+   (start failed or child exited)
//
// A failed start leaves the client in not-started, so a later call retries.
// ListModels never triggers a start.
//
// # Request/Response Correlation
//
// Requests to the child carry integer ids. Each caller registers a buffered
// channel in the pending map and waits on it, on the connection's done
// channel, and on its context. Lines the child writes with a method are
// dispatched through an rpc.Dispatcher; replies are routed by id.
//
// # Child Exit
//
// When the child exits, every pending call fails with ErrAgentExited and every
// session it served receives an error event. A read error on stdout, such as a
// line longer than 4 MiB, stops the child the same way. Sessions are bound to
// the process that created them: after an exit their sends fail with
// ErrAgentExited, and only new sessions use the restarted process.
//
// # Fake Agent
//
// ServeFake implements the child side of the protocol. cmd/fake-agent wraps it
// for manual use, and the ProcessClient tests re-execute the test binary to
// run it.
package agent
