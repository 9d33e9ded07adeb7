// Package session implements the Session Registry.
//
// The Registry is the only owner of the session map. A session is registered
// only after the agent client has created its half, and closing it
//
//   - removes the mapping,
//   - cancels the session context, which interrupts in-flight sends and
//     pending permission waits,
//   - closes the event queue, which ends any attached stream cleanly,
//   - and asks the agent client to release its half.
//
// Each Session is also the agent.EventSink for its own events, so the agent
// client never needs to look sessions up.
package session
