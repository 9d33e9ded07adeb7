// Package toolbridge implements the Tool Callback Bridge, the reverse path
// from the agent into the host.
//
// A callback names a session, a tool and a call id. The bridge resolves the
// permission for the tool's category:
//
//	session policy (latest session.send) -> permissions.defaults -> tool flag
//
// An "ask" decision emits tool.approval on the session stream and parks the
// call until Decide delivers a decision for its call id. Timeouts, session
// close, shutdown and client disconnects all deny. A denied call never
// reaches its handler.
//
// Configured tools run in the host through HostForwarder.
package toolbridge
