// Package auth authenticates tool callbacks from the agent process.
//
// When a callback secret is configured, every session gets an HS256 JWT whose
// subject is the session ID and whose audience is "tool-callback". The token
// is handed to the agent at session creation and must be presented as
//
//	Authorization: Bearer <token>
//
// on POST /tool-callback. RequireCallbackToken verifies it and stores the
// subject in the request context; the tool bridge then checks that it matches
// the sessionId named in the request body.
package auth
