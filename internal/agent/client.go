// ABOUTME: Agent Client contract shared by the mock and live implementations.
// ABOUTME: Defines session, message, model and event-sink types.

package agent

import (
	"context"
	"errors"

	"github.com/2389/coven-sidecar/internal/stream"
)

// ErrStartupFailed indicates the external agent could not be started. A later
// call may retry.
var ErrStartupFailed = errors.New("agent startup failed")

// ErrSessionNotFound indicates the session is unknown to the client.
var ErrSessionNotFound = errors.New("agent session not found")

// ErrCreateFailed indicates the agent refused or failed to create a session.
var ErrCreateFailed = errors.New("agent session creation failed")

// ErrSendFailed indicates a message could not be handed to the agent.
var ErrSendFailed = errors.New("agent send failed")

// ErrAgentExited indicates the agent process is no longer running.
var ErrAgentExited = errors.New("agent process exited")

// ExitedMessage is shown to the user for sessions whose agent process exited.
// Those sessions are not carried over to a restarted process.
const ExitedMessage = "The agent process stopped unexpectedly. Start a new session to continue."

// ErrClientClosed indicates the client has been shut down.
var ErrClientClosed = errors.New("agent client closed")

// Status values reported by Client.Status.
const (
	StatusMock       = "mock"
	StatusNotStarted = "not-started"
	StatusStarting   = "starting"
	StatusStarted    = "started"
)

// Client is the capability set every agent backend provides.
type Client interface {
	// CreateSession creates the agent-side half of a session. Events for the
	// session are delivered to req.Events.
	CreateSession(ctx context.Context, req CreateSessionRequest) (*RemoteSession, error)

	// CloseSession releases the agent-side session. Unknown or already closed
	// sessions are a no-op.
	CloseSession(ctx context.Context, sessionID string) error

	// SendMessage hands a prompt to the agent and returns once it is accepted.
	// The reply arrives later as events.
	SendMessage(ctx context.Context, req MessageRequest) (*MessageResponse, error)

	// ListModels is best-effort and falls back to a cached or default list.
	ListModels(ctx context.Context) ([]Model, error)

	// Status describes the backend state for health reporting.
	Status() string

	// Close stops the backend.
	Close() error
}

// EventSink receives events emitted for one session.
type EventSink interface {
	Emit(typ stream.EventType, data any)
}

// EventSinkFunc adapts a function to EventSink.
type EventSinkFunc func(typ stream.EventType, data any)

// Emit calls f.
func (f EventSinkFunc) Emit(typ stream.EventType, data any) { f(typ, data) }

// CreateSessionRequest carries what the agent needs to serve a session.
type CreateSessionRequest struct {
	SessionID     string
	CallbackURL   string
	CallbackToken string
	Events        EventSink
}

// RemoteSession is the handle returned by CreateSession.
type RemoteSession struct {
	SessionID      string
	AgentSessionID string
}

// ContextItem is a piece of editor context attached to a prompt.
type ContextItem struct {
	File      string `json:"file"`
	StartLine int    `json:"startLine,omitempty"`
	EndLine   int    `json:"endLine,omitempty"`
	Symbol    string `json:"symbol,omitempty"`
	Content   string `json:"content,omitempty"`
}

// MessageRequest is a prompt for an existing session.
type MessageRequest struct {
	SessionID   string            `json:"sessionId"`
	MessageID   string            `json:"messageId"`
	Prompt      string            `json:"prompt"`
	Context     []ContextItem     `json:"context,omitempty"`
	Model       string            `json:"model,omitempty"`
	Permissions map[string]string `json:"permissions,omitempty"`
}

// MessageResponse identifies an accepted message and where its events stream.
type MessageResponse struct {
	MessageID string `json:"messageId"`
	StreamURL string `json:"streamUrl"`
}

// Model describes a model the agent can use.
type Model struct {
	ID            string   `json:"id"`
	Name          string   `json:"name"`
	Capabilities  []string `json:"capabilities"`
	ContextWindow int      `json:"contextWindow"`
}

// DefaultModelID is the first entry of DefaultModels.
const DefaultModelID = "gpt-4o"

// DefaultModels is served by the mock client and by the live client before
// the agent has reported its own list.
var DefaultModels = []Model{
	{ID: DefaultModelID, Name: "GPT-4o", Capabilities: []string{"code", "chat", "vision"}, ContextWindow: 128000},
	{ID: "claude-sonnet-4", Name: "Claude Sonnet 4", Capabilities: []string{"code", "chat", "vision"}, ContextWindow: 200000},
	{ID: "o3-mini", Name: "o3-mini", Capabilities: []string{"code", "chat"}, ContextWindow: 200000},
}

// StreamPath returns the event stream location for a session.
func StreamPath(sessionID string) string {
	return "/stream/" + sessionID
}

func copyModels(models []Model) []Model {
	out := make([]Model, len(models))
	for i, m := range models {
		m.Capabilities = append([]string(nil), m.Capabilities...)
		out[i] = m
	}
	return out
}
