// ABOUTME: Deterministic in-process Agent Client for development and tests.
// ABOUTME: Emits a fixed plan/timeline event script for every message.

package agent

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"

	"github.com/2389/coven-sidecar/internal/stream"
)

// MockClient implements Client without any external process.
type MockClient struct {
	mu       sync.Mutex
	sessions map[string]EventSink
	closed   bool
}

// NewMockClient creates a MockClient.
func NewMockClient() *MockClient {
	return &MockClient{sessions: make(map[string]EventSink)}
}

// CreateSession registers the session and returns a synthetic agent id.
func (m *MockClient) CreateSession(_ context.Context, req CreateSessionRequest) (*RemoteSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil, ErrClientClosed
	}
	sink := req.Events
	if sink == nil {
		sink = EventSinkFunc(func(stream.EventType, any) {})
	}
	m.sessions[req.SessionID] = sink
	return &RemoteSession{
		SessionID:      req.SessionID,
		AgentSessionID: "mock-" + uuid.New().String(),
	}, nil
}

// CloseSession forgets the session. Unknown ids are ignored.
func (m *MockClient) CloseSession(_ context.Context, sessionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sessions, sessionID)
	return nil
}

// SendMessage emits the scripted reply synchronously and returns.
func (m *MockClient) SendMessage(_ context.Context, req MessageRequest) (*MessageResponse, error) {
	m.mu.Lock()
	sink, ok := m.sessions[req.SessionID]
	m.mu.Unlock()
	if !ok {
		return nil, ErrSessionNotFound
	}

	messageID := req.MessageID
	if messageID == "" {
		messageID = ulid.Make().String()
	}

	sink.Emit(stream.EventPlanStart, map[string]string{"messageId": messageID, "prompt": req.Prompt})
	sink.Emit(stream.EventPlanStep, stream.PlanStep{StepID: messageID + "-1", Description: "Read the request", Status: "completed"})
	sink.Emit(stream.EventTimelineMessage, stream.TimelineMessage{
		MessageID: messageID,
		Role:      "assistant",
		Content:   "Mock response to: " + req.Prompt,
	})
	sink.Emit(stream.EventPlanComplete, map[string]string{"messageId": messageID})

	return &MessageResponse{MessageID: messageID, StreamURL: StreamPath(req.SessionID)}, nil
}

// ListModels returns DefaultModels.
func (m *MockClient) ListModels(context.Context) ([]Model, error) {
	return copyModels(DefaultModels), nil
}

// Status always reports StatusMock.
func (m *MockClient) Status() string { return StatusMock }

// Close rejects further session creation.
func (m *MockClient) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	m.sessions = make(map[string]EventSink)
	return nil
}

var _ Client = (*MockClient)(nil)
