// ABOUTME: Session Registry mapping session ids to sessions backed by an Agent Client.
// ABOUTME: Registers only after the agent succeeds and tears sessions down exactly once.

package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/2389/coven-sidecar/internal/agent"
	"github.com/2389/coven-sidecar/internal/metrics"
	"github.com/2389/coven-sidecar/internal/store"
	"github.com/2389/coven-sidecar/internal/stream"
)

var (
	// ErrNotFound is returned for ids that were never created or are closed.
	ErrNotFound = errors.New("session not found")
	// ErrHistoryDisabled is returned by History when no ledger is configured.
	ErrHistoryDisabled = errors.New("history is not enabled")
)

// TokenMinter issues the callback token handed to the agent for a session.
type TokenMinter interface {
	Mint(sessionID string) (string, error)
}

// Config configures a Registry.
type Config struct {
	Client agent.Client
	// Ledger records sessions and events. Optional.
	Ledger store.Store
	// Tokens mints callback tokens. Optional.
	Tokens TokenMinter
	// CallbackURL is where the agent posts tool callbacks.
	CallbackURL string
	BufferSize  int
	Logger      *slog.Logger
}

// Registry owns every live session.
type Registry struct {
	client      agent.Client
	ledger      store.Store
	tokens      TokenMinter
	callbackURL string
	bufferSize  int
	logger      *slog.Logger

	mu       sync.RWMutex
	sessions map[string]*Session
}

// NewRegistry creates an empty registry.
func NewRegistry(cfg Config) *Registry {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		client:      cfg.Client,
		ledger:      cfg.Ledger,
		tokens:      cfg.Tokens,
		callbackURL: cfg.CallbackURL,
		bufferSize:  cfg.BufferSize,
		logger:      logger.With("component", "session"),
		sessions:    make(map[string]*Session),
	}
}

// Create allocates a new session and creates its agent-side half. Nothing is
// registered if the agent fails.
func (r *Registry) Create(ctx context.Context) (*Session, error) {
	id := uuid.NewString()
	sess := newSession(id, r.bufferSize, r.ledger, r.logger)

	req := agent.CreateSessionRequest{
		SessionID:   id,
		CallbackURL: r.CallbackURL(),
		Events:      sess,
	}
	if r.tokens != nil {
		token, err := r.tokens.Mint(id)
		if err != nil {
			sess.shutdown()
			metrics.SessionsCreated.WithLabelValues("error").Inc()
			return nil, fmt.Errorf("minting callback token: %w", err)
		}
		req.CallbackToken = token
	}

	remote, err := r.client.CreateSession(ctx, req)
	if err != nil {
		sess.shutdown()
		metrics.SessionsCreated.WithLabelValues("error").Inc()
		r.logger.Warn("agent session creation failed", "session_id", id, "error", err)
		return nil, err
	}
	sess.AgentSessionID = remote.AgentSessionID

	if r.ledger != nil {
		rec := &store.SessionRecord{ID: id, AgentSessionID: remote.AgentSessionID, CreatedAt: sess.CreatedAt}
		if err := r.ledger.CreateSession(ctx, rec); err != nil {
			r.logger.Warn("recording session, history disabled for it", "session_id", id, "error", err)
			sess.setRecorder(nil)
		}
	}

	r.mu.Lock()
	r.sessions[id] = sess
	r.mu.Unlock()

	metrics.SessionsCreated.WithLabelValues("ok").Inc()
	metrics.SessionsActive.Inc()
	r.logger.Info("session created", "session_id", id, "agent_session_id", remote.AgentSessionID)
	return sess, nil
}

// SetCallbackURL replaces the callback URL handed to sessions created later.
func (r *Registry) SetCallbackURL(url string) {
	r.mu.Lock()
	r.callbackURL = url
	r.mu.Unlock()
}

// CallbackURL returns the URL the agent posts tool callbacks to.
func (r *Registry) CallbackURL() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.callbackURL
}

// Get returns a live session.
func (r *Registry) Get(id string) (*Session, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	sess, ok := r.sessions[id]
	if !ok {
		return nil, ErrNotFound
	}
	return sess, nil
}

// Len returns the number of live sessions.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// Send hands a message to the agent. A failure is also reported on the
// session's stream as an error event.
func (r *Registry) Send(ctx context.Context, req agent.MessageRequest) (*agent.MessageResponse, error) {
	sess, err := r.Get(req.SessionID)
	if err != nil {
		return nil, err
	}
	sess.SetPolicy(req.Permissions, req.Model)

	// Closing the session interrupts an in-flight send.
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(sess.Context(), cancel)
	defer stop()

	resp, err := r.client.SendMessage(ctx, req)
	if err != nil {
		if errors.Is(err, agent.ErrSessionNotFound) || sess.Closed() {
			return nil, ErrNotFound
		}
		r.logger.Warn("send failed", "session_id", req.SessionID, "error", err)
		msg := "The agent could not accept the message. Try sending it again."
		if errors.Is(err, agent.ErrAgentExited) {
			msg = agent.ExitedMessage
		}
		sess.Emit(stream.EventError, stream.ErrorPayload{Message: msg, Detail: err.Error()})
		return nil, err
	}
	return resp, nil
}

// Close removes the session, ends its stream and closes the agent-side
// session. It reports whether the session was live. The local mapping is
// removed even when the agent fails to close its half.
func (r *Registry) Close(ctx context.Context, id string) (bool, error) {
	r.mu.Lock()
	sess, ok := r.sessions[id]
	delete(r.sessions, id)
	r.mu.Unlock()
	if !ok {
		return false, nil
	}

	if !sess.shutdown() {
		return false, nil
	}
	metrics.SessionsActive.Dec()

	if ledger := sess.recorder(); ledger != nil {
		if err := ledger.CloseSession(ctx, id, time.Now().UTC()); err != nil {
			r.logger.Warn("recording session close", "session_id", id, "error", err)
		}
	}

	if err := r.client.CloseSession(ctx, id); err != nil {
		r.logger.Warn("agent session close failed", "session_id", id, "error", err)
		return true, fmt.Errorf("closing agent session: %w", err)
	}
	r.logger.Info("session closed", "session_id", id)
	return true, nil
}

// CloseAll closes every session. Individual failures are collected and do
// not stop the rest.
func (r *Registry) CloseAll(ctx context.Context) error {
	r.mu.RLock()
	ids := make([]string, 0, len(r.sessions))
	for id := range r.sessions {
		ids = append(ids, id)
	}
	r.mu.RUnlock()

	var errs []error
	for _, id := range ids {
		if _, err := r.Close(ctx, id); err != nil {
			errs = append(errs, fmt.Errorf("session %s: %w", id, err))
		}
	}
	return errors.Join(errs...)
}

// History returns recorded events of a session, live or closed.
func (r *Registry) History(ctx context.Context, id string, limit int) ([]*store.EventRecord, error) {
	if r.ledger == nil {
		return nil, ErrHistoryDisabled
	}
	if _, err := r.ledger.GetSession(ctx, id); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return r.ledger.ListEvents(ctx, id, limit)
}
