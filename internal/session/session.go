// ABOUTME: A single sidecar session: agent-session handle, event queue and permission policy.
// ABOUTME: Implements agent.EventSink so agent events land on the session's stream.

package session

import (
	"context"
	"log/slog"
	"maps"
	"sync"
	"time"

	"github.com/2389/coven-sidecar/internal/metrics"
	"github.com/2389/coven-sidecar/internal/store"
	"github.com/2389/coven-sidecar/internal/stream"
)

// ledgerTimeout bounds a single event write to the ledger.
const ledgerTimeout = 2 * time.Second

// Session is one logical conversation with the agent.
type Session struct {
	ID             string
	AgentSessionID string
	CreatedAt      time.Time

	queue  *stream.Queue
	ctx    context.Context
	cancel context.CancelFunc

	closeOnce sync.Once

	mu          sync.RWMutex
	permissions map[string]string // tool category -> allow|ask|deny
	model       string

	ledger store.Store
	logger *slog.Logger
}

func newSession(id string, bufferSize int, ledger store.Store, logger *slog.Logger) *Session {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Session{
		ID:        id,
		CreatedAt: time.Now().UTC(),
		ctx:       ctx,
		cancel:    cancel,
		ledger:    ledger,
		logger:    logger.With("session_id", id),
	}
	s.queue = stream.NewQueue(bufferSize, func(ev stream.Event) {
		metrics.StreamEventsDropped.Inc()
		s.logger.Debug("dropped event from full queue", "seq", ev.Seq, "type", ev.Type)
	})
	return s
}

// Emit appends an event to the session's stream and records it in the
// ledger. Events emitted after close are discarded.
func (s *Session) Emit(typ stream.EventType, data any) {
	ev, ok := s.queue.Push(typ, data)
	if !ok {
		s.logger.Debug("event after close discarded", "type", typ)
		return
	}
	metrics.StreamEvents.WithLabelValues(string(typ)).Inc()

	ledger := s.recorder()
	if ledger == nil {
		return
	}
	payload, err := ev.Payload()
	if err != nil {
		s.logger.Warn("encoding event for ledger", "type", typ, "error", err)
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), ledgerTimeout)
	defer cancel()
	rec := &store.EventRecord{
		SessionID: s.ID,
		Seq:       ev.Seq,
		Type:      string(typ),
		Data:      payload,
		CreatedAt: ev.Time,
	}
	if err := ledger.SaveEvent(ctx, rec); err != nil {
		s.logger.Warn("recording event", "seq", ev.Seq, "type", typ, "error", err)
	}
}

// Queue returns the session's event queue.
func (s *Session) Queue() *stream.Queue { return s.queue }

// Context is cancelled when the session closes.
func (s *Session) Context() context.Context { return s.ctx }

// Done is closed when the session closes.
func (s *Session) Done() <-chan struct{} { return s.ctx.Done() }

// Closed reports whether the session has been closed.
func (s *Session) Closed() bool { return s.ctx.Err() != nil }

// SetPolicy replaces the permission policy and model from the latest message.
func (s *Session) SetPolicy(permissions map[string]string, model string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.permissions = maps.Clone(permissions)
	if model != "" {
		s.model = model
	}
}

// Permission returns the policy value for a tool category.
func (s *Session) Permission(category string) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.permissions[category]
	return v, ok
}

// Model returns the model selected by the latest message.
func (s *Session) Model() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.model
}

func (s *Session) recorder() store.Store {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.ledger
}

func (s *Session) setRecorder(ledger store.Store) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ledger = ledger
}

// shutdown closes the queue and cancels the session context exactly once.
// It reports whether this call did the work.
func (s *Session) shutdown() bool {
	first := false
	s.closeOnce.Do(func() {
		first = true
		s.cancel()
		s.queue.Close()
	})
	return first
}
