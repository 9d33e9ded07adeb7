// ABOUTME: Live Agent Client that drives an external agent subprocess over stdio.
// ABOUTME: Starts the process lazily, once, and correlates JSON-RPC replies by id.

package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"sync/atomic"
	"time"

	"github.com/oklog/ulid/v2"
	"golang.org/x/sync/singleflight"

	"github.com/2389/coven-sidecar/internal/metrics"
	"github.com/2389/coven-sidecar/internal/rpc"
	"github.com/2389/coven-sidecar/internal/stream"
)

// Default timeouts for the agent process.
const (
	DefaultStartTimeout   = 30 * time.Second
	DefaultRequestTimeout = 30 * time.Second
	modelsTimeout         = 5 * time.Second
	stopGracePeriod       = 2 * time.Second
)

const (
	stateNotStarted int32 = iota
	stateStarting
	stateStarted
)

// ProcessConfig configures the external agent process.
type ProcessConfig struct {
	Command        string
	Args           []string
	Env            []string // appended to the sidecar's environment
	Dir            string
	CallbackURL    string // announced to the agent during initialize; see SetCallbackURL
	StartTimeout   time.Duration
	RequestTimeout time.Duration
	Logger         *slog.Logger
}

// ProcessClient implements Client over a child process speaking
// newline-delimited JSON-RPC on stdin/stdout.
type ProcessClient struct {
	cfg    ProcessConfig
	logger *slog.Logger

	state      atomic.Int32
	starts     atomic.Int32
	closed     atomic.Bool
	startGroup singleflight.Group

	mu       sync.Mutex
	conn     *processConn
	sessions map[string]processSession

	modelsMu sync.RWMutex
	models   []Model

	callbackURL atomic.Value // string

	inbound *rpc.Dispatcher
}

// processSession ties a session to the process that created it. A session
// never moves to a restarted process.
type processSession struct {
	sink EventSink
	conn *processConn
}

// NewProcessClient creates a client. The process is not started until the
// first call that needs it.
func NewProcessClient(cfg ProcessConfig) *ProcessClient {
	if cfg.StartTimeout <= 0 {
		cfg.StartTimeout = DefaultStartTimeout
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = DefaultRequestTimeout
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "agent")

	c := &ProcessClient{
		cfg:      cfg,
		logger:   logger,
		sessions: make(map[string]processSession),
		models:   copyModels(DefaultModels),
	}
	c.callbackURL.Store(cfg.CallbackURL)
	c.inbound = rpc.NewDispatcher(rpc.Config{Logger: logger})
	c.inbound.Handle("session.event", c.handleSessionEvent)
	return c
}

// SetCallbackURL changes the URL announced to the agent on its next start.
func (c *ProcessClient) SetCallbackURL(url string) {
	c.callbackURL.Store(url)
}

// Status reports the start state.
func (c *ProcessClient) Status() string {
	switch c.state.Load() {
	case stateStarting:
		return StatusStarting
	case stateStarted:
		if c.current() == nil {
			return StatusNotStarted
		}
		return StatusStarted
	default:
		return StatusNotStarted
	}
}

// current returns the live connection, or nil.
func (c *ProcessClient) current() *processConn {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn != nil && !c.conn.isDead() {
		return c.conn
	}
	return nil
}

// ensureStarted returns the live connection, starting the process if needed.
// Concurrent callers share a single start attempt and its outcome.
func (c *ProcessClient) ensureStarted(ctx context.Context) (*processConn, error) {
	if conn := c.current(); conn != nil {
		return conn, nil
	}
	if c.closed.Load() {
		return nil, ErrClientClosed
	}

	ch := c.startGroup.DoChan("start", func() (any, error) {
		if conn := c.current(); conn != nil {
			return conn, nil
		}
		c.state.Store(stateStarting)
		c.starts.Add(1)

		conn, err := c.start()
		metrics.AgentStarts.WithLabelValues(metrics.Result(err)).Inc()
		if err != nil {
			c.state.Store(stateNotStarted)
			c.logger.Error("agent failed to start", "command", c.cfg.Command, "error", err)
			return nil, fmt.Errorf("%w: %v", ErrStartupFailed, err)
		}

		if c.closed.Load() {
			conn.kill()
			c.state.Store(stateNotStarted)
			return nil, ErrClientClosed
		}

		c.mu.Lock()
		c.conn = conn
		c.mu.Unlock()
		c.state.Store(stateStarted)
		return conn, nil
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*processConn), nil
	case <-ctx.Done():
		return nil, fmt.Errorf("%w: %v", ErrStartupFailed, ctx.Err())
	}
}

// start spawns the process and performs the initialize handshake within
// StartTimeout.
func (c *ProcessClient) start() (*processConn, error) {
	if c.cfg.Command == "" {
		return nil, errors.New("no agent command configured")
	}

	cmd := exec.Command(c.cfg.Command, c.cfg.Args...)
	cmd.Env = append(os.Environ(), c.cfg.Env...)
	cmd.Dir = c.cfg.Dir

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("starting %s: %w", c.cfg.Command, err)
	}

	conn := newProcessConn(cmd, stdin, c.inbound, c.logger)
	go func() {
		var (
			wg      sync.WaitGroup
			readErr error
		)
		wg.Add(2)
		go func() {
			defer wg.Done()
			// Nobody reads stdout after a read error, so the child must not keep running.
			if readErr = conn.readLoop(stdout); readErr != nil {
				c.logger.Error("agent stdout read failed, stopping agent", "error", readErr)
				conn.fail(readErr)
				conn.kill()
			}
		}()
		go func() {
			defer wg.Done()
			conn.logStderr(stderr)
		}()
		wg.Wait()

		err := cmd.Wait()
		if readErr != nil {
			err = readErr
		}
		conn.fail(err)
		c.handleExit(conn, err)
	}()

	ctx, cancel := context.WithTimeout(context.Background(), c.cfg.StartTimeout)
	defer cancel()

	var info struct {
		Name    string `json:"name"`
		Version string `json:"version"`
	}
	params := map[string]string{"clientName": "coven-sidecar", "callbackUrl": c.callbackURL.Load().(string)}
	if err := conn.call(ctx, "initialize", params, &info); err != nil {
		conn.kill()
		return nil, fmt.Errorf("initialize handshake: %w", err)
	}

	c.logger.Info("agent started",
		"command", c.cfg.Command,
		"pid", cmd.Process.Pid,
		"agent_name", info.Name,
		"agent_version", info.Version,
	)
	return conn, nil
}

// handleExit resets the start state and reports the exit on every session
// the process served.
func (c *ProcessClient) handleExit(conn *processConn, err error) {
	c.mu.Lock()
	if c.conn != conn {
		c.mu.Unlock()
		return
	}
	c.conn = nil
	var sinks []EventSink
	for _, sess := range c.sessions {
		if sess.conn == conn {
			sinks = append(sinks, sess.sink)
		}
	}
	c.mu.Unlock()
	c.state.Store(stateNotStarted)

	if c.closed.Load() {
		return
	}

	detail := "exit status 0"
	if err != nil {
		detail = err.Error()
	}
	c.logger.Warn("agent process exited", "error", err, "sessions", len(sinks))
	for _, sink := range sinks {
		sink.Emit(stream.EventError, stream.ErrorPayload{
			Message: ExitedMessage,
			Detail:  detail,
		})
	}
}

// handleSessionEvent delivers an agent notification to the owning session.
func (c *ProcessClient) handleSessionEvent(_ context.Context, params json.RawMessage) (any, error) {
	var p struct {
		SessionID string          `json:"sessionId"`
		Type      string          `json:"type"`
		Data      json.RawMessage `json:"data"`
	}
	if err := rpc.DecodeParams(params, &p); err != nil {
		return nil, err
	}

	typ := stream.EventType(p.Type)
	if !typ.Known() {
		c.logger.Warn("dropping unknown agent event", "session_id", p.SessionID, "type", p.Type)
		return nil, rpc.InvalidParams("unknown event type")
	}

	c.mu.Lock()
	sess, ok := c.sessions[p.SessionID]
	c.mu.Unlock()
	if !ok {
		c.logger.Debug("event for unknown session", "session_id", p.SessionID, "type", p.Type)
		return nil, rpc.NewError(rpc.CodeSessionNotFound, "session not found", nil)
	}

	var data any
	if len(p.Data) > 0 && string(p.Data) != "null" {
		data = p.Data
	}
	sess.sink.Emit(typ, data)
	return nil, nil
}

func (c *ProcessClient) requestContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, c.cfg.RequestTimeout)
}

// CreateSession starts the agent if needed and creates the remote session.
func (c *ProcessClient) CreateSession(ctx context.Context, req CreateSessionRequest) (*RemoteSession, error) {
	conn, err := c.ensureStarted(ctx)
	if err != nil {
		return nil, err
	}

	ctx, cancel := c.requestContext(ctx)
	defer cancel()

	var res struct {
		AgentSessionID string `json:"agentSessionId"`
	}
	params := map[string]string{
		"sessionId":     req.SessionID,
		"callbackUrl":   req.CallbackURL,
		"callbackToken": req.CallbackToken,
	}
	if err := conn.call(ctx, "session.create", params, &res); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCreateFailed, err)
	}

	sink := req.Events
	if sink == nil {
		sink = EventSinkFunc(func(stream.EventType, any) {})
	}
	c.mu.Lock()
	c.sessions[req.SessionID] = processSession{sink: sink, conn: conn}
	c.mu.Unlock()

	return &RemoteSession{SessionID: req.SessionID, AgentSessionID: res.AgentSessionID}, nil
}

// CloseSession closes the remote session if the process that created it is
// still running.
func (c *ProcessClient) CloseSession(ctx context.Context, sessionID string) error {
	c.mu.Lock()
	sess, ok := c.sessions[sessionID]
	delete(c.sessions, sessionID)
	c.mu.Unlock()
	if !ok {
		return nil
	}

	conn := sess.conn
	if conn != c.current() {
		return nil
	}

	ctx, cancel := c.requestContext(ctx)
	defer cancel()
	if err := conn.call(ctx, "session.close", map[string]string{"sessionId": sessionID}, nil); err != nil {
		return fmt.Errorf("closing agent session: %w", err)
	}
	return nil
}

// SendMessage hands the prompt to the agent. It returns once the agent has
// accepted it. A session whose process has exited stays unusable, even after
// a later call restarts the agent.
func (c *ProcessClient) SendMessage(ctx context.Context, req MessageRequest) (*MessageResponse, error) {
	c.mu.Lock()
	sess, ok := c.sessions[req.SessionID]
	c.mu.Unlock()
	if !ok {
		return nil, ErrSessionNotFound
	}

	conn := sess.conn
	if conn != c.current() {
		return nil, fmt.Errorf("%w: %w", ErrSendFailed, conn.exitErr())
	}

	if req.MessageID == "" {
		req.MessageID = ulid.Make().String()
	}

	ctx, cancel := c.requestContext(ctx)
	defer cancel()

	var res struct {
		Accepted bool `json:"accepted"`
	}
	if err := conn.call(ctx, "session.send", req, &res); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrSendFailed, err)
	}
	if !res.Accepted {
		return nil, fmt.Errorf("%w: agent rejected the message", ErrSendFailed)
	}

	return &MessageResponse{MessageID: req.MessageID, StreamURL: StreamPath(req.SessionID)}, nil
}

// ListModels never starts the agent. Before start, or when the agent cannot
// answer, the last known list is returned.
func (c *ProcessClient) ListModels(ctx context.Context) ([]Model, error) {
	conn := c.current()
	if conn == nil {
		return c.cachedModels(), nil
	}

	ctx, cancel := context.WithTimeout(ctx, modelsTimeout)
	defer cancel()

	var res struct {
		Models []Model `json:"models"`
	}
	if err := conn.call(ctx, "models.list", nil, &res); err != nil || len(res.Models) == 0 {
		c.logger.Warn("falling back to cached model list", "error", err)
		return c.cachedModels(), nil
	}

	c.modelsMu.Lock()
	c.models = copyModels(res.Models)
	c.modelsMu.Unlock()
	return copyModels(res.Models), nil
}

func (c *ProcessClient) cachedModels() []Model {
	c.modelsMu.RLock()
	defer c.modelsMu.RUnlock()
	return copyModels(c.models)
}

// Close stops the agent process: stdin is closed first, then the process is
// killed if it has not exited within a short grace period.
func (c *ProcessClient) Close() error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}

	c.mu.Lock()
	conn := c.conn
	c.sessions = make(map[string]processSession)
	c.mu.Unlock()
	if conn == nil {
		return nil
	}

	_ = conn.stdin.Close()
	select {
	case <-conn.done:
	case <-time.After(stopGracePeriod):
		conn.kill()
		<-conn.done
	}
	return nil
}

var _ Client = (*ProcessClient)(nil)
