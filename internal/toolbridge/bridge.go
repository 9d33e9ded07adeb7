// ABOUTME: Tool Callback Bridge: runs agent tool calls with permission gating.
// ABOUTME: Serves POST /tool-callback and delivers approval decisions to waiting calls.

package toolbridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/2389/coven-sidecar/internal/auth"
	"github.com/2389/coven-sidecar/internal/dedupe"
	"github.com/2389/coven-sidecar/internal/metrics"
	"github.com/2389/coven-sidecar/internal/stream"
)

// DefaultPermissionTimeout bounds a wait for a decision when none is configured.
const DefaultPermissionTimeout = 60 * time.Second

const maxCallbackBody = 1 << 20

// Tool call statuses reported on timeline.toolCall.
const (
	StatusRunning   = "running"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
	StatusDenied    = "denied"
)

// Error strings returned to the agent.
const (
	ErrTextDuplicate      = "duplicate call"
	ErrTextSessionMissing = "session not found"
	ErrTextDenied         = "permission denied"
)

// Session is the part of a live session the bridge needs.
type Session interface {
	PolicySource
	Emit(typ stream.EventType, data any)
	Context() context.Context
}

// LookupFunc finds a live session.
type LookupFunc func(id string) (Session, bool)

// Result is the terminal outcome of a call, as returned to the agent.
type Result struct {
	Success     bool            `json:"success"`
	Result      json.RawMessage `json:"result,omitempty"`
	Error       string          `json:"error,omitempty"`
	UserMessage string          `json:"userMessage,omitempty"`
}

// Config configures a Bridge.
type Config struct {
	Tools  *Registry
	Lookup LookupFunc
	// Defaults maps a tool category to allow, ask or deny.
	Defaults          map[string]string
	PermissionTimeout time.Duration
	// Dedupe rejects reused call ids. Optional.
	Dedupe *dedupe.Cache
	Logger *slog.Logger
}

// Bridge executes tool callbacks.
type Bridge struct {
	tools    *Registry
	lookup   LookupFunc
	defaults map[string]string
	timeout  time.Duration
	seen     *dedupe.Cache
	waiting  *approvals
	logger   *slog.Logger
}

// New creates a Bridge.
func New(cfg Config) *Bridge {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	tools := cfg.Tools
	if tools == nil {
		tools = NewRegistry()
	}
	timeout := cfg.PermissionTimeout
	if timeout <= 0 {
		timeout = DefaultPermissionTimeout
	}
	return &Bridge{
		tools:    tools,
		lookup:   cfg.Lookup,
		defaults: cfg.Defaults,
		timeout:  timeout,
		seen:     cfg.Dedupe,
		waiting:  newApprovals(),
		logger:   logger.With("component", "toolbridge"),
	}
}

// Tools returns the registered tools.
func (b *Bridge) Tools() []ToolInfo {
	return b.tools.List()
}

// Pending returns the number of calls waiting for a decision.
func (b *Bridge) Pending() int {
	return b.waiting.pending()
}

// Decide delivers a permission decision. It reports whether a call was
// waiting for it; decisions for unknown, finished or timed-out calls are
// ignored.
func (b *Bridge) Decide(sessionID, callID string, allowed bool) bool {
	ok := b.waiting.decide(sessionID, callID, allowed)
	if !ok {
		b.logger.Debug("decision without waiter ignored", "session_id", sessionID, "call_id", callID)
	}
	return ok
}

// Close denies every waiting call and refuses further approvals.
func (b *Bridge) Close() {
	if n := b.waiting.failAll(); n > 0 {
		b.logger.Info("denied pending approvals on shutdown", "count", n)
	}
}

// Execute runs one call to its terminal outcome. It blocks while a
// decision is pending.
func (b *Bridge) Execute(ctx context.Context, call Call) Result {
	logger := b.logger.With("session_id", call.SessionID, "call_id", call.CallID, "tool", call.ToolName)

	if call.SessionID == "" || call.ToolName == "" || call.CallID == "" {
		metrics.ToolCalls.WithLabelValues("rejected").Inc()
		return Result{Error: "sessionId, toolName and callId are required"}
	}

	var (
		sess  Session
		found bool
	)
	if b.lookup != nil {
		sess, found = b.lookup(call.SessionID)
	}
	if !found {
		metrics.ToolCalls.WithLabelValues("rejected").Inc()
		return Result{
			Error:       ErrTextSessionMissing,
			UserMessage: "This chat session is no longer active.",
		}
	}

	tool, err := b.tools.Lookup(call.ToolName)
	if err != nil {
		metrics.ToolCalls.WithLabelValues("rejected").Inc()
		return Result{
			Error:       err.Error(),
			UserMessage: fmt.Sprintf("The tool %q is not available.", call.ToolName),
		}
	}

	if b.seen != nil {
		if !b.seen.Claim(call.CallID) {
			logger.Warn("duplicate tool call rejected")
			metrics.ToolCalls.WithLabelValues("rejected").Inc()
			return Result{Error: ErrTextDuplicate}
		}
		defer b.seen.Done(call.CallID)
	}

	switch Resolve(tool, sess, b.defaults) {
	case DecisionDeny:
		logger.Info("tool call denied by policy")
		return b.deny(sess, call, fmt.Sprintf("The tool %q is not allowed in this session.", call.ToolName))
	case DecisionAsk:
		allowed, outcome := b.ask(ctx, sess, call, tool)
		if !allowed {
			logger.Info("tool call not approved", "outcome", outcome)
			return b.deny(sess, call, denialMessage(call.ToolName, outcome))
		}
	}

	return b.run(ctx, sess, call, tool, logger)
}

func (b *Bridge) ask(ctx context.Context, sess Session, call Call, tool Tool) (bool, string) {
	w, ok := b.waiting.register(call.SessionID, call.CallID)
	if !ok {
		return false, outcomeClosed
	}

	args := call.Args
	if len(args) == 0 {
		args = json.RawMessage("{}")
	}
	sess.Emit(stream.EventToolApproval, stream.ToolApproval{
		CallID:           call.CallID,
		ToolName:         call.ToolName,
		Args:             args,
		RequiresApproval: true,
	})

	start := time.Now()
	allowed, outcome := b.waiting.wait(ctx, call.CallID, w, b.timeout, sess.Context().Done())
	metrics.PermissionWait.WithLabelValues(outcome).Observe(time.Since(start).Seconds())
	return allowed, outcome
}

func (b *Bridge) deny(sess Session, call Call, userMessage string) Result {
	metrics.ToolCalls.WithLabelValues("denied").Inc()
	sess.Emit(stream.EventTimelineToolCall, stream.ToolCall{
		CallID:   call.CallID,
		ToolName: call.ToolName,
		Status:   StatusDenied,
	})
	return Result{Error: ErrTextDenied, UserMessage: userMessage}
}

func denialMessage(toolName, outcome string) string {
	switch outcome {
	case outcomeTimeout:
		return fmt.Sprintf("No decision was made for %q in time, so it was not run.", toolName)
	case outcomeClosed, outcomeCancelled:
		return fmt.Sprintf("The request to run %q was abandoned.", toolName)
	default:
		return fmt.Sprintf("The user denied permission to run %q.", toolName)
	}
}

func (b *Bridge) run(ctx context.Context, sess Session, call Call, tool Tool, logger *slog.Logger) Result {
	sess.Emit(stream.EventTimelineToolCall, stream.ToolCall{
		CallID:   call.CallID,
		ToolName: call.ToolName,
		Status:   StatusRunning,
	})

	ctx, cancel := context.WithTimeout(ctx, tool.Timeout)
	defer cancel()
	stop := context.AfterFunc(sess.Context(), cancel)
	defer stop()

	out, err := tool.Handler.Handle(ctx, call)
	if err != nil {
		logger.Warn("tool failed", "error", err)
		metrics.ToolCalls.WithLabelValues("failed").Inc()
		sess.Emit(stream.EventTimelineToolCall, stream.ToolCall{
			CallID:   call.CallID,
			ToolName: call.ToolName,
			Status:   StatusFailed,
			Error:    err.Error(),
		})
		return Result{Error: err.Error(), UserMessage: failureMessage(call.ToolName, err)}
	}

	if len(out) == 0 {
		out = json.RawMessage("{}")
	}
	metrics.ToolCalls.WithLabelValues("success").Inc()
	sess.Emit(stream.EventTimelineToolCall, stream.ToolCall{
		CallID:   call.CallID,
		ToolName: call.ToolName,
		Status:   StatusCompleted,
	})
	return Result{Success: true, Result: out}
}

func failureMessage(toolName string, err error) string {
	var te *ToolError
	if errors.As(err, &te) && te.UserMessage != "" {
		return te.UserMessage
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Sprintf("The tool %q took too long and was stopped.", toolName)
	}
	if errors.Is(err, context.Canceled) {
		return fmt.Sprintf("The tool %q was cancelled.", toolName)
	}
	return fmt.Sprintf("The tool %q failed.", toolName)
}

// ServeHTTP handles POST /tool-callback. When the request was authenticated,
// the token subject must match the body's sessionId.
func (b *Bridge) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	var call Call
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxCallbackBody)).Decode(&call); err != nil {
		writeResult(w, http.StatusBadRequest, Result{Error: "invalid request body"})
		return
	}

	if subject, ok := auth.SessionFromContext(r.Context()); ok && subject != call.SessionID {
		b.logger.Warn("callback token does not match session", "session_id", call.SessionID)
		writeResult(w, http.StatusUnauthorized, Result{Error: "token does not match session"})
		return
	}

	writeResult(w, http.StatusOK, b.Execute(r.Context(), call))
}

func writeResult(w http.ResponseWriter, status int, res Result) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(res)
}
