// ABOUTME: JSON-RPC method table served on POST /rpc.
// ABOUTME: Maps registry and agent failures to coded errors with readable messages.

package sidecar

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/2389/coven-sidecar/internal/agent"
	"github.com/2389/coven-sidecar/internal/rpc"
	"github.com/2389/coven-sidecar/internal/session"
	"github.com/2389/coven-sidecar/internal/store"
	"github.com/2389/coven-sidecar/internal/toolbridge"
)

// Method names.
const (
	MethodSessionCreate  = "session.create"
	MethodSessionClose   = "session.close"
	MethodSessionSend    = "session.send"
	MethodSessionHistory = "session.history"
	MethodModelsList     = "models.list"
	MethodToolsList      = "tools.list"
	MethodToolApprove    = "tool.approve"
)

func (s *Sidecar) registerMethods(d *rpc.Dispatcher) {
	d.Handle(MethodSessionCreate, s.sessionCreate)
	d.Handle(MethodSessionClose, s.sessionClose)
	d.Handle(MethodSessionSend, s.sessionSend)
	d.Handle(MethodSessionHistory, s.sessionHistory)
	d.Handle(MethodModelsList, s.modelsList)
	d.Handle(MethodToolsList, s.toolsList)
	d.Handle(MethodToolApprove, s.toolApprove)
}

// errSessionNotFound is the wire form of session.ErrNotFound.
var errSessionNotFound = rpc.NewError(rpc.CodeSessionNotFound, "Session not found", nil)

// agentError maps a client failure to -32002 with a message suitable for a
// chat transcript. The raw error stays in the logs.
func (s *Sidecar) agentError(method string, err error) error {
	if errors.Is(err, session.ErrNotFound) || errors.Is(err, agent.ErrSessionNotFound) {
		return errSessionNotFound
	}
	s.logger.Warn("agent request failed", "method", method, "error", err)

	msg := "The agent request failed."
	switch {
	case errors.Is(err, agent.ErrStartupFailed):
		msg = "The agent could not be started. Check the agent installation and try again."
	case errors.Is(err, agent.ErrAgentExited):
		msg = agent.ExitedMessage
	case errors.Is(err, agent.ErrClientClosed):
		msg = "The sidecar is shutting down."
	case errors.Is(err, context.DeadlineExceeded):
		msg = "The agent did not respond in time."
	case errors.Is(err, agent.ErrCreateFailed):
		msg = "The agent could not start a new session."
	case errors.Is(err, agent.ErrSendFailed):
		msg = "The agent could not accept the message. Try sending it again."
	}
	return rpc.NewError(rpc.CodeAgentError, msg, nil)
}

type sessionCreateResult struct {
	SessionID string `json:"sessionId"`
	CreatedAt string `json:"createdAt"`
}

func (s *Sidecar) sessionCreate(ctx context.Context, _ json.RawMessage) (any, error) {
	sess, err := s.registry.Create(ctx)
	if err != nil {
		return nil, s.agentError(MethodSessionCreate, err)
	}
	return sessionCreateResult{
		SessionID: sess.ID,
		CreatedAt: sess.CreatedAt.Format(time.RFC3339Nano),
	}, nil
}

type sessionParams struct {
	SessionID string `json:"sessionId"`
}

func (s *Sidecar) sessionClose(ctx context.Context, params json.RawMessage) (any, error) {
	var p sessionParams
	if err := rpc.DecodeParams(params, &p); err != nil {
		return nil, err
	}
	if p.SessionID == "" {
		return nil, rpc.InvalidParams("sessionId is required")
	}

	closed, err := s.registry.Close(ctx, p.SessionID)
	if err != nil {
		return nil, s.agentError(MethodSessionClose, err)
	}
	return map[string]bool{"closed": closed}, nil
}

func (s *Sidecar) sessionSend(ctx context.Context, params json.RawMessage) (any, error) {
	var req agent.MessageRequest
	if err := rpc.DecodeParams(params, &req); err != nil {
		return nil, err
	}
	if req.SessionID == "" {
		return nil, rpc.InvalidParams("sessionId is required")
	}
	if req.Prompt == "" {
		return nil, rpc.InvalidParams("prompt is required")
	}

	resp, err := s.registry.Send(ctx, req)
	if err != nil {
		return nil, s.agentError(MethodSessionSend, err)
	}
	return resp, nil
}

type historyParams struct {
	SessionID string `json:"sessionId"`
	Limit     int    `json:"limit"`
}

type historyResult struct {
	Events []*store.EventRecord `json:"events"`
}

func (s *Sidecar) sessionHistory(ctx context.Context, params json.RawMessage) (any, error) {
	var p historyParams
	if err := rpc.DecodeParams(params, &p); err != nil {
		return nil, err
	}
	if p.SessionID == "" {
		return nil, rpc.InvalidParams("sessionId is required")
	}

	events, err := s.registry.History(ctx, p.SessionID, p.Limit)
	switch {
	case errors.Is(err, session.ErrNotFound):
		return nil, errSessionNotFound
	case errors.Is(err, session.ErrHistoryDisabled):
		return nil, rpc.NewError(rpc.CodeInternalError, "history is not enabled", nil)
	case err != nil:
		return nil, err
	}
	if events == nil {
		events = []*store.EventRecord{}
	}
	return historyResult{Events: events}, nil
}

func (s *Sidecar) modelsList(ctx context.Context, _ json.RawMessage) (any, error) {
	models, err := s.client.ListModels(ctx)
	if err != nil {
		return nil, s.agentError(MethodModelsList, err)
	}
	return map[string][]agent.Model{"models": models}, nil
}

func (s *Sidecar) toolsList(context.Context, json.RawMessage) (any, error) {
	return map[string][]toolbridge.ToolInfo{"tools": s.bridge.Tools()}, nil
}

type approveParams struct {
	SessionID string `json:"sessionId"`
	CallID    string `json:"callId"`
	Allowed   *bool  `json:"allowed"`
}

func (s *Sidecar) toolApprove(_ context.Context, params json.RawMessage) (any, error) {
	var p approveParams
	if err := rpc.DecodeParams(params, &p); err != nil {
		return nil, err
	}
	if p.SessionID == "" || p.CallID == "" || p.Allowed == nil {
		return nil, rpc.InvalidParams("sessionId, callId and allowed are required")
	}
	return map[string]bool{"accepted": s.bridge.Decide(p.SessionID, p.CallID, *p.Allowed)}, nil
}
