// ABOUTME: Scripted agent that speaks the stdio protocol, for development and tests.
// ABOUTME: Echoes prompts as events and can drive tool callbacks back into the sidecar.

package agent

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/2389/coven-sidecar/internal/rpc"
	"github.com/2389/coven-sidecar/internal/stream"
)

// FakeAgentName is reported by the fake agent's initialize reply.
const FakeAgentName = "coven-fake-agent"

type fakeSession struct {
	callbackURL   string
	callbackToken string
}

type fakeAgent struct {
	logger *slog.Logger
	client *http.Client

	writeMu sync.Mutex
	w       io.Writer

	mu       sync.Mutex
	sessions map[string]fakeSession

	exit  atomic.Bool
	tools sync.WaitGroup
}

// ServeFake runs the scripted agent on r and w until EOF, ctx cancellation,
// or an "/exit" prompt.
//
// Prompts are echoed back as a plan/timeline event sequence. A prompt of the
// form "/tool <name> <json args>" additionally POSTs a tool callback to the
// session's callback URL and reports the outcome as a timeline message.
func ServeFake(ctx context.Context, r io.Reader, w io.Writer, logger *slog.Logger) error {
	if logger == nil {
		logger = slog.Default()
	}
	a := &fakeAgent{
		logger:   logger.With("component", "fake-agent"),
		client:   &http.Client{Timeout: 2 * time.Minute},
		w:        w,
		sessions: make(map[string]fakeSession),
	}
	defer a.tools.Wait()

	d := rpc.NewDispatcher(rpc.Config{Logger: a.logger})
	d.Handle("initialize", a.initialize)
	d.Handle("models.list", a.listModels)
	d.Handle("session.create", a.createSession)
	d.Handle("session.send", a.send)
	d.Handle("session.close", a.closeSession)

	lines := make(chan []byte)
	readErr := make(chan error, 1)
	go func() {
		scanner := bufio.NewScanner(r)
		scanner.Buffer(make([]byte, 64*1024), maxLineSize)
		for scanner.Scan() {
			line := append([]byte(nil), scanner.Bytes()...)
			select {
			case lines <- line:
			case <-ctx.Done():
				return
			}
		}
		readErr <- scanner.Err()
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case err := <-readErr:
			return err
		case line := <-lines:
			if len(bytes.TrimSpace(line)) == 0 {
				continue
			}
			if resp := d.Dispatch(ctx, line); resp != nil {
				if err := a.write(resp); err != nil {
					return err
				}
			}
			if a.exit.Load() {
				return nil
			}
		}
	}
}

func (a *fakeAgent) write(v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	b = append(b, '\n')

	a.writeMu.Lock()
	defer a.writeMu.Unlock()
	_, err = a.w.Write(b)
	return err
}

func (a *fakeAgent) emit(sessionID string, typ stream.EventType, data any) {
	params, err := json.Marshal(map[string]any{
		"sessionId": sessionID,
		"type":      typ,
		"data":      data,
	})
	if err != nil {
		a.logger.Error("encoding event", "error", err)
		return
	}
	if err := a.write(rpc.Request{JSONRPC: rpc.Version, Method: "session.event", Params: params}); err != nil {
		a.logger.Error("writing event", "error", err)
	}
}

func (a *fakeAgent) initialize(context.Context, json.RawMessage) (any, error) {
	return map[string]string{"name": FakeAgentName, "version": "0.1.0"}, nil
}

func (a *fakeAgent) listModels(context.Context, json.RawMessage) (any, error) {
	return map[string]any{"models": DefaultModels}, nil
}

func (a *fakeAgent) createSession(_ context.Context, params json.RawMessage) (any, error) {
	var p struct {
		SessionID     string `json:"sessionId"`
		CallbackURL   string `json:"callbackUrl"`
		CallbackToken string `json:"callbackToken"`
	}
	if err := rpc.DecodeParams(params, &p); err != nil {
		return nil, err
	}
	if p.SessionID == "" {
		return nil, rpc.InvalidParams("sessionId is required")
	}

	a.mu.Lock()
	a.sessions[p.SessionID] = fakeSession{callbackURL: p.CallbackURL, callbackToken: p.CallbackToken}
	a.mu.Unlock()

	return map[string]string{"agentSessionId": "fake-" + uuid.New().String()}, nil
}

func (a *fakeAgent) closeSession(_ context.Context, params json.RawMessage) (any, error) {
	var p struct {
		SessionID string `json:"sessionId"`
	}
	if err := rpc.DecodeParams(params, &p); err != nil {
		return nil, err
	}
	a.mu.Lock()
	delete(a.sessions, p.SessionID)
	a.mu.Unlock()
	return nil, nil
}

func (a *fakeAgent) send(_ context.Context, params json.RawMessage) (any, error) {
	var req MessageRequest
	if err := rpc.DecodeParams(params, &req); err != nil {
		return nil, err
	}

	a.mu.Lock()
	sess, ok := a.sessions[req.SessionID]
	a.mu.Unlock()
	if !ok {
		return nil, rpc.NewError(rpc.CodeSessionNotFound, "session not found", nil)
	}

	prompt := strings.TrimSpace(req.Prompt)
	switch {
	case prompt == "/exit":
		a.exit.Store(true)
		return map[string]bool{"accepted": true}, nil
	case prompt == "/reject":
		return map[string]bool{"accepted": false}, nil
	}

	a.emit(req.SessionID, stream.EventPlanStart, map[string]string{"messageId": req.MessageID, "prompt": req.Prompt})
	a.emit(req.SessionID, stream.EventPlanStep, stream.PlanStep{
		StepID:      req.MessageID + "-1",
		Description: "Read the request",
		Status:      "completed",
	})

	if name, args, ok := parseToolPrompt(prompt); ok {
		a.tools.Add(1)
		go func() {
			defer a.tools.Done()
			a.runTool(req.SessionID, req.MessageID, sess, name, args)
		}()
		return map[string]bool{"accepted": true}, nil
	}

	a.emit(req.SessionID, stream.EventTimelineMessage, stream.TimelineMessage{
		MessageID: req.MessageID,
		Role:      "assistant",
		Content:   "Echo: " + req.Prompt,
	})
	a.emit(req.SessionID, stream.EventPlanComplete, map[string]string{"messageId": req.MessageID})
	return map[string]bool{"accepted": true}, nil
}

// parseToolPrompt splits "/tool <name> [json]".
func parseToolPrompt(prompt string) (string, json.RawMessage, bool) {
	rest, ok := strings.CutPrefix(prompt, "/tool ")
	if !ok {
		return "", nil, false
	}
	name, args, _ := strings.Cut(strings.TrimSpace(rest), " ")
	if name == "" {
		return "", nil, false
	}
	args = strings.TrimSpace(args)
	if args == "" || !json.Valid([]byte(args)) {
		args = "{}"
	}
	return name, json.RawMessage(args), true
}

func (a *fakeAgent) runTool(sessionID, messageID string, sess fakeSession, name string, args json.RawMessage) {
	content := a.callTool(sessionID, sess, name, args)
	a.emit(sessionID, stream.EventTimelineMessage, stream.TimelineMessage{
		MessageID: messageID,
		Role:      "assistant",
		Content:   content,
	})
	a.emit(sessionID, stream.EventPlanComplete, map[string]string{"messageId": messageID})
}

func (a *fakeAgent) callTool(sessionID string, sess fakeSession, name string, args json.RawMessage) string {
	if sess.callbackURL == "" {
		return "Tool " + name + " unavailable: no callback URL"
	}

	body, err := json.Marshal(map[string]any{
		"sessionId": sessionID,
		"toolName":  name,
		"callId":    uuid.New().String(),
		"args":      args,
	})
	if err != nil {
		return "Tool " + name + " failed: " + err.Error()
	}

	httpReq, err := http.NewRequest(http.MethodPost, sess.callbackURL, bytes.NewReader(body))
	if err != nil {
		return "Tool " + name + " failed: " + err.Error()
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if sess.callbackToken != "" {
		httpReq.Header.Set("Authorization", "Bearer "+sess.callbackToken)
	}

	resp, err := a.client.Do(httpReq)
	if err != nil {
		return "Tool " + name + " failed: " + err.Error()
	}
	defer resp.Body.Close()

	var result struct {
		Success     bool            `json:"success"`
		Result      json.RawMessage `json:"result"`
		Error       string          `json:"error"`
		UserMessage string          `json:"userMessage"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return fmt.Sprintf("Tool %s failed: HTTP %d", name, resp.StatusCode)
	}
	if !result.Success {
		return fmt.Sprintf("Tool %s failed: %s", name, result.Error)
	}
	return fmt.Sprintf("Tool %s returned: %s", name, string(result.Result))
}
