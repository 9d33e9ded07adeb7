// ABOUTME: End-to-end tests for the sidecar over real HTTP with the mock agent client.
// ABOUTME: Covers the RPC method table, SSE streaming, tool callbacks and lifecycle.

package sidecar

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/coven-sidecar/internal/agent"
	"github.com/2389/coven-sidecar/internal/auth"
	"github.com/2389/coven-sidecar/internal/config"
	"github.com/2389/coven-sidecar/internal/rpc"
	"github.com/2389/coven-sidecar/internal/store"
	"github.com/2389/coven-sidecar/internal/toolbridge"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testConfig() *config.Config {
	cfg := config.Default()
	cfg.Agent.Mock = true
	cfg.Stream.HeartbeatInterval = time.Hour
	cfg.Permissions.Timeout = 5 * time.Second
	return cfg
}

type testSidecar struct {
	*Sidecar
	server *httptest.Server
}

func newTestSidecar(t *testing.T, cfg *config.Config, opts Options) *testSidecar {
	t.Helper()

	opts.Config = cfg
	if opts.Client == nil {
		opts.Client = agent.NewMockClient()
	}
	opts.Logger = testLogger()
	opts.Stdout = io.Discard

	s, err := New(opts)
	require.NoError(t, err)

	srv := httptest.NewServer(s.Handler())
	s.SetCallbackBase(srv.URL)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.Shutdown(ctx)
		srv.Close()
	})
	return &testSidecar{Sidecar: s, server: srv}
}

type rpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Result  json.RawMessage `json:"result"`
	Error   *rpc.Error      `json:"error"`
}

func (ts *testSidecar) postRPC(t *testing.T, body string) (int, []byte) {
	t.Helper()
	resp, err := http.Post(ts.server.URL+"/rpc", "application/json", strings.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp.StatusCode, raw
}

func (ts *testSidecar) call(t *testing.T, method string, params any) rpcResponse {
	t.Helper()
	req := map[string]any{"jsonrpc": "2.0", "id": 1, "method": method}
	if params != nil {
		req["params"] = params
	}
	body, err := json.Marshal(req)
	require.NoError(t, err)

	status, raw := ts.postRPC(t, string(body))
	require.Equal(t, http.StatusOK, status)

	var resp rpcResponse
	require.NoError(t, json.Unmarshal(raw, &resp))
	assert.Equal(t, "2.0", resp.JSONRPC)
	return resp
}

func (ts *testSidecar) createSession(t *testing.T) string {
	t.Helper()
	resp := ts.call(t, "session.create", nil)
	require.Nil(t, resp.Error)

	var result struct {
		SessionID string `json:"sessionId"`
		CreatedAt string `json:"createdAt"`
	}
	require.NoError(t, json.Unmarshal(resp.Result, &result))
	require.NotEmpty(t, result.SessionID)
	_, err := time.Parse(time.RFC3339Nano, result.CreatedAt)
	require.NoError(t, err)
	return result.SessionID
}

type sseFrame struct {
	ID    uint64
	Event string
	Data  string
}

// sseReader parses frames from an open stream. Comment lines are skipped.
type sseReader struct {
	scanner *bufio.Scanner
}

func (ts *testSidecar) openStream(t *testing.T, sessionID string) *sseReader {
	t.Helper()
	resp, err := http.Get(ts.server.URL + "/stream/" + sessionID)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))
	t.Cleanup(func() { resp.Body.Close() })
	return &sseReader{scanner: bufio.NewScanner(resp.Body)}
}

func (r *sseReader) next(t *testing.T) (sseFrame, bool) {
	t.Helper()
	var f sseFrame
	seen := false
	for r.scanner.Scan() {
		line := r.scanner.Text()
		switch {
		case line == "":
			if seen {
				return f, true
			}
		case strings.HasPrefix(line, ":"):
		case strings.HasPrefix(line, "id: "):
			id, err := strconv.ParseUint(strings.TrimPrefix(line, "id: "), 10, 64)
			require.NoError(t, err)
			f.ID = id
			seen = true
		case strings.HasPrefix(line, "event: "):
			f.Event = strings.TrimPrefix(line, "event: ")
			seen = true
		case strings.HasPrefix(line, "data: "):
			f.Data = strings.TrimPrefix(line, "data: ")
			seen = true
		}
	}
	return f, false
}

func TestScenarioCreateAndSend(t *testing.T) {
	ts := newTestSidecar(t, testConfig(), Options{})
	id := ts.createSession(t)

	resp := ts.call(t, "session.send", map[string]any{"sessionId": id, "prompt": "Hello", "model": "gpt-4o"})
	require.Nil(t, resp.Error)

	var result struct {
		MessageID string `json:"messageId"`
		StreamURL string `json:"streamUrl"`
	}
	require.NoError(t, json.Unmarshal(resp.Result, &result))
	assert.NotEmpty(t, result.MessageID)
	assert.Equal(t, "/stream/"+id, result.StreamURL)
}

func TestScenarioSendAfterClose(t *testing.T) {
	ts := newTestSidecar(t, testConfig(), Options{})
	id := ts.createSession(t)

	resp := ts.call(t, "session.close", map[string]any{"sessionId": id})
	require.Nil(t, resp.Error)
	assert.JSONEq(t, `{"closed":true}`, string(resp.Result))

	resp = ts.call(t, "session.send", map[string]any{"sessionId": id, "prompt": "Hello"})
	require.NotNil(t, resp.Error)
	assert.Equal(t, rpc.CodeSessionNotFound, resp.Error.Code)
}

func TestScenarioMalformedJSON(t *testing.T) {
	ts := newTestSidecar(t, testConfig(), Options{})

	status, raw := ts.postRPC(t, `{"jsonrpc":"2.0","id":1,"method":`)
	require.Equal(t, http.StatusOK, status)

	var resp rpcResponse
	require.NoError(t, json.Unmarshal(raw, &resp))
	require.NotNil(t, resp.Error)
	assert.Equal(t, rpc.CodeParseError, resp.Error.Code)
	assert.NotContains(t, string(raw), "goroutine")
}

func TestSendNeverCreatedSession(t *testing.T) {
	ts := newTestSidecar(t, testConfig(), Options{})

	resp := ts.call(t, "session.send", map[string]any{"sessionId": "does-not-exist", "prompt": "Hello"})
	require.NotNil(t, resp.Error)
	assert.Equal(t, rpc.CodeSessionNotFound, resp.Error.Code)
	assert.Equal(t, "Session not found", resp.Error.Message)
}

func TestNotificationsProduceNoOutput(t *testing.T) {
	ts := newTestSidecar(t, testConfig(), Options{})

	for _, method := range []string{"session.create", "session.send", "models.list", "no.such.method"} {
		t.Run(method, func(t *testing.T) {
			status, raw := ts.postRPC(t, `{"jsonrpc":"2.0","method":"`+method+`","params":{}}`)
			assert.Equal(t, http.StatusAccepted, status)
			assert.Empty(t, raw)
		})
	}
}

func TestCloseIsIdempotent(t *testing.T) {
	ts := newTestSidecar(t, testConfig(), Options{})
	id := ts.createSession(t)

	first := ts.call(t, "session.close", map[string]any{"sessionId": id})
	second := ts.call(t, "session.close", map[string]any{"sessionId": id})

	require.Nil(t, first.Error)
	require.Nil(t, second.Error)
	assert.JSONEq(t, `{"closed":true}`, string(first.Result))
	assert.JSONEq(t, `{"closed":false}`, string(second.Result))
	assert.Equal(t, 0, ts.Registry().Len())
}

func TestParamValidation(t *testing.T) {
	ts := newTestSidecar(t, testConfig(), Options{})

	tests := []struct {
		method string
		params any
		code   int
	}{
		{"session.send", map[string]any{"prompt": "Hello"}, rpc.CodeInvalidParams},
		{"session.send", map[string]any{"sessionId": "x"}, rpc.CodeInvalidParams},
		{"session.send", "not an object", rpc.CodeInvalidParams},
		{"session.close", map[string]any{}, rpc.CodeInvalidParams},
		{"tool.approve", map[string]any{"sessionId": "x", "callId": "c"}, rpc.CodeInvalidParams},
		{"no.such.method", nil, rpc.CodeMethodNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.method, func(t *testing.T) {
			resp := ts.call(t, tt.method, tt.params)
			require.NotNil(t, resp.Error)
			assert.Equal(t, tt.code, resp.Error.Code)
		})
	}
}

func TestModelsList(t *testing.T) {
	ts := newTestSidecar(t, testConfig(), Options{})

	resp := ts.call(t, "models.list", nil)
	require.Nil(t, resp.Error)

	var result struct {
		Models []agent.Model `json:"models"`
	}
	require.NoError(t, json.Unmarshal(resp.Result, &result))
	require.NotEmpty(t, result.Models)
	assert.Equal(t, agent.DefaultModelID, result.Models[0].ID)
	assert.NotEmpty(t, result.Models[0].Capabilities)
	assert.Positive(t, result.Models[0].ContextWindow)
}

func TestAgentFailureMapsToAgentError(t *testing.T) {
	cfg := testConfig()
	cfg.Agent.Mock = false
	client := agent.NewProcessClient(agent.ProcessConfig{
		Command:      "/nonexistent/coven-agent",
		StartTimeout: time.Second,
		Logger:       testLogger(),
	})
	ts := newTestSidecar(t, cfg, Options{Client: client})

	resp := ts.call(t, "session.create", nil)
	require.NotNil(t, resp.Error)
	assert.Equal(t, rpc.CodeAgentError, resp.Error.Code)
	assert.Contains(t, resp.Error.Message, "could not be started")
	assert.NotContains(t, resp.Error.Message, "/nonexistent")
	assert.Equal(t, 0, ts.Registry().Len())

	// Model listing still works without the agent.
	models := ts.call(t, "models.list", nil)
	assert.Nil(t, models.Error)
}

// exitedClient behaves like an agent whose process exited after the session
// was created.
type exitedClient struct {
	*agent.MockClient
}

func (exitedClient) SendMessage(context.Context, agent.MessageRequest) (*agent.MessageResponse, error) {
	return nil, fmt.Errorf("%w: %w", agent.ErrSendFailed, agent.ErrAgentExited)
}

func TestSendAfterAgentExitAsksForNewSession(t *testing.T) {
	ts := newTestSidecar(t, testConfig(), Options{Client: exitedClient{agent.NewMockClient()}})
	id := ts.createSession(t)

	for range 2 {
		resp := ts.call(t, "session.send", map[string]any{"sessionId": id, "prompt": "Hello"})
		require.NotNil(t, resp.Error)
		assert.Equal(t, rpc.CodeAgentError, resp.Error.Code)
		assert.Equal(t, agent.ExitedMessage, resp.Error.Message)
	}
	assert.Equal(t, 1, ts.Registry().Len())

	resp := ts.call(t, "session.close", map[string]any{"sessionId": id})
	require.Nil(t, resp.Error)
	assert.JSONEq(t, `{"closed":true}`, string(resp.Result))
}

func TestStreamDeliversEventsInOrder(t *testing.T) {
	ts := newTestSidecar(t, testConfig(), Options{})
	id := ts.createSession(t)

	reader := ts.openStream(t, id)

	resp := ts.call(t, "session.send", map[string]any{"sessionId": id, "prompt": "Hello"})
	require.Nil(t, resp.Error)

	want := []string{"plan.start", "plan.step", "timeline.message", "plan.complete"}
	var lastID uint64
	for i, event := range want {
		frame, ok := reader.next(t)
		require.True(t, ok, "frame %d", i)
		assert.Equal(t, event, frame.Event)
		assert.Greater(t, frame.ID, lastID)
		lastID = frame.ID
		assert.True(t, json.Valid([]byte(frame.Data)))
		if event == "timeline.message" {
			assert.Contains(t, frame.Data, "Mock response to: Hello")
		}
	}

	// Closing the session ends the stream.
	closed := ts.call(t, "session.close", map[string]any{"sessionId": id})
	require.Nil(t, closed.Error)
	_, ok := reader.next(t)
	assert.False(t, ok)
}

func TestStreamBuffersUntilReaderAttaches(t *testing.T) {
	ts := newTestSidecar(t, testConfig(), Options{})
	id := ts.createSession(t)

	resp := ts.call(t, "session.send", map[string]any{"sessionId": id, "prompt": "early"})
	require.Nil(t, resp.Error)

	reader := ts.openStream(t, id)
	frame, ok := reader.next(t)
	require.True(t, ok)
	assert.Equal(t, "plan.start", frame.Event)
	assert.Equal(t, uint64(1), frame.ID)
}

func TestStreamRejections(t *testing.T) {
	ts := newTestSidecar(t, testConfig(), Options{})

	resp, err := http.Get(ts.server.URL + "/stream/unknown")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	id := ts.createSession(t)
	ts.openStream(t, id)

	second, err := http.Get(ts.server.URL + "/stream/" + id)
	require.NoError(t, err)
	second.Body.Close()
	assert.Equal(t, http.StatusConflict, second.StatusCode)
}

type spyTool struct {
	calls atomic.Int32
}

func (s *spyTool) Handle(ctx context.Context, call toolbridge.Call) (json.RawMessage, error) {
	s.calls.Add(1)
	return json.RawMessage(`{"ok":true}`), nil
}

func sensitiveTool(spy *spyTool) toolbridge.Tool {
	return toolbridge.Tool{
		Name:             "edit_file",
		Description:      "Apply an edit to a file",
		Category:         "file",
		RequiresApproval: true,
		Handler:          spy,
	}
}

// sendCallback posts a tool callback. It does not touch t so it can run in
// a goroutine.
func (ts *testSidecar) sendCallback(token string, body any) (int, toolbridge.Result, error) {
	raw, err := json.Marshal(body)
	if err != nil {
		return 0, toolbridge.Result{}, err
	}
	req, err := http.NewRequest(http.MethodPost, ts.server.URL+CallbackPath, bytes.NewReader(raw))
	if err != nil {
		return 0, toolbridge.Result{}, err
	}
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return 0, toolbridge.Result{}, err
	}
	defer resp.Body.Close()

	var res toolbridge.Result
	err = json.NewDecoder(resp.Body).Decode(&res)
	return resp.StatusCode, res, err
}

func (ts *testSidecar) postCallback(t *testing.T, token string, body any) (int, toolbridge.Result) {
	t.Helper()
	status, res, err := ts.sendCallback(token, body)
	require.NoError(t, err)
	return status, res
}

func TestToolApprovalDenied(t *testing.T) {
	spy := &spyTool{}
	ts := newTestSidecar(t, testConfig(), Options{Tools: []toolbridge.Tool{sensitiveTool(spy)}})
	id := ts.createSession(t)
	reader := ts.openStream(t, id)

	type outcome struct {
		status int
		res    toolbridge.Result
		err    error
	}
	done := make(chan outcome, 1)
	go func() {
		status, res, err := ts.sendCallback("", map[string]any{
			"sessionId": id, "toolName": "edit_file", "callId": "call-1", "args": map[string]any{"path": "main.go"},
		})
		done <- outcome{status, res, err}
	}()

	frame, ok := reader.next(t)
	require.True(t, ok)
	require.Equal(t, "tool.approval", frame.Event)
	var approval struct {
		CallID           string          `json:"callId"`
		ToolName         string          `json:"toolName"`
		Args             json.RawMessage `json:"args"`
		RequiresApproval bool            `json:"requiresApproval"`
	}
	require.NoError(t, json.Unmarshal([]byte(frame.Data), &approval))
	assert.Equal(t, "call-1", approval.CallID)
	assert.Equal(t, "edit_file", approval.ToolName)
	assert.True(t, approval.RequiresApproval)
	assert.JSONEq(t, `{"path":"main.go"}`, string(approval.Args))

	resp := ts.call(t, "tool.approve", map[string]any{"sessionId": id, "callId": "call-1", "allowed": false})
	require.Nil(t, resp.Error)
	assert.JSONEq(t, `{"accepted":true}`, string(resp.Result))

	select {
	case out := <-done:
		require.NoError(t, out.err)
		assert.Equal(t, http.StatusOK, out.status)
		assert.False(t, out.res.Success)
		assert.NotEmpty(t, out.res.UserMessage)
	case <-time.After(5 * time.Second):
		t.Fatal("callback did not return")
	}
	assert.Equal(t, int32(0), spy.calls.Load())

	// A late decision is tolerated.
	late := ts.call(t, "tool.approve", map[string]any{"sessionId": id, "callId": "call-1", "allowed": true})
	require.Nil(t, late.Error)
	assert.JSONEq(t, `{"accepted":false}`, string(late.Result))
	assert.Equal(t, int32(0), spy.calls.Load())
}

func TestToolApprovalAllowed(t *testing.T) {
	spy := &spyTool{}
	ts := newTestSidecar(t, testConfig(), Options{Tools: []toolbridge.Tool{sensitiveTool(spy)}})
	id := ts.createSession(t)

	done := make(chan toolbridge.Result, 1)
	go func() {
		_, res, _ := ts.sendCallback("", map[string]any{"sessionId": id, "toolName": "edit_file", "callId": "call-2"})
		done <- res
	}()

	require.Eventually(t, func() bool { return ts.Bridge().Pending() == 1 }, 5*time.Second, 10*time.Millisecond)
	resp := ts.call(t, "tool.approve", map[string]any{"sessionId": id, "callId": "call-2", "allowed": true})
	require.Nil(t, resp.Error)

	select {
	case res := <-done:
		assert.True(t, res.Success)
		assert.JSONEq(t, `{"ok":true}`, string(res.Result))
	case <-time.After(5 * time.Second):
		t.Fatal("callback did not return")
	}
	assert.Equal(t, int32(1), spy.calls.Load())
}

func TestSessionPolicyFromSend(t *testing.T) {
	spy := &spyTool{}
	ts := newTestSidecar(t, testConfig(), Options{Tools: []toolbridge.Tool{sensitiveTool(spy)}})
	id := ts.createSession(t)

	resp := ts.call(t, "session.send", map[string]any{
		"sessionId": id, "prompt": "fix it", "permissions": map[string]string{"file": "allow"},
	})
	require.Nil(t, resp.Error)

	_, res := ts.postCallback(t, "", map[string]any{"sessionId": id, "toolName": "edit_file", "callId": "call-3"})
	assert.True(t, res.Success)
	assert.Equal(t, int32(1), spy.calls.Load())
}

func TestToolsList(t *testing.T) {
	ts := newTestSidecar(t, testConfig(), Options{Tools: []toolbridge.Tool{sensitiveTool(&spyTool{})}})

	resp := ts.call(t, "tools.list", nil)
	require.Nil(t, resp.Error)
	assert.JSONEq(t, `{"tools":[{"name":"edit_file","description":"Apply an edit to a file","category":"file","requiresApproval":true}]}`, string(resp.Result))
}

func TestCallbackAuthentication(t *testing.T) {
	cfg := testConfig()
	cfg.Auth.CallbackSecret = "test-secret-with-enough-bytes-1234"
	spy := &spyTool{}
	tool := sensitiveTool(spy)
	tool.RequiresApproval = false
	ts := newTestSidecar(t, cfg, Options{Tools: []toolbridge.Tool{tool}})

	id := ts.createSession(t)
	other := ts.createSession(t)

	signer, err := auth.NewCallbackSigner([]byte(cfg.Auth.CallbackSecret), time.Hour)
	require.NoError(t, err)
	token, err := signer.Mint(id)
	require.NoError(t, err)
	otherToken, err := signer.Mint(other)
	require.NoError(t, err)

	body := map[string]any{"sessionId": id, "toolName": "edit_file", "callId": "auth-1"}

	status, res := ts.postCallback(t, "", body)
	assert.Equal(t, http.StatusUnauthorized, status)
	assert.False(t, res.Success)

	status, _ = ts.postCallback(t, "garbage", body)
	assert.Equal(t, http.StatusUnauthorized, status)

	status, _ = ts.postCallback(t, otherToken, body)
	assert.Equal(t, http.StatusUnauthorized, status)
	assert.Equal(t, int32(0), spy.calls.Load())

	status, res = ts.postCallback(t, token, body)
	assert.Equal(t, http.StatusOK, status)
	assert.True(t, res.Success)
	assert.Equal(t, int32(1), spy.calls.Load())
}

func TestHistory(t *testing.T) {
	ts := newTestSidecar(t, testConfig(), Options{Ledger: store.NewMockStore()})
	id := ts.createSession(t)

	resp := ts.call(t, "session.send", map[string]any{"sessionId": id, "prompt": "Hello"})
	require.Nil(t, resp.Error)
	resp = ts.call(t, "session.close", map[string]any{"sessionId": id})
	require.Nil(t, resp.Error)

	resp = ts.call(t, "session.history", map[string]any{"sessionId": id})
	require.Nil(t, resp.Error)
	var result struct {
		Events []store.EventRecord `json:"events"`
	}
	require.NoError(t, json.Unmarshal(resp.Result, &result))
	require.Len(t, result.Events, 4)
	assert.Equal(t, "plan.start", result.Events[0].Type)
	assert.Equal(t, "plan.complete", result.Events[3].Type)

	resp = ts.call(t, "session.history", map[string]any{"sessionId": "unknown"})
	require.NotNil(t, resp.Error)
	assert.Equal(t, rpc.CodeSessionNotFound, resp.Error.Code)
}

func TestHistoryDisabled(t *testing.T) {
	ts := newTestSidecar(t, testConfig(), Options{})
	id := ts.createSession(t)

	resp := ts.call(t, "session.history", map[string]any{"sessionId": id})
	require.NotNil(t, resp.Error)
	assert.Equal(t, rpc.CodeInternalError, resp.Error.Code)
	assert.Equal(t, "history is not enabled", resp.Error.Message)
}

func TestHealth(t *testing.T) {
	ts := newTestSidecar(t, testConfig(), Options{})
	ts.createSession(t)

	resp, err := http.Get(ts.server.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body healthResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, healthResponse{Status: "ok", Sessions: 1, Agent: agent.StatusMock}, body)
}

func TestMetricsEndpoint(t *testing.T) {
	ts := newTestSidecar(t, testConfig(), Options{})
	ts.call(t, "models.list", nil)

	resp, err := http.Get(ts.server.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(raw), "coven_sidecar_rpc_requests_total")
}

func TestRunAnnouncesPortAndShutsDown(t *testing.T) {
	cfg := testConfig()
	cfg.Server.Addr = "127.0.0.1:0"

	pr, pw := io.Pipe()
	s, err := New(Options{Config: cfg, Client: agent.NewMockClient(), Stdout: pw, Logger: testLogger()})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	runErr := make(chan error, 1)
	go func() { runErr <- s.Run(ctx) }()

	line, err := bufio.NewReader(pr).ReadString('\n')
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(line, PortKey+"="), line)
	port, err := strconv.Atoi(strings.TrimSpace(strings.TrimPrefix(line, PortKey+"=")))
	require.NoError(t, err)
	require.Positive(t, port)

	base := "http://127.0.0.1:" + strconv.Itoa(port)
	assert.Equal(t, base+CallbackPath, s.Registry().CallbackURL())

	resp, err := http.Get(base + "/health")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	cancel()
	select {
	case err := <-runErr:
		assert.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("Run did not return")
	}
}

func TestPublicURLOverridesCallback(t *testing.T) {
	cfg := testConfig()
	cfg.Server.PublicURL = "https://sidecar.example.com/"
	ts := newTestSidecar(t, cfg, Options{})

	assert.Equal(t, "https://sidecar.example.com"+CallbackPath, ts.Registry().CallbackURL())
}
