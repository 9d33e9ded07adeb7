// ABOUTME: Method-table dispatcher for JSON-RPC 2.0 requests and notifications.
// ABOUTME: Serves POST /rpc and decodes inbound agent notifications.

package rpc

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"sort"
	"sync"
	"time"
)

// MaxRequestBodySize is the maximum allowed size for request bodies (1MB).
const MaxRequestBodySize = 1 << 20

// HandlerFunc handles one method. The returned result is marshaled into the
// response; returning an *Error selects the wire error code.
type HandlerFunc func(ctx context.Context, params json.RawMessage) (any, error)

// ObserveFunc is called once per dispatched request with its final code
// (0 on success). Notifications are not observed.
type ObserveFunc func(method string, code int, elapsed time.Duration)

// Config holds configuration for a Dispatcher.
type Config struct {
	Logger  *slog.Logger
	Observe ObserveFunc
}

// Dispatcher routes JSON-RPC requests to registered handlers by method name.
type Dispatcher struct {
	mu       sync.RWMutex
	handlers map[string]HandlerFunc
	logger   *slog.Logger
	observe  ObserveFunc
}

// NewDispatcher creates an empty Dispatcher.
func NewDispatcher(cfg Config) *Dispatcher {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		handlers: make(map[string]HandlerFunc),
		logger:   logger.With("component", "rpc"),
		observe:  cfg.Observe,
	}
}

// Handle registers h for method, replacing any previous handler.
func (d *Dispatcher) Handle(method string, h HandlerFunc) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.handlers[method] = h
}

// Methods returns the registered method names in sorted order.
func (d *Dispatcher) Methods() []string {
	d.mu.RLock()
	defer d.mu.RUnlock()

	names := make([]string, 0, len(d.handlers))
	for name := range d.handlers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (d *Dispatcher) lookup(method string) (HandlerFunc, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	h, ok := d.handlers[method]
	return h, ok
}

// Dispatch processes one encoded message. It returns nil when no response
// must be sent (notifications).
func (d *Dispatcher) Dispatch(ctx context.Context, body []byte) *Response {
	body = bytes.TrimSpace(body)
	if !json.Valid(body) {
		return NewErrorResponse(nil, NewError(CodeParseError, "parse error", nil))
	}
	switch body[0] {
	case '{':
	case '[':
		return NewErrorResponse(nil, NewError(CodeInvalidRequest, "batch requests are not supported", nil))
	default:
		return NewErrorResponse(nil, NewError(CodeInvalidRequest, "request must be a JSON object", nil))
	}

	// Fields of the wrong type leave the rest decoded, so a usable id is
	// still echoed back.
	var req Request
	err := json.Unmarshal(body, &req)
	if !validID(req.ID) {
		return NewErrorResponse(nil, NewError(CodeInvalidRequest, "id must be a string, number or null", nil))
	}
	if err != nil {
		return NewErrorResponse(req.ID, NewError(CodeInvalidRequest, "invalid request", nil))
	}

	if req.IsNotification() {
		d.notify(ctx, &req)
		return nil
	}

	if req.JSONRPC != Version {
		return NewErrorResponse(req.ID, NewError(CodeInvalidRequest, "invalid JSON-RPC version", nil))
	}

	start := time.Now()
	resp := d.call(ctx, &req)
	if d.observe != nil {
		code := 0
		if resp.Error != nil {
			code = resp.Error.Code
		}
		d.observe(req.Method, code, time.Since(start))
	}
	return resp
}

func validID(id json.RawMessage) bool {
	if len(id) == 0 {
		return true
	}
	switch id[0] {
	case '{', '[', 't', 'f':
		return false
	}
	return true
}

// notify runs the handler for a notification and discards its outcome.
func (d *Dispatcher) notify(ctx context.Context, req *Request) {
	if req.JSONRPC != Version {
		d.logger.Debug("dropping notification with invalid version", "method", req.Method)
		return
	}
	h, ok := d.lookup(req.Method)
	if !ok {
		d.logger.Debug("dropping notification for unknown method", "method", req.Method)
		return
	}
	if _, err := d.invoke(ctx, req.Method, h, req.Params); err != nil {
		d.logger.Warn("notification handler failed", "method", req.Method, "error", err)
	}
}

func (d *Dispatcher) call(ctx context.Context, req *Request) *Response {
	if req.Method == "" {
		return NewErrorResponse(req.ID, NewError(CodeMethodNotFound, "method not found", nil))
	}
	h, ok := d.lookup(req.Method)
	if !ok {
		return NewErrorResponse(req.ID, NewError(CodeMethodNotFound, "method not found", req.Method))
	}

	result, err := d.invoke(ctx, req.Method, h, req.Params)
	if err != nil {
		var rpcErr *Error
		if errors.As(err, &rpcErr) {
			return NewErrorResponse(req.ID, rpcErr)
		}
		d.logger.Error("handler failed", "method", req.Method, "error", err)
		return NewErrorResponse(req.ID, NewError(CodeInternalError, "internal error", nil))
	}
	if result == nil {
		result = struct{}{}
	}
	return NewResult(req.ID, result)
}

// invoke runs h, converting a panic into an internal error.
func (d *Dispatcher) invoke(ctx context.Context, method string, h HandlerFunc, params json.RawMessage) (result any, err error) {
	defer func() {
		if p := recover(); p != nil {
			d.logger.Error("handler panicked", "method", method, "panic", p)
			result = nil
			err = NewError(CodeInternalError, "internal error", nil)
		}
	}()
	return h(ctx, params)
}

// ServeHTTP implements the POST /rpc endpoint.
func (d *Dispatcher) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		http.Error(w, "Method Not Allowed", http.StatusMethodNotAllowed)
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, MaxRequestBodySize+1))
	if err != nil {
		d.writeResponse(w, NewErrorResponse(nil, NewError(CodeParseError, "failed to read request body", nil)))
		return
	}
	if int64(len(body)) > MaxRequestBodySize {
		d.writeResponse(w, NewErrorResponse(nil, NewError(CodeInvalidRequest, "request body too large", nil)))
		return
	}

	resp := d.Dispatch(r.Context(), body)
	if resp == nil {
		w.WriteHeader(http.StatusAccepted)
		return
	}
	d.writeResponse(w, resp)
}

func (d *Dispatcher) writeResponse(w http.ResponseWriter, resp *Response) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		d.logger.Warn("failed to encode JSON-RPC response", "error", err)
	}
}
