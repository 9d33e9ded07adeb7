// ABOUTME: Host forwarder: a tool Handler that runs the call in the host application.
// ABOUTME: POSTs the call to the host's tool-callback endpoint and relays its result.

package toolbridge

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// HostPath is appended to the host's base URL.
const HostPath = "/tool-callback"

// HostForwarder forwards calls to the host application.
type HostForwarder struct {
	url    string
	client *http.Client
}

// NewHostForwarder creates a forwarder for the host at baseURL.
func NewHostForwarder(baseURL string, timeout time.Duration) *HostForwarder {
	return &HostForwarder{
		url:    strings.TrimRight(baseURL, "/") + HostPath,
		client: &http.Client{Timeout: timeout},
	}
}

// Handle implements Handler.
func (f *HostForwarder) Handle(ctx context.Context, call Call) (json.RawMessage, error) {
	body, err := json.Marshal(call)
	if err != nil {
		return nil, fmt.Errorf("marshaling call: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, f.url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("calling host: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxCallbackBody))
	if err != nil {
		return nil, fmt.Errorf("reading host response: %w", err)
	}

	var res Result
	if err := json.Unmarshal(raw, &res); err != nil {
		return nil, fmt.Errorf("host returned status %d: %s", resp.StatusCode, strings.TrimSpace(string(raw)))
	}
	if !res.Success {
		msg := res.Error
		if msg == "" {
			msg = fmt.Sprintf("host returned status %d", resp.StatusCode)
		}
		return nil, &ToolError{Message: msg, UserMessage: res.UserMessage}
	}
	return res.Result, nil
}

// HostTools builds forwarded tools from their descriptions.
func HostTools(forwarder *HostForwarder, tools []Tool) []Tool {
	out := make([]Tool, len(tools))
	for i, t := range tools {
		t.Handler = forwarder
		out[i] = t
	}
	return out
}
