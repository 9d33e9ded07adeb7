// ABOUTME: Registered-handler table of tools the agent may call back into.
// ABOUTME: Each tool carries its category, approval requirement, timeout and handler.

package toolbridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"
)

// DefaultToolTimeout bounds a handler that declares no timeout.
const DefaultToolTimeout = 60 * time.Second

var (
	ErrNoName        = errors.New("tool name is required")
	ErrDuplicateTool = errors.New("tool already registered")
	ErrNoHandler     = errors.New("tool has no handler")
	ErrUnknownTool   = errors.New("unknown tool")
)

// Call is one tool invocation requested by the agent.
type Call struct {
	SessionID string          `json:"sessionId"`
	ToolName  string          `json:"toolName"`
	CallID    string          `json:"callId"`
	Args      json.RawMessage `json:"args,omitempty"`
}

// Handler executes a tool.
type Handler interface {
	Handle(ctx context.Context, call Call) (json.RawMessage, error)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, call Call) (json.RawMessage, error)

// Handle calls f.
func (f HandlerFunc) Handle(ctx context.Context, call Call) (json.RawMessage, error) {
	return f(ctx, call)
}

// ToolError is a handler failure with a message fit for the chat transcript.
type ToolError struct {
	Message     string
	UserMessage string
}

func (e *ToolError) Error() string { return e.Message }

// Tool describes a callable tool.
type Tool struct {
	Name             string
	Description      string
	Category         string
	RequiresApproval bool
	Timeout          time.Duration
	Handler          Handler
}

// ToolInfo is the public description returned by tools.list.
type ToolInfo struct {
	Name             string `json:"name"`
	Description      string `json:"description"`
	Category         string `json:"category"`
	RequiresApproval bool   `json:"requiresApproval"`
}

// Registry is the name -> tool table, built once at startup.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]Tool
}

// NewRegistry creates an empty tool table.
func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]Tool)}
}

// Register adds a tool. Names must be unique.
func (r *Registry) Register(t Tool) error {
	if t.Name == "" {
		return ErrNoName
	}
	if t.Handler == nil {
		return fmt.Errorf("%w: %s", ErrNoHandler, t.Name)
	}
	if t.Timeout <= 0 {
		t.Timeout = DefaultToolTimeout
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.tools[t.Name]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateTool, t.Name)
	}
	r.tools[t.Name] = t
	return nil
}

// Lookup returns the tool registered under name.
func (r *Registry) Lookup(name string) (Tool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[name]
	if !ok {
		return Tool{}, fmt.Errorf("%w: %s", ErrUnknownTool, name)
	}
	return t, nil
}

// List returns every tool sorted by name.
func (r *Registry) List() []ToolInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]ToolInfo, 0, len(r.tools))
	for _, t := range r.tools {
		out = append(out, ToolInfo{
			Name:             t.Name,
			Description:      t.Description,
			Category:         t.Category,
			RequiresApproval: t.RequiresApproval,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
