// ABOUTME: Typed agent events delivered on a session's stream.
// ABOUTME: Event names match the SSE event field sent to clients.

package stream

import (
	"encoding/json"
	"time"
)

// EventType names an event on the wire.
type EventType string

const (
	EventPlanStart        EventType = "plan.start"
	EventPlanStep         EventType = "plan.step"
	EventPlanComplete     EventType = "plan.complete"
	EventTimelineMessage  EventType = "timeline.message"
	EventTimelineToolCall EventType = "timeline.toolCall"
	EventToolApproval     EventType = "tool.approval"
	EventError            EventType = "error"
)

var knownTypes = map[EventType]bool{
	EventPlanStart:        true,
	EventPlanStep:         true,
	EventPlanComplete:     true,
	EventTimelineMessage:  true,
	EventTimelineToolCall: true,
	EventToolApproval:     true,
	EventError:            true,
}

// Known reports whether t is one of the defined event types.
func (t EventType) Known() bool {
	return knownTypes[t]
}

// Event is one item on a session stream. Seq is assigned by the Queue and is
// strictly increasing per session.
type Event struct {
	Seq  uint64
	Type EventType
	Data any
	Time time.Time
}

// Payload encodes Data as JSON, defaulting to an empty object.
func (e Event) Payload() ([]byte, error) {
	if e.Data == nil {
		return []byte("{}"), nil
	}
	if raw, ok := e.Data.(json.RawMessage); ok && len(raw) > 0 {
		return raw, nil
	}
	return json.Marshal(e.Data)
}

// PlanStep is the payload of plan.step.
type PlanStep struct {
	StepID      string `json:"stepId"`
	Description string `json:"description"`
	Status      string `json:"status"`
}

// TimelineMessage is the payload of timeline.message.
type TimelineMessage struct {
	MessageID string `json:"messageId,omitempty"`
	Role      string `json:"role"`
	Content   string `json:"content"`
}

// ToolCall is the payload of timeline.toolCall.
type ToolCall struct {
	CallID   string `json:"callId"`
	ToolName string `json:"toolName"`
	Status   string `json:"status"`
	Error    string `json:"error,omitempty"`
}

// ToolApproval is the payload of tool.approval.
type ToolApproval struct {
	CallID           string          `json:"callId"`
	ToolName         string          `json:"toolName"`
	Args             json.RawMessage `json:"args"`
	RequiresApproval bool            `json:"requiresApproval"`
}

// ErrorPayload is the payload of error.
type ErrorPayload struct {
	Message string `json:"message"`
	Detail  string `json:"detail,omitempty"`
}
