// Package agent implements the agent event bus: the in-container publisher
// that streams model output to Redis, the snapshot reducer, and the gateway
// that fans events out to connected browsers.
package agent

import (
	"encoding/json"
	"time"
)

// Event types emitted by the publisher.
const (
	EventTextDelta  = "text-delta"
	EventToolCall   = "tool-call"
	EventToolResult = "tool-result"
	EventFileEdit   = "file-edit"
	EventStatus     = "status"
	EventFinish     = "finish"
	EventError      = "error"
)

// File edit operations.
const (
	FileOpCreated  = "created"
	FileOpModified = "modified"
	FileOpDeleted  = "deleted"
)

// FileEdit describes one file touched by the agent.
type FileEdit struct {
	Path      string `json:"path"`
	Operation string `json:"operation"`
	Diff      string `json:"diff,omitempty"`
}

// Event is the tagged variant carried over the Redis stream and pub/sub
// channel. Events are immutable once published; only the fields relevant to
// Type are populated.
type Event struct {
	Type      string `json:"type"`
	AgentID   string `json:"agentId"`
	Timestamp int64  `json:"timestamp"` // unix milliseconds

	TextDelta  string          `json:"textDelta,omitempty"`
	ToolCallID string          `json:"toolCallId,omitempty"`
	ToolName   string          `json:"toolName,omitempty"`
	Args       json.RawMessage `json:"args,omitempty"`
	Result     json.RawMessage `json:"result,omitempty"`
	FileEdit   *FileEdit       `json:"fileEdit,omitempty"`
	Status     string          `json:"status,omitempty"`
	Message    string          `json:"message,omitempty"`
}

// newEvent stamps an event with its agent and current time.
func newEvent(agentID, eventType string) Event {
	return Event{
		Type:      eventType,
		AgentID:   agentID,
		Timestamp: time.Now().UnixMilli(),
	}
}

// EncodeEvent serializes an event for the stream entry body and the pub/sub
// payload.
func EncodeEvent(ev Event) (string, error) {
	data, err := json.Marshal(ev)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// DecodeEvent parses a serialized event.
func DecodeEvent(data string) (Event, error) {
	var ev Event
	err := json.Unmarshal([]byte(data), &ev)
	return ev, err
}
