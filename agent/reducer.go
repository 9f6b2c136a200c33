package agent

import (
	"encoding/json"

	"kalpana.dev/db"
)

// Message is one conversation turn. Streaming marks an assistant message
// still receiving text deltas; it is an in-memory flag only and is stripped
// before persistence.
type Message struct {
	Role      string `json:"role"`
	Content   string `json:"content"`
	Streaming bool   `json:"streaming,omitempty"`
}

// Tool call states.
const (
	ToolStateExecuting = "executing"
	ToolStateComplete  = "complete"
)

// ToolCall tracks one tool invocation and its eventual result.
type ToolCall struct {
	ID     string          `json:"id"`
	Name   string          `json:"name"`
	Args   json.RawMessage `json:"args,omitempty"`
	State  string          `json:"state"`
	Result json.RawMessage `json:"result,omitempty"`
}

// Snapshot is the authoritative reconstruction of an agent's visible state,
// built by folding events in stream order.
type Snapshot struct {
	AgentID     string     `json:"agentId"`
	Status      string     `json:"status"`
	Messages    []Message  `json:"messages"`
	ToolCalls   []ToolCall `json:"toolCalls"`
	FilesEdited []FileEdit `json:"filesEdited"`
	LastEventAt int64      `json:"lastEventAt,omitempty"`
}

// NewSnapshot returns an empty snapshot for an agent.
func NewSnapshot(agentID string) *Snapshot {
	return &Snapshot{
		AgentID:     agentID,
		Status:      db.AgentStatusPending,
		Messages:    []Message{},
		ToolCalls:   []ToolCall{},
		FilesEdited: []FileEdit{},
	}
}

// Apply folds one event into the snapshot. Events must arrive in stream
// order; re-applying a contiguous suffix is safe for every field except
// text deltas, which accumulate, so callers track the last applied stream
// id and never rewind it.
func (s *Snapshot) Apply(ev Event) {
	if ev.Timestamp > s.LastEventAt {
		s.LastEventAt = ev.Timestamp
	}

	switch ev.Type {
	case EventTextDelta:
		if n := len(s.Messages); n > 0 && s.Messages[n-1].Role == "assistant" && s.Messages[n-1].Streaming {
			s.Messages[n-1].Content += ev.TextDelta
		} else {
			s.Messages = append(s.Messages, Message{
				Role:      "assistant",
				Content:   ev.TextDelta,
				Streaming: true,
			})
		}

	case EventToolCall:
		for _, tc := range s.ToolCalls {
			if tc.ID == ev.ToolCallID {
				s.clearStreaming()
				return
			}
		}
		s.ToolCalls = append(s.ToolCalls, ToolCall{
			ID:    ev.ToolCallID,
			Name:  ev.ToolName,
			Args:  ev.Args,
			State: ToolStateExecuting,
		})
		s.clearStreaming()

	case EventToolResult:
		for i := range s.ToolCalls {
			if s.ToolCalls[i].ID == ev.ToolCallID {
				s.ToolCalls[i].State = ToolStateComplete
				s.ToolCalls[i].Result = ev.Result
				break
			}
		}

	case EventFileEdit:
		if ev.FileEdit != nil {
			s.FilesEdited = append(s.FilesEdited, *ev.FileEdit)
		}

	case EventStatus:
		s.Status = ev.Status
		if ev.Status != db.AgentStatusRunning {
			s.clearStreaming()
		}

	case EventFinish:
		s.Status = db.AgentStatusCompleted
		s.clearStreaming()

	case EventError:
		s.Status = db.AgentStatusFailed
		s.clearStreaming()
	}
}

// clearStreaming drops the in-progress marker from a trailing assistant
// message.
func (s *Snapshot) clearStreaming() {
	if n := len(s.Messages); n > 0 {
		s.Messages[n-1].Streaming = false
	}
}

// Clone returns a deep copy of the snapshot.
func (s *Snapshot) Clone() *Snapshot {
	return &Snapshot{
		AgentID:     s.AgentID,
		Status:      s.Status,
		Messages:    append([]Message(nil), s.Messages...),
		ToolCalls:   append([]ToolCall(nil), s.ToolCalls...),
		FilesEdited: append([]FileEdit(nil), s.FilesEdited...),
		LastEventAt: s.LastEventAt,
	}
}

// ForPersistence returns a copy with the streaming flag stripped from every
// message, suitable for serializing into the Agent row.
func (s *Snapshot) ForPersistence() *Snapshot {
	out := &Snapshot{
		AgentID:     s.AgentID,
		Status:      s.Status,
		Messages:    make([]Message, len(s.Messages)),
		ToolCalls:   append([]ToolCall(nil), s.ToolCalls...),
		FilesEdited: append([]FileEdit(nil), s.FilesEdited...),
		LastEventAt: s.LastEventAt,
	}
	for i, msg := range s.Messages {
		msg.Streaming = false
		out.Messages[i] = msg
	}
	return out
}

// HydrateSnapshot rebuilds a snapshot baseline from the serialized columns
// of an Agent row. Unparseable columns hydrate as empty, not as errors,
// because a missing baseline is recoverable from the stream.
func HydrateSnapshot(row *db.Agent) *Snapshot {
	s := NewSnapshot(row.ID)
	s.Status = row.Status

	if row.ConversationHistory != "" {
		_ = json.Unmarshal([]byte(row.ConversationHistory), &s.Messages)
	}
	if row.ToolCalls != "" {
		_ = json.Unmarshal([]byte(row.ToolCalls), &s.ToolCalls)
	}
	if row.FilesEdited != "" {
		_ = json.Unmarshal([]byte(row.FilesEdited), &s.FilesEdited)
	}
	if s.Messages == nil {
		s.Messages = []Message{}
	}
	if s.ToolCalls == nil {
		s.ToolCalls = []ToolCall{}
	}
	if s.FilesEdited == nil {
		s.FilesEdited = []FileEdit{}
	}
	return s
}
