package agent

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"kalpana.dev/db"
)

func TestSnapshotTextDeltas(t *testing.T) {
	s := NewSnapshot("agent-1")

	s.Apply(Event{Type: EventTextDelta, AgentID: "agent-1", TextDelta: "Hello"})
	s.Apply(Event{Type: EventTextDelta, AgentID: "agent-1", TextDelta: ", world"})

	require.Len(t, s.Messages, 1)
	assert.Equal(t, "assistant", s.Messages[0].Role)
	assert.Equal(t, "Hello, world", s.Messages[0].Content)
	assert.True(t, s.Messages[0].Streaming)
}

func TestSnapshotToolCallClosesStreamingMessage(t *testing.T) {
	s := NewSnapshot("agent-1")

	s.Apply(Event{Type: EventTextDelta, TextDelta: "Let me check."})
	s.Apply(Event{Type: EventToolCall, ToolCallID: "tc-1", ToolName: "readFile", Args: json.RawMessage(`{"path":"main.go"}`)})
	s.Apply(Event{Type: EventTextDelta, TextDelta: "Found it."})

	require.Len(t, s.Messages, 2)
	assert.False(t, s.Messages[0].Streaming)
	assert.Equal(t, "Let me check.", s.Messages[0].Content)
	assert.True(t, s.Messages[1].Streaming)
	assert.Equal(t, "Found it.", s.Messages[1].Content)

	require.Len(t, s.ToolCalls, 1)
	assert.Equal(t, ToolStateExecuting, s.ToolCalls[0].State)
}

func TestSnapshotDuplicateToolCallIgnored(t *testing.T) {
	s := NewSnapshot("agent-1")

	s.Apply(Event{Type: EventToolCall, ToolCallID: "tc-1", ToolName: "readFile"})
	s.Apply(Event{Type: EventToolCall, ToolCallID: "tc-1", ToolName: "readFile"})

	assert.Len(t, s.ToolCalls, 1)
}

func TestSnapshotToolResult(t *testing.T) {
	s := NewSnapshot("agent-1")

	s.Apply(Event{Type: EventToolCall, ToolCallID: "tc-1", ToolName: "runCommand"})
	s.Apply(Event{Type: EventToolResult, ToolCallID: "tc-1", Result: json.RawMessage(`{"exitCode":0}`)})

	require.Len(t, s.ToolCalls, 1)
	assert.Equal(t, ToolStateComplete, s.ToolCalls[0].State)
	assert.JSONEq(t, `{"exitCode":0}`, string(s.ToolCalls[0].Result))

	// result for an unknown call is a no-op
	s.Apply(Event{Type: EventToolResult, ToolCallID: "tc-9"})
	assert.Len(t, s.ToolCalls, 1)
}

func TestSnapshotFileEdits(t *testing.T) {
	s := NewSnapshot("agent-1")

	s.Apply(Event{Type: EventFileEdit, FileEdit: &FileEdit{Path: "src/app.ts", Operation: FileOpModified}})
	s.Apply(Event{Type: EventFileEdit})

	require.Len(t, s.FilesEdited, 1)
	assert.Equal(t, "src/app.ts", s.FilesEdited[0].Path)
}

func TestSnapshotLifecycle(t *testing.T) {
	t.Run("finish completes and seals streaming", func(t *testing.T) {
		s := NewSnapshot("agent-1")
		s.Apply(Event{Type: EventStatus, Status: db.AgentStatusRunning})
		s.Apply(Event{Type: EventTextDelta, TextDelta: "done"})
		s.Apply(Event{Type: EventFinish})

		assert.Equal(t, db.AgentStatusCompleted, s.Status)
		assert.False(t, s.Messages[0].Streaming)
	})

	t.Run("error fails the run", func(t *testing.T) {
		s := NewSnapshot("agent-1")
		s.Apply(Event{Type: EventStatus, Status: db.AgentStatusRunning})
		s.Apply(Event{Type: EventError, Message: "Rate limit exceeded"})

		assert.Equal(t, db.AgentStatusFailed, s.Status)
	})

	t.Run("timestamps only move forward", func(t *testing.T) {
		s := NewSnapshot("agent-1")
		s.Apply(Event{Type: EventTextDelta, TextDelta: "a", Timestamp: 200})
		s.Apply(Event{Type: EventTextDelta, TextDelta: "b", Timestamp: 100})

		assert.Equal(t, int64(200), s.LastEventAt)
	})
}

func TestSnapshotForPersistence(t *testing.T) {
	s := NewSnapshot("agent-1")
	s.Apply(Event{Type: EventTextDelta, TextDelta: "partial"})

	out := s.ForPersistence()
	assert.False(t, out.Messages[0].Streaming)
	assert.True(t, s.Messages[0].Streaming, "original untouched")
}

func TestHydrateSnapshot(t *testing.T) {
	t.Run("restores serialized columns", func(t *testing.T) {
		row := &db.Agent{
			Task:                "fix the tests",
			ConversationHistory: `[{"role":"user","content":"fix the tests"}]`,
			ToolCalls:           `[{"id":"tc-1","name":"runCommand","state":"complete"}]`,
			FilesEdited:         `[{"path":"a.go","operation":"modified"}]`,
		}
		row.ID = "agent-1"
		row.Status = db.AgentStatusCompleted

		s := HydrateSnapshot(row)
		assert.Equal(t, db.AgentStatusCompleted, s.Status)
		require.Len(t, s.Messages, 1)
		require.Len(t, s.ToolCalls, 1)
		require.Len(t, s.FilesEdited, 1)
	})

	t.Run("tolerates malformed columns", func(t *testing.T) {
		row := &db.Agent{ConversationHistory: "{not json"}
		row.ID = "agent-1"
		row.Status = db.AgentStatusPending

		s := HydrateSnapshot(row)
		assert.Empty(t, s.Messages)
		assert.NotNil(t, s.ToolCalls)
		assert.NotNil(t, s.FilesEdited)
	})
}

func TestEventRoundTrip(t *testing.T) {
	ev := newEvent("agent-1", EventToolCall)
	ev.ToolCallID = "tc-1"
	ev.ToolName = "writeFile"
	ev.Args = json.RawMessage(`{"path":"x"}`)

	data, err := EncodeEvent(ev)
	require.NoError(t, err)

	decoded, err := DecodeEvent(data)
	require.NoError(t, err)
	assert.Equal(t, ev.Type, decoded.Type)
	assert.Equal(t, ev.ToolCallID, decoded.ToolCallID)
	assert.JSONEq(t, string(ev.Args), string(decoded.Args))
}
