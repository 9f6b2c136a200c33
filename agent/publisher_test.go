package agent

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"kalpana.dev/db"
)

// scriptedStream replays a fixed chunk sequence, optionally ending in an
// error.
type scriptedStream struct {
	chunks []Chunk
	err    error
	i      int
}

func (s *scriptedStream) Next(ctx context.Context) (Chunk, bool, error) {
	if s.i < len(s.chunks) {
		c := s.chunks[s.i]
		s.i++
		return c, true, nil
	}
	if s.err != nil {
		return Chunk{}, false, s.err
	}
	return Chunk{}, false, nil
}

func newTestRedis(t *testing.T) (*miniredis.Miniredis, redis.UniversalClient) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	return mr, rdb
}

func streamEvents(t *testing.T, rdb redis.UniversalClient, agentID string) []Event {
	t.Helper()
	entries, err := rdb.XRange(context.Background(), StreamKey(agentID), "-", "+").Result()
	require.NoError(t, err)

	events := make([]Event, 0, len(entries))
	for _, entry := range entries {
		ev, ok := decodeEntry(entry)
		require.True(t, ok)
		events = append(events, ev)
	}
	return events
}

func TestPublisherExecute(t *testing.T) {
	_, rdb := newTestRedis(t)
	p := NewPublisher("agent-1", rdb, nil)

	stream := &scriptedStream{chunks: []Chunk{
		{Type: EventTextDelta, Text: "Checking "},
		{Type: EventToolCall, ToolCallID: "tc-1", ToolName: "readFile", Args: json.RawMessage(`{"path":"go.mod"}`)},
		{Type: EventToolResult, ToolCallID: "tc-1", Result: json.RawMessage(`{"content":"module x"}`)},
		{Type: EventTextDelta, Text: "the module file."},
	}}

	require.NoError(t, p.Execute(context.Background(), "inspect the module", stream))

	events := streamEvents(t, rdb, "agent-1")
	types := make([]string, len(events))
	for i, ev := range events {
		types[i] = ev.Type
		assert.Equal(t, "agent-1", ev.AgentID)
		assert.NotZero(t, ev.Timestamp)
	}
	assert.Equal(t, []string{
		EventStatus, EventTextDelta, EventToolCall, EventToolResult,
		EventTextDelta, EventFinish, EventStatus,
	}, types)
	assert.Equal(t, db.AgentStatusRunning, events[0].Status)
	assert.Equal(t, db.AgentStatusCompleted, events[len(events)-1].Status)

	history := p.History()
	require.Len(t, history, 2)
	assert.Equal(t, "user", history[0].Role)
	assert.Equal(t, "inspect the module", history[0].Content)
	assert.Equal(t, "assistant", history[1].Role)
	assert.Equal(t, "Checking the module file.", history[1].Content)

	calls, files := p.State()
	assert.Equal(t, 1, calls)
	assert.Equal(t, 0, files)
	assert.False(t, p.InFlight())
}

func TestPublisherExecuteStreamError(t *testing.T) {
	_, rdb := newTestRedis(t)
	p := NewPublisher("agent-1", rdb, nil)

	stream := &scriptedStream{
		chunks: []Chunk{{Type: EventTextDelta, Text: "partial"}},
		err:    &ProviderError{StatusCode: 429},
	}

	err := p.Execute(context.Background(), "do something", stream)
	require.Error(t, err)

	events := streamEvents(t, rdb, "agent-1")
	require.NotEmpty(t, events)

	last := events[len(events)-1]
	assert.Equal(t, EventStatus, last.Type)
	assert.Equal(t, db.AgentStatusFailed, last.Status)

	errEv := events[len(events)-2]
	assert.Equal(t, EventError, errEv.Type)
	assert.Equal(t, "Rate limit exceeded", errEv.Message)
}

func TestPublisherPublishesToChannel(t *testing.T) {
	_, rdb := newTestRedis(t)

	sub := rdb.Subscribe(context.Background(), ChannelKey("agent-1"))
	defer sub.Close()
	_, err := sub.Receive(context.Background())
	require.NoError(t, err)

	p := NewPublisher("agent-1", rdb, nil)
	require.NoError(t, p.Execute(context.Background(), "say hi",
		&scriptedStream{chunks: []Chunk{{Type: EventTextDelta, Text: "hi"}}}))

	msg, err := sub.ReceiveMessage(context.Background())
	require.NoError(t, err)

	ev, err := DecodeEvent(msg.Payload)
	require.NoError(t, err)
	assert.Equal(t, EventStatus, ev.Type)
	assert.Equal(t, db.AgentStatusRunning, ev.Status)
}

func TestPublisherFileEditCallback(t *testing.T) {
	_, rdb := newTestRedis(t)
	p := NewPublisher("agent-1", rdb, nil)

	cb := p.FileEditCallback()
	cb(FileEdit{Path: "src/index.ts", Operation: FileOpCreated})

	events := streamEvents(t, rdb, "agent-1")
	require.Len(t, events, 1)
	assert.Equal(t, EventFileEdit, events[0].Type)
	require.NotNil(t, events[0].FileEdit)
	assert.Equal(t, "src/index.ts", events[0].FileEdit.Path)

	_, files := p.State()
	assert.Equal(t, 1, files)
}

func TestPublisherDropsWithoutRedis(t *testing.T) {
	p := NewPublisher("agent-1", nil, nil)

	err := p.Execute(context.Background(), "offline run",
		&scriptedStream{chunks: []Chunk{{Type: EventTextDelta, Text: "still works"}}})
	require.NoError(t, err)

	history := p.History()
	require.Len(t, history, 2)
	assert.Equal(t, "still works", history[1].Content)
}

func TestPublisherStreamTrimmed(t *testing.T) {
	_, rdb := newTestRedis(t)
	p := NewPublisher("agent-1", rdb, nil)

	chunks := make([]Chunk, 0, 1500)
	for i := 0; i < 1500; i++ {
		chunks = append(chunks, Chunk{Type: EventTextDelta, Text: "x"})
	}
	require.NoError(t, p.Execute(context.Background(), "long run", &scriptedStream{chunks: chunks}))

	length, err := rdb.XLen(context.Background(), StreamKey("agent-1")).Result()
	require.NoError(t, err)
	assert.LessOrEqual(t, length, int64(1600), "trimming is approximate but bounded")
}

func TestTranslateProviderError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want string
	}{
		{"unauthorized", &ProviderError{StatusCode: 401}, "Invalid or expired API key"},
		{"rate limited", &ProviderError{StatusCode: 429}, "Rate limit exceeded"},
		{"server error", &ProviderError{StatusCode: 500}, "Provider server error"},
		{"other status", &ProviderError{StatusCode: 503}, "API error (503)"},
		{"wrapped", &ProviderError{StatusCode: 401, Err: errors.New("no key")}, "Invalid or expired API key"},
		{"plain error", errors.New("connection reset"), "Stream error: connection reset"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, TranslateProviderError(tt.err))
		})
	}
}
