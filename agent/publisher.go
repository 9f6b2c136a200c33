package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"kalpana.dev/common"
	"kalpana.dev/db"
)

// StreamKey returns the Redis stream key for an agent.
func StreamKey(agentID string) string { return "agent:" + agentID + ":stream" }

// ChannelKey returns the pub/sub channel for an agent.
func ChannelKey(agentID string) string { return "agent:" + agentID + ":events" }

// ChannelPattern matches every agent's pub/sub channel.
const ChannelPattern = "agent:*:events"

// streamMaxLen bounds stream memory per agent; trimming is approximate.
const streamMaxLen = 1000

// Chunk is one tagged element of the model client's response stream.
type Chunk struct {
	Type       string          `json:"type"`
	Text       string          `json:"text,omitempty"`
	ToolCallID string          `json:"toolCallId,omitempty"`
	ToolName   string          `json:"toolName,omitempty"`
	Args       json.RawMessage `json:"args,omitempty"`
	Result     json.RawMessage `json:"result,omitempty"`
}

// ModelStream yields tagged chunks from the language-model client. Next
// returns io.EOF-style exhaustion via ok=false; a stream error aborts the
// run.
type ModelStream interface {
	Next(ctx context.Context) (chunk Chunk, ok bool, err error)
}

// ProviderError is an HTTP-status-bearing failure from the model provider.
type ProviderError struct {
	StatusCode int
	Err        error
}

func (e *ProviderError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("provider error (%d): %v", e.StatusCode, e.Err)
	}
	return fmt.Sprintf("provider error (%d)", e.StatusCode)
}

func (e *ProviderError) Unwrap() error { return e.Err }

// TranslateProviderError maps a stream failure to the message surfaced to
// the user. The translation happens once, at the publisher boundary.
func TranslateProviderError(err error) string {
	var pe *ProviderError
	if errors.As(err, &pe) {
		switch pe.StatusCode {
		case 401:
			return "Invalid or expired API key"
		case 429:
			return "Rate limit exceeded"
		case 500:
			return "Provider server error"
		default:
			return fmt.Sprintf("API error (%d)", pe.StatusCode)
		}
	}
	return "Stream error: " + err.Error()
}

// Publisher runs inside the agent container, one instance per agent run.
// It consumes the model stream and republishes every step as events on the
// agent's Redis stream and pub/sub channel.
type Publisher struct {
	agentID string
	rdb     redis.UniversalClient
	log     *logrus.Entry

	mu          sync.Mutex
	inFlight    bool
	history     []Message
	toolCalls   []ToolCall
	filesEdited []FileEdit
	response    strings.Builder
}

// NewPublisher creates a publisher for one agent. rdb may be nil; events
// are then dropped with a warning rather than blocking the run.
func NewPublisher(agentID string, rdb redis.UniversalClient, logger *logrus.Logger) *Publisher {
	if logger == nil {
		logger = common.Logger
	}
	return &Publisher{
		agentID: agentID,
		rdb:     rdb,
		log:     common.ServiceLogger(logger, "publisher").WithField("agent", agentID),
	}
}

// State reports the buffered run state.
func (p *Publisher) State() (toolCalls int, filesEdited int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.toolCalls), len(p.filesEdited)
}

// SeedHistory installs a prior conversation as the starting history. It is
// a no-op once any history exists.
func (p *Publisher) SeedHistory(history []Message) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.history) == 0 {
		p.history = append(p.history, history...)
	}
}

// History returns a copy of the buffered conversation history.
func (p *Publisher) History() []Message {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]Message(nil), p.history...)
}

// InFlight reports whether a run is currently executing.
func (p *Publisher) InFlight() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.inFlight
}

// FileEditCallback returns the hook the file-write tool invokes. Each edit
// is buffered and published immediately, independent of the chunk loop.
func (p *Publisher) FileEditCallback() func(FileEdit) {
	return func(edit FileEdit) {
		p.mu.Lock()
		p.filesEdited = append(p.filesEdited, edit)
		p.mu.Unlock()

		ev := newEvent(p.agentID, EventFileEdit)
		ev.FileEdit = &edit
		p.publish(context.Background(), ev)
	}
}

// Execute drains one model stream for a task, publishing events as they
// arrive. On success the assistant response joins the history and the run
// finishes COMPLETED; any error is translated once and finishes FAILED.
func (p *Publisher) Execute(ctx context.Context, task string, stream ModelStream) error {
	p.mu.Lock()
	p.inFlight = true
	p.history = append(p.history, Message{Role: "user", Content: task})
	p.response.Reset()
	p.mu.Unlock()

	defer func() {
		p.mu.Lock()
		p.inFlight = false
		p.mu.Unlock()
	}()

	status := newEvent(p.agentID, EventStatus)
	status.Status = db.AgentStatusRunning
	p.publish(ctx, status)

	if err := p.drain(ctx, stream); err != nil {
		msg := TranslateProviderError(err)

		errEv := newEvent(p.agentID, EventError)
		errEv.Message = msg
		p.publish(ctx, errEv)

		failed := newEvent(p.agentID, EventStatus)
		failed.Status = db.AgentStatusFailed
		p.publish(ctx, failed)
		return err
	}

	p.mu.Lock()
	if p.response.Len() > 0 {
		p.history = append(p.history, Message{Role: "assistant", Content: p.response.String()})
	}
	p.mu.Unlock()

	p.publish(ctx, newEvent(p.agentID, EventFinish))

	done := newEvent(p.agentID, EventStatus)
	done.Status = db.AgentStatusCompleted
	p.publish(ctx, done)
	return nil
}

func (p *Publisher) drain(ctx context.Context, stream ModelStream) error {
	for {
		chunk, ok, err := stream.Next(ctx)
		if err != nil {
			return err
		}
		if !ok {
			return nil
		}

		switch chunk.Type {
		case EventTextDelta:
			if chunk.Text == "" {
				continue
			}
			p.mu.Lock()
			p.response.WriteString(chunk.Text)
			p.mu.Unlock()

			ev := newEvent(p.agentID, EventTextDelta)
			ev.TextDelta = chunk.Text
			p.publish(ctx, ev)

		case EventToolCall:
			p.mu.Lock()
			p.toolCalls = append(p.toolCalls, ToolCall{
				ID:    chunk.ToolCallID,
				Name:  chunk.ToolName,
				Args:  chunk.Args,
				State: ToolStateExecuting,
			})
			p.mu.Unlock()

			ev := newEvent(p.agentID, EventToolCall)
			ev.ToolCallID = chunk.ToolCallID
			ev.ToolName = chunk.ToolName
			ev.Args = chunk.Args
			p.publish(ctx, ev)

		case EventToolResult:
			p.mu.Lock()
			for i := range p.toolCalls {
				if p.toolCalls[i].ID == chunk.ToolCallID {
					p.toolCalls[i].State = ToolStateComplete
					p.toolCalls[i].Result = chunk.Result
					break
				}
			}
			p.mu.Unlock()

			ev := newEvent(p.agentID, EventToolResult)
			ev.ToolCallID = chunk.ToolCallID
			ev.ToolName = chunk.ToolName
			ev.Result = chunk.Result
			p.publish(ctx, ev)
		}
	}
}

// publish writes an event to the agent's stream (trimmed) and pub/sub
// channel. Redis failures are logged and dropped; the publisher never
// blocks the model stream on Redis.
func (p *Publisher) publish(ctx context.Context, ev Event) {
	if p.rdb == nil {
		p.log.WithField("type", ev.Type).Warn("redis not connected, dropping event")
		return
	}
	data, err := EncodeEvent(ev)
	if err != nil {
		p.log.WithError(err).Warn("failed to encode event")
		return
	}

	if err := p.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: StreamKey(p.agentID),
		MaxLen: streamMaxLen,
		Approx: true,
		ID:     "*",
		Values: map[string]interface{}{"data": data},
	}).Err(); err != nil {
		p.log.WithError(err).Warn("failed to append event to stream")
	}

	if err := p.rdb.Publish(ctx, ChannelKey(p.agentID), data).Err(); err != nil {
		p.log.WithError(err).Warn("failed to publish event")
	}
}
