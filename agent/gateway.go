package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"kalpana.dev/common"
	"kalpana.dev/db"
)

const (
	// replayLimit caps how many stream entries are replayed onto the
	// persisted baseline when the first subscriber arrives.
	replayLimit = 500

	defaultSyncInterval      = 1 * time.Second
	defaultWritebackInterval = 5 * time.Second

	// subscriberBuffer is the per-subscriber channel depth. A subscriber
	// that falls this far behind loses events; the stream sync and the
	// SSE reconnect path recover the state.
	subscriberBuffer = 256
)

// agentState is the gateway's in-memory view of one agent with at least one
// subscriber.
type agentState struct {
	snapshot     *Snapshot
	lastStreamID string
	dirty        bool
	subs         map[chan Event]struct{}
}

// Gateway bridges agent events from Redis to connected clients. It keeps a
// snapshot per subscribed agent, forwards live pub/sub events, reconciles
// the snapshot against the stream every sync interval, and writes agent
// status back to the state store.
type Gateway struct {
	rdb   redis.UniversalClient
	store *db.Store
	log   *logrus.Entry

	syncInterval      time.Duration
	writebackInterval time.Duration

	mu     sync.Mutex
	agents map[string]*agentState

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewGateway wires the event gateway.
func NewGateway(rdb redis.UniversalClient, store *db.Store, logger *logrus.Logger) *Gateway {
	if logger == nil {
		logger = common.Logger
	}
	return &Gateway{
		rdb:               rdb,
		store:             store,
		log:               common.ServiceLogger(logger, "gateway"),
		syncInterval:      defaultSyncInterval,
		writebackInterval: defaultWritebackInterval,
		agents:            make(map[string]*agentState),
	}
}

// Start launches the pub/sub forwarder and the sync and writeback loops.
func (g *Gateway) Start(ctx context.Context) {
	ctx, g.cancel = context.WithCancel(ctx)

	g.wg.Add(3)
	go g.forwardLoop(ctx)
	go g.syncLoop(ctx)
	go g.writebackLoop(ctx)
}

// Stop shuts the background loops down and persists remaining state.
func (g *Gateway) Stop() {
	if g.cancel != nil {
		g.cancel()
	}
	g.wg.Wait()
	g.persistAll(context.Background())
}

// Subscription is one client's attachment to an agent's event flow.
type Subscription struct {
	AgentID string

	// Snapshot is the hydrated state at subscription time.
	Snapshot *Snapshot

	// Events carries live events published after the snapshot.
	Events <-chan Event

	close func()
}

// Close detaches the subscription.
func (s *Subscription) Close() { s.close() }

// Subscribe attaches to an agent's event flow. The first subscriber per
// agent hydrates the snapshot from the persisted row plus a bounded replay
// of the stream tail; later subscribers share the in-memory state.
func (g *Gateway) Subscribe(ctx context.Context, agentID string) (*Subscription, error) {
	g.mu.Lock()
	state, ok := g.agents[agentID]
	g.mu.Unlock()

	if !ok {
		hydrated, err := g.hydrate(ctx, agentID)
		if err != nil {
			return nil, err
		}
		g.mu.Lock()
		// another subscriber may have hydrated concurrently
		if existing, ok := g.agents[agentID]; ok {
			state = existing
		} else {
			state = hydrated
			g.agents[agentID] = state
		}
		g.mu.Unlock()
	}

	ch := make(chan Event, subscriberBuffer)

	g.mu.Lock()
	state.subs[ch] = struct{}{}
	snap := state.snapshot.Clone()
	g.mu.Unlock()

	return &Subscription{
		AgentID:  agentID,
		Snapshot: snap,
		Events:   ch,
		close:    func() { g.unsubscribe(agentID, ch) },
	}, nil
}

// unsubscribe detaches a channel. When the last subscriber leaves, the
// agent's state is persisted once and dropped from memory.
func (g *Gateway) unsubscribe(agentID string, ch chan Event) {
	g.mu.Lock()
	state, ok := g.agents[agentID]
	if ok {
		if _, member := state.subs[ch]; member {
			delete(state.subs, ch)
			close(ch)
		}
		if len(state.subs) == 0 {
			delete(g.agents, agentID)
		} else {
			state = nil
		}
	}
	g.mu.Unlock()

	if ok && state != nil {
		g.persist(context.Background(), agentID, state)
	}
}

// hydrate builds the initial snapshot: the persisted Agent row as baseline,
// then the most recent stream entries replayed on top.
func (g *Gateway) hydrate(ctx context.Context, agentID string) (*agentState, error) {
	row, err := db.FindByID[db.Agent](ctx, g.store, agentID)
	if err != nil {
		return nil, fmt.Errorf("failed to load agent %s: %w", agentID, err)
	}
	snap := HydrateSnapshot(row)

	state := &agentState{
		snapshot: snap,
		subs:     make(map[chan Event]struct{}),
	}

	if g.rdb == nil {
		return state, nil
	}

	entries, err := g.rdb.XRevRangeN(ctx, StreamKey(agentID), "+", "-", replayLimit).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		g.log.WithError(err).WithField("agent", agentID).Warn("failed to replay stream")
		return state, nil
	}

	// XRevRange yields newest first; fold oldest first
	for i := len(entries) - 1; i >= 0; i-- {
		ev, ok := decodeEntry(entries[i])
		if !ok {
			continue
		}
		snap.Apply(ev)
	}
	if len(entries) > 0 {
		state.lastStreamID = entries[0].ID
	}
	return state, nil
}

// forwardLoop subscribes to every agent channel and fans live events out to
// subscribers. The snapshot is advanced only by the stream sync, which has
// ordered ids; pub/sub is delivery, not state.
func (g *Gateway) forwardLoop(ctx context.Context) {
	defer g.wg.Done()
	if g.rdb == nil {
		return
	}

	sub := g.rdb.PSubscribe(ctx, ChannelPattern)
	defer sub.Close()

	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-sub.Channel():
			if !ok {
				return
			}
			ev, err := DecodeEvent(msg.Payload)
			if err != nil {
				g.log.WithError(err).Warn("failed to decode published event")
				continue
			}
			g.fanOut(ev)
		}
	}
}

// fanOut delivers an event to every subscriber of its agent. Slow
// subscribers drop events rather than blocking the forwarder.
func (g *Gateway) fanOut(ev Event) {
	g.mu.Lock()
	defer g.mu.Unlock()

	state, ok := g.agents[ev.AgentID]
	if !ok {
		return
	}
	for ch := range state.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}

// syncLoop reconciles every subscribed agent's snapshot against its stream.
func (g *Gateway) syncLoop(ctx context.Context) {
	defer g.wg.Done()
	ticker := time.NewTicker(g.syncInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			g.syncAll(ctx)
		}
	}
}

func (g *Gateway) syncAll(ctx context.Context) {
	if g.rdb == nil {
		return
	}

	g.mu.Lock()
	ids := make([]string, 0, len(g.agents))
	for id := range g.agents {
		ids = append(ids, id)
	}
	g.mu.Unlock()

	for _, id := range ids {
		g.syncAgent(ctx, id)
	}
}

// syncAgent applies stream entries published after the last applied id. The
// id only ever moves forward, so text deltas are never double-applied.
func (g *Gateway) syncAgent(ctx context.Context, agentID string) {
	g.mu.Lock()
	state, ok := g.agents[agentID]
	if !ok {
		g.mu.Unlock()
		return
	}
	last := state.lastStreamID
	g.mu.Unlock()

	from := "-"
	if last != "" {
		from = nextStreamID(last)
	}
	entries, err := g.rdb.XRange(ctx, StreamKey(agentID), from, "+").Result()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			g.log.WithError(err).WithField("agent", agentID).Warn("failed to sync stream")
		}
		return
	}
	if len(entries) == 0 {
		return
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	state, ok = g.agents[agentID]
	if !ok || state.lastStreamID != last {
		return
	}
	for _, entry := range entries {
		ev, ok := decodeEntry(entry)
		if !ok {
			continue
		}
		state.snapshot.Apply(ev)
		state.lastStreamID = entry.ID
		state.dirty = true
	}
}

// writebackLoop periodically persists dirty agent state to the store.
func (g *Gateway) writebackLoop(ctx context.Context) {
	defer g.wg.Done()
	ticker := time.NewTicker(g.writebackInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			g.persistAll(ctx)
		}
	}
}

func (g *Gateway) persistAll(ctx context.Context) {
	g.mu.Lock()
	dirty := make(map[string]*agentState, len(g.agents))
	for id, state := range g.agents {
		if state.dirty {
			dirty[id] = state
		}
	}
	g.mu.Unlock()

	for id, state := range dirty {
		g.persist(ctx, id, state)
	}
}

// persist writes the snapshot's serialized form into the Agent row. When
// the row has been deleted the in-memory state is dropped.
func (g *Gateway) persist(ctx context.Context, agentID string, state *agentState) {
	g.mu.Lock()
	snap := state.snapshot.ForPersistence()
	state.dirty = false
	g.mu.Unlock()

	history, _ := json.Marshal(snap.Messages)
	toolCalls, _ := json.Marshal(snap.ToolCalls)
	files, _ := json.Marshal(snap.FilesEdited)

	patch := map[string]interface{}{
		"status":               snap.Status,
		"conversation_history": string(history),
		"tool_calls":           string(toolCalls),
		"files_edited":         string(files),
	}
	if snap.LastEventAt > 0 {
		patch["last_message_at"] = time.UnixMilli(snap.LastEventAt)
	}

	if err := db.Update[db.Agent](ctx, g.store, agentID, patch); err != nil {
		if errors.Is(err, db.ErrNotFound) {
			g.mu.Lock()
			delete(g.agents, agentID)
			g.mu.Unlock()
			return
		}
		g.log.WithError(err).WithField("agent", agentID).Warn("failed to persist agent state")
	}
}

// decodeEntry extracts the event from a stream entry's data field.
func decodeEntry(entry redis.XMessage) (Event, bool) {
	raw, ok := entry.Values["data"].(string)
	if !ok {
		return Event{}, false
	}
	ev, err := DecodeEvent(raw)
	if err != nil {
		return Event{}, false
	}
	return ev, true
}

// nextStreamID returns the smallest stream id strictly greater than id, for
// use as an inclusive XRANGE lower bound.
func nextStreamID(id string) string {
	ms, seq, ok := strings.Cut(id, "-")
	if !ok {
		return id
	}
	n, err := strconv.ParseUint(seq, 10, 64)
	if err != nil {
		return id
	}
	return ms + "-" + strconv.FormatUint(n+1, 10)
}
