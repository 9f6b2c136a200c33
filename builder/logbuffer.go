package builder

import (
	"context"
	"strings"
	"sync"
	"time"

	"kalpana.dev/db"
)

// logBuffer accumulates build output and flushes it to the Build row at
// most once per second, so in-flight viewers can tail logs without every
// chunk turning into a database write.
type logBuffer struct {
	mu        sync.Mutex
	buf       strings.Builder
	store     *db.Store
	buildID   string
	interval  time.Duration
	lastFlush time.Time
	pending   *time.Timer
}

func newLogBuffer(store *db.Store, buildID string) *logBuffer {
	return &logBuffer{
		store:    store,
		buildID:  buildID,
		interval: time.Second,
	}
}

// Append adds a chunk of output and schedules a coalesced flush.
func (l *logBuffer) Append(p []byte) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.buf.Write(p)
	l.scheduleLocked()
}

// AppendLine adds a full line of output.
func (l *logBuffer) AppendLine(line string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.buf.WriteString(line)
	if !strings.HasSuffix(line, "\n") {
		l.buf.WriteByte('\n')
	}
	l.scheduleLocked()
}

// scheduleLocked flushes immediately when the interval has elapsed,
// otherwise arms a one-shot timer for the remainder. Caller holds l.mu.
func (l *logBuffer) scheduleLocked() {
	if time.Since(l.lastFlush) >= l.interval {
		l.flushLocked()
		return
	}
	if l.pending == nil {
		wait := l.interval - time.Since(l.lastFlush)
		l.pending = time.AfterFunc(wait, func() {
			l.mu.Lock()
			defer l.mu.Unlock()
			l.pending = nil
			l.flushLocked()
		})
	}
}

func (l *logBuffer) flushLocked() {
	l.lastFlush = time.Now()
	_ = l.store.SetBuildLogs(context.Background(), l.buildID, l.buf.String())
}

// Flush forces a final write and stops any pending timer.
func (l *logBuffer) Flush() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.pending != nil {
		l.pending.Stop()
		l.pending = nil
	}
	l.flushLocked()
}

// String returns the accumulated log text.
func (l *logBuffer) String() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.buf.String()
}
