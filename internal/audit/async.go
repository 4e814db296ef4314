package audit

import (
	"context"
	"sync"
	"time"

	"github.com/toolbroker/broker/pkg/types"
)

// AsyncConfig configures the buffered, best-effort logging path.
type AsyncConfig struct {
	BufferSize    int
	FlushInterval time.Duration
}

// DefaultAsyncConfig matches the teacher's async_logger.go defaults.
func DefaultAsyncConfig() AsyncConfig {
	return AsyncConfig{BufferSize: 10000, FlushInterval: time.Second}
}

// AsyncLogger batches non-critical access log entries in a ring buffer
// and flushes them through the wrapped AuditLogger on an interval or
// when the buffer fills. It exists for call sites that want to record
// an event without taking the latency of a synchronous store write —
// administrative bookkeeping, not a decision that must fail closed.
// Anything on the access-grant hot path (REQUEST_EVALUATED,
// CREDENTIAL_ISSUED, CREDENTIAL_REVOKED) must go through
// AuditLogger.LogSync instead, since a dropped buffered entry here is
// silent by design.
type AsyncLogger struct {
	sync   *AuditLogger
	buffer []*types.AccessLog
	size   int
	head   int
	tail   int
	mu     sync.Mutex

	flushCh chan struct{}
	doneCh  chan struct{}
}

// NewAsyncLogger starts the background flush goroutine immediately;
// callers must call Close to drain it on shutdown.
func NewAsyncLogger(sync *AuditLogger, cfg AsyncConfig) *AsyncLogger {
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = DefaultAsyncConfig().BufferSize
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = DefaultAsyncConfig().FlushInterval
	}
	// One slot stays empty to tell a full ring from an empty one, so the
	// ring gets BufferSize+1 slots to hold BufferSize entries.
	l := &AsyncLogger{
		sync:    sync,
		buffer:  make([]*types.AccessLog, cfg.BufferSize+1),
		size:    cfg.BufferSize + 1,
		flushCh: make(chan struct{}, 1),
		doneCh:  make(chan struct{}),
	}
	go l.run(cfg.FlushInterval)
	return l
}

// Log enqueues entry for a later best-effort flush. It never blocks on
// the store and never returns an error; the oldest unflushed entry is
// dropped if the ring buffer is full.
func (l *AsyncLogger) Log(entry *types.AccessLog) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.buffer[l.tail] = entry
	l.tail = (l.tail + 1) % l.size
	if l.tail == l.head {
		l.head = (l.head + 1) % l.size
	}

	select {
	case l.flushCh <- struct{}{}:
	default:
	}
}

func (l *AsyncLogger) run(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			l.flush()
		case <-l.flushCh:
			l.flush()
		case <-l.doneCh:
			l.flush()
			return
		}
	}
}

func (l *AsyncLogger) flush() {
	l.mu.Lock()
	entries := l.drain()
	l.mu.Unlock()

	for _, entry := range entries {
		// Best effort: a write failure here is lost, which is the
		// entire reason this path is restricted to non-critical
		// events.
		_ = l.sync.LogEvent(context.Background(), entry)
	}
}

func (l *AsyncLogger) drain() []*types.AccessLog {
	if l.head == l.tail {
		return nil
	}
	var entries []*types.AccessLog
	for i := l.head; i != l.tail; i = (i + 1) % l.size {
		entries = append(entries, l.buffer[i])
	}
	l.head = l.tail
	return entries
}

// Flush forces an immediate synchronous drain, useful in tests.
func (l *AsyncLogger) Flush() {
	l.flush()
}

// Close stops the background goroutine after a final flush.
func (l *AsyncLogger) Close() {
	close(l.doneCh)
	time.Sleep(50 * time.Millisecond)
}
