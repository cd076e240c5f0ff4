// Package audit buffers guardian audit entries and writes them asynchronously.
package audit

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/vadiminshakov/sentinel/internal/domain"
	"github.com/vadiminshakov/sentinel/pkg/retrier"
)

const (
	defaultQueueSize     = 1024
	defaultWriteRetries  = 3
	defaultRetryInterval = 50 * time.Millisecond
)

// Writer persists audit entries.
type Writer interface {
	Name() string
	Write(entry domain.AuditEntry) error
}

// Publisher receives every entry after it was written.
type Publisher interface {
	Publish(entry domain.AuditEntry)
}

// Stats are the sink counters.
type Stats struct {
	Written uint64 `json:"written"`
	Dropped uint64 `json:"dropped"`
	Failed  uint64 `json:"failed"`
	Queued  int    `json:"queued"`
}

// Option configures Sink.
type Option func(*Sink)

// WithPublisher forwards written entries to p.
func WithPublisher(p Publisher) Option {
	return func(s *Sink) {
		s.publisher = p
	}
}

// WithQueueSize sets the queue capacity.
func WithQueueSize(n int) Option {
	return func(s *Sink) {
		if n > 0 {
			s.queueSize = n
		}
	}
}

// WithWriteRetries sets how many times a failed write is retried and the initial backoff.
func WithWriteRetries(n int, interval time.Duration) Option {
	return func(s *Sink) {
		s.retries = n
		s.retryInterval = interval
	}
}

// Sink is a non-blocking audit sink. Entries are written in Append order by a single
// background goroutine.
type Sink struct {
	logger        *zap.Logger
	writers       []Writer
	publisher     Publisher
	queueSize     int
	retries       int
	retryInterval time.Duration

	queue chan domain.AuditEntry
	done  chan struct{}

	mu     sync.RWMutex
	closed bool

	written atomic.Uint64
	dropped atomic.Uint64
	failed  atomic.Uint64
}

// NewSink starts the background writer.
func NewSink(logger *zap.Logger, writers []Writer, opts ...Option) *Sink {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Sink{
		logger:        logger,
		writers:       writers,
		queueSize:     defaultQueueSize,
		retries:       defaultWriteRetries,
		retryInterval: defaultRetryInterval,
		done:          make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.queue = make(chan domain.AuditEntry, s.queueSize)

	go s.run()

	return s
}

// Append queues the entry. It never blocks: when the queue is full the entry is dropped.
func (s *Sink) Append(entry domain.AuditEntry) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		s.dropped.Add(1)
		s.logger.Warn("audit sink closed, entry dropped", zap.String("action", string(entry.Action)))
		return
	}

	select {
	case s.queue <- entry:
	default:
		s.dropped.Add(1)
		s.logger.Warn("audit queue full, entry dropped",
			zap.String("action", string(entry.Action)),
			zap.String("id", entry.ID))
	}
}

// Stats returns the current counters.
func (s *Sink) Stats() Stats {
	return Stats{
		Written: s.written.Load(),
		Dropped: s.dropped.Load(),
		Failed:  s.failed.Load(),
		Queued:  len(s.queue),
	}
}

// Close stops accepting entries and waits until the queue is drained or ctx is done.
func (s *Sink) Close(ctx context.Context) error {
	s.mu.Lock()
	if !s.closed {
		s.closed = true
		close(s.queue)
	}
	s.mu.Unlock()

	select {
	case <-s.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Sink) run() {
	defer close(s.done)
	for entry := range s.queue {
		s.write(entry)
	}
}

func (s *Sink) write(entry domain.AuditEntry) {
	ok := true
	for _, w := range s.writers {
		r := retrier.New(
			retrier.WithMaxRetries(s.retries),
			retrier.WithInitialInterval(s.retryInterval),
			retrier.WithMaxInterval(time.Second),
		)
		err := r.Do(context.Background(), func(context.Context) error {
			return w.Write(entry)
		})
		if err != nil {
			ok = false
			s.logger.Error("audit write failed",
				zap.String("writer", w.Name()),
				zap.String("action", string(entry.Action)),
				zap.String("id", entry.ID),
				zap.Error(err))
		}
	}

	if ok {
		s.written.Add(1)
	} else {
		s.failed.Add(1)
	}

	if s.publisher != nil {
		s.publisher.Publish(entry)
	}
}
