// Package events fans out guardian audit entries to in-process consumers.
package events

import (
	"sync"
	"sync/atomic"

	"github.com/vadiminshakov/sentinel/internal/domain"
)

// AuditBroadcaster fans out audit entries to all subscribers via buffered channels.
type AuditBroadcaster struct {
	mu      sync.RWMutex
	subs    map[chan domain.AuditEntry]struct{}
	buffer  int
	dropped atomic.Uint64
}

// NewAuditBroadcaster creates a broadcaster with the given per-subscriber buffer.
func NewAuditBroadcaster(buffer int) *AuditBroadcaster {
	if buffer < 1 {
		buffer = 64
	}
	return &AuditBroadcaster{
		subs:   make(map[chan domain.AuditEntry]struct{}),
		buffer: buffer,
	}
}

// Publish sends the entry to all subscribers, dropping it for readers that are behind.
func (b *AuditBroadcaster) Publish(e domain.AuditEntry) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for ch := range b.subs {
		select {
		case ch <- e:
		default:
			b.dropped.Add(1)
		}
	}
}

// Subscribe returns a channel that receives entries until Unsubscribe is called.
func (b *AuditBroadcaster) Subscribe() chan domain.AuditEntry {
	ch := make(chan domain.AuditEntry, b.buffer)
	b.mu.Lock()
	b.subs[ch] = struct{}{}
	b.mu.Unlock()
	return ch
}

// Unsubscribe removes the channel and closes it.
func (b *AuditBroadcaster) Unsubscribe(ch chan domain.AuditEntry) {
	b.mu.Lock()
	if _, ok := b.subs[ch]; ok {
		delete(b.subs, ch)
		close(ch)
	}
	b.mu.Unlock()
}

// Dropped returns how many deliveries were skipped because a subscriber was full.
func (b *AuditBroadcaster) Dropped() uint64 {
	return b.dropped.Load()
}
