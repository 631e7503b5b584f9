// Copyright (c) 2025 HYPR. PTE. LTD.
//
// Business Source License 1.1
// See LICENSE file in the project root for details.

package memory

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/ccheshirecat/wasmharness/internal/harness/eventbus"
	"github.com/ccheshirecat/wasmharness/internal/harness/events"
)

type subscriber struct {
	ch     chan<- events.RunEvent
	filter eventbus.Filter
}

// Bus is an in-process event bus. Slow subscribers miss events rather than
// stalling the run.
type Bus struct {
	mu   sync.RWMutex
	subs map[int64]subscriber
	next int64
}

var _ eventbus.Bus = (*Bus)(nil)

// New creates a new Bus instance.
func New() *Bus {
	return &Bus{subs: make(map[int64]subscriber)}
}

// Publish stamps ev when it carries no timestamp and hands it to every
// subscriber whose filter accepts it.
func (b *Bus) Publish(ctx context.Context, ev events.RunEvent) error {
	if ev.Type == "" {
		return errors.New("eventbus: event type must not be empty")
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, sub := range b.subs {
		if sub.filter != nil && !sub.filter(ev) {
			continue
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case sub.ch <- ev:
		default:
		}
	}
	return nil
}

// Subscribe registers ch for the events filter accepts.
func (b *Bus) Subscribe(ch chan<- events.RunEvent, filter eventbus.Filter) (func(), error) {
	if ch == nil {
		return nil, errors.New("eventbus: channel must not be nil")
	}
	b.mu.Lock()
	id := b.next
	b.next++
	b.subs[id] = subscriber{ch: ch, filter: filter}
	b.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			delete(b.subs, id)
		})
	}, nil
}
