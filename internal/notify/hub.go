package notify

import (
	"context"
	"sync"
	"sync/atomic"
)

// AllRuns subscribes to every run.
const AllRuns int64 = 0

const defaultBuffer = 256

// Hub is the in-process subscriber registry. Delivery never blocks the
// publisher: a subscriber whose buffer is full misses the event and the
// drop is counted.
type Hub struct {
	mu   sync.RWMutex
	subs map[*Subscription]struct{}

	dropped atomic.Int64
}

type Subscription struct {
	hub   *Hub
	runID int64
	ch    chan Event
	once  sync.Once
}

func NewHub() *Hub {
	return &Hub{subs: map[*Subscription]struct{}{}}
}

// Subscribe registers a channel for one run, or for all runs with AllRuns.
func (h *Hub) Subscribe(runID int64, buffer int) *Subscription {
	if buffer <= 0 {
		buffer = defaultBuffer
	}
	s := &Subscription{hub: h, runID: runID, ch: make(chan Event, buffer)}
	h.mu.Lock()
	h.subs[s] = struct{}{}
	h.mu.Unlock()
	return s
}

func (s *Subscription) Events() <-chan Event { return s.ch }

// Close unregisters the subscription and closes its channel. Safe to call
// more than once.
func (s *Subscription) Close() {
	s.once.Do(func() {
		s.hub.mu.Lock()
		delete(s.hub.subs, s)
		close(s.ch)
		s.hub.mu.Unlock()
	})
}

func (h *Hub) Notify(_ context.Context, e Event) error {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for s := range h.subs {
		if s.runID != AllRuns && s.runID != e.RunID {
			continue
		}
		select {
		case s.ch <- e:
		default:
			h.dropped.Add(1)
		}
	}
	return nil
}

// Dropped returns how many deliveries were skipped because a subscriber was
// not keeping up.
func (h *Hub) Dropped() int64 {
	return h.dropped.Load()
}
