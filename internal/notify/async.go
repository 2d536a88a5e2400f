package notify

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
)

// ErrClosed is returned by Async.Notify after Close.
var ErrClosed = errors.New("notifier closed")

const defaultAsyncBuffer = 1024

// Async hands events to a slower sink on a single background goroutine so
// publishers never wait on the network. Order is preserved. Output and
// error events are dropped when the queue is full; terminal events wait
// for room. Errors from the sink are discarded, so wrap it in Multi to
// have them logged.
type Async struct {
	next Notifier
	ch   chan asyncItem
	done chan struct{}

	mu     sync.RWMutex
	closed bool

	dropped atomic.Int64
}

type asyncItem struct {
	ctx context.Context
	e   Event
}

func NewAsync(next Notifier, buffer int) *Async {
	if buffer <= 0 {
		buffer = defaultAsyncBuffer
	}
	a := &Async{
		next: next,
		ch:   make(chan asyncItem, buffer),
		done: make(chan struct{}),
	}
	go a.loop()
	return a
}

func (a *Async) loop() {
	defer close(a.done)
	for item := range a.ch {
		_ = a.next.Notify(item.ctx, item.e)
	}
}

func (a *Async) Notify(ctx context.Context, e Event) error {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.closed {
		return ErrClosed
	}
	item := asyncItem{ctx: context.WithoutCancel(ctx), e: e}
	if e.Terminal() {
		select {
		case a.ch <- item:
			return nil
		case <-ctx.Done():
			a.dropped.Add(1)
			return ctx.Err()
		}
	}
	select {
	case a.ch <- item:
	default:
		a.dropped.Add(1)
	}
	return nil
}

// Dropped returns how many events never reached the sink.
func (a *Async) Dropped() int64 {
	return a.dropped.Load()
}

// Close stops accepting events and waits for the queue to drain or ctx to
// end.
func (a *Async) Close(ctx context.Context) error {
	a.mu.Lock()
	if !a.closed {
		a.closed = true
		close(a.ch)
	}
	a.mu.Unlock()

	select {
	case <-a.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
