package notify

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *recorder) Notify(_ context.Context, e Event) error {
	r.mu.Lock()
	r.events = append(r.events, e)
	r.mu.Unlock()
	return nil
}

func (r *recorder) lines() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []string
	for _, e := range r.events {
		out = append(out, e.Line)
	}
	return out
}

func TestAsyncPreservesOrderAndFlushesOnClose(t *testing.T) {
	ctx := context.Background()
	rec := &recorder{}
	a := NewAsync(rec, 16)

	for _, l := range []string{"a", "b", "c"} {
		require.NoError(t, a.Notify(ctx, Output(1, l)))
	}
	require.NoError(t, a.Notify(ctx, Complete(1, "completed", true)))
	require.NoError(t, a.Close(ctx))

	require.Equal(t, []string{"a", "b", "c", ""}, rec.lines())
	require.Zero(t, a.Dropped())

	require.ErrorIs(t, a.Notify(ctx, Output(1, "late")), ErrClosed)
	require.NoError(t, a.Close(ctx))
}

func TestAsyncDoesNotBlockOnSlowSink(t *testing.T) {
	ctx := context.Background()
	release := make(chan struct{})
	rec := &recorder{}
	slow := NotifierFunc(func(ctx context.Context, e Event) error {
		<-release
		return rec.Notify(ctx, e)
	})
	a := NewAsync(slow, 1)

	start := time.Now()
	for i := 0; i < 10; i++ {
		require.NoError(t, a.Notify(ctx, Output(1, "x")))
	}
	require.Less(t, time.Since(start), time.Second)
	require.Positive(t, a.Dropped())

	close(release)
	require.NoError(t, a.Notify(ctx, Cancelled(1)))
	require.NoError(t, a.Close(ctx))

	rec.mu.Lock()
	defer rec.mu.Unlock()
	require.EqualValues(t, 10, int64(len(rec.events)-1)+a.Dropped())
	require.Equal(t, EventCancelled, rec.events[len(rec.events)-1].Type)
}

func TestAsyncSwallowsSinkErrors(t *testing.T) {
	ctx := context.Background()
	a := NewAsync(NotifierFunc(func(context.Context, Event) error {
		return ErrClosed
	}), 0)
	require.NoError(t, a.Notify(ctx, Output(1, "x")))
	require.NoError(t, a.Close(ctx))
}
