package notify

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestEventTopics(t *testing.T) {
	require.Equal(t, "agent-output:42", Output(42, "x").Topic())
	require.Equal(t, "agent-error:42", Error(42, "x").Topic())
	require.Equal(t, "agent-complete:42", Complete(42, "completed", true).Topic())
	require.Equal(t, "agent-cancelled:42", Cancelled(42).Topic())
	require.True(t, Cancelled(1).Terminal())
	require.False(t, Output(1, "").Terminal())
	require.NotEqual(t, Output(1, "a").ID, Output(1, "a").ID)
}

func TestHubRoutesByRun(t *testing.T) {
	ctx := context.Background()
	hub := NewHub()
	one := hub.Subscribe(1, 4)
	all := hub.Subscribe(AllRuns, 4)
	defer one.Close()
	defer all.Close()

	require.NoError(t, hub.Notify(ctx, Output(1, "a")))
	require.NoError(t, hub.Notify(ctx, Output(2, "b")))

	require.Equal(t, "a", (<-one.Events()).Line)
	require.Len(t, one.Events(), 0)
	require.Equal(t, "a", (<-all.Events()).Line)
	require.Equal(t, "b", (<-all.Events()).Line)
}

func TestHubDropsWhenSubscriberIsFull(t *testing.T) {
	ctx := context.Background()
	hub := NewHub()
	sub := hub.Subscribe(1, 1)

	require.NoError(t, hub.Notify(ctx, Output(1, "kept")))
	require.NoError(t, hub.Notify(ctx, Output(1, "dropped")))
	require.EqualValues(t, 1, hub.Dropped())

	sub.Close()
	sub.Close()
	require.Empty(t, hub.subs)

	e, ok := <-sub.Events()
	require.True(t, ok)
	require.Equal(t, "kept", e.Line)
	_, ok = <-sub.Events()
	require.False(t, ok)

	// Publishing after close must not panic.
	require.NoError(t, hub.Notify(ctx, Output(1, "late")))
}

func TestMultiKeepsDeliveringAfterFailure(t *testing.T) {
	ctx := context.Background()
	var got []string
	boom := errors.New("boom")
	m := Multi{
		NotifierFunc(func(context.Context, Event) error { return boom }),
		nil,
		NotifierFunc(func(_ context.Context, e Event) error {
			got = append(got, e.Line)
			return nil
		}),
	}
	err := m.Notify(ctx, Output(3, "line"))
	require.ErrorIs(t, err, boom)
	require.Equal(t, []string{"line"}, got)
}

type fakeStream struct {
	mu     sync.Mutex
	events []string
	bodies [][]byte
}

func (f *fakeStream) Add(_ context.Context, event string, payload []byte) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, event)
	f.bodies = append(f.bodies, payload)
	return "1-0", nil
}

func TestStreamNotifierOpensOneStreamPerRun(t *testing.T) {
	ctx := context.Background()
	opened := map[string]*fakeStream{}
	n := newStreamNotifier(func(name string) (StreamAdder, error) {
		s := &fakeStream{}
		opened[name] = s
		return s, nil
	}, 0)

	require.NoError(t, n.Notify(ctx, Output(5, "hello")))
	require.NoError(t, n.Notify(ctx, Complete(5, "completed", true)))
	require.Len(t, opened, 1)

	s := opened[StreamName(5)]
	require.NotNil(t, s)
	require.Equal(t, []string{"agent-output", "agent-complete"}, s.events)

	var e Event
	require.NoError(t, json.Unmarshal(s.bodies[0], &e))
	require.Equal(t, int64(5), e.RunID)
	require.Equal(t, "hello", e.Line)

	// Terminal events drop the cached handle.
	require.NoError(t, n.Notify(ctx, Output(5, "again")))
	require.Len(t, opened, 1)
	require.Len(t, opened[StreamName(5)].events, 1)
}

func TestStreamNotifierRequiresRedis(t *testing.T) {
	_, err := NewStreamNotifier(StreamOptions{})
	require.Error(t, err)
}

type fakePublisher struct {
	subjects []string
	err      error
}

func (f *fakePublisher) Publish(subj string, _ []byte) error {
	f.subjects = append(f.subjects, subj)
	return f.err
}

func TestNATSNotifierSubjects(t *testing.T) {
	ctx := context.Background()
	pub := &fakePublisher{}
	n := NewNATSNotifier(pub)
	require.NoError(t, n.Notify(ctx, Error(9, "warn")))
	require.NoError(t, n.Notify(ctx, Cancelled(9)))
	require.Equal(t, []string{"agentrun.run.9.agent-error", "agentrun.run.9.agent-cancelled"}, pub.subjects)

	pub.err = errors.New("closed")
	require.Error(t, n.Notify(ctx, Output(9, "x")))
}
