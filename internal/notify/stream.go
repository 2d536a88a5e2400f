package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"goa.design/pulse/streaming"
	streamopts "goa.design/pulse/streaming/options"
)

// StreamAdder is the subset of a Pulse stream used to publish events.
type StreamAdder interface {
	Add(ctx context.Context, event string, payload []byte) (string, error)
}

// StreamFactory opens the named stream.
type StreamFactory func(name string) (StreamAdder, error)

// StreamNotifier publishes events to one Redis stream per run.
type StreamNotifier struct {
	open    StreamFactory
	timeout time.Duration

	mu      sync.Mutex
	streams map[int64]StreamAdder
}

type StreamOptions struct {
	Redis        *redis.Client
	StreamMaxLen int
	Timeout      time.Duration
}

// NewStreamNotifier builds a notifier backed by Pulse streams on the given
// Redis connection.
func NewStreamNotifier(opts StreamOptions) (*StreamNotifier, error) {
	if opts.Redis == nil {
		return nil, errors.New("redis client is required")
	}
	open := func(name string) (StreamAdder, error) {
		var so []streamopts.Stream
		if opts.StreamMaxLen > 0 {
			so = append(so, streamopts.WithStreamMaxLen(opts.StreamMaxLen))
		}
		str, err := streaming.NewStream(name, opts.Redis, so...)
		if err != nil {
			return nil, fmt.Errorf("create pulse stream: %w", err)
		}
		return pulseStream{str}, nil
	}
	return newStreamNotifier(open, opts.Timeout), nil
}

type pulseStream struct {
	stream *streaming.Stream
}

func (p pulseStream) Add(ctx context.Context, event string, payload []byte) (string, error) {
	return p.stream.Add(ctx, event, payload)
}

func newStreamNotifier(open StreamFactory, timeout time.Duration) *StreamNotifier {
	return &StreamNotifier{open: open, timeout: timeout, streams: map[int64]StreamAdder{}}
}

// StreamName is the Redis stream carrying a run's events.
func StreamName(runID int64) string {
	return fmt.Sprintf("agentrun/run/%d", runID)
}

func (n *StreamNotifier) Notify(ctx context.Context, e Event) error {
	str, err := n.stream(e.RunID)
	if err != nil {
		return err
	}
	payload, err := json.Marshal(e)
	if err != nil {
		return err
	}
	if n.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, n.timeout)
		defer cancel()
	}
	if _, err := str.Add(ctx, string(e.Type), payload); err != nil {
		return fmt.Errorf("pulse add: %w", err)
	}
	if e.Terminal() {
		n.mu.Lock()
		delete(n.streams, e.RunID)
		n.mu.Unlock()
	}
	return nil
}

func (n *StreamNotifier) stream(runID int64) (StreamAdder, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if s, ok := n.streams[runID]; ok {
		return s, nil
	}
	s, err := n.open(StreamName(runID))
	if err != nil {
		return nil, err
	}
	n.streams[runID] = s
	return s, nil
}
