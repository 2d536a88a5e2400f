package notify

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/nats-io/nats.go"
)

// Publisher is the subset of *nats.Conn used to publish events.
type Publisher interface {
	Publish(subj string, data []byte) error
}

// NATSNotifier publishes each event on agentrun.run.<id>.<type>.
type NATSNotifier struct {
	pub Publisher
}

func NewNATSNotifier(pub Publisher) *NATSNotifier {
	return &NATSNotifier{pub: pub}
}

// ConnectNATS dials url and returns a notifier along with the connection so
// the caller can drain it on shutdown.
func ConnectNATS(url string) (*NATSNotifier, *nats.Conn, error) {
	nc, err := nats.Connect(url, nats.Name("agentrun"))
	if err != nil {
		return nil, nil, fmt.Errorf("connect nats: %w", err)
	}
	return NewNATSNotifier(nc), nc, nil
}

func Subject(e Event) string {
	return fmt.Sprintf("agentrun.run.%d.%s", e.RunID, e.Type)
}

func (n *NATSNotifier) Notify(_ context.Context, e Event) error {
	data, err := json.Marshal(e)
	if err != nil {
		return err
	}
	if err := n.pub.Publish(Subject(e), data); err != nil {
		return fmt.Errorf("nats publish %s: %w", Subject(e), err)
	}
	return nil
}
