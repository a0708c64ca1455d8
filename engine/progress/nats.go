package progress

import (
	"context"

	"github.com/nats-io/nats.go"

	"github.com/campuskb/sync-engine/pkg/natsutil"
)

// NATSBus is a Bus backed by a NATS subject, letting cmd/api stream
// progress to a client across a process boundary instead of only to
// in-process subscribers.
type NATSBus struct {
	nc      *nats.Conn
	subject string
}

// NewNATSBus creates a NATSBus publishing/subscribing on subject.
func NewNATSBus(nc *nats.Conn, subject string) *NATSBus {
	return &NATSBus{nc: nc, subject: subject}
}

var _ Bus = (*NATSBus)(nil)

// Publish publishes e as JSON onto the bus's subject.
func (b *NATSBus) Publish(ctx context.Context, e Event) error {
	return natsutil.Publish(ctx, b.nc, b.subject, e)
}

// Subscribe registers a NATS subscription and relays decoded events onto a
// channel until ctx is cancelled.
func (b *NATSBus) Subscribe(ctx context.Context) (<-chan Event, error) {
	ch := make(chan Event, 64)
	sub, err := natsutil.Subscribe(b.nc, b.subject, func(_ context.Context, e Event) {
		select {
		case ch <- e:
		default:
		}
	})
	if err != nil {
		return nil, err
	}

	go func() {
		<-ctx.Done()
		_ = sub.Unsubscribe()
		close(ch)
	}()

	return ch, nil
}
