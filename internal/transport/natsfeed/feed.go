// Package natsfeed adapts a NATS connection to the subscription.Feed
// interface. Subjects map one to one onto NATS subjects, and NATS client
// reconnects are surfaced through ReconnectNotifier so hosts can resync.
package natsfeed

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/nats-io/nats.go"

	"chatsync/internal/subscription"
)

// Feed is a NATS-backed subscription.Feed.
type Feed struct {
	nc  *nats.Conn
	log *slog.Logger

	mu        sync.Mutex
	reconnect []chan<- struct{}
	closed    bool
}

var _ subscription.Feed = (*Feed)(nil)
var _ subscription.ReconnectNotifier = (*Feed)(nil)

// Connect establishes the NATS connection. The client reconnects
// indefinitely on its own; every successful reconnect is fanned out to
// registered listeners.
func Connect(url string, log *slog.Logger) (*Feed, error) {
	if log == nil {
		log = slog.Default()
	}
	f := &Feed{log: log}
	nc, err := nats.Connect(url,
		nats.MaxReconnects(-1),
		nats.ReconnectHandler(func(*nats.Conn) {
			f.fanoutReconnect()
		}),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.Warn("nats disconnected", "err", err)
			}
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect nats: %w", err)
	}
	f.nc = nc
	return f, nil
}

// Publish sends a raw record on a subject.
func (f *Feed) Publish(ctx context.Context, subject string, data []byte) error {
	f.mu.Lock()
	closed := f.closed
	f.mu.Unlock()
	if closed {
		return subscription.ErrFeedClosed
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	return f.nc.Publish(subject, data)
}

// Stream subscribes ch to a subject until ctx is cancelled or the
// subscription is dropped.
func (f *Feed) Stream(ctx context.Context, subject string, ch chan<- []byte) (subscription.Subscription, error) {
	f.mu.Lock()
	closed := f.closed
	f.mu.Unlock()
	if closed {
		return nil, subscription.ErrFeedClosed
	}

	sub, err := f.nc.Subscribe(subject, func(m *nats.Msg) {
		select {
		case ch <- m.Data:
		case <-ctx.Done():
		}
	})
	if err != nil {
		return nil, fmt.Errorf("subscribe %s: %w", subject, err)
	}

	go func() {
		<-ctx.Done()
		_ = sub.Unsubscribe()
	}()
	return natsSubscription{sub: sub}, nil
}

// Publisher consumes relayed records. ws.Hub satisfies it.
type Publisher interface {
	Publish(ctx context.Context, subject string, data []byte) error
}

// Relay subscribes to a subject pattern and republishes every record into
// dst. A server instance that publishes into NATS relays conv.> back into
// its own websocket hub, so its /feed clients receive records from every
// instance, its own included.
func (f *Feed) Relay(pattern string, dst Publisher) error {
	f.mu.Lock()
	closed := f.closed
	f.mu.Unlock()
	if closed {
		return subscription.ErrFeedClosed
	}
	if _, err := f.nc.Subscribe(pattern, relayHandler(dst, f.log)); err != nil {
		return fmt.Errorf("relay %s: %w", pattern, err)
	}
	return nil
}

func relayHandler(dst Publisher, log *slog.Logger) nats.MsgHandler {
	return func(m *nats.Msg) {
		if err := dst.Publish(context.Background(), m.Subject, m.Data); err != nil {
			log.Warn("relay publish failed", "subject", m.Subject, "err", err)
		}
	}
}

// NotifyReconnect registers a channel signalled after every NATS reconnect.
func (f *Feed) NotifyReconnect(ch chan<- struct{}) {
	f.mu.Lock()
	f.reconnect = append(f.reconnect, ch)
	f.mu.Unlock()
}

// Close drains and closes the underlying connection.
func (f *Feed) Close() error {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return nil
	}
	f.closed = true
	f.mu.Unlock()

	if err := f.nc.Drain(); err != nil {
		f.nc.Close()
		return err
	}
	return nil
}

func (f *Feed) fanoutReconnect() {
	f.mu.Lock()
	listeners := make([]chan<- struct{}, len(f.reconnect))
	copy(listeners, f.reconnect)
	f.mu.Unlock()

	f.log.Info("nats reconnected")
	for _, ch := range listeners {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}

type natsSubscription struct {
	sub *nats.Subscription
}

func (s natsSubscription) Unsubscribe() error {
	return s.sub.Unsubscribe()
}
