// Package wsfeed implements the push-event feed over a WebSocket
// connection. It keeps the connection alive across drops, resubscribes
// after every reconnect, and reports reconnects so the host can resync.
package wsfeed

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"chatsync/internal/subscription"
)

const (
	initialBackoff = time.Second
	maxBackoff     = 30 * time.Second
)

// frame is the wire shape exchanged with the feed endpoint. Client frames
// carry an action; server frames carry a subject plus the raw change record.
type frame struct {
	Action  string          `json:"action,omitempty"` // subscribe | unsubscribe
	Subject string          `json:"subject"`
	Record  json.RawMessage `json:"record,omitempty"`
}

// Feed is a WebSocket-backed subscription.Feed.
type Feed struct {
	url   string
	token string
	log   *slog.Logger

	mu        sync.Mutex
	conn      *websocket.Conn
	subs      map[string][]chan<- []byte
	reconnect []chan<- struct{}
	closed    bool

	done chan struct{}
}

var _ subscription.Feed = (*Feed)(nil)
var _ subscription.ReconnectNotifier = (*Feed)(nil)

type wsSubscription struct {
	subject string
	ch      chan<- []byte
	feed    *Feed
}

// Dial connects to the feed endpoint and starts the read loop. The token is
// presented as a bearer credential.
func Dial(ctx context.Context, url, token string, log *slog.Logger) (*Feed, error) {
	if log == nil {
		log = slog.Default()
	}
	f := &Feed{
		url:   url,
		token: token,
		log:   log,
		subs:  make(map[string][]chan<- []byte),
		done:  make(chan struct{}),
	}
	conn, err := f.dial(ctx)
	if err != nil {
		return nil, err
	}
	f.conn = conn
	go f.readLoop()
	return f, nil
}

func (f *Feed) dial(ctx context.Context) (*websocket.Conn, error) {
	header := http.Header{}
	header.Set("Authorization", "Bearer "+f.token)
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, f.url, header)
	if err != nil {
		return nil, fmt.Errorf("dial feed: %w", err)
	}
	return conn, nil
}

// Stream subscribes ch to a subject. The subscription survives reconnects.
func (f *Feed) Stream(ctx context.Context, subject string, ch chan<- []byte) (subscription.Subscription, error) {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return nil, subscription.ErrFeedClosed
	}
	first := len(f.subs[subject]) == 0
	f.subs[subject] = append(f.subs[subject], ch)
	conn := f.conn
	f.mu.Unlock()

	if first && conn != nil {
		if err := f.send(frame{Action: "subscribe", Subject: subject}); err != nil {
			f.log.Warn("subscribe frame failed, will retry on reconnect", "subject", subject, "err", err)
		}
	}

	sub := &wsSubscription{subject: subject, ch: ch, feed: f}
	go func() {
		select {
		case <-ctx.Done():
			_ = sub.Unsubscribe()
		case <-f.done:
		}
	}()
	return sub, nil
}

// NotifyReconnect registers a channel signalled after every re-established
// connection.
func (f *Feed) NotifyReconnect(ch chan<- struct{}) {
	f.mu.Lock()
	f.reconnect = append(f.reconnect, ch)
	f.mu.Unlock()
}

// Close tears down the connection and all subscriptions.
func (f *Feed) Close() error {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return nil
	}
	f.closed = true
	conn := f.conn
	f.subs = make(map[string][]chan<- []byte)
	f.mu.Unlock()

	close(f.done)
	if conn != nil {
		return conn.Close()
	}
	return nil
}

func (f *Feed) send(v any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.conn == nil {
		return subscription.ErrFeedClosed
	}
	return f.conn.WriteJSON(v)
}

func (f *Feed) readLoop() {
	for {
		f.mu.Lock()
		conn := f.conn
		closed := f.closed
		f.mu.Unlock()
		if closed {
			return
		}

		var fr frame
		if err := conn.ReadJSON(&fr); err != nil {
			select {
			case <-f.done:
				return
			default:
			}
			f.log.Warn("feed connection lost, reconnecting", "err", err)
			if !f.redial() {
				return
			}
			continue
		}
		f.dispatch(fr)
	}
}

func (f *Feed) dispatch(fr frame) {
	if fr.Subject == "" || len(fr.Record) == 0 {
		return
	}
	f.mu.Lock()
	targets := make([]chan<- []byte, len(f.subs[fr.Subject]))
	copy(targets, f.subs[fr.Subject])
	f.mu.Unlock()

	for _, ch := range targets {
		select {
		case ch <- fr.Record:
		case <-f.done:
			return
		}
	}
}

// redial reconnects with exponential backoff, resubscribes every active
// subject, and signals reconnect listeners. Returns false once closed.
func (f *Feed) redial() bool {
	backoff := initialBackoff
	for {
		select {
		case <-f.done:
			return false
		case <-time.After(backoff):
		}

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		conn, err := f.dial(ctx)
		cancel()
		if err != nil {
			f.log.Warn("feed redial failed", "backoff", backoff, "err", err)
			if backoff < maxBackoff {
				backoff *= 2
				if backoff > maxBackoff {
					backoff = maxBackoff
				}
			}
			continue
		}

		f.mu.Lock()
		if f.closed {
			f.mu.Unlock()
			conn.Close()
			return false
		}
		f.conn = conn
		subjects := make([]string, 0, len(f.subs))
		for subject, chans := range f.subs {
			if len(chans) > 0 {
				subjects = append(subjects, subject)
			}
		}
		listeners := make([]chan<- struct{}, len(f.reconnect))
		copy(listeners, f.reconnect)
		f.mu.Unlock()

		for _, subject := range subjects {
			if err := f.send(frame{Action: "subscribe", Subject: subject}); err != nil {
				f.log.Warn("resubscribe failed", "subject", subject, "err", err)
			}
		}
		// Missed events are gone; listeners are expected to run a full
		// resync rather than trust the gap was empty.
		for _, ch := range listeners {
			select {
			case ch <- struct{}{}:
			default:
			}
		}
		f.log.Info("feed reconnected", "subjects", len(subjects))
		return true
	}
}

func (s *wsSubscription) Unsubscribe() error {
	f := s.feed
	f.mu.Lock()
	chans := f.subs[s.subject]
	for i, ch := range chans {
		if ch == s.ch {
			f.subs[s.subject] = append(chans[:i], chans[i+1:]...)
			break
		}
	}
	last := len(f.subs[s.subject]) == 0
	closed := f.closed
	f.mu.Unlock()

	if last && !closed {
		return f.send(frame{Action: "unsubscribe", Subject: s.subject})
	}
	return nil
}
