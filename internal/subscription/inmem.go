package subscription

import (
	"context"
	"sync"
)

// InMem is an in-memory Feed for single-process hosts and tests. Publish
// delivers to all local subscribers of the subject; no network is involved.
type InMem struct {
	mu      sync.RWMutex
	closed  bool
	streams map[string][]chan<- []byte

	reconnectMu sync.Mutex
	reconnectCh []chan<- struct{}
}

type inmemSubscription struct {
	subject string
	ch      chan<- []byte
	feed    *InMem
}

// NewInMem returns a new in-memory feed.
func NewInMem() *InMem {
	return &InMem{streams: make(map[string][]chan<- []byte)}
}

// Publish sends a fire-and-forget record to all subscribers of the subject.
func (f *InMem) Publish(ctx context.Context, subject string, data []byte) error {
	f.mu.RLock()
	if f.closed {
		f.mu.RUnlock()
		return ErrFeedClosed
	}
	subs := make([]chan<- []byte, len(f.streams[subject]))
	copy(subs, f.streams[subject])
	f.mu.RUnlock()

	for _, ch := range subs {
		select {
		case ch <- data:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// Stream subscribes ch to the subject until ctx is cancelled or Unsubscribe
// is called.
func (f *InMem) Stream(ctx context.Context, subject string, ch chan<- []byte) (Subscription, error) {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return nil, ErrFeedClosed
	}
	f.streams[subject] = append(f.streams[subject], ch)
	sub := &inmemSubscription{subject: subject, ch: ch, feed: f}
	f.mu.Unlock()

	go func() {
		<-ctx.Done()
		_ = sub.Unsubscribe()
	}()

	return sub, nil
}

// NotifyReconnect registers a channel signalled by SimulateReconnect.
func (f *InMem) NotifyReconnect(ch chan<- struct{}) {
	f.reconnectMu.Lock()
	f.reconnectCh = append(f.reconnectCh, ch)
	f.reconnectMu.Unlock()
}

// SimulateReconnect signals all registered reconnect listeners. Used by
// tests to exercise the resync-on-reconnect path.
func (f *InMem) SimulateReconnect() {
	f.reconnectMu.Lock()
	defer f.reconnectMu.Unlock()
	for _, ch := range f.reconnectCh {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}

// Close tears down the feed; later Publish and Stream calls fail.
func (f *InMem) Close() {
	f.mu.Lock()
	f.closed = true
	f.streams = make(map[string][]chan<- []byte)
	f.mu.Unlock()
}

func (s *inmemSubscription) Unsubscribe() error {
	f := s.feed
	f.mu.Lock()
	defer f.mu.Unlock()
	subs := f.streams[s.subject]
	for i, ch := range subs {
		if ch == s.ch {
			f.streams[s.subject] = append(subs[:i], subs[i+1:]...)
			break
		}
	}
	return nil
}
