// Package stream fans committed notifications out to live subscribers
// (the SSE endpoint).
package stream

import (
	"context"
	"sync"

	"laurel.org/internal/audit"
)

// Stream delivers each published notification to every subscriber whose
// filter accepts it. Slow subscribers miss notifications instead of
// blocking the ledger.
type Stream struct {
	mu   sync.RWMutex
	subs map[int]subscriber
	next int
}

type subscriber struct {
	ch    chan audit.Notification
	kinds map[audit.Kind]struct{}
}

func New() *Stream {
	return &Stream{subs: make(map[int]subscriber)}
}

// Subscribe registers a subscriber for the given kinds (all kinds when
// none are given). The channel is closed when ctx ends.
func (s *Stream) Subscribe(ctx context.Context, kinds ...audit.Kind) <-chan audit.Notification {
	sub := subscriber{ch: make(chan audit.Notification, 16)}
	if len(kinds) > 0 {
		sub.kinds = make(map[audit.Kind]struct{}, len(kinds))
		for _, k := range kinds {
			sub.kinds[k] = struct{}{}
		}
	}

	s.mu.Lock()
	id := s.next
	s.next++
	s.subs[id] = sub
	s.mu.Unlock()

	go func() {
		<-ctx.Done()
		s.mu.Lock()
		delete(s.subs, id)
		close(sub.ch)
		s.mu.Unlock()
	}()

	return sub.ch
}

// Publish fans n out to all subscribers.
func (s *Stream) Publish(n audit.Notification) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, sub := range s.subs {
		if sub.kinds != nil {
			if _, ok := sub.kinds[n.Kind]; !ok {
				continue
			}
		}
		select {
		case sub.ch <- n:
		default:
			// subscriber is behind; drop
		}
	}
}

// Emit implements audit.Sink. It never fails.
func (s *Stream) Emit(_ context.Context, batch []audit.Notification) error {
	for _, n := range batch {
		s.Publish(n)
	}
	return nil
}

// Subscribers reports the number of live subscribers.
func (s *Stream) Subscribers() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.subs)
}
