// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package stream

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/hashicorp/argus/structs"
)

const (
	// subscriptionStateOpen is the default state of a subscription.
	subscriptionStateOpen uint32 = 0

	// subscriptionStateClosed indicates the subscription was closed, either
	// by the store shutting down or the consumer unsubscribing.
	subscriptionStateClosed uint32 = 1
)

// ErrSubscriptionClosed is returned from Next when the subscription was
// closed, possibly because the store is shutting down.
var ErrSubscriptionClosed = errors.New("subscription closed, attempt resubscribing")

// Filter restricts which events a subscription receives. A nil filter or a
// zero field matches everything.
type Filter struct {
	// SeverityFloor drops events below this severity.
	SeverityFloor structs.Severity

	// Categories, when non-empty, keeps only the listed categories.
	Categories []string

	// Sources, when non-empty, keeps only the listed event sources.
	Sources []string
}

// match reports whether the filter accepts e. Loss-visibility markers pass
// regardless of category/source so a filtered consumer still learns about
// gaps.
func (f *Filter) match(e *structs.Event) bool {
	if f == nil {
		return true
	}
	if f.SeverityFloor != "" && !e.Severity.AtLeast(f.SeverityFloor) {
		return false
	}
	if e.Category == structs.EventCategoryDropped || e.Category == structs.EventCategoryLagging {
		return true
	}
	if len(f.Categories) > 0 && !containsStr(f.Categories, e.Category) {
		return false
	}
	if len(f.Sources) > 0 && !containsStr(f.Sources, e.Source) {
		return false
	}
	return true
}

func containsStr(haystack []string, needle string) bool {
	for _, s := range haystack {
		if s == needle {
			return true
		}
	}
	return false
}

// Subscription is one consumer's live event feed. Delivery never blocks the
// appender: when the consumer lags past the buffer bound, the oldest pending
// events are discarded and collapsed into a single lag marker.
type Subscription struct {
	id     string
	filter *Filter
	limit  int

	// state is accessed atomically: open or closed.
	state uint32

	mu      sync.Mutex
	pending []*structs.Event
	wait    chan struct{} // closed to wake a blocked Next

	// forceClosed is closed when the store closes the subscription.
	forceClosed chan struct{}

	// unsub deregisters the subscription from the store.
	unsub func()
}

func newSubscription(id string, filter *Filter, limit int, unsub func()) *Subscription {
	return &Subscription{
		id:          id,
		filter:      filter,
		limit:       limit,
		wait:        make(chan struct{}),
		forceClosed: make(chan struct{}),
		unsub:       unsub,
	}
}

// ID returns the subscription's unique id.
func (s *Subscription) ID() string { return s.id }

// deliver queues a matching event, evicting with a lag marker on overflow.
// Called by the store with its lock held; must not block.
func (s *Subscription) deliver(e *structs.Event) {
	if atomic.LoadUint32(&s.state) == subscriptionStateClosed {
		return
	}
	if !s.filter.match(e) {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.pending) >= s.limit {
		// A lag marker occupies the front slot and absorbs every event
		// evicted while the consumer stalls, so the consumer sees exactly
		// one marker per gap. Its seq tracks the newest absorbed event,
		// which keeps delivered sequence numbers strictly increasing.
		var droppedCount uint64
		victim := s.pending[0]
		if victim.Category == structs.EventCategoryLagging {
			if n, ok := victim.Details["dropped_count"].(uint64); ok {
				droppedCount = n
			}
		} else {
			droppedCount = 1
		}
		evicted := s.pending[1]
		droppedCount++

		s.pending[0] = &structs.Event{
			Seq:       evicted.Seq,
			Timestamp: evicted.Timestamp,
			Severity:  structs.SeverityWarning,
			Category:  structs.EventCategoryLagging,
			Source:    structs.SourceSystem,
			Message:   fmt.Sprintf("subscription lagging, %d events were skipped", droppedCount),
			Details:   map[string]any{"dropped_count": droppedCount},
		}
		copy(s.pending[1:], s.pending[2:])
		s.pending[len(s.pending)-1] = e
	} else {
		s.pending = append(s.pending, e)
	}

	// Wake a waiting Next.
	close(s.wait)
	s.wait = make(chan struct{})
}

// Next returns the next pending event, blocking until one arrives, the
// context is canceled, or the subscription is closed.
func (s *Subscription) Next(ctx context.Context) (*structs.Event, error) {
	for {
		if atomic.LoadUint32(&s.state) == subscriptionStateClosed {
			return nil, ErrSubscriptionClosed
		}

		s.mu.Lock()
		if len(s.pending) > 0 {
			e := s.pending[0]
			s.pending = s.pending[1:]
			s.mu.Unlock()
			return e, nil
		}
		wait := s.wait
		s.mu.Unlock()

		select {
		case <-wait:
		case <-s.forceClosed:
			return nil, ErrSubscriptionClosed
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// Pending returns the number of queued events, for tests and diagnostics.
func (s *Subscription) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

// forceClose closes the subscription from the store side.
func (s *Subscription) forceClose() {
	if atomic.CompareAndSwapUint32(&s.state, subscriptionStateOpen, subscriptionStateClosed) {
		close(s.forceClosed)
	}
}

// Unsubscribe deregisters from the store and closes the subscription.
// Idempotent.
func (s *Subscription) Unsubscribe() {
	s.forceClose()
	if s.unsub != nil {
		s.unsub()
	}
}
