// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

// Package stream is the bounded, ordered event store with subscription
// fan-out. It owns the event log and every live subscription; consumers
// (websocket notifier, metrics, structured log sink) hang off it as
// subscriptions or observers and can never block an appender.
package stream

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/hashicorp/go-uuid"

	"github.com/hashicorp/argus/structs"
)

const (
	// DefaultCapacity bounds the stored event log.
	DefaultCapacity = 10000

	// DefaultSubscriptionBuffer bounds one subscription's pending queue.
	DefaultSubscriptionBuffer = 256

	// truncationNoteInterval rate-limits the synthetic truncation marker:
	// one info event per truncation batch, where a batch is a burst of
	// evictions no more than this far apart.
	truncationNoteInterval = time.Minute
)

// Errors returned by store operations.
var (
	ErrNotFound            = errors.New("event not found")
	ErrAlreadyAcknowledged = errors.New("event already acknowledged")
)

// Observer is notified after each append. Implementations must not block;
// the store calls them outside its lock on the appender's goroutine. The
// observed event is a detached copy, safe to retain or read concurrently
// with later Acknowledge calls on the stored record.
type Observer interface {
	EventAppended(*structs.Event)
}

// Config configures a Store.
type Config struct {
	// Capacity is the maximum number of retained events. Zero uses the
	// default; negative is rejected.
	Capacity int

	// SubscriptionBuffer bounds each subscription's pending queue.
	SubscriptionBuffer int

	Logger hclog.Logger
}

// Store is the bounded event log. The lock covers append, eviction and
// subscription fan-out; it is never held across I/O.
type Store struct {
	capacity  int
	subBuffer int
	logger    hclog.Logger

	mu        sync.Mutex
	events    []*structs.Event // ring buffer
	head      int              // index of the oldest event
	size      int
	nextSeq   uint64
	lastTs    time.Time
	lastTrunc time.Time
	subs      map[string]*Subscription
	closed    bool

	observers []Observer
}

// NewStore builds a store. A zero capacity is invalid: a store that can
// hold nothing cannot satisfy the loss-visibility rule.
func NewStore(cfg *Config) (*Store, error) {
	capacity := cfg.Capacity
	if capacity == 0 {
		capacity = DefaultCapacity
	}
	if capacity < 1 {
		return nil, fmt.Errorf("event store capacity must be at least 1, got %d", cfg.Capacity)
	}
	subBuffer := cfg.SubscriptionBuffer
	if subBuffer <= 0 {
		subBuffer = DefaultSubscriptionBuffer
	}
	// The lag marker needs a slot of its own next to at least one real
	// pending event.
	if subBuffer < 2 {
		subBuffer = 2
	}
	logger := cfg.Logger
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	return &Store{
		capacity:  capacity,
		subBuffer: subBuffer,
		logger:    logger.Named("event_store"),
		events:    make([]*structs.Event, capacity),
		nextSeq:   1,
		subs:      map[string]*Subscription{},
	}, nil
}

// AddObserver attaches a post-append observer. Call before the store is in
// use; observers are not removable.
func (s *Store) AddObserver(o Observer) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.observers = append(s.observers, o)
}

// Append assigns the event its sequence number and monotonic timestamp,
// stores it, and fans it out to matching subscriptions. Thread-safe. The
// returned value is the assigned sequence number.
func (s *Store) Append(e *structs.Event) uint64 {
	s.mu.Lock()
	appended := s.appendLocked(e, false)
	observers := s.observers
	s.mu.Unlock()

	for _, appendedEvent := range appended {
		// Observers only read, so they can share one snapshot.
		snapshot := appendedEvent.Copy()
		for _, o := range observers {
			o.EventAppended(snapshot)
		}
	}
	return e.Seq
}

// appendLocked stores e plus any synthetic loss-visibility events it
// triggers, returning everything appended in order. synthetic guards
// against marker events generating further markers.
func (s *Store) appendLocked(e *structs.Event, synthetic bool) []*structs.Event {
	e.Seq = s.nextSeq
	s.nextSeq++

	now := time.Now().UTC()
	if now.Before(s.lastTs) {
		now = s.lastTs
	}
	e.Timestamp = now
	s.lastTs = now

	if e.Severity == "" {
		e.Severity = structs.SeverityInfo
	}

	var dropped *structs.Event
	truncated := false
	if s.size == s.capacity {
		dropped = s.events[s.head]
		s.events[s.head] = nil
		s.head = (s.head + 1) % s.capacity
		s.size--
		truncated = true
	}

	idx := (s.head + s.size) % s.capacity
	s.events[idx] = e
	s.size++

	appended := []*structs.Event{e}

	// Subscribers get a detached snapshot, never the stored pointer: the
	// store mutates the record's Acknowledged flag later, while consumers
	// serialize delivered events without holding the store lock.
	if len(s.subs) > 0 {
		snapshot := e.Copy()
		for _, sub := range s.subs {
			sub.deliver(snapshot)
		}
	}

	// Loss visibility: a dropped warning/alarm is replaced by an alarm
	// naming the lost sequence number, so operators can always detect
	// data loss in the alarm stream. Dropped event_dropped markers do
	// not regenerate, which keeps an all-alarm store from churning
	// forever.
	if dropped != nil &&
		dropped.Severity.AtLeast(structs.SeverityWarning) &&
		dropped.Category != structs.EventCategoryDropped {
		marker := &structs.Event{
			Severity: structs.SeverityAlarm,
			Category: structs.EventCategoryDropped,
			Source:   structs.SourceSystem,
			Message:  fmt.Sprintf("event store dropped unretired %s event seq=%d (%s)", dropped.Severity, dropped.Seq, dropped.Category),
			Details: map[string]any{
				"dropped_seq":      dropped.Seq,
				"dropped_severity": string(dropped.Severity),
				"dropped_category": dropped.Category,
			},
		}
		appended = append(appended, s.appendLocked(marker, true)...)
	}

	if truncated && !synthetic && time.Since(s.lastTrunc) > truncationNoteInterval {
		s.lastTrunc = time.Now()
		note := &structs.Event{
			Severity: structs.SeverityInfo,
			Category: structs.EventCategoryTruncated,
			Source:   structs.SourceSystem,
			Message:  fmt.Sprintf("event store at capacity %d, oldest events are being discarded", s.capacity),
			Details:  map[string]any{"capacity": s.capacity},
		}
		appended = append(appended, s.appendLocked(note, true)...)
	}

	return appended
}

// Query returns stored events with seq > sinceSeq matching the filters,
// newest first, up to limit. Results are copies; callers may mutate them.
func (s *Store) Query(sinceSeq uint64, floor structs.Severity, category string, limit int) []*structs.Event {
	if limit <= 0 {
		limit = s.capacity
	}
	if floor == "" {
		floor = structs.SeverityInfo
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]*structs.Event, 0, min(limit, s.size))
	for i := s.size - 1; i >= 0 && len(out) < limit; i-- {
		e := s.events[(s.head+i)%s.capacity]
		if e.Seq <= sinceSeq {
			break // ring is seq-ordered; nothing older matches
		}
		if !e.Severity.AtLeast(floor) {
			continue
		}
		if category != "" && e.Category != category {
			continue
		}
		out = append(out, e.Copy())
	}
	return out
}

// Acknowledge flips the acknowledgement flag of one event.
func (s *Store) Acknowledge(seq uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i := s.size - 1; i >= 0; i-- {
		e := s.events[(s.head+i)%s.capacity]
		if e.Seq == seq {
			if e.Acknowledged {
				return ErrAlreadyAcknowledged
			}
			e.Acknowledged = true
			return nil
		}
		if e.Seq < seq {
			break
		}
	}
	return ErrNotFound
}

// UnacknowledgedCounts returns the number of unacknowledged events per
// severity, for warning and above.
func (s *Store) UnacknowledgedCounts() map[structs.Severity]int {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := map[structs.Severity]int{
		structs.SeverityWarning: 0,
		structs.SeverityAlarm:   0,
	}
	for i := 0; i < s.size; i++ {
		e := s.events[(s.head+i)%s.capacity]
		if !e.Acknowledged && e.Severity.AtLeast(structs.SeverityWarning) {
			out[e.Severity]++
		}
	}
	return out
}

// Size returns the number of retained events.
func (s *Store) Size() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.size
}

// LastSeq returns the most recently assigned sequence number, zero when
// nothing was appended yet.
func (s *Store) LastSeq() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.nextSeq - 1
}

// Accepting reports whether the store takes writes; false after Shutdown.
func (s *Store) Accepting() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.closed
}

// Subscribe registers a live consumer. New events matching the filter are
// delivered in sequence order through the returned subscription.
func (s *Store) Subscribe(filter *Filter) *Subscription {
	id, err := uuid.GenerateUUID()
	if err != nil {
		// ReadFull on rand failing means the process is beyond help.
		panic(fmt.Sprintf("generating subscription id: %v", err))
	}

	sub := newSubscription(id, filter, s.subBuffer, func() {
		s.mu.Lock()
		delete(s.subs, id)
		s.mu.Unlock()
	})

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		sub.forceClose()
		return sub
	}
	s.subs[id] = sub
	s.mu.Unlock()

	s.logger.Debug("subscription created", "subscription_id", id)
	return sub
}

// Shutdown closes every subscription after one final delivery flush and
// stops accepting writes.
func (s *Store) Shutdown() {
	s.mu.Lock()
	s.closed = true
	subs := make([]*Subscription, 0, len(s.subs))
	for _, sub := range s.subs {
		subs = append(subs, sub)
	}
	s.subs = map[string]*Subscription{}
	s.mu.Unlock()

	for _, sub := range subs {
		sub.forceClose()
	}
}
