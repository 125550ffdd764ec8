// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package stream

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/hashicorp/argus/helper/testlog"
	"github.com/hashicorp/argus/structs"
)

func testStore(t *testing.T, capacity, subBuffer int) *Store {
	t.Helper()
	s, err := NewStore(&Config{
		Capacity:           capacity,
		SubscriptionBuffer: subBuffer,
		Logger:             testlog.HCLogger(t),
	})
	require.NoError(t, err)
	t.Cleanup(s.Shutdown)
	return s
}

func infoEvent(msg string) *structs.Event {
	return &structs.Event{
		Severity: structs.SeverityInfo,
		Category: structs.EventCategorySystem,
		Source:   structs.SourceSystem,
		Message:  msg,
	}
}

func warnEvent(msg string) *structs.Event {
	e := infoEvent(msg)
	e.Severity = structs.SeverityWarning
	return e
}

func TestStore_RejectsZeroCapacity(t *testing.T) {
	_, err := NewStore(&Config{Capacity: -1})
	require.Error(t, err)
	require.Contains(t, err.Error(), "capacity")
}

func TestStore_AppendAssignsOrderedSeqAndTime(t *testing.T) {
	s := testStore(t, 100, 0)

	var lastSeq uint64
	var lastTs time.Time
	for i := 0; i < 50; i++ {
		e := infoEvent(fmt.Sprintf("event %d", i))
		seq := s.Append(e)
		require.Equal(t, seq, e.Seq)
		require.Greater(t, e.Seq, lastSeq)
		require.False(t, e.Timestamp.Before(lastTs))
		lastSeq = e.Seq
		lastTs = e.Timestamp
	}
	require.Equal(t, uint64(50), s.LastSeq())
	require.Equal(t, 50, s.Size())
}

func TestStore_EvictionKeepsSizeBounded(t *testing.T) {
	s := testStore(t, 10, 0)

	for i := 0; i < 30; i++ {
		s.Append(infoEvent(fmt.Sprintf("event %d", i)))
	}
	require.Equal(t, 10, s.Size())

	// Oldest surviving event is queryable, evicted ones are not.
	all := s.Query(0, structs.SeverityInfo, "", 0)
	require.Len(t, all, 10)
	for _, e := range all {
		require.Greater(t, e.Seq, uint64(20))
	}
}

func TestStore_DroppedWarningEmitsAlarm(t *testing.T) {
	s := testStore(t, 3, 0)

	victim := warnEvent("unacknowledged warning")
	s.Append(victim)
	s.Append(infoEvent("filler 1"))
	s.Append(infoEvent("filler 2"))

	// Next append evicts the warning and must leave an alarm behind.
	s.Append(infoEvent("pushes out the warning"))

	alarms := s.Query(0, structs.SeverityAlarm, structs.EventCategoryDropped, 0)
	require.Len(t, alarms, 1)
	require.Equal(t, victim.Seq, alarms[0].Details["dropped_seq"])
	require.Contains(t, alarms[0].Message, fmt.Sprintf("seq=%d", victim.Seq))
}

func TestStore_DroppedInfoIsSilent(t *testing.T) {
	s := testStore(t, 3, 0)

	for i := 0; i < 10; i++ {
		s.Append(infoEvent(fmt.Sprintf("event %d", i)))
	}
	require.Empty(t, s.Query(0, structs.SeverityInfo, structs.EventCategoryDropped, 0))
}

// A store full of loss markers must not mint markers for evicted markers,
// otherwise every append would cascade forever.
func TestStore_DroppedMarkerDoesNotRecurse(t *testing.T) {
	s := testStore(t, 2, 0)

	for i := 0; i < 20; i++ {
		s.Append(warnEvent(fmt.Sprintf("warning %d", i)))
	}

	// Bounded: the store holds exactly capacity events and seq numbers
	// stay sane (one marker per evicted warning, no marker-for-marker).
	require.Equal(t, 2, s.Size())
	require.Less(t, s.LastSeq(), uint64(100))
}

func TestStore_Acknowledge(t *testing.T) {
	s := testStore(t, 10, 0)

	e := warnEvent("needs attention")
	seq := s.Append(e)

	counts := s.UnacknowledgedCounts()
	require.Equal(t, 1, counts[structs.SeverityWarning])

	require.NoError(t, s.Acknowledge(seq))
	require.ErrorIs(t, s.Acknowledge(seq), ErrAlreadyAcknowledged)
	require.ErrorIs(t, s.Acknowledge(seq+100), ErrNotFound)

	counts = s.UnacknowledgedCounts()
	require.Equal(t, 0, counts[structs.SeverityWarning])
}

func TestStore_QueryFilters(t *testing.T) {
	s := testStore(t, 100, 0)

	s.Append(infoEvent("one"))
	warn := warnEvent("two")
	warn.Category = structs.EventCategoryEnvThreshold
	s.Append(warn)
	alarm := warnEvent("three")
	alarm.Severity = structs.SeverityAlarm
	alarm.Category = structs.EventCategorySmokeAlert
	s.Append(alarm)

	require.Len(t, s.Query(0, structs.SeverityInfo, "", 0), 3)
	require.Len(t, s.Query(0, structs.SeverityWarning, "", 0), 2)
	require.Len(t, s.Query(0, structs.SeverityAlarm, "", 0), 1)
	require.Len(t, s.Query(0, "", structs.EventCategoryEnvThreshold, 0), 1)
	require.Len(t, s.Query(warn.Seq, structs.SeverityInfo, "", 0), 1)
	require.Len(t, s.Query(0, structs.SeverityInfo, "", 2), 2)

	// Newest first.
	got := s.Query(0, structs.SeverityInfo, "", 0)
	require.Equal(t, alarm.Seq, got[0].Seq)
}

func TestStore_QueryReturnsCopies(t *testing.T) {
	s := testStore(t, 10, 0)
	e := infoEvent("original")
	e.Details = map[string]any{"k": "v"}
	s.Append(e)

	got := s.Query(0, structs.SeverityInfo, "", 0)
	require.Len(t, got, 1)
	got[0].Message = "mutated"
	got[0].Details["k"] = "mutated"

	again := s.Query(0, structs.SeverityInfo, "", 0)
	require.Equal(t, "original", again[0].Message)
	require.Equal(t, "v", again[0].Details["k"])
}

type captureObserver struct {
	events []*structs.Event
}

func (c *captureObserver) EventAppended(e *structs.Event) {
	c.events = append(c.events, e)
}

func TestStore_ObserverSeesSyntheticEvents(t *testing.T) {
	s := testStore(t, 2, 0)
	obs := &captureObserver{}
	s.AddObserver(obs)

	s.Append(warnEvent("w1"))
	s.Append(infoEvent("i1"))
	s.Append(infoEvent("i2")) // evicts w1, mints the dropped alarm

	var sawDropped bool
	for _, e := range obs.events {
		if e.Category == structs.EventCategoryDropped {
			sawDropped = true
		}
	}
	require.True(t, sawDropped)
}

// Observers may retain events past the callback; acknowledging the stored
// record must not write through to them.
func TestStore_ObserverEventsDetached(t *testing.T) {
	s := testStore(t, 10, 0)
	obs := &captureObserver{}
	s.AddObserver(obs)

	seq := s.Append(warnEvent("w1"))
	require.NoError(t, s.Acknowledge(seq))

	require.Len(t, obs.events, 1)
	require.False(t, obs.events[0].Acknowledged)

	obs.events[0].Message = "tampered"
	require.Equal(t, "w1", s.Query(0, "", "", 0)[0].Message)
}
