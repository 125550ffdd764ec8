// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package registry

import (
	"context"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/hashicorp/argus/driver"
	"github.com/hashicorp/argus/helper/testlog"
	"github.com/hashicorp/argus/structs"
)

// fakeDriver counts closes and optionally refuses construction, which the
// transactional reload tests depend on.
type fakeDriver struct {
	closed *atomic.Int32
}

func (f *fakeDriver) Probe(context.Context) (structs.Payload, error) {
	return &structs.CameraStatus{Online: true}, nil
}

func (f *fakeDriver) Act(context.Context, string, map[string]any) (map[string]any, error) {
	return map[string]any{}, nil
}

func (f *fakeDriver) Describe() *driver.Capabilities {
	return &driver.Capabilities{Controllable: true}
}

func (f *fakeDriver) Close() error {
	if f.closed != nil {
		f.closed.Add(1)
	}
	return nil
}

var closeCounts = map[string]*atomic.Int32{}

func init() {
	driver.Register("regtest", func(cfg *driver.Config) (driver.Driver, error) {
		if fail, _ := cfg.Descriptor.Params["fail_construct"].(bool); fail {
			return nil, fmt.Errorf("construction refused for %q", cfg.Descriptor.ID)
		}
		return &fakeDriver{closed: closeCounts[cfg.Descriptor.ID]}, nil
	})
}

func testRegistry(t *testing.T) *Registry {
	t.Helper()
	r := NewRegistry(&Config{Logger: testlog.HCLogger(t)})
	t.Cleanup(func() { _ = r.Close() })
	return r
}

func testDesc(id string) *structs.DeviceDescriptor {
	return &structs.DeviceDescriptor{
		ID:       id,
		Label:    id,
		Category: structs.CategoryCamera,
		Driver:   "regtest",
	}
}

func TestRegistry_LoadAndLookup(t *testing.T) {
	r := testRegistry(t)
	require.NoError(t, r.Load([]*structs.DeviceDescriptor{testDesc("a"), testDesc("b")}))

	h, err := r.Lookup("a")
	require.NoError(t, err)
	require.Equal(t, "a", h.Descriptor().ID)

	_, err = r.Lookup("nope")
	require.ErrorIs(t, err, ErrNotFound)

	list := r.List()
	require.Len(t, list, 2)
	require.Equal(t, "a", list[0].Descriptor().ID)
	require.Equal(t, "b", list[1].Descriptor().ID)
}

func TestRegistry_LoadRejectsDuplicates(t *testing.T) {
	r := testRegistry(t)
	err := r.Load([]*structs.DeviceDescriptor{testDesc("a"), testDesc("a")})
	require.ErrorIs(t, err, ErrDuplicateID)
	require.Empty(t, r.List())
}

func TestRegistry_LoadAbortsOnConstructFailure(t *testing.T) {
	r := testRegistry(t)
	bad := testDesc("bad")
	bad.Params = map[string]any{"fail_construct": true}

	err := r.Load([]*structs.DeviceDescriptor{testDesc("a"), bad})
	require.Error(t, err)
	require.Contains(t, err.Error(), `"bad"`)
	require.Empty(t, r.List(), "no devices survive a failed load")
}

func TestRegistry_ReloadDiff(t *testing.T) {
	r := testRegistry(t)
	require.NoError(t, r.Load([]*structs.DeviceDescriptor{testDesc("keep"), testDesc("drop"), testDesc("change")}))

	kept, err := r.Lookup("keep")
	require.NoError(t, err)
	kept.UpdateProbe(&structs.Reading{
		DeviceID:  "keep",
		Timestamp: time.Now(),
		Payload:   &structs.CameraStatus{Online: true},
	}, structs.HealthOK)

	changed := testDesc("change")
	changed.Label = "renamed"
	diff, err := r.Reload([]*structs.DeviceDescriptor{testDesc("keep"), changed, testDesc("new")})
	require.NoError(t, err)
	require.Equal(t, []string{"new"}, diff.Added)
	require.Equal(t, []string{"drop"}, diff.Removed)
	require.Equal(t, []string{"change"}, diff.Changed)

	// Unchanged devices keep their handle and runtime state.
	keptAgain, err := r.Lookup("keep")
	require.NoError(t, err)
	require.Same(t, kept, keptAgain)
	require.False(t, keptAgain.Snapshot().LastSuccess.IsZero())

	// Changed devices got a fresh handle with fresh state.
	changedHandle, err := r.Lookup("change")
	require.NoError(t, err)
	require.Equal(t, "renamed", changedHandle.Descriptor().Label)
	require.Equal(t, 0, changedHandle.Snapshot().PendingActs)

	_, err = r.Lookup("drop")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestRegistry_ReloadAbortKeepsOldSet(t *testing.T) {
	r := testRegistry(t)
	require.NoError(t, r.Load([]*structs.DeviceDescriptor{testDesc("a")}))

	bad := testDesc("b")
	bad.Params = map[string]any{"fail_construct": true}
	_, err := r.Reload([]*structs.DeviceDescriptor{testDesc("a"), bad})
	require.Error(t, err)

	// The old set is untouched.
	require.Len(t, r.List(), 1)
	_, err = r.Lookup("a")
	require.NoError(t, err)
}

func TestRegistry_ReloadClosesReplacedDrivers(t *testing.T) {
	var dropped, changed atomic.Int32
	closeCounts["cl-drop"] = &dropped
	closeCounts["cl-change"] = &changed
	defer delete(closeCounts, "cl-drop")
	defer delete(closeCounts, "cl-change")

	r := testRegistry(t)
	require.NoError(t, r.Load([]*structs.DeviceDescriptor{testDesc("cl-drop"), testDesc("cl-change")}))

	renamed := testDesc("cl-change")
	renamed.Label = "renamed"
	_, err := r.Reload([]*structs.DeviceDescriptor{renamed})
	require.NoError(t, err)

	require.Equal(t, int32(1), dropped.Load())
	require.Equal(t, int32(1), changed.Load())
}

func TestHandle_AcquireSerializes(t *testing.T) {
	r := testRegistry(t)
	require.NoError(t, r.Load([]*structs.DeviceDescriptor{testDesc("a")}))
	h, err := r.Lookup("a")
	require.NoError(t, err)

	require.NoError(t, h.Acquire(context.Background()))

	// A second acquire times out while the slot is held.
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	require.ErrorIs(t, h.Acquire(ctx), context.DeadlineExceeded)

	h.Release()
	require.NoError(t, h.Acquire(context.Background()))
	h.Release()
}

func TestHandle_UpdateProbe(t *testing.T) {
	r := testRegistry(t)
	require.NoError(t, r.Load([]*structs.DeviceDescriptor{testDesc("a")}))
	h, err := r.Lookup("a")
	require.NoError(t, err)

	now := time.Now().UTC()
	h.UpdateProbe(&structs.Reading{
		DeviceID:  "a",
		Timestamp: now,
		Duration:  120 * time.Millisecond,
		Payload:   &structs.CameraStatus{Online: true},
	}, structs.HealthOK)

	snap := h.Snapshot()
	require.Equal(t, structs.HealthOK, snap.Phase)
	require.Equal(t, 0, snap.ConsecutiveFailures)
	require.Equal(t, now, snap.LastSuccess)
	require.Equal(t, 120*time.Millisecond, snap.LastProbeDuration)

	h.UpdateProbe(&structs.Reading{
		DeviceID:  "a",
		Timestamp: now.Add(time.Second),
		Failure:   &structs.Failure{Cause: structs.FailureTimeout, Message: "no answer"},
	}, structs.HealthDegraded)

	snap = h.Snapshot()
	require.Equal(t, structs.HealthDegraded, snap.Phase)
	require.Equal(t, 1, snap.ConsecutiveFailures)
	require.Contains(t, snap.LastError, "timeout")
	require.Equal(t, now, snap.LastSuccess, "last success survives failures")

	// Snapshots are copies.
	snap.LastError = "mutated"
	require.NotEqual(t, "mutated", h.Snapshot().LastError)
}

func TestHandle_PendingActs(t *testing.T) {
	r := testRegistry(t)
	require.NoError(t, r.Load([]*structs.DeviceDescriptor{testDesc("a")}))
	h, err := r.Lookup("a")
	require.NoError(t, err)

	h.ActStarted()
	h.ActStarted()
	require.Equal(t, 2, h.Snapshot().PendingActs)
	h.ActFinished()
	h.ActFinished()
	h.ActFinished() // extra finish does not underflow
	require.Equal(t, 0, h.Snapshot().PendingActs)
}
