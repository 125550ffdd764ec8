// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package scheduler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/hashicorp/argus/driver"
	"github.com/hashicorp/argus/health"
	"github.com/hashicorp/argus/helper/testlog"
	"github.com/hashicorp/argus/registry"
	"github.com/hashicorp/argus/stream"
	"github.com/hashicorp/argus/structs"
)

// scriptedDriver lets a test dictate every probe outcome. The instance is
// smuggled to the factory through the descriptor params.
type scriptedDriver struct {
	mu      sync.Mutex
	probeFn func(ctx context.Context) (structs.Payload, error)
	actFn   func(ctx context.Context, action string, params map[string]any) (map[string]any, error)
	probes  int
	closed  bool
}

func (d *scriptedDriver) Probe(ctx context.Context) (structs.Payload, error) {
	d.mu.Lock()
	d.probes++
	fn := d.probeFn
	d.mu.Unlock()
	if fn != nil {
		return fn(ctx)
	}
	return &structs.CameraStatus{Online: true}, nil
}

func (d *scriptedDriver) Act(ctx context.Context, action string, params map[string]any) (map[string]any, error) {
	d.mu.Lock()
	fn := d.actFn
	d.mu.Unlock()
	if fn != nil {
		return fn(ctx, action, params)
	}
	return map[string]any{"ok": true}, nil
}

func (d *scriptedDriver) Describe() *driver.Capabilities {
	return &driver.Capabilities{Controllable: true}
}

func (d *scriptedDriver) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.closed = true
	return nil
}

func (d *scriptedDriver) probeCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.probes
}

func init() {
	driver.Register("schedtest", func(cfg *driver.Config) (driver.Driver, error) {
		return cfg.Descriptor.Params["impl"].(*scriptedDriver), nil
	})
}

type harness struct {
	reg     *registry.Registry
	tracker *health.Tracker
	store   *stream.Store
	sched   *Scheduler
}

type capture struct {
	mu       sync.Mutex
	readings []*structs.Reading
	phases   []structs.HealthPhase
}

func (c *capture) ReadingRecorded(_ *structs.DeviceDescriptor, r *structs.Reading, phase structs.HealthPhase) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.readings = append(c.readings, r)
	c.phases = append(c.phases, phase)
}

func (c *capture) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.readings)
}

func newHarness(t *testing.T, obs ReadingObserver, descs ...*structs.DeviceDescriptor) *harness {
	t.Helper()
	logger := testlog.HCLogger(t)

	reg := registry.NewRegistry(&registry.Config{Logger: logger})
	require.NoError(t, reg.Load(descs))
	t.Cleanup(func() { _ = reg.Close() })

	store, err := stream.NewStore(&stream.Config{Capacity: 1000, Logger: logger})
	require.NoError(t, err)
	t.Cleanup(store.Shutdown)

	tracker := health.NewTracker(&health.Config{FailureThreshold: 3, Logger: logger})

	sched := NewScheduler(&Config{
		DefaultInterval: MinInterval,
		Registry:        reg,
		Tracker:         tracker,
		Store:           store,
		Observer:        obs,
		Logger:          logger,
	})
	// Shrink the clocks so the loop spins fast under test.
	sched.minInterval = time.Millisecond
	sched.defaultInterval = 5 * time.Millisecond
	sched.backoffCap = 50 * time.Millisecond
	sched.probeTimeout = 250 * time.Millisecond
	sched.actWait = 50 * time.Millisecond
	sched.actTimeout = 250 * time.Millisecond
	sched.abandonGrace = 50 * time.Millisecond
	t.Cleanup(sched.Stop)

	return &harness{reg: reg, tracker: tracker, store: store, sched: sched}
}

func schedDesc(id string, impl *scriptedDriver) *structs.DeviceDescriptor {
	return &structs.DeviceDescriptor{
		ID:       id,
		Label:    id,
		Category: structs.CategoryCamera,
		Driver:   "schedtest",
		Interval: time.Millisecond,
		Params:   map[string]any{"impl": impl},
	}
}

// waitFor polls until the condition holds or the deadline passes.
func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal(msg)
}

func TestBackoffInterval(t *testing.T) {
	base := 10 * time.Second
	cases := []struct {
		failures int
		pinned   bool
		expect   time.Duration
	}{
		{0, false, 10 * time.Second},
		{1, false, 20 * time.Second},
		{2, false, 40 * time.Second},
		{4, false, 160 * time.Second},
		{5, false, BackoffCap},
		{50, false, BackoffCap}, // saturates, no overflow
		{0, true, BackoffCap},
	}
	for _, tc := range cases {
		require.Equal(t, tc.expect, backoffInterval(base, tc.failures, tc.pinned, BackoffCap),
			"failures=%d pinned=%v", tc.failures, tc.pinned)
	}
}

func TestUnit_DelayJitterBounds(t *testing.T) {
	impl := &scriptedDriver{}
	h := newHarness(t, nil, schedDesc("jitter", impl))
	h.sched.minInterval = MinInterval

	handle, err := h.reg.Lookup("jitter")
	require.NoError(t, err)
	handle.Descriptor().Interval = 10 * time.Second

	u := &unit{s: h.sched, handle: handle}
	for i := 0; i < 500; i++ {
		d := u.nextDelay()
		require.GreaterOrEqual(t, d, 8*time.Second)
		require.LessOrEqual(t, d, 12*time.Second)
	}
}

func TestScheduler_ProbesAndRecovers(t *testing.T) {
	var failing bool
	var mu sync.Mutex
	impl := &scriptedDriver{}
	impl.probeFn = func(ctx context.Context) (structs.Payload, error) {
		mu.Lock()
		defer mu.Unlock()
		if failing {
			return nil, driver.Timeoutf("injected timeout")
		}
		return &structs.CameraStatus{Online: true}, nil
	}

	obs := &capture{}
	h := newHarness(t, obs, schedDesc("cam", impl))
	h.sched.Start()

	waitFor(t, func() bool { return obs.count() >= 3 }, "no probes recorded")

	mu.Lock()
	failing = true
	mu.Unlock()

	// Three consecutive failures drive the device offline with a warning
	// then an alarm in the store.
	waitFor(t, func() bool {
		return len(h.store.Query(0, structs.SeverityAlarm, structs.EventCategoryConnection, 0)) >= 1
	}, "no offline alarm")

	handle, err := h.reg.Lookup("cam")
	require.NoError(t, err)
	require.Equal(t, structs.HealthOffline, handle.Snapshot().Phase)

	mu.Lock()
	failing = false
	mu.Unlock()

	waitFor(t, func() bool {
		return handle.Snapshot().Phase == structs.HealthOK
	}, "device did not recover")

	recoveries := h.store.Query(0, structs.SeverityInfo, structs.EventCategoryConnection, 0)
	require.NotEmpty(t, recoveries)
}

func TestScheduler_PanicConvertedToProtocolFailure(t *testing.T) {
	impl := &scriptedDriver{}
	impl.probeFn = func(ctx context.Context) (structs.Payload, error) {
		panic("driver bug")
	}

	obs := &capture{}
	h := newHarness(t, obs, schedDesc("cam", impl))
	h.sched.Start()

	waitFor(t, func() bool { return obs.count() >= 2 }, "no probes recorded")
	h.sched.Stop()

	obs.mu.Lock()
	defer obs.mu.Unlock()
	for _, r := range obs.readings {
		require.False(t, r.OK())
		require.Equal(t, structs.FailureProtocol, r.Failure.Cause)
	}
}

func TestScheduler_PinnedBackoffUsesCap(t *testing.T) {
	impl := &scriptedDriver{}
	h := newHarness(t, nil, schedDesc("cam", impl))

	handle, err := h.reg.Lookup("cam")
	require.NoError(t, err)

	u := &unit{s: h.sched, handle: handle, pinnedMax: true}
	floor := time.Duration(float64(h.sched.backoffCap) * (1 - JitterFraction))
	require.GreaterOrEqual(t, u.nextDelay(), floor)
}

func TestScheduler_ActRunsAction(t *testing.T) {
	impl := &scriptedDriver{}
	h := newHarness(t, nil, schedDesc("cam", impl))

	out, err := h.sched.Act(context.Background(), "cam", "snapshot", nil)
	require.NoError(t, err)
	require.Equal(t, true, out["ok"])
}

func TestScheduler_ActUnknownDevice(t *testing.T) {
	h := newHarness(t, nil, schedDesc("cam", &scriptedDriver{}))

	_, err := h.sched.Act(context.Background(), "ghost", "snapshot", nil)
	require.ErrorIs(t, err, registry.ErrNotFound)
}

func TestScheduler_ActTimesOutWhileProbeHoldsSlot(t *testing.T) {
	impl := &scriptedDriver{}
	h := newHarness(t, nil, schedDesc("cam", impl))

	handle, err := h.reg.Lookup("cam")
	require.NoError(t, err)
	require.NoError(t, handle.Acquire(context.Background()))
	defer handle.Release()

	_, err = h.sched.Act(context.Background(), "cam", "snapshot", nil)
	var derr *driver.Error
	require.True(t, errors.As(err, &derr))
	require.Equal(t, structs.FailureUnavailable, derr.Cause)
}

func TestScheduler_ActPanicConverted(t *testing.T) {
	impl := &scriptedDriver{}
	impl.actFn = func(ctx context.Context, action string, params map[string]any) (map[string]any, error) {
		panic("act bug")
	}
	h := newHarness(t, nil, schedDesc("cam", impl))

	_, err := h.sched.Act(context.Background(), "cam", "snapshot", nil)
	var derr *driver.Error
	require.True(t, errors.As(err, &derr))
	require.Equal(t, structs.FailureProtocol, derr.Cause)
}

// One device's wedged probe must not stall any other device: probing is
// per-device, and the act slot it holds is its own.
func TestScheduler_SlowProbeOnlyBlocksItsOwnDevice(t *testing.T) {
	release := make(chan struct{})
	defer close(release)

	slow := &scriptedDriver{}
	slow.probeFn = func(ctx context.Context) (structs.Payload, error) {
		select {
		case <-release:
		case <-ctx.Done():
		}
		return &structs.CameraStatus{Online: true}, nil
	}
	fast := &scriptedDriver{}

	h := newHarness(t, nil, schedDesc("hall-cam", slow), schedDesc("porch-cam", fast))
	// Keep the slow probe wedged for the whole test instead of timing out.
	h.sched.probeTimeout = time.Minute
	h.sched.Start()

	waitFor(t, func() bool { return slow.probeCount() >= 1 }, "slow probe never started")

	// The other device keeps probing on its own schedule.
	base := fast.probeCount()
	waitFor(t, func() bool { return fast.probeCount() >= base+5 },
		"healthy device starved by a neighbor's slow probe")

	// And an act against it completes within the act wait.
	out, err := h.sched.Act(context.Background(), "porch-cam", "snapshot", nil)
	require.NoError(t, err)
	require.Equal(t, true, out["ok"])

	// The wedged device never finished its first probe.
	require.Equal(t, 1, slow.probeCount())

	// Its own act slot is the one that is held.
	_, err = h.sched.Act(context.Background(), "hall-cam", "snapshot", nil)
	var derr *driver.Error
	require.True(t, errors.As(err, &derr))
	require.Equal(t, structs.FailureUnavailable, derr.Cause)
}

func TestScheduler_StopInterruptsProbe(t *testing.T) {
	impl := &scriptedDriver{}
	impl.probeFn = func(ctx context.Context) (structs.Payload, error) {
		<-ctx.Done() // cooperative driver
		return nil, ctx.Err()
	}

	h := newHarness(t, nil, schedDesc("cam", impl))
	h.sched.Start()
	waitFor(t, func() bool { return impl.probeCount() >= 1 }, "probe never started")

	done := make(chan struct{})
	go func() {
		h.sched.Stop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("Stop blocked on a cooperative probe")
	}
}

func TestScheduler_StopAbandonsStuckProbe(t *testing.T) {
	release := make(chan struct{})
	impl := &scriptedDriver{}
	impl.probeFn = func(ctx context.Context) (structs.Payload, error) {
		<-release // ignores ctx entirely
		return nil, driver.Timeoutf("late")
	}
	defer close(release)

	h := newHarness(t, nil, schedDesc("cam", impl))
	h.sched.Start()
	waitFor(t, func() bool { return impl.probeCount() >= 1 }, "probe never started")

	done := make(chan struct{})
	go func() {
		h.sched.Stop()
		close(done)
	}()
	select {
	case <-done:
		// Returned after the abandon grace despite the stuck driver.
	case <-time.After(3 * time.Second):
		t.Fatal("Stop blocked on a stuck probe")
	}
}

func TestScheduler_ApplyDiff(t *testing.T) {
	implA := &scriptedDriver{}
	implB := &scriptedDriver{}
	h := newHarness(t, nil, schedDesc("a", implA), schedDesc("b", implB))
	h.sched.Start()

	waitFor(t, func() bool { return implA.probeCount() >= 1 && implB.probeCount() >= 1 },
		"both devices should be probed")

	implC := &scriptedDriver{}
	diff, err := h.reg.Reload([]*structs.DeviceDescriptor{schedDesc("a", implA), schedDesc("c", implC)})
	require.NoError(t, err)
	h.sched.ApplyDiff(diff)

	waitFor(t, func() bool { return implC.probeCount() >= 1 }, "added device not probed")

	h.sched.mu.Lock()
	_, hasA := h.sched.units["a"]
	_, hasB := h.sched.units["b"]
	_, hasC := h.sched.units["c"]
	h.sched.mu.Unlock()
	require.True(t, hasA)
	require.False(t, hasB)
	require.True(t, hasC)
}
