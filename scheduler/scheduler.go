// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

// Package scheduler drives the probe loop: one lightweight unit per device,
// jittered intervals, exponential backoff on failure, and serialized
// probe/act per device. It is also the choke point where driver panics are
// contained so a misbehaving adapter can never take the supervisor down.
package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/hashicorp/go-hclog"

	"github.com/hashicorp/argus/driver"
	"github.com/hashicorp/argus/health"
	"github.com/hashicorp/argus/helper"
	"github.com/hashicorp/argus/registry"
	"github.com/hashicorp/argus/stream"
	"github.com/hashicorp/argus/structs"
)

const (
	// DefaultInterval is the probe interval for devices without one.
	DefaultInterval = 30 * time.Second

	// MinInterval is the floor any configured interval is clamped to.
	MinInterval = 5 * time.Second

	// BackoffCap bounds the exponential failure backoff.
	BackoffCap = 300 * time.Second

	// JitterFraction spreads fire times by +/-20% to avoid stampedes.
	JitterFraction = 0.2

	// ProbeTimeout is the per-probe deadline.
	ProbeTimeout = 10 * time.Second

	// ActTimeout is the per-action deadline.
	ActTimeout = 30 * time.Second

	// ActWait bounds how long an action waits for an in-flight probe.
	ActWait = 15 * time.Second

	// AbandonGrace is how long a canceled unit waits for a probe that
	// ignores its context before declaring the driver leaked.
	AbandonGrace = 5 * time.Second

	// panicPinWindow: a second driver panic inside this window pins the
	// device to its maximum backoff until a probe succeeds.
	panicPinWindow = time.Minute
)

// ReadingObserver is notified after every completed probe cycle, once the
// health machine and runtime state have been updated. The metrics exporter
// hangs off this.
type ReadingObserver interface {
	ReadingRecorded(desc *structs.DeviceDescriptor, r *structs.Reading, phase structs.HealthPhase)
}

// Config configures a Scheduler.
type Config struct {
	// DefaultInterval applies to devices without a per-device interval.
	// Clamped to MinInterval.
	DefaultInterval time.Duration

	Registry *registry.Registry
	Tracker  *health.Tracker
	Store    *stream.Store
	Observer ReadingObserver
	Logger   hclog.Logger
}

// Scheduler runs one unit per registered device.
type Scheduler struct {
	defaultInterval time.Duration
	registry        *registry.Registry
	tracker         *health.Tracker
	store           *stream.Store
	observer        ReadingObserver
	logger          hclog.Logger

	// Timing knobs default to the package constants; tests shrink them.
	minInterval  time.Duration
	backoffCap   time.Duration
	probeTimeout time.Duration
	actTimeout   time.Duration
	actWait      time.Duration
	abandonGrace time.Duration

	mu      sync.Mutex
	units   map[string]*unit
	stopped bool
}

// NewScheduler builds a stopped scheduler; Start launches the units.
func NewScheduler(cfg *Config) *Scheduler {
	interval := cfg.DefaultInterval
	if interval == 0 {
		interval = DefaultInterval
	}
	if interval < MinInterval {
		interval = MinInterval
	}
	logger := cfg.Logger
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	return &Scheduler{
		defaultInterval: interval,
		registry:        cfg.Registry,
		tracker:         cfg.Tracker,
		store:           cfg.Store,
		observer:        cfg.Observer,
		logger:          logger.Named("scheduler"),
		minInterval:     MinInterval,
		backoffCap:      BackoffCap,
		probeTimeout:    ProbeTimeout,
		actTimeout:      ActTimeout,
		actWait:         ActWait,
		abandonGrace:    AbandonGrace,
		units:           map[string]*unit{},
	}
}

// Start launches a unit for every currently registered device.
func (s *Scheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, h := range s.registry.List() {
		s.startUnitLocked(h)
	}
}

// Running reports whether the scheduler has live units and has not been
// stopped, which feeds the health endpoint.
func (s *Scheduler) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.stopped
}

func (s *Scheduler) startUnitLocked(h *registry.Handle) {
	id := h.Descriptor().ID
	if _, exists := s.units[id]; exists {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	u := &unit{
		s:      s,
		handle: h,
		logger: s.logger.With("device_id", id),
		ctx:    ctx,
		cancel: cancel,
		doneCh: make(chan struct{}),
	}
	s.units[id] = u
	go u.run()
	s.logger.Debug("scheduling unit started", "device_id", id)
}

// ApplyDiff reconciles units after a registry reload: removed and changed
// devices have their units stopped (changed ones restarted against the new
// handle), added devices get fresh units. Blocks until retired units exit.
func (s *Scheduler) ApplyDiff(diff *registry.Diff) {
	s.mu.Lock()
	var stopping []*unit
	for _, id := range append(append([]string{}, diff.Removed...), diff.Changed...) {
		if u, ok := s.units[id]; ok {
			u.cancel()
			stopping = append(stopping, u)
			delete(s.units, id)
		}
	}
	s.mu.Unlock()

	for _, u := range stopping {
		<-u.doneCh
	}
	for _, id := range diff.Removed {
		s.tracker.Forget(id)
	}
	for _, id := range diff.Changed {
		s.tracker.Forget(id)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return
	}
	for _, id := range append(append([]string{}, diff.Added...), diff.Changed...) {
		if h, err := s.registry.Lookup(id); err == nil {
			s.startUnitLocked(h)
		}
	}
}

// Stop cancels every unit and waits for them to exit or abandon their
// probe.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	s.stopped = true
	units := make([]*unit, 0, len(s.units))
	for _, u := range s.units {
		u.cancel()
		units = append(units, u)
	}
	s.units = map[string]*unit{}
	s.mu.Unlock()

	for _, u := range units {
		<-u.doneCh
	}
	s.logger.Info("scheduler stopped")
}

// Act runs one driver action under the device's probe/act serialization.
// If a probe holds the slot longer than ActWait the action fails with
// cause unavailable rather than queueing forever.
func (s *Scheduler) Act(ctx context.Context, deviceID, action string, params map[string]any) (map[string]any, error) {
	h, err := s.registry.Lookup(deviceID)
	if err != nil {
		return nil, err
	}

	h.ActStarted()
	defer h.ActFinished()

	waitCtx, cancelWait := context.WithTimeout(ctx, s.actWait)
	defer cancelWait()
	if err := h.Acquire(waitCtx); err != nil {
		return nil, driver.Unavailablef("device %q is busy with a probe", deviceID)
	}
	defer h.Release()

	actCtx, cancelAct := context.WithTimeout(ctx, s.actTimeout)
	defer cancelAct()

	result, err := s.invokeAct(actCtx, h, action, params)
	if err != nil {
		return nil, err
	}
	return result, nil
}

// invokeAct shields the caller from a panicking driver.
func (s *Scheduler) invokeAct(ctx context.Context, h *registry.Handle, action string, params map[string]any) (result map[string]any, err error) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("driver panicked during act",
				"device_id", h.Descriptor().ID, "action", action, "panic", r)
			result, err = nil, driver.Protocolf("driver panicked: %v", r)
		}
	}()
	return h.Driver().Act(ctx, action, params)
}

// unit is one device's probe loop.
type unit struct {
	s      *Scheduler
	handle *registry.Handle
	logger hclog.Logger
	ctx    context.Context
	cancel context.CancelFunc
	doneCh chan struct{}

	lastPanic  time.Time
	pinnedMax  bool
	leakLogged bool
}

func (u *unit) run() {
	defer close(u.doneCh)

	for {
		delay := u.nextDelay()
		timer := time.NewTimer(delay)
		select {
		case <-u.ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}

		if !u.probeOnce() {
			return
		}
	}
}

// baseInterval is the device's configured interval clamped to the floor.
func (u *unit) baseInterval() time.Duration {
	base := u.handle.Descriptor().Interval
	if base == 0 {
		base = u.s.defaultInterval
	}
	if base < u.s.minInterval {
		base = u.s.minInterval
	}
	return base
}

// nextDelay is the jittered, backed-off wait before the next probe.
func (u *unit) nextDelay() time.Duration {
	base := u.baseInterval()
	failures := u.handle.Snapshot().ConsecutiveFailures
	return helper.Jitter(backoffInterval(base, failures, u.pinnedMax, u.s.backoffCap), JitterFraction)
}

// backoffInterval computes min(base * 2^failures, cap), saturating instead
// of overflowing. pinned forces the cap regardless of failures.
func backoffInterval(base time.Duration, failures int, pinned bool, backoffCap time.Duration) time.Duration {
	if pinned {
		return backoffCap
	}
	if failures <= 0 {
		return base
	}
	interval := base
	for i := 0; i < failures; i++ {
		interval *= 2
		if interval >= backoffCap {
			return backoffCap
		}
	}
	return interval
}

// probeOnce runs one probe cycle. Returns false when the unit should exit.
func (u *unit) probeOnce() bool {
	if err := u.handle.Acquire(u.ctx); err != nil {
		return false
	}

	type probeResult struct {
		payload structs.Payload
		err     error
	}
	resultCh := make(chan probeResult, 1)

	probeCtx, cancelProbe := context.WithTimeout(u.ctx, u.s.probeTimeout)
	started := time.Now()
	go func() {
		defer func() {
			if r := recover(); r != nil {
				// Note the panic before handing the result back so the
				// unit goroutine observes the pin on its next delay.
				u.notePanic(r)
				resultCh <- probeResult{err: driver.Protocolf("driver panicked: %v", r)}
			}
		}()
		payload, err := u.handle.Driver().Probe(probeCtx)
		resultCh <- probeResult{payload: payload, err: err}
	}()

	var res probeResult
	select {
	case res = <-resultCh:
		cancelProbe()
	case <-u.ctx.Done():
		cancelProbe()
		// The probe context is canceled; a cooperative driver returns
		// promptly. One that does not is abandoned as leaked.
		select {
		case <-resultCh:
		case <-time.After(u.s.abandonGrace):
			if !u.leakLogged {
				u.leakLogged = true
				u.logger.Error("probe ignored cancellation, abandoning driver as leaked",
					"grace", u.s.abandonGrace)
			}
		}
		u.handle.Release()
		return false
	}
	u.handle.Release()

	reading := &structs.Reading{
		DeviceID:  u.handle.Descriptor().ID,
		Timestamp: time.Now().UTC(),
		Duration:  time.Since(started),
		Payload:   res.payload,
	}
	if res.err != nil {
		reading.Payload = nil
		reading.Failure = driver.AsFailure(res.err)
	} else {
		u.pinnedMax = false
	}

	u.record(reading)
	return true
}

// notePanic pins the unit to its maximum backoff when a second panic lands
// inside the pin window.
func (u *unit) notePanic(v any) {
	now := time.Now()
	if !u.lastPanic.IsZero() && now.Sub(u.lastPanic) < panicPinWindow {
		if !u.pinnedMax {
			u.pinnedMax = true
			u.logger.Error("second driver panic within a minute, pinning max backoff until success",
				"panic", fmt.Sprintf("%v", v))
		}
	} else {
		u.logger.Error("driver panicked during probe", "panic", fmt.Sprintf("%v", v))
	}
	u.lastPanic = now
}

// record feeds the reading through the health machine, updates the runtime
// snapshot and publishes the resulting events.
func (u *unit) record(r *structs.Reading) {
	desc := u.handle.Descriptor()
	events := u.s.tracker.Apply(desc, r)
	phase := u.s.tracker.Phase(desc.ID)
	u.handle.UpdateProbe(r, phase)

	for _, e := range events {
		u.s.store.Append(e)
	}
	if u.s.observer != nil {
		u.s.observer.ReadingRecorded(desc, r, phase)
	}
}
