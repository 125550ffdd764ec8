// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

// Package registry owns the live device set: descriptors, constructed
// drivers and per-device runtime state. The registry is the only component
// that constructs or closes drivers; scheduler units and the tool
// dispatcher borrow them through handles.
package registry

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/hashicorp/go-hclog"
	multierror "github.com/hashicorp/go-multierror"
	"golang.org/x/sync/errgroup"

	"github.com/hashicorp/argus/driver"
	"github.com/hashicorp/argus/structs"
)

var (
	ErrNotFound    = errors.New("device not found")
	ErrDuplicateID = errors.New("duplicate device id")
)

// Handle is one registered device: its descriptor, its constructed driver
// and its runtime state. The embedded semaphore serializes probe and act
// for the device; most drivers cannot take two concurrent requests over
// one session.
type Handle struct {
	desc *structs.DeviceDescriptor
	drv  driver.Driver

	sem chan struct{}

	mu    sync.RWMutex
	state structs.RuntimeState
}

func newHandle(desc *structs.DeviceDescriptor, drv driver.Driver) *Handle {
	return &Handle{
		desc:  desc,
		drv:   drv,
		sem:   make(chan struct{}, 1),
		state: structs.RuntimeState{Phase: structs.HealthOK},
	}
}

// Descriptor returns the device descriptor. It is immutable after
// registration; callers must not modify it.
func (h *Handle) Descriptor() *structs.DeviceDescriptor { return h.desc }

// Driver returns the constructed driver. Callers serialize probe/act
// through Acquire.
func (h *Handle) Driver() driver.Driver { return h.drv }

// Acquire takes the device's probe/act slot, blocking until it is free or
// ctx expires.
func (h *Handle) Acquire(ctx context.Context) error {
	select {
	case h.sem <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Release frees the slot taken by Acquire.
func (h *Handle) Release() {
	select {
	case <-h.sem:
	default:
		panic("release without acquire")
	}
}

// Snapshot returns a consistent copy of the runtime state.
func (h *Handle) Snapshot() *structs.RuntimeState {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.state.Copy()
}

// UpdateProbe folds one reading into the runtime state. Called only by the
// device's scheduler unit.
func (h *Handle) UpdateProbe(r *structs.Reading, phase structs.HealthPhase) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.state.Phase = phase
	h.state.LastReading = r
	h.state.LastProbeDuration = r.Duration
	if r.OK() {
		h.state.ConsecutiveFailures = 0
		h.state.LastSuccess = r.Timestamp
		h.state.LastError = ""
	} else {
		h.state.ConsecutiveFailures++
		h.state.LastError = fmt.Sprintf("%s: %s", r.Failure.Cause, r.Failure.Message)
	}
}

// SetPhase overrides the health phase without a reading, used when a
// device is registered disabled.
func (h *Handle) SetPhase(phase structs.HealthPhase) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.state.Phase = phase
}

// ActStarted and ActFinished track the pending action queue depth.
func (h *Handle) ActStarted() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.state.PendingActs++
}

func (h *Handle) ActFinished() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.state.PendingActs > 0 {
		h.state.PendingActs--
	}
}

// Config configures a Registry.
type Config struct {
	Logger  hclog.Logger
	Secrets driver.SecretResolver
}

// Registry holds the device set. All mutation goes through Load and
// Reload; both are transactional.
type Registry struct {
	logger  hclog.Logger
	secrets driver.SecretResolver

	mu      sync.RWMutex
	handles map[string]*Handle
}

// NewRegistry builds an empty registry.
func NewRegistry(cfg *Config) *Registry {
	logger := cfg.Logger
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	return &Registry{
		logger:  logger.Named("registry"),
		secrets: cfg.Secrets,
		handles: map[string]*Handle{},
	}
}

// construct builds the drivers for a descriptor set in parallel. Either
// every driver constructs or none survive: on any failure the already
// constructed drivers are closed and the first error is returned.
func (r *Registry) construct(descs []*structs.DeviceDescriptor) (map[string]*Handle, error) {
	var mErr *multierror.Error
	seen := map[string]bool{}
	for _, desc := range descs {
		if err := desc.Validate(); err != nil {
			mErr = multierror.Append(mErr, err)
		}
		if seen[desc.ID] {
			mErr = multierror.Append(mErr, fmt.Errorf("%w: %q", ErrDuplicateID, desc.ID))
		}
		seen[desc.ID] = true
	}
	if err := mErr.ErrorOrNil(); err != nil {
		return nil, err
	}

	var mu sync.Mutex
	built := map[string]*Handle{}
	g := new(errgroup.Group)
	g.SetLimit(8)
	for _, desc := range descs {
		desc := desc
		g.Go(func() error {
			drv, err := driver.New(&driver.Config{
				Descriptor: desc,
				Logger:     r.logger,
				Secrets:    r.secrets,
			})
			if err != nil {
				return fmt.Errorf("constructing driver for device %q: %w", desc.ID, err)
			}
			mu.Lock()
			built[desc.ID] = newHandle(desc, drv)
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		for _, h := range built {
			_ = h.drv.Close()
		}
		return nil, err
	}
	return built, nil
}

// Load replaces an empty registry with the initial device set.
func (r *Registry) Load(descs []*structs.DeviceDescriptor) error {
	built, err := r.construct(descs)
	if err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.handles) != 0 {
		for _, h := range built {
			_ = h.drv.Close()
		}
		return errors.New("registry already loaded, use Reload")
	}
	r.handles = built
	r.logger.Info("device set loaded", "devices", len(built))
	return nil
}

// Lookup returns the handle for a device id.
func (r *Registry) Lookup(id string) (*Handle, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handles[id]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrNotFound, id)
	}
	return h, nil
}

// List returns every handle sorted by device id.
func (r *Registry) List() []*Handle {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Handle, 0, len(r.handles))
	for _, h := range r.handles {
		out = append(out, h)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].desc.ID < out[j].desc.ID })
	return out
}

// Diff summarizes a reload: device ids added, removed, and replaced with a
// changed descriptor. Unchanged devices keep their handle, driver and
// runtime state.
type Diff struct {
	Added   []string
	Removed []string
	Changed []string
}

// Reload transitions to a new descriptor set transactionally. Drivers for
// added and changed devices are constructed first; any construction error
// aborts the whole reload with the running set untouched. Replaced and
// removed drivers are closed after the swap.
func (r *Registry) Reload(descs []*structs.DeviceDescriptor) (*Diff, error) {
	incoming := map[string]*structs.DeviceDescriptor{}
	for _, d := range descs {
		incoming[d.ID] = d
	}

	r.mu.RLock()
	var toBuild []*structs.DeviceDescriptor
	diff := &Diff{}
	for id, desc := range incoming {
		old, exists := r.handles[id]
		switch {
		case !exists:
			diff.Added = append(diff.Added, id)
			toBuild = append(toBuild, desc)
		case !old.desc.Equal(desc):
			diff.Changed = append(diff.Changed, id)
			toBuild = append(toBuild, desc)
		}
	}
	for id := range r.handles {
		if _, keep := incoming[id]; !keep {
			diff.Removed = append(diff.Removed, id)
		}
	}
	r.mu.RUnlock()

	if err := validateAll(descs); err != nil {
		return nil, err
	}
	built, err := r.construct(toBuild)
	if err != nil {
		return nil, err
	}

	var closing []*Handle
	r.mu.Lock()
	for _, id := range diff.Removed {
		closing = append(closing, r.handles[id])
		delete(r.handles, id)
	}
	for id, h := range built {
		if old, exists := r.handles[id]; exists {
			closing = append(closing, old)
		}
		r.handles[id] = h
	}
	r.mu.Unlock()

	for _, h := range closing {
		if err := h.drv.Close(); err != nil {
			r.logger.Warn("closing replaced driver", "device_id", h.desc.ID, "error", err)
		}
	}

	sort.Strings(diff.Added)
	sort.Strings(diff.Removed)
	sort.Strings(diff.Changed)
	r.logger.Info("device set reloaded",
		"added", len(diff.Added), "removed", len(diff.Removed), "changed", len(diff.Changed))
	return diff, nil
}

func validateAll(descs []*structs.DeviceDescriptor) error {
	var mErr *multierror.Error
	seen := map[string]bool{}
	for _, d := range descs {
		if err := d.Validate(); err != nil {
			mErr = multierror.Append(mErr, err)
		}
		if seen[d.ID] {
			mErr = multierror.Append(mErr, fmt.Errorf("%w: %q", ErrDuplicateID, d.ID))
		}
		seen[d.ID] = true
	}
	return mErr.ErrorOrNil()
}

// Close closes every driver. The registry is unusable afterwards.
func (r *Registry) Close() error {
	r.mu.Lock()
	handles := r.handles
	r.handles = map[string]*Handle{}
	r.mu.Unlock()

	var mErr *multierror.Error
	for _, h := range handles {
		if err := h.drv.Close(); err != nil {
			mErr = multierror.Append(mErr, fmt.Errorf("closing driver for %q: %w", h.desc.ID, err))
		}
	}
	return mErr.ErrorOrNil()
}
