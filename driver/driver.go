// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

// Package driver defines the capability interface every vendor adapter
// satisfies, the shared failure taxonomy crossing the driver boundary, and
// the factory catalog the registry constructs drivers from.
package driver

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/hashicorp/go-hclog"

	"github.com/hashicorp/argus/structs"
)

// Driver is the adapter for one device. Probe and Act must be safe to call
// concurrently; drivers that cannot issue concurrent requests over one
// session rely on the scheduler's per-device serialization and may also
// serialize internally. Both honor the caller's context deadline.
type Driver interface {
	// Probe reads the device once and returns its payload, or an *Error
	// classifying the failure.
	Probe(ctx context.Context) (structs.Payload, error)

	// Act executes a side-effecting command. Action names are driver
	// defined and stable. Read-only devices fail every action with
	// cause unavailable.
	Act(ctx context.Context, action string, params map[string]any) (map[string]any, error)

	// Describe returns the capability set the driver actually supports,
	// which may be narrower than the descriptor's declared capabilities.
	Describe() *Capabilities

	// Close releases sockets, tokens and background loops. Idempotent.
	Close() error
}

// ActionSpec documents one driver action for the describe meta-tool.
type ActionSpec struct {
	Name        string `json:"name"`
	Description string `json:"description"`
}

// Capabilities is the narrow view a driver reports of itself.
type Capabilities struct {
	Controllable bool         `json:"controllable"`
	PTZ          bool         `json:"ptz,omitempty"`
	Stream       bool         `json:"stream,omitempty"`
	Actions      []ActionSpec `json:"actions,omitempty"`

	// Gauges names the metric samples the driver's payloads populate.
	// The metrics exporter publishes only advertised gauges.
	Gauges []string `json:"gauges,omitempty"`
}

// HasGauge reports whether the driver advertises the named gauge.
func (c *Capabilities) HasGauge(name string) bool {
	for _, g := range c.Gauges {
		if g == name {
			return true
		}
	}
	return false
}

// SecretResolver is the slice of the secret sink drivers use to turn a
// credential reference into a raw secret at construction time.
type SecretResolver interface {
	Resolve(ctx context.Context, ref string) (string, error)
}

// Config is handed to a driver factory.
type Config struct {
	Descriptor *structs.DeviceDescriptor
	Logger     hclog.Logger
	Secrets    SecretResolver
}

// Factory constructs one driver for one descriptor.
type Factory func(*Config) (Driver, error)

var (
	factoryLock sync.RWMutex
	factories   = map[string]Factory{}
)

// Register adds a driver factory to the catalog. Registering a duplicate
// name panics; it is a programmer error in the built-in catalog.
func Register(name string, factory Factory) {
	factoryLock.Lock()
	defer factoryLock.Unlock()
	if _, exists := factories[name]; exists {
		panic(fmt.Sprintf("driver %q registered twice", name))
	}
	factories[name] = factory
}

// Has reports whether a driver tag is registered.
func Has(name string) bool {
	factoryLock.RLock()
	defer factoryLock.RUnlock()
	_, ok := factories[name]
	return ok
}

// Names returns the registered driver tags, sorted.
func Names() []string {
	factoryLock.RLock()
	defer factoryLock.RUnlock()
	out := make([]string, 0, len(factories))
	for name := range factories {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// ErrUnknownDriver is wrapped by New when no factory matches.
var ErrUnknownDriver = errors.New("unknown driver")

// New constructs a driver by tag.
func New(cfg *Config) (Driver, error) {
	factoryLock.RLock()
	factory, ok := factories[cfg.Descriptor.Driver]
	factoryLock.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownDriver, cfg.Descriptor.Driver)
	}
	return factory(cfg)
}
