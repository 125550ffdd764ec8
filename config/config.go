// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

// Package config loads and validates the supervisor's configuration
// document. The loader detects YAML or JSON by file extension, applies
// defaults, and rewrites devices it cannot bring up (unknown driver tag,
// unresolved credential) onto the disabled driver instead of failing the
// whole load.
package config

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/hashicorp/go-hclog"
	multierror "github.com/hashicorp/go-multierror"
	"gopkg.in/yaml.v3"

	"github.com/hashicorp/argus/driver"
	"github.com/hashicorp/argus/drivers/disabled"
	"github.com/hashicorp/argus/secrets"
	"github.com/hashicorp/argus/structs"
)

const (
	// DefaultIntervalSeconds is the scheduler's base probe interval.
	DefaultIntervalSeconds = 30

	// MinIntervalSeconds floors configured intervals. Lower values are
	// clamped with a warning, not rejected.
	MinIntervalSeconds = 5

	// DefaultFailureThreshold is K, the consecutive failures before a
	// device is marked offline.
	DefaultFailureThreshold = 3

	// DefaultEventCapacity bounds the event store.
	DefaultEventCapacity = 10000

	// DefaultSubscriptionBuffer bounds each subscription's pending queue.
	DefaultSubscriptionBuffer = 256
)

// File mirrors the on-disk document. Optional integers are pointers so the
// loader can tell "absent, use the default" from an explicit zero.
type File struct {
	Devices []*DeviceEntry `yaml:"devices" json:"devices"`

	Scheduler struct {
		DefaultIntervalSeconds *int `yaml:"default_interval_seconds" json:"default_interval_seconds"`
		FailureThreshold       *int `yaml:"failure_threshold" json:"failure_threshold"`
	} `yaml:"scheduler" json:"scheduler"`

	EventStore struct {
		Capacity           *int `yaml:"capacity" json:"capacity"`
		SubscriptionBuffer *int `yaml:"subscription_buffer" json:"subscription_buffer"`
	} `yaml:"event_store" json:"event_store"`

	Logging struct {
		RedactionTerms []string `yaml:"redaction_terms" json:"redaction_terms"`
	} `yaml:"logging" json:"logging"`

	Secrets struct {
		Backends []string `yaml:"backends" json:"backends"`
	} `yaml:"secrets" json:"secrets"`

	Alerts struct {
		PowerCeilingWatts float64 `yaml:"power_ceiling_watts" json:"power_ceiling_watts"`
	} `yaml:"alerts" json:"alerts"`
}

// DeviceEntry is one device in the document.
type DeviceEntry struct {
	ID              string         `yaml:"id" json:"id"`
	Driver          string         `yaml:"driver" json:"driver"`
	Category        string         `yaml:"category" json:"category"`
	Label           string         `yaml:"label" json:"label"`
	Location        string         `yaml:"location" json:"location"`
	ReadOnly        bool           `yaml:"read_only" json:"read_only"`
	IntervalSeconds int            `yaml:"interval_seconds" json:"interval_seconds"`
	Params          map[string]any `yaml:"params" json:"params"`
}

// Config is the validated, defaulted result of a load.
type Config struct {
	Devices []*structs.DeviceDescriptor

	DefaultInterval  time.Duration
	FailureThreshold int

	EventCapacity      int
	SubscriptionBuffer int

	RedactionTerms []string
	SecretBackends []string

	PowerCeilingWatts float64

	// Warnings are non-fatal findings (clamped intervals and the like)
	// for the caller to log once the sink exists.
	Warnings []string
}

// Load reads, parses, defaults and validates the document at path.
func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config %s: %w", path, err)
	}

	var file File
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".json":
		err = json.Unmarshal(raw, &file)
	case ".yaml", ".yml":
		err = yaml.Unmarshal(raw, &file)
	default:
		return nil, fmt.Errorf("config %s: unsupported extension %q (want .yaml, .yml or .json)", path, ext)
	}
	if err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}
	cfg, err := file.finalize()
	if err != nil {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

// finalize applies defaults and collects every validation failure before
// reporting any of them.
func (f *File) finalize() (*Config, error) {
	var mErr multierror.Error
	cfg := &Config{
		DefaultInterval:    DefaultIntervalSeconds * time.Second,
		FailureThreshold:   DefaultFailureThreshold,
		EventCapacity:      DefaultEventCapacity,
		SubscriptionBuffer: DefaultSubscriptionBuffer,
		RedactionTerms:     f.Logging.RedactionTerms,
		SecretBackends:     f.Secrets.Backends,
		PowerCeilingWatts:  f.Alerts.PowerCeilingWatts,
	}

	if v := f.Scheduler.DefaultIntervalSeconds; v != nil {
		switch {
		case *v < 0:
			mErr.Errors = append(mErr.Errors,
				fmt.Errorf("scheduler.default_interval_seconds must be positive, got %d", *v))
		case *v < MinIntervalSeconds:
			cfg.Warnings = append(cfg.Warnings, fmt.Sprintf(
				"scheduler.default_interval_seconds %d is below the %ds floor, clamping",
				*v, MinIntervalSeconds))
			cfg.DefaultInterval = MinIntervalSeconds * time.Second
		default:
			cfg.DefaultInterval = time.Duration(*v) * time.Second
		}
	}
	if v := f.Scheduler.FailureThreshold; v != nil {
		if *v < 1 {
			mErr.Errors = append(mErr.Errors,
				fmt.Errorf("scheduler.failure_threshold must be at least 1, got %d", *v))
		} else {
			cfg.FailureThreshold = *v
		}
	}
	if v := f.EventStore.Capacity; v != nil {
		if *v < 1 {
			mErr.Errors = append(mErr.Errors,
				fmt.Errorf("event_store.capacity must be at least 1, got %d", *v))
		} else {
			cfg.EventCapacity = *v
		}
	}
	if v := f.EventStore.SubscriptionBuffer; v != nil {
		if *v < 1 {
			mErr.Errors = append(mErr.Errors,
				fmt.Errorf("event_store.subscription_buffer must be at least 1, got %d", *v))
		} else {
			cfg.SubscriptionBuffer = *v
		}
	}

	seen := map[string]int{}
	for i, entry := range f.Devices {
		if entry == nil {
			mErr.Errors = append(mErr.Errors, fmt.Errorf("devices[%d] is empty", i))
			continue
		}
		desc, warnings, err := entry.descriptor()
		if err != nil {
			mErr.Errors = append(mErr.Errors, fmt.Errorf("devices[%d]: %w", i, err))
			continue
		}
		if prev, dup := seen[desc.ID]; dup {
			mErr.Errors = append(mErr.Errors,
				fmt.Errorf("devices[%d]: duplicate id %q (first used by devices[%d])", i, desc.ID, prev))
			continue
		}
		seen[desc.ID] = i
		cfg.Warnings = append(cfg.Warnings, warnings...)
		cfg.Devices = append(cfg.Devices, desc)
	}

	if err := mErr.ErrorOrNil(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// descriptor converts one entry into the registry's descriptor shape.
// Driver existence is deliberately not checked here; PrepareDevices turns
// unknown tags into disabled placeholders so one typo does not take the
// whole fleet down.
func (e *DeviceEntry) descriptor() (*structs.DeviceDescriptor, []string, error) {
	var warnings []string
	interval := time.Duration(e.IntervalSeconds) * time.Second
	switch {
	case e.IntervalSeconds < 0:
		return nil, nil, fmt.Errorf("device %q: interval_seconds must be positive, got %d", e.ID, e.IntervalSeconds)
	case e.IntervalSeconds == 0:
		interval = 0 // scheduler falls back to the default
	case e.IntervalSeconds < MinIntervalSeconds:
		warnings = append(warnings, fmt.Sprintf(
			"device %q: interval_seconds %d is below the %ds floor, clamping",
			e.ID, e.IntervalSeconds, MinIntervalSeconds))
		interval = MinIntervalSeconds * time.Second
	}

	desc := &structs.DeviceDescriptor{
		ID:       e.ID,
		Label:    e.Label,
		Category: structs.DeviceCategory(e.Category),
		Driver:   e.Driver,
		Location: e.Location,
		ReadOnly: e.ReadOnly,
		Interval: interval,
		Params:   e.Params,
	}
	if desc.Label == "" {
		desc.Label = desc.ID
	}
	if err := desc.Validate(); err != nil {
		return nil, nil, err
	}
	return desc, warnings, nil
}

// credentialParam is the conventional params key holding a symbolic secret
// reference. Every built-in driver resolves this key at construction.
const credentialParam = "credential"

// PrepareDevices returns the descriptors ready for registry load. Devices
// whose driver tag is unregistered, or whose credential reference no backend
// can resolve, are rewritten onto the disabled driver; each rewrite yields a
// startup alarm event for the caller to append once the store exists. A
// secret backend failing outright (as opposed to missing the reference)
// aborts preparation, so a flaky manager does not silently disable devices.
func (c *Config) PrepareDevices(ctx context.Context, sink *secrets.Sink, logger hclog.Logger) ([]*structs.DeviceDescriptor, []*structs.Event, error) {
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	logger = logger.Named("config")

	out := make([]*structs.DeviceDescriptor, 0, len(c.Devices))
	var events []*structs.Event
	for _, desc := range c.Devices {
		reason, err := c.disableReason(ctx, desc, sink)
		if err != nil {
			return nil, nil, err
		}
		if reason == "" {
			out = append(out, desc)
			continue
		}

		logger.Warn("registering device with disabled driver",
			"device_id", desc.ID, "driver", desc.Driver, "reason", reason)
		events = append(events, &structs.Event{
			Severity: structs.SeverityAlarm,
			Category: structs.EventCategorySystem,
			Source:   desc.ID,
			Message:  fmt.Sprintf("device %q disabled at startup: %s", desc.ID, reason),
			Details: map[string]any{
				"driver": desc.Driver,
				"reason": reason,
			},
		})
		out = append(out, disabledDescriptor(desc, reason))
	}
	return out, events, nil
}

// disableReason decides whether a descriptor must fall back to the disabled
// driver. Empty means the device is viable.
func (c *Config) disableReason(ctx context.Context, desc *structs.DeviceDescriptor, sink *secrets.Sink) (string, error) {
	if !driver.Has(desc.Driver) {
		return fmt.Sprintf("unknown driver %q", desc.Driver), nil
	}

	ref, _ := desc.Params[credentialParam].(string)
	if ref == "" || sink == nil {
		return "", nil
	}
	if mock, _ := desc.Params["mock"].(bool); mock {
		// Mock drivers never dial out and skip credential resolution.
		return "", nil
	}
	if _, err := sink.Resolve(ctx, ref); err != nil {
		if errors.Is(err, secrets.ErrNotFound) {
			return fmt.Sprintf("credential reference %q could not be resolved", ref), nil
		}
		return "", fmt.Errorf("device %q: %w", desc.ID, err)
	}
	return "", nil
}

// disabledDescriptor rewrites desc onto the disabled driver, preserving the
// identity fields so the device stays visible on the dashboard.
func disabledDescriptor(desc *structs.DeviceDescriptor, reason string) *structs.DeviceDescriptor {
	dup := desc.Copy()
	dup.Driver = disabled.Name
	dup.ReadOnly = true
	dup.Params = map[string]any{disabled.ReasonParam: reason}
	return dup
}
