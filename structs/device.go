// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

// Package structs holds the shared domain types of the Argus control plane:
// device descriptors, probe readings, and the event record that every
// surface (metrics, logs, websocket, tool calls) is derived from.
package structs

import (
	"fmt"
	"time"

	"github.com/mitchellh/copystructure"
)

// DeviceCategory is the closed set of device classes Argus supervises.
type DeviceCategory string

const (
	CategoryCamera      DeviceCategory = "camera"
	CategoryPlug        DeviceCategory = "plug"
	CategoryBulb        DeviceCategory = "bulb"
	CategoryEnvSensor   DeviceCategory = "sensor_env"
	CategorySmokeSensor DeviceCategory = "sensor_smoke"
	CategoryRobot       DeviceCategory = "robot"
	CategoryDoorbell    DeviceCategory = "doorbell"
)

// Categories lists every valid device category.
func Categories() []DeviceCategory {
	return []DeviceCategory{
		CategoryCamera,
		CategoryPlug,
		CategoryBulb,
		CategoryEnvSensor,
		CategorySmokeSensor,
		CategoryRobot,
		CategoryDoorbell,
	}
}

// Valid reports whether c is a member of the closed category set.
func (c DeviceCategory) Valid() bool {
	for _, known := range Categories() {
		if c == known {
			return true
		}
	}
	return false
}

// DeviceDescriptor is the declarative record for one supervised device.
// Descriptors are immutable after load; a configuration reload replaces the
// whole set atomically.
type DeviceDescriptor struct {
	// ID is the stable identifier, unique across the process.
	ID string `json:"id"`

	// Label is the human friendly name shown on the dashboard.
	Label string `json:"label"`

	// Category is the device class.
	Category DeviceCategory `json:"category"`

	// Driver names the adapter that backs this device.
	Driver string `json:"driver"`

	// Location is an optional room or area tag.
	Location string `json:"location,omitempty"`

	// ReadOnly forbids every side-effecting action on the device.
	ReadOnly bool `json:"read_only"`

	// Interval overrides the scheduler's default probe interval when
	// non-zero.
	Interval time.Duration `json:"interval,omitempty"`

	// Params carries the driver specific connection parameters (host,
	// port, TLS flag, credential reference, mock flag). Raw secrets never
	// appear here, only symbolic credential references.
	Params map[string]any `json:"params,omitempty"`
}

// Validate checks the descriptor's own fields. Driver existence and
// credential resolution are checked by the registry and secret sink.
func (d *DeviceDescriptor) Validate() error {
	if d.ID == "" {
		return fmt.Errorf("device descriptor missing id")
	}
	if d.Driver == "" {
		return fmt.Errorf("device %q missing driver", d.ID)
	}
	if !d.Category.Valid() {
		return fmt.Errorf("device %q has unknown category %q", d.ID, d.Category)
	}
	return nil
}

// Copy returns a deep copy of the descriptor.
func (d *DeviceDescriptor) Copy() *DeviceDescriptor {
	if d == nil {
		return nil
	}
	dup, err := copystructure.Copy(d)
	if err != nil {
		panic(fmt.Sprintf("copying device descriptor: %v", err))
	}
	return dup.(*DeviceDescriptor)
}

// Equal reports whether two descriptors describe the same device the same
// way. Used by reload diffing.
func (d *DeviceDescriptor) Equal(o *DeviceDescriptor) bool {
	if d == nil || o == nil {
		return d == o
	}
	if d.ID != o.ID || d.Label != o.Label || d.Category != o.Category ||
		d.Driver != o.Driver || d.Location != o.Location ||
		d.ReadOnly != o.ReadOnly || d.Interval != o.Interval {
		return false
	}
	return mapsEqual(d.Params, o.Params)
}

func mapsEqual(a, b map[string]any) bool {
	if len(a) != len(b) {
		return false
	}
	for k, av := range a {
		bv, ok := b[k]
		if !ok {
			return false
		}
		am, aIsMap := av.(map[string]any)
		bm, bIsMap := bv.(map[string]any)
		if aIsMap && bIsMap {
			if !mapsEqual(am, bm) {
				return false
			}
			continue
		}
		if fmt.Sprintf("%v", av) != fmt.Sprintf("%v", bv) {
			return false
		}
	}
	return true
}

// HealthPhase is the coarse device health the state machine assigns.
type HealthPhase string

const (
	HealthOK       HealthPhase = "ok"
	HealthDegraded HealthPhase = "degraded"
	HealthOffline  HealthPhase = "offline"
)

// RuntimeState is the mutable per-device view maintained by the device's
// scheduler unit. Readers always receive a copy.
type RuntimeState struct {
	Phase               HealthPhase   `json:"phase"`
	ConsecutiveFailures int           `json:"consecutive_failures"`
	LastSuccess         time.Time     `json:"last_success,omitempty"`
	LastError           string        `json:"last_error,omitempty"`
	LastReading         *Reading      `json:"last_reading,omitempty"`
	PendingActs         int           `json:"pending_acts"`
	LastProbeDuration   time.Duration `json:"last_probe_duration,omitempty"`
}

// Copy returns a deep copy of the runtime state.
func (s *RuntimeState) Copy() *RuntimeState {
	if s == nil {
		return nil
	}
	dup, err := copystructure.Copy(s)
	if err != nil {
		panic(fmt.Sprintf("copying runtime state: %v", err))
	}
	return dup.(*RuntimeState)
}
