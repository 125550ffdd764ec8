// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

// Package health derives alert events from the stream of per-device probe
// readings. One tracker serves all devices; state is keyed by device id and
// each device's state is only ever advanced by that device's scheduler
// unit, so per-device ordering is free.
package health

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/hashicorp/go-hclog"

	"github.com/hashicorp/argus/drivers/shared/params"
	"github.com/hashicorp/argus/structs"
)

const (
	// DefaultFailureThreshold is the consecutive failure count at which a
	// degraded device goes offline.
	DefaultFailureThreshold = 3

	// CO₂ hysteresis pair in ppm. Trigger and rearm differ so a sensor
	// hovering at the cutoff cannot flap.
	CO2WarnPPM  = 1000.0
	CO2ClearPPM = 900.0

	// powerClearFraction rearms the energy alert once power drops below
	// this fraction of the ceiling.
	powerClearFraction = 0.9

	// overlaySamples is how many consecutive out-of-range probes a
	// domain overlay needs before it fires.
	overlaySamples = 2
)

// EnergyCeilingParam is the per-device descriptor param overriding the
// global plug power ceiling, in watts.
const EnergyCeilingParam = "energy_ceiling_watts"

// Config configures a Tracker.
type Config struct {
	// FailureThreshold is K: consecutive failures before offline. Zero
	// uses the default.
	FailureThreshold int

	// PowerCeilingWatts is the global plug power alert ceiling. Zero
	// disables the energy overlay unless a device overrides it.
	PowerCeilingWatts float64

	Logger hclog.Logger
}

// deviceState is one device's health machine plus overlay latches.
type deviceState struct {
	phase        structs.HealthPhase
	failures     int
	lastSuccess  time.Time
	offlineSince time.Time
	lastCause    structs.FailureCause

	co2High    int
	co2Latched bool

	powerHigh    int
	powerLatched bool

	smokeState structs.SmokeAlertState
	smokeSeen  bool
}

// Tracker runs the per-device health state machines.
type Tracker struct {
	threshold    int
	powerCeiling float64
	logger       hclog.Logger

	mu      sync.Mutex
	devices map[string]*deviceState
}

// NewTracker builds a tracker.
func NewTracker(cfg *Config) *Tracker {
	threshold := cfg.FailureThreshold
	if threshold <= 0 {
		threshold = DefaultFailureThreshold
	}
	logger := cfg.Logger
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	return &Tracker{
		threshold:    threshold,
		powerCeiling: cfg.PowerCeilingWatts,
		logger:       logger.Named("health"),
		devices:      map[string]*deviceState{},
	}
}

// Phase returns the device's current health phase; ok for unknown devices.
func (t *Tracker) Phase(deviceID string) structs.HealthPhase {
	t.mu.Lock()
	defer t.mu.Unlock()
	if st, ok := t.devices[deviceID]; ok {
		return st.phase
	}
	return structs.HealthOK
}

// Forget drops a device's state, for devices removed on reload.
func (t *Tracker) Forget(deviceID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.devices, deviceID)
}

// Apply advances the device's state machine with one reading and returns
// the events to publish, in emission order. Connection transitions come
// first, then domain overlays derived from the payload.
func (t *Tracker) Apply(desc *structs.DeviceDescriptor, r *structs.Reading) []*structs.Event {
	t.mu.Lock()
	defer t.mu.Unlock()

	st, ok := t.devices[desc.ID]
	if !ok {
		st = &deviceState{phase: structs.HealthOK}
		t.devices[desc.ID] = st
	}

	var events []*structs.Event
	if r.OK() {
		events = append(events, t.applySuccess(desc, st, r)...)
		events = append(events, t.applyOverlays(desc, st, r)...)
	} else {
		events = append(events, t.applyFailure(desc, st, r)...)
	}
	return events
}

func (t *Tracker) applySuccess(desc *structs.DeviceDescriptor, st *deviceState, r *structs.Reading) []*structs.Event {
	prev := st.phase
	st.failures = 0
	st.lastSuccess = r.Timestamp
	st.phase = structs.HealthOK
	st.lastCause = ""

	if prev == structs.HealthOK {
		return nil
	}

	e := &structs.Event{
		Severity: structs.SeverityInfo,
		Category: structs.EventCategoryConnection,
		Source:   desc.ID,
		Message:  fmt.Sprintf("device %q recovered", desc.ID),
		Details:  map[string]any{"previous_phase": string(prev)},
	}
	if prev == structs.HealthOffline && !st.offlineSince.IsZero() {
		downtime := r.Timestamp.Sub(st.offlineSince)
		e.Message = fmt.Sprintf("device %q recovered after %s offline", desc.ID, humanizeDuration(downtime))
		e.Details["downtime_duration"] = downtime.String()
	}
	st.offlineSince = time.Time{}
	t.logger.Info("device recovered", "device_id", desc.ID, "previous_phase", prev)
	return []*structs.Event{e}
}

func (t *Tracker) applyFailure(desc *structs.DeviceDescriptor, st *deviceState, r *structs.Reading) []*structs.Event {
	st.failures++
	st.lastCause = r.Failure.Cause

	switch {
	case st.phase == structs.HealthOK:
		st.phase = structs.HealthDegraded
		t.logger.Warn("device degraded", "device_id", desc.ID, "cause", r.Failure.Cause)
		return []*structs.Event{{
			Severity: structs.SeverityWarning,
			Category: structs.EventCategoryConnection,
			Source:   desc.ID,
			Message:  fmt.Sprintf("device %q probe failed (%s): %s", desc.ID, r.Failure.Cause, r.Failure.Message),
			Details: map[string]any{
				"cause":                string(r.Failure.Cause),
				"consecutive_failures": st.failures,
			},
		}}

	case st.phase == structs.HealthDegraded && st.failures >= t.threshold:
		st.phase = structs.HealthOffline
		st.offlineSince = r.Timestamp

		sinceSuccess := "never"
		if !st.lastSuccess.IsZero() {
			sinceSuccess = r.Timestamp.Sub(st.lastSuccess).String()
		}
		t.logger.Error("device offline", "device_id", desc.ID,
			"consecutive_failures", st.failures, "cause", r.Failure.Cause)
		return []*structs.Event{{
			Severity: structs.SeverityAlarm,
			Category: structs.EventCategoryConnection,
			Source:   desc.ID,
			Message: fmt.Sprintf("device %q is offline after %d consecutive failures (%s)",
				desc.ID, st.failures, r.Failure.Cause),
			Details: map[string]any{
				"consecutive_failures":        st.failures,
				"duration_since_last_success": sinceSuccess,
				"cause":                       string(r.Failure.Cause),
			},
		}}

	default:
		// Repeated failures while degraded or offline are suppressed;
		// the first warning or alarm already told the story.
		return nil
	}
}

// applyOverlays derives domain alerts from a successful reading's payload.
func (t *Tracker) applyOverlays(desc *structs.DeviceDescriptor, st *deviceState, r *structs.Reading) []*structs.Event {
	switch payload := r.Payload.(type) {
	case *structs.EnvReport:
		return t.applyCO2(desc, st, payload)
	case *structs.PlugStatus:
		return t.applyPower(desc, st, payload)
	case *structs.SmokeStatus:
		return t.applySmoke(desc, st, payload)
	}
	return nil
}

func (t *Tracker) applyCO2(desc *structs.DeviceDescriptor, st *deviceState, rep *structs.EnvReport) []*structs.Event {
	co2, ok := rep.MaxCO2()
	if !ok {
		return nil
	}

	if co2 < CO2ClearPPM {
		st.co2High = 0
		st.co2Latched = false
		return nil
	}
	if co2 < CO2WarnPPM {
		// Between rearm and trigger: hold whatever state we are in.
		st.co2High = 0
		return nil
	}

	st.co2High++
	if st.co2Latched || st.co2High < overlaySamples {
		return nil
	}
	st.co2Latched = true
	t.logger.Warn("co2 threshold exceeded", "device_id", desc.ID, "co2_ppm", co2)
	return []*structs.Event{{
		Severity: structs.SeverityWarning,
		Category: structs.EventCategoryEnvThreshold,
		Source:   desc.ID,
		Message:  fmt.Sprintf("CO₂ at %.0f ppm on %q exceeds %.0f ppm", co2, desc.ID, CO2WarnPPM),
		Details: map[string]any{
			"co2_ppm":     co2,
			"trigger_ppm": CO2WarnPPM,
			"rearm_ppm":   CO2ClearPPM,
		},
	}}
}

func (t *Tracker) applyPower(desc *structs.DeviceDescriptor, st *deviceState, plug *structs.PlugStatus) []*structs.Event {
	ceiling := params.Float(desc.Params[EnergyCeilingParam], t.powerCeiling)
	if ceiling <= 0 {
		return nil
	}

	if plug.PowerW < ceiling*powerClearFraction {
		st.powerHigh = 0
		st.powerLatched = false
		return nil
	}
	if plug.PowerW < ceiling {
		st.powerHigh = 0
		return nil
	}

	st.powerHigh++
	if st.powerLatched || st.powerHigh < overlaySamples {
		return nil
	}
	st.powerLatched = true
	t.logger.Warn("power ceiling exceeded", "device_id", desc.ID,
		"power_watts", plug.PowerW, "ceiling_watts", ceiling)
	return []*structs.Event{{
		Severity: structs.SeverityWarning,
		Category: structs.EventCategoryEnergyAlert,
		Source:   desc.ID,
		Message: fmt.Sprintf("power draw %s on %q exceeds ceiling %s",
			humanize.SIWithDigits(plug.PowerW, 1, "W"), desc.ID,
			humanize.SIWithDigits(ceiling, 1, "W")),
		Details: map[string]any{
			"power_watts":   plug.PowerW,
			"ceiling_watts": ceiling,
		},
	}}
}

// applySmoke is edge triggered rather than two-sampled: a detector
// reporting smoke is not a signal to sit on.
func (t *Tracker) applySmoke(desc *structs.DeviceDescriptor, st *deviceState, smoke *structs.SmokeStatus) []*structs.Event {
	prev := st.smokeState
	seen := st.smokeSeen
	st.smokeState = smoke.AlertState
	st.smokeSeen = true

	if seen && prev == smoke.AlertState {
		return nil
	}

	switch smoke.AlertState {
	case structs.SmokeWarning:
		t.logger.Warn("smoke detector warning", "device_id", desc.ID)
		return []*structs.Event{{
			Severity: structs.SeverityWarning,
			Category: structs.EventCategorySmokeAlert,
			Source:   desc.ID,
			Message:  fmt.Sprintf("smoke detector %q reports warning", desc.ID),
			Details:  map[string]any{"alert_state": string(smoke.AlertState)},
		}}
	case structs.SmokeEmergency:
		t.logger.Error("smoke detector emergency", "device_id", desc.ID)
		return []*structs.Event{{
			Severity: structs.SeverityAlarm,
			Category: structs.EventCategorySmokeAlert,
			Source:   desc.ID,
			Message:  fmt.Sprintf("smoke detector %q reports EMERGENCY", desc.ID),
			Details:  map[string]any{"alert_state": string(smoke.AlertState)},
		}}
	case structs.SmokeClear:
		if !seen || prev == structs.SmokeClear {
			return nil
		}
		t.logger.Info("smoke detector cleared", "device_id", desc.ID)
		return []*structs.Event{{
			Severity: structs.SeverityInfo,
			Category: structs.EventCategorySmokeAlert,
			Source:   desc.ID,
			Message:  fmt.Sprintf("smoke detector %q cleared", desc.ID),
			Details:  map[string]any{"previous_state": string(prev)},
		}}
	}
	return nil
}

func humanizeDuration(d time.Duration) string {
	return strings.TrimSpace(humanize.RelTime(time.Now().Add(-d), time.Now(), "", ""))
}
