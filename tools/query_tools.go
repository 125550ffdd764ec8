// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package tools

import (
	"context"
	"errors"
	"time"

	"github.com/hashicorp/argus/driver"
	"github.com/hashicorp/argus/stream"
	"github.com/hashicorp/argus/structs"
)

// eventQuery exposes the event store: filtered history, acknowledgement,
// and the unacknowledged tally.
func (b *Backend) eventQuery(d *Dispatcher) *Tool {
	return &Tool{
		Name:        "event_query",
		Description: "Query and acknowledge the event stream.",
		Actions: map[string]*Action{
			"query": {
				Name:        "query",
				Description: "Fetch events newest first, filtered by sequence, severity and category.",
				Schema: mustSchema(`{
					"type": "object",
					"properties": {
						"since_seq":      {"type": "integer", "minimum": 0},
						"severity_floor": {"enum": ["info", "warning", "alarm"]},
						"category":       {"type": "string"},
						"limit":          {"type": "integer", "minimum": 1, "maximum": 1000}
					},
					"additionalProperties": false
				}`),
				Run: func(ctx context.Context, params map[string]any) (any, error) {
					sinceSeq := uint64(floatParam(params, "since_seq", 0))
					floor := structs.Severity(stringParam(params, "severity_floor"))
					category := stringParam(params, "category")
					limit := int(floatParam(params, "limit", 100))

					events := d.store.Query(sinceSeq, floor, category, limit)
					return map[string]any{"events": events, "count": len(events)}, nil
				},
			},
			"acknowledge": {
				Name:        "acknowledge",
				Description: "Mark one warning/alarm event as seen. Does not clear the condition.",
				Schema: mustSchema(`{
					"type": "object",
					"required": ["seq"],
					"properties": {"seq": {"type": "integer", "minimum": 1}},
					"additionalProperties": false
				}`),
				Run: func(ctx context.Context, params map[string]any) (any, error) {
					seq := uint64(floatParam(params, "seq", 0))
					switch err := d.store.Acknowledge(seq); {
					case errors.Is(err, stream.ErrNotFound):
						return nil, driver.Unavailablef("no event with seq %d", seq)
					case errors.Is(err, stream.ErrAlreadyAcknowledged):
						return nil, driver.Protocolf("event %d is already acknowledged", seq)
					case err != nil:
						return nil, err
					}
					return map[string]any{"acknowledged_seq": seq}, nil
				},
			},
			"unacknowledged": {
				Name:        "unacknowledged",
				Description: "Count unacknowledged warnings and alarms.",
				Run: func(ctx context.Context, params map[string]any) (any, error) {
					counts := d.store.UnacknowledgedCounts()
					return map[string]any{
						"warning": counts[structs.SeverityWarning],
						"alarm":   counts[structs.SeverityAlarm],
					}, nil
				},
			},
		},
	}
}

// systemControl covers the process-level surface: status, driver catalog,
// and a configuration reload when the agent wires one in.
func (b *Backend) systemControl(d *Dispatcher) *Tool {
	started := time.Now().UTC()
	return &Tool{
		Name:        "system_control",
		Description: "Inspect and manage the supervisor process.",
		Actions: map[string]*Action{
			"status": {
				Name:        "status",
				Description: "Process status: uptime, fleet health counts, event store size.",
				Run: func(ctx context.Context, params map[string]any) (any, error) {
					phases := map[structs.HealthPhase]int{}
					for _, h := range b.Registry.List() {
						phases[h.Snapshot().Phase]++
					}
					return map[string]any{
						"uptime_seconds":   int(time.Since(started).Seconds()),
						"devices_total":    len(b.Registry.List()),
						"devices_ok":       phases[structs.HealthOK],
						"devices_degraded": phases[structs.HealthDegraded],
						"devices_offline":  phases[structs.HealthOffline],
						"event_store_size": d.store.Size(),
						"last_event_seq":   d.store.LastSeq(),
					}, nil
				},
			},
			"drivers": {
				Name:        "drivers",
				Description: "List the registered driver tags.",
				Run: func(ctx context.Context, params map[string]any) (any, error) {
					return map[string]any{"drivers": driver.Names()}, nil
				},
			},
			"reload": {
				Name:        "reload",
				Description: "Reload the device configuration from disk, like SIGHUP.",
				Run: func(ctx context.Context, params map[string]any) (any, error) {
					if b.Reload == nil {
						return nil, driver.Unavailablef("configuration reload is not wired up")
					}
					if err := b.Reload(); err != nil {
						return nil, err
					}
					return map[string]any{"reloaded": true}, nil
				},
			},
		},
	}
}

// analytics aggregates cached readings and stored events into fleet-level
// summaries. Everything here reads snapshots; nothing probes a device.
func (b *Backend) analytics(d *Dispatcher) *Tool {
	return &Tool{
		Name:        "analytics",
		Description: "Fleet-level aggregations over cached readings and the event stream.",
		Actions: map[string]*Action{
			"fleet_health": {
				Name:        "fleet_health",
				Description: "Health phase per device plus who is offline and why.",
				Run: func(ctx context.Context, params map[string]any) (any, error) {
					type entry struct {
						ID        string              `json:"id"`
						Phase     structs.HealthPhase `json:"phase"`
						Failures  int                 `json:"consecutive_failures"`
						LastError string              `json:"last_error,omitempty"`
					}
					var offline []entry
					phases := map[structs.HealthPhase]int{}
					for _, h := range b.Registry.List() {
						snap := h.Snapshot()
						phases[snap.Phase]++
						if snap.Phase == structs.HealthOffline {
							offline = append(offline, entry{
								ID:        h.Descriptor().ID,
								Phase:     snap.Phase,
								Failures:  snap.ConsecutiveFailures,
								LastError: snap.LastError,
							})
						}
					}
					return map[string]any{
						"ok":       phases[structs.HealthOK],
						"degraded": phases[structs.HealthDegraded],
						"offline":  phases[structs.HealthOffline],
						"offline_devices": offline,
					}, nil
				},
			},
			"energy_summary": {
				Name:        "energy_summary",
				Description: "Current power draw across every smart plug.",
				Run: func(ctx context.Context, params map[string]any) (any, error) {
					type entry struct {
						ID     string  `json:"id"`
						On     bool    `json:"on"`
						PowerW float64 `json:"power_watts"`
					}
					var plugs []entry
					var totalW float64
					for _, h := range b.Registry.List() {
						if h.Descriptor().Category != structs.CategoryPlug {
							continue
						}
						reading := h.Snapshot().LastReading
						if reading == nil || !reading.OK() {
							continue
						}
						status, ok := reading.Payload.(*structs.PlugStatus)
						if !ok {
							continue
						}
						plugs = append(plugs, entry{ID: h.Descriptor().ID, On: status.On, PowerW: status.PowerW})
						totalW += status.PowerW
					}
					return map[string]any{"plugs": plugs, "total_watts": totalW}, nil
				},
			},
			"environment_summary": {
				Name:        "environment_summary",
				Description: "Latest environmental measurements per sensor module.",
				Run: func(ctx context.Context, params map[string]any) (any, error) {
					out := map[string]any{}
					for _, h := range b.Registry.List() {
						if h.Descriptor().Category != structs.CategoryEnvSensor {
							continue
						}
						reading := h.Snapshot().LastReading
						if reading == nil || !reading.OK() {
							continue
						}
						if report, ok := reading.Payload.(*structs.EnvReport); ok {
							out[h.Descriptor().ID] = report.Modules
						}
					}
					return map[string]any{"sensors": out}, nil
				},
			},
			"event_stats": {
				Name:        "event_stats",
				Description: "Event counts per severity and category since a sequence number.",
				Schema: mustSchema(`{
					"type": "object",
					"properties": {
						"since_seq": {"type": "integer", "minimum": 0}
					},
					"additionalProperties": false
				}`),
				Run: func(ctx context.Context, params map[string]any) (any, error) {
					sinceSeq := uint64(floatParam(params, "since_seq", 0))
					bySeverity := map[string]int{}
					byCategory := map[string]int{}
					events := d.store.Query(sinceSeq, structs.SeverityInfo, "", 0)
					for _, e := range events {
						bySeverity[string(e.Severity)]++
						byCategory[e.Category]++
					}
					return map[string]any{
						"total":       len(events),
						"by_severity": bySeverity,
						"by_category": byCategory,
					}, nil
				},
			},
		},
	}
}

// floatParam reads a numeric parameter that may arrive as any JSON number
// type.
func floatParam(params map[string]any, key string, fallback float64) float64 {
	switch v := params[key].(type) {
	case float64:
		return v
	case int:
		return float64(v)
	case int64:
		return float64(v)
	default:
		return fallback
	}
}

func stringParam(params map[string]any, key string) string {
	s, _ := params[key].(string)
	return s
}
