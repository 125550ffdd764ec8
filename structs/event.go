// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package structs

import (
	"fmt"
	"time"

	"github.com/mitchellh/copystructure"
)

// Severity orders event importance. The zero value is treated as info.
type Severity string

const (
	SeverityInfo    Severity = "info"
	SeverityWarning Severity = "warning"
	SeverityAlarm   Severity = "alarm"
)

var severityRank = map[Severity]int{
	SeverityInfo:    0,
	SeverityWarning: 1,
	SeverityAlarm:   2,
}

// Valid reports whether s is a known severity.
func (s Severity) Valid() bool {
	_, ok := severityRank[s]
	return ok
}

// AtLeast reports whether s is at or above floor. Unknown severities rank
// as info.
func (s Severity) AtLeast(floor Severity) bool {
	return severityRank[s] >= severityRank[floor]
}

// Well-known event categories. Categories are free-form short tags; these
// are the ones Argus itself emits.
const (
	EventCategoryConnection   = "device_connection"
	EventCategoryEnvThreshold = "env_threshold"
	EventCategorySmokeAlert   = "smoke_alert"
	EventCategoryEnergyAlert  = "energy_alert"
	EventCategoryAction       = "action_invoked"
	EventCategoryTruncated    = "event_store_truncated"
	EventCategoryDropped      = "event_dropped"
	EventCategoryLagging      = "subscription_lagging"
	EventCategorySystem       = "system"
)

// SourceSystem is the event source used for process-level events that are
// not tied to one device.
const SourceSystem = "system"

// Event is one durable record in the bounded event store. Events are never
// mutated after append except for the Acknowledged flag, which the store
// flips on behalf of operators.
type Event struct {
	// Seq is the process-local, strictly increasing sequence number
	// assigned on append.
	Seq uint64 `json:"seq"`

	// Timestamp is assigned on append and is monotonic non-decreasing
	// across the store.
	Timestamp time.Time `json:"timestamp"`

	Severity Severity `json:"severity"`
	Category string   `json:"category"`

	// Source is a device identifier, a tool name, or "system".
	Source string `json:"source"`

	Message string `json:"message"`

	// Details is an optional JSON-serializable map. It is credential
	// scrubbed before it reaches the store.
	Details map[string]any `json:"details,omitempty"`

	// Acknowledged marks a warning/alarm as seen by an operator. It does
	// not clear the underlying condition.
	Acknowledged bool `json:"acknowledged"`
}

// Copy returns a deep copy of the event.
func (e *Event) Copy() *Event {
	if e == nil {
		return nil
	}
	dup, err := copystructure.Copy(e)
	if err != nil {
		panic(fmt.Sprintf("copying event: %v", err))
	}
	return dup.(*Event)
}

// String renders a short human form used in debug logs.
func (e *Event) String() string {
	return fmt.Sprintf("[%d] %s/%s %s: %s", e.Seq, e.Severity, e.Category, e.Source, e.Message)
}
