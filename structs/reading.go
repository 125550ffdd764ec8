// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package structs

import "time"

// FailureCause classifies why a probe or action failed. The taxonomy is
// shared by every driver.
type FailureCause string

const (
	// FailureTimeout means the deadline elapsed with no response.
	FailureTimeout FailureCause = "timeout"

	// FailureAuth means the credential was rejected or has expired.
	FailureAuth FailureCause = "auth"

	// FailureTransport means the network was unreachable, TLS failed, or
	// the connection was reset.
	FailureTransport FailureCause = "transport"

	// FailureProtocol means the remote responded but the payload was
	// unparseable or violated the expected schema.
	FailureProtocol FailureCause = "protocol"

	// FailureUnavailable means the device was reachable but refused the
	// operation (busy, locked, read-only).
	FailureUnavailable FailureCause = "unavailable"
)

// Failure is the classified outcome of an unsuccessful probe or action.
type Failure struct {
	Cause   FailureCause `json:"cause"`
	Message string       `json:"message"`
}

// Reading is the normalized output of one probe cycle: either a success
// payload or a classified failure, never both.
type Reading struct {
	DeviceID  string        `json:"device_id"`
	Timestamp time.Time     `json:"timestamp"`
	Duration  time.Duration `json:"duration,omitempty"`
	Payload   Payload       `json:"payload,omitempty"`
	Failure   *Failure      `json:"failure,omitempty"`
}

// OK reports whether the probe succeeded.
func (r *Reading) OK() bool {
	return r != nil && r.Failure == nil
}

// Sample is one gauge value extracted from a driver payload. The metrics
// exporter publishes only samples whose Name the driver's Describe()
// advertises.
type Sample struct {
	Name   string
	Value  float64
	Labels map[string]string
}

// Payload is the driver-defined success result of a probe. Implementations
// are plain data and safe to copy.
type Payload interface {
	// Kind names the payload family, e.g. "camera" or "plug".
	Kind() string

	// Samples returns the gauge samples this payload populates.
	Samples() []Sample
}
