// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

// Package synth generates the deterministic readings mock-mode drivers
// return. Values are seeded from the device id and the probe count so a
// fleet of mocks is plausible, stable across runs, and distinct per device.
package synth

import (
	"hash/fnv"
	"math"
	"math/rand"
)

// Source produces deterministic values for one device.
type Source struct {
	seed  int64
	count uint64
}

// New builds a source seeded by the device id.
func New(deviceID string) *Source {
	h := fnv.New64a()
	_, _ = h.Write([]byte(deviceID))
	return &Source{seed: int64(h.Sum64() & math.MaxInt64)}
}

// Next advances to the next probe cycle and returns its RNG.
func (s *Source) Next() *rand.Rand {
	s.count++
	return rand.New(rand.NewSource(s.seed + int64(s.count)))
}

// Count returns the number of probe cycles generated so far.
func (s *Source) Count() uint64 { return s.count }

// Wave returns a slow sine oscillation in [lo, hi] over the probe count,
// useful for temperatures and power draws that should drift rather than
// jump.
func (s *Source) Wave(lo, hi, period float64) float64 {
	if period <= 0 {
		period = 60
	}
	mid := (lo + hi) / 2
	amp := (hi - lo) / 2
	return mid + amp*math.Sin(2*math.Pi*float64(s.count)/period)
}
