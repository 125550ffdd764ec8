// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

// Package helper holds small utilities shared across Argus packages.
package helper

import (
	"math/rand"
	"time"
)

// RandomStagger returns a random duration in [0, intv) used to spread
// periodic work across a fleet so probes do not stampede.
func RandomStagger(intv time.Duration) time.Duration {
	if intv <= 0 {
		return 0
	}
	return time.Duration(rand.Int63n(int64(intv)))
}

// Jitter perturbs d by up to +/- fraction of itself. A fraction of 0.2
// yields values uniformly in [0.8d, 1.2d].
func Jitter(d time.Duration, fraction float64) time.Duration {
	if d <= 0 || fraction <= 0 {
		return d
	}
	span := time.Duration(float64(d) * fraction)
	return d - span + RandomStagger(2*span)
}

// ClampFloat bounds v into [lo, hi].
func ClampFloat(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// ClampDuration bounds d into [lo, hi].
func ClampDuration(d, lo, hi time.Duration) time.Duration {
	if d < lo {
		return lo
	}
	if d > hi {
		return hi
	}
	return d
}

// CleanEnvVar replaces invalid characters in a name so it can be looked up
// as an environment variable.
func CleanEnvVar(s string, r byte) string {
	b := []byte(s)
	for i, c := range b {
		switch {
		case c >= 'a' && c <= 'z':
		case c >= 'A' && c <= 'Z':
		case c >= '0' && c <= '9':
		case c == '_':
		default:
			b[i] = r
		}
	}
	return string(b)
}
