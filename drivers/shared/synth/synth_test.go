// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package synth

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSource_DeterministicPerDevice(t *testing.T) {
	a := New("cam-1")
	b := New("cam-1")

	for i := 0; i < 10; i++ {
		require.Equal(t, a.Next().Float64(), b.Next().Float64(),
			"same device id must yield the same sequence")
	}
}

func TestSource_DistinctAcrossDevices(t *testing.T) {
	a := New("cam-1")
	b := New("cam-2")

	var same int
	for i := 0; i < 10; i++ {
		if a.Next().Float64() == b.Next().Float64() {
			same++
		}
	}
	require.Less(t, same, 10, "different device ids must diverge")
}

func TestSource_WaveBounds(t *testing.T) {
	s := New("env-1")
	for i := 0; i < 200; i++ {
		s.Next()
		v := s.Wave(18, 26, 48)
		require.GreaterOrEqual(t, v, 18.0)
		require.LessOrEqual(t, v, 26.0)
	}

	// Non-positive period falls back instead of dividing by zero.
	require.NotPanics(t, func() { s.Wave(0, 1, 0) })
}

func TestSource_CountAdvancesWithNext(t *testing.T) {
	s := New("plug-1")
	require.Zero(t, s.Count())
	s.Next()
	s.Next()
	require.Equal(t, uint64(2), s.Count())
}
