// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package plug

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/hashicorp/argus/driver"
	"github.com/hashicorp/argus/helper/testlog"
	"github.com/hashicorp/argus/structs"
)

func mockPlug(t *testing.T, desc *structs.DeviceDescriptor) *Plug {
	t.Helper()
	if desc.Params == nil {
		desc.Params = map[string]any{}
	}
	desc.Params["mock"] = true

	d, err := New(&driver.Config{Descriptor: desc, Logger: testlog.HCLogger(t)})
	require.NoError(t, err)
	t.Cleanup(func() { _ = d.Close() })
	return d.(*Plug)
}

func TestPlug_MockProbe(t *testing.T) {
	p := mockPlug(t, &structs.DeviceDescriptor{ID: "plug-1", Category: structs.CategoryPlug})

	payload, err := p.Probe(context.Background())
	require.NoError(t, err)

	status, ok := payload.(*structs.PlugStatus)
	require.True(t, ok)
	require.True(t, status.On, "mock plugs start switched on")
	require.Greater(t, status.PowerW, 0.0)
	require.InDelta(t, 230, status.Voltage, 5)
}

func TestPlug_PowerSetTogglesRelay(t *testing.T) {
	p := mockPlug(t, &structs.DeviceDescriptor{ID: "plug-1", Category: structs.CategoryPlug})

	out, err := p.Act(context.Background(), ActionPowerSet, map[string]any{"on": false})
	require.NoError(t, err)
	require.Equal(t, false, out["on"])

	payload, err := p.Probe(context.Background())
	require.NoError(t, err)
	status := payload.(*structs.PlugStatus)
	require.False(t, status.On)
	require.Zero(t, status.PowerW, "a switched-off plug draws nothing")

	// The tool surface may send "on"/"off" strings.
	out, err = p.Act(context.Background(), ActionPowerSet, map[string]any{"on": "on"})
	require.NoError(t, err)
	require.Equal(t, true, out["on"])
}

func TestPlug_ReadOnlyRefusesActions(t *testing.T) {
	p := mockPlug(t, &structs.DeviceDescriptor{
		ID:       "plug-ro",
		Category: structs.CategoryPlug,
		ReadOnly: true,
	})

	_, err := p.Act(context.Background(), ActionPowerSet, map[string]any{"on": true})
	require.Error(t, err)
	require.Equal(t, structs.FailureUnavailable, driver.AsFailure(err).Cause)

	// Probing still works; read-only only blocks side effects.
	_, err = p.Probe(context.Background())
	require.NoError(t, err)

	caps := p.Describe()
	require.False(t, caps.Controllable)
	require.Empty(t, caps.Actions)
}

func TestPlug_BadParams(t *testing.T) {
	p := mockPlug(t, &structs.DeviceDescriptor{ID: "plug-1", Category: structs.CategoryPlug})

	_, err := p.Act(context.Background(), ActionPowerSet, map[string]any{"on": "sideways"})
	require.Error(t, err)
	require.Equal(t, structs.FailureProtocol, driver.AsFailure(err).Cause)

	_, err = p.Act(context.Background(), "self_destruct", nil)
	require.Error(t, err)
	require.Equal(t, structs.FailureUnavailable, driver.AsFailure(err).Cause)
}

func TestPlug_MockFailEvery(t *testing.T) {
	p := mockPlug(t, &structs.DeviceDescriptor{
		ID:       "plug-flaky",
		Category: structs.CategoryPlug,
		Params:   map[string]any{"mock_fail_every": 3},
	})

	var failures int
	for i := 0; i < 9; i++ {
		if _, err := p.Probe(context.Background()); err != nil {
			failures++
			require.Equal(t, structs.FailureTransport, driver.AsFailure(err).Cause)
		}
	}
	require.Equal(t, 3, failures)
}

func TestPlug_RealModeRequiresHost(t *testing.T) {
	_, err := New(&driver.Config{
		Descriptor: &structs.DeviceDescriptor{ID: "plug-1", Category: structs.CategoryPlug},
		Logger:     testlog.HCLogger(t),
	})
	require.Error(t, err)
	require.Contains(t, err.Error(), "host is required")
}

func TestPlug_CloseIdempotent(t *testing.T) {
	p := mockPlug(t, &structs.DeviceDescriptor{ID: "plug-1", Category: structs.CategoryPlug})
	require.NoError(t, p.Close())
	require.NoError(t, p.Close())
}
