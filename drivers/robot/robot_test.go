// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package robot

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/hashicorp/argus/driver"
	"github.com/hashicorp/argus/helper/testlog"
	"github.com/hashicorp/argus/structs"
)

func mockRobot(t *testing.T, desc *structs.DeviceDescriptor) *Robot {
	t.Helper()
	if desc.Params == nil {
		desc.Params = map[string]any{}
	}
	desc.Params["mock"] = true

	d, err := New(&driver.Config{Descriptor: desc, Logger: testlog.HCLogger(t)})
	require.NoError(t, err)
	t.Cleanup(func() { _ = d.Close() })
	return d.(*Robot)
}

func TestRobot_MockProbe(t *testing.T) {
	r := mockRobot(t, &structs.DeviceDescriptor{ID: "rob-1", Category: structs.CategoryRobot})

	payload, err := r.Probe(context.Background())
	require.NoError(t, err)

	status, ok := payload.(*structs.RobotStatus)
	require.True(t, ok)
	require.Equal(t, structs.RobotIdle, status.Motion)
	require.InDelta(t, 100, status.BatteryPct, 2)
}

func TestRobot_MoveClampsInputs(t *testing.T) {
	r := mockRobot(t, &structs.DeviceDescriptor{ID: "rob-1", Category: structs.CategoryRobot})

	out, err := r.Act(context.Background(), ActionMove, map[string]any{
		"linear":   5.0,
		"angular":  -9.0,
		"duration": 3600.0,
	})
	require.NoError(t, err)
	require.Equal(t, 1.0, out["linear"])
	require.Equal(t, -1.0, out["angular"])
	require.Equal(t, maxMoveDuration.Milliseconds(), out["duration_ms"])

	payload, err := r.Probe(context.Background())
	require.NoError(t, err)
	require.Equal(t, structs.RobotMoving, payload.(*structs.RobotStatus).Motion)
}

func TestRobot_PatrolRequiresRoute(t *testing.T) {
	r := mockRobot(t, &structs.DeviceDescriptor{ID: "rob-1", Category: structs.CategoryRobot})

	_, err := r.Act(context.Background(), ActionPatrol, nil)
	require.Error(t, err)
	require.Equal(t, structs.FailureProtocol, driver.AsFailure(err).Cause)

	out, err := r.Act(context.Background(), ActionPatrol, map[string]any{"route_name": "perimeter"})
	require.NoError(t, err)
	require.Equal(t, "perimeter", out["route"])
}

func TestRobot_EstopLatchesAndBlocksMotion(t *testing.T) {
	r := mockRobot(t, &structs.DeviceDescriptor{ID: "rob-1", Category: structs.CategoryRobot})

	out, err := r.Act(context.Background(), ActionEstop, nil)
	require.NoError(t, err)
	require.Equal(t, true, out["stopped"])
	require.Equal(t, true, out["confirmed"], "mock estop confirms immediately")

	// Every motion action is refused while stopped.
	for _, action := range []string{ActionMove, ActionPatrol, ActionDock} {
		_, err := r.Act(context.Background(), action, map[string]any{"route_name": "x"})
		require.Error(t, err, "action %s must be refused after estop", action)
		require.Equal(t, structs.FailureUnavailable, driver.AsFailure(err).Cause)
	}

	// Probes keep working and report idle.
	payload, err := r.Probe(context.Background())
	require.NoError(t, err)
	require.Equal(t, structs.RobotIdle, payload.(*structs.RobotStatus).Motion)
}

func TestRobot_EstopWorksOnReadOnlyRobot(t *testing.T) {
	r := mockRobot(t, &structs.DeviceDescriptor{
		ID:       "rob-ro",
		Category: structs.CategoryRobot,
		ReadOnly: true,
	})

	// Safety overrides the read-only policy for estop alone.
	out, err := r.Act(context.Background(), ActionEstop, nil)
	require.NoError(t, err)
	require.Equal(t, true, out["stopped"])

	_, err = r.Act(context.Background(), ActionDock, nil)
	require.Error(t, err)
}

func TestRobot_EstopRetriedUntilConfirmed(t *testing.T) {
	// The robot refuses the first two estop requests, then accepts.
	var estops atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		switch {
		case strings.HasSuffix(req.URL.Path, "/api/estop"):
			if estops.Add(1) <= 2 {
				w.WriteHeader(http.StatusConflict)
				return
			}
			w.WriteHeader(http.StatusOK)
		case strings.HasSuffix(req.URL.Path, "/api/state"):
			w.Header().Set("Content-Type", "application/json")
			w.Write([]byte(`{"x":0,"y":0,"heading_deg":0,"battery_pct":80,"motion":"idle"}`))
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	host := strings.TrimPrefix(srv.URL, "http://")
	hostname, port, ok := strings.Cut(host, ":")
	require.True(t, ok)

	d, err := New(&driver.Config{
		Descriptor: &structs.DeviceDescriptor{
			ID:       "rob-real",
			Category: structs.CategoryRobot,
			Params:   map[string]any{"host": hostname, "port": port},
		},
		Logger: testlog.HCLogger(t),
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = d.Close() })
	r := d.(*Robot)

	// First attempt is refused remotely but still latches locally.
	out, err := r.Act(context.Background(), ActionEstop, nil)
	require.NoError(t, err)
	require.Equal(t, true, out["stopped"])
	require.Equal(t, false, out["confirmed"])

	// Next probe retries and is refused again.
	_, err = r.Probe(context.Background())
	require.NoError(t, err)
	r.mu.Lock()
	confirmed := r.estopConfirmed
	r.mu.Unlock()
	require.False(t, confirmed)

	// The probe after that succeeds and confirms.
	_, err = r.Probe(context.Background())
	require.NoError(t, err)
	r.mu.Lock()
	confirmed = r.estopConfirmed
	r.mu.Unlock()
	require.True(t, confirmed)
	require.Equal(t, int32(3), estops.Load())
}
