// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

// Package robot implements the patrol robot driver. The robot exposes a
// local JSON API; estop is special-cased so it always succeeds locally and
// is retried against the robot on every following probe until confirmed.
package robot

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/hashicorp/go-hclog"

	"github.com/hashicorp/argus/driver"
	"github.com/hashicorp/argus/drivers/shared/params"
	"github.com/hashicorp/argus/drivers/shared/synth"
	"github.com/hashicorp/argus/helper"
	"github.com/hashicorp/argus/structs"
)

// Name is the driver tag.
const Name = "patrol_robot"

// Action names.
const (
	ActionMove   = "move"
	ActionPatrol = "patrol"
	ActionDock   = "dock"
	ActionEstop  = "estop"
)

const maxMoveDuration = 10 * time.Second

// Register adds the robot driver to the catalog.
func Register() {
	driver.Register(Name, New)
}

// Config is the robot entry's params submap.
type Config struct {
	Host       string `mapstructure:"host"`
	Port       int    `mapstructure:"port"`
	Credential string `mapstructure:"credential"`
	Mock       bool   `mapstructure:"mock"`

	MockFailEvery int `mapstructure:"mock_fail_every"`
}

// Robot drives one patrol robot.
type Robot struct {
	desc   *structs.DeviceDescriptor
	cfg    Config
	logger hclog.Logger
	client *http.Client
	token  string

	mu             sync.Mutex
	estopRequested bool
	estopConfirmed bool
	motion         structs.RobotMotion
	closed         bool
	mock           *synth.Source
}

// New constructs a robot driver.
func New(dcfg *driver.Config) (driver.Driver, error) {
	var cfg Config
	if err := driver.DecodeParams(dcfg.Descriptor.Params, &cfg); err != nil {
		return nil, err
	}
	r := &Robot{
		desc:   dcfg.Descriptor,
		cfg:    cfg,
		logger: dcfg.Logger.Named("robot").With("device_id", dcfg.Descriptor.ID),
		motion: structs.RobotIdle,
	}
	if cfg.Mock {
		r.mock = synth.New(dcfg.Descriptor.ID)
		return r, nil
	}
	if cfg.Host == "" {
		return nil, fmt.Errorf("robot %q: host is required", dcfg.Descriptor.ID)
	}
	if cfg.Port == 0 {
		r.cfg.Port = 8080
	}
	if cfg.Credential != "" {
		token, err := dcfg.Secrets.Resolve(context.Background(), cfg.Credential)
		if err != nil {
			return nil, fmt.Errorf("robot %q: %w", dcfg.Descriptor.ID, err)
		}
		r.token = token
	}
	r.client = &http.Client{}
	return r, nil
}

// Probe reads pose, battery and motion state. A pending estop is retried
// here until the robot confirms it.
func (r *Robot) Probe(ctx context.Context) (structs.Payload, error) {
	r.mu.Lock()
	retryEstop := r.estopRequested && !r.estopConfirmed
	r.mu.Unlock()
	if retryEstop {
		if err := r.sendEstop(ctx); err == nil {
			r.mu.Lock()
			r.estopConfirmed = true
			r.mu.Unlock()
			r.logger.Info("emergency stop confirmed by robot")
		}
	}

	if r.cfg.Mock {
		return r.mockProbe()
	}

	var body struct {
		X          float64 `json:"x"`
		Y          float64 `json:"y"`
		HeadingDeg float64 `json:"heading_deg"`
		BatteryPct float64 `json:"battery_pct"`
		Motion     string  `json:"motion"`
	}
	if err := r.call(ctx, http.MethodGet, "/api/state", nil, &body); err != nil {
		return nil, err
	}

	motion := structs.RobotMotion(body.Motion)
	switch motion {
	case structs.RobotIdle, structs.RobotMoving, structs.RobotDocking,
		structs.RobotPatrolling, structs.RobotCharging, structs.RobotError:
	default:
		return nil, driver.Protocolf("unknown motion state %q", body.Motion)
	}

	r.mu.Lock()
	r.motion = motion
	r.mu.Unlock()

	return &structs.RobotStatus{
		X:          body.X,
		Y:          body.Y,
		HeadingDeg: body.HeadingDeg,
		BatteryPct: body.BatteryPct,
		Motion:     motion,
	}, nil
}

// Act dispatches one robot action. Estop never fails: it latches locally
// even when the robot is unreachable.
func (r *Robot) Act(ctx context.Context, action string, args map[string]any) (map[string]any, error) {
	if action == ActionEstop {
		return r.estop(ctx)
	}
	if r.desc.ReadOnly {
		return nil, driver.Unavailablef("device %q is configured read-only", r.desc.ID)
	}

	r.mu.Lock()
	stopped := r.estopRequested
	r.mu.Unlock()
	if stopped {
		return nil, driver.Unavailablef("robot is emergency stopped; clear estop at the robot first")
	}

	switch action {
	case ActionMove:
		return r.move(ctx, args)
	case ActionPatrol:
		return r.patrol(ctx, args)
	case ActionDock:
		return r.dock(ctx)
	default:
		return nil, driver.Unavailablef("robot does not support action %q", action)
	}
}

func (r *Robot) move(ctx context.Context, args map[string]any) (map[string]any, error) {
	linear := helper.ClampFloat(params.Float(args["linear"], 0), -1, 1)
	angular := helper.ClampFloat(params.Float(args["angular"], 0), -1, 1)
	duration := helper.ClampDuration(
		time.Duration(params.Float(args["duration"], 1)*float64(time.Second)),
		0, maxMoveDuration)

	if !r.cfg.Mock {
		body := map[string]any{"linear": linear, "angular": angular, "duration_ms": duration.Milliseconds()}
		if err := r.call(ctx, http.MethodPost, "/api/move", body, nil); err != nil {
			return nil, err
		}
	}
	r.setMotion(structs.RobotMoving)
	return map[string]any{"linear": linear, "angular": angular, "duration_ms": duration.Milliseconds()}, nil
}

func (r *Robot) patrol(ctx context.Context, args map[string]any) (map[string]any, error) {
	route := params.String(args["route_name"])
	if route == "" {
		return nil, driver.Protocolf("patrol requires parameter \"route_name\"")
	}
	if !r.cfg.Mock {
		if err := r.call(ctx, http.MethodPost, "/api/patrol", map[string]any{"route": route}, nil); err != nil {
			return nil, err
		}
	}
	r.setMotion(structs.RobotPatrolling)
	return map[string]any{"route": route}, nil
}

func (r *Robot) dock(ctx context.Context) (map[string]any, error) {
	if !r.cfg.Mock {
		if err := r.call(ctx, http.MethodPost, "/api/dock", nil, nil); err != nil {
			return nil, err
		}
	}
	r.setMotion(structs.RobotDocking)
	return map[string]any{"docking": true}, nil
}

// estop latches the stop locally first, then tries to reach the robot. The
// local latch means a follow-up probe keeps retrying until confirmed.
func (r *Robot) estop(ctx context.Context) (map[string]any, error) {
	r.mu.Lock()
	r.estopRequested = true
	r.estopConfirmed = false
	r.motion = structs.RobotIdle
	r.mu.Unlock()

	confirmed := false
	if err := r.sendEstop(ctx); err == nil {
		r.mu.Lock()
		r.estopConfirmed = true
		r.mu.Unlock()
		confirmed = true
	} else {
		r.logger.Warn("estop not confirmed by robot, will retry on next probe", "error", err)
	}
	return map[string]any{"stopped": true, "confirmed": confirmed}, nil
}

func (r *Robot) sendEstop(ctx context.Context) error {
	if r.cfg.Mock {
		return nil
	}
	return r.call(ctx, http.MethodPost, "/api/estop", nil, nil)
}

func (r *Robot) setMotion(m structs.RobotMotion) {
	r.mu.Lock()
	r.motion = m
	r.mu.Unlock()
}

func (r *Robot) call(ctx context.Context, method, path string, body map[string]any, out any) error {
	var reader *bytes.Reader
	if body != nil {
		payload, _ := json.Marshal(body)
		reader = bytes.NewReader(payload)
	} else {
		reader = bytes.NewReader(nil)
	}
	url := fmt.Sprintf("http://%s:%d%s", r.cfg.Host, r.cfg.Port, path)
	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return driver.Protocolf("%v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if r.token != "" {
		req.Header.Set("Authorization", "Bearer "+r.token)
	}

	resp, err := r.client.Do(req)
	if err != nil {
		return driver.ClassifyNetErr(err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return driver.Authf("robot rejected token, status %d", resp.StatusCode)
	case resp.StatusCode == http.StatusConflict:
		return driver.Unavailablef("robot refused operation, status %d", resp.StatusCode)
	case resp.StatusCode != http.StatusOK:
		return driver.Protocolf("unexpected status %d", resp.StatusCode)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return driver.Protocolf("decoding response: %v", err)
	}
	return nil
}

func (r *Robot) mockProbe() (structs.Payload, error) {
	rng := r.mock.Next()
	if r.cfg.MockFailEvery > 0 && r.mock.Count()%uint64(r.cfg.MockFailEvery) == 0 {
		return nil, driver.Transportf("mock robot unreachable")
	}

	r.mu.Lock()
	motion := r.motion
	stopped := r.estopRequested
	r.mu.Unlock()
	if stopped {
		motion = structs.RobotIdle
	}

	t := float64(r.mock.Count())
	return &structs.RobotStatus{
		X:          r.mock.Wave(-5, 5, 40),
		Y:          r.mock.Wave(-3, 3, 53),
		HeadingDeg: float64(int(t*7) % 360),
		BatteryPct: helper.ClampFloat(100-t/10+rng.Float64(), 5, 100),
		Motion:     motion,
	}, nil
}

// Describe lists the robot actions and battery gauge.
func (r *Robot) Describe() *driver.Capabilities {
	caps := &driver.Capabilities{
		Controllable: !r.desc.ReadOnly,
		Gauges:       []string{structs.GaugeRobotBattery},
		Actions: []driver.ActionSpec{
			{Name: ActionEstop, Description: "Emergency stop; always succeeds locally and is retried until confirmed"},
		},
	}
	if caps.Controllable {
		caps.Actions = append(caps.Actions,
			driver.ActionSpec{Name: ActionMove, Description: "Drive with linear/angular velocity for a bounded duration"},
			driver.ActionSpec{Name: ActionPatrol, Description: "Start a named patrol route"},
			driver.ActionSpec{Name: ActionDock, Description: "Return to the charging dock"},
		)
	}
	return caps
}

// Close is idempotent.
func (r *Robot) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil
	}
	r.closed = true
	if r.client != nil {
		r.client.CloseIdleConnections()
	}
	return nil
}
