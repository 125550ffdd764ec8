// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

// Package smoke implements the smoke/CO detector driver. Detectors are
// cloud backed (Nest Protect style) and nearly read-only; the only action
// is triggering a self test.
package smoke

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/hashicorp/go-hclog"

	"github.com/hashicorp/argus/driver"
	"github.com/hashicorp/argus/drivers/shared/synth"
	"github.com/hashicorp/argus/structs"
)

// Name is the driver tag.
const Name = "smoke_detector"

// ActionSelfTest runs the detector's siren/sensor self test.
const ActionSelfTest = "self_test"

// Register adds the detector driver to the catalog.
func Register() {
	driver.Register(Name, New)
}

// Config is the detector entry's params submap.
type Config struct {
	APIBase    string `mapstructure:"api_base"`
	DeviceUID  string `mapstructure:"device_uid"`
	Credential string `mapstructure:"credential"` // API key reference
	Mock       bool   `mapstructure:"mock"`

	MockFailEvery int `mapstructure:"mock_fail_every"`

	// MockAlertAfter makes the mock detector report a warning alert
	// state after N probes, then emergency after 2N, for drills. Zero
	// keeps it clear.
	MockAlertAfter int `mapstructure:"mock_alert_after"`
}

// Detector drives one smoke/CO detector.
type Detector struct {
	desc   *structs.DeviceDescriptor
	cfg    Config
	logger hclog.Logger
	client *http.Client
	apiKey string

	mu           sync.Mutex
	lastSelfTest time.Time
	closed       bool
	mock         *synth.Source
}

// New constructs a detector driver.
func New(dcfg *driver.Config) (driver.Driver, error) {
	var cfg Config
	if err := driver.DecodeParams(dcfg.Descriptor.Params, &cfg); err != nil {
		return nil, err
	}
	d := &Detector{
		desc:   dcfg.Descriptor,
		cfg:    cfg,
		logger: dcfg.Logger.Named("smoke").With("device_id", dcfg.Descriptor.ID),
	}
	if cfg.Mock {
		d.mock = synth.New(dcfg.Descriptor.ID)
		d.lastSelfTest = time.Now().UTC().Add(-24 * time.Hour)
		return d, nil
	}
	if cfg.APIBase == "" || cfg.DeviceUID == "" {
		return nil, fmt.Errorf("detector %q: api_base and device_uid are required", dcfg.Descriptor.ID)
	}
	if cfg.Credential == "" {
		return nil, fmt.Errorf("detector %q: credential reference is required", dcfg.Descriptor.ID)
	}
	key, err := dcfg.Secrets.Resolve(context.Background(), cfg.Credential)
	if err != nil {
		return nil, fmt.Errorf("detector %q: %w", dcfg.Descriptor.ID, err)
	}
	d.apiKey = key
	d.client = &http.Client{}
	return d, nil
}

// Probe reads battery, liveness and the detector's own alert state.
func (d *Detector) Probe(ctx context.Context) (structs.Payload, error) {
	if d.cfg.Mock {
		return d.mockProbe()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		d.cfg.APIBase+"/v1/devices/"+d.cfg.DeviceUID, nil)
	if err != nil {
		return nil, driver.Protocolf("%v", err)
	}
	req.Header.Set("Authorization", "Bearer "+d.apiKey)

	resp, err := d.client.Do(req)
	if err != nil {
		return nil, driver.ClassifyNetErr(err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return nil, driver.Authf("detector API rejected key, status %d", resp.StatusCode)
	case resp.StatusCode != http.StatusOK:
		return nil, driver.Protocolf("unexpected status %d", resp.StatusCode)
	}

	var body struct {
		BatteryPct   float64 `json:"battery_pct"`
		Online       bool    `json:"online"`
		LastSelfTest int64   `json:"last_self_test"`
		AlertState   string  `json:"alert_state"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, driver.Protocolf("decoding detector state: %v", err)
	}

	state := structs.SmokeAlertState(body.AlertState)
	switch state {
	case structs.SmokeClear, structs.SmokeWarning, structs.SmokeEmergency:
	default:
		return nil, driver.Protocolf("unknown alert state %q", body.AlertState)
	}

	status := &structs.SmokeStatus{
		BatteryPct: body.BatteryPct,
		Online:     body.Online,
		AlertState: state,
	}
	if body.LastSelfTest > 0 {
		status.LastSelfTest = time.Unix(body.LastSelfTest, 0).UTC()
	}
	return status, nil
}

// Act supports self_test only.
func (d *Detector) Act(ctx context.Context, action string, _ map[string]any) (map[string]any, error) {
	if action != ActionSelfTest {
		return nil, driver.Unavailablef("detector does not support action %q", action)
	}
	if d.desc.ReadOnly {
		return nil, driver.Unavailablef("device %q is configured read-only", d.desc.ID)
	}

	if !d.cfg.Mock {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost,
			d.cfg.APIBase+"/v1/devices/"+d.cfg.DeviceUID+"/self_test", nil)
		if err != nil {
			return nil, driver.Protocolf("%v", err)
		}
		req.Header.Set("Authorization", "Bearer "+d.apiKey)
		resp, err := d.client.Do(req)
		if err != nil {
			return nil, driver.ClassifyNetErr(err)
		}
		resp.Body.Close()
		if resp.StatusCode == http.StatusConflict {
			return nil, driver.Unavailablef("detector busy")
		}
		if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusAccepted {
			return nil, driver.Protocolf("self test status %d", resp.StatusCode)
		}
	}

	now := time.Now().UTC()
	d.mu.Lock()
	d.lastSelfTest = now
	d.mu.Unlock()
	return map[string]any{"started_at": now.Format(time.RFC3339)}, nil
}

func (d *Detector) mockProbe() (structs.Payload, error) {
	rng := d.mock.Next()
	if d.cfg.MockFailEvery > 0 && d.mock.Count()%uint64(d.cfg.MockFailEvery) == 0 {
		return nil, driver.Transportf("mock detector unreachable")
	}

	state := structs.SmokeClear
	if d.cfg.MockAlertAfter > 0 {
		switch n := d.mock.Count(); {
		case n >= uint64(2*d.cfg.MockAlertAfter):
			state = structs.SmokeEmergency
		case n >= uint64(d.cfg.MockAlertAfter):
			state = structs.SmokeWarning
		}
	}

	d.mu.Lock()
	lastTest := d.lastSelfTest
	d.mu.Unlock()

	return &structs.SmokeStatus{
		BatteryPct:   95 - float64(d.mock.Count())/500 + rng.Float64(),
		Online:       true,
		LastSelfTest: lastTest,
		AlertState:   state,
	}, nil
}

// Describe lists the self test action.
func (d *Detector) Describe() *driver.Capabilities {
	caps := &driver.Capabilities{Controllable: !d.desc.ReadOnly}
	if caps.Controllable {
		caps.Actions = []driver.ActionSpec{
			{Name: ActionSelfTest, Description: "Trigger the detector self test"},
		}
	}
	return caps
}

// Close is idempotent.
func (d *Detector) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil
	}
	d.closed = true
	if d.client != nil {
		d.client.CloseIdleConnections()
	}
	return nil
}
