// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

// Package plug implements the smart plug driver for Tapo/Kasa style energy
// monitoring plugs speaking the local HTTP API.
package plug

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"

	"github.com/hashicorp/go-hclog"

	"github.com/hashicorp/argus/driver"
	"github.com/hashicorp/argus/drivers/shared/params"
	"github.com/hashicorp/argus/drivers/shared/synth"
	"github.com/hashicorp/argus/structs"
)

// Name is the driver tag.
const Name = "smart_plug"

// ActionPowerSet switches the relay on or off.
const ActionPowerSet = "power_set"

// Register adds the plug driver to the catalog.
func Register() {
	driver.Register(Name, New)
}

// Config is the plug entry's params submap.
type Config struct {
	Host       string `mapstructure:"host"`
	Port       int    `mapstructure:"port"`
	Username   string `mapstructure:"username"`
	Credential string `mapstructure:"credential"`
	Mock       bool   `mapstructure:"mock"`

	// EnergyCeilingWatts overrides the fleet-wide energy alert ceiling
	// for this plug. Zero uses the global setting.
	EnergyCeilingWatts float64 `mapstructure:"energy_ceiling_watts"`

	MockFailEvery int `mapstructure:"mock_fail_every"`
}

// Plug drives one smart plug.
type Plug struct {
	desc     *structs.DeviceDescriptor
	cfg      Config
	logger   hclog.Logger
	client   *http.Client
	password string

	mu     sync.Mutex
	on     bool
	closed bool
	mock   *synth.Source
}

// New constructs a plug driver.
func New(dcfg *driver.Config) (driver.Driver, error) {
	var cfg Config
	if err := driver.DecodeParams(dcfg.Descriptor.Params, &cfg); err != nil {
		return nil, err
	}
	p := &Plug{
		desc:   dcfg.Descriptor,
		cfg:    cfg,
		logger: dcfg.Logger.Named("plug").With("device_id", dcfg.Descriptor.ID),
	}
	if cfg.Mock {
		p.mock = synth.New(dcfg.Descriptor.ID)
		p.on = true
		return p, nil
	}
	if cfg.Host == "" {
		return nil, fmt.Errorf("plug %q: host is required", dcfg.Descriptor.ID)
	}
	if cfg.Port == 0 {
		p.cfg.Port = 80
	}
	if cfg.Credential != "" {
		pw, err := dcfg.Secrets.Resolve(context.Background(), cfg.Credential)
		if err != nil {
			return nil, fmt.Errorf("plug %q: %w", dcfg.Descriptor.ID, err)
		}
		p.password = pw
	}
	p.client = &http.Client{}
	return p, nil
}

// Probe reads relay state and energy counters.
func (p *Plug) Probe(ctx context.Context) (structs.Payload, error) {
	if p.cfg.Mock {
		return p.mockProbe()
	}

	var body struct {
		On       bool    `json:"device_on"`
		PowerMW  float64 `json:"current_power_mw"`
		EnergyWh float64 `json:"energy_wh"`
		Voltage  float64 `json:"voltage_mv"`
		Current  float64 `json:"current_ma"`
	}
	if err := p.call(ctx, "get_energy_usage", nil, &body); err != nil {
		return nil, err
	}

	p.mu.Lock()
	p.on = body.On
	p.mu.Unlock()

	return &structs.PlugStatus{
		On:       body.On,
		PowerW:   body.PowerMW / 1000,
		EnergyWh: body.EnergyWh,
		Voltage:  body.Voltage / 1000,
		Current:  body.Current / 1000,
	}, nil
}

// Act supports power_set unless the descriptor marks the plug read-only.
func (p *Plug) Act(ctx context.Context, action string, args map[string]any) (map[string]any, error) {
	if action != ActionPowerSet {
		return nil, driver.Unavailablef("plug does not support action %q", action)
	}
	if p.desc.ReadOnly {
		return nil, driver.Unavailablef("device %q is configured read-only; power_set is disabled by policy", p.desc.ID)
	}
	on, ok := params.Bool(args["on"])
	if !ok {
		return nil, driver.Protocolf("power_set requires boolean parameter \"on\"")
	}

	if !p.cfg.Mock {
		if err := p.call(ctx, "set_device_info", map[string]any{"device_on": on}, nil); err != nil {
			return nil, err
		}
	}
	p.mu.Lock()
	p.on = on
	p.mu.Unlock()
	return map[string]any{"on": on}, nil
}

// call issues one method against the plug's local API.
func (p *Plug) call(ctx context.Context, method string, msgParams map[string]any, out any) error {
	reqBody, _ := json.Marshal(map[string]any{
		"method": method,
		"params": msgParams,
	})
	url := fmt.Sprintf("http://%s:%d/app", p.cfg.Host, p.cfg.Port)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(reqBody))
	if err != nil {
		return driver.Protocolf("%v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.SetBasicAuth(p.cfg.Username, p.password)

	resp, err := p.client.Do(req)
	if err != nil {
		return driver.ClassifyNetErr(err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return driver.Authf("plug rejected credential, status %d", resp.StatusCode)
	case resp.StatusCode == http.StatusConflict:
		return driver.Unavailablef("plug busy, status %d", resp.StatusCode)
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

func (p *Plug) mockProbe() (structs.Payload, error) {
	rng := p.mock.Next()
	if p.cfg.MockFailEvery > 0 && p.mock.Count()%uint64(p.cfg.MockFailEvery) == 0 {
		return nil, driver.Transportf("mock plug unreachable")
	}
	p.mu.Lock()
	on := p.on
	p.mu.Unlock()

	power := 0.0
	if on {
		power = p.mock.Wave(40, 180, 48) + rng.Float64()*5
	}
	return &structs.PlugStatus{
		On:       on,
		PowerW:   power,
		EnergyWh: float64(p.mock.Count()) * 1.3,
		Voltage:  229 + rng.Float64()*3,
		Current:  power / 230,
	}, nil
}

// Describe advertises the power gauge and the single action.
func (p *Plug) Describe() *driver.Capabilities {
	caps := &driver.Capabilities{
		Controllable: !p.desc.ReadOnly,
		Gauges:       []string{structs.GaugePlugPowerWatts},
	}
	if !p.desc.ReadOnly {
		caps.Actions = []driver.ActionSpec{
			{Name: ActionPowerSet, Description: "Switch the relay on or off"},
		}
	}
	return caps
}

// EnergyCeiling returns the per-device ceiling override, zero when unset.
func (p *Plug) EnergyCeiling() float64 { return p.cfg.EnergyCeilingWatts }

// Close is idempotent.
func (p *Plug) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	p.closed = true
	if p.client != nil {
		p.client.CloseIdleConnections()
	}
	return nil
}
