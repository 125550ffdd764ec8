// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

// Package bulb implements the lighting driver for Hue-style bridged bulbs
// and groups. Fields the caller does not supply in light_set are preserved
// from the bulb's current state.
package bulb

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"math"
	"net/http"
	"sync"

	"github.com/hashicorp/go-hclog"

	"github.com/hashicorp/argus/driver"
	"github.com/hashicorp/argus/drivers/shared/params"
	"github.com/hashicorp/argus/drivers/shared/synth"
	"github.com/hashicorp/argus/helper"
	"github.com/hashicorp/argus/structs"
)

// Name is the driver tag.
const Name = "light"

// Action names.
const (
	ActionLightSet    = "light_set"
	ActionSceneRecall = "scene_recall"
	ActionGroupSet    = "group_set"
)

// Register adds the lighting driver to the catalog.
func Register() {
	driver.Register(Name, New)
}

// Config is the bulb entry's params submap.
type Config struct {
	Host       string `mapstructure:"host"`
	Port       int    `mapstructure:"port"`
	Credential string `mapstructure:"credential"` // bridge API key reference
	LightID    string `mapstructure:"light_id"`
	Mock       bool   `mapstructure:"mock"`

	MockFailEvery int `mapstructure:"mock_fail_every"`
}

// Bulb drives one light through its bridge.
type Bulb struct {
	desc   *structs.DeviceDescriptor
	cfg    Config
	logger hclog.Logger
	client *http.Client
	apiKey string

	mu     sync.Mutex
	state  structs.BulbStatus
	closed bool
	mock   *synth.Source
}

// New constructs a lighting driver.
func New(dcfg *driver.Config) (driver.Driver, error) {
	var cfg Config
	if err := driver.DecodeParams(dcfg.Descriptor.Params, &cfg); err != nil {
		return nil, err
	}
	b := &Bulb{
		desc:   dcfg.Descriptor,
		cfg:    cfg,
		logger: dcfg.Logger.Named("bulb").With("device_id", dcfg.Descriptor.ID),
		state: structs.BulbStatus{
			Reachable:  true,
			Brightness: 100,
			ColorMode:  "ct",
			ColorTempK: 2700,
		},
	}
	if cfg.Mock {
		b.mock = synth.New(dcfg.Descriptor.ID)
		b.state.On = true
		return b, nil
	}
	if cfg.Host == "" {
		return nil, fmt.Errorf("bulb %q: host is required", dcfg.Descriptor.ID)
	}
	if cfg.Port == 0 {
		b.cfg.Port = 80
	}
	if cfg.LightID == "" {
		b.cfg.LightID = "1"
	}
	if cfg.Credential != "" {
		key, err := dcfg.Secrets.Resolve(context.Background(), cfg.Credential)
		if err != nil {
			return nil, fmt.Errorf("bulb %q: %w", dcfg.Descriptor.ID, err)
		}
		b.apiKey = key
	}
	b.client = &http.Client{}
	return b, nil
}

// xyToRGB converts a CIE xy chromaticity plus relative brightness (0-1)
// into 8-bit sRGB, using the Wide RGB D65 matrix the bridge vendors
// document for their gamuts.
func xyToRGB(x, y, bri float64) [3]int {
	if y <= 0 {
		return [3]int{}
	}
	yy := bri
	xx := (yy / y) * x
	zz := (yy / y) * (1 - x - y)

	r := xx*1.656492 - yy*0.354851 - zz*0.255038
	g := -xx*0.707196 + yy*1.655397 + zz*0.036152
	bl := xx*0.051713 - yy*0.121364 + zz*1.011530

	gamma := func(v float64) float64 {
		if v <= 0.0031308 {
			return 12.92 * v
		}
		return 1.055*math.Pow(v, 1/2.4) - 0.055
	}
	return [3]int{
		int(helper.ClampFloat(gamma(r), 0, 1) * 255),
		int(helper.ClampFloat(gamma(g), 0, 1) * 255),
		int(helper.ClampFloat(gamma(bl), 0, 1) * 255),
	}
}

func (b *Bulb) lightURL(suffix string) string {
	return fmt.Sprintf("http://%s:%d/api/%s/lights/%s%s",
		b.cfg.Host, b.cfg.Port, b.apiKey, b.cfg.LightID, suffix)
}

// Probe reads the light's current state from the bridge.
func (b *Bulb) Probe(ctx context.Context) (structs.Payload, error) {
	if b.cfg.Mock {
		return b.mockProbe()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, b.lightURL(""), nil)
	if err != nil {
		return nil, driver.Protocolf("%v", err)
	}
	resp, err := b.client.Do(req)
	if err != nil {
		return nil, driver.ClassifyNetErr(err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return nil, driver.Authf("bridge rejected api key, status %d", resp.StatusCode)
	case resp.StatusCode != http.StatusOK:
		return nil, driver.Protocolf("unexpected status %d", resp.StatusCode)
	}

	var body struct {
		State struct {
			On        bool      `json:"on"`
			Bri       int       `json:"bri"` // 1-254 bridge scale
			CT        int       `json:"ct"`  // mireds
			ColorMode string    `json:"colormode"`
			XY        []float64 `json:"xy"`
			Reachable bool      `json:"reachable"`
		} `json:"state"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, driver.Protocolf("decoding light state: %v", err)
	}

	status := structs.BulbStatus{
		Reachable:  body.State.Reachable,
		On:         body.State.On,
		Brightness: int(float64(body.State.Bri) / 254 * 100),
		ColorMode:  "ct",
	}
	if body.State.CT > 0 {
		status.ColorTempK = 1000000 / body.State.CT
	}
	if body.State.ColorMode == "xy" && len(body.State.XY) == 2 {
		status.ColorMode = "rgb"
		status.RGB = xyToRGB(body.State.XY[0], body.State.XY[1], float64(body.State.Bri)/254)
	}

	b.mu.Lock()
	b.state = status
	b.mu.Unlock()
	return &status, nil
}

// Act dispatches one lighting action.
func (b *Bulb) Act(ctx context.Context, action string, args map[string]any) (map[string]any, error) {
	if b.desc.ReadOnly {
		return nil, driver.Unavailablef("device %q is configured read-only", b.desc.ID)
	}
	switch action {
	case ActionLightSet:
		return b.lightSet(ctx, args)
	case ActionSceneRecall:
		return b.sceneRecall(ctx, args)
	case ActionGroupSet:
		return b.groupSet(ctx, args)
	default:
		return nil, driver.Unavailablef("light does not support action %q", action)
	}
}

// lightSet applies the supplied fields and preserves the rest of the
// current state.
func (b *Bulb) lightSet(ctx context.Context, args map[string]any) (map[string]any, error) {
	b.mu.Lock()
	next := b.state
	b.mu.Unlock()

	if v, ok := params.Bool(args["on"]); ok {
		next.On = v
	}
	if v, present := args["brightness"]; present {
		next.Brightness = int(helper.ClampFloat(params.Float(v, float64(next.Brightness)), 0, 100))
	}
	if v := params.String(args["color"]); v != "" {
		next.ColorMode = "rgb"
		var r, g, bl int
		if _, err := fmt.Sscanf(v, "#%02x%02x%02x", &r, &g, &bl); err != nil {
			return nil, driver.Protocolf("color must be #rrggbb, got %q", v)
		}
		next.RGB = [3]int{r, g, bl}
	}
	if v, present := args["color_temp_k"]; present {
		next.ColorMode = "ct"
		next.ColorTempK = int(helper.ClampFloat(params.Float(v, float64(next.ColorTempK)), 2000, 6500))
	}

	if !b.cfg.Mock {
		body := map[string]any{
			"on":  next.On,
			"bri": int(float64(next.Brightness) / 100 * 254),
		}
		if next.ColorMode == "ct" && next.ColorTempK > 0 {
			body["ct"] = 1000000 / next.ColorTempK
		}
		if err := b.put(ctx, b.lightURL("/state"), body); err != nil {
			return nil, err
		}
	}

	b.mu.Lock()
	b.state = next
	b.mu.Unlock()
	return map[string]any{
		"on":         next.On,
		"brightness": next.Brightness,
		"color_mode": next.ColorMode,
	}, nil
}

func (b *Bulb) sceneRecall(ctx context.Context, args map[string]any) (map[string]any, error) {
	name := params.String(args["name"])
	if name == "" {
		return nil, driver.Protocolf("scene_recall requires parameter \"name\"")
	}
	if !b.cfg.Mock {
		url := fmt.Sprintf("http://%s:%d/api/%s/groups/0/action", b.cfg.Host, b.cfg.Port, b.apiKey)
		if err := b.put(ctx, url, map[string]any{"scene": name}); err != nil {
			return nil, err
		}
	}
	return map[string]any{"scene": name}, nil
}

func (b *Bulb) groupSet(ctx context.Context, args map[string]any) (map[string]any, error) {
	groupID := params.String(args["group_id"])
	if groupID == "" {
		return nil, driver.Protocolf("group_set requires parameter \"group_id\"")
	}
	body := map[string]any{}
	if v, ok := params.Bool(args["on"]); ok {
		body["on"] = v
	}
	if v, present := args["brightness"]; present {
		body["bri"] = int(helper.ClampFloat(params.Float(v, 100), 0, 100) / 100 * 254)
	}
	if !b.cfg.Mock {
		url := fmt.Sprintf("http://%s:%d/api/%s/groups/%s/action", b.cfg.Host, b.cfg.Port, b.apiKey, groupID)
		if err := b.put(ctx, url, body); err != nil {
			return nil, err
		}
	}
	return map[string]any{"group_id": groupID}, nil
}

func (b *Bulb) put(ctx context.Context, url string, body map[string]any) error {
	payload, _ := json.Marshal(body)
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, url, bytes.NewReader(payload))
	if err != nil {
		return driver.Protocolf("%v", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := b.client.Do(req)
	if err != nil {
		return driver.ClassifyNetErr(err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return driver.Authf("bridge rejected api key, status %d", resp.StatusCode)
	case resp.StatusCode != http.StatusOK:
		return driver.Protocolf("unexpected status %d", resp.StatusCode)
	}
	return nil
}

func (b *Bulb) mockProbe() (structs.Payload, error) {
	b.mock.Next()
	if b.cfg.MockFailEvery > 0 && b.mock.Count()%uint64(b.cfg.MockFailEvery) == 0 {
		return nil, driver.Transportf("mock bridge unreachable")
	}
	b.mu.Lock()
	status := b.state
	b.mu.Unlock()
	return &status, nil
}

// Describe lists the lighting actions.
func (b *Bulb) Describe() *driver.Capabilities {
	caps := &driver.Capabilities{Controllable: !b.desc.ReadOnly}
	if caps.Controllable {
		caps.Actions = []driver.ActionSpec{
			{Name: ActionLightSet, Description: "Set on/off, brightness, color; unsupplied fields are preserved"},
			{Name: ActionSceneRecall, Description: "Recall a named scene"},
			{Name: ActionGroupSet, Description: "Apply settings to a light group"},
		}
	}
	return caps
}

// Close is idempotent.
func (b *Bulb) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	if b.client != nil {
		b.client.CloseIdleConnections()
	}
	return nil
}
