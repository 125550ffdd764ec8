// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

// Package camera implements the IP camera driver family: Tapo-style local
// cameras, Ring doorbell cameras, generic ONVIF units, USB webcams and the
// pet-camera variant. The vendor tag selects auth and capability details;
// the wire surface is the family's common local HTTP API.
package camera

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/hashicorp/go-hclog"
	lru "github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/hashicorp/argus/driver"
	"github.com/hashicorp/argus/drivers/shared/params"
	"github.com/hashicorp/argus/drivers/shared/synth"
	"github.com/hashicorp/argus/helper"
	"github.com/hashicorp/argus/structs"
)

// Vendor tags registered in the driver catalog.
const (
	VendorTapo   = "tapo_camera"
	VendorRing   = "ring_camera"
	VendorONVIF  = "onvif_camera"
	VendorWebcam = "webcam"
	VendorPet    = "pet_camera"
)

// Action names.
const (
	ActionPTZMove         = "ptz_move"
	ActionPTZPresetRecall = "ptz_preset_recall"
	ActionSnapshot        = "snapshot"
	ActionStreamURLGet    = "stream_url_get"
	ActionPrivacySet      = "privacy_set"
)

const (
	maxPTZDuration = 10 * time.Second
	snapshotTTL    = 30 * time.Second
	snapshotCache  = 8
)

var ptzDirections = map[string]bool{
	"up": true, "down": true, "left": true, "right": true, "home": true,
}

// Register adds the camera family's vendor tags to the driver catalog.
func Register() {
	for _, vendor := range []string{VendorTapo, VendorRing, VendorONVIF, VendorWebcam, VendorPet} {
		v := vendor
		driver.Register(v, func(cfg *driver.Config) (driver.Driver, error) {
			return New(v, cfg)
		})
	}
}

// Config is the camera entry's params submap.
type Config struct {
	Host       string `mapstructure:"host"`
	Port       int    `mapstructure:"port"`
	TLS        bool   `mapstructure:"tls"`
	Username   string `mapstructure:"username"`
	Credential string `mapstructure:"credential"`
	StreamPort int    `mapstructure:"stream_port"`
	Mock       bool   `mapstructure:"mock"`

	// MockFailEvery makes every Nth mock probe fail with a transport
	// cause, so demo fleets exercise the health machine. Zero disables.
	MockFailEvery int `mapstructure:"mock_fail_every"`
}

// Camera talks to one camera. Session state is guarded by mu; Probe and Act
// are additionally serialized per device by the scheduler.
type Camera struct {
	vendor   string
	desc     *structs.DeviceDescriptor
	cfg      Config
	logger   hclog.Logger
	client   *http.Client
	password string

	mu        sync.Mutex
	token     string
	privacyOn bool
	closed    bool

	snapshots *lru.LRU[string, snapshotBlob]
	mock      *synth.Source
}

type snapshotBlob struct {
	media string
	data  []byte
}

// New constructs a camera for one descriptor, resolving its credential
// reference up front.
func New(vendor string, dcfg *driver.Config) (driver.Driver, error) {
	var cfg Config
	if err := driver.DecodeParams(dcfg.Descriptor.Params, &cfg); err != nil {
		return nil, err
	}
	c := &Camera{
		vendor:    vendor,
		desc:      dcfg.Descriptor,
		cfg:       cfg,
		logger:    dcfg.Logger.Named("camera").With("device_id", dcfg.Descriptor.ID),
		snapshots: lru.NewLRU[string, snapshotBlob](snapshotCache, nil, snapshotTTL),
	}
	if cfg.Mock {
		c.mock = synth.New(dcfg.Descriptor.ID)
		return c, nil
	}

	if cfg.Host == "" {
		return nil, fmt.Errorf("camera %q: host is required", dcfg.Descriptor.ID)
	}
	if cfg.Port == 0 {
		cfg.Port = 443
		if !cfg.TLS {
			cfg.Port = 80
		}
		c.cfg.Port = cfg.Port
	}
	if cfg.Credential != "" {
		pw, err := dcfg.Secrets.Resolve(context.Background(), cfg.Credential)
		if err != nil {
			return nil, fmt.Errorf("camera %q: %w", dcfg.Descriptor.ID, err)
		}
		c.password = pw
	}
	c.client = &http.Client{
		Transport: &http.Transport{
			TLSClientConfig: &tls.Config{InsecureSkipVerify: true}, // cameras ship self-signed certs
		},
	}
	return c, nil
}

func (c *Camera) baseURL() string {
	scheme := "http"
	if c.cfg.TLS {
		scheme = "https"
	}
	return fmt.Sprintf("%s://%s:%d", scheme, c.cfg.Host, c.cfg.Port)
}

// Probe reads camera status. On an auth failure the session is
// re-established at most once; a second consecutive auth failure
// propagates.
func (c *Camera) Probe(ctx context.Context) (structs.Payload, error) {
	if c.cfg.Mock {
		return c.mockProbe()
	}

	status, err := c.fetchStatus(ctx)
	if derr, ok := err.(*driver.Error); ok && derr.Cause == structs.FailureAuth {
		if lerr := c.login(ctx); lerr != nil {
			return nil, lerr
		}
		status, err = c.fetchStatus(ctx)
	}
	if err != nil {
		return nil, err
	}
	return status, nil
}

func (c *Camera) fetchStatus(ctx context.Context) (*structs.CameraStatus, error) {
	c.mu.Lock()
	token := c.token
	c.mu.Unlock()
	if token == "" {
		return nil, driver.Authf("no session")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL()+"/api/status", nil)
	if err != nil {
		return nil, driver.Protocolf("%v", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, driver.ClassifyNetErr(err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return nil, driver.Authf("status %d from camera", resp.StatusCode)
	case resp.StatusCode != http.StatusOK:
		return nil, driver.Protocolf("unexpected status %d", resp.StatusCode)
	}

	var body struct {
		Online    bool   `json:"online"`
		Firmware  string `json:"firmware"`
		LastFrame int64  `json:"last_frame"`
		Privacy   bool   `json:"privacy"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, driver.Protocolf("decoding status: %v", err)
	}

	c.mu.Lock()
	c.privacyOn = body.Privacy
	c.mu.Unlock()

	status := &structs.CameraStatus{
		Online:    body.Online,
		Firmware:  body.Firmware,
		PrivacyOn: body.Privacy,
	}
	if body.LastFrame > 0 {
		status.LastFrame = time.Unix(body.LastFrame, 0).UTC()
	}
	return status, nil
}

func (c *Camera) login(ctx context.Context) error {
	payload, _ := json.Marshal(map[string]string{
		"username": c.cfg.Username,
		"password": c.password,
	})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.baseURL()+"/api/login", bytes.NewReader(payload))
	if err != nil {
		return driver.Protocolf("%v", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return driver.ClassifyNetErr(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return driver.Authf("credential rejected")
	}
	if resp.StatusCode != http.StatusOK {
		return driver.Protocolf("login status %d", resp.StatusCode)
	}

	var body struct {
		Token string `json:"token"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil || body.Token == "" {
		return driver.Protocolf("login response missing token")
	}

	c.mu.Lock()
	c.token = body.Token
	c.mu.Unlock()
	return nil
}

// Act dispatches one camera action.
func (c *Camera) Act(ctx context.Context, action string, args map[string]any) (map[string]any, error) {
	if c.desc.ReadOnly {
		return nil, driver.Unavailablef("device %q is configured read-only", c.desc.ID)
	}

	switch action {
	case ActionPTZMove:
		return c.ptzMove(ctx, args)
	case ActionPTZPresetRecall:
		return c.ptzPreset(ctx, args)
	case ActionSnapshot:
		return c.snapshot(ctx)
	case ActionStreamURLGet:
		return c.streamURL()
	case ActionPrivacySet:
		return c.privacySet(ctx, args)
	default:
		return nil, driver.Unavailablef("camera does not support action %q", action)
	}
}

func (c *Camera) ptzMove(ctx context.Context, args map[string]any) (map[string]any, error) {
	if !c.Describe().PTZ {
		return nil, driver.Unavailablef("%s does not support PTZ", c.vendor)
	}
	direction, _ := args["direction"].(string)
	if !ptzDirections[direction] {
		return nil, driver.Protocolf("invalid PTZ direction %q", direction)
	}
	speed := helper.ClampFloat(params.Float(args["speed"], 0.5), 0, 1)
	duration := helper.ClampDuration(
		time.Duration(params.Float(args["duration"], 1)*float64(time.Second)),
		0, maxPTZDuration)

	if c.cfg.Mock {
		return map[string]any{"direction": direction, "speed": speed,
			"duration_ms": duration.Milliseconds(), "mock": true}, nil
	}
	body := map[string]any{
		"direction":   direction,
		"speed":       speed,
		"duration_ms": duration.Milliseconds(),
	}
	if err := c.post(ctx, "/api/ptz", body); err != nil {
		return nil, err
	}
	return map[string]any{"direction": direction, "speed": speed,
		"duration_ms": duration.Milliseconds()}, nil
}

func (c *Camera) ptzPreset(ctx context.Context, args map[string]any) (map[string]any, error) {
	if !c.Describe().PTZ {
		return nil, driver.Unavailablef("%s does not support PTZ", c.vendor)
	}
	slot := int(params.Float(args["slot"], -1))
	if slot < 0 {
		return nil, driver.Protocolf("invalid preset slot")
	}
	if c.cfg.Mock {
		return map[string]any{"slot": slot, "mock": true}, nil
	}
	if err := c.post(ctx, "/api/ptz/preset", map[string]any{"slot": slot}); err != nil {
		return nil, err
	}
	return map[string]any{"slot": slot}, nil
}

func (c *Camera) snapshot(ctx context.Context) (map[string]any, error) {
	if blob, ok := c.snapshots.Get(c.desc.ID); ok {
		return map[string]any{"media_type": blob.media, "bytes": blob.data, "cached": true}, nil
	}

	var blob snapshotBlob
	if c.cfg.Mock {
		rng := synth.New(c.desc.ID + "/snap").Next()
		data := make([]byte, 256)
		rng.Read(data)
		blob = snapshotBlob{media: "image/jpeg", data: data}
	} else {
		c.mu.Lock()
		token := c.token
		c.mu.Unlock()
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL()+"/api/snapshot", nil)
		if err != nil {
			return nil, driver.Protocolf("%v", err)
		}
		req.Header.Set("Authorization", "Bearer "+token)
		resp, err := c.client.Do(req)
		if err != nil {
			return nil, driver.ClassifyNetErr(err)
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return nil, driver.Protocolf("snapshot status %d", resp.StatusCode)
		}
		data, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
		if err != nil {
			return nil, driver.ClassifyNetErr(err)
		}
		media := resp.Header.Get("Content-Type")
		if media == "" {
			media = "image/jpeg"
		}
		blob = snapshotBlob{media: media, data: data}
	}

	c.snapshots.Add(c.desc.ID, blob)
	return map[string]any{"media_type": blob.media, "bytes": blob.data}, nil
}

func (c *Camera) streamURL() (map[string]any, error) {
	if !c.Describe().Stream {
		return nil, driver.Unavailablef("%s does not expose a stream", c.vendor)
	}
	port := c.cfg.StreamPort
	if port == 0 {
		port = 554
	}
	host := c.cfg.Host
	if c.cfg.Mock {
		host = c.desc.ID + ".mock.local"
	}
	return map[string]any{
		"url": fmt.Sprintf("rtsp://%s:%d/stream1", host, port),
	}, nil
}

func (c *Camera) privacySet(ctx context.Context, args map[string]any) (map[string]any, error) {
	on, ok := params.Bool(args["on"])
	if !ok {
		return nil, driver.Protocolf("privacy_set requires boolean parameter \"on\"")
	}
	if !c.cfg.Mock {
		if err := c.post(ctx, "/api/privacy", map[string]any{"on": on}); err != nil {
			return nil, err
		}
	}
	c.mu.Lock()
	c.privacyOn = on
	c.mu.Unlock()
	return map[string]any{"privacy_on": on}, nil
}

func (c *Camera) post(ctx context.Context, path string, body map[string]any) error {
	c.mu.Lock()
	token := c.token
	c.mu.Unlock()

	payload, _ := json.Marshal(body)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL()+path, bytes.NewReader(payload))
	if err != nil {
		return driver.Protocolf("%v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := c.client.Do(req)
	if err != nil {
		return driver.ClassifyNetErr(err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return driver.Authf("status %d", resp.StatusCode)
	case resp.StatusCode == http.StatusConflict || resp.StatusCode == http.StatusLocked:
		return driver.Unavailablef("camera refused operation, status %d", resp.StatusCode)
	case resp.StatusCode != http.StatusOK:
		return driver.Protocolf("status %d", resp.StatusCode)
	}
	return nil
}

func (c *Camera) mockProbe() (structs.Payload, error) {
	rng := c.mock.Next()
	if c.cfg.MockFailEvery > 0 && c.mock.Count()%uint64(c.cfg.MockFailEvery) == 0 {
		return nil, driver.Transportf("mock camera unreachable")
	}
	c.mu.Lock()
	privacy := c.privacyOn
	c.mu.Unlock()
	return &structs.CameraStatus{
		Online:    true,
		Firmware:  fmt.Sprintf("1.%d.%d", 3+rng.Intn(2), rng.Intn(9)),
		LastFrame: time.Now().UTC().Add(-time.Duration(rng.Intn(3)) * time.Second),
		PrivacyOn: privacy,
	}, nil
}

// Describe reports the vendor-dependent capability set.
func (c *Camera) Describe() *driver.Capabilities {
	caps := &driver.Capabilities{
		Controllable: !c.desc.ReadOnly,
		PTZ:          c.vendor == VendorTapo || c.vendor == VendorONVIF || c.vendor == VendorPet,
		Stream:       c.vendor != VendorWebcam,
		Actions: []driver.ActionSpec{
			{Name: ActionSnapshot, Description: "Capture a still frame"},
			{Name: ActionStreamURLGet, Description: "Return the live stream URL"},
			{Name: ActionPrivacySet, Description: "Enable or disable the privacy shutter"},
		},
	}
	if caps.PTZ {
		caps.Actions = append(caps.Actions,
			driver.ActionSpec{Name: ActionPTZMove, Description: "Pan/tilt in a direction"},
			driver.ActionSpec{Name: ActionPTZPresetRecall, Description: "Recall a PTZ preset slot"},
		)
	}
	return caps
}

// Close drops the session token. Idempotent.
func (c *Camera) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	c.token = ""
	if c.client != nil {
		c.client.CloseIdleConnections()
	}
	return nil
}
