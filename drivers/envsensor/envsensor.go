// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

// Package envsensor implements the weather station driver (Netatmo style).
// Stations are cloud backed: the driver holds an OAuth refresh token and
// renews its access token internally; a failed renewal surfaces as an
// auth-classified probe failure, never as scheduler machinery.
package envsensor

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/go-hclog"

	"github.com/hashicorp/argus/driver"
	"github.com/hashicorp/argus/drivers/shared/synth"
	"github.com/hashicorp/argus/structs"
)

// Name is the driver tag.
const Name = "weather_station"

// oauthTimeout bounds one token refresh call.
const oauthTimeout = 60 * time.Second

// Register adds the weather station driver to the catalog.
func Register() {
	driver.Register(Name, New)
}

// Config is the station entry's params submap.
type Config struct {
	APIBase    string `mapstructure:"api_base"`
	ClientID   string `mapstructure:"client_id"`
	Credential string `mapstructure:"credential"` // refresh token reference
	StationID  string `mapstructure:"station_id"`
	Mock       bool   `mapstructure:"mock"`

	MockFailEvery int `mapstructure:"mock_fail_every"`
}

// Station drives one weather station. Read-only: no actions.
type Station struct {
	desc         *structs.DeviceDescriptor
	cfg          Config
	logger       hclog.Logger
	client       *http.Client
	refreshToken string

	mu          sync.Mutex
	accessToken string
	tokenExpiry time.Time
	closed      bool
	mock        *synth.Source
}

// New constructs a station driver.
func New(dcfg *driver.Config) (driver.Driver, error) {
	var cfg Config
	if err := driver.DecodeParams(dcfg.Descriptor.Params, &cfg); err != nil {
		return nil, err
	}
	s := &Station{
		desc:   dcfg.Descriptor,
		cfg:    cfg,
		logger: dcfg.Logger.Named("envsensor").With("device_id", dcfg.Descriptor.ID),
	}
	if cfg.Mock {
		s.mock = synth.New(dcfg.Descriptor.ID)
		return s, nil
	}
	if cfg.APIBase == "" {
		s.cfg.APIBase = "https://api.netatmo.com"
	}
	if cfg.Credential == "" {
		return nil, fmt.Errorf("station %q: credential reference is required", dcfg.Descriptor.ID)
	}
	token, err := dcfg.Secrets.Resolve(context.Background(), cfg.Credential)
	if err != nil {
		return nil, fmt.Errorf("station %q: %w", dcfg.Descriptor.ID, err)
	}
	s.refreshToken = token
	s.client = &http.Client{}
	return s, nil
}

// Probe fetches the per-module measurements.
func (s *Station) Probe(ctx context.Context) (structs.Payload, error) {
	if s.cfg.Mock {
		return s.mockProbe()
	}

	token, err := s.token(ctx)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		s.cfg.APIBase+"/api/getstationsdata?device_id="+url.QueryEscape(s.cfg.StationID), nil)
	if err != nil {
		return nil, driver.Protocolf("%v", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, driver.ClassifyNetErr(err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		s.mu.Lock()
		s.accessToken = "" // force a refresh next probe
		s.mu.Unlock()
		return nil, driver.Authf("station API rejected token, status %d", resp.StatusCode)
	case resp.StatusCode != http.StatusOK:
		return nil, driver.Protocolf("unexpected status %d", resp.StatusCode)
	}

	var body struct {
		Body struct {
			Devices []struct {
				ModuleName string             `json:"module_name"`
				Dashboard  map[string]float64 `json:"dashboard_data"`
				Modules    []struct {
					ModuleName string             `json:"module_name"`
					Dashboard  map[string]float64 `json:"dashboard_data"`
				} `json:"modules"`
			} `json:"devices"`
		} `json:"body"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, driver.Protocolf("decoding station data: %v", err)
	}
	if len(body.Body.Devices) == 0 {
		return nil, driver.Protocolf("station data contains no devices")
	}

	report := &structs.EnvReport{Modules: map[string]structs.EnvMeasurements{}}
	dev := body.Body.Devices[0]
	report.Modules[moduleName(dev.ModuleName, "indoor")] = toMeasurements(dev.Dashboard)
	for i, mod := range dev.Modules {
		report.Modules[moduleName(mod.ModuleName, fmt.Sprintf("module_%d", i+1))] = toMeasurements(mod.Dashboard)
	}
	return report, nil
}

func moduleName(name, fallback string) string {
	if name == "" {
		return fallback
	}
	return strings.ToLower(strings.ReplaceAll(name, " ", "_"))
}

func toMeasurements(dashboard map[string]float64) structs.EnvMeasurements {
	var m structs.EnvMeasurements
	if v, ok := dashboard["Temperature"]; ok {
		m.TemperatureC = &v
	}
	if v, ok := dashboard["Humidity"]; ok {
		m.HumidityPct = &v
	}
	if v, ok := dashboard["CO2"]; ok {
		m.CO2PPM = &v
	}
	if v, ok := dashboard["Pressure"]; ok {
		m.PressureHPa = &v
	}
	if v, ok := dashboard["Noise"]; ok {
		m.NoiseDB = &v
	}
	return m
}

// token returns a live access token, refreshing through OAuth when the
// cached one is missing or stale.
func (s *Station) token(ctx context.Context) (string, error) {
	s.mu.Lock()
	if s.accessToken != "" && time.Now().Before(s.tokenExpiry) {
		token := s.accessToken
		s.mu.Unlock()
		return token, nil
	}
	s.mu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, oauthTimeout)
	defer cancel()

	form := url.Values{
		"grant_type":    {"refresh_token"},
		"refresh_token": {s.refreshToken},
		"client_id":     {s.cfg.ClientID},
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		s.cfg.APIBase+"/oauth2/token", strings.NewReader(form.Encode()))
	if err != nil {
		return "", driver.Protocolf("%v", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := s.client.Do(req)
	if err != nil {
		return "", driver.ClassifyNetErr(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusBadRequest {
		return "", driver.Authf("OAuth refresh rejected, status %d", resp.StatusCode)
	}
	if resp.StatusCode != http.StatusOK {
		return "", driver.Protocolf("OAuth refresh status %d", resp.StatusCode)
	}

	var body struct {
		AccessToken string `json:"access_token"`
		ExpiresIn   int    `json:"expires_in"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil || body.AccessToken == "" {
		return "", driver.Protocolf("OAuth response missing access token")
	}

	s.mu.Lock()
	s.accessToken = body.AccessToken
	s.tokenExpiry = time.Now().Add(time.Duration(body.ExpiresIn) * time.Second).Add(-time.Minute)
	s.mu.Unlock()
	return body.AccessToken, nil
}

// Act always fails: weather stations are read-only.
func (s *Station) Act(_ context.Context, action string, _ map[string]any) (map[string]any, error) {
	return nil, driver.Unavailablef("weather station is read-only; action %q is not supported", action)
}

func (s *Station) mockProbe() (structs.Payload, error) {
	rng := s.mock.Next()
	if s.cfg.MockFailEvery > 0 && s.mock.Count()%uint64(s.cfg.MockFailEvery) == 0 {
		return nil, driver.Transportf("mock station unreachable")
	}

	temp := s.mock.Wave(19, 23, 96) + rng.Float64()*0.3
	hum := s.mock.Wave(38, 55, 72)
	co2 := s.mock.Wave(480, 780, 60) + rng.Float64()*20
	press := 1013.0 + rng.Float64()*4
	noise := 34 + rng.Float64()*6

	outTemp := s.mock.Wave(4, 16, 120)
	outHum := s.mock.Wave(55, 85, 80)

	return &structs.EnvReport{Modules: map[string]structs.EnvMeasurements{
		"indoor": {
			TemperatureC: &temp,
			HumidityPct:  &hum,
			CO2PPM:       &co2,
			PressureHPa:  &press,
			NoiseDB:      &noise,
		},
		"outdoor": {
			TemperatureC: &outTemp,
			HumidityPct:  &outHum,
		},
	}}, nil
}

// Describe advertises the environmental gauges; no actions.
func (s *Station) Describe() *driver.Capabilities {
	return &driver.Capabilities{
		Controllable: false,
		Gauges: []string{
			structs.GaugeSensorTemperature,
			structs.GaugeSensorCO2,
			structs.GaugeSensorHumidity,
		},
	}
}

// Close drops cached tokens. Idempotent.
func (s *Station) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	s.accessToken = ""
	if s.client != nil {
		s.client.CloseIdleConnections()
	}
	return nil
}
