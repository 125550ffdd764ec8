// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/hashicorp/argus/driver"
	"github.com/hashicorp/argus/drivers/disabled"
	"github.com/hashicorp/argus/helper/testlog"
	"github.com/hashicorp/argus/secrets"
	"github.com/hashicorp/argus/structs"
)

func init() {
	driver.Register("cfgtest", func(cfg *driver.Config) (driver.Driver, error) {
		return nil, nil
	})
}

func writeConfig(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoad_Defaults(t *testing.T) {
	path := writeConfig(t, "argus.yaml", `
devices:
  - id: cam-1
    driver: cfgtest
    category: camera
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	require.Equal(t, 30*time.Second, cfg.DefaultInterval)
	require.Equal(t, 3, cfg.FailureThreshold)
	require.Equal(t, 10000, cfg.EventCapacity)
	require.Equal(t, 256, cfg.SubscriptionBuffer)
	require.Empty(t, cfg.Warnings)

	require.Len(t, cfg.Devices, 1)
	desc := cfg.Devices[0]
	require.Equal(t, "cam-1", desc.ID)
	require.Equal(t, "cam-1", desc.Label, "label defaults to the id")
	require.Equal(t, structs.CategoryCamera, desc.Category)
	require.Zero(t, desc.Interval, "absent interval defers to the scheduler default")
}

func TestLoad_AllKeys(t *testing.T) {
	path := writeConfig(t, "argus.yaml", `
scheduler:
  default_interval_seconds: 60
  failure_threshold: 5
event_store:
  capacity: 2000
  subscription_buffer: 64
logging:
  redaction_terms: [password, pin]
secrets:
  backends: ["env", "file:/etc/argus/secrets.yaml"]
alerts:
  power_ceiling_watts: 1800
devices:
  - id: plug-1
    driver: cfgtest
    category: plug
    label: Heater plug
    location: garage
    read_only: true
    interval_seconds: 10
    params:
      host: 10.0.0.8
      credential: PLUG_PASSWORD
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	require.Equal(t, time.Minute, cfg.DefaultInterval)
	require.Equal(t, 5, cfg.FailureThreshold)
	require.Equal(t, 2000, cfg.EventCapacity)
	require.Equal(t, 64, cfg.SubscriptionBuffer)
	require.Equal(t, []string{"password", "pin"}, cfg.RedactionTerms)
	require.Equal(t, []string{"env", "file:/etc/argus/secrets.yaml"}, cfg.SecretBackends)
	require.Equal(t, 1800.0, cfg.PowerCeilingWatts)

	desc := cfg.Devices[0]
	require.Equal(t, "Heater plug", desc.Label)
	require.Equal(t, "garage", desc.Location)
	require.True(t, desc.ReadOnly)
	require.Equal(t, 10*time.Second, desc.Interval)
	require.Equal(t, "10.0.0.8", desc.Params["host"])
}

func TestLoad_JSONByExtension(t *testing.T) {
	path := writeConfig(t, "argus.json", `{
		"scheduler": {"default_interval_seconds": 45},
		"devices": [
			{"id": "bulb-1", "driver": "cfgtest", "category": "bulb"}
		]
	}`)
	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, 45*time.Second, cfg.DefaultInterval)
	require.Len(t, cfg.Devices, 1)
}

func TestLoad_UnsupportedExtension(t *testing.T) {
	path := writeConfig(t, "argus.toml", `devices = []`)
	_, err := Load(path)
	require.Error(t, err)
	require.Contains(t, err.Error(), "unsupported extension")
}

func TestLoad_RejectsZeroCapacity(t *testing.T) {
	path := writeConfig(t, "argus.yaml", `
event_store:
  capacity: 0
`)
	_, err := Load(path)
	require.Error(t, err)
	require.Contains(t, err.Error(), "event_store.capacity")
}

func TestLoad_ClampsShortIntervals(t *testing.T) {
	path := writeConfig(t, "argus.yaml", `
scheduler:
  default_interval_seconds: 1
devices:
  - id: cam-1
    driver: cfgtest
    category: camera
    interval_seconds: 2
`)
	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, 5*time.Second, cfg.DefaultInterval)
	require.Equal(t, 5*time.Second, cfg.Devices[0].Interval)
	require.Len(t, cfg.Warnings, 2)
}

func TestLoad_AggregatesValidationErrors(t *testing.T) {
	path := writeConfig(t, "argus.yaml", `
scheduler:
  failure_threshold: 0
devices:
  - id: cam-1
    driver: cfgtest
    category: camera
  - id: cam-1
    driver: cfgtest
    category: camera
  - id: mystery-1
    driver: cfgtest
    category: submarine
  - driver: cfgtest
    category: camera
`)
	_, err := Load(path)
	require.Error(t, err)
	require.Contains(t, err.Error(), "failure_threshold")
	require.Contains(t, err.Error(), "duplicate id")
	require.Contains(t, err.Error(), "submarine")
	require.Contains(t, err.Error(), "missing id")
}

func prepareFixture(t *testing.T, entryYAML string) (*Config, *secrets.Sink) {
	t.Helper()
	path := writeConfig(t, "argus.yaml", "devices:\n"+entryYAML)
	cfg, err := Load(path)
	require.NoError(t, err)
	sink, err := secrets.NewSink([]string{"env"}, testlog.HCLogger(t))
	require.NoError(t, err)
	return cfg, sink
}

func TestPrepareDevices_UnknownDriver(t *testing.T) {
	cfg, sink := prepareFixture(t, `
  - id: cam-1
    driver: no_such_vendor
    category: camera
`)
	descs, events, err := cfg.PrepareDevices(context.Background(), sink, testlog.HCLogger(t))
	require.NoError(t, err)

	require.Len(t, descs, 1)
	require.Equal(t, disabled.Name, descs[0].Driver)
	require.True(t, descs[0].ReadOnly)
	require.Contains(t, descs[0].Params[disabled.ReasonParam], "no_such_vendor")

	require.Len(t, events, 1)
	require.Equal(t, structs.SeverityAlarm, events[0].Severity)
	require.Equal(t, "cam-1", events[0].Source)
}

func TestPrepareDevices_UnresolvedCredential(t *testing.T) {
	cfg, sink := prepareFixture(t, `
  - id: cam-1
    driver: cfgtest
    category: camera
    params:
      credential: ARGUS_TEST_MISSING_PASSWORD
`)
	descs, events, err := cfg.PrepareDevices(context.Background(), sink, testlog.HCLogger(t))
	require.NoError(t, err)

	require.Equal(t, disabled.Name, descs[0].Driver)
	require.Len(t, events, 1)
	require.Contains(t, events[0].Message, "ARGUS_TEST_MISSING_PASSWORD")
}

func TestPrepareDevices_ResolvedCredentialPassesThrough(t *testing.T) {
	t.Setenv("ARGUS_TEST_CAM_PASSWORD", "hunter2")
	cfg, sink := prepareFixture(t, `
  - id: cam-1
    driver: cfgtest
    category: camera
    params:
      credential: ARGUS_TEST_CAM_PASSWORD
`)
	descs, events, err := cfg.PrepareDevices(context.Background(), sink, testlog.HCLogger(t))
	require.NoError(t, err)
	require.Empty(t, events)
	require.Equal(t, "cfgtest", descs[0].Driver)
}

func TestPrepareDevices_MockSkipsResolution(t *testing.T) {
	cfg, sink := prepareFixture(t, `
  - id: cam-1
    driver: cfgtest
    category: camera
    params:
      mock: true
      credential: ARGUS_TEST_MISSING_PASSWORD
`)
	descs, events, err := cfg.PrepareDevices(context.Background(), sink, testlog.HCLogger(t))
	require.NoError(t, err)
	require.Empty(t, events)
	require.Equal(t, "cfgtest", descs[0].Driver)
}

func TestPrepareDevices_BackendErrorAborts(t *testing.T) {
	cfg, _ := prepareFixture(t, `
  - id: cam-1
    driver: cfgtest
    category: camera
    params:
      credential: SOME_PASSWORD
`)
	sink, err := secrets.NewSink(
		[]string{"file:" + filepath.Join(t.TempDir(), "missing.yaml")},
		testlog.HCLogger(t))
	require.NoError(t, err)

	_, _, err = cfg.PrepareDevices(context.Background(), sink, testlog.HCLogger(t))
	require.Error(t, err)
	require.Contains(t, err.Error(), "cam-1")
}
