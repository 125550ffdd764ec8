// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package structs

import "time"

// Gauge names advertised by drivers and recognized by the metrics exporter.
const (
	GaugePlugPowerWatts    = "plug_power_watts"
	GaugeSensorTemperature = "sensor_temperature_celsius"
	GaugeSensorCO2         = "sensor_co2_ppm"
	GaugeSensorHumidity    = "sensor_humidity_percent"
	GaugeRobotBattery      = "robot_battery_percent"
)

// CameraStatus is the probe payload of the camera driver family.
type CameraStatus struct {
	Online    bool      `json:"online"`
	Firmware  string    `json:"firmware,omitempty"`
	LastFrame time.Time `json:"last_frame,omitempty"`
	PrivacyOn bool      `json:"privacy_on"`
}

func (*CameraStatus) Kind() string      { return "camera" }
func (*CameraStatus) Samples() []Sample { return nil }

// PlugStatus is the probe payload of the smart plug driver.
type PlugStatus struct {
	On       bool    `json:"on"`
	PowerW   float64 `json:"power_w"`
	EnergyWh float64 `json:"energy_wh"`
	Voltage  float64 `json:"voltage"`
	Current  float64 `json:"current"`
}

func (*PlugStatus) Kind() string { return "plug" }

func (p *PlugStatus) Samples() []Sample {
	return []Sample{{Name: GaugePlugPowerWatts, Value: p.PowerW}}
}

// BulbStatus is the probe payload of the lighting driver.
type BulbStatus struct {
	Reachable  bool   `json:"reachable"`
	On         bool   `json:"on"`
	Brightness int    `json:"brightness"` // 0-100
	ColorMode  string `json:"color_mode"` // "rgb" or "ct"
	RGB        [3]int `json:"rgb,omitempty"`
	ColorTempK int    `json:"color_temp_k,omitempty"`
}

func (*BulbStatus) Kind() string      { return "bulb" }
func (*BulbStatus) Samples() []Sample { return nil }

// EnvMeasurements is one weather station module's readings. Nil fields were
// not reported by the module.
type EnvMeasurements struct {
	TemperatureC *float64 `json:"temperature_c,omitempty"`
	HumidityPct  *float64 `json:"humidity_pct,omitempty"`
	CO2PPM       *float64 `json:"co2_ppm,omitempty"`
	PressureHPa  *float64 `json:"pressure_hpa,omitempty"`
	NoiseDB      *float64 `json:"noise_db,omitempty"`
}

// EnvReport is the probe payload of the environmental sensor driver, keyed
// by module name.
type EnvReport struct {
	Modules map[string]EnvMeasurements `json:"modules"`
}

func (*EnvReport) Kind() string { return "sensor_env" }

func (e *EnvReport) Samples() []Sample {
	var out []Sample
	for module, m := range e.Modules {
		labels := map[string]string{"module": module}
		if m.TemperatureC != nil {
			out = append(out, Sample{Name: GaugeSensorTemperature, Value: *m.TemperatureC, Labels: labels})
		}
		if m.CO2PPM != nil {
			out = append(out, Sample{Name: GaugeSensorCO2, Value: *m.CO2PPM, Labels: labels})
		}
		if m.HumidityPct != nil {
			out = append(out, Sample{Name: GaugeSensorHumidity, Value: *m.HumidityPct, Labels: labels})
		}
	}
	return out
}

// MaxCO2 returns the highest CO2 reading across modules, or false when no
// module reported one.
func (e *EnvReport) MaxCO2() (float64, bool) {
	var max float64
	found := false
	for _, m := range e.Modules {
		if m.CO2PPM != nil && (!found || *m.CO2PPM > max) {
			max = *m.CO2PPM
			found = true
		}
	}
	return max, found
}

// SmokeAlertState is the detector's own alert level.
type SmokeAlertState string

const (
	SmokeClear     SmokeAlertState = "clear"
	SmokeWarning   SmokeAlertState = "warning"
	SmokeEmergency SmokeAlertState = "emergency"
)

// SmokeStatus is the probe payload of the smoke/CO detector driver.
type SmokeStatus struct {
	BatteryPct   float64         `json:"battery_pct"`
	Online       bool            `json:"online"`
	LastSelfTest time.Time       `json:"last_self_test,omitempty"`
	AlertState   SmokeAlertState `json:"alert_state"`
}

func (*SmokeStatus) Kind() string      { return "sensor_smoke" }
func (*SmokeStatus) Samples() []Sample { return nil }

// RobotMotion is the robot's coarse motion state.
type RobotMotion string

const (
	RobotIdle       RobotMotion = "idle"
	RobotMoving     RobotMotion = "moving"
	RobotDocking    RobotMotion = "docking"
	RobotPatrolling RobotMotion = "patrolling"
	RobotCharging   RobotMotion = "charging"
	RobotError      RobotMotion = "error"
)

// RobotStatus is the probe payload of the robot driver.
type RobotStatus struct {
	X          float64     `json:"x"`
	Y          float64     `json:"y"`
	HeadingDeg float64     `json:"heading_deg"`
	BatteryPct float64     `json:"battery_pct"`
	Motion     RobotMotion `json:"motion"`
}

func (*RobotStatus) Kind() string { return "robot" }

func (r *RobotStatus) Samples() []Sample {
	return []Sample{{Name: GaugeRobotBattery, Value: r.BatteryPct}}
}
