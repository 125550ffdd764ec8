// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package tools

import (
	"context"

	"github.com/hashicorp/argus/driver"
	"github.com/hashicorp/argus/registry"
	"github.com/hashicorp/argus/scheduler"
	"github.com/hashicorp/argus/structs"
)

// Backend is the slice of the supervisor the tool handlers act through.
type Backend struct {
	Registry  *registry.Registry
	Scheduler *scheduler.Scheduler

	// Reload, when wired by the agent, reloads the device configuration
	// from disk on behalf of system_control.
	Reload func() error
}

// RegisterBuiltins installs the full portmanteau tool surface.
func RegisterBuiltins(d *Dispatcher, b *Backend) {
	d.Register(b.cameraControl())
	d.Register(b.plugControl())
	d.Register(b.lightControl())
	d.Register(b.smokeControl())
	d.Register(b.robotControl())
	d.Register(b.sensorQuery())
	d.Register(b.deviceQuery())
	d.Register(b.eventQuery(d))
	d.Register(b.systemControl(d))
	d.Register(b.analytics(d))
	d.Register(b.describe(d))
}

// act resolves the device, checks it belongs to one of the allowed
// categories, strips device_id, and runs the action through the
// scheduler's probe/act serialization.
func (b *Backend) act(ctx context.Context, params map[string]any, action string, allowed ...structs.DeviceCategory) (any, error) {
	deviceID, _ := params["device_id"].(string)
	h, err := b.Registry.Lookup(deviceID)
	if err != nil {
		return nil, err
	}
	if len(allowed) > 0 {
		match := false
		for _, cat := range allowed {
			if h.Descriptor().Category == cat {
				match = true
				break
			}
		}
		if !match {
			return nil, driver.Protocolf("device %q is a %s, not controllable by this tool",
				deviceID, h.Descriptor().Category)
		}
	}

	driverParams := make(map[string]any, len(params))
	for k, v := range params {
		if k != "device_id" {
			driverParams[k] = v
		}
	}
	return b.Scheduler.Act(ctx, deviceID, action, driverParams)
}

// actRunner curries act for an Action's Run field.
func (b *Backend) actRunner(action string, allowed ...structs.DeviceCategory) func(context.Context, map[string]any) (any, error) {
	return func(ctx context.Context, params map[string]any) (any, error) {
		return b.act(ctx, params, action, allowed...)
	}
}

const deviceIDOnlySchema = `{
	"type": "object",
	"required": ["device_id"],
	"properties": {"device_id": {"type": "string", "minLength": 1}},
	"additionalProperties": false
}`

func (b *Backend) cameraControl() *Tool {
	cameraCats := []structs.DeviceCategory{structs.CategoryCamera, structs.CategoryDoorbell}
	return &Tool{
		Name:        "camera_control",
		Description: "Operate cameras and doorbells: PTZ, snapshots, stream URLs, privacy shutter.",
		Actions: map[string]*Action{
			"ptz_move": {
				Name:        "ptz_move",
				Description: "Pan/tilt the camera in a direction for a bounded duration.",
				Schema: mustSchema(`{
					"type": "object",
					"required": ["device_id", "direction"],
					"properties": {
						"device_id": {"type": "string", "minLength": 1},
						"direction": {"enum": ["up", "down", "left", "right", "home"]},
						"speed":     {"type": "number", "minimum": 0, "maximum": 1},
						"duration":  {"type": "number", "minimum": 0, "maximum": 10}
					},
					"additionalProperties": false
				}`),
				Run: b.actRunner("ptz_move", cameraCats...),
			},
			"ptz_preset_recall": {
				Name:        "ptz_preset_recall",
				Description: "Move the camera to a stored preset slot.",
				Schema: mustSchema(`{
					"type": "object",
					"required": ["device_id", "slot"],
					"properties": {
						"device_id": {"type": "string", "minLength": 1},
						"slot":      {"type": "integer", "minimum": 0, "maximum": 31}
					},
					"additionalProperties": false
				}`),
				Run: b.actRunner("ptz_preset_recall", cameraCats...),
			},
			"snapshot": {
				Name:        "snapshot",
				Description: "Capture a still frame (cached briefly per device).",
				Schema:      mustSchema(deviceIDOnlySchema),
				Run:         b.actRunner("snapshot", cameraCats...),
			},
			"stream_url_get": {
				Name:        "stream_url_get",
				Description: "Return the camera's live stream URL.",
				Schema:      mustSchema(deviceIDOnlySchema),
				Run:         b.actRunner("stream_url_get", cameraCats...),
			},
			"privacy_set": {
				Name:        "privacy_set",
				Description: "Enable or disable the privacy shutter.",
				Schema: mustSchema(`{
					"type": "object",
					"required": ["device_id", "on"],
					"properties": {
						"device_id": {"type": "string", "minLength": 1},
						"on":        {"type": "boolean"}
					},
					"additionalProperties": false
				}`),
				Run: b.actRunner("privacy_set", cameraCats...),
			},
		},
	}
}

func (b *Backend) plugControl() *Tool {
	return &Tool{
		Name:        "plug_control",
		Description: "Switch smart plugs on and off.",
		Actions: map[string]*Action{
			"power_set": {
				Name:        "power_set",
				Description: "Switch the plug relay.",
				Schema: mustSchema(`{
					"type": "object",
					"required": ["device_id", "on"],
					"properties": {
						"device_id": {"type": "string", "minLength": 1},
						"on":        {"type": "boolean"}
					},
					"additionalProperties": false
				}`),
				Run: b.actRunner("power_set", structs.CategoryPlug),
			},
		},
	}
}

func (b *Backend) lightControl() *Tool {
	return &Tool{
		Name:        "light_control",
		Description: "Control lights: on/off, brightness, color, scenes and groups.",
		Actions: map[string]*Action{
			"light_set": {
				Name:        "light_set",
				Description: "Apply light state; unsupplied fields keep their current value.",
				Schema: mustSchema(`{
					"type": "object",
					"required": ["device_id"],
					"properties": {
						"device_id":    {"type": "string", "minLength": 1},
						"on":           {"type": "boolean"},
						"brightness":   {"type": "number", "minimum": 0, "maximum": 100},
						"color":        {"type": "string", "pattern": "^#[0-9a-fA-F]{6}$"},
						"color_temp_k": {"type": "number", "minimum": 2000, "maximum": 6500}
					},
					"additionalProperties": false
				}`),
				Run: b.actRunner("light_set", structs.CategoryBulb),
			},
			"scene_recall": {
				Name:        "scene_recall",
				Description: "Recall a named scene on the light's bridge.",
				Schema: mustSchema(`{
					"type": "object",
					"required": ["device_id", "name"],
					"properties": {
						"device_id": {"type": "string", "minLength": 1},
						"name":      {"type": "string", "minLength": 1}
					},
					"additionalProperties": false
				}`),
				Run: b.actRunner("scene_recall", structs.CategoryBulb),
			},
			"group_set": {
				Name:        "group_set",
				Description: "Apply state to a whole light group through one member.",
				Schema: mustSchema(`{
					"type": "object",
					"required": ["device_id", "group_id"],
					"properties": {
						"device_id":  {"type": "string", "minLength": 1},
						"group_id":   {"type": "string", "minLength": 1},
						"on":         {"type": "boolean"},
						"brightness": {"type": "number", "minimum": 0, "maximum": 100}
					},
					"additionalProperties": false
				}`),
				Run: b.actRunner("group_set", structs.CategoryBulb),
			},
		},
	}
}

func (b *Backend) smokeControl() *Tool {
	return &Tool{
		Name:        "smoke_control",
		Description: "Run smoke/CO detector self tests.",
		Actions: map[string]*Action{
			"self_test": {
				Name:        "self_test",
				Description: "Trigger the detector's siren and sensor self test.",
				Schema:      mustSchema(deviceIDOnlySchema),
				Run:         b.actRunner("self_test", structs.CategorySmokeSensor),
			},
		},
	}
}

func (b *Backend) robotControl() *Tool {
	return &Tool{
		Name:        "robot_control",
		Description: "Drive the patrol robot. estop always succeeds locally and is retried until the robot confirms.",
		Actions: map[string]*Action{
			"move": {
				Name:        "move",
				Description: "Drive with linear/angular velocity for a bounded duration.",
				Schema: mustSchema(`{
					"type": "object",
					"required": ["device_id"],
					"properties": {
						"device_id": {"type": "string", "minLength": 1},
						"linear":    {"type": "number", "minimum": -1, "maximum": 1},
						"angular":   {"type": "number", "minimum": -1, "maximum": 1},
						"duration":  {"type": "number", "minimum": 0, "maximum": 10}
					},
					"additionalProperties": false
				}`),
				Run: b.actRunner("move", structs.CategoryRobot),
			},
			"patrol": {
				Name:        "patrol",
				Description: "Start a named patrol route.",
				Schema: mustSchema(`{
					"type": "object",
					"required": ["device_id", "route_name"],
					"properties": {
						"device_id":  {"type": "string", "minLength": 1},
						"route_name": {"type": "string", "minLength": 1}
					},
					"additionalProperties": false
				}`),
				Run: b.actRunner("patrol", structs.CategoryRobot),
			},
			"dock": {
				Name:        "dock",
				Description: "Send the robot back to its charging dock.",
				Schema:      mustSchema(deviceIDOnlySchema),
				Run:         b.actRunner("dock", structs.CategoryRobot),
			},
			"estop": {
				Name:        "estop",
				Description: "Emergency stop. Latches locally even when the robot is unreachable.",
				Schema:      mustSchema(deviceIDOnlySchema),
				Run:         b.actRunner("estop", structs.CategoryRobot),
			},
		},
	}
}

// deviceSummary is the wire shape device_query returns per device.
type deviceSummary struct {
	ID       string                  `json:"id"`
	Label    string                  `json:"label"`
	Category structs.DeviceCategory  `json:"category"`
	Driver   string                  `json:"driver"`
	Location string                  `json:"location,omitempty"`
	ReadOnly bool                    `json:"read_only"`
	State    *structs.RuntimeState   `json:"state"`
	Caps     *driver.Capabilities    `json:"capabilities,omitempty"`
}

func summarize(h *registry.Handle, withCaps bool) *deviceSummary {
	desc := h.Descriptor()
	s := &deviceSummary{
		ID:       desc.ID,
		Label:    desc.Label,
		Category: desc.Category,
		Driver:   desc.Driver,
		Location: desc.Location,
		ReadOnly: desc.ReadOnly,
		State:    h.Snapshot(),
	}
	if withCaps {
		s.Caps = h.Driver().Describe()
	}
	return s
}

func (b *Backend) deviceQuery() *Tool {
	return &Tool{
		Name:        "device_query",
		Description: "Inspect the device fleet: list devices, read one device's state and capabilities.",
		Actions: map[string]*Action{
			"list": {
				Name:        "list",
				Description: "List devices, optionally filtered by category, location or health phase.",
				Schema: mustSchema(`{
					"type": "object",
					"properties": {
						"category": {"enum": ["camera", "plug", "bulb", "sensor_env", "sensor_smoke", "robot", "doorbell"]},
						"location": {"type": "string"},
						"phase":    {"enum": ["ok", "degraded", "offline"]}
					},
					"additionalProperties": false
				}`),
				Run: func(ctx context.Context, params map[string]any) (any, error) {
					category, _ := params["category"].(string)
					location, _ := params["location"].(string)
					phase, _ := params["phase"].(string)

					var out []*deviceSummary
					for _, h := range b.Registry.List() {
						desc := h.Descriptor()
						if category != "" && string(desc.Category) != category {
							continue
						}
						if location != "" && desc.Location != location {
							continue
						}
						if phase != "" && string(h.Snapshot().Phase) != phase {
							continue
						}
						out = append(out, summarize(h, false))
					}
					return map[string]any{"devices": out, "count": len(out)}, nil
				},
			},
			"get": {
				Name:        "get",
				Description: "Read one device's descriptor, runtime state and capabilities.",
				Schema:      mustSchema(deviceIDOnlySchema),
				Run: func(ctx context.Context, params map[string]any) (any, error) {
					deviceID, _ := params["device_id"].(string)
					h, err := b.Registry.Lookup(deviceID)
					if err != nil {
						return nil, err
					}
					return summarize(h, true), nil
				},
			},
		},
	}
}

// sensorQuery reads the latest cached readings; it never triggers a probe.
func (b *Backend) sensorQuery() *Tool {
	return &Tool{
		Name:        "sensor_query",
		Description: "Read the latest sensor measurements from the probe cache.",
		Actions: map[string]*Action{
			"latest": {
				Name:        "latest",
				Description: "Latest reading for one device, or all environmental/smoke sensors.",
				Schema: mustSchema(`{
					"type": "object",
					"properties": {
						"device_id": {"type": "string", "minLength": 1}
					},
					"additionalProperties": false
				}`),
				Run: func(ctx context.Context, params map[string]any) (any, error) {
					if deviceID, ok := params["device_id"].(string); ok && deviceID != "" {
						h, err := b.Registry.Lookup(deviceID)
						if err != nil {
							return nil, err
						}
						return map[string]any{"reading": h.Snapshot().LastReading}, nil
					}

					readings := map[string]*structs.Reading{}
					for _, h := range b.Registry.List() {
						cat := h.Descriptor().Category
						if cat != structs.CategoryEnvSensor && cat != structs.CategorySmokeSensor {
							continue
						}
						readings[h.Descriptor().ID] = h.Snapshot().LastReading
					}
					return map[string]any{"readings": readings}, nil
				},
			},
		},
	}
}

// describe is the meta-tool: it renders the whole tool surface so an AI
// client can enumerate what it may call.
func (b *Backend) describe(d *Dispatcher) *Tool {
	return &Tool{
		Name:        "describe",
		Description: "Enumerate the available tools and their actions.",
		Actions: map[string]*Action{
			"tools": {
				Name:        "tools",
				Description: "List every tool with its actions.",
				Run: func(ctx context.Context, params map[string]any) (any, error) {
					type actionDoc struct {
						Name        string `json:"name"`
						Description string `json:"description"`
					}
					type toolDoc struct {
						Name        string      `json:"name"`
						Description string      `json:"description"`
						Actions     []actionDoc `json:"actions"`
					}
					var out []toolDoc
					for _, tool := range d.Tools() {
						doc := toolDoc{Name: tool.Name, Description: tool.Description}
						for _, name := range tool.ActionNames() {
							act := tool.Actions[name]
							doc.Actions = append(doc.Actions, actionDoc{Name: act.Name, Description: act.Description})
						}
						out = append(out, doc)
					}
					return map[string]any{"tools": out}, nil
				},
			},
			"device_actions": {
				Name:        "device_actions",
				Description: "List the actions one device's driver actually supports.",
				Schema:      mustSchema(deviceIDOnlySchema),
				Run: func(ctx context.Context, params map[string]any) (any, error) {
					deviceID, _ := params["device_id"].(string)
					h, err := b.Registry.Lookup(deviceID)
					if err != nil {
						return nil, err
					}
					return h.Driver().Describe(), nil
				},
			},
		},
	}
}
