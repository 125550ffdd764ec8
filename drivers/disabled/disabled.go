// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

// Package disabled is the placeholder driver for devices that could not be
// brought up: unresolved secret references and unknown driver tags. The
// device stays visible in the registry as permanently offline with a clear
// reason instead of silently vanishing.
package disabled

import (
	"context"

	"github.com/hashicorp/argus/driver"
	"github.com/hashicorp/argus/structs"
)

// Name is the driver tag.
const Name = "disabled"

// ReasonParam carries the human-readable reason in the descriptor params.
const ReasonParam = "disabled_reason"

// Register adds the disabled driver to the catalog.
func Register() {
	driver.Register(Name, New)
}

// Disabled fails every operation with the configured reason.
type Disabled struct {
	reason string
}

// New constructs the placeholder.
func New(dcfg *driver.Config) (driver.Driver, error) {
	reason, _ := dcfg.Descriptor.Params[ReasonParam].(string)
	if reason == "" {
		reason = "device is disabled"
	}
	return &Disabled{reason: reason}, nil
}

func (d *Disabled) Probe(context.Context) (structs.Payload, error) {
	return nil, driver.Unavailablef("%s", d.reason)
}

func (d *Disabled) Act(_ context.Context, action string, _ map[string]any) (map[string]any, error) {
	return nil, driver.Unavailablef("%s; action %q refused", d.reason, action)
}

func (d *Disabled) Describe() *driver.Capabilities {
	return &driver.Capabilities{Controllable: false}
}

func (d *Disabled) Close() error { return nil }
