// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

// Package drivers registers the built-in driver catalog.
package drivers

import (
	"sync"

	"github.com/hashicorp/argus/drivers/bulb"
	"github.com/hashicorp/argus/drivers/camera"
	"github.com/hashicorp/argus/drivers/disabled"
	"github.com/hashicorp/argus/drivers/envsensor"
	"github.com/hashicorp/argus/drivers/plug"
	"github.com/hashicorp/argus/drivers/robot"
	"github.com/hashicorp/argus/drivers/smoke"
)

var registerOnce sync.Once

// Register installs every built-in driver into the catalog. Safe to call
// more than once.
func Register() {
	registerOnce.Do(func() {
		camera.Register()
		plug.Register()
		bulb.Register()
		envsensor.Register()
		smoke.Register()
		robot.Register()
		disabled.Register()
	})
}
