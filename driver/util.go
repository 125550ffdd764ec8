// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package driver

import (
	"fmt"

	"github.com/go-viper/mapstructure/v2"
)

// DecodeParams decodes a descriptor's driver-specific params submap into a
// typed driver config. Unknown keys are an error so config typos surface at
// load time instead of as silent defaults.
func DecodeParams(params map[string]any, out any) error {
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           out,
		WeaklyTypedInput: true,
		ErrorUnused:      true,
	})
	if err != nil {
		return err
	}
	if err := dec.Decode(params); err != nil {
		return fmt.Errorf("decoding driver params: %w", err)
	}
	return nil
}
