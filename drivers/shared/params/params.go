// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

// Package params coerces loosely typed action parameters. Tool-call params
// arrive as decoded JSON, so numbers are float64 and booleans sometimes
// arrive as "on"/"off" strings.
package params

import "encoding/json"

// Float returns the parameter as a float64, or fallback when absent or not
// numeric.
func Float(v any, fallback float64) float64 {
	switch tv := v.(type) {
	case float64:
		return tv
	case float32:
		return float64(tv)
	case int:
		return float64(tv)
	case int64:
		return float64(tv)
	case json.Number:
		if f, err := tv.Float64(); err == nil {
			return f
		}
	}
	return fallback
}

// Int returns the parameter as an int, or fallback.
func Int(v any, fallback int) int {
	return int(Float(v, float64(fallback)))
}

// Bool interprets booleans and the "on"/"off"/"true"/"false" strings the
// tool surface allows. The second return reports whether v was usable.
func Bool(v any) (bool, bool) {
	switch tv := v.(type) {
	case bool:
		return tv, true
	case string:
		switch tv {
		case "on", "true":
			return true, true
		case "off", "false":
			return false, true
		}
	}
	return false, false
}

// String returns the parameter as a string, or "" when absent.
func String(v any) string {
	s, _ := v.(string)
	return s
}
