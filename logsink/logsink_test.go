// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package logsink

import (
	"bufio"
	"bytes"
	"encoding/json"
	"strings"
	"testing"

	"github.com/hashicorp/go-hclog"
	"github.com/shoenig/test/must"

	"github.com/hashicorp/argus/structs"
)

func testSink(t *testing.T, opts Options) (*Sink, *bytes.Buffer) {
	t.Helper()
	var buf bytes.Buffer
	opts.Output = &buf
	return New(opts), &buf
}

// decodeLines parses each emitted JSON log line.
func decodeLines(t *testing.T, buf *bytes.Buffer) []map[string]any {
	t.Helper()
	var out []map[string]any
	scanner := bufio.NewScanner(buf)
	for scanner.Scan() {
		line := map[string]any{}
		must.NoError(t, json.Unmarshal(scanner.Bytes(), &line))
		out = append(out, line)
	}
	return out
}

func TestSink_EventAppendedIsOneJSONLine(t *testing.T) {
	sink, buf := testSink(t, Options{})

	sink.EventAppended(&structs.Event{
		Seq:      7,
		Severity: structs.SeverityWarning,
		Category: structs.EventCategoryConnection,
		Source:   "cam-1",
		Message:  "probe failed",
	})

	lines := decodeLines(t, buf)
	must.Len(t, 1, lines)
	must.Eq(t, "probe failed", lines[0]["@message"].(string))
	must.Eq(t, "warn", lines[0]["@level"].(string))
	must.Eq(t, "cam-1", lines[0]["source"].(string))
	must.Eq(t, float64(7), lines[0]["seq"].(float64))
}

func TestSink_SeverityMapping(t *testing.T) {
	sink, buf := testSink(t, Options{})

	for _, sev := range []structs.Severity{
		structs.SeverityInfo, structs.SeverityWarning, structs.SeverityAlarm,
	} {
		sink.EventAppended(&structs.Event{Severity: sev, Message: string(sev)})
	}

	lines := decodeLines(t, buf)
	must.Len(t, 3, lines)
	must.Eq(t, "info", lines[0]["@level"].(string))
	must.Eq(t, "warn", lines[1]["@level"].(string))
	must.Eq(t, "error", lines[2]["@level"].(string))
}

func TestSink_LevelFloorStillStoresBelowFloor(t *testing.T) {
	sink, buf := testSink(t, Options{Level: hclog.Warn})

	sink.EventAppended(&structs.Event{Severity: structs.SeverityInfo, Message: "routine"})
	sink.EventAppended(&structs.Event{Severity: structs.SeverityAlarm, Message: "smoke"})

	lines := decodeLines(t, buf)
	must.Len(t, 1, lines)
	must.Eq(t, "smoke", lines[0]["@message"].(string))
}

func TestSink_RedactsCredentialFields(t *testing.T) {
	sink, _ := testSink(t, Options{})

	out := sink.Redact(map[string]any{
		"host":         "10.0.0.8",
		"api_token":    "hunter2",
		"PASSWORD":     "swordfish",
		"access_key":   "AKIA123",
		"wifi_secret":  "hunter3",
		"cred_details": map[string]any{"credential": "ref-1", "port": 443},
		"list":         []any{map[string]any{"session_token": "abc"}},
	})

	must.Eq(t, "10.0.0.8", out["host"].(string))
	must.Eq(t, Redacted, out["api_token"].(string))
	must.Eq(t, Redacted, out["PASSWORD"].(string), must.Sprint("matching is case-insensitive"))
	must.Eq(t, Redacted, out["access_key"].(string))
	must.Eq(t, Redacted, out["wifi_secret"].(string))

	nested := out["cred_details"].(map[string]any)
	must.Eq(t, Redacted, nested["credential"].(string))
	must.Eq(t, 443, nested["port"].(int))

	inList := out["list"].([]any)[0].(map[string]any)
	must.Eq(t, Redacted, inList["session_token"].(string))
}

func TestSink_RedactionNeverLeaksIntoLogLine(t *testing.T) {
	sink, buf := testSink(t, Options{})

	sink.EventAppended(&structs.Event{
		Severity: structs.SeverityInfo,
		Category: structs.EventCategoryAction,
		Source:   "camera_control",
		Message:  "tool call",
		Details: map[string]any{
			"params": map[string]any{"device_id": "cam-1", "api_token": "hunter2"},
		},
	})

	raw := buf.String()
	must.StrNotContains(t, raw, "hunter2")
	must.StrContains(t, raw, Redacted)
}

func TestSink_CustomRedactionTerms(t *testing.T) {
	sink, _ := testSink(t, Options{RedactionTerms: []string{"pin"}})

	out := sink.Redact(map[string]any{
		"door_pin": "1234",
		"password": "left alone, custom terms replace the defaults",
	})
	must.Eq(t, Redacted, out["door_pin"].(string))
	must.StrContains(t, out["password"].(string), "left alone")
}

func TestLevelFromString(t *testing.T) {
	cases := map[string]hclog.Level{
		"":        hclog.Info,
		"info":    hclog.Info,
		"warning": hclog.Warn,
		"warn":    hclog.Warn,
		"alarm":   hclog.Error,
		"debug":   hclog.Debug,
		"bogus":   hclog.Info,
	}
	for in, want := range cases {
		must.Eq(t, want, LevelFromString(strings.ToUpper(in)))
	}
}
