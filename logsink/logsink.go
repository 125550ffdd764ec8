// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

// Package logsink owns the process's structured log stream. Every component
// logs through a named sub-logger of the sink, and every event appended to
// the event store is mirrored here as one JSON line on stdout. The sink is
// also the single place where credential redaction happens: any map that is
// about to become an event detail or a log field passes through Redact.
package logsink

import (
	"io"
	"os"
	"strings"

	"github.com/hashicorp/go-hclog"

	"github.com/hashicorp/argus/structs"
)

// Redacted replaces the value of any field whose name matches the redaction
// list.
const Redacted = "<redacted>"

// DefaultRedactionTerms are matched as substrings against lowercased field
// names.
var DefaultRedactionTerms = []string{"password", "token", "secret", "key", "credential"}

// Options configures a Sink.
type Options struct {
	// Output defaults to os.Stdout. The sink is the only component that
	// writes to it.
	Output io.Writer

	// Level floors what the sink emits. Events below the floor are still
	// stored, just not logged.
	Level hclog.Level

	// RedactionTerms replaces DefaultRedactionTerms when non-nil.
	RedactionTerms []string
}

// Sink is the JSON log stream plus the redaction policy.
type Sink struct {
	root  hclog.Logger
	terms []string
}

// New builds the sink. The root logger is JSON formatted; sub-loggers share
// the format and floor.
func New(opts Options) *Sink {
	out := opts.Output
	if out == nil {
		out = os.Stdout
	}
	level := opts.Level
	if level == hclog.NoLevel {
		level = hclog.Info
	}
	terms := opts.RedactionTerms
	if terms == nil {
		terms = DefaultRedactionTerms
	}
	lowered := make([]string, len(terms))
	for i, t := range terms {
		lowered[i] = strings.ToLower(t)
	}
	return &Sink{
		root: hclog.New(&hclog.LoggerOptions{
			Name:       "argus",
			Level:      level,
			Output:     out,
			JSONFormat: true,
		}),
		terms: lowered,
	}
}

// Logger returns a named component logger sharing the sink's output.
func (s *Sink) Logger(name string) hclog.Logger {
	return s.root.Named(name)
}

// EventAppended mirrors one stored event as a structured log line. Severity
// maps info->Info, warning->Warn, alarm->Error. Implements stream.Observer.
func (s *Sink) EventAppended(e *structs.Event) {
	args := []any{
		"seq", e.Seq,
		"category", e.Category,
		"source", e.Source,
	}
	if len(e.Details) > 0 {
		args = append(args, "details", s.Redact(e.Details))
	}
	logger := s.root.Named("events")
	switch e.Severity {
	case structs.SeverityAlarm:
		logger.Error(e.Message, args...)
	case structs.SeverityWarning:
		logger.Warn(e.Message, args...)
	default:
		logger.Info(e.Message, args...)
	}
}

// Redact returns a deep copy of m with the value of every matching field
// replaced by the Redacted literal. Nested maps and slices of maps are
// walked; everything else is copied as-is.
func (s *Sink) Redact(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		if s.matches(k) {
			out[k] = Redacted
			continue
		}
		out[k] = s.redactValue(v)
	}
	return out
}

func (s *Sink) redactValue(v any) any {
	switch tv := v.(type) {
	case map[string]any:
		return s.Redact(tv)
	case []any:
		out := make([]any, len(tv))
		for i, item := range tv {
			out[i] = s.redactValue(item)
		}
		return out
	default:
		return v
	}
}

func (s *Sink) matches(field string) bool {
	lowered := strings.ToLower(field)
	for _, term := range s.terms {
		if strings.Contains(lowered, term) {
			return true
		}
	}
	return false
}

// LevelFromString maps the LOG_LEVEL environment value onto an hclog level,
// accepting the event severities as aliases.
func LevelFromString(s string) hclog.Level {
	switch strings.ToLower(s) {
	case "", "info":
		return hclog.Info
	case "warning", "warn":
		return hclog.Warn
	case "alarm", "error":
		return hclog.Error
	case "debug":
		return hclog.Debug
	case "trace":
		return hclog.Trace
	default:
		return hclog.Info
	}
}
