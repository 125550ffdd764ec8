// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package tools

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/hashicorp/go-hclog"
	"github.com/hashicorp/go-uuid"
	"golang.org/x/time/rate"

	"github.com/hashicorp/argus/driver"
	"github.com/hashicorp/argus/logsink"
	"github.com/hashicorp/argus/registry"
	"github.com/hashicorp/argus/stream"
	"github.com/hashicorp/argus/structs"
)

const (
	// DefaultRateLimit bounds tool invocations per second across all
	// clients, with a small burst. An AI client in a retry loop must not
	// be able to hammer the device fleet.
	DefaultRateLimit = 10.0
	DefaultRateBurst = 20
)

// Config configures a Dispatcher.
type Config struct {
	Store  *stream.Store
	Sink   *logsink.Sink
	Logger hclog.Logger

	// RateLimit/RateBurst override the invocation rate limiter.
	RateLimit float64
	RateBurst int
}

// Dispatcher routes tool invocations to registered handlers. It is
// stateless across calls; all state lives in the registry, the event store
// and the drivers.
type Dispatcher struct {
	store   *stream.Store
	sink    *logsink.Sink
	logger  hclog.Logger
	limiter *rate.Limiter
	tools   map[string]*Tool
}

// NewDispatcher builds a dispatcher with no tools registered.
func NewDispatcher(cfg *Config) *Dispatcher {
	limit := cfg.RateLimit
	if limit <= 0 {
		limit = DefaultRateLimit
	}
	burst := cfg.RateBurst
	if burst <= 0 {
		burst = DefaultRateBurst
	}
	logger := cfg.Logger
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	return &Dispatcher{
		store:   cfg.Store,
		sink:    cfg.Sink,
		logger:  logger.Named("tools"),
		limiter: rate.NewLimiter(rate.Limit(limit), burst),
		tools:   map[string]*Tool{},
	}
}

// Register adds a tool. Duplicate names are programmer errors.
func (d *Dispatcher) Register(t *Tool) {
	if _, exists := d.tools[t.Name]; exists {
		panic(fmt.Sprintf("tool %q registered twice", t.Name))
	}
	d.tools[t.Name] = t
}

// Tools returns the registered tools sorted by name.
func (d *Dispatcher) Tools() []*Tool {
	out := make([]*Tool, 0, len(d.tools))
	for _, t := range d.tools {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Dispatch runs one invocation: rate limit, route, validate, execute,
// audit. The returned Result always has an invocation id; transport-level
// callers serialize it verbatim.
func (d *Dispatcher) Dispatch(ctx context.Context, toolName, action string, params map[string]any) *Result {
	id, err := uuid.GenerateUUID()
	if err != nil {
		panic(fmt.Sprintf("generating invocation id: %v", err))
	}
	res := &Result{Action: action, InvocationID: id}

	if !d.limiter.Allow() {
		res.Error = &ResultError{
			Cause:   structs.FailureUnavailable,
			Message: "tool call rate limit exceeded, retry later",
		}
		d.audit(toolName, action, params, res)
		return res
	}

	tool, ok := d.tools[toolName]
	if !ok {
		res.Error = &ResultError{
			Cause:   structs.FailureProtocol,
			Message: fmt.Sprintf("unknown tool %q", toolName),
		}
		d.audit(toolName, action, params, res)
		return res
	}
	act, ok := tool.Actions[action]
	if !ok {
		res.Error = &ResultError{
			Cause:   structs.FailureProtocol,
			Message: fmt.Sprintf("tool %q has no action %q", toolName, action),
		}
		d.audit(toolName, action, params, res)
		return res
	}

	if act.Schema != nil {
		if params == nil {
			params = map[string]any{}
		}
		if err := act.Schema.Validate(normalizeForSchema(params)); err != nil {
			res.Error = &ResultError{
				Cause:   structs.FailureProtocol,
				Message: fmt.Sprintf("invalid parameters: %v", err),
			}
			d.audit(toolName, action, params, res)
			return res
		}
	}

	data, err := act.Run(ctx, params)
	if err != nil {
		failure := driver.AsFailure(err)
		if errors.Is(err, registry.ErrNotFound) {
			failure = &structs.Failure{
				Cause:   structs.FailureUnavailable,
				Message: err.Error(),
			}
		}
		res.Error = &ResultError{Cause: failure.Cause, Message: failure.Message}
	} else {
		res.Success = true
		res.Data = data
	}

	d.audit(toolName, action, params, res)
	return res
}

// audit appends the action_invoked event every invocation leaves behind,
// with parameters scrubbed through the redaction list.
func (d *Dispatcher) audit(toolName, action string, params map[string]any, res *Result) {
	severity := structs.SeverityInfo
	message := fmt.Sprintf("tool %s/%s succeeded", toolName, action)
	details := map[string]any{
		"action":        action,
		"invocation_id": res.InvocationID,
	}
	if len(params) > 0 {
		details["params"] = d.sink.Redact(params)
	}
	if res.Error != nil {
		severity = structs.SeverityWarning
		message = fmt.Sprintf("tool %s/%s failed (%s): %s",
			toolName, action, res.Error.Cause, res.Error.Message)
		details["cause"] = string(res.Error.Cause)
	}

	d.store.Append(&structs.Event{
		Severity: severity,
		Category: structs.EventCategoryAction,
		Source:   toolName,
		Message:  message,
		Details:  details,
	})
}

// normalizeForSchema converts Go-typed parameter values into the shapes
// the schema validator expects; HTTP callers arrive via encoding/json and
// need no conversion, in-process tests may pass native ints.
func normalizeForSchema(v any) any {
	switch tv := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(tv))
		for k, val := range tv {
			out[k] = normalizeForSchema(val)
		}
		return out
	case []any:
		out := make([]any, len(tv))
		for i, val := range tv {
			out[i] = normalizeForSchema(val)
		}
		return out
	case int:
		return float64(tv)
	case int64:
		return float64(tv)
	case float32:
		return float64(tv)
	default:
		return v
	}
}
