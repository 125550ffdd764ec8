// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

// Package tools exposes the supervisor to AI-assistant clients as a small
// set of coarse-grained tool handlers. Each handler bundles the actions of
// one device family or one cross-cutting query surface; parameters are
// validated against JSON schemas before anything touches a driver.
package tools

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/hashicorp/argus/structs"
)

// Action is one invocable verb of a tool.
type Action struct {
	Name        string
	Description string

	// Schema validates the parameter map. Nil accepts anything.
	Schema *jsonschema.Schema

	// Run executes the action. Errors crossing this boundary are
	// classified *driver.Error values or plain errors treated as
	// protocol failures.
	Run func(ctx context.Context, params map[string]any) (any, error)
}

// Tool is one portmanteau handler.
type Tool struct {
	Name        string
	Description string
	Actions     map[string]*Action
}

// ActionNames returns the tool's action names for the describe surface.
func (t *Tool) ActionNames() []string {
	out := make([]string, 0, len(t.Actions))
	for name := range t.Actions {
		out = append(out, name)
	}
	return out
}

// ResultError is the classified failure half of a Result.
type ResultError struct {
	Cause   structs.FailureCause `json:"cause"`
	Message string               `json:"message"`
}

// Result is the structured outcome of one tool invocation.
type Result struct {
	Success      bool           `json:"success"`
	Action       string         `json:"action"`
	Data         any            `json:"data,omitempty"`
	Error        *ResultError   `json:"error,omitempty"`
	InvocationID string         `json:"invocation_id"`
}

// mustSchema compiles a JSON schema literal at package init. A bad literal
// is a programmer error.
func mustSchema(text string) *jsonschema.Schema {
	var doc any
	if err := json.Unmarshal([]byte(text), &doc); err != nil {
		panic(fmt.Sprintf("unmarshal schema: %v", err))
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource("schema.json", doc); err != nil {
		panic(fmt.Sprintf("add schema resource: %v", err))
	}
	schema, err := c.Compile("schema.json")
	if err != nil {
		panic(fmt.Sprintf("compile schema: %v", err))
	}
	return schema
}
