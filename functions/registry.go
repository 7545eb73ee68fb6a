// SPDX-License-Identifier: MPL-2.0
// SPDX-FileCopyrightText: Copyright (c) 2024, Emir Aganovic

// Package functions is the tool surface the model calls into. Tools come
// in modules; the name the model sees is <module>__<function>. Handlers
// reply with prose for the model to relay, never with structured data.
package functions

import (
	"fmt"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Property describes one parameter of a tool.
type Property struct {
	Type        string
	Description string
}

// Parameters is the JSON-Schema subset the chat completion API accepts
// for a tool: an object with typed properties and a required list.
type Parameters struct {
	Type       string
	Properties map[string]Property
	Required   []string
}

// Map renders the schema the way the wire wants it. The required list is
// always present, empty for parameterless tools.
func (p Parameters) Map() map[string]any {
	props := make(map[string]any, len(p.Properties))
	for name, prop := range p.Properties {
		entry := map[string]any{"type": prop.Type}
		if prop.Description != "" {
			entry["description"] = prop.Description
		}
		props[name] = entry
	}
	required := p.Required
	if required == nil {
		required = []string{}
	}
	return map[string]any{
		"type":       p.Type,
		"properties": props,
		"required":   required,
	}
}

// Schema is what the model gets to see about one tool.
type Schema struct {
	Name        string
	Description string
	Parameters  Parameters
}

// HandlerFunc runs a tool call. The string return goes back to the model
// verbatim, including validation complaints. An error return means the
// tool itself broke, not that the caller asked wrong.
type HandlerFunc func(args map[string]any) (string, error)

// Definition is one tool inside a module.
type Definition struct {
	Name        string
	Description string
	Parameters  Parameters
	Handler     HandlerFunc
}

// Module is a named group of tools.
type Module struct {
	Name      string
	Functions []Definition
}

// Registry maps qualified tool names to definitions. Populate it at
// startup; Call may run concurrently with nothing, the conversation is the
// only caller.
type Registry struct {
	defs  map[string]Definition
	order []string
	log   zerolog.Logger
}

func NewRegistry() *Registry {
	return &Registry{
		defs: make(map[string]Definition),
		log:  log.With().Str("caller", "functions").Logger(),
	}
}

// RegisterModule adds every tool of m under <module>__<function>. A
// duplicate name overwrites the earlier definition.
func (r *Registry) RegisterModule(m Module) {
	for _, def := range m.Functions {
		name := m.Name + "__" + def.Name
		if _, exists := r.defs[name]; !exists {
			r.order = append(r.order, name)
		}
		r.defs[name] = def
		r.log.Debug().Str("function", name).Msg("Registered function")
	}
}

// Schemas lists all tools in registration order.
func (r *Registry) Schemas() []Schema {
	out := make([]Schema, 0, len(r.order))
	for _, name := range r.order {
		def := r.defs[name]
		out = append(out, Schema{Name: name, Description: def.Description, Parameters: def.Parameters})
	}
	return out
}

// Call dispatches one tool invocation and always produces a reply the
// model can work with. Unknown names, handler errors and handler panics
// all turn into fixed strings instead of unwinding the conversation.
func (r *Registry) Call(name string, args map[string]any) (reply string) {
	def, ok := r.defs[name]
	if !ok {
		return fmt.Sprintf("Function with name %s not found.", name)
	}

	defer func() {
		if rec := recover(); rec != nil {
			r.log.Error().Interface("panic", rec).Str("function", name).Msg("Function handler panicked")
			reply = "Function call failed."
		}
	}()

	result, err := def.Handler(args)
	if err != nil {
		r.log.Error().Err(err).Str("function", name).Msg("Function handler failed")
		return "Function call failed."
	}
	return result
}

// stringArg pulls a string parameter out of parsed JSON arguments.
func stringArg(args map[string]any, key string) (string, bool) {
	value, ok := args[key].(string)
	return value, ok
}
