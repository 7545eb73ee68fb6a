// SPDX-License-Identifier: MPL-2.0
// SPDX-FileCopyrightText: Copyright (c) 2024, Emir Aganovic

package functions

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func echoModule() Module {
	return Module{
		Name: "echo",
		Functions: []Definition{{
			Name:        "say",
			Description: "Echoes back the text.",
			Parameters: Parameters{
				Type: "object",
				Properties: map[string]Property{
					"text": {Type: "string", Description: "What to say."},
				},
				Required: []string{"text"},
			},
			Handler: func(args map[string]any) (string, error) {
				text, _ := stringArg(args, "text")
				return "echo: " + text, nil
			},
		}},
	}
}

func TestRegistryDispatch(t *testing.T) {
	reg := NewRegistry()
	reg.RegisterModule(echoModule())

	assert.Equal(t, "echo: hi", reg.Call("echo__say", map[string]any{"text": "hi"}))
}

func TestRegistryUnknownFunction(t *testing.T) {
	reg := NewRegistry()
	reg.RegisterModule(echoModule())

	assert.Equal(t, "Function with name echo__scream not found.",
		reg.Call("echo__scream", map[string]any{}))
}

func TestRegistryRecoversPanic(t *testing.T) {
	reg := NewRegistry()
	reg.RegisterModule(Module{
		Name: "broken",
		Functions: []Definition{{
			Name: "boom",
			Handler: func(map[string]any) (string, error) {
				panic("kaput")
			},
		}},
	})

	assert.Equal(t, "Function call failed.", reg.Call("broken__boom", nil))
}

func TestRegistryHandlerError(t *testing.T) {
	reg := NewRegistry()
	reg.RegisterModule(Module{
		Name: "flaky",
		Functions: []Definition{{
			Name: "fetch",
			Handler: func(map[string]any) (string, error) {
				return "", assert.AnError
			},
		}},
	})

	assert.Equal(t, "Function call failed.", reg.Call("flaky__fetch", map[string]any{}))
}

func TestRegistrySchemasOrder(t *testing.T) {
	reg := NewRegistry()
	reg.RegisterModule(echoModule())
	reg.RegisterModule(WorldFactsModule())

	schemas := reg.Schemas()
	require.Len(t, schemas, 3)
	assert.Equal(t, "echo__say", schemas[0].Name)
	assert.Equal(t, "world_facts__us_president_in_year", schemas[1].Name)
	assert.Equal(t, "world_facts__has_the_moon_landing_really_happened", schemas[2].Name)
	assert.Equal(t, "Echoes back the text.", schemas[0].Description)
}

func TestRegistryDuplicateOverwrites(t *testing.T) {
	reg := NewRegistry()
	reg.RegisterModule(echoModule())
	reg.RegisterModule(Module{
		Name: "echo",
		Functions: []Definition{{
			Name: "say",
			Handler: func(map[string]any) (string, error) {
				return "shout", nil
			},
		}},
	})

	assert.Equal(t, "shout", reg.Call("echo__say", map[string]any{"text": "hi"}))
	assert.Len(t, reg.Schemas(), 1)
}

func TestParametersMap(t *testing.T) {
	params := Parameters{
		Type: "object",
		Properties: map[string]Property{
			"year": {Type: "integer", Description: "Which year."},
		},
		Required: []string{"year"},
	}
	assert.Equal(t, map[string]any{
		"type": "object",
		"properties": map[string]any{
			"year": map[string]any{"type": "integer", "description": "Which year."},
		},
		"required": []string{"year"},
	}, params.Map())

	empty := Parameters{Type: "object", Properties: map[string]Property{}}
	assert.Equal(t, map[string]any{
		"type":       "object",
		"properties": map[string]any{},
		"required":   []string{},
	}, empty.Map())
}
