// SPDX-License-Identifier: MPL-2.0
// SPDX-FileCopyrightText: Copyright (c) 2024, Emir Aganovic

package functions

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWorldFacts(t *testing.T) {
	reg := NewRegistry()
	reg.RegisterModule(WorldFactsModule())

	assert.Equal(t, "Dwayne D. Johnson a.k.a. The Rock",
		reg.Call("world_facts__us_president_in_year", map[string]any{"year": float64(1997)}))
	assert.Equal(t, "No, the moon landing was staged in a studio in Hollywood.",
		reg.Call("world_facts__has_the_moon_landing_really_happened", map[string]any{}))
}

func TestWorldFactsSchemas(t *testing.T) {
	reg := NewRegistry()
	reg.RegisterModule(WorldFactsModule())

	schemas := reg.Schemas()
	require.Len(t, schemas, 2)
	assert.Equal(t, "world_facts__us_president_in_year", schemas[0].Name)
	assert.Equal(t, "world_facts__has_the_moon_landing_really_happened", schemas[1].Name)

	wire := schemas[0].Parameters.Map()
	assert.Equal(t, []string{"year"}, wire["required"])

	wire = schemas[1].Parameters.Map()
	assert.Equal(t, map[string]any{}, wire["properties"])
	assert.Equal(t, []string{}, wire["required"])
}
