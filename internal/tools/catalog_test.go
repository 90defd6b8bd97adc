package tools

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCatalogShape(t *testing.T) {
	defs := Catalog()
	require.Len(t, defs, 10)

	seen := map[string]bool{}
	for i, d := range defs {
		assert.False(t, seen[d.Name], "duplicate tool %s", d.Name)
		seen[d.Name] = true
		if i > 0 {
			assert.Less(t, defs[i-1].Name, d.Name, "catalog must be sorted")
		}
		assert.NotEmpty(t, d.Description, d.Name)

		var schema map[string]any
		require.NoError(t, json.Unmarshal(d.SchemaJSON(), &schema))
		assert.Equal(t, "object", schema["type"])
		assert.Equal(t, false, schema["additionalProperties"])

		if d.Mutating {
			props := schema["properties"].(map[string]any)
			assert.Contains(t, props, "idempotency_key", d.Name)
			assert.True(t, d.NeedsRegistration, "%s mutates appointments and must require registration", d.Name)
		}
	}
}

func TestDefinitionSchemaRequiredAndAnyOf(t *testing.T) {
	var profile Definition
	var book Definition
	for _, d := range Catalog() {
		switch d.Name {
		case ToolGetDentistProfile:
			profile = d
		case ToolBookAppointment:
			book = d
		}
	}

	schema := profile.Schema()
	assert.NotContains(t, schema, "required")
	require.Contains(t, schema, "anyOf")
	assert.Len(t, schema["anyOf"], 2)

	schema = book.Schema()
	assert.ElementsMatch(t, []string{"dentist_id", "start"}, schema["required"])
	duration := schema["properties"].(map[string]any)["duration_minutes"].(map[string]any)
	assert.Equal(t, 240, duration["maximum"])
}
