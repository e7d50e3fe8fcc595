package ir

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestObjectID_RoundTrip(t *testing.T) {
	id := ObjectID{Entity: "Employee", Key: "k-1"}
	assert.Equal(t, "Employee/k-1", id.String())

	parsed, err := ParseObjectID(id.String())
	require.NoError(t, err)
	assert.Equal(t, id, parsed)

	_, err = ParseObjectID("no-slash")
	assert.Error(t, err)
}

func TestUUIDv7Generator_Unique(t *testing.T) {
	gen := UUIDv7Generator{}
	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		key := gen.Generate()
		assert.Len(t, key, 36)
		assert.False(t, seen[key], "duplicate key %s", key)
		seen[key] = true
	}
}

func TestFixedGenerator_PanicsWhenExhausted(t *testing.T) {
	gen := NewFixedGenerator("a")
	assert.Equal(t, "a", gen.Generate())
	assert.Panics(t, func() { gen.Generate() })
}

func TestSchemaHash_KeyOrderIndependent(t *testing.T) {
	a, err := SchemaHash(map[string]any{"b": "x", "a": []string{"1", "2"}})
	require.NoError(t, err)
	b, err := SchemaHash(map[string]any{"a": []string{"1", "2"}, "b": "x"})
	require.NoError(t, err)
	assert.Equal(t, a, b)
	assert.Len(t, a, 64)

	c, err := SchemaHash(map[string]any{"a": []string{"2", "1"}, "b": "x"})
	require.NoError(t, err)
	assert.NotEqual(t, a, c)
}

func TestMarshalCanonical_NoHTMLEscape(t *testing.T) {
	out, err := MarshalCanonical(map[string]any{"k": "<a&b>"})
	require.NoError(t, err)
	assert.Equal(t, `{"k":"<a&b>"}`, string(out))

	_, err = MarshalCanonical(map[string]any{"k": 1.5})
	assert.Error(t, err)
}
