package schema

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/confine/internal/ir"
)

const shopSource = `
model: Shop: {
	entity: Item: {
		attribute: {
			title:   string
			price:   float
			stock:   int
			listed:  bool
			added:   "date"
			image:   bytes
			weight:  number
		}
		required: ["title"]
		relationship: {
			category: target: "Category"
			related: {target: "Item", toMany: true}
		}
	}
	entity: Book: {
		parent: "Item"
		attribute: isbn: string
	}
	entity: Ebook: {
		parent: "Book"
		attribute: format: "text"
	}
	entity: Category: {
		attribute: name: string
	}
}
`

func compileShop(t *testing.T) *Model {
	t.Helper()
	m, err := CompileSource("shop.cue", []byte(shopSource), "")
	require.NoError(t, err)
	return m
}

func TestCompileModelBasic(t *testing.T) {
	m := compileShop(t)

	assert.Equal(t, "Shop", m.Name)
	assert.Equal(t, []string{"Book", "Category", "Ebook", "Item"}, m.EntityNames())

	item, err := m.Entity("Item")
	require.NoError(t, err)
	assert.Equal(t, []string{"added", "image", "listed", "price", "stock", "title", "weight"}, item.AttributeNames())
	assert.Equal(t, []string{"category", "related"}, item.RelationshipNames())
	assert.True(t, item.Attributes["title"].Required)
	assert.False(t, item.Attributes["price"].Required)

	assert.Equal(t, Relationship{Name: "related", Target: "Item", ToMany: true}, item.Relationships["related"])
	assert.Equal(t, Relationship{Name: "category", Target: "Category"}, item.Relationships["category"])
}

func TestCompileAttributeTypes(t *testing.T) {
	m := compileShop(t)

	tests := []struct {
		entity, key string
		want        ir.Type
	}{
		{"Item", "title", ir.TypeString},
		{"Item", "price", ir.TypeFloat},
		{"Item", "stock", ir.TypeInt},
		{"Item", "listed", ir.TypeBool},
		{"Item", "added", ir.TypeDate},
		{"Item", "image", ir.TypeBinary},
		{"Item", "weight", ir.TypeFloat},
		{"Ebook", "format", ir.TypeString},
	}
	for _, tt := range tests {
		t.Run(tt.entity+"."+tt.key, func(t *testing.T) {
			got, err := m.AttributeType(tt.entity, tt.key)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestAttributeTypeUnknown(t *testing.T) {
	m := compileShop(t)

	_, err := m.AttributeType("Item", "colour")
	var unknown *UnknownAttributeError
	require.True(t, errors.As(err, &unknown))
	assert.Equal(t, "Item", unknown.Entity)
	assert.Equal(t, "colour", unknown.Key)

	// relationships are not attributes
	_, err = m.AttributeType("Item", "category")
	assert.True(t, errors.As(err, &unknown))

	_, err = m.AttributeType("Widget", "title")
	var unknownEntity *UnknownEntityError
	assert.True(t, errors.As(err, &unknownEntity))
}

func TestCompileInheritance(t *testing.T) {
	m := compileShop(t)

	ebook, err := m.Entity("Ebook")
	require.NoError(t, err)
	assert.Equal(t, "Book", ebook.Parent)
	assert.Contains(t, ebook.Attributes, "title")
	assert.Contains(t, ebook.Attributes, "isbn")
	assert.Contains(t, ebook.Attributes, "format")
	assert.Contains(t, ebook.Relationships, "category")
	assert.True(t, ebook.Attributes["title"].Required)

	assert.True(t, m.IsKindOf("Ebook", "Item"))
	assert.True(t, m.IsKindOf("Book", "Book"))
	assert.False(t, m.IsKindOf("Item", "Book"))
	assert.False(t, m.IsKindOf("Category", "Item"))
}

func TestFamily(t *testing.T) {
	m := compileShop(t)

	fam, err := m.Family("Item", true)
	require.NoError(t, err)
	assert.Equal(t, []string{"Item", "Book", "Ebook"}, fam)

	fam, err = m.Family("Item", false)
	require.NoError(t, err)
	assert.Equal(t, []string{"Item"}, fam)

	fam, err = m.Family("Category", true)
	require.NoError(t, err)
	assert.Equal(t, []string{"Category"}, fam)

	_, err = m.Family("Nope", true)
	assert.Error(t, err)
}

func TestVersionStable(t *testing.T) {
	a := compileShop(t)
	b := compileShop(t)
	assert.Len(t, a.Version(), 64)
	assert.Equal(t, a.Version(), b.Version())

	// Renaming the model keeps the version.
	renamed, err := CompileSource("shop.cue", []byte(`
model: Store: {
	entity: Category: attribute: name: string
}
`), "")
	require.NoError(t, err)
	same, err := CompileSource("shop.cue", []byte(`
model: Other: {
	entity: Category: attribute: name: string
}
`), "")
	require.NoError(t, err)
	assert.Equal(t, renamed.Version(), same.Version())
}

func TestVersionChangesWithStructure(t *testing.T) {
	base, err := CompileSource("m.cue", []byte(`model: M: entity: A: attribute: x: string`), "")
	require.NoError(t, err)

	changes := []string{
		`model: M: entity: A: attribute: x: int`,
		`model: M: entity: A: attribute: {x: string, y: string}`,
		`model: M: entity: A: {attribute: x: string, required: ["x"]}`,
		`model: M: entity: A: {attribute: x: string, relationship: self: target: "A"}`,
	}
	for _, src := range changes {
		m, err := CompileSource("m.cue", []byte(src), "")
		require.NoError(t, err, src)
		assert.NotEqual(t, base.Version(), m.Version(), src)
	}
}

func TestCompileFromValue(t *testing.T) {
	ctx := cuecontext.New()
	v := ctx.CompileString(shopSource)
	require.NoError(t, v.Err())

	m, err := Compile(v.LookupPath(cue.ParsePath("model.Shop")))
	require.NoError(t, err)
	assert.Equal(t, "Shop", m.Name)
	assert.Equal(t, compileShop(t).Version(), m.Version())
}

func TestCompileErrors(t *testing.T) {
	tests := []struct {
		name    string
		src     string
		model   string
		wantErr string
	}{
		{
			name:    "no model",
			src:     `foo: 1`,
			wantErr: "no model declared",
		},
		{
			name:    "two models without name",
			src:     `model: A: entity: X: attribute: a: string
model: B: entity: Y: attribute: b: string`,
			wantErr: "expected exactly one model",
		},
		{
			name:    "missing named model",
			src:     `model: A: entity: X: attribute: a: string`,
			model:   "B",
			wantErr: `model "B" not found`,
		},
		{
			name:    "no entities",
			src:     `model: A: {}`,
			wantErr: "at least one entity",
		},
		{
			name:    "unknown type name",
			src:     `model: A: entity: X: attribute: a: "money"`,
			wantErr: `unknown attribute type "money"`,
		},
		{
			name:    "struct type",
			src:     `model: A: entity: X: attribute: a: {b: int}`,
			wantErr: "unsupported type kind",
		},
		{
			name:    "required not attribute",
			src:     `model: A: entity: X: {attribute: a: string, required: ["b"]}`,
			wantErr: `"b" is not an attribute of X`,
		},
		{
			name:    "unknown parent",
			src:     `model: A: entity: X: {parent: "Y", attribute: a: string}`,
			wantErr: `unknown parent entity "Y"`,
		},
		{
			name: "inheritance cycle",
			src: `model: A: {
	entity: X: {parent: "Y", attribute: a: string}
	entity: Y: {parent: "X", attribute: b: string}
}`,
			wantErr: "inheritance cycle",
		},
		{
			name:    "unknown target",
			src:     `model: A: entity: X: {attribute: a: string, relationship: r: target: "Z"}`,
			wantErr: `unknown target entity "Z"`,
		},
		{
			name:    "missing target",
			src:     `model: A: entity: X: {attribute: a: string, relationship: r: toMany: true}`,
			wantErr: "relationship target is required",
		},
		{
			name:    "relationship clashes with attribute",
			src:     `model: A: entity: X: {attribute: r: string, relationship: r: target: "X"}`,
			wantErr: "name is already an attribute",
		},
		{
			name: "child changes inherited type",
			src: `model: A: {
	entity: X: attribute: a: string
	entity: Y: {parent: "X", attribute: a: int}
}`,
			wantErr: "redeclares inherited string attribute as int",
		},
		{
			name:    "invalid attribute name",
			src:     `model: A: entity: X: attribute: "has space": string`,
			wantErr: "invalid attribute name",
		},
		{
			name:    "cue syntax error",
			src:     `model: A: entity: X: attribute: {`,
			wantErr: "cue",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := CompileSource("bad.cue", []byte(tt.src), tt.model)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestCompileErrorHasPosition(t *testing.T) {
	_, err := CompileSource("pos.cue", []byte(`model: A: entity: X: attribute: a: "money"`), "")
	var ce *CompileError
	require.True(t, errors.As(err, &ce))
	assert.True(t, ce.Pos.IsValid())
	assert.Contains(t, err.Error(), "pos.cue:1:")
	assert.Equal(t, "entity.X.attribute.a", ce.Field)
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "shop.cue")
	require.NoError(t, os.WriteFile(path, []byte(shopSource), 0o644))

	m, err := LoadFile(path, "Shop")
	require.NoError(t, err)
	assert.Equal(t, compileShop(t).Version(), m.Version())

	_, err = LoadFile(filepath.Join(t.TempDir(), "missing.cue"), "")
	assert.Error(t, err)
}

func TestAttributeTypesMap(t *testing.T) {
	m := compileShop(t)
	cat, err := m.Entity("Category")
	require.NoError(t, err)
	assert.Equal(t, map[string]ir.Type{"name": ir.TypeString}, cat.AttributeTypes())
}
