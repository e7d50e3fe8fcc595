package query

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/confine/internal/ir"
	"github.com/roach88/confine/internal/schema"
	"github.com/roach88/confine/internal/testutil"
)

func TestBindCoercesLiterals(t *testing.T) {
	m := testutil.CompanyModel(t)

	spec := For("Employee").Where(AllOf(
		Gt("salary", ir.Int(1000)),
		Eq("age", ir.Float(30)),
		In("salary", ir.Int(1), ir.Float(2.5)),
		Eq("firstName", ir.String("é")),
	)).OrderBy(Asc("lastName"))

	bound, err := Bind(spec, m)
	require.NoError(t, err)

	and := bound.Filter.(And)
	assert.Equal(t, ir.Float(1000), and.Predicates[0].(Compare).Value)
	assert.Equal(t, ir.Int(30), and.Predicates[1].(Compare).Value)
	assert.Equal(t, []ir.Value{ir.Float(1), ir.Float(2.5)}, and.Predicates[2].(Compare).Values)
	assert.Equal(t, ir.String("é"), and.Predicates[3].(Compare).Value)

	// the input spec is untouched
	assert.Equal(t, ir.Int(1000), spec.Filter.(And).Predicates[0].(Compare).Value)
}

func TestBindInheritedAttributes(t *testing.T) {
	m := testutil.CompanyModel(t)

	_, err := Bind(For("Contractor").Where(Eq("lastName", ir.String("x"))), m)
	assert.NoError(t, err)

	_, err = Bind(For("Employee").Where(Eq("agency", ir.String("x"))), m)
	var unknown *schema.UnknownAttributeError
	assert.True(t, errors.As(err, &unknown))
}

func TestBindErrors(t *testing.T) {
	m := testutil.CompanyModel(t)
	boss := ir.ObjectID{Entity: "Employee", Key: "b"}

	tests := []struct {
		name    string
		spec    Spec
		wantErr string
	}{
		{"unknown entity", For("Robot"), `no entity "Robot"`},
		{"unknown attribute", For("Employee").Where(Eq("height", ir.Int(1))), `no attribute "height"`},
		{"unknown sort", For("Employee").OrderBy(Asc("height")), `no attribute "height"`},
		{"unknown group", For("Employee").GroupedBy("height"), `no attribute "height"`},
		{"type mismatch", For("Employee").Where(Eq("age", ir.String("x"))), "cannot use string value as int"},
		{"fractional to int", For("Employee").Where(Eq("age", ir.Float(1.5))), "cannot use float value as int"},
		{"ordering on bool", For("Employee").Where(Lt("active", ir.Bool(true))), "needs an ordered attribute"},
		{"ordering on binary", For("Employee").Where(Gt("photo", ir.NewBytes([]byte{1}))), "needs an ordered attribute"},
		{"text on int", For("Employee").Where(Compare{Attr: "age", Op: OpContains, Value: ir.Int(1)}), "needs a string attribute"},
		{"fold on int", For("Employee").Where(Eq("age", ir.Int(1)).CaseInsensitive()), "case-insensitive match"},
		{"null ordering", For("Employee").Where(Lt("age", ir.Null{})), "does not accept null"},
		{"null in", For("Employee").Where(In("age", ir.Null{})), "not a valid member"},
		{"unknown op", For("Employee").Where(Compare{Attr: "age", Op: "~", Value: ir.Int(1)}), "unknown operator"},
		{"negative limit", For("Employee").WithLimit(-1), "limit must not be negative"},
		{"fold sort on int", For("Employee").OrderBy(SortKey{Attr: "age", Fold: true}), "case-insensitive sort"},
		{"unknown relationship", For("Employee").Where(RelatedTo("mentor", boss)), `no attribute "mentor"`},
		{"wrong target", For("Employee").Where(RelatedTo("department", boss)), "is not a Department"},
		{"empty id", For("Employee").Where(RelatedTo("manager", ir.ObjectID{})), "id is empty"},
		{"nil inside and", For("Employee").Where(AllOf(nil)), "nil predicate"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Bind(tt.spec, m)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestBindRelatedSubentityTarget(t *testing.T) {
	m := testutil.CompanyModel(t)
	contractor := ir.ObjectID{Entity: "Contractor", Key: "c"}

	_, err := Bind(For("Employee").Where(RelatedTo("manager", contractor)), m)
	assert.NoError(t, err)
}

func TestAggregateKindNames(t *testing.T) {
	for _, k := range []AggregateKind{Max, Min, Average, Sum} {
		parsed, ok := ParseAggregateKind(k.String())
		require.True(t, ok)
		assert.Equal(t, k, parsed)
	}
	_, ok := ParseAggregateKind("median")
	assert.False(t, ok)
}

func TestSpecBuildersDoNotAlias(t *testing.T) {
	base := For("Employee").OrderBy(Asc("lastName"))
	a := base.OrderBy(Asc("firstName"))
	b := base.OrderBy(Desc("age"))

	assert.Equal(t, []SortKey{Asc("lastName"), Asc("firstName")}, a.Sort)
	assert.Equal(t, []SortKey{Asc("lastName"), Desc("age")}, b.Sort)
	assert.Len(t, base.Sort, 1)
	assert.False(t, base.ExcludeSubentities)
	assert.True(t, base.WithoutSubentities().ExcludeSubentities)
}
