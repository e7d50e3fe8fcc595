package query

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/confine/internal/ir"
	"github.com/roach88/confine/internal/testutil"
)

func TestParse(t *testing.T) {
	m := testutil.CompanyModel(t)
	employee, err := m.Entity("Employee")
	require.NoError(t, err)

	hired := ir.NewTime(time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC))
	boss := ir.ObjectID{Entity: "Employee", Key: "boss"}

	tests := []struct {
		input string
		want  Predicate
	}{
		{`lastName == "Smith"`, Eq("lastName", ir.String("Smith"))},
		{`age >= 30`, Ge("age", ir.Int(30))},
		{`30 < age`, Gt("age", ir.Int(30))},
		{`salary > 1000`, Gt("salary", ir.Float(1000))},
		{`salary < 99.5`, Lt("salary", ir.Float(99.5))},
		{`age > -1`, Gt("age", ir.Int(-1))},
		{`firstName != nil`, IsSet("firstName")},
		{`firstName == nil`, IsNull("firstName")},
		{`active`, Eq("active", ir.Bool(true))},
		{`!active`, Negate(Eq("active", ir.Bool(true)))},
		{`active == false`, Eq("active", ir.Bool(false))},
		{`hired < "2020-01-01"`, Lt("hired", hired)},
		{`hired < date("2020-01-01")`, Lt("hired", hired)},
		{`firstName in ["Ann", "Bob"]`, In("firstName", ir.String("Ann"), ir.String("Bob"))},
		{`lastName contains "mit"`, Contains("lastName", "mit")},
		{`lastName startsWith "Sm"`, BeginsWith("lastName", "Sm")},
		{`lastName endsWith "th"`, EndsWith("lastName", "th")},
		{`lower(lastName) == "smith"`, Eq("lastName", ir.String("smith")).CaseInsensitive()},
		{`manager == "Employee/boss"`, RelatedTo("manager", boss)},
		{`"Employee/boss" in reports`, RelatedTo("reports", boss)},
		{`reports contains "Employee/boss"`, RelatedTo("reports", boss)},
		{
			`age > 1 && age < 9 && active`,
			AllOf(Gt("age", ir.Int(1)), Lt("age", ir.Int(9)), Eq("active", ir.Bool(true))),
		},
		{
			`age == 1 or age == 2 or age == 3`,
			AnyOf(Eq("age", ir.Int(1)), Eq("age", ir.Int(2)), Eq("age", ir.Int(3))),
		},
		{
			`lastName == "Smith" && (age >= 30 || not active)`,
			AllOf(
				Eq("lastName", ir.String("Smith")),
				AnyOf(Ge("age", ir.Int(30)), Negate(Eq("active", ir.Bool(true)))),
			),
		},
		{`true`, True{}},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got, err := Parse(tt.input, employee)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)

			// every parsed filter binds
			_, err = Bind(For("Employee").Where(got), m)
			assert.NoError(t, err)
		})
	}
}

func TestParseErrors(t *testing.T) {
	m := testutil.CompanyModel(t)
	employee, err := m.Entity("Employee")
	require.NoError(t, err)

	tests := []struct {
		input   string
		wantErr string
	}{
		{`age >`, "syntax error"},
		{`height == 3`, "must compare one attribute"},
		{`age == firstName`, "must compare one attribute"},
		{`age + 1 == 3`, "must compare one attribute"},
		{`age`, "not a bool attribute"},
		{`age == "abc"`, "parse int"},
		{`age in 3`, "literal list"},
		{`manager == "nope"`, "invalid object id"},
		{`manager > "Employee/x"`, "does not apply to relationship"},
		{`lastName matches "S.*"`, "unsupported operator"},
		{`hired < date(3)`, "needs a string argument"},
		{`age == len("x")`, "unsupported"},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			_, err := Parse(tt.input, employee)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}
