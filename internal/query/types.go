package query

import (
	"github.com/roach88/confine/internal/ir"
)

// Predicate is a filter condition over the records of one entity family.
//
// This is a sealed interface - only types in this package implement it.
// Backends switch exhaustively over the variants:
//   - Compare: attribute <op> literal
//   - And, Or, Not: boolean composition
//   - Related: relationship contains an object
//   - True: matches everything
//
// A nil Predicate matches every record.
type Predicate interface {
	predicateNode()
}

// Op is a comparison operator.
type Op string

const (
	OpEq         Op = "=="
	OpNe         Op = "!="
	OpLt         Op = "<"
	OpLe         Op = "<="
	OpGt         Op = ">"
	OpGe         Op = ">="
	OpContains   Op = "contains"
	OpBeginsWith Op = "beginsWith"
	OpEndsWith   Op = "endsWith"
	OpIn         Op = "in"
)

// IsOrdering reports whether the operator needs an ordered attribute type.
func (o Op) IsOrdering() bool {
	return o == OpLt || o == OpLe || o == OpGt || o == OpGe
}

// IsText reports whether the operator applies only to string attributes.
func (o Op) IsText() bool {
	return o == OpContains || o == OpBeginsWith || o == OpEndsWith
}

// Compare tests one attribute against a literal.
//
// Null semantics follow SQL with an explicit null test: Eq with a Null value
// matches unset attributes, Ne with a non-null value matches unset
// attributes too, and every other operator is false for an unset attribute.
//
// Fold requests case-insensitive matching for string attributes. Folded
// comparisons are evaluated in memory rather than in the store.
type Compare struct {
	Attr   string
	Op     Op
	Value  ir.Value   // operand for every operator except In
	Values []ir.Value // operands for In
	Fold   bool
}

func (Compare) predicateNode() {}

// CaseInsensitive returns a copy of c with Fold set.
func (c Compare) CaseInsensitive() Compare {
	c.Fold = true
	return c
}

// And matches when every predicate matches. An empty And matches everything.
type And struct {
	Predicates []Predicate
}

func (And) predicateNode() {}

// Or matches when any predicate matches. An empty Or matches nothing.
type Or struct {
	Predicates []Predicate
}

func (Or) predicateNode() {}

// Not inverts a predicate.
type Not struct {
	Predicate Predicate
}

func (Not) predicateNode() {}

// Related matches records whose relationship refers to ID. Works for both
// to-one and to-many relationships.
type Related struct {
	Relationship string
	ID           ir.ObjectID
}

func (Related) predicateNode() {}

// True matches every record.
type True struct{}

func (True) predicateNode() {}

// Eq builds attr == v.
func Eq(attr string, v ir.Value) Compare { return Compare{Attr: attr, Op: OpEq, Value: v} }

// Ne builds attr != v.
func Ne(attr string, v ir.Value) Compare { return Compare{Attr: attr, Op: OpNe, Value: v} }

// Lt builds attr < v.
func Lt(attr string, v ir.Value) Compare { return Compare{Attr: attr, Op: OpLt, Value: v} }

// Le builds attr <= v.
func Le(attr string, v ir.Value) Compare { return Compare{Attr: attr, Op: OpLe, Value: v} }

// Gt builds attr > v.
func Gt(attr string, v ir.Value) Compare { return Compare{Attr: attr, Op: OpGt, Value: v} }

// Ge builds attr >= v.
func Ge(attr string, v ir.Value) Compare { return Compare{Attr: attr, Op: OpGe, Value: v} }

// IsNull builds attr == null.
func IsNull(attr string) Compare { return Eq(attr, ir.Null{}) }

// IsSet builds attr != null.
func IsSet(attr string) Compare { return Ne(attr, ir.Null{}) }

// Contains builds a substring test.
func Contains(attr, s string) Compare {
	return Compare{Attr: attr, Op: OpContains, Value: ir.NewString(s)}
}

// BeginsWith builds a prefix test.
func BeginsWith(attr, s string) Compare {
	return Compare{Attr: attr, Op: OpBeginsWith, Value: ir.NewString(s)}
}

// EndsWith builds a suffix test.
func EndsWith(attr, s string) Compare {
	return Compare{Attr: attr, Op: OpEndsWith, Value: ir.NewString(s)}
}

// In builds a set membership test.
func In(attr string, vs ...ir.Value) Compare {
	return Compare{Attr: attr, Op: OpIn, Values: vs}
}

// AllOf combines predicates with AND.
func AllOf(ps ...Predicate) And { return And{Predicates: ps} }

// AnyOf combines predicates with OR.
func AnyOf(ps ...Predicate) Or { return Or{Predicates: ps} }

// Negate wraps p in Not.
func Negate(p Predicate) Not { return Not{Predicate: p} }

// RelatedTo builds a relationship membership test.
func RelatedTo(rel string, id ir.ObjectID) Related {
	return Related{Relationship: rel, ID: id}
}

// SortKey orders results by one attribute.
type SortKey struct {
	Attr       string
	Descending bool
	Fold       bool // case-insensitive ordering for strings
}

// Asc sorts ascending by attr.
func Asc(attr string) SortKey { return SortKey{Attr: attr} }

// Desc sorts descending by attr.
func Desc(attr string) SortKey { return SortKey{Attr: attr, Descending: true} }

// Spec is a declarative fetch request.
//
// Results are sorted by Sort and then by object identity, so ordering is
// total. Limit 0 returns everything. Subentities are included unless
// ExcludeSubentities is set.
type Spec struct {
	Entity             string
	Filter             Predicate
	Sort               []SortKey
	Limit              int
	ExcludeSubentities bool
	GroupBy            string
}

// For starts a Spec for entity.
func For(entity string) Spec {
	return Spec{Entity: entity}
}

// Where sets the filter.
func (s Spec) Where(p Predicate) Spec {
	s.Filter = p
	return s
}

// OrderBy appends sort keys.
func (s Spec) OrderBy(keys ...SortKey) Spec {
	s.Sort = append(append([]SortKey(nil), s.Sort...), keys...)
	return s
}

// WithLimit sets the maximum number of results.
func (s Spec) WithLimit(n int) Spec {
	s.Limit = n
	return s
}

// WithoutSubentities restricts results to the exact entity.
func (s Spec) WithoutSubentities() Spec {
	s.ExcludeSubentities = true
	return s
}

// GroupedBy sets the attribute used by grouped fetches.
func (s Spec) GroupedBy(attr string) Spec {
	s.GroupBy = attr
	return s
}

// AggregateKind selects an aggregate function.
type AggregateKind int

const (
	Max AggregateKind = iota
	Min
	Average
	Sum
)

func (k AggregateKind) String() string {
	switch k {
	case Max:
		return "max"
	case Min:
		return "min"
	case Average:
		return "avg"
	case Sum:
		return "sum"
	default:
		return "unknown"
	}
}

// Accepts reports whether the aggregate applies to attributes of type t.
func (k AggregateKind) Accepts(t ir.Type) bool {
	switch k {
	case Sum, Average:
		return t.IsNumeric()
	case Max, Min:
		return t.IsOrdered()
	default:
		return false
	}
}

// ParseAggregateKind parses the names produced by String.
func ParseAggregateKind(s string) (AggregateKind, bool) {
	switch s {
	case "max":
		return Max, true
	case "min":
		return Min, true
	case "avg", "average":
		return Average, true
	case "sum":
		return Sum, true
	default:
		return 0, false
	}
}
