package query

import (
	"slices"
	"strings"

	"golang.org/x/text/cases"

	"github.com/roach88/confine/internal/ir"
)

// Row is the view of a record that predicates and sort keys evaluate
// against. Unset attributes read as ir.Null.
type Row interface {
	ObjectID() ir.ObjectID
	AttributeValue(key string) ir.Value
	RelationshipIDs(name string) []ir.ObjectID
}

// Match reports whether r satisfies p. A nil p matches everything.
//
// Match agrees with the SQL compiled by querysql for every predicate the
// store can evaluate, so overlaid results and pushed-down results never
// disagree.
func Match(p Predicate, r Row) bool {
	switch pred := p.(type) {
	case nil, True, *True:
		return true
	case Compare:
		return matchCompare(pred, r)
	case *Compare:
		return matchCompare(*pred, r)
	case And:
		return matchAll(pred.Predicates, r)
	case *And:
		return matchAll(pred.Predicates, r)
	case Or:
		return matchAny(pred.Predicates, r)
	case *Or:
		return matchAny(pred.Predicates, r)
	case Not:
		return !Match(pred.Predicate, r)
	case *Not:
		return !Match(pred.Predicate, r)
	case Related:
		return slices.Contains(r.RelationshipIDs(pred.Relationship), pred.ID)
	case *Related:
		return slices.Contains(r.RelationshipIDs(pred.Relationship), pred.ID)
	default:
		return false
	}
}

func matchAll(ps []Predicate, r Row) bool {
	for _, p := range ps {
		if !Match(p, r) {
			return false
		}
	}
	return true
}

func matchAny(ps []Predicate, r Row) bool {
	for _, p := range ps {
		if Match(p, r) {
			return true
		}
	}
	return false
}

func matchCompare(c Compare, r Row) bool {
	x := r.AttributeValue(c.Attr)

	switch c.Op {
	case OpEq:
		if ir.IsNull(c.Value) {
			return ir.IsNull(x)
		}
		return !ir.IsNull(x) && equal(x, c.Value, c.Fold)
	case OpNe:
		if ir.IsNull(c.Value) {
			return !ir.IsNull(x)
		}
		return ir.IsNull(x) || !equal(x, c.Value, c.Fold)
	}

	if ir.IsNull(x) {
		return false
	}

	switch c.Op {
	case OpLt:
		return compare(x, c.Value, c.Fold) < 0
	case OpLe:
		return compare(x, c.Value, c.Fold) <= 0
	case OpGt:
		return compare(x, c.Value, c.Fold) > 0
	case OpGe:
		return compare(x, c.Value, c.Fold) >= 0
	case OpIn:
		for _, v := range c.Values {
			if equal(x, v, c.Fold) {
				return true
			}
		}
		return false
	case OpContains, OpBeginsWith, OpEndsWith:
		s, ok := x.(ir.String)
		if !ok {
			return false
		}
		sub, ok := c.Value.(ir.String)
		if !ok {
			return false
		}
		hay, needle := string(s), string(sub)
		if c.Fold {
			hay, needle = fold(hay), fold(needle)
		}
		switch c.Op {
		case OpContains:
			return strings.Contains(hay, needle)
		case OpBeginsWith:
			return strings.HasPrefix(hay, needle)
		default:
			return strings.HasSuffix(hay, needle)
		}
	}
	return false
}

func equal(a, b ir.Value, foldCase bool) bool {
	return compare(a, b, foldCase) == 0
}

func compare(a, b ir.Value, foldCase bool) int {
	if foldCase {
		as, aok := a.(ir.String)
		bs, bok := b.(ir.String)
		if aok && bok {
			return strings.Compare(fold(string(as)), fold(string(bs)))
		}
	}
	return ir.Compare(a, b)
}

// fold applies Unicode case folding. A Caser is not safe for concurrent use,
// so one is made per call.
func fold(s string) string {
	return cases.Fold().String(s)
}

// CompareRows orders a before b by keys, then by object identity.
func CompareRows(keys []SortKey, a, b Row) int {
	for _, key := range keys {
		c := compare(a.AttributeValue(key.Attr), b.AttributeValue(key.Attr), key.Fold)
		if key.Descending {
			c = -c
		}
		if c != 0 {
			return c
		}
	}
	return ir.CompareIDs(a.ObjectID(), b.ObjectID())
}

// SortRows sorts rows in place by keys then identity.
func SortRows[R Row](rows []R, keys []SortKey) {
	slices.SortFunc(rows, func(a, b R) int {
		return CompareRows(keys, a, b)
	})
}
