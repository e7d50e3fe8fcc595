package query

import (
	"slices"

	"github.com/roach88/confine/internal/ir"
)

// Aggregate computes kind over the values of attr in rows. Null values are
// ignored; the result is ir.Null when none remain. Average is always Float;
// Sum keeps Int when every value is Int.
func Aggregate[R Row](rows []R, kind AggregateKind, attr string) ir.Value {
	var (
		result  ir.Value = ir.Null{}
		sum     float64
		intSum  int64
		allInts = true
		n       int
	)
	for _, r := range rows {
		v := r.AttributeValue(attr)
		if ir.IsNull(v) {
			continue
		}
		n++
		switch kind {
		case Max:
			if ir.IsNull(result) || ir.Compare(v, result) > 0 {
				result = v
			}
		case Min:
			if ir.IsNull(result) || ir.Compare(v, result) < 0 {
				result = v
			}
		case Sum, Average:
			switch num := v.(type) {
			case ir.Int:
				intSum += int64(num)
				sum += float64(num)
			case ir.Float:
				allInts = false
				sum += float64(num)
			case ir.Bool:
				if num {
					intSum++
					sum++
				}
			}
		}
	}
	if n == 0 {
		return ir.Null{}
	}
	switch kind {
	case Sum:
		if allInts {
			return ir.Int(intSum)
		}
		return ir.Float(sum)
	case Average:
		return ir.Float(sum / float64(n))
	}
	return result
}

// Distinct returns the distinct non-null values of attr in rows in
// ascending order.
func Distinct[R Row](rows []R, attr string) []ir.Value {
	var out []ir.Value
	for _, r := range rows {
		v := r.AttributeValue(attr)
		if ir.IsNull(v) {
			continue
		}
		if !slices.ContainsFunc(out, func(x ir.Value) bool { return ir.Equal(x, v) }) {
			out = append(out, v)
		}
	}
	slices.SortFunc(out, ir.Compare)
	if out == nil {
		out = []ir.Value{}
	}
	return out
}
