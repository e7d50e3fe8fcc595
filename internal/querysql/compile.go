package querysql

import (
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/roach88/confine/internal/ir"
	"github.com/roach88/confine/internal/query"
)

// ErrNotPushdown is returned for queries the store must evaluate in memory:
// case-insensitive predicates and sorts, and sorts on binary attributes whose
// stored encoding does not preserve byte order.
var ErrNotPushdown = errors.New("query cannot be evaluated in SQL")

var identPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// Query is the store-level shape of a fetch over one entity family.
type Query struct {
	Entities []string           // entity names stored in records.entity
	Filter   query.Predicate    // nil matches everything
	Sort     []query.SortKey    // identity is always the final key
	Limit    int                // 0 = no limit
	Types    map[string]ir.Type // attribute types of the family root
}

// Select compiles q to a parameterised SELECT over the records table.
//
// Every statement ends in ORDER BY ... id ASC COLLATE BINARY so results are
// totally ordered. Values are never interpolated.
func Select(q Query) (string, []any, error) {
	where, params, err := whereClause(q)
	if err != nil {
		return "", nil, err
	}

	order, err := orderBy(q)
	if err != nil {
		return "", nil, err
	}

	sql := "SELECT id, entity, attrs, seq FROM records WHERE " + where + " ORDER BY " + order
	if q.Limit > 0 {
		sql += " LIMIT ?"
		params = append(params, int64(q.Limit))
	}
	return sql, params, nil
}

// SelectAll compiles q without its filter, sort and limit. Used when the
// filter cannot be pushed down and the store matches rows itself.
func SelectAll(q Query) (string, []any, error) {
	q.Filter = nil
	q.Sort = nil
	q.Limit = 0
	return Select(q)
}

// Count compiles a COUNT(*) over the rows matching q. Sort and limit are
// ignored.
func Count(q Query) (string, []any, error) {
	where, params, err := whereClause(q)
	if err != nil {
		return "", nil, err
	}
	return "SELECT COUNT(*) FROM records WHERE " + where, params, nil
}

// Aggregate compiles kind(attr) over the rows matching q. The result is SQL
// NULL when no row has a value.
func Aggregate(q Query, kind query.AggregateKind, attr string) (string, []any, error) {
	col, err := column(attr)
	if err != nil {
		return "", nil, err
	}

	var fn string
	switch kind {
	case query.Max:
		fn = "MAX"
	case query.Min:
		fn = "MIN"
	case query.Average:
		fn = "AVG"
	case query.Sum:
		// SUM over zero rows is NULL, matching the other aggregates
		fn = "SUM"
	default:
		return "", nil, fmt.Errorf("unsupported aggregate %v", kind)
	}
	if t, ok := q.Types[attr]; ok && !kind.Accepts(t) {
		return "", nil, fmt.Errorf("%s is not defined for %s attribute %q", kind, t, attr)
	}

	where, params, err := whereClause(q)
	if err != nil {
		return "", nil, err
	}
	return fmt.Sprintf("SELECT %s(%s) FROM records WHERE %s", fn, col, where), params, nil
}

// Distinct compiles the distinct non-null values of attr over the rows
// matching q, in ascending order.
func Distinct(q Query, attr string) (string, []any, error) {
	col, err := column(attr)
	if err != nil {
		return "", nil, err
	}
	if q.Types[attr] == ir.TypeBinary {
		return "", nil, ErrNotPushdown
	}
	where, params, err := whereClause(q)
	if err != nil {
		return "", nil, err
	}
	return fmt.Sprintf("SELECT DISTINCT %s AS v FROM records WHERE %s AND %s IS NOT NULL ORDER BY v", col, where, col), params, nil
}

func whereClause(q Query) (string, []any, error) {
	if len(q.Entities) == 0 {
		return "", nil, fmt.Errorf("query names no entities")
	}

	marks := make([]string, len(q.Entities))
	params := make([]any, len(q.Entities))
	for i, e := range q.Entities {
		marks[i] = "?"
		params[i] = e
	}
	where := "entity IN (" + strings.Join(marks, ", ") + ")"

	if q.Filter != nil {
		sql, fp, err := compilePredicate(q.Filter)
		if err != nil {
			return "", nil, fmt.Errorf("compile filter: %w", err)
		}
		where += " AND " + sql
		params = append(params, fp...)
	}
	return where, params, nil
}

func orderBy(q Query) (string, error) {
	parts := make([]string, 0, len(q.Sort)+1)
	for _, key := range q.Sort {
		if key.Fold || q.Types[key.Attr] == ir.TypeBinary {
			return "", ErrNotPushdown
		}
		col, err := column(key.Attr)
		if err != nil {
			return "", err
		}
		dir := "ASC"
		if key.Descending {
			dir = "DESC"
		}
		parts = append(parts, col+" "+dir)
	}
	// identity tiebreaker keeps ordering total
	parts = append(parts, "id ASC COLLATE BINARY")
	return strings.Join(parts, ", "), nil
}

// column renders the JSON path expression for attr. Names are restricted to
// identifiers so they can be embedded in the path literal.
func column(attr string) (string, error) {
	if !identPattern.MatchString(attr) {
		return "", fmt.Errorf("invalid attribute name %q", attr)
	}
	return "json_extract(attrs, '$." + attr + "')", nil
}

// compilePredicate compiles p to a WHERE fragment that is never SQL NULL,
// so NOT composes the same way as in memory.
func compilePredicate(p query.Predicate) (string, []any, error) {
	switch pred := p.(type) {
	case nil, query.True, *query.True:
		return "1 = 1", nil, nil
	case query.Compare:
		return compileCompare(pred)
	case *query.Compare:
		return compileCompare(*pred)
	case query.And:
		return compileJunction(pred.Predicates, " AND ", "1 = 1")
	case *query.And:
		return compileJunction(pred.Predicates, " AND ", "1 = 1")
	case query.Or:
		return compileJunction(pred.Predicates, " OR ", "1 = 0")
	case *query.Or:
		return compileJunction(pred.Predicates, " OR ", "1 = 0")
	case query.Not:
		return compileNot(pred)
	case *query.Not:
		return compileNot(*pred)
	case query.Related:
		return compileRelated(pred)
	case *query.Related:
		return compileRelated(*pred)
	default:
		return "", nil, fmt.Errorf("unsupported predicate type: %T", p)
	}
}

func compileJunction(ps []query.Predicate, sep, empty string) (string, []any, error) {
	if len(ps) == 0 {
		return empty, nil, nil
	}
	parts := make([]string, 0, len(ps))
	var params []any
	for _, p := range ps {
		sql, pp, err := compilePredicate(p)
		if err != nil {
			return "", nil, err
		}
		parts = append(parts, sql)
		params = append(params, pp...)
	}
	if len(parts) == 1 {
		return parts[0], params, nil
	}
	return "(" + strings.Join(parts, sep) + ")", params, nil
}

func compileNot(n query.Not) (string, []any, error) {
	sql, params, err := compilePredicate(n.Predicate)
	if err != nil {
		return "", nil, err
	}
	return "NOT (" + sql + ")", params, nil
}

func compileRelated(r query.Related) (string, []any, error) {
	sql := "EXISTS (SELECT 1 FROM relationships r WHERE r.source_id = records.id AND r.name = ? AND r.target_id = ?)"
	return sql, []any{r.Relationship, r.ID.String()}, nil
}

func compileCompare(c query.Compare) (string, []any, error) {
	if c.Fold {
		return "", nil, ErrNotPushdown
	}
	col, err := column(c.Attr)
	if err != nil {
		return "", nil, err
	}

	switch c.Op {
	case query.OpEq:
		if ir.IsNull(c.Value) {
			return col + " IS NULL", nil, nil
		}
		return col + " IS ?", []any{ir.SQLParam(c.Value)}, nil
	case query.OpNe:
		if ir.IsNull(c.Value) {
			return col + " IS NOT NULL", nil, nil
		}
		return col + " IS NOT ?", []any{ir.SQLParam(c.Value)}, nil
	}

	if ir.IsNull(c.Value) && c.Op != query.OpIn {
		return "", nil, fmt.Errorf("operator %s does not accept null", c.Op)
	}
	param := ir.SQLParam(c.Value)

	switch c.Op {
	case query.OpLt, query.OpLe, query.OpGt, query.OpGe:
		return fmt.Sprintf("(%s IS NOT NULL AND %s %s ?)", col, col, c.Op), []any{param}, nil
	case query.OpContains:
		return fmt.Sprintf("(%s IS NOT NULL AND instr(%s, ?) > 0)", col, col), []any{param}, nil
	case query.OpBeginsWith:
		return fmt.Sprintf("(%s IS NOT NULL AND substr(%s, 1, length(?)) = ?)", col, col), []any{param, param}, nil
	case query.OpEndsWith:
		return fmt.Sprintf("(%s IS NOT NULL AND length(%s) >= length(?) AND substr(%s, length(%s) - length(?) + 1) = ?)", col, col, col, col),
			[]any{param, param, param}, nil
	case query.OpIn:
		if len(c.Values) == 0 {
			return "1 = 0", nil, nil
		}
		marks := make([]string, len(c.Values))
		params := make([]any, len(c.Values))
		for i, v := range c.Values {
			marks[i] = "?"
			params[i] = ir.SQLParam(v)
		}
		return fmt.Sprintf("(%s IS NOT NULL AND %s IN (%s))", col, col, strings.Join(marks, ", ")), params, nil
	default:
		return "", nil, fmt.Errorf("unsupported operator %q", c.Op)
	}
}
