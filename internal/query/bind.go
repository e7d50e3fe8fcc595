package query

import (
	"fmt"

	"github.com/roach88/confine/internal/ir"
	"github.com/roach88/confine/internal/schema"
)

// ValidationError reports a Spec that cannot run against the model.
type ValidationError struct {
	Entity  string
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("query on %s: %s", e.Entity, e.Message)
	}
	return fmt.Sprintf("query on %s: %s: %s", e.Entity, e.Field, e.Message)
}

// Bind checks spec against m and returns a copy whose literals are coerced
// to the declared attribute types.
//
// Unknown attributes fail with *schema.UnknownAttributeError; unknown
// entities with *schema.UnknownEntityError; everything else with
// *ValidationError.
func Bind(spec Spec, m *schema.Model) (Spec, error) {
	e, err := m.Entity(spec.Entity)
	if err != nil {
		return Spec{}, err
	}

	b := &binder{model: m, entity: e}

	out := spec
	if spec.Filter != nil {
		out.Filter, err = b.predicate(spec.Filter)
		if err != nil {
			return Spec{}, err
		}
	}

	if spec.Limit < 0 {
		return Spec{}, b.fail("", "limit must not be negative")
	}

	out.Sort = make([]SortKey, len(spec.Sort))
	for i, key := range spec.Sort {
		attr, err := e.Attribute(key.Attr)
		if err != nil {
			return Spec{}, err
		}
		if key.Fold && attr.Type != ir.TypeString {
			return Spec{}, b.fail(key.Attr, "case-insensitive sort needs a string attribute")
		}
		out.Sort[i] = key
	}

	if spec.GroupBy != "" {
		if _, err := e.Attribute(spec.GroupBy); err != nil {
			return Spec{}, err
		}
	}
	return out, nil
}

type binder struct {
	model  *schema.Model
	entity *schema.Entity
}

func (b *binder) fail(field, format string, args ...any) error {
	return &ValidationError{Entity: b.entity.Name, Field: field, Message: fmt.Sprintf(format, args...)}
}

func (b *binder) predicate(p Predicate) (Predicate, error) {
	switch pred := p.(type) {
	case Compare:
		return b.compare(pred)
	case *Compare:
		return b.compare(*pred)
	case And:
		ps, err := b.list(pred.Predicates)
		return And{Predicates: ps}, err
	case *And:
		ps, err := b.list(pred.Predicates)
		return And{Predicates: ps}, err
	case Or:
		ps, err := b.list(pred.Predicates)
		return Or{Predicates: ps}, err
	case *Or:
		ps, err := b.list(pred.Predicates)
		return Or{Predicates: ps}, err
	case Not:
		return b.not(pred)
	case *Not:
		return b.not(*pred)
	case Related:
		return b.related(pred)
	case *Related:
		return b.related(*pred)
	case True, *True:
		return True{}, nil
	case nil:
		return nil, b.fail("", "nil predicate inside composite")
	default:
		return nil, b.fail("", "unsupported predicate type %T", p)
	}
}

func (b *binder) list(ps []Predicate) ([]Predicate, error) {
	out := make([]Predicate, len(ps))
	for i, p := range ps {
		bound, err := b.predicate(p)
		if err != nil {
			return nil, err
		}
		out[i] = bound
	}
	return out, nil
}

func (b *binder) not(n Not) (Predicate, error) {
	inner, err := b.predicate(n.Predicate)
	if err != nil {
		return nil, err
	}
	return Not{Predicate: inner}, nil
}

func (b *binder) compare(c Compare) (Predicate, error) {
	attr, err := b.entity.Attribute(c.Attr)
	if err != nil {
		return nil, err
	}

	switch {
	case c.Op.IsOrdering():
		if !attr.Type.IsOrdered() {
			return nil, b.fail(c.Attr, "operator %s needs an ordered attribute, have %s", c.Op, attr.Type)
		}
	case c.Op.IsText():
		if attr.Type != ir.TypeString {
			return nil, b.fail(c.Attr, "operator %s needs a string attribute, have %s", c.Op, attr.Type)
		}
	case c.Op == OpEq, c.Op == OpNe, c.Op == OpIn:
	default:
		return nil, b.fail(c.Attr, "unknown operator %q", c.Op)
	}
	if c.Fold && attr.Type != ir.TypeString {
		return nil, b.fail(c.Attr, "case-insensitive match needs a string attribute")
	}

	out := Compare{Attr: c.Attr, Op: c.Op, Fold: c.Fold}
	if c.Op == OpIn {
		out.Values = make([]ir.Value, 0, len(c.Values))
		for _, v := range c.Values {
			if ir.IsNull(v) {
				return nil, b.fail(c.Attr, "in: null is not a valid member")
			}
			cv, err := ir.Coerce(v, attr.Type)
			if err != nil {
				return nil, b.fail(c.Attr, "%v", err)
			}
			out.Values = append(out.Values, cv)
		}
		return out, nil
	}

	if ir.IsNull(c.Value) {
		if c.Op != OpEq && c.Op != OpNe {
			return nil, b.fail(c.Attr, "operator %s does not accept null", c.Op)
		}
		out.Value = ir.Null{}
		return out, nil
	}
	out.Value, err = ir.Coerce(c.Value, attr.Type)
	if err != nil {
		return nil, b.fail(c.Attr, "%v", err)
	}
	return out, nil
}

func (b *binder) related(r Related) (Predicate, error) {
	rel, err := b.entity.Relationship(r.Relationship)
	if err != nil {
		return nil, err
	}
	if r.ID.IsZero() {
		return nil, b.fail(r.Relationship, "related object id is empty")
	}
	if !b.model.IsKindOf(r.ID.Entity, rel.Target) {
		return nil, b.fail(r.Relationship, "%s is not a %s", r.ID, rel.Target)
	}
	return r, nil
}
