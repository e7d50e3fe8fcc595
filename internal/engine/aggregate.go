package engine

import (
	"context"
	"fmt"

	"github.com/roach88/confine/internal/ir"
	"github.com/roach88/confine/internal/query"
	"github.com/roach88/confine/internal/store"
)

// Aggregate computes kind over attr for the entities matching spec and
// returns def when there is no value to compute from: Sum over nothing is
// def, not zero. Pending changes of the Context are taken into account.
//
// Sum and Average need a numeric attribute, Max and Min an ordered one.
func (c *Context) Aggregate(ctx context.Context, kind query.AggregateKind, attr string, spec query.Spec, def ir.Value) (ir.Value, error) {
	c.confined()

	t, err := c.mgr.model.AttributeType(spec.Entity, attr)
	if err != nil {
		return nil, err
	}
	if !kind.Accepts(t) {
		return nil, &query.ValidationError{
			Entity:  spec.Entity,
			Field:   attr,
			Message: fmt.Sprintf("%s does not apply to %s attributes", kind, t),
		}
	}

	st, err := c.mgr.store()
	if err != nil {
		return nil, err
	}
	bound, req, err := c.request(spec)
	if err != nil {
		return nil, err
	}

	var v ir.Value
	if agg, ok := st.(store.Aggregator); ok && bound.Limit == 0 && !c.hasPendingFor(req.Entities) {
		req.Sort = nil
		v, err = agg.Aggregate(ctx, req, kind, attr)
		if err != nil {
			return nil, fmt.Errorf("%s %s.%s: %w", kind, spec.Entity, attr, err)
		}
	} else {
		found, err := c.Fetch(ctx, bound)
		if err != nil {
			return nil, err
		}
		v = query.Aggregate(found, kind, attr)
	}

	if ir.IsNull(v) {
		return def, nil
	}
	return v, nil
}

// DistinctValues returns the distinct non-null values of attr among the
// entities matching spec, in ascending order.
func (c *Context) DistinctValues(ctx context.Context, attr string, spec query.Spec) ([]ir.Value, error) {
	c.confined()

	if _, err := c.mgr.model.AttributeType(spec.Entity, attr); err != nil {
		return nil, err
	}
	st, err := c.mgr.store()
	if err != nil {
		return nil, err
	}
	bound, req, err := c.request(spec)
	if err != nil {
		return nil, err
	}

	if d, ok := st.(store.Distincter); ok && bound.Limit == 0 && !c.hasPendingFor(req.Entities) {
		req.Sort = nil
		vs, err := d.Distinct(ctx, req, attr)
		if err != nil {
			return nil, fmt.Errorf("distinct %s.%s: %w", spec.Entity, attr, err)
		}
		return vs, nil
	}

	found, err := c.Fetch(ctx, bound)
	if err != nil {
		return nil, err
	}
	return query.Distinct(found, attr), nil
}
