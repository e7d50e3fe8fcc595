package engine

import (
	"context"
	"fmt"
	"slices"

	"github.com/roach88/confine/internal/ir"
	"github.com/roach88/confine/internal/query"
	"github.com/roach88/confine/internal/store"
)

// request binds spec against the model and resolves its entity family.
func (c *Context) request(spec query.Spec) (query.Spec, store.Request, error) {
	bound, err := query.Bind(spec, c.mgr.model)
	if err != nil {
		return query.Spec{}, store.Request{}, err
	}
	family, err := c.mgr.model.Family(bound.Entity, !bound.ExcludeSubentities)
	if err != nil {
		return query.Spec{}, store.Request{}, err
	}
	return bound, store.Request{
		Entities: family,
		Filter:   bound.Filter,
		Sort:     bound.Sort,
		Limit:    bound.Limit,
	}, nil
}

// hasPendingFor reports whether any uncommitted change touches an entity of
// family.
func (c *Context) hasPendingFor(family []string) bool {
	for _, pending := range []map[ir.ObjectID]*Entity{c.inserted, c.updated, c.deleted} {
		for id := range pending {
			if slices.Contains(family, id.Entity) {
				return true
			}
		}
	}
	return false
}

// Fetch returns the entities matching spec, sorted by its sort keys and then
// by identity, after the limit. Uncommitted changes of the Context are
// visible: inserted and edited entities are matched on their local values,
// entities marked for deletion are left out. Nothing matching is an empty
// slice, not an error.
func (c *Context) Fetch(ctx context.Context, spec query.Spec) ([]*Entity, error) {
	c.confined()

	st, err := c.mgr.store()
	if err != nil {
		return nil, err
	}
	bound, req, err := c.request(spec)
	if err != nil {
		return nil, err
	}

	if !c.hasPendingFor(req.Entities) {
		recs, err := st.Read(ctx, req)
		if err != nil {
			return nil, fmt.Errorf("fetch %s: %w", spec.Entity, err)
		}
		out := make([]*Entity, 0, len(recs))
		for _, rec := range recs {
			e, err := c.materialize(rec)
			if err != nil {
				return nil, err
			}
			out = append(out, e)
		}
		return out, nil
	}

	// Overlay: every stored record matching on committed values, plus every
	// pending entity of the family, re-matched on local values.
	unlimited := req
	unlimited.Limit = 0
	recs, err := st.Read(ctx, unlimited)
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", spec.Entity, err)
	}

	seen := make(map[ir.ObjectID]bool, len(recs))
	candidates := make([]*Entity, 0, len(recs))
	for _, rec := range recs {
		if _, gone := c.deleted[rec.ID]; gone {
			continue
		}
		e, err := c.materialize(rec)
		if err != nil {
			return nil, err
		}
		seen[e.id] = true
		candidates = append(candidates, e)
	}
	for _, pending := range []map[ir.ObjectID]*Entity{c.inserted, c.updated} {
		for id, e := range pending {
			if !seen[id] && slices.Contains(req.Entities, id.Entity) {
				seen[id] = true
				candidates = append(candidates, e)
			}
		}
	}

	out := make([]*Entity, 0, len(candidates))
	for _, e := range candidates {
		if query.Match(bound.Filter, e) {
			out = append(out, e)
		}
	}
	query.SortRows(out, bound.Sort)
	if bound.Limit > 0 && len(out) > bound.Limit {
		out = out[:bound.Limit]
	}
	return out, nil
}

// FetchAll returns every entity of entity and its subentities.
func (c *Context) FetchAll(ctx context.Context, entity string) ([]*Entity, error) {
	return c.Fetch(ctx, query.For(entity))
}

// Get returns the first entity matching spec, or a *NotFoundError.
func (c *Context) Get(ctx context.Context, spec query.Spec) (*Entity, error) {
	found, err := c.Fetch(ctx, spec.WithLimit(1))
	if err != nil {
		return nil, err
	}
	if len(found) == 0 {
		return nil, &NotFoundError{Entity: spec.Entity}
	}
	return found[0], nil
}

// FetchAsDictionary indexes the result of spec by the value of key. Entities
// with no value for key are left out; when two share a value the later one
// in fetch order wins.
func (c *Context) FetchAsDictionary(ctx context.Context, spec query.Spec, key string) (map[ir.Value]*Entity, error) {
	c.confined()
	if _, err := c.mgr.model.AttributeType(spec.Entity, key); err != nil {
		return nil, err
	}
	found, err := c.Fetch(ctx, spec)
	if err != nil {
		return nil, err
	}
	return indexBy(found, key), nil
}

func indexBy(entities []*Entity, key string) map[ir.Value]*Entity {
	out := make(map[ir.Value]*Entity, len(entities))
	for _, e := range entities {
		v := e.AttributeValue(key)
		if ir.IsNull(v) {
			continue
		}
		out[v] = e
	}
	return out
}

// FetchGrouped partitions the result of spec by the value of spec.GroupBy.
// Entities with no value are grouped under ir.Null{}. Each group keeps fetch
// order.
func (c *Context) FetchGrouped(ctx context.Context, spec query.Spec) (map[ir.Value][]*Entity, error) {
	c.confined()
	if spec.GroupBy == "" {
		return nil, &query.ValidationError{Entity: spec.Entity, Message: "grouped fetch needs a group-by attribute"}
	}
	found, err := c.Fetch(ctx, spec)
	if err != nil {
		return nil, err
	}
	out := make(map[ir.Value][]*Entity)
	for _, e := range found {
		v := e.AttributeValue(spec.GroupBy)
		if ir.IsNull(v) {
			v = ir.Null{}
		}
		out[v] = append(out[v], e)
	}
	return out, nil
}

// Count returns the number of entities Fetch would return for spec.
func (c *Context) Count(ctx context.Context, spec query.Spec) (int, error) {
	c.confined()

	st, err := c.mgr.store()
	if err != nil {
		return 0, err
	}
	bound, req, err := c.request(spec)
	if err != nil {
		return 0, err
	}

	if counter, ok := st.(store.Counter); ok && !c.hasPendingFor(req.Entities) {
		req.Sort, req.Limit = nil, 0
		n, err := counter.Count(ctx, req)
		if err != nil {
			return 0, fmt.Errorf("count %s: %w", spec.Entity, err)
		}
		if bound.Limit > 0 && n > bound.Limit {
			n = bound.Limit
		}
		return n, nil
	}

	found, err := c.Fetch(ctx, bound)
	if err != nil {
		return 0, err
	}
	return len(found), nil
}

// ObjectWithID returns the entity with identity id, loading it from the store
// if the Context does not hold it. Fails with *NotFoundError when the store
// has no such record or the Context has marked it for deletion.
func (c *Context) ObjectWithID(ctx context.Context, id ir.ObjectID) (*Entity, error) {
	c.confined()

	if _, err := c.mgr.model.Entity(id.Entity); err != nil {
		return nil, err
	}
	if e, ok := c.entities[id]; ok {
		if e.deleted {
			return nil, &NotFoundError{ID: id}
		}
		return e, nil
	}

	st, err := c.mgr.store()
	if err != nil {
		return nil, err
	}
	recs, err := st.ReadIDs(ctx, []ir.ObjectID{id})
	if err != nil {
		return nil, fmt.Errorf("load %s: %w", id, err)
	}
	if len(recs) == 0 {
		return nil, &NotFoundError{ID: id}
	}
	return c.materialize(recs[0])
}

// resolve returns the entities for ids in order, skipping identities that
// are gone or marked for deletion.
func (c *Context) resolve(ctx context.Context, ids []ir.ObjectID) ([]*Entity, error) {
	var missing []ir.ObjectID
	for _, id := range ids {
		if _, ok := c.entities[id]; !ok {
			missing = append(missing, id)
		}
	}
	if len(missing) > 0 {
		st, err := c.mgr.store()
		if err != nil {
			return nil, err
		}
		recs, err := st.ReadIDs(ctx, missing)
		if err != nil {
			return nil, fmt.Errorf("resolve: %w", err)
		}
		for _, rec := range recs {
			if _, err := c.materialize(rec); err != nil {
				return nil, err
			}
		}
	}

	out := make([]*Entity, 0, len(ids))
	for _, id := range ids {
		if e, ok := c.entities[id]; ok && !e.deleted {
			out = append(out, e)
		}
	}
	return out, nil
}

// materialize returns the registered entity for rec, registering a new one
// if needed. A clean registered entity is refreshed when rec is newer; one
// with local changes keeps them.
func (c *Context) materialize(rec *store.Record) (*Entity, error) {
	if e, ok := c.entities[rec.ID]; ok {
		if !e.hasChanges() && !e.deleted && rec.Seq > e.seq {
			e.load(rec)
		}
		return e, nil
	}

	def, err := c.mgr.model.Entity(rec.ID.Entity)
	if err != nil {
		return nil, err
	}
	e := newEntity(c.workspace, def, rec.ID)
	e.load(rec)
	c.entities[e.id] = e
	return e, nil
}

// NewOrExisting returns the first entity matching spec, or inserts one when
// nothing matches. The inserted entity takes the values of the equality tests
// at the top level of spec's filter, alone or joined by AllOf. created
// reports whether an insert happened.
func (c *Context) NewOrExisting(ctx context.Context, spec query.Spec) (e *Entity, created bool, err error) {
	bound, err := query.Bind(spec, c.mgr.model)
	if err != nil {
		return nil, false, err
	}
	e, err = c.Get(ctx, bound)
	if err == nil {
		return e, false, nil
	}
	if !IsNotFound(err) {
		return nil, false, err
	}

	e, err = c.Insert(bound.Entity)
	if err != nil {
		return nil, false, err
	}
	for _, cmp := range equalities(bound.Filter) {
		if err := e.Set(cmp.Attr, cmp.Value); err != nil {
			e.Delete()
			return nil, false, err
		}
	}
	return e, true, nil
}

func equalities(p query.Predicate) []query.Compare {
	switch p := p.(type) {
	case query.Compare:
		if p.Op == query.OpEq && !p.Fold && !ir.IsNull(p.Value) {
			return []query.Compare{p}
		}
	case query.And:
		var out []query.Compare
		for _, sub := range p.Predicates {
			if cmp, ok := sub.(query.Compare); ok {
				out = append(out, equalities(cmp)...)
			}
		}
		return out
	}
	return nil
}

// DeleteMatching marks every entity matching spec for deletion and returns
// how many were marked. Limit and sort are honoured.
func (c *Context) DeleteMatching(ctx context.Context, spec query.Spec) (int, error) {
	found, err := c.Fetch(ctx, spec)
	if err != nil {
		return 0, err
	}
	for _, e := range found {
		e.Delete()
	}
	return len(found), nil
}

// DeleteAll marks every entity of entity and its subentities for deletion.
func (c *Context) DeleteAll(ctx context.Context, entity string) (int, error) {
	return c.DeleteMatching(ctx, query.For(entity))
}

// Adopt resolves entities from other Contexts in this one, by identity. Only
// ID is read from the foreign entities, so they may belong to any Thread.
func (c *Context) Adopt(ctx context.Context, entities []*Entity) ([]*Entity, error) {
	out := make([]*Entity, 0, len(entities))
	for _, foreign := range entities {
		e, err := c.ObjectWithID(ctx, foreign.ID())
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, nil
}

// AdoptMap is Adopt for the values of a map.
func AdoptMap[K comparable](ctx context.Context, c *Context, entities map[K]*Entity) (map[K]*Entity, error) {
	out := make(map[K]*Entity, len(entities))
	for k, foreign := range entities {
		e, err := c.ObjectWithID(ctx, foreign.ID())
		if err != nil {
			return nil, fmt.Errorf("adopt %v: %w", k, err)
		}
		out[k] = e
	}
	return out, nil
}
