package engine

import (
	"context"
	"fmt"

	"github.com/roach88/confine/internal/ir"
	"github.com/roach88/confine/internal/query"
	"github.com/roach88/confine/internal/store"
)

// FetchAsync runs spec on a background worker and hands the results to
// completion on the calling Context's Thread.
//
// The fetch uses a private Context over the same store, so it sees committed
// data only. Its results are resolved by identity in the calling Context
// before completion runs; entities the caller has marked for deletion are
// left out, and local uncommitted edits are kept.
//
// completion runs exactly once, always from a later task and never before
// FetchAsync returns. If the Thread stops or the Manager closes first it is
// not run at all.
func (c *Context) FetchAsync(spec query.Spec, completion func(*Context, []*Entity, error)) {
	c.confined()
	c.mgr.background(c.thread, func(ctx context.Context, w *Context) ([]*store.Record, error) {
		found, err := w.Fetch(ctx, spec)
		if err != nil {
			return nil, err
		}
		return snapshots(found), nil
	}, func(c *Context, recs []*store.Record, err error) {
		if err != nil {
			completion(c, nil, err)
			return
		}
		out, err := c.adoptRecords(recs)
		completion(c, out, err)
	})
}

// FetchAsDictionaryAsync is FetchAsync for FetchAsDictionary.
func (c *Context) FetchAsDictionaryAsync(spec query.Spec, key string, completion func(*Context, map[ir.Value]*Entity, error)) {
	c.confined()
	c.FetchAsync(spec, func(c *Context, found []*Entity, err error) {
		if err != nil {
			completion(c, nil, err)
			return
		}
		if _, err := c.mgr.model.AttributeType(spec.Entity, key); err != nil {
			completion(c, nil, err)
			return
		}
		completion(c, indexBy(found, key), nil)
	})
}

// adoptRecords materializes background results in c, keeping their order.
func (c *Context) adoptRecords(recs []*store.Record) ([]*Entity, error) {
	out := make([]*Entity, 0, len(recs))
	for _, rec := range recs {
		if e, ok := c.entities[rec.ID]; ok && e.deleted {
			continue
		}
		e, err := c.materialize(rec)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, nil
}

// snapshots copies the committed state of entities out of a private Context.
func snapshots(entities []*Entity) []*store.Record {
	out := make([]*store.Record, 0, len(entities))
	for _, e := range entities {
		rec := e.record()
		rec.Seq = e.seq
		out = append(out, rec)
	}
	return out
}

// background runs fetch on a worker goroutine with a private Context, then
// posts deliver to origin with the outcome. Nothing is posted when origin
// has stopped. Close waits for running workers.
func (m *Manager) background(
	origin *Thread,
	fetch func(ctx context.Context, w *Context) ([]*store.Record, error),
	deliver func(c *Context, recs []*store.Record, err error),
) {
	m.mu.RLock()
	if m.closed {
		m.mu.RUnlock()
		return
	}
	m.workers.Add(1)
	m.mu.RUnlock()

	go func() {
		defer m.workers.Done()

		recs, err := m.runPrivate(fetch)
		if origin == nil {
			return
		}
		if perr := origin.Post(func(c *Context) { deliver(c, recs, err) }); perr != nil {
			m.logger.Debug("background result dropped",
				"model", m.name,
				"thread", origin.name,
				"error", perr,
			)
		}
	}()
}

func (m *Manager) runPrivate(fetch func(ctx context.Context, w *Context) ([]*store.Record, error)) (recs []*store.Record, err error) {
	w, revoke := newWorkspace(m, nil).lease()
	defer func() {
		w.discard()
		revoke()
		if r := recover(); r != nil {
			recs, err = nil, fmt.Errorf("background fetch panicked: %v", r)
		}
	}()
	return fetch(m.baseCtx, w)
}
