package engine

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"sync/atomic"

	"github.com/roach88/confine/internal/ir"
	"github.com/roach88/confine/internal/schema"
	"github.com/roach88/confine/internal/store"
)

// Context is a thread-confined working set of entities over the Manager's
// store. It tracks inserted, updated and deleted entities until Commit or
// Rollback.
//
// Each task on a Thread is handed its own *Context over the Thread's working
// set. The handle is revoked when the task returns: every method panics with
// ErrNotConfined when called through a handle other than the one of the task
// running right now, so a Context that escapes its task is useless in every
// later task as well as between tasks. Contexts take no locks.
type Context struct {
	*workspace
}

// workspace is the state behind a Thread's Contexts. It lives as long as
// the Thread; the handles given to tasks do not.
type workspace struct {
	mgr    *Manager
	thread *Thread // nil for the private workspace of a background fetch

	// active is the handle of the running task, nil between tasks.
	active atomic.Pointer[Context]

	entities map[ir.ObjectID]*Entity // registered, by identity
	inserted map[ir.ObjectID]*Entity
	updated  map[ir.ObjectID]*Entity
	deleted  map[ir.ObjectID]*Entity
}

var (
	_ Inserter = (*Context)(nil)
	_ Fetcher  = (*Context)(nil)
)

func newWorkspace(m *Manager, t *Thread) *workspace {
	return &workspace{
		mgr:      m,
		thread:   t,
		entities: make(map[ir.ObjectID]*Entity),
		inserted: make(map[ir.ObjectID]*Entity),
		updated:  make(map[ir.ObjectID]*Entity),
		deleted:  make(map[ir.ObjectID]*Entity),
	}
}

// lease issues the handle for one task and makes it the only valid one.
// The returned function revokes it.
func (w *workspace) lease() (*Context, func()) {
	c := &Context{workspace: w}
	w.active.Store(c)
	return c, func() { w.active.CompareAndSwap(c, nil) }
}

// current returns the handle of the running task, panicking with
// ErrNotConfined between tasks.
func (w *workspace) current() *Context {
	c := w.active.Load()
	if c == nil {
		panic(ErrNotConfined)
	}
	return c
}

// inTask panics with ErrNotConfined between tasks.
func (w *workspace) inTask() {
	w.current()
}

// confined panics with ErrNotConfined unless c belongs to the running task.
func (c *Context) confined() {
	if c.active.Load() != c {
		panic(ErrNotConfined)
	}
}

// Thread returns the owning Thread.
func (c *Context) Thread() *Thread {
	c.confined()
	return c.thread
}

// Manager returns the Manager the Context belongs to.
func (c *Context) Manager() *Manager {
	c.confined()
	return c.mgr
}

// Model returns the data model.
func (c *Context) Model() *schema.Model {
	c.confined()
	return c.mgr.model
}

// AttributeType returns the declared type of entity's attribute key.
func (c *Context) AttributeType(entity, key string) (ir.Type, error) {
	c.confined()
	return c.mgr.model.AttributeType(entity, key)
}

func (w *workspace) threadName() string {
	if w.thread == nil {
		return ""
	}
	return w.thread.name
}

// Insert creates a new entity. It is not visible to the store or to other
// Contexts until Commit.
func (c *Context) Insert(entity string) (*Entity, error) {
	c.confined()

	def, err := c.mgr.model.Entity(entity)
	if err != nil {
		return nil, err
	}
	e := newEntity(c.workspace, def, ir.ObjectID{Entity: entity, Key: c.mgr.ids.Generate()})
	e.inserted = true
	c.entities[e.id] = e
	c.inserted[e.id] = e
	return e, nil
}

// PendingChangeCount returns the number of inserted, updated and deleted
// entities not yet committed.
func (c *Context) PendingChangeCount() int {
	c.confined()
	return len(c.inserted) + len(c.updated) + len(c.deleted)
}

// HasChanges reports whether anything is pending.
func (c *Context) HasChanges() bool {
	return c.PendingChangeCount() > 0
}

// Commit persists the pending changes atomically and merges them into every
// other live Context. On failure the pending changes are left exactly as
// they were and a *CommitError is returned.
func (c *Context) Commit(ctx context.Context) error {
	c.confined()
	return c.mgr.commit(ctx, c)
}

// DeleteStore is Manager.DeleteStore for use from a task. Every other
// Thread has exited when it returns; this Context is discarded once the
// current task returns, and must not be used for anything else meanwhile.
func (c *Context) DeleteStore(ctx context.Context) error {
	c.confined()
	return c.mgr.deleteStore(ctx, c.thread)
}

// Rollback discards every pending change: inserted entities become
// invalid, deleted ones are restored, and edited ones revert to their
// committed values.
func (c *Context) Rollback() {
	c.confined()

	for _, e := range c.inserted {
		e.invalid = true
		delete(c.entities, e.id)
	}
	for _, e := range c.updated {
		e.revert()
	}
	for _, e := range c.deleted {
		e.deleted = false
		e.revert()
	}
	clear(c.inserted)
	clear(c.updated)
	clear(c.deleted)
}

// Registered returns the number of entities the Context currently holds.
func (c *Context) Registered() int {
	c.confined()
	return len(c.entities)
}

// track keeps e's membership of the updated set in step with its dirty
// state.
func (w *workspace) track(e *Entity) {
	if e.inserted || e.deleted {
		return
	}
	if e.hasChanges() {
		w.updated[e.id] = e
	} else {
		delete(w.updated, e.id)
	}
}

// evict removes e from the Context entirely and invalidates it.
func (w *workspace) evict(e *Entity) {
	e.invalid = true
	delete(w.entities, e.id)
	delete(w.inserted, e.id)
	delete(w.updated, e.id)
	delete(w.deleted, e.id)
}

// discard invalidates every entity. Called when the Thread stops.
func (w *workspace) discard() {
	for _, e := range w.entities {
		e.invalid = true
	}
	clear(w.entities)
	clear(w.inserted)
	clear(w.updated)
	clear(w.deleted)
}

// changeSet builds the store change set for the pending changes, in
// identity order. Required attributes are checked on inserted and updated
// entities.
func (c *Context) changeSet() (store.ChangeSet, error) {
	var cs store.ChangeSet

	for _, id := range sortedIDs(c.inserted) {
		e := c.inserted[id]
		if err := e.checkRequired(); err != nil {
			return store.ChangeSet{}, err
		}
		cs.Inserts = append(cs.Inserts, e.record())
	}

	for _, id := range sortedIDs(c.updated) {
		e := c.updated[id]
		if err := e.checkRequired(); err != nil {
			return store.ChangeSet{}, err
		}
		cs.Updates = append(cs.Updates, e.update())
	}

	cs.Deletes = sortedIDs(c.deleted)
	return cs, nil
}

// committed applies a successful write to the local entities and returns
// the merge set for the other Contexts.
func (c *Context) committed(cs store.ChangeSet, res *store.WriteResult) *MergeSet {
	ms := &MergeSet{
		Origin:  c.threadName(),
		Seq:     res.Seq,
		Deleted: slices.Clone(res.Deleted),
	}

	for _, rec := range res.Inserted {
		ms.Inserted = append(ms.Inserted, rec.ID)
		if e, ok := c.inserted[rec.ID]; ok {
			e.inserted = false
			e.load(rec)
			delete(c.inserted, rec.ID)
		}
	}

	changed := make(map[ir.ObjectID]store.Update, len(cs.Updates))
	for _, u := range cs.Updates {
		changed[u.ID] = u
	}
	for _, rec := range res.Updated {
		u := changed[rec.ID]
		ms.Updated = append(ms.Updated, RecordChange{
			Record:    rec,
			Keys:      slices.Sorted(maps.Keys(u.Values)),
			Relations: slices.Sorted(maps.Keys(u.Relations)),
		})
		if e, ok := c.updated[rec.ID]; ok {
			e.load(rec)
			delete(c.updated, rec.ID)
		}
	}

	for _, id := range res.Deleted {
		if e, ok := c.deleted[id]; ok {
			c.evict(e)
		}
	}

	// Records another commit deleted before this write landed are handled as
	// if merge-deleted; the deleter's merge then finds nothing left to do.
	for _, id := range res.Missing {
		e, ok := c.entities[id]
		if !ok {
			continue
		}
		wasDeleted := e.deleted
		c.evict(e)
		if !wasDeleted {
			e.deleted = true
			c.mgr.logger.Warn("committed update to a deleted record",
				"model", c.mgr.name,
				"thread", c.threadName(),
				"id", id.String(),
			)
			e.fireDeleted()
		}
	}

	return ms
}

func sortedIDs(m map[ir.ObjectID]*Entity) []ir.ObjectID {
	ids := slices.Collect(maps.Keys(m))
	slices.SortFunc(ids, ir.CompareIDs)
	return ids
}

func (c *Context) String() string {
	return fmt.Sprintf("Context(%s/%s)", c.mgr.name, c.threadName())
}
