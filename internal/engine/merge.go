package engine

import (
	"fmt"
	"maps"
	"slices"

	"github.com/roach88/confine/internal/ir"
	"github.com/roach88/confine/internal/store"
)

// MergeSet is what one successful commit tells every other Context.
// Snapshots are shared between receivers and must not be modified.
type MergeSet struct {
	Origin   string // committing Thread
	Seq      int64  // store sequence of the write
	Inserted []ir.ObjectID
	Updated  []RecordChange
	Deleted  []ir.ObjectID
}

// RecordChange is the post-commit snapshot of an updated record together
// with the attribute and relationship names the commit changed.
type RecordChange struct {
	Record    *store.Record
	Keys      []string
	Relations []string
}

// IsEmpty reports whether ms carries nothing a receiver could apply.
func (ms *MergeSet) IsEmpty() bool {
	return len(ms.Inserted) == 0 && len(ms.Updated) == 0 && len(ms.Deleted) == 0
}

// merge applies a foreign commit to the Context. Runs on the Context's
// Thread.
//
// Conflict resolution is the trump policy: a field-granular last-writer-wins
// rule, not a conflict-free merge.
//   - A remote delete wins. Local edits to the identity are discarded.
//   - A remote update overwrites every attribute and relationship the remote
//     commit changed, local uncommitted edits included. Those keys are no
//     longer dirty locally.
//   - Keys the remote commit did not change keep their local uncommitted
//     value; clean keys take the committed snapshot.
//   - Remote inserts are ignored until fetched.
//   - An update older than the entity's snapshot still wins for the names it
//     changed, unless a newer merge has already overwritten them.
//
// A record that cannot be applied is logged and skipped; the rest of the
// batch is still applied.
func (c *Context) merge(ms *MergeSet) {
	for _, id := range ms.Deleted {
		c.mergeDelete(id)
	}
	for _, rc := range ms.Updated {
		e, ok := c.entities[rc.Record.ID]
		if !ok || e.invalid {
			continue
		}
		outcome, err := c.mergeUpdate(e, rc)
		if err != nil {
			c.mgr.logger.Warn("merge skipped record",
				"model", c.mgr.name,
				"thread", c.threadName(),
				"origin", ms.Origin,
				"id", rc.Record.ID.String(),
				"error", err,
			)
			outcome = "skipped"
		}
		c.mgr.metrics.merged(c.mgr.name, outcome)
	}
	c.mgr.logger.Debug("merge applied",
		"model", c.mgr.name,
		"thread", c.threadName(),
		"origin", ms.Origin,
		"seq", ms.Seq,
		"updated", len(ms.Updated),
		"deleted", len(ms.Deleted),
	)
}

func (c *Context) mergeDelete(id ir.ObjectID) {
	e, ok := c.entities[id]
	if !ok || e.invalid {
		return
	}
	c.evict(e)
	e.deleted = true
	c.mgr.logger.Debug("merge deleted entity", "thread", c.threadName(), "id", id.String())
	e.fireDeleted()
	c.mgr.metrics.merged(c.mgr.name, "deleted")
}

// mergeUpdate validates the whole snapshot before touching e, so a bad
// record leaves the entity as it was.
func (c *Context) mergeUpdate(e *Entity, rc RecordChange) (string, error) {
	rec := rc.Record
	if rec.Seq <= e.seq {
		return c.mergeStale(e, rc)
	}

	values := make(map[string]ir.Value, len(rec.Values))
	for key, v := range rec.Values {
		attr, err := e.def.Attribute(key)
		if err != nil {
			return "", err
		}
		cv, err := ir.Coerce(v, attr.Type)
		if err != nil {
			return "", fmt.Errorf("attribute %s: %w", key, err)
		}
		values[key] = cv
	}
	for name := range rec.Relations {
		if _, err := e.def.Relationship(name); err != nil {
			return "", err
		}
	}

	// Start from the snapshot, then put back local edits the remote commit
	// left alone.
	nextValues := maps.Clone(values)
	nextRelations := cloneRelations(rec.Relations)
	for key := range e.dirty {
		if slices.Contains(rc.Keys, key) {
			delete(e.dirty, key)
			continue
		}
		if v, ok := e.values[key]; ok {
			nextValues[key] = v
		} else {
			delete(nextValues, key)
		}
	}
	for name := range e.dirtyRelations {
		if slices.Contains(rc.Relations, name) {
			delete(e.dirtyRelations, name)
			continue
		}
		if ids, ok := e.relations[name]; ok {
			nextRelations[name] = slices.Clone(ids)
		} else {
			delete(nextRelations, name)
		}
	}

	e.values = nextValues
	e.relations = nextRelations
	e.base = maps.Clone(values)
	e.baseRelations = cloneRelations(rec.Relations)
	e.seq = rec.Seq
	for _, name := range slices.Concat(rc.Keys, rc.Relations) {
		e.changedAt[name] = rec.Seq
	}

	// A local edit that now equals the committed value is no longer a change.
	for key := range e.dirty {
		if sameValue(e.base[key], e.AttributeValue(key)) {
			delete(e.dirty, key)
		}
	}
	for name := range e.dirtyRelations {
		if slices.Equal(e.baseRelations[name], e.relations[name]) {
			delete(e.dirtyRelations, name)
		}
	}
	if !e.deleted {
		c.track(e)
	}

	e.fireUpdated()
	return "updated", nil
}

// mergeStale applies an update whose snapshot is not newer than e's. Only
// the names that commit changed and that e has not seen a newer value for
// are taken from it; the rest of the snapshot is ignored.
func (c *Context) mergeStale(e *Entity, rc RecordChange) (string, error) {
	rec := rc.Record

	values := make(map[string]ir.Value)
	for _, key := range rc.Keys {
		if e.seenAt(key) >= rec.Seq {
			continue
		}
		attr, err := e.def.Attribute(key)
		if err != nil {
			return "", err
		}
		v, err := ir.Coerce(rec.Values[key], attr.Type)
		if err != nil {
			return "", fmt.Errorf("attribute %s: %w", key, err)
		}
		values[key] = v
	}
	relations := make(map[string][]ir.ObjectID)
	for _, name := range rc.Relations {
		if e.seenAt(name) >= rec.Seq {
			continue
		}
		if _, err := e.def.Relationship(name); err != nil {
			return "", err
		}
		relations[name] = rec.Relations[name]
	}
	if len(values) == 0 && len(relations) == 0 {
		return "stale", nil
	}

	for key, v := range values {
		if ir.IsNull(v) {
			delete(e.values, key)
			delete(e.base, key)
		} else {
			e.values[key] = v
			e.base[key] = v
		}
		delete(e.dirty, key)
		e.changedAt[key] = rec.Seq
	}
	for name, ids := range relations {
		if len(ids) == 0 {
			delete(e.relations, name)
			delete(e.baseRelations, name)
		} else {
			e.relations[name] = slices.Clone(ids)
			e.baseRelations[name] = slices.Clone(ids)
		}
		delete(e.dirtyRelations, name)
		e.changedAt[name] = rec.Seq
	}
	if !e.deleted {
		c.track(e)
	}

	e.fireUpdated()
	return "updated", nil
}
