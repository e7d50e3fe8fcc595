package engine

import (
	"context"
	"fmt"
	"maps"
	"slices"

	"github.com/roach88/confine/internal/ir"
	"github.com/roach88/confine/internal/query"
	"github.com/roach88/confine/internal/schema"
	"github.com/roach88/confine/internal/store"
)

// Capability interfaces. *Entity implements the entity side, *Context the
// context side.
type (
	// Deletable entities can be marked for deletion.
	Deletable interface{ Delete() }

	// Cloneable entities can be copied into a new identity.
	Cloneable interface {
		Clone() (*Entity, error)
	}

	// Serializable entities can be rendered as an attribute map.
	Serializable interface {
		Serialize() map[string]ir.Value
	}

	// Transferable entities can be resolved in another Context.
	Transferable interface {
		TransferTo(ctx context.Context, target *Context) (*Entity, error)
	}

	// Inserter creates entities.
	Inserter interface {
		Insert(entity string) (*Entity, error)
	}

	// Fetcher runs queries.
	Fetcher interface {
		Fetch(ctx context.Context, spec query.Spec) ([]*Entity, error)
	}
)

var (
	_ Deletable    = (*Entity)(nil)
	_ Cloneable    = (*Entity)(nil)
	_ Serializable = (*Entity)(nil)
	_ Transferable = (*Entity)(nil)
)

// Entity is a typed record inside one Context. Its identity is stable across
// Contexts; the Entity value itself is confined to its Context's Thread.
//
// Relationships are held as identities and resolved through the owning
// Context on access.
type Entity struct {
	ws  *workspace
	def *schema.Entity
	id  ir.ObjectID
	seq int64 // store sequence of the newest snapshot applied

	// loaded is the sequence of the last full snapshot; changedAt records
	// later merges per attribute or relationship name.
	loaded    int64
	changedAt map[string]int64

	values    map[string]ir.Value
	relations map[string][]ir.ObjectID

	// committed state, restored by Rollback
	base          map[string]ir.Value
	baseRelations map[string][]ir.ObjectID

	dirty          map[string]bool
	dirtyRelations map[string]bool

	inserted bool
	deleted  bool
	invalid  bool

	onUpdated []func(*Entity)
	onDeleted []func(*Entity)
}

func newEntity(w *workspace, def *schema.Entity, id ir.ObjectID) *Entity {
	return &Entity{
		ws:             w,
		def:            def,
		id:             id,
		values:         make(map[string]ir.Value),
		relations:      make(map[string][]ir.ObjectID),
		base:           make(map[string]ir.Value),
		baseRelations:  make(map[string][]ir.ObjectID),
		dirty:          make(map[string]bool),
		dirtyRelations: make(map[string]bool),
		changedAt:      make(map[string]int64),
	}
}

// ID returns the entity's identity. Unlike every other method it may be
// called from any goroutine.
func (e *Entity) ID() ir.ObjectID {
	return e.id
}

// EntityName returns the name of the entity's schema entity.
func (e *Entity) EntityName() string {
	return e.id.Entity
}

// Context returns the owning Context.
func (e *Entity) Context() *Context {
	return e.ws.current()
}

// IsInserted reports whether the entity was inserted and not yet committed.
func (e *Entity) IsInserted() bool {
	e.ws.inTask()
	return e.inserted
}

// IsDeleted reports whether the entity is marked for deletion, or was
// deleted by a merge.
func (e *Entity) IsDeleted() bool {
	e.ws.inTask()
	return e.deleted
}

// IsValid reports whether the entity may still be used.
func (e *Entity) IsValid() bool {
	e.ws.inTask()
	return !e.invalid
}

// HasChanges reports whether the entity has uncommitted attribute or
// relationship edits.
func (e *Entity) HasChanges() bool {
	e.ws.inTask()
	return e.hasChanges()
}

func (e *Entity) hasChanges() bool {
	return len(e.dirty) > 0 || len(e.dirtyRelations) > 0
}

// ChangedKeys returns the names of the edited attributes and relationships
// in sorted order.
func (e *Entity) ChangedKeys() []string {
	e.ws.inTask()
	keys := slices.Collect(maps.Keys(e.dirty))
	keys = slices.AppendSeq(keys, maps.Keys(e.dirtyRelations))
	slices.Sort(keys)
	return keys
}

func (e *Entity) usable() error {
	e.ws.inTask()
	if e.invalid {
		return fmt.Errorf("%s: %w", e.id, ErrInvalidEntity)
	}
	return nil
}

// Get returns the value of attribute key, ir.Null when unset.
func (e *Entity) Get(key string) (ir.Value, error) {
	if err := e.usable(); err != nil {
		return nil, err
	}
	if _, err := e.def.Attribute(key); err != nil {
		return nil, err
	}
	return e.AttributeValue(key), nil
}

// Set assigns attribute key. The value is converted to the declared type
// (ints widen to floats, strings are NFC-normalised); ir.Null clears it.
func (e *Entity) Set(key string, v ir.Value) error {
	if err := e.usable(); err != nil {
		return err
	}
	if e.deleted {
		return fmt.Errorf("set %s on deleted %s: %w", key, e.id, ErrInvalidEntity)
	}
	attr, err := e.def.Attribute(key)
	if err != nil {
		return err
	}
	cv, err := ir.Coerce(v, attr.Type)
	if err != nil {
		return &TypeMismatchError{Entity: e.def.Name, Key: key, Want: attr.Type, Value: v}
	}

	if ir.IsNull(cv) {
		delete(e.values, key)
	} else {
		e.values[key] = cv
	}
	if sameValue(e.base[key], cv) {
		delete(e.dirty, key)
	} else {
		e.dirty[key] = true
	}
	e.ws.track(e)
	return nil
}

// SetValues assigns several attributes, stopping at the first error.
// Keys are applied in sorted order.
func (e *Entity) SetValues(values map[string]ir.Value) error {
	for _, key := range slices.Sorted(maps.Keys(values)) {
		if err := e.Set(key, values[key]); err != nil {
			return err
		}
	}
	return nil
}

// AttributeValue implements query.Row.
func (e *Entity) AttributeValue(key string) ir.Value {
	if v, ok := e.values[key]; ok {
		return v
	}
	return ir.Null{}
}

// ObjectID implements query.Row.
func (e *Entity) ObjectID() ir.ObjectID {
	return e.id
}

// RelationshipIDs implements query.Row.
func (e *Entity) RelationshipIDs(name string) []ir.ObjectID {
	return e.relations[name]
}

// RelatedIDs returns the identities held by relationship name, in order.
func (e *Entity) RelatedIDs(name string) ([]ir.ObjectID, error) {
	if err := e.usable(); err != nil {
		return nil, err
	}
	if _, err := e.def.Relationship(name); err != nil {
		return nil, err
	}
	return slices.Clone(e.relations[name]), nil
}

// Related resolves relationship name through the owning Context. Targets
// that no longer exist are skipped.
func (e *Entity) Related(ctx context.Context, name string) ([]*Entity, error) {
	ids, err := e.RelatedIDs(name)
	if err != nil {
		return nil, err
	}
	return e.ws.current().resolve(ctx, ids)
}

// SetRelated replaces relationship name with targets, which must belong to
// the same Context and be kinds of the relationship's target entity. A
// to-one relationship takes at most one target; none clears it.
func (e *Entity) SetRelated(name string, targets ...*Entity) error {
	if err := e.usable(); err != nil {
		return err
	}
	if e.deleted {
		return fmt.Errorf("set %s on deleted %s: %w", name, e.id, ErrInvalidEntity)
	}
	rel, err := e.def.Relationship(name)
	if err != nil {
		return err
	}
	if !rel.ToMany && len(targets) > 1 {
		return fmt.Errorf("relationship %s.%s is to-one, got %d targets", e.def.Name, name, len(targets))
	}

	ids := make([]ir.ObjectID, 0, len(targets))
	for _, t := range targets {
		if t.ws != e.ws {
			return fmt.Errorf("relate %s to %s: %w", e.id, t.id, ErrForeignEntity)
		}
		if t.invalid || t.deleted {
			return fmt.Errorf("relate %s to %s: %w", e.id, t.id, ErrInvalidEntity)
		}
		if !e.ws.mgr.model.IsKindOf(t.id.Entity, rel.Target) {
			return fmt.Errorf("relationship %s.%s targets %s, got %s", e.def.Name, name, rel.Target, t.id.Entity)
		}
		ids = append(ids, t.id)
	}

	if len(ids) == 0 {
		delete(e.relations, name)
	} else {
		e.relations[name] = ids
	}
	if slices.Equal(e.baseRelations[name], ids) {
		delete(e.dirtyRelations, name)
	} else {
		e.dirtyRelations[name] = true
	}
	e.ws.track(e)
	return nil
}

// Delete marks the entity for deletion at the next commit. Deleting an
// entity that was never committed removes it at once. No-op if already
// marked.
func (e *Entity) Delete() {
	e.ws.inTask()
	if e.invalid || e.deleted {
		return
	}
	if e.inserted {
		e.ws.evict(e)
		return
	}
	e.deleted = true
	delete(e.ws.updated, e.id)
	e.ws.deleted[e.id] = e
}

// Clone inserts a new entity in the same Context with the same attribute
// values. Relationships are not copied.
func (e *Entity) Clone() (*Entity, error) {
	if err := e.usable(); err != nil {
		return nil, err
	}
	clone, err := e.ws.current().Insert(e.def.Name)
	if err != nil {
		return nil, err
	}
	if err := clone.SetValues(e.values); err != nil {
		return nil, err
	}
	return clone, nil
}

// TransferTo resolves the same identity in target by re-fetching it from
// the store. Must be called on target's Thread. Fails with *NotFoundError
// if the identity has not been committed.
func (e *Entity) TransferTo(ctx context.Context, target *Context) (*Entity, error) {
	return target.ObjectWithID(ctx, e.id)
}

// Serialize returns the attribute values. Relationships are not included.
func (e *Entity) Serialize() map[string]ir.Value {
	e.ws.inTask()
	return maps.Clone(e.values)
}

// OnUpdated registers fn to run when a merge overwrites the entity.
func (e *Entity) OnUpdated(fn func(*Entity)) {
	e.ws.inTask()
	e.onUpdated = append(e.onUpdated, fn)
}

// OnDeleted registers fn to run when a merge deletes the entity.
func (e *Entity) OnDeleted(fn func(*Entity)) {
	e.ws.inTask()
	e.onDeleted = append(e.onDeleted, fn)
}

func (e *Entity) String() string {
	return e.id.String()
}

// load replaces the entity's state with a committed snapshot. rec may be
// shared with other Contexts, so everything is copied. Keys the model no
// longer declares are dropped.
func (e *Entity) load(rec *store.Record) {
	e.values = make(map[string]ir.Value, len(rec.Values))
	for key, v := range rec.Values {
		if _, err := e.def.Attribute(key); err == nil {
			e.values[key] = v
		}
	}
	e.relations = make(map[string][]ir.ObjectID, len(rec.Relations))
	for name, ids := range rec.Relations {
		if _, err := e.def.Relationship(name); err == nil && len(ids) > 0 {
			e.relations[name] = slices.Clone(ids)
		}
	}
	e.base = maps.Clone(e.values)
	e.baseRelations = cloneRelations(e.relations)
	clear(e.dirty)
	clear(e.dirtyRelations)
	clear(e.changedAt)
	e.seq = rec.Seq
	e.loaded = rec.Seq
}

// seenAt returns the newest store sequence whose value of name the entity
// has applied.
func (e *Entity) seenAt(name string) int64 {
	return max(e.loaded, e.changedAt[name])
}

// revert restores the committed state.
func (e *Entity) revert() {
	e.values = maps.Clone(e.base)
	e.relations = cloneRelations(e.baseRelations)
	clear(e.dirty)
	clear(e.dirtyRelations)
}

// record renders an inserted entity for the store.
func (e *Entity) record() *store.Record {
	return &store.Record{
		ID:        e.id,
		Values:    maps.Clone(e.values),
		Relations: cloneRelations(e.relations),
	}
}

// update renders the edited attributes and relationships for the store.
func (e *Entity) update() store.Update {
	u := store.Update{
		ID:        e.id,
		Values:    make(map[string]ir.Value, len(e.dirty)),
		Relations: make(map[string][]ir.ObjectID, len(e.dirtyRelations)),
	}
	for key := range e.dirty {
		u.Values[key] = e.AttributeValue(key)
	}
	for name := range e.dirtyRelations {
		ids := slices.Clone(e.relations[name])
		if ids == nil {
			ids = []ir.ObjectID{}
		}
		u.Relations[name] = ids
	}
	return u
}

func (e *Entity) checkRequired() error {
	for _, name := range e.def.AttributeNames() {
		attr, _ := e.def.Attribute(name)
		if attr.Required && ir.IsNull(e.AttributeValue(name)) {
			return fmt.Errorf("%s: required attribute %q is not set", e.id, name)
		}
	}
	return nil
}

func (e *Entity) fireUpdated() {
	for _, fn := range e.onUpdated {
		fn(e)
	}
	e.ws.mgr.notify(Notification{Signal: SignalEntityUpdated, Thread: e.ws.threadName(), ID: e.id})
}

func (e *Entity) fireDeleted() {
	for _, fn := range e.onDeleted {
		fn(e)
	}
	e.ws.mgr.notify(Notification{Signal: SignalEntityDeleted, Thread: e.ws.threadName(), ID: e.id})
}

func sameValue(a, b ir.Value) bool {
	if ir.IsNull(a) || ir.IsNull(b) {
		return ir.IsNull(a) && ir.IsNull(b)
	}
	return ir.TypeOf(a) == ir.TypeOf(b) && ir.Equal(a, b)
}

func cloneRelations(in map[string][]ir.ObjectID) map[string][]ir.ObjectID {
	out := make(map[string][]ir.ObjectID, len(in))
	for name, ids := range in {
		if len(ids) > 0 {
			out[name] = slices.Clone(ids)
		}
	}
	return out
}
