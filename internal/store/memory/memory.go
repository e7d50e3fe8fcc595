// Package memory provides an in-memory store.Store used for tests and
// ephemeral contexts.
//
// It implements only the core capability, so callers exercise their own
// count, aggregate and distinct paths against it.
package memory

import (
	"context"
	"fmt"
	"sync"

	"github.com/roach88/confine/internal/ir"
	"github.com/roach88/confine/internal/query"
	"github.com/roach88/confine/internal/schema"
	"github.com/roach88/confine/internal/store"
)

var _ store.Store = (*Store)(nil)

// Store keeps committed records in a map guarded by a RWMutex. Records
// are cloned on the way in and on the way out.
type Store struct {
	mu      sync.RWMutex
	model   *schema.Model
	records map[ir.ObjectID]*store.Record
	seq     int64
	version string
	closed  bool
}

// New returns an empty store for model m.
func New(m *schema.Model) *Store {
	return &Store{
		model:   m,
		records: make(map[ir.ObjectID]*store.Record),
	}
}

// Write implements store.Store. The change set is validated before any
// record is touched, so a failed write leaves the store unchanged.
func (s *Store) Write(_ context.Context, cs store.ChangeSet) (*store.WriteResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, store.ErrClosed
	}

	seen := make(map[ir.ObjectID]bool, len(cs.Inserts))
	for _, rec := range cs.Inserts {
		if _, err := s.model.Entity(rec.ID.Entity); err != nil {
			return nil, fmt.Errorf("write: insert %s: %w", rec.ID, err)
		}
		if _, ok := s.records[rec.ID]; ok || seen[rec.ID] {
			return nil, fmt.Errorf("write: insert %s: record already exists", rec.ID)
		}
		seen[rec.ID] = true
	}

	res := &store.WriteResult{Seq: s.seq + 1}

	for _, rec := range cs.Inserts {
		stored := rec.Clone()
		stored.Seq = res.Seq
		for k, v := range stored.Values {
			if ir.IsNull(v) {
				delete(stored.Values, k)
			}
		}
		s.records[stored.ID] = stored
		res.Inserted = append(res.Inserted, stored.Clone())
	}

	for _, u := range cs.Updates {
		rec, ok := s.records[u.ID]
		if !ok {
			res.Missing = append(res.Missing, u.ID)
			continue
		}
		u.Apply(rec)
		rec.Seq = res.Seq
		res.Updated = append(res.Updated, rec.Clone())
	}

	for _, id := range cs.Deletes {
		if _, ok := s.records[id]; !ok {
			res.Missing = append(res.Missing, id)
			continue
		}
		delete(s.records, id)
		s.dropReferences(id)
		res.Deleted = append(res.Deleted, id)
	}

	s.seq = res.Seq
	return res, nil
}

// dropReferences removes id from every relationship that points at it.
func (s *Store) dropReferences(id ir.ObjectID) {
	for _, rec := range s.records {
		for name, ids := range rec.Relations {
			kept := ids[:0]
			for _, target := range ids {
				if target != id {
					kept = append(kept, target)
				}
			}
			if len(kept) == 0 {
				delete(rec.Relations, name)
				continue
			}
			rec.Relations[name] = kept
		}
	}
}

// Read implements store.Store.
func (s *Store) Read(_ context.Context, req store.Request) ([]*store.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, store.ErrClosed
	}
	if len(req.Entities) == 0 {
		return nil, fmt.Errorf("request names no entities")
	}

	family := make(map[string]bool, len(req.Entities))
	for _, e := range req.Entities {
		family[e] = true
	}

	var recs []*store.Record
	for _, rec := range s.records {
		if family[rec.ID.Entity] {
			recs = append(recs, rec.Clone())
		}
	}
	return store.Filter(recs, req), nil
}

// ReadIDs implements store.Store.
func (s *Store) ReadIDs(_ context.Context, ids []ir.ObjectID) ([]*store.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, store.ErrClosed
	}

	out := make([]*store.Record, 0, len(ids))
	seen := make(map[ir.ObjectID]bool, len(ids))
	for _, id := range ids {
		rec, ok := s.records[id]
		if !ok || seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, rec.Clone())
	}
	query.SortRows(out, nil)
	return out, nil
}

// SchemaVersion implements store.Store.
func (s *Store) SchemaVersion(context.Context) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return "", store.ErrClosed
	}
	return s.version, nil
}

// SetSchemaVersion implements store.Store.
func (s *Store) SetSchemaVersion(_ context.Context, version string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return store.ErrClosed
	}
	s.version = version
	return nil
}

// MaxSeq implements store.Store.
func (s *Store) MaxSeq(context.Context) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return 0, store.ErrClosed
	}
	return s.seq, nil
}

// Close implements store.Store. The records survive so a Dir can hand the
// same data to the next Open.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

// Len returns the number of committed records.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records)
}

// Dir is a set of in-memory stores keyed by path. It stands in for a
// directory of store files: Open on a known path reopens the data written
// there and Remove discards it.
type Dir struct {
	mu     sync.Mutex
	stores map[string]*Store
}

// NewDir returns an empty Dir.
func NewDir() *Dir {
	return &Dir{stores: make(map[string]*Store)}
}

// Open implements store.Opener.
func (d *Dir) Open(_ context.Context, path string, m *schema.Model) (store.Store, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	prev, ok := d.stores[path]
	if !ok {
		s := New(m)
		d.stores[path] = s
		return s, nil
	}

	prev.mu.Lock()
	defer prev.mu.Unlock()
	prev.closed = true
	s := &Store{
		model:   m,
		records: prev.records,
		seq:     prev.seq,
		version: prev.version,
	}
	d.stores[path] = s
	return s, nil
}

// Remove implements store.Remover. Removing an unknown path is not an error.
func (d *Dir) Remove(path string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.stores, path)
	return nil
}

// Exists reports whether path holds a store.
func (d *Dir) Exists(path string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, ok := d.stores[path]
	return ok
}

// ReadSchemaVersion implements store.VersionProbe. An unknown path yields "".
func (d *Dir) ReadSchemaVersion(ctx context.Context, path string) (string, error) {
	d.mu.Lock()
	s, ok := d.stores[path]
	d.mu.Unlock()
	if !ok {
		return "", nil
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.version, nil
}
