package store

import (
	"context"
	"errors"
	"maps"
	"slices"

	"github.com/roach88/confine/internal/ir"
	"github.com/roach88/confine/internal/query"
	"github.com/roach88/confine/internal/schema"
)

// ErrClosed is returned by operations on a closed store.
var ErrClosed = errors.New("store is closed")

// Record is one committed record.
type Record struct {
	ID        ir.ObjectID
	Values    map[string]ir.Value      // unset attributes are absent
	Relations map[string][]ir.ObjectID // relationship name -> targets in order
	Seq       int64                    // sequence of the last write touching it
}

// ObjectID implements query.Row.
func (r *Record) ObjectID() ir.ObjectID { return r.ID }

// AttributeValue implements query.Row.
func (r *Record) AttributeValue(key string) ir.Value {
	if v, ok := r.Values[key]; ok {
		return v
	}
	return ir.Null{}
}

// RelationshipIDs implements query.Row.
func (r *Record) RelationshipIDs(name string) []ir.ObjectID {
	return r.Relations[name]
}

// Clone returns a deep copy of r.
func (r *Record) Clone() *Record {
	out := &Record{
		ID:        r.ID,
		Values:    maps.Clone(r.Values),
		Relations: make(map[string][]ir.ObjectID, len(r.Relations)),
		Seq:       r.Seq,
	}
	if out.Values == nil {
		out.Values = make(map[string]ir.Value)
	}
	for k, ids := range r.Relations {
		out.Relations[k] = slices.Clone(ids)
	}
	return out
}

// Update carries the changed attributes and relationships of one record.
// A Null value clears the attribute; an empty slice clears the relationship.
type Update struct {
	ID        ir.ObjectID
	Values    map[string]ir.Value
	Relations map[string][]ir.ObjectID
}

// Apply applies u to rec in place.
func (u Update) Apply(rec *Record) {
	for k, v := range u.Values {
		if ir.IsNull(v) {
			delete(rec.Values, k)
			continue
		}
		rec.Values[k] = v
	}
	for k, ids := range u.Relations {
		if len(ids) == 0 {
			delete(rec.Relations, k)
			continue
		}
		rec.Relations[k] = slices.Clone(ids)
	}
}

// ChangeSet is the unit of atomic persistence.
type ChangeSet struct {
	Inserts []*Record
	Updates []Update
	Deletes []ir.ObjectID
}

// IsEmpty reports whether cs carries no changes.
func (cs ChangeSet) IsEmpty() bool {
	return len(cs.Inserts) == 0 && len(cs.Updates) == 0 && len(cs.Deletes) == 0
}

// WriteResult reports what a successful Write committed.
type WriteResult struct {
	Seq      int64
	Inserted []*Record     // as stored
	Updated  []*Record     // full post-commit snapshots
	Deleted  []ir.ObjectID
	Missing  []ir.ObjectID // updates or deletes of records already gone
}

// Request selects records of an entity family.
type Request struct {
	Entities []string // family members, root first
	Filter   query.Predicate
	Sort     []query.SortKey
	Limit    int
}

// Store is the persistent store capability.
//
// Implementations must be safe for concurrent use. Read results are owned by
// the caller.
type Store interface {
	// Write persists cs atomically.
	Write(ctx context.Context, cs ChangeSet) (*WriteResult, error)

	// Read returns the records matching req, sorted by req.Sort then ID.
	Read(ctx context.Context, req Request) ([]*Record, error)

	// ReadIDs returns the records with the given IDs, skipping missing ones.
	ReadIDs(ctx context.Context, ids []ir.ObjectID) ([]*Record, error)

	// SchemaVersion returns the persisted model version, "" for a new store.
	SchemaVersion(ctx context.Context) (string, error)

	// SetSchemaVersion records the model version.
	SetSchemaVersion(ctx context.Context, version string) error

	// MaxSeq returns the sequence of the last committed write.
	MaxSeq(ctx context.Context) (int64, error)

	Close() error
}

// Counter counts matching records without loading them.
type Counter interface {
	Count(ctx context.Context, req Request) (int, error)
}

// Aggregator computes an aggregate over matching records. The result is
// ir.Null when no record has a value.
type Aggregator interface {
	Aggregate(ctx context.Context, req Request, kind query.AggregateKind, attr string) (ir.Value, error)
}

// Distincter returns the distinct non-null values of attr in ascending order.
type Distincter interface {
	Distinct(ctx context.Context, req Request, attr string) ([]ir.Value, error)
}

// Opener opens the store for model m at path.
type Opener func(ctx context.Context, path string, m *schema.Model) (Store, error)

// Remover deletes the files of a closed store at path.
type Remover func(path string) error

// VersionProbe reads the model version persisted at path without opening
// the store for writing. A store that does not exist yields "".
type VersionProbe func(ctx context.Context, path string) (string, error)

// Filter returns the records of recs matching req's filter, sorted and
// limited. Stores use it when a request cannot be evaluated natively.
func Filter(recs []*Record, req Request) []*Record {
	out := make([]*Record, 0, len(recs))
	for _, r := range recs {
		if query.Match(req.Filter, r) {
			out = append(out, r)
		}
	}
	query.SortRows(out, req.Sort)
	if req.Limit > 0 && len(out) > req.Limit {
		out = out[:req.Limit]
	}
	return out
}
