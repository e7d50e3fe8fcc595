package memory

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/confine/internal/ir"
	"github.com/roach88/confine/internal/query"
	"github.com/roach88/confine/internal/store"
	"github.com/roach88/confine/internal/testutil"
)

func record(entity, key string, values map[string]ir.Value) *store.Record {
	return &store.Record{
		ID:        ir.ObjectID{Entity: entity, Key: key},
		Values:    values,
		Relations: map[string][]ir.ObjectID{},
	}
}

func TestStore_WriteRead(t *testing.T) {
	ctx := context.Background()
	s := New(testutil.CompanyModel(t))

	a := record("Employee", "a", map[string]ir.Value{"lastName": ir.String("Adams"), "age": ir.Int(40)})
	b := record("Contractor", "b", map[string]ir.Value{"lastName": ir.String("Baker"), "age": ir.Null{}})
	d := record("Department", "d", map[string]ir.Value{"name": ir.String("Ops")})

	res, err := s.Write(ctx, store.ChangeSet{Inserts: []*store.Record{a, b, d}})
	require.NoError(t, err)
	assert.Equal(t, int64(1), res.Seq)
	assert.NotContains(t, res.Inserted[1].Values, "age")

	recs, err := s.Read(ctx, store.Request{Entities: []string{"Employee", "Contractor"}})
	require.NoError(t, err)
	require.Len(t, recs, 2)
	assert.Equal(t, "a", recs[0].ID.Key)
	assert.Equal(t, "b", recs[1].ID.Key)

	// results are copies
	recs[0].Values["lastName"] = ir.String("Mutated")
	again, err := s.ReadIDs(ctx, []ir.ObjectID{a.ID})
	require.NoError(t, err)
	assert.Equal(t, ir.String("Adams"), again[0].Values["lastName"])

	recs, err = s.Read(ctx, store.Request{
		Entities: []string{"Employee", "Contractor"},
		Filter:   query.Ne("age", ir.Int(40)),
	})
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, b.ID, recs[0].ID)
}

func TestStore_WriteIsAtomic(t *testing.T) {
	ctx := context.Background()
	s := New(testutil.CompanyModel(t))

	a := record("Employee", "a", map[string]ir.Value{"lastName": ir.String("A")})
	_, err := s.Write(ctx, store.ChangeSet{Inserts: []*store.Record{a}})
	require.NoError(t, err)

	_, err = s.Write(ctx, store.ChangeSet{Inserts: []*store.Record{
		record("Employee", "new", map[string]ir.Value{"lastName": ir.String("N")}),
		a,
	}})
	require.Error(t, err)
	assert.Equal(t, 1, s.Len())

	_, err = s.Write(ctx, store.ChangeSet{Inserts: []*store.Record{record("Robot", "r", nil)}})
	require.Error(t, err)

	seq, err := s.MaxSeq(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), seq)
}

func TestStore_UpdateDeleteMissing(t *testing.T) {
	ctx := context.Background()
	s := New(testutil.CompanyModel(t))

	boss := record("Employee", "boss", map[string]ir.Value{"lastName": ir.String("Hopper"), "age": ir.Int(50)})
	worker := record("Employee", "worker", map[string]ir.Value{"lastName": ir.String("Lovelace")})
	worker.Relations["manager"] = []ir.ObjectID{boss.ID}
	_, err := s.Write(ctx, store.ChangeSet{Inserts: []*store.Record{boss, worker}})
	require.NoError(t, err)

	res, err := s.Write(ctx, store.ChangeSet{Updates: []store.Update{{
		ID:     boss.ID,
		Values: map[string]ir.Value{"firstName": ir.String("Grace"), "age": ir.Null{}},
	}}})
	require.NoError(t, err)
	require.Len(t, res.Updated, 1)
	assert.Equal(t, map[string]ir.Value{
		"firstName": ir.String("Grace"),
		"lastName":  ir.String("Hopper"),
	}, res.Updated[0].Values)

	res, err = s.Write(ctx, store.ChangeSet{Deletes: []ir.ObjectID{boss.ID, boss.ID}})
	require.NoError(t, err)
	assert.Equal(t, []ir.ObjectID{boss.ID}, res.Deleted)
	assert.Equal(t, []ir.ObjectID{boss.ID}, res.Missing)

	recs, err := s.ReadIDs(ctx, []ir.ObjectID{worker.ID})
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Empty(t, recs[0].Relations)
}

func TestStore_Closed(t *testing.T) {
	ctx := context.Background()
	s := New(testutil.CompanyModel(t))
	require.NoError(t, s.Close())

	_, err := s.Read(ctx, store.Request{Entities: []string{"Employee"}})
	assert.ErrorIs(t, err, store.ErrClosed)
	_, err = s.Write(ctx, store.ChangeSet{})
	assert.ErrorIs(t, err, store.ErrClosed)
	assert.ErrorIs(t, s.SetSchemaVersion(ctx, "x"), store.ErrClosed)
}

func TestDir_ReopenAndRemove(t *testing.T) {
	ctx := context.Background()
	m := testutil.CompanyModel(t)
	d := NewDir()

	s, err := d.Open(ctx, "company", m)
	require.NoError(t, err)
	_, err = s.Write(ctx, store.ChangeSet{Inserts: []*store.Record{
		record("Employee", "a", map[string]ir.Value{"lastName": ir.String("A")}),
	}})
	require.NoError(t, err)
	require.NoError(t, s.SetSchemaVersion(ctx, "v1"))
	require.NoError(t, s.Close())

	s, err = d.Open(ctx, "company", m)
	require.NoError(t, err)
	v, err := s.SchemaVersion(ctx)
	require.NoError(t, err)
	assert.Equal(t, "v1", v)
	recs, err := s.Read(ctx, store.Request{Entities: []string{"Employee"}})
	require.NoError(t, err)
	assert.Len(t, recs, 1)
	require.NoError(t, s.Close())

	require.NoError(t, d.Remove("company"))
	assert.False(t, d.Exists("company"))
	require.NoError(t, d.Remove("company"))

	s, err = d.Open(ctx, "company", m)
	require.NoError(t, err)
	recs, err = s.Read(ctx, store.Request{Entities: []string{"Employee"}})
	require.NoError(t, err)
	assert.Empty(t, recs)
}
