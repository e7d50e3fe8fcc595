package engine

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/confine/internal/ir"
	"github.com/roach88/confine/internal/query"
	"github.com/roach88/confine/internal/store"
)

func TestCommit_InsertVisibleEverywhere(t *testing.T) {
	backends := []struct {
		name string
		open func(t *testing.T) *Manager
	}{
		{"memory", func(t *testing.T) *Manager { m, _ := newTestManager(t); return m }},
		{"sqlite", func(t *testing.T) *Manager { return newSQLiteManager(t) }},
	}

	for _, tt := range backends {
		t.Run(tt.name, func(t *testing.T) {
			m := tt.open(t)
			a := thread(t, m, "a")
			b := thread(t, m, "b")

			// b has a Context before the insert happens.
			do(t, b, func(c *Context) error {
				found, err := c.FetchAll(context.Background(), "Employee")
				assert.Empty(t, found)
				return err
			})

			id := insertEmployee(t, a, person("Ada", "Lovelace"))
			spec := query.For("Employee").Where(query.Eq("lastName", ir.String("Lovelace")))

			for _, th := range []*Thread{a, b} {
				got := run(t, th, func(c *Context) ([]ir.ObjectID, error) {
					found, err := c.Fetch(context.Background(), spec)
					if err != nil {
						return nil, err
					}
					ids := make([]ir.ObjectID, len(found))
					for i, e := range found {
						ids[i] = e.ID()
					}
					return ids, nil
				})
				assert.Equal(t, []ir.ObjectID{id}, got, "thread %s", th.Name())
			}
		})
	}
}

func TestCommit_MassUpdateNotification(t *testing.T) {
	const threshold = 3

	tests := []struct {
		name    string
		pending int
		want    int
	}{
		{"at threshold", threshold, 0},
		{"one over threshold", threshold + 1, 1},
		{"well over threshold", 2 * threshold, 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m, _ := newTestManager(t, WithMassUpdateThreshold(threshold))
			a := thread(t, m, "a")

			var (
				mu   sync.Mutex
				seen []Notification
			)
			cancel := m.Subscribe(func(n Notification) {
				if n.Signal != SignalWillMassUpdate {
					return
				}
				mu.Lock()
				seen = append(seen, n)
				mu.Unlock()
			})
			defer cancel()

			do(t, a, func(c *Context) error {
				for i := 0; i < tt.pending; i++ {
					e, err := c.Insert("Employee")
					if err != nil {
						return err
					}
					if err := e.Set("lastName", ir.String("Doe")); err != nil {
						return err
					}
				}
				return c.Commit(context.Background())
			})

			mu.Lock()
			defer mu.Unlock()
			require.Len(t, seen, tt.want)
			if tt.want > 0 {
				assert.Equal(t, tt.pending, seen[0].Pending)
				assert.Equal(t, "a", seen[0].Thread)
				assert.Equal(t, "Company", seen[0].Model)
			}
		})
	}
}

// failingStore rejects writes while fail is set.
type failingStore struct {
	store.Store
	fail atomic.Bool
}

func (s *failingStore) Write(ctx context.Context, cs store.ChangeSet) (*store.WriteResult, error) {
	if s.fail.Load() {
		return nil, errors.New("disk full")
	}
	return s.Store.Write(ctx, cs)
}

func newFailingManager(t *testing.T) (*Manager, *failingStore) {
	t.Helper()
	return newFailingManagerWith(t)
}

func TestCommit_FailureKeepsPendingChanges(t *testing.T) {
	m, fs := newFailingManager(t)
	a := thread(t, m, "a")
	b := thread(t, m, "b")

	existing := insertEmployee(t, a, person("Grace", "Hopper"))
	load(t, b, existing)

	fs.fail.Store(true)
	err := run(t, a, func(c *Context) (error, error) {
		e, err := c.Insert("Employee")
		if err != nil {
			return nil, err
		}
		if err := e.Set("lastName", ir.String("Turing")); err != nil {
			return nil, err
		}
		g, err := c.ObjectWithID(context.Background(), existing)
		if err != nil {
			return nil, err
		}
		if err := g.Set("age", ir.Int(85)); err != nil {
			return nil, err
		}

		commitErr := c.Commit(context.Background())
		assert.Equal(t, 2, c.PendingChangeCount())
		assert.True(t, e.IsInserted())
		assert.True(t, e.IsValid())
		assert.Equal(t, []string{"age"}, g.ChangedKeys())
		return commitErr, nil
	})

	require.Error(t, err)
	assert.True(t, IsCommitError(err))
	var ce *CommitError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, ErrCodeStoreWrite, ce.Code)
	assert.Equal(t, 2, ce.Pending)

	// Nothing reached the other thread.
	assert.Equal(t, ir.Null{}, attr(t, b, existing, "age"))

	fs.fail.Store(false)
	do(t, a, func(c *Context) error {
		if err := c.Commit(context.Background()); err != nil {
			return err
		}
		assert.Zero(t, c.PendingChangeCount())
		return nil
	})
	assert.Equal(t, ir.Int(85), attr(t, b, existing, "age"))
}

func TestCommit_ValidationError(t *testing.T) {
	m, _ := newTestManager(t)
	a := thread(t, m, "a")

	err := run(t, a, func(c *Context) (error, error) {
		e, err := c.Insert("Employee")
		if err != nil {
			return nil, err
		}
		if err := e.Set("firstName", ir.String("Nameless")); err != nil {
			return nil, err
		}
		commitErr := c.Commit(context.Background())
		assert.Equal(t, 1, c.PendingChangeCount())
		return commitErr, nil
	})

	var ce *CommitError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, ErrCodeValidation, ce.Code)
	assert.Contains(t, err.Error(), `required attribute "lastName"`)
}

func TestCommit_NothingPending(t *testing.T) {
	m, _ := newTestManager(t)
	a := thread(t, m, "a")

	var notified atomic.Int32
	defer m.Subscribe(func(Notification) { notified.Add(1) })()

	do(t, a, func(c *Context) error {
		return c.Commit(context.Background())
	})
	assert.Zero(t, notified.Load())
}

func TestContext_PendingChangeCount(t *testing.T) {
	m, _ := newTestManager(t)
	a := thread(t, m, "a")

	edited := insertEmployee(t, a, person("Ada", "Lovelace"))
	removed := insertEmployee(t, a, person("Charles", "Babbage"))

	do(t, a, func(c *Context) error {
		ctx := context.Background()
		assert.Zero(t, c.PendingChangeCount())
		assert.False(t, c.HasChanges())

		if _, err := c.Insert("Department"); err != nil {
			return err
		}
		e, err := c.ObjectWithID(ctx, edited)
		if err != nil {
			return err
		}
		if err := e.Set("age", ir.Int(36)); err != nil {
			return err
		}
		d, err := c.ObjectWithID(ctx, removed)
		if err != nil {
			return err
		}
		d.Delete()
		d.Delete()

		assert.Equal(t, 3, c.PendingChangeCount())
		assert.True(t, c.HasChanges())

		// Setting the committed value back is not a change.
		if err := e.Set("age", ir.Null{}); err != nil {
			return err
		}
		assert.Equal(t, 2, c.PendingChangeCount())
		return nil
	})
}

func TestContext_Rollback(t *testing.T) {
	m, _ := newTestManager(t)
	a := thread(t, m, "a")

	edited := insertEmployee(t, a, person("Ada", "Lovelace"))
	removed := insertEmployee(t, a, person("Charles", "Babbage"))

	do(t, a, func(c *Context) error {
		ctx := context.Background()

		inserted, err := c.Insert("Employee")
		if err != nil {
			return err
		}
		e, err := c.ObjectWithID(ctx, edited)
		if err != nil {
			return err
		}
		if err := e.Set("firstName", ir.String("Augusta")); err != nil {
			return err
		}
		d, err := c.ObjectWithID(ctx, removed)
		if err != nil {
			return err
		}
		d.Delete()

		c.Rollback()

		assert.Zero(t, c.PendingChangeCount())
		assert.False(t, inserted.IsValid())
		_, err = inserted.Get("lastName")
		assert.ErrorIs(t, err, ErrInvalidEntity)

		first, err := e.Get("firstName")
		assert.NoError(t, err)
		assert.Equal(t, ir.String("Ada"), first)
		assert.False(t, e.HasChanges())

		assert.False(t, d.IsDeleted())
		found, err := c.FetchAll(ctx, "Employee")
		assert.Len(t, found, 2)
		return err
	})
}

func TestContext_NotConfined(t *testing.T) {
	m, _ := newTestManager(t)
	a := thread(t, m, "a")

	var (
		escaped *Context
		entity  *Entity
	)
	do(t, a, func(c *Context) error {
		escaped = c
		var err error
		entity, err = c.Insert("Employee")
		return err
	})

	assert.PanicsWithValue(t, ErrNotConfined, func() { escaped.PendingChangeCount() })
	assert.PanicsWithValue(t, ErrNotConfined, func() { _, _ = entity.Get("lastName") })
	assert.PanicsWithValue(t, ErrNotConfined, func() { entity.Delete() })
	assert.NotPanics(t, func() { _ = entity.ID() })
}

func TestContext_LeakedHandleRejected(t *testing.T) {
	m, _ := newTestManager(t)
	a := thread(t, m, "a")

	leaked := run(t, a, func(c *Context) (*Context, error) { return c, nil })

	// a later task on the same Thread does not revive the handle
	do(t, a, func(c *Context) error {
		assert.PanicsWithValue(t, ErrNotConfined, func() { leaked.Registered() })
		_, err := c.Insert("Employee")
		return err
	})

	// nor does a task that is running while another goroutine uses it
	started := make(chan struct{})
	release := make(chan struct{})
	defer close(release)
	require.NoError(t, a.Post(func(*Context) {
		close(started)
		<-release
	}))
	<-started

	assert.PanicsWithValue(t, ErrNotConfined, func() { _, _ = leaked.Insert("Employee") })
	assert.PanicsWithValue(t, ErrNotConfined, func() { leaked.PendingChangeCount() })
}

func TestContext_AttributeType(t *testing.T) {
	m, _ := newTestManager(t)
	a := thread(t, m, "a")

	do(t, a, func(c *Context) error {
		typ, err := c.AttributeType("Contractor", "salary")
		assert.NoError(t, err)
		assert.Equal(t, ir.TypeFloat, typ)

		_, err = c.AttributeType("Employee", "shoeSize")
		assert.True(t, IsUnknownAttribute(err))
		return nil
	})
}
