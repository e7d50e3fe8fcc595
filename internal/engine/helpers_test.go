package engine

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/roach88/confine/internal/ir"
	"github.com/roach88/confine/internal/store/memory"
	"github.com/roach88/confine/internal/store/sqlite"
	"github.com/roach88/confine/internal/testutil"
)

const testTimeout = 5 * time.Second

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// newTestManager returns a Manager over an in-memory store. The in-memory
// store has no pushdown, so queries take the in-process paths.
func newTestManager(t *testing.T, opts ...ManagerOption) (*Manager, *memory.Dir) {
	t.Helper()
	dir := memory.NewDir()
	opts = append([]ManagerOption{WithLogger(quietLogger())}, opts...)
	m, err := NewManager(context.Background(), ManagerConfig{
		Name:   "Company",
		Model:  testutil.CompanyModel(t),
		Path:   "company",
		Open:   dir.Open,
		Remove: dir.Remove,
	}, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = m.Close() })
	return m, dir
}

// newSQLiteManager returns a Manager over a SQLite file in the test's temp
// dir.
func newSQLiteManager(t *testing.T, opts ...ManagerOption) *Manager {
	t.Helper()
	path := testutil.StorePath(t, "company")
	opts = append([]ManagerOption{WithLogger(quietLogger())}, opts...)
	m, err := NewManager(context.Background(), ManagerConfig{
		Name:   "Company",
		Model:  testutil.CompanyModel(t),
		Path:   path,
		Open:   sqlite.OpenStore,
		Remove: sqlite.Remove,
	}, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = m.Close() })
	return m
}

func thread(t *testing.T, m *Manager, name string) *Thread {
	t.Helper()
	th, err := m.Thread(name)
	require.NoError(t, err)
	return th
}

// run executes fn on th and returns its result. fn runs on the Thread's
// goroutine, so it must report failures through its error or assert, never
// require.
func run[T any](t *testing.T, th *Thread, fn func(c *Context) (T, error)) T {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	defer cancel()
	v, err := Submit(th, fn).Wait(ctx)
	require.NoError(t, err)
	return v
}

func do(t *testing.T, th *Thread, fn func(c *Context) error) {
	t.Helper()
	run(t, th, func(c *Context) (struct{}, error) {
		return struct{}{}, fn(c)
	})
}

// insertEmployee inserts and commits an Employee and returns its identity.
func insertEmployee(t *testing.T, th *Thread, values map[string]ir.Value) ir.ObjectID {
	t.Helper()
	return run(t, th, func(c *Context) (ir.ObjectID, error) {
		e, err := c.Insert("Employee")
		if err != nil {
			return ir.ObjectID{}, err
		}
		if err := e.SetValues(values); err != nil {
			return ir.ObjectID{}, err
		}
		if err := c.Commit(context.Background()); err != nil {
			return ir.ObjectID{}, err
		}
		return e.ID(), nil
	})
}

func person(first, last string) map[string]ir.Value {
	return map[string]ir.Value{
		"firstName": ir.String(first),
		"lastName":  ir.String(last),
	}
}

// load fetches id into the Thread's Context.
func load(t *testing.T, th *Thread, id ir.ObjectID) {
	t.Helper()
	do(t, th, func(c *Context) error {
		_, err := c.ObjectWithID(context.Background(), id)
		return err
	})
}

func attr(t *testing.T, th *Thread, id ir.ObjectID, key string) ir.Value {
	t.Helper()
	return run(t, th, func(c *Context) (ir.Value, error) {
		e, err := c.ObjectWithID(context.Background(), id)
		if err != nil {
			return nil, err
		}
		return e.Get(key)
	})
}
