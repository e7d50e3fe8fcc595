package engine

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	promtest "github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/confine/internal/ir"
	"github.com/roach88/confine/internal/query"
	"github.com/roach88/confine/internal/schema"
	"github.com/roach88/confine/internal/store"
	"github.com/roach88/confine/internal/store/memory"
	"github.com/roach88/confine/internal/testutil"
)

// revisedModel is CompanySource with an extra Contractor attribute, so its
// version differs.
func revisedModel(t *testing.T) *schema.Model {
	t.Helper()
	src := strings.Replace(testutil.CompanySource,
		"attribute: agency: string",
		"attribute: {agency: string, rate: float}", 1)
	require.NotEqual(t, testutil.CompanySource, src)
	m, err := schema.CompileSource("company.cue", []byte(src), "Company")
	require.NoError(t, err)
	return m
}

func openOn(t *testing.T, dir *memory.Dir, model *schema.Model, opts ...ManagerOption) (*Manager, error) {
	t.Helper()
	opts = append([]ManagerOption{WithLogger(quietLogger())}, opts...)
	return NewManager(context.Background(), ManagerConfig{
		Name:   "Company",
		Model:  model,
		Path:   "company",
		Open:   dir.Open,
		Remove: dir.Remove,
	}, opts...)
}

func TestNewManager_OpenFailure(t *testing.T) {
	_, err := NewManager(context.Background(), ManagerConfig{
		Name:  "Company",
		Model: testutil.CompanyModel(t),
		Path:  "/nonexistent/company.sqlite",
		Open: func(context.Context, string, *schema.Model) (store.Store, error) {
			return nil, errors.New("permission denied")
		},
	}, WithLogger(quietLogger()))

	require.Error(t, err)
	assert.True(t, IsStoreOpenError(err))
	assert.False(t, IsIncompatibleSchema(err))
	assert.ErrorContains(t, err, "permission denied")
}

func TestNewManager_SchemaVersion(t *testing.T) {
	dir := memory.NewDir()
	original := testutil.CompanyModel(t)
	revised := revisedModel(t)
	require.NotEqual(t, original.Version(), revised.Version())

	m, err := openOn(t, dir, original)
	require.NoError(t, err)
	a := thread(t, m, "a")
	id := insertEmployee(t, a, person("Ada", "Lovelace"))

	needs, err := m.RequiresMigration(context.Background())
	require.NoError(t, err)
	assert.False(t, needs)
	require.NoError(t, m.Close())

	t.Run("incompatible without migration", func(t *testing.T) {
		_, err := openOn(t, dir, revised)
		require.Error(t, err)
		assert.True(t, IsStoreOpenError(err))
		assert.True(t, IsIncompatibleSchema(err))
	})

	t.Run("lightweight migration", func(t *testing.T) {
		m, err := openOn(t, dir, revised, WithLightweightMigration(true))
		require.NoError(t, err)
		defer m.Close()

		needs, err := m.RequiresMigration(context.Background())
		require.NoError(t, err)
		assert.False(t, needs, "store restamped")

		a := thread(t, m, "a")
		assert.Equal(t, ir.String("Lovelace"), attr(t, a, id, "lastName"))
	})
}

func TestManager_DeleteStore(t *testing.T) {
	m, dir := newTestManager(t)
	a := thread(t, m, "a")

	var entity *Entity
	do(t, a, func(c *Context) error {
		var err error
		entity, err = c.Insert("Employee")
		if err != nil {
			return err
		}
		return entity.Set("lastName", ir.String("Lovelace"))
	})
	insertEmployee(t, a, person("Grace", "Hopper"))
	require.True(t, dir.Exists("company"))

	require.NoError(t, m.DeleteStore(context.Background()))
	<-a.Done()

	assert.False(t, dir.Exists("company"))
	assert.True(t, entity.invalid)
	_, err := m.Thread("a")
	assert.ErrorIs(t, err, ErrManagerClosed)
	assert.ErrorIs(t, m.DeleteStore(context.Background()), ErrManagerClosed)

	// A new Manager starts from an empty store.
	m2, err := openOn(t, dir, testutil.CompanyModel(t))
	require.NoError(t, err)
	defer m2.Close()
	n := run(t, thread(t, m2, "a"), func(c *Context) (int, error) {
		return c.Count(context.Background(), query.For("Employee"))
	})
	assert.Zero(t, n)
}

func TestManager_DeleteStoreIoError(t *testing.T) {
	dir := memory.NewDir()
	m, err := NewManager(context.Background(), ManagerConfig{
		Name:   "Company",
		Model:  testutil.CompanyModel(t),
		Path:   "company",
		Open:   dir.Open,
		Remove: func(string) error { return errors.New("device busy") },
	}, WithLogger(quietLogger()))
	require.NoError(t, err)

	err = m.DeleteStore(context.Background())
	require.Error(t, err)
	assert.True(t, IsIoError(err))
	var ioErr *IoError
	require.ErrorAs(t, err, &ioErr)
	assert.Equal(t, "company", ioErr.Path)
}

func TestManager_DeleteStoreFromTask(t *testing.T) {
	m := newSQLiteManager(t)
	a := thread(t, m, "a")
	insertEmployee(t, a, person("Ada", "Lovelace"))

	b := thread(t, m, "b")
	load(t, b, insertEmployee(t, a, person("Grace", "Hopper")))

	do(t, a, func(c *Context) error {
		if err := c.DeleteStore(context.Background()); err != nil {
			return err
		}
		select {
		case <-b.Done():
		default:
			t.Error("other thread still running after DeleteStore")
		}
		return nil
	})
	<-a.Done()

	assert.NoFileExists(t, m.Path())
}

func TestManager_DeleteStoreWaitsForThreads(t *testing.T) {
	m, dir := newTestManager(t)
	a := thread(t, m, "a")

	var entity *Entity
	do(t, a, func(c *Context) error {
		var err error
		entity, err = c.Insert("Employee")
		return err
	})

	started := make(chan struct{})
	release := make(chan struct{})
	require.NoError(t, a.Post(func(*Context) {
		close(started)
		<-release
	}))
	<-started

	deleted := make(chan error, 1)
	go func() { deleted <- m.DeleteStore(context.Background()) }()

	select {
	case <-deleted:
		t.Fatal("DeleteStore returned while a task was still running")
	case <-time.After(20 * time.Millisecond):
	}
	assert.True(t, dir.Exists("company"), "store kept until the task finishes")

	close(release)
	select {
	case err := <-deleted:
		require.NoError(t, err)
	case <-time.After(testTimeout):
		t.Fatal("DeleteStore never returned")
	}

	assert.False(t, dir.Exists("company"))
	assert.True(t, entity.invalid, "context discarded before DeleteStore returns")
	select {
	case <-a.Done():
	default:
		t.Fatal("thread still running after DeleteStore")
	}
}

func TestManager_Metrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	metrics := NewMetrics(reg)
	m, fs := newFailingManagerWith(t, WithMetrics(metrics), WithMassUpdateThreshold(1))

	a := thread(t, m, "a")
	b := thread(t, m, "b")
	assert.Equal(t, 2.0, promtest.ToFloat64(metrics.threads.WithLabelValues("Company")))

	id := insertEmployee(t, a, person("Ada", "Lovelace"))
	load(t, b, id)
	setField(t, a, id, "age", ir.Int(36))
	do(t, b, func(*Context) error { return nil })

	fs.fail.Store(true)
	do(t, a, func(c *Context) error {
		for i := 0; i < 2; i++ {
			e, err := c.Insert("Employee")
			if err != nil {
				return err
			}
			if err := e.Set("lastName", ir.String("Doe")); err != nil {
				return err
			}
		}
		assert.True(t, IsCommitError(c.Commit(context.Background())))
		return nil
	})

	assert.Equal(t, 2.0, promtest.ToFloat64(metrics.commits.WithLabelValues("Company", "ok")))
	assert.Equal(t, 1.0, promtest.ToFloat64(metrics.commits.WithLabelValues("Company", "error")))
	assert.Equal(t, 1.0, promtest.ToFloat64(metrics.massUpdates.WithLabelValues("Company")))
	assert.Equal(t, 1.0, promtest.ToFloat64(metrics.merges.WithLabelValues("Company", "updated")))

	b.Stop()
	assert.Equal(t, 1.0, promtest.ToFloat64(metrics.threads.WithLabelValues("Company")))
}

func newFailingManagerWith(t *testing.T, opts ...ManagerOption) (*Manager, *failingStore) {
	t.Helper()
	model := testutil.CompanyModel(t)
	fs := &failingStore{Store: memory.New(model)}
	opts = append([]ManagerOption{WithLogger(quietLogger())}, opts...)
	m, err := NewManager(context.Background(), ManagerConfig{
		Name:  "Company",
		Model: model,
		Path:  "company",
		Open: func(context.Context, string, *schema.Model) (store.Store, error) {
			return fs, nil
		},
	}, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = m.Close() })
	return m, fs
}

func TestManager_IDGenerator(t *testing.T) {
	m, _ := newTestManager(t, WithIDGenerator(ir.NewFixedGenerator("k1", "k2")))
	a := thread(t, m, "a")

	id := insertEmployee(t, a, person("Ada", "Lovelace"))
	assert.Equal(t, ir.ObjectID{Entity: "Employee", Key: "k1"}, id)
	assert.Equal(t, DefaultMassUpdateThreshold, m.MassUpdateThreshold())
}
