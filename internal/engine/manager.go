package engine

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/roach88/confine/internal/ir"
	"github.com/roach88/confine/internal/schema"
	"github.com/roach88/confine/internal/store"
)

// DefaultMassUpdateThreshold is the pending change count above which a
// commit emits SignalWillMassUpdate first.
const DefaultMassUpdateThreshold = 10

// Manager owns the store of one model and the table of Threads working on
// it. It orchestrates commit and merge: Contexts never talk to each other
// directly.
//
// Thread-safety model:
//   - every exported method is safe from any goroutine
//   - the thread table and the store handle are guarded by mu
//   - merge sets are delivered as tasks on each receiving Thread
type Manager struct {
	name        string
	model       *schema.Model
	path        string
	remove      store.Remover
	logger      *slog.Logger
	metrics     *Metrics
	ids         ir.IDGenerator
	seq         atomic.Int64 // notification order
	threshold   int
	lightweight bool
	release     func(*Manager) // set by the Registry

	// commitMu is held from the store write until the merge set is posted,
	// so Threads receive merge sets in store sequence order.
	commitMu sync.Mutex

	mu      sync.RWMutex
	st      store.Store
	threads map[string]*Thread
	closed  bool

	obsMu        sync.Mutex
	observers    map[uint64]Observer
	nextObserver uint64

	// workers tracks background fetches so Close can wait for them.
	workers sync.WaitGroup
	baseCtx context.Context
	cancel  context.CancelFunc
}

// ManagerOption allows configuration of manager parameters.
type ManagerOption func(*Manager)

// WithMassUpdateThreshold sets the pending change count above which commits
// emit SignalWillMassUpdate.
//
// Default: 10 (DefaultMassUpdateThreshold)
func WithMassUpdateThreshold(n int) ManagerOption {
	return func(m *Manager) {
		m.threshold = n
	}
}

// WithLogger sets the structured logger. Default: slog.Default().
func WithLogger(l *slog.Logger) ManagerOption {
	return func(m *Manager) {
		m.logger = l
	}
}

// WithMetrics records commit, merge and thread metrics into mt.
func WithMetrics(mt *Metrics) ManagerOption {
	return func(m *Manager) {
		m.metrics = mt
	}
}

// WithLightweightMigration lets a store stamped with a different schema
// version open anyway. Attributes the new model no longer declares are
// dropped on read; new attributes read as null.
func WithLightweightMigration(enabled bool) ManagerOption {
	return func(m *Manager) {
		m.lightweight = enabled
	}
}

// WithIDGenerator sets the key generator for inserted entities.
// Default: ir.UUIDv7Generator.
func WithIDGenerator(g ir.IDGenerator) ManagerOption {
	return func(m *Manager) {
		m.ids = g
	}
}

// ManagerConfig names the store a Manager opens.
type ManagerConfig struct {
	Name   string
	Model  *schema.Model
	Path   string
	Open   store.Opener
	Remove store.Remover
}

// NewManager opens the store described by cfg and checks its schema
// version. A new store is stamped with the model's version; a store stamped
// with a different version fails with a *StoreOpenError unless lightweight
// migration is enabled.
func NewManager(ctx context.Context, cfg ManagerConfig, opts ...ManagerOption) (*Manager, error) {
	m := &Manager{
		name:      cfg.Name,
		model:     cfg.Model,
		path:      cfg.Path,
		remove:    cfg.Remove,
		logger:    slog.Default(),
		ids:       ir.UUIDv7Generator{},
		threshold: DefaultMassUpdateThreshold,
		threads:   make(map[string]*Thread),
		observers: make(map[uint64]Observer),
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.name == "" {
		m.name = cfg.Model.Name
	}

	st, err := cfg.Open(ctx, cfg.Path, cfg.Model)
	if err != nil {
		return nil, &StoreOpenError{Code: ErrCodeStoreOpen, Model: m.name, Path: cfg.Path, Err: err}
	}
	if err := m.checkVersion(ctx, st); err != nil {
		st.Close()
		return nil, err
	}

	m.st = st
	m.baseCtx, m.cancel = context.WithCancel(context.Background())
	m.logger.Info("store opened", "model", m.name, "path", cfg.Path, "version", cfg.Model.Version())
	return m, nil
}

func (m *Manager) checkVersion(ctx context.Context, st store.Store) error {
	want := m.model.Version()
	got, err := st.SchemaVersion(ctx)
	if err != nil {
		return &StoreOpenError{Code: ErrCodeStoreOpen, Model: m.name, Path: m.path, Err: err}
	}

	switch {
	case got == want:
		return nil
	case got != "" && !m.lightweight:
		return &StoreOpenError{
			Code:  ErrCodeIncompatibleSchema,
			Model: m.name,
			Path:  m.path,
			Err:   fmt.Errorf("store schema %s does not match model schema %s", got, want),
		}
	}

	if got != "" {
		m.logger.Info("lightweight migration", "model", m.name, "from", got, "to", want)
	}
	if err := st.SetSchemaVersion(ctx, want); err != nil {
		return &StoreOpenError{Code: ErrCodeStoreOpen, Model: m.name, Path: m.path, Err: err}
	}
	return nil
}

// Name returns the model name the Manager serves.
func (m *Manager) Name() string { return m.name }

// Model returns the compiled data model.
func (m *Manager) Model() *schema.Model { return m.model }

// Path returns the store path.
func (m *Manager) Path() string { return m.path }

// MassUpdateThreshold returns the configured threshold.
func (m *Manager) MassUpdateThreshold() int { return m.threshold }

// Thread returns the Thread called name, starting it if absent. The
// Thread's Context is created by its first task. Never blocks on work
// queued on other Threads.
func (m *Manager) Thread(name string) (*Thread, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil, ErrManagerClosed
	}
	if t, ok := m.threads[name]; ok {
		return t, nil
	}

	t := newThread(m, name)
	m.threads[name] = t
	m.metrics.threadStarted(m.name)
	return t, nil
}

// Threads returns the names of the live Threads in sorted order.
func (m *Manager) Threads() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	names := make([]string, 0, len(m.threads))
	for name := range m.threads {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

func (m *Manager) forgetThread(t *Thread) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.threads[t.name] == t {
		delete(m.threads, t.name)
		m.metrics.threadStopped(m.name)
	}
}

// store returns the open store, or ErrManagerClosed.
func (m *Manager) store() (store.Store, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return nil, ErrManagerClosed
	}
	return m.st, nil
}

// RequiresMigration reports whether the store's persisted schema version
// differs from the model's. Does not modify the store.
func (m *Manager) RequiresMigration(ctx context.Context) (bool, error) {
	st, err := m.store()
	if err != nil {
		return false, err
	}
	got, err := st.SchemaVersion(ctx)
	if err != nil {
		return false, fmt.Errorf("read schema version: %w", err)
	}
	return got != "" && got != m.model.Version(), nil
}

// commit persists c's pending changes and propagates them to every other
// live Thread. Called on c's Thread.
func (m *Manager) commit(ctx context.Context, c *Context) error {
	st, err := m.store()
	if err != nil {
		return err
	}

	pending := c.PendingChangeCount()
	if pending == 0 {
		return nil
	}

	cs, err := c.changeSet()
	if err != nil {
		return &CommitError{Code: ErrCodeValidation, Pending: pending, Err: err}
	}

	if pending > m.threshold {
		m.metrics.massUpdate(m.name)
		m.notify(Notification{
			Signal:  SignalWillMassUpdate,
			Thread:  c.threadName(),
			Pending: pending,
		})
	}

	m.commitMu.Lock()
	defer m.commitMu.Unlock()

	start := time.Now()
	res, err := st.Write(ctx, cs)
	m.metrics.commit(m.name, start, err)
	if err != nil {
		m.logger.Warn("commit failed",
			"model", m.name,
			"thread", c.threadName(),
			"pending", pending,
			"error", err,
		)
		return &CommitError{Code: ErrCodeStoreWrite, Pending: pending, Err: err}
	}

	ms := c.committed(cs, res)
	m.logger.Info("commit persisted",
		"model", m.name,
		"thread", c.threadName(),
		"seq", res.Seq,
		"inserted", len(res.Inserted),
		"updated", len(res.Updated),
		"deleted", len(res.Deleted),
		"missing", len(res.Missing),
	)

	m.propagate(c.thread, ms)
	return nil
}

// propagate enqueues a merge of ms on every live Thread except origin.
// Called only after the store accepted the write.
func (m *Manager) propagate(origin *Thread, ms *MergeSet) {
	if ms.IsEmpty() {
		return
	}

	m.mu.RLock()
	targets := make([]*Thread, 0, len(m.threads))
	for _, t := range m.threads {
		if t != origin {
			targets = append(targets, t)
		}
	}
	m.mu.RUnlock()

	for _, t := range targets {
		t.Post(func(c *Context) { c.merge(ms) })
	}
}

// Close stops every Thread, waits for their goroutines and for background
// fetches, and closes the store. The Manager is unusable afterwards. Closing
// twice returns ErrManagerClosed. Close must not be called from a task; it
// would wait for its own Thread.
func (m *Manager) Close() error {
	st, err := m.shutdown(nil)
	if err != nil {
		return err
	}
	if err := st.Close(); err != nil {
		return fmt.Errorf("close store: %w", err)
	}
	m.logger.Info("store closed", "model", m.name)
	return nil
}

// DeleteStore closes the Manager like Close, discarding every Context,
// and removes the store's files. A file-system failure is returned as an
// *IoError. The model's Manager must be re-created before further use.
//
// Like Close it must not be called from a task; tasks use
// Context.DeleteStore.
func (m *Manager) DeleteStore(ctx context.Context) error {
	return m.deleteStore(ctx, nil)
}

// deleteStore removes the store once every Thread but caller has exited.
// caller, when set, is the Thread running the request; its Context is
// discarded after the running task returns.
func (m *Manager) deleteStore(ctx context.Context, caller *Thread) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	st, err := m.shutdown(caller)
	if err != nil {
		return err
	}
	if err := st.Close(); err != nil {
		return &IoError{Path: m.path, Err: err}
	}
	if m.remove != nil {
		if err := m.remove(m.path); err != nil {
			return &IoError{Path: m.path, Err: err}
		}
	}
	m.logger.Info("store deleted", "model", m.name, "path", m.path)
	return nil
}

// shutdown marks the Manager closed, stops its Threads and background
// workers, and detaches it from its Registry. Every Thread except caller
// has exited and discarded its Context when it returns. It returns the store
// for the caller to close.
func (m *Manager) shutdown(caller *Thread) (store.Store, error) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, ErrManagerClosed
	}
	m.closed = true
	threads := make([]*Thread, 0, len(m.threads))
	for _, t := range m.threads {
		threads = append(threads, t)
	}
	st := m.st
	m.mu.Unlock()

	for _, t := range threads {
		t.Stop()
	}
	m.cancel()
	for _, t := range threads {
		if t != caller {
			<-t.Done()
		}
	}
	m.workers.Wait()

	if m.release != nil {
		m.release(m)
	}
	return st, nil
}
