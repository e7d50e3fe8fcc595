package cli

import (
	"context"
	"fmt"
	"io"
	"log/slog"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/common/expfmt"
	"github.com/spf13/cobra"

	"github.com/roach88/confine/internal/config"
	"github.com/roach88/confine/internal/engine"
	"github.com/roach88/confine/internal/schema"
)

// threadName names the single Thread every command works on.
const threadName = "cli"

// session is one command's view of the store: resolved config, compiled
// model and a Registry holding its Manager.
type session struct {
	cfg      config.Config
	model    *schema.Model
	registry *engine.Registry
	metrics  *prometheus.Registry
	logger   *slog.Logger
}

// openSession resolves settings (file, then environment, then flags),
// compiles the model and prepares the Registry. Failures are reported
// through f.
func openSession(opts *RootOptions, f *OutputFormatter) (*session, error) {
	cfg, err := config.Load(opts.Config)
	if err != nil {
		_ = f.Error(ErrCodeConfig, err.Error(), nil)
		return nil, WrapExitError(ExitCommandError, "failed to load config", err)
	}
	if opts.StoreDir != "" {
		cfg.StoreDir = opts.StoreDir
	}
	if opts.ModelFile != "" {
		cfg.ModelFile = opts.ModelFile
	}
	if opts.Model != "" {
		cfg.Model = opts.Model
	}
	if cfg.ModelFile == "" {
		_ = f.Error(ErrCodeConfig, "no model file: set model_file or pass --model-file", nil)
		return nil, NewExitError(ExitCommandError, "no model file")
	}

	model, err := schema.LoadFile(cfg.ModelFile, cfg.Model)
	if err != nil {
		_ = f.Error(ErrCodeModel, err.Error(), nil)
		return nil, WrapExitError(ExitCommandError, "failed to compile model", err)
	}

	level := cfg.Level()
	if opts.Verbose {
		level = slog.LevelDebug
	}
	logger := newLogger(f.GetErrWriter(), level)

	metrics := prometheus.NewRegistry()
	s := &session{
		cfg:     cfg,
		model:   model,
		metrics: metrics,
		logger:  logger,
	}
	s.registry = engine.NewRegistry(engine.RegistryConfig{
		Dir:    cfg.StoreDir,
		Models: map[string]*schema.Model{model.Name: model},
		Options: []engine.ManagerOption{
			engine.WithLogger(logger),
			engine.WithMetrics(engine.NewMetrics(metrics)),
			engine.WithMassUpdateThreshold(cfg.MassUpdateThreshold),
			engine.WithLightweightMigration(cfg.LightweightMigration),
		},
	})
	f.VerboseLog("model %s (%s), store %s", model.Name, model.Version(), s.path())
	return s, nil
}

func newLogger(w io.Writer, level slog.Level) *slog.Logger {
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: level}))
}

func (s *session) path() string {
	return s.registry.Path(s.model.Name)
}

func (s *session) manager(ctx context.Context) (*engine.Manager, error) {
	return s.registry.GetOrCreate(ctx, s.model.Name)
}

func (s *session) thread(ctx context.Context) (*engine.Thread, error) {
	m, err := s.manager(ctx)
	if err != nil {
		return nil, err
	}
	return m.Thread(threadName)
}

// do runs fn as a task on the session's Thread and waits for it.
func (s *session) do(ctx context.Context, fn func(*engine.Context) error) error {
	th, err := s.thread(ctx)
	if err != nil {
		return err
	}
	return th.Do(ctx, fn)
}

// close shuts the Registry down, logging rather than returning errors.
func (s *session) close() {
	if err := s.registry.Close(); err != nil {
		s.logger.Error("error closing registry", "error", err)
	}
}

// dumpMetrics writes every gathered family in the Prometheus text format.
func (s *session) dumpMetrics(w io.Writer) error {
	families, err := s.metrics.Gather()
	if err != nil {
		return fmt.Errorf("gather metrics: %w", err)
	}
	for _, mf := range families {
		if _, err := expfmt.MetricFamilyToText(w, mf); err != nil {
			return fmt.Errorf("write metrics: %w", err)
		}
	}
	return nil
}

// withSession opens a session for cmd, runs fn and closes it. Metrics are
// dumped afterwards when --metrics is set, even if fn failed.
func withSession(opts *RootOptions, cmd *cobra.Command, fn func(ctx context.Context, s *session, f *OutputFormatter) error) error {
	f := opts.formatter(cmd)
	s, err := openSession(opts, f)
	if err != nil {
		return err
	}
	defer s.close()

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	runErr := fn(ctx, s, f)

	if opts.Metrics {
		if err := s.dumpMetrics(cmd.ErrOrStderr()); err != nil {
			s.logger.Error("error writing metrics", "error", err)
		}
	}
	return runErr
}
