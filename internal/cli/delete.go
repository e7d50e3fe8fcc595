package cli

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/roach88/confine/internal/engine"
	"github.com/roach88/confine/internal/store/sqlite"
)

// DeleteOptions holds flags for the delete command.
type DeleteOptions struct {
	*RootOptions
	FetchFlags
	All bool
}

// NewDeleteCommand creates the delete command.
func NewDeleteCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &DeleteOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "delete <entity>",
		Short: "Delete entities matching a filter",
		Long: `Delete the entities matching --where, or every entity of the kind with
--all, and commit. One of the two is required.

Example:
  confine delete Employee --where 'active == false'
  confine delete Contractor --all`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(opts.RootOptions, cmd, func(ctx context.Context, s *session, f *OutputFormatter) error {
				return runDelete(ctx, opts, s, f, args[0])
			})
		},
	}

	opts.FetchFlags.register(cmd, false)
	cmd.Flags().BoolVar(&opts.All, "all", false, "delete every entity of the kind")
	return cmd
}

func runDelete(ctx context.Context, opts *DeleteOptions, s *session, f *OutputFormatter, entity string) error {
	if opts.All == (opts.Where != "") {
		_ = f.Error(ErrCodeQuery, "exactly one of --where or --all is required", nil)
		return NewExitError(ExitCommandError, "missing filter")
	}
	spec, err := opts.spec(s.model, entity)
	if err != nil {
		return f.Fail("invalid query", err)
	}

	var n int
	err = s.do(ctx, func(c *engine.Context) error {
		if opts.All {
			n, err = c.DeleteAll(ctx, entity)
		} else {
			n, err = c.DeleteMatching(ctx, spec)
		}
		if err != nil {
			return err
		}
		return c.Commit(ctx)
	})
	if err != nil {
		return f.Fail("delete failed", err)
	}

	if f.Format == "json" {
		return f.Success(map[string]int{"deleted": n})
	}
	return f.Success(fmt.Sprintf("Deleted %d %s(s)", n, entity))
}

// DeleteStoreOptions holds flags for the delete-store command.
type DeleteStoreOptions struct {
	*RootOptions
	Yes bool
}

// NewDeleteStoreCommand creates the delete-store command.
func NewDeleteStoreCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &DeleteStoreOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "delete-store",
		Short: "Remove the store files of the model",
		Long: `Remove the store file of the configured model together with its WAL and
shared-memory companions. This is the way out when the store was written
by an incompatible model version. Requires --yes.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(opts.RootOptions, cmd, func(ctx context.Context, s *session, f *OutputFormatter) error {
				return runDeleteStore(ctx, opts, s, f)
			})
		},
	}

	cmd.Flags().BoolVarP(&opts.Yes, "yes", "y", false, "confirm deletion")
	return cmd
}

func runDeleteStore(ctx context.Context, opts *DeleteStoreOptions, s *session, f *OutputFormatter) error {
	if !opts.Yes {
		_ = f.Error(ErrCodeGeneric, "refusing to delete "+s.path()+" without --yes", nil)
		return NewExitError(ExitCommandError, "not confirmed")
	}

	m, err := s.manager(ctx)
	switch {
	case err == nil:
		err = m.DeleteStore(ctx)
	case engine.IsIncompatibleSchema(err):
		// The Manager refuses the store, so remove the files directly.
		s.logger.Warn("removing store written by another model version", "path", s.path())
		if rmErr := sqlite.Remove(s.path()); rmErr != nil {
			err = &engine.IoError{Path: s.path(), Err: rmErr}
		} else {
			err = nil
		}
	}
	if err != nil {
		return f.Fail("delete-store failed", err)
	}

	if f.Format == "json" {
		return f.Success(map[string]string{"deleted": s.path()})
	}
	return f.Success("Deleted " + s.path())
}
