package cli

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/roach88/confine/internal/engine"
	"github.com/roach88/confine/internal/ir"
	"github.com/roach88/confine/internal/query"
)

// StatsOptions holds flags for count, aggregate and distinct.
type StatsOptions struct {
	*RootOptions
	FetchFlags
	Default string // aggregate: value reported when nothing matches
}

// NewCountCommand creates the count command.
func NewCountCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &StatsOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "count <entity>",
		Short: "Count entities matching a filter",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(opts.RootOptions, cmd, func(ctx context.Context, s *session, f *OutputFormatter) error {
				spec, err := opts.spec(s.model, args[0])
				if err != nil {
					return f.Fail("invalid query", err)
				}
				var n int
				err = s.do(ctx, func(c *engine.Context) error {
					n, err = c.Count(ctx, spec)
					return err
				})
				if err != nil {
					return f.Fail("count failed", err)
				}
				if f.Format == "json" {
					return f.Success(map[string]int{"count": n})
				}
				return f.Success(n)
			})
		},
	}

	opts.FetchFlags.register(cmd, false)
	return cmd
}

// NewAggregateCommand creates the aggregate command.
func NewAggregateCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &StatsOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "aggregate <max|min|avg|sum> <entity> <attribute>",
		Short: "Compute an aggregate over matching entities",
		Long: `Compute max, min, avg or sum of one attribute over the matching entities.

Null values are ignored. When nothing matches, the --default value is
reported (null if unset).

Example:
  confine aggregate max Employee age --where 'active'
  confine aggregate sum Employee salary --default 0`,
		Args: cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(opts.RootOptions, cmd, func(ctx context.Context, s *session, f *OutputFormatter) error {
				return runAggregate(ctx, opts, s, f, args[0], args[1], args[2])
			})
		},
	}

	opts.FetchFlags.register(cmd, false)
	cmd.Flags().StringVarP(&opts.Default, "default", "d", "", "value reported when no row contributes")
	return cmd
}

func runAggregate(ctx context.Context, opts *StatsOptions, s *session, f *OutputFormatter, kindName, entity, attr string) error {
	kind, ok := query.ParseAggregateKind(kindName)
	if !ok {
		_ = f.Error(ErrCodeQuery, fmt.Sprintf("unknown aggregate %q: want max, min, avg or sum", kindName), nil)
		return NewExitError(ExitCommandError, "unknown aggregate")
	}
	spec, err := opts.spec(s.model, entity)
	if err != nil {
		return f.Fail("invalid query", err)
	}

	var def ir.Value = ir.Null{}
	if opts.Default != "" {
		typ, err := s.model.AttributeType(entity, attr)
		if err != nil {
			return f.Fail("invalid query", err)
		}
		if kind == query.Average {
			typ = ir.TypeFloat
		}
		if def, err = ir.Parse(opts.Default, typ); err != nil {
			_ = f.Error(ErrCodeQuery, fmt.Sprintf("invalid --default: %v", err), nil)
			return WrapExitError(ExitCommandError, "invalid default", err)
		}
	}

	var result ir.Value
	err = s.do(ctx, func(c *engine.Context) error {
		result, err = c.Aggregate(ctx, kind, attr, spec, def)
		return err
	})
	if err != nil {
		return f.Fail("aggregate failed", err)
	}
	if f.Format == "json" {
		return f.Success(map[string]any{kind.String(): ir.Native(result)})
	}
	return f.Success(ir.Format(result))
}

// NewDistinctCommand creates the distinct command.
func NewDistinctCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &StatsOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "distinct <entity> <attribute>",
		Short: "List the distinct values of an attribute",
		Long: `List the distinct non-null values of one attribute over the matching
entities, in ascending order.`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(opts.RootOptions, cmd, func(ctx context.Context, s *session, f *OutputFormatter) error {
				spec, err := opts.spec(s.model, args[0])
				if err != nil {
					return f.Fail("invalid query", err)
				}
				var values []ir.Value
				err = s.do(ctx, func(c *engine.Context) error {
					values, err = c.DistinctValues(ctx, args[1], spec)
					return err
				})
				if err != nil {
					return f.Fail("distinct failed", err)
				}

				if f.Format == "json" {
					out := make([]any, len(values))
					for i, v := range values {
						out[i] = ir.Native(v)
					}
					return f.Success(out)
				}
				for _, v := range values {
					fmt.Fprintln(f.Writer, ir.Format(v))
				}
				return nil
			})
		},
	}

	opts.FetchFlags.register(cmd, false)
	return cmd
}
