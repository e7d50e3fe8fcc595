package cli

import (
	"context"
	"fmt"
	"io"
	"maps"
	"slices"
	"strings"

	"github.com/spf13/cobra"

	"github.com/roach88/confine/internal/engine"
	"github.com/roach88/confine/internal/ir"
	"github.com/roach88/confine/internal/query"
	"github.com/roach88/confine/internal/schema"
)

// FetchFlags are the request flags shared by query, count, aggregate,
// distinct and delete.
type FetchFlags struct {
	Where              string
	Sort               []string // attr, or -attr for descending
	Limit              int
	ExcludeSubentities bool
}

func (ff *FetchFlags) register(cmd *cobra.Command, withSort bool) {
	cmd.Flags().StringVarP(&ff.Where, "where", "w", "", "filter expression, e.g. 'age >= 30 && lastName != nil'")
	cmd.Flags().BoolVar(&ff.ExcludeSubentities, "exclude-subentities", false, "match the exact entity only")
	if withSort {
		cmd.Flags().StringSliceVarP(&ff.Sort, "sort", "s", nil, "sort keys (attr or -attr), repeatable")
		cmd.Flags().IntVarP(&ff.Limit, "limit", "n", 0, "maximum number of results (0 = all)")
	}
}

// spec builds a query.Spec for entity from the flags.
func (ff *FetchFlags) spec(model *schema.Model, entity string) (query.Spec, error) {
	def, err := model.Entity(entity)
	if err != nil {
		return query.Spec{}, err
	}
	spec := query.For(entity).WithLimit(ff.Limit)
	if ff.ExcludeSubentities {
		spec = spec.WithoutSubentities()
	}
	if ff.Where != "" {
		p, err := query.Parse(ff.Where, def)
		if err != nil {
			return query.Spec{}, err
		}
		spec = spec.Where(p)
	}
	for _, key := range ff.Sort {
		if attr, ok := strings.CutPrefix(key, "-"); ok {
			spec = spec.OrderBy(query.Desc(attr))
		} else {
			spec = spec.OrderBy(query.Asc(key))
		}
	}
	return spec, nil
}

// EntityView is the output form of one entity.
type EntityView struct {
	ID        string              `json:"id"`
	Entity    string              `json:"entity"`
	Values    map[string]any      `json:"values"`
	Relations map[string][]string `json:"relations,omitempty"`
}

func viewOf(e *engine.Entity, def *schema.Entity) EntityView {
	v := EntityView{
		ID:     e.ID().String(),
		Entity: e.EntityName(),
		Values: make(map[string]any),
	}
	for key, val := range e.Serialize() {
		v.Values[key] = ir.Native(val)
	}
	for _, name := range def.RelationshipNames() {
		ids, err := e.RelatedIDs(name)
		if err != nil || len(ids) == 0 {
			continue
		}
		if v.Relations == nil {
			v.Relations = make(map[string][]string)
		}
		for _, id := range ids {
			v.Relations[name] = append(v.Relations[name], id.String())
		}
	}
	return v
}

func viewsOf(entities []*engine.Entity, model *schema.Model) []EntityView {
	views := make([]EntityView, 0, len(entities))
	for _, e := range entities {
		def, err := model.Entity(e.EntityName())
		if err != nil {
			continue
		}
		views = append(views, viewOf(e, def))
	}
	return views
}

func writeView(w io.Writer, v EntityView) {
	var b strings.Builder
	b.WriteString(v.ID)
	for _, key := range slices.Sorted(maps.Keys(v.Values)) {
		val, _ := ir.FromNative(v.Values[key])
		fmt.Fprintf(&b, " %s=%s", key, ir.Format(val))
	}
	for _, name := range slices.Sorted(maps.Keys(v.Relations)) {
		fmt.Fprintf(&b, " %s->%s", name, strings.Join(v.Relations[name], ","))
	}
	fmt.Fprintln(w, b.String())
}

// QueryOptions holds flags for the query command.
type QueryOptions struct {
	*RootOptions
	FetchFlags
	GroupBy string
	Async   bool
}

// NewQueryCommand creates the query command.
func NewQueryCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &QueryOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "query <entity>",
		Short: "Fetch entities matching a filter",
		Long: `Fetch entities of one kind, optionally filtered, sorted and limited.

Subentities are included unless --exclude-subentities is set. With
--group-by the results are grouped by an attribute value; with --async
the fetch runs on a background worker and is delivered back to the CLI
thread.

Example:
  confine query Employee --where 'age > 30' --sort lastName --limit 10
  confine query Employee --group-by lastName --format json`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(opts.RootOptions, cmd, func(ctx context.Context, s *session, f *OutputFormatter) error {
				return runQuery(ctx, opts, s, f, args[0])
			})
		},
	}

	opts.FetchFlags.register(cmd, true)
	cmd.Flags().StringVarP(&opts.GroupBy, "group-by", "g", "", "group results by attribute")
	cmd.Flags().BoolVar(&opts.Async, "async", false, "fetch on a background worker")

	return cmd
}

func runQuery(ctx context.Context, opts *QueryOptions, s *session, f *OutputFormatter, entity string) error {
	spec, err := opts.spec(s.model, entity)
	if err != nil {
		return f.Fail("invalid query", err)
	}
	if opts.GroupBy != "" {
		if opts.Async {
			_ = f.Error(ErrCodeQuery, "--async cannot be combined with --group-by", nil)
			return NewExitError(ExitCommandError, "conflicting flags")
		}
		return runGrouped(ctx, s, f, spec.GroupedBy(opts.GroupBy))
	}

	var views []EntityView
	if opts.Async {
		views, err = fetchAsync(ctx, s, spec)
	} else {
		err = s.do(ctx, func(c *engine.Context) error {
			found, err := c.Fetch(ctx, spec)
			if err != nil {
				return err
			}
			views = viewsOf(found, s.model)
			return nil
		})
	}
	if err != nil {
		return f.Fail("query failed", err)
	}

	if f.Format == "json" {
		return f.Success(views)
	}
	for _, v := range views {
		writeView(f.Writer, v)
	}
	fmt.Fprintf(f.Writer, "%d %s(s)\n", len(views), entity)
	return nil
}

// fetchAsync starts spec on the background executor from a task on the
// session Thread and waits, off that Thread, for the completion to be
// delivered back to it.
func fetchAsync(ctx context.Context, s *session, spec query.Spec) ([]EntityView, error) {
	th, err := s.thread(ctx)
	if err != nil {
		return nil, err
	}
	var views []EntityView
	done := make(chan error, 1)
	err = th.Post(func(c *engine.Context) {
		c.FetchAsync(spec, func(c *engine.Context, found []*engine.Entity, err error) {
			if err == nil {
				views = viewsOf(found, s.model)
			}
			done <- err
		})
	})
	if err != nil {
		return nil, err
	}
	select {
	case err := <-done:
		return views, err
	case <-th.Done():
		return nil, engine.ErrThreadStopped
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func runGrouped(ctx context.Context, s *session, f *OutputFormatter, spec query.Spec) error {
	type group struct {
		Key      string       `json:"key"`
		Entities []EntityView `json:"entities"`
	}
	var groups []group
	err := s.do(ctx, func(c *engine.Context) error {
		grouped, err := c.FetchGrouped(ctx, spec)
		if err != nil {
			return err
		}
		for key, members := range grouped {
			groups = append(groups, group{Key: ir.Format(key), Entities: viewsOf(members, s.model)})
		}
		return nil
	})
	if err != nil {
		return f.Fail("query failed", err)
	}
	slices.SortFunc(groups, func(a, b group) int { return strings.Compare(a.Key, b.Key) })

	if f.Format == "json" {
		return f.Success(groups)
	}
	for _, g := range groups {
		fmt.Fprintf(f.Writer, "[%s] %d\n", g.Key, len(g.Entities))
		for _, v := range g.Entities {
			fmt.Fprint(f.Writer, "  ")
			writeView(f.Writer, v)
		}
	}
	return nil
}
