package cli

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"slices"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/roach88/confine/internal/engine"
	"github.com/roach88/confine/internal/ir"
	"github.com/roach88/confine/internal/query"
	"github.com/roach88/confine/internal/schema"
)

// Fixture is one entity in a seed file.
//
//	- entity: Employee
//	  ref: ada
//	  match: [lastName]
//	  values: {firstName: Ada, lastName: Lovelace, hired: 1843-01-01}
//	  relations: {department: [eng]}
//
// Relations name the refs of fixtures earlier in the file. With match, an
// existing entity whose listed values are equal is updated instead of a new
// one being inserted.
type Fixture struct {
	Entity    string              `yaml:"entity"`
	Ref       string              `yaml:"ref"`
	Match     []string            `yaml:"match"`
	Values    map[string]any      `yaml:"values"`
	Relations map[string][]string `yaml:"relations"`
}

// LoadFixtures reads and validates a seed file.
func LoadFixtures(path string) ([]Fixture, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read fixture file: %w", err)
	}

	// Parse YAML with strict field validation (catches typos like "value:" vs "values:")
	var fixtures []Fixture
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&fixtures); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	refs := make(map[string]bool)
	for i, fx := range fixtures {
		if fx.Entity == "" {
			return nil, fmt.Errorf("fixture %d: entity is required", i)
		}
		for name, targets := range fx.Relations {
			for _, ref := range targets {
				if !refs[ref] {
					return nil, fmt.Errorf("fixture %d: relation %s: unknown ref %q", i, name, ref)
				}
			}
		}
		for _, key := range fx.Match {
			if _, ok := fx.Values[key]; !ok {
				return nil, fmt.Errorf("fixture %d: match key %q has no value", i, key)
			}
		}
		if fx.Ref != "" {
			if refs[fx.Ref] {
				return nil, fmt.Errorf("fixture %d: duplicate ref %q", i, fx.Ref)
			}
			refs[fx.Ref] = true
		}
	}
	return fixtures, nil
}

// fixtureValues converts YAML scalars to attribute values of def. Strings
// are parsed according to the declared type, so dates and base64 binaries
// may be written as plain text.
func fixtureValues(def *schema.Entity, raw map[string]any) (map[string]ir.Value, error) {
	values := make(map[string]ir.Value, len(raw))
	for key, x := range raw {
		attr, err := def.Attribute(key)
		if err != nil {
			return nil, err
		}
		var v ir.Value
		if s, ok := x.(string); ok && attr.Type != ir.TypeString {
			v, err = ir.Parse(s, attr.Type)
		} else {
			v, err = ir.FromNative(x)
		}
		if err != nil {
			return nil, fmt.Errorf("%s.%s: %w", def.Name, key, err)
		}
		values[key] = v
	}
	return values, nil
}

// SeedResult summarizes a seed run.
type SeedResult struct {
	Inserted int `json:"inserted"`
	Updated  int `json:"updated"`
}

// NewSeedCommand creates the seed command.
func NewSeedCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "seed <fixtures.yaml>",
		Short: "Insert fixture entities into the store",
		Long: `Insert or update the entities listed in a YAML fixture file and commit
them in a single change set.

Each fixture names an entity and its attribute values. Fixtures may be
given a ref so later fixtures can relate to them, and a match list to
update an existing entity instead of inserting a duplicate.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(rootOpts, cmd, func(ctx context.Context, s *session, f *OutputFormatter) error {
				fixtures, err := LoadFixtures(args[0])
				if err != nil {
					_ = f.Error(ErrCodeFixture, err.Error(), nil)
					return WrapExitError(ExitCommandError, "invalid fixture file", err)
				}
				res, err := seed(ctx, s, fixtures)
				if err != nil {
					return f.Fail("seed failed", err)
				}
				if f.Format == "json" {
					return f.Success(res)
				}
				return f.Success(fmt.Sprintf("Seeded %d entity(ies): %d inserted, %d updated",
					res.Inserted+res.Updated, res.Inserted, res.Updated))
			})
		},
	}
	return cmd
}

func seed(ctx context.Context, s *session, fixtures []Fixture) (SeedResult, error) {
	var res SeedResult
	err := s.do(ctx, func(c *engine.Context) error {
		refs := make(map[string]*engine.Entity)
		for i, fx := range fixtures {
			def, err := s.model.Entity(fx.Entity)
			if err != nil {
				return fmt.Errorf("fixture %d: %w", i, err)
			}
			values, err := fixtureValues(def, fx.Values)
			if err != nil {
				return fmt.Errorf("fixture %d: %w", i, err)
			}

			e, created, err := upsert(ctx, c, fx, values)
			if err != nil {
				return fmt.Errorf("fixture %d: %w", i, err)
			}
			if err := e.SetValues(values); err != nil {
				return fmt.Errorf("fixture %d: %w", i, err)
			}
			for _, name := range sortedKeys(fx.Relations) {
				targets := make([]*engine.Entity, 0, len(fx.Relations[name]))
				for _, ref := range fx.Relations[name] {
					targets = append(targets, refs[ref])
				}
				if err := e.SetRelated(name, targets...); err != nil {
					return fmt.Errorf("fixture %d: %w", i, err)
				}
			}

			if fx.Ref != "" {
				refs[fx.Ref] = e
			}
			if created {
				res.Inserted++
			} else {
				res.Updated++
			}
		}
		if err := c.Commit(ctx); err != nil {
			c.Rollback()
			return err
		}
		return nil
	})
	return res, err
}

// upsert returns the entity a fixture applies to: a fresh one, or with
// match keys the first existing entity sharing those values.
func upsert(ctx context.Context, c *engine.Context, fx Fixture, values map[string]ir.Value) (*engine.Entity, bool, error) {
	if len(fx.Match) == 0 {
		e, err := c.Insert(fx.Entity)
		return e, true, err
	}
	eqs := make([]query.Predicate, 0, len(fx.Match))
	for _, key := range fx.Match {
		eqs = append(eqs, query.Eq(key, values[key]))
	}
	return c.NewOrExisting(ctx, query.For(fx.Entity).Where(query.AllOf(eqs...)).WithoutSubentities())
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}
