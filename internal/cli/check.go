package cli

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// Store states reported by check.
const (
	StoreMissing    = "missing"
	StoreCompatible = "compatible"
	StoreMigrate    = "needs-migration"
)

// EntitySummary describes one entity of the checked model.
type EntitySummary struct {
	Name          string `json:"name"`
	Parent        string `json:"parent,omitempty"`
	Attributes    int    `json:"attributes"`
	Relationships int    `json:"relationships"`
}

// CheckResult is the output of the check command.
type CheckResult struct {
	Model      string          `json:"model"`
	Version    string          `json:"version"`
	Entities   []EntitySummary `json:"entities"`
	Store      string          `json:"store"`
	StoreState string          `json:"store_state"`
}

// NewCheckCommand creates the check command.
func NewCheckCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "check",
		Short: "Compile the model and check the store against it",
		Long: `Compile the configured CUE model and report its entities and version.

The store file is probed without being opened for writing. Exits with
status 1 if it was written by a different model version; run with
lightweight_migration enabled or delete the store to continue.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(rootOpts, cmd, runCheck)
		},
	}
	return cmd
}

func runCheck(ctx context.Context, s *session, f *OutputFormatter) error {
	result := CheckResult{
		Model:   s.model.Name,
		Version: s.model.Version(),
		Store:   s.path(),
	}
	for _, name := range s.model.EntityNames() {
		def, err := s.model.Entity(name)
		if err != nil {
			return f.Fail("check failed", err)
		}
		result.Entities = append(result.Entities, EntitySummary{
			Name:          name,
			Parent:        def.Parent,
			Attributes:    len(def.Attributes),
			Relationships: len(def.Relationships),
		})
	}

	needs, err := s.registry.RequiresMigration(ctx, s.model.Name)
	if err != nil {
		return f.Fail("check failed", err)
	}
	switch _, statErr := os.Stat(result.Store); {
	case errors.Is(statErr, os.ErrNotExist):
		result.StoreState = StoreMissing
	case needs:
		result.StoreState = StoreMigrate
	default:
		result.StoreState = StoreCompatible
	}

	if f.Format == "json" {
		if err := f.Success(result); err != nil {
			return err
		}
	} else {
		fmt.Fprintf(f.Writer, "✓ Model %s (version %s)\n\n", result.Model, shortVersion(result.Version))
		fmt.Fprintln(f.Writer, "Entities:")
		for _, e := range result.Entities {
			parent := ""
			if e.Parent != "" {
				parent = " : " + e.Parent
			}
			fmt.Fprintf(f.Writer, "  %s%s: %d attribute(s), %d relationship(s)\n",
				e.Name, parent, e.Attributes, e.Relationships)
		}
		fmt.Fprintf(f.Writer, "\nStore %s: %s\n", result.Store, result.StoreState)
	}

	if result.StoreState == StoreMigrate {
		return NewExitError(ExitFailure, "store requires migration")
	}
	return nil
}

func shortVersion(v string) string {
	if len(v) > 12 {
		return v[:12]
	}
	return v
}
