package schema

import (
	"fmt"

	"cuelang.org/go/cue/errors"
	"cuelang.org/go/cue/token"
)

// CompileError represents a model compilation error with source position.
type CompileError struct {
	Field   string
	Message string
	Pos     token.Pos
}

func (e *CompileError) Error() string {
	if e.Pos.IsValid() {
		return fmt.Sprintf("%s:%d:%d: %s: %s",
			e.Pos.Filename(), e.Pos.Line(), e.Pos.Column(),
			e.Field, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// UnknownAttributeError is returned when a key names neither an attribute
// nor a relationship of the entity.
type UnknownAttributeError struct {
	Entity string
	Key    string
}

func (e *UnknownAttributeError) Error() string {
	return fmt.Sprintf("entity %s has no attribute %q", e.Entity, e.Key)
}

// UnknownEntityError is returned when an entity name is not in the model.
type UnknownEntityError struct {
	Model  string
	Entity string
}

func (e *UnknownEntityError) Error() string {
	if e.Model == "" {
		return fmt.Sprintf("unknown entity %q", e.Entity)
	}
	return fmt.Sprintf("model %s has no entity %q", e.Model, e.Entity)
}

// formatCUEError extracts position info from CUE errors.
func formatCUEError(err error) error {
	if err == nil {
		return nil
	}

	errs := errors.Errors(err)
	if len(errs) == 0 {
		return err
	}

	first := errs[0]
	if positions := errors.Positions(first); len(positions) > 0 {
		return &CompileError{
			Field:   "cue",
			Message: first.Error(),
			Pos:     positions[0],
		}
	}
	return err
}
