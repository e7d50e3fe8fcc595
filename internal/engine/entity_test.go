package engine

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/roach88/confine/internal/ir"
)

func TestEntity_Set(t *testing.T) {
	m, _ := newTestManager(t)
	a := thread(t, m, "a")

	tests := []struct {
		name    string
		key     string
		value   ir.Value
		want    ir.Value
		wantErr string
	}{
		{name: "string", key: "lastName", value: ir.String("Lovelace"), want: ir.String("Lovelace")},
		{name: "int widens to float", key: "salary", value: ir.Int(10), want: ir.Float(10)},
		{name: "whole float narrows to int", key: "age", value: ir.Float(36), want: ir.Int(36)},
		{name: "date", key: "hired", value: ir.NewTime(time.Date(1843, 1, 1, 0, 0, 0, 0, time.UTC)), want: ir.NewTime(time.Date(1843, 1, 1, 0, 0, 0, 0, time.UTC))},
		{name: "binary", key: "photo", value: ir.NewBytes([]byte{1, 2}), want: ir.NewBytes([]byte{1, 2})},
		{name: "null clears", key: "firstName", value: ir.Null{}, want: ir.Null{}},
		{name: "type mismatch", key: "age", value: ir.String("old"), wantErr: `entity Employee attribute "age" is int`},
		{name: "fractional float into int", key: "age", value: ir.Float(1.5), wantErr: `attribute "age" is int`},
		{name: "unknown attribute", key: "shoeSize", value: ir.Int(9), wantErr: "shoeSize"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			do(t, a, func(c *Context) error {
				defer c.Rollback()
				e, err := c.Insert("Employee")
				if err != nil {
					return err
				}
				err = e.Set(tt.key, tt.value)
				if tt.wantErr != "" {
					assert.ErrorContains(t, err, tt.wantErr)
					return nil
				}
				assert.NoError(t, err)
				got, err := e.Get(tt.key)
				assert.NoError(t, err)
				assert.Equal(t, tt.want, got)
				return nil
			})
		})
	}
}

func TestEntity_SetMismatchType(t *testing.T) {
	m, _ := newTestManager(t)
	a := thread(t, m, "a")

	do(t, a, func(c *Context) error {
		defer c.Rollback()
		e, err := c.Insert("Employee")
		if err != nil {
			return err
		}
		err = e.Set("active", ir.Int(1))
		var tm *TypeMismatchError
		if assert.ErrorAs(t, err, &tm) {
			assert.Equal(t, ir.TypeBool, tm.Want)
			assert.Equal(t, "active", tm.Key)
		}
		return nil
	})
}

func TestEntity_CloneDropsRelationships(t *testing.T) {
	m, _ := newTestManager(t)
	a := thread(t, m, "a")
	boss := insertEmployee(t, a, person("Grace", "Hopper"))

	do(t, a, func(c *Context) error {
		ctx := context.Background()
		mgr, err := c.ObjectWithID(ctx, boss)
		if err != nil {
			return err
		}
		src, err := c.Insert("Employee")
		if err != nil {
			return err
		}
		if err := src.SetValues(employeeWith("Ada", "Lovelace", 36)); err != nil {
			return err
		}
		if err := src.SetRelated("manager", mgr); err != nil {
			return err
		}
		if err := c.Commit(ctx); err != nil {
			return err
		}

		clone, err := src.Clone()
		if err != nil {
			return err
		}
		assert.NotEqual(t, src.ID(), clone.ID())
		assert.Equal(t, src.Serialize(), clone.Serialize())
		assert.True(t, clone.IsInserted())

		for _, rel := range []string{"manager", "reports", "department"} {
			ids, err := clone.RelatedIDs(rel)
			assert.NoError(t, err)
			assert.Empty(t, ids, rel)
		}
		ids, _ := src.RelatedIDs("manager")
		assert.Equal(t, []ir.ObjectID{boss}, ids)
		return c.Commit(ctx)
	})
}

func TestEntity_SetRelated(t *testing.T) {
	m, _ := newTestManager(t)
	a := thread(t, m, "a")
	b := thread(t, m, "b")

	var foreign *Entity
	do(t, b, func(c *Context) error {
		var err error
		foreign, err = c.Insert("Employee")
		return err
	})

	do(t, a, func(c *Context) error {
		defer c.Rollback()

		e, err := c.Insert("Employee")
		if err != nil {
			return err
		}
		r1, _ := c.Insert("Employee")
		r2, _ := c.Insert("Contractor")
		dept, _ := c.Insert("Department")

		assert.NoError(t, e.SetRelated("reports", r1, r2), "subentities are kinds of the target")
		ids, _ := e.RelatedIDs("reports")
		assert.Equal(t, []ir.ObjectID{r1.ID(), r2.ID()}, ids)
		assert.Equal(t, []string{"reports"}, e.ChangedKeys())

		assert.ErrorContains(t, e.SetRelated("manager", r1, r2), "to-one")
		assert.ErrorContains(t, e.SetRelated("manager", dept), "targets Employee")
		assert.ErrorIs(t, e.SetRelated("manager", foreign), ErrForeignEntity)
		assert.Error(t, e.SetRelated("mentor", r1))

		assert.NoError(t, e.SetRelated("reports"))
		ids, _ = e.RelatedIDs("reports")
		assert.Empty(t, ids)
		return nil
	})
}

func TestEntity_DeleteInsertedIsImmediate(t *testing.T) {
	m, _ := newTestManager(t)
	a := thread(t, m, "a")

	do(t, a, func(c *Context) error {
		e, err := c.Insert("Employee")
		if err != nil {
			return err
		}
		e.Delete()
		assert.False(t, e.IsValid())
		assert.Zero(t, c.PendingChangeCount())
		assert.ErrorIs(t, e.Set("lastName", ir.String("x")), ErrInvalidEntity)
		return nil
	})
}

func TestEntity_SetAfterDelete(t *testing.T) {
	m, _ := newTestManager(t)
	a := thread(t, m, "a")
	id := insertEmployee(t, a, person("Ada", "Lovelace"))

	do(t, a, func(c *Context) error {
		defer c.Rollback()
		e, err := c.ObjectWithID(context.Background(), id)
		if err != nil {
			return err
		}
		e.Delete()
		assert.True(t, e.IsDeleted())
		assert.True(t, e.IsValid())
		assert.ErrorIs(t, e.Set("age", ir.Int(1)), ErrInvalidEntity)
		return nil
	})
}

func TestEntity_Serialize(t *testing.T) {
	m, _ := newTestManager(t)
	a := thread(t, m, "a")
	boss := insertEmployee(t, a, person("Grace", "Hopper"))

	do(t, a, func(c *Context) error {
		defer c.Rollback()
		mgr, err := c.ObjectWithID(context.Background(), boss)
		if err != nil {
			return err
		}
		e, err := c.Insert("Employee")
		if err != nil {
			return err
		}
		if err := e.SetValues(employeeWith("Ada", "Lovelace", 36)); err != nil {
			return err
		}
		if err := e.SetRelated("manager", mgr); err != nil {
			return err
		}

		got := e.Serialize()
		assert.Equal(t, map[string]ir.Value{
			"firstName": ir.String("Ada"),
			"lastName":  ir.String("Lovelace"),
			"age":       ir.Int(36),
		}, got)

		got["age"] = ir.Int(99)
		age, _ := e.Get("age")
		assert.Equal(t, ir.Int(36), age, "serialized map is a copy")
		return nil
	})
}
