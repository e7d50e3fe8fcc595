package engine

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/roach88/confine/internal/ir"
)

func TestEntity_AdditionalProperties(t *testing.T) {
	m, _ := newTestManager(t)
	a := thread(t, m, "a")
	b := thread(t, m, "b")

	since := ir.NewTime(time.Date(2021, 6, 1, 0, 0, 0, 0, time.UTC))

	id := run(t, a, func(c *Context) (ir.ObjectID, error) {
		d, err := c.Insert("Department")
		if err != nil {
			return ir.ObjectID{}, err
		}
		if err := d.Set("name", ir.String("Engineering")); err != nil {
			return ir.ObjectID{}, err
		}
		for key, v := range map[string]ir.Value{
			"floor": ir.Int(3),
			"motto": ir.String("ship it"),
			"since": since,
			"score": ir.Float(0.75),
		} {
			if err := d.SetAdditionalProperty(key, v); err != nil {
				return ir.ObjectID{}, err
			}
		}
		return d.ID(), c.Commit(context.Background())
	})

	do(t, b, func(c *Context) error {
		d, err := c.ObjectWithID(context.Background(), id)
		if err != nil {
			return err
		}
		keys, err := d.AdditionalPropertyKeys()
		assert.NoError(t, err)
		assert.Equal(t, []string{"floor", "motto", "score", "since"}, keys)

		floor, err := d.AdditionalProperty("floor")
		assert.NoError(t, err)
		assert.Equal(t, ir.Int(3), floor)
		got, _ := d.AdditionalProperty("since")
		assert.Equal(t, since, got)
		missing, err := d.AdditionalProperty("wing")
		assert.NoError(t, err)
		assert.Equal(t, ir.Null{}, missing)
		return nil
	})

	// edits travel through the ordinary merge
	do(t, a, func(c *Context) error {
		d, err := c.ObjectWithID(context.Background(), id)
		if err != nil {
			return err
		}
		if err := d.SetAdditionalProperty("floor", ir.Int(4)); err != nil {
			return err
		}
		if err := d.SetAdditionalProperty("motto", ir.Null{}); err != nil {
			return err
		}
		assert.Equal(t, []string{AdditionalDataAttribute}, d.ChangedKeys())
		return c.Commit(context.Background())
	})
	do(t, b, func(c *Context) error {
		d, err := c.ObjectWithID(context.Background(), id)
		if err != nil {
			return err
		}
		floor, _ := d.AdditionalProperty("floor")
		assert.Equal(t, ir.Int(4), floor)
		keys, _ := d.AdditionalPropertyKeys()
		assert.Equal(t, []string{"floor", "score", "since"}, keys)
		return nil
	})
}

func TestEntity_AdditionalPropertiesClearAndRollback(t *testing.T) {
	m, _ := newTestManager(t)
	a := thread(t, m, "a")

	do(t, a, func(c *Context) error {
		d, err := c.Insert("Department")
		if err != nil {
			return err
		}
		if err := d.SetAdditionalProperty("floor", ir.Int(3)); err != nil {
			return err
		}
		if err := d.SetAdditionalProperty("floor", ir.Null{}); err != nil {
			return err
		}
		raw, err := d.Get(AdditionalDataAttribute)
		assert.NoError(t, err)
		assert.Equal(t, ir.Null{}, raw, "removing the last property clears the attribute")

		assert.ErrorContains(t, d.SetAdditionalProperty("open", ir.Bool(true)), "bool values are not supported")
		return nil
	})

	do(t, a, func(c *Context) error {
		d, err := c.Insert("Department")
		if err != nil {
			return err
		}
		if err := d.Set("name", ir.String("Research")); err != nil {
			return err
		}
		if err := c.Commit(context.Background()); err != nil {
			return err
		}
		if err := d.SetAdditionalProperty("floor", ir.Int(9)); err != nil {
			return err
		}
		c.Rollback()
		floor, err := d.AdditionalProperty("floor")
		assert.NoError(t, err)
		assert.Equal(t, ir.Null{}, floor)
		return nil
	})
}

func TestEntity_AdditionalPropertiesUndeclared(t *testing.T) {
	m, _ := newTestManager(t)
	a := thread(t, m, "a")

	do(t, a, func(c *Context) error {
		e, err := c.Insert("Employee")
		if err != nil {
			return err
		}
		_, err = e.AdditionalProperty("nickname")
		var unknown *UnknownAttributeError
		assert.ErrorAs(t, err, &unknown)
		assert.ErrorAs(t, e.SetAdditionalProperty("nickname", ir.String("Ada")), &unknown)
		return nil
	})
}
