package engine

import (
	"fmt"
	"maps"
	"slices"

	"github.com/roach88/confine/internal/ir"
)

// AdditionalDataAttribute is the binary attribute that holds an entity's
// additional properties. Entities that take free-form properties declare it
// in the model.
const AdditionalDataAttribute = "additionalData"

// AdditionalProperty returns the additional property key, ir.Null when
// unset. Fails with *UnknownAttributeError if the entity does not declare
// AdditionalDataAttribute.
func (e *Entity) AdditionalProperty(key string) (ir.Value, error) {
	props, err := e.additionalProperties()
	if err != nil {
		return nil, err
	}
	if v, ok := props[key]; ok {
		return v, nil
	}
	return ir.Null{}, nil
}

// AdditionalPropertyKeys returns the names of the set additional properties
// in sorted order.
func (e *Entity) AdditionalPropertyKeys() ([]string, error) {
	props, err := e.additionalProperties()
	if err != nil {
		return nil, err
	}
	return slices.Sorted(maps.Keys(props)), nil
}

// SetAdditionalProperty stores v under key. Strings, numbers and dates are
// accepted; ir.Null removes the key. The change is an ordinary edit of
// AdditionalDataAttribute and is committed, merged and rolled back with it.
func (e *Entity) SetAdditionalProperty(key string, v ir.Value) error {
	switch v.(type) {
	case ir.String, ir.Int, ir.Float, ir.Time, ir.Null, nil:
	default:
		return fmt.Errorf("additional property %s: %s values are not supported", key, ir.TypeOf(v))
	}

	props, err := e.additionalProperties()
	if err != nil {
		return err
	}
	if ir.IsNull(v) {
		delete(props, key)
	} else {
		props[key] = v
	}

	if len(props) == 0 {
		return e.Set(AdditionalDataAttribute, ir.Null{})
	}
	data, err := ir.EncodeProperties(props)
	if err != nil {
		return err
	}
	return e.Set(AdditionalDataAttribute, ir.NewBytes(data))
}

func (e *Entity) additionalProperties() (map[string]ir.Value, error) {
	raw, err := e.Get(AdditionalDataAttribute)
	if err != nil {
		return nil, err
	}
	if attr, _ := e.def.Attribute(AdditionalDataAttribute); attr.Type != ir.TypeBinary {
		return nil, fmt.Errorf("%s.%s is %s, not binary", e.def.Name, AdditionalDataAttribute, attr.Type)
	}
	if ir.IsNull(raw) {
		return make(map[string]ir.Value), nil
	}
	props, err := ir.DecodeProperties(raw.(ir.Bytes).Data())
	if err != nil {
		return nil, fmt.Errorf("%s: %w", e.id, err)
	}
	return props, nil
}
