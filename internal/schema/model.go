package schema

import (
	"regexp"
	"slices"
	"sort"

	"github.com/roach88/confine/internal/ir"
)

// identifierPattern restricts attribute and relationship names so they can be
// embedded in JSON paths without quoting.
var identifierPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// Attribute describes one typed attribute of an entity.
type Attribute struct {
	Name     string  `json:"name"`
	Type     ir.Type `json:"type"`
	Required bool    `json:"required,omitempty"`
}

// Relationship describes a reference from one entity to another.
// References are weak: the store owns the target record.
type Relationship struct {
	Name   string `json:"name"`
	Target string `json:"target"`
	ToMany bool   `json:"to_many,omitempty"`
}

// Entity describes one record kind, including inherited members.
type Entity struct {
	Name          string                  `json:"name"`
	Parent        string                  `json:"parent,omitempty"`
	Attributes    map[string]Attribute    `json:"attributes"`
	Relationships map[string]Relationship `json:"relationships"`

	children []string
}

// Attribute returns the named attribute or an *UnknownAttributeError.
func (e *Entity) Attribute(name string) (Attribute, error) {
	attr, ok := e.Attributes[name]
	if !ok {
		return Attribute{}, &UnknownAttributeError{Entity: e.Name, Key: name}
	}
	return attr, nil
}

// Relationship returns the named relationship or an *UnknownAttributeError.
func (e *Entity) Relationship(name string) (Relationship, error) {
	rel, ok := e.Relationships[name]
	if !ok {
		return Relationship{}, &UnknownAttributeError{Entity: e.Name, Key: name}
	}
	return rel, nil
}

// AttributeTypes returns name -> type for all attributes, as needed by
// ir.DecodeAttributes.
func (e *Entity) AttributeTypes() map[string]ir.Type {
	types := make(map[string]ir.Type, len(e.Attributes))
	for name, attr := range e.Attributes {
		types[name] = attr.Type
	}
	return types
}

// AttributeNames returns the attribute names in sorted order.
func (e *Entity) AttributeNames() []string {
	names := make([]string, 0, len(e.Attributes))
	for name := range e.Attributes {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// RelationshipNames returns the relationship names in sorted order.
func (e *Entity) RelationshipNames() []string {
	names := make([]string, 0, len(e.Relationships))
	for name := range e.Relationships {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Model is a compiled data model.
type Model struct {
	Name     string
	Entities map[string]*Entity

	version string
}

// Version returns the structural hash persisted by stores.
func (m *Model) Version() string {
	return m.version
}

// Entity returns the named entity or an *UnknownEntityError.
func (m *Model) Entity(name string) (*Entity, error) {
	e, ok := m.Entities[name]
	if !ok {
		return nil, &UnknownEntityError{Model: m.Name, Entity: name}
	}
	return e, nil
}

// AttributeType returns the declared type of entity.key.
// Fails with *UnknownAttributeError when key is not an attribute of entity.
func (m *Model) AttributeType(entity, key string) (ir.Type, error) {
	e, err := m.Entity(entity)
	if err != nil {
		return "", err
	}
	attr, err := e.Attribute(key)
	if err != nil {
		return "", err
	}
	return attr.Type, nil
}

// Family returns entity followed by all of its descendants when
// includeSubentities is true, or just entity otherwise. Descendants are in
// sorted order for deterministic SQL.
func (m *Model) Family(entity string, includeSubentities bool) ([]string, error) {
	if _, err := m.Entity(entity); err != nil {
		return nil, err
	}
	family := []string{entity}
	if !includeSubentities {
		return family, nil
	}

	var descendants []string
	queue := slices.Clone(m.Entities[entity].children)
	for len(queue) > 0 {
		name := queue[0]
		queue = queue[1:]
		descendants = append(descendants, name)
		queue = append(queue, m.Entities[name].children...)
	}
	sort.Strings(descendants)
	return append(family, descendants...), nil
}

// IsKindOf reports whether entity is ancestor or inherits from it.
func (m *Model) IsKindOf(entity, ancestor string) bool {
	for name := entity; name != ""; {
		if name == ancestor {
			return true
		}
		e, ok := m.Entities[name]
		if !ok {
			return false
		}
		name = e.Parent
	}
	return false
}

// EntityNames returns all entity names in sorted order.
func (m *Model) EntityNames() []string {
	names := make([]string, 0, len(m.Entities))
	for name := range m.Entities {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// describe builds the structural description hashed into Version.
// The model name is excluded so renaming a model keeps its stores readable.
func (m *Model) describe() map[string]any {
	entities := make(map[string]any, len(m.Entities))
	for name, e := range m.Entities {
		attrs := make(map[string]any, len(e.Attributes))
		var required []string
		for an, attr := range e.Attributes {
			attrs[an] = string(attr.Type)
			if attr.Required {
				required = append(required, an)
			}
		}
		sort.Strings(required)

		rels := make(map[string]any, len(e.Relationships))
		for rn, rel := range e.Relationships {
			rels[rn] = map[string]any{
				"target":  rel.Target,
				"to_many": rel.ToMany,
			}
		}

		entities[name] = map[string]any{
			"parent":        e.Parent,
			"attributes":    attrs,
			"required":      required,
			"relationships": rels,
		}
	}
	return map[string]any{"entities": entities}
}
