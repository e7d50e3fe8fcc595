package schema

import (
	"fmt"
	"os"
	"sort"
	"strings"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"

	"github.com/roach88/confine/internal/ir"
)

// typeNames maps concrete type names accepted in model files to attribute
// types.
var typeNames = map[string]ir.Type{
	"string":  ir.TypeString,
	"text":    ir.TypeString,
	"int":     ir.TypeInt,
	"integer": ir.TypeInt,
	"float":   ir.TypeFloat,
	"double":  ir.TypeFloat,
	"decimal": ir.TypeFloat,
	"bool":    ir.TypeBool,
	"boolean": ir.TypeBool,
	"date":    ir.TypeDate,
	"binary":  ir.TypeBinary,
	"bytes":   ir.TypeBinary,
}

// rawEntity holds one entity as declared, before inheritance.
type rawEntity struct {
	name          string
	parent        string
	attributes    map[string]Attribute
	relationships map[string]Relationship
	pos           cue.Value
}

// LoadFile reads a CUE model file and compiles the named model.
// An empty name selects the file's only model.
func LoadFile(path, name string) (*Model, error) {
	src, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read model file: %w", err)
	}
	return CompileSource(path, src, name)
}

// CompileSource compiles the named model from CUE source text.
// An empty name selects the only model in src.
func CompileSource(filename string, src []byte, name string) (*Model, error) {
	ctx := cuecontext.New()
	v := ctx.CompileBytes(src, cue.Filename(filename))
	if err := v.Err(); err != nil {
		return nil, formatCUEError(err)
	}

	models := v.LookupPath(cue.ParsePath("model"))
	if !models.Exists() {
		return nil, &CompileError{Field: "model", Message: "no model declared", Pos: v.Pos()}
	}

	if name == "" {
		iter, err := models.Fields()
		if err != nil {
			return nil, formatCUEError(err)
		}
		var names []string
		for iter.Next() {
			names = append(names, iter.Selector().Unquoted())
		}
		if len(names) != 1 {
			return nil, &CompileError{
				Field:   "model",
				Message: fmt.Sprintf("expected exactly one model, found %d (%s); name one explicitly", len(names), strings.Join(names, ", ")),
				Pos:     models.Pos(),
			}
		}
		name = names[0]
	}

	mv := models.LookupPath(cue.MakePath(cue.Str(name)))
	if !mv.Exists() {
		return nil, &CompileError{Field: "model", Message: fmt.Sprintf("model %q not found", name), Pos: models.Pos()}
	}
	return Compile(mv)
}

// Compile parses a CUE model value into a Model.
//
// The value should be the model struct itself, e.g.:
//
//	ctx := cuecontext.New()
//	v := ctx.CompileString(`model: Company: { entity: ... }`)
//	m, err := Compile(v.LookupPath(cue.ParsePath("model.Company")))
func Compile(v cue.Value) (*Model, error) {
	if err := v.Err(); err != nil {
		return nil, formatCUEError(err)
	}

	m := &Model{Entities: make(map[string]*Entity)}
	if sels := v.Path().Selectors(); len(sels) > 0 {
		m.Name = sels[len(sels)-1].Unquoted()
	}

	raws, err := parseEntities(v)
	if err != nil {
		return nil, err
	}
	if len(raws) == 0 {
		return nil, &CompileError{Field: "entity", Message: "at least one entity is required", Pos: v.Pos()}
	}

	if err := resolveInheritance(m, raws); err != nil {
		return nil, err
	}
	if err := checkRelationships(m, raws); err != nil {
		return nil, err
	}

	version, err := ir.SchemaHash(m.describe())
	if err != nil {
		return nil, fmt.Errorf("hash model: %w", err)
	}
	m.version = version
	return m, nil
}

func parseEntities(v cue.Value) (map[string]*rawEntity, error) {
	raws := make(map[string]*rawEntity)

	entityVal := v.LookupPath(cue.ParsePath("entity"))
	if !entityVal.Exists() {
		return raws, nil
	}

	iter, err := entityVal.Fields()
	if err != nil {
		return nil, formatCUEError(err)
	}
	for iter.Next() {
		name := iter.Selector().Unquoted()
		if !identifierPattern.MatchString(name) {
			return nil, &CompileError{
				Field:   "entity",
				Message: fmt.Sprintf("invalid entity name %q", name),
				Pos:     iter.Value().Pos(),
			}
		}
		raw, err := parseEntity(name, iter.Value())
		if err != nil {
			return nil, err
		}
		raws[name] = raw
	}
	return raws, nil
}

func parseEntity(name string, v cue.Value) (*rawEntity, error) {
	raw := &rawEntity{
		name:          name,
		attributes:    make(map[string]Attribute),
		relationships: make(map[string]Relationship),
		pos:           v,
	}

	if pv := v.LookupPath(cue.ParsePath("parent")); pv.Exists() {
		parent, err := pv.String()
		if err != nil {
			return nil, formatCUEError(err)
		}
		raw.parent = parent
	}

	if av := v.LookupPath(cue.ParsePath("attribute")); av.Exists() {
		iter, err := av.Fields()
		if err != nil {
			return nil, formatCUEError(err)
		}
		for iter.Next() {
			attrName := iter.Selector().Unquoted()
			field := fmt.Sprintf("entity.%s.attribute.%s", name, attrName)
			if !identifierPattern.MatchString(attrName) {
				return nil, &CompileError{Field: field, Message: "invalid attribute name", Pos: iter.Value().Pos()}
			}
			t, err := extractType(field, iter.Value())
			if err != nil {
				return nil, err
			}
			raw.attributes[attrName] = Attribute{Name: attrName, Type: t}
		}
	}

	if rv := v.LookupPath(cue.ParsePath("required")); rv.Exists() {
		iter, err := rv.List()
		if err != nil {
			return nil, formatCUEError(err)
		}
		for iter.Next() {
			attrName, err := iter.Value().String()
			if err != nil {
				return nil, formatCUEError(err)
			}
			attr, ok := raw.attributes[attrName]
			if !ok {
				return nil, &CompileError{
					Field:   fmt.Sprintf("entity.%s.required", name),
					Message: fmt.Sprintf("%q is not an attribute of %s", attrName, name),
					Pos:     iter.Value().Pos(),
				}
			}
			attr.Required = true
			raw.attributes[attrName] = attr
		}
	}

	if rv := v.LookupPath(cue.ParsePath("relationship")); rv.Exists() {
		iter, err := rv.Fields()
		if err != nil {
			return nil, formatCUEError(err)
		}
		for iter.Next() {
			relName := iter.Selector().Unquoted()
			field := fmt.Sprintf("entity.%s.relationship.%s", name, relName)
			if !identifierPattern.MatchString(relName) {
				return nil, &CompileError{Field: field, Message: "invalid relationship name", Pos: iter.Value().Pos()}
			}
			if _, clash := raw.attributes[relName]; clash {
				return nil, &CompileError{Field: field, Message: "name is already an attribute", Pos: iter.Value().Pos()}
			}
			rel, err := parseRelationship(field, relName, iter.Value())
			if err != nil {
				return nil, err
			}
			raw.relationships[relName] = rel
		}
	}

	return raw, nil
}

// parseRelationship accepts either a bare target name or a struct with
// target and optional toMany.
func parseRelationship(field, name string, v cue.Value) (Relationship, error) {
	rel := Relationship{Name: name}

	if target, err := v.String(); err == nil {
		rel.Target = target
		return rel, nil
	}

	tv := v.LookupPath(cue.ParsePath("target"))
	if !tv.Exists() {
		return rel, &CompileError{Field: field, Message: "relationship target is required", Pos: v.Pos()}
	}
	target, err := tv.String()
	if err != nil {
		return rel, formatCUEError(err)
	}
	rel.Target = target

	if mv := v.LookupPath(cue.ParsePath("toMany")); mv.Exists() {
		toMany, err := mv.Bool()
		if err != nil {
			return rel, formatCUEError(err)
		}
		rel.ToMany = toMany
	}
	return rel, nil
}

// extractType converts a CUE attribute declaration to an attribute type.
// A concrete string names the type; otherwise the CUE kind decides.
func extractType(field string, v cue.Value) (ir.Type, error) {
	if v.IsConcrete() && v.Kind() == cue.StringKind {
		name, err := v.String()
		if err != nil {
			return "", formatCUEError(err)
		}
		t, ok := typeNames[strings.ToLower(name)]
		if !ok {
			return "", &CompileError{Field: field, Message: fmt.Sprintf("unknown attribute type %q", name), Pos: v.Pos()}
		}
		return t, nil
	}

	switch v.IncompleteKind() {
	case cue.StringKind:
		return ir.TypeString, nil
	case cue.IntKind:
		return ir.TypeInt, nil
	case cue.FloatKind, cue.NumberKind:
		return ir.TypeFloat, nil
	case cue.BoolKind:
		return ir.TypeBool, nil
	case cue.BytesKind:
		return ir.TypeBinary, nil
	default:
		return "", &CompileError{
			Field:   field,
			Message: fmt.Sprintf("unsupported type kind: %v", v.IncompleteKind()),
			Pos:     v.Pos(),
		}
	}
}

// resolveInheritance flattens parent members into each entity and records
// children. Cycles and unknown parents are compile errors.
func resolveInheritance(m *Model, raws map[string]*rawEntity) error {
	const (
		unvisited = iota
		visiting
		done
	)
	state := make(map[string]int, len(raws))

	var visit func(name string) error
	visit = func(name string) error {
		raw := raws[name]
		switch state[name] {
		case done:
			return nil
		case visiting:
			return &CompileError{
				Field:   fmt.Sprintf("entity.%s.parent", name),
				Message: "inheritance cycle",
				Pos:     raw.pos.Pos(),
			}
		}
		state[name] = visiting

		e := &Entity{
			Name:          name,
			Parent:        raw.parent,
			Attributes:    make(map[string]Attribute),
			Relationships: make(map[string]Relationship),
		}

		if raw.parent != "" {
			if _, ok := raws[raw.parent]; !ok {
				return &CompileError{
					Field:   fmt.Sprintf("entity.%s.parent", name),
					Message: fmt.Sprintf("unknown parent entity %q", raw.parent),
					Pos:     raw.pos.Pos(),
				}
			}
			if err := visit(raw.parent); err != nil {
				return err
			}
			parent := m.Entities[raw.parent]
			for k, a := range parent.Attributes {
				e.Attributes[k] = a
			}
			for k, r := range parent.Relationships {
				e.Relationships[k] = r
			}
		}

		for k, a := range raw.attributes {
			if inherited, ok := e.Attributes[k]; ok && inherited.Type != a.Type {
				return &CompileError{
					Field:   fmt.Sprintf("entity.%s.attribute.%s", name, k),
					Message: fmt.Sprintf("redeclares inherited %s attribute as %s", inherited.Type, a.Type),
					Pos:     raw.pos.Pos(),
				}
			}
			if _, ok := e.Relationships[k]; ok {
				return &CompileError{
					Field:   fmt.Sprintf("entity.%s.attribute.%s", name, k),
					Message: "name is already an inherited relationship",
					Pos:     raw.pos.Pos(),
				}
			}
			e.Attributes[k] = a
		}
		for k, r := range raw.relationships {
			if _, ok := e.Attributes[k]; ok {
				return &CompileError{
					Field:   fmt.Sprintf("entity.%s.relationship.%s", name, k),
					Message: "name is already an inherited attribute",
					Pos:     raw.pos.Pos(),
				}
			}
			e.Relationships[k] = r
		}

		m.Entities[name] = e
		state[name] = done
		return nil
	}

	names := make([]string, 0, len(raws))
	for name := range raws {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		if err := visit(name); err != nil {
			return err
		}
	}
	for _, name := range names {
		if parent := raws[name].parent; parent != "" {
			m.Entities[parent].children = append(m.Entities[parent].children, name)
		}
	}
	return nil
}

func checkRelationships(m *Model, raws map[string]*rawEntity) error {
	for _, name := range m.EntityNames() {
		e := m.Entities[name]
		for _, relName := range e.RelationshipNames() {
			rel := e.Relationships[relName]
			if _, ok := m.Entities[rel.Target]; !ok {
				return &CompileError{
					Field:   fmt.Sprintf("entity.%s.relationship.%s", name, relName),
					Message: fmt.Sprintf("unknown target entity %q", rel.Target),
					Pos:     raws[name].pos.Pos(),
				}
			}
		}
	}
	return nil
}
