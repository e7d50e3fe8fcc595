package query

import (
	"fmt"

	"github.com/expr-lang/expr/ast"
	"github.com/expr-lang/expr/parser"

	"github.com/roach88/confine/internal/ir"
	"github.com/roach88/confine/internal/schema"
)

// ParseError reports filter text that does not describe a predicate.
type ParseError struct {
	Input   string
	Message string
	Err     error
}

func (e *ParseError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("parse filter %q: %s: %v", e.Input, e.Message, e.Err)
	}
	return fmt.Sprintf("parse filter %q: %s", e.Input, e.Message)
}

func (e *ParseError) Unwrap() error {
	return e.Err
}

// Parse turns filter text into a Predicate over entity.
//
// The text uses expr syntax but is never evaluated; the syntax tree is
// translated node by node:
//
//	lastName == "Smith" && (age >= 30 || !active)
//	salary > 1000.5 and hired < date("2020-01-01")
//	firstName in ["Ann", "Bob"]
//	lower(firstName) startsWith "an"
//	manager == "Employee/0190..."
//	"Employee/0190..." in reports
//
// Literals are converted to the attribute's declared type, so dates may be
// written as plain strings. A bare boolean attribute means attr == true.
// Wrapping an attribute in lower() or upper() makes the comparison
// case-insensitive.
func Parse(input string, entity *schema.Entity) (Predicate, error) {
	tree, err := parser.Parse(input)
	if err != nil {
		return nil, &ParseError{Input: input, Message: "syntax error", Err: err}
	}
	p := &filterParser{input: input, entity: entity}
	return p.predicate(tree.Node)
}

type filterParser struct {
	input  string
	entity *schema.Entity
}

func (p *filterParser) fail(format string, args ...any) error {
	return &ParseError{Input: p.input, Message: fmt.Sprintf(format, args...)}
}

func (p *filterParser) predicate(node ast.Node) (Predicate, error) {
	switch n := node.(type) {
	case *ast.BoolNode:
		if n.Value {
			return True{}, nil
		}
		return Not{Predicate: True{}}, nil
	case *ast.UnaryNode:
		if n.Operator != "!" && n.Operator != "not" {
			return nil, p.fail("unsupported unary operator %q", n.Operator)
		}
		inner, err := p.predicate(n.Node)
		if err != nil {
			return nil, err
		}
		return Not{Predicate: inner}, nil
	case *ast.IdentifierNode:
		attr, err := p.entity.Attribute(n.Value)
		if err != nil {
			return nil, err
		}
		if attr.Type != ir.TypeBool {
			return nil, p.fail("%s is not a bool attribute", n.Value)
		}
		return Eq(n.Value, ir.Bool(true)), nil
	case *ast.BinaryNode:
		return p.binary(n)
	default:
		return nil, p.fail("unsupported expression %s", node.String())
	}
}

func (p *filterParser) binary(n *ast.BinaryNode) (Predicate, error) {
	switch n.Operator {
	case "&&", "and":
		return p.junction(n, true)
	case "||", "or":
		return p.junction(n, false)
	}

	op, ok := binaryOps[n.Operator]
	if !ok {
		return nil, p.fail("unsupported operator %q", n.Operator)
	}

	// relationship membership: "Employee/x" in reports, reports contains "Employee/x"
	if rel, id, ok := p.relationOperands(n); ok {
		if op != OpEq && op != OpIn && op != OpContains {
			return nil, p.fail("operator %s does not apply to relationship %s", n.Operator, rel)
		}
		oid, err := ir.ParseObjectID(id)
		if err != nil {
			return nil, p.fail("%v", err)
		}
		return RelatedTo(rel, oid), nil
	}

	left, leftFold, leftOK := p.attribute(n.Left)
	right, rightFold, rightOK := p.attribute(n.Right)
	var (
		attr    string
		fold    bool
		operand ast.Node
	)
	switch {
	case leftOK && !rightOK:
		attr, fold, operand = left, leftFold, n.Right
	case rightOK && !leftOK && op != OpIn && !op.IsText():
		attr, fold, operand = right, rightFold, n.Left
		op = mirror(op)
	default:
		return nil, p.fail("%s must compare one attribute with a literal", n.String())
	}

	a, err := p.entity.Attribute(attr)
	if err != nil {
		return nil, err
	}

	c := Compare{Attr: attr, Op: op, Fold: fold}
	if op == OpIn {
		arr, ok := operand.(*ast.ArrayNode)
		if !ok {
			return nil, p.fail("in needs a literal list")
		}
		for _, elem := range arr.Nodes {
			v, err := p.literal(elem, a.Type)
			if err != nil {
				return nil, err
			}
			c.Values = append(c.Values, v)
		}
		return c, nil
	}

	c.Value, err = p.literal(operand, a.Type)
	if err != nil {
		return nil, err
	}
	return c, nil
}

var binaryOps = map[string]Op{
	"==":         OpEq,
	"!=":         OpNe,
	"<":          OpLt,
	"<=":         OpLe,
	">":          OpGt,
	">=":         OpGe,
	"in":         OpIn,
	"contains":   OpContains,
	"startsWith": OpBeginsWith,
	"endsWith":   OpEndsWith,
}

func mirror(op Op) Op {
	switch op {
	case OpLt:
		return OpGt
	case OpLe:
		return OpGe
	case OpGt:
		return OpLt
	case OpGe:
		return OpLe
	default:
		return op
	}
}

func (p *filterParser) junction(n *ast.BinaryNode, and bool) (Predicate, error) {
	left, err := p.predicate(n.Left)
	if err != nil {
		return nil, err
	}
	right, err := p.predicate(n.Right)
	if err != nil {
		return nil, err
	}
	// flatten left-associative chains
	if and {
		if l, ok := left.(And); ok {
			return And{Predicates: append(l.Predicates, right)}, nil
		}
		return AllOf(left, right), nil
	}
	if l, ok := left.(Or); ok {
		return Or{Predicates: append(l.Predicates, right)}, nil
	}
	return AnyOf(left, right), nil
}

// attribute recognises an attribute reference, optionally wrapped in
// lower() or upper().
func (p *filterParser) attribute(node ast.Node) (name string, fold, ok bool) {
	switch n := node.(type) {
	case *ast.IdentifierNode:
		if _, isAttr := p.entity.Attributes[n.Value]; isAttr {
			return n.Value, false, true
		}
	case *ast.BuiltinNode:
		if (n.Name == "lower" || n.Name == "upper") && len(n.Arguments) == 1 {
			if name, _, ok := p.attribute(n.Arguments[0]); ok {
				return name, true, true
			}
		}
	case *ast.CallNode:
		if id, isIdent := n.Callee.(*ast.IdentifierNode); isIdent && (id.Value == "lower" || id.Value == "upper") && len(n.Arguments) == 1 {
			if name, _, ok := p.attribute(n.Arguments[0]); ok {
				return name, true, true
			}
		}
	}
	return "", false, false
}

// relationOperands recognises a relationship compared with an object id.
func (p *filterParser) relationOperands(n *ast.BinaryNode) (rel, id string, ok bool) {
	relName := func(node ast.Node) (string, bool) {
		ident, isIdent := node.(*ast.IdentifierNode)
		if !isIdent {
			return "", false
		}
		_, isRel := p.entity.Relationships[ident.Value]
		return ident.Value, isRel
	}
	str := func(node ast.Node) (string, bool) {
		s, isStr := node.(*ast.StringNode)
		if !isStr {
			return "", false
		}
		return s.Value, true
	}

	if r, isRel := relName(n.Left); isRel {
		if s, isStr := str(n.Right); isStr {
			return r, s, true
		}
	}
	if r, isRel := relName(n.Right); isRel {
		if s, isStr := str(n.Left); isStr {
			return r, s, true
		}
	}
	return "", "", false
}

// literal converts a literal node to a value of type t.
func (p *filterParser) literal(node ast.Node, t ir.Type) (ir.Value, error) {
	var raw ir.Value
	switch n := node.(type) {
	case *ast.NilNode:
		return ir.Null{}, nil
	case *ast.StringNode:
		if t == ir.TypeString {
			return ir.NewString(n.Value), nil
		}
		v, err := ir.Parse(n.Value, t)
		if err != nil {
			return nil, p.fail("%v", err)
		}
		return v, nil
	case *ast.IntegerNode:
		raw = ir.Int(n.Value)
	case *ast.FloatNode:
		raw = ir.Float(n.Value)
	case *ast.BoolNode:
		raw = ir.Bool(n.Value)
	case *ast.UnaryNode:
		if n.Operator != "-" && n.Operator != "+" {
			return nil, p.fail("unsupported literal %s", node.String())
		}
		v, err := p.literal(n.Node, t)
		if err != nil {
			return nil, err
		}
		if n.Operator == "+" {
			return v, nil
		}
		switch num := v.(type) {
		case ir.Int:
			return -num, nil
		case ir.Float:
			return -num, nil
		}
		return nil, p.fail("cannot negate %s", node.String())
	case *ast.BuiltinNode:
		if n.Name == "date" && len(n.Arguments) == 1 {
			return p.dateLiteral(n.Arguments[0])
		}
		return nil, p.fail("unsupported function %s", n.Name)
	case *ast.CallNode:
		if id, ok := n.Callee.(*ast.IdentifierNode); ok && id.Value == "date" && len(n.Arguments) == 1 {
			return p.dateLiteral(n.Arguments[0])
		}
		return nil, p.fail("unsupported call %s", node.String())
	default:
		return nil, p.fail("unsupported literal %s", node.String())
	}

	v, err := ir.Coerce(raw, t)
	if err != nil {
		return nil, p.fail("%v", err)
	}
	return v, nil
}

func (p *filterParser) dateLiteral(arg ast.Node) (ir.Value, error) {
	s, ok := arg.(*ast.StringNode)
	if !ok {
		return nil, p.fail("date() needs a string argument")
	}
	v, err := ir.ParseDate(s.Value)
	if err != nil {
		return nil, p.fail("%v", err)
	}
	return v, nil
}
