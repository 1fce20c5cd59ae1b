package gmat

import (
	"errors"
	"fmt"
	"maps"
	"slices"
	"strings"

	"github.com/soypat/gmat/glbuild"
)

var (
	ErrUnresolvedArity  = errors.New("unresolved arity")
	ErrMalformedLiteral = errors.New("malformed vector literal")
	ErrTemplate         = errors.New("bad expression template")
	errNilRoot          = errors.New("nil root node")
)

// ArityError is returned when a node's input signature has no entry in its schema's arity table.
// It unwraps to [ErrUnresolvedArity].
type ArityError struct {
	NodeID    uint64
	Kind      string
	Signature glbuild.Signature
}

func (e *ArityError) Error() string {
	return fmt.Sprintf("unresolved arity: %s node %s%d has no rule for input signature (%s)", e.Kind, glbuild.LabelPrefix, e.NodeID, e.Signature)
}

func (e *ArityError) Unwrap() error { return ErrUnresolvedArity }

// ResolveArity returns the arity of an input: 1 for scalars, the length of vector literals
// and the resolved output arity of nodes.
func ResolveArity(in Input) (glbuild.Arity, error) {
	return make(arityResolver).resolve(in)
}

// arityResolver memoizes node arities by node id during a single resolution or compilation.
type arityResolver map[uint64]glbuild.Arity

func (ar arityResolver) resolve(in Input) (glbuild.Arity, error) {
	switch v := in.(type) {
	case Scalar:
		return 1, nil
	case Vec:
		if len(v) < 2 || len(v) > 4 {
			return 0, fmt.Errorf("%w: length %d, want 2..4", ErrMalformedLiteral, len(v))
		}
		return glbuild.Arity(len(v)), nil
	case *Node:
		return ar.resolveNode(v)
	case nil:
		return 0, errors.New("nil input")
	}
	return 0, fmt.Errorf("unsupported input %T", in)
}

func (ar arityResolver) resolveNode(n *Node) (glbuild.Arity, error) {
	if a, ok := ar[n.id]; ok {
		return a, nil
	}
	rule := n.schema.Output
	if rule.IsFixed() {
		ar[n.id] = rule.Fixed()
		return rule.Fixed(), nil
	}
	arities := make([]glbuild.Arity, len(n.inputs))
	for i, in := range n.inputs {
		a, err := ar.resolve(in)
		if err != nil {
			return 0, err
		}
		arities[i] = a
	}
	sig := glbuild.MakeSignature(arities...)
	a, ok := rule.Resolve(sig)
	if !ok {
		return 0, &ArityError{NodeID: n.id, Kind: n.name, Signature: sig}
	}
	ar[n.id] = a
	return a, nil
}

// Compile compiles the material graph rooted at root into a [glbuild.Unit].
//
// Inputs are visited depth first and each distinct node emits exactly one typed assignment
// after all of its inputs, so nodes shared by several parents are declared once.
// Declarations of visited nodes are merged into the unit, later visits overwriting
// earlier ones on name collision. Compilation depends only on graph structure and does
// not modify nodes; it is safe to call concurrently.
func Compile(root *Node) (glbuild.Unit, error) {
	if root == nil {
		return glbuild.Unit{}, errNilRoot
	} else if root.schema.Chunk == "" {
		return glbuild.Unit{}, fmt.Errorf("root %s node %s has no code to return", root.name, root.Label())
	}
	c := compiler{
		arities: make(arityResolver),
		visited: make(map[uint64]struct{}),
		unit: glbuild.Unit{
			ID:         root.id,
			Uniforms:   make(map[string]any),
			Varyings:   make(map[string]glbuild.Arity),
			Attributes: make(map[string]glbuild.Arity),
		},
	}
	err := c.visit(root)
	if err != nil {
		return glbuild.Unit{}, err
	}
	c.unit.Arity = c.arities[root.id]
	c.code = append(c.code, "return "...)
	c.code = glbuild.AppendNodeLabel(c.code, root.id)
	c.code = append(c.code, ';')
	c.unit.Code = string(c.code)
	return c.unit, nil
}

type compiler struct {
	arities arityResolver
	visited map[uint64]struct{}
	unit    glbuild.Unit
	code    []byte
	expr    []byte
	labels  [][]byte
}

func (c *compiler) visit(n *Node) error {
	if _, ok := c.visited[n.id]; ok {
		return nil
	}
	for _, in := range n.inputs {
		if sub, ok := in.(*Node); ok {
			if err := c.visit(sub); err != nil {
				return err
			}
		}
	}
	c.visited[n.id] = struct{}{}
	slot := -1
	if n.tex != nil {
		slot = len(c.unit.Textures)
		c.unit.Textures = append(c.unit.Textures, n.tex)
	}
	if n.schema.Chunk != "" {
		if err := c.emit(n, slot); err != nil {
			return err
		}
	}
	c.merge(n)
	return nil
}

func (c *compiler) emit(n *Node, slot int) error {
	a, err := c.arities.resolveNode(n)
	if err != nil {
		return err
	}
	c.labels = c.labels[:0]
	for _, in := range n.inputs {
		if sub, ok := in.(*Node); ok && sub.schema.Chunk == "" {
			c.labels = append(c.labels, nil) // Declaration only, has no value.
			continue
		}
		lbl, err := appendLabel(nil, in)
		if err != nil {
			return err
		}
		c.labels = append(c.labels, lbl)
	}
	chunk := strings.TrimRight(strings.TrimSpace(n.schema.Chunk), ";")
	c.expr, err = glbuild.AppendTemplate(c.expr[:0], chunk, c.labels, slot)
	var lerr *glbuild.LabelError
	if errors.As(err, &lerr) {
		return fmt.Errorf("%w: %s node %s: input %s declares no value", ErrTemplate, n.name, n.Label(), n.inputs[lerr.Input].(*Node).Label())
	} else if err != nil {
		return fmt.Errorf("%w: %s node %s: %w", ErrTemplate, n.name, n.Label(), err)
	}
	label := glbuild.AppendNodeLabel(nil, n.id)
	c.code = glbuild.AppendAssignment(c.code, a, label, c.expr)
	return nil
}

func (c *compiler) merge(n *Node) {
	maps.Copy(c.unit.Uniforms, n.schema.Uniforms)
	n.u.mu.Lock()
	maps.Copy(c.unit.Uniforms, n.u.values)
	n.u.mu.Unlock()
	maps.Copy(c.unit.Varyings, n.schema.Varyings)
	maps.Copy(c.unit.Varyings, n.varyings)
	maps.Copy(c.unit.Attributes, n.schema.Attributes)
	maps.Copy(c.unit.Attributes, n.attributes)
	for _, def := range n.schema.Defines {
		if !slices.Contains(c.unit.Defines, def) {
			c.unit.Defines = append(c.unit.Defines, def)
		}
	}
}

// appendLabel appends the GLSL expression an input is referred to by.
func appendLabel(b []byte, in Input) ([]byte, error) {
	switch v := in.(type) {
	case *Node:
		return glbuild.AppendNodeLabel(b, v.id), nil
	case Vec:
		return glbuild.AppendVecLiteral(b, v)
	case Scalar:
		return glbuild.AppendScalarLiteral(b, float32(v)), nil
	}
	return b, fmt.Errorf("unsupported input %T", in)
}

// Walk calls fn once for every distinct node reachable from root, inputs before the nodes
// that consume them. Walk stops at the first error returned by fn.
func Walk(root *Node, fn func(n *Node) error) error {
	if root == nil {
		return errNilRoot
	}
	visited := make(map[uint64]struct{})
	var walk func(n *Node) error
	walk = func(n *Node) error {
		if _, ok := visited[n.id]; ok {
			return nil
		}
		visited[n.id] = struct{}{}
		for _, in := range n.inputs {
			if sub, ok := in.(*Node); ok {
				if err := walk(sub); err != nil {
					return err
				}
			}
		}
		return fn(n)
	}
	return walk(root)
}

// FlushUniforms calls fn with the current value of every uniform invalidated since the last flush
// on every node reachable from root. Each name is reported once per node in first-change order.
// A node's invalidation log is cleared only after fn succeeded for all of its uniforms.
func FlushUniforms(root *Node, fn func(n *Node, name string, value any) error) error {
	return Walk(root, func(n *Node) error {
		names, values, logLen := n.pendingUniforms()
		if logLen == 0 {
			return nil
		}
		for i, name := range names {
			if err := fn(n, name, values[i]); err != nil {
				return err
			}
		}
		n.consumeInvalidations(logLen)
		return nil
	})
}

// FormatGraph returns a compact textual representation of the graph rooted at n, i.e: "multiply(vec3(1.,1.,1.),2.)".
func FormatGraph(n *Node) string {
	if n == nil {
		return "<nil>"
	}
	var sb strings.Builder
	var format func(in Input)
	format = func(in Input) {
		switch v := in.(type) {
		case *Node:
			sb.WriteString(v.name)
			if len(v.inputs) == 0 {
				return
			}
			sb.WriteByte('(')
			for i, sub := range v.inputs {
				if i > 0 {
					sb.WriteByte(',')
				}
				format(sub)
			}
			sb.WriteByte(')')
		case Vec:
			sb.Write(glbuild.AppendFloats([]byte("["), ',', '-', '.', v...))
			sb.WriteByte(']')
		case Scalar:
			sb.Write(glbuild.AppendFloat(nil, '-', '.', float32(v)))
		}
	}
	format(n)
	return sb.String()
}
