package gmat

import (
	"errors"
	"fmt"
	"maps"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/soypat/geometry/ms2"
	"github.com/soypat/geometry/ms3"
	"github.com/soypat/gmat/glbuild"
	"github.com/soypat/gmat/texture"
)

// DefaultIDOffset is the first node ID handed out in a process. IDs below it are never assigned.
const DefaultIDOffset = 2

var nextID = func() *atomic.Uint64 {
	var id atomic.Uint64
	id.Store(DefaultIDOffset)
	return &id
}()

// SetIDOffset raises the next node ID to be assigned to offset. Lowering the counter
// would allow IDs to be reused so it returns an error if offset is less than the next ID.
func SetIDOffset(offset uint64) error {
	for {
		current := nextID.Load()
		if offset < current {
			return fmt.Errorf("id offset %d below next id %d", offset, current)
		} else if nextID.CompareAndSwap(current, offset) {
			return nil
		}
	}
}

// Input is a single input of a material [Node]. It is one of *[Node], [Vec] or [Scalar].
type Input interface {
	isInput()
}

// Vec is a vector literal input of 2, 3 or 4 components.
type Vec []float32

// Scalar is a float literal input.
type Scalar float32

func (Vec) isInput()    {}
func (Scalar) isInput() {}
func (*Node) isInput()  {}

// Options configures a node on construction.
type Options struct {
	// Uniforms are the node's initial uniform values. The map is copied.
	Uniforms map[string]any
	// Varyings and Attributes are declarations contributed by the node on top of its schema's.
	Varyings   map[string]glbuild.Arity
	Attributes map[string]glbuild.Arity
	// Texture is a *texture.Texture or a texture source (file path or image.Image) to register.
	Texture any
}

// Node is one instance of a material expression. Its structure (kind, schema and inputs)
// is immutable after construction; only uniform values and the invalidation log change.
// A node may be an input of several parents so a material is a directed acyclic graph.
type Node struct {
	id         uint64
	name       string
	schema     *Schema
	inputs     []Input
	varyings   map[string]glbuild.Arity
	attributes map[string]glbuild.Arity
	tex        *texture.Texture
	u          uniformState
}

// uniformState is the only mutable part of a Node.
type uniformState struct {
	mu          sync.Mutex
	values      map[string]any
	invalidated []string
}

func newNode(name string, schema *Schema, inputs []any, opts Options, textures *texture.Registry) (*Node, error) {
	n := &Node{
		name:       name,
		schema:     schema,
		varyings:   maps.Clone(opts.Varyings),
		attributes: maps.Clone(opts.Attributes),
	}
	n.inputs = make([]Input, len(inputs))
	for i, in := range inputs {
		normalized, err := toInput(in)
		if err != nil {
			return nil, fmt.Errorf("%s input %d: %w", name, i+1, err)
		}
		n.inputs[i] = normalized
	}
	if opts.Texture != nil {
		existing, _ := opts.Texture.(*texture.Texture)
		tex, err := textures.Register(existing, opts.Texture)
		if err != nil {
			return nil, fmt.Errorf("%s texture: %w", name, err)
		}
		n.tex = tex
	}
	n.u.values = maps.Clone(opts.Uniforms)
	if n.u.values == nil {
		n.u.values = make(map[string]any)
	}
	n.id = nextID.Add(1) - 1
	return n, nil
}

// toInput normalizes Go values into node inputs.
func toInput(v any) (Input, error) {
	switch val := v.(type) {
	case *Node:
		if val == nil {
			return nil, errors.New("nil node")
		}
		return val, nil
	case Scalar:
		return val, nil
	case Vec:
		return newVec(val)
	case float32:
		return Scalar(val), nil
	case float64:
		return Scalar(val), nil
	case int:
		return Scalar(val), nil
	case int32:
		return Scalar(val), nil
	case int64:
		return Scalar(val), nil
	case uint:
		return Scalar(val), nil
	case []float32:
		return newVec(val)
	case []float64:
		vec := make([]float32, len(val))
		for i := range val {
			vec[i] = float32(val[i])
		}
		return newVec(vec)
	case [2]float32:
		return newVec(val[:])
	case [3]float32:
		return newVec(val[:])
	case [4]float32:
		return newVec(val[:])
	case ms2.Vec:
		return Vec{val.X, val.Y}, nil
	case ms3.Vec:
		return Vec{val.X, val.Y, val.Z}, nil
	case nil:
		return nil, errors.New("nil input")
	}
	return nil, fmt.Errorf("unsupported input type %T", v)
}

func newVec(v []float32) (Vec, error) {
	if len(v) < 2 || len(v) > 4 {
		return nil, fmt.Errorf("%w: length %d, want 2..4", ErrMalformedLiteral, len(v))
	}
	return append(Vec(nil), v...), nil
}

// ID returns the process-unique id of the node. It determines the node's GLSL label.
func (n *Node) ID() uint64 { return n.id }

// Name returns the expression kind name, i.e: "add".
func (n *Node) Name() string { return n.name }

// Schema returns the node's schema. It must not be modified.
func (n *Node) Schema() *Schema { return n.schema }

// Inputs returns a copy of the node's ordered inputs.
func (n *Node) Inputs() []Input { return slices.Clone(n.inputs) }

// Texture returns the texture bound to the node or nil.
func (n *Node) Texture() *texture.Texture { return n.tex }

// Varyings returns a copy of the varyings the node declares on top of its schema's.
func (n *Node) Varyings() map[string]glbuild.Arity { return maps.Clone(n.varyings) }

// Attributes returns a copy of the attributes the node declares on top of its schema's.
func (n *Node) Attributes() map[string]glbuild.Arity { return maps.Clone(n.attributes) }

// Label returns the GLSL identifier the compiler assigns to the node's value.
func (n *Node) Label() string { return string(glbuild.AppendNodeLabel(nil, n.id)) }

// Arity resolves the arity of the node's output.
func (n *Node) Arity() (glbuild.Arity, error) {
	return make(arityResolver).resolve(n)
}

func (n *Node) String() string {
	return FormatGraph(n)
}

// SetUniform sets the node's uniform value and logs the name as invalidated.
// It does not affect compilation, which depends only on graph structure.
func (n *Node) SetUniform(name string, value any) {
	n.u.mu.Lock()
	defer n.u.mu.Unlock()
	n.u.values[name] = value
	n.u.invalidated = append(n.u.invalidated, name)
}

// Uniform returns the current value of the named uniform.
func (n *Node) Uniform(name string) (value any, ok bool) {
	n.u.mu.Lock()
	defer n.u.mu.Unlock()
	value, ok = n.u.values[name]
	return value, ok
}

// Uniforms returns a snapshot of the node's uniform values.
func (n *Node) Uniforms() map[string]any {
	n.u.mu.Lock()
	defer n.u.mu.Unlock()
	return maps.Clone(n.u.values)
}

// Invalidations returns a copy of the names passed to SetUniform since the last flush, in call order.
func (n *Node) Invalidations() []string {
	n.u.mu.Lock()
	defer n.u.mu.Unlock()
	return slices.Clone(n.u.invalidated)
}

// FlushInvalidations returns the invalidation log and clears it.
func (n *Node) FlushInvalidations() []string {
	n.u.mu.Lock()
	defer n.u.mu.Unlock()
	log := n.u.invalidated
	n.u.invalidated = nil
	return log
}

// pendingUniforms returns the distinct invalidated names in first-change order with their
// current values and the length of the log consumed to produce them.
func (n *Node) pendingUniforms() (names []string, values []any, logLen int) {
	n.u.mu.Lock()
	defer n.u.mu.Unlock()
	logLen = len(n.u.invalidated)
	for _, name := range n.u.invalidated {
		if slices.Contains(names, name) {
			continue
		}
		names = append(names, name)
		values = append(values, n.u.values[name])
	}
	return names, values, logLen
}

// consumeInvalidations drops the first logLen entries, keeping entries logged during a flush.
func (n *Node) consumeInvalidations(logLen int) {
	n.u.mu.Lock()
	defer n.u.mu.Unlock()
	n.u.invalidated = slices.Delete(n.u.invalidated, 0, logLen)
	if len(n.u.invalidated) == 0 {
		n.u.invalidated = nil
	}
}
