package gleval

import (
	"errors"
	"fmt"
	"image"
	"maps"

	"github.com/chewxy/math32"
	"github.com/soypat/gmat"
	"github.com/soypat/gmat/glbuild"
)

// CPU evaluates a material graph on the CPU. It supports every builtin expression kind;
// graphs with custom GLSL code or kinds registered by the user fail with [ErrNotEvaluable].
// Uniform values are read from the graph's nodes on every evaluation so changes made with
// [gmat.Node.SetUniform] are observed. Scalar constants are evaluated exactly, without the
// epsilon offset [glbuild.AppendScalarLiteral] writes to GLSL. CPU is not safe for concurrent use.
type CPU struct {
	nodes       []*gmat.Node
	ops         []cpuOp
	arity       glbuild.Arity
	overrides   map[string]any
	uniforms    map[string]any
	buf         []Value
	evaluations uint64
}

type cpuOp struct {
	node  *gmat.Node
	arity glbuild.Arity
	args  []operand
	// One of the following is set.
	math     func(args []Value, n glbuild.Arity) Value
	source   func(f *Fragment) Value
	uniform  string
	tex      *image.RGBA
	declOnly bool
}

// operand is either the result of op at index op or a literal value when op is negative.
type operand struct {
	op  int
	lit Value
}

// NewCPU instantiates a CPU evaluator of the graph rooted at root.
func NewCPU(root *gmat.Node) (*CPU, error) {
	unit, err := gmat.Compile(root)
	if err != nil {
		return nil, err
	}
	nodes, err := graphNodes(root)
	if err != nil {
		return nil, err
	}
	c := &CPU{
		nodes: nodes,
		arity: unit.Arity,
		ops:   make([]cpuOp, len(nodes)),
	}
	index := make(map[*gmat.Node]int, len(nodes))
	for i, n := range nodes {
		index[n] = i
		err = c.makeOp(&c.ops[i], n, index)
		if err != nil {
			return nil, fmt.Errorf("%s node %s: %w", n.Name(), n.Label(), err)
		}
	}
	return c, nil
}

// Arity returns the arity of the root node.
func (c *CPU) Arity() glbuild.Arity { return c.arity }

// Evaluations returns total fragment evaluations performed succesfully during the evaluator's lifetime.
func (c *CPU) Evaluations() uint64 { return c.evaluations }

// SetUniform overrides the value of the named uniform for all nodes of the graph, as a renderer
// driving the uniform would. Set a nil value to remove the override.
func (c *CPU) SetUniform(name string, value any) {
	if value == nil {
		delete(c.overrides, name)
		return
	}
	if c.overrides == nil {
		c.overrides = make(map[string]any)
	}
	c.overrides[name] = value
}

// Evaluate implements the [Material] interface.
func (c *CPU) Evaluate(frags []Fragment, dst []Value, userData any) error {
	if len(frags) != len(dst) {
		return errMismatchBufferLength
	} else if len(frags) == 0 {
		return errEmptyBuffers
	}
	c.uniforms = MergedUniforms(c.nodes)
	maps.Copy(c.uniforms, c.overrides)
	nf := len(frags)
	need := nf * len(c.ops)
	if cap(c.buf) < need {
		c.buf = make([]Value, need)
	}
	c.buf = c.buf[:need]
	var args [4]Value
	for i := range c.ops {
		op := &c.ops[i]
		if op.declOnly {
			continue
		}
		out := c.buf[i*nf : (i+1)*nf]
		switch {
		case op.uniform != "":
			v, err := c.uniformValue(op)
			if err != nil {
				return err
			}
			for j := range out {
				out[j] = v
			}
		case op.tex != nil:
			for j := range frags {
				out[j] = sampleNearest(op.tex, frags[j].UV.X, frags[j].UV.Y)
			}
		case op.source != nil:
			for j := range frags {
				out[j] = op.source(&frags[j])
			}
		default:
			for j := range frags {
				for k, arg := range op.args {
					if arg.op < 0 {
						args[k] = arg.lit
					} else {
						args[k] = c.buf[arg.op*nf+j]
					}
				}
				out[j] = op.math(args[:len(op.args)], op.arity)
			}
		}
	}
	copy(dst, c.buf[(len(c.ops)-1)*nf:])
	c.evaluations += uint64(nf)
	return nil
}

func (c *CPU) uniformValue(op *cpuOp) (Value, error) {
	raw, ok := c.uniforms[op.uniform]
	if !ok {
		return Value{}, fmt.Errorf("uniform %q of %s has no value", op.uniform, op.node.Label())
	}
	comps, n := glbuild.UniformComponents(raw)
	if n != op.arity {
		return Value{}, fmt.Errorf("uniform %q value %T does not match node arity %d", op.uniform, raw, op.arity)
	}
	return Value{V: comps, N: n}, nil
}

func (c *CPU) makeOp(op *cpuOp, n *gmat.Node, index map[*gmat.Node]int) error {
	op.node = n
	if n.Schema().Chunk == "" {
		op.declOnly = true
		return nil
	}
	a, err := n.Arity()
	if err != nil {
		return err
	}
	op.arity = a
	inputs := n.Inputs()
	var arities []glbuild.Arity
	for _, in := range inputs {
		switch v := in.(type) {
		case gmat.Scalar:
			op.args = append(op.args, operand{op: -1, lit: Scalar(float32(v))})
			arities = append(arities, 1)
		case gmat.Vec:
			lit := Value{N: glbuild.Arity(len(v))}
			copy(lit.V[:], v)
			op.args = append(op.args, operand{op: -1, lit: lit})
			arities = append(arities, lit.N)
		case *gmat.Node:
			idx := index[v]
			if c.ops[idx].declOnly {
				return fmt.Errorf("input %s declares no value", v.Label())
			}
			op.args = append(op.args, operand{op: idx})
			arities = append(arities, c.ops[idx].arity)
		}
	}
	if len(op.args) > 4 {
		return fmt.Errorf("%w: more than 4 inputs", ErrNotEvaluable)
	}
	switch n.Name() {
	case "abs":
		op.math = unary(math32.Abs)
	case "sign":
		op.math = unary(sign)
	case "floor":
		op.math = unary(math32.Floor)
	case "ceiling":
		op.math = unary(math32.Ceil)
	case "sin":
		op.math = unary(math32.Sin)
	case "cos":
		op.math = unary(math32.Cos)
	case "sqrt":
		op.math = unary(math32.Sqrt)
	case "normalize":
		op.math = normalize
	case "add":
		op.math = binary(func(a, b float32) float32 { return a + b })
	case "subtract":
		op.math = binary(func(a, b float32) float32 { return a - b })
	case "multiply":
		op.math = binary(func(a, b float32) float32 { return a * b })
	case "min":
		op.math = binary(math32.Min)
	case "max":
		op.math = binary(math32.Max)
	case "mod":
		op.math = binary(mod)
	case "pow":
		op.math = binary(math32.Pow)
	case "clamp":
		op.math = clamp
	case "mix":
		op.math = mix
	case "step":
		op.math = step
	case "smoothstep":
		op.math = smoothstep
	case "dot":
		op.math = dot
	case "constant":
		op.math = func(args []Value, _ glbuild.Arity) Value { return args[0] }
	case "vec2", "vec3":
		err = checkConstructor(arities, a)
		op.math = construct
	case "time":
		op.uniform = gmat.UniformTime
	case gmat.KindParameter:
		op.uniform = n.Schema().Chunk
	case "uv":
		op.source = func(f *Fragment) Value { return Value{V: [4]float32{f.UV.X, f.UV.Y}, N: 2} }
	case "normal":
		op.source = func(f *Fragment) Value {
			return Value{V: [4]float32{(f.Normal.X + 1) * 0.5, (f.Normal.Y + 1) * 0.5, (f.Normal.Z + 1) * 0.5}, N: 3}
		}
	case "meshPosition":
		op.source = func(f *Fragment) Value {
			return Value{V: [4]float32{(f.Position.X + 1) * 0.5, (f.Position.Y + 1) * 0.5, (f.Position.Z + 1) * 0.5}, N: 3}
		}
	case "fragCoord":
		op.source = func(f *Fragment) Value { return Value{V: f.FragCoord, N: 4} }
	case gmat.KindImage:
		tex := n.Texture()
		if tex == nil {
			return errors.New("image node without texture")
		}
		op.tex, err = tex.RGBA()
	default:
		return fmt.Errorf("%w: %s", ErrNotEvaluable, n.Name())
	}
	return err
}

func checkConstructor(arities []glbuild.Arity, want glbuild.Arity) error {
	if len(arities) == 1 && arities[0] == 1 {
		return nil // Scalar broadcast.
	}
	var total int
	for i, a := range arities {
		if total >= int(want) {
			return fmt.Errorf("%s constructor argument %d unused", want, i+1)
		}
		total += int(a)
	}
	if total < int(want) {
		return fmt.Errorf("not enough components for %s constructor: got %d", want, total)
	}
	return nil
}

func unary(f func(float32) float32) func([]Value, glbuild.Arity) Value {
	return func(args []Value, n glbuild.Arity) (v Value) {
		v.N = n
		for i := 0; i < int(n); i++ {
			v.V[i] = f(args[0].V[i])
		}
		return v
	}
}

// binary returns an elementwise operation where the second argument is broadcast if scalar.
func binary(f func(a, b float32) float32) func([]Value, glbuild.Arity) Value {
	return func(args []Value, n glbuild.Arity) (v Value) {
		v.N = n
		for i := 0; i < int(n); i++ {
			v.V[i] = f(component(args[0], i), component(args[1], i))
		}
		return v
	}
}

// component returns the ith component of v broadcasting scalars.
func component(v Value, i int) float32 {
	if v.N == 1 {
		return v.V[0]
	}
	return v.V[i]
}

func sign(x float32) float32 {
	switch {
	case x > 0:
		return 1
	case x < 0:
		return -1
	}
	return 0
}

// mod follows GLSL: x - y*floor(x/y).
func mod(x, y float32) float32 {
	return x - y*math32.Floor(x/y)
}

func normalize(args []Value, n glbuild.Arity) (v Value) {
	var sum float32
	for i := 0; i < int(n); i++ {
		sum += args[0].V[i] * args[0].V[i]
	}
	inv := 1 / math32.Sqrt(sum)
	v.N = n
	for i := 0; i < int(n); i++ {
		v.V[i] = args[0].V[i] * inv
	}
	return v
}

func clamp(args []Value, n glbuild.Arity) (v Value) {
	v.N = n
	for i := 0; i < int(n); i++ {
		v.V[i] = math32.Min(math32.Max(args[0].V[i], component(args[1], i)), component(args[2], i))
	}
	return v
}

func mix(args []Value, n glbuild.Arity) (v Value) {
	v.N = n
	for i := 0; i < int(n); i++ {
		t := component(args[2], i)
		v.V[i] = args[0].V[i]*(1-t) + args[1].V[i]*t
	}
	return v
}

func step(args []Value, n glbuild.Arity) (v Value) {
	v.N = n
	for i := 0; i < int(n); i++ {
		if args[1].V[i] >= component(args[0], i) {
			v.V[i] = 1
		}
	}
	return v
}

func smoothstep(args []Value, n glbuild.Arity) (v Value) {
	v.N = n
	for i := 0; i < int(n); i++ {
		e0, e1 := component(args[0], i), component(args[1], i)
		t := math32.Min(math32.Max((args[2].V[i]-e0)/(e1-e0), 0), 1)
		v.V[i] = t * t * (3 - 2*t)
	}
	return v
}

func dot(args []Value, _ glbuild.Arity) Value {
	var sum float32
	for i := 0; i < int(args[0].N); i++ {
		sum += args[0].V[i] * args[1].V[i]
	}
	return Scalar(sum)
}

// construct follows GLSL constructor rules: a single scalar is broadcast, otherwise
// argument components are consumed in order.
func construct(args []Value, n glbuild.Arity) (v Value) {
	v.N = n
	if len(args) == 1 && args[0].N == 1 {
		for i := 0; i < int(n); i++ {
			v.V[i] = args[0].V[0]
		}
		return v
	}
	var k int
	for _, arg := range args {
		for i := 0; i < int(arg.N) && k < int(n); i++ {
			v.V[k] = arg.V[i]
			k++
		}
	}
	return v
}

// sampleNearest samples img at texture coordinates (u,v) with v=0 at the bottom row
// and coordinates clamped to the edge.
func sampleNearest(img *image.RGBA, u, v float32) Value {
	b := img.Bounds()
	w, h := b.Dx(), b.Dy()
	if w == 0 || h == 0 {
		return Value{N: 3}
	}
	x := min(max(int(math32.Floor(u*float32(w))), 0), w-1)
	y := min(max(int(math32.Floor(v*float32(h))), 0), h-1)
	c := img.RGBAAt(b.Min.X+x, b.Min.Y+h-1-y)
	return Value{V: [4]float32{float32(c.R) / 255, float32(c.G) / 255, float32(c.B) / 255}, N: 3}
}
