// Package gmat composes material expression graphs and compiles them into GLSL.
//
// A material is a directed acyclic graph of [Node]s, each an instance of an expression
// kind (add, mix, normalize, texture sampling, parameters...) with ordered inputs that are
// other nodes, vector literals or scalar constants. [Compile] turns the graph into a
// [glbuild.Unit]: GLSL code assigning one typed variable per node plus the uniforms, varyings,
// attributes, defines and textures the code needs.
//
//	var bld gmat.Builder
//	color := bld.Multiply(bld.Vec3(1, 0.5, 0.25), bld.Parameter("u_Brightness", float32(0.8)))
//	unit, err := gmat.Compile(color)
package gmat

import (
	"errors"
	"fmt"

	"github.com/soypat/gmat/glbuild"
)

// Flags modify the behaviour of a [Builder].
type Flags uint64

const (
	// FlagNoPanic makes the Builder accumulate construction errors instead of panicking.
	// Accumulated errors are returned by [Builder.Err].
	FlagNoPanic Flags = 1 << iota
)

// Builder wraps node construction with one method per builtin expression kind.
// Provides error handling strategies with panics or error accumulation during graph construction.
// The zero value uses [DefaultRegistry].
type Builder struct {
	reg       *Registry
	flags     Flags
	accumErrs []error
}

// NewBuilder returns a Builder constructing nodes from reg.
func NewBuilder(reg *Registry) *Builder {
	return &Builder{reg: reg}
}

// Registry returns the registry the Builder constructs nodes from.
func (bld *Builder) Registry() *Registry {
	if bld.reg == nil {
		bld.reg = DefaultRegistry()
	}
	return bld.reg
}

func (bld *Builder) Flags() Flags { return bld.flags }

func (bld *Builder) SetFlags(flags Flags) { bld.flags = flags }

// Err returns all accumulated construction errors joined. Errors only accumulate with [FlagNoPanic] set.
func (bld *Builder) Err() error {
	if len(bld.accumErrs) == 0 {
		return nil
	}
	return errors.Join(bld.accumErrs...)
}

// ClearErrors discards accumulated errors.
func (bld *Builder) ClearErrors() {
	bld.accumErrs = bld.accumErrs[:0]
}

func (bld *Builder) nodeErr(err error) {
	if bld.flags&FlagNoPanic == 0 {
		panic(err.Error())
	}
	bld.accumErrs = append(bld.accumErrs, err)
}

// New constructs a node of any registered kind. On error it returns nil and panics or
// accumulates the error depending on the Builder's flags.
func (bld *Builder) New(kind string, inputs []any, opts Options) *Node {
	n, err := bld.Registry().NewNode(kind, inputs, opts)
	if err != nil {
		bld.nodeErr(err)
		return nil
	}
	return n
}

func (bld *Builder) newWithSchema(kind string, schema Schema, inputs []any, opts Options) *Node {
	n, err := bld.Registry().NewNodeWithSchema(kind, schema, inputs, opts)
	if err != nil {
		bld.nodeErr(err)
		return nil
	}
	return n
}

// Custom returns a node evaluating arbitrary GLSL code of float type. code may reference
// inputs with %1..%N placeholders and the given uniforms by name.
func (bld *Builder) Custom(code string, inputs []any, uniforms map[string]any) *Node {
	schema := Schema{
		Chunk:    code,
		Output:   glbuild.FixedArity(1),
		Uniforms: uniforms,
	}
	return bld.newWithSchema(KindCustom, schema, inputs, Options{})
}

// Texture returns a node sampling the RGB channels of a texture at the fragment's texture
// coordinates. source is a *texture.Texture, a file path or an image.Image.
func (bld *Builder) Texture(source any) *Node {
	return bld.New(KindImage, nil, Options{Texture: source})
}

// Parameter returns a node reading the uniform name, declared with value as its default.
// The node's arity is that of value which must be a float32, ms2.Vec, ms3.Vec or [4]float32.
func (bld *Builder) Parameter(name string, value any) *Node {
	a := glbuild.UniformArity(value)
	if !a.Valid() {
		bld.nodeErr(fmt.Errorf("parameter %q: unsupported value type %T", name, value))
		return nil
	} else if name == "" {
		bld.nodeErr(errors.New("parameter requires a uniform name"))
		return nil
	}
	schema := Schema{
		Chunk:  name,
		Output: glbuild.FixedArity(a),
	}
	return bld.newWithSchema(KindParameter, schema, nil, Options{Uniforms: map[string]any{name: value}})
}

func (bld *Builder) Abs(x any) *Node       { return bld.New("abs", []any{x}, Options{}) }
func (bld *Builder) Sign(x any) *Node      { return bld.New("sign", []any{x}, Options{}) }
func (bld *Builder) Floor(x any) *Node     { return bld.New("floor", []any{x}, Options{}) }
func (bld *Builder) Ceiling(x any) *Node   { return bld.New("ceiling", []any{x}, Options{}) }
func (bld *Builder) Sin(x any) *Node       { return bld.New("sin", []any{x}, Options{}) }
func (bld *Builder) Cos(x any) *Node       { return bld.New("cos", []any{x}, Options{}) }
func (bld *Builder) Sqrt(x any) *Node      { return bld.New("sqrt", []any{x}, Options{}) }
func (bld *Builder) Normalize(x any) *Node { return bld.New("normalize", []any{x}, Options{}) }

// Add returns a+b. b may be a scalar broadcast over vector a, the reverse order does not resolve.
func (bld *Builder) Add(a, b any) *Node { return bld.New("add", []any{a, b}, Options{}) }

// Subtract returns a-b. b may be a scalar broadcast over vector a, the reverse order does not resolve.
func (bld *Builder) Subtract(a, b any) *Node { return bld.New("subtract", []any{a, b}, Options{}) }

// Multiply returns a*b. b may be a scalar broadcast over vector a, the reverse order does not resolve.
func (bld *Builder) Multiply(a, b any) *Node { return bld.New("multiply", []any{a, b}, Options{}) }

func (bld *Builder) Min(a, b any) *Node { return bld.New("min", []any{a, b}, Options{}) }
func (bld *Builder) Max(a, b any) *Node { return bld.New("max", []any{a, b}, Options{}) }
func (bld *Builder) Mod(a, b any) *Node { return bld.New("mod", []any{a, b}, Options{}) }
func (bld *Builder) Pow(a, b any) *Node { return bld.New("pow", []any{a, b}, Options{}) }

// Clamp constrains x to [lo, hi]. lo and hi are scalars.
func (bld *Builder) Clamp(x, lo, hi any) *Node {
	return bld.New("clamp", []any{x, lo, hi}, Options{})
}

// Mix linearly interpolates between a and b by scalar t.
func (bld *Builder) Mix(a, b, t any) *Node {
	return bld.New("mix", []any{a, b, t}, Options{})
}

// Step returns 0 where x < edge and 1 otherwise. edge is a scalar.
func (bld *Builder) Step(edge, x any) *Node {
	return bld.New("step", []any{edge, x}, Options{})
}

// Smoothstep performs Hermite interpolation of x between edge0 and edge1, all of equal arity.
func (bld *Builder) Smoothstep(edge0, edge1, x any) *Node {
	return bld.New("smoothstep", []any{edge0, edge1, x}, Options{})
}

// Dot returns the scalar dot product of two inputs of equal arity.
func (bld *Builder) Dot(a, b any) *Node { return bld.New("dot", []any{a, b}, Options{}) }

// Vec2 constructs a vec2 from its components, following GLSL constructor rules.
func (bld *Builder) Vec2(components ...any) *Node { return bld.New("vec2", components, Options{}) }

// Vec3 constructs a vec3 from its components, following GLSL constructor rules.
func (bld *Builder) Vec3(components ...any) *Node { return bld.New("vec3", components, Options{}) }

// Constant returns a node whose value is the literal v.
func (bld *Builder) Constant(v any) *Node { return bld.New("constant", []any{v}, Options{}) }

// Time is the elapsed time uniform.
func (bld *Builder) Time() *Node { return bld.New("time", nil, Options{}) }

// UV is the fragment's texture coordinate.
func (bld *Builder) UV() *Node { return bld.New("uv", nil, Options{}) }

// Normal is the surface normal remapped to [0, 1].
func (bld *Builder) Normal() *Node { return bld.New("normal", nil, Options{}) }

// MeshPosition is the fragment's position remapped to [0, 1].
func (bld *Builder) MeshPosition() *Node { return bld.New("meshPosition", nil, Options{}) }

// FragCoord is the fragment's window space coordinate.
func (bld *Builder) FragCoord() *Node { return bld.New("fragCoord", nil, Options{}) }
