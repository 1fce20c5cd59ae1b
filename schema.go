package gmat

import (
	"errors"
	"fmt"
	"maps"
	"slices"
	"sync"

	"github.com/soypat/gmat/glbuild"
	"github.com/soypat/gmat/texture"
)

// Schema is the immutable definition of an expression kind.
type Schema struct {
	// Chunk is the GLSL expression template. See [glbuild.AppendTemplate] for placeholder syntax.
	// An empty Chunk declares a declaration-only kind that emits no statement.
	Chunk string
	// Output infers the kind's output arity from its inputs.
	Output glbuild.ArityRule
	// Uniforms are default uniform declarations contributed by every node of the kind.
	Uniforms map[string]any
	// Varyings and Attributes are fixed declarations contributed by every node of the kind.
	Varyings   map[string]glbuild.Arity
	Attributes map[string]glbuild.Arity
	// Defines are preprocessor lines, either full lines ("#define X 1") or "X 1".
	Defines []string
}

func (s Schema) clone() *Schema {
	s.Uniforms = maps.Clone(s.Uniforms)
	s.Varyings = maps.Clone(s.Varyings)
	s.Attributes = maps.Clone(s.Attributes)
	s.Defines = slices.Clone(s.Defines)
	return &s
}

var (
	ErrUnknownKind     = errors.New("unknown expression kind")
	ErrRegistrySealed  = errors.New("expression registry sealed")
	ErrDuplicateKind   = errors.New("expression kind already registered")
	errEmptyKindName   = errors.New("empty expression kind name")
	defaultRegistry    *Registry
	defaultRegistryMut sync.Mutex
)

// Registry holds the expression kinds nodes can be constructed from. Kinds may only be
// registered before the first node is constructed, after which the registry is sealed.
// Safe for concurrent use.
type Registry struct {
	mu       sync.RWMutex
	schemas  map[string]*Schema
	sealed   bool
	textures *texture.Registry
}

// NewRegistry returns a registry with the builtin catalog of expression kinds.
// textures is used to resolve texture sources; if nil a new texture registry is created.
func NewRegistry(textures *texture.Registry) *Registry {
	r := NewEmptyRegistry(textures)
	for name, schema := range catalog() {
		r.schemas[name] = schema.clone()
	}
	return r
}

// NewEmptyRegistry returns a registry with no expression kinds.
func NewEmptyRegistry(textures *texture.Registry) *Registry {
	if textures == nil {
		textures = new(texture.Registry)
	}
	return &Registry{
		schemas:  make(map[string]*Schema),
		textures: textures,
	}
}

// DefaultRegistry returns the process wide registry used by the zero value [Builder].
func DefaultRegistry() *Registry {
	defaultRegistryMut.Lock()
	defer defaultRegistryMut.Unlock()
	if defaultRegistry == nil {
		defaultRegistry = NewRegistry(nil)
	}
	return defaultRegistry
}

// Register installs a new expression kind. It fails if the name is taken or the registry is sealed.
func (r *Registry) Register(name string, schema Schema) error {
	if name == "" {
		return errEmptyKindName
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.sealed {
		return fmt.Errorf("registering %q: %w", name, ErrRegistrySealed)
	} else if _, ok := r.schemas[name]; ok {
		return fmt.Errorf("%w: %q", ErrDuplicateKind, name)
	}
	r.schemas[name] = schema.clone()
	return nil
}

// Schema returns the schema registered under name.
func (r *Registry) Schema(name string) (*Schema, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.schemas[name]
	return s, ok
}

// Kinds returns the sorted names of all registered kinds.
func (r *Registry) Kinds() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return slices.Sorted(maps.Keys(r.schemas))
}

// Textures returns the texture registry used to resolve texture options.
func (r *Registry) Textures() *texture.Registry { return r.textures }

// NewNode constructs a node of the named kind. Inputs may be *Node, [Vec], [Scalar],
// Go numbers, float slices and arrays, ms2.Vec or ms3.Vec. Construction fails for
// unknown kinds, vector literals of length outside 2..4 and unresolvable textures.
func (r *Registry) NewNode(name string, inputs []any, opts Options) (*Node, error) {
	r.mu.Lock()
	r.sealed = true
	schema, ok := r.schemas[name]
	r.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownKind, name)
	}
	return newNode(name, schema, inputs, opts, r.textures)
}

// NewNodeWithSchema constructs a node with a schema that is not registered, as is done for custom code
// and named parameters.
func (r *Registry) NewNodeWithSchema(name string, schema Schema, inputs []any, opts Options) (*Node, error) {
	if name == "" {
		return nil, errEmptyKindName
	}
	return newNode(name, schema.clone(), inputs, opts, r.textures)
}

// Builtin varyings and uniforms referenced by the catalog.
const (
	UniformTime       = "u_Time"
	VaryingTexCoord   = "v_TextureCoordinate"
	VaryingNormal     = "v_Normal"
	VaryingPosition   = "v_Position"
	UniformParameter  = "parameter"
	KindCustom        = "custom"
	KindImage         = "image"
	KindParameter     = "parameter"
	defaultParamValue = float32(1)
)

// catalog returns the builtin expression kinds. Broadcast tables are intentionally
// asymmetric: a scalar is broadcast over a vector only in the positions listed.
func catalog() map[string]Schema {
	unary := glbuild.ElementwiseUnary()
	binary := glbuild.ElementwiseBinary()
	schemas := map[string]Schema{
		"abs":       {Chunk: "abs(%1)", Output: unary},
		"sign":      {Chunk: "sign(%1)", Output: unary},
		"floor":     {Chunk: "floor(%1)", Output: unary},
		"ceiling":   {Chunk: "ceil(%1)", Output: unary},
		"sin":       {Chunk: "sin(%1)", Output: unary},
		"cos":       {Chunk: "cos(%1)", Output: unary},
		"sqrt":      {Chunk: "sqrt(%1)", Output: unary},
		"normalize": {Chunk: "normalize(%1)", Output: unary},

		"add":      {Chunk: "%1 + %2", Output: binary},
		"subtract": {Chunk: "%1 - %2", Output: binary},
		"multiply": {Chunk: "%1 * %2", Output: binary},
		"min":      {Chunk: "min(%1, %2)", Output: binary},
		"max":      {Chunk: "max(%1, %2)", Output: binary},
		"mod":      {Chunk: "mod(%1, %2)", Output: binary},
		"pow":      {Chunk: "pow(%1, %2)", Output: binary},

		"clamp": {Chunk: "clamp(%1, %2, %3)", Output: glbuild.ArityTable(map[glbuild.Signature]glbuild.Arity{
			"1,1,1": 1, "2,1,1": 2, "3,1,1": 3, "4,1,1": 4,
		})},
		"mix": {Chunk: "mix(%1, %2, %3)", Output: glbuild.ArityTable(map[glbuild.Signature]glbuild.Arity{
			"1,1,1": 1, "2,2,1": 2, "3,3,1": 3, "4,4,1": 4,
		})},
		"step": {Chunk: "step(%1, %2)", Output: glbuild.ArityTable(map[glbuild.Signature]glbuild.Arity{
			"1,1": 1, "1,2": 2, "1,3": 3, "1,4": 4,
		})},
		"smoothstep": {Chunk: "smoothstep(%1, %2, %3)", Output: glbuild.ArityTable(map[glbuild.Signature]glbuild.Arity{
			"1,1,1": 1, "2,2,2": 2, "3,3,3": 3, "4,4,4": 4,
		})},
		"dot": {Chunk: "dot(%1, %2)", Output: glbuild.ArityTable(map[glbuild.Signature]glbuild.Arity{
			"1,1": 1, "2,2": 1, "3,3": 1, "4,4": 1,
		})},
		"vec2": {Chunk: "vec2(%*)", Output: glbuild.FixedArity(2)},
		"vec3": {Chunk: "vec3(%*)", Output: glbuild.FixedArity(3)},

		"time": {
			Chunk:    UniformTime,
			Output:   glbuild.FixedArity(1),
			Uniforms: map[string]any{UniformTime: float32(0)},
		},
		"uv": {
			Chunk:    VaryingTexCoord,
			Output:   glbuild.FixedArity(2),
			Varyings: map[string]glbuild.Arity{VaryingTexCoord: 2},
		},
		"normal": {
			Chunk:    "(" + VaryingNormal + " + 1.0) * 0.5",
			Output:   glbuild.FixedArity(3),
			Varyings: map[string]glbuild.Arity{VaryingNormal: 3},
		},
		"meshPosition": {
			Chunk:    "(" + VaryingPosition + " + 1.0) * 0.5",
			Output:   glbuild.FixedArity(3),
			Varyings: map[string]glbuild.Arity{VaryingPosition: 3},
		},
		"fragCoord": {Chunk: "gl_FragCoord", Output: glbuild.FixedArity(4)},
		KindImage: {
			Chunk:    "texture(" + glbuild.TextureArray + "[%t], " + VaryingTexCoord + ").rgb",
			Output:   glbuild.FixedArity(3),
			Varyings: map[string]glbuild.Arity{VaryingTexCoord: 2},
		},
		KindParameter: {
			Chunk:    UniformParameter,
			Output:   glbuild.FixedArity(1),
			Uniforms: map[string]any{UniformParameter: defaultParamValue},
		},
		"constant": {Chunk: "%1", Output: unary},
	}
	return schemas
}
