package glbuild

import (
	"errors"
	"io"
	"maps"
	"slices"
	"strconv"
	"strings"
)

const VersionStr = "#version 460\n"

// Names used by the programs written by [Programmer].
const (
	// QuadAttribute is the vertex attribute holding the full-screen quad's clip-space position.
	QuadAttribute = "aPos"
	// FragOutput is the fragment shader color output.
	FragOutput = "fragColor"
	// MaterialFunc is the name of the function wrapping the compiled material code.
	MaterialFunc = "material"
	// TextureArray is the sampler array textures are bound to, in [Unit] texture order.
	TextureArray = "u_Textures"
	// ComputeInput and ComputeOutput are the shader storage buffers of compute programs.
	// Input holds [ComputeInputStride] vec4s per fragment: texture coordinate, normal and position.
	ComputeInput       = "frag_in"
	ComputeOutput      = "frag_out"
	ComputeInputStride = 3
)

// Programmer writes complete GLSL programs around a compiled material [Unit].
type Programmer struct {
	version []byte
	scratch []byte
}

// NewDefaultProgrammer returns a Programmer that writes GLSL 4.60 core programs.
func NewDefaultProgrammer() *Programmer {
	return &Programmer{
		version: []byte(VersionStr),
		scratch: make([]byte, 0, 1024),
	}
}

// SetVersion sets the GLSL version directive, i.e. "330 core".
func (p *Programmer) SetVersion(version string) {
	p.version = append(p.version[:0], "#version "...)
	p.version = append(p.version, version...)
	p.version = append(p.version, '\n')
}

// WriteFragment writes a fragment shader that evaluates the unit and writes it to [FragOutput].
func (p *Programmer) WriteFragment(w io.Writer, u Unit) (int, error) {
	if !u.Arity.Valid() {
		return 0, errors.New("unit has invalid arity " + u.Arity.String())
	} else if u.Code == "" {
		return 0, errors.New("unit has no code")
	}
	var err error
	b := append(p.scratch[:0], p.version...)
	b = AppendDefines(b, u.Defines)
	for _, name := range slices.Sorted(maps.Keys(u.Uniforms)) {
		b, err = AppendUniformDecl(b, name, u.Uniforms[name])
		if err != nil {
			p.scratch = b
			return 0, err
		}
	}
	for _, name := range slices.Sorted(maps.Keys(u.Varyings)) {
		b = AppendVaryingDecl(b, "in", name, u.Varyings[name])
	}
	if len(u.Textures) > 0 {
		b = append(b, "uniform sampler2D "+TextureArray+"["...)
		b = strconv.AppendInt(b, int64(len(u.Textures)), 10)
		b = append(b, "];\n"...)
	}
	b = append(b, "out vec4 "+FragOutput+";\n\n"...)
	b = AppendMaterialFunc(b, u)
	b = append(b, "\nvoid main() {\n\t"+FragOutput+" = "...)
	b = appendWidenVec4(b, u.Arity, MaterialFunc+"()")
	b = append(b, ";\n}\n"...)
	p.scratch = b
	return w.Write(b)
}

// WriteVertex writes a full-screen quad vertex shader that declares the unit's attributes
// and feeds every varying of the unit. Known varyings (texture coordinates, normals, positions)
// are derived from the quad position, unknown varyings are zeroed.
func (p *Programmer) WriteVertex(w io.Writer, u Unit) (int, error) {
	b := append(p.scratch[:0], p.version...)
	b = AppendVaryingDecl(b, "in", QuadAttribute, 2)
	for _, name := range slices.Sorted(maps.Keys(u.Attributes)) {
		if name == QuadAttribute {
			continue
		}
		b = AppendVaryingDecl(b, "in", name, u.Attributes[name])
	}
	varyings := slices.Sorted(maps.Keys(u.Varyings))
	for _, name := range varyings {
		b = AppendVaryingDecl(b, "out", name, u.Varyings[name])
	}
	b = append(b, "\nvoid main() {\n\tgl_Position = vec4("+QuadAttribute+", 0.0, 1.0);\n"...)
	for _, name := range varyings {
		a := u.Varyings[name]
		b = append(b, '\t')
		b = append(b, name...)
		b = append(b, " = "...)
		switch {
		case a == 2 && strings.Contains(name, "TextureCoordinate"):
			b = append(b, QuadAttribute+" * 0.5 + 0.5"...)
		case a == 3 && strings.Contains(name, "Position"):
			b = append(b, "vec3("+QuadAttribute+", 0.0)"...)
		case a == 3 && strings.Contains(name, "Normal"):
			b = append(b, "vec3(0.0, 0.0, 1.0)"...)
		default:
			b = append(b, a.Typename()...)
			b = append(b, "(0.0)"...)
		}
		b = append(b, ";\n"...)
	}
	b = append(b, "}\n"...)
	p.scratch = b
	return w.Write(b)
}

// WriteCompute writes a compute shader that evaluates the unit once per invocation. Fragment inputs
// are read from the [ComputeInput] buffer bound at 0 and results widened to vec4 are written to the
// [ComputeOutput] buffer bound at 1. Units sampling textures or reading gl_FragCoord are rejected
// since neither is available outside the fragment stage.
func (p *Programmer) WriteCompute(w io.Writer, u Unit, invocX int) (int, error) {
	if !u.Arity.Valid() {
		return 0, errors.New("unit has invalid arity " + u.Arity.String())
	} else if u.Code == "" {
		return 0, errors.New("unit has no code")
	} else if invocX < 1 {
		return 0, errors.New("zero or negative invocation size")
	} else if len(u.Textures) > 0 {
		return 0, errors.New("texture sampling unsupported in compute programs")
	} else if strings.Contains(u.Code, "gl_FragCoord") {
		return 0, errors.New("gl_FragCoord unsupported in compute programs")
	}
	var err error
	b := append(p.scratch[:0], p.version...)
	b = AppendDefines(b, u.Defines)
	b = append(b, "layout(local_size_x = "...)
	b = strconv.AppendInt(b, int64(invocX), 10)
	b = append(b, ", local_size_y = 1, local_size_z = 1) in;\n"...)
	b = append(b, "layout(std430, binding = 0) buffer InBuffer {\n\tvec4 "+ComputeInput+"[];\n};\n"...)
	b = append(b, "layout(std430, binding = 1) buffer OutBuffer {\n\tvec4 "+ComputeOutput+"[];\n};\n"...)
	for _, name := range slices.Sorted(maps.Keys(u.Uniforms)) {
		b, err = AppendUniformDecl(b, name, u.Uniforms[name])
		if err != nil {
			p.scratch = b
			return 0, err
		}
	}
	varyings := slices.Sorted(maps.Keys(u.Varyings))
	for _, name := range varyings {
		// Varyings become invocation globals.
		b = appendQualifiedDecl(b, "", u.Varyings[name].Typename(), name)
	}
	b = append(b, '\n')
	b = AppendMaterialFunc(b, u)
	b = append(b, "\nvoid main() {\n\tint idx = int(gl_GlobalInvocationID.x);\n"...)
	b = append(b, "\tif (idx >= "+ComputeOutput+".length()) {\n\t\treturn;\n\t}\n"...)
	for _, name := range varyings {
		a := u.Varyings[name]
		b = append(b, '\t')
		b = append(b, name...)
		b = append(b, " = "...)
		slot, swizzle := computeVaryingSource(name, a)
		if slot < 0 {
			b = append(b, a.Typename()...)
			b = append(b, "(0.0)"...)
		} else {
			b = append(b, ComputeInput+"["...)
			b = strconv.AppendInt(b, ComputeInputStride, 10)
			b = append(b, "*idx+"...)
			b = strconv.AppendInt(b, int64(slot), 10)
			b = append(b, "]."...)
			b = append(b, swizzle...)
		}
		b = append(b, ";\n"...)
	}
	b = append(b, "\t"+ComputeOutput+"[idx] = "...)
	b = appendWidenVec4(b, u.Arity, MaterialFunc+"()")
	b = append(b, ";\n}\n"...)
	p.scratch = b
	return w.Write(b)
}

// computeVaryingSource returns the slot within a fragment's compute input the varying is read from.
func computeVaryingSource(name string, a Arity) (slot int, swizzle string) {
	switch {
	case a == 2 && strings.Contains(name, "TextureCoordinate"):
		return 0, "xy"
	case a == 3 && strings.Contains(name, "Normal"):
		return 1, "xyz"
	case a == 3 && strings.Contains(name, "Position"):
		return 2, "xyz"
	}
	return -1, ""
}

// AppendMaterialFunc appends the unit's code wrapped in a function:
//
//	<typename> material() {
//		<code>
//	}
func AppendMaterialFunc(b []byte, u Unit) []byte {
	b = append(b, u.Arity.Typename()...)
	b = append(b, " "+MaterialFunc+"() {\n"...)
	code := u.Code
	for len(code) > 0 {
		line, rest, _ := strings.Cut(code, "\n")
		b = append(b, '\t')
		b = append(b, line...)
		b = append(b, '\n')
		code = rest
	}
	b = append(b, "}\n"...)
	return b
}

// AppendDefines appends preprocessor lines. Defines not starting with '#' are written as "#define <define>".
func AppendDefines(b []byte, defines []string) []byte {
	for _, def := range defines {
		def = strings.TrimSpace(def)
		if def == "" {
			continue
		} else if def[0] == '#' {
			b = append(b, def...)
			b = append(b, '\n')
			continue
		}
		alias, replace, _ := strings.Cut(def, " ")
		b = AppendDefineDecl(b, alias, strings.TrimSpace(replace))
	}
	return b
}

func appendWidenVec4(b []byte, a Arity, expr string) []byte {
	switch a {
	case 1:
		b = append(b, "vec4(vec3("...)
		b = append(b, expr...)
		b = append(b, "), 1.0)"...)
	case 2:
		b = append(b, "vec4("...)
		b = append(b, expr...)
		b = append(b, ", 0.0, 1.0)"...)
	case 3:
		b = append(b, "vec4("...)
		b = append(b, expr...)
		b = append(b, ", 1.0)"...)
	default:
		b = append(b, expr...)
	}
	return b
}
