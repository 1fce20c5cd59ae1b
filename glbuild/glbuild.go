package glbuild

import (
	"bytes"
	"errors"
	"fmt"
	"strconv"

	"github.com/soypat/geometry/ms2"
	"github.com/soypat/geometry/ms3"
	"github.com/soypat/gmat/texture"
)

// LabelPrefix prefixes the generated variable name of every material node.
const LabelPrefix = "mx_"

// ScalarEpsilon is added to every scalar constant before it is written to GLSL
// so that whole numbers are emitted with a fractional part (1 -> 1.000001).
// GLSL ES rejects implicit int to float conversion so a decimal point is mandatory.
// This is a known precision compromise: constants are off by ScalarEpsilon.
const ScalarEpsilon = 0.000001

// Unit is a compiled material graph: a GLSL function body plus all declarations the body depends on.
type Unit struct {
	// ID is the ID of the root node the unit was compiled from.
	ID uint64
	// Arity is the arity of the value returned by Code.
	Arity Arity
	// Code is one typed assignment per distinct node followed by a return statement for the root.
	Code string
	// Defines is the list of preprocessor lines contributed by the schemas of the graph.
	Defines []string
	// Uniforms maps uniform names to their values when compiled. Value types determine GLSL types.
	Uniforms map[string]any
	// Varyings and Attributes map declaration names to their arity.
	Varyings   map[string]Arity
	Attributes map[string]Arity
	// Textures in sampler slot order.
	Textures []*texture.Texture
}

// AppendNodeLabel appends the GLSL identifier of the material node with the given id.
func AppendNodeLabel(b []byte, id uint64) []byte {
	b = append(b, LabelPrefix...)
	return strconv.AppendUint(b, id, 10)
}

// AppendScalarLiteral appends v+[ScalarEpsilon] as a decimal GLSL float literal.
// The epsilon is added to the shortest decimal form of v so 100 renders as 100.000001.
// The result always contains a decimal point.
func AppendScalarLiteral(b []byte, v float32) []byte {
	start := len(b)
	d, _ := strconv.ParseFloat(strconv.FormatFloat(float64(v), 'f', -1, 32), 64)
	b = strconv.AppendFloat(b, d+ScalarEpsilon, 'f', -1, 64)
	if bytes.IndexByte(b[start:], '.') < 0 {
		b = append(b, ".0"...)
	}
	return b
}

// AppendVecLiteral appends a GLSL vector constructor over the raw components of v, i.e: vec3(1.,0.,0.5).
// v must be of length 2, 3 or 4.
func AppendVecLiteral(b []byte, v []float32) ([]byte, error) {
	n := Arity(len(v))
	if n < 2 || n > 4 {
		return b, fmt.Errorf("vector literal of length %d, want 2..4", len(v))
	}
	b = append(b, n.Typename()...)
	b = append(b, '(')
	b = AppendFloats(b, ',', '-', '.', v...)
	b = append(b, ')')
	return b, nil
}

var errTemplateSlot = errors.New("template references texture slot but node has no texture")

// AppendTemplate substitutes the placeholders of tmpl and appends the result to dst.
//
//	%1..%N	label of input k-1
//	%*	comma separated labels of all inputs
//	%t	texture sampler slot
//
// Any other '%' is copied verbatim. textureSlot must be negative when the node has no texture.
// A nil label marks an input with no value; referencing it returns a [*LabelError].
func AppendTemplate(dst []byte, tmpl string, labels [][]byte, textureSlot int) ([]byte, error) {
	for i := 0; i < len(tmpl); i++ {
		c := tmpl[i]
		if c != '%' || i == len(tmpl)-1 {
			dst = append(dst, c)
			continue
		}
		next := tmpl[i+1]
		switch {
		case next == '*':
			for j, lbl := range labels {
				if lbl == nil {
					return dst, &LabelError{Input: j}
				}
				if j > 0 {
					dst = append(dst, ", "...)
				}
				dst = append(dst, lbl...)
			}
			i++
		case next == 't':
			if textureSlot < 0 {
				return dst, errTemplateSlot
			}
			dst = strconv.AppendInt(dst, int64(textureSlot), 10)
			i++
		case next >= '1' && next <= '9':
			end := i + 1
			for end < len(tmpl) && tmpl[end] >= '0' && tmpl[end] <= '9' {
				end++
			}
			k, _ := strconv.Atoi(tmpl[i+1 : end])
			if k > len(labels) {
				return dst, fmt.Errorf("template placeholder %%%d with %d inputs", k, len(labels))
			}
			if labels[k-1] == nil {
				return dst, &LabelError{Input: k - 1}
			}
			dst = append(dst, labels[k-1]...)
			i = end - 1
		default:
			dst = append(dst, c)
		}
	}
	return dst, nil
}

// LabelError is returned by [AppendTemplate] when a placeholder refers to an input with no label.
type LabelError struct {
	// Input is the zero based index of the unlabeled input.
	Input int
}

func (e *LabelError) Error() string {
	return fmt.Sprintf("template placeholder %%%d refers to input with no value", e.Input+1)
}

// AppendAssignment appends a typed GLSL assignment statement:
//
//	<typename> <label> = <expr>;
func AppendAssignment(b []byte, a Arity, label, expr []byte) []byte {
	b = append(b, a.Typename()...)
	b = append(b, ' ')
	b = append(b, label...)
	b = append(b, " = "...)
	b = append(b, expr...)
	b = append(b, ";\n"...)
	return b
}

func AppendDefineDecl(b []byte, aliasToDefine, aliasReplace string) []byte {
	b = append(b, "#define "...)
	b = append(b, aliasToDefine...)
	if aliasReplace != "" {
		b = append(b, ' ')
		b = append(b, aliasReplace...)
	}
	b = append(b, '\n')
	return b
}

// AppendUniformDecl appends a uniform declaration whose type is derived from the uniform's value.
//
//	uniform <typename> <name>;
func AppendUniformDecl(b []byte, name string, value any) ([]byte, error) {
	typename, err := UniformTypename(value)
	if err != nil {
		return b, fmt.Errorf("uniform %q: %w", name, err)
	}
	return appendQualifiedDecl(b, "uniform", typename, name), nil
}

// AppendVaryingDecl appends a fragment stage input declaration. qualifier is usually "in" or "varying".
func AppendVaryingDecl(b []byte, qualifier, name string, a Arity) []byte {
	return appendQualifiedDecl(b, qualifier, a.Typename(), name)
}

func appendQualifiedDecl(b []byte, qualifier, typename, name string) []byte {
	if qualifier != "" {
		b = append(b, qualifier...)
		b = append(b, ' ')
	}
	b = append(b, typename...)
	b = append(b, ' ')
	b = append(b, name...)
	b = append(b, ";\n"...)
	return b
}

// UniformTypename returns the GLSL type of a uniform value.
func UniformTypename(v any) (string, error) {
	switch v.(type) {
	case float32, float64:
		return "float", nil
	case ms2.Vec, [2]float32:
		return "vec2", nil
	case ms3.Vec, [3]float32:
		return "vec3", nil
	case [4]float32:
		return "vec4", nil
	case int32, int:
		return "int", nil
	case uint32:
		return "uint", nil
	case bool:
		return "bool", nil
	case nil:
		return "", errors.New("nil uniform value")
	}
	return "", fmt.Errorf("equivalent type not implemented for %T", v)
}

// UniformArity returns the floating point arity of v or 0 if v is not a float, ms2.Vec, ms3.Vec or float array.
func UniformArity(v any) Arity {
	switch v.(type) {
	case float32, float64:
		return 1
	case ms2.Vec, [2]float32:
		return 2
	case ms3.Vec, [3]float32:
		return 3
	case [4]float32:
		return 4
	}
	return 0
}

// UniformComponents returns the float components of a uniform value with floating point arity.
func UniformComponents(v any) (c [4]float32, n Arity) {
	switch val := v.(type) {
	case float32:
		c[0] = val
	case float64:
		c[0] = float32(val)
	case ms2.Vec:
		c[0], c[1] = val.X, val.Y
	case [2]float32:
		copy(c[:], val[:])
	case ms3.Vec:
		c[0], c[1], c[2] = val.X, val.Y, val.Z
	case [3]float32:
		copy(c[:], val[:])
	case [4]float32:
		c = val
	}
	return c, UniformArity(v)
}

const decimalDigits = 9

// AppendFloat appends v in decimal notation with trailing zeros trimmed. The decimal point is always kept: 1 -> "1.".
func AppendFloat(b []byte, neg, decimal byte, v float32) []byte {
	start := len(b)
	b = strconv.AppendFloat(b, float64(v), 'f', decimalDigits, 32)
	idx := bytes.IndexByte(b[start:], '.')
	if decimal != '.' && idx >= 0 {
		b[start+idx] = decimal
	}
	if b[start] == '-' {
		b[start] = neg
	}
	// Finally trim zeroes.
	end := len(b)
	for i := len(b) - 1; idx >= 0 && i > idx+start && b[i] == '0'; i-- {
		end--
	}
	return b[:end]
}

func AppendFloats(b []byte, sep, neg, decimal byte, s ...float32) []byte {
	for i, v := range s {
		b = AppendFloat(b, neg, decimal, v)
		if sep != 0 && i != len(s)-1 {
			b = append(b, sep)
		}
	}
	return b
}
