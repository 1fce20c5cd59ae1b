// Package gleval evaluates material graphs over batches of fragments, on the CPU or on the GPU
// through compute shaders.
package gleval

import (
	"errors"
	"image"
	"image/color"
	"maps"

	"github.com/chewxy/math32"
	"github.com/soypat/geometry/ms2"
	"github.com/soypat/geometry/ms3"
	"github.com/soypat/gmat"
	"github.com/soypat/gmat/glbuild"
)

// Material implements a material in vectorized form suitable for running on GPU.
type Material interface {
	// Evaluate evaluates the material at every fragment of frags. dst and frags must be of same length.
	// Resulting values are stored in dst.
	Evaluate(frags []Fragment, dst []Value, userData any) error
	// Arity returns the component count of the evaluated values.
	Arity() glbuild.Arity
}

// Fragment holds the interpolated inputs of a single fragment.
type Fragment struct {
	// UV is the texture coordinate in [0,1].
	UV ms2.Vec
	// Normal and Position are the interpolated surface normal and position in [-1,1].
	Normal   ms3.Vec
	Position ms3.Vec
	// FragCoord is the window space coordinate as in gl_FragCoord.
	FragCoord [4]float32
}

// Value is a material value of N components. Components past N are zero.
type Value struct {
	V [4]float32
	N glbuild.Arity
}

// Scalar returns a single component value.
func Scalar(v float32) Value { return Value{V: [4]float32{v}, N: 1} }

// RGBA converts the value to a color the way fragment output would be widened: scalars are
// gray, vec2 has a zero blue channel and only vec4 carries alpha. Components are clamped to [0,1].
func (v Value) RGBA() color.RGBA {
	var c [4]float32
	switch v.N {
	case 1:
		c = [4]float32{v.V[0], v.V[0], v.V[0], 1}
	case 2:
		c = [4]float32{v.V[0], v.V[1], 0, 1}
	case 3:
		c = [4]float32{v.V[0], v.V[1], v.V[2], 1}
	default:
		c = v.V
	}
	return color.RGBA{R: unorm8(c[0]), G: unorm8(c[1]), B: unorm8(c[2]), A: unorm8(c[3])}
}

func unorm8(v float32) uint8 {
	if v != v { // NaN.
		return 0
	}
	return uint8(math32.Round(255 * math32.Max(0, math32.Min(1, v))))
}

var (
	// ErrNotEvaluable is returned when a graph contains nodes whose GLSL has no evaluator equivalent,
	// such as custom code nodes.
	ErrNotEvaluable         = errors.New("node not evaluable")
	errEmptyBuffers         = errors.New("empty buffers")
	errMismatchBufferLength = errors.New("fragment and value buffer length mismatch")
)

// QuadFragment returns the fragment a full-screen quad rasterizes at pixel (x,y) of a
// width by height target, with y increasing downward as in [image.Image].
func QuadFragment(x, y, width, height int) Fragment {
	fx := float32(x) + 0.5
	fy := float32(height-y) - 0.5
	u := fx / float32(width)
	v := fy / float32(height)
	return Fragment{
		UV:        ms2.Vec{X: u, Y: v},
		Normal:    ms3.Vec{Z: 1},
		Position:  ms3.Vec{X: 2*u - 1, Y: 2*v - 1},
		FragCoord: [4]float32{fx, fy, 0.5, 1},
	}
}

// RenderImage evaluates m over a full-screen quad covering dst, writing one value per pixel.
// Fragments are evaluated in batches of at most batchSize; batchSize <= 0 evaluates a row at a time.
func RenderImage(dst *image.RGBA, m Material, batchSize int, userData any) error {
	bounds := dst.Bounds()
	width, height := bounds.Dx(), bounds.Dy()
	if width == 0 || height == 0 {
		return errEmptyBuffers
	}
	if batchSize <= 0 {
		batchSize = width
	}
	total := width * height
	frags := make([]Fragment, min(batchSize, total))
	values := make([]Value, len(frags))
	for start := 0; start < total; start += len(frags) {
		n := min(len(frags), total-start)
		for i := 0; i < n; i++ {
			idx := start + i
			frags[i] = QuadFragment(idx%width, idx/width, width, height)
		}
		err := m.Evaluate(frags[:n], values[:n], userData)
		if err != nil {
			return err
		}
		for i, v := range values[:n] {
			idx := start + i
			dst.SetRGBA(bounds.Min.X+idx%width, bounds.Min.Y+idx/width, v.RGBA())
		}
	}
	return nil
}

// MergedUniforms returns the uniform values a compiled program of nodes would be fed, merged in
// the order given. Later nodes overwrite earlier ones on name collision.
func MergedUniforms(nodes []*gmat.Node) map[string]any {
	merged := make(map[string]any)
	for _, n := range nodes {
		maps.Copy(merged, n.Schema().Uniforms)
		maps.Copy(merged, n.Uniforms())
	}
	return merged
}

// graphNodes returns the distinct nodes of the graph in compilation order.
func graphNodes(root *gmat.Node) ([]*gmat.Node, error) {
	var nodes []*gmat.Node
	err := gmat.Walk(root, func(n *gmat.Node) error {
		nodes = append(nodes, n)
		return nil
	})
	return nodes, err
}
