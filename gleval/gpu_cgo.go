//go:build !tinygo && cgo

package gleval

import (
	"bytes"
	"errors"
	"fmt"
	"maps"
	"runtime"
	"slices"
	"unsafe"

	"github.com/go-gl/gl/v4.6-core/gl"
	"github.com/go-gl/glfw/v3.3/glfw"
	"github.com/soypat/glgl/v4.6-core/glgl"
	"github.com/soypat/gmat"
	"github.com/soypat/gmat/glbuild"
)

// Init1x1GLFW starts a hidden 1x1 sized GLFW window so that user can start working with GPU.
// It returns a termination function that should be called when user is done running loads on GPU.
func Init1x1GLFW() (terminate func(), err error) {
	runtime.LockOSThread()
	err = glfw.Init()
	if err != nil {
		runtime.UnlockOSThread()
		return nil, fmt.Errorf("initializing GLFW: %w", err)
	}
	glfw.WindowHint(glfw.ContextVersionMajor, 4)
	glfw.WindowHint(glfw.ContextVersionMinor, 6)
	glfw.WindowHint(glfw.OpenGLProfile, glfw.OpenGLCoreProfile)
	glfw.WindowHint(glfw.Visible, glfw.False)
	window, err := glfw.CreateWindow(1, 1, "compute", nil, nil)
	if err != nil {
		glfw.Terminate()
		runtime.UnlockOSThread()
		return nil, fmt.Errorf("creating GLFW window: %w", err)
	}
	window.MakeContextCurrent()
	err = gl.Init()
	if err != nil {
		window.Destroy()
		glfw.Terminate()
		runtime.UnlockOSThread()
		return nil, fmt.Errorf("initializing OpenGL: %w", err)
	}
	return func() {
		window.Destroy()
		glfw.Terminate()
		runtime.UnlockOSThread()
	}, nil
}

// ComputeConfig configures GPU compute evaluation.
type ComputeConfig struct {
	// InvocX is the local work group size of the compute program.
	InvocX int
}

// ComputeGPU evaluates a material graph with a compute shader. Requires a current OpenGL 4.6 context,
// see [Init1x1GLFW]. Graphs sampling textures or reading the fragment coordinate are not supported.
type ComputeGPU struct {
	prog      glgl.Program
	nodes     []*gmat.Node
	arity     glbuild.Arity
	invocX    int
	overrides map[string]any
	in        []float32
	out       []float32
	source    []byte
}

// NewComputeGPU compiles the graph rooted at root into a compute program.
func NewComputeGPU(root *gmat.Node, cfg ComputeConfig) (*ComputeGPU, error) {
	if cfg.InvocX <= 0 {
		return nil, errors.New("invalid compute InvocX")
	}
	unit, err := gmat.Compile(root)
	if err != nil {
		return nil, err
	}
	nodes, err := graphNodes(root)
	if err != nil {
		return nil, err
	}
	var source bytes.Buffer
	_, err = glbuild.NewDefaultProgrammer().WriteCompute(&source, unit, cfg.InvocX)
	if err != nil {
		return nil, err
	}
	source.WriteByte(0)
	prog, err := glgl.CompileProgram(glgl.ShaderSource{Compute: source.String()})
	if err != nil {
		return nil, fmt.Errorf("%s\n%w", source.Bytes()[:source.Len()-1], err)
	}
	return &ComputeGPU{
		prog:   prog,
		nodes:  nodes,
		arity:  unit.Arity,
		invocX: cfg.InvocX,
		source: source.Bytes(),
	}, nil
}

// Arity returns the arity of the root node.
func (gpu *ComputeGPU) Arity() glbuild.Arity { return gpu.arity }

// SetUniform overrides the value of the named uniform, see [CPU.SetUniform].
func (gpu *ComputeGPU) SetUniform(name string, value any) {
	if value == nil {
		delete(gpu.overrides, name)
		return
	}
	if gpu.overrides == nil {
		gpu.overrides = make(map[string]any)
	}
	gpu.overrides[name] = value
}

// Source returns the GLSL source of the compute program.
func (gpu *ComputeGPU) Source() []byte { return gpu.source[:len(gpu.source)-1] }

// Delete releases the compute program.
func (gpu *ComputeGPU) Delete() { gpu.prog.Delete() }

// Evaluate implements the [Material] interface.
func (gpu *ComputeGPU) Evaluate(frags []Fragment, dst []Value, userData any) error {
	if len(frags) != len(dst) {
		return errMismatchBufferLength
	} else if len(frags) == 0 {
		return errEmptyBuffers
	}
	gpu.prog.Bind()
	defer gpu.prog.Unbind()
	uniforms := MergedUniforms(gpu.nodes)
	maps.Copy(uniforms, gpu.overrides)
	for name, value := range uniforms {
		err := SetUniform(gpu.prog, name, value)
		if err != nil {
			return err
		}
	}
	gpu.in = slices.Grow(gpu.in[:0], 4*glbuild.ComputeInputStride*len(frags))
	for i := range frags {
		f := &frags[i]
		gpu.in = append(gpu.in,
			f.UV.X, f.UV.Y, 0, 0,
			f.Normal.X, f.Normal.Y, f.Normal.Z, 0,
			f.Position.X, f.Position.Y, f.Position.Z, 0,
		)
	}
	if cap(gpu.out) < 4*len(dst) {
		gpu.out = make([]float32, 4*len(dst))
	}
	gpu.out = gpu.out[:4*len(dst)]

	var p runtime.Pinner
	var inSSBO, outSSBO uint32
	p.Pin(&inSSBO)
	p.Pin(&outSSBO)
	defer p.Unpin()
	inSSBO = loadSSBO(gpu.in, 0, gl.STATIC_DRAW)
	if inSSBO == 0 {
		return glErrOrMessage("zero SSBO id set by GL during compute loading")
	}
	defer gl.DeleteBuffers(1, &inSSBO)
	outSSBO = createSSBO(elemSize[float32]()*len(gpu.out), 1, gl.DYNAMIC_READ)
	if outSSBO == 0 {
		return glErrOrMessage("zero id SSBO creating output buffer")
	}
	defer gl.DeleteBuffers(1, &outSSBO)
	nWorkX := (len(dst) + gpu.invocX - 1) / gpu.invocX
	gl.DispatchCompute(uint32(nWorkX), 1, 1)
	gl.MemoryBarrier(gl.SHADER_STORAGE_BARRIER_BIT)
	err := copySSBO(gpu.out, outSSBO)
	if err != nil {
		return err
	}
	for i := range dst {
		dst[i].N = gpu.arity
		copy(dst[i].V[:], gpu.out[4*i:4*i+4])
		for j := int(gpu.arity); j < 4; j++ {
			dst[i].V[j] = 0
		}
	}
	return glgl.Err()
}

// SetUniform sets the uniform of the currently bound program prog from a Go value.
// Uniforms the GLSL compiler optimized out are silently ignored.
func SetUniform(prog glgl.Program, name string, value any) error {
	loc, err := prog.UniformLocation(name + "\x00")
	if err != nil || loc < 0 {
		return nil
	}
	switch v := value.(type) {
	case int32:
		gl.Uniform1i(loc, v)
	case int:
		gl.Uniform1i(loc, int32(v))
	case uint32:
		gl.Uniform1ui(loc, v)
	case bool:
		var b int32
		if v {
			b = 1
		}
		gl.Uniform1i(loc, b)
	default:
		c, n := glbuild.UniformComponents(value)
		switch n {
		case 1:
			gl.Uniform1f(loc, c[0])
		case 2:
			gl.Uniform2f(loc, c[0], c[1])
		case 3:
			gl.Uniform3f(loc, c[0], c[1], c[2])
		case 4:
			gl.Uniform4f(loc, c[0], c[1], c[2], c[3])
		default:
			return fmt.Errorf("uniform %q: unsupported value type %T", name, value)
		}
	}
	return glgl.Err()
}

func loadSSBO[T any](slice []T, base, usage uint32) (ssbo uint32) {
	var p runtime.Pinner
	p.Pin(&ssbo)
	gl.GenBuffers(1, &ssbo)
	p.Unpin()
	gl.BindBuffer(gl.SHADER_STORAGE_BUFFER, ssbo)
	size := len(slice) * elemSize[T]()
	gl.BufferData(gl.SHADER_STORAGE_BUFFER, size, unsafe.Pointer(&slice[0]), usage)
	gl.BindBufferBase(gl.SHADER_STORAGE_BUFFER, base, ssbo)
	return ssbo
}

func createSSBO(size int, base, usage uint32) (ssbo uint32) {
	gl.GenBuffers(1, &ssbo)
	gl.BindBuffer(gl.SHADER_STORAGE_BUFFER, ssbo)
	gl.BufferData(gl.SHADER_STORAGE_BUFFER, size, nil, usage)
	gl.BindBufferBase(gl.SHADER_STORAGE_BUFFER, base, ssbo)
	return ssbo
}

func copySSBO[T any](dst []T, ssbo uint32) error {
	singleSize := elemSize[T]()
	bufSize := singleSize * len(dst)
	gl.BindBuffer(gl.SHADER_STORAGE_BUFFER, ssbo)
	ptr := gl.MapBufferRange(gl.SHADER_STORAGE_BUFFER, 0, bufSize, gl.MAP_READ_BIT)
	if ptr == nil {
		return glErrOrMessage("failed to map SSBO buffer during copy")
	}
	defer gl.UnmapBuffer(gl.SHADER_STORAGE_BUFFER)
	gpuBytes := unsafe.Slice((*byte)(ptr), bufSize)
	bufBytes := unsafe.Slice((*byte)(unsafe.Pointer(&dst[0])), bufSize)
	copy(bufBytes, gpuBytes)
	return nil
}

func elemSize[T any]() int {
	var z T
	return int(unsafe.Sizeof(z))
}

func glErrOrMessage(defaultMsg string) (err error) {
	err = glgl.Err()
	if err == nil {
		err = errors.New(defaultMsg)
	} else {
		err = fmt.Errorf("%s: %w", defaultMsg, err)
	}
	return err
}
