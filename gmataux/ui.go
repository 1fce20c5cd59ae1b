//go:build !tinygo && cgo

package gmataux

import (
	"bytes"
	"fmt"
	"image"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/go-gl/gl/v4.6-core/gl"
	"github.com/go-gl/glfw/v3.3/glfw"
	"github.com/soypat/glgl/v4.6-core/glgl"
	"github.com/soypat/gmat"
	"github.com/soypat/gmat/glbuild"
	"github.com/soypat/gmat/gleval"
)

func ui(root *gmat.Node, cfg UIConfig) error {
	log := cfg.Logger
	var fragSrc, vertSrc bytes.Buffer
	unit, err := WriteShaders(root, &fragSrc, &vertSrc)
	if err != nil {
		return err
	}
	log.Debug("compiled material", "statements", strings.Count(unit.Code, ";"), "textures", len(unit.Textures))
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()
	window, term, err := startGLFW(cfg.Width, cfg.Height)
	if err != nil {
		return err
	}
	defer term()

	fragSrc.WriteByte(0)
	vertSrc.WriteByte(0)
	prog, err := glgl.CompileProgram(glgl.ShaderSource{
		Vertex:   vertSrc.String(),
		Fragment: fragSrc.String(),
	})
	if err != nil {
		return fmt.Errorf("%s\n\n%w", fragSrc.Bytes()[:fragSrc.Len()-1], err)
	}
	defer prog.Delete()
	prog.Bind()

	// Define a quad covering the screen
	var vao uint32
	gl.GenVertexArrays(1, &vao)
	gl.BindVertexArray(vao)
	defer gl.DeleteVertexArrays(1, &vao)
	var vbo uint32
	gl.GenBuffers(1, &vbo)
	gl.BindBuffer(gl.ARRAY_BUFFER, vbo)
	defer gl.DeleteBuffers(1, &vbo)
	vertices := []float32{
		-1.0, -1.0,
		1.0, -1.0,
		-1.0, 1.0,
		-1.0, 1.0,
		1.0, -1.0,
		1.0, 1.0,
	}
	gl.BufferData(gl.ARRAY_BUFFER, 4*len(vertices), gl.Ptr(vertices), gl.STATIC_DRAW)
	posAttrib, err := prog.AttribLocation(glbuild.QuadAttribute + "\x00")
	if err != nil {
		return err
	}
	gl.EnableVertexAttribArray(posAttrib)
	gl.VertexAttribPointer(posAttrib, 2, gl.FLOAT, false, 0, gl.PtrOffset(0))

	texIDs, err := uploadTextures(prog, unit)
	if err != nil {
		return err
	}
	if len(texIDs) > 0 {
		defer gl.DeleteTextures(int32(len(texIDs)), &texIDs[0])
	}
	err = uploadUniforms(root, unit, func(name string, value any) error {
		return gleval.SetUniform(prog, name, value)
	})
	if err != nil {
		return err
	}
	timeLoc, _ := prog.UniformLocation(gmat.UniformTime + "\x00")

	log.Info("rendering material", "width", cfg.Width, "height", cfg.Height)
	ctx := cfg.Context
	start := glfw.GetTime()
	frames := 0
	for !window.ShouldClose() {
		if ctx != nil {
			select {
			case <-ctx.Done():
				return ctx.Err()
			default:
			}
		}
		gl.ClearColor(0.0, 0.0, 0.0, 1.0)
		gl.Clear(gl.COLOR_BUFFER_BIT)

		prog.Bind()
		err = gmat.FlushUniforms(root, func(n *gmat.Node, name string, value any) error {
			return gleval.SetUniform(prog, name, value)
		})
		if err != nil {
			return err
		}
		if timeLoc >= 0 {
			gl.Uniform1f(timeLoc, float32(glfw.GetTime()-start))
		}
		gl.BindVertexArray(vao)
		gl.DrawArrays(gl.TRIANGLES, 0, 6)
		window.SwapBuffers()
		frames++

		// Limit frame rate
		time.Sleep(time.Second / 60)
		glfw.PollEvents()
	}
	log.Info("closed window", "frames", frames, "elapsed", time.Duration(float64(time.Second)*(glfw.GetTime()-start)))
	return glgl.Err()
}

// uploadTextures binds the unit's textures to consecutive texture units in slot order.
// Rows are flipped so that texture coordinate v=0 samples the bottom row of the image.
func uploadTextures(prog glgl.Program, unit glbuild.Unit) ([]uint32, error) {
	if len(unit.Textures) == 0 {
		return nil, nil
	}
	ids := make([]uint32, len(unit.Textures))
	gl.GenTextures(int32(len(ids)), &ids[0])
	for slot, tex := range unit.Textures {
		img, err := tex.RGBA()
		if err != nil {
			gl.DeleteTextures(int32(len(ids)), &ids[0])
			return nil, err
		}
		pix := flipRows(img)
		gl.ActiveTexture(gl.TEXTURE0 + uint32(slot))
		gl.BindTexture(gl.TEXTURE_2D, ids[slot])
		gl.TexParameteri(gl.TEXTURE_2D, gl.TEXTURE_MIN_FILTER, gl.NEAREST)
		gl.TexParameteri(gl.TEXTURE_2D, gl.TEXTURE_MAG_FILTER, gl.NEAREST)
		gl.TexParameteri(gl.TEXTURE_2D, gl.TEXTURE_WRAP_S, gl.CLAMP_TO_EDGE)
		gl.TexParameteri(gl.TEXTURE_2D, gl.TEXTURE_WRAP_T, gl.CLAMP_TO_EDGE)
		b := img.Bounds()
		gl.TexImage2D(gl.TEXTURE_2D, 0, gl.RGBA, int32(b.Dx()), int32(b.Dy()), 0, gl.RGBA, gl.UNSIGNED_BYTE, gl.Ptr(pix))
		loc, err := prog.UniformLocation(glbuild.TextureArray + "[" + strconv.Itoa(slot) + "]\x00")
		if err == nil && loc >= 0 {
			gl.Uniform1i(loc, int32(slot))
		}
	}
	return ids, glgl.Err()
}

func flipRows(img *image.RGBA) []uint8 {
	b := img.Bounds()
	rowLen := 4 * b.Dx()
	pix := make([]uint8, rowLen*b.Dy())
	for y := 0; y < b.Dy(); y++ {
		src := img.Pix[y*img.Stride : y*img.Stride+rowLen]
		copy(pix[(b.Dy()-1-y)*rowLen:], src)
	}
	return pix
}

func startGLFW(width, height int) (window *glfw.Window, term func(), err error) {
	if err := glfw.Init(); err != nil {
		return nil, nil, fmt.Errorf("initializing GLFW: %w", err)
	}
	glfw.WindowHint(glfw.ContextVersionMajor, 4)
	glfw.WindowHint(glfw.ContextVersionMinor, 6)
	glfw.WindowHint(glfw.OpenGLProfile, glfw.OpenGLCoreProfile)
	glfw.WindowHint(glfw.Resizable, glfw.False)

	window, err = glfw.CreateWindow(width, height, "gmat material preview", nil, nil)
	if err != nil {
		glfw.Terminate()
		return nil, nil, fmt.Errorf("creating GLFW window: %w", err)
	}
	window.MakeContextCurrent()
	if err := gl.Init(); err != nil {
		glfw.Terminate()
		return nil, nil, fmt.Errorf("initializing OpenGL: %w", err)
	}
	return window, glfw.Terminate, nil
}
