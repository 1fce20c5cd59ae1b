// Package gmataux provides auxiliary rendering of material graphs to images and to an interactive window.
package gmataux

import (
	"context"
	"errors"
	"fmt"
	"image"
	"image/png"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/soypat/gmat"
	"github.com/soypat/gmat/glbuild"
	"github.com/soypat/gmat/gleval"
)

// RenderConfig configures [RenderPNG].
type RenderConfig struct {
	// Width and Height of the rendered image in pixels.
	Width, Height int
	// Time is the value of the time uniform the material is evaluated at.
	Time float32
	// UseGPU evaluates the material with a compute shader instead of the CPU.
	UseGPU bool
	// BatchSize is the amount of fragments evaluated per call. Zero evaluates one row at a time.
	BatchSize int
	// Logger receives progress messages. Nil discards them.
	Logger *slog.Logger
}

type uniformSetter interface {
	gleval.Material
	SetUniform(name string, value any)
}

// RenderPNG evaluates the material rooted at root over a screen quad and writes the result to w as a PNG image.
// Pixel (0,0) is the top left corner which corresponds to texture coordinates (0,1).
func RenderPNG(w io.Writer, root *gmat.Node, cfg RenderConfig) (err error) {
	if w == nil {
		return errors.New("RenderPNG requires output writer")
	} else if cfg.Width <= 0 || cfg.Height <= 0 {
		return fmt.Errorf("invalid image size %dx%d", cfg.Width, cfg.Height)
	}
	log := cfg.Logger
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	watch := stopwatch()
	var m uniformSetter
	if cfg.UseGPU {
		log.Info("evaluating material", "device", "gpu")
		terminate, err := gleval.Init1x1GLFW()
		if err != nil {
			return err
		}
		defer terminate()
		gpu, err := gleval.NewComputeGPU(root, gleval.ComputeConfig{InvocX: 64})
		if err != nil {
			return err
		}
		defer gpu.Delete()
		m = gpu
	} else {
		log.Info("evaluating material", "device", "cpu")
		m, err = gleval.NewCPU(root)
		if err != nil {
			return err
		}
	}
	log.Debug("instantiated evaluator", "elapsed", watch())
	m.SetUniform(gmat.UniformTime, cfg.Time)

	watch = stopwatch()
	img := image.NewRGBA(image.Rect(0, 0, cfg.Width, cfg.Height))
	err = gleval.RenderImage(img, m, cfg.BatchSize, nil)
	if err != nil {
		return fmt.Errorf("rendering material: %w", err)
	}
	attrs := []any{"width", cfg.Width, "height", cfg.Height, "elapsed", watch()}
	if cpu, ok := m.(*gleval.CPU); ok {
		attrs = append(attrs, "evaluations", cpu.Evaluations())
	}
	log.Info("rendered image", attrs...)

	watch = stopwatch()
	err = png.Encode(w, img)
	if err != nil {
		return fmt.Errorf("encoding PNG: %w", err)
	}
	filename := "PNG"
	if fp, ok := w.(*os.File); ok {
		filename = fp.Name()
	}
	log.Info("wrote image", "file", filename, "elapsed", watch())
	return nil
}

// WriteShaders compiles the material rooted at root and writes its fragment shader to frag and
// the matching screen quad vertex shader to vert. Either writer may be nil.
func WriteShaders(root *gmat.Node, frag, vert io.Writer) (glbuild.Unit, error) {
	unit, err := gmat.Compile(root)
	if err != nil {
		return unit, err
	}
	programmer := glbuild.NewDefaultProgrammer()
	if frag != nil {
		_, err = programmer.WriteFragment(frag, unit)
		if err != nil {
			return unit, fmt.Errorf("writing fragment shader: %w", err)
		}
	}
	if vert != nil {
		_, err = programmer.WriteVertex(vert, unit)
		if err != nil {
			return unit, fmt.Errorf("writing vertex shader: %w", err)
		}
	}
	return unit, nil
}

// UIConfig configures [UI].
type UIConfig struct {
	// Width and Height of the window in pixels.
	Width, Height int
	// Context cancels the render loop when done. May be nil.
	Context context.Context
	// Logger receives shader sources and progress messages. Nil discards them.
	Logger *slog.Logger
}

// UI opens a window rendering the material rooted at root over a screen quad until the window is closed.
// The time uniform advances with wall time and uniform changes made with [gmat.Node.SetUniform]
// from other goroutines are uploaded on the next frame. Must be called from the main goroutine.
func UI(root *gmat.Node, cfg UIConfig) error {
	if cfg.Width <= 0 || cfg.Height <= 0 {
		return fmt.Errorf("invalid window size %dx%d", cfg.Width, cfg.Height)
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.DiscardHandler)
	}
	return ui(root, cfg)
}

// uploadUniforms sets every uniform of unit and then the current value of uniforms
// changed since unit was compiled, so that concurrent changes are not lost.
func uploadUniforms(root *gmat.Node, unit glbuild.Unit, set func(name string, value any) error) error {
	for name, value := range unit.Uniforms {
		err := set(name, value)
		if err != nil {
			return err
		}
	}
	return gmat.FlushUniforms(root, func(n *gmat.Node, name string, value any) error {
		return set(name, value)
	})
}

func stopwatch() func() time.Duration {
	start := time.Now()
	return func() time.Duration {
		return time.Since(start)
	}
}
