//go:build tinygo || !cgo

package gleval

import (
	"errors"

	"github.com/soypat/gmat"
	"github.com/soypat/gmat/glbuild"
)

var errNoCGO = errors.New("GPU evaluation requires CGo and is not supported on TinyGo")

// Init1x1GLFW starts a hidden 1x1 sized GLFW window so that user can start working with GPU.
func Init1x1GLFW() (terminate func(), err error) {
	return nil, errNoCGO
}

// ComputeConfig configures GPU compute evaluation.
type ComputeConfig struct {
	InvocX int
}

type ComputeGPU struct{}

// NewComputeGPU compiles the graph rooted at root into a compute program.
func NewComputeGPU(root *gmat.Node, cfg ComputeConfig) (*ComputeGPU, error) {
	return nil, errNoCGO
}

func (gpu *ComputeGPU) Arity() glbuild.Arity { return 0 }

func (gpu *ComputeGPU) SetUniform(name string, value any) {}

func (gpu *ComputeGPU) Source() []byte { return nil }

func (gpu *ComputeGPU) Delete() {}

func (gpu *ComputeGPU) Evaluate(frags []Fragment, dst []Value, userData any) error {
	return errNoCGO
}
