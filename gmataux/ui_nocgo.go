//go:build tinygo || !cgo

package gmataux

import (
	"errors"

	"github.com/soypat/gmat"
)

func ui(root *gmat.Node, cfg UIConfig) error {
	return errors.New("require cgo for UI rendering")
}
