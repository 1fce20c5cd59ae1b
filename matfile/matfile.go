// Package matfile reads and writes material graphs described in HCL.
//
//	node "base" {
//	  kind   = "vec3"
//	  inputs = [1, 0.5, 0.25]
//	}
//	node "tint" {
//	  kind     = "parameter"
//	  uniforms = { u_Tint = 0.5 }
//	}
//	node "out" {
//	  kind   = "multiply"
//	  inputs = [base, "tint"]
//	}
//	output = out
//
// Numbers are scalar inputs and tuples of 2 to 4 numbers are vector literals. Nodes are referenced
// by name, either quoted or as a bare identifier, and only nodes declared earlier in the file can be
// referenced so the graph is acyclic by construction.
package matfile

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/hashicorp/hcl/v2"
	"github.com/hashicorp/hcl/v2/gohcl"
	"github.com/hashicorp/hcl/v2/hclparse"
	"github.com/soypat/gmat"
	"github.com/soypat/gmat/glbuild"
	"github.com/zclconf/go-cty/cty"
	"github.com/zclconf/go-cty/cty/gocty"
)

// Material is a decoded material file.
type Material struct {
	// Root is the output node.
	Root *gmat.Node
	// Nodes maps node names to constructed nodes.
	Nodes map[string]*gmat.Node
	// Order holds node names in declaration order.
	Order []string
}

type hclFile struct {
	Nodes  []*hclNode     `hcl:"node,block"`
	Output hcl.Expression `hcl:"output"`
}

type hclNode struct {
	Name     string         `hcl:"name,label"`
	Kind     string         `hcl:"kind,optional"`
	Inputs   hcl.Expression `hcl:"inputs,optional"`
	Uniforms hcl.Expression `hcl:"uniforms,optional"`
	Varyings hcl.Expression `hcl:"varyings,optional"`
	Code     string         `hcl:"code,optional"`
	Texture  string         `hcl:"texture,optional"`
}

// Load reads and decodes the material file at path. Nodes are constructed from reg's expression
// kinds, or [gmat.DefaultRegistry] if reg is nil.
func Load(path string, reg *gmat.Registry) (*Material, error) {
	src, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return Parse(src, path, reg)
}

// Parse decodes a material file. filename is used in diagnostics and to resolve relative texture paths.
func Parse(src []byte, filename string, reg *gmat.Registry) (*Material, error) {
	file, diags := hclparse.NewParser().ParseHCL(src, filename)
	if diags.HasErrors() {
		return nil, fmt.Errorf("failed to parse material file %s: %w", filename, diags)
	}
	var parsed hclFile
	diags = gohcl.DecodeBody(file.Body, nil, &parsed)
	if diags.HasErrors() {
		return nil, fmt.Errorf("failed to decode material file %s: %w", filename, diags)
	}
	if reg == nil {
		reg = gmat.DefaultRegistry()
	}
	d := decoder{
		bld:  gmat.NewBuilder(reg),
		dir:  filepath.Dir(filename),
		vars: make(map[string]cty.Value),
		mat: &Material{
			Nodes: make(map[string]*gmat.Node, len(parsed.Nodes)),
		},
	}
	d.bld.SetFlags(gmat.FlagNoPanic)
	for _, block := range parsed.Nodes {
		err := d.decodeNode(block)
		if err != nil {
			return nil, fmt.Errorf("%s: node %q: %w", filename, block.Name, err)
		}
	}
	out, err := d.ref(parsed.Output)
	if err != nil {
		return nil, fmt.Errorf("%s: output: %w", filename, err)
	}
	d.mat.Root = out
	return d.mat, nil
}

type decoder struct {
	bld  *gmat.Builder
	dir  string
	vars map[string]cty.Value
	mat  *Material
}

func (d *decoder) evalCtx() *hcl.EvalContext {
	return &hcl.EvalContext{Variables: d.vars}
}

func (d *decoder) decodeNode(block *hclNode) error {
	if block.Name == "" {
		return errors.New("empty node name")
	} else if _, ok := d.mat.Nodes[block.Name]; ok {
		return errors.New("duplicate node name")
	}
	inputs, err := d.inputs(block.Inputs)
	if err != nil {
		return err
	}
	uniforms, err := d.uniforms(block.Uniforms)
	if err != nil {
		return err
	}
	varyings, err := d.varyings(block.Varyings)
	if err != nil {
		return err
	}
	var n *gmat.Node
	switch {
	case block.Code != "":
		if block.Kind != "" && block.Kind != gmat.KindCustom {
			return fmt.Errorf("code attribute requires kind %q, got %q", gmat.KindCustom, block.Kind)
		}
		n = d.bld.Custom(block.Code, inputs, uniforms)
	case block.Texture != "":
		if block.Kind != "" && block.Kind != gmat.KindImage {
			return fmt.Errorf("texture attribute requires kind %q, got %q", gmat.KindImage, block.Kind)
		}
		path := block.Texture
		if !filepath.IsAbs(path) {
			path = filepath.Join(d.dir, path)
		}
		n = d.bld.New(gmat.KindImage, inputs, gmat.Options{Texture: path, Uniforms: uniforms, Varyings: varyings})
	case block.Kind == gmat.KindParameter && len(uniforms) == 1 && len(inputs) == 0:
		for name, value := range uniforms {
			n = d.bld.Parameter(name, value)
		}
	case block.Kind == "":
		return errors.New("missing kind")
	default:
		n = d.bld.New(block.Kind, inputs, gmat.Options{Uniforms: uniforms, Varyings: varyings})
	}
	if err = d.bld.Err(); err != nil {
		d.bld.ClearErrors()
		return err
	}
	d.mat.Nodes[block.Name] = n
	d.mat.Order = append(d.mat.Order, block.Name)
	d.vars[block.Name] = cty.StringVal(block.Name)
	return nil
}

// ref resolves an expression evaluating to the name of a declared node.
func (d *decoder) ref(expr hcl.Expression) (*gmat.Node, error) {
	v, diags := expr.Value(d.evalCtx())
	if diags.HasErrors() {
		return nil, diags
	} else if v.IsNull() || v.Type() != cty.String {
		return nil, fmt.Errorf("%s: want node name", expr.Range())
	}
	return d.node(v.AsString())
}

func (d *decoder) node(name string) (*gmat.Node, error) {
	n, ok := d.mat.Nodes[name]
	if !ok {
		return nil, fmt.Errorf("reference to undeclared node %q", name)
	}
	return n, nil
}

func (d *decoder) inputs(expr hcl.Expression) ([]any, error) {
	v, diags := expr.Value(d.evalCtx())
	if diags.HasErrors() {
		return nil, diags
	} else if v.IsNull() {
		return nil, nil
	}
	ty := v.Type()
	if !ty.IsTupleType() && !ty.IsListType() {
		return nil, fmt.Errorf("%s: inputs must be a list", expr.Range())
	}
	var inputs []any
	it := v.ElementIterator()
	for it.Next() {
		_, elem := it.Element()
		in, err := d.input(elem)
		if err != nil {
			return nil, fmt.Errorf("%s: input %d: %w", expr.Range(), len(inputs)+1, err)
		}
		inputs = append(inputs, in)
	}
	return inputs, nil
}

func (d *decoder) input(v cty.Value) (any, error) {
	if v.IsNull() || !v.IsKnown() {
		return nil, errors.New("null input")
	}
	ty := v.Type()
	switch {
	case ty == cty.String:
		return d.node(v.AsString())
	case ty == cty.Number:
		var f float32
		if err := gocty.FromCtyValue(v, &f); err != nil {
			return nil, err
		}
		return gmat.Scalar(f), nil
	case ty.IsTupleType() || ty.IsListType():
		vec, err := floats(v)
		if err != nil {
			return nil, err
		}
		return gmat.Vec(vec), nil
	}
	return nil, fmt.Errorf("unsupported input type %s", ty.FriendlyName())
}

func (d *decoder) uniforms(expr hcl.Expression) (map[string]any, error) {
	v, diags := expr.Value(d.evalCtx())
	if diags.HasErrors() {
		return nil, diags
	} else if v.IsNull() {
		return nil, nil
	} else if !v.Type().IsObjectType() && !v.Type().IsMapType() {
		return nil, fmt.Errorf("%s: uniforms must be an object", expr.Range())
	}
	uniforms := make(map[string]any)
	it := v.ElementIterator()
	for it.Next() {
		key, val := it.Element()
		name := key.AsString()
		u, err := uniformValue(val)
		if err != nil {
			return nil, fmt.Errorf("%s: uniform %q: %w", expr.Range(), name, err)
		}
		uniforms[name] = u
	}
	return uniforms, nil
}

// uniformValue converts numbers to float32, number tuples to float arrays and keeps booleans.
func uniformValue(v cty.Value) (any, error) {
	if v.IsNull() || !v.IsKnown() {
		return nil, errors.New("null uniform value")
	}
	ty := v.Type()
	switch {
	case ty == cty.Number:
		var f float32
		err := gocty.FromCtyValue(v, &f)
		return f, err
	case ty == cty.Bool:
		return v.True(), nil
	case ty.IsTupleType() || ty.IsListType():
		vec, err := floats(v)
		if err != nil {
			return nil, err
		}
		switch len(vec) {
		case 2:
			return [2]float32(vec), nil
		case 3:
			return [3]float32(vec), nil
		case 4:
			return [4]float32(vec), nil
		}
		return nil, fmt.Errorf("%w: length %d", gmat.ErrMalformedLiteral, len(vec))
	}
	return nil, fmt.Errorf("unsupported uniform type %s", ty.FriendlyName())
}

func (d *decoder) varyings(expr hcl.Expression) (map[string]glbuild.Arity, error) {
	v, diags := expr.Value(d.evalCtx())
	if diags.HasErrors() {
		return nil, diags
	} else if v.IsNull() {
		return nil, nil
	}
	if !v.Type().IsObjectType() && !v.Type().IsMapType() {
		return nil, fmt.Errorf("%s: varyings must map names to arities", expr.Range())
	}
	varyings := make(map[string]glbuild.Arity)
	it := v.ElementIterator()
	for it.Next() {
		key, val := it.Element()
		name := key.AsString()
		var a int
		if val.IsNull() || val.Type() != cty.Number {
			return nil, fmt.Errorf("%s: varying %q arity must be a number", expr.Range(), name)
		} else if err := gocty.FromCtyValue(val, &a); err != nil {
			return nil, fmt.Errorf("%s: varying %q: %w", expr.Range(), name, err)
		} else if a < 1 || a > 4 {
			return nil, fmt.Errorf("%s: varying %q arity %d out of range 1..4", expr.Range(), name, a)
		}
		varyings[name] = glbuild.Arity(a)
	}
	return varyings, nil
}

func floats(v cty.Value) ([]float32, error) {
	var vec []float32
	it := v.ElementIterator()
	for it.Next() {
		_, elem := it.Element()
		if elem.IsNull() || elem.Type() != cty.Number {
			return nil, errors.New("vector literal components must be numbers")
		}
		var f float32
		if err := gocty.FromCtyValue(elem, &f); err != nil {
			return nil, err
		}
		vec = append(vec, f)
	}
	return vec, nil
}
