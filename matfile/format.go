package matfile

import (
	"errors"
	"fmt"
	"maps"
	"path/filepath"
	"slices"

	"github.com/hashicorp/hcl/v2/hclwrite"
	"github.com/soypat/gmat"
	"github.com/soypat/gmat/glbuild"
	"github.com/zclconf/go-cty/cty"
)

// Format serializes the graph rooted at root into a material file that [Parse] decodes into an
// equivalent graph. Nodes are named by their labels. Relative texture paths are rewritten relative
// to dir, the directory the file will be read from; empty dir leaves paths unchanged.
// Textures sourced from images and not files cannot be serialized.
func Format(root *gmat.Node, dir string) ([]byte, error) {
	f := hclwrite.NewEmptyFile()
	body := f.Body()
	err := gmat.Walk(root, func(n *gmat.Node) error {
		block := body.AppendNewBlock("node", []string{n.Label()})
		err := formatNode(block.Body(), n, dir)
		if err != nil {
			return fmt.Errorf("%s: %w", n, err)
		}
		body.AppendNewline()
		return nil
	})
	if err != nil {
		return nil, err
	}
	body.SetAttributeRaw("output", hclwrite.TokensForIdentifier(root.Label()))
	return hclwrite.Format(f.Bytes()), nil
}

func formatNode(body *hclwrite.Body, n *gmat.Node, dir string) error {
	schema := n.Schema()
	uniforms := n.Uniforms()
	switch n.Name() {
	case gmat.KindCustom:
		body.SetAttributeValue("code", cty.StringVal(schema.Chunk))
		merged := maps.Clone(schema.Uniforms)
		if merged == nil {
			merged = make(map[string]any)
		}
		maps.Copy(merged, uniforms)
		uniforms = merged
	case gmat.KindImage:
		body.SetAttributeValue("kind", cty.StringVal(gmat.KindImage))
		tex := n.Texture()
		if tex == nil {
			return errors.New("image node without texture")
		}
		path, ok := tex.Source().(string)
		if !ok {
			return fmt.Errorf("texture source %T not serializable", tex.Source())
		}
		if dir != "" && !filepath.IsAbs(path) {
			rel, err := filepath.Rel(dir, path)
			if err != nil {
				return err
			}
			path = rel
		}
		body.SetAttributeValue("texture", cty.StringVal(filepath.ToSlash(path)))
	default:
		body.SetAttributeValue("kind", cty.StringVal(n.Name()))
	}

	if inputs := n.Inputs(); len(inputs) > 0 {
		elems := make([]hclwrite.Tokens, len(inputs))
		for i, in := range inputs {
			switch v := in.(type) {
			case *gmat.Node:
				elems[i] = hclwrite.TokensForIdentifier(v.Label())
			case gmat.Scalar:
				elems[i] = hclwrite.TokensForValue(cty.NumberFloatVal(float64(v)))
			case gmat.Vec:
				elems[i] = hclwrite.TokensForValue(floatTuple(v))
			}
		}
		body.SetAttributeRaw("inputs", hclwrite.TokensForTuple(elems))
	}

	if len(uniforms) > 0 {
		attrs := make(map[string]cty.Value, len(uniforms))
		for name, value := range uniforms {
			v, err := uniformCty(value)
			if err != nil {
				return fmt.Errorf("uniform %q: %w", name, err)
			}
			attrs[name] = v
		}
		body.SetAttributeValue("uniforms", cty.ObjectVal(attrs))
	}

	if varyings := n.Varyings(); len(varyings) > 0 {
		attrs := make(map[string]cty.Value, len(varyings))
		for _, name := range slices.Sorted(maps.Keys(varyings)) {
			attrs[name] = cty.NumberIntVal(int64(varyings[name]))
		}
		body.SetAttributeValue("varyings", cty.ObjectVal(attrs))
	}
	return nil
}

func uniformCty(value any) (cty.Value, error) {
	switch v := value.(type) {
	case bool:
		return cty.BoolVal(v), nil
	case int32:
		return cty.NumberIntVal(int64(v)), nil
	case int:
		return cty.NumberIntVal(int64(v)), nil
	case uint32:
		return cty.NumberUIntVal(uint64(v)), nil
	}
	c, n := glbuild.UniformComponents(value)
	switch {
	case n == 1:
		return cty.NumberFloatVal(float64(c[0])), nil
	case n > 1:
		return floatTuple(c[:n]), nil
	}
	return cty.NilVal, fmt.Errorf("unsupported value type %T", value)
}

func floatTuple(v []float32) cty.Value {
	elems := make([]cty.Value, len(v))
	for i, f := range v {
		elems[i] = cty.NumberFloatVal(float64(f))
	}
	return cty.TupleVal(elems)
}
