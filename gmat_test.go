package gmat_test

import (
	"errors"
	"fmt"
	"image"
	"strings"
	"sync"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/soypat/gmat"
	"github.com/soypat/gmat/glbuild"
)

func TestScalarArity(t *testing.T) {
	for _, v := range []float32{0, 1, -1, 0.5, 1e20} {
		a, err := gmat.ResolveArity(gmat.Scalar(v))
		if err != nil {
			t.Fatal(err)
		} else if a != 1 {
			t.Errorf("scalar %v: want arity 1, got %d", v, a)
		}
	}
}

func TestVecLiteralArity(t *testing.T) {
	reg := gmat.NewRegistry(nil)
	for n := 0; n <= 5; n++ {
		lit := make(gmat.Vec, n)
		a, err := gmat.ResolveArity(lit)
		_, nodeErr := reg.NewNode("constant", []any{lit}, gmat.Options{})
		valid := n >= 2 && n <= 4
		if valid {
			if err != nil || nodeErr != nil {
				t.Errorf("length %d: unexpected errors %v, %v", n, err, nodeErr)
			} else if int(a) != n {
				t.Errorf("length %d: got arity %d", n, a)
			}
			continue
		}
		if !errors.Is(err, gmat.ErrMalformedLiteral) {
			t.Errorf("length %d: want ErrMalformedLiteral on resolve, got %v", n, err)
		}
		if !errors.Is(nodeErr, gmat.ErrMalformedLiteral) {
			t.Errorf("length %d: want ErrMalformedLiteral on construction, got %v", n, nodeErr)
		}
	}
}

func TestDotArity(t *testing.T) {
	var bld gmat.Builder
	for k := 2; k <= 4; k++ {
		v := make(gmat.Vec, k)
		a, err := bld.Dot(v, v).Arity()
		if err != nil {
			t.Fatal(err)
		} else if a != 1 {
			t.Errorf("dot of vec%d: want scalar, got %s", k, a)
		}
	}
	_, err := bld.Dot(gmat.Vec{1, 2, 3}, gmat.Vec{1, 2}).Arity()
	if !errors.Is(err, gmat.ErrUnresolvedArity) {
		t.Errorf("dot of mismatched vectors: want ErrUnresolvedArity, got %v", err)
	}
}

func TestBroadcastAsymmetry(t *testing.T) {
	var bld gmat.Builder
	ops := map[string]func(a, b any) *gmat.Node{
		"add":      bld.Add,
		"subtract": bld.Subtract,
		"multiply": bld.Multiply,
	}
	for name, op := range ops {
		for k := 2; k <= 4; k++ {
			vec := make(gmat.Vec, k)
			a, err := op(vec, 2).Arity()
			if err != nil {
				t.Errorf("%s(vec%d, scalar): %s", name, k, err)
			} else if int(a) != k {
				t.Errorf("%s(vec%d, scalar): got arity %d", name, k, a)
			}
			_, err = op(2, vec).Arity()
			if !errors.Is(err, gmat.ErrUnresolvedArity) {
				t.Errorf("%s(scalar, vec%d): want ErrUnresolvedArity, got %v", name, k, err)
			}
		}
	}
}

func TestCompileScaledVec3(t *testing.T) {
	var bld gmat.Builder
	v := bld.Vec3(1, 1, 1)
	scaled := bld.Multiply(v, 2)
	a, err := scaled.Arity()
	if err != nil {
		t.Fatal(err)
	} else if a != 3 {
		t.Fatalf("want arity 3, got %d", a)
	}
	unit, err := gmat.Compile(scaled)
	if err != nil {
		t.Fatal(err)
	}
	want := fmt.Sprintf("vec3 %s = vec3(1.000001, 1.000001, 1.000001);\nvec3 %s = %s * 2.000001;\nreturn %s;",
		v.Label(), scaled.Label(), v.Label(), scaled.Label())
	if unit.Code != want {
		t.Errorf("code mismatch:\n%s\nwant:\n%s", unit.Code, want)
	}
	if unit.ID != scaled.ID() {
		t.Errorf("unit id %d, want root id %d", unit.ID, scaled.ID())
	}
	if unit.Arity != 3 {
		t.Errorf("unit arity %d, want 3", unit.Arity)
	}
}

func TestCompileEndsWithReturn(t *testing.T) {
	var bld gmat.Builder
	roots := []*gmat.Node{
		bld.Time(),
		bld.Mix(bld.Vec3(0, 0, 0), bld.Normal(), bld.Sin(bld.Time())),
		bld.Clamp(bld.UV(), 0, 1),
		bld.Smoothstep(0, 1, bld.Cos(bld.Time())),
		bld.Step(0.5, bld.MeshPosition()),
		bld.Normalize(bld.FragCoord()),
	}
	for _, root := range roots {
		unit, err := gmat.Compile(root)
		if err != nil {
			t.Errorf("%s: %s", root, err)
			continue
		}
		lines := strings.Split(unit.Code, "\n")
		last := lines[len(lines)-1]
		if last != "return "+root.Label()+";" {
			t.Errorf("%s: last line %q", root, last)
		}
		if strings.Count(unit.Code, "return ") != 1 {
			t.Errorf("%s: want single return:\n%s", root, unit.Code)
		}
	}
}

func TestScalarConstantRendering(t *testing.T) {
	var bld gmat.Builder
	for _, test := range []struct {
		v    float32
		want string
	}{
		{1, "1.000001"},
		{0.5, "0.500001"},
		{2, "2.000001"},
	} {
		c := bld.Constant(test.v)
		unit, err := gmat.Compile(c)
		if err != nil {
			t.Fatal(err)
		}
		want := "float " + c.Label() + " = " + test.want + ";\n"
		if !strings.HasPrefix(unit.Code, want) {
			t.Errorf("constant %v: got\n%s\nwant prefix %q", test.v, unit.Code, want)
		}
	}
}

func TestCompileDot(t *testing.T) {
	var bld gmat.Builder
	n := bld.Dot(bld.Vec3(1, 0, 0), bld.Vec3(0, 1, 0))
	a, err := n.Arity()
	if err != nil {
		t.Fatal(err)
	} else if a != 1 {
		t.Fatalf("want arity 1, got %d", a)
	}
	unit, err := gmat.Compile(n)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(unit.Code, "float "+n.Label()+" = dot(") {
		t.Errorf("missing dot statement:\n%s", unit.Code)
	}
}

func TestCompileUnresolvedArity(t *testing.T) {
	var bld gmat.Builder
	bad := bld.Add(bld.Vec3(1, 1, 1), bld.Vec2(1, 1))
	unit, err := gmat.Compile(bad)
	if !errors.Is(err, gmat.ErrUnresolvedArity) {
		t.Fatalf("want ErrUnresolvedArity, got %v", err)
	}
	var arityErr *gmat.ArityError
	if !errors.As(err, &arityErr) {
		t.Fatalf("want *ArityError, got %T", err)
	}
	if arityErr.NodeID != bad.ID() || arityErr.Kind != "add" || arityErr.Signature != "3,2" {
		t.Errorf("unexpected error contents %+v", *arityErr)
	}
	if unit.Code != "" || unit.Uniforms != nil {
		t.Error("expected no partial unit on error")
	}
}

func TestSharedSubexpression(t *testing.T) {
	var bld gmat.Builder
	shared := bld.Sin(1)
	x := bld.Add(shared, 1)
	y := bld.Multiply(shared, 2)
	root := bld.Add(x, y)
	unit, err := gmat.Compile(root)
	if err != nil {
		t.Fatal(err)
	}
	decl := "float " + shared.Label() + " ="
	if got := strings.Count(unit.Code, decl); got != 1 {
		t.Errorf("want shared node declared once, got %d:\n%s", got, unit.Code)
	}
	if got := strings.Count(unit.Code, ";\n"); got != 4 {
		t.Errorf("want 4 assignments, got %d:\n%s", got, unit.Code)
	}
	// Declared before use.
	if strings.Index(unit.Code, decl) > strings.Index(unit.Code, x.Label()+" =") {
		t.Errorf("shared node declared after its consumer:\n%s", unit.Code)
	}
	var visits []uint64
	err = gmat.Walk(root, func(n *gmat.Node) error {
		visits = append(visits, n.ID())
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
	want := []uint64{shared.ID(), x.ID(), y.ID(), root.ID()}
	if diff := cmp.Diff(want, visits); diff != "" {
		t.Errorf("walk order mismatch (-want +got):\n%s", diff)
	}
}

func TestCompileIdempotent(t *testing.T) {
	var bld gmat.Builder
	brightness := bld.Parameter("u_Brightness", float32(0.5))
	root := bld.Multiply(bld.Mix(bld.Vec3(1, 0, 0), bld.Normal(), brightness), brightness)
	unit1, err := gmat.Compile(root)
	if err != nil {
		t.Fatal(err)
	}
	unit2, err := gmat.Compile(root)
	if err != nil {
		t.Fatal(err)
	}
	if unit1.Code != unit2.Code {
		t.Errorf("compilation not idempotent:\n%s\n\n%s", unit1.Code, unit2.Code)
	}
	brightness.SetUniform("u_Brightness", float32(0.9))
	unit3, err := gmat.Compile(root)
	if err != nil {
		t.Fatal(err)
	}
	if unit3.Code != unit1.Code {
		t.Error("uniform value change modified generated code")
	}
	if unit3.Uniforms["u_Brightness"] != float32(0.9) {
		t.Errorf("want current uniform value in unit, got %v", unit3.Uniforms["u_Brightness"])
	}
}

func TestCompileConcurrentWithSetUniform(t *testing.T) {
	var bld gmat.Builder
	param := bld.Parameter("u_T", float32(0))
	root := bld.Add(bld.Sin(param), bld.Cos(param))
	want, err := gmat.Compile(root)
	if err != nil {
		t.Fatal(err)
	}
	var wg sync.WaitGroup
	errs := make(chan error, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				param.SetUniform("u_T", float32(i*j))
				unit, err := gmat.Compile(root)
				if err != nil {
					errs <- err
					return
				} else if unit.Code != want.Code {
					errs <- errors.New("code changed during concurrent compile")
					return
				}
			}
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Error(err)
	}
}

func TestInvalidationTracking(t *testing.T) {
	var bld gmat.Builder
	a := bld.Parameter("u_A", float32(1))
	b := bld.Parameter("u_B", float32(2))
	root := bld.Add(a, b)
	if len(a.Invalidations()) != 0 {
		t.Fatal("new node has invalidations")
	}
	a.SetUniform("u_A", float32(3))
	a.SetUniform("u_A", float32(4))
	b.SetUniform("u_B", float32(5))
	if diff := cmp.Diff([]string{"u_A", "u_A"}, a.Invalidations()); diff != "" {
		t.Errorf("log mismatch (-want +got):\n%s", diff)
	}
	_, err := gmat.Compile(root)
	if err != nil {
		t.Fatal(err)
	}
	if len(a.Invalidations()) != 2 {
		t.Error("compile modified invalidation log")
	}
	got := make(map[string]any)
	var calls int
	err = gmat.FlushUniforms(root, func(n *gmat.Node, name string, value any) error {
		calls++
		got[name] = value
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
	if calls != 2 {
		t.Errorf("want each name reported once, got %d calls", calls)
	}
	if diff := cmp.Diff(map[string]any{"u_A": float32(4), "u_B": float32(5)}, got); diff != "" {
		t.Errorf("flushed values mismatch (-want +got):\n%s", diff)
	}
	if len(a.Invalidations())+len(b.Invalidations()) != 0 {
		t.Error("flush did not clear logs")
	}

	b.SetUniform("u_B", float32(6))
	errFlush := errors.New("upload failed")
	err = gmat.FlushUniforms(root, func(n *gmat.Node, name string, value any) error { return errFlush })
	if !errors.Is(err, errFlush) {
		t.Fatalf("want flush error, got %v", err)
	}
	if len(b.Invalidations()) != 1 {
		t.Error("failed flush cleared log")
	}
	if log := b.FlushInvalidations(); len(log) != 1 || log[0] != "u_B" {
		t.Errorf("unexpected log %v", log)
	}
	if len(b.Invalidations()) != 0 {
		t.Error("FlushInvalidations did not clear log")
	}
}

func TestDeclarationMergeLastWins(t *testing.T) {
	var bld gmat.Builder
	first := bld.New("add", []any{bld.UV(), bld.Time()}, gmat.Options{
		Uniforms: map[string]any{"u_A": float32(1)},
		Varyings: map[string]glbuild.Arity{"v_Custom": 4},
	})
	root := bld.New("multiply", []any{first, 2}, gmat.Options{
		Uniforms:   map[string]any{"u_A": float32(2)},
		Attributes: map[string]glbuild.Arity{"a_Weight": 1},
	})
	unit, err := gmat.Compile(root)
	if err != nil {
		t.Fatal(err)
	}
	wantUniforms := map[string]any{"u_A": float32(2), gmat.UniformTime: float32(0)}
	if diff := cmp.Diff(wantUniforms, unit.Uniforms); diff != "" {
		t.Errorf("uniforms mismatch (-want +got):\n%s", diff)
	}
	wantVaryings := map[string]glbuild.Arity{gmat.VaryingTexCoord: 2, "v_Custom": 4}
	if diff := cmp.Diff(wantVaryings, unit.Varyings); diff != "" {
		t.Errorf("varyings mismatch (-want +got):\n%s", diff)
	}
	wantAttribs := map[string]glbuild.Arity{"a_Weight": 1}
	if diff := cmp.Diff(wantAttribs, unit.Attributes); diff != "" {
		t.Errorf("attributes mismatch (-want +got):\n%s", diff)
	}
}

func TestTextureSlots(t *testing.T) {
	var bld gmat.Builder
	img1 := image.NewRGBA(image.Rect(0, 0, 2, 2))
	img2 := image.NewRGBA(image.Rect(0, 0, 4, 4))
	t1 := bld.Texture(img1)
	t2 := bld.Texture(img2)
	again := bld.Texture(img1)
	if again.Texture() != t1.Texture() {
		t.Error("registering the same source twice yielded distinct handles")
	}
	if bld.Texture(t2.Texture()).Texture() != t2.Texture() {
		t.Error("registered handle not reused")
	}
	root := bld.Add(t1, t2)
	unit, err := gmat.Compile(root)
	if err != nil {
		t.Fatal(err)
	}
	if len(unit.Textures) != 2 || unit.Textures[0] != t1.Texture() || unit.Textures[1] != t2.Texture() {
		t.Fatalf("unexpected textures %v", unit.Textures)
	}
	for slot, n := range []*gmat.Node{t1, t2} {
		want := fmt.Sprintf("vec3 %s = texture(%s[%d], %s).rgb;", n.Label(), glbuild.TextureArray, slot, gmat.VaryingTexCoord)
		if !strings.Contains(unit.Code, want) {
			t.Errorf("missing %q in\n%s", want, unit.Code)
		}
	}
	_, err = gmat.Compile(bld.New(gmat.KindImage, nil, gmat.Options{}))
	if !errors.Is(err, gmat.ErrTemplate) {
		t.Errorf("image without texture: want ErrTemplate, got %v", err)
	}
}

func TestCustom(t *testing.T) {
	var bld gmat.Builder
	uv := bld.UV()
	c := bld.Custom("length(%1) * u_K;", []any{uv}, map[string]any{"u_K": float32(3)})
	unit, err := gmat.Compile(c)
	if err != nil {
		t.Fatal(err)
	}
	want := "float " + c.Label() + " = length(" + uv.Label() + ") * u_K;\n"
	if !strings.Contains(unit.Code, want) {
		t.Errorf("missing %q in\n%s", want, unit.Code)
	}
	if unit.Uniforms["u_K"] != float32(3) {
		t.Error("custom uniform not declared")
	}
	if c.Name() != gmat.KindCustom {
		t.Errorf("custom node named %q", c.Name())
	}
}

func TestRegistry(t *testing.T) {
	reg := gmat.NewRegistry(nil)
	err := reg.Register("lum", gmat.Schema{
		Chunk:  "dot(%1, vec3(0.2126, 0.7152, 0.0722))",
		Output: glbuild.ArityTable(map[glbuild.Signature]glbuild.Arity{"3": 1}),
	})
	if err != nil {
		t.Fatal(err)
	}
	if err = reg.Register("add", gmat.Schema{}); !errors.Is(err, gmat.ErrDuplicateKind) {
		t.Errorf("want ErrDuplicateKind, got %v", err)
	}
	n, err := reg.NewNode("lum", []any{gmat.Vec{1, 1, 1}}, gmat.Options{})
	if err != nil {
		t.Fatal(err)
	}
	if a, err := n.Arity(); err != nil || a != 1 {
		t.Errorf("lum arity %d, %v", a, err)
	}
	if err = reg.Register("late", gmat.Schema{Chunk: "1.0"}); !errors.Is(err, gmat.ErrRegistrySealed) {
		t.Errorf("want ErrRegistrySealed, got %v", err)
	}
	if _, err = reg.NewNode("nope", nil, gmat.Options{}); !errors.Is(err, gmat.ErrUnknownKind) {
		t.Errorf("want ErrUnknownKind, got %v", err)
	}
	if _, ok := reg.Schema("mix"); !ok {
		t.Error("catalog missing mix")
	}
}

func TestTemplateErrors(t *testing.T) {
	reg := gmat.NewEmptyRegistry(nil)
	err := reg.Register("third", gmat.Schema{Chunk: "%3", Output: glbuild.FixedArity(1)})
	if err != nil {
		t.Fatal(err)
	}
	n, err := reg.NewNode("third", []any{1, 2}, gmat.Options{})
	if err != nil {
		t.Fatal(err)
	}
	_, err = gmat.Compile(n)
	if !errors.Is(err, gmat.ErrTemplate) {
		t.Errorf("want ErrTemplate, got %v", err)
	}
}

func TestDeclarationOnlyKind(t *testing.T) {
	reg := gmat.NewRegistry(nil)
	err := reg.Register("fog", gmat.Schema{
		Output:   glbuild.FixedArity(1),
		Defines:  []string{"USE_FOG 1"},
		Uniforms: map[string]any{"u_FogDensity": float32(0.1)},
	})
	if err != nil {
		t.Fatal(err)
	}
	bld := gmat.NewBuilder(reg)
	fog := bld.New("fog", nil, gmat.Options{})
	fog2 := bld.New("fog", nil, gmat.Options{})
	root := bld.Custom("0.5", []any{fog, fog2}, nil)
	unit, err := gmat.Compile(root)
	if err != nil {
		t.Fatal(err)
	}
	if strings.Contains(unit.Code, fog.Label()+" =") {
		t.Errorf("declaration only node emitted code:\n%s", unit.Code)
	}
	if diff := cmp.Diff([]string{"USE_FOG 1"}, unit.Defines); diff != "" {
		t.Errorf("defines mismatch (-want +got):\n%s", diff)
	}
	if _, ok := unit.Uniforms["u_FogDensity"]; !ok {
		t.Error("declaration only node uniforms not merged")
	}
	if _, err = gmat.Compile(fog); err == nil {
		t.Error("expected error compiling declaration only root")
	}
}

func TestDeclarationOnlyInputReferenced(t *testing.T) {
	reg := gmat.NewRegistry(nil)
	err := reg.Register("decl", gmat.Schema{Output: glbuild.FixedArity(1)})
	if err != nil {
		t.Fatal(err)
	}
	bld := gmat.NewBuilder(reg)
	d := bld.New("decl", nil, gmat.Options{})
	for _, root := range []*gmat.Node{
		bld.Add(d, 1),
		bld.Custom("vec3(%*)", []any{1, d, 2}, nil),
	} {
		unit, err := gmat.Compile(root)
		if !errors.Is(err, gmat.ErrTemplate) {
			t.Errorf("%s: expected template error, got %v with code:\n%s", root.Label(), err, unit.Code)
			continue
		}
		if !strings.Contains(err.Error(), d.Label()) {
			t.Errorf("error does not name input %s: %s", d.Label(), err)
		}
	}
}

func TestBuilderErrors(t *testing.T) {
	var bld gmat.Builder
	bld.SetFlags(gmat.FlagNoPanic)
	n := bld.Vec3(gmat.Vec{1, 2, 3, 4, 5})
	if n != nil {
		t.Error("expected nil node on error")
	}
	if bld.Parameter("u_X", "string") != nil {
		t.Error("expected nil parameter for unsupported value")
	}
	err := bld.Err()
	if !errors.Is(err, gmat.ErrMalformedLiteral) {
		t.Errorf("expected accumulated ErrMalformedLiteral, got %v", err)
	}
	bld.ClearErrors()
	if bld.Err() != nil {
		t.Error("expected builder error to be cleared")
	}

	bld.SetFlags(0)
	defer func() {
		if recover() == nil {
			t.Error("expected panic without FlagNoPanic")
		}
	}()
	bld.New("nope", nil, gmat.Options{})
}

func TestNodeIDs(t *testing.T) {
	var bld gmat.Builder
	a := bld.Time()
	b := bld.Time()
	if a.ID() < gmat.DefaultIDOffset || b.ID() <= a.ID() {
		t.Fatalf("ids not increasing from offset: %d, %d", a.ID(), b.ID())
	}
	if err := gmat.SetIDOffset(b.ID()); err == nil {
		t.Error("expected error lowering id offset")
	}
	offset := b.ID() + 100
	if err := gmat.SetIDOffset(offset); err != nil {
		t.Fatal(err)
	}
	if c := bld.Time(); c.ID() != offset {
		t.Errorf("want id %d after raising offset, got %d", offset, c.ID())
	}
}

func TestFormatGraph(t *testing.T) {
	var bld gmat.Builder
	n := bld.Multiply(bld.Vec3(1, 1, 1), 2)
	if got := gmat.FormatGraph(n); got != "multiply(vec3(1.,1.,1.),2.)" {
		t.Errorf("got %q", got)
	}
	if got := gmat.FormatGraph(bld.Constant(gmat.Vec{0, 0.5})); got != "constant([0.,0.5])" {
		t.Errorf("got %q", got)
	}
}
