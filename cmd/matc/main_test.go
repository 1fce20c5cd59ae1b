package main

import (
	"bytes"
	"errors"
	"image/png"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"testing"
)

const testMaterial = `
node "uv" {
  kind = "uv"
}
node "gain" {
  kind     = "parameter"
  uniforms = { u_Gain = 0.5 }
}
node "out" {
  kind   = "multiply"
  inputs = [uv, gain]
}
output = out
`

func writeMaterial(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "material.hcl")
	err := os.WriteFile(path, []byte(testMaterial), 0600)
	if err != nil {
		t.Fatal(err)
	}
	return path
}

func TestRunFragmentToStdout(t *testing.T) {
	var out bytes.Buffer
	err := run(&out, []string{writeMaterial(t)})
	if err != nil {
		t.Fatal(err)
	}
	for _, want := range []string{"#version 460", "uniform float u_Gain;", "vec2 material() {", "fragColor"} {
		if !strings.Contains(out.String(), want) {
			t.Errorf("output missing %q:\n%s", want, out.String())
		}
	}
}

func TestRunShaderFiles(t *testing.T) {
	input := writeMaterial(t)
	dir := t.TempDir()
	frag := filepath.Join(dir, "out.frag")
	vert := filepath.Join(dir, "out.vert")
	var out bytes.Buffer
	err := run(&out, []string{"-frag", frag, "-vert", vert, input})
	if err != nil {
		t.Fatal(err)
	} else if out.Len() != 0 {
		t.Errorf("unexpected standard output:\n%s", out.String())
	}
	for _, path := range []string{frag, vert} {
		b, err := os.ReadFile(path)
		if err != nil {
			t.Fatal(err)
		} else if !strings.Contains(string(b), "v_TextureCoordinate") {
			t.Errorf("%s missing texture coordinate varying:\n%s", path, b)
		}
	}
}

func TestRunPNG(t *testing.T) {
	input := writeMaterial(t)
	output := filepath.Join(t.TempDir(), "out.png")
	var out bytes.Buffer
	err := run(&out, []string{"-png", output, "-size", "8x4", input})
	if err != nil {
		t.Fatal(err)
	}
	fp, err := os.Open(output)
	if err != nil {
		t.Fatal(err)
	}
	defer fp.Close()
	img, err := png.Decode(fp)
	if err != nil {
		t.Fatal(err)
	}
	if b := img.Bounds(); b.Dx() != 8 || b.Dy() != 4 {
		t.Errorf("image size %v", b)
	}
}

func TestRunFormat(t *testing.T) {
	var out bytes.Buffer
	err := run(&out, []string{"-fmt", writeMaterial(t)})
	if err != nil {
		t.Fatal(err)
	}
	got := out.String()
	for _, want := range []string{`"multiply"`, "u_Gain = 0.5", "output = mx_"} {
		if !strings.Contains(got, want) {
			t.Errorf("formatted output missing %q:\n%s", want, got)
		}
	}
}

func TestRunUsage(t *testing.T) {
	var out bytes.Buffer
	err := run(&out, []string{"-h"})
	if err != nil {
		t.Errorf("help returned error %v", err)
	}
	if !strings.Contains(out.String(), "Usage:") {
		t.Errorf("expected usage text, got:\n%s", out.String())
	}
	for _, args := range [][]string{
		{},
		{"-size", "0x10", "material.hcl"},
		{"-size", "big", "material.hcl"},
		{"-unknown-flag", "material.hcl"},
	} {
		out.Reset()
		err = run(&out, args)
		var exitErr *exitError
		if !errors.As(err, &exitErr) || exitErr.code != 2 {
			t.Errorf("%q: want exit code 2, got %v", args, err)
		}
	}
	if err = run(&out, []string{filepath.Join(t.TempDir(), "missing.hcl")}); err == nil {
		t.Error("expected error for missing material file")
	}
}

func TestRunKinds(t *testing.T) {
	var out bytes.Buffer
	err := run(&out, []string{"-kinds"})
	if err != nil {
		t.Fatal(err)
	}
	for _, want := range []string{"mix\t1,1,1 2,2,1 3,3,1 4,4,1\n", "uv\tfixed 2\n"} {
		if !strings.Contains(out.String(), want) {
			t.Errorf("kind listing missing %q:\n%s", want, out.String())
		}
	}
	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	if !slices.IsSorted(lines) {
		t.Errorf("kinds not sorted:\n%s", out.String())
	}
	if err = run(&out, []string{"-kinds", "a.hcl", "b.hcl"}); err == nil {
		t.Error("expected error for two material files")
	}
}
