// Command matc compiles material files into GLSL shaders and renders previews of them.
//
//	matc -frag material.frag -png preview.png material.hcl
//	matc -kinds
package main

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/soypat/gmat"
	"github.com/soypat/gmat/gmataux"
	"github.com/soypat/gmat/matfile"
)

// exitError carries the process exit code for command line misuse.
type exitError struct {
	code int
	msg  string
}

func (e *exitError) Error() string { return e.msg }

func main() {
	err := run(os.Stdout, os.Args[1:])
	if err != nil {
		code := 1
		var exitErr *exitError
		if errors.As(err, &exitErr) {
			code = exitErr.code
		}
		fmt.Fprintln(os.Stderr, err)
		os.Exit(code)
	}
}

type config struct {
	input    string
	frag     string
	vert     string
	png      string
	fmt      bool
	kinds    bool
	ui       bool
	gpu      bool
	width    int
	height   int
	time     float64
	logLevel slog.Level
}

func parseFlags(args []string, output io.Writer) (cfg config, shouldExit bool, err error) {
	flagSet := flag.NewFlagSet("matc", flag.ContinueOnError)
	flagSet.SetOutput(output)
	flagSet.Usage = func() {
		fmt.Fprint(output, `matc - material graph compiler.

Usage:
  matc [options] MATERIAL_FILE
  matc -kinds

Options:
`)
		flagSet.PrintDefaults()
	}
	flagSet.StringVar(&cfg.frag, "frag", "", "Write fragment shader to file. Use - for standard output.")
	flagSet.StringVar(&cfg.vert, "vert", "", "Write screen quad vertex shader to file. Use - for standard output.")
	flagSet.StringVar(&cfg.png, "png", "", "Render material to PNG file.")
	flagSet.BoolVar(&cfg.fmt, "fmt", false, "Write the material graph back to standard output in canonical form.")
	flagSet.BoolVar(&cfg.kinds, "kinds", false, "List the built-in expression kinds and their input signatures.")
	flagSet.BoolVar(&cfg.ui, "ui", false, "Preview material in a window.")
	flagSet.BoolVar(&cfg.gpu, "gpu", false, "Render PNG with a GPU compute shader instead of the CPU.")
	flagSet.Float64Var(&cfg.time, "time", 0, "Time uniform value in seconds used when rendering PNG.")
	size := flagSet.String("size", "512x512", "Image and window size as WIDTHxHEIGHT.")
	verbose := flagSet.Bool("v", false, "Enable debug logging.")
	if err = flagSet.Parse(args); err != nil {
		if err == flag.ErrHelp {
			return cfg, true, nil
		}
		return cfg, false, &exitError{code: 2, msg: err.Error()}
	}
	if cfg.kinds && flagSet.NArg() == 0 {
		return cfg, false, nil
	} else if flagSet.NArg() != 1 {
		flagSet.Usage()
		return cfg, false, &exitError{code: 2, msg: "expected a single material file argument"}
	}
	cfg.input = flagSet.Arg(0)
	cfg.width, cfg.height, err = parseSize(*size)
	if err != nil {
		return cfg, false, &exitError{code: 2, msg: err.Error()}
	}
	if cfg.frag == "" && cfg.vert == "" && cfg.png == "" && !cfg.ui && !cfg.fmt && !cfg.kinds {
		cfg.frag = "-"
	}
	cfg.logLevel = slog.LevelInfo
	if *verbose {
		cfg.logLevel = slog.LevelDebug
	}
	return cfg, false, nil
}

func parseSize(s string) (w, h int, err error) {
	ws, hs, ok := strings.Cut(strings.ToLower(s), "x")
	if !ok {
		return 0, 0, fmt.Errorf("invalid size %q: want WIDTHxHEIGHT", s)
	}
	w, err = strconv.Atoi(ws)
	if err == nil {
		h, err = strconv.Atoi(hs)
	}
	if err != nil || w <= 0 || h <= 0 {
		return 0, 0, fmt.Errorf("invalid size %q: want positive WIDTHxHEIGHT", s)
	}
	return w, h, nil
}

// run encapsulates the command logic for testing. Shaders sent to standard output are written to outW.
func run(outW io.Writer, args []string) error {
	cfg, shouldExit, err := parseFlags(args, outW)
	if err != nil || shouldExit {
		return err
	}
	if cfg.kinds && cfg.input == "" {
		return writeKinds(outW, gmat.DefaultRegistry())
	}
	log := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: cfg.logLevel}))
	mat, err := matfile.Load(cfg.input, nil)
	if err != nil {
		return err
	}
	log.Debug("loaded material", "file", cfg.input, "nodes", len(mat.Order))

	if cfg.kinds {
		if err = writeKinds(outW, gmat.DefaultRegistry()); err != nil {
			return err
		}
	}
	if cfg.fmt {
		src, err := matfile.Format(mat.Root, filepath.Dir(cfg.input))
		if err != nil {
			return err
		}
		if _, err = outW.Write(src); err != nil {
			return err
		}
	}
	if cfg.frag != "" || cfg.vert != "" {
		err = writeShaders(outW, cfg, mat)
		if err != nil {
			return err
		}
	}
	if cfg.png != "" {
		fp, err := os.Create(cfg.png)
		if err != nil {
			return err
		}
		err = gmataux.RenderPNG(fp, mat.Root, gmataux.RenderConfig{
			Width:  cfg.width,
			Height: cfg.height,
			Time:   float32(cfg.time),
			UseGPU: cfg.gpu,
			Logger: log,
		})
		if closeErr := fp.Close(); err == nil {
			err = closeErr
		}
		if err != nil {
			return err
		}
	}
	if cfg.ui {
		return gmataux.UI(mat.Root, gmataux.UIConfig{
			Width:  cfg.width,
			Height: cfg.height,
			Logger: log,
		})
	}
	return nil
}

func writeShaders(outW io.Writer, cfg config, mat *matfile.Material) (err error) {
	var frag, vert io.Writer
	var files []*os.File
	defer func() {
		for _, fp := range files {
			if closeErr := fp.Close(); err == nil {
				err = closeErr
			}
		}
	}()
	open := func(path string) (io.Writer, error) {
		switch path {
		case "":
			return nil, nil
		case "-":
			return outW, nil
		}
		fp, err := os.Create(path)
		if err != nil {
			return nil, err
		}
		files = append(files, fp)
		return fp, nil
	}
	if frag, err = open(cfg.frag); err != nil {
		return err
	}
	if vert, err = open(cfg.vert); err != nil {
		return err
	}
	_, err = gmataux.WriteShaders(mat.Root, frag, vert)
	return err
}

// writeKinds lists every kind of reg with its output arity rule, one per line:
//
//	add	1,1 2,1 2,2 ...
//	uv	fixed 2
func writeKinds(w io.Writer, reg *gmat.Registry) error {
	var buf []byte
	for _, kind := range reg.Kinds() {
		schema, _ := reg.Schema(kind)
		buf = append(buf, kind...)
		buf = append(buf, '\t')
		if schema.Output.IsFixed() {
			buf = append(buf, "fixed "...)
			buf = strconv.AppendUint(buf, uint64(schema.Output.Fixed()), 10)
		}
		for i, sig := range schema.Output.Signatures() {
			if i > 0 {
				buf = append(buf, ' ')
			}
			buf = append(buf, sig...)
		}
		buf = append(buf, '\n')
	}
	_, err := w.Write(buf)
	return err
}
