// Package transpiler turns source text into something a browser can run.
//
// The pipeline treats a Transpiler as an opaque capability. Two
// implementations ship with wildcat: an in-process esbuild transform (the
// default) and an external command that reads source on stdin and writes the
// result to stdout, for projects tied to a specific toolchain.
package transpiler

import (
	"context"
	"fmt"
	"time"

	"github.com/conneroisu/wildcat/internal/config"
)

//go:generate mockgen -source=transpiler.go -destination=mocks/mock_transpiler.go -package=mocks

// Transpiler compiles a single source file. Failures caused by the source
// itself are reported as *errors.CompileError.
type Transpiler interface {
	Compile(ctx context.Context, src Source) (Result, error)
}

// Source is one file to compile. Path is used for loader selection and
// diagnostics. File is the absolute location on disk, for backends that
// read the file themselves; the text is never re-read otherwise.
type Source struct {
	Path string
	File string
	Text []byte
}

// Location returns the path an external tool should open: File when set,
// otherwise Path.
func (s Source) Location() string {
	if s.File != "" {
		return s.File
	}
	return s.Path
}

// Result is compiled output.
type Result struct {
	Code        []byte
	ContentType string
	Warnings    []string
}

const javascriptContentType = "text/javascript; charset=utf-8"

// Options are the transform settings shared by every implementation.
type Options struct {
	Target      string
	Format      string
	JSX         string
	JSXFactory  string
	JSXFragment string
	Sourcemap   string
	Timeout     time.Duration
}

// OptionsFromConfig converts the compile section of the configuration.
func OptionsFromConfig(cfg config.CompileConfig) (Options, error) {
	timeout, err := time.ParseDuration(cfg.Timeout)
	if err != nil && cfg.Timeout != "" {
		return Options{}, fmt.Errorf("invalid compile timeout %q: %w", cfg.Timeout, err)
	}
	return Options{
		Target:      cfg.Target,
		Format:      cfg.Format,
		JSX:         cfg.JSX,
		JSXFactory:  cfg.JSXFactory,
		JSXFragment: cfg.JSXFragment,
		Sourcemap:   cfg.Sourcemap,
		Timeout:     timeout,
	}, nil
}

// New builds the transpiler selected by cfg.Transpiler.
func New(cfg config.CompileConfig) (Transpiler, error) {
	opts, err := OptionsFromConfig(cfg)
	if err != nil {
		return nil, err
	}

	switch cfg.Transpiler {
	case "", "esbuild":
		return NewEsbuild(opts)
	case "command":
		return NewCommand(cfg.Command, opts)
	default:
		return nil, fmt.Errorf("unknown transpiler %q", cfg.Transpiler)
	}
}
