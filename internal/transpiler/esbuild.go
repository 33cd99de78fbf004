package transpiler

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/evanw/esbuild/pkg/api"

	"github.com/conneroisu/wildcat/internal/errors"
)

// Esbuild transforms files in-process with esbuild's transform API.
type Esbuild struct {
	base    api.TransformOptions
	timeout time.Duration
}

var targets = map[string]api.Target{
	"esnext": api.ESNext,
	"es5":    api.ES5,
	"es2015": api.ES2015,
	"es6":    api.ES2015,
	"es2016": api.ES2016,
	"es2017": api.ES2017,
	"es2018": api.ES2018,
	"es2019": api.ES2019,
	"es2020": api.ES2020,
	"es2021": api.ES2021,
	"es2022": api.ES2022,
}

var formats = map[string]api.Format{
	"":     api.FormatDefault,
	"iife": api.FormatIIFE,
	"cjs":  api.FormatCommonJS,
	"esm":  api.FormatESModule,
}

var jsxModes = map[string]api.JSX{
	"":          api.JSXTransform,
	"transform": api.JSXTransform,
	"automatic": api.JSXAutomatic,
	"preserve":  api.JSXPreserve,
}

// NewEsbuild validates opts and returns an esbuild-backed transpiler.
func NewEsbuild(opts Options) (*Esbuild, error) {
	target := api.ES2015
	if opts.Target != "" {
		t, ok := targets[strings.ToLower(opts.Target)]
		if !ok {
			return nil, fmt.Errorf("unsupported esbuild target %q", opts.Target)
		}
		target = t
	}

	format, ok := formats[strings.ToLower(opts.Format)]
	if !ok {
		return nil, fmt.Errorf("unsupported esbuild format %q", opts.Format)
	}

	jsx, ok := jsxModes[strings.ToLower(opts.JSX)]
	if !ok {
		return nil, fmt.Errorf("unsupported jsx mode %q", opts.JSX)
	}

	sourcemap := api.SourceMapInline
	if opts.Sourcemap == "none" {
		sourcemap = api.SourceMapNone
	}

	return &Esbuild{
		timeout: opts.Timeout,
		base: api.TransformOptions{
			Target:      target,
			Format:      format,
			JSX:         jsx,
			JSXFactory:  opts.JSXFactory,
			JSXFragment: opts.JSXFragment,
			Sourcemap:   sourcemap,
			LogLevel:    api.LogLevelSilent,
		},
	}, nil
}

// Compile implements Transpiler.
func (e *Esbuild) Compile(ctx context.Context, src Source) (Result, error) {
	if err := ctx.Err(); err != nil {
		return Result{}, err
	}
	if e.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.timeout)
		defer cancel()
	}

	opts := e.base
	opts.Sourcefile = src.Path
	opts.Loader = loaderFor(src.Path)

	// The transform API cannot be interrupted; a transform that outlives
	// ctx finishes in the background and its result is dropped.
	done := make(chan api.TransformResult, 1)
	go func() {
		done <- api.Transform(string(src.Text), opts)
	}()

	var result api.TransformResult
	select {
	case result = <-done:
	case <-ctx.Done():
		return Result{}, fmt.Errorf("esbuild timed out on %s: %w", src.Path, ctx.Err())
	}
	if len(result.Errors) > 0 {
		return Result{}, errors.NewCompileError(src.Path, nil, diagnosticsFrom(src.Path, result.Errors)...)
	}

	warnings := make([]string, 0, len(result.Warnings))
	for _, w := range diagnosticsFrom(src.Path, result.Warnings) {
		warnings = append(warnings, w.String())
	}

	return Result{
		Code:        result.Code,
		ContentType: javascriptContentType,
		Warnings:    warnings,
	}, nil
}

func loaderFor(path string) api.Loader {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".ts":
		return api.LoaderTS
	case ".tsx":
		return api.LoaderTSX
	default:
		// .js, .es, .es6 and .jsx all may contain JSX.
		return api.LoaderJSX
	}
}

func diagnosticsFrom(path string, msgs []api.Message) []errors.Diagnostic {
	diags := make([]errors.Diagnostic, 0, len(msgs))
	for _, msg := range msgs {
		d := errors.Diagnostic{File: path, Message: msg.Text}
		if loc := msg.Location; loc != nil {
			if loc.File != "" {
				d.File = loc.File
			}
			d.Line = loc.Line
			d.Column = loc.Column + 1 // esbuild columns are 0-based
			d.LineText = loc.LineText
		}
		diags = append(diags, d)
	}
	return diags
}
