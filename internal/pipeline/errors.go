package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"runtime/debug"
	"strings"

	"github.com/a-h/templ"

	"github.com/conneroisu/wildcat/internal/errors"
	"github.com/conneroisu/wildcat/internal/transpiler"
)

// errorPayload is the JSON body of a failed compile.
type errorPayload struct {
	Error       string              `json:"error"`
	Path        string              `json:"path"`
	Message     string              `json:"message"`
	Diagnostics []errors.Diagnostic `json:"diagnostics"`
}

// safeCompile runs the transpiler, turning a panic into a CompileError so a
// broken transpiler cannot take the worker down.
func (p *Pipeline) safeCompile(ctx context.Context, src transpiler.Source) (result transpiler.Result, err error) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error(ctx, fmt.Errorf("%v", r), "Transpiler panicked", "path", src.Path, "stack", string(debug.Stack()))
			err = errors.NewCompileError(src.Path, fmt.Errorf("transpiler panic: %v", r))
		}
	}()
	return p.transpiler.Compile(ctx, src)
}

// writeCompileError answers with the diagnostics of a CompileError. It
// returns false for any other error, leaving the response untouched.
func (p *Pipeline) writeCompileError(req *Request, err error) bool {
	ce, ok := errors.AsCompileError(err)
	if !ok {
		return false
	}

	ctx := req.HTTP.Context()
	p.logger.Warn(ctx, ce, "Compile failed", "path", req.RelPath, "diagnostics", len(ce.Diagnostics))

	req.Writer.Header().Set("Cache-Control", "no-cache")

	if p.opts.ErrorOverlay && acceptsHTML(req.HTTP) {
		templ.Handler(errors.Overlay(ce, p.opts.ReloadScriptURL), templ.WithStatus(http.StatusInternalServerError)).ServeHTTP(req.Writer, req.HTTP)
		return true
	}

	diagnostics := ce.Diagnostics
	if diagnostics == nil {
		diagnostics = []errors.Diagnostic{}
	}
	body, merr := json.Marshal(errorPayload{
		Error:       string(errors.ErrorTypeCompile),
		Path:        req.RelPath,
		Message:     ce.Error(),
		Diagnostics: diagnostics,
	})
	if merr != nil {
		http.Error(req.Writer, ce.Error(), http.StatusInternalServerError)
		return true
	}

	req.Writer.Header().Set("Content-Type", "application/json")
	req.Writer.WriteHeader(http.StatusInternalServerError)
	_, _ = req.Writer.Write(body)
	return true
}

func acceptsHTML(r *http.Request) bool {
	return strings.Contains(r.Header.Get("Accept"), "text/html")
}
