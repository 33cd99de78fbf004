// Package errors defines the error taxonomy of the asset server: compile
// failures reported to a single requester, watcher failures that stop
// invalidation for one worker, and worker exits observed by the supervisor.
package errors

import (
	"errors"
	"fmt"
	"strings"
)

// ErrorType represents different categories of errors.
type ErrorType string

const (
	ErrorTypeCompile ErrorType = "compile"
	ErrorTypeWatch   ErrorType = "watch"
	ErrorTypeWorker  ErrorType = "worker"
	ErrorTypeConfig  ErrorType = "config"
)

// Diagnostic is one located message produced by a transpiler.
type Diagnostic struct {
	File     string `json:"file,omitempty"`
	Line     int    `json:"line,omitempty"`
	Column   int    `json:"column,omitempty"`
	Message  string `json:"message"`
	LineText string `json:"line_text,omitempty"`
}

// Location renders file:line:column, omitting missing parts.
func (d Diagnostic) Location() string {
	if d.File == "" {
		return ""
	}
	loc := d.File
	if d.Line > 0 {
		loc += fmt.Sprintf(":%d", d.Line)
		if d.Column > 0 {
			loc += fmt.Sprintf(":%d", d.Column)
		}
	}
	return loc
}

func (d Diagnostic) String() string {
	if loc := d.Location(); loc != "" {
		return loc + ": " + d.Message
	}
	return d.Message
}

// CompileError reports malformed source. It is recoverable: the request that
// triggered it gets the diagnostics and nothing is cached.
type CompileError struct {
	Path        string       `json:"path"`
	Diagnostics []Diagnostic `json:"diagnostics"`
	Cause       error        `json:"-"`
}

// NewCompileError creates a compile error for path.
func NewCompileError(path string, cause error, diagnostics ...Diagnostic) *CompileError {
	return &CompileError{
		Path:        path,
		Diagnostics: diagnostics,
		Cause:       cause,
	}
}

// Error implements the error interface.
func (e *CompileError) Error() string {
	var b strings.Builder
	b.WriteString("compile ")
	b.WriteString(e.Path)
	switch len(e.Diagnostics) {
	case 0:
		if e.Cause != nil {
			b.WriteString(": ")
			b.WriteString(e.Cause.Error())
		}
	case 1:
		b.WriteString(": ")
		b.WriteString(e.Diagnostics[0].String())
	default:
		fmt.Fprintf(&b, ": %s (and %d more)", e.Diagnostics[0].String(), len(e.Diagnostics)-1)
	}
	return b.String()
}

// Unwrap returns the underlying cause error.
func (e *CompileError) Unwrap() error {
	return e.Cause
}

// Messages flattens the diagnostics to one line each.
func (e *CompileError) Messages() []string {
	if len(e.Diagnostics) == 0 && e.Cause != nil {
		return []string{e.Cause.Error()}
	}
	out := make([]string, 0, len(e.Diagnostics))
	for _, d := range e.Diagnostics {
		out = append(out, d.String())
	}
	return out
}

// WatchError reports a failure of the filesystem watcher. A fatal watch error
// stops invalidation for the worker that owns the watcher; serving continues.
type WatchError struct {
	Root  string
	Fatal bool
	Cause error
}

// NewWatchError creates a watch error.
func NewWatchError(root string, fatal bool, cause error) *WatchError {
	return &WatchError{Root: root, Fatal: fatal, Cause: cause}
}

func (e *WatchError) Error() string {
	kind := "watch error"
	if e.Fatal {
		kind = "fatal watch error"
	}
	if e.Cause == nil {
		return fmt.Sprintf("%s on %s", kind, e.Root)
	}
	return fmt.Sprintf("%s on %s: %v", kind, e.Root, e.Cause)
}

// Unwrap returns the underlying cause error.
func (e *WatchError) Unwrap() error {
	return e.Cause
}

// WorkerExitError describes a worker that terminated on its own.
type WorkerExitError struct {
	ID       int
	PID      int
	ExitCode int
	Signal   string
	Cause    error
}

func (e *WorkerExitError) Error() string {
	signal := e.Signal
	if signal == "" {
		signal = "none"
	}
	return fmt.Sprintf("worker %d (pid %d) exited (code: %d) (signal: %s)", e.ID, e.PID, e.ExitCode, signal)
}

// Unwrap returns the underlying cause error.
func (e *WorkerExitError) Unwrap() error {
	return e.Cause
}

// AsCompileError extracts a CompileError from err's chain.
func AsCompileError(err error) (*CompileError, bool) {
	var ce *CompileError
	if errors.As(err, &ce) {
		return ce, true
	}
	return nil, false
}

// IsRecoverable reports whether err is local to one request or one client
// and must not escalate beyond it.
func IsRecoverable(err error) bool {
	if err == nil {
		return true
	}
	if _, ok := AsCompileError(err); ok {
		return true
	}
	var we *WatchError
	if errors.As(err, &we) {
		return !we.Fatal
	}
	return false
}

// TypeOf classifies err for logging.
func TypeOf(err error) ErrorType {
	var (
		ce *CompileError
		we *WatchError
		xe *WorkerExitError
	)
	switch {
	case errors.As(err, &ce):
		return ErrorTypeCompile
	case errors.As(err, &we):
		return ErrorTypeWatch
	case errors.As(err, &xe):
		return ErrorTypeWorker
	default:
		return ""
	}
}

// Is reports whether any error in err's chain matches target.
func Is(err, target error) bool {
	return errors.Is(err, target)
}

// As finds the first error in err's chain that matches target.
func As(err error, target any) bool {
	return errors.As(err, target)
}
