// Package batch compiles a set of source files once, or again on every
// change, outside of the HTTP server.
//
// Each input is compiled through the same Transpiler the server uses.
// Directory inputs are walked; their files keep their layout relative to
// the directory. File inputs keep the path they were given. Output goes
// under OutDir, or to Stdout when no output directory is set.
package batch

import (
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"io/fs"
	"mime"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync/atomic"

	"go.trai.ch/zerr"
	"golang.org/x/sync/errgroup"

	"github.com/conneroisu/wildcat/internal/config"
	"github.com/conneroisu/wildcat/internal/logging"
	"github.com/conneroisu/wildcat/internal/transpiler"
)

// ErrCompileFailed is returned by Run when at least one input failed.
var ErrCompileFailed = zerr.New("compilation failed")

// Action is what happened to one input.
type Action string

const (
	ActionCompiled Action = "compiled"
	ActionCopied   Action = "copied"
	ActionModule   Action = "module"
	ActionSkipped  Action = "skipped"
	ActionFailed   Action = "failed"
)

// Result describes one processed input.
type Result struct {
	Input  string
	Output string
	Action Action
	Err    error
	// Code holds compiled text when it is written to Stdout.
	Code []byte
}

// Summary counts the results of a run.
type Summary struct {
	Compiled int
	Copied   int
	Modules  int
	Skipped  int
	Failures []Result
}

func (s *Summary) add(r Result) {
	switch r.Action {
	case ActionCompiled:
		s.Compiled++
	case ActionCopied:
		s.Copied++
	case ActionModule:
		s.Modules++
	case ActionFailed:
		s.Failures = append(s.Failures, r)
	default:
		s.Skipped++
	}
}

// Options configure a Compiler.
type Options struct {
	// Extensions are the compilable extensions, with leading dots.
	Extensions []string
	OutDir     string
	// BinDir receives non-compilable files instead of OutDir when set.
	BinDir string
	Ignore []string
	// CopyFiles copies non-compilable files to the output.
	CopyFiles bool
	// BinaryToModule writes non-compilable files as JavaScript modules
	// exporting a data URL of their bytes.
	BinaryToModule bool
	// Concurrency bounds parallel compiles; zero means runtime.NumCPU.
	Concurrency int
	// Stdout receives compiled text when OutDir is empty.
	Stdout io.Writer
	// OnResult is called once per input as it finishes.
	OnResult func(Result)
}

// Compiler runs batch and watch compiles.
type Compiler struct {
	opts       Options
	extensions map[string]bool
	transpiler transpiler.Transpiler
	logger     logging.Logger
}

// New creates a compiler over t.
func New(t transpiler.Transpiler, opts Options, logger logging.Logger) (*Compiler, error) {
	if t == nil {
		return nil, zerr.New("batch compiler requires a transpiler")
	}
	if logger == nil {
		logger = logging.NewNop()
	}
	if len(opts.Extensions) == 0 {
		opts.Extensions = config.DefaultExtensions
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = runtime.NumCPU()
	}
	if opts.Stdout == nil {
		opts.Stdout = os.Stdout
	}

	c := &Compiler{
		opts:       opts,
		extensions: make(map[string]bool, len(opts.Extensions)),
		transpiler: t,
		logger:     logger.WithComponent("batch"),
	}
	for _, ext := range config.NormalizeExtensions(opts.Extensions) {
		c.extensions[ext] = true
	}
	return c, nil
}

type job struct {
	src string
	rel string
}

// Run processes every input once. Failures do not stop the other inputs;
// they are collected in the Summary and reported as ErrCompileFailed.
func (c *Compiler) Run(ctx context.Context, inputs []string) (Summary, error) {
	var jobs []job
	for _, input := range inputs {
		expanded, err := c.expand(input)
		if err != nil {
			return Summary{}, err
		}
		jobs = append(jobs, expanded...)
	}

	results := make([]Result, len(jobs))
	var done atomic.Int64

	g := new(errgroup.Group)
	g.SetLimit(c.opts.Concurrency)
	for i, j := range jobs {
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				results[i] = Result{Input: j.src, Action: ActionFailed, Err: err}
				return nil
			}
			results[i] = c.handleFile(ctx, j.src, j.rel)
			done.Add(1)
			if c.opts.OnResult != nil {
				c.opts.OnResult(results[i])
			}
			return nil
		})
	}
	_ = g.Wait()

	var summary Summary
	for _, r := range results {
		if r.Action == ActionCompiled && c.opts.OutDir == "" {
			if _, err := c.opts.Stdout.Write(r.Code); err != nil {
				return summary, zerr.Wrap(err, "failed to write output")
			}
		}
		summary.add(r)
	}

	c.logger.Debug(ctx, "Batch finished",
		"inputs", len(jobs), "processed", done.Load(), "failed", len(summary.Failures))

	if len(summary.Failures) > 0 {
		return summary, zerr.With(zerr.Wrap(ErrCompileFailed, "batch compile"), "failed", len(summary.Failures))
	}
	return summary, nil
}

// expand turns an input into jobs, walking directories.
func (c *Compiler) expand(input string) ([]job, error) {
	info, err := os.Stat(input)
	if err != nil {
		return nil, zerr.With(zerr.Wrap(err, "failed to read input"), "input", input)
	}
	if !info.IsDir() {
		return []job{{src: input, rel: outputRel(input)}}, nil
	}

	var jobs []job
	err = filepath.WalkDir(input, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if path != input && skipDir(d.Name()) {
				return filepath.SkipDir
			}
			return nil
		}
		rel, err := filepath.Rel(input, path)
		if err != nil {
			return err
		}
		if ignored(rel, c.opts.Ignore) {
			return nil
		}
		jobs = append(jobs, job{src: path, rel: rel})
		return nil
	})
	if err != nil {
		return nil, zerr.With(zerr.Wrap(err, "failed to walk input directory"), "input", input)
	}
	return jobs, nil
}

func skipDir(name string) bool {
	for _, skip := range config.DefaultIgnore {
		if name == skip {
			return true
		}
	}
	return false
}

// Compilable reports whether path has a compilable extension.
func (c *Compiler) Compilable(path string) bool {
	return c.extensions[strings.ToLower(filepath.Ext(path))]
}

// handleFile compiles, copies or converts one file.
func (c *Compiler) handleFile(ctx context.Context, src, rel string) Result {
	if c.Compilable(src) {
		return c.compileFile(ctx, src, rel)
	}

	switch {
	case c.opts.BinaryToModule:
		return c.writeModule(src, rel)
	case c.opts.CopyFiles:
		return c.copyFile(src, rel)
	default:
		return Result{Input: src, Action: ActionSkipped}
	}
}

func (c *Compiler) compileFile(ctx context.Context, src, rel string) Result {
	res := Result{Input: src, Action: ActionFailed}

	text, err := os.ReadFile(src)
	if err != nil {
		res.Err = zerr.Wrap(err, "failed to read source")
		return res
	}

	file, err := filepath.Abs(src)
	if err != nil {
		res.Err = zerr.Wrap(err, "failed to resolve source")
		return res
	}

	compiled, err := c.transpiler.Compile(ctx, transpiler.Source{Path: filepath.ToSlash(rel), File: file, Text: text})
	if err != nil {
		res.Err = err
		return res
	}

	if c.opts.OutDir == "" {
		res.Action = ActionCompiled
		res.Code = compiled.Code
		return res
	}

	out := filepath.Join(c.opts.OutDir, withExt(rel, ".js"))
	if err := writeFile(out, compiled.Code); err != nil {
		res.Err = err
		return res
	}
	res.Action = ActionCompiled
	res.Output = out
	return res
}

// assetDir is where non-compilable files go.
func (c *Compiler) assetDir() string {
	if c.opts.BinDir != "" {
		return c.opts.BinDir
	}
	return c.opts.OutDir
}

func (c *Compiler) copyFile(src, rel string) Result {
	dir := c.assetDir()
	if dir == "" {
		return Result{Input: src, Action: ActionSkipped}
	}

	data, err := os.ReadFile(src)
	if err != nil {
		return Result{Input: src, Action: ActionFailed, Err: zerr.Wrap(err, "failed to read file")}
	}
	out := filepath.Join(dir, rel)
	if err := writeFile(out, data); err != nil {
		return Result{Input: src, Action: ActionFailed, Err: err}
	}
	return Result{Input: src, Output: out, Action: ActionCopied}
}

func (c *Compiler) writeModule(src, rel string) Result {
	dir := c.assetDir()
	if dir == "" {
		return Result{Input: src, Action: ActionSkipped}
	}

	data, err := os.ReadFile(src)
	if err != nil {
		return Result{Input: src, Action: ActionFailed, Err: zerr.Wrap(err, "failed to read file")}
	}
	out := filepath.Join(dir, rel+".js")
	if err := writeFile(out, DataURLModule(src, data)); err != nil {
		return Result{Input: src, Action: ActionFailed, Err: err}
	}
	return Result{Input: src, Output: out, Action: ActionModule}
}

// DataURLModule renders an ES module whose default export is a base64 data
// URL of data.
func DataURLModule(name string, data []byte) []byte {
	mediaType, _, _ := strings.Cut(mime.TypeByExtension(filepath.Ext(name)), ";")
	if mediaType == "" {
		mediaType = "application/octet-stream"
	}
	return fmt.Appendf(nil, "export default %q;\n",
		"data:"+mediaType+";base64,"+base64.StdEncoding.EncodeToString(data))
}

// outputRel keeps a file input's path under the output directory. Paths
// that would leave it fall back to the base name.
func outputRel(input string) string {
	rel := filepath.Clean(input)
	if filepath.IsAbs(rel) || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return filepath.Base(rel)
	}
	return rel
}

func withExt(path, ext string) string {
	return strings.TrimSuffix(path, filepath.Ext(path)) + ext
}

func writeFile(path string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return zerr.With(zerr.Wrap(err, "failed to create output directory"), "path", path)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return zerr.With(zerr.Wrap(err, "failed to write output"), "path", path)
	}
	return nil
}
