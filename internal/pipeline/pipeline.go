// Package pipeline implements the per-request compile path of a worker.
//
// A request runs through an ordered list of stages over a shared *Request:
//
//	resolve -> cache -> compile -> static
//
// Each stage either lets the request continue to the next stage or finishes
// it by writing a response. resolve decides whether the path names a
// compilable source file at all; anything else falls straight through to
// static file serving. cache answers from the worker's CompileCache, compile
// runs the transpiler and populates the cache, and static serves the file
// untouched.
//
// Concurrent misses for the same file each compile on their own unless
// single flight is enabled.
package pipeline

import (
	"context"
	"fmt"
	"io/fs"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/conneroisu/wildcat/internal/cache"
	"github.com/conneroisu/wildcat/internal/logging"
	"github.com/conneroisu/wildcat/internal/transpiler"
)

// Outcome is how a request ended.
type Outcome int

const (
	OutcomeRaw Outcome = iota
	OutcomeCached
	OutcomeFresh
	OutcomeError
)

func (o Outcome) String() string {
	switch o {
	case OutcomeRaw:
		return "raw"
	case OutcomeCached:
		return "cached"
	case OutcomeFresh:
		return "fresh"
	case OutcomeError:
		return "error"
	default:
		return "unknown"
	}
}

// Step tells the pipeline what to do after a stage.
type Step int

const (
	// Continue passes the request to the next stage.
	Continue Step = iota
	// Done means the stage wrote the response.
	Done
)

// Request is the mutable state shared by the stages of one request.
type Request struct {
	HTTP   *http.Request
	Writer http.ResponseWriter

	// Set by resolve for compilable sources.
	SourcePath string
	RelPath    string
	Key        cache.Key
	ModTime    time.Time

	Outcome Outcome
}

// Compilable reports whether resolve found a source to compile.
func (r *Request) Compilable() bool {
	return r.SourcePath != ""
}

// Stage is one step of the pipeline.
type Stage struct {
	Name   string
	Handle func(req *Request) (Step, error)
}

// Options configure a Pipeline.
type Options struct {
	// Root is the directory static files are served from.
	Root string
	// SourceDir and OutDir are relative to Root. Requests under OutDir are
	// answered from the matching file under SourceDir.
	SourceDir string
	OutDir    string
	// Extensions is the monitored set, with leading dots.
	Extensions []string
	// Fingerprint identifies the compile options; see config.Fingerprint.
	Fingerprint string
	// SingleFlight collapses concurrent compiles of the same file.
	SingleFlight bool
	// ErrorOverlay renders compile errors as HTML for browsers.
	ErrorOverlay bool
	// ReloadScriptURL is loaded by the error overlay, if set.
	ReloadScriptURL string
	// DisableCompile serves everything raw (production mode).
	DisableCompile bool
}

// Stats counts request outcomes.
type Stats struct {
	Raw    int64 `json:"raw"`
	Cached int64 `json:"cached"`
	Fresh  int64 `json:"fresh"`
	Errors int64 `json:"errors"`
}

// Pipeline serves compiled and static assets for one worker.
type Pipeline struct {
	opts       Options
	root       string
	extensions map[string]bool
	cache      *cache.Cache
	transpiler transpiler.Transpiler
	logger     logging.Logger
	static     http.Handler
	group      singleflight.Group
	stages     []Stage

	raw    int64
	cached int64
	fresh  int64
	failed int64
}

// New builds a pipeline over c and t.
func New(opts Options, c *cache.Cache, t transpiler.Transpiler, logger logging.Logger) (*Pipeline, error) {
	root, err := filepath.Abs(opts.Root)
	if err != nil {
		return nil, fmt.Errorf("resolve root: %w", err)
	}
	if c == nil {
		return nil, fmt.Errorf("pipeline requires a cache")
	}
	if t == nil && !opts.DisableCompile {
		return nil, fmt.Errorf("pipeline requires a transpiler")
	}
	if logger == nil {
		logger = logging.NewNop()
	}

	p := &Pipeline{
		opts:       opts,
		root:       root,
		extensions: make(map[string]bool, len(opts.Extensions)),
		cache:      c,
		transpiler: t,
		logger:     logger.WithComponent("pipeline"),
		static:     http.FileServer(noListingFS{http.Dir(root)}),
	}
	for _, ext := range opts.Extensions {
		p.extensions[strings.ToLower(ext)] = true
	}

	p.stages = []Stage{
		{Name: "resolve", Handle: p.resolve},
		{Name: "cache", Handle: p.lookup},
		{Name: "compile", Handle: p.compile},
		{Name: "static", Handle: p.serveStatic},
	}

	return p, nil
}

// Stages returns the stage names in execution order.
func (p *Pipeline) Stages() []string {
	names := make([]string, len(p.stages))
	for i, s := range p.stages {
		names[i] = s.Name
	}
	return names
}

// ServeHTTP implements http.Handler.
func (p *Pipeline) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	req := &Request{HTTP: r, Writer: w}

	for _, stage := range p.stages {
		step, err := stage.Handle(req)
		if err != nil {
			p.fail(req, stage.Name, err)
			p.record(OutcomeError)
			return
		}
		if step == Done {
			p.record(req.Outcome)
			return
		}
	}

	// The static stage always finishes a request; reaching this is a bug in
	// the stage list.
	http.NotFound(w, r)
	p.record(OutcomeRaw)
}

// Stats returns outcome counters.
func (p *Pipeline) Stats() Stats {
	return Stats{
		Raw:    atomic.LoadInt64(&p.raw),
		Cached: atomic.LoadInt64(&p.cached),
		Fresh:  atomic.LoadInt64(&p.fresh),
		Errors: atomic.LoadInt64(&p.failed),
	}
}

func (p *Pipeline) record(o Outcome) {
	switch o {
	case OutcomeCached:
		atomic.AddInt64(&p.cached, 1)
	case OutcomeFresh:
		atomic.AddInt64(&p.fresh, 1)
	case OutcomeError:
		atomic.AddInt64(&p.failed, 1)
	default:
		atomic.AddInt64(&p.raw, 1)
	}
}

// fail answers a request whose stage returned an unexpected error.
func (p *Pipeline) fail(req *Request, stage string, err error) {
	ctx := req.HTTP.Context()
	if ctx.Err() != nil {
		// Client went away; nobody is listening for the answer.
		p.logger.Debug(ctx, "Request cancelled", "stage", stage, "path", req.HTTP.URL.Path)
		return
	}
	p.logger.Error(ctx, err, "Pipeline stage failed", "stage", stage, "path", req.HTTP.URL.Path)
	http.Error(req.Writer, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
}

func (p *Pipeline) lookup(req *Request) (Step, error) {
	if p.opts.DisableCompile || !req.Compilable() {
		return Continue, nil
	}

	entry, ok := p.cache.Get(req.Key, p.opts.Fingerprint)
	if !ok {
		return Continue, nil
	}

	req.Outcome = OutcomeCached
	writeCompiled(req, entry.Compiled, entry.ContentType, "hit")
	return Done, nil
}

func (p *Pipeline) compile(req *Request) (Step, error) {
	if p.opts.DisableCompile || !req.Compilable() {
		return Continue, nil
	}

	ctx := req.HTTP.Context()
	perf := logging.StartOperation(p.logger, "compile")

	var (
		result transpiler.Result
		err    error
	)
	if p.opts.SingleFlight {
		flightKey := req.Key.String() + "\x00" + req.ModTime.String()
		var v any
		v, err, _ = p.group.Do(flightKey, func() (any, error) {
			// Detached from the first caller so its disconnect does not fail
			// the requests sharing this compile.
			return p.compileAndStore(context.WithoutCancel(ctx), req)
		})
		if err == nil {
			result = v.(transpiler.Result)
		}
	} else {
		result, err = p.compileAndStore(ctx, req)
	}

	if err != nil {
		if p.writeCompileError(req, err) {
			req.Outcome = OutcomeError
			return Done, nil
		}
		return Done, err
	}

	perf.End(ctx, "Compiled source", "path", req.RelPath, "bytes", len(result.Code))
	req.Outcome = OutcomeFresh
	writeCompiled(req, result.Code, result.ContentType, "miss")
	return Done, nil
}

// compileAndStore reads, compiles and caches one source file.
func (p *Pipeline) compileAndStore(ctx context.Context, req *Request) (transpiler.Result, error) {
	text, err := os.ReadFile(req.SourcePath)
	if err != nil {
		return transpiler.Result{}, fmt.Errorf("read source: %w", err)
	}

	result, err := p.safeCompile(ctx, transpiler.Source{Path: req.RelPath, File: req.SourcePath, Text: text})
	if err != nil {
		return transpiler.Result{}, err
	}
	if result.ContentType == "" {
		result.ContentType = contentTypeFor(req.SourcePath)
	}

	p.cache.Put(req.Key, cache.Entry{
		Compiled:    result.Code,
		ContentType: result.ContentType,
		ModTime:     req.ModTime,
		Fingerprint: p.opts.Fingerprint,
	})
	p.logger.Debug(ctx, "Cached compiled output", "path", req.RelPath, "bytes", len(result.Code))

	for _, warning := range result.Warnings {
		p.logger.Debug(ctx, "Compile warning", "path", req.RelPath, "warning", warning)
	}

	return result, nil
}

func (p *Pipeline) serveStatic(req *Request) (Step, error) {
	req.Outcome = OutcomeRaw
	p.static.ServeHTTP(req.Writer, req.HTTP)
	return Done, nil
}

func writeCompiled(req *Request, body []byte, contentType, cacheStatus string) {
	h := req.Writer.Header()
	h.Set("Content-Type", contentType)
	h.Set("Content-Length", fmt.Sprint(len(body)))
	h.Set("Cache-Control", "no-cache")
	h.Set("X-Wildcat-Cache", cacheStatus)
	req.Writer.WriteHeader(http.StatusOK)
	if req.HTTP.Method == http.MethodHead {
		return
	}
	_, _ = req.Writer.Write(body)
}

// noListingFS hides directory listings; directories with an index.html
// are still served.
type noListingFS struct {
	fs http.FileSystem
}

func (n noListingFS) Open(name string) (http.File, error) {
	f, err := n.fs.Open(name)
	if err != nil {
		return nil, err
	}

	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}
	if !info.IsDir() {
		return f, nil
	}

	index, err := n.fs.Open(strings.TrimSuffix(name, "/") + "/index.html")
	if err != nil {
		f.Close()
		return nil, fs.ErrNotExist
	}
	index.Close()
	return f, nil
}
