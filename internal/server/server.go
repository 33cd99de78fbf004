// Package server implements a wildcat worker: one HTTP serving unit with
// its own compile cache, transpiler, request pipeline, file watcher and
// reload notifier. Workers share nothing but the listening socket.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"os"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/conneroisu/wildcat/internal/cache"
	"github.com/conneroisu/wildcat/internal/config"
	"github.com/conneroisu/wildcat/internal/invalidator"
	"github.com/conneroisu/wildcat/internal/logging"
	"github.com/conneroisu/wildcat/internal/middleware"
	"github.com/conneroisu/wildcat/internal/pipeline"
	"github.com/conneroisu/wildcat/internal/reload"
	"github.com/conneroisu/wildcat/internal/transpiler"
	"github.com/conneroisu/wildcat/internal/watcher"
)

const (
	// StatusPath reports worker counters as JSON.
	StatusPath = "/__wildcat/status"
	// HealthPath answers liveness probes.
	HealthPath = "/__wildcat/health"

	shutdownTimeout   = 5 * time.Second
	readHeaderTimeout = 10 * time.Second
)

// Worker serves the project root for one worker ordinal.
type Worker struct {
	id     int
	count  int
	cfg    *config.Config
	root   string
	logger logging.Logger

	transpiler  transpiler.Transpiler
	cache       *cache.Cache
	pipeline    *pipeline.Pipeline
	notifier    *reload.Notifier
	watcher     *watcher.Watcher
	invalidator *invalidator.Invalidator
	handler     http.Handler

	mu      sync.Mutex
	serving bool
}

// Option configures a Worker.
type Option func(*Worker)

// WithID sets the 1-based worker ordinal and the configured worker count.
func WithID(id, count int) Option {
	return func(w *Worker) {
		w.id = id
		w.count = count
	}
}

// WithLogger sets the base logger; the worker adds its id to it.
func WithLogger(logger logging.Logger) Option {
	return func(w *Worker) {
		w.logger = logger
	}
}

// WithTranspiler replaces the transpiler built from the compile config.
func WithTranspiler(t transpiler.Transpiler) Option {
	return func(w *Worker) {
		w.transpiler = t
	}
}

// New wires a worker from cfg. Nothing is watched or served until Serve.
func New(cfg *config.Config, opts ...Option) (*Worker, error) {
	if cfg == nil {
		return nil, fmt.Errorf("worker requires a config")
	}

	w := &Worker{id: 1, count: 1, cfg: cfg}
	for _, opt := range opts {
		opt(w)
	}
	if w.logger == nil {
		w.logger = logging.NewNop()
	}
	w.logger = w.logger.With("worker_id", w.id)

	root, err := cfg.AbsRoot()
	if err != nil {
		return nil, fmt.Errorf("resolve root: %w", err)
	}
	w.root = root

	production := cfg.IsProduction()
	if w.transpiler == nil && !production {
		w.transpiler, err = transpiler.New(cfg.Compile)
		if err != nil {
			return nil, fmt.Errorf("create transpiler: %w", err)
		}
	}

	w.cache = cache.New()

	liveReload := !production && cfg.Development.HotReload
	scriptURL := ""
	if liveReload {
		w.notifier = reload.New(w.logger)
		scriptURL = reload.ScriptPath
	}

	w.pipeline, err = pipeline.New(pipeline.Options{
		Root:            root,
		SourceDir:       cfg.Paths.SourceDir,
		OutDir:          cfg.Paths.OutDir,
		Extensions:      cfg.Compile.Extensions,
		Fingerprint:     cfg.Compile.Fingerprint(),
		SingleFlight:    cfg.Compile.SingleFlight,
		ErrorOverlay:    cfg.Development.ErrorOverlay,
		ReloadScriptURL: scriptURL,
		DisableCompile:  production,
	}, w.cache, w.transpiler, w.logger)
	if err != nil {
		return nil, fmt.Errorf("create pipeline: %w", err)
	}

	if !production {
		w.watcher, err = watcher.New(root,
			watcher.WithExcludedDirs(cfg.Paths.OutDir, cfg.Paths.BinDir),
			watcher.WithFilter(watcher.IgnoreFilter(root, cfg.Paths.Ignore...)),
			watcher.WithLogger(w.logger),
		)
		if err != nil {
			return nil, fmt.Errorf("create watcher: %w", err)
		}

		// A nil *reload.Notifier must not become a non-nil interface.
		var notifier invalidator.Notifier
		if w.notifier != nil {
			notifier = w.notifier
		}
		w.invalidator = invalidator.New(root, w.cache, notifier, w.logger)
	}

	w.handler, err = w.routes()
	if err != nil {
		return nil, err
	}
	return w, nil
}

// ID returns the worker ordinal.
func (w *Worker) ID() int {
	return w.id
}

// Handler returns the worker's full HTTP handler.
func (w *Worker) Handler() http.Handler {
	return w.handler
}

// Cache returns the worker's compile cache.
func (w *Worker) Cache() *cache.Cache {
	return w.cache
}

// Notifier returns the reload notifier, or nil when live reload is off.
func (w *Worker) Notifier() *reload.Notifier {
	return w.notifier
}

func (w *Worker) routes() (http.Handler, error) {
	chain, err := middleware.NewChain(middleware.Dependencies{
		Config: w.cfg,
		Logger: w.logger.WithComponent("http"),
	})
	if err != nil {
		return nil, fmt.Errorf("create middleware chain: %w", err)
	}

	r := chi.NewRouter()
	r.Use(chimw.RequestID, chimw.Recoverer)
	r.Use(chain.Handlers()...)

	// The websocket route stays outside the compressor, which would wrap
	// the hijacked connection.
	if w.notifier != nil {
		r.Handle(reload.SocketPath, w.notifier.Handler(originPatterns(w.cfg)...))
	}

	r.Group(func(r chi.Router) {
		r.Use(chimw.Compress(5))

		r.Get(HealthPath, w.handleHealth)
		r.Get(StatusPath, w.handleStatus)

		if w.notifier != nil {
			r.Handle(reload.ScriptPath, reload.ScriptHandler())
		}

		assets := http.Handler(w.pipeline)
		if w.notifier != nil && w.cfg.Development.InjectScript {
			assets = reload.InjectScript(reload.ScriptPath)(assets)
		}
		r.Handle("/*", assets)
	})

	return r, nil
}

// Serve accepts connections on ln until ctx is cancelled, then shuts down
// gracefully. The file watcher runs alongside; if it fails, the error is
// logged and serving continues.
func (w *Worker) Serve(ctx context.Context, ln net.Listener) error {
	w.mu.Lock()
	if w.serving {
		w.mu.Unlock()
		return fmt.Errorf("worker %d is already serving", w.id)
	}
	w.serving = true
	w.mu.Unlock()

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	srv := &http.Server{
		Handler:           w.handler,
		ReadHeaderTimeout: readHeaderTimeout,
		BaseContext:       func(net.Listener) context.Context { return runCtx },
	}

	var wg sync.WaitGroup
	if w.watcher != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			w.watch(runCtx)
		}()
	}

	errCh := make(chan error, 1)
	go func() {
		if w.cfg.Server.Protocol == "https" {
			errCh <- srv.ServeTLS(ln, w.cfg.Server.CertFile, w.cfg.Server.KeyFile)
			return
		}
		errCh <- srv.Serve(ln)
	}()

	w.logger.Debug(ctx, "Worker serving", "pid", os.Getpid(), "addr", ln.Addr().String())
	if w.id == w.count {
		w.logger.Info(ctx, "Server running", "url", w.cfg.URL(), "workers", w.count)
	}

	var (
		serveErr error
		returned bool
	)
	select {
	case serveErr = <-errCh:
		returned = true
	case <-ctx.Done():
	}

	if w.notifier != nil {
		w.notifier.Close()
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer shutdownCancel()
	shutdownErr := srv.Shutdown(shutdownCtx)
	if errors.Is(shutdownErr, net.ErrClosed) {
		// Another worker sharing the listener closed it first.
		shutdownErr = nil
	}

	if !returned {
		serveErr = <-errCh
	}
	cancel()
	wg.Wait()

	switch {
	case serveErr == nil, errors.Is(serveErr, http.ErrServerClosed):
	case ctx.Err() != nil && errors.Is(serveErr, net.ErrClosed):
	default:
		return fmt.Errorf("worker %d: serve: %w", w.id, serveErr)
	}
	if shutdownErr != nil {
		return fmt.Errorf("worker %d: shutdown: %w", w.id, shutdownErr)
	}
	w.logger.Debug(ctx, "Worker stopped")
	return nil
}

// watch runs the file watcher and the invalidator until ctx ends.
func (w *Worker) watch(ctx context.Context) {
	defer w.watcher.Close()

	if err := w.watcher.Start(ctx); err != nil {
		w.logger.Error(ctx, err, "File watcher failed to start; live reload disabled")
		return
	}
	if err := w.invalidator.Run(ctx, w.watcher); err != nil {
		w.logger.Error(ctx, err, "File watching stopped; serving continues")
	}
}

// originPatterns turns allowed origins into the host patterns the websocket
// handshake checks. Same-host requests are always accepted.
func originPatterns(cfg *config.Config) []string {
	var patterns []string
	for _, origin := range cfg.Server.AllowedOrigins {
		if origin == "*" {
			return []string{"*"}
		}
		if u, err := url.Parse(origin); err == nil && u.Host != "" {
			patterns = append(patterns, u.Host)
			continue
		}
		patterns = append(patterns, origin)
	}
	if cfg.Server.Host != "" {
		patterns = append(patterns, cfg.Server.Host+":*")
	}
	return patterns
}
