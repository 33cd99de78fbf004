// Package internal contains the implementation packages for wildcat.
//
// # Package Organization
//
//   - config: Configuration loading, defaults and validation
//   - logging: Structured logging on top of log/slog
//   - errors: Compile, watch and worker exit errors and the HTML overlay
//   - transpiler: The Transpiler contract with esbuild and command backends
//   - cache: Compiled results keyed by canonical source path
//   - pipeline: The ordered request stages (compile, then static files)
//   - watcher: File system change events over fsnotify
//   - invalidator: Evicts cache entries on change and notifies clients
//   - reload: Live reload websocket endpoint, client script and injection
//   - middleware: Request logging and CORS for the worker router
//   - server: One worker: router, pipeline and watcher over a listener
//   - supervisor: Starts workers on a shared listener and tracks their exits
//   - batch: One-shot and watch-mode compiles outside the server
//   - version: Build identity of the binary
//
// # Request Flow
//
// A request enters the worker router, passes the middleware chain and is
// handed to the pipeline. The compile stage claims paths with a monitored
// extension: it serves a cached result, or reads the file, compiles it and
// stores the result. Everything else falls through to the static stage.
//
// The watcher reports added and modified files to the invalidator, which
// evicts the matching cache entry before broadcasting a reload message.
// A request that starts after the eviction always compiles again.
package internal
