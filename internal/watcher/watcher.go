// Package watcher turns fsnotify notifications for a directory tree into a
// typed stream of add/modify events.
//
// A Watcher walks the tree once on Start, registers every directory that is
// not excluded and then closes its Ready channel. Events are delivered
// through an iterator backed by a bounded channel; a consumer that falls
// behind blocks the watcher goroutine instead of losing events.
package watcher

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"iter"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"

	werrors "github.com/conneroisu/wildcat/internal/errors"
	"github.com/conneroisu/wildcat/internal/logging"
)

// Kind is the type of change reported for a path.
type Kind int

const (
	KindAdded Kind = iota
	KindModified
)

// String returns the string representation of the Kind
func (k Kind) String() string {
	switch k {
	case KindAdded:
		return "added"
	case KindModified:
		return "modified"
	default:
		return "unknown"
	}
}

// MarshalText encodes the kind as its name.
func (k Kind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

// UnmarshalText decodes a kind name.
func (k *Kind) UnmarshalText(text []byte) error {
	switch string(text) {
	case "added":
		*k = KindAdded
	case "modified":
		*k = KindModified
	default:
		return fmt.Errorf("unknown change kind %q", text)
	}
	return nil
}

// Event is one change under the watched root. Path is absolute.
type Event struct {
	Path string
	Kind Kind
}

// FileFilter determines if a file should be reported
type FileFilter func(path string) bool

// DefaultSkipNames are directory names never descended into.
var DefaultSkipNames = []string{".git", "node_modules", "jspm_packages"}

const defaultBuffer = 100

// Watcher watches a directory tree with fsnotify.
type Watcher struct {
	fsWatcher *fsnotify.Watcher
	root      string
	skipNames map[string]bool
	excluded  []string
	filters   []FileFilter
	logger    logging.Logger

	events    chan Event
	ready     chan struct{}
	startOnce sync.Once
	closing   atomic.Bool

	mutex sync.Mutex
	err   error
}

// Option configures a Watcher.
type Option func(*Watcher)

// WithFilter adds a file filter; every filter must accept a path.
func WithFilter(filter FileFilter) Option {
	return func(w *Watcher) {
		w.filters = append(w.filters, filter)
	}
}

// WithExcludedDirs ignores everything under dirs. Relative dirs are taken
// relative to the root.
func WithExcludedDirs(dirs ...string) Option {
	return func(w *Watcher) {
		for _, dir := range dirs {
			if dir == "" {
				continue
			}
			if !filepath.IsAbs(dir) {
				dir = filepath.Join(w.root, dir)
			}
			w.excluded = append(w.excluded, filepath.Clean(dir))
		}
	}
}

// WithSkipNames replaces the directory names that are never watched.
func WithSkipNames(names ...string) Option {
	return func(w *Watcher) {
		w.skipNames = make(map[string]bool, len(names))
		for _, name := range names {
			w.skipNames[name] = true
		}
	}
}

// WithLogger sets the logger for transient errors.
func WithLogger(logger logging.Logger) Option {
	return func(w *Watcher) {
		w.logger = logger
	}
}

// WithBuffer sets the event channel capacity.
func WithBuffer(n int) Option {
	return func(w *Watcher) {
		if n >= 0 {
			w.events = make(chan Event, n)
		}
	}
}

// New creates a watcher for root. Nothing is watched until Start.
func New(root string, opts ...Option) (*Watcher, error) {
	absRoot, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolve watch root: %w", err)
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, werrors.NewWatchError(absRoot, true, err)
	}

	w := &Watcher{
		fsWatcher: fsw,
		root:      absRoot,
		logger:    logging.NewNop(),
		events:    make(chan Event, defaultBuffer),
		ready:     make(chan struct{}),
	}
	WithSkipNames(DefaultSkipNames...)(w)
	for _, opt := range opts {
		opt(w)
	}

	return w, nil
}

// Root returns the absolute watch root.
func (w *Watcher) Root() string {
	return w.root
}

// Start registers the tree and begins delivering events until ctx is done.
// Ready is closed once the initial scan has finished.
func (w *Watcher) Start(ctx context.Context) error {
	var err error
	w.startOnce.Do(func() {
		info, statErr := os.Stat(w.root)
		if statErr != nil {
			err = werrors.NewWatchError(w.root, true, statErr)
			return
		}
		if !info.IsDir() {
			err = werrors.NewWatchError(w.root, true, fmt.Errorf("not a directory"))
			return
		}

		for dir := range w.directories(w.root) {
			if addErr := w.fsWatcher.Add(dir); addErr != nil {
				err = werrors.NewWatchError(w.root, true, fmt.Errorf("watch %s: %w", dir, addErr))
				return
			}
		}

		close(w.ready)
		go w.processEvents(ctx)
	})
	return err
}

// Events returns the event stream. It ends when the watcher stops.
func (w *Watcher) Events() iter.Seq[Event] {
	return func(yield func(Event) bool) {
		for event := range w.events {
			if !yield(event) {
				return
			}
		}
	}
}

// Ready is closed after the initial directory scan.
func (w *Watcher) Ready() <-chan struct{} {
	return w.ready
}

// Err returns the fatal error that ended the stream, if any.
func (w *Watcher) Err() error {
	w.mutex.Lock()
	defer w.mutex.Unlock()
	return w.err
}

// Close stops the watcher and releases all resources.
func (w *Watcher) Close() error {
	w.closing.Store(true)
	// Never started: end the stream here since no goroutine will.
	w.startOnce.Do(func() { close(w.events) })
	return w.fsWatcher.Close()
}

func (w *Watcher) fail(err error) {
	w.mutex.Lock()
	defer w.mutex.Unlock()
	if w.err == nil {
		w.err = err
	}
}

// directories yields root and every watchable directory below it.
func (w *Watcher) directories(root string) iter.Seq[string] {
	return func(yield func(string) bool) {
		_ = filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				// Unreadable subtrees are skipped, not fatal.
				return nil //nolint:nilerr
			}
			if !d.IsDir() {
				return nil
			}
			if path != root && w.skipDir(path) {
				return fs.SkipDir
			}
			if !yield(path) {
				return filepath.SkipAll
			}
			return nil
		})
	}
}

func (w *Watcher) skipDir(path string) bool {
	if w.skipNames[filepath.Base(path)] {
		return true
	}
	return w.isExcluded(path)
}

func (w *Watcher) isExcluded(path string) bool {
	for _, dir := range w.excluded {
		if path == dir || strings.HasPrefix(path, dir+string(filepath.Separator)) {
			return true
		}
	}
	return false
}

// accept reports whether a change to path is reported.
func (w *Watcher) accept(path string) bool {
	if w.isExcluded(path) {
		return false
	}

	rel, err := filepath.Rel(w.root, path)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return false
	}
	for _, part := range strings.Split(filepath.Dir(rel), string(filepath.Separator)) {
		if w.skipNames[part] {
			return false
		}
	}

	for _, filter := range w.filters {
		if !filter(path) {
			return false
		}
	}
	return true
}

func (w *Watcher) processEvents(ctx context.Context) {
	defer close(w.events)
	defer w.fsWatcher.Close()

	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-w.fsWatcher.Events:
			if !ok {
				w.stopped()
				return
			}
			if !w.handle(ctx, event) {
				return
			}
		case err, ok := <-w.fsWatcher.Errors:
			if !ok {
				w.stopped()
				return
			}
			if errors.Is(err, fsnotify.ErrEventOverflow) {
				// Changes were lost; the next edit of an affected file still
				// invalidates it, so keep going.
				w.logger.Warn(ctx, werrors.NewWatchError(w.root, false, err), "Watcher queue overflowed")
				continue
			}
			w.logger.Warn(ctx, werrors.NewWatchError(w.root, false, err), "File watcher error")
		}
	}
}

// stopped records an unexpected end of the fsnotify streams.
func (w *Watcher) stopped() {
	if w.closing.Load() {
		return
	}
	w.fail(werrors.NewWatchError(w.root, true, fmt.Errorf("fsnotify stream closed")))
}

// handle converts and delivers one fsnotify event. It returns false when
// ctx ends while blocked on a slow consumer.
func (w *Watcher) handle(ctx context.Context, event fsnotify.Event) bool {
	var kind Kind
	switch {
	case event.Has(fsnotify.Create):
		kind = KindAdded
	case event.Has(fsnotify.Write):
		kind = KindModified
	default:
		return true
	}

	path := filepath.Clean(event.Name)

	if kind == KindAdded {
		if info, err := os.Stat(path); err == nil && info.IsDir() {
			if !w.skipDir(path) {
				for dir := range w.directories(path) {
					if err := w.fsWatcher.Add(dir); err != nil {
						w.logger.Warn(ctx, err, "Failed to watch new directory", "dir", dir)
					}
				}
			}
			return true
		}
	}

	if !w.accept(path) {
		return true
	}

	select {
	case w.events <- Event{Path: path, Kind: kind}:
		return true
	case <-ctx.Done():
		return false
	}
}

// ExtensionFilter accepts files whose extension is in exts.
func ExtensionFilter(exts ...string) FileFilter {
	set := make(map[string]bool, len(exts))
	for _, ext := range exts {
		set[strings.ToLower(ext)] = true
	}
	return func(path string) bool {
		return set[strings.ToLower(filepath.Ext(path))]
	}
}

// IgnoreFilter rejects paths whose root-relative form or base name matches
// one of the glob patterns.
func IgnoreFilter(root string, patterns ...string) FileFilter {
	return func(path string) bool {
		rel, err := filepath.Rel(root, path)
		if err != nil {
			rel = path
		}
		rel = filepath.ToSlash(rel)
		for _, pattern := range patterns {
			if ok, _ := filepath.Match(pattern, rel); ok {
				return false
			}
			if ok, _ := filepath.Match(pattern, filepath.Base(path)); ok {
				return false
			}
		}
		return true
	}
}
