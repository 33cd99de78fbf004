// Package invalidator connects the filesystem watcher to a worker's compile
// cache and reload notifier. Every change event evicts the matching cache
// entry and is forwarded to live clients; nothing is recompiled here, the
// next request for the file does that.
package invalidator

import (
	"context"
	"iter"
	"path/filepath"
	"strings"
	"sync/atomic"

	"github.com/conneroisu/wildcat/internal/cache"
	"github.com/conneroisu/wildcat/internal/logging"
	"github.com/conneroisu/wildcat/internal/watcher"
)

// Source is a stream of change events with a readiness signal.
type Source interface {
	Events() iter.Seq[watcher.Event]
	Ready() <-chan struct{}
	Err() error
}

// Evictor removes cache entries.
type Evictor interface {
	Evict(key cache.Key) bool
}

// Notifier broadcasts a change to live clients and returns how many
// received it.
type Notifier interface {
	Broadcast(ctx context.Context, event watcher.Event) int
}

// Stats counts processed events.
type Stats struct {
	Events    int64 `json:"events"`
	Evictions int64 `json:"evictions"`
}

// Invalidator evicts and notifies for each change under root.
type Invalidator struct {
	root     string
	evictor  Evictor
	notifier Notifier
	logger   logging.Logger

	events    int64
	evictions int64
}

// New creates an invalidator. notifier may be nil when live reload is off.
func New(root string, evictor Evictor, notifier Notifier, logger logging.Logger) *Invalidator {
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Invalidator{
		root:     root,
		evictor:  evictor,
		notifier: notifier,
		logger:   logger.WithComponent("invalidator"),
	}
}

// Run consumes src until it ends or ctx is done. It waits for the source to
// finish its initial scan first. A fatal watch error ending the stream is
// returned; the caller keeps serving without invalidation.
func (inv *Invalidator) Run(ctx context.Context, src Source) error {
	select {
	case <-src.Ready():
	case <-ctx.Done():
		return nil
	}

	inv.logger.Debug(ctx, "Watching for changes", "root", inv.root)

	for event := range src.Events() {
		if ctx.Err() != nil {
			return nil
		}
		inv.Handle(ctx, event)
	}

	if ctx.Err() != nil {
		return nil
	}
	return src.Err()
}

// Handle processes one event: evict, then forward.
func (inv *Invalidator) Handle(ctx context.Context, event watcher.Event) {
	atomic.AddInt64(&inv.events, 1)

	rel := event.Path
	if filepath.IsAbs(rel) {
		if r, err := filepath.Rel(inv.root, rel); err == nil && !strings.HasPrefix(r, "..") {
			rel = r
		}
	}

	key, err := cache.KeyFor(inv.root, rel)
	if err != nil {
		inv.logger.Warn(ctx, err, "Cannot derive cache key", "path", event.Path)
	} else if inv.evictor.Evict(key) {
		atomic.AddInt64(&inv.evictions, 1)
		inv.logger.Debug(ctx, "Evicted cache entry", "path", rel, "kind", event.Kind.String())
	}

	if inv.notifier == nil {
		return
	}
	clients := inv.notifier.Broadcast(ctx, watcher.Event{Path: filepath.ToSlash(rel), Kind: event.Kind})
	inv.logger.Debug(ctx, "File change broadcast", "path", rel, "kind", event.Kind.String(), "clients", clients)
}

// Stats returns processed event counters.
func (inv *Invalidator) Stats() Stats {
	return Stats{
		Events:    atomic.LoadInt64(&inv.events),
		Evictions: atomic.LoadInt64(&inv.evictions),
	}
}
