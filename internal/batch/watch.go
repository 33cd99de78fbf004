package batch

import (
	"context"
	"path/filepath"

	"go.trai.ch/zerr"

	"github.com/conneroisu/wildcat/internal/watcher"
)

// Watch compiles each file under dir again whenever it is added or
// modified, until ctx ends. Nothing is cached and a failing file is only
// reported. ready, if not nil, is closed once the initial walk is done.
func (c *Compiler) Watch(ctx context.Context, dir string, ready chan<- struct{}) error {
	root, err := filepath.Abs(dir)
	if err != nil {
		return zerr.With(zerr.Wrap(err, "failed to resolve watch directory"), "dir", dir)
	}

	var excluded []string
	for _, d := range []string{c.opts.OutDir, c.opts.BinDir} {
		if d == "" {
			continue
		}
		if abs, err := filepath.Abs(d); err == nil {
			excluded = append(excluded, abs)
		}
	}

	w, err := watcher.New(root,
		watcher.WithExcludedDirs(excluded...),
		watcher.WithFilter(watcher.IgnoreFilter(root, c.opts.Ignore...)),
		watcher.WithLogger(c.logger),
	)
	if err != nil {
		return zerr.Wrap(err, "failed to create watcher")
	}
	defer w.Close()

	if err := w.Start(ctx); err != nil {
		return zerr.Wrap(err, "failed to start watcher")
	}

	select {
	case <-w.Ready():
	case <-ctx.Done():
		return nil
	}
	if ready != nil {
		close(ready)
	}
	c.logger.Info(ctx, "Watching local files for code changes", "dir", dir)

	for event := range w.Events() {
		rel, err := filepath.Rel(root, event.Path)
		if err != nil {
			rel = filepath.Base(event.Path)
		}

		result := c.handleFile(ctx, event.Path, rel)
		if result.Action == ActionCompiled && c.opts.OutDir == "" {
			if _, err := c.opts.Stdout.Write(result.Code); err != nil {
				result = Result{Input: event.Path, Action: ActionFailed, Err: zerr.Wrap(err, "failed to write output")}
			}
		}
		if result.Err != nil {
			c.logger.Error(ctx, result.Err, "Compile failed", "path", rel, "kind", event.Kind.String())
		}
		if c.opts.OnResult != nil {
			c.opts.OnResult(result)
		}
	}

	if ctx.Err() != nil {
		return nil
	}
	return w.Err()
}
