package watcher

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	werrors "github.com/conneroisu/wildcat/internal/errors"
)

func TestKindString(t *testing.T) {
	testCases := []struct {
		kind     Kind
		expected string
	}{
		{KindAdded, "added"},
		{KindModified, "modified"},
		{Kind(42), "unknown"},
	}

	for _, tc := range testCases {
		t.Run(tc.expected, func(t *testing.T) {
			assert.Equal(t, tc.expected, tc.kind.String())
			text, err := tc.kind.MarshalText()
			require.NoError(t, err)
			assert.Equal(t, tc.expected, string(text))
		})
	}
}

// startWatcher starts w and pumps its events into a channel.
func startWatcher(t *testing.T, w *Watcher) <-chan Event {
	t.Helper()

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	require.NoError(t, w.Start(ctx))
	select {
	case <-w.Ready():
	case <-time.After(5 * time.Second):
		t.Fatal("watcher never became ready")
	}

	out := make(chan Event, 100)
	go func() {
		defer close(out)
		for event := range w.Events() {
			out <- event
		}
	}()
	return out
}

func waitForEvent(t *testing.T, events <-chan Event, match func(Event) bool) Event {
	t.Helper()
	timeout := time.After(5 * time.Second)
	for {
		select {
		case event, ok := <-events:
			require.True(t, ok, "event stream ended early")
			if match(event) {
				return event
			}
		case <-timeout:
			t.Fatal("timed out waiting for event")
			return Event{}
		}
	}
}

func TestWatcherReportsAddedAndModified(t *testing.T) {
	root := t.TempDir()
	w, err := New(root)
	require.NoError(t, err)
	defer w.Close()

	events := startWatcher(t, w)
	path := filepath.Join(root, "app.jsx")

	require.NoError(t, os.WriteFile(path, []byte("one"), 0o644))
	added := waitForEvent(t, events, func(e Event) bool { return e.Path == path })
	assert.Equal(t, KindAdded, added.Kind)

	time.Sleep(50 * time.Millisecond)
	require.NoError(t, os.WriteFile(path, []byte("two"), 0o644))
	waitForEvent(t, events, func(e Event) bool { return e.Path == path && e.Kind == KindModified })
}

func TestWatcherIgnoresExcludedDirectories(t *testing.T) {
	root := t.TempDir()
	for _, dir := range []string{"node_modules", "public", "src"} {
		require.NoError(t, os.MkdirAll(filepath.Join(root, dir), 0o755))
	}

	w, err := New(root, WithExcludedDirs("public"))
	require.NoError(t, err)
	defer w.Close()

	events := startWatcher(t, w)

	require.NoError(t, os.WriteFile(filepath.Join(root, "node_modules", "dep.js"), []byte("x"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(root, "public", "app.js"), []byte("x"), 0o644))
	sentinel := filepath.Join(root, "src", "app.js")
	require.NoError(t, os.WriteFile(sentinel, []byte("x"), 0o644))

	first := waitForEvent(t, events, func(Event) bool { return true })
	assert.Equal(t, sentinel, first.Path, "events from excluded directories must be dropped")
}

func TestWatcherFollowsNewDirectories(t *testing.T) {
	root := t.TempDir()
	w, err := New(root)
	require.NoError(t, err)
	defer w.Close()

	events := startWatcher(t, w)

	sub := filepath.Join(root, "components")
	require.NoError(t, os.Mkdir(sub, 0o755))
	// Give the watcher time to register the new directory.
	time.Sleep(100 * time.Millisecond)

	path := filepath.Join(sub, "button.jsx")
	require.NoError(t, os.WriteFile(path, []byte("x"), 0o644))
	waitForEvent(t, events, func(e Event) bool { return e.Path == path })
}

func TestWatcherAppliesFilters(t *testing.T) {
	root := t.TempDir()
	w, err := New(root, WithFilter(ExtensionFilter(".jsx")))
	require.NoError(t, err)
	defer w.Close()

	events := startWatcher(t, w)

	require.NoError(t, os.WriteFile(filepath.Join(root, "notes.txt"), []byte("x"), 0o644))
	path := filepath.Join(root, "app.jsx")
	require.NoError(t, os.WriteFile(path, []byte("x"), 0o644))

	first := waitForEvent(t, events, func(Event) bool { return true })
	assert.Equal(t, path, first.Path)
}

func TestWatcherStopsWithContext(t *testing.T) {
	root := t.TempDir()
	w, err := New(root)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, w.Start(ctx))
	<-w.Ready()

	done := make(chan struct{})
	go func() {
		defer close(done)
		for range w.Events() {
		}
	}()

	cancel()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("event stream did not end after cancel")
	}
	assert.NoError(t, w.Err())
}

func TestWatcherCloseWithoutStart(t *testing.T) {
	w, err := New(t.TempDir())
	require.NoError(t, err)
	require.NoError(t, w.Close())

	count := 0
	for range w.Events() {
		count++
	}
	assert.Zero(t, count)
}

func TestWatcherMissingRoot(t *testing.T) {
	w, err := New(filepath.Join(t.TempDir(), "missing"))
	require.NoError(t, err)
	defer w.Close()

	err = w.Start(context.Background())
	require.Error(t, err)

	var we *werrors.WatchError
	require.ErrorAs(t, err, &we)
	assert.True(t, we.Fatal)
}

func TestAccept(t *testing.T) {
	root := "/project"
	w := &Watcher{root: root}
	WithSkipNames(DefaultSkipNames...)(w)
	WithExcludedDirs("public", "/project/bin")(w)
	WithFilter(IgnoreFilter(root, "*.min.js", "src/vendor/*"))(w)

	tests := []struct {
		path   string
		expect bool
	}{
		{"/project/src/app.jsx", true},
		{"/project/src/deep/a.js", true},
		{"/project/public/app.js", false},
		{"/project/bin/logo.js", false},
		{"/project/node_modules/react/index.js", false},
		{"/project/src/jspm_packages/x.js", false},
		{"/project/.git/HEAD", false},
		{"/project/src/lib.min.js", false},
		{"/project/src/vendor/x.js", false},
		{"/elsewhere/a.js", false},
		{"/project/publication.js", true},
	}

	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			assert.Equal(t, tt.expect, w.accept(tt.path))
		})
	}
}

func TestExtensionFilter(t *testing.T) {
	filter := ExtensionFilter(".es6", ".JSX")
	assert.True(t, filter("a.es6"))
	assert.True(t, filter("a.jsx"))
	assert.True(t, filter("A.JSX"))
	assert.False(t, filter("a.js"))
	assert.False(t, filter("Makefile"))
}
