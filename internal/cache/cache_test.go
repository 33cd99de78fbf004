package cache

import (
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeInfo struct {
	fs.FileInfo
	modTime time.Time
}

func (f fakeInfo) ModTime() time.Time { return f.modTime }

// fakeStat serves modification times from a map and counts lookups.
type fakeStat struct {
	mu    sync.Mutex
	times map[string]time.Time
	calls int
}

func (f *fakeStat) stat(name string) (fs.FileInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	mt, ok := f.times[name]
	if !ok {
		return nil, os.ErrNotExist
	}
	return fakeInfo{modTime: mt}, nil
}

func (f *fakeStat) touch(name string, t time.Time) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.times[name] = t
}

func newFakeStat() *fakeStat {
	return &fakeStat{times: make(map[string]time.Time)}
}

func mustKey(t *testing.T, path string) Key {
	t.Helper()
	key, err := NewKey(path)
	require.NoError(t, err)
	return key
}

func TestCacheGetPut(t *testing.T) {
	st := newFakeStat()
	c := New(WithStat(st.stat))
	key := mustKey(t, "/src/app.jsx")
	mtime := time.Unix(1700000000, 0)
	st.touch(key.String(), mtime)

	_, ok := c.Get(key, "fp")
	assert.False(t, ok, "empty cache must miss")

	c.Put(key, Entry{Compiled: []byte("compiled"), ModTime: mtime, Fingerprint: "fp"})

	entry, ok := c.Get(key, "fp")
	require.True(t, ok)
	assert.Equal(t, []byte("compiled"), entry.Compiled)
	assert.False(t, entry.CompiledAt.IsZero())
	assert.Equal(t, 1, st.calls, "a hit performs exactly one stat")

	stats := c.Stats()
	assert.Equal(t, int64(1), stats.Hits)
	assert.Equal(t, int64(1), stats.Misses)
	assert.Equal(t, int64(1), stats.Puts)
	assert.Equal(t, 1, stats.Entries)
}

func TestCacheStaleEntries(t *testing.T) {
	mtime := time.Unix(1700000000, 0)

	tests := []struct {
		name   string
		mutate func(st *fakeStat, key Key)
		fp     string
	}{
		{
			name: "modification time changed",
			mutate: func(st *fakeStat, key Key) {
				st.touch(key.String(), mtime.Add(time.Second))
			},
			fp: "fp",
		},
		{
			name:   "fingerprint changed",
			mutate: func(*fakeStat, Key) {},
			fp:     "other",
		},
		{
			name: "file removed",
			mutate: func(st *fakeStat, key Key) {
				st.mu.Lock()
				delete(st.times, key.String())
				st.mu.Unlock()
			},
			fp: "fp",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			st := newFakeStat()
			c := New(WithStat(st.stat))
			key := mustKey(t, "/src/app.jsx")
			st.touch(key.String(), mtime)
			c.Put(key, Entry{Compiled: []byte("x"), ModTime: mtime, Fingerprint: "fp"})

			tt.mutate(st, key)

			_, ok := c.Get(key, tt.fp)
			assert.False(t, ok)
			assert.Equal(t, 0, c.Len(), "stale entry must be discarded")
		})
	}
}

func TestCacheEvict(t *testing.T) {
	c := New()
	key := mustKey(t, "/src/a.js")

	assert.False(t, c.Evict(key), "evicting a missing key is a no-op")

	c.Put(key, Entry{Compiled: []byte("a")})
	assert.True(t, c.Evict(key))
	assert.False(t, c.Evict(key))
	assert.Equal(t, 0, c.Len())
	assert.Equal(t, int64(1), c.Stats().Evictions)
}

func TestCacheEvictLeavesOtherKeys(t *testing.T) {
	st := newFakeStat()
	c := New(WithStat(st.stat))
	a := mustKey(t, "/src/a.js")
	b := mustKey(t, "/src/b.js")
	mtime := time.Unix(1, 0)
	st.touch(a.String(), mtime)
	st.touch(b.String(), mtime)

	c.Put(a, Entry{Compiled: []byte("a"), ModTime: mtime, Fingerprint: "fp"})
	c.Put(b, Entry{Compiled: []byte("b"), ModTime: mtime, Fingerprint: "fp"})
	c.Evict(a)

	entry, ok := c.Get(b, "fp")
	require.True(t, ok)
	assert.Equal(t, []byte("b"), entry.Compiled)
}

func TestCacheClear(t *testing.T) {
	c := New()
	c.Put(mustKey(t, "/a.js"), Entry{})
	c.Put(mustKey(t, "/b.js"), Entry{})

	c.Clear()
	assert.Equal(t, 0, c.Len())
	assert.Equal(t, int64(2), c.Stats().Evictions)
}

func TestCacheRealFilesystem(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "app.jsx")
	require.NoError(t, os.WriteFile(path, []byte("<div/>"), 0o644))

	info, err := os.Stat(path)
	require.NoError(t, err)

	c := New()
	key := mustKey(t, path)
	c.Put(key, Entry{Compiled: []byte("compiled"), ModTime: info.ModTime(), Fingerprint: "fp"})

	_, ok := c.Get(key, "fp")
	assert.True(t, ok)

	later := info.ModTime().Add(2 * time.Second)
	require.NoError(t, os.Chtimes(path, later, later))

	_, ok = c.Get(key, "fp")
	assert.False(t, ok)
}

func TestCacheConcurrentAccess(t *testing.T) {
	st := newFakeStat()
	c := New(WithStat(st.stat))
	mtime := time.Unix(1, 0)

	keys := make([]Key, 16)
	for i := range keys {
		keys[i] = mustKey(t, filepath.Join("/src", string(rune('a'+i))+".js"))
		st.touch(keys[i].String(), mtime)
	}

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(worker int) {
			defer wg.Done()
			for j := 0; j < 200; j++ {
				key := keys[(worker+j)%len(keys)]
				switch j % 3 {
				case 0:
					c.Put(key, Entry{ModTime: mtime, Fingerprint: "fp"})
				case 1:
					c.Get(key, "fp")
				default:
					c.Evict(key)
				}
			}
		}(i)
	}
	wg.Wait()

	assert.LessOrEqual(t, c.Len(), len(keys))
}

func TestNewKey(t *testing.T) {
	t.Run("equivalent spellings", func(t *testing.T) {
		a := mustKey(t, "/src/./app.jsx")
		b := mustKey(t, "/src/lib/../app.jsx")
		assert.Equal(t, a, b)
	})

	t.Run("unicode normalization", func(t *testing.T) {
		composed := mustKey(t, "/src/caf\u00e9.js")
		decomposed := mustKey(t, "/src/cafe\u0301.js")
		assert.Equal(t, composed, decomposed)
	})

	t.Run("relative resolved against working directory", func(t *testing.T) {
		wd, err := os.Getwd()
		require.NoError(t, err)
		assert.Equal(t, Key(filepath.Join(wd, "src", "a.js")), mustKey(t, "src/a.js"))
	})

	t.Run("key for relative path under root", func(t *testing.T) {
		key, err := KeyFor("/project", "src/app.jsx")
		require.NoError(t, err)
		assert.Equal(t, mustKey(t, "/project/src/app.jsx"), key)

		abs, err := KeyFor("/project", "/elsewhere/x.js")
		require.NoError(t, err)
		assert.Equal(t, Key("/elsewhere/x.js"), abs)
	})
}
