package cache

import (
	"path/filepath"

	"golang.org/x/text/unicode/norm"
)

// Key is the canonical identity of a source file: an absolute, cleaned,
// NFC-normalized path. Two spellings of the same location yield equal keys.
type Key string

// NewKey canonicalizes path. Relative paths are resolved against the
// working directory.
func NewKey(path string) (Key, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", err
	}
	return Key(norm.NFC.String(filepath.Clean(abs))), nil
}

// KeyFor builds the key for rel, a path relative to root. The watcher and
// the request pipeline both derive keys this way so their key spaces agree.
func KeyFor(root, rel string) (Key, error) {
	if filepath.IsAbs(rel) {
		return NewKey(rel)
	}
	return NewKey(filepath.Join(root, filepath.FromSlash(rel)))
}

func (k Key) String() string {
	return string(k)
}
