package pipeline

import (
	"mime"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/conneroisu/wildcat/internal/cache"
)

// resolve maps the URL to a compilable source under the root. Requests it
// cannot map are left for the static stage.
func (p *Pipeline) resolve(req *Request) (Step, error) {
	if req.HTTP.Method != http.MethodGet && req.HTTP.Method != http.MethodHead {
		return Continue, nil
	}

	rel, ok := p.sourceFor(req.HTTP.URL.Path)
	if !ok {
		return Continue, nil
	}

	abs, info, ok := p.locate(rel)
	if !ok {
		return Continue, nil
	}

	key, err := cache.NewKey(abs)
	if err != nil {
		return Continue, err
	}

	relPath, err := filepath.Rel(p.root, abs)
	if err != nil {
		relPath = rel
	}

	req.SourcePath = abs
	req.RelPath = filepath.ToSlash(relPath)
	req.Key = key
	req.ModTime = info.ModTime()
	return Continue, nil
}

// sourceFor rewrites a URL path to the root-relative source path it is
// compiled from. The second result is false for extensions outside the
// monitored set.
func (p *Pipeline) sourceFor(urlPath string) (string, bool) {
	// path.Clean on a rooted path cannot climb above "/".
	rel := strings.TrimPrefix(path.Clean("/"+urlPath), "/")
	if rel == "" {
		return "", false
	}

	if p.opts.OutDir != "" && p.opts.SourceDir != "" {
		outPrefix := path.Clean(filepath.ToSlash(p.opts.OutDir)) + "/"
		if strings.HasPrefix(rel, outPrefix) {
			rel = path.Join(path.Clean(filepath.ToSlash(p.opts.SourceDir)), strings.TrimPrefix(rel, outPrefix))
		}
	}

	if !p.extensions[strings.ToLower(path.Ext(rel))] {
		return "", false
	}
	return rel, true
}

// locate finds the file for rel. A missing file falls back to a sibling
// with the same stem and another monitored extension, so app.js can be
// served from app.jsx.
func (p *Pipeline) locate(rel string) (string, os.FileInfo, bool) {
	abs := filepath.Join(p.root, filepath.FromSlash(rel))
	if info, err := os.Stat(abs); err == nil {
		if info.IsDir() {
			return "", nil, false
		}
		return abs, info, true
	}

	stem := strings.TrimSuffix(abs, filepath.Ext(abs))
	for _, ext := range p.opts.Extensions {
		candidate := stem + ext
		if candidate == abs {
			continue
		}
		if info, err := os.Stat(candidate); err == nil && !info.IsDir() {
			return candidate, info, true
		}
	}
	return "", nil, false
}

// contentTypeFor guesses the type of compiled output when the transpiler
// does not say.
func contentTypeFor(sourcePath string) string {
	switch strings.ToLower(filepath.Ext(sourcePath)) {
	case ".es6", ".es", ".js", ".jsx", ".mjs", ".ts", ".tsx":
		return "text/javascript; charset=utf-8"
	}
	if t := mime.TypeByExtension(filepath.Ext(sourcePath)); t != "" {
		return t
	}
	return "application/octet-stream"
}
