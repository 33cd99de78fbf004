package reload

import (
	"bytes"
	_ "embed"
	"net/http"
	"strconv"
	"strings"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

const (
	// SocketPath is where browsers open the live reload websocket.
	SocketPath = "/__wildcat/ws"
	// ScriptPath serves the client script.
	ScriptPath = "/__wildcat/reload.js"
)

//go:embed assets/reload.js
var reloadScript []byte

// ScriptHandler serves the embedded live reload client.
func ScriptHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/javascript; charset=utf-8")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Content-Length", strconv.Itoa(len(reloadScript)))
		if r.Method == http.MethodHead {
			return
		}
		_, _ = w.Write(reloadScript)
	})
}

// InjectScript adds a <script src=scriptURL> tag to successful HTML
// responses of next. Other responses pass through untouched.
func InjectScript(scriptURL string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Method != http.MethodGet {
				next.ServeHTTP(w, r)
				return
			}

			rec := &htmlRecorder{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(rec, r)
			if !rec.buffering {
				return
			}

			body := rec.buf.Bytes()
			if injected, err := injectScriptTag(body, scriptURL); err == nil {
				body = injected
			}

			w.Header().Del("Content-Length")
			w.Header().Set("Content-Length", strconv.Itoa(len(body)))
			w.WriteHeader(rec.status)
			_, _ = w.Write(body)
		})
	}
}

// htmlRecorder buffers a 200 text/html response and streams anything else.
type htmlRecorder struct {
	http.ResponseWriter
	status      int
	wroteHeader bool
	buffering   bool
	buf         bytes.Buffer
}

func (r *htmlRecorder) WriteHeader(status int) {
	if r.wroteHeader {
		return
	}
	r.wroteHeader = true
	r.status = status

	contentType := r.Header().Get("Content-Type")
	if status == http.StatusOK && strings.HasPrefix(contentType, "text/html") && r.Header().Get("Content-Encoding") == "" {
		r.buffering = true
		return
	}
	r.ResponseWriter.WriteHeader(status)
}

func (r *htmlRecorder) Write(p []byte) (int, error) {
	if !r.wroteHeader {
		if r.Header().Get("Content-Type") == "" {
			r.Header().Set("Content-Type", http.DetectContentType(p))
		}
		r.WriteHeader(http.StatusOK)
	}
	if r.buffering {
		return r.buf.Write(p)
	}
	return r.ResponseWriter.Write(p)
}

// injectScriptTag appends a script element to <head>, falling back to
// <body>. The document is re-rendered from the parse tree.
func injectScriptTag(doc []byte, scriptURL string) ([]byte, error) {
	root, err := html.Parse(bytes.NewReader(doc))
	if err != nil {
		return nil, err
	}

	target := findElement(root, atom.Head)
	if target == nil {
		target = findElement(root, atom.Body)
	}
	if target == nil {
		return doc, nil
	}

	target.AppendChild(&html.Node{
		Type:     html.ElementNode,
		DataAtom: atom.Script,
		Data:     "script",
		Attr:     []html.Attribute{{Key: "src", Val: scriptURL}},
	})

	var out bytes.Buffer
	if err := html.Render(&out, root); err != nil {
		return nil, err
	}
	return out.Bytes(), nil
}

func findElement(n *html.Node, a atom.Atom) *html.Node {
	if n.Type == html.ElementNode && n.DataAtom == a {
		return n
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		if found := findElement(c, a); found != nil {
			return found
		}
	}
	return nil
}
