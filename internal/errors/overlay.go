package errors

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/a-h/templ"
)

const overlayStyle = `
        body { font-family: monospace; margin: 20px; background-color: #1e1e1e; color: #ffffff; }
        .error { margin: 20px 0; padding: 15px; border-left: 4px solid #ff4444; background-color: #2d2d2d; }
        .error-location { color: #88ccff; font-size: 0.9em; }
        .error-message { margin: 10px 0; white-space: pre-wrap; }
        .error-context { margin-top: 10px; padding: 10px; background-color: #1a1a1a; border-radius: 4px; }`

// Overlay renders a compile error as a standalone HTML page. The page loads
// the reload script so it refreshes itself once the source is fixed.
func Overlay(err *CompileError, reloadScriptURL string) templ.Component {
	return templ.ComponentFunc(func(ctx context.Context, w io.Writer) error {
		var b strings.Builder

		b.WriteString("<!DOCTYPE html>\n<html>\n<head>\n    <title>Compile Error</title>\n    <style>")
		b.WriteString(overlayStyle)
		b.WriteString("\n    </style>\n")
		if reloadScriptURL != "" {
			fmt.Fprintf(&b, "    <script src=\"%s\"></script>\n", templ.EscapeString(reloadScriptURL))
		}
		b.WriteString("</head>\n<body>\n")
		fmt.Fprintf(&b, "    <h1>Failed to compile %s</h1>\n", templ.EscapeString(err.Path))

		diags := err.Diagnostics
		if len(diags) == 0 {
			msg := "unknown error"
			if err.Cause != nil {
				msg = err.Cause.Error()
			}
			diags = []Diagnostic{{Message: msg}}
		}

		for _, d := range diags {
			b.WriteString("    <div class=\"error\">\n")
			if loc := d.Location(); loc != "" {
				fmt.Fprintf(&b, "        <div class=\"error-location\">%s</div>\n", templ.EscapeString(loc))
			}
			fmt.Fprintf(&b, "        <div class=\"error-message\">%s</div>\n", templ.EscapeString(d.Message))
			if d.LineText != "" {
				fmt.Fprintf(&b, "        <pre class=\"error-context\">%s</pre>\n", templ.EscapeString(d.LineText))
			}
			b.WriteString("    </div>\n")
		}

		b.WriteString("</body>\n</html>\n")

		_, werr := io.WriteString(w, b.String())
		return werr
	})
}
