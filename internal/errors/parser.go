package errors

import (
	"regexp"
	"strconv"
	"strings"
)

// diagnosticPattern recognises one style of compiler output line.
type diagnosticPattern struct {
	regex       *regexp.Regexp
	parseFields func(matches []string) Diagnostic
}

// diagnosticPatterns cover the output of the command-line transpilers the
// command transpiler is typically pointed at.
var diagnosticPatterns = []diagnosticPattern{
	// babel: "SyntaxError: src/app.jsx: Unexpected token (3:4)"
	{
		regex: regexp.MustCompile(`^(?:\w*Error: )?(.+?): (.+) \((\d+):(\d+)\)$`),
		parseFields: func(m []string) Diagnostic {
			return Diagnostic{File: m[1], Line: atoi(m[3]), Column: atoi(m[4]), Message: m[2]}
		},
	},
	// tsc: "src/a.ts(3,4): error TS1005: ';' expected."
	{
		regex: regexp.MustCompile(`^(.+?)\((\d+),(\d+)\): (?:error|warning) (.+)$`),
		parseFields: func(m []string) Diagnostic {
			return Diagnostic{File: m[1], Line: atoi(m[2]), Column: atoi(m[3]), Message: m[4]}
		},
	},
	// gcc-style, also swc and esbuild --log-level: "src/a.js:1:6: ERROR: Expected ';'"
	{
		regex: regexp.MustCompile(`^(.+?):(\d+):(\d+): (?:(?i:error): )?(.+)$`),
		parseFields: func(m []string) Diagnostic {
			return Diagnostic{File: m[1], Line: atoi(m[2]), Column: atoi(m[3]), Message: m[4]}
		},
	},
}

// ParseDiagnostics extracts located diagnostics from free-form compiler
// output. Lines that match no pattern but mention an error are kept as
// unlocated diagnostics so nothing the compiler said is lost.
func ParseDiagnostics(output string) []Diagnostic {
	var diags []Diagnostic

	for _, line := range strings.Split(output, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}

		if d, ok := parseLine(line); ok {
			diags = append(diags, d)
			continue
		}

		lower := strings.ToLower(line)
		if strings.Contains(lower, "error") || strings.Contains(lower, "failed") {
			diags = append(diags, Diagnostic{Message: line})
		}
	}

	return diags
}

func parseLine(line string) (Diagnostic, bool) {
	for _, p := range diagnosticPatterns {
		if m := p.regex.FindStringSubmatch(line); m != nil {
			return p.parseFields(m), true
		}
	}
	return Diagnostic{}, false
}

func atoi(s string) int {
	n, _ := strconv.Atoi(s)
	return n
}
