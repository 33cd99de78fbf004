package transpiler

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/conneroisu/wildcat/internal/config"
	"github.com/conneroisu/wildcat/internal/errors"
)

func TestEsbuildCompile(t *testing.T) {
	tests := []struct {
		name     string
		opts     Options
		path     string
		source   string
		contains []string
	}{
		{
			name:     "jsx with default factory",
			opts:     Options{Sourcemap: "none"},
			path:     "src/app.jsx",
			source:   "export const App = () => <div className=\"app\" />;\n",
			contains: []string{"React.createElement", "\"div\""},
		},
		{
			name:     "custom factory",
			opts:     Options{Sourcemap: "none", JSXFactory: "h", JSXFragment: "Fragment"},
			path:     "src/app.es6",
			source:   "export default <><span/></>;\n",
			contains: []string{"h(Fragment", "h(\"span\""},
		},
		{
			name:     "inline sourcemap",
			opts:     Options{Sourcemap: "inline"},
			path:     "src/util.js",
			source:   "export const add = (a, b) => a + b;\n",
			contains: []string{"sourceMappingURL=data:application/json;base64,"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tr, err := NewEsbuild(tt.opts)
			require.NoError(t, err)

			result, err := tr.Compile(context.Background(), Source{Path: tt.path, Text: []byte(tt.source)})
			require.NoError(t, err)

			assert.Equal(t, "text/javascript; charset=utf-8", result.ContentType)
			for _, want := range tt.contains {
				assert.Contains(t, string(result.Code), want)
			}
		})
	}
}

func TestEsbuildCompileIsDeterministic(t *testing.T) {
	tr, err := NewEsbuild(Options{})
	require.NoError(t, err)

	src := Source{Path: "src/app.jsx", Text: []byte("export default () => <p>hi</p>;")}
	first, err := tr.Compile(context.Background(), src)
	require.NoError(t, err)
	second, err := tr.Compile(context.Background(), src)
	require.NoError(t, err)

	assert.Equal(t, first.Code, second.Code)
}

func TestEsbuildSyntaxError(t *testing.T) {
	tr, err := NewEsbuild(Options{Sourcemap: "none"})
	require.NoError(t, err)

	_, err = tr.Compile(context.Background(), Source{
		Path: "src/broken.jsx",
		Text: []byte("const ok = 1;\nconst = <div>;\n"),
	})
	require.Error(t, err)

	ce, ok := errors.AsCompileError(err)
	require.True(t, ok)
	assert.Equal(t, "src/broken.jsx", ce.Path)
	require.NotEmpty(t, ce.Diagnostics)
	assert.Equal(t, "src/broken.jsx", ce.Diagnostics[0].File)
	assert.Equal(t, 2, ce.Diagnostics[0].Line)
	assert.Greater(t, ce.Diagnostics[0].Column, 0)
	assert.NotEmpty(t, ce.Diagnostics[0].LineText)
}

func TestNewEsbuildRejectsUnknownOptions(t *testing.T) {
	_, err := NewEsbuild(Options{Target: "es1999"})
	assert.Error(t, err)

	_, err = NewEsbuild(Options{Format: "amd"})
	assert.Error(t, err)

	_, err = NewEsbuild(Options{JSX: "classic"})
	assert.Error(t, err)
}

func TestEsbuildHonorsCancelledContext(t *testing.T) {
	tr, err := NewEsbuild(Options{})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err = tr.Compile(ctx, Source{Path: "a.js", Text: []byte("1")})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestEsbuildTimeout(t *testing.T) {
	tr, err := NewEsbuild(Options{Timeout: time.Microsecond})
	require.NoError(t, err)

	large := strings.Repeat("export const value = [1, 2, 3].map((n) => n * 2);\n", 200000)
	_, err = tr.Compile(context.Background(), Source{Path: "large.js", Text: []byte(large)})
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	_, ok := errors.AsCompileError(err)
	assert.False(t, ok, "a timeout is not a source error")
}

func requireCommands(t *testing.T, names ...string) {
	t.Helper()
	for _, name := range names {
		if _, err := exec.LookPath(name); err != nil {
			t.Skipf("%s not available: %v", name, err)
		}
	}
}

func TestCommandCompile(t *testing.T) {
	requireCommands(t, "cat")

	t.Run("source on stdin", func(t *testing.T) {
		tr, err := NewCommand("cat", Options{}, WithAllowedCommands("cat"))
		require.NoError(t, err)

		result, err := tr.Compile(context.Background(), Source{Path: "a.js", Text: []byte("var a = 1;")})
		require.NoError(t, err)
		assert.Equal(t, "var a = 1;", string(result.Code))
	})

	t.Run("file placeholder", func(t *testing.T) {
		dir := t.TempDir()
		path := filepath.Join(dir, "b.js")
		require.NoError(t, os.WriteFile(path, []byte("var b = 2;"), 0o644))

		tr, err := NewCommand("cat {file}", Options{}, WithAllowedCommands("cat"))
		require.NoError(t, err)

		result, err := tr.Compile(context.Background(), Source{Path: "b.js", File: path, Text: []byte("ignored")})
		require.NoError(t, err)
		assert.Equal(t, "var b = 2;", string(result.Code))
	})

	t.Run("file placeholder without absolute file", func(t *testing.T) {
		dir := t.TempDir()
		t.Chdir(dir)
		require.NoError(t, os.WriteFile("c.js", []byte("var c = 3;"), 0o644))

		tr, err := NewCommand("cat {file}", Options{}, WithAllowedCommands("cat"))
		require.NoError(t, err)

		result, err := tr.Compile(context.Background(), Source{Path: "c.js", Text: []byte("ignored")})
		require.NoError(t, err)
		assert.Equal(t, "var c = 3;", string(result.Code))
	})
}

func TestCommandFailureIsCompileError(t *testing.T) {
	requireCommands(t, "false")

	tr, err := NewCommand("false", Options{}, WithAllowedCommands("false"))
	require.NoError(t, err)

	_, err = tr.Compile(context.Background(), Source{Path: "a.js"})
	require.Error(t, err)

	ce, ok := errors.AsCompileError(err)
	require.True(t, ok)
	assert.Equal(t, "a.js", ce.Path)
	assert.Contains(t, ce.Error(), "exit status 1")
}

func TestCommandTimeout(t *testing.T) {
	requireCommands(t, "sleep")

	tr, err := NewCommand("sleep 5", Options{Timeout: 50 * time.Millisecond}, WithAllowedCommands("sleep"))
	require.NoError(t, err)

	_, err = tr.Compile(context.Background(), Source{Path: "a.js"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "timed out")
	_, ok := errors.AsCompileError(err)
	assert.False(t, ok, "a timeout is not a source error")
}

func TestCommandValidation(t *testing.T) {
	tests := []struct {
		name    string
		command string
		wantErr bool
	}{
		{"allowed", "babel --presets react", false},
		{"absolute path to allowed", "/usr/local/bin/babel", false},
		{"placeholder", "esbuild {file} --loader=jsx", false},
		{"empty", "   ", true},
		{"not allowed", "rm -rf /", true},
		{"relative path", "./babel", true},
		{"metacharacter", "babel a;b", true},
		{"substitution", "babel $(id)", true},
		{"traversal", "babel ../../etc/passwd", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewCommand(tt.command, Options{})
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestNewFromConfig(t *testing.T) {
	tr, err := New(config.CompileConfig{Transpiler: "esbuild", Target: "es2017", Timeout: "10s"})
	require.NoError(t, err)
	assert.IsType(t, &Esbuild{}, tr)

	tr, err = New(config.CompileConfig{Transpiler: "command", Command: "babel", Timeout: "10s"})
	require.NoError(t, err)
	assert.IsType(t, &Command{}, tr)

	_, err = New(config.CompileConfig{Transpiler: "closure"})
	assert.Error(t, err)

	_, err = New(config.CompileConfig{Timeout: "soon"})
	assert.Error(t, err)
}
