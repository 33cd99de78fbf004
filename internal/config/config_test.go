package config

import (
	"runtime"
	"testing"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad(t *testing.T) {
	tests := []struct {
		name        string
		setup       func()
		expectError bool
		check       func(t *testing.T, cfg *Config)
	}{
		{
			name: "defaults",
			setup: func() {
				viper.Reset()
			},
			check: func(t *testing.T, cfg *Config) {
				assert.Equal(t, "localhost", cfg.Server.Host)
				assert.Equal(t, 4000, cfg.Server.Port)
				assert.Equal(t, "http", cfg.Server.Protocol)
				assert.Equal(t, 1, cfg.Server.Workers)
				assert.Equal(t, "process", cfg.Server.Spawn)
				assert.Equal(t, "src", cfg.Paths.SourceDir)
				assert.Equal(t, "public", cfg.Paths.OutDir)
				assert.Equal(t, "bin", cfg.Paths.BinDir)
				assert.Equal(t, []string{".es6", ".js", ".es", ".jsx"}, cfg.Compile.Extensions)
				assert.Equal(t, "esbuild", cfg.Compile.Transpiler)
				assert.False(t, cfg.Compile.SingleFlight)
				assert.True(t, cfg.Development.HotReload)
				assert.True(t, cfg.Development.ErrorOverlay)
				assert.True(t, cfg.Development.InjectScript)
				assert.Equal(t, "info", cfg.Log.Level)
			},
		},
		{
			name: "production defaults workers to cpu count",
			setup: func() {
				viper.Reset()
				viper.Set("server.environment", "production")
			},
			check: func(t *testing.T, cfg *Config) {
				assert.True(t, cfg.IsProduction())
				assert.Equal(t, runtime.NumCPU(), cfg.Server.Workers)
			},
		},
		{
			name: "explicit false survives",
			setup: func() {
				viper.Reset()
				viper.Set("development.hot_reload", false)
			},
			check: func(t *testing.T, cfg *Config) {
				assert.False(t, cfg.Development.HotReload)
				assert.True(t, cfg.Development.ErrorOverlay)
			},
		},
		{
			name: "extensions normalized",
			setup: func() {
				viper.Reset()
				viper.Set("compile.extensions", []string{"JSX", ".es6,ts", ".jsx"})
			},
			check: func(t *testing.T, cfg *Config) {
				assert.Equal(t, []string{".jsx", ".es6", ".ts"}, cfg.Compile.Extensions)
			},
		},
		{
			name: "invalid port type",
			setup: func() {
				viper.Reset()
				viper.Set("server.port", "invalid_port")
			},
			expectError: true,
		},
		{
			name: "https without certificate",
			setup: func() {
				viper.Reset()
				viper.Set("server.protocol", "https")
			},
			expectError: true,
		},
		{
			name: "command transpiler without command",
			setup: func() {
				viper.Reset()
				viper.Set("compile.transpiler", "command")
			},
			expectError: true,
		},
		{
			name: "out dir traversal",
			setup: func() {
				viper.Reset()
				viper.Set("paths.out_dir", "../elsewhere")
			},
			expectError: true,
		},
		{
			name: "request log selection",
			setup: func() {
				viper.Reset()
				viper.Set("log.requests", RequestsCreated)
			},
			check: func(t *testing.T, cfg *Config) {
				assert.Equal(t, RequestsCreated, cfg.Log.Requests)
			},
		},
		{
			name: "unknown request log selection",
			setup: func() {
				viper.Reset()
				viper.Set("log.requests", "verbose")
			},
			expectError: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.setup()
			defer viper.Reset()

			cfg, err := Load()

			if tt.expectError {
				assert.Error(t, err)
				assert.Nil(t, cfg)
				return
			}
			require.NoError(t, err)
			require.NotNil(t, cfg)
			tt.check(t, cfg)
		})
	}
}

func TestValidateRelativePath(t *testing.T) {
	tests := []struct {
		path    string
		wantErr bool
	}{
		{"src", false},
		{"assets/public", false},
		{"./out", false},
		{"", true},
		{"..", true},
		{"../etc", true},
		{"/abs/path", true},
		{"out;rm -rf", true},
		{"out$(id)", true},
	}

	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			err := validateRelativePath(tt.path)
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestFingerprint(t *testing.T) {
	base := CompileConfig{
		Extensions: []string{".js", ".jsx"},
		Transpiler: "esbuild",
		Target:     "es2015",
		JSX:        "transform",
		Sourcemap:  "inline",
	}

	t.Run("stable", func(t *testing.T) {
		other := base
		assert.Equal(t, base.Fingerprint(), other.Fingerprint())
		assert.Len(t, base.Fingerprint(), 16)
	})

	t.Run("extension order does not matter", func(t *testing.T) {
		other := base
		other.Extensions = []string{".jsx", ".js"}
		assert.Equal(t, base.Fingerprint(), other.Fingerprint())
	})

	t.Run("extension set matters", func(t *testing.T) {
		other := base
		other.Extensions = []string{".js"}
		assert.NotEqual(t, base.Fingerprint(), other.Fingerprint())
	})

	t.Run("transform options matter", func(t *testing.T) {
		other := base
		other.Target = "es2020"
		assert.NotEqual(t, base.Fingerprint(), other.Fingerprint())

		other = base
		other.JSXFactory = "h"
		assert.NotEqual(t, base.Fingerprint(), other.Fingerprint())
	})

	t.Run("field boundaries are unambiguous", func(t *testing.T) {
		a := base
		a.JSXFactory, a.JSXFragment = "ab", ""
		b := base
		b.JSXFactory, b.JSXFragment = "a", "b"
		assert.NotEqual(t, a.Fingerprint(), b.Fingerprint())
	})

	t.Run("timeout does not matter", func(t *testing.T) {
		other := base
		other.Timeout = "5s"
		assert.Equal(t, base.Fingerprint(), other.Fingerprint())
	})
}

func TestConfigURL(t *testing.T) {
	cfg := &Config{Server: ServerConfig{Host: "127.0.0.1", Port: 4000, Protocol: "https"}}
	assert.Equal(t, "127.0.0.1:4000", cfg.Address())
	assert.Equal(t, "https://127.0.0.1:4000", cfg.URL())
}
