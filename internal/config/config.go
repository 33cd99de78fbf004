// Package config provides configuration management for wildcat using Viper
// for flexible loading from files, environment variables, and command-line
// flags.
//
// The configuration system supports YAML files (.wildcat.yml), environment
// variable overrides with the WILDCAT_ prefix, defaults and validation. It
// manages the listener, the source/output directory layout, the transform
// options handed to the transpiler and development-only features such as
// live reload.
package config

import (
	"fmt"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/spf13/viper"
)

const (
	EnvDevelopment = "development"
	EnvProduction  = "production"
)

type Config struct {
	Server      ServerConfig      `yaml:"server" json:"server" mapstructure:"server"`
	Paths       PathsConfig       `yaml:"paths" json:"paths" mapstructure:"paths"`
	Compile     CompileConfig     `yaml:"compile" json:"compile" mapstructure:"compile"`
	Development DevelopmentConfig `yaml:"development" json:"development" mapstructure:"development"`
	Log         LogConfig         `yaml:"log" json:"log" mapstructure:"log"`
}

type ServerConfig struct {
	Host           string   `yaml:"host" json:"host" mapstructure:"host"`
	Port           int      `yaml:"port" json:"port" mapstructure:"port"`
	Protocol       string   `yaml:"protocol" json:"protocol" mapstructure:"protocol"`
	CertFile       string   `yaml:"cert_file" json:"cert_file" mapstructure:"cert_file"`
	KeyFile        string   `yaml:"key_file" json:"key_file" mapstructure:"key_file"`
	Workers        int      `yaml:"workers" json:"workers" mapstructure:"workers"`
	Spawn          string   `yaml:"spawn" json:"spawn" mapstructure:"spawn"`
	Environment    string   `yaml:"environment" json:"environment" mapstructure:"environment"`
	AllowedOrigins []string `yaml:"allowed_origins" json:"allowed_origins" mapstructure:"allowed_origins"`
}

type PathsConfig struct {
	Root      string   `yaml:"root" json:"root" mapstructure:"root"`
	SourceDir string   `yaml:"source_dir" json:"source_dir" mapstructure:"source_dir"`
	OutDir    string   `yaml:"out_dir" json:"out_dir" mapstructure:"out_dir"`
	BinDir    string   `yaml:"bin_dir" json:"bin_dir" mapstructure:"bin_dir"`
	Ignore    []string `yaml:"ignore" json:"ignore" mapstructure:"ignore"`
}

type CompileConfig struct {
	Extensions   []string `yaml:"extensions" json:"extensions" mapstructure:"extensions"`
	Transpiler   string   `yaml:"transpiler" json:"transpiler" mapstructure:"transpiler"`
	Command      string   `yaml:"command" json:"command" mapstructure:"command"`
	Target       string   `yaml:"target" json:"target" mapstructure:"target"`
	Format       string   `yaml:"format" json:"format" mapstructure:"format"`
	JSX          string   `yaml:"jsx" json:"jsx" mapstructure:"jsx"`
	JSXFactory   string   `yaml:"jsx_factory" json:"jsx_factory" mapstructure:"jsx_factory"`
	JSXFragment  string   `yaml:"jsx_fragment" json:"jsx_fragment" mapstructure:"jsx_fragment"`
	Sourcemap    string   `yaml:"sourcemap" json:"sourcemap" mapstructure:"sourcemap"`
	Timeout      string   `yaml:"timeout" json:"timeout" mapstructure:"timeout"`
	SingleFlight bool     `yaml:"single_flight" json:"single_flight" mapstructure:"single_flight"`
}

type DevelopmentConfig struct {
	HotReload    bool `yaml:"hot_reload" json:"hot_reload" mapstructure:"hot_reload"`
	ErrorOverlay bool `yaml:"error_overlay" json:"error_overlay" mapstructure:"error_overlay"`
	InjectScript bool `yaml:"inject_script" json:"inject_script" mapstructure:"inject_script"`
}

type LogConfig struct {
	Level  string `yaml:"level" json:"level" mapstructure:"level"`
	Format string `yaml:"format" json:"format" mapstructure:"format"`
	// Requests selects which requests get a log line. Empty logs every
	// request at debug level and only failures otherwise.
	Requests string `yaml:"requests,omitempty" json:"requests,omitempty" mapstructure:"requests"`
}

// Request log selections.
const (
	RequestsErrors  = "errors"  // status >= 400
	RequestsCreated = "created" // status >= 400 or 201
	RequestsPublic  = "public"  // successful requests under the output directory
	RequestsAll     = "all"
)

// DefaultExtensions is the monitored set compiled on request.
var DefaultExtensions = []string{".es6", ".js", ".es", ".jsx"}

// DefaultIgnore lists directories whose changes never trigger invalidation.
var DefaultIgnore = []string{"node_modules", "jspm_packages", ".git"}

// IsProduction reports whether the server runs without the dev pipeline.
func (c *Config) IsProduction() bool {
	return c.Server.Environment == EnvProduction
}

// Address returns host:port for the listener.
func (c *Config) Address() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}

// URL returns the public base URL of the server.
func (c *Config) URL() string {
	return fmt.Sprintf("%s://%s", c.Server.Protocol, c.Address())
}

// Load reads the configuration from the global viper instance.
func Load() (*Config, error) {
	return LoadFrom(viper.GetViper())
}

// LoadFrom reads the configuration from v, applies defaults and validates it.
func LoadFrom(v *viper.Viper) (*Config, error) {
	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, err
	}

	// Bools default to true only when absent; an explicit false must survive.
	if !v.IsSet("development.hot_reload") {
		config.Development.HotReload = true
	}
	if !v.IsSet("development.error_overlay") {
		config.Development.ErrorOverlay = true
	}
	if !v.IsSet("development.inject_script") {
		config.Development.InjectScript = true
	}

	applyDefaults(&config)

	if err := validateConfig(&config); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &config, nil
}

func applyDefaults(config *Config) {
	if config.Server.Host == "" {
		config.Server.Host = "localhost"
	}
	if config.Server.Port == 0 {
		config.Server.Port = 4000
	}
	if config.Server.Protocol == "" {
		config.Server.Protocol = "http"
	}
	if config.Server.Environment == "" {
		config.Server.Environment = EnvDevelopment
	}
	if config.Server.Spawn == "" {
		config.Server.Spawn = "process"
	}
	if config.Server.Workers <= 0 {
		if config.IsProduction() {
			config.Server.Workers = runtime.NumCPU()
		} else {
			config.Server.Workers = 1
		}
	}

	if config.Paths.Root == "" {
		config.Paths.Root = "."
	}
	if config.Paths.SourceDir == "" {
		config.Paths.SourceDir = "src"
	}
	if config.Paths.OutDir == "" {
		config.Paths.OutDir = "public"
	}
	if config.Paths.BinDir == "" {
		config.Paths.BinDir = "bin"
	}

	if len(config.Compile.Extensions) == 0 {
		config.Compile.Extensions = append([]string(nil), DefaultExtensions...)
	}
	config.Compile.Extensions = NormalizeExtensions(config.Compile.Extensions)
	if config.Compile.Transpiler == "" {
		config.Compile.Transpiler = "esbuild"
	}
	if config.Compile.Target == "" {
		config.Compile.Target = "es2015"
	}
	if config.Compile.JSX == "" {
		config.Compile.JSX = "transform"
	}
	if config.Compile.Sourcemap == "" {
		config.Compile.Sourcemap = "inline"
	}
	if config.Compile.Timeout == "" {
		config.Compile.Timeout = "30s"
	}

	if config.Log.Level == "" {
		config.Log.Level = "info"
	}
	if config.Log.Format == "" {
		config.Log.Format = "text"
	}
}

// NormalizeExtensions lower-cases extensions, adds the leading dot and
// accepts comma separated entries as passed on the command line.
func NormalizeExtensions(exts []string) []string {
	seen := make(map[string]bool)
	out := make([]string, 0, len(exts))
	for _, raw := range exts {
		for _, ext := range strings.Split(raw, ",") {
			ext = strings.ToLower(strings.TrimSpace(ext))
			if ext == "" {
				continue
			}
			if !strings.HasPrefix(ext, ".") {
				ext = "." + ext
			}
			if seen[ext] {
				continue
			}
			seen[ext] = true
			out = append(out, ext)
		}
	}
	return out
}

// AbsRoot resolves the project root to an absolute path.
func (c *Config) AbsRoot() (string, error) {
	return filepath.Abs(c.Paths.Root)
}
