package config

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"
)

var dangerousChars = []string{";", "&", "|", "$", "`", "(", ")", "<", ">", "\"", "'", "\\"}

// validateConfig validates configuration values for security and correctness
func validateConfig(config *Config) error {
	if err := validateServerConfig(&config.Server); err != nil {
		return fmt.Errorf("server config: %w", err)
	}
	if err := validatePathsConfig(&config.Paths); err != nil {
		return fmt.Errorf("paths config: %w", err)
	}
	if err := validateCompileConfig(&config.Compile); err != nil {
		return fmt.Errorf("compile config: %w", err)
	}
	if config.Log.Format != "text" && config.Log.Format != "json" {
		return fmt.Errorf("log config: unsupported format %q", config.Log.Format)
	}
	switch config.Log.Requests {
	case "", RequestsErrors, RequestsCreated, RequestsPublic, RequestsAll:
	default:
		return fmt.Errorf("log config: unsupported requests selection %q (supported: errors, created, public, all)", config.Log.Requests)
	}
	return nil
}

func validateServerConfig(config *ServerConfig) error {
	// 0 is allowed so tests can ask for a system-assigned port.
	if config.Port < 0 || config.Port > 65535 {
		return fmt.Errorf("port %d is not in valid range 0-65535", config.Port)
	}

	for _, char := range dangerousChars {
		if strings.Contains(config.Host, char) {
			return fmt.Errorf("host contains dangerous character: %s", char)
		}
	}

	switch config.Protocol {
	case "http":
	case "https":
		if config.CertFile == "" || config.KeyFile == "" {
			return fmt.Errorf("protocol https requires cert_file and key_file")
		}
	default:
		return fmt.Errorf("unsupported protocol %q (supported: http, https)", config.Protocol)
	}

	switch config.Spawn {
	case "process", "goroutine":
	default:
		return fmt.Errorf("unsupported spawn strategy %q (supported: process, goroutine)", config.Spawn)
	}

	switch config.Environment {
	case EnvDevelopment, EnvProduction, "test":
	default:
		return fmt.Errorf("unsupported environment %q", config.Environment)
	}

	return nil
}

func validatePathsConfig(config *PathsConfig) error {
	for name, path := range map[string]string{
		"source_dir": config.SourceDir,
		"out_dir":    config.OutDir,
		"bin_dir":    config.BinDir,
	} {
		if err := validateRelativePath(path); err != nil {
			return fmt.Errorf("invalid %s '%s': %w", name, path, err)
		}
	}

	for _, pattern := range config.Ignore {
		if _, err := filepath.Match(pattern, ""); err != nil {
			return fmt.Errorf("invalid ignore pattern '%s': %w", pattern, err)
		}
	}

	return nil
}

func validateCompileConfig(config *CompileConfig) error {
	switch config.Transpiler {
	case "esbuild":
	case "command":
		if strings.TrimSpace(config.Command) == "" {
			return fmt.Errorf("transpiler 'command' requires compile.command")
		}
	default:
		return fmt.Errorf("unsupported transpiler %q (supported: esbuild, command)", config.Transpiler)
	}

	switch config.JSX {
	case "transform", "automatic", "preserve":
	default:
		return fmt.Errorf("unsupported jsx mode %q", config.JSX)
	}

	switch config.Sourcemap {
	case "inline", "none":
	default:
		return fmt.Errorf("unsupported sourcemap mode %q (supported: inline, none)", config.Sourcemap)
	}

	if _, err := time.ParseDuration(config.Timeout); err != nil {
		return fmt.Errorf("invalid timeout %q: %w", config.Timeout, err)
	}

	return nil
}

// validateRelativePath rejects traversal and shell metacharacters in a
// directory that is joined onto the project root.
func validateRelativePath(path string) error {
	if path == "" {
		return fmt.Errorf("empty path")
	}

	cleanPath := filepath.Clean(path)
	if filepath.IsAbs(cleanPath) {
		return fmt.Errorf("path must be relative to the project root")
	}
	if cleanPath == ".." || strings.HasPrefix(cleanPath, ".."+string(filepath.Separator)) {
		return fmt.Errorf("path contains traversal")
	}

	for _, char := range dangerousChars {
		if strings.Contains(cleanPath, char) {
			return fmt.Errorf("path contains dangerous character: %s", char)
		}
	}

	return nil
}
