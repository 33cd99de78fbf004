package transpiler

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/conneroisu/wildcat/internal/errors"
)

// filePlaceholder in an argument is replaced by the source path.
const filePlaceholder = "{file}"

// DefaultAllowedCommands are the executables a command transpiler may run.
var DefaultAllowedCommands = map[string]bool{
	"babel":   true,
	"esbuild": true,
	"node":    true,
	"npx":     true,
	"sucrase": true,
	"swc":     true,
	"tsc":     true,
}

// Command runs an external transpiler. Source is written to stdin (unless
// an argument carries the {file} placeholder) and stdout is the result.
// Stderr of a failed run is parsed into diagnostics.
type Command struct {
	command string
	args    []string
	opts    Options
	allowed map[string]bool
	dir     string
}

// CommandOption configures a Command.
type CommandOption func(*Command)

// WithAllowedCommands replaces the executable allowlist.
func WithAllowedCommands(allowed ...string) CommandOption {
	return func(c *Command) {
		c.allowed = make(map[string]bool, len(allowed))
		for _, name := range allowed {
			c.allowed[name] = true
		}
	}
}

// WithDir sets the working directory of the command.
func WithDir(dir string) CommandOption {
	return func(c *Command) {
		c.dir = dir
	}
}

// NewCommand parses commandLine and validates it against the allowlist.
func NewCommand(commandLine string, opts Options, options ...CommandOption) (*Command, error) {
	fields := strings.Fields(commandLine)
	if len(fields) == 0 {
		return nil, fmt.Errorf("empty transpiler command")
	}

	c := &Command{
		command: fields[0],
		args:    fields[1:],
		opts:    opts,
		allowed: DefaultAllowedCommands,
	}
	for _, opt := range options {
		opt(c)
	}

	if err := c.validateCommand(); err != nil {
		return nil, fmt.Errorf("command validation failed: %w", err)
	}
	return c, nil
}

// Compile implements Transpiler.
func (c *Command) Compile(ctx context.Context, src Source) (Result, error) {
	if c.opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.opts.Timeout)
		defer cancel()
	}

	usesFile := false
	args := make([]string, len(c.args))
	for i, arg := range c.args {
		if strings.Contains(arg, filePlaceholder) {
			usesFile = true
			arg = strings.ReplaceAll(arg, filePlaceholder, src.Location())
		}
		args[i] = arg
	}

	cmd := exec.CommandContext(ctx, c.command, args...)
	cmd.Dir = c.dir
	cmd.Env = append(os.Environ(), c.env(src)...)
	if !usesFile {
		cmd.Stdin = bytes.NewReader(src.Text)
	}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return Result{}, fmt.Errorf("%s timed out: %w", c.command, ctx.Err())
		}
		var execErr *exec.Error
		if errors.As(err, &execErr) {
			return Result{}, fmt.Errorf("run %s: %w", c.command, err)
		}
		return Result{}, errors.NewCompileError(src.Path, err, errors.ParseDiagnostics(stderr.String())...)
	}

	var warnings []string
	if s := strings.TrimSpace(stderr.String()); s != "" {
		warnings = strings.Split(s, "\n")
	}

	return Result{
		Code:        stdout.Bytes(),
		ContentType: javascriptContentType,
		Warnings:    warnings,
	}, nil
}

// env exposes the transform options to wrapper scripts.
func (c *Command) env(src Source) []string {
	return []string{
		"WILDCAT_SOURCE_FILE=" + src.Location(),
		"WILDCAT_TARGET=" + c.opts.Target,
		"WILDCAT_FORMAT=" + c.opts.Format,
		"WILDCAT_JSX=" + c.opts.JSX,
		"WILDCAT_JSX_FACTORY=" + c.opts.JSXFactory,
		"WILDCAT_JSX_FRAGMENT=" + c.opts.JSXFragment,
		"WILDCAT_SOURCEMAP=" + c.opts.Sourcemap,
	}
}

// validateCommand validates the command and arguments to prevent command injection
func (c *Command) validateCommand() error {
	name := filepath.Base(c.command)
	if name != c.command && !filepath.IsAbs(c.command) {
		return fmt.Errorf("command %q must be a bare name or absolute path", c.command)
	}
	if !c.allowed[name] {
		return fmt.Errorf("command %q is not allowed", name)
	}

	for _, arg := range c.args {
		if err := validateArgument(arg); err != nil {
			return fmt.Errorf("invalid argument '%s': %w", arg, err)
		}
	}

	return nil
}

var shellMetacharacters = []string{";", "&", "|", "$", "`", "<", ">", "\n", "\r"}

func validateArgument(arg string) error {
	for _, char := range shellMetacharacters {
		if strings.Contains(arg, char) {
			return fmt.Errorf("contains shell metacharacter %q", char)
		}
	}
	if strings.Contains(arg, "..") && !strings.Contains(arg, filePlaceholder) {
		return fmt.Errorf("contains path traversal")
	}
	return nil
}
