package cmd

import (
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/conneroisu/wildcat/internal/batch"
	"github.com/conneroisu/wildcat/internal/config"
	"github.com/conneroisu/wildcat/internal/transpiler"
)

var compileCmd = &cobra.Command{
	Use:     "compile [files or directories...]",
	Aliases: []string{"c"},
	Short:   "Compile sources without starting the server",
	Long: `Compile each input once through the same transpiler the server uses.

Arguments are expanded as glob patterns; a pattern that matches nothing is
used as a literal path. Directories are walked. Repeated inputs are compiled
once. Without --out-dir compiled code is written to stdout.

Examples:
  wildcat compile src -d build          # Compile a directory into build/
  wildcat compile 'src/*.jsx'           # Compile matching files to stdout
  wildcat compile -M files.txt -d build # Compile the files listed in a manifest
  wildcat compile -w src -d build       # Recompile whenever a file changes
  wildcat compile src -d build -D       # Also copy non-compiled files`,
	RunE: runCompile,
}

type compileOptions struct {
	extensions     []string
	outDir         string
	binDir         string
	ignore         []string
	copyFiles      bool
	binaryToModule bool
	manifest       string
	cpus           int
	quiet          bool
	watch          bool
}

var compileFlags compileOptions

func init() {
	rootCmd.AddCommand(compileCmd)

	f := compileCmd.Flags()
	f.StringSliceVarP(&compileFlags.extensions, "extensions", "x", nil, "Extensions to compile (default from compile.extensions)")
	f.StringVarP(&compileFlags.outDir, "out-dir", "d", "", "Output directory (default stdout)")
	f.StringVar(&compileFlags.binDir, "bin-dir", "", "Output directory for non-compiled files")
	f.StringSliceVarP(&compileFlags.ignore, "ignore", "i", nil, "Glob patterns to skip")
	f.BoolVarP(&compileFlags.copyFiles, "copy-files", "D", false, "Copy files that are not compiled")
	f.BoolVarP(&compileFlags.binaryToModule, "binary-to-module", "B", false, "Write files that are not compiled as data URL modules")
	f.StringVarP(&compileFlags.manifest, "manifest", "M", "", "File listing one input path per line")
	f.IntVar(&compileFlags.cpus, "cpus", 0, "Maximum parallel compiles (default number of CPUs)")
	f.BoolVarP(&compileFlags.quiet, "quiet", "q", false, "Only report failures")
	f.BoolVarP(&compileFlags.watch, "watch", "w", false, "Watch a directory and recompile on change")
}

func runCompile(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}
	return compile(cmd, cfg, compileFlags, args)
}

func compile(cmd *cobra.Command, cfg *config.Config, opts compileOptions, args []string) error {
	if opts.watch && len(args) != 1 {
		return errors.New("--watch takes exactly one directory")
	}
	if !opts.watch && len(args) == 0 && opts.manifest == "" {
		return errors.New("no inputs: pass files, directories or --manifest")
	}

	logger, err := newLogger(cfg, cmd.ErrOrStderr())
	if err != nil {
		return err
	}
	t, err := transpiler.New(cfg.Compile)
	if err != nil {
		return fmt.Errorf("failed to create transpiler: %w", err)
	}

	extensions := opts.extensions
	if len(extensions) == 0 {
		extensions = cfg.Compile.Extensions
	}
	ignore := append(append([]string(nil), cfg.Paths.Ignore...), opts.ignore...)

	report := newReporter(cmd.ErrOrStderr(), opts.quiet)
	compiler, err := batch.New(t, batch.Options{
		Extensions:     extensions,
		OutDir:         opts.outDir,
		BinDir:         opts.binDir,
		Ignore:         ignore,
		CopyFiles:      opts.copyFiles,
		BinaryToModule: opts.binaryToModule,
		Concurrency:    opts.cpus,
		Stdout:         cmd.OutOrStdout(),
		OnResult:       report.result,
	}, logger)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if opts.watch {
		return compiler.Watch(ctx, args[0], nil)
	}

	inputs, err := batch.ResolveInputs(args, ignore)
	if err != nil {
		return err
	}
	if opts.manifest != "" {
		listed, err := batch.LoadManifest(opts.manifest)
		if err != nil {
			return err
		}
		inputs = batch.Dedupe(append(inputs, listed...))
	}

	summary, err := compiler.Run(ctx, inputs)
	report.summary(summary)
	return err
}

// reporter prints one line per processed input. Results arrive from
// several goroutines.
type reporter struct {
	mu    sync.Mutex
	out   io.Writer
	quiet bool
}

func newReporter(out io.Writer, quiet bool) *reporter {
	return &reporter{out: out, quiet: quiet}
}

func (r *reporter) result(res batch.Result) {
	r.mu.Lock()
	defer r.mu.Unlock()

	switch res.Action {
	case batch.ActionFailed:
		fmt.Fprintf(r.out, "%s %s\n%v\n", color.RedString("failed"), res.Input, res.Err)
	case batch.ActionSkipped:
	default:
		if r.quiet {
			return
		}
		label := color.GreenString(string(res.Action))
		if res.Action != batch.ActionCompiled {
			label = color.CyanString(string(res.Action))
		}
		if res.Output == "" {
			fmt.Fprintf(r.out, "%s %s\n", label, res.Input)
			return
		}
		fmt.Fprintf(r.out, "%s %s -> %s\n", label, res.Input, res.Output)
	}
}

func (r *reporter) summary(s batch.Summary) {
	if r.quiet && len(s.Failures) == 0 {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	c := color.New(color.Bold)
	if len(s.Failures) > 0 {
		c = color.New(color.FgRed, color.Bold)
	}
	c.Fprintf(r.out, "%d compiled, %d copied, %d modules, %d skipped, %d failed\n",
		s.Compiled, s.Copied, s.Modules, s.Skipped, len(s.Failures))
}
