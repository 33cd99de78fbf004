package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/conneroisu/wildcat/internal/config"
	"github.com/conneroisu/wildcat/internal/logging"
	"github.com/conneroisu/wildcat/internal/server"
	"github.com/conneroisu/wildcat/internal/supervisor"
)

// envWorkerConfig carries the parent's resolved configuration to worker
// processes as JSON, so flags given to serve reach every worker.
const envWorkerConfig = "WILDCAT_WORKER_CONFIG"

var serveCmd = &cobra.Command{
	Use:     "serve",
	Aliases: []string{"s"},
	Short:   "Start the development server",
	Long: `Start the development server. Requests for sources with a monitored
extension are compiled on demand and cached until the file changes; other
files are served as they are. Browsers with the reload script open are told
to reload after every change.

Examples:
  wildcat serve                        # Serve on localhost:4000
  wildcat serve -p 8080 --host 0.0.0.0 # Serve on all interfaces
  wildcat serve --env production -n 4  # Four workers, no compile stage
  wildcat serve --spawn goroutine      # Run workers in a single process`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().IntP("port", "p", 4000, "Port to serve on")
	serveCmd.Flags().String("host", "localhost", "Host to bind to")
	serveCmd.Flags().IntP("workers", "n", 0, "Number of workers (default 1, or one per CPU in production)")
	serveCmd.Flags().Var(newEnumFlag(config.EnvDevelopment, config.EnvDevelopment, config.EnvProduction), "env", "Environment (development, production)")
	serveCmd.Flags().Var(newEnumFlag("process", "process", "goroutine"), "spawn", "Worker spawn strategy (process, goroutine)")

	bindFlags(serveCmd.Flags(), map[string]string{
		"port":    "server.port",
		"host":    "server.host",
		"workers": "server.workers",
		"env":     "server.environment",
		"spawn":   "server.spawn",
	})
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}
	logger, err := newLogger(cfg, cmd.ErrOrStderr())
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	return serve(ctx, cfg, logger)
}

// serve binds the shared listener and runs the supervisor until ctx ends.
func serve(ctx context.Context, cfg *config.Config, logger logging.Logger) error {
	ln, err := net.Listen("tcp", cfg.Address())
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", cfg.Address(), err)
	}
	defer ln.Close()

	spawner, err := newSpawner(cfg, logger)
	if err != nil {
		return err
	}

	sup, err := supervisor.New(supervisor.Options{
		Count:   cfg.Server.Workers,
		Spawner: spawner,
		Logger:  logger,
	})
	if err != nil {
		return err
	}

	logger.Info(ctx, "Starting workers",
		"workers", cfg.Server.Workers,
		"spawn", cfg.Server.Spawn,
		"environment", cfg.Server.Environment,
		"address", ln.Addr().String())

	return sup.Run(ctx, ln)
}

func newSpawner(cfg *config.Config, logger logging.Logger) (supervisor.Spawner, error) {
	if cfg.Server.Spawn == "goroutine" {
		return &supervisor.GoroutineSpawner{
			Serve: func(ctx context.Context, id, count int, ln net.Listener) error {
				w, err := server.New(cfg, server.WithID(id, count), server.WithLogger(logger))
				if err != nil {
					return err
				}
				return w.Serve(ctx, ln)
			},
		}, nil
	}

	encoded, err := json.Marshal(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to encode worker configuration: %w", err)
	}
	return &supervisor.ProcessSpawner{
		Args:   []string{"worker"},
		Env:    []string{envWorkerConfig + "=" + string(encoded)},
		Stdout: os.Stdout,
		Stderr: os.Stderr,
	}, nil
}
