package cmd

import (
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/conneroisu/wildcat/internal/config"
	"github.com/conneroisu/wildcat/internal/server"
	"github.com/conneroisu/wildcat/internal/supervisor"
)

// workerCmd is started by serve for each worker process. It serves on the
// listener inherited from the parent.
var workerCmd = &cobra.Command{
	Use:    "worker",
	Short:  "Run a single worker on an inherited listener",
	Hidden: true,
	Args:   cobra.NoArgs,
	RunE:   runWorker,
}

func init() {
	rootCmd.AddCommand(workerCmd)
}

func runWorker(cmd *cobra.Command, args []string) error {
	env, err := supervisor.InheritedWorker()
	if err != nil {
		return err
	}
	defer env.Listener.Close()

	cfg, err := workerConfig()
	if err != nil {
		return err
	}
	logger, err := newLogger(cfg, cmd.ErrOrStderr())
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	w, err := server.New(cfg, server.WithID(env.ID, env.Count), server.WithLogger(logger))
	if err != nil {
		return err
	}
	return w.Serve(ctx, env.Listener)
}

// workerConfig prefers the configuration handed down by serve and falls
// back to loading it the usual way.
func workerConfig() (*config.Config, error) {
	raw := os.Getenv(envWorkerConfig)
	if raw == "" {
		return config.Load()
	}
	var cfg config.Config
	if err := json.Unmarshal([]byte(raw), &cfg); err != nil {
		return nil, fmt.Errorf("invalid %s: %w", envWorkerConfig, err)
	}
	return &cfg, nil
}
