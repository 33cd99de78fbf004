// Package cmd provides the command-line interface for wildcat.
//
// Configuration is resolved from several sources, highest priority first:
//
//  1. Command-line flags (--port, --workers, --log-level, ...)
//  2. WILDCAT_<SECTION>_<OPTION> environment variables
//  3. The configuration file: --config, then WILDCAT_CONFIG_FILE, then
//     .wildcat.yml in the current directory
//  4. Defaults applied by the config package
package cmd

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/conneroisu/wildcat/internal/config"
	"github.com/conneroisu/wildcat/internal/logging"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "wildcat",
	Short: "A development server that compiles JavaScript sources on request",
	Long: `wildcat serves a project directory over HTTP. Requests for JavaScript
sources are compiled on demand, cached in memory and invalidated when the
file changes on disk; connected browsers are told to reload.

Quick Start:
  wildcat serve                   Start the development server
  wildcat compile src -d build    Compile a directory once
  wildcat compile -w src          Recompile on every change
  wildcat config show             Print the effective configuration`,
	SilenceUsage: true,
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().
		StringVar(&cfgFile, "config", "", "config file (default is .wildcat.yml, can also use WILDCAT_CONFIG_FILE env var)")
	rootCmd.PersistentFlags().Var(newEnumFlag("info", "debug", "info", "warn", "error"), "log-level", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Var(newEnumFlag("text", "text", "json"), "log-format", "log format (text, json)")

	bindFlags(rootCmd.PersistentFlags(), map[string]string{
		"log-level":  "log.level",
		"log-format": "log.format",
	})
}

// initConfig points viper at the configuration file and enables the
// WILDCAT_ environment overrides. A missing file is not an error.
func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else if envConfigFile := os.Getenv("WILDCAT_CONFIG_FILE"); envConfigFile != "" {
		viper.SetConfigFile(envConfigFile)
	} else {
		viper.AddConfigPath(".")
		viper.SetConfigType("yaml")
		viper.SetConfigName(".wildcat")
	}

	viper.SetEnvPrefix("WILDCAT")
	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	if err := viper.ReadInConfig(); err == nil {
		fmt.Fprintln(os.Stderr, "Using config file:", viper.ConfigFileUsed())
	}
}

// newLogger builds the process logger from the log section.
func newLogger(cfg *config.Config, out io.Writer) (logging.Logger, error) {
	level, err := logging.ParseLevel(cfg.Log.Level)
	if err != nil {
		return nil, err
	}
	return logging.New(&logging.Config{
		Level:  level,
		Format: cfg.Log.Format,
		Output: out,
	}), nil
}
