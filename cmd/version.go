package cmd

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/conneroisu/wildcat/internal/version"
)

var (
	versionFormat = newEnumFlag("text", "text", "json")
	versionShort  bool
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Show version information",
	Long: `Display version information for wildcat: the release version, git
commit, build time, Go version and target platform.

Examples:
  wildcat version               # Show version information
  wildcat version --short       # Show the version on one line
  wildcat version --format json # Output as JSON`,
	Args: cobra.NoArgs,
	RunE: runVersionCommand,
}

func init() {
	rootCmd.AddCommand(versionCmd)

	versionCmd.Flags().VarP(versionFormat, "format", "f", "Output format (text, json)")
	versionCmd.Flags().BoolVar(&versionShort, "short", false, "Show short version only")
}

func runVersionCommand(cmd *cobra.Command, args []string) error {
	return writeVersion(cmd.OutOrStdout(), versionFormat.String(), versionShort)
}

func writeVersion(w io.Writer, format string, short bool) error {
	info := version.Get()

	switch {
	case format == "json":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(info)
	case short:
		_, err := fmt.Fprintln(w, version.Short())
		return err
	default:
		_, err := fmt.Fprintln(w, info.String())
		return err
	}
}
