package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"unicode"

	"github.com/spf13/cobra"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

// formatVersion adds 'v' prefix if version starts with a digit
func formatVersion(ver string) string {
	if len(ver) > 0 && unicode.IsDigit(rune(ver[0])) {
		return "v" + ver
	}
	return ver
}

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "monomux",
	Short: "Terminal session multiplexer",
	Long: `Terminal session multiplexer that keeps shells alive across disconnects:

- Host long-lived PTY sessions in a per-user background server
- Attach and detach terminals without interrupting the running program
- Forward keystrokes, output, window sizes, and signals over a local socket
- Inspect sessions and server diagnostics from the command line

The server is started on demand; new and attach spawn one automatically
when nothing is listening on the socket yet.`,
	Version: formatVersion(version),
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		// Ctrl+C is a normal exit, not an error - exit silently
		if errors.Is(err, context.Canceled) {
			return
		}
		// Print user-friendly error message; a bare ExitError only carries
		// a status and was already reported
		if msg := FormatUserError(err); msg != "" {
			fmt.Fprintf(os.Stderr, "ERROR: %s\n", msg)
		}
		os.Exit(exitStatus(err))
	}
}

func init() {
	// Silence Cobra's "Error:" prefix - main() prints clean errors
	rootCmd.SilenceErrors = true

	// Add subcommands
	rootCmd.AddCommand(serverCmd)
	rootCmd.AddCommand(listCmd)
	rootCmd.AddCommand(newCmd)
	rootCmd.AddCommand(attachCmd)
	rootCmd.AddCommand(detachCmd)
	rootCmd.AddCommand(signalCmd)
	rootCmd.AddCommand(statsCmd)

	// Global flags
	rootCmd.PersistentFlags().String("log-level", "", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("verbose", false, "Enable debug logging")
	rootCmd.PersistentFlags().StringP("socket", "S", "", "Server socket path (default: per-user runtime directory)")
	rootCmd.PersistentFlags().String("config", "", "Config file path (default: $XDG_CONFIG_HOME/monomux/config.yaml)")

	// Add -v as a short flag for --version
	rootCmd.Flags().BoolP("version", "v", false, "Show version information")
}
