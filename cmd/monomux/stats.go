package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

// statsCmd represents the stats command
var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show server diagnostics",
	Long: `Print the server's diagnostic text: uptime, client and frame
counters, and per-session buffer statistics with peak watermarks.`,
	RunE: runStats,
}

func runStats(cmd *cobra.Command, args []string) error {
	c, err := connectClient(cmd, false)
	if err != nil {
		return err
	}
	defer c.Close()

	text, err := c.Statistics()
	if err != nil {
		return newSystemError(fmt.Errorf("fetch statistics: %w", err))
	}
	fmt.Fprint(cmd.OutOrStdout(), text)
	return nil
}
