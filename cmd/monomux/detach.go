package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

// detachCmd represents the detach command
var detachCmd = &cobra.Command{
	Use:   "detach <name>",
	Short: "Detach every client from a session",
	Long: `Detach all clients currently attached to the named session.

The session keeps running; the detached terminals return to their
shells. Useful for reclaiming a session attached on another terminal.`,
	Args: cobra.ExactArgs(1),
	RunE: runDetach,
}

func runDetach(cmd *cobra.Command, args []string) error {
	c, err := connectClient(cmd, false)
	if err != nil {
		return err
	}
	defer c.Close()

	if err := c.Detach(true, args[0]); err != nil {
		return newSystemError(fmt.Errorf("detach %s: %w", args[0], err))
	}
	return nil
}
