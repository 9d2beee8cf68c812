package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/srg/monomux/internal/protocol"
)

// listCmd represents the list command
var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List sessions on the server",
	Long: `List the sessions the server currently hosts.

Sessions whose child has already exited but which are still draining
output are marked dead.`,
	RunE: runList,
}

var listFormat string

func init() {
	listCmd.Flags().StringVarP(&listFormat, "format", "f", "table", "Output format (table, json)")
}

type sessionListing struct {
	Name      string `json:"name"`
	CreatedAt string `json:"created_at"`
	Dead      bool   `json:"dead"`
}

func runList(cmd *cobra.Command, args []string) error {
	if listFormat != "table" && listFormat != "json" {
		return newInvocationError(fmt.Errorf("invalid format '%s': must be one of [table json]", listFormat))
	}

	c, err := connectClient(cmd, false)
	if err != nil {
		return err
	}
	defer c.Close()

	sessions, err := c.ListSessions()
	if err != nil {
		return newSystemError(fmt.Errorf("list sessions: %w", err))
	}

	switch listFormat {
	case "json":
		return printSessionsJSON(cmd.OutOrStdout(), sessions)
	default:
		printSessionsTable(sessions)
		return nil
	}
}

func printSessionsJSON(out io.Writer, sessions []protocol.SessionEntry) error {
	listings := make([]sessionListing, 0, len(sessions))
	for _, s := range sessions {
		listings = append(listings, sessionListing{
			Name:      s.Name,
			CreatedAt: time.Unix(s.CreatedAt, 0).Format(time.RFC3339),
			Dead:      s.Dead,
		})
	}
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(listings)
}

func printSessionsTable(sessions []protocol.SessionEntry) {
	if len(sessions) == 0 {
		fmt.Println("no sessions")
		return
	}
	dead := color.New(color.FgRed)
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "NAME\tCREATED\tSTATE")
	for _, s := range sessions {
		state := "running"
		if s.Dead {
			state = dead.Sprint("dead")
		}
		fmt.Fprintf(w, "%s\t%s\t%s\n", s.Name, time.Unix(s.CreatedAt, 0).Format(time.RFC3339), state)
	}
	w.Flush()
}
