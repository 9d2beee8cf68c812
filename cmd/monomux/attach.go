package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/srg/monomux/internal/client"
)

// attachCmd represents the attach command
var attachCmd = &cobra.Command{
	Use:   "attach [name]",
	Short: "Attach the terminal to a session",
	Long: `Attach the local terminal to a session, spawning a server and a
session as needed.

Without a name, the single live session is attached; when none exists, a
fresh one is created first. Press Ctrl-\ to detach and leave the session
running. The command exits with the child's status when the session ends
while attached.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runAttach,
}

func runAttach(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	c, err := connectClient(cmd, true)
	if err != nil {
		return err
	}
	defer c.Close()

	var name string
	if len(args) == 1 {
		name = args[0]
	} else {
		name, err = pickOrCreateSession(c, cfg.Program)
		if err != nil {
			return err
		}
	}

	if err := c.Attach(name); err != nil {
		return newInvocationError(fmt.Errorf("attach %s: %w", name, err))
	}
	return pumpAttached(c, name)
}

// pickOrCreateSession resolves the implicit attach target: the only live
// session, or a newly created one when the server is empty.
func pickOrCreateSession(c *client.Client, program string) (string, error) {
	sessions, err := c.ListSessions()
	if err != nil {
		return "", newSystemError(fmt.Errorf("list sessions: %w", err))
	}
	var live []string
	for _, s := range sessions {
		if !s.Dead {
			live = append(live, s.Name)
		}
	}
	switch len(live) {
	case 0:
		name, err := c.MakeSession("", program, nil, nil, nil)
		if err != nil {
			return "", newSystemError(fmt.Errorf("create session: %w", err))
		}
		return name, nil
	case 1:
		return live[0], nil
	default:
		return "", newInvocationError(fmt.Errorf("several sessions are running (%s): name one", strings.Join(live, ", ")))
	}
}

// pumpAttached runs the terminal pump and translates its outcome into the
// process exit status.
func pumpAttached(c *client.Client, name string) error {
	result, err := c.Pump(nil)
	if err != nil {
		return newSystemError(fmt.Errorf("attached to %s: %w", name, err))
	}
	switch {
	case result.Detached:
		fmt.Fprintf(os.Stderr, "[detached from %s]\n", name)
		return nil
	case result.SessionExited:
		fmt.Fprintf(os.Stderr, "[%s exited with status %d]\n", name, result.ExitCode)
		if result.ExitCode != 0 {
			// The diagnostic already went to stderr; just carry the status.
			return &ExitError{Code: int(result.ExitCode)}
		}
		return nil
	default:
		reason := result.Reason
		if reason == "" {
			reason = "connection lost"
		}
		return newSystemError(fmt.Errorf("server went away: %s", reason))
	}
}
