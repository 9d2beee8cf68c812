package main

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/spf13/cobra"
	"golang.org/x/sys/unix"
)

// signalCmd represents the signal command
var signalCmd = &cobra.Command{
	Use:   "signal <name> <signal>",
	Short: "Send a signal to a session's process",
	Long: `Send a signal to the process group of the named session.

The signal may be a number or a name such as TERM or SIGHUP.`,
	Args: cobra.ExactArgs(2),
	RunE: runSignal,
}

func runSignal(cmd *cobra.Command, args []string) error {
	signo, err := parseSignal(args[1])
	if err != nil {
		return err
	}

	c, err := connectClient(cmd, false)
	if err != nil {
		return err
	}
	defer c.Close()

	// Signal frames act on the sender's attachment, so join first.
	if err := c.Attach(args[0]); err != nil {
		return newInvocationError(fmt.Errorf("session %s: %w", args[0], err))
	}
	if err := c.Signal(signo); err != nil {
		return newSystemError(fmt.Errorf("signal %s: %w", args[0], err))
	}
	return c.Detach(false, "")
}

// parseSignal accepts a number, a bare name like TERM, or a full name like
// SIGTERM.
func parseSignal(s string) (int32, error) {
	if n, err := strconv.ParseInt(s, 10, 32); err == nil {
		if n <= 0 {
			return 0, newInvocationError(fmt.Errorf("invalid signal number %d", n))
		}
		return int32(n), nil
	}
	name := strings.ToUpper(s)
	if !strings.HasPrefix(name, "SIG") {
		name = "SIG" + name
	}
	if sig := unix.SignalNum(name); sig != 0 {
		return int32(sig), nil
	}
	return 0, newInvocationError(fmt.Errorf("unknown signal %q", s))
}
