package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

// newCmd represents the new command
var newCmd = &cobra.Command{
	Use:   "new [name] [-- program [args...]]",
	Short: "Create a session",
	Long: `Create a session on the server, spawning one if necessary.

The session runs the given program, or the configured default, or the
user's shell. A name is generated when none is given. The session starts
detached; use attach to join it.`,
	RunE: runNew,
}

var (
	newSetEnv   []string
	newUnsetEnv []string
	newAttach   bool
)

func init() {
	newCmd.Flags().StringArrayVarP(&newSetEnv, "env", "e", nil, "Set environment variable (KEY=VALUE, repeatable)")
	newCmd.Flags().StringArrayVarP(&newUnsetEnv, "unset", "u", nil, "Unset inherited environment variable (repeatable)")
	newCmd.Flags().BoolVarP(&newAttach, "attach", "a", false, "Attach to the session after creating it")
}

// splitNameAndProgram separates the optional session name from the program
// and its arguments after the -- marker.
func splitNameAndProgram(cmd *cobra.Command, args []string) (name, program string, argv []string, err error) {
	dash := cmd.ArgsLenAtDash()
	named := args
	if dash >= 0 {
		named = args[:dash]
		rest := args[dash:]
		if len(rest) > 0 {
			program = rest[0]
			argv = rest[1:]
		}
	}
	switch len(named) {
	case 0:
	case 1:
		name = named[0]
	default:
		return "", "", nil, newInvocationError(fmt.Errorf("at most one session name, got %d arguments (use -- before the program)", len(named)))
	}
	return name, program, argv, nil
}

func runNew(cmd *cobra.Command, args []string) error {
	name, program, argv, err := splitNameAndProgram(cmd, args)
	if err != nil {
		return err
	}
	setEnv, err := parseEnvAssignments(newSetEnv)
	if err != nil {
		return err
	}
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if program == "" {
		program = cfg.Program
	}

	c, err := connectClient(cmd, true)
	if err != nil {
		return err
	}

	created, err := c.MakeSession(name, program, argv, setEnv, newUnsetEnv)
	if err != nil {
		c.Close()
		return newInvocationError(fmt.Errorf("create session: %w", err))
	}

	if !newAttach {
		c.Close()
		fmt.Fprintln(cmd.OutOrStdout(), created)
		return nil
	}
	defer c.Close()
	if err := c.Attach(created); err != nil {
		return newSystemError(fmt.Errorf("attach %s: %w", created, err))
	}
	return pumpAttached(c, created)
}
