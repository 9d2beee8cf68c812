package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/srg/monomux/internal/client"
)

// connectClient dials the server for a subcommand, optionally spawning one
// when nothing answers on the socket.
func connectClient(cmd *cobra.Command, autoSpawn bool) (*client.Client, error) {
	logger, err := configureLogger(cmd, "verbose")
	if err != nil {
		return nil, err
	}
	cfg, err := loadConfig(cmd)
	if err != nil {
		return nil, err
	}
	cmd.SilenceUsage = true

	c, err := client.Connect(&client.Options{
		SocketPath: resolveSocketPath(cmd, cfg),
		AutoSpawn:  autoSpawn,
		Logger:     logger,
	})
	if err != nil {
		return nil, newSystemError(err)
	}
	return c, nil
}

// parseEnvAssignments turns KEY=VALUE flag values into a map.
func parseEnvAssignments(pairs []string) (map[string]string, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	env := make(map[string]string, len(pairs))
	for _, pair := range pairs {
		key, value, ok := strings.Cut(pair, "=")
		if !ok || key == "" {
			return nil, newInvocationError(fmt.Errorf("invalid environment assignment %q: want KEY=VALUE", pair))
		}
		env[key] = value
	}
	return env, nil
}
