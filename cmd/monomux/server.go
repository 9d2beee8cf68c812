package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/srg/monomux/internal/server"
)

// serverCmd represents the server command
var serverCmd = &cobra.Command{
	Use:   "server",
	Short: "Run the session server in the foreground",
	Long: `Run the multiplexer server in the foreground.

The server binds the unix socket, hosts PTY sessions, and routes bytes
between sessions and attached clients until interrupted. Most users never
run this directly: attach and new spawn a detached server on demand.`,
	RunE: runServer,
}

var serverExitOnEmpty bool

func init() {
	serverCmd.Flags().BoolVar(&serverExitOnEmpty, "exit-on-empty", false,
		"Exit once the last session terminates")
}

func runServer(cmd *cobra.Command, args []string) error {
	logger, err := configureLogger(cmd, "verbose")
	if err != nil {
		return err
	}
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	deadline, err := cfg.handshakeDeadline()
	if err != nil {
		return err
	}
	cmd.SilenceUsage = true

	srv, err := server.New(&server.Options{
		SocketPath:                 resolveSocketPath(cmd, cfg),
		ExitOnLastSessionTerminate: serverExitOnEmpty,
		HandshakeTimeout:           deadline,
		Logger:                     logger,
	})
	if err != nil {
		return newSystemError(fmt.Errorf("start server: %w", err))
	}

	server.RegisterObject(server.ServerObjectName, srv)
	server.InstallSignalTrap()
	defer func() {
		server.RemoveSignalTrap()
		server.UnregisterObject(server.ServerObjectName)
		srv.Shutdown("server command exiting")
	}()

	logger.WithField("socket", srv.SocketPath()).Info("server listening")
	if err := srv.Loop(); err != nil {
		return newSystemError(fmt.Errorf("server loop: %w", err))
	}
	return nil
}
