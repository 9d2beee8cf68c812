package server

import (
	"context"
	"os"
	"os/signal"
	"sync/atomic"

	"github.com/cornelk/hashmap"
	"golang.org/x/sys/unix"

	"github.com/srg/monomux/internal/groutine"
)

// namedObjects is the process-wide registry signal-driven code resolves
// servers through. Handlers never hold raw pointers into loop state; they
// look up by name, push into the dead-child slots or flip the interrupt
// flag, and return.
var namedObjects = hashmap.New[string, any]()

// RegisterObject publishes v under name for signal-context consumers.
func RegisterObject(name string, v any) { namedObjects.Set(name, v) }

// LookupObject resolves a previously registered object.
func LookupObject(name string) (any, bool) { return namedObjects.Get(name) }

// UnregisterObject removes the binding. Safe if absent.
func UnregisterObject(name string) { namedObjects.Del(name) }

// ServerObjectName is the registry key InstallSignalTrap resolves the
// running server under.
const ServerObjectName = "monomux.server"

type sigtrap struct {
	installed atomic.Bool
	stop      chan struct{}
	sigs      chan os.Signal
}

var trap sigtrap

// InstallSignalTrap arms the process signal handlers that drive the
// server: termination signals interrupt the loop, SIGCHLD feeds the
// dead-child slots. Installing twice is a no-op; startup paths are allowed
// to call it redundantly.
func InstallSignalTrap() {
	if !trap.installed.CompareAndSwap(false, true) {
		return
	}
	signal.Ignore(unix.SIGPIPE)

	trap.stop = make(chan struct{})
	trap.sigs = make(chan os.Signal, 16)
	signal.Notify(trap.sigs, unix.SIGINT, unix.SIGTERM, unix.SIGHUP, unix.SIGCHLD)

	groutine.Go(nil, "sigtrap", func(ctx context.Context) {
		for {
			select {
			case <-trap.stop:
				return
			case sig := <-trap.sigs:
				srv, ok := LookupObject(ServerObjectName)
				if !ok {
					continue
				}
				s, ok := srv.(*Server)
				if !ok {
					continue
				}
				switch sig {
				case unix.SIGCHLD:
					// The notification does not carry a PID; a wildcard
					// makes the loop sweep every session with a
					// non-blocking wait.
					s.RegisterDeadChild(-1)
					s.wake()
				default:
					s.Interrupt()
				}
			}
		}
	})
}

// RemoveSignalTrap disarms the handlers installed by InstallSignalTrap.
func RemoveSignalTrap() {
	if !trap.installed.CompareAndSwap(true, false) {
		return
	}
	signal.Stop(trap.sigs)
	close(trap.stop)
}
