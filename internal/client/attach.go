package client

import (
	"context"
	"fmt"
	"os"
	"os/signal"

	"github.com/mcuadros/go-defaults"
	"golang.org/x/sys/unix"
	"golang.org/x/term"

	"github.com/srg/monomux/internal/groutine"
	"github.com/srg/monomux/internal/protocol"
)

// detachKey is the byte that ends the pump from the keyboard: Ctrl-\,
// chosen because raw mode swallows the usual job-control keys.
const detachKey = 0x1C

// PumpOptions configures the attached-terminal pump.
type PumpOptions struct {
	// Stdin and Stdout default to the process terminal.
	Stdin  *os.File
	Stdout *os.File
	// ReadBuffer sizes the copy buffers.
	ReadBuffer int `default:"16384"`
}

// PumpResult describes why the pump ended.
type PumpResult struct {
	// SessionExited is set when the session's child died; ExitCode then
	// carries its status.
	SessionExited bool
	ExitCode      int32
	// Detached is set when the user hit the detach key.
	Detached bool
	// ServerGone is set when the server announced shutdown or the streams
	// failed.
	ServerGone bool
	Reason     string
}

type pumpEvent struct {
	result PumpResult
	err    error
}

// Pump puts the local terminal in raw mode and ferries bytes until the
// session exits, the user detaches, or a stream fails. It owns both
// streams while running; no request method may run concurrently.
func (c *Client) Pump(opts *PumpOptions) (PumpResult, error) {
	if opts == nil {
		opts = &PumpOptions{}
	}
	defaults.SetDefaults(opts)
	stdin := opts.Stdin
	if stdin == nil {
		stdin = os.Stdin
	}
	stdout := opts.Stdout
	if stdout == nil {
		stdout = os.Stdout
	}

	rawState, err := term.MakeRaw(int(stdin.Fd()))
	if err != nil {
		return PumpResult{}, fmt.Errorf("enter raw mode: %w", err)
	}
	defer term.Restore(int(stdin.Fd()), rawState)

	c.sendWindowSize(stdout)
	winch := make(chan os.Signal, 1)
	signal.Notify(winch, unix.SIGWINCH)
	defer signal.Stop(winch)

	events := make(chan pumpEvent, 3)
	stop := make(chan struct{})
	defer close(stop)

	groutine.Go(nil, "attach-stdin-pump", func(ctx context.Context) {
		buf := make([]byte, opts.ReadBuffer)
		for {
			n, err := stdin.Read(buf)
			if n > 0 {
				payload, detach := splitAtDetachKey(buf[:n])
				if len(payload) > 0 {
					if _, werr := c.data.Write(payload); werr != nil {
						events <- pumpEvent{result: PumpResult{ServerGone: true, Reason: "data stream failed"}}
						return
					}
				}
				if detach {
					_ = c.Detach(false, "")
					events <- pumpEvent{result: PumpResult{Detached: true}}
					return
				}
			}
			if err != nil {
				events <- pumpEvent{result: PumpResult{Detached: true, Reason: "stdin closed"}}
				return
			}
		}
	})

	groutine.Go(nil, "attach-output-pump", func(ctx context.Context) {
		buf := make([]byte, opts.ReadBuffer)
		for {
			n, err := c.data.Read(buf)
			if n > 0 {
				if _, werr := stdout.Write(buf[:n]); werr != nil {
					events <- pumpEvent{err: fmt.Errorf("write terminal: %w", werr)}
					return
				}
			}
			if err != nil {
				events <- pumpEvent{result: PumpResult{ServerGone: true, Reason: "data stream closed"}}
				return
			}
		}
	})

	groutine.Go(nil, "attach-control-pump", func(ctx context.Context) {
		for {
			msg, err := protocol.ReadMessage(c.control)
			if err != nil {
				events <- pumpEvent{result: PumpResult{ServerGone: true, Reason: "control stream closed"}}
				return
			}
			switch m := msg.(type) {
			case protocol.SessionExit:
				events <- pumpEvent{result: PumpResult{SessionExited: true, ExitCode: m.ExitCode}}
				return
			case protocol.ServerExit:
				events <- pumpEvent{result: PumpResult{ServerGone: true, Reason: m.Reason}}
				return
			case protocol.Reject:
				events <- pumpEvent{err: fmt.Errorf("%w: %s", ErrRejected, m.Reason)}
				return
			default:
				// Stray responses are harmless here.
			}
		}
	})

	for {
		select {
		case <-winch:
			c.sendWindowSize(stdout)
		case ev := <-events:
			return ev.result, ev.err
		}
	}
}

func (c *Client) sendWindowSize(out *os.File) {
	cols, rows, err := term.GetSize(int(out.Fd()))
	if err != nil || rows <= 0 || cols <= 0 {
		return
	}
	if err := c.WindowSize(uint16(rows), uint16(cols)); err != nil {
		c.logger.WithError(err).Debug("window size update failed")
	}
}

// splitAtDetachKey returns the bytes before the detach key and whether the
// key was present. Bytes after the key are dropped; the user asked out.
func splitAtDetachKey(b []byte) ([]byte, bool) {
	for i, ch := range b {
		if ch == detachKey {
			return b[:i], true
		}
	}
	return b, false
}
