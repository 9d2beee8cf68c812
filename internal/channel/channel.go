// Package channel provides the buffered, non-blocking byte stream that sits
// between the event loop and every external endpoint (PTY masters, client
// sockets). A BufferedChannel pairs two growable ring buffers over one file
// descriptor: reads prefer the read queue and pull from the handle without
// blocking; writes preserve strict FIFO ordering across partial sends.
//
// EAGAIN, EWOULDBLOCK and EINTR are transparent and never fail the channel.
// End-of-stream and non-retryable errors transition the channel to a failed
// state, after which every operation returns ErrFailed until the channel is
// closed. Crossing the 2 GiB per-direction cap is treated the same way.
package channel

import (
	"errors"
	"fmt"
	"io"
	"syscall"
	"time"

	"github.com/mcuadros/go-defaults"
	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
)

// ErrFailed reports that the channel's underlying handle is gone or that
// the overflow guard tripped. The owner is expected to tear the channel
// down; no operation recovers it.
var ErrFailed = errors.New("channel failed")

// ioChunkSize bounds a single read or write against the handle so one busy
// endpoint cannot starve the loop.
const ioChunkSize = 16 << 10

// peakSampleSlots is the diagnostic ring depth for peak-usage samples.
const peakSampleSlots = 32

// Options configures a BufferedChannel.
type Options struct {
	// ReadCapacity and WriteCapacity are the initial ring capacities in
	// bytes. Rings grow on demand up to HardCap and shrink again when idle.
	ReadCapacity  int `default:"4096"`
	WriteCapacity int `default:"4096"`
	// Name identifies the channel in logs and statistics.
	Name string
	// Logger may be nil for a no-op logger.
	Logger *logrus.Logger
}

// Stats is a point-in-time snapshot of a channel's counters.
type Stats struct {
	Name          string
	ReadBuffered  int
	WriteBuffered int
	ReadCapacity  int
	WriteCapacity int
	BytesRead     uint64
	BytesWritten  uint64
	Failed        bool
}

// PeakSample records the high watermarks of both rings over one
// housekeeping interval.
type PeakSample struct {
	At        time.Time
	ReadPeak  int
	WritePeak int
}

var noopLogger = func() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}()

// BufferedChannel is not safe for concurrent use; the event loop is its
// only mutator.
type BufferedChannel struct {
	fd     int
	name   string
	logger *logrus.Logger

	read  *ring
	write *ring

	// pending holds a chunk already popped off the write ring but only
	// partially accepted by the handle. It always drains before the ring,
	// which is what keeps write ordering intact across partial sends.
	pending  []byte
	scratch  [ioChunkSize]byte
	wscratch [ioChunkSize]byte

	bytesRead    uint64
	bytesWritten uint64

	failed  bool
	failure error

	peaks *RingChannel[PeakSample]
}

// New wraps a non-blocking file descriptor. The channel takes ownership of
// the descriptor; Close releases it.
func New(fd int, opts *Options) *BufferedChannel {
	if opts == nil {
		opts = &Options{}
	}
	defaults.SetDefaults(opts)
	logger := opts.Logger
	if logger == nil {
		logger = noopLogger
	}
	return &BufferedChannel{
		fd:     fd,
		name:   opts.Name,
		logger: logger,
		read:   newRing(opts.ReadCapacity),
		write:  newRing(opts.WriteCapacity),
		peaks:  NewRingChannel[PeakSample](peakSampleSlots),
	}
}

// FD returns the wrapped descriptor for event-source registration.
func (c *BufferedChannel) FD() int { return c.fd }

// Name returns the diagnostic name.
func (c *BufferedChannel) Name() string { return c.name }

// Failed reports whether the channel is in the terminal failed state.
func (c *BufferedChannel) Failed() bool { return c.failed }

// FailureReason returns the error that failed the channel, or nil.
func (c *BufferedChannel) FailureReason() error { return c.failure }

func (c *BufferedChannel) fail(err error) error {
	if !c.failed {
		c.failed = true
		c.failure = err
		c.logger.WithError(err).WithField("channel", c.name).Debug("channel failed")
	}
	return fmt.Errorf("%w (%s): %v", ErrFailed, c.name, c.failure)
}

// retryable reports errno conditions that must stay invisible to callers.
func retryable(err error) bool {
	return errors.Is(err, syscall.EAGAIN) ||
		errors.Is(err, syscall.EWOULDBLOCK) ||
		errors.Is(err, syscall.EINTR)
}

// pull reads from the handle into the read ring until either budget bytes
// arrived, the handle would block, or the handle failed. Returns the number
// of bytes pulled.
func (c *BufferedChannel) pull(budget int) (int, error) {
	pulled := 0
	for pulled < budget {
		want := budget - pulled
		if want > len(c.scratch) {
			want = len(c.scratch)
		}
		n, err := unix.Read(c.fd, c.scratch[:want])
		if n > 0 {
			if werr := c.read.write(c.scratch[:n]); werr != nil {
				return pulled, c.fail(werr)
			}
			c.bytesRead += uint64(n)
			pulled += n
		}
		if err != nil {
			if errors.Is(err, syscall.EINTR) {
				continue
			}
			if retryable(err) {
				return pulled, nil
			}
			return pulled, c.fail(err)
		}
		if n == 0 {
			return pulled, c.fail(io.EOF)
		}
	}
	return pulled, nil
}

// Read returns up to n bytes, preferring the read buffer. Bytes pulled from
// the handle beyond n stay queued for the next call. When nothing is
// available and the handle would block, it returns an empty slice without
// error.
func (c *BufferedChannel) Read(n int) ([]byte, error) {
	if c.failed {
		return nil, c.fail(c.failure)
	}
	if n <= 0 {
		return nil, nil
	}

	out := make([]byte, n)
	got := c.read.tryRead(out)

	if got < n {
		// Top up from the handle. Over-reads land in the read ring.
		pulled, err := c.pull(ioChunkSize)
		if pulled > 0 {
			got += c.read.tryRead(out[got:])
		}
		if err != nil && got == 0 {
			return nil, err
		}
	}
	return out[:got], nil
}

// Load pulls up to n bytes from the handle into the read buffer without
// returning them. Framed readers use it to pre-buffer before decoding.
func (c *BufferedChannel) Load(n int) error {
	if c.failed {
		return c.fail(c.failure)
	}
	_, err := c.pull(n)
	return err
}

// ReadBuffered reports how many bytes sit in the read queue.
func (c *BufferedChannel) ReadBuffered() int { return c.read.length() }

// Write queues or sends data, preserving FIFO order. If earlier bytes are
// still pending, the new payload is either sent after a complete flush or
// buffered wholesale; it is never interleaved into a partially-sent write.
// The return value counts bytes of data that reached the handle in this
// call; backlog bytes flushed on the way are not included.
func (c *BufferedChannel) Write(data []byte) (int, error) {
	if c.failed {
		return 0, c.fail(c.failure)
	}
	if len(data) == 0 {
		return 0, nil
	}

	if c.hasBacklog() {
		if _, err := c.FlushWrites(); err != nil {
			return 0, err
		}
		if c.hasBacklog() {
			if err := c.write.write(data); err != nil {
				return 0, c.fail(err)
			}
			return 0, nil
		}
	}

	sent := 0
	for sent < len(data) {
		limit := sent + ioChunkSize
		if limit > len(data) {
			limit = len(data)
		}
		n, err := unix.Write(c.fd, data[sent:limit])
		if n > 0 {
			sent += n
			c.bytesWritten += uint64(n)
		}
		if err != nil {
			if errors.Is(err, syscall.EINTR) {
				continue
			}
			if retryable(err) {
				break
			}
			return sent, c.fail(err)
		}
	}
	if sent < len(data) {
		if err := c.write.write(data[sent:]); err != nil {
			return sent, c.fail(err)
		}
	}
	return sent, nil
}

func (c *BufferedChannel) hasBacklog() bool {
	return len(c.pending) > 0 || !c.write.isEmpty()
}

// HasPendingWrites reports whether buffered output awaits a writable
// handle. Owners arm the event source for write readiness exactly while
// this is true.
func (c *BufferedChannel) HasPendingWrites() bool { return c.hasBacklog() }

// WriteBuffered reports how many bytes sit in the write queue.
func (c *BufferedChannel) WriteBuffered() int { return len(c.pending) + c.write.length() }

// FlushWrites drains buffered output chunk-by-chunk until the handle would
// block or the backlog is empty. Returns bytes sent.
func (c *BufferedChannel) FlushWrites() (int, error) {
	if c.failed {
		return 0, c.fail(c.failure)
	}
	total := 0
	for {
		if len(c.pending) == 0 {
			n := c.write.tryRead(c.wscratch[:])
			if n == 0 {
				return total, nil
			}
			c.pending = c.wscratch[:n]
		}
		n, err := unix.Write(c.fd, c.pending)
		if n > 0 {
			total += n
			c.bytesWritten += uint64(n)
			c.pending = c.pending[n:]
		}
		if err != nil {
			if errors.Is(err, syscall.EINTR) {
				continue
			}
			if retryable(err) {
				return total, nil
			}
			return total, c.fail(err)
		}
	}
}

// TryTrim reclaims idle ring capacity and records a peak-usage sample. The
// loop calls it from periodic housekeeping.
func (c *BufferedChannel) TryTrim() {
	now := time.Now()
	rp, wp := c.read.peakUsage(), c.write.peakUsage()
	if rp > 0 || wp > 0 {
		c.peaks.Send(PeakSample{At: now, ReadPeak: rp, WritePeak: wp})
	}
	c.read.resetPeak()
	c.write.resetPeak()

	if c.read.tryTrim(now) || c.write.tryTrim(now) {
		c.logger.WithField("channel", c.name).Trace("trimmed ring capacity")
	}
}

// PeakSamples returns the retained peak-usage history, oldest first.
func (c *BufferedChannel) PeakSamples() []PeakSample { return c.peaks.Snapshot() }

// Stats returns a snapshot of the channel counters.
func (c *BufferedChannel) Stats() Stats {
	return Stats{
		Name:          c.name,
		ReadBuffered:  c.read.length(),
		WriteBuffered: c.WriteBuffered(),
		ReadCapacity:  c.read.capacity(),
		WriteCapacity: c.write.capacity(),
		BytesRead:     c.bytesRead,
		BytesWritten:  c.bytesWritten,
		Failed:        c.failed,
	}
}

// Close releases the descriptor. Safe to call on a failed channel; calling
// it twice is a no-op.
func (c *BufferedChannel) Close() error {
	if c.fd < 0 {
		return nil
	}
	err := unix.Close(c.fd)
	c.fd = -1
	if !c.failed {
		c.failed = true
		c.failure = ErrFailed
	}
	return err
}
