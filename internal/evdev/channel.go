package evdev

import (
	"context"
	"os"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sys/unix"
)

// readinessWaitMillis bounds each poll(2) wait so cancellation is
// observed within roughly half a second instead of blocking on a silent
// device.
const readinessWaitMillis = 500

// Channel owns one open input device descriptor and provides
// non-blocking, cancellable reads of raw event bytes.
type Channel struct {
	fd     int
	path   string
	logger *zap.Logger

	closeOnce sync.Once
	closeErr  error
}

// Open opens the device node read-only, non-blocking, close-on-exec.
// Paths not matching the device node naming pattern are rejected before
// any I/O. Permission and not-found failures are returned as *os.PathError
// so callers can branch with errors.Is against os.ErrPermission and
// os.ErrNotExist.
func Open(path string, logger *zap.Logger) (*Channel, error) {
	if _, err := DeviceIndex(path); err != nil {
		return nil, err
	}
	fd, err := unix.Open(path, unix.O_RDONLY|unix.O_NONBLOCK|unix.O_CLOEXEC, 0)
	if err != nil {
		return nil, &os.PathError{Op: "open", Path: path, Err: err}
	}
	return &Channel{fd: fd, path: path, logger: logger}, nil
}

// Fd returns the underlying descriptor for control queries.
func (c *Channel) Fd() int { return c.fd }

// Path returns the device node path this channel reads from.
func (c *Channel) Path() string { return c.path }

// ReadSome waits for the device to become readable and performs one
// non-blocking read into buf. Returns the number of bytes read; 0 means
// the stream has ended (device closed, removed, or errored) or the
// context was cancelled. Fatal read errors are logged here rather than
// propagated - a zero return is the caller's signal to stop gracefully.
func (c *Channel) ReadSome(ctx context.Context, buf []byte) int {
	for {
		if ctx.Err() != nil {
			return 0
		}

		fds := []unix.PollFd{{Fd: int32(c.fd), Events: unix.POLLIN}}
		ready, err := unix.Poll(fds, readinessWaitMillis)
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			c.logger.Warn("device poll failed", zap.String("path", c.path), zap.Error(err))
			return 0
		}
		if ready == 0 {
			continue // timeout; re-check cancellation
		}

		// Error, hangup, or invalid-descriptor readiness means the
		// device is gone; do not attempt the read.
		if fds[0].Revents&(unix.POLLERR|unix.POLLHUP|unix.POLLNVAL) != 0 {
			c.logger.Debug("device readiness reported hangup",
				zap.String("path", c.path),
				zap.Int16("revents", int16(fds[0].Revents)))
			return 0
		}
		if fds[0].Revents&unix.POLLIN == 0 {
			continue
		}

		n, err := unix.Read(c.fd, buf)
		switch {
		case err == unix.EINTR || err == unix.EAGAIN:
			continue
		case err == unix.ENODEV:
			c.logger.Debug("device unplugged", zap.String("path", c.path))
			return 0
		case err != nil:
			c.logger.Warn("device read failed", zap.String("path", c.path), zap.Error(err))
			return 0
		}
		return n
	}
}

// Close releases the descriptor. Idempotent.
func (c *Channel) Close() error {
	c.closeOnce.Do(func() {
		c.closeErr = unix.Close(c.fd)
	})
	return c.closeErr
}
