//go:build linux

package procio

import (
	"errors"
	"time"

	"golang.org/x/sys/unix"
)

var ErrNothingToPoll = errors.New("no open streams to poll")

// Poll waits until at least one of the streams has something to read, or the timeout expires.
// A negative timeout waits forever. Streams with a buffered complete line or at end of stream
// are returned immediately. Nil and closed streams are ignored.
// The returned slice is empty on timeout.
func Poll(timeout time.Duration, streams ...*Stream) ([]*Stream, error) {
	var ready []*Stream
	var polled []*Stream
	for _, s := range streams {
		if s == nil || s.closed {
			continue
		}
		if s.ready() {
			ready = append(ready, s)
			continue
		}
		polled = append(polled, s)
	}
	if len(ready) > 0 {
		return ready, nil
	}
	if len(polled) == 0 {
		if timeout < 0 {
			return nil, ErrNothingToPoll
		}
		time.Sleep(timeout)
		return nil, nil
	}

	fds := make([]unix.PollFd, len(polled))
	for i, s := range polled {
		fds[i] = unix.PollFd{Fd: int32(s.fd), Events: unix.POLLIN}
	}

	deadline := time.Now().Add(timeout)
	for {
		ms := -1
		if timeout >= 0 {
			ms = millis(time.Until(deadline))
		}
		_, err := unix.Poll(fds, ms)
		if errors.Is(err, unix.EINTR) {
			if timeout >= 0 && !time.Now().Before(deadline) {
				return nil, nil
			}
			continue
		}
		if err != nil {
			return nil, err
		}
		break
	}

	for i, fd := range fds {
		if fd.Revents&(unix.POLLIN|unix.POLLHUP|unix.POLLERR) != 0 {
			ready = append(ready, polled[i])
		}
	}
	return ready, nil
}

// millis rounds d up to whole milliseconds, so a positive remainder never turns into a busy poll.
func millis(d time.Duration) int {
	if d <= 0 {
		return 0
	}
	return int((d + time.Millisecond - 1) / time.Millisecond)
}

func waitWritable(fd int, timeout time.Duration) error {
	fds := []unix.PollFd{{Fd: int32(fd), Events: unix.POLLOUT}}
	for {
		n, err := unix.Poll(fds, millis(timeout))
		if errors.Is(err, unix.EINTR) {
			continue
		}
		if err != nil {
			return err
		}
		if n == 0 {
			return errors.New("timed out waiting for pipe to drain")
		}
		return nil
	}
}
