//go:build linux

package worker

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// capture points fd 1 and 2 at the given files until the returned func is called.
// Empty paths leave the descriptor alone.
func (rt *Runtime) capture(stdoutPath, stderrPath string) (func(), error) {
	if rt.noCapture {
		return func() {}, nil
	}
	var restores []func()
	restore := func() {
		for i := len(restores) - 1; i >= 0; i-- {
			restores[i]()
		}
	}
	for _, t := range []struct {
		fd   int
		path string
	}{{1, stdoutPath}, {2, stderrPath}} {
		if t.path == "" {
			continue
		}
		r, err := redirect(t.fd, t.path)
		if err != nil {
			restore()
			return nil, err
		}
		restores = append(restores, r)
	}
	return restore, nil
}

func redirect(fd int, path string) (func(), error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return nil, fmt.Errorf("opening capture file: %w", err)
	}
	defer f.Close()

	saved, err := unix.FcntlInt(uintptr(fd), unix.F_DUPFD_CLOEXEC, 0)
	if err != nil {
		return nil, fmt.Errorf("saving fd %d: %w", fd, err)
	}
	if err := unix.Dup3(int(f.Fd()), fd, 0); err != nil {
		unix.Close(saved)
		return nil, fmt.Errorf("redirecting fd %d: %w", fd, err)
	}
	return func() {
		_ = unix.Dup3(saved, fd, 0)
		unix.Close(saved)
	}, nil
}
