//go:build linux

package procio

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// Waker is a self-pipe that lets code outside a Poll call wake it up.
type Waker struct {
	r *Stream
	w int
}

func NewWaker() (*Waker, error) {
	var p [2]int
	if err := unix.Pipe2(p[:], unix.O_CLOEXEC|unix.O_NONBLOCK); err != nil {
		return nil, fmt.Errorf("creating wakeup pipe: %w", err)
	}
	return &Waker{r: newStream("waker", p[0]), w: p[1]}, nil
}

// Wake makes the waker's stream readable. It is safe to call from any goroutine.
func (w *Waker) Wake() {
	_, _ = unix.Write(w.w, []byte{1})
}

func (w *Waker) Stream() *Stream { return w.r }

// Woken reports whether Wake was called since the last Reset.
func (w *Waker) Woken() bool {
	_, _ = w.r.fill()
	return len(w.r.buf) > 0
}

func (w *Waker) Reset() {
	_, _ = w.r.ReadAvailable()
}

func (w *Waker) Close() error {
	err := w.r.Close()
	if cerr := unix.Close(w.w); err == nil {
		err = cerr
	}
	return err
}
