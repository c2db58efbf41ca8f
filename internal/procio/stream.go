//go:build linux

package procio

import (
	"bytes"
	"errors"
	"fmt"

	"golang.org/x/sys/unix"
)

const readChunk = 32768

// Stream is the parent-side, non-blocking read end of one of the worker's streams.
type Stream struct {
	name   string
	fd     int
	buf    []byte
	eof    bool
	closed bool
}

func newStream(name string, fd int) *Stream {
	return &Stream{name: name, fd: fd}
}

func (s *Stream) Name() string { return s.name }

// fill performs at most one read into the buffer. It reports whether new bytes arrived.
func (s *Stream) fill() (bool, error) {
	if s.eof || s.closed {
		return false, nil
	}
	tmp := make([]byte, readChunk)
	for {
		n, err := unix.Read(s.fd, tmp)
		switch {
		case errors.Is(err, unix.EINTR):
			continue
		case errors.Is(err, unix.EAGAIN):
			return false, nil
		case errors.Is(err, unix.ECONNRESET):
			s.eof = true
			return false, nil
		case err != nil:
			return false, fmt.Errorf("reading %s: %w", s.name, err)
		case n == 0:
			s.eof = true
			return false, nil
		}
		s.buf = append(s.buf, tmp[:n]...)
		return true, nil
	}
}

func (s *Stream) hasLine() bool { return bytes.IndexByte(s.buf, '\n') >= 0 }

// ReadLine returns the next complete line without its newline. It never blocks: if no complete line
// is available it returns false. At end of stream a trailing unterminated line is returned as a line.
func (s *Stream) ReadLine() (string, bool, error) {
	for {
		if i := bytes.IndexByte(s.buf, '\n'); i >= 0 {
			line := string(s.buf[:i])
			s.buf = s.buf[i+1:]
			return line, true, nil
		}
		if s.eof {
			if len(s.buf) > 0 {
				line := string(s.buf)
				s.buf = nil
				return line, true, nil
			}
			return "", false, nil
		}
		more, err := s.fill()
		if err != nil {
			return "", false, err
		}
		if !more && !s.eof {
			return "", false, nil
		}
	}
}

// ReadAvailable drains everything that can be read without blocking, including buffered bytes.
func (s *Stream) ReadAvailable() ([]byte, error) {
	for {
		more, err := s.fill()
		if err != nil {
			return s.take(), err
		}
		if !more {
			return s.take(), nil
		}
	}
}

func (s *Stream) take() []byte {
	b := s.buf
	s.buf = nil
	return b
}

// Pending reads whatever is available and reports whether a complete line or the end of the stream
// is buffered, so that a half-written line does not count as readable.
func (s *Stream) Pending() (bool, error) {
	for !s.ready() {
		more, err := s.fill()
		if err != nil {
			return false, err
		}
		if !more {
			break
		}
	}
	return s.ready(), nil
}

// EOF reports whether the writer side is closed and every buffered byte has been consumed.
func (s *Stream) EOF() bool { return s.eof && len(s.buf) == 0 }

// ready reports whether a reader can make progress without polling.
func (s *Stream) ready() bool { return s.hasLine() || s.eof }

func (s *Stream) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true
	return unix.Close(s.fd)
}
