package interact

import (
	"bufio"
	"context"
	"io"
)

type lineResult struct {
	line string
	ok   bool
	err  error
}

// LineReader reads lines from a reader one at a time, on request, so that nothing past the last
// requested line is consumed. Its goroutine exits when the context is done, unless it is blocked
// in a read, in which case it exits once that read returns.
type LineReader struct {
	ctx   context.Context
	reqs  chan struct{}
	lines chan lineResult
	done  bool
}

func NewLineReader(ctx context.Context, r io.Reader) *LineReader {
	lr := &LineReader{
		ctx:   ctx,
		reqs:  make(chan struct{}),
		lines: make(chan lineResult),
	}
	go lr.read(r)
	return lr
}

func (lr *LineReader) read(r io.Reader) {
	scanner := bufio.NewScanner(r)
	for {
		select {
		case <-lr.ctx.Done():
			return
		case <-lr.reqs:
		}
		ok := scanner.Scan()
		res := lineResult{line: scanner.Text(), ok: ok}
		if !ok {
			res.err = scanner.Err()
		}
		select {
		case <-lr.ctx.Done():
			return
		case lr.lines <- res:
		}
		if !ok {
			return
		}
	}
}

// Next returns the next line. ok is false at the end of the input. err is the context's error if
// it is done before a line arrives.
func (lr *LineReader) Next() (line string, ok bool, err error) {
	if lr.done {
		return "", false, nil
	}
	select {
	case <-lr.ctx.Done():
		return "", false, lr.ctx.Err()
	case lr.reqs <- struct{}{}:
	}
	select {
	case <-lr.ctx.Done():
		return "", false, lr.ctx.Err()
	case res := <-lr.lines:
		if !res.ok {
			lr.done = true
		}
		return res.line, res.ok, res.err
	}
}
