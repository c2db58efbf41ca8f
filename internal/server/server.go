package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/guseggert/callsess/session"
	"github.com/julienschmidt/httprouter"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

// Server serves one session over HTTP.
type Server struct {
	log *zap.SugaredLogger

	listenAddr string
	closeGrace time.Duration

	// sessMut serializes operations on the session. state never waits for it.
	sessMut sync.Mutex
	sess    *session.Session

	statusMut sync.Mutex
	status    StateResponse
	statusAt  time.Time
	opStart   time.Time

	// closing is cancelled by POST /close, which interrupts running and queued operations.
	closing     context.Context
	stopClosing context.CancelFunc

	httpServer *http.Server
	listening  chan struct{}
	addr       net.Addr
}

type Option func(s *Server)

func WithListenAddr(addr string) Option {
	return func(s *Server) {
		s.listenAddr = addr
	}
}

func WithLogger(l *zap.Logger) Option {
	return func(s *Server) {
		s.log = l.Named("server").Sugar()
	}
}

// WithCloseGrace sets how long POST /close lets the worker exit on its own.
func WithCloseGrace(d time.Duration) Option {
	return func(s *Server) {
		s.closeGrace = d
	}
}

func New(sess *session.Session, opts ...Option) *Server {
	s := &Server{
		log:        zap.NewNop().Sugar(),
		sess:       sess,
		listenAddr: "127.0.0.1:8080",
		closeGrace: 2 * time.Second,
		listening:  make(chan struct{}),
	}
	for _, o := range opts {
		o(s)
	}
	s.closing, s.stopClosing = context.WithCancel(context.Background())
	s.recordStatus()
	return s
}

func (s *Server) Handler() http.Handler {
	router := httprouter.New()
	router.GET("/state", s.state)
	router.POST("/run", s.run)
	router.POST("/close", s.close)
	router.GET("/attach", s.attach)
	return router
}

// Run serves until ctx is done or the listener fails.
func (s *Server) Run(ctx context.Context) error {
	l, err := net.Listen("tcp", s.listenAddr)
	if err != nil {
		return fmt.Errorf("listening TCP: %w", err)
	}
	return s.Serve(ctx, l)
}

func (s *Server) Serve(ctx context.Context, l net.Listener) error {
	s.httpServer = &http.Server{
		Handler:     s.Handler(),
		BaseContext: func(net.Listener) context.Context { return ctx },
	}
	s.addr = l.Addr()
	close(s.listening)
	s.log.Infow("serving session", "Addr", s.addr.String(), "SessionID", s.sess.ID())

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		err := s.httpServer.Serve(l)
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.httpServer.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

// Addr waits until the server is listening and returns its address, which is how callers learn
// the port when listening on port 0.
func (s *Server) Addr(ctx context.Context) (string, error) {
	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case <-s.listening:
		return s.addr.String(), nil
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	b, err := json.Marshal(v)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Add("Content-Type", "application/json")
	w.WriteHeader(status)
	w.Write(b)
}

func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, session.ErrBusy), errors.Is(err, session.ErrNotReady):
		status = http.StatusServiceUnavailable
	case errors.Is(err, session.ErrFinished):
		status = http.StatusGone
	case errors.Is(err, session.ErrInterrupted):
		status = http.StatusRequestTimeout
	}
	writeJSON(w, status, ErrorResponse{Error: err.Error()})
}

func (s *Server) state(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	if s.sessMut.TryLock() {
		s.recordStatus()
		s.sessMut.Unlock()
	}
	writeJSON(w, http.StatusOK, s.currentStatus())
}

// recordStatus snapshots the session. Callers hold sessMut.
func (s *Server) recordStatus() {
	rt := s.sess.RunningTime()
	status := StateResponse{
		SessionID: s.sess.ID(),
		State:     s.sess.State().String(),
		PID:       s.sess.Pid(),
		TotalMS:   rt.Total.Milliseconds(),
		CallMS:    rt.Call.Milliseconds(),
		HasCall:   rt.HasCall,
	}
	s.statusMut.Lock()
	s.status = status
	s.statusAt = time.Now()
	s.opStart = time.Time{}
	s.statusMut.Unlock()
}

// currentStatus is the last snapshot, aged to now if an operation is still holding the session.
func (s *Server) currentStatus() StateResponse {
	s.statusMut.Lock()
	defer s.statusMut.Unlock()
	status := s.status
	if !s.opStart.IsZero() {
		status.State = session.Busy.String()
		status.TotalMS += time.Since(s.statusAt).Milliseconds()
		status.CallMS = time.Since(s.opStart).Milliseconds()
		status.HasCall = true
	}
	return status
}

// lockSession takes the session for one operation. The returned context is cancelled when the
// request ends or the session is closed, and unlock releases the session.
func (s *Server) lockSession(ctx context.Context) (context.Context, func()) {
	ctx, cancel := context.WithCancel(ctx)
	stop := context.AfterFunc(s.closing, cancel)
	s.sessMut.Lock()
	s.recordStatus()
	s.statusMut.Lock()
	s.opStart = time.Now()
	s.statusMut.Unlock()
	return ctx, func() {
		s.recordStatus()
		s.sessMut.Unlock()
		stop()
		cancel()
	}
}

// run runs one call. The call is interrupted if the request is aborted.
func (s *Server) run(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	var req RunRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: err.Error()})
		return
	}
	if req.Func == "" {
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "request contained no function"})
		return
	}
	args, err := DecodeArgs(req.Args)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: err.Error()})
		return
	}

	ctx, unlock := s.lockSession(r.Context())
	res, err := s.sess.RunWithOutput(ctx, req.Func, args...)
	unlock()
	if err != nil {
		s.log.Debugw("run failed", "Func", req.Func, "Error", err)
		writeError(w, err)
		return
	}

	resp := RunResponse{
		CallID: res.CallID,
		Func:   res.Func,
		Code:   int(res.Code),
		Error:  res.Error,
		Stdout: res.Stdout,
		Stderr: res.Stderr,
	}
	if res.Error == nil {
		v, err := res.Value()
		if err != nil {
			writeJSON(w, http.StatusInternalServerError, ErrorResponse{Error: fmt.Sprintf("decoding result: %s", err)})
			return
		}
		resp.Value = v
	}
	writeJSON(w, http.StatusOK, resp)
}

// close interrupts whatever is running, then shuts the worker down.
func (s *Server) close(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	s.stopClosing()
	s.sessMut.Lock()
	err := s.sess.Close(s.closeGrace)
	s.recordStatus()
	s.sessMut.Unlock()
	if err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (s *Server) attach(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		CompressionMode: websocket.CompressionContextTakeover,
	})
	if err != nil {
		s.log.Debugf("attach WebSocket accept error: %s", err)
		return
	}
	conn.SetReadLimit(readLimit)
	s.log.Debug("accepted attach conn")

	ctx := r.Context()
	stdout := &wsJSONWriter{
		log:      s.log.Named("stdout_writer"),
		ctx:      ctx,
		conn:     conn,
		writeMsg: func(b []byte) any { return attachResponse{Stdout: b} },
	}
	stderr := &wsJSONWriter{
		log:      s.log.Named("stderr_writer"),
		ctx:      ctx,
		conn:     conn,
		writeMsg: func(b []byte) any { return attachResponse{Stderr: b} },
	}

	for {
		var req attachRequest
		err := wsjson.Read(ctx, conn, &req)
		if websocket.CloseStatus(err) == websocket.StatusNormalClosure {
			s.log.Debug("got normal closure from client")
			return
		}
		if err != nil {
			s.log.Debugf("attach reader got error: %s", err)
			conn.Close(websocket.StatusInternalError, "reading request")
			return
		}

		done := attachResponse{Done: true}
		if err := s.evalLine(ctx, req.Line, stdout, stderr); err != nil {
			done.Error = err.Error()
		}
		if err := wsjson.Write(ctx, conn, done); err != nil {
			s.log.Debugf("writing attach completion: %s", err)
			return
		}
	}
}

func (s *Server) evalLine(ctx context.Context, line string, stdout, stderr *wsJSONWriter) error {
	ctx, unlock := s.lockSession(ctx)
	defer unlock()
	if err := s.sess.SendInput(line); err != nil {
		return err
	}
	return s.sess.WaitAttach(ctx, stdout, stderr)
}

// DecodeArgs decodes JSON call arguments, keeping integers as integers so that they decode into
// integer parameters in the worker.
func DecodeArgs(raw []json.RawMessage) ([]any, error) {
	args := make([]any, 0, len(raw))
	for i, r := range raw {
		dec := json.NewDecoder(bytes.NewReader(r))
		dec.UseNumber()
		var v any
		if err := dec.Decode(&v); err != nil {
			return nil, fmt.Errorf("decoding argument %d: %w", i, err)
		}
		args = append(args, normalizeNumbers(v))
	}
	return args, nil
}

func normalizeNumbers(v any) any {
	switch t := v.(type) {
	case json.Number:
		if n, err := t.Int64(); err == nil {
			return n
		}
		f, _ := t.Float64()
		return f
	case []any:
		for i := range t {
			t[i] = normalizeNumbers(t[i])
		}
		return t
	case map[string]any:
		for k := range t {
			t[k] = normalizeNumbers(t[k])
		}
		return t
	}
	return v
}
