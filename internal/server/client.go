package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"go.uber.org/zap"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

// Client talks to a Server.
type Client struct {
	Logger     *zap.SugaredLogger
	HTTPClient *http.Client

	baseURL  string
	retryMax int
}

type ClientOption func(c *Client)

func WithClientLogger(l *zap.Logger) ClientOption {
	return func(c *Client) {
		c.Logger = l.Named("server_client").Sugar()
	}
}

// WithClientRetryMax sets how many times a request is retried while the server is unreachable or busy.
func WithClientRetryMax(n int) ClientOption {
	return func(c *Client) {
		c.retryMax = n
	}
}

type logAdapter struct {
	*zap.SugaredLogger
}

func (a *logAdapter) Printf(msg string, args ...interface{}) { a.Debugf(msg, args...) }

// NewClient builds a client for the server at addr, which is either host:port or a URL.
func NewClient(addr string, opts ...ClientOption) *Client {
	baseURL := addr
	if !strings.Contains(baseURL, "://") {
		baseURL = "http://" + baseURL
	}
	c := &Client{
		Logger:   zap.NewNop().Sugar(),
		baseURL:  strings.TrimSuffix(baseURL, "/"),
		retryMax: 10,
	}
	for _, o := range opts {
		o(c)
	}

	retryClient := retryablehttp.NewClient()
	retryClient.Backoff = func(min, max time.Duration, attemptNum int, resp *http.Response) time.Duration {
		return 100 * time.Millisecond
	}
	retryClient.RetryMax = c.retryMax
	retryClient.Logger = &logAdapter{SugaredLogger: c.Logger}
	retryClient.CheckRetry = checkRetry
	retryClient.ErrorHandler = retryablehttp.PassthroughErrorHandler

	c.HTTPClient = retryClient.StandardClient()
	return c
}

// checkRetry retries requests that never reached the server and requests rejected because the session was busy.
// Neither of those can have started a call.
func checkRetry(ctx context.Context, resp *http.Response, err error) (bool, error) {
	if ctx.Err() != nil {
		return false, ctx.Err()
	}
	if err != nil {
		return true, nil
	}
	return resp.StatusCode == http.StatusServiceUnavailable, nil
}

func (c *Client) prepReq(r *http.Request) {
	r.Header.Add("Content-Type", "application/json")
}

func (c *Client) do(ctx context.Context, method, path string, body any, out any) error {
	var reqBody io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshaling request: %w", err)
		}
		reqBody = bytes.NewReader(b)
	}
	httpReq, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reqBody)
	if err != nil {
		return fmt.Errorf("building request: %w", err)
	}
	c.prepReq(httpReq)

	httpResp, err := c.HTTPClient.Do(httpReq)
	if err != nil {
		return fmt.Errorf("HTTP error: %w", err)
	}
	defer httpResp.Body.Close()

	b, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return fmt.Errorf("reading response body: %w", err)
	}
	if httpResp.StatusCode != http.StatusOK {
		return &StatusError{Code: httpResp.StatusCode, Message: errorMessage(b)}
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(b, out); err != nil {
		return fmt.Errorf("unmarshaling response: %w", err)
	}
	return nil
}

func errorMessage(b []byte) string {
	var errResp ErrorResponse
	if err := json.Unmarshal(b, &errResp); err == nil && errResp.Error != "" {
		return errResp.Error
	}
	return strings.TrimSpace(string(b))
}

// StatusError is returned for non-200 responses.
type StatusError struct {
	Code    int
	Message string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("non-200 HTTP status code %d: %s", e.Code, e.Message)
}

func (c *Client) State(ctx context.Context) (*StateResponse, error) {
	var resp StateResponse
	if err := c.do(ctx, http.MethodGet, "/state", nil, &resp); err != nil {
		return nil, fmt.Errorf("getting state: %w", err)
	}
	return &resp, nil
}

// Run runs fn with args in the served session. A call that fails in the worker is not an error here;
// its failure is in the response's Error field.
func (c *Client) Run(ctx context.Context, fn string, args ...any) (*RunResponse, error) {
	req := RunRequest{Func: fn}
	for _, a := range args {
		b, err := json.Marshal(a)
		if err != nil {
			return nil, fmt.Errorf("marshaling argument: %w", err)
		}
		req.Args = append(req.Args, b)
	}
	var resp RunResponse
	if err := c.do(ctx, http.MethodPost, "/run", req, &resp); err != nil {
		return nil, fmt.Errorf("running %s: %w", fn, err)
	}
	return &resp, nil
}

func (c *Client) Close(ctx context.Context) error {
	if err := c.do(ctx, http.MethodPost, "/close", nil, nil); err != nil {
		return fmt.Errorf("closing session: %w", err)
	}
	return nil
}

// AttachConn is an open REPL connection to the served session.
type AttachConn struct {
	log  *zap.SugaredLogger
	conn *websocket.Conn
}

func (c *Client) Attach(ctx context.Context) (*AttachConn, error) {
	u := c.baseURL + "/attach"
	c.Logger.Debugw("dialing WebSocket for attach", "URL", u)
	conn, _, err := websocket.Dial(ctx, u, &websocket.DialOptions{
		HTTPClient:      c.HTTPClient,
		CompressionMode: websocket.CompressionContextTakeover,
	})
	if err != nil {
		return nil, fmt.Errorf("establishing WebSocket conn to attach: %w", err)
	}
	conn.SetReadLimit(readLimit)
	return &AttachConn{log: c.Logger.Named("attach_conn"), conn: conn}, nil
}

// Eval sends one line to the worker and copies its output to stdout and stderr until the line is done.
func (a *AttachConn) Eval(ctx context.Context, line string, stdout, stderr io.Writer) error {
	if err := wsjson.Write(ctx, a.conn, attachRequest{Line: line}); err != nil {
		return fmt.Errorf("sending line: %w", err)
	}
	for {
		var resp attachResponse
		if err := wsjson.Read(ctx, a.conn, &resp); err != nil {
			return fmt.Errorf("reading attach response: %w", err)
		}
		if len(resp.Stdout) > 0 {
			if _, err := stdout.Write(resp.Stdout); err != nil {
				return err
			}
		}
		if len(resp.Stderr) > 0 {
			if _, err := stderr.Write(resp.Stderr); err != nil {
				return err
			}
		}
		if resp.Done {
			if resp.Error != "" {
				return errors.New(resp.Error)
			}
			return nil
		}
	}
}

func (a *AttachConn) Close() error {
	err := a.conn.Close(websocket.StatusNormalClosure, "")
	if err != nil {
		a.log.Debugf("error closing conn: %s", err)
	}
	return err
}
