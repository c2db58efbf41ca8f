package server

import (
	"context"

	"go.uber.org/zap"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

const readLimit = 1 << 20

type wsJSONWriter struct {
	log  *zap.SugaredLogger
	ctx  context.Context
	conn *websocket.Conn

	// writeMsg is called with the bytes passed to Write, and the return value is JSON-encoded and sent as an outgoing WebSocket message.
	writeMsg func(b []byte) any
}

func (w *wsJSONWriter) Write(b []byte) (int, error) {
	// byte slices are base64 encoded, so leave room for the expansion
	writeLimit := readLimit / 3
	for rest := b; len(rest) > 0; {
		chunk := rest
		if len(chunk) > writeLimit {
			chunk = chunk[:writeLimit]
		}
		rest = rest[len(chunk):]
		if err := wsjson.Write(w.ctx, w.conn, w.writeMsg(chunk)); err != nil {
			w.log.Debugf("writing message: %s", err)
			return 0, err
		}
	}
	return len(b), nil
}
