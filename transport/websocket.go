// Copyright 2025 The Go MCP SDK Authors. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

package transport

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/mcpstudio/engine/internal/jsonrpc2"
	"github.com/mcpstudio/engine/studioerr"
)

// WebSocketTransport dials a WebSocket server using the 'mcp' subprotocol.
// Each JSON-RPC object is carried as one text message (spec.md §4.A:
// "WebSocket carries one JSON-RPC per message. Ping/pong handled by the
// transport.").
type WebSocketTransport struct {
	URL string

	// Dialer is the dialer to use; a nil Dialer selects websocket.DefaultDialer.
	Dialer *websocket.Dialer

	// Header carries additional headers for the handshake (e.g. bearer auth).
	Header http.Header
}

func (t *WebSocketTransport) Connect(ctx context.Context) (jsonrpc2.Framer, error) {
	dialer := t.Dialer
	if dialer == nil {
		d := *websocket.DefaultDialer
		dialer = &d
	}
	dialer.Subprotocols = []string{"mcp"}

	conn, resp, err := dialer.DialContext(ctx, t.URL, t.Header)
	if err != nil {
		if resp != nil {
			return nil, studioerr.Wrap(studioerr.KindHandshakeFailed, err, "websocket dial %s (status %d)", t.URL, resp.StatusCode)
		}
		return nil, studioerr.Wrap(studioerr.KindHandshakeFailed, err, "websocket dial %s", t.URL)
	}
	return &websocketFramer{conn: conn}, nil
}

// websocketFramer implements jsonrpc2.Framer over one gorilla/websocket
// connection. Ping/pong keepalive is handled entirely by gorilla; this
// type only ferries complete JSON-RPC text messages.
type websocketFramer struct {
	conn *websocket.Conn

	writeMu   sync.Mutex
	closeOnce sync.Once
}

func (f *websocketFramer) Recv(ctx context.Context) (*jsonrpc2.Frame, error) {
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			f.conn.Close()
		case <-done:
		}
	}()

	msgType, data, err := f.conn.ReadMessage()
	if err != nil {
		if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
			return nil, io.EOF
		}
		return nil, fmt.Errorf("websocket read: %w", err)
	}
	if msgType != websocket.TextMessage {
		return nil, fmt.Errorf("framing: unexpected websocket message type %d (expected text)", msgType)
	}
	frame, err := jsonrpc2.DecodeMessage(data)
	if err != nil {
		return nil, fmt.Errorf("framing: %w", err)
	}
	return frame, nil
}

func (f *websocketFramer) Send(ctx context.Context, frame *jsonrpc2.Frame) error {
	data, err := jsonrpc2.EncodeMessage(frame)
	if err != nil {
		return err
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}

	f.writeMu.Lock()
	defer f.writeMu.Unlock()

	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}
	if deadline, ok := ctx.Deadline(); ok {
		f.conn.SetWriteDeadline(deadline)
		defer f.conn.SetWriteDeadline(time.Time{})
	}
	if err := f.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("websocket write: %w", err)
	}
	return nil
}

func (f *websocketFramer) Close() error {
	var err error
	f.closeOnce.Do(func() {
		err = f.conn.Close()
	})
	return err
}
