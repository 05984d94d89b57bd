// Copyright 2025 The Go MCP SDK Authors. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

package session

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/mcpstudio/engine/config"
	"github.com/mcpstudio/engine/internal/jsonrpc2"
	"github.com/mcpstudio/engine/mcp"
	"github.com/mcpstudio/engine/transport"
)

// loopFramer is an in-memory jsonrpc2.Framer paired with a little fake
// server loop, so Connect can run a real handshake without a subprocess or
// socket.
type loopFramer struct {
	toServer chan *jsonrpc2.Frame
	toClient chan *jsonrpc2.Frame
	closed   chan struct{}
}

func newLoopFramer() *loopFramer {
	return &loopFramer{
		toServer: make(chan *jsonrpc2.Frame, 16),
		toClient: make(chan *jsonrpc2.Frame, 16),
		closed:   make(chan struct{}),
	}
}

func (f *loopFramer) Send(ctx context.Context, fr *jsonrpc2.Frame) error {
	select {
	case f.toServer <- fr:
		return nil
	case <-f.closed:
		return context.Canceled
	}
}

func (f *loopFramer) Recv(ctx context.Context) (*jsonrpc2.Frame, error) {
	select {
	case fr := <-f.toClient:
		return fr, nil
	case <-f.closed:
		return nil, context.Canceled
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (f *loopFramer) Close() error {
	select {
	case <-f.closed:
	default:
		close(f.closed)
	}
	return nil
}

// fakeTransport hands out a loopFramer and runs a tiny fake server on it
// that answers initialize and list_tools.
type fakeTransport struct {
	framer *loopFramer
}

func newFakeTransport() *fakeTransport {
	t := &fakeTransport{framer: newLoopFramer()}
	go t.serve()
	return t
}

func (t *fakeTransport) Connect(ctx context.Context) (jsonrpc2.Framer, error) {
	return t.framer, nil
}

func (t *fakeTransport) serve() {
	for {
		select {
		case fr := <-t.framer.toServer:
			if fr == nil || fr.ID == nil {
				continue
			}
			switch fr.Method {
			case "initialize":
				result := &mcp.InitializeResult{
					ProtocolVersion: protocolVersion,
					ServerInfo:      &mcp.Implementation{Name: "fake-server", Version: "0.0.1"},
					Capabilities:    &mcp.ServerCapabilities{},
				}
				raw, _ := json.Marshal(result)
				t.framer.toClient <- &jsonrpc2.Frame{ID: fr.ID, Result: raw}
			case "tools/list":
				raw, _ := json.Marshal(&mcp.ListToolsResult{Tools: nil})
				t.framer.toClient <- &jsonrpc2.Frame{ID: fr.ID, Result: raw}
			default:
				raw, _ := json.Marshal(map[string]any{})
				t.framer.toClient <- &jsonrpc2.Frame{ID: fr.ID, Result: raw}
			}
		case <-t.framer.closed:
			return
		}
	}
}

var _ transport.Transport = (*fakeTransport)(nil)

func TestSessionConnectHandshake(t *testing.T) {
	ft := newFakeTransport()
	s := New(ft, ClientInfo{Name: "test-client", Version: "1.0"}, &config.Engine{HandshakeTimeout: 5 * time.Second}, nil)

	require.Equal(t, StatusConnecting, s.Status())
	require.NoError(t, s.Connect(context.Background()))
	require.Equal(t, StatusConnected, s.Status())
	require.NotNil(t, s.Capabilities())

	tools, err := s.ListTools(context.Background())
	require.NoError(t, err)
	require.Empty(t, tools)

	require.NoError(t, s.Close())
	require.Equal(t, StatusDisconnected, s.Status())
}

func TestSessionSetAndListRoots(t *testing.T) {
	ft := newFakeTransport()
	s := New(ft, ClientInfo{Name: "test-client", Version: "1.0"}, &config.Engine{HandshakeTimeout: 5 * time.Second}, nil)
	require.NoError(t, s.Connect(context.Background()))
	defer s.Close()

	roots := []*mcp.Root{{URI: "file:///tmp", Name: "tmp"}}
	require.NoError(t, s.SetRoots(context.Background(), roots))
	require.Equal(t, roots, s.ListRoots())
}

func TestSessionOnTerminatedFiresOnClose(t *testing.T) {
	ft := newFakeTransport()
	s := New(ft, ClientInfo{Name: "test-client", Version: "1.0"}, &config.Engine{HandshakeTimeout: 5 * time.Second}, nil)
	require.NoError(t, s.Connect(context.Background()))

	done := make(chan struct{})
	s.OnTerminated(func(err error) { close(done) })

	require.NoError(t, s.Close())

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("OnTerminated callback never fired")
	}
}

func TestSessionStdioProcessFalseForNonStdioTransport(t *testing.T) {
	ft := newFakeTransport()
	s := New(ft, ClientInfo{Name: "test-client", Version: "1.0"}, nil, nil)
	_, ok := s.StdioProcess()
	require.False(t, ok)
}
