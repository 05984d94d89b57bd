// Copyright 2025 The Go MCP SDK Authors. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

package manager

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/mcpstudio/engine/config"
	"github.com/mcpstudio/engine/connection"
	"github.com/mcpstudio/engine/event"
	"github.com/mcpstudio/engine/internal/jsonrpc2"
	"github.com/mcpstudio/engine/mcp"
	"github.com/mcpstudio/engine/session"
)

// loopFramer/fakeTransport mirror the fakes in session's own test file: an
// in-memory Framer backed by a tiny goroutine that answers initialize and
// tools/list, so a Session can complete a real handshake without a
// subprocess or socket.
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
					ServerInfo:   &mcp.Implementation{Name: "fake-server", Version: "0.0.1"},
					Capabilities: &mcp.ServerCapabilities{},
				}
				raw, _ := json.Marshal(result)
				t.framer.toClient <- &jsonrpc2.Frame{ID: fr.ID, Result: raw}
			default:
				raw, _ := json.Marshal(&mcp.ListToolsResult{})
				t.framer.toClient <- &jsonrpc2.Frame{ID: fr.ID, Result: raw}
			}
		case <-t.framer.closed:
			return
		}
	}
}

func newTestManager() *Manager {
	return New(&config.Engine{
		HandshakeTimeout:       time.Second,
		ProcessRefreshInterval: 20 * time.Millisecond,
		LivenessProbeInterval:  20 * time.Millisecond,
	}, session.ClientInfo{Name: "test", Version: "1.0"}, event.NewBus(), nil, nil, nil)
}

// connectFake registers a Session built over a fake in-memory transport
// directly into the registry, bypassing connection.Config.BuildTransport
// (which only knows how to construct real network/process transports).
func connectFake(t *testing.T, m *Manager, name string) (*connection.Config, *session.Session) {
	t.Helper()
	cfg := connection.New(name, connection.Descriptor{}, nil)
	sess := session.New(newFakeTransport(), m.client, m.engCfg, nil)
	sess.OnTerminated(func(cause error) { m.handleTerminated(cfg.ID, sess.Status(), cause) })
	require.NoError(t, sess.Connect(context.Background()))

	m.mu.Lock()
	m.conns[cfg.ID] = &handle{cfg: cfg, sess: sess}
	m.mu.Unlock()
	return cfg, sess
}

func TestManagerGetListDisconnect(t *testing.T) {
	m := newTestManager()
	cfg, _ := connectFake(t, m, "alpha")

	got, err := m.Get(cfg.ID)
	require.NoError(t, err)
	require.Equal(t, session.StatusConnected, got.Status())

	require.Len(t, m.List(), 1)

	require.NoError(t, m.Disconnect(cfg.ID))
	_, err = m.Get(cfg.ID)
	require.Error(t, err)
	require.Empty(t, m.List())
}

func TestManagerGetUnknownConnectionIsServerNotFound(t *testing.T) {
	m := newTestManager()
	_, err := m.Get(uuid.New())
	require.Error(t, err)
}

func TestManagerMonitorProbesLivenessWithoutPanicking(t *testing.T) {
	m := newTestManager()
	_, sess := connectFake(t, m, "beta")
	defer sess.Close()

	ctx, cancel := context.WithCancel(context.Background())
	m.StartMonitor(ctx)
	time.Sleep(100 * time.Millisecond)
	cancel()
	m.StopMonitor()
}

func TestManagerListToolsForwardsByID(t *testing.T) {
	m := newTestManager()
	cfg, _ := connectFake(t, m, "delta")

	tools, err := m.ListTools(context.Background(), cfg.ID)
	require.NoError(t, err)
	require.Empty(t, tools)

	_, err = m.ListTools(context.Background(), uuid.New())
	require.Error(t, err)
}

func TestManagerListSessionsReportsStatusCapabilitiesAndMetrics(t *testing.T) {
	m := newTestManager()
	cfg, _ := connectFake(t, m, "epsilon")

	infos := m.ListSessions()
	require.Len(t, infos, 1)
	require.Equal(t, cfg.ID, infos[0].Config.ID)
	require.Equal(t, session.StatusConnected, infos[0].Status)
	require.NotNil(t, infos[0].Capabilities)
}

func TestManagerHandlerStatusUnknownConnectionIsServerNotFound(t *testing.T) {
	m := newTestManager()
	_, err := m.HandlerStatus(uuid.New())
	require.Error(t, err)
}

func TestManagerDisconnectNotifiesStatusChangedAsDisconnectedNotError(t *testing.T) {
	m := newTestManager()
	sub, unsub := m.bus.Subscribe()
	defer unsub()

	cfg, _ := connectFake(t, m, "gamma")
	require.NoError(t, m.Disconnect(cfg.ID))

	seenTerminated := false
	timeout := time.After(time.Second)
	for !seenTerminated {
		select {
		case ev := <-sub:
			if ev.Kind == event.KindStatusChanged && ev.ConnectionID == cfg.ID {
				require.Equal(t, session.StatusDisconnected, ev.Payload)
				seenTerminated = true
			}
		case <-timeout:
			t.Fatal("timed out waiting for status_changed after disconnect")
		}
	}
}
