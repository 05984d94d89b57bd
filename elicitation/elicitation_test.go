// Copyright 2025 The Go MCP SDK Authors. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

package elicitation

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-hclog"
	"github.com/stretchr/testify/require"

	"github.com/mcpstudio/engine/config"
	"github.com/mcpstudio/engine/event"
	"github.com/mcpstudio/engine/internal/jsonrpc2"
	"github.com/mcpstudio/engine/mcp"
)

type fakeFramer struct {
	sent chan *jsonrpc2.Frame
	done chan struct{}
}

func newFakeFramer() *fakeFramer {
	return &fakeFramer{sent: make(chan *jsonrpc2.Frame, 16), done: make(chan struct{})}
}

func (f *fakeFramer) Send(ctx context.Context, fr *jsonrpc2.Frame) error {
	f.sent <- fr
	return nil
}

func (f *fakeFramer) Recv(ctx context.Context) (*jsonrpc2.Frame, error) {
	<-f.done
	return nil, context.Canceled
}

func (f *fakeFramer) Close() error {
	select {
	case <-f.done:
	default:
		close(f.done)
	}
	return nil
}

func testEngine(t *testing.T) (*Engine, *event.Bus) {
	t.Helper()
	cfg := &config.Engine{ElicitationDefaultTimeout: time.Minute}
	bus := event.NewBus()
	return New(cfg, bus, hclog.NewNullLogger()), bus
}

func schemaRequiring(field string) map[string]any {
	return map[string]any{
		"type":     "object",
		"required": []any{field},
		"properties": map[string]any{
			field: map[string]any{"type": "string"},
		},
	}
}

func TestEngineAcceptValidContent(t *testing.T) {
	e, bus := testEngine(t)
	sub, unsub := bus.Subscribe()
	defer unsub()

	framer := newFakeFramer()
	defer framer.Close()
	conn := jsonrpc2.NewConnection(framer)
	connID := uuid.New()

	handler := e.HandlerFor(connID)
	wireID := jsonrpc2.NewNumberID(1)
	handler(conn, wireID, &mcp.ElicitParams{
		Mode:            "form",
		Message:         "what is your name?",
		RequestedSchema: schemaRequiring("name"),
	})

	var requested *PendingElicitation
	select {
	case ev := <-sub:
		require.Equal(t, event.KindElicitationRequested, ev.Kind)
		requested = ev.Payload.(*PendingElicitation)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for elicitation_requested event")
	}

	require.NoError(t, e.Accept(requested.RequestID, map[string]any{"name": "Ada"}))

	select {
	case fr := <-framer.sent:
		require.Nil(t, fr.Error)
		require.NotNil(t, fr.Result)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for response frame")
	}
}

func TestEngineAcceptInvalidContentLeavesEntryPending(t *testing.T) {
	e, _ := testEngine(t)

	framer := newFakeFramer()
	defer framer.Close()
	conn := jsonrpc2.NewConnection(framer)
	connID := uuid.New()

	handler := e.HandlerFor(connID)
	wireID := jsonrpc2.NewNumberID(1)
	handler(conn, wireID, &mcp.ElicitParams{
		Mode:            "form",
		Message:         "what is your name?",
		RequestedSchema: schemaRequiring("name"),
	})
	requestID := connID.String() + ":" + wireID.String()

	err := e.Accept(requestID, map[string]any{"wrong_field": "x"})
	require.Error(t, err)

	// The entry must still be there: a failed validation must not have
	// silently consumed it.
	require.Len(t, e.Pending(connID), 1)

	select {
	case <-framer.sent:
		t.Fatal("no response frame should have been sent for a rejected submission")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestEngineDecline(t *testing.T) {
	e, _ := testEngine(t)

	framer := newFakeFramer()
	defer framer.Close()
	conn := jsonrpc2.NewConnection(framer)
	connID := uuid.New()

	handler := e.HandlerFor(connID)
	wireID := jsonrpc2.NewNumberID(2)
	handler(conn, wireID, &mcp.ElicitParams{Mode: "form", Message: "ok?"})
	requestID := connID.String() + ":" + wireID.String()

	require.NoError(t, e.Decline(requestID))

	select {
	case fr := <-framer.sent:
		require.Nil(t, fr.Error)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for response frame")
	}
}

func TestEngineCancelForSessionResolvesPending(t *testing.T) {
	e, _ := testEngine(t)

	framer := newFakeFramer()
	defer framer.Close()
	conn := jsonrpc2.NewConnection(framer)
	connID := uuid.New()

	handler := e.HandlerFor(connID)
	handler(conn, jsonrpc2.NewNumberID(1), &mcp.ElicitParams{Mode: "form", Message: "hi"})

	e.CancelForSession(connID)

	select {
	case fr := <-framer.sent:
		require.NotNil(t, fr.Error)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for cancellation response")
	}
	require.Empty(t, e.Pending(connID))
}

func TestEngineSecondResolutionIsNoPendingEntry(t *testing.T) {
	e, _ := testEngine(t)

	framer := newFakeFramer()
	defer framer.Close()
	conn := jsonrpc2.NewConnection(framer)
	connID := uuid.New()

	handler := e.HandlerFor(connID)
	wireID := jsonrpc2.NewNumberID(9)
	handler(conn, wireID, &mcp.ElicitParams{Mode: "form", Message: "hi"})
	requestID := connID.String() + ":" + wireID.String()

	require.NoError(t, e.Decline(requestID))
	<-framer.sent

	require.Error(t, e.Decline(requestID))
}
