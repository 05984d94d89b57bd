// Copyright 2025 The Go MCP SDK Authors. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

package sampling

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

// fakeFramer is an in-memory jsonrpc2.Framer recording every sent frame,
// enough to exercise Connection.Respond without a real transport.
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

type fakeAdapter struct {
	result *mcp.CreateMessageResult
	err    error
	called chan *mcp.CreateMessageParams
}

func (a *fakeAdapter) CreateMessage(ctx context.Context, params *mcp.CreateMessageParams) (*mcp.CreateMessageResult, error) {
	if a.called != nil {
		a.called <- params
	}
	if a.err != nil {
		return nil, a.err
	}
	return a.result, nil
}

func testEngine(t *testing.T, mode Mode, adapter LLMAdapter) (*Engine, *event.Bus) {
	t.Helper()
	cfg := &config.Engine{SamplingDefaultTimeout: time.Minute, SamplingTimeoutMargin: time.Second}
	bus := event.NewBus()
	return New(cfg, mode, adapter, bus, hclog.NewNullLogger()), bus
}

func TestEngineApproveDispatchesToAdapter(t *testing.T) {
	adapter := &fakeAdapter{
		result: &mcp.CreateMessageResult{Model: "test-model", Role: mcp.Role("assistant")},
		called: make(chan *mcp.CreateMessageParams, 1),
	}
	e, bus := testEngine(t, ModeHITL, adapter)
	sub, unsub := bus.Subscribe()
	defer unsub()

	framer := newFakeFramer()
	defer framer.Close()
	conn := jsonrpc2.NewConnection(framer)
	connID := uuid.New()

	handler := e.HandlerFor(connID)
	wireID := jsonrpc2.NewNumberID(1)
	params := &mcp.CreateMessageParams{MaxTokens: 100, SystemPrompt: "hello"}
	handler(conn, wireID, params)

	var requested *PendingSampling
	select {
	case ev := <-sub:
		require.Equal(t, event.KindSamplingRequested, ev.Kind)
		requested = ev.Payload.(*PendingSampling)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for sampling_requested event")
	}
	require.Equal(t, connID, requested.OriginConnectionID)

	require.NoError(t, e.Approve(context.Background(), requested.RequestID, nil))

	select {
	case got := <-adapter.called:
		require.Equal(t, "hello", got.SystemPrompt)
	case <-time.After(time.Second):
		t.Fatal("adapter was never called")
	}

	select {
	case fr := <-framer.sent:
		require.Nil(t, fr.Error)
		require.NotNil(t, fr.Result)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for response frame")
	}
}

func TestEngineRejectNeverCallsAdapter(t *testing.T) {
	adapter := &fakeAdapter{called: make(chan *mcp.CreateMessageParams, 1)}
	e, _ := testEngine(t, ModeHITL, adapter)

	framer := newFakeFramer()
	defer framer.Close()
	conn := jsonrpc2.NewConnection(framer)
	connID := uuid.New()

	handler := e.HandlerFor(connID)
	wireID := jsonrpc2.NewNumberID(1)
	handler(conn, wireID, &mcp.CreateMessageParams{MaxTokens: 10})

	requestID := connID.String() + ":" + wireID.String()
	require.NoError(t, e.Reject(requestID, "blocked by policy"))

	select {
	case fr := <-framer.sent:
		require.NotNil(t, fr.Error)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for response frame")
	}
	select {
	case <-adapter.called:
		t.Fatal("adapter should not have been called on reject")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestEngineSecondResolutionIsNoPendingEntry(t *testing.T) {
	e, _ := testEngine(t, ModeHITL, &fakeAdapter{})

	framer := newFakeFramer()
	defer framer.Close()
	conn := jsonrpc2.NewConnection(framer)
	connID := uuid.New()

	handler := e.HandlerFor(connID)
	wireID := jsonrpc2.NewNumberID(7)
	handler(conn, wireID, &mcp.CreateMessageParams{MaxTokens: 10})
	requestID := connID.String() + ":" + wireID.String()

	require.NoError(t, e.Reject(requestID, "no"))
	<-framer.sent

	err := e.Reject(requestID, "no again")
	require.Error(t, err)
}

func TestEngineCancelForSessionResolvesPending(t *testing.T) {
	e, _ := testEngine(t, ModeHITL, &fakeAdapter{})

	framer := newFakeFramer()
	defer framer.Close()
	conn := jsonrpc2.NewConnection(framer)
	connID := uuid.New()

	handler := e.HandlerFor(connID)
	handler(conn, jsonrpc2.NewNumberID(1), &mcp.CreateMessageParams{MaxTokens: 10})

	e.CancelForSession(connID)

	select {
	case fr := <-framer.sent:
		require.NotNil(t, fr.Error)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for cancellation response")
	}
	require.Empty(t, e.Pending(connID))
}

func TestEngineModeAIAutoApprovesWhenGatePasses(t *testing.T) {
	adapter := &fakeAdapter{
		result: &mcp.CreateMessageResult{Model: "auto-model"},
		called: make(chan *mcp.CreateMessageParams, 1),
	}
	e, bus := testEngine(t, ModeAI, adapter)
	e.SetPolicyGate(func(*mcp.CreateMessageParams) bool { return true })
	sub, unsub := bus.Subscribe()
	defer unsub()

	framer := newFakeFramer()
	defer framer.Close()
	conn := jsonrpc2.NewConnection(framer)
	connID := uuid.New()

	handler := e.HandlerFor(connID)
	handler(conn, jsonrpc2.NewNumberID(1), &mcp.CreateMessageParams{MaxTokens: 10})

	select {
	case <-adapter.called:
	case <-time.After(time.Second):
		t.Fatal("ai mode never dispatched to the adapter")
	}
	select {
	case fr := <-framer.sent:
		require.Nil(t, fr.Error)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for auto-approved response frame")
	}

	var resolved Record
	for {
		select {
		case ev := <-sub:
			if ev.Kind != event.KindSamplingResolved {
				continue
			}
			resolved = ev.Payload.(Record)
		case <-time.After(time.Second):
			t.Fatal("timed out waiting for sampling_resolved event")
		}
		break
	}
	require.Equal(t, StatusApproved, resolved.Status)
}

func TestEngineModeAIWithoutGateWaitsForOperator(t *testing.T) {
	adapter := &fakeAdapter{called: make(chan *mcp.CreateMessageParams, 1)}
	e, _ := testEngine(t, ModeAI, adapter)

	framer := newFakeFramer()
	defer framer.Close()
	conn := jsonrpc2.NewConnection(framer)
	connID := uuid.New()

	handler := e.HandlerFor(connID)
	wireID := jsonrpc2.NewNumberID(1)
	handler(conn, wireID, &mcp.CreateMessageParams{MaxTokens: 10})

	select {
	case <-adapter.called:
		t.Fatal("ai mode auto-approved despite no policy gate being configured")
	case <-time.After(50 * time.Millisecond):
	}

	requestID := connID.String() + ":" + wireID.String()
	require.NoError(t, e.Reject(requestID, "operator handled it"))
}

func TestEngineModeHybridPerRequestPolicy(t *testing.T) {
	adapter := &fakeAdapter{
		result: &mcp.CreateMessageResult{Model: "hybrid-model"},
		called: make(chan *mcp.CreateMessageParams, 2),
	}
	e, _ := testEngine(t, ModeHybrid, adapter)
	e.SetPolicyGate(func(p *mcp.CreateMessageParams) bool { return p.MaxTokens <= 50 })

	framer := newFakeFramer()
	defer framer.Close()
	conn := jsonrpc2.NewConnection(framer)
	connID := uuid.New()
	handler := e.HandlerFor(connID)

	// Within the per-request policy: auto-approved without an operator.
	handler(conn, jsonrpc2.NewNumberID(1), &mcp.CreateMessageParams{MaxTokens: 10})
	select {
	case <-adapter.called:
	case <-time.After(time.Second):
		t.Fatal("request within policy was not auto-approved")
	}

	// Outside the per-request policy: falls back to waiting on the operator.
	wireID2 := jsonrpc2.NewNumberID(2)
	handler(conn, wireID2, &mcp.CreateMessageParams{MaxTokens: 999})
	select {
	case <-adapter.called:
		t.Fatal("request outside policy should not have reached the adapter")
	case <-time.After(50 * time.Millisecond):
	}
	requestID2 := connID.String() + ":" + wireID2.String()
	require.NoError(t, e.Reject(requestID2, "exceeds budget"))
}

func TestEngineSubmitManualBypassesAdapter(t *testing.T) {
	adapter := &fakeAdapter{called: make(chan *mcp.CreateMessageParams, 1)}
	e, _ := testEngine(t, ModeHybrid, adapter)

	framer := newFakeFramer()
	defer framer.Close()
	conn := jsonrpc2.NewConnection(framer)
	connID := uuid.New()

	handler := e.HandlerFor(connID)
	wireID := jsonrpc2.NewNumberID(3)
	handler(conn, wireID, &mcp.CreateMessageParams{MaxTokens: 10})
	requestID := connID.String() + ":" + wireID.String()

	manual := &mcp.CreateMessageResult{Model: "operator-authored"}
	require.NoError(t, e.SubmitManual(requestID, manual))

	select {
	case fr := <-framer.sent:
		require.Nil(t, fr.Error)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for response frame")
	}
	select {
	case <-adapter.called:
		t.Fatal("adapter should not be called for a manual submission")
	case <-time.After(50 * time.Millisecond):
	}
}
