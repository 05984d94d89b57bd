// Copyright 2025 The Go MCP SDK Authors. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

package jsonrpc2

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
)

// Framer is the minimal duplex byte carrier a Connection multiplexes over.
// Concrete Transports (stdio, WebSocket, HTTP+SSE, TCP, Unix) implement
// this; the Connection has no knowledge of how frames reach the wire (spec.md
// §4.A: "Transports have no knowledge of JSON-RPC semantics; they move
// bytes.").
type Framer interface {
	// Send writes one frame. Connection calls Send concurrently (from Call,
	// Notify, Respond and handler goroutines) without a lock of its own, so
	// implementations serialize writes and never interleave partial frames.
	Send(ctx context.Context, f *Frame) error
	// Recv blocks for the next inbound frame, or returns an error (including
	// context cancellation or EOF) when no more frames will arrive.
	Recv(ctx context.Context) (*Frame, error)
	// Close closes the underlying channel. Idempotent.
	Close() error
}

// Handler answers a server-initiated request (spec.md §4.B inbound
// dispatch: "Frame is a server→client request ... look up a registered
// handler by method string"). It is invoked concurrently with outbound
// calls and with other handler invocations; a slow handler (e.g. a HITL
// approval wait) must never block unrelated traffic.
type Handler func(ctx context.Context, id *ID, method string, params []byte) (result any, err error)

// ErrAsync is returned by a Handler that has taken ownership of a request
// and will answer it later via Connection.Respond, instead of returning a
// result synchronously. serveCall treats it as "no response yet", not as a
// failure: the HITL Sampling Engine and Elicitation Correlator both use this
// to let a long-lived human-facing wait proceed without holding open the
// handler goroutine that dispatch spawned for it.
var ErrAsync = errors.New("jsonrpc2: handled asynchronously")

// NotificationHandler receives a best-effort notification dispatch.
type NotificationHandler func(method string, params []byte)

// pendingCall is a PendingRpc (spec.md §3): a request sent, not yet
// answered, consumed exactly once by (response | error | timeout | cancel).
type pendingCall struct {
	method string
	result chan *callResult
}

type callResult struct {
	raw []byte
	err *WireError
}

// Connection is the RPC Multiplexer bound to one Framer. One Connection
// backs exactly one Session (spec.md §3 relationships: "A Session
// exclusively owns its Transport and Multiplexer.").
type Connection struct {
	framer Framer

	nextID int64 // atomic; monotonically increasing per spec.md invariant 1

	mu       sync.Mutex
	pending  map[int64]*pendingCall // keyed by the numeric half of ID
	closed   bool
	closeErr error

	handlersMu    sync.RWMutex
	handlers      map[string]Handler
	notifications map[string]NotificationHandler

	onProtocolError func(error) // Framing errors: logged, connection stays open
	onClosed        func(error) // fired exactly once when the read loop exits

	wg sync.WaitGroup
}

// NewConnection starts a Connection multiplexing over framer. The caller
// must call Close (directly, or by cancelling the reader via the Framer)
// to release resources.
func NewConnection(framer Framer) *Connection {
	c := &Connection{
		framer:        framer,
		pending:       make(map[int64]*pendingCall),
		handlers:      make(map[string]Handler),
		notifications: make(map[string]NotificationHandler),
	}
	return c
}

// OnProtocolError installs the callback invoked for malformed frames
// (spec.md §4.B: "Malformed frame: emit an Error event; connection remains
// open unless framing itself was violated.").
func (c *Connection) OnProtocolError(f func(error)) { c.onProtocolError = f }

// OnClosed installs the callback invoked once when the read loop exits,
// carrying the terminal error (nil on a clean Close).
func (c *Connection) OnClosed(f func(error)) { c.onClosed = f }

// Handle registers the handler answering server→client requests for
// method. Only one handler may be registered per method.
func (c *Connection) Handle(method string, h Handler) {
	c.handlersMu.Lock()
	defer c.handlersMu.Unlock()
	c.handlers[method] = h
}

// HandleNotification registers the best-effort subscriber for a
// notification method.
func (c *Connection) HandleNotification(method string, h NotificationHandler) {
	c.handlersMu.Lock()
	defer c.handlersMu.Unlock()
	c.notifications[method] = h
}

// Run starts the reader loop. It returns once the Framer reports an error
// (including a clean close). Callers typically invoke Run in its own
// goroutine immediately after NewConnection.
func (c *Connection) Run(ctx context.Context) {
	var terminal error
	for {
		frame, err := c.framer.Recv(ctx)
		if err != nil {
			terminal = err
			break
		}
		c.dispatch(ctx, frame)
	}
	c.mu.Lock()
	c.closed = true
	c.closeErr = terminal
	pending := c.pending
	c.pending = make(map[int64]*pendingCall)
	c.mu.Unlock()

	// Invariant 5: all owned PendingRpcs fail with Disconnected within a
	// bounded time once the session terminates. A plain io.EOF (the remote
	// end or our own Close hung up cleanly) keeps the generic message; any
	// other terminal error — e.g. a framing failure naming the offending
	// line — is the only thing that carries *why* the connection closed, so
	// it rides along instead of being discarded in favor of a fixed string.
	closeMessage := "connection closed"
	if terminal != nil && !errors.Is(terminal, io.EOF) {
		closeMessage = terminal.Error()
	}
	for _, p := range pending {
		p.result <- &callResult{err: &WireError{Code: CodeInternalError, Message: closeMessage}}
	}
	if c.onClosed != nil {
		c.onClosed(terminal)
	}
}

// dispatch classifies one inbound frame and routes it, per spec.md §4.B.
// Server-initiated requests are spawned onto independent goroutines so a
// slow handler cannot head-of-line-block responses to outbound calls
// (spec.md §9 "Server-initiated requests alongside outbound calls").
func (c *Connection) dispatch(ctx context.Context, f *Frame) {
	switch {
	case f.IsResponse():
		c.completeCall(f)
	case f.IsCall():
		c.wg.Add(1)
		go func() {
			defer c.wg.Done()
			c.serveCall(ctx, f)
		}()
	case f.IsNotification():
		c.serveNotification(f)
	default:
		if c.onProtocolError != nil {
			c.onProtocolError(fmt.Errorf("malformed frame: neither call, response, nor notification"))
		}
	}
}

func (c *Connection) completeCall(f *Frame) {
	key, ok := numericKey(f.ID)
	if !ok {
		if c.onProtocolError != nil {
			c.onProtocolError(fmt.Errorf("response with non-numeric id %v", f.ID))
		}
		return
	}
	c.mu.Lock()
	p, ok := c.pending[key]
	if ok {
		delete(c.pending, key)
	}
	c.mu.Unlock()
	if !ok {
		// Invariant 2: a response for an unknown id is logged and dropped; it
		// never panics. It is also a framing anomaly for metrics purposes.
		if c.onProtocolError != nil {
			c.onProtocolError(fmt.Errorf("response for unknown id %v", f.ID))
		}
		return
	}
	p.result <- &callResult{raw: f.Result, err: f.Error}
}

func (c *Connection) serveCall(ctx context.Context, f *Frame) {
	c.handlersMu.RLock()
	h, ok := c.handlers[f.Method]
	c.handlersMu.RUnlock()

	resp := &Frame{ID: f.ID}
	if !ok {
		resp.Error = &WireError{Code: CodeMethodNotFound, Message: fmt.Sprintf("method not found: %s", f.Method)}
	} else {
		result, err := h(ctx, f.ID, f.Method, f.Params)
		if errors.Is(err, ErrAsync) {
			return
		}
		if err != nil {
			resp.Error = asWireError(err)
		} else {
			raw, merr := marshalResult(result)
			if merr != nil {
				resp.Error = &WireError{Code: CodeInternalError, Message: merr.Error()}
			} else {
				resp.Result = raw
			}
		}
	}
	if err := c.framer.Send(ctx, resp); err != nil && c.onProtocolError != nil {
		c.onProtocolError(fmt.Errorf("sending response to %s: %w", f.Method, err))
	}
}

func (c *Connection) serveNotification(f *Frame) {
	c.handlersMu.RLock()
	h, ok := c.notifications[f.Method]
	c.handlersMu.RUnlock()
	if ok {
		h(f.Method, f.Params)
	}
	// Unregistered notifications are dropped silently: deliveries are
	// best-effort per spec.md §4.B.
}

// Call sends an outbound request and awaits its response, per spec.md §4.B
// outbound call steps 1-4. The context governs cancellation only; timeout
// is the caller's responsibility (Session enforces the operation budget).
func (c *Connection) Call(ctx context.Context, method string, params any, result any) error {
	paramsRaw, err := marshalResult(params)
	if err != nil {
		return fmt.Errorf("marshaling params for %s: %w", method, err)
	}

	id := atomic.AddInt64(&c.nextID, 1)
	wireID := NewNumberID(id)
	p := &pendingCall{method: method, result: make(chan *callResult, 1)}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return fmt.Errorf("connection closed")
	}
	c.pending[id] = p
	c.mu.Unlock()

	if err := c.framer.Send(ctx, &Frame{Method: method, Params: paramsRaw, ID: &wireID}); err != nil {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
		return fmt.Errorf("sending %s: %w", method, err)
	}

	select {
	case <-ctx.Done():
		// Timeout/Cancelled: remove the slot; a late response for this id is
		// dropped by completeCall's unknown-id path.
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
		return ctx.Err()
	case r := <-p.result:
		if r.err != nil {
			return r.err
		}
		if result != nil && len(r.raw) > 0 {
			if err := unmarshalResult(r.raw, result); err != nil {
				return fmt.Errorf("unmarshaling result of %s: %w", method, err)
			}
		}
		return nil
	}
}

// Notify sends a fire-and-forget outbound notification: no id, no slot.
func (c *Connection) Notify(ctx context.Context, method string, params any) error {
	paramsRaw, err := marshalResult(params)
	if err != nil {
		return fmt.Errorf("marshaling params for %s: %w", method, err)
	}
	return c.framer.Send(ctx, &Frame{Method: method, Params: paramsRaw})
}

// Respond is used by handlers that answer asynchronously (the HITL and
// Elicitation engines): it writes the response frame for a previously
// received server→client request id, bypassing the synchronous return path
// of Handler.
func (c *Connection) Respond(ctx context.Context, id ID, result any, callErr *WireError) error {
	resp := &Frame{ID: &id}
	if callErr != nil {
		resp.Error = callErr
	} else {
		raw, err := marshalResult(result)
		if err != nil {
			return fmt.Errorf("marshaling response: %w", err)
		}
		resp.Result = raw
	}
	return c.framer.Send(ctx, resp)
}

// Close shuts down the connection. Idempotent.
func (c *Connection) Close() error {
	return c.framer.Close()
}

// Wait blocks until all in-flight server-initiated handler goroutines have
// returned. Used during graceful session teardown.
func (c *Connection) Wait() {
	c.wg.Wait()
}

func numericKey(id *ID) (int64, bool) {
	if id == nil || !id.isSet || !id.isNum {
		return 0, false
	}
	return id.num, true
}

func asWireError(err error) *WireError {
	if we, ok := err.(*WireError); ok {
		return we
	}
	return &WireError{Code: CodeInternalError, Message: err.Error()}
}
