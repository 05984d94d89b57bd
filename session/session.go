// Copyright 2025 The Go MCP SDK Authors. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

// Package session implements the Session component (spec.md §4.C): the
// typed, transport-agnostic operation surface built atop one Transport and
// one RPC Multiplexer. Grounded on the Client/ClientSession pattern in
// golang-tools' internal/mcp/client.go, generalized from a single fixed
// capability set to the full operation surface the studio engine needs
// (tools, prompts, resources, completion, roots, sampling, elicitation).
package session

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/hashicorp/go-hclog"
	"github.com/yosida95/uritemplate/v3"

	"github.com/mcpstudio/engine/config"
	"github.com/mcpstudio/engine/internal/jsonrpc2"
	"github.com/mcpstudio/engine/mcp"
	"github.com/mcpstudio/engine/process"
	"github.com/mcpstudio/engine/studioerr"
	"github.com/mcpstudio/engine/transport"
)

// protocolVersion is the MCP protocol version this engine declares during
// the initialize handshake, matching the schema vocabulary in mcp/protocol.go.
const protocolVersion = "2025-06-18"

// Status is the Session lifecycle state (spec.md §3 Lifecycles).
type Status string

const (
	StatusConnecting   Status = "connecting"
	StatusConnected    Status = "connected"
	StatusError        Status = "error"
	StatusDisconnected Status = "disconnected"
)

// ClientInfo identifies this engine to servers during the handshake.
type ClientInfo struct {
	Name    string
	Version string
}

// SamplingHandler takes ownership of a server-initiated
// sampling/createMessage request (spec.md §4.F ingress). It must eventually
// call conn.Respond(ctx, id, ...) exactly once; it does not return a result
// itself, so a long human-in-the-loop wait never occupies the dispatch
// goroutine that would otherwise serve unrelated traffic. Exactly one
// handler may be installed.
type SamplingHandler func(conn *jsonrpc2.Connection, id jsonrpc2.ID, params *mcp.CreateMessageParams)

// ElicitationHandler is the elicitation/create counterpart of SamplingHandler
// (spec.md §4.G).
type ElicitationHandler func(conn *jsonrpc2.Connection, id jsonrpc2.ID, params *mcp.ElicitParams)

// ProgressHandler receives progress notifications for in-flight requests.
type ProgressHandler func(params *mcp.ProgressNotificationParams)

// LogHandler receives server log notifications.
type LogHandler func(params *mcp.LoggingMessageParams)

// ResourceUpdateHandler receives resources/updated notifications.
type ResourceUpdateHandler func(params *mcp.ResourceUpdatedNotificationParams)

// Metrics is a point-in-time snapshot of a Session's traffic counters
// (spec.md §4.C "Metrics").
type Metrics struct {
	RequestsSent    int64
	ErrorCount      int64
	ResponseTimeEMA time.Duration
	LastSeen        time.Time
}

// Session binds one Transport to one RPC Multiplexer and exposes the
// typed operation surface described in spec.md §4.C.
type Session struct {
	transport transport.Transport
	client    ClientInfo
	cfg       *config.Engine
	log       hclog.Logger

	mu           sync.RWMutex
	status       Status
	capabilities *mcp.ServerCapabilities
	connectedAt  time.Time
	roots        []*mcp.Root

	conn *jsonrpc2.Connection

	handlerMu    sync.Mutex
	onSampling   SamplingHandler
	onElicit     ElicitationHandler
	onProgress   ProgressHandler
	onLog        LogHandler
	onResUpdate  ResourceUpdateHandler
	onTerminated func(error)

	requestsSent int64
	errorCount   int64
	emaMu        sync.Mutex
	responseEMA  time.Duration
	lastSeen     atomic.Value // time.Time
}

// New constructs a Session bound to t, not yet connected. Call Connect to
// perform the handshake. logger may be nil, which installs a discarding
// logger (hclog.NewNullLogger), matching hclog's own convention for
// optional-logger constructors.
func New(t transport.Transport, client ClientInfo, cfg *config.Engine, logger hclog.Logger) *Session {
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	s := &Session{
		transport: t,
		client:    client,
		cfg:       cfg,
		log:       logger,
		status:    StatusConnecting,
	}
	s.lastSeen.Store(time.Time{})
	return s
}

// Conn returns the underlying multiplexer once Connect has run, or nil
// beforehand. The HITL Sampling Engine and Elicitation Correlator do not
// go through it: their session handlers receive the Connection directly
// and answer requests asynchronously via Connection.Respond.
func (s *Session) Conn() *jsonrpc2.Connection {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.conn
}

// OnTerminated installs the callback invoked exactly once when the
// underlying connection's read loop exits, whether from an explicit Close
// or a remote/transport failure. The Connection Manager uses this to drive
// status transitions and pending-sampling/elicitation cancellation without
// polling.
func (s *Session) OnTerminated(f func(err error)) {
	s.handlerMu.Lock()
	s.onTerminated = f
	s.handlerMu.Unlock()
}

// SetRoots replaces the set of filesystem roots this engine declares to
// servers and notifies already-connected servers of the change, per the
// roots/list_changed notification this capability implies.
func (s *Session) SetRoots(ctx context.Context, roots []*mcp.Root) error {
	s.mu.Lock()
	s.roots = roots
	connected := s.status == StatusConnected
	s.mu.Unlock()
	if !connected {
		return nil
	}
	return s.conn.Notify(ctx, "notifications/roots/list_changed", &mcp.RootsListChangedParams{})
}

// Status returns the current lifecycle state.
func (s *Session) Status() Status {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.status
}

func (s *Session) setStatus(st Status) {
	s.mu.Lock()
	s.status = st
	s.mu.Unlock()
}

// Capabilities returns the server's negotiated capabilities, or nil before
// a successful handshake (spec.md invariant 4: "writable exactly once per
// session, on successful handshake, and are thereafter read-only").
func (s *Session) Capabilities() *mcp.ServerCapabilities {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.capabilities
}

// Metrics returns a snapshot of the session's traffic counters.
func (s *Session) Metrics() Metrics {
	s.emaMu.Lock()
	ema := s.responseEMA
	s.emaMu.Unlock()
	return Metrics{
		RequestsSent:    atomic.LoadInt64(&s.requestsSent),
		ErrorCount:      atomic.LoadInt64(&s.errorCount),
		ResponseTimeEMA: ema,
		LastSeen:        s.lastSeen.Load().(time.Time),
	}
}

// StdioProcess returns the supervised child process backing this session,
// for callers (the Connection Manager's background monitor) that need to
// sample CPU/RSS or detect an unexpected exit. The second return value is
// false for any non-stdio transport.
func (s *Session) StdioProcess() (*process.Process, bool) {
	st, ok := s.transport.(*transport.StdioTransport)
	if !ok {
		return nil, false
	}
	p := st.Process()
	return p, p != nil
}

// MarkError forces the session into StatusError, for callers (the
// Connection Manager's process monitor) that detect termination through a
// side channel (a vanished pid) rather than through the connection's own
// read loop.
func (s *Session) MarkError() {
	s.setStatus(StatusError)
}

// Connect establishes the transport, performs the MCP handshake, and
// installs the server→client handler slots (spec.md §4.C steps 1-4).
func (s *Session) Connect(ctx context.Context) error {
	s.setStatus(StatusConnecting)

	handshakeCtx := ctx
	if s.cfg != nil && s.cfg.HandshakeTimeout > 0 {
		var cancel context.CancelFunc
		handshakeCtx, cancel = context.WithTimeout(ctx, s.cfg.HandshakeTimeout)
		defer cancel()
	}

	framer, err := s.transport.Connect(handshakeCtx)
	if err != nil {
		s.setStatus(StatusError)
		return studioerr.Wrap(studioerr.KindSpawnFailed, err, "connecting transport")
	}

	conn := jsonrpc2.NewConnection(framer)
	conn.OnClosed(s.handleClosed)
	s.mu.Lock()
	s.conn = conn
	s.mu.Unlock()
	s.installHandlers(conn)

	go conn.Run(context.Background())

	params := &mcp.InitializeParams{
		ProtocolVersion: protocolVersion,
		ClientInfo:      &mcp.Implementation{Name: s.client.Name, Version: s.client.Version},
		Capabilities: &mcp.ClientCapabilities{
			RootsV2:     &mcp.RootCapabilities{ListChanged: true},
			Sampling:    &mcp.SamplingCapabilities{},
			Elicitation: &mcp.ElicitationCapabilities{},
		},
	}
	// params.Capabilities.RootsV2 is tagged json:"-": a plain json.Marshal of
	// params would silently drop the roots capability (see toV2 on
	// InitializeParams). Marshal through the wire-correct shape and hand
	// Call the resulting json.RawMessage, which marshalResult passes through
	// unchanged.
	wireParams, err := params.MarshalForWire()
	if err != nil {
		conn.Close()
		s.setStatus(StatusError)
		return studioerr.Wrap(studioerr.KindHandshakeFailed, err, "encoding initialize params")
	}
	var result mcp.InitializeResult
	if err := conn.Call(handshakeCtx, "initialize", wireParams, &result); err != nil {
		conn.Close()
		s.setStatus(StatusError)
		return studioerr.Wrap(studioerr.KindHandshakeFailed, err, "initialize")
	}
	if err := conn.Notify(handshakeCtx, "notifications/initialized", &mcp.InitializedParams{}); err != nil {
		conn.Close()
		s.setStatus(StatusError)
		return studioerr.Wrap(studioerr.KindHandshakeFailed, err, "notifications/initialized")
	}

	s.mu.Lock()
	s.capabilities = result.Capabilities
	s.connectedAt = time.Now()
	s.status = StatusConnected
	s.mu.Unlock()
	s.touchLastSeen()

	s.log.Info("session connected", "server", result.ServerInfo.Name, "protocol_version", result.ProtocolVersion)
	return nil
}

func (s *Session) installHandlers(conn *jsonrpc2.Connection) {
	conn.Handle("sampling/createMessage", func(ctx context.Context, id *jsonrpc2.ID, _ string, raw []byte) (any, error) {
		var params mcp.CreateMessageParams
		if err := jsonrpc2.StrictUnmarshal(raw, &params); err != nil {
			return nil, &jsonrpc2.WireError{Code: jsonrpc2.CodeInvalidParams, Message: err.Error()}
		}
		s.handlerMu.Lock()
		h := s.onSampling
		s.handlerMu.Unlock()
		if h == nil {
			return nil, &jsonrpc2.WireError{Code: jsonrpc2.CodeMethodNotFound, Message: "no sampling handler installed"}
		}
		h(conn, *id, &params)
		return nil, jsonrpc2.ErrAsync
	})
	conn.Handle("elicitation/create", func(ctx context.Context, id *jsonrpc2.ID, _ string, raw []byte) (any, error) {
		var params mcp.ElicitParams
		if err := jsonrpc2.StrictUnmarshal(raw, &params); err != nil {
			return nil, &jsonrpc2.WireError{Code: jsonrpc2.CodeInvalidParams, Message: err.Error()}
		}
		s.handlerMu.Lock()
		h := s.onElicit
		s.handlerMu.Unlock()
		if h == nil {
			return nil, &jsonrpc2.WireError{Code: jsonrpc2.CodeMethodNotFound, Message: "no elicitation handler installed"}
		}
		h(conn, *id, &params)
		return nil, jsonrpc2.ErrAsync
	})
	conn.Handle("roots/list", func(ctx context.Context, id *jsonrpc2.ID, _ string, raw []byte) (any, error) {
		s.mu.RLock()
		roots := s.roots
		s.mu.RUnlock()
		if roots == nil {
			roots = []*mcp.Root{}
		}
		return &mcp.ListRootsResult{Roots: roots}, nil
	})
	conn.HandleNotification("notifications/progress", func(_ string, raw []byte) {
		s.touchLastSeen()
		var params mcp.ProgressNotificationParams
		if err := json.Unmarshal(raw, &params); err != nil {
			return
		}
		s.handlerMu.Lock()
		h := s.onProgress
		s.handlerMu.Unlock()
		if h != nil {
			h(&params)
		}
	})
	conn.HandleNotification("notifications/message", func(_ string, raw []byte) {
		s.touchLastSeen()
		var params mcp.LoggingMessageParams
		if err := json.Unmarshal(raw, &params); err != nil {
			return
		}
		s.handlerMu.Lock()
		h := s.onLog
		s.handlerMu.Unlock()
		if h != nil {
			h(&params)
		}
	})
	conn.HandleNotification("notifications/resources/updated", func(_ string, raw []byte) {
		s.touchLastSeen()
		var params mcp.ResourceUpdatedNotificationParams
		if err := json.Unmarshal(raw, &params); err != nil {
			return
		}
		s.handlerMu.Lock()
		h := s.onResUpdate
		s.handlerMu.Unlock()
		if h != nil {
			h(&params)
		}
	})
	conn.HandleNotification("notifications/roots/list_changed", func(_ string, _ []byte) {
		s.touchLastSeen()
	})
}

// OnSampling installs the handler for server-initiated sampling requests.
func (s *Session) OnSampling(h SamplingHandler) {
	s.handlerMu.Lock()
	defer s.handlerMu.Unlock()
	s.onSampling = h
}

// HasSamplingHandler reports whether a sampling handler is installed.
func (s *Session) HasSamplingHandler() bool {
	s.handlerMu.Lock()
	defer s.handlerMu.Unlock()
	return s.onSampling != nil
}

// OnElicitation installs the handler for server-initiated elicitation requests.
func (s *Session) OnElicitation(h ElicitationHandler) {
	s.handlerMu.Lock()
	defer s.handlerMu.Unlock()
	s.onElicit = h
}

func (s *Session) HasElicitationHandler() bool {
	s.handlerMu.Lock()
	defer s.handlerMu.Unlock()
	return s.onElicit != nil
}

// OnProgress installs the progress notification handler.
func (s *Session) OnProgress(h ProgressHandler) {
	s.handlerMu.Lock()
	defer s.handlerMu.Unlock()
	s.onProgress = h
}

func (s *Session) HasProgressHandler() bool {
	s.handlerMu.Lock()
	defer s.handlerMu.Unlock()
	return s.onProgress != nil
}

// OnLog installs the log notification handler.
func (s *Session) OnLog(h LogHandler) {
	s.handlerMu.Lock()
	defer s.handlerMu.Unlock()
	s.onLog = h
}

func (s *Session) HasLogHandler() bool {
	s.handlerMu.Lock()
	defer s.handlerMu.Unlock()
	return s.onLog != nil
}

// OnResourceUpdate installs the resource-update notification handler.
func (s *Session) OnResourceUpdate(h ResourceUpdateHandler) {
	s.handlerMu.Lock()
	defer s.handlerMu.Unlock()
	s.onResUpdate = h
}

func (s *Session) HasResourceUpdateHandler() bool {
	s.handlerMu.Lock()
	defer s.handlerMu.Unlock()
	return s.onResUpdate != nil
}

func (s *Session) touchLastSeen() {
	s.lastSeen.Store(time.Now())
}

// call wraps conn.Call with the NotConnected failure model (spec.md §4.C:
// "operations on a non-Connected session return NotConnected immediately")
// and updates metrics.
func (s *Session) call(ctx context.Context, method string, params, result any) error {
	if s.Status() != StatusConnected {
		return studioerr.New(studioerr.KindNotConnected, "session is not connected (status=%s)", s.Status())
	}
	start := time.Now()
	atomic.AddInt64(&s.requestsSent, 1)
	err := s.conn.Call(ctx, method, params, result)
	s.recordLatency(time.Since(start))
	if err != nil {
		atomic.AddInt64(&s.errorCount, 1)
		return err
	}
	s.touchLastSeen()
	return nil
}

func (s *Session) recordLatency(d time.Duration) {
	const alpha = 0.2 // smoothing factor for the response-time EMA
	s.emaMu.Lock()
	if s.responseEMA == 0 {
		s.responseEMA = d
	} else {
		s.responseEMA = time.Duration(alpha*float64(d) + (1-alpha)*float64(s.responseEMA))
	}
	s.emaMu.Unlock()
}

// ListTools returns the full tool schemas advertised by the server.
func (s *Session) ListTools(ctx context.Context) ([]*mcp.Tool, error) {
	var result mcp.ListToolsResult
	if err := s.call(ctx, "tools/list", &mcp.ListToolsParams{}, &result); err != nil {
		return nil, err
	}
	return result.Tools, nil
}

// CallTool invokes a tool by name, retrying transient transport errors
// with exponential backoff (spec.md §4.C: "3 attempts: 100ms, 200ms,
// 400ms"), via cenkalti/backoff/v5.
func (s *Session) CallTool(ctx context.Context, name string, args map[string]any) (*mcp.CallToolResult, error) {
	params := &mcp.CallToolParams{Name: name, Arguments: args}

	maxAttempts := 4 // 1 initial + 3 retries, matching the spec's schedule
	initial := 100 * time.Millisecond
	if s.cfg != nil {
		maxAttempts = s.cfg.ToolCallRetries + 1
		if s.cfg.ToolCallInitialBackoff > 0 {
			initial = s.cfg.ToolCallInitialBackoff
		}
	}

	op := func() (*mcp.CallToolResult, error) {
		var result mcp.CallToolResult
		if err := s.call(ctx, "tools/call", params, &result); err != nil {
			if !isTransientTransportError(err) {
				return nil, backoff.Permanent(err)
			}
			return nil, err
		}
		return &result, nil
	}

	result, err := backoff.Retry(ctx, op,
		backoff.WithBackOff(backoff.NewExponentialBackOff(func(b *backoff.ExponentialBackOff) {
			b.InitialInterval = initial
			b.Multiplier = 2
			b.RandomizationFactor = 0
		})),
		backoff.WithMaxTries(uint(maxAttempts)),
	)
	if err != nil {
		return nil, studioerr.Wrap(studioerr.KindRemoteError, err, "call_tool %q failed after retries", name)
	}
	return result, nil
}

// isTransientTransportError classifies errors worth retrying: anything
// that is not a well-formed remote JSON-RPC error (spec.md "Retries on
// transient transport errors"; remote application errors are not
// transport errors and are not retried).
func isTransientTransportError(err error) bool {
	var we *jsonrpc2.WireError
	if e, ok := err.(*jsonrpc2.WireError); ok {
		we = e
	}
	return we == nil
}

// ListPrompts lists the prompts currently available on the server.
func (s *Session) ListPrompts(ctx context.Context) ([]*mcp.Prompt, error) {
	var result mcp.ListPromptsResult
	if err := s.call(ctx, "prompts/list", &mcp.ListPromptsParams{}, &result); err != nil {
		return nil, err
	}
	return result.Prompts, nil
}

// GetPrompt retrieves a rendered prompt by name.
func (s *Session) GetPrompt(ctx context.Context, name string, args map[string]string) (*mcp.GetPromptResult, error) {
	var result mcp.GetPromptResult
	params := &mcp.GetPromptParams{Name: name, Arguments: args}
	if err := s.call(ctx, "prompts/get", params, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// ListResources lists the resources currently available on the server.
func (s *Session) ListResources(ctx context.Context) ([]*mcp.Resource, error) {
	var result mcp.ListResourcesResult
	if err := s.call(ctx, "resources/list", &mcp.ListResourcesParams{}, &result); err != nil {
		return nil, err
	}
	return result.Resources, nil
}

// ReadResource reads the resource at uri.
func (s *Session) ReadResource(ctx context.Context, uri string) (*mcp.ReadResourceResult, error) {
	var result mcp.ReadResourceResult
	params := &mcp.ReadResourceParams{URI: uri}
	if err := s.call(ctx, "resources/read", params, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// Complete requests completion suggestions for a partial argument value.
func (s *Session) Complete(ctx context.Context, ref mcp.CompleteReference, arg mcp.CompleteParamsArgument) (*mcp.CompleteResult, error) {
	var result mcp.CompleteResult
	params := &mcp.CompleteParams{Ref: &ref, Argument: arg}
	if err := s.call(ctx, "completion/complete", params, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// ListRoots returns the filesystem roots this engine currently declares to
// servers. roots/list is a server-to-client request (the server is the one
// asking); this is the local, host-facing read of the same answer the
// roots/list handler installed in installHandlers gives a server, with no
// round trip.
func (s *Session) ListRoots() []*mcp.Root {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.roots
}

// ListResourceTemplates lists the server's parameterized resource templates
// (spec.md §4.C, resources operations).
func (s *Session) ListResourceTemplates(ctx context.Context) ([]*mcp.ResourceTemplate, error) {
	var result mcp.ListResourceTemplatesResult
	if err := s.call(ctx, "resources/templates/list", &mcp.ListResourceTemplatesParams{}, &result); err != nil {
		return nil, err
	}
	return result.ResourceTemplates, nil
}

// ReadResourceFromTemplate expands tmpl's RFC 6570 URI template with vars
// and reads the resulting resource, via yosida95/uritemplate. A host UI
// calls this instead of ReadResource whenever the resource came from
// ListResourceTemplates rather than ListResources.
func (s *Session) ReadResourceFromTemplate(ctx context.Context, tmpl *mcp.ResourceTemplate, vars map[string]string) (*mcp.ReadResourceResult, error) {
	tp, err := uritemplate.New(tmpl.URITemplate)
	if err != nil {
		return nil, studioerr.Wrap(studioerr.KindConfigInvalid, err, "parsing resource template %q", tmpl.URITemplate)
	}
	values := uritemplate.Values{}
	for k, v := range vars {
		values[k] = uritemplate.String(v)
	}
	uri, err := tp.Expand(values)
	if err != nil {
		return nil, studioerr.Wrap(studioerr.KindConfigInvalid, err, "expanding resource template %q", tmpl.URITemplate)
	}
	return s.ReadResource(ctx, uri)
}

// SetLogLevel requests the server adjust the verbosity of the log
// notifications it sends (spec.md's logging-notification supplement).
func (s *Session) SetLogLevel(ctx context.Context, level mcp.LoggingLevel) error {
	return s.call(ctx, "logging/setLevel", &mcp.SetLoggingLevelParams{Level: level}, nil)
}

// handleClosed is the Connection's OnClosed callback: it reconciles status
// on a remote/transport-triggered termination (Close already set
// StatusDisconnected for an explicit local close, so this only fires the
// terminated hook in that case) and always notifies the Connection Manager
// so it can cancel any sampling/elicitation entries still pending for this
// session.
func (s *Session) handleClosed(err error) {
	s.mu.Lock()
	explicit := s.status == StatusDisconnected
	if !explicit {
		s.status = StatusError
	}
	s.mu.Unlock()

	if !explicit {
		s.log.Warn("session terminated unexpectedly", "error", err)
	}

	s.handlerMu.Lock()
	h := s.onTerminated
	s.handlerMu.Unlock()
	if h != nil {
		h(err)
	}
}

// Close terminates the session's transport and multiplexer.
func (s *Session) Close() error {
	s.setStatus(StatusDisconnected)
	if s.conn == nil {
		return nil
	}
	return s.conn.Close()
}

// Wait blocks until the connection's read loop exits (remote close or
// local Close), for callers that want to await termination.
func (s *Session) Wait() {
	if s.conn != nil {
		s.conn.Wait()
	}
}
