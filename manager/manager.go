// Copyright 2025 The Go MCP SDK Authors. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

// Package manager implements the Connection Manager (spec.md §4.E): the
// top-level registry that owns every connection's Session, wires its
// sampling and elicitation traffic to the HITL engines, and drives the
// background process/liveness monitoring loop. Grounded on the
// ClientSession registry and background-refresh goroutine pattern in
// golang-tools' internal/mcp/client.go and cmd/mcp client-session bookkeeping,
// generalized from a single connection to a multi-connection registry
// fanning events out over an event.Bus.
package manager

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-hclog"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/mcpstudio/engine/config"
	"github.com/mcpstudio/engine/connection"
	"github.com/mcpstudio/engine/elicitation"
	"github.com/mcpstudio/engine/event"
	"github.com/mcpstudio/engine/mcp"
	"github.com/mcpstudio/engine/sampling"
	"github.com/mcpstudio/engine/session"
	"github.com/mcpstudio/engine/studioerr"
)

// ClientInfo is passed through to every Session this Manager creates.
type ClientInfo = session.ClientInfo

// handle is everything the Manager tracks for one live or recently-live
// connection.
type handle struct {
	cfg  *connection.Config
	sess *session.Session
}

// Manager is the Connection Manager (spec.md §4.E): it owns the registry of
// connections, starts and stops their Sessions, and runs the background
// monitor that refreshes process info and probes liveness.
type Manager struct {
	engCfg  *config.Engine
	client  ClientInfo
	bus     *event.Bus
	sampler *sampling.Engine
	elicitr *elicitation.Engine
	log     hclog.Logger

	mu    sync.RWMutex
	conns map[uuid.UUID]*handle

	monitorCancel context.CancelFunc
	monitorDone   chan struct{}
}

// New constructs a Manager. sampler and elicitr may be nil if HITL sampling
// or elicitation support is not wired for this deployment; the respective
// session handler is then simply never installed. Sessions still declare
// the sampling and elicitation capabilities in initialize, and a server
// request of a kind with no handler is answered with a method-not-found
// error.
func New(engCfg *config.Engine, client ClientInfo, bus *event.Bus, sampler *sampling.Engine, elicitr *elicitation.Engine, logger hclog.Logger) *Manager {
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	m := &Manager{
		engCfg:  engCfg,
		client:  client,
		bus:     bus,
		sampler: sampler,
		elicitr: elicitr,
		log:     logger,
		conns:   make(map[uuid.UUID]*handle),
	}
	return m
}

// Connect registers cfg, builds its transport, and runs the handshake. On
// success the Session is tracked under cfg.ID and its sampling/elicitation
// traffic is routed to the engines this Manager was built with.
func (m *Manager) Connect(ctx context.Context, cfg *connection.Config) (*session.Session, error) {
	t, err := cfg.BuildTransport(m.engCfg)
	if err != nil {
		return nil, err
	}

	sess := session.New(t, m.client, m.engCfg, m.log.Named(cfg.Name))

	if m.sampler != nil {
		sess.OnSampling(m.sampler.HandlerFor(cfg.ID))
	}
	if m.elicitr != nil {
		sess.OnElicitation(m.elicitr.HandlerFor(cfg.ID))
	}
	sess.OnTerminated(func(cause error) {
		m.handleTerminated(cfg.ID, sess.Status(), cause)
	})

	h := &handle{cfg: cfg, sess: sess}
	m.mu.Lock()
	m.conns[cfg.ID] = h
	m.mu.Unlock()

	if err := sess.Connect(ctx); err != nil {
		m.mu.Lock()
		delete(m.conns, cfg.ID)
		m.mu.Unlock()
		return nil, err
	}

	m.bus.Emit(event.Event{Kind: event.KindStatusChanged, ConnectionID: cfg.ID, Payload: session.StatusConnected})
	m.bus.Emit(event.Event{Kind: event.KindCapabilitiesUpdated, ConnectionID: cfg.ID, Payload: sess.Capabilities()})
	return sess, nil
}

// handleTerminated reacts to a Session's read loop exiting, whatever the
// cause. status is the Session's own status at the moment the callback
// fired: StatusDisconnected for an explicit local Close (Disconnect, or a
// caller tearing the Session down directly), StatusError for everything
// else (remote close, transport failure). Only the latter is broadcast as
// an error; an intentional disconnect is not a connection failure.
func (m *Manager) handleTerminated(connID uuid.UUID, status session.Status, cause error) {
	if m.sampler != nil {
		m.sampler.CancelForSession(connID)
	}
	if m.elicitr != nil {
		m.elicitr.CancelForSession(connID)
	}
	m.bus.Emit(event.Event{Kind: event.KindStatusChanged, ConnectionID: connID, Payload: status})
	if status == session.StatusError && cause != nil {
		m.bus.Emit(event.Event{Kind: event.KindError, ConnectionID: connID, Payload: cause})
	}
}

// Disconnect closes the Session for connID and removes it from the
// registry. Pending sampling/elicitation entries for it are resolved by
// the OnTerminated callback Connect installed, not here, so this path and
// an unexpected remote close converge on the same cleanup.
func (m *Manager) Disconnect(connID uuid.UUID) error {
	m.mu.Lock()
	h, ok := m.conns[connID]
	delete(m.conns, connID)
	m.mu.Unlock()
	if !ok {
		return studioerr.New(studioerr.KindServerNotFound, "no connection %s", connID)
	}
	return h.sess.Close()
}

// Get returns the Session for connID, or ServerNotFound.
func (m *Manager) Get(connID uuid.UUID) (*session.Session, error) {
	m.mu.RLock()
	h, ok := m.conns[connID]
	m.mu.RUnlock()
	if !ok {
		return nil, studioerr.New(studioerr.KindServerNotFound, "no connection %s", connID)
	}
	return h.sess, nil
}

// List returns every currently-registered connection's config.
func (m *Manager) List() []*connection.Config {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*connection.Config, 0, len(m.conns))
	for _, h := range m.conns {
		out = append(out, h.cfg)
	}
	return out
}

// SessionInfo is the snapshot `list_sessions()` returns to the host (spec.md
// §6): config plus the Session's current status, capabilities, and metrics,
// sufficient for the UI without a further per-id lookup.
type SessionInfo struct {
	Config       *connection.Config
	Status       session.Status
	Capabilities *mcp.ServerCapabilities
	Metrics      session.Metrics
}

// ListSessions returns a snapshot of every registered connection's full
// status, capabilities, and metrics.
func (m *Manager) ListSessions() []SessionInfo {
	handles := m.snapshot()
	out := make([]SessionInfo, 0, len(handles))
	for _, h := range handles {
		out = append(out, SessionInfo{
			Config:       h.cfg,
			Status:       h.sess.Status(),
			Capabilities: h.sess.Capabilities(),
			Metrics:      h.sess.Metrics(),
		})
	}
	return out
}

// StartMonitor launches the background goroutine that periodically
// refreshes process info (every ProcessRefreshInterval) and probes
// liveness with a lightweight list_tools call (every
// LivenessProbeInterval). Call StopMonitor to stop it.
func (m *Manager) StartMonitor(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	m.monitorCancel = cancel
	m.monitorDone = make(chan struct{})

	go func() {
		defer close(m.monitorDone)
		g, gctx := errgroup.WithContext(ctx)
		g.Go(func() error { return m.runProcessRefresh(gctx) })
		g.Go(func() error { return m.runLivenessProbe(gctx) })
		_ = g.Wait()
	}()
}

// StopMonitor cancels the background monitor and waits for it to exit.
func (m *Manager) StopMonitor() {
	if m.monitorCancel == nil {
		return
	}
	m.monitorCancel()
	<-m.monitorDone
}

func (m *Manager) runProcessRefresh(ctx context.Context) error {
	interval := m.engCfg.ProcessRefreshInterval
	if interval <= 0 {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			m.refreshProcessInfo(ctx)
		}
	}
}

func (m *Manager) refreshProcessInfo(ctx context.Context) {
	for _, h := range m.snapshot() {
		st, ok := h.sess.StdioProcess()
		if !ok {
			continue
		}
		info, err := st.Sample(ctx)
		if err != nil {
			continue
		}
		if !info.Alive {
			h.sess.MarkError()
			m.bus.Emit(event.Event{Kind: event.KindStatusChanged, ConnectionID: h.cfg.ID, Payload: session.StatusError})
		}
		m.bus.Emit(event.Event{Kind: event.KindProcessUpdated, ConnectionID: h.cfg.ID, Payload: info})
	}
}

func (m *Manager) runLivenessProbe(ctx context.Context) error {
	interval := m.engCfg.LivenessProbeInterval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	// Pace probes across all connections instead of firing them all in the
	// same tick, so a large registry does not burst-dial every server at
	// once.
	limiter := rate.NewLimiter(rate.Every(interval/10), 1)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			m.probeLiveness(ctx, limiter)
		}
	}
}

func (m *Manager) probeLiveness(ctx context.Context, limiter *rate.Limiter) {
	for _, h := range m.snapshot() {
		if h.sess.Status() != session.StatusConnected {
			continue
		}
		if err := limiter.Wait(ctx); err != nil {
			return
		}
		probeCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		_, err := h.sess.ListTools(probeCtx)
		cancel()
		if err != nil {
			m.log.Warn("liveness probe failed", "connection", h.cfg.Name, "error", err)
			h.sess.MarkError()
			m.bus.Emit(event.Event{Kind: event.KindStatusChanged, ConnectionID: h.cfg.ID, Payload: session.StatusError})
			m.bus.Emit(event.Event{Kind: event.KindError, ConnectionID: h.cfg.ID, Payload: err})
		}
	}
}

// The following forwarders are the host command surface of spec.md §6:
// each looks up connID in the registry and delegates to the Session,
// returning ServerNotFound if connID is unknown. A Session not currently
// Connected answers with NotConnected itself (session.Session.call).

// ListTools forwards to the Session registered under connID.
func (m *Manager) ListTools(ctx context.Context, connID uuid.UUID) ([]*mcp.Tool, error) {
	sess, err := m.Get(connID)
	if err != nil {
		return nil, err
	}
	return sess.ListTools(ctx)
}

// CallTool forwards to the Session registered under connID.
func (m *Manager) CallTool(ctx context.Context, connID uuid.UUID, name string, args map[string]any) (*mcp.CallToolResult, error) {
	sess, err := m.Get(connID)
	if err != nil {
		return nil, err
	}
	return sess.CallTool(ctx, name, args)
}

// ListPrompts forwards to the Session registered under connID.
func (m *Manager) ListPrompts(ctx context.Context, connID uuid.UUID) ([]*mcp.Prompt, error) {
	sess, err := m.Get(connID)
	if err != nil {
		return nil, err
	}
	return sess.ListPrompts(ctx)
}

// GetPrompt forwards to the Session registered under connID.
func (m *Manager) GetPrompt(ctx context.Context, connID uuid.UUID, name string, args map[string]string) (*mcp.GetPromptResult, error) {
	sess, err := m.Get(connID)
	if err != nil {
		return nil, err
	}
	return sess.GetPrompt(ctx, name, args)
}

// ListResources forwards to the Session registered under connID.
func (m *Manager) ListResources(ctx context.Context, connID uuid.UUID) ([]*mcp.Resource, error) {
	sess, err := m.Get(connID)
	if err != nil {
		return nil, err
	}
	return sess.ListResources(ctx)
}

// ReadResource forwards to the Session registered under connID.
func (m *Manager) ReadResource(ctx context.Context, connID uuid.UUID, uri string) (*mcp.ReadResourceResult, error) {
	sess, err := m.Get(connID)
	if err != nil {
		return nil, err
	}
	return sess.ReadResource(ctx, uri)
}

// Complete forwards to the Session registered under connID.
func (m *Manager) Complete(ctx context.Context, connID uuid.UUID, ref mcp.CompleteReference, arg mcp.CompleteParamsArgument) (*mcp.CompleteResult, error) {
	sess, err := m.Get(connID)
	if err != nil {
		return nil, err
	}
	return sess.Complete(ctx, ref, arg)
}

// ListRoots forwards to the Session registered under connID.
func (m *Manager) ListRoots(connID uuid.UUID) ([]*mcp.Root, error) {
	sess, err := m.Get(connID)
	if err != nil {
		return nil, err
	}
	return sess.ListRoots(), nil
}

// HandlerStatus reports which server-initiated handlers are installed for
// connID, for the host UI's `handler_status(id)` command (spec.md §6).
type HandlerStatus struct {
	Sampling       bool
	Elicitation    bool
	Progress       bool
	Log            bool
	ResourceUpdate bool
}

// HandlerStatus forwards to the Session registered under connID.
func (m *Manager) HandlerStatus(connID uuid.UUID) (HandlerStatus, error) {
	sess, err := m.Get(connID)
	if err != nil {
		return HandlerStatus{}, err
	}
	return HandlerStatus{
		Sampling:       sess.HasSamplingHandler(),
		Elicitation:    sess.HasElicitationHandler(),
		Progress:       sess.HasProgressHandler(),
		Log:            sess.HasLogHandler(),
		ResourceUpdate: sess.HasResourceUpdateHandler(),
	}, nil
}

func (m *Manager) snapshot() []*handle {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*handle, 0, len(m.conns))
	for _, h := range m.conns {
		out = append(out, h)
	}
	return out
}
