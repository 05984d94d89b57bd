// Copyright 2025 The Go MCP SDK Authors. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

// Package sampling implements the HITL Sampling Engine (spec.md §4.F): the
// human-in-the-loop approval state machine sitting between a server's
// sampling/createMessage request and an LLM provider adapter, grounded on
// the request/response correlation shape in
// stacklok-toolhive's pkg/vmcp/server/sdk/elicitation_adapter.go (the same
// ingress/outcome-channel pattern, generalized from elicitation to
// sampling and given operator approve/reject/manual actions).
package sampling

import (
	"context"
	"crypto/sha256"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-hclog"

	"github.com/mcpstudio/engine/config"
	"github.com/mcpstudio/engine/event"
	"github.com/mcpstudio/engine/internal/jsonrpc2"
	"github.com/mcpstudio/engine/mcp"
	"github.com/mcpstudio/engine/session"
	"github.com/mcpstudio/engine/studioerr"
)

// Mode selects how incoming sampling requests are resolved (spec.md §4.F).
type Mode string

const (
	ModeHITL   Mode = "hitl"   // every request waits for an operator action
	ModeAI     Mode = "ai"     // requests passing the policy gate are auto-approved to the adapter; the rest wait for an operator
	ModeHybrid Mode = "hybrid" // the policy gate is checked per request; the rest wait for an operator to approve, reject, or answer
)

// Status is a PendingSampling's place in its state machine.
type Status string

const (
	StatusPending  Status = "pending"
	StatusApproved Status = "approved"
	StatusManual   Status = "manual"
	StatusRejected Status = "rejected"
	StatusTimedOut Status = "timed_out"
)

// LLMAdapter is the narrow external collaborator Approve dispatches
// approved requests to. LLM provider adapters are explicitly out of scope
// for this engine (spec.md §1); this interface is the entire surface it is
// consumed through.
type LLMAdapter interface {
	CreateMessage(ctx context.Context, params *mcp.CreateMessageParams) (*mcp.CreateMessageResult, error)
}

// PolicyGate decides, for ModeAI and ModeHybrid, whether an incoming
// sampling request may be approved automatically without waiting on an
// operator (spec.md §4.F: "approved automatically if the request passes
// configured policy gates"). A nil gate never auto-approves, so selecting
// ModeAI or ModeHybrid without wiring one degrades safely to hitl-style
// waiting rather than silently approving everything.
type PolicyGate func(*mcp.CreateMessageParams) bool

// PendingSampling is the data-model entity spec.md §3 describes: one
// in-flight sampling/createMessage request awaiting resolution.
type PendingSampling struct {
	RequestID          string
	OriginConnectionID uuid.UUID
	Request            *mcp.CreateMessageParams
	ArrivalTime        time.Time
	RetryCount         int
	Mode               Mode
}

// Record is one resolved PendingSampling retained for audit/history.
type Record struct {
	RequestID   string
	ConnID      uuid.UUID
	ArrivalTime time.Time
	ResolvedAt  time.Time
	Status      Status
	Mode        Mode

	hash [sha256.Size]byte
}

type entry struct {
	pending *PendingSampling
	hash    [sha256.Size]byte
	conn    *jsonrpc2.Connection
	wireID  jsonrpc2.ID
	timer   *time.Timer
	once    sync.Once
}

const maxHistory = 500
const recentArrivalWindow = 30 * time.Second

// Engine is the HITL Sampling Engine (spec.md §4.F).
type Engine struct {
	cfg     *config.Engine
	mode    Mode
	adapter LLMAdapter
	bus     *event.Bus
	log     hclog.Logger

	mu      sync.Mutex
	pending map[string]*entry
	history []Record
	gate    PolicyGate
}

// New constructs an Engine. adapter may be nil; Approve then fails any
// request it is asked to forward with ConfigInvalid instead of panicking.
func New(cfg *config.Engine, mode Mode, adapter LLMAdapter, bus *event.Bus, logger hclog.Logger) *Engine {
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	return &Engine{
		cfg:     cfg,
		mode:    mode,
		adapter: adapter,
		bus:     bus,
		log:     logger,
		pending: make(map[string]*entry),
	}
}

// SetPolicyGate installs the policy gate consulted for ModeAI and
// ModeHybrid requests. Passing nil reverts to never auto-approving.
func (e *Engine) SetPolicyGate(gate PolicyGate) {
	e.mu.Lock()
	e.gate = gate
	e.mu.Unlock()
}

// HandlerFor returns the session.SamplingHandler the Connection Manager
// installs on the session owning connID.
func (e *Engine) HandlerFor(connID uuid.UUID) session.SamplingHandler {
	return func(conn *jsonrpc2.Connection, id jsonrpc2.ID, params *mcp.CreateMessageParams) {
		e.submit(conn, id, connID, params)
	}
}

func (e *Engine) submit(conn *jsonrpc2.Connection, wireID jsonrpc2.ID, connID uuid.UUID, params *mcp.CreateMessageParams) {
	requestID := connID.String() + ":" + wireID.String()
	now := time.Now()
	hash := hashParams(params)

	en := &entry{
		pending: &PendingSampling{
			RequestID:          requestID,
			OriginConnectionID: connID,
			Request:            params,
			ArrivalTime:        now,
			Mode:               e.mode,
		},
		hash:   hash,
		conn:   conn,
		wireID: wireID,
	}

	e.mu.Lock()
	en.pending.RetryCount = e.detectRetryLocked(connID, hash, now)
	e.pending[requestID] = en
	e.mu.Unlock()

	timeout := e.cfg.SamplingDefaultTimeout - e.cfg.SamplingTimeoutMargin
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	en.timer = time.AfterFunc(timeout, func() {
		e.log.Warn("sampling request timed out awaiting operator action", "request_id", requestID)
		e.resolve(requestID, StatusTimedOut, nil, &jsonrpc2.WireError{
			Code:    jsonrpc2.CodeInternalError,
			Message: "sampling request timed out awaiting operator action",
		})
	})

	e.bus.Emit(event.Event{Kind: event.KindSamplingRequested, ConnectionID: connID, Payload: en.pending})

	// ModeAI always tries the policy gate; ModeHybrid is the per-request
	// variant of the same check (spec.md §4.F: "user-configurable policy
	// per-request"). ModeHITL never auto-resolves.
	if en.pending.Mode == ModeAI || en.pending.Mode == ModeHybrid {
		if e.passesGate(params) {
			e.autoApprove(requestID)
		}
	}
}

func (e *Engine) passesGate(params *mcp.CreateMessageParams) bool {
	e.mu.Lock()
	gate := e.gate
	e.mu.Unlock()
	return gate != nil && gate(params)
}

// autoApprove is the ModeAI/ModeHybrid counterpart of Approve, triggered by
// policy instead of an operator action. It dispatches to the LLM adapter
// without holding the engine's mutex, the same deadlock-avoidance shape as
// Approve. A copy is still recorded for audit via the normal completeOne
// path (spec.md §4.F: "a copy is still recorded for audit").
func (e *Engine) autoApprove(requestID string) {
	en, ok := e.take(requestID)
	if !ok {
		return
	}
	if e.adapter == nil {
		e.log.Warn("sampling request passed its policy gate but no LLM adapter is configured; leaving it for manual resolution", "request_id", requestID)
		e.mu.Lock()
		e.pending[requestID] = en
		e.mu.Unlock()
		return
	}
	go func() {
		result, err := e.adapter.CreateMessage(context.Background(), en.pending.Request)
		if err != nil {
			e.deliver(en, StatusApproved, nil, &jsonrpc2.WireError{Code: jsonrpc2.CodeInternalError, Message: err.Error()})
			return
		}
		e.deliver(en, StatusApproved, result, nil)
	}()
}

// Pending returns a snapshot of every sampling request currently awaiting
// resolution, optionally filtered to one connection (pass uuid.Nil for
// all).
func (e *Engine) Pending(connID uuid.UUID) []*PendingSampling {
	e.mu.Lock()
	defer e.mu.Unlock()
	var out []*PendingSampling
	for _, en := range e.pending {
		if connID != uuid.Nil && en.pending.OriginConnectionID != connID {
			continue
		}
		out = append(out, en.pending)
	}
	return out
}

// Approve dispatches the (possibly operator-edited) request to the LLM
// adapter. The adapter call runs without holding the engine's mutex, so a
// slow or hung provider never blocks other pending entries from being
// approved, rejected, or timing out concurrently.
func (e *Engine) Approve(ctx context.Context, requestID string, modified *mcp.CreateMessageParams) error {
	en, ok := e.take(requestID)
	if !ok {
		return studioerr.New(studioerr.KindNoPendingEntry, "no pending sampling request %s", requestID)
	}
	req := en.pending.Request
	if modified != nil {
		req = modified
	}
	if e.adapter == nil {
		err := studioerr.New(studioerr.KindConfigInvalid, "sampling request %s approved but no LLM adapter is configured", requestID)
		e.deliver(en, StatusApproved, nil, &jsonrpc2.WireError{Code: jsonrpc2.CodeInternalError, Message: err.Error()})
		return err
	}
	go func() {
		result, err := e.adapter.CreateMessage(ctx, req)
		if err != nil {
			e.deliver(en, StatusApproved, nil, &jsonrpc2.WireError{Code: jsonrpc2.CodeInternalError, Message: err.Error()})
			return
		}
		e.deliver(en, StatusApproved, result, nil)
	}()
	return nil
}

// Reject completes requestID with a protocol-level error response carrying
// reason, without ever contacting an LLM adapter.
func (e *Engine) Reject(requestID, reason string) error {
	en, ok := e.take(requestID)
	if !ok {
		return studioerr.New(studioerr.KindNoPendingEntry, "no pending sampling request %s", requestID)
	}
	e.deliver(en, StatusRejected, nil, &jsonrpc2.WireError{
		Code:    jsonrpc2.CodeInternalError,
		Message: "sampling request rejected: " + reason,
	})
	return nil
}

// SubmitManual completes requestID with an operator-authored result,
// bypassing the LLM adapter entirely.
func (e *Engine) SubmitManual(requestID string, result *mcp.CreateMessageResult) error {
	en, ok := e.take(requestID)
	if !ok {
		return studioerr.New(studioerr.KindNoPendingEntry, "no pending sampling request %s", requestID)
	}
	e.deliver(en, StatusManual, result, nil)
	return nil
}

// CancelForSession completes every entry pending for connID with a
// connection-lost error. The Connection Manager calls this from a
// Session's OnTerminated hook so no sampling request outlives its origin.
func (e *Engine) CancelForSession(connID uuid.UUID) {
	e.mu.Lock()
	var victims []*entry
	for id, en := range e.pending {
		if en.pending.OriginConnectionID == connID {
			victims = append(victims, en)
			delete(e.pending, id)
		}
	}
	e.mu.Unlock()

	for _, en := range victims {
		en.timer.Stop()
		e.completeOne(en, StatusTimedOut, nil, &jsonrpc2.WireError{
			Code:    jsonrpc2.CodeInternalError,
			Message: "origin connection disconnected while sampling request was pending",
		})
	}
}

func (e *Engine) take(requestID string) (*entry, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	en, ok := e.pending[requestID]
	if ok {
		delete(e.pending, requestID)
	}
	return en, ok
}

func (e *Engine) resolve(requestID string, status Status, result *mcp.CreateMessageResult, werr *jsonrpc2.WireError) {
	en, ok := e.take(requestID)
	if !ok {
		return
	}
	e.deliver(en, status, result, werr)
}

func (e *Engine) deliver(en *entry, status Status, result *mcp.CreateMessageResult, werr *jsonrpc2.WireError) {
	en.timer.Stop()
	e.completeOne(en, status, result, werr)
}

// completeOne does the work shared by every resolution path: answer the
// waiting server, record history, and notify subscribers. It must be
// called at most once per entry; callers guarantee that by removing the
// entry from e.pending before calling it.
func (e *Engine) completeOne(en *entry, status Status, result *mcp.CreateMessageResult, werr *jsonrpc2.WireError) {
	en.once.Do(func() {
		if respErr := en.conn.Respond(context.Background(), en.wireID, result, werr); respErr != nil {
			e.log.Warn("responding to sampling request", "request_id", en.pending.RequestID, "error", respErr)
		}

		e.mu.Lock()
		e.history = append(e.history, Record{
			RequestID:   en.pending.RequestID,
			ConnID:      en.pending.OriginConnectionID,
			ArrivalTime: en.pending.ArrivalTime,
			ResolvedAt:  time.Now(),
			Status:      status,
			Mode:        en.pending.Mode,
			hash:        en.hash,
		})
		if len(e.history) > maxHistory {
			e.history = e.history[len(e.history)-maxHistory:]
		}
		e.mu.Unlock()

		e.bus.Emit(event.Event{
			Kind:         event.KindSamplingResolved,
			ConnectionID: en.pending.OriginConnectionID,
			Payload:      Record{RequestID: en.pending.RequestID, Status: status},
		})
	})
}

// detectRetryLocked counts matches against this arrival's (connection,
// content-hash) among entries still pending and recently resolved, as an
// advisory signal a server is retrying rather than asking something new
// (spec.md §4.F). It is fuzzy by design: a false positive only costs a
// badge in the UI, never a correctness guarantee.
func (e *Engine) detectRetryLocked(connID uuid.UUID, hash [sha256.Size]byte, now time.Time) int {
	count := 0
	for _, en := range e.pending {
		if en.pending.OriginConnectionID == connID && en.hash == hash {
			count++
		}
	}
	for _, rec := range e.history {
		if rec.ConnID == connID && rec.hash == hash && now.Sub(rec.ResolvedAt) < recentArrivalWindow {
			count++
		}
	}
	return count
}

func hashParams(params *mcp.CreateMessageParams) [sha256.Size]byte {
	raw, err := json.Marshal(params)
	if err != nil {
		return [sha256.Size]byte{}
	}
	return sha256.Sum256(raw)
}
