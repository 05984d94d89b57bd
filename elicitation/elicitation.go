// Copyright 2025 The Go MCP SDK Authors. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

// Package elicitation implements the Elicitation Correlator (spec.md §4.G):
// the state machine that tracks a server's elicitation/create request until
// a host-side form submission, decline, or timeout resolves it, validating
// submitted content against the request's schema with the same
// jsonschema.Resolved machinery the teacher's ReflectionValidator uses
// (mcp/reflection_validator.go).
package elicitation

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/jsonschema-go/jsonschema"
	"github.com/google/uuid"
	"github.com/hashicorp/go-hclog"

	"github.com/mcpstudio/engine/config"
	"github.com/mcpstudio/engine/event"
	"github.com/mcpstudio/engine/internal/jsonrpc2"
	"github.com/mcpstudio/engine/mcp"
	"github.com/mcpstudio/engine/session"
	"github.com/mcpstudio/engine/studioerr"
)

// Status is a PendingElicitation's place in its state machine.
type Status string

const (
	StatusPending  Status = "pending"
	StatusAccepted Status = "accepted"
	StatusDeclined Status = "declined"
	StatusCanceled Status = "canceled"
	StatusTimedOut Status = "timed_out"
)

// PendingElicitation is the data-model entity spec.md §3 describes: one
// in-flight elicitation/create request awaiting a host-side response.
type PendingElicitation struct {
	RequestID          string
	OriginConnectionID uuid.UUID
	Request            *mcp.ElicitParams
	ArrivalTime        time.Time
	resolved           *jsonschema.Resolved // nil if RequestedSchema failed to resolve
}

// Record is one resolved PendingElicitation retained for audit/history.
type Record struct {
	RequestID   string
	ConnID      uuid.UUID
	ArrivalTime time.Time
	ResolvedAt  time.Time
	Status      Status
}

type entry struct {
	pending *PendingElicitation
	conn    *jsonrpc2.Connection
	wireID  jsonrpc2.ID
	timer   *time.Timer
	once    sync.Once
}

const maxHistory = 500

// Engine is the Elicitation Correlator (spec.md §4.G).
type Engine struct {
	cfg *config.Engine
	bus *event.Bus
	log hclog.Logger

	mu      sync.Mutex
	pending map[string]*entry
	history []Record
}

// New constructs an Engine.
func New(cfg *config.Engine, bus *event.Bus, logger hclog.Logger) *Engine {
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	return &Engine{
		cfg:     cfg,
		bus:     bus,
		log:     logger,
		pending: make(map[string]*entry),
	}
}

// HandlerFor returns the session.ElicitationHandler the Connection Manager
// installs on the session owning connID.
func (e *Engine) HandlerFor(connID uuid.UUID) session.ElicitationHandler {
	return func(conn *jsonrpc2.Connection, id jsonrpc2.ID, params *mcp.ElicitParams) {
		e.submit(conn, id, connID, params)
	}
}

func (e *Engine) submit(conn *jsonrpc2.Connection, wireID jsonrpc2.ID, connID uuid.UUID, params *mcp.ElicitParams) {
	requestID := connID.String() + ":" + wireID.String()

	pe := &PendingElicitation{
		RequestID:          requestID,
		OriginConnectionID: connID,
		Request:            params,
		ArrivalTime:        time.Now(),
	}
	if params.RequestedSchema != nil {
		if schema, ok := toSchema(params.RequestedSchema); ok {
			if resolved, err := schema.Resolve(nil); err != nil {
				e.log.Warn("elicitation request carries an unresolvable schema", "request_id", requestID, "error", err)
			} else {
				pe.resolved = resolved
			}
		}
	}

	en := &entry{pending: pe, conn: conn, wireID: wireID}

	e.mu.Lock()
	e.pending[requestID] = en
	e.mu.Unlock()

	timeout := e.cfg.ElicitationDefaultTimeout
	if timeout <= 0 {
		timeout = 120 * time.Second
	}
	en.timer = time.AfterFunc(timeout, func() {
		e.log.Warn("elicitation request timed out awaiting host response", "request_id", requestID)
		e.resolve(requestID, StatusTimedOut, nil, &jsonrpc2.WireError{
			Code:    jsonrpc2.CodeInternalError,
			Message: "elicitation request timed out awaiting host response",
		})
	})

	e.bus.Emit(event.Event{Kind: event.KindElicitationRequested, ConnectionID: connID, Payload: pe})
}

// Pending returns a snapshot of every elicitation request currently
// awaiting resolution, optionally filtered to one connection (pass
// uuid.Nil for all).
func (e *Engine) Pending(connID uuid.UUID) []*PendingElicitation {
	e.mu.Lock()
	defer e.mu.Unlock()
	var out []*PendingElicitation
	for _, en := range e.pending {
		if connID != uuid.Nil && en.pending.OriginConnectionID != connID {
			continue
		}
		out = append(out, en.pending)
	}
	return out
}

// Accept validates content against the request's resolved schema and, only
// if it passes, completes the request with an "accept" result. A failing
// validation leaves the entry pending so the host can resubmit, rather than
// silently consuming it.
func (e *Engine) Accept(requestID string, content map[string]any) error {
	e.mu.Lock()
	en, ok := e.pending[requestID]
	e.mu.Unlock()
	if !ok {
		return studioerr.New(studioerr.KindNoPendingEntry, "no pending elicitation request %s", requestID)
	}

	if en.pending.resolved != nil {
		if err := en.pending.resolved.ApplyDefaults(&content); err != nil {
			e.log.Warn("applying schema defaults to elicitation content", "request_id", requestID, "error", err)
		}
		if err := en.pending.resolved.Validate(&content); err != nil {
			return studioerr.Wrap(studioerr.KindSchemaViolation, err, "submitted content does not match the elicitation request's schema")
		}
	}

	e.mu.Lock()
	delete(e.pending, requestID)
	e.mu.Unlock()

	e.deliver(en, StatusAccepted, &mcp.ElicitResult{Action: "accept", Content: content}, nil)
	return nil
}

// Decline completes requestID with a "decline" result: the user was shown
// the form and explicitly chose not to answer it.
func (e *Engine) Decline(requestID string) error {
	en, ok := e.take(requestID)
	if !ok {
		return studioerr.New(studioerr.KindNoPendingEntry, "no pending elicitation request %s", requestID)
	}
	e.deliver(en, StatusDeclined, &mcp.ElicitResult{Action: "decline"}, nil)
	return nil
}

// Cancel completes requestID with a "cancel" result: the host dismissed the
// prompt without the user answering it either way.
func (e *Engine) Cancel(requestID string) error {
	en, ok := e.take(requestID)
	if !ok {
		return studioerr.New(studioerr.KindNoPendingEntry, "no pending elicitation request %s", requestID)
	}
	e.deliver(en, StatusCanceled, &mcp.ElicitResult{Action: "cancel"}, nil)
	return nil
}

// CancelForSession completes every entry pending for connID with a
// connection-lost error. The Connection Manager calls this from a
// Session's OnTerminated hook so no elicitation prompt outlives its origin.
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
		e.completeOne(en, StatusCanceled, nil, &jsonrpc2.WireError{
			Code:    jsonrpc2.CodeInternalError,
			Message: "origin connection disconnected while elicitation request was pending",
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

func (e *Engine) resolve(requestID string, status Status, result *mcp.ElicitResult, werr *jsonrpc2.WireError) {
	en, ok := e.take(requestID)
	if !ok {
		return
	}
	e.deliver(en, status, result, werr)
}

func (e *Engine) deliver(en *entry, status Status, result *mcp.ElicitResult, werr *jsonrpc2.WireError) {
	en.timer.Stop()
	e.completeOne(en, status, result, werr)
}

func (e *Engine) completeOne(en *entry, status Status, result *mcp.ElicitResult, werr *jsonrpc2.WireError) {
	en.once.Do(func() {
		if respErr := en.conn.Respond(context.Background(), en.wireID, result, werr); respErr != nil {
			e.log.Warn("responding to elicitation request", "request_id", en.pending.RequestID, "error", respErr)
		}

		e.mu.Lock()
		e.history = append(e.history, Record{
			RequestID:   en.pending.RequestID,
			ConnID:      en.pending.OriginConnectionID,
			ArrivalTime: en.pending.ArrivalTime,
			ResolvedAt:  time.Now(),
			Status:      status,
		})
		if len(e.history) > maxHistory {
			e.history = e.history[len(e.history)-maxHistory:]
		}
		e.mu.Unlock()

		e.bus.Emit(event.Event{
			Kind:         event.KindElicitationResolved,
			ConnectionID: en.pending.OriginConnectionID,
			Payload:      Record{RequestID: en.pending.RequestID, Status: status},
		})
	})
}

// toSchema coerces the loosely-typed ElicitParams.RequestedSchema (any,
// since the wire form is an arbitrary JSON Schema object) into a
// *jsonschema.Schema, round-tripping through its own marshaler so a
// map[string]any decoded off the wire and a *jsonschema.Schema constructed
// in-process both work.
func toSchema(v any) (*jsonschema.Schema, bool) {
	if s, ok := v.(*jsonschema.Schema); ok {
		return s, true
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, false
	}
	var s jsonschema.Schema
	if err := json.Unmarshal(raw, &s); err != nil {
		return nil, false
	}
	return &s, true
}
