// Copyright 2025 The Go MCP SDK Authors. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

// Package studioerr defines the error taxonomy shared by every component of
// the connection and session engine (see spec.md §7).
package studioerr

import (
	"errors"
	"fmt"
)

// Kind is an abstract error classification. Components never construct ad
// hoc error strings for these situations; they wrap a Kind so callers can
// use errors.Is to branch on failure class without parsing messages.
type Kind string

const (
	KindConfigInvalid        Kind = "config_invalid"
	KindSpawnFailed          Kind = "spawn_failed"
	KindHandshakeFailed      Kind = "handshake_failed"
	KindFraming              Kind = "framing"
	KindTimeout              Kind = "timeout"
	KindCancelled            Kind = "cancelled"
	KindNotConnected         Kind = "not_connected"
	KindServerNotFound       Kind = "server_not_found"
	KindRemoteError          Kind = "remote_error"
	KindDisconnected         Kind = "disconnected"
	KindUnsupportedTransport Kind = "unsupported_transport"
	KindNoPendingEntry       Kind = "no_pending_entry"
	KindSchemaViolation      Kind = "schema_violation"
)

// Error is the concrete error type carried through the engine. The Kind is
// stable and machine-checkable; Message is for humans; Cause, if present, is
// the underlying error that triggered this classification.
type Error struct {
	Kind    Kind
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// Is reports whether target is an *Error with the same Kind, so that
// errors.Is(err, studioerr.New(KindTimeout, "")) style checks work without
// comparing messages.
func (e *Error) Is(target error) bool {
	var t *Error
	if errors.As(target, &t) {
		return t.Kind == e.Kind
	}
	return false
}

// New constructs an *Error with no underlying cause.
func New(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap constructs an *Error classifying cause under kind.
func Wrap(kind Kind, cause error, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), Cause: cause}
}

// Of returns a sentinel *Error carrying only a Kind, for use with errors.Is:
//
//	if errors.Is(err, studioerr.Of(studioerr.KindTimeout)) { ... }
func Of(kind Kind) *Error {
	return &Error{Kind: kind}
}

// KindOf extracts the Kind from err, if err wraps an *Error, and reports ok.
func KindOf(err error) (Kind, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind, true
	}
	return "", false
}
