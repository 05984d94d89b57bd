// Copyright 2025 The Go MCP SDK Authors. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

// Package transport implements the Transport component (spec.md §4.A): a
// duplex frame-oriented channel where the frame payload is a single
// JSON-RPC object. Transports have no knowledge of JSON-RPC semantics —
// they move bytes, and hand complete frames to the RPC Multiplexer
// (internal/jsonrpc2).
package transport

import (
	"context"

	"github.com/mcpstudio/engine/internal/jsonrpc2"
)

// DefaultMaxFrameBytes is the maximum size of a single frame before it is a
// fatal framing error (spec.md §4.A: "oversized lines (> configurable max,
// default 10 MiB) are a fatal framing error").
const DefaultMaxFrameBytes = 10 * 1024 * 1024

// Transport establishes a duplex frame-oriented channel. Connect may spawn
// a child process, dial a socket, open a WebSocket, etc; it fails with one
// of studioerr's Kind{Unreachable-ish} classifications, which callers
// should wrap as SpawnFailed/ConfigInvalid/HandshakeFailed as appropriate
// for the calling context.
type Transport interface {
	// Connect establishes the channel and returns a Framer bound to it.
	Connect(ctx context.Context) (jsonrpc2.Framer, error)
}

// Kind identifies which wire encoding a transport descriptor selects, for
// ConnectionConfig's tagged union (spec.md §3).
type Kind string

const (
	KindStdio     Kind = "stdio"
	KindHTTP      Kind = "http"
	KindWebSocket Kind = "websocket"
	KindTCP       Kind = "tcp"
	KindUnix      Kind = "unix"
)
