// Copyright 2025 The Go MCP SDK Authors. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

package transport

import (
	"context"
	"net"
	"strconv"

	"github.com/mcpstudio/engine/internal/jsonrpc2"
	"github.com/mcpstudio/engine/internal/util"
	"github.com/mcpstudio/engine/studioerr"
)

// TCPTransport dials a TCP host:port and frames JSON-RPC objects with a
// 4-byte big-endian length prefix (spec.md §4.A: "length-prefixed for
// TCP/Unix").
type TCPTransport struct {
	Host         string
	Port         int
	MaxFrameSize int

	// RequireLoopback, when true, rejects Connect for any non-loopback
	// address; the zero value performs no check, and connection's
	// BuildTransport sets it for every TCP descriptor. The TCP transport carries no transport-level
	// auth (unlike HTTP's oauth2.TokenSource or WebSocket headers), so a
	// host/port pair reachable beyond localhost is an unauthenticated MCP
	// server exposed on the network by default.
	RequireLoopback bool
}

func (t *TCPTransport) Connect(ctx context.Context) (jsonrpc2.Framer, error) {
	var d net.Dialer
	addr := net.JoinHostPort(t.Host, strconv.Itoa(t.Port))
	if t.RequireLoopback && !util.IsLoopback(addr) {
		return nil, studioerr.New(studioerr.KindConfigInvalid, "tcp transport %s is not a loopback address; refusing to dial an unauthenticated MCP server over the network", addr)
	}
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, studioerr.Wrap(studioerr.KindSpawnFailed, err, "dialing tcp %s", addr)
	}
	return newLengthPrefixedFramer(conn, t.MaxFrameSize), nil
}

// UnixTransport dials a Unix domain socket, using the same length-prefixed
// framing as TCP.
type UnixTransport struct {
	Path         string
	MaxFrameSize int
}

func (t *UnixTransport) Connect(ctx context.Context) (jsonrpc2.Framer, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "unix", t.Path)
	if err != nil {
		return nil, studioerr.Wrap(studioerr.KindSpawnFailed, err, "dialing unix socket %s", t.Path)
	}
	return newLengthPrefixedFramer(conn, t.MaxFrameSize), nil
}
