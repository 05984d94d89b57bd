// Copyright 2025 The Go MCP SDK Authors. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

package transport

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/mcpstudio/engine/studioerr"
)

func TestTCPTransportRequireLoopbackRejectsRemoteHost(t *testing.T) {
	tr := &TCPTransport{Host: "203.0.113.10", Port: 4000, RequireLoopback: true}
	_, err := tr.Connect(context.Background())
	require.Error(t, err)
	kind, ok := studioerr.KindOf(err)
	require.True(t, ok)
	require.Equal(t, studioerr.KindConfigInvalid, kind)
}

func TestTCPTransportAllowsLoopbackWhenUnreachable(t *testing.T) {
	// No listener is bound, so this still fails, but as a dial failure
	// (SpawnFailed), not the loopback guard (ConfigInvalid) — confirming
	// the guard only rejects on address, not on reachability.
	tr := &TCPTransport{Host: "127.0.0.1", Port: 1, RequireLoopback: true}
	_, err := tr.Connect(context.Background())
	require.Error(t, err)
	kind, ok := studioerr.KindOf(err)
	require.True(t, ok)
	require.Equal(t, studioerr.KindSpawnFailed, kind)
}
