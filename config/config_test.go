// Copyright 2025 The Go MCP SDK Authors. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLoadAppliesSpecDefaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	require.Equal(t, 60*time.Second, cfg.HandshakeTimeout)
	require.Equal(t, 10*1024*1024, cfg.MaxFrameBytes)
	require.Equal(t, 5*time.Second, cfg.ProcessRefreshInterval)
	require.Equal(t, 30*time.Second, cfg.LivenessProbeInterval)
	require.Equal(t, 10*time.Second, cfg.ShutdownTimeout)
	require.Equal(t, 3, cfg.ToolCallRetries)
	require.Equal(t, 100*time.Millisecond, cfg.ToolCallInitialBackoff)
}

func TestLoadHonorsEnvironmentOverride(t *testing.T) {
	t.Setenv("MCPSTUDIO_HANDSHAKE_TIMEOUT", "5s")
	cfg, err := Load()
	require.NoError(t, err)
	require.Equal(t, 5*time.Second, cfg.HandshakeTimeout)
}
