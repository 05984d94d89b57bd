// Copyright 2025 The Go MCP SDK Authors. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

package connection

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/mcpstudio/engine/config"
	"github.com/mcpstudio/engine/transport"
)

func TestBuildTransportStdioAppliesNoisyEnvDefaults(t *testing.T) {
	cfg := New("local tool", Descriptor{
		Kind:  transport.KindStdio,
		Stdio: &StdioDescriptor{Command: "/usr/bin/true"},
	}, nil)

	tr, err := cfg.BuildTransport(&config.Engine{MaxFrameBytes: 1024})
	require.NoError(t, err)
	st, ok := tr.(*transport.StdioTransport)
	require.True(t, ok)
	require.Equal(t, "1", st.Spec.Environment["NO_COLOR"])
	require.Equal(t, "0", st.Spec.Environment["FORCE_COLOR"])
	require.Equal(t, 1024, st.MaxFrameSize)
}

func TestBuildTransportStdioEnvironmentOverridesNoisyDefault(t *testing.T) {
	cfg := New("local tool", Descriptor{
		Kind:  transport.KindStdio,
		Stdio: &StdioDescriptor{Command: "/usr/bin/true"},
	}, map[string]string{"FORCE_COLOR": "1"})

	tr, err := cfg.BuildTransport(nil)
	require.NoError(t, err)
	st := tr.(*transport.StdioTransport)
	require.Equal(t, "1", st.Spec.Environment["FORCE_COLOR"])
}

func TestBuildTransportStdioMissingCommandIsConfigInvalid(t *testing.T) {
	cfg := New("broken", Descriptor{Kind: transport.KindStdio, Stdio: &StdioDescriptor{}}, nil)
	_, err := cfg.BuildTransport(nil)
	require.Error(t, err)
}

func TestBuildTransportHTTP(t *testing.T) {
	cfg := New("remote", Descriptor{
		Kind: transport.KindHTTP,
		HTTP: &HTTPDescriptor{URL: "https://example.com/mcp", Headers: map[string]string{"X-Api-Key": "secret"}},
	}, nil)

	tr, err := cfg.BuildTransport(nil)
	require.NoError(t, err)
	ht, ok := tr.(*transport.HTTPTransport)
	require.True(t, ok)
	require.Equal(t, "https://example.com/mcp", ht.URL)
	require.Equal(t, "secret", ht.Header.Get("X-Api-Key"))
}

func TestBuildTransportUnsupportedKind(t *testing.T) {
	cfg := New("weird", Descriptor{Kind: transport.Kind("carrier-pigeon")}, nil)
	_, err := cfg.BuildTransport(nil)
	require.Error(t, err)
}

func TestNewAssignsIDAndTimestamps(t *testing.T) {
	cfg := New("x", Descriptor{Kind: transport.KindTCP, TCP: &TCPDescriptor{Host: "localhost", Port: 9999}}, nil)
	require.NotEmpty(t, cfg.ID)
	require.False(t, cfg.CreatedAt.IsZero())
	require.Equal(t, cfg.CreatedAt, cfg.UpdatedAt)
}
