// Copyright 2025 The Go MCP SDK Authors. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

package process

import (
	"bufio"
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// TestProcessEchoesStdinToStdout spawns a child that echoes stdin back on
// stdout (the shape the stdio Transport reads as JSON-RPC frames) and
// confirms Close tears it down within the graceful-shutdown budget.
func TestProcessEchoesStdinToStdout(t *testing.T) {
	p, err := Start(context.Background(), Spec{
		Command:         "sh",
		Args:            []string{"-c", "cat"},
		ShutdownTimeout: time.Second,
	})
	require.NoError(t, err)
	require.Greater(t, p.Pid(), 0)

	_, err = p.Write([]byte("hello\n"))
	require.NoError(t, err)

	reader := bufio.NewReader(p)
	line, err := reader.ReadString('\n')
	require.NoError(t, err)
	require.Equal(t, "hello\n", line)

	exited, _ := p.Done()
	require.False(t, exited)

	require.NoError(t, p.Close())
	exited, _ = p.Done()
	require.True(t, exited)
}

// TestProcessSampleReportsDeadAfterExit verifies Sample reports
// Alive=false, rather than erroring, once the child has exited on its own
// (spec.md §4.D: "if the pid vanished, mark the session Error"). This hits
// Sample's already-exited early return, not its pid-lookup failure path.
func TestProcessSampleReportsDeadAfterExit(t *testing.T) {
	p, err := Start(context.Background(), Spec{Command: "sh", Args: []string{"-c", "exit 0"}})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		exited, _ := p.Done()
		return exited
	}, 2*time.Second, 10*time.Millisecond)

	info, err := p.Sample(context.Background())
	require.NoError(t, err)
	require.False(t, info.Alive)

	require.NoError(t, p.Close())
}

func TestRingBufferRetainsOnlyMostRecentBytes(t *testing.T) {
	rb := newRingBuffer(8)
	_, err := rb.Write([]byte("0123456789"))
	require.NoError(t, err)
	require.Equal(t, "23456789", string(rb.Snapshot()))
}
