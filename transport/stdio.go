// Copyright 2025 The Go MCP SDK Authors. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

package transport

import (
	"context"

	"github.com/mcpstudio/engine/internal/jsonrpc2"
	"github.com/mcpstudio/engine/process"
)

// StdioTransport spawns a child process and frames JSON-RPC objects over
// its stdin/stdout using newline-delimited JSON (spec.md §4.A: "Stdio
// framing is line-based"). Stderr is captured separately by the Process
// Supervisor and never parsed for protocol (spec.md invariant 3).
type StdioTransport struct {
	Spec         process.Spec
	MaxFrameSize int // 0 selects DefaultMaxFrameBytes

	proc *process.Process
}

// Connect spawns the child described by t.Spec and returns a Framer over
// its stdio pipes. The spawned *process.Process is retained so Process
// returns a handle for resource sampling and stderr retrieval.
func (t *StdioTransport) Connect(ctx context.Context) (jsonrpc2.Framer, error) {
	proc, err := process.Start(ctx, t.Spec)
	if err != nil {
		return nil, err
	}
	t.proc = proc
	// proc itself is the io.ReadWriteCloser: Read/Write hit the child's
	// stdio pipes, and Close runs the Supervisor's graceful-then-forced
	// shutdown sequence (process.Process.Close).
	return newLineFramer(proc, t.MaxFrameSize), nil
}

// Process returns the supervised child process handle, or nil if Connect
// has not yet succeeded. Used by the Connection Manager's background
// monitor to sample CPU/RSS and surface RecentStderr (spec.md §4.D).
func (t *StdioTransport) Process() *process.Process { return t.proc }
