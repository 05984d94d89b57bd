// Copyright 2025 The Go MCP SDK Authors. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

// Package config loads the engine-wide tunables referenced throughout
// spec.md's component design: handshake timeout, frame size limits,
// health-check cadence, and the call_tool retry schedule.
package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
)

// Engine holds the tunables the Connection Manager and Session layer read
// at startup. Fields are loadable from the environment via caarlos0/env;
// callers that do not run from the environment can populate Engine
// directly and skip Load.
type Engine struct {
	// HandshakeTimeout bounds the initialize round trip (spec.md §4.C:
	// "awaits the response within a configurable budget (default 60s)").
	HandshakeTimeout time.Duration `env:"MCPSTUDIO_HANDSHAKE_TIMEOUT" envDefault:"60s"`

	// MaxFrameBytes is the fatal-framing-error threshold for a single
	// stdio line or length-prefixed frame (spec.md §4.A, default 10 MiB).
	MaxFrameBytes int `env:"MCPSTUDIO_MAX_FRAME_BYTES" envDefault:"10485760"`

	// ProcessRefreshInterval is the Connection Manager's process-info
	// refresh cadence (spec.md §4.E: "Every 5s: refresh process info").
	ProcessRefreshInterval time.Duration `env:"MCPSTUDIO_PROCESS_REFRESH_INTERVAL" envDefault:"5s"`

	// LivenessProbeInterval is the cadence of the list_tools liveness probe
	// (spec.md §4.E: "Every 30s: issue a lightweight probe").
	LivenessProbeInterval time.Duration `env:"MCPSTUDIO_LIVENESS_PROBE_INTERVAL" envDefault:"30s"`

	// ShutdownTimeout is the Process Supervisor's graceful-exit budget
	// before escalating to SIGTERM (spec.md §4.D, default 10s).
	ShutdownTimeout time.Duration `env:"MCPSTUDIO_SHUTDOWN_TIMEOUT" envDefault:"10s"`

	// ToolCallRetries is the number of additional attempts call_tool makes
	// after a transient transport error, before surfacing ToolCallFailed
	// (spec.md §4.C: "3 attempts: 100ms, 200ms, 400ms").
	ToolCallRetries int `env:"MCPSTUDIO_TOOL_CALL_RETRIES" envDefault:"3"`

	// ToolCallInitialBackoff is the first retry delay; subsequent retries
	// double it, matching the spec's 100/200/400ms schedule.
	ToolCallInitialBackoff time.Duration `env:"MCPSTUDIO_TOOL_CALL_BACKOFF" envDefault:"100ms"`

	// SamplingDefaultTimeout is the assumed timeout budget of a
	// sampling/createMessage request when the protocol carries no explicit
	// one (spec.md §4.F: "equals the origin request's timeout budget").
	SamplingDefaultTimeout time.Duration `env:"MCPSTUDIO_SAMPLING_TIMEOUT" envDefault:"5m"`

	// SamplingTimeoutMargin is subtracted from SamplingDefaultTimeout to
	// compute a PendingSampling's own expiry (spec.md §4.F: "default equals
	// the origin request's timeout budget minus a small safety margin"),
	// so the engine resolves the entry slightly before a client-side caller
	// bound by that same budget would itself give up.
	SamplingTimeoutMargin time.Duration `env:"MCPSTUDIO_SAMPLING_TIMEOUT_MARGIN" envDefault:"2s"`

	// ElicitationDefaultTimeout bounds a PendingElicitation when the
	// originating request carries no explicit budget.
	ElicitationDefaultTimeout time.Duration `env:"MCPSTUDIO_ELICITATION_TIMEOUT" envDefault:"120s"`
}

// Load reads an Engine configuration from the process environment,
// applying the defaults above for anything unset.
func Load() (*Engine, error) {
	cfg := &Engine{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parsing engine config: %w", err)
	}
	return cfg, nil
}
