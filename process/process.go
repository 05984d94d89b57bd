// Copyright 2025 The Go MCP SDK Authors. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

// Package process implements the Process Supervisor (spec.md §4.D): it
// spawns and tears down child processes for stdio-transport sessions,
// tracking pid, resource usage, and the graceful-vs-forced shutdown
// sequence. Stdout is reserved exclusively for JSON-RPC framing; stderr is
// captured into a bounded ring buffer for diagnostics (spec.md invariant 3).
package process

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/shirou/gopsutil/cpu"
	gopsprocess "github.com/shirou/gopsutil/process"

	"github.com/mcpstudio/engine/studioerr"
)

// DefaultShutdownTimeout is how long Close waits after closing stdin before
// escalating to SIGTERM (spec.md §4.D: "wait up to shutdown_timeout (default
// 10s); if still alive, send a terminate signal").
const DefaultShutdownTimeout = 10 * time.Second

// sigtermGrace is how long Close waits after SIGTERM before escalating to
// SIGKILL (spec.md §4.D: "if still alive after 2s, force-kill").
const sigtermGrace = 2 * time.Second

// stderrRingSize bounds the diagnostic buffer retained per child process.
const stderrRingSize = 64 * 1024

// Spec describes a child process to spawn for a stdio-transport session.
type Spec struct {
	Command     string
	Args        []string
	WorkingDir  string
	Environment map[string]string // overlays the inherited environment
	// ShutdownTimeout overrides DefaultShutdownTimeout when non-zero.
	ShutdownTimeout time.Duration
}

// Info is a point-in-time snapshot of a supervised child, suitable for UI
// consumption (the Connection Manager's ProcessUpdated event, spec.md §3).
type Info struct {
	Pid         int
	StartedAt   time.Time
	CPUPercent  float64
	RSSBytes    uint64
	Alive       bool
	ExitErr     error // set once the process has exited
}

// Process supervises one spawned child, exposing the stdin/stdout pipe as
// an io.ReadWriteCloser for the stdio Transport to frame, plus resource
// sampling and a stderr ring buffer.
type Process struct {
	spec Spec
	cmd  *exec.Cmd

	stdout io.ReadCloser
	stdin  io.WriteCloser

	stderrBuf *ringBuffer

	mu        sync.Mutex
	startedAt time.Time
	cpuPct    float64
	rssBytes  uint64
	exited    bool
	exitErr   error

	waitOnce sync.Once
	waitCh   chan struct{}
}

// Start spawns the child process described by spec. The caller is
// responsible for calling Close exactly once to release resources and
// honor kill_on_drop (spec.md §4.D: "leaking child processes is a
// defect").
func Start(ctx context.Context, spec Spec) (*Process, error) {
	cmd := exec.CommandContext(ctx, spec.Command, spec.Args...)
	cmd.Dir = spec.WorkingDir
	cmd.Env = mergeEnv(spec.Environment)
	// Detach from ctx cancellation killing the process immediately on
	// context cancel; the Supervisor drives shutdown explicitly via Close so
	// it can run the graceful-then-forced sequence instead of an immediate
	// kill (exec.CommandContext would otherwise SIGKILL on ctx.Done()).
	cmd.Cancel = func() error { return nil }

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, studioerr.Wrap(studioerr.KindSpawnFailed, err, "opening stdout pipe for %s", spec.Command)
	}
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, studioerr.Wrap(studioerr.KindSpawnFailed, err, "opening stdin pipe for %s", spec.Command)
	}
	stderrPipe, err := cmd.StderrPipe()
	if err != nil {
		return nil, studioerr.Wrap(studioerr.KindSpawnFailed, err, "opening stderr pipe for %s", spec.Command)
	}

	p := &Process{
		spec:      spec,
		cmd:       cmd,
		stdout:    io.NopCloser(stdout), // closed by closing stdin, not stdout
		stdin:     stdin,
		stderrBuf: newRingBuffer(stderrRingSize),
		waitCh:    make(chan struct{}),
	}

	if err := cmd.Start(); err != nil {
		return nil, studioerr.Wrap(studioerr.KindSpawnFailed, err, "starting %s", spec.Command)
	}
	p.startedAt = time.Now()

	go io.Copy(p.stderrBuf, stderrPipe)
	go p.awaitExit()

	return p, nil
}

func mergeEnv(overrides map[string]string) []string {
	env := os.Environ()
	for k, v := range overrides {
		env = append(env, k+"="+v)
	}
	return env
}

func (p *Process) awaitExit() {
	err := p.cmd.Wait()
	p.mu.Lock()
	p.exited = true
	p.exitErr = err
	p.mu.Unlock()
	close(p.waitCh)
}

// Read implements io.Reader over the child's stdout.
func (p *Process) Read(b []byte) (int, error) { return p.stdout.Read(b) }

// Write implements io.Writer over the child's stdin.
func (p *Process) Write(b []byte) (int, error) { return p.stdin.Write(b) }

// Pid returns the child's process id.
func (p *Process) Pid() int { return p.cmd.Process.Pid }

// RecentStderr returns the most recent stderr bytes captured from the
// child, up to the ring buffer's capacity, for diagnostic display.
func (p *Process) RecentStderr() []byte { return p.stderrBuf.Snapshot() }

// Done reports whether the child has exited, and the reason if so.
func (p *Process) Done() (exited bool, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.exited, p.exitErr
}

// Sample refreshes CPU and RSS usage for the child, for periodic
// ProcessUpdated events (spec.md §4.D: "periodically refresh CPU/RSS
// samples for UI consumption").
func (p *Process) Sample(ctx context.Context) (Info, error) {
	exited, exitErr := p.Done()
	info := Info{
		Pid:       p.Pid(),
		StartedAt: p.startedAt,
		Alive:     !exited,
		ExitErr:   exitErr,
	}
	if exited {
		return info, nil
	}

	proc, err := gopsprocess.NewProcess(int32(p.Pid()))
	if err != nil {
		// The pid vanished between Done() and here; treat as exited rather
		// than a hard error so the Connection Manager can mark the session
		// Error (spec.md §4.D: "if the pid vanished, mark the session
		// Error").
		info.Alive = false
		return info, nil
	}
	if pct, err := proc.CPUPercentWithContext(ctx); err == nil {
		cores, _ := cpu.Counts(true)
		if cores > 0 {
			pct /= float64(cores)
		}
		info.CPUPercent = pct
	}
	if memInfo, err := proc.MemoryInfoWithContext(ctx); err == nil && memInfo != nil {
		info.RSSBytes = memInfo.RSS
	}

	p.mu.Lock()
	p.cpuPct, p.rssBytes = info.CPUPercent, info.RSSBytes
	p.mu.Unlock()
	return info, nil
}

// Close implements the graceful-then-forced shutdown sequence (spec.md
// §4.D; grounded on golang-tools' pipeRWC.Close): close stdin, wait
// ShutdownTimeout for a clean exit, SIGTERM and wait sigtermGrace, then
// SIGKILL.
func (p *Process) Close() error {
	if err := p.stdin.Close(); err != nil {
		return fmt.Errorf("closing stdin: %w", err)
	}

	timeout := p.spec.ShutdownTimeout
	if timeout <= 0 {
		timeout = DefaultShutdownTimeout
	}

	if err, ok := p.waitFor(timeout); ok {
		return err
	}
	if err := p.cmd.Process.Signal(syscall.SIGTERM); err == nil {
		if err, ok := p.waitFor(sigtermGrace); ok {
			return err
		}
	}
	if err := p.cmd.Process.Kill(); err != nil {
		return studioerr.Wrap(studioerr.KindSpawnFailed, err, "force-killing unresponsive child pid %d", p.Pid())
	}
	if err, ok := p.waitFor(sigtermGrace); ok {
		return err
	}
	return studioerr.New(studioerr.KindSpawnFailed, "child pid %d unresponsive to SIGKILL", p.Pid())
}

func (p *Process) waitFor(d time.Duration) (error, bool) {
	select {
	case <-p.waitCh:
		_, err := p.Done()
		return err, true
	case <-time.After(d):
		return nil, false
	}
}
