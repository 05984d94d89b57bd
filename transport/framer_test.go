// Copyright 2025 The Go MCP SDK Authors. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

package transport

import (
	"bytes"
	"context"
	"io"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/mcpstudio/engine/internal/jsonrpc2"
)

// loopback is an io.ReadWriteCloser over an in-memory pipe, for framer
// round-trip tests that need an actual Read/Write pair.
type loopback struct {
	r *io.PipeReader
	w *io.PipeWriter
}

func newLoopback() *loopback {
	r, w := io.Pipe()
	return &loopback{r: r, w: w}
}

func (l *loopback) Read(p []byte) (int, error)  { return l.r.Read(p) }
func (l *loopback) Write(p []byte) (int, error) { return l.w.Write(p) }
func (l *loopback) Close() error {
	l.w.Close()
	return l.r.Close()
}

func TestLineFramerRoundTrip(t *testing.T) {
	lb := newLoopback()
	defer lb.Close()
	writer := newLineFramer(lb, 0)
	reader := newLineFramer(lb, 0)

	id := jsonrpc2.NewNumberID(7)
	sent := &jsonrpc2.Frame{Method: "tools/call", ID: &id, Params: []byte(`{"a":1}`)}

	go func() { require.NoError(t, writer.Send(context.Background(), sent)) }()

	got, err := reader.Recv(context.Background())
	require.NoError(t, err)
	require.Equal(t, sent.Method, got.Method)
	require.Equal(t, sent.ID.Raw(), got.ID.Raw())
	require.JSONEq(t, string(sent.Params), string(got.Params))
}

// TestLineFramerOversizedLineIsFraming verifies spec.md §8's boundary
// behavior on its rejecting side: a 10 MiB + 1 byte single frame is rejected
// as framing. No test here sends a frame of exactly 10 MiB, the accepted
// side of that boundary. The scanner's growable buffer only rejects once its initial
// window is exhausted, so the oversized payload must exceed the default
// max, not just some arbitrary small limit.
func TestLineFramerOversizedLineIsFraming(t *testing.T) {
	big := bytes.Repeat([]byte("x"), DefaultMaxFrameBytes+1)

	lb := newLoopback()
	defer lb.Close()
	go func() {
		lb.Write(big)
		lb.Write([]byte("\n"))
	}()
	framer := newLineFramer(lb, 0)

	_, err := framer.Recv(context.Background())
	require.Error(t, err)
}

func TestLengthPrefixedFramerRoundTrip(t *testing.T) {
	lb := newLoopback()
	defer lb.Close()
	writer := newLengthPrefixedFramer(lb, 0)
	reader := newLengthPrefixedFramer(lb, 0)

	id := jsonrpc2.NewStringID("req-1")
	sent := &jsonrpc2.Frame{ID: &id, Result: []byte(`{"ok":true}`)}

	go func() { require.NoError(t, writer.Send(context.Background(), sent)) }()

	got, err := reader.Recv(context.Background())
	require.NoError(t, err)
	require.Equal(t, sent.ID.Raw(), got.ID.Raw())
	require.JSONEq(t, string(sent.Result), string(got.Result))
}

func TestLengthPrefixedFramerRejectsOversizedFrame(t *testing.T) {
	lb := newLoopback()
	defer lb.Close()
	writer := newLengthPrefixedFramer(lb, 0)
	reader := newLengthPrefixedFramer(lb, 16)

	id := jsonrpc2.NewNumberID(1)
	sent := &jsonrpc2.Frame{ID: &id, Result: []byte(`{"padding":"this is longer than sixteen bytes"}`)}

	go func() { require.NoError(t, writer.Send(context.Background(), sent)) }()

	_, err := reader.Recv(context.Background())
	require.Error(t, err)
}
