// Copyright 2025 The Go MCP SDK Authors. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

package jsonrpc2

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// recvOnceFramer returns one fixed error from Recv after letting the first
// Call's frame through Send, simulating a transport whose very next read
// (e.g. a non-JSON stdout line from a misbehaving child) fails framing
// while a call is still in flight.
type recvOnceFramer struct {
	recvErr error
	sent    chan *Frame
}

func (f *recvOnceFramer) Send(ctx context.Context, fr *Frame) error {
	f.sent <- fr
	return nil
}

func (f *recvOnceFramer) Recv(ctx context.Context) (*Frame, error) {
	<-f.sent
	return nil, f.recvErr
}

func (f *recvOnceFramer) Close() error { return nil }

// TestRunPropagatesTerminalFramingErrorToPendingCalls verifies that a
// pending outbound call (e.g. the initialize handshake) fails with the
// connection's actual terminal error instead of a fixed "connection
// closed" placeholder, so the offending text (the framer's own error,
// which names the malformed line) survives up to the caller.
func TestRunPropagatesTerminalFramingErrorToPendingCalls(t *testing.T) {
	framingErr := errors.New(`framing: Invalid JSON-RPC response: "hello world": decoding jsonrpc2 frame: invalid character 'h' looking for beginning of value`)
	framer := &recvOnceFramer{recvErr: framingErr, sent: make(chan *Frame, 1)}
	conn := NewConnection(framer)

	go conn.Run(context.Background())

	err := conn.Call(context.Background(), "initialize", struct{}{}, nil)
	require.Error(t, err)
	require.Contains(t, err.Error(), "hello world")
	require.Contains(t, err.Error(), "Invalid JSON-RPC response")
}

func TestRunUsesGenericMessageOnCleanClose(t *testing.T) {
	framer := &recvOnceFramer{recvErr: io.EOF, sent: make(chan *Frame, 1)}

	conn := NewConnection(framer)
	done := make(chan struct{})
	go func() {
		conn.Run(context.Background())
		close(done)
	}()

	callDone := make(chan error, 1)
	go func() {
		callDone <- conn.Call(context.Background(), "initialize", struct{}{}, nil)
	}()

	select {
	case err := <-callDone:
		require.Error(t, err)
		require.Contains(t, err.Error(), "connection closed")
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for call to fail on clean close")
	}
	<-done
}
