// Copyright 2025 The Go MCP SDK Authors. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

package transport

import (
	"bufio"
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"sync"

	"github.com/mcpstudio/engine/internal/jsonrpc2"
)

// lineFramer implements newline-delimited JSON framing, as used by the
// stdio transport (spec.md §4.A: "Stdio framing is line-based. Each JSON
// object is emitted followed by a single line feed. The reader buffers
// until a complete object parses; oversized lines ... are a fatal framing
// error.").
type lineFramer struct {
	rwc          io.ReadWriteCloser
	scanner      *bufio.Scanner
	maxFrameSize int

	writeMu sync.Mutex
}

// newLineFramer wraps rwc in newline-delimited JSON-RPC framing. A
// maxFrameSize of 0 selects DefaultMaxFrameBytes.
func newLineFramer(rwc io.ReadWriteCloser, maxFrameSize int) *lineFramer {
	if maxFrameSize <= 0 {
		maxFrameSize = DefaultMaxFrameBytes
	}
	scanner := bufio.NewScanner(rwc)
	// The scanner's limit covers the terminating line feed too, so allow one
	// byte beyond maxFrameSize for a frame of exactly maxFrameSize bytes.
	scanner.Buffer(make([]byte, 0, 64*1024), maxFrameSize+1)
	return &lineFramer{rwc: rwc, scanner: scanner, maxFrameSize: maxFrameSize}
}

func (f *lineFramer) Recv(ctx context.Context) (*jsonrpc2.Frame, error) {
	if !f.scanner.Scan() {
		if err := f.scanner.Err(); err != nil {
			if isTokenTooLong(err) {
				return nil, fmt.Errorf("framing: line exceeds max frame size %d bytes: %w", f.maxFrameSize, err)
			}
			return nil, err
		}
		return nil, io.EOF
	}
	line := f.scanner.Bytes()
	frame, err := jsonrpc2.DecodeMessage(line)
	if err != nil {
		return nil, fmt.Errorf("framing: Invalid JSON-RPC response: %q: %w", string(line), err)
	}
	return frame, nil
}

func (f *lineFramer) Send(ctx context.Context, frame *jsonrpc2.Frame) error {
	data, err := jsonrpc2.EncodeMessage(frame)
	if err != nil {
		return err
	}
	data = append(data, '\n')
	f.writeMu.Lock()
	defer f.writeMu.Unlock()
	_, err = f.rwc.Write(data)
	return err
}

func (f *lineFramer) Close() error {
	return f.rwc.Close()
}

func isTokenTooLong(err error) bool {
	return err == bufio.ErrTooLong
}

// lengthPrefixedFramer implements the 4-byte big-endian length-prefixed
// framing used by the TCP and Unix socket transports (spec.md §4.A:
// "length-prefixed for TCP/Unix").
type lengthPrefixedFramer struct {
	rwc          io.ReadWriteCloser
	maxFrameSize uint32
	writeMu      sync.Mutex
}

func newLengthPrefixedFramer(rwc io.ReadWriteCloser, maxFrameSize int) *lengthPrefixedFramer {
	if maxFrameSize <= 0 {
		maxFrameSize = DefaultMaxFrameBytes
	}
	return &lengthPrefixedFramer{rwc: rwc, maxFrameSize: uint32(maxFrameSize)}
}

func (f *lengthPrefixedFramer) Recv(ctx context.Context) (*jsonrpc2.Frame, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(f.rwc, lenBuf[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(lenBuf[:])
	if n > f.maxFrameSize {
		return nil, fmt.Errorf("framing: frame of %d bytes exceeds max %d", n, f.maxFrameSize)
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(f.rwc, buf); err != nil {
		return nil, err
	}
	frame, err := jsonrpc2.DecodeMessage(buf)
	if err != nil {
		return nil, fmt.Errorf("framing: %w", err)
	}
	return frame, nil
}

func (f *lengthPrefixedFramer) Send(ctx context.Context, frame *jsonrpc2.Frame) error {
	data, err := jsonrpc2.EncodeMessage(frame)
	if err != nil {
		return err
	}
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(data)))
	f.writeMu.Lock()
	defer f.writeMu.Unlock()
	if _, err := f.rwc.Write(lenBuf[:]); err != nil {
		return err
	}
	_, err = f.rwc.Write(data)
	return err
}

func (f *lengthPrefixedFramer) Close() error {
	return f.rwc.Close()
}
