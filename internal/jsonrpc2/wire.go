// Copyright 2025 The Go MCP SDK Authors. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

// Package jsonrpc2 implements the RPC Multiplexer (spec.md §4.B): a single
// duplex point over which many concurrent call-sites send requests and
// receive responses, while the remote may send unsolicited requests and
// notifications on the same stream.
package jsonrpc2

import (
	"encoding/json"
	"errors"
	"fmt"

	segjson "github.com/segmentio/encoding/json"
)

// ID is a JSON-RPC request identifier: a string, an integer, or absent.
type ID struct {
	name  string
	num   int64
	isNum bool
	isSet bool
}

// NewNumberID constructs an integer ID, as used by the Multiplexer's
// monotonically increasing per-session outbound id generator.
func NewNumberID(n int64) ID { return ID{num: n, isNum: true, isSet: true} }

// NewStringID constructs a string ID, as used by server-assigned sampling
// and elicitation request ids.
func NewStringID(s string) ID { return ID{name: s, isSet: true} }

func (id ID) IsValid() bool { return id.isSet }

func (id ID) Raw() any {
	if !id.isSet {
		return nil
	}
	if id.isNum {
		return id.num
	}
	return id.name
}

func (id ID) String() string {
	if !id.isSet {
		return "<no id>"
	}
	if id.isNum {
		return fmt.Sprintf("%d", id.num)
	}
	return id.name
}

func (id ID) MarshalJSON() ([]byte, error) {
	if !id.isSet {
		return []byte("null"), nil
	}
	if id.isNum {
		return json.Marshal(id.num)
	}
	return json.Marshal(id.name)
}

func (id *ID) UnmarshalJSON(data []byte) error {
	var v any
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	switch x := v.(type) {
	case nil:
		*id = ID{}
	case string:
		*id = ID{name: x, isSet: true}
	case float64:
		*id = ID{num: int64(x), isNum: true, isSet: true}
	default:
		return fmt.Errorf("invalid id type %T", v)
	}
	return nil
}

// WireError is the JSON-RPC 2.0 error object, returned verbatim to callers
// per spec.md's RemoteError propagation policy: the engine never synthesizes
// server errors.
type WireError struct {
	Code    int64           `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

func (e *WireError) Error() string {
	return fmt.Sprintf("jsonrpc2: code %d: %s", e.Code, e.Message)
}

// Standard JSON-RPC 2.0 error codes.
const (
	CodeParseError     = -32700
	CodeInvalidRequest = -32600
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
	CodeInternalError  = -32603
)

// ErrMethodNotFound classifies handler-dispatch failures for no registered
// handler (spec.md §4.B inbound dispatch).
var ErrMethodNotFound = errors.New("method not found")

// Frame is the wire representation of a single JSON-RPC object: a call, a
// notification, or a response. Every Transport frame is exactly one Frame.
type Frame struct {
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	ID      *ID             `json:"id,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *WireError      `json:"error,omitempty"`
}

// wireEnvelope is the exact over-the-wire shape, including the mandatory
// "jsonrpc" version marker.
type wireEnvelope struct {
	JSONRPC string          `json:"jsonrpc"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	ID      *ID             `json:"id,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *WireError      `json:"error,omitempty"`
}

// IsCall reports whether f is an outbound-answerable call: it carries both a
// method and an id.
func (f *Frame) IsCall() bool { return f.Method != "" && f.ID != nil }

// IsNotification reports whether f carries a method but no id.
func (f *Frame) IsNotification() bool { return f.Method != "" && f.ID == nil }

// IsResponse reports whether f is a response to a previously sent call: it
// carries an id but no method.
func (f *Frame) IsResponse() bool { return f.Method == "" && f.ID != nil }

// EncodeMessage serializes f using segmentio/encoding's drop-in faster
// encoding/json, matching the teacher's own choice of codec for the wire
// (see go.mod: github.com/segmentio/encoding).
func EncodeMessage(f *Frame) ([]byte, error) {
	env := wireEnvelope{
		JSONRPC: "2.0",
		Method:  f.Method,
		Params:  f.Params,
		ID:      f.ID,
		Result:  f.Result,
		Error:   f.Error,
	}
	return segjson.Marshal(env)
}

// DecodeMessage parses a single complete JSON-RPC object out of data. A
// malformed object (not valid JSON, an object with a duplicated key, or
// missing required shape) is reported as an error; the caller classifies this
// as a Framing error per spec.md §7.
func DecodeMessage(data []byte) (*Frame, error) {
	if err := validateNoDuplicateKeys(data); err != nil {
		return nil, fmt.Errorf("decoding jsonrpc2 frame: %w", err)
	}
	var env wireEnvelope
	if err := segjson.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("decoding jsonrpc2 frame: %w", err)
	}
	if env.Method == "" && env.ID == nil {
		return nil, fmt.Errorf("decoding jsonrpc2 frame: neither method nor id present")
	}
	return &Frame{
		Method: env.Method,
		Params: env.Params,
		ID:     env.ID,
		Result: env.Result,
		Error:  env.Error,
	}, nil
}
