// Copyright 2025 The Go MCP SDK Authors. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

package jsonrpc2

import (
	"encoding/json"

	segjson "github.com/segmentio/encoding/json"
)

// marshalResult encodes v (params or a result) to a raw JSON value. A nil v
// (e.g. a notification with no params) marshals to nil, not "null", so that
// Frame.Params / Frame.Result are correctly omitted on the wire.
func marshalResult(v any) (json.RawMessage, error) {
	if v == nil {
		return nil, nil
	}
	if raw, ok := v.(json.RawMessage); ok {
		return raw, nil
	}
	return segjson.Marshal(v)
}

func unmarshalResult(raw json.RawMessage, v any) error {
	if len(raw) == 0 {
		return nil
	}
	return segjson.Unmarshal(raw, v)
}
