// Copyright 2025 The Go MCP SDK Authors. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

package transport

import (
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestScanEventsParsesIDAndMultilineData(t *testing.T) {
	raw := "id: 1\n" +
		"data: {\"jsonrpc\":\n" +
		"data: \"2.0\"}\n" +
		"\n" +
		"id: 2\n" +
		"data: {\"other\":true}\n" +
		"\n"

	var got []sseEvent
	for evt, err := range scanEvents(strings.NewReader(raw)) {
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		got = append(got, evt)
	}

	require.Len(t, got, 2)
	require.Equal(t, "1", got[0].id)
	require.Equal(t, "{\"jsonrpc\":\n\"2.0\"}", string(got[0].data))
	require.Equal(t, "2", got[1].id)
	require.Equal(t, `{"other":true}`, string(got[1].data))
}

func TestScanEventsIgnoresCommentLines(t *testing.T) {
	raw := ": keep-alive\n" +
		"data: ping\n" +
		"\n"

	var got []sseEvent
	for evt, err := range scanEvents(strings.NewReader(raw)) {
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		got = append(got, evt)
	}

	require.Len(t, got, 1)
	require.Equal(t, "ping", string(got[0].data))
}
