// Copyright 2025 The Go MCP SDK Authors. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

package studioerr

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestErrorsIsMatchesByKindNotMessage(t *testing.T) {
	err := New(KindTimeout, "call_tool exceeded 30s")
	require.True(t, errors.Is(err, Of(KindTimeout)))
	require.False(t, errors.Is(err, Of(KindDisconnected)))
}

func TestWrapPreservesCauseForUnwrap(t *testing.T) {
	cause := errors.New("broken pipe")
	err := Wrap(KindSpawnFailed, cause, "starting child process")
	require.ErrorIs(t, err, cause)

	kind, ok := KindOf(err)
	require.True(t, ok)
	require.Equal(t, KindSpawnFailed, kind)
}

func TestKindOfFalseForPlainError(t *testing.T) {
	_, ok := KindOf(errors.New("plain"))
	require.False(t, ok)
}
