// Copyright 2025 ZapFS Authors
// SPDX-License-Identifier: Apache-2.0

package utils

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSafeName(t *testing.T) {
	t.Parallel()

	for _, ok := range []string{"segment_001.ts", "master.m3u8", "a..b.ts"} {
		assert.NoError(t, SafeName(ok), ok)
	}
	for _, bad := range []string{"", ".", "..", "../etc/passwd", "a/b.ts", `a\b.ts`} {
		assert.ErrorIs(t, SafeName(bad), ErrUnsafeName, bad)
	}
}

func TestEnsureWritableDir(t *testing.T) {
	t.Parallel()

	dir := filepath.Join(t.TempDir(), "a", "b")
	require.NoError(t, EnsureWritableDir(dir))
	assert.DirExists(t, dir)
}
