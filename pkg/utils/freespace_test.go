// Copyright 2025 ZapFS Authors
// SPDX-License-Identifier: Apache-2.0

package utils

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseMinFreeSpace(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in       string
		typ      FreeSpaceType
		reserved uint64 // against a 1000-byte disk
		wantErr  bool
	}{
		{in: "", typ: AsBytes, reserved: 0},
		{in: "10", typ: AsPercent, reserved: 100},
		{in: "2.5%", typ: AsPercent, reserved: 25},
		{in: "1KB", typ: AsBytes, reserved: 1000},
		{in: "1KiB", typ: AsBytes, reserved: 1024},
		{in: "101", typ: AsPercent, wantErr: true},
		{in: "50B", wantErr: true},
		{in: "lots", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			fs, err := ParseMinFreeSpace(tt.in)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.typ, fs.Type)
			assert.Equal(t, tt.reserved, fs.ReservedBytes(1000))
		})
	}
}

func TestFreeSpace_IsLow(t *testing.T) {
	t.Parallel()

	fs, err := ParseMinFreeSpace("1MiB")
	require.NoError(t, err)

	low, msg := fs.IsLow(512*1024, 50)
	assert.True(t, low)
	assert.Contains(t, msg, "threshold 1.0 MiB")

	low, _ = fs.IsLow(2<<20, 50)
	assert.False(t, low)
}
