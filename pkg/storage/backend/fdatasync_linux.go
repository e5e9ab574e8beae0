// Copyright 2025 ZapFS Authors
// SPDX-License-Identifier: Apache-2.0

//go:build linux

package backend

import (
	"os"

	"golang.org/x/sys/unix"
)

// Fdatasync flushes file data without the atime/mtime metadata.
func Fdatasync(f *os.File) error {
	return unix.Fdatasync(int(f.Fd()))
}

// Fallocate preallocates disk space for a chunk so a full disk fails the
// write up front instead of midway. Unsupported filesystems return an error
// that callers ignore.
func Fallocate(f *os.File, size int64) error {
	return unix.Fallocate(int(f.Fd()), 0, 0, size)
}
