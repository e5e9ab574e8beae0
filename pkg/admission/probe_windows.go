// Copyright 2025 ZapFS Authors
// SPDX-License-Identifier: Apache-2.0

//go:build windows

package admission

import (
	"golang.org/x/sys/windows"
)

// DiskUsage reports the space available to the calling user under path.
func DiskUsage(path string) (Usage, error) {
	p, err := windows.UTF16PtrFromString(path)
	if err != nil {
		return Usage{}, err
	}
	var avail, total, free uint64
	if err := windows.GetDiskFreeSpaceEx(p, &avail, &total, &free); err != nil {
		return Usage{}, err
	}
	return Usage{Total: total, Free: avail}, nil
}
