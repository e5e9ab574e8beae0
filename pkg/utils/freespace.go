// Copyright 2025 ZapFS Authors
// SPDX-License-Identifier: Apache-2.0

package utils

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/dustin/go-humanize"
)

type FreeSpaceType int

const (
	AsPercent FreeSpaceType = iota
	AsBytes
)

// FreeSpace is a reserve that must stay free on a disk, either absolute
// ("20GiB") or relative to capacity ("5" or "5%").
type FreeSpace struct {
	Type    FreeSpaceType
	Bytes   uint64
	Percent float32
	Raw     string
}

// ReservedBytes resolves the reserve against a disk of totalBytes.
func (s FreeSpace) ReservedBytes(totalBytes uint64) uint64 {
	switch s.Type {
	case AsPercent:
		return uint64(float64(totalBytes) * float64(s.Percent) / 100)
	case AsBytes:
		return s.Bytes
	}
	return 0
}

func (s FreeSpace) IsLow(freeBytes uint64, freePercent float32) (bool, string) {
	switch s.Type {
	case AsPercent:
		return freePercent < s.Percent, fmt.Sprintf("disk free percent %.2f%%, threshold %.2f%%", freePercent, s.Percent)
	case AsBytes:
		return freeBytes < s.Bytes, fmt.Sprintf("disk free %s, threshold %s", humanize.IBytes(freeBytes), humanize.IBytes(s.Bytes))
	}
	return false, ""
}

func (s FreeSpace) String() string {
	switch s.Type {
	case AsPercent:
		return fmt.Sprintf("%.2f%%", s.Percent)
	default:
		return s.Raw
	}
}

// ParseMinFreeSpace accepts "" (no reserve), a percentage ("5", "5%") or a
// humanized byte size ("512MiB", "20GB").
func ParseMinFreeSpace(s string) (*FreeSpace, error) {
	s = strings.TrimSpace(s)
	if s == "" || s == "0" {
		return &FreeSpace{Type: AsBytes, Raw: s}, nil
	}

	if percent, err := strconv.ParseFloat(strings.TrimSuffix(s, "%"), 32); err == nil {
		if percent < 0 || percent > 100 {
			return nil, fmt.Errorf("invalid percent value: %s", s)
		}
		return &FreeSpace{
			Type:    AsPercent,
			Percent: float32(percent),
			Raw:     s,
		}, nil
	}

	if bytes, err := humanize.ParseBytes(s); err == nil {
		if bytes <= 100 {
			return nil, fmt.Errorf("invalid byte value: %s", s)
		}
		return &FreeSpace{
			Type:  AsBytes,
			Bytes: bytes,
			Raw:   s,
		}, nil
	}

	return nil, errors.New("invalid min free space format")
}
