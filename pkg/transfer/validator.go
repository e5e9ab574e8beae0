// Copyright 2025 ZapFS Authors
// SPDX-License-Identifier: Apache-2.0

package transfer

import (
	"fmt"
	"math"
	"slices"

	"github.com/dustin/go-humanize"
)

// ChunkValidator checks the size of every non-final chunk at completion.
// A nil validator disables the check.
type ChunkValidator interface {
	Validate(index int, size int64) error
}

// ChunkValidatorFunc adapts a function to ChunkValidator.
type ChunkValidatorFunc func(index int, size int64) error

func (f ChunkValidatorFunc) Validate(index int, size int64) error {
	return f(index, size)
}

// DefaultSizeClassesMB are the chunk sizes capture clients are expected to use.
var DefaultSizeClassesMB = []int{2, 4, 8, 16, 32, 64}

// SizeClassValidator accepts a chunk when its size rounded to whole MiB is one
// of the configured classes.
type SizeClassValidator struct {
	ClassesMB []int
}

func NewSizeClassValidator(classesMB ...int) *SizeClassValidator {
	if len(classesMB) == 0 {
		classesMB = DefaultSizeClassesMB
	}
	return &SizeClassValidator{ClassesMB: classesMB}
}

func (v *SizeClassValidator) Validate(index int, size int64) error {
	mb := int(math.Round(float64(size) / humanize.MiByte))
	if slices.Contains(v.ClassesMB, mb) {
		return nil
	}
	return fmt.Errorf("%w: chunk %d is %s, expected one of %v MiB",
		ErrInvalidChunkSize, index, humanize.IBytes(uint64(max(size, 0))), v.ClassesMB)
}
