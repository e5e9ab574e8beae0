// Copyright 2025 ZapFS Authors
// SPDX-License-Identifier: Apache-2.0

package utils

import (
	"context"
	"io"

	"golang.org/x/time/rate"
)

// NewByteLimiter returns a limiter admitting bytesPerSec, or nil for unlimited.
func NewByteLimiter(bytesPerSec int64) *rate.Limiter {
	if bytesPerSec <= 0 {
		return nil
	}
	burst := int(bytesPerSec)
	if burst > 4<<20 {
		burst = 4 << 20
	}
	return rate.NewLimiter(rate.Limit(bytesPerSec), burst)
}

type throttledReader struct {
	ctx     context.Context
	r       io.Reader
	limiter *rate.Limiter
}

// ThrottleReader paces reads from r through limiter. A nil limiter returns r.
func ThrottleReader(ctx context.Context, r io.Reader, limiter *rate.Limiter) io.Reader {
	if limiter == nil {
		return r
	}
	return &throttledReader{ctx: ctx, r: r, limiter: limiter}
}

func (t *throttledReader) Read(p []byte) (int, error) {
	if burst := t.limiter.Burst(); len(p) > burst {
		p = p[:burst]
	}
	n, err := t.r.Read(p)
	if n > 0 {
		if werr := t.limiter.WaitN(t.ctx, n); werr != nil {
			return n, werr
		}
	}
	return n, err
}
