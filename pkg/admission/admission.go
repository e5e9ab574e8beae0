// Copyright 2025 ZapFS Authors
// SPDX-License-Identifier: Apache-2.0

// Package admission decides whether a node has room for an incoming transfer.
package admission

import (
	"github.com/LeeDigitalWorks/hlsferry/pkg/logger"
	"github.com/LeeDigitalWorks/hlsferry/pkg/utils"

	"github.com/dustin/go-humanize"
)

// Usage is the capacity of the filesystem holding a path.
type Usage struct {
	Total uint64
	Free  uint64
}

// Prober reports filesystem usage for a path.
type Prober func(path string) (Usage, error)

// Decision is the answer to a can-accept query.
type Decision struct {
	OK     bool  `json:"canAccept"`
	FreeMB int64 `json:"freeMB"`
}

type Option func(*Controller)

// WithReserve keeps reserve free on top of every request.
func WithReserve(reserve *utils.FreeSpace) Option {
	return func(c *Controller) { c.reserve = reserve }
}

// WithProber replaces the platform probe.
func WithProber(p Prober) Option {
	return func(c *Controller) { c.probe = p }
}

// Controller answers can-accept queries for one storage root.
type Controller struct {
	path    string
	reserve *utils.FreeSpace
	probe   Prober
}

func New(path string, opts ...Option) *Controller {
	c := &Controller{path: path, probe: DiskUsage}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// CanAccept reports whether requiredMB fits on the disk after the reserve.
// A failed probe refuses.
func (c *Controller) CanAccept(requiredMB int64) Decision {
	usage, err := c.probe(c.path)
	if err != nil {
		ProbeErrors.Inc()
		Decisions.WithLabelValues("refused").Inc()
		logger.Warn().Err(err).Str("path", c.path).Msg("Free space probe failed, refusing transfer")
		return Decision{OK: false}
	}

	free := usage.Free
	if c.reserve != nil {
		reserved := c.reserve.ReservedBytes(usage.Total)
		if reserved >= free {
			free = 0
		} else {
			free -= reserved
		}
	}
	FreeBytes.Set(float64(free))

	freeMB := int64(free / humanize.MiByte)
	ok := max(requiredMB, 0) <= freeMB
	if ok {
		Decisions.WithLabelValues("accepted").Inc()
	} else {
		Decisions.WithLabelValues("refused").Inc()
		logger.Info().
			Int64("required_mb", requiredMB).
			Str("available", humanize.IBytes(free)).
			Msg("Not enough free space for transfer")
	}
	return Decision{OK: ok, FreeMB: freeMB}
}
