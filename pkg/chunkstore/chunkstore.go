// Copyright 2025 ZapFS Authors
// SPDX-License-Identifier: Apache-2.0

// Package chunkstore keeps the chunks of open transfers, keyed by
// (transferID, index), on a backend.Storage under "<transferID>/<index>".
package chunkstore

import (
	"context"
	"encoding/hex"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"

	"github.com/LeeDigitalWorks/hlsferry/pkg/storage/backend"
	"github.com/LeeDigitalWorks/hlsferry/pkg/utils"

	"github.com/minio/sha256-simd"
)

// Chunk describes one stored chunk. Digest is the hex sha256 of the bytes and
// is only known for chunks written by this process.
type Chunk struct {
	TransferID string `json:"-"`
	Index      int    `json:"index"`
	Size       int64  `json:"size"`
	Digest     string `json:"-"`
}

// Store is safe for concurrent use. Writes for distinct keys run in
// parallel; a racing write of the same key leaves one complete copy.
type Store struct {
	backend backend.Storage
}

func New(b backend.Storage) *Store {
	return &Store{backend: b}
}

// Backend returns the storage the chunks are written to.
func (s *Store) Backend() backend.Storage {
	return s.backend
}

func key(transferID string, index int) string {
	return transferID + "/" + strconv.Itoa(index)
}

func validate(transferID string, index int) error {
	if err := utils.SafeName(transferID); err != nil {
		return fmt.Errorf("transfer id %q: %w", transferID, err)
	}
	if index < 0 {
		return fmt.Errorf("chunk index %d: must not be negative", index)
	}
	return nil
}

// Put stores a chunk unless that index already exists, in which case the
// stored chunk is left untouched and written is false.
func (s *Store) Put(ctx context.Context, transferID string, index int, r io.Reader, size int64) (c Chunk, written bool, err error) {
	if err := validate(transferID, index); err != nil {
		return Chunk{}, false, err
	}

	k := key(transferID, index)
	exists, err := s.backend.Exists(ctx, k)
	if err != nil {
		return Chunk{}, false, fmt.Errorf("check chunk %s: %w", k, err)
	}
	if exists {
		n, err := s.backend.Size(ctx, k)
		if err != nil {
			return Chunk{}, false, fmt.Errorf("stat chunk %s: %w", k, err)
		}
		ChunksDeduplicated.Inc()
		return Chunk{TransferID: transferID, Index: index, Size: n}, false, nil
	}

	h := sha256.New()
	cr := &countingReader{r: io.TeeReader(r, h)}
	if err := s.backend.Write(ctx, k, cr, size); err != nil {
		return Chunk{}, false, fmt.Errorf("write chunk %s: %w", k, err)
	}

	ChunksWritten.Inc()
	ChunkBytesWritten.Add(float64(cr.n))
	return Chunk{
		TransferID: transferID,
		Index:      index,
		Size:       cr.n,
		Digest:     hex.EncodeToString(h.Sum(nil)),
	}, true, nil
}

func (s *Store) Exists(ctx context.Context, transferID string, index int) (bool, error) {
	if err := validate(transferID, index); err != nil {
		return false, err
	}
	return s.backend.Exists(ctx, key(transferID, index))
}

// Open returns a reader over a stored chunk.
func (s *Store) Open(ctx context.Context, transferID string, index int) (io.ReadCloser, error) {
	if err := validate(transferID, index); err != nil {
		return nil, err
	}
	return s.backend.Read(ctx, key(transferID, index))
}

// List returns the stored chunks of a transfer sorted by index. Keys that are
// not chunk indices are ignored.
func (s *Store) List(ctx context.Context, transferID string) ([]Chunk, error) {
	if err := utils.SafeName(transferID); err != nil {
		return nil, fmt.Errorf("transfer id %q: %w", transferID, err)
	}

	prefix := transferID + "/"
	objs, err := s.backend.List(ctx, prefix)
	if err != nil {
		return nil, fmt.Errorf("list chunks of %s: %w", transferID, err)
	}

	chunks := make([]Chunk, 0, len(objs))
	for _, o := range objs {
		name := strings.TrimPrefix(o.Key, prefix)
		idx, err := strconv.Atoi(name)
		if err != nil || idx < 0 {
			continue
		}
		chunks = append(chunks, Chunk{TransferID: transferID, Index: idx, Size: o.Size})
	}
	sort.Slice(chunks, func(i, j int) bool { return chunks[i].Index < chunks[j].Index })
	return chunks, nil
}

// DeleteAll removes every chunk of a transfer. Unknown transfers are a no-op.
func (s *Store) DeleteAll(ctx context.Context, transferID string) error {
	if err := utils.SafeName(transferID); err != nil {
		return fmt.Errorf("transfer id %q: %w", transferID, err)
	}
	return s.backend.DeletePrefix(ctx, transferID+"/")
}

// Transfers returns the ids that currently have chunks stored.
func (s *Store) Transfers(ctx context.Context) ([]string, error) {
	objs, err := s.backend.List(ctx, "")
	if err != nil {
		return nil, err
	}
	var ids []string
	seen := make(map[string]struct{})
	for _, o := range objs {
		id, _, ok := strings.Cut(o.Key, "/")
		if !ok {
			continue
		}
		if _, dup := seen[id]; !dup {
			seen[id] = struct{}{}
			ids = append(ids, id)
		}
	}
	return ids, nil
}

type countingReader struct {
	r io.Reader
	n int64
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n += int64(n)
	return n, err
}
