// Copyright 2025 ZapFS Authors
// SPDX-License-Identifier: Apache-2.0

package replication

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"slices"

	"github.com/LeeDigitalWorks/hlsferry/pkg/storage/backend"
	"github.com/LeeDigitalWorks/hlsferry/pkg/types"
)

// ManifestName is the per-video manifest file.
const ManifestName = "manifest.json"

// Manifest is the receiver's record of one video's backup.
type Manifest = types.Manifest

func manifestKey(videoID string) string {
	return videoID + "/" + ManifestName
}

// manifestStore reads and writes manifests in the receiver's backend.
// Callers serialize access per video.
type manifestStore struct {
	store backend.Storage
}

// load returns the manifest, or nil when the video has none.
func (m manifestStore) load(ctx context.Context, videoID string) (*Manifest, error) {
	r, err := m.store.Read(ctx, manifestKey(videoID))
	if errors.Is(err, backend.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	defer r.Close()

	data, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}
	var man Manifest
	if err := json.Unmarshal(data, &man); err != nil {
		return nil, fmt.Errorf("decode manifest %s: %w", videoID, err)
	}
	man.VideoID = videoID
	return &man, nil
}

func (m manifestStore) save(ctx context.Context, man *Manifest) error {
	if man.Received == nil {
		man.Received = []string{}
	}
	data, err := json.MarshalIndent(man, "", "  ")
	if err != nil {
		return err
	}
	return m.store.Write(ctx, manifestKey(man.VideoID), bytes.NewReader(data), int64(len(data)))
}

// addReceived adds name to the received set, keeping it sorted. It reports
// whether the set changed.
func addReceived(man *Manifest, name string) bool {
	i, found := slices.BinarySearch(man.Received, name)
	if found {
		return false
	}
	man.Received = slices.Insert(man.Received, i, name)
	return true
}

func removeReceived(man *Manifest, name string) {
	if i, found := slices.BinarySearch(man.Received, name); found {
		man.Received = slices.Delete(man.Received, i, i+1)
	}
}

// missingFrom returns the declared files absent from the manifest, in
// declaration order and without duplicates.
func missingFrom(man *Manifest, declared []string) []string {
	missing := []string{}
	seen := make(map[string]bool, len(declared))
	for _, name := range declared {
		if seen[name] {
			continue
		}
		seen[name] = true
		if _, found := slices.BinarySearch(man.Received, name); !found {
			missing = append(missing, name)
		}
	}
	return missing
}
