// Copyright 2025 ZapFS Authors
// SPDX-License-Identifier: Apache-2.0

package replication

import (
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/LeeDigitalWorks/hlsferry/pkg/taskqueue"
	"github.com/LeeDigitalWorks/hlsferry/pkg/utils"
)

// DefaultExtensions are the file types a backup carries.
var DefaultExtensions = []string{".m3u8", ".ts", ".m4s", ".mp4", ".vtt", ".key", ".jpg", ".png", ".json"}

// BackupPayload is the queued description of one video's backup. The retry
// count lives on the task itself.
type BackupPayload struct {
	VideoID string `json:"videoId"`

	// Dir is the local directory holding the HLS output.
	Dir string `json:"dir"`

	// Files are names relative to Dir. Empty means every file in Dir with an
	// allowed extension.
	Files []string `json:"files,omitempty"`

	// ReadyURL overrides the receiver's readiness endpoint.
	ReadyURL string `json:"readyUrl,omitempty"`
}

// Validate checks the fields a job cannot run without.
func (p *BackupPayload) Validate() error {
	if p.VideoID == "" {
		return fmt.Errorf("%w: videoId is required", ErrInvalidPayload)
	}
	if err := utils.SafeName(p.VideoID); err != nil {
		return fmt.Errorf("%w: videoId %q: %w", ErrInvalidPayload, p.VideoID, err)
	}
	if p.Dir == "" {
		return fmt.Errorf("%w: dir is required", ErrInvalidPayload)
	}
	for _, f := range p.Files {
		if err := utils.SafeName(f); err != nil {
			return fmt.Errorf("%w: file %q: %w", ErrInvalidPayload, f, err)
		}
	}
	return nil
}

// resolveFiles returns the files to push, checking that Dir exists.
func (p *BackupPayload) resolveFiles(extensions []string) ([]string, error) {
	info, err := os.Stat(p.Dir)
	if err != nil || !info.IsDir() {
		return nil, fmt.Errorf("%w: %s", ErrSourceMissing, p.Dir)
	}
	if len(p.Files) > 0 {
		return p.Files, nil
	}

	entries, err := os.ReadDir(p.Dir)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrSourceMissing, err)
	}
	var files []string
	for _, e := range entries {
		if e.Type().IsRegular() && allowedExtension(e.Name(), extensions) {
			files = append(files, e.Name())
		}
	}
	if len(files) == 0 {
		return nil, fmt.Errorf("%w: no files in %s", ErrSourceMissing, p.Dir)
	}
	return files, nil
}

func (p *BackupPayload) path(name string) string {
	return filepath.Join(p.Dir, name)
}

func allowedExtension(name string, extensions []string) bool {
	return slices.Contains(extensions, strings.ToLower(filepath.Ext(name)))
}

// NewBackupTask creates the queue task for a payload.
func NewBackupTask(p BackupPayload, maxRetries int) (*taskqueue.Task, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}
	data, err := taskqueue.MarshalPayload(p)
	if err != nil {
		return nil, err
	}
	return &taskqueue.Task{
		Type:       taskqueue.TaskTypeBackup,
		Priority:   taskqueue.PriorityNormal,
		Key:        p.VideoID,
		Payload:    data,
		MaxRetries: maxRetries,
	}, nil
}
