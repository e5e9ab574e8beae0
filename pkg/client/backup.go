// Copyright 2025 ZapFS Authors
// SPDX-License-Identifier: Apache-2.0

package client

import (
	"context"
	"encoding/hex"
	"io"
	"net/url"
	"os"

	"github.com/LeeDigitalWorks/hlsferry/pkg/types"

	"github.com/minio/sha256-simd"
)

// Backup talks to a backup node's /backup API.
type Backup struct {
	*Client
	base string
}

// NewBackup creates a client for the backup node at baseURL.
func NewBackup(baseURL string, opts ...Option) *Backup {
	return &Backup{Client: newClient(opts), base: baseURL}
}

// ReadyURL is the readiness endpoint polled by senders.
func (b *Backup) ReadyURL() string {
	return join(b.base, "/backup/ready")
}

// Ready asks readyURL (the backup node's readiness endpoint unless the job
// names another) for upload links.
func (b *Backup) Ready(ctx context.Context, readyURL, videoID string) (*types.ReadyResponse, error) {
	if readyURL == "" {
		readyURL = b.ReadyURL()
	}
	var resp types.ReadyResponse
	if err := b.PostJSON(ctx, readyURL, types.ReadyRequest{VideoID: videoID}, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Receive uploads one file to link. digest is the hex sha256 of the body; the
// receiver rejects the file when it does not match.
func (b *Backup) Receive(ctx context.Context, link, videoID, filename string, body io.Reader, size int64, digest string) error {
	headers := map[string]string{
		types.HeaderVideoID:       videoID,
		types.HeaderFilename:      filename,
		types.HeaderContentSHA256: digest,
	}
	var resp types.ReceiveResponse
	return permanent(b.upload(ctx, link, body, size, headers, &resp))
}

// Complete reports the uploaded files to link and returns the files the
// receiver is still missing.
func (b *Backup) Complete(ctx context.Context, link string, req types.BackupCompleteRequest) ([]string, error) {
	var resp types.BackupCompleteResponse
	if err := b.PostJSON(ctx, link, req, &resp); err != nil {
		return nil, err
	}
	return resp.MissingFiles, nil
}

// Cancel asks the backup node to delete everything it holds for the video.
func (b *Backup) Cancel(ctx context.Context, req types.BackupCancelRequest) ([]string, error) {
	var resp types.BackupCancelResponse
	if err := b.PostJSON(ctx, join(b.base, "/backup/cancel"), req, &resp); err != nil {
		return nil, err
	}
	return resp.DeletedFiles, nil
}

// Manifest fetches the receiver's manifest for a video.
func (b *Backup) Manifest(ctx context.Context, videoID string) (*types.Manifest, error) {
	var m types.Manifest
	if err := b.GetJSON(ctx, join(b.base, "/backup/manifest/"+url.PathEscape(videoID)), &m); err != nil {
		return nil, err
	}
	return &m, nil
}

// FileDigest returns the hex sha256 and size of a local file.
func FileDigest(path string) (string, int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", 0, err
	}
	defer f.Close()

	h := sha256.New()
	n, err := io.Copy(h, f)
	if err != nil {
		return "", 0, err
	}
	return hex.EncodeToString(h.Sum(nil)), n, nil
}
