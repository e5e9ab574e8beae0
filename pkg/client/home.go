// Copyright 2025 ZapFS Authors
// SPDX-License-Identifier: Apache-2.0

package client

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"

	"github.com/LeeDigitalWorks/hlsferry/pkg/retry"
	"github.com/LeeDigitalWorks/hlsferry/pkg/transfer"
	"github.com/LeeDigitalWorks/hlsferry/pkg/types"
)

var _ transfer.Forwarder = (*Home)(nil)

// Home talks to a home node's transfer API. It also serves as the
// transfer.Forwarder when one home node hands a file on to another.
type Home struct {
	*Client
	base      string
	endpoints types.HandoffNotice
}

// NewHome creates a client for the home node at baseURL.
func NewHome(baseURL string, opts ...Option) *Home {
	return &Home{
		Client: newClient(opts),
		base:   baseURL,
		endpoints: types.HandoffNotice{
			UploadURL:   join(baseURL, "/chunk"),
			CompleteURL: join(baseURL, "/complete"),
			CancelURL:   join(baseURL, "/cancel"),
		},
	}
}

// WithHandoff returns a copy that uploads to the URLs of a hand-off notice.
func (h *Home) WithHandoff(n types.HandoffNotice) *Home {
	c := *h
	if n.UploadURL != "" {
		c.endpoints.UploadURL = n.UploadURL
	}
	if n.CompleteURL != "" {
		c.endpoints.CompleteURL = n.CompleteURL
	}
	if n.CancelURL != "" {
		c.endpoints.CancelURL = n.CancelURL
	}
	return &c
}

// CanAccept asks the home node whether it can take requiredMB. A positive
// answer means the node will call notifyURL once it is receiving.
func (h *Home) CanAccept(ctx context.Context, req types.CanAcceptRequest) (*types.CanAcceptResponse, error) {
	if req.OwnerID == "" {
		req.OwnerID = h.ownerID
	}
	var resp types.CanAcceptResponse
	if err := h.postJSON(ctx, join(h.base, "/can-accept"), req, &resp); err != nil {
		return nil, permanent(mapTransferError(err))
	}
	return &resp, nil
}

// SendChunk uploads one chunk.
func (h *Home) SendChunk(ctx context.Context, transferID string, index int, body io.Reader, size int64) error {
	headers := map[string]string{
		types.HeaderTransferID: transferID,
		types.HeaderChunkIndex: strconv.Itoa(index),
		types.HeaderOwnerID:    h.ownerID,
	}
	var resp types.ChunkResponse
	if err := h.upload(ctx, h.endpoints.UploadURL, body, size, headers, &resp); err != nil {
		return permanent(mapTransferError(err))
	}
	return nil
}

// Complete asks the home node to assemble the transfer. Missing chunks come
// back as *transfer.ChunkMissingError.
func (h *Home) Complete(ctx context.Context, transferID string, totalChunks int, meta transfer.FileMeta) error {
	req := types.CompleteRequest{
		TransferID:  transferID,
		TotalChunks: totalChunks,
		Filename:    meta.Filename,
		VideoID:     meta.VideoID,
	}
	var resp types.CompleteResponse
	if err := h.postJSON(ctx, h.endpoints.CompleteURL, req, &resp); err != nil {
		var se *StatusError
		if errors.As(err, &se) && len(se.Missing) > 0 {
			return retry.Stop(&transfer.ChunkMissingError{TransferID: transferID, Missing: se.Missing})
		}
		return permanent(mapTransferError(err))
	}
	return nil
}

// Cancel discards the transfer on the home node. It is idempotent there.
func (h *Home) Cancel(ctx context.Context, transferID string) error {
	return h.PostJSON(ctx, h.endpoints.CancelURL, types.CancelRequest{TransferID: transferID}, nil)
}

// Chunks lists the chunks the home node holds for a transfer.
func (h *Home) Chunks(ctx context.Context, transferID string) (*transfer.ChunkInfo, error) {
	var info transfer.ChunkInfo
	if err := h.GetJSON(ctx, join(h.base, "/chunks/"+url.PathEscape(transferID)), &info); err != nil {
		return nil, err
	}
	return &info, nil
}

// Mode returns the home node's current mode.
func (h *Home) Mode(ctx context.Context) (*types.ModeResponse, error) {
	var m types.ModeResponse
	if err := h.GetJSON(ctx, join(h.base, "/mode"), &m); err != nil {
		return nil, err
	}
	return &m, nil
}

// mapTransferError attaches the transfer sentinel matching an HTTP status.
func mapTransferError(err error) error {
	var se *StatusError
	if !errors.As(err, &se) {
		return err
	}
	switch se.StatusCode {
	case http.StatusTooManyRequests:
		return fmt.Errorf("%w: %w", transfer.ErrAdmissionDenied, err)
	case http.StatusConflict:
		return fmt.Errorf("%w: %w", transfer.ErrTransferClosed, err)
	}
	return err
}
