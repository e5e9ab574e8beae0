// Copyright 2025 ZapFS Authors
// SPDX-License-Identifier: Apache-2.0

// Package types holds the JSON wire types shared by the node servers and
// their clients.
package types

// Request headers of the chunk and backup upload endpoints.
const (
	HeaderTransferID    = "transfer-id"
	HeaderChunkIndex    = "chunk-index"
	HeaderOwnerID       = "owner-id"
	HeaderContentSHA256 = "content-sha256"
	HeaderVideoID       = "videoid"
	HeaderFilename      = "filename"
)

// DefaultOwnerID is used when a chunk request carries no owner header.
const DefaultOwnerID = "anonymous"

// CanAcceptRequest asks the home node to take a transfer of RequiredSpaceMB.
type CanAcceptRequest struct {
	RequiredSpaceMB int64  `json:"requiredSpaceMB"`
	NotifyURL       string `json:"notifyUrl"`
	TransferID      string `json:"transferId"`
	OwnerID         string `json:"ownerId"`
}

type CanAcceptResponse struct {
	CanAccept bool   `json:"canAccept"`
	FreeMB    int64  `json:"freeMB"`
	Message   string `json:"message,omitempty"`
}

// HandoffNotice is posted to the capture node's notifyUrl once the home node
// switched to receiving.
type HandoffNotice struct {
	TransferID  string `json:"transferId"`
	UploadURL   string `json:"uploadUrl"`
	CompleteURL string `json:"completeUrl"`
	CancelURL   string `json:"cancelUrl"`
}

type ChunkResponse struct {
	Message    string `json:"message"`
	ChunkIndex int    `json:"chunkIndex"`
}

type CompleteRequest struct {
	TransferID  string `json:"transferId"`
	TotalChunks int    `json:"totalChunks"`
	Filename    string `json:"filename"`
	VideoID     string `json:"videoId,omitempty"`
}

type CompleteResponse struct {
	Status     string `json:"status"`
	TransferID string `json:"transferId"`
}

type CancelRequest struct {
	TransferID string `json:"transferId"`
}

type MessageResponse struct {
	Message string `json:"message"`
}

// ErrorResponse is the body of every non-2xx reply. Missing lists absent
// chunk indices on an incomplete transfer.
type ErrorResponse struct {
	Error   string `json:"error"`
	Missing []int  `json:"missing,omitempty"`
}

// ModeResponse reports the home node's mode.
type ModeResponse struct {
	State         string `json:"state"`
	ActiveReaders int    `json:"activeReaders"`
	DrainPending  bool   `json:"drainPending"`
}
