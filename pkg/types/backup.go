// Copyright 2025 ZapFS Authors
// SPDX-License-Identifier: Apache-2.0

package types

import "time"

type ReadyRequest struct {
	VideoID string `json:"videoId"`
}

// ReadyResponse carries the receiver's upload and completion links. Both are
// empty while the receiver is not ready.
type ReadyResponse struct {
	LinkToReceive        string `json:"linkToReceive"`
	LinkToNoticeComplete string `json:"linkToNoticeComplete"`
}

// Ready reports whether both links are present.
func (r *ReadyResponse) Ready() bool {
	return r.LinkToReceive != "" && r.LinkToNoticeComplete != ""
}

type ReceiveResponse struct {
	Status   string `json:"status"`
	Filename string `json:"filename"`
}

type BackupCompleteRequest struct {
	VideoID       string   `json:"videoId"`
	Status        string   `json:"status"`
	UploadedFiles []string `json:"uploadedFiles"`
}

type BackupCompleteResponse struct {
	MissingFiles []string `json:"missingFiles"`
}

type BackupCancelRequest struct {
	VideoID       string   `json:"videoId"`
	Reason        string   `json:"reason"`
	Error         string   `json:"error,omitempty"`
	FailedFiles   []string `json:"failedFiles"`
	UploadedFiles []string `json:"uploadedFiles"`
}

type BackupCancelResponse struct {
	DeletedFiles []string `json:"deletedFiles"`
}

// Manifest is the receiver's record of one video's backup.
type Manifest struct {
	VideoID       string     `json:"videoId,omitempty"`
	Received      []string   `json:"received"`
	Completed     bool       `json:"completed"`
	CompletedAt   *time.Time `json:"completedAt,omitempty"`
	Status        string     `json:"status,omitempty"`
	Message       string     `json:"message,omitempty"`
	UploadedFiles []string   `json:"uploadedFiles,omitempty"`
}

type JobCancelResponse struct {
	VideoID   string `json:"videoId"`
	Cancelled int    `json:"cancelled"`
	Running   bool   `json:"running"`
}

// BackupJobRequest queues a backup by hand on the home node.
type BackupJobRequest struct {
	VideoID string   `json:"videoId"`
	Dir     string   `json:"dir,omitempty"`
	Files   []string `json:"files,omitempty"`
}

type BackupJobResponse struct {
	VideoID string `json:"videoId"`
	TaskID  string `json:"taskId"`
	Created bool   `json:"created"`
}
