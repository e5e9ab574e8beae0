// Copyright 2025 ZapFS Authors
// SPDX-License-Identifier: Apache-2.0

package node

import (
	"errors"
	"net/http"

	"github.com/LeeDigitalWorks/hlsferry/pkg/logger"
	"github.com/LeeDigitalWorks/hlsferry/pkg/replication"
	"github.com/LeeDigitalWorks/hlsferry/pkg/types"
)

// DefaultMaxFileBytes bounds a single backed-up file.
const DefaultMaxFileBytes = 4 << 30

// BackupServer serves the backup node's /backup API.
type BackupServer struct {
	receiver     *replication.Receiver
	maxFileBytes int64
	mux          *http.ServeMux
}

func NewBackupServer(receiver *replication.Receiver, maxFileBytes int64) *BackupServer {
	if maxFileBytes <= 0 {
		maxFileBytes = DefaultMaxFileBytes
	}
	s := &BackupServer{receiver: receiver, maxFileBytes: maxFileBytes, mux: http.NewServeMux()}
	s.mux.Handle("POST /backup/ready", handlerFunc("backup_ready", s.ready))
	s.mux.Handle("POST /backup/receive", handlerFunc("backup_receive", s.receive))
	s.mux.Handle("POST /backup/complete", handlerFunc("backup_complete", s.complete))
	s.mux.Handle("POST /backup/cancel", handlerFunc("backup_cancel", s.cancel))
	s.mux.Handle("GET /backup/manifest/{videoId}", handlerFunc("backup_manifest", s.manifest))
	return s
}

func (s *BackupServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

// ready answers with empty links while the node cannot take the backup;
// senders keep polling until both links are present.
func (s *BackupServer) ready(w http.ResponseWriter, r *http.Request) {
	var req types.ReadyRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	links, err := s.receiver.Ready(r.Context(), req.VideoID)
	if errors.Is(err, replication.ErrNotReady) {
		writeJSON(w, http.StatusOK, types.ReadyResponse{})
		return
	}
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, links)
}

func (s *BackupServer) receive(w http.ResponseWriter, r *http.Request) {
	videoID := r.Header.Get(types.HeaderVideoID)
	filename := r.Header.Get(types.HeaderFilename)
	if videoID == "" || filename == "" {
		writeError(w, r, badRequest("%s and %s headers are required", types.HeaderVideoID, types.HeaderFilename))
		return
	}

	body := http.MaxBytesReader(w, r.Body, s.maxFileBytes)
	err := s.receiver.Receive(r.Context(), videoID, filename, body, r.ContentLength, r.Header.Get(types.HeaderContentSHA256))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, types.ReceiveResponse{Status: "received", Filename: filename})
}

func (s *BackupServer) complete(w http.ResponseWriter, r *http.Request) {
	var req types.BackupCompleteRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	missing, err := s.receiver.Complete(r.Context(), req)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, types.BackupCompleteResponse{MissingFiles: missing})
}

func (s *BackupServer) cancel(w http.ResponseWriter, r *http.Request) {
	var req types.BackupCancelRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	deleted, err := s.receiver.Cancel(r.Context(), req)
	if err != nil {
		writeError(w, r, err)
		return
	}
	logger.Info().Str("video_id", req.VideoID).Int("deleted", len(deleted)).Msg("Backup deleted on sender request")
	writeJSON(w, http.StatusOK, types.BackupCancelResponse{DeletedFiles: deleted})
}

func (s *BackupServer) manifest(w http.ResponseWriter, r *http.Request) {
	man, err := s.receiver.Manifest(r.Context(), r.PathValue("videoId"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, man)
}
