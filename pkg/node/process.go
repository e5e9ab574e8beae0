// Copyright 2025 ZapFS Authors
// SPDX-License-Identifier: Apache-2.0

package node

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/LeeDigitalWorks/hlsferry/pkg/logger"
	"github.com/LeeDigitalWorks/hlsferry/pkg/replication"
	"github.com/LeeDigitalWorks/hlsferry/pkg/transfer"
	"github.com/LeeDigitalWorks/hlsferry/pkg/types"

	"github.com/dustin/go-humanize"
)

// ProcessJob describes one merged upload handed to a Processor.
type ProcessJob struct {
	TransferID string
	VideoID    string
	Filename   string

	// Input is the merged file. The processor may move or delete it.
	Input string

	// OutputDir is where the HLS output for VideoID belongs.
	OutputDir string
}

// ProcessResult names the output to back up. Empty Files means every file
// in Dir with an allowed extension.
type ProcessResult struct {
	Dir   string
	Files []string
}

// Processor turns a merged upload into servable output.
type Processor interface {
	Process(ctx context.Context, job ProcessJob) (*ProcessResult, error)
}

// PassthroughProcessor moves the merged file into the output directory
// unchanged.
type PassthroughProcessor struct{}

func (PassthroughProcessor) Process(ctx context.Context, job ProcessJob) (*ProcessResult, error) {
	if err := os.MkdirAll(job.OutputDir, 0o755); err != nil {
		return nil, err
	}
	dst := filepath.Join(job.OutputDir, job.Filename)
	if err := moveFile(job.Input, dst); err != nil {
		return nil, fmt.Errorf("move %s: %w", job.Filename, err)
	}
	return &ProcessResult{Dir: job.OutputDir, Files: []string{job.Filename}}, nil
}

// CommandProcessor runs an external command, typically a transcoder, that
// writes HLS output into the output directory. Arguments may reference
// {input}, {output}, {video} and {filename}; the same values are exported as
// HLSFERRY_INPUT, HLSFERRY_OUTPUT, HLSFERRY_VIDEO_ID and HLSFERRY_FILENAME.
type CommandProcessor struct {
	Command string
	Args    []string
	Timeout time.Duration
}

func (p *CommandProcessor) Process(ctx context.Context, job ProcessJob) (*ProcessResult, error) {
	if p.Command == "" {
		return nil, errors.New("processor command not configured")
	}
	if err := os.MkdirAll(job.OutputDir, 0o755); err != nil {
		return nil, err
	}
	if p.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.Timeout)
		defer cancel()
	}

	expand := strings.NewReplacer(
		"{input}", job.Input,
		"{output}", job.OutputDir,
		"{video}", job.VideoID,
		"{filename}", job.Filename,
	)
	args := make([]string, len(p.Args))
	for i, a := range p.Args {
		args[i] = expand.Replace(a)
	}

	var out bytes.Buffer
	cmd := exec.CommandContext(ctx, p.Command, args...)
	cmd.Stdout = &out
	cmd.Stderr = &out
	cmd.Env = append(os.Environ(),
		"HLSFERRY_INPUT="+job.Input,
		"HLSFERRY_OUTPUT="+job.OutputDir,
		"HLSFERRY_VIDEO_ID="+job.VideoID,
		"HLSFERRY_FILENAME="+job.Filename,
	)

	start := time.Now()
	if err := cmd.Run(); err != nil {
		logger.Error().Err(err).Str("video_id", job.VideoID).Str("output", tail(out.String(), 2048)).Msg("Processor command failed")
		return nil, fmt.Errorf("processor %s: %w", p.Command, err)
	}
	logger.Info().Str("video_id", job.VideoID).Dur("elapsed", time.Since(start)).Msg("Processor command finished")

	if err := os.Remove(job.Input); err != nil && !errors.Is(err, os.ErrNotExist) {
		logger.Warn().Err(err).Str("input", job.Input).Msg("Failed to remove processed input")
	}
	return &ProcessResult{Dir: job.OutputDir}, nil
}

func tail(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[len(s)-n:]
}

// moveFile renames src to dst, copying when they are on different devices.
func moveFile(src, dst string) error {
	if err := os.Rename(src, dst); err == nil {
		return nil
	}

	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	tmp := dst + ".tmp"
	out, err := os.Create(tmp)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		os.Remove(tmp)
		return err
	}
	if err := out.Close(); err != nil {
		os.Remove(tmp)
		return err
	}
	if err := os.Rename(tmp, dst); err != nil {
		return err
	}
	return os.Remove(src)
}

// process runs the post-receive pipeline of a completed transfer: merge,
// processor, optional forward, chunk release, then the backup enqueue. The
// node returns to Streaming before the backup is queued, on every path.
func (h *Home) process(ctx context.Context, handle *transfer.Handle, req types.CompleteRequest) {
	id := handle.TransferID()
	res, err := h.runPipeline(ctx, handle, req)
	handle.Release(ctx)
	h.finish(id)
	if err != nil {
		ProcessingTotal.WithLabelValues("failed").Inc()
		logger.Error().Err(err).Str("transfer_id", id).Str("video_id", req.VideoID).Msg("Post-receive processing failed")
		return
	}
	ProcessingTotal.WithLabelValues("success").Inc()

	if h.cfg.Backup == nil || res == nil || res.Dir == "" {
		return
	}
	if _, _, err := h.cfg.Backup.Enqueue(ctx, replication.BackupPayload{
		VideoID: req.VideoID,
		Dir:     res.Dir,
		Files:   res.Files,
	}); err != nil {
		logger.Error().Err(err).Str("video_id", req.VideoID).Msg("Failed to queue backup")
	}
}

func (h *Home) runPipeline(ctx context.Context, handle *transfer.Handle, req types.CompleteRequest) (*ProcessResult, error) {
	id := handle.TransferID()
	work := filepath.Join(h.cfg.WorkDir, id)
	if err := os.MkdirAll(work, 0o755); err != nil {
		return nil, err
	}
	defer os.RemoveAll(work)

	input := filepath.Join(work, req.Filename)
	f, err := os.Create(input)
	if err != nil {
		return nil, err
	}
	n, err := handle.Merge(ctx, f)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return nil, fmt.Errorf("merge %s: %w", id, err)
	}
	logger.Info().Str("transfer_id", id).Str("size", humanize.IBytes(uint64(n))).Msg("Transfer merged")

	res, err := h.cfg.Processor.Process(ctx, ProcessJob{
		TransferID: id,
		VideoID:    req.VideoID,
		Filename:   req.Filename,
		Input:      input,
		OutputDir:  filepath.Join(h.cfg.HLSDir, req.VideoID),
	})
	if err != nil {
		return nil, err
	}

	if h.cfg.Forwarder != nil {
		if err := handle.Forward(ctx, h.cfg.Forwarder); err != nil {
			return nil, err
		}
	}
	return res, nil
}
