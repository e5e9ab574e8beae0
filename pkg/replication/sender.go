// Copyright 2025 ZapFS Authors
// SPDX-License-Identifier: Apache-2.0

package replication

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"slices"
	"sync"
	"time"

	"github.com/LeeDigitalWorks/hlsferry/pkg/client"
	"github.com/LeeDigitalWorks/hlsferry/pkg/events"
	"github.com/LeeDigitalWorks/hlsferry/pkg/logger"
	"github.com/LeeDigitalWorks/hlsferry/pkg/retry"
	"github.com/LeeDigitalWorks/hlsferry/pkg/taskqueue"
	"github.com/LeeDigitalWorks/hlsferry/pkg/types"
	"github.com/LeeDigitalWorks/hlsferry/pkg/utils"
)

// Remote is the receiver API the sender drives. *client.Backup implements it.
type Remote interface {
	Ready(ctx context.Context, readyURL, videoID string) (*types.ReadyResponse, error)
	Receive(ctx context.Context, link, videoID, filename string, body io.Reader, size int64, digest string) error
	Complete(ctx context.Context, link string, req types.BackupCompleteRequest) ([]string, error)
	Cancel(ctx context.Context, req types.BackupCancelRequest) ([]string, error)
}

var _ Remote = (*client.Backup)(nil)

// SenderConfig configures the push side.
type SenderConfig struct {
	Queue   taskqueue.Queue
	Remote  Remote
	Emitter *events.Emitter

	// PollInterval and PollAttempts bound the wait for receiver readiness.
	PollInterval time.Duration
	PollAttempts int

	// FileAttempts is the per-file upload budget, RetryInterval the pause
	// between attempts. Completion calls use the same budget.
	FileAttempts  int
	RetryInterval time.Duration

	// MaxReconcileRounds bounds the repair rounds after completion.
	MaxReconcileRounds int

	// JobRetries bounds how often a job is requeued on precondition failures.
	JobRetries int

	// Extensions is the allowlist used when a job lists no files.
	Extensions []string
}

// DefaultSenderConfig returns the documented defaults.
func DefaultSenderConfig() SenderConfig {
	return SenderConfig{
		PollInterval:       2 * time.Second,
		PollAttempts:       60,
		FileAttempts:       3,
		RetryInterval:      time.Second,
		MaxReconcileRounds: 5,
		JobRetries:         taskqueue.DefaultMaxRetries,
		Extensions:         DefaultExtensions,
	}
}

type runningJob struct {
	taskID string
	cancel context.CancelCauseFunc
}

var _ taskqueue.Handler = (*Sender)(nil)

// Sender enqueues backup jobs and is the taskqueue handler that runs them.
type Sender struct {
	cfg   SenderConfig
	locks utils.KeyedMutex

	mu      sync.Mutex
	running map[string]runningJob
}

// NewSender creates a sender. Zero config values take the defaults.
func NewSender(cfg SenderConfig) *Sender {
	def := DefaultSenderConfig()
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = def.PollInterval
	}
	if cfg.PollAttempts <= 0 {
		cfg.PollAttempts = def.PollAttempts
	}
	if cfg.FileAttempts <= 0 {
		cfg.FileAttempts = def.FileAttempts
	}
	if cfg.RetryInterval < 0 {
		cfg.RetryInterval = 0
	}
	if cfg.MaxReconcileRounds <= 0 {
		cfg.MaxReconcileRounds = def.MaxReconcileRounds
	}
	if cfg.JobRetries <= 0 {
		cfg.JobRetries = def.JobRetries
	}
	if len(cfg.Extensions) == 0 {
		cfg.Extensions = def.Extensions
	}
	return &Sender{cfg: cfg, running: make(map[string]runningJob)}
}

// Type returns the task type this handler processes.
func (s *Sender) Type() taskqueue.TaskType {
	return taskqueue.TaskTypeBackup
}

// Enqueue queues a backup job unless one for the same video is already
// pending or running, in which case that task is returned with created=false.
func (s *Sender) Enqueue(ctx context.Context, p BackupPayload) (task *taskqueue.Task, created bool, err error) {
	task, err = NewBackupTask(p, s.cfg.JobRetries)
	if err != nil {
		return nil, false, err
	}

	unlock := s.locks.Lock(p.VideoID)
	defer unlock()

	active, err := s.activeTasks(ctx, p.VideoID)
	if err != nil {
		return nil, false, err
	}
	if len(active) > 0 {
		JobsDeduplicated.Inc()
		logger.Info().Str("video_id", p.VideoID).Str("task_id", active[0].ID).Msg("Backup job already queued")
		return active[0], false, nil
	}

	if err := s.cfg.Queue.Enqueue(ctx, task); err != nil {
		return nil, false, fmt.Errorf("enqueue backup %s: %w", p.VideoID, err)
	}
	s.cfg.Emitter.EmitBackup(ctx, events.EventBackupEnqueued, p.VideoID, "pending", "")
	logger.Info().Str("video_id", p.VideoID).Str("task_id", task.ID).Msg("Backup job enqueued")
	return task, true, nil
}

func (s *Sender) activeTasks(ctx context.Context, videoID string) ([]*taskqueue.Task, error) {
	var active []*taskqueue.Task
	for _, st := range []taskqueue.TaskStatus{taskqueue.StatusRunning, taskqueue.StatusPending} {
		tasks, err := s.cfg.Queue.List(ctx, taskqueue.TaskFilter{Type: taskqueue.TaskTypeBackup, Key: videoID, Status: st})
		if err != nil {
			return nil, err
		}
		active = append(active, tasks...)
	}
	return active, nil
}

// CancelJob cancels every queued backup task of a video and stops a running
// push, whose retry loops return at once.
func (s *Sender) CancelJob(ctx context.Context, videoID string) (types.JobCancelResponse, error) {
	resp := types.JobCancelResponse{VideoID: videoID}

	unlock := s.locks.Lock(videoID)
	defer unlock()

	tasks, err := s.activeTasks(ctx, videoID)
	if err != nil {
		return resp, err
	}
	for _, t := range tasks {
		if err := s.cfg.Queue.Cancel(ctx, t.ID); err != nil && !errors.Is(err, taskqueue.ErrTaskNotFound) {
			return resp, err
		}
		resp.Cancelled++
	}

	s.mu.Lock()
	job, ok := s.running[videoID]
	s.mu.Unlock()
	if ok {
		job.cancel(ErrJobCancelled)
		resp.Running = true
	}

	logger.Info().Str("video_id", videoID).Int("cancelled", resp.Cancelled).Bool("running", resp.Running).Msg("Backup job cancel requested")
	return resp, nil
}

// track registers a running push so CancelJob can reach it.
func (s *Sender) track(ctx context.Context, videoID, taskID string) (context.Context, func(), error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if job, ok := s.running[videoID]; ok {
		return nil, nil, fmt.Errorf("backup of %s already running as task %s", videoID, job.taskID)
	}
	jobCtx, cancel := context.WithCancelCause(ctx)
	s.running[videoID] = runningJob{taskID: taskID, cancel: cancel}
	return jobCtx, func() {
		s.mu.Lock()
		delete(s.running, videoID)
		s.mu.Unlock()
		cancel(nil)
	}, nil
}

// Handle runs one backup job.
func (s *Sender) Handle(ctx context.Context, task *taskqueue.Task) error {
	p, err := taskqueue.UnmarshalPayload[BackupPayload](task.Payload)
	if err != nil {
		return taskqueue.Permanent(fmt.Errorf("%w: %w", ErrInvalidPayload, err))
	}

	// Precondition failures requeue this same task with backoff.
	if err := p.Validate(); err != nil {
		JobsTotal.WithLabelValues("requeued").Inc()
		logger.Warn().Err(err).Str("task_id", task.ID).Msg("Backup job precondition failed, requeueing")
		return err
	}
	files, err := p.resolveFiles(s.cfg.Extensions)
	if err != nil {
		JobsTotal.WithLabelValues("requeued").Inc()
		logger.Warn().Err(err).Str("video_id", p.VideoID).Str("task_id", task.ID).Msg("Backup job precondition failed, requeueing")
		return err
	}

	jobCtx, release, err := s.track(ctx, p.VideoID, task.ID)
	if err != nil {
		return err
	}
	defer release()

	start := time.Now()
	err = s.push(jobCtx, &p, files)
	result := resultOf(jobCtx, err)
	JobsTotal.WithLabelValues(result).Inc()

	switch result {
	case "success":
		s.cfg.Emitter.EmitBackup(ctx, events.EventBackupCompleted, p.VideoID, "completed", "")
		logger.Info().Str("video_id", p.VideoID).Int("files", len(files)).Dur("elapsed", time.Since(start)).Msg("Backup completed")
		return nil
	case "interrupted":
		logger.Warn().Err(err).Str("video_id", p.VideoID).Msg("Backup interrupted, will resume")
		return err
	case "cancelled":
		s.cfg.Emitter.EmitBackup(ctx, events.EventBackupCancelled, p.VideoID, "cancelled", "")
		logger.Info().Str("video_id", p.VideoID).Msg("Backup job cancelled")
		return taskqueue.Permanent(ErrJobCancelled)
	}

	s.cfg.Emitter.EmitBackup(ctx, events.EventBackupFailed, p.VideoID, result, err.Error())
	logger.Error().Err(err).Str("video_id", p.VideoID).Str("result", result).Msg("Backup failed")
	return taskqueue.Permanent(err)
}

func resultOf(jobCtx context.Context, err error) string {
	switch {
	case err == nil:
		return "success"
	case errors.Is(context.Cause(jobCtx), ErrJobCancelled):
		return "cancelled"
	case jobCtx.Err() != nil:
		return "interrupted"
	case errors.Is(err, ErrTimeoutWaitingForReceiver):
		return "timeout"
	case errors.Is(err, ErrReconciliationRequired):
		return "reconciliation"
	default:
		return "transfer_failure"
	}
}

// push drives the protocol: wait for links, upload, complete, repair.
func (s *Sender) push(ctx context.Context, p *BackupPayload, files []string) error {
	links, err := s.waitReady(ctx, p)
	if err != nil {
		return err
	}

	var uploaded []string
	for _, name := range files {
		if err := s.uploadFile(ctx, links, p, name); err != nil {
			return s.abort(ctx, p, []string{name}, uploaded, fmt.Errorf("%w: %s: %w", ErrTransferFailure, name, err))
		}
		uploaded = append(uploaded, name)
	}

	for round := 0; ; round++ {
		missing, err := s.complete(ctx, links, p, uploaded)
		if err != nil {
			return s.abort(ctx, p, nil, uploaded, fmt.Errorf("%w: complete: %w", ErrTransferFailure, err))
		}
		if len(missing) == 0 {
			return nil
		}
		if round >= s.cfg.MaxReconcileRounds {
			return s.abort(ctx, p, missing, uploaded, fmt.Errorf("%w: %d files still missing after %d rounds", ErrReconciliationRequired, len(missing), round))
		}

		ReconcileRounds.Inc()
		logger.Warn().Str("video_id", p.VideoID).Strs("missing", missing).Int("round", round+1).Msg("Receiver reports missing files, re-uploading")
		for _, name := range missing {
			if !slices.Contains(files, name) {
				return s.abort(ctx, p, []string{name}, uploaded, fmt.Errorf("%w: receiver expects unknown file %s", ErrReconciliationRequired, name))
			}
			if err := s.uploadFile(ctx, links, p, name); err != nil {
				return s.abort(ctx, p, []string{name}, uploaded, fmt.Errorf("%w: %s: %w", ErrTransferFailure, name, err))
			}
		}
	}
}

func (s *Sender) waitReady(ctx context.Context, p *BackupPayload) (*types.ReadyResponse, error) {
	var links *types.ReadyResponse
	policy := retry.Constant(s.cfg.PollAttempts, s.cfg.PollInterval)
	err := retry.Do(ctx, policy, func(ctx context.Context, attempt int) error {
		resp, err := s.cfg.Remote.Ready(ctx, p.ReadyURL, p.VideoID)
		if err != nil {
			return err
		}
		if !resp.Ready() {
			return ErrNotReady
		}
		links = resp
		return nil
	})
	if err == nil {
		return links, nil
	}
	if ctx.Err() != nil {
		return nil, err
	}
	return nil, fmt.Errorf("%w: video %s: %w", ErrTimeoutWaitingForReceiver, p.VideoID, err)
}

func (s *Sender) policy(videoID, step string) retry.Policy {
	p := retry.Constant(s.cfg.FileAttempts, s.cfg.RetryInterval)
	p.OnRetry = func(attempt int, err error, wait time.Duration) {
		UploadRetries.Inc()
		logger.Warn().Err(err).Str("video_id", videoID).Str("step", step).Int("attempt", attempt).Dur("wait", wait).Msg("Backup request failed, retrying")
	}
	return p
}

func (s *Sender) uploadFile(ctx context.Context, links *types.ReadyResponse, p *BackupPayload, name string) error {
	return retry.Do(ctx, s.policy(p.VideoID, name), func(ctx context.Context, attempt int) error {
		path := p.path(name)
		digest, size, err := client.FileDigest(path)
		if err != nil {
			return retry.Stop(err)
		}
		f, err := os.Open(path)
		if err != nil {
			return retry.Stop(err)
		}
		defer f.Close()

		if err := s.cfg.Remote.Receive(ctx, links.LinkToReceive, p.VideoID, name, f, size, digest); err != nil {
			return err
		}
		FilesUploaded.Inc()
		BytesUploaded.Add(float64(size))
		return nil
	})
}

func (s *Sender) complete(ctx context.Context, links *types.ReadyResponse, p *BackupPayload, uploaded []string) ([]string, error) {
	var missing []string
	req := types.BackupCompleteRequest{VideoID: p.VideoID, Status: "success", UploadedFiles: uploaded}
	err := retry.Do(ctx, s.policy(p.VideoID, "complete"), func(ctx context.Context, attempt int) error {
		var err error
		missing, err = s.cfg.Remote.Complete(ctx, links.LinkToNoticeComplete, req)
		return err
	})
	return missing, err
}

// abort asks the receiver to drop the partial backup and returns cause. It
// skips the receiver when the worker itself is shutting down, so the
// requeued job can resume against what was already uploaded.
func (s *Sender) abort(ctx context.Context, p *BackupPayload, failed, uploaded []string, cause error) error {
	reason := "upload failed"
	switch {
	case errors.Is(context.Cause(ctx), ErrJobCancelled):
		reason = "job cancelled"
	case ctx.Err() != nil:
		return cause
	case errors.Is(cause, ErrReconciliationRequired):
		reason = "reconciliation failed"
	}

	req := types.BackupCancelRequest{
		VideoID:       p.VideoID,
		Reason:        reason,
		Error:         cause.Error(),
		FailedFiles:   append([]string{}, failed...),
		UploadedFiles: append([]string{}, uploaded...),
	}

	cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
	defer cancel()
	deleted, err := s.cfg.Remote.Cancel(cctx, req)
	if err != nil {
		logger.Warn().Err(err).Str("video_id", p.VideoID).Msg("Failed to cancel backup on receiver")
	} else {
		logger.Info().Str("video_id", p.VideoID).Str("reason", reason).Int("deleted", len(deleted)).Msg("Backup cancelled on receiver")
	}
	return cause
}
