// Copyright 2025 ZapFS Authors
// SPDX-License-Identifier: Apache-2.0

package cmd

import (
	"context"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/LeeDigitalWorks/hlsferry/pkg/capture"
	"github.com/LeeDigitalWorks/hlsferry/pkg/client"
	"github.com/LeeDigitalWorks/hlsferry/pkg/logger"
	"github.com/LeeDigitalWorks/hlsferry/pkg/retry"
	"github.com/LeeDigitalWorks/hlsferry/pkg/utils"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// CaptureOpts holds the configuration of a capture upload
type CaptureOpts struct {
	HomeURL        string
	OwnerID        string
	VideoID        string
	TransferID     string
	BindIP         string
	NotifyPort     int
	NotifyURL      string
	ChunkMB        int64
	RateLimit      int64
	ChunkAttempts  int
	ChunkRetry     time.Duration
	AdmitAttempts  int
	AdmitRetry     time.Duration
	HandoffTimeout time.Duration
	DeleteAfter    bool
}

var captureCmd = &cobra.Command{
	Use:   "capture [flags] FILE...",
	Short: "Upload recorded files to the home node",
	Long: `Upload recorded files to the home node. For each file the home node is asked
for room, the upload waits for the hand-off notice sent once the node has
drained its readers, then sends the file in chunks and completes it. A failed
upload is cancelled on the home node.`,
	Args: cobra.MinimumNArgs(1),
	Run:  runCapture,
}

func init() {
	rootCmd.AddCommand(captureCmd)

	f := captureCmd.Flags()

	f.String("home_url", "http://localhost:8080", "Home node base URL")
	f.String("owner_id", "", "Owner id sent with every request (default: host name)")
	f.String("video_id", "", "Video id for a single file (default: file name without extension)")
	f.String("transfer_id", "", "Transfer id for a single file, reuse it to resume (default: random)")
	f.String("bind_ip", "0.0.0.0", "IP address for the hand-off notice listener")
	f.Int("notify_port", 8280, "Port for the hand-off notice listener")
	f.String("notify_url", "", "URL the home node posts the hand-off notice to (default: detected host and notify_port)")
	f.Int64("chunk_mb", capture.DefaultChunkSize>>20, "Chunk size in MB")
	f.Int64("rate_limit", 0, "Upload bandwidth limit in bytes per second (0 = unlimited)")
	f.Int("chunk_attempts", 3, "Attempts per chunk")
	f.Duration("chunk_retry_interval", 2*time.Second, "Pause between chunk attempts")
	f.Int("admit_attempts", 30, "Can-accept attempts while the home node is busy")
	f.Duration("admit_retry_interval", 10*time.Second, "Pause between can-accept attempts")
	f.Duration("handoff_timeout", capture.DefaultHandoffTimeout, "How long to wait for the hand-off notice")
	f.Bool("delete_after_upload", false, "Remove each file once it has been uploaded")
}

func runCapture(cmd *cobra.Command, args []string) {
	viper.BindPFlags(cmd.Flags())
	utils.LoadConfiguration("capture", false)
	opts := loadCaptureOpts(cmd)

	if len(args) > 1 && (opts.VideoID != "" || opts.TransferID != "") {
		logger.Fatal().Msg("--video_id and --transfer_id only apply to a single file")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	uploader := capture.New(capture.Config{
		Home:           client.NewHome(opts.HomeURL, client.WithOwner(opts.OwnerID), client.WithRateLimit(opts.RateLimit)),
		NotifyURL:      opts.NotifyURL,
		ChunkSize:      opts.ChunkMB << 20,
		ChunkPolicy:    retry.Constant(opts.ChunkAttempts, opts.ChunkRetry),
		AdmitPolicy:    retry.Constant(opts.AdmitAttempts, opts.AdmitRetry),
		HandoffTimeout: opts.HandoffTimeout,
	})
	notifyServer := startHTTPServer(uploader.NotifyHandler(), opts.BindIP, opts.NotifyPort, 0)
	defer shutdownServers(5*time.Second, notifyServer)

	failed := 0
	for _, path := range args {
		file := capture.File{
			Path:       path,
			TransferID: opts.TransferID,
			VideoID:    opts.VideoID,
		}
		if file.TransferID == "" {
			file.TransferID = uuid.NewString()
		}
		if file.VideoID == "" {
			base := filepath.Base(path)
			file.VideoID = strings.TrimSuffix(base, filepath.Ext(base))
		}

		logger.Info().Str("file", path).Str("transfer_id", file.TransferID).Str("video_id", file.VideoID).Msg("Uploading file")
		if err := uploader.Upload(ctx, file); err != nil {
			logger.Error().Err(err).Str("file", path).Str("transfer_id", file.TransferID).Msg("Upload failed")
			failed++
			if ctx.Err() != nil {
				break
			}
			continue
		}
		if opts.DeleteAfter {
			if err := os.Remove(path); err != nil {
				logger.Warn().Err(err).Str("file", path).Msg("Failed to remove uploaded file")
			}
		}
	}

	if failed > 0 {
		shutdownServers(5*time.Second, notifyServer)
		logger.Fatal().Int("failed", failed).Int("files", len(args)).Msg("Some uploads failed")
	}
}

func loadCaptureOpts(cmd *cobra.Command) CaptureOpts {
	f := NewFlagLoader(cmd)

	owner := f.String("owner_id")
	if owner == "" {
		owner, _ = os.Hostname()
	}
	notifyPort := f.Int("notify_port")
	notifyURL := f.String("notify_url")
	if notifyURL == "" {
		notifyURL = "http://" + utils.JoinHostPort(utils.DetectedHostAddress(), notifyPort) + "/notify"
	}

	return CaptureOpts{
		HomeURL:        f.String("home_url"),
		OwnerID:        owner,
		VideoID:        f.String("video_id"),
		TransferID:     f.String("transfer_id"),
		BindIP:         f.String("bind_ip"),
		NotifyPort:     notifyPort,
		NotifyURL:      notifyURL,
		ChunkMB:        f.Int64("chunk_mb"),
		RateLimit:      f.Int64("rate_limit"),
		ChunkAttempts:  f.Int("chunk_attempts"),
		ChunkRetry:     f.Duration("chunk_retry_interval"),
		AdmitAttempts:  f.Int("admit_attempts"),
		AdmitRetry:     f.Duration("admit_retry_interval"),
		HandoffTimeout: f.Duration("handoff_timeout"),
		DeleteAfter:    f.Bool("delete_after_upload"),
	}
}
