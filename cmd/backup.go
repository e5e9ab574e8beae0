// Copyright 2025 ZapFS Authors
// SPDX-License-Identifier: Apache-2.0

package cmd

import (
	"context"
	"time"

	"github.com/LeeDigitalWorks/hlsferry/pkg/admission"
	"github.com/LeeDigitalWorks/hlsferry/pkg/debug"
	"github.com/LeeDigitalWorks/hlsferry/pkg/logger"
	"github.com/LeeDigitalWorks/hlsferry/pkg/node"
	"github.com/LeeDigitalWorks/hlsferry/pkg/replication"
	"github.com/LeeDigitalWorks/hlsferry/pkg/storage/backend"
	"github.com/LeeDigitalWorks/hlsferry/pkg/taskqueue"
	"github.com/LeeDigitalWorks/hlsferry/pkg/utils"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// BackupServerOpts holds all configuration for the backup node
type BackupServerOpts struct {
	BindIP      string
	HTTPPort    int
	DebugPort   int
	PublicURL   string
	ConnTimeout time.Duration

	Storage      backend.Config
	MinFreeSpace string
	RequiredMB   int64
	MaxFileMB    int64
	Extensions   []string

	Queue QueueOpts
}

var backupCmd = &cobra.Command{
	Use:   "backup",
	Short: "Start the backup node",
	Long: `Start the backup node. Home nodes push processed videos to it file by file;
it keeps a manifest per video, reports missing files on completion and deletes
partial uploads when a push is cancelled.`,
	Run: runBackupServer,
}

func init() {
	rootCmd.AddCommand(backupCmd)

	f := backupCmd.Flags()

	f.String("bind_ip", "0.0.0.0", "IP address to bind the HTTP servers to")
	f.Int("http_port", 8180, "HTTP port for the backup API")
	f.Int("debug_port", 8190, "Debug/metrics HTTP port")
	f.String("public_url", "", "Base URL home nodes reach this node at (default: detected host and http_port)")
	f.Duration("conn_timeout", 30*time.Second, "Connection read/write timeout, scaled up for large bodies")

	f.String("data_dir", "backup", "Directory for backed-up files when using local storage")
	f.String("min_free_space", "10GiB", "Disk space kept free on top of every accepted backup")
	f.Int64("required_mb", 1024, "Free space a backup needs before the node reports ready, in MB")
	f.Int64("max_file_mb", 4096, "Largest accepted file in MB")
	f.StringSlice("extensions", replication.DefaultExtensions, "File extensions accepted for backup")

	addQueueFlags(backupCmd, "backup-queue")

}

func runBackupServer(cmd *cobra.Command, args []string) {
	// Bound here rather than in init: home and backup share flag names.
	viper.BindPFlags(cmd.Flags())
	utils.LoadConfiguration("backup", false)
	opts := loadBackupOpts(cmd)

	debug.SetNotReady()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	storage, err := backend.New(opts.Storage)
	if err != nil {
		logger.Fatal().Err(err).Str("type", string(opts.Storage.Type)).Msg("failed to create backup storage")
	}
	defer storage.Close()

	// Free space is only meaningful for a local disk.
	var admitter replication.Admitter
	if opts.Storage.Type == backend.TypeLocal {
		reserve, err := utils.ParseMinFreeSpace(opts.MinFreeSpace)
		if err != nil {
			logger.Fatal().Err(err).Str("min_free_space", opts.MinFreeSpace).Msg("invalid min_free_space")
		}
		admitter = admission.New(opts.Storage.Path, admission.WithReserve(reserve))
	}

	queue, closeQueue, err := openQueue(ctx, opts.Queue)
	if err != nil {
		logger.Fatal().Err(err).Str("driver", opts.Queue.Driver).Msg("failed to open task queue")
	}
	defer closeQueue()

	worker := taskqueue.NewWorker(taskqueue.WorkerConfig{
		ID:           "backup-" + utils.DetectedHostAddress(),
		Queue:        queue,
		PollInterval: opts.Queue.PollInterval,
		Concurrency:  opts.Queue.Concurrency,
	})
	emitter, closeEvents := setupEvents(queue, worker, "backup")
	defer closeEvents()

	receiver := replication.NewReceiver(replication.ReceiverConfig{
		Storage:    storage,
		Admission:  admitter,
		RequiredMB: opts.RequiredMB,
		PublicURL:  opts.PublicURL,
		Extensions: opts.Extensions,
		Emitter:    emitter,
	})
	server := node.NewBackupServer(receiver, opts.MaxFileMB<<20)

	logger.Info().
		Str("public_url", opts.PublicURL).
		Str("storage", string(opts.Storage.Type)).
		Int64("required_mb", opts.RequiredMB).
		Strs("extensions", opts.Extensions).
		Msg("Backup node configuration")

	worker.Start(ctx)

	debug.SetStatus(func() any {
		return map[string]any{"version": VersionInfo()}
	})

	httpServer := startHTTPServer(server, opts.BindIP, opts.HTTPPort, opts.ConnTimeout)
	debugServer := startHTTPServer(debug.GetMux(), opts.BindIP, opts.DebugPort, 0)

	debug.SetReady()

	waitForShutdown()

	logger.Info().Msg("Shutting down backup node")
	debug.SetNotReady()
	shutdownServers(30*time.Second, httpServer, debugServer)
	worker.Stop()
	cancel()
}

func loadBackupOpts(cmd *cobra.Command) BackupServerOpts {
	f := NewFlagLoader(cmd)

	storage := backend.Config{Type: backend.TypeLocal, Path: f.String("data_dir")}
	if viper.IsSet("storage") {
		if err := viper.UnmarshalKey("storage", &storage); err != nil {
			logger.Fatal().Err(err).Msg("invalid [storage] configuration")
		}
	}

	httpPort := f.Int("http_port")
	return BackupServerOpts{
		BindIP:       f.String("bind_ip"),
		HTTPPort:     httpPort,
		DebugPort:    f.Int("debug_port"),
		PublicURL:    publicURL(f.String("public_url"), httpPort),
		ConnTimeout:  f.Duration("conn_timeout"),
		Storage:      storage,
		MinFreeSpace: f.String("min_free_space"),
		RequiredMB:   f.Int64("required_mb"),
		MaxFileMB:    f.Int64("max_file_mb"),
		Extensions:   f.StringSlice("extensions"),
		Queue:        loadQueueOpts(f),
	}
}
