// Copyright 2025 ZapFS Authors
// SPDX-License-Identifier: Apache-2.0

package cmd

import (
	"context"
	"os"
	"path/filepath"
	"time"

	"github.com/LeeDigitalWorks/hlsferry/pkg/admission"
	"github.com/LeeDigitalWorks/hlsferry/pkg/chunkstore"
	"github.com/LeeDigitalWorks/hlsferry/pkg/client"
	"github.com/LeeDigitalWorks/hlsferry/pkg/debug"
	"github.com/LeeDigitalWorks/hlsferry/pkg/events"
	"github.com/LeeDigitalWorks/hlsferry/pkg/logger"
	"github.com/LeeDigitalWorks/hlsferry/pkg/mode"
	"github.com/LeeDigitalWorks/hlsferry/pkg/node"
	"github.com/LeeDigitalWorks/hlsferry/pkg/replication"
	"github.com/LeeDigitalWorks/hlsferry/pkg/storage/backend"
	"github.com/LeeDigitalWorks/hlsferry/pkg/taskqueue"
	"github.com/LeeDigitalWorks/hlsferry/pkg/transfer"
	"github.com/LeeDigitalWorks/hlsferry/pkg/utils"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// HomeServerOpts holds all configuration for the home node
type HomeServerOpts struct {
	// Network binding
	BindIP      string
	HTTPPort    int
	DebugPort   int
	PublicURL   string
	ConnTimeout time.Duration

	// Storage
	HLSDir       string
	WorkDir      string
	ChunkStore   backend.Config
	MinFreeSpace string

	// Transfers
	MaxPerOwner      int
	ChunkSizeCheck   bool
	ChunkSizeClasses []int
	MaxChunkMB       int64
	IdleTimeout      time.Duration
	JanitorInterval  time.Duration
	ForwardURL       string
	ForwardAttempts  int

	// Mode switching
	DrainTimeout time.Duration
	OpenWrites   bool

	// Processing
	ProcessorCommand string
	ProcessorArgs    []string
	ProcessorTimeout time.Duration

	// Backup replication
	BackupURL          string
	BackupRateLimit    int64
	BackupPollInterval time.Duration
	BackupPollAttempts int
	BackupFileAttempts int
	BackupRetry        time.Duration
	BackupReconcile    int

	Queue QueueOpts
}

var homeCmd = &cobra.Command{
	Use:   "home",
	Short: "Start the home node",
	Long: `Start the home node. It serves HLS output, accepts chunked transfers from
capture nodes after draining its readers, processes completed transfers into
the HLS directory and queues a push of each processed video to the backup node.`,
	Run: runHomeServer,
}

func init() {
	rootCmd.AddCommand(homeCmd)

	f := homeCmd.Flags()

	f.String("bind_ip", "0.0.0.0", "IP address to bind the HTTP servers to")
	f.Int("http_port", 8080, "HTTP port for the transfer API and HLS")
	f.Int("debug_port", 8090, "Debug/metrics HTTP port")
	f.String("public_url", "", "Base URL capture nodes upload to (default: detected host and http_port)")
	f.Duration("conn_timeout", 30*time.Second, "Connection read/write timeout, scaled up for large bodies")

	f.String("hls_dir", "hls", "Directory holding one HLS output directory per video")
	f.String("work_dir", filepath.Join(os.TempDir(), "hlsferry-work"), "Directory for merged uploads being processed")
	f.String("chunk_dir", filepath.Join(os.TempDir(), "hlsferry-chunks"), "Chunk directory for the local chunk store")
	f.String("min_free_space", "10GiB", "Disk space kept free on top of every transfer (size or percentage)")

	f.Int("max_per_owner", transfer.DefaultMaxPerOwner, "Concurrent open transfers per owner")
	f.Bool("chunk_size_check", false, "Require non-final chunks to match a size class")
	f.IntSlice("chunk_size_classes", transfer.DefaultSizeClassesMB, "Allowed chunk size classes in MB")
	f.Int64("max_chunk_mb", node.DefaultMaxChunkBytes>>20, "Largest accepted chunk body in MB")
	f.Duration("idle_timeout", time.Hour, "Cancel transfers without activity for this long")
	f.Duration("janitor_interval", 5*time.Minute, "How often idle transfers are expired")
	f.String("forward_url", "", "Forward every completed transfer to this node using the chunk protocol")
	f.Int("forward_attempts", transfer.DefaultForwardRetries, "Attempts per forwarded chunk")

	f.Duration("drain_timeout", node.DefaultDrainTimeout, "Abandon a drain whose readers do not finish")
	f.Bool("open_writes", false, "Accept chunks in any mode instead of only while receiving")

	f.String("processor_command", "", "Command run on each merged upload ({input} {output} {video} {filename} are substituted)")
	f.StringSlice("processor_args", nil, "Arguments for processor_command")
	f.Duration("processor_timeout", 2*time.Hour, "Processor command timeout")

	f.String("backup_url", "", "Backup node base URL (empty disables backups)")
	f.Int64("backup_rate_limit", 0, "Backup upload bandwidth limit in bytes per second (0 = unlimited)")
	f.Duration("backup_poll_interval", 2*time.Second, "Interval between backup readiness checks")
	f.Int("backup_poll_attempts", 60, "Readiness checks before a backup job gives up")
	f.Int("backup_file_attempts", 3, "Upload attempts per backed-up file")
	f.Duration("backup_retry_interval", time.Second, "Pause between backup upload attempts")
	f.Int("backup_max_reconcile", 5, "Repair rounds after the backup node reports missing files")

	addQueueFlags(homeCmd, "home-queue")

}

func runHomeServer(cmd *cobra.Command, args []string) {
	// Bound here rather than in init: home and backup share flag names.
	viper.BindPFlags(cmd.Flags())
	utils.LoadConfiguration("home", false)
	opts := loadHomeOpts(cmd)

	debug.SetNotReady()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := utils.EnsureWritableDir(opts.HLSDir); err != nil {
		logger.Fatal().Err(err).Str("hls_dir", opts.HLSDir).Msg("HLS directory is not writable")
	}

	storage, err := backend.New(opts.ChunkStore)
	if err != nil {
		logger.Fatal().Err(err).Str("type", string(opts.ChunkStore.Type)).Msg("failed to create chunk store backend")
	}
	defer storage.Close()

	queue, closeQueue, err := openQueue(ctx, opts.Queue)
	if err != nil {
		logger.Fatal().Err(err).Str("driver", opts.Queue.Driver).Msg("failed to open task queue")
	}
	defer closeQueue()

	worker := taskqueue.NewWorker(taskqueue.WorkerConfig{
		ID:           "home-" + utils.DetectedHostAddress(),
		Queue:        queue,
		PollInterval: opts.Queue.PollInterval,
		Concurrency:  opts.Queue.Concurrency,
	})
	emitter, closeEvents := setupEvents(queue, worker, "home")
	defer closeEvents()

	tcfg := transfer.DefaultConfig()
	tcfg.MaxPerOwner = opts.MaxPerOwner
	if opts.ForwardAttempts > 0 {
		tcfg.ForwardPolicy.MaxAttempts = opts.ForwardAttempts
	}
	if opts.ChunkSizeCheck {
		tcfg.Validator = transfer.NewSizeClassValidator(opts.ChunkSizeClasses...)
	}
	transfers := transfer.NewCoordinator(chunkstore.New(storage), tcfg)

	reserve, err := utils.ParseMinFreeSpace(opts.MinFreeSpace)
	if err != nil {
		logger.Fatal().Err(err).Str("min_free_space", opts.MinFreeSpace).Msg("invalid min_free_space")
	}
	admitter := admission.New(opts.HLSDir, admission.WithReserve(reserve))

	modes := mode.New(func(from, to mode.State) {
		logger.Info().Str("from", from.String()).Str("to", to.String()).Msg("Mode changed")
		emitter.EmitMode(ctx, events.EventModeChanged, from.String(), to.String())
	})

	var processor node.Processor = node.PassthroughProcessor{}
	if opts.ProcessorCommand != "" {
		processor = &node.CommandProcessor{
			Command: opts.ProcessorCommand,
			Args:    opts.ProcessorArgs,
			Timeout: opts.ProcessorTimeout,
		}
	}

	var forwarder transfer.Forwarder
	if opts.ForwardURL != "" {
		forwarder = client.NewHome(opts.ForwardURL)
		logger.Info().Str("forward_url", opts.ForwardURL).Msg("Forwarding completed transfers")
	}

	var sender *replication.Sender
	if opts.BackupURL != "" {
		sender = replication.NewSender(replication.SenderConfig{
			Queue:              queue,
			Remote:             client.NewBackup(opts.BackupURL, client.WithRateLimit(opts.BackupRateLimit)),
			Emitter:            emitter,
			PollInterval:       opts.BackupPollInterval,
			PollAttempts:       opts.BackupPollAttempts,
			FileAttempts:       opts.BackupFileAttempts,
			RetryInterval:      opts.BackupRetry,
			MaxReconcileRounds: opts.BackupReconcile,
		})
		worker.RegisterHandler(sender)
	} else {
		logger.Warn().Msg("No backup_url configured, processed videos will not be backed up")
	}

	home, err := node.NewHome(node.HomeConfig{
		Transfers:     transfers,
		Mode:          modes,
		Admission:     admitter,
		PublicURL:     opts.PublicURL,
		HLSDir:        opts.HLSDir,
		WorkDir:       opts.WorkDir,
		Processor:     processor,
		Forwarder:     forwarder,
		Backup:        sender,
		DrainTimeout:  opts.DrainTimeout,
		OpenWrites:    opts.OpenWrites,
		MaxChunkBytes: opts.MaxChunkMB << 20,
		Emitter:       emitter,
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to create home node")
	}

	logger.Info().
		Str("public_url", opts.PublicURL).
		Str("hls_dir", opts.HLSDir).
		Str("chunk_store", string(opts.ChunkStore.Type)).
		Str("min_free_space", opts.MinFreeSpace).
		Int("max_per_owner", opts.MaxPerOwner).
		Bool("chunk_size_check", opts.ChunkSizeCheck).
		Dur("drain_timeout", opts.DrainTimeout).
		Str("max_chunk", humanize.IBytes(uint64(opts.MaxChunkMB<<20))).
		Msg("Home node configuration")

	worker.Start(ctx)
	go home.RunJanitor(ctx, opts.JanitorInterval, opts.IdleTimeout)

	debug.SetReadyCheck(func() bool { return modes.State() == mode.Streaming })
	debug.SetStatus(func() any {
		return map[string]any{
			"mode":     modes.Snapshot(),
			"inflight": home.Inflight(),
			"version":  VersionInfo(),
		}
	})

	httpServer := startHTTPServer(home, opts.BindIP, opts.HTTPPort, opts.ConnTimeout)
	debugServer := startHTTPServer(debug.GetMux(), opts.BindIP, opts.DebugPort, 0)

	debug.SetReady()

	waitForShutdown()

	logger.Info().Msg("Shutting down home node")
	debug.SetNotReady()
	shutdownServers(30*time.Second, httpServer, debugServer)
	home.Close()
	worker.Stop()
	cancel()
}

func loadHomeOpts(cmd *cobra.Command) HomeServerOpts {
	f := NewFlagLoader(cmd)

	chunkStore := backend.Config{Type: backend.TypeLocal, Path: f.String("chunk_dir")}
	if viper.IsSet("chunk_store") {
		if err := viper.UnmarshalKey("chunk_store", &chunkStore); err != nil {
			logger.Fatal().Err(err).Msg("invalid [chunk_store] configuration")
		}
	}

	httpPort := f.Int("http_port")
	return HomeServerOpts{
		BindIP:             f.String("bind_ip"),
		HTTPPort:           httpPort,
		DebugPort:          f.Int("debug_port"),
		PublicURL:          publicURL(f.String("public_url"), httpPort),
		ConnTimeout:        f.Duration("conn_timeout"),
		HLSDir:             f.String("hls_dir"),
		WorkDir:            f.String("work_dir"),
		ChunkStore:         chunkStore,
		MinFreeSpace:       f.String("min_free_space"),
		MaxPerOwner:        f.Int("max_per_owner"),
		ChunkSizeCheck:     f.Bool("chunk_size_check"),
		ChunkSizeClasses:   f.IntSlice("chunk_size_classes"),
		MaxChunkMB:         f.Int64("max_chunk_mb"),
		IdleTimeout:        f.Duration("idle_timeout"),
		JanitorInterval:    f.Duration("janitor_interval"),
		ForwardURL:         f.String("forward_url"),
		ForwardAttempts:    f.Int("forward_attempts"),
		DrainTimeout:       f.Duration("drain_timeout"),
		OpenWrites:         f.Bool("open_writes"),
		ProcessorCommand:   f.String("processor_command"),
		ProcessorArgs:      f.StringSlice("processor_args"),
		ProcessorTimeout:   f.Duration("processor_timeout"),
		BackupURL:          f.String("backup_url"),
		BackupRateLimit:    f.Int64("backup_rate_limit"),
		BackupPollInterval: f.Duration("backup_poll_interval"),
		BackupPollAttempts: f.Int("backup_poll_attempts"),
		BackupFileAttempts: f.Int("backup_file_attempts"),
		BackupRetry:        f.Duration("backup_retry_interval"),
		BackupReconcile:    f.Int("backup_max_reconcile"),
		Queue:              loadQueueOpts(f),
	}
}
