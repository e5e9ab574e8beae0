// Copyright 2025 ZapFS Authors
// SPDX-License-Identifier: Apache-2.0

package cmd

import (
	"context"
	"database/sql"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/LeeDigitalWorks/hlsferry/pkg/events"
	"github.com/LeeDigitalWorks/hlsferry/pkg/logger"
	"github.com/LeeDigitalWorks/hlsferry/pkg/taskqueue"
	"github.com/LeeDigitalWorks/hlsferry/pkg/utils"

	_ "github.com/go-sql-driver/mysql"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

func startHTTPServer(handler http.Handler, ip string, port int, timeout time.Duration) *http.Server {
	listener, err := utils.NewListener(utils.JoinHostPort(ip, port), timeout)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to create HTTP listener")
	}

	httpServer := &http.Server{Handler: handler, ReadHeaderTimeout: 30 * time.Second}
	go func() {
		logger.Info().Str("http_addr", utils.JoinHostPort(ip, port)).Msg("Starting HTTP server")
		if err := httpServer.Serve(listener); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("failed to start HTTP server")
		}
	}()
	return httpServer
}

func waitForShutdown() {
	stopChan := make(chan os.Signal, 1)
	signal.Notify(stopChan, os.Interrupt, syscall.SIGHUP, syscall.SIGINT, syscall.SIGTERM)
	<-stopChan
}

// shutdownServers gives in-flight requests up to grace to finish.
func shutdownServers(grace time.Duration, servers ...*http.Server) {
	ctx, cancel := context.WithTimeout(context.Background(), grace)
	defer cancel()
	for _, srv := range servers {
		if err := srv.Shutdown(ctx); err != nil {
			logger.Warn().Err(err).Msg("HTTP server shutdown")
		}
	}
}

// publicURL returns the configured base URL or one built from the detected
// host address.
func publicURL(configured string, port int) string {
	if configured != "" {
		return configured
	}
	return "http://" + utils.JoinHostPort(utils.DetectedHostAddress(), port)
}

// addQueueFlags registers the task queue flags shared by home and backup.
func addQueueFlags(cmd *cobra.Command, defaultPath string) {
	f := cmd.Flags()
	f.String("queue_driver", "leveldb", "Task queue backend: leveldb, mysql, postgres or memory")
	f.String("queue_path", defaultPath, "LevelDB queue directory")
	f.String("queue_dsn", "", "Database DSN for the mysql and postgres queue drivers")
	f.String("queue_table", "tasks", "Task table name for the database queue")
	f.Duration("queue_visibility_timeout", taskqueue.DefaultVisibilityTimeout, "Running tasks without a heartbeat for this long are requeued")
	f.Int("worker_concurrency", taskqueue.DefaultConcurrency, "Concurrent task workers")
	f.Duration("worker_poll_interval", taskqueue.DefaultPollInterval, "Task queue poll interval")
}

type QueueOpts struct {
	Driver            string
	Path              string
	DSN               string
	Table             string
	VisibilityTimeout time.Duration
	Concurrency       int
	PollInterval      time.Duration
}

func loadQueueOpts(f *FlagLoader) QueueOpts {
	return QueueOpts{
		Driver:            f.String("queue_driver"),
		Path:              f.String("queue_path"),
		DSN:               f.String("queue_dsn"),
		Table:             f.String("queue_table"),
		VisibilityTimeout: f.Duration("queue_visibility_timeout"),
		Concurrency:       f.Int("worker_concurrency"),
		PollInterval:      f.Duration("worker_poll_interval"),
	}
}

// openQueue opens the configured task queue. The returned close function
// also closes the database handle of a SQL queue.
func openQueue(ctx context.Context, opts QueueOpts) (taskqueue.Queue, func(), error) {
	switch opts.Driver {
	case "", "leveldb":
		q, err := taskqueue.NewLevelDBQueue(taskqueue.LevelDBQueueConfig{
			Path:              opts.Path,
			VisibilityTimeout: opts.VisibilityTimeout,
		})
		if err != nil {
			return nil, nil, err
		}
		return q, func() { q.Close() }, nil
	case "memory":
		logger.Warn().Msg("Using in-memory task queue, queued backups are lost on restart")
		q := taskqueue.NewMemoryQueue()
		return q, func() { q.Close() }, nil
	case "mysql", "postgres":
		if opts.DSN == "" {
			return nil, nil, fmt.Errorf("queue_dsn is required for the %s queue", opts.Driver)
		}
		driverName, driver := "mysql", taskqueue.DriverMySQL
		if opts.Driver == "postgres" {
			driverName, driver = "pgx", taskqueue.DriverPostgres
		}
		db, err := sql.Open(driverName, opts.DSN)
		if err != nil {
			return nil, nil, err
		}
		if err := db.PingContext(ctx); err != nil {
			db.Close()
			return nil, nil, fmt.Errorf("connect to %s queue: %w", opts.Driver, err)
		}
		q, err := taskqueue.NewDBQueue(taskqueue.DBQueueConfig{
			DB:                db,
			Driver:            driver,
			TableName:         opts.Table,
			VisibilityTimeout: opts.VisibilityTimeout,
		})
		if err != nil {
			db.Close()
			return nil, nil, err
		}
		if err := q.EnsureSchema(ctx); err != nil {
			db.Close()
			return nil, nil, err
		}
		return q, func() {
			q.Close()
			db.Close()
		}, nil
	}
	return nil, nil, fmt.Errorf("unknown queue driver %q", opts.Driver)
}

// setupEvents builds the emitter from the [events] config section and
// registers the delivery handler on worker.
func setupEvents(queue taskqueue.Queue, worker *taskqueue.Worker, node string) (*events.Emitter, func()) {
	cfg := events.DefaultConfig()
	if err := viper.UnmarshalKey("events", &cfg); err != nil {
		logger.Fatal().Err(err).Msg("invalid [events] configuration")
	}
	if !cfg.Enabled {
		return events.NoopEmitter(), func() {}
	}

	publishers, err := events.NewPublishers(cfg)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to create event publishers")
	}
	types := make([]events.EventType, 0, len(cfg.Types))
	for _, t := range cfg.Types {
		types = append(types, events.EventType(t))
	}
	worker.RegisterHandler(events.NewHandler(publishers, types))
	logger.Info().Int("publishers", len(publishers)).Strs("types", cfg.Types).Msg("Event publishing enabled")

	emitter := events.NewEmitter(events.EmitterConfig{Queue: queue, Enabled: true, Node: node})
	return emitter, func() {
		for _, p := range publishers {
			if err := p.Close(); err != nil {
				logger.Warn().Err(err).Msg("Closing event publisher")
			}
		}
	}
}
