// Copyright 2025 ZapFS Authors
// SPDX-License-Identifier: Apache-2.0

package cmd

import (
	"os"

	"github.com/LeeDigitalWorks/hlsferry/pkg/logger"
	"github.com/LeeDigitalWorks/hlsferry/pkg/utils"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "hlsferry",
	Short: "hlsferry - chunked video transfer between capture, home and backup nodes",
	Long: `hlsferry moves recorded video from capture nodes to a home node that serves
HLS, and pushes the processed output on to a backup node.

The home node drains its HLS readers before it receives a transfer and returns
to streaming once the transfer has been processed.`,
	PersistentPreRun: initializeLogging,
	Run: func(cmd *cobra.Command, args []string) {
		cmd.Help()
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&utils.ConfigurationFileDirectory, "config_dir", ".", "Directory for configuration files")

	rootCmd.PersistentFlags().String("log_level", "", "Log level (trace, debug, info, warn, error). Overrides LOG_LEVEL")
	rootCmd.PersistentFlags().String("log_file", "", "Also write logs to this file, rotated by size")
	rootCmd.PersistentFlags().Int("log_max_size_mb", 100, "Rotate the log file after this many megabytes")
	rootCmd.PersistentFlags().Int("log_max_backups", 5, "Rotated log files to keep")
	rootCmd.PersistentFlags().Int("log_max_age_days", 14, "Days to keep rotated log files")
}

// initializeLogging applies the persistent logging flags.
func initializeLogging(cmd *cobra.Command, args []string) {
	if lvl, _ := cmd.Flags().GetString("log_level"); lvl != "" {
		level, err := zerolog.ParseLevel(lvl)
		if err != nil {
			logger.Warn().Err(err).Str("log_level", lvl).Msg("Ignoring invalid log level")
		} else {
			logger.SetLevel(level)
		}
	}

	path, _ := cmd.Flags().GetString("log_file")
	maxSize, _ := cmd.Flags().GetInt("log_max_size_mb")
	maxBackups, _ := cmd.Flags().GetInt("log_max_backups")
	maxAge, _ := cmd.Flags().GetInt("log_max_age_days")
	logger.EnableFile(logger.FileOptions{
		Path:       path,
		MaxSizeMB:  maxSize,
		MaxBackups: maxBackups,
		MaxAgeDays: maxAge,
		Compress:   true,
	})
}

func Execute() {
	err := rootCmd.Execute()
	if err != nil {
		os.Exit(1)
	}
}
