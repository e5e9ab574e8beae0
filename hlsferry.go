// Copyright 2025 ZapFS Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"fmt"
	"os"
	"time"

	"github.com/LeeDigitalWorks/hlsferry/cmd"

	"github.com/getsentry/sentry-go"
)

func main() {
	// The DSN comes from SENTRY_DSN; without it sentry is a no-op.
	err := sentry.Init(sentry.ClientOptions{
		Release:          "hlsferry@" + cmd.Version,
		SampleRate:       0.1,
		EnableTracing:    true,
		TracesSampleRate: 0.1,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "sentry.Init: %v", err)
	}
	defer sentry.Flush(2 * time.Second)
	defer func() {
		if r := recover(); r != nil {
			sentry.CurrentHub().Recover(r)
			sentry.Flush(2 * time.Second)
			panic(r)
		}
	}()

	cmd.Execute()
}
