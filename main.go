// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

// Command argus runs the home device supervisor: it probes every configured
// device on a schedule, tracks health, records events, and exposes the
// dashboard, metrics and tool-call surfaces over HTTP.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/hashicorp/argus/command/agent"
	"github.com/hashicorp/argus/logsink"
	"github.com/hashicorp/argus/version"
)

const (
	exitOK            = 0
	exitConfigInvalid = 1
	exitBindFailed    = 2
	exitInternal      = 3
)

const defaultHTTPListen = "0.0.0.0:7777"

func main() {
	os.Exit(run())
}

func run() int {
	if len(os.Args) > 1 && (os.Args[1] == "version" || os.Args[1] == "--version" || os.Args[1] == "-v") {
		fmt.Println(version.GetVersion().FullVersionNumber(true))
		return exitOK
	}

	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		fmt.Fprintln(os.Stderr, "CONFIG_PATH is required")
		return exitConfigInvalid
	}
	httpListen := os.Getenv("HTTP_LISTEN")
	if httpListen == "" {
		httpListen = defaultHTTPListen
	}

	sink := logsink.New(logsink.Options{
		Level: logsink.LevelFromString(os.Getenv("LOG_LEVEL")),
	})
	logger := sink.Logger("main")
	logger.Info("starting argus", "version", version.GetVersion().VersionNumber())

	a, err := agent.NewAgent(&agent.Options{
		ConfigPath: configPath,
		HTTPListen: httpListen,
		Sink:       sink,
	})
	if err != nil {
		logger.Error("startup failed", "error", err)
		return exitConfigInvalid
	}

	if err := a.Run(context.Background()); err != nil {
		if isBindError(err) {
			logger.Error("cannot bind http listener", "address", httpListen, "error", err)
			return exitBindFailed
		}
		logger.Error("unrecoverable error", "error", err)
		return exitInternal
	}
	return exitOK
}

// isBindError distinguishes a listener bind failure from everything else so
// the exit code can say "the port is taken" without string matching at the
// call sites.
func isBindError(err error) bool {
	var opErr *os.SyscallError
	if errors.As(err, &opErr) {
		return true
	}
	return strings.Contains(err.Error(), "binding http listener")
}
