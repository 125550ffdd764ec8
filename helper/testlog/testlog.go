// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

// Package testlog creates hclog loggers backed by testing.T so component
// logs land in test output.
package testlog

import (
	"os"

	"github.com/hashicorp/go-hclog"
)

// LogPrinter is the testing.T method set needed by the test logger.
type LogPrinter interface {
	Logf(format string, args ...any)
}

type writer struct {
	t LogPrinter
}

func (w *writer) Write(p []byte) (n int, err error) {
	w.t.Logf("%s", p)
	return len(p), nil
}

// HCLogger returns a trace-level hclog.Logger writing through t. Set
// ARGUS_TEST_STDERR=1 to send logs to stderr instead, which survives test
// process crashes.
func HCLogger(t LogPrinter) hclog.Logger {
	opts := &hclog.LoggerOptions{
		Name:  "test",
		Level: hclog.Trace,
	}
	if os.Getenv("ARGUS_TEST_STDERR") == "1" {
		opts.Output = os.Stderr
	} else {
		opts.Output = &writer{t: t}
	}
	return hclog.New(opts)
}
