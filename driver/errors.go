// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package driver

import (
	"context"
	"errors"
	"fmt"
	"net"

	"github.com/hashicorp/argus/structs"
)

// Error is the classified failure drivers return across the boundary. The
// scheduler and dispatcher never see any other error shape; anything else
// escaping a driver is treated as a protocol failure.
type Error struct {
	Cause   structs.FailureCause
	Message string
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Cause, e.Message)
}

// Timeoutf builds a timeout-classified error.
func Timeoutf(format string, args ...any) *Error {
	return &Error{Cause: structs.FailureTimeout, Message: fmt.Sprintf(format, args...)}
}

// Authf builds an auth-classified error.
func Authf(format string, args ...any) *Error {
	return &Error{Cause: structs.FailureAuth, Message: fmt.Sprintf(format, args...)}
}

// Transportf builds a transport-classified error.
func Transportf(format string, args ...any) *Error {
	return &Error{Cause: structs.FailureTransport, Message: fmt.Sprintf(format, args...)}
}

// Protocolf builds a protocol-classified error.
func Protocolf(format string, args ...any) *Error {
	return &Error{Cause: structs.FailureProtocol, Message: fmt.Sprintf(format, args...)}
}

// Unavailablef builds an unavailable-classified error.
func Unavailablef(format string, args ...any) *Error {
	return &Error{Cause: structs.FailureUnavailable, Message: fmt.Sprintf(format, args...)}
}

// AsFailure converts any error leaving a driver into the classified form.
// Unclassified errors become protocol failures per the boundary contract.
func AsFailure(err error) *structs.Failure {
	if err == nil {
		return nil
	}
	var derr *Error
	if errors.As(err, &derr) {
		return &structs.Failure{Cause: derr.Cause, Message: derr.Message}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return &structs.Failure{Cause: structs.FailureTimeout, Message: err.Error()}
	}
	return &structs.Failure{Cause: structs.FailureProtocol, Message: err.Error()}
}

// ClassifyNetErr maps transport-level errors from net/http calls onto the
// taxonomy: deadline and net timeouts are timeout, everything else is
// transport.
func ClassifyNetErr(err error) *Error {
	if errors.Is(err, context.DeadlineExceeded) {
		return Timeoutf("deadline exceeded: %v", err)
	}
	var nerr net.Error
	if errors.As(err, &nerr) && nerr.Timeout() {
		return Timeoutf("network timeout: %v", err)
	}
	return Transportf("%v", err)
}
