// Package remote runs device CLI commands over SSH.
//
// Executor is the narrow boundary the failover engine depends on: one command,
// raw text back, or a typed error. Errors are split in two kinds so callers can
// tell a broken path to the device (TransportError) from a device that answered
// but complained (CommandError). Both are inconclusive as health evidence.
package remote

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"edgefailover/internal/models"
)

//go:generate mockgen -package=mocks -destination=mocks/mock_executor.go edgefailover/internal/remote Executor

// Executor runs a single command on a device and returns its standard output.
type Executor interface {
	Execute(ctx context.Context, endpoint models.PathEndpoint, command string) (string, error)
}

// ErrDialThrottled is wrapped by a TransportError when the per-endpoint dial budget is spent.
var ErrDialThrottled = errors.New("dial throttled")

// TransportError covers connection refusal, authentication failure, timeouts
// and broken sessions.
type TransportError struct {
	Endpoint string
	Op       string
	Err      error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Op, e.Endpoint, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// CommandError reports a command that ran but wrote to its error stream.
type CommandError struct {
	Endpoint   string
	Command    string
	Stderr     string
	ExitStatus int
}

func (e *CommandError) Error() string {
	msg := strings.TrimSpace(e.Stderr)
	if msg == "" {
		msg = "no error output"
	}
	return fmt.Sprintf("command %q on %s failed (exit %d): %s", e.Command, e.Endpoint, e.ExitStatus, msg)
}

// IsInconclusive reports whether err is a transport or command failure, i.e.
// something that says nothing about the health of the path being probed.
func IsInconclusive(err error) bool {
	var te *TransportError
	var ce *CommandError
	return errors.As(err, &te) || errors.As(err, &ce)
}
