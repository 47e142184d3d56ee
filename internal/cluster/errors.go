package cluster

import (
	"errors"
	"fmt"
	"strings"
)

// ErrAbsent reports an operation against a data directory that does
// not exist (or is not a cluster).
var ErrAbsent = errors.New("cluster does not exist")

// AlreadyExistsError reports a create against a non-empty directory
// that is not a valid cluster.
type AlreadyExistsError struct {
	DataDir string
}

func (e *AlreadyExistsError) Error() string {
	return fmt.Sprintf("%s is not empty and does not hold a valid cluster", e.DataDir)
}

// CreateError reports a failed initdb run. The directory it leaves
// behind is treated as invalid: callers must not assume partial output
// is reusable, and a subsequent Create starts over.
type CreateError struct {
	Output string
	Err    error
}

func (e *CreateError) Error() string { return lifecycleMessage("create cluster", e.Output, e.Err) }
func (e *CreateError) Unwrap() error { return e.Err }

// StartError reports a server that failed to launch or did not reach
// readiness. Output carries the tail of the server log.
type StartError struct {
	Output string
	Err    error
}

func (e *StartError) Error() string { return lifecycleMessage("start cluster", e.Output, e.Err) }
func (e *StartError) Unwrap() error { return e.Err }

// StopError reports a server that did not exit, even after signal
// escalation.
type StopError struct {
	Output string
	Err    error
}

func (e *StopError) Error() string { return lifecycleMessage("stop cluster", e.Output, e.Err) }
func (e *StopError) Unwrap() error { return e.Err }

// DestroyError reports a failed destroy, including destroying a
// cluster that was already destroyed.
type DestroyError struct {
	DataDir string
	Err     error
}

func (e *DestroyError) Error() string {
	return fmt.Sprintf("destroy cluster %s: %v", e.DataDir, e.Err)
}

func (e *DestroyError) Unwrap() error { return e.Err }

// NotRunningError reports a Running-only operation against a stopped
// cluster.
type NotRunningError struct {
	DataDir string
}

func (e *NotRunningError) Error() string {
	return fmt.Sprintf("cluster %s is not running", e.DataDir)
}

// ConnectionError reports a failure of the SQL driver layer.
type ConnectionError struct {
	Err error
}

func (e *ConnectionError) Error() string { return fmt.Sprintf("connect to cluster: %v", e.Err) }
func (e *ConnectionError) Unwrap() error { return e.Err }

func lifecycleMessage(op, output string, err error) string {
	msg := fmt.Sprintf("%s: %v", op, err)
	if output = strings.TrimSpace(output); output != "" {
		msg += "\n" + output
	}
	return msg
}
