package sandbox

import (
	"fmt"
	"time"
)

// ExecutionRequest is one caller submission.
type ExecutionRequest struct {
	Code string
}

// Outcome classifies how a request ended.
type Outcome int

const (
	// OutcomeRejected means validation failed and nothing was provisioned.
	OutcomeRejected Outcome = iota
	OutcomeCompleted
	OutcomeTimedOut
	OutcomeProviderError
	OutcomeInternalError
)

func (o Outcome) String() string {
	switch o {
	case OutcomeRejected:
		return "rejected"
	case OutcomeCompleted:
		return "completed"
	case OutcomeTimedOut:
		return "timed_out"
	case OutcomeProviderError:
		return "provider_error"
	case OutcomeInternalError:
		return "internal_error"
	default:
		return fmt.Sprintf("outcome(%d)", int(o))
	}
}

// Result is the record of one sandbox lifecycle.
type Result struct {
	Outcome Outcome
	// Output is the captured stdout and stderr of a completed run.
	Output *string
	// ErrorMessage carries the program's diagnostic output when it exited
	// abnormally.
	ErrorMessage *string
	// Started reports whether a sandbox was created and started. Elapsed is
	// meaningful only when Started is true.
	Started   bool
	Elapsed   time.Duration
	ExitCode  int
	SandboxID string
}

// ValidationError rejects input before any sandbox work happens.
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string {
	return "invalid code input: " + e.Reason
}

// ProviderFault reports a failure of the isolation layer itself.
type ProviderFault struct {
	Op  string
	Err error
}

func (e *ProviderFault) Error() string {
	return fmt.Sprintf("sandbox provider failed to %s: %v", e.Op, e.Err)
}

func (e *ProviderFault) Unwrap() error {
	return e.Err
}
