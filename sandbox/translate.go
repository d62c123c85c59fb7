package sandbox

import (
	"errors"
	"math"
)

// Fixed client-facing details.
const (
	DetailInvalidInput = "Invalid or too large code input."
	DetailTimedOut     = "Execution timed out"
)

// ReplyStatus is the transport-neutral class of a reply.
type ReplyStatus int

const (
	// ReplyOK carries a RunResponse body: either captured output or the
	// program's own error output.
	ReplyOK ReplyStatus = iota
	// ReplyRejected means the input was invalid.
	ReplyRejected
	// ReplyTimedOut means the program was killed at the timeout.
	ReplyTimedOut
	// ReplyFailed means the service itself failed.
	ReplyFailed
)

func (s ReplyStatus) String() string {
	switch s {
	case ReplyOK:
		return "ok"
	case ReplyRejected:
		return "rejected"
	case ReplyTimedOut:
		return "timed_out"
	default:
		return "failed"
	}
}

// RunResponse is the body returned for executions that ran to an exit.
type RunResponse struct {
	Output        *string  `json:"output"`
	Errors        *string  `json:"errors"`
	ExecutionTime *float64 `json:"execution_time"`
}

// Reply is the externally visible result of one request.
type Reply struct {
	Status ReplyStatus
	Body   *RunResponse
	// Detail explains non-OK replies.
	Detail string
}

// Translate maps what Manager.Execute returned to a Reply.
func Translate(res Result, err error) Reply {
	if err != nil {
		var vErr *ValidationError
		if errors.As(err, &vErr) {
			return Reply{Status: ReplyRejected, Detail: DetailInvalidInput}
		}
		return Reply{Status: ReplyFailed, Detail: err.Error()}
	}

	switch res.Outcome {
	case OutcomeCompleted:
		return Reply{Status: ReplyOK, Body: &RunResponse{
			Output:        res.Output,
			ExecutionTime: seconds(res),
		}}
	case OutcomeTimedOut:
		return Reply{Status: ReplyTimedOut, Detail: DetailTimedOut}
	case OutcomeProviderError:
		return Reply{Status: ReplyOK, Body: &RunResponse{
			Errors:        res.ErrorMessage,
			ExecutionTime: seconds(res),
		}}
	default:
		return Reply{Status: ReplyFailed, Detail: "execution ended with outcome " + res.Outcome.String()}
	}
}

// seconds reports elapsed time rounded to milliseconds, or nil when the
// sandbox never started.
func seconds(res Result) *float64 {
	if !res.Started {
		return nil
	}
	s := math.Round(res.Elapsed.Seconds()*1000) / 1000
	return &s
}
