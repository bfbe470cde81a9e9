package framework

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Outcome is the terminal classification of a run.
type Outcome string

const (
	OutcomeCompleted    Outcome = "all-responses-matched"
	OutcomeTimedOut     Outcome = "timeout"
	OutcomeFatal        Outcome = "fatal-stream-error"
	OutcomeAbnormalExit Outcome = "abnormal-exit"
)

// RunID identifies one run in transcripts and verdicts.
type RunID string

func NewRunID() RunID {
	return RunID(uuid.NewString())
}

// RequestResult is what happened to one scripted request.
type RequestResult struct {
	Name     string
	Method   string
	ID       string
	Sent     bool
	Answered bool
	Elapsed  time.Duration
	// RPCError is the error message if the response was a JSON-RPC error.
	RPCError string
	Skipped  bool
}

// RunVerdict is the result of a run. It is computed once, when the run leaves its active state.
type RunVerdict struct {
	RunID     RunID
	Outcome   Outcome
	Detail    string
	Err       error
	Requests  []RequestResult
	Pending   []string
	Anomalies int
	Exit      string
	Started   time.Time
	Finished  time.Time
}

func (v RunVerdict) OK() bool {
	return v.Outcome == OutcomeCompleted
}

func (v RunVerdict) Duration() time.Duration {
	return v.Finished.Sub(v.Started)
}

func (v RunVerdict) String() string {
	s := string(v.Outcome)
	if v.Detail != "" {
		s += ": " + v.Detail
	}
	if len(v.Pending) > 0 {
		s += fmt.Sprintf(" (no response to %s)", strings.Join(v.Pending, ", "))
	}
	return s
}

// Counts returns the number of requests sent and the number answered.
func (v RunVerdict) Counts() (sent, answered int) {
	for _, r := range v.Requests {
		if r.Sent {
			sent++
		}
		if r.Answered {
			answered++
		}
	}
	return
}

// RunFailure is an error describing a run that did not complete.
type RunFailure struct {
	ID      RunID
	Outcome Outcome
	Err     error
}

func (f RunFailure) Error() string {
	return fmt.Sprintf("[%s] %s: %s", f.ID, f.Outcome, f.Err)
}

func (f RunFailure) Unwrap() error { return f.Err }

// Failure returns nil if the run completed, or a RunFailure otherwise.
func (v RunVerdict) Failure() error {
	if v.OK() {
		return nil
	}
	err := v.Err
	if err == nil {
		err = fmt.Errorf("%s", v.Detail)
	}
	return RunFailure{ID: v.RunID, Outcome: v.Outcome, Err: err}
}
