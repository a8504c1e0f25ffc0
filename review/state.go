package review

import (
	"errors"
	"fmt"
	"slices"
)

// Stage is a step of the per-job state machine.
type Stage string

const (
	StagePending     Stage = "pending"
	StageCheckingOut Stage = "checking_out"
	StageAnalyzing   Stage = "analyzing"
	StageAggregating Stage = "aggregating"
	StageCompleted   Stage = "completed"
	StageFailed      Stage = "failed"
)

// ErrIllegalTransition is a programming error in the orchestrator.
var ErrIllegalTransition = errors.New("illegal stage transition")

var transitions = map[Stage][]Stage{
	StagePending:     {StageCheckingOut, StageFailed},
	StageCheckingOut: {StageAnalyzing, StageFailed},
	StageAnalyzing:   {StageAggregating, StageFailed},
	StageAggregating: {StageCompleted, StageFailed},
}

// Terminal reports whether no transition leaves s.
func (s Stage) Terminal() bool {
	return s == StageCompleted || s == StageFailed
}

// machine tracks one job's stage.
type machine struct {
	stage Stage
}

func newMachine() *machine {
	return &machine{stage: StagePending}
}

func (m *machine) advance(to Stage) error {
	if !slices.Contains(transitions[m.stage], to) {
		return fmt.Errorf("%w: %s -> %s", ErrIllegalTransition, m.stage, to)
	}
	m.stage = to
	return nil
}

// StageError reports why a job left the happy path. Retryable errors are
// requeued while attempts remain; the rest fail the review with Reason.
type StageError struct {
	Stage     Stage
	Reason    string
	Retryable bool
	Err       error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("%s: %s: %v", e.Stage, e.Reason, e.Err)
}

func (e *StageError) Unwrap() error {
	return e.Err
}
