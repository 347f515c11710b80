package domain

import (
	"fmt"
	"strings"
)

// Stage is the position of a job in the pipeline.
type Stage string

const (
	StageDiscovered Stage = "discovered"
	StageAnalyzed   Stage = "analyzed"
	StageScored     Stage = "scored"
	StageNotified   Stage = "notified"
	StageSkipped    Stage = "skipped"

	StageFailedDiscovered Stage = "failed:discovered"
	StageFailedAnalyzed   Stage = "failed:analyzed"
	StageFailedScored     Stage = "failed:scored"
	StageFailedNotified   Stage = "failed:notified"
)

const failedPrefix = "failed:"

// PendingStages lists the stages the processor picks work from. Analyzed and
// scored are included so that jobs interrupted by a crash are resumed.
var PendingStages = []Stage{
	StageDiscovered,
	StageFailedAnalyzed,
	StageAnalyzed,
	StageFailedScored,
	StageScored,
	StageFailedNotified,
}

// FailedStages lists every retryable failure stage.
var FailedStages = []Stage{
	StageFailedDiscovered,
	StageFailedAnalyzed,
	StageFailedScored,
	StageFailedNotified,
}

var transitions = map[Stage][]Stage{
	StageDiscovered:       {StageAnalyzed, StageFailedAnalyzed, StageFailedDiscovered},
	StageFailedDiscovered: {StageDiscovered, StageFailedDiscovered},
	StageFailedAnalyzed:   {StageAnalyzed, StageFailedAnalyzed},
	StageAnalyzed:         {StageScored, StageSkipped, StageFailedScored},
	StageFailedScored:     {StageScored, StageSkipped, StageFailedScored},
	StageScored:           {StageNotified, StageFailedNotified},
	StageFailedNotified:   {StageNotified, StageFailedNotified},
}

// EntryStage is the stage a new job is stored in. A job handed over as
// failed:discovered stays provisional until its details are stored, anything
// else enters as discovered.
func EntryStage(s Stage) Stage {
	if s == StageFailedDiscovered {
		return s
	}
	return StageDiscovered
}

// Failed returns the failure stage for s. Failing an already failed stage
// keeps it unchanged.
func Failed(s Stage) Stage {
	if s.IsFailed() {
		return s
	}
	return Stage(failedPrefix + string(s))
}

// IsFailed reports whether s is one of the retryable failure stages.
func (s Stage) IsFailed() bool {
	return strings.HasPrefix(string(s), failedPrefix)
}

// IsTerminal reports whether no further transition is possible.
func (s Stage) IsTerminal() bool {
	return s == StageNotified || s == StageSkipped
}

// Valid reports whether s is a known stage.
func (s Stage) Valid() bool {
	if s.IsTerminal() {
		return true
	}
	_, ok := transitions[s]
	return ok
}

func (s Stage) String() string { return string(s) }

// CanTransition reports whether a job may move from one stage to another.
func CanTransition(from, to Stage) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// CheckTransition is CanTransition returning ErrInvalidTransition with context.
func CheckTransition(from, to Stage) error {
	if !CanTransition(from, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}
	return nil
}

// ParseStage converts a stored or user supplied value into a Stage.
func ParseStage(value string) (Stage, error) {
	s := Stage(strings.TrimSpace(strings.ToLower(value)))
	if !s.Valid() {
		return "", fmt.Errorf("unknown stage %q", value)
	}
	return s, nil
}
