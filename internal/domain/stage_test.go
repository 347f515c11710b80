package domain

import (
	"errors"
	"testing"
)

func TestCanTransition(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		from Stage
		to   Stage
		want bool
	}{
		{name: "discovered to analyzed", from: StageDiscovered, to: StageAnalyzed, want: true},
		{name: "analyzed to scored", from: StageAnalyzed, to: StageScored, want: true},
		{name: "analyzed to skipped", from: StageAnalyzed, to: StageSkipped, want: true},
		{name: "scored to notified", from: StageScored, to: StageNotified, want: true},
		{name: "failed analyzed retried", from: StageFailedAnalyzed, to: StageAnalyzed, want: true},
		{name: "failed analyzed fails again", from: StageFailedAnalyzed, to: StageFailedAnalyzed, want: true},
		{name: "failed discovered back to discovered", from: StageFailedDiscovered, to: StageDiscovered, want: true},
		{name: "scored back to discovered", from: StageScored, to: StageDiscovered, want: false},
		{name: "discovered skips analyzed", from: StageDiscovered, to: StageScored, want: false},
		{name: "notified is terminal", from: StageNotified, to: StageFailedNotified, want: false},
		{name: "skipped is terminal", from: StageSkipped, to: StageScored, want: false},
		{name: "failed scored cannot reach analyzed", from: StageFailedScored, to: StageAnalyzed, want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := CanTransition(tt.from, tt.to); got != tt.want {
				t.Fatalf("CanTransition(%s, %s) = %v, want %v", tt.from, tt.to, got, tt.want)
			}
		})
	}
}

// Walks every allowed transition and checks that no path reaches an earlier
// main stage once a later one was passed.
func TestTransitionsAreMonotonic(t *testing.T) {
	order := map[Stage]int{
		StageDiscovered:       0,
		StageFailedDiscovered: 0,
		StageFailedAnalyzed:   1,
		StageAnalyzed:         1,
		StageFailedScored:     2,
		StageScored:           2,
		StageSkipped:          3,
		StageFailedNotified:   3,
		StageNotified:         3,
	}

	for from, next := range transitions {
		for _, to := range next {
			if order[to] < order[from] {
				t.Fatalf("transition %s -> %s moves backwards", from, to)
			}
		}
	}
}

func TestCheckTransitionWrapsSentinel(t *testing.T) {
	err := CheckTransition(StageScored, StageDiscovered)
	if !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition, got %v", err)
	}
	if err := CheckTransition(StageScored, StageNotified); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestFailed(t *testing.T) {
	if got := Failed(StageAnalyzed); got != StageFailedAnalyzed {
		t.Fatalf("expected %s, got %s", StageFailedAnalyzed, got)
	}
	if got := Failed(StageFailedNotified); got != StageFailedNotified {
		t.Fatalf("expected failed stage to stay unchanged, got %s", got)
	}
}

func TestEntryStage(t *testing.T) {
	for in, want := range map[Stage]Stage{
		"":                    StageDiscovered,
		StageDiscovered:       StageDiscovered,
		StageFailedDiscovered: StageFailedDiscovered,
		StageScored:           StageDiscovered,
	} {
		if got := EntryStage(in); got != want {
			t.Fatalf("EntryStage(%q) = %s, want %s", in, got, want)
		}
	}
}

func TestParseStage(t *testing.T) {
	s, err := ParseStage(" Failed:Scored ")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if s != StageFailedScored {
		t.Fatalf("unexpected stage %s", s)
	}

	if _, err := ParseStage("archived"); err == nil {
		t.Fatal("expected error for unknown stage")
	}
}
