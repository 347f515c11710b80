package scoring

import (
	"math"
	"testing"
	"time"

	"github.com/spigell/mostaql-notifier/internal/domain"
	"github.com/spigell/mostaql-notifier/internal/profile"
)

var analyzedAt = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func testProfile() *profile.Profile {
	return &profile.Profile{ExpertSkills: []string{"Go"}, Budget: profile.Budget{Min: 100, Max: 1000}}
}

func analysisAt(v int) *domain.Analysis {
	return &domain.Analysis{
		JobID:             "1",
		HiringProbability: v,
		FitScore:          v,
		BudgetFairness:    v,
		JobClarity:        v,
		CompetitionLevel:  v,
		UrgencyScore:      v,
		CreatedAt:         analyzedAt,
	}
}

func budgetJob(amount float64) *domain.Job {
	return &domain.Job{ID: "1", Title: "API", Budget: domain.Budget{Max: domain.Float(amount)}}
}

func TestScoreEndToEndValue(t *testing.T) {
	t.Parallel()

	cfg := DefaultConfig()
	cfg.Threshold = 0.7
	cfg.Weights = Weights{AI: 0.9, Budget: 0.1}

	s, err := New(cfg, testProfile())
	if err != nil {
		t.Fatalf("new scorer: %v", err)
	}

	score, err := s.Score(budgetJob(500), analysisAt(80))
	if err != nil {
		t.Fatalf("score: %v", err)
	}
	if score.Value != 0.82 {
		t.Fatalf("expected 0.82, got %v", score.Value)
	}
	if !score.Passed || score.Threshold != 0.7 {
		t.Fatalf("expected pass at threshold 0.7, got %+v", score)
	}
	if score.Version != s.Version() || len(score.Version) != 12 {
		t.Fatalf("unexpected version %q", score.Version)
	}
}

func TestScoreDeterministic(t *testing.T) {
	t.Parallel()

	cfg := DefaultConfig()
	cfg.GreenKeywords = []string{"golang"}
	s, err := New(cfg, testProfile())
	if err != nil {
		t.Fatalf("new scorer: %v", err)
	}

	job := budgetJob(50)
	job.PostedAt = analyzedAt.Add(-6 * time.Hour)
	job.Description = "Golang backend"
	job.Publisher = domain.Publisher{Verified: true, HireRate: domain.Float(60)}

	first, err := s.Score(job, analysisAt(63))
	if err != nil {
		t.Fatalf("score: %v", err)
	}
	for range 5 {
		next, err := s.Score(job, analysisAt(63))
		if err != nil {
			t.Fatalf("score: %v", err)
		}
		if next.Value != first.Value || next.Breakdown.Recency != first.Breakdown.Recency {
			t.Fatalf("expected identical scores, got %v and %v", first.Value, next.Value)
		}
	}

	other, err := New(cfg, testProfile())
	if err != nil {
		t.Fatalf("new scorer: %v", err)
	}
	if other.Version() != s.Version() {
		t.Fatalf("expected same version for same config")
	}
}

func TestVersionChangesWithWeights(t *testing.T) {
	t.Parallel()

	a, _ := New(DefaultConfig(), testProfile())
	cfg := DefaultConfig()
	cfg.Weights.AI = 0.7
	b, _ := New(cfg, testProfile())
	if a.Version() == b.Version() {
		t.Fatalf("expected different versions, both %q", a.Version())
	}
}

func TestSignals(t *testing.T) {
	t.Parallel()

	s, err := New(DefaultConfig(), testProfile())
	if err != nil {
		t.Fatalf("new scorer: %v", err)
	}

	t.Run("budget", func(t *testing.T) {
		tests := []struct {
			budget domain.Budget
			want   float64
		}{
			{domain.Budget{}, 0.5},
			{domain.Budget{Max: domain.Float(500)}, 1},
			{domain.Budget{Max: domain.Float(5000)}, 1},
			{domain.Budget{Min: domain.Float(25)}, 0.25},
			{domain.Budget{Min: domain.Float(25), Max: domain.Float(50)}, 0.5},
		}
		for _, tc := range tests {
			if got := s.budgetSignal(tc.budget); got != tc.want {
				t.Fatalf("budget %+v: expected %v, got %v", tc.budget, tc.want, got)
			}
		}
	})

	t.Run("recency", func(t *testing.T) {
		if got := s.recencySignal(time.Time{}, analyzedAt); got != 0.5 {
			t.Fatalf("expected 0.5 for unknown posting time, got %v", got)
		}
		if got := s.recencySignal(analyzedAt.Add(-24*time.Hour), analyzedAt); math.Abs(got-0.5) > 1e-9 {
			t.Fatalf("expected half after one half-life, got %v", got)
		}
		if got := s.recencySignal(analyzedAt.Add(time.Hour), analyzedAt); got != 1 {
			t.Fatalf("expected 1 for future posting time, got %v", got)
		}
	})

	t.Run("client", func(t *testing.T) {
		if got := clientSignal(domain.Publisher{Verified: true}); got != 0.5 {
			t.Fatalf("expected 0.5 without history, got %v", got)
		}
		if got := clientSignal(domain.Publisher{Verified: true, HireRate: domain.Float(100)}); got != 1 {
			t.Fatalf("expected 1 for perfect client, got %v", got)
		}
		if got := clientSignal(domain.Publisher{HireRate: domain.Float(50)}); math.Abs(got-0.35) > 1e-9 {
			t.Fatalf("expected 0.35, got %v", got)
		}
	})
}

func TestKeywords(t *testing.T) {
	t.Parallel()

	cfg := DefaultConfig()
	cfg.Weights = Weights{AI: 1}
	cfg.KeywordWeight = 0.1
	cfg.GreenKeywords = []string{"golang", "برمجة"}
	cfg.RedKeywords = []string{"عاجل جدا"}

	s, err := New(cfg, testProfile())
	if err != nil {
		t.Fatalf("new scorer: %v", err)
	}

	job := budgetJob(500)
	job.Title = "مطلوب GoLang"
	job.Description = "البرمجة بلغة جو، عاجل جداً"

	score, err := s.Score(job, analysisAt(50))
	if err != nil {
		t.Fatalf("score: %v", err)
	}
	if len(score.Breakdown.Green) != 2 || len(score.Breakdown.Red) != 1 {
		t.Fatalf("unexpected keyword matches: green=%v red=%v", score.Breakdown.Green, score.Breakdown.Red)
	}
	if score.Value != 0.6 {
		t.Fatalf("expected 0.5 + 0.2 - 0.1 = 0.6, got %v", score.Value)
	}
}

func TestClampAndFail(t *testing.T) {
	t.Parallel()

	cfg := DefaultConfig()
	cfg.Weights = Weights{AI: 1}
	cfg.KeywordWeight = 1
	cfg.RedKeywords = []string{"api"}

	s, err := New(cfg, testProfile())
	if err != nil {
		t.Fatalf("new scorer: %v", err)
	}
	score, err := s.Score(budgetJob(500), analysisAt(30))
	if err != nil {
		t.Fatalf("score: %v", err)
	}
	if score.Value != 0 || score.Passed {
		t.Fatalf("expected clamped failing score, got %+v", score)
	}
}

func TestNewRejectsBadConfig(t *testing.T) {
	t.Parallel()

	zero := DefaultConfig()
	zero.Weights = Weights{}

	noHalfLife := DefaultConfig()
	noHalfLife.RecencyHalfLife = 0

	noDims := DefaultConfig()
	noDims.Dimensions = Dimensions{}

	for name, cfg := range map[string]Config{"zero weights": zero, "no half-life": noHalfLife, "no dimensions": noDims} {
		if _, err := New(cfg, nil); err == nil {
			t.Fatalf("%s: expected error", name)
		}
	}
}

func TestScoreRejectsMismatchedAnalysis(t *testing.T) {
	t.Parallel()

	s, _ := New(DefaultConfig(), testProfile())
	a := analysisAt(50)
	a.JobID = "2"
	if _, err := s.Score(budgetJob(100), a); err == nil {
		t.Fatalf("expected error for mismatched job")
	}
}
