// Package scoring combines an AI assessment with deterministic signals into
// a single pass/fail score.
package scoring

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"

	"github.com/spigell/mostaql-notifier/internal/domain"
	"github.com/spigell/mostaql-notifier/internal/profile"
	"github.com/spigell/mostaql-notifier/internal/textnorm"
)

const unknownSignal = 0.5

// Weights balance the four signals. Zero disables a signal.
type Weights struct {
	AI      float64 `mapstructure:"ai" json:"ai" validate:"gte=0"`
	Budget  float64 `mapstructure:"budget" json:"budget" validate:"gte=0"`
	Recency float64 `mapstructure:"recency" json:"recency" validate:"gte=0"`
	Client  float64 `mapstructure:"client" json:"client" validate:"gte=0"`
}

func (w Weights) sum() float64 { return w.AI + w.Budget + w.Recency + w.Client }

// Dimensions weight the AI dimensions inside the AI signal.
type Dimensions struct {
	Hiring      float64 `mapstructure:"hiring" json:"hiring" validate:"gte=0"`
	Fit         float64 `mapstructure:"fit" json:"fit" validate:"gte=0"`
	Budget      float64 `mapstructure:"budget" json:"budget" validate:"gte=0"`
	Competition float64 `mapstructure:"competition" json:"competition" validate:"gte=0"`
	Clarity     float64 `mapstructure:"clarity" json:"clarity" validate:"gte=0"`
	Urgency     float64 `mapstructure:"urgency" json:"urgency" validate:"gte=0"`
}

func (d Dimensions) sum() float64 {
	return d.Hiring + d.Fit + d.Budget + d.Competition + d.Clarity + d.Urgency
}

type Config struct {
	Threshold  float64    `mapstructure:"threshold" json:"threshold" validate:"gte=0,lte=1"`
	Weights    Weights    `mapstructure:"weights" json:"weights"`
	Dimensions Dimensions `mapstructure:"dimensions" json:"dimensions"`
	// RecencyHalfLife is the posting age at which the recency signal halves.
	RecencyHalfLife time.Duration `mapstructure:"recency-half-life" json:"recency_half_life"`
	KeywordWeight   float64       `mapstructure:"keyword-weight" json:"keyword_weight" validate:"gte=0,lte=1"`
	GreenKeywords   []string      `mapstructure:"green-keywords" json:"green_keywords"`
	RedKeywords     []string      `mapstructure:"red-keywords" json:"red_keywords"`
}

// DefaultConfig returns the weights used when nothing is configured.
func DefaultConfig() Config {
	return Config{
		Threshold: 0.6,
		Weights: Weights{
			AI:      0.6,
			Budget:  0.15,
			Recency: 0.1,
			Client:  0.15,
		},
		Dimensions: Dimensions{
			Hiring:      0.30,
			Fit:         0.30,
			Budget:      0.15,
			Competition: 0.10,
			Clarity:     0.10,
			Urgency:     0.05,
		},
		RecencyHalfLife: 24 * time.Hour,
		KeywordWeight:   0.05,
	}
}

// Scorer evaluates jobs. It performs no I/O and is safe for concurrent use.
type Scorer struct {
	cfg     Config
	budget  profile.Budget
	version string
	now     func() time.Time
}

func New(cfg Config, prof *profile.Profile) (*Scorer, error) {
	if cfg.Weights.sum() <= 0 {
		return nil, errors.New("at least one scoring weight must be positive")
	}
	if cfg.Weights.AI > 0 && cfg.Dimensions.sum() <= 0 {
		return nil, errors.New("at least one dimension weight must be positive")
	}
	if cfg.Weights.Recency > 0 && cfg.RecencyHalfLife <= 0 {
		return nil, errors.New("recency half-life must be positive")
	}

	s := &Scorer{cfg: cfg, now: time.Now}
	if prof != nil {
		s.budget = prof.Budget
	}

	version, err := s.fingerprint()
	if err != nil {
		return nil, err
	}
	s.version = version
	return s, nil
}

// Version identifies the configuration scores are produced with.
func (s *Scorer) Version() string { return s.version }

func (s *Scorer) fingerprint() (string, error) {
	data, err := json.Marshal(struct {
		Config Config         `json:"config"`
		Budget profile.Budget `json:"budget"`
	}{s.cfg, s.budget})
	if err != nil {
		return "", fmt.Errorf("fingerprint scoring config: %w", err)
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])[:12], nil
}

// Score evaluates job with its analysis. Identical inputs and configuration
// always produce the same value.
func (s *Scorer) Score(job *domain.Job, analysis *domain.Analysis) (*domain.Score, error) {
	if job == nil || analysis == nil {
		return nil, errors.New("job and analysis are required")
	}
	if analysis.JobID != "" && analysis.JobID != job.ID {
		return nil, fmt.Errorf("analysis belongs to job %s, not %s", analysis.JobID, job.ID)
	}

	b := domain.ScoreBreakdown{
		AI:      s.aiSignal(analysis),
		Budget:  s.budgetSignal(job.Budget),
		Recency: s.recencySignal(job.PostedAt, analysis.CreatedAt),
		Client:  clientSignal(job.Publisher),
	}

	w := s.cfg.Weights
	base := (w.AI*b.AI + w.Budget*b.Budget + w.Recency*b.Recency + w.Client*b.Client) / w.sum()

	text := job.Title + " " + job.Brief + " " + job.Description
	b.Green = textnorm.Matches(text, s.cfg.GreenKeywords)
	b.Red = textnorm.Matches(text, s.cfg.RedKeywords)
	b.Keywords = s.cfg.KeywordWeight * float64(len(b.Green)-len(b.Red))

	value := round(clamp(base + b.Keywords))
	return &domain.Score{
		ID:        uuid.NewString(),
		JobID:     job.ID,
		Value:     value,
		Threshold: s.cfg.Threshold,
		Passed:    value >= s.cfg.Threshold,
		Version:   s.version,
		Breakdown: roundBreakdown(b),
		CreatedAt: s.now().UTC(),
	}, nil
}

func (s *Scorer) aiSignal(a *domain.Analysis) float64 {
	d := s.cfg.Dimensions
	if d.sum() <= 0 {
		return unknownSignal
	}
	total := d.Hiring*float64(a.HiringProbability) +
		d.Fit*float64(a.FitScore) +
		d.Budget*float64(a.BudgetFairness) +
		d.Competition*float64(a.CompetitionLevel) +
		d.Clarity*float64(a.JobClarity) +
		d.Urgency*float64(a.UrgencyScore)
	return clamp(total / d.sum() / 100)
}

func (s *Scorer) budgetSignal(b domain.Budget) float64 {
	amount, ok := b.Amount()
	if !ok {
		return unknownSignal
	}
	if s.budget.Min <= 0 || amount >= s.budget.Min {
		return 1
	}
	return clamp(amount / s.budget.Min)
}

func (s *Scorer) recencySignal(posted, analyzed time.Time) float64 {
	if posted.IsZero() || analyzed.IsZero() || s.cfg.RecencyHalfLife <= 0 {
		return unknownSignal
	}
	age := max(analyzed.Sub(posted), 0)
	return math.Pow(0.5, age.Hours()/s.cfg.RecencyHalfLife.Hours())
}

func clientSignal(p domain.Publisher) float64 {
	if p.HireRate == nil {
		return unknownSignal
	}
	verified := 0.0
	if p.Verified {
		verified = 1
	}
	return clamp(0.7*(*p.HireRate)/100 + 0.3*verified)
}

func clamp(v float64) float64 {
	return min(max(v, 0), 1)
}

func round(v float64) float64 {
	return math.Round(v*1e4) / 1e4
}

func roundBreakdown(b domain.ScoreBreakdown) domain.ScoreBreakdown {
	b.AI = round(b.AI)
	b.Budget = round(b.Budget)
	b.Recency = round(b.Recency)
	b.Client = round(b.Client)
	b.Keywords = round(b.Keywords)
	return b
}
