package domain

import "time"

// Recommendation is the AI provider's own verdict for a posting.
type Recommendation string

const (
	RecommendInstant Recommendation = "instant_alert"
	RecommendDigest  Recommendation = "digest"
	RecommendSkip    Recommendation = "skip"
)

// Analysis is the structured AI assessment of one job for one model version.
type Analysis struct {
	ID           string `json:"id"`
	JobID        string `json:"job_id"`
	ModelVersion string `json:"model_version"`
	Provider     string `json:"provider"`
	Model        string `json:"model"`
	TokensUsed   int    `json:"tokens_used"`

	HiringProbability int `json:"hiring_probability"`
	FitScore          int `json:"fit_score"`
	BudgetFairness    int `json:"budget_fairness"`
	JobClarity        int `json:"job_clarity"`
	CompetitionLevel  int `json:"competition_level"`
	UrgencyScore      int `json:"urgency_score"`
	OverallScore      int `json:"overall_score"`

	Summary         string         `json:"summary"`
	SkillsAnalysis  string         `json:"skills_analysis"`
	RedFlags        []string       `json:"red_flags"`
	GreenFlags      []string       `json:"green_flags"`
	ProposalAngle   string         `json:"proposal_angle"`
	EstimatedBudget string         `json:"estimated_budget"`
	Recommendation  Recommendation `json:"recommendation"`
	Reason          string         `json:"reason"`

	Raw       string    `json:"-"`
	CreatedAt time.Time `json:"created_at"`
}

// Score is one evaluation of a job against the scoring configuration.
type Score struct {
	ID        string         `json:"id"`
	JobID     string         `json:"job_id"`
	Value     float64        `json:"value"`
	Threshold float64        `json:"threshold"`
	Passed    bool           `json:"passed"`
	Version   string         `json:"version"`
	Breakdown ScoreBreakdown `json:"breakdown"`
	CreatedAt time.Time      `json:"created_at"`
}

// ScoreBreakdown records every signal that went into a score.
type ScoreBreakdown struct {
	AI       float64  `json:"ai"`
	Budget   float64  `json:"budget"`
	Recency  float64  `json:"recency"`
	Client   float64  `json:"client"`
	Keywords float64  `json:"keywords"`
	Green    []string `json:"green,omitempty"`
	Red      []string `json:"red,omitempty"`
}

// NotificationStatus is the delivery state of a notification.
type NotificationStatus string

const (
	// NotificationPending is written before the send and marks an attempt in flight.
	NotificationPending NotificationStatus = "pending"
	NotificationSent    NotificationStatus = "sent"
	NotificationFailed  NotificationStatus = "failed"
)

// NotificationRecord is the single notification ledger entry of a job.
type NotificationRecord struct {
	JobID      string             `json:"job_id"`
	Channel    string             `json:"channel"`
	Status     NotificationStatus `json:"status"`
	MessageRef string             `json:"message_ref,omitempty"`
	Attempts   int                `json:"attempts"`
	Error      string             `json:"error,omitempty"`
	CreatedAt  time.Time          `json:"created_at"`
	UpdatedAt  time.Time          `json:"updated_at"`
}
