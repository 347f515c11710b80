package analyzer

import (
	"encoding/json"
	"fmt"
	"reflect"
	"strconv"
	"strings"

	"github.com/mitchellh/mapstructure"

	"github.com/spigell/mostaql-notifier/internal/domain"
)

const defaultDimension = 50

var scoreKeys = []string{
	"hiring_probability",
	"fit_score",
	"budget_fairness",
	"job_clarity",
	"competition_level",
	"urgency_score",
	"overall_score",
}

// payload mirrors the JSON object the prompt asks for. Score pointers stay
// nil when the provider left a dimension out.
type payload struct {
	HiringProbability *int `mapstructure:"hiring_probability"`
	FitScore          *int `mapstructure:"fit_score"`
	BudgetFairness    *int `mapstructure:"budget_fairness"`
	JobClarity        *int `mapstructure:"job_clarity"`
	CompetitionLevel  *int `mapstructure:"competition_level"`
	UrgencyScore      *int `mapstructure:"urgency_score"`
	OverallScore      *int `mapstructure:"overall_score"`

	JobSummary               string   `mapstructure:"job_summary"`
	RequiredSkillsAnalysis   string   `mapstructure:"required_skills_analysis"`
	RedFlags                 []string `mapstructure:"red_flags"`
	GreenFlags               []string `mapstructure:"green_flags"`
	RecommendedProposalAngle string   `mapstructure:"recommended_proposal_angle"`
	EstimatedRealBudget      string   `mapstructure:"estimated_real_budget"`
	Recommendation           string   `mapstructure:"recommendation"`
	RecommendationReason     string   `mapstructure:"recommendation_reason"`
}

// Parse decodes a provider response into an Analysis. Only the assessment
// fields are filled; identity and provenance are left to the caller.
func Parse(text string) (*domain.Analysis, error) {
	raw, err := extractJSON(text)
	if err != nil {
		return nil, err
	}

	var fields map[string]any
	if err := json.Unmarshal([]byte(raw), &fields); err != nil {
		return nil, fmt.Errorf("%w: %w", domain.ErrMalformedResponse, err)
	}
	if !hasScore(fields) {
		return nil, fmt.Errorf("%w: no score fields in response", domain.ErrMalformedResponse)
	}

	var p payload
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		DecodeHook:       mapstructure.ComposeDecodeHookFunc(textHook, scoreHook),
		WeaklyTypedInput: true,
		Result:           &p,
	})
	if err != nil {
		return nil, err
	}
	if err := dec.Decode(fields); err != nil {
		return nil, fmt.Errorf("%w: %w", domain.ErrMalformedResponse, err)
	}

	return &domain.Analysis{
		HiringProbability: dimension(p.HiringProbability),
		FitScore:          dimension(p.FitScore),
		BudgetFairness:    dimension(p.BudgetFairness),
		JobClarity:        dimension(p.JobClarity),
		CompetitionLevel:  dimension(p.CompetitionLevel),
		UrgencyScore:      dimension(p.UrgencyScore),
		OverallScore:      dimension(p.OverallScore),
		Summary:           strings.TrimSpace(p.JobSummary),
		SkillsAnalysis:    strings.TrimSpace(p.RequiredSkillsAnalysis),
		RedFlags:          compact(p.RedFlags),
		GreenFlags:        compact(p.GreenFlags),
		ProposalAngle:     strings.TrimSpace(p.RecommendedProposalAngle),
		EstimatedBudget:   strings.TrimSpace(p.EstimatedRealBudget),
		Recommendation:    recommendation(p.Recommendation),
		Reason:            strings.TrimSpace(p.RecommendationReason),
		Raw:               raw,
	}, nil
}

// extractJSON returns the outermost JSON object in text, tolerating code
// fences and chatter around it.
func extractJSON(text string) (string, error) {
	s := strings.TrimSpace(text)
	s = strings.TrimPrefix(s, "```json")
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimSuffix(s, "```")

	start := strings.Index(s, "{")
	end := strings.LastIndex(s, "}")
	if start < 0 || end <= start {
		return "", fmt.Errorf("%w: no json object in response", domain.ErrMalformedResponse)
	}
	return s[start : end+1], nil
}

func hasScore(fields map[string]any) bool {
	for _, key := range scoreKeys {
		if v, ok := fields[key]; ok && v != nil {
			return true
		}
	}
	return false
}

// scoreHook accepts "85", "85.5" and "85%" for integer scores. Values that
// are not numbers decode as missing.
func scoreHook(from, to reflect.Type, data any) (any, error) {
	if to.Kind() == reflect.Ptr {
		to = to.Elem()
	}
	if to.Kind() != reflect.Int {
		return data, nil
	}

	switch from.Kind() {
	case reflect.String:
		s := strings.TrimSpace(strings.TrimSuffix(strings.TrimSpace(data.(string)), "%"))
		f, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return nil, nil
		}
		return int(f), nil
	case reflect.Bool, reflect.Slice, reflect.Map:
		return nil, nil
	default:
		return data, nil
	}
}

// textHook joins list values that arrive where a single string is expected.
func textHook(from, to reflect.Type, data any) (any, error) {
	if to.Kind() != reflect.String || from.Kind() != reflect.Slice {
		return data, nil
	}
	items, ok := data.([]any)
	if !ok {
		return data, nil
	}
	parts := make([]string, 0, len(items))
	for _, item := range items {
		parts = append(parts, fmt.Sprint(item))
	}
	return strings.Join(parts, "\n"), nil
}

func dimension(v *int) int {
	if v == nil {
		return defaultDimension
	}
	return min(max(*v, 0), 100)
}

func recommendation(s string) domain.Recommendation {
	switch r := domain.Recommendation(strings.ToLower(strings.TrimSpace(s))); r {
	case domain.RecommendInstant, domain.RecommendDigest, domain.RecommendSkip:
		return r
	default:
		return domain.RecommendSkip
	}
}

func compact(items []string) []string {
	out := make([]string, 0, len(items))
	for _, item := range items {
		if s := strings.TrimSpace(item); s != "" {
			out = append(out, s)
		}
	}
	return out
}
