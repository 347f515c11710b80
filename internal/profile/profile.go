// Package profile loads the freelancer profile that postings are judged against.
package profile

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Profile describes the freelancer.
type Profile struct {
	Name               string   `yaml:"name"`
	Summary            string   `yaml:"summary"`
	ExpertSkills       []string `yaml:"expert_skills"`
	IntermediateSkills []string `yaml:"intermediate_skills"`
	ExperienceYears    int      `yaml:"experience_years"`
	Budget             Budget   `yaml:"budget"`
	// NegativeKeywords drop a posting before its detail page is fetched.
	NegativeKeywords []string `yaml:"negative_keywords"`
}

// Budget is the preferred price range in USD. Zero means unbounded.
type Budget struct {
	Min float64 `yaml:"min"`
	Max float64 `yaml:"max"`
}

// Load reads and validates a profile file. Unknown keys are rejected.
func Load(path string) (*Profile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read profile: %w", err)
	}
	return Parse(data)
}

// Parse decodes a profile document.
func Parse(data []byte) (*Profile, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)

	var p Profile
	if err := dec.Decode(&p); err != nil {
		return nil, fmt.Errorf("decode profile: %w", err)
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return &p, nil
}

// Validate checks that the profile can drive an analysis.
func (p *Profile) Validate() error {
	if len(p.ExpertSkills) == 0 && len(p.IntermediateSkills) == 0 {
		return errors.New("profile must list at least one skill")
	}
	if p.ExperienceYears < 0 {
		return errors.New("profile experience_years must not be negative")
	}
	if p.Budget.Min < 0 || p.Budget.Max < 0 {
		return errors.New("profile budget must not be negative")
	}
	if p.Budget.Max > 0 && p.Budget.Min > p.Budget.Max {
		return fmt.Errorf("profile budget min %.0f exceeds max %.0f", p.Budget.Min, p.Budget.Max)
	}
	return nil
}

// Skills returns expert and intermediate skills together.
func (p *Profile) Skills() []string {
	out := make([]string, 0, len(p.ExpertSkills)+len(p.IntermediateSkills))
	out = append(out, p.ExpertSkills...)
	return append(out, p.IntermediateSkills...)
}

// BudgetText renders the preferred range for humans and prompts.
func (p *Profile) BudgetText() string {
	switch {
	case p.Budget.Min > 0 && p.Budget.Max > 0:
		return fmt.Sprintf("$%.0f-$%.0f", p.Budget.Min, p.Budget.Max)
	case p.Budget.Min > 0:
		return fmt.Sprintf("from $%.0f", p.Budget.Min)
	case p.Budget.Max > 0:
		return fmt.Sprintf("up to $%.0f", p.Budget.Max)
	default:
		return "N/A"
	}
}

// Text renders the profile block used in prompts.
func (p *Profile) Text() string {
	var b strings.Builder
	if p.Name != "" {
		fmt.Fprintf(&b, "Name: %s\n", p.Name)
	}
	if p.Summary != "" {
		fmt.Fprintf(&b, "Summary: %s\n", strings.TrimSpace(p.Summary))
	}
	fmt.Fprintf(&b, "Expert Skills: %s\n", strings.Join(p.ExpertSkills, ", "))
	fmt.Fprintf(&b, "Intermediate Skills: %s\n", strings.Join(p.IntermediateSkills, ", "))
	fmt.Fprintf(&b, "Experience: %d years\n", p.ExperienceYears)
	fmt.Fprintf(&b, "Preferred Budget: %s", p.BudgetText())
	return b.String()
}
