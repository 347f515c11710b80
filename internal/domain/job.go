package domain

import (
	"slices"
	"strings"
	"time"
)

// Job is one posting observed on the marketplace.
type Job struct {
	ID          string    `json:"id"`
	Title       string    `json:"title"`
	Brief       string    `json:"brief,omitempty"`
	Description string    `json:"description,omitempty"`
	Budget      Budget    `json:"budget"`
	PostedAt    time.Time `json:"posted_at"`
	URL         string    `json:"url"`
	Category    string    `json:"category,omitempty"`
	Tags        []string  `json:"tags,omitempty"`
	Proposals   int       `json:"proposals"`
	Publisher   Publisher `json:"publisher"`

	Stage       Stage     `json:"stage"`
	Attempts    int       `json:"attempts"`
	FirstSeenAt time.Time `json:"first_seen_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Budget is the advertised price range in USD. Nil bounds are unknown.
type Budget struct {
	Min *float64 `json:"min,omitempty"`
	Max *float64 `json:"max,omitempty"`
	Raw string   `json:"raw,omitempty"`
}

// Publisher holds the client's hiring history as shown on the job page.
type Publisher struct {
	Name         string   `json:"name,omitempty"`
	Verified     bool     `json:"verified,omitempty"`
	HireRate     *float64 `json:"hire_rate,omitempty"`
	OpenProjects int      `json:"open_projects,omitempty"`
}

// JobRef is the lightweight handle yielded when scanning a stage.
type JobRef struct {
	ID          string
	Stage       Stage
	Attempts    int
	FirstSeenAt time.Time
}

// Known reports whether the budget has at least one bound.
func (b Budget) Known() bool {
	return b.Min != nil || b.Max != nil
}

// Amount returns the upper bound when present and the lower one otherwise.
func (b Budget) Amount() (float64, bool) {
	switch {
	case b.Max != nil:
		return *b.Max, true
	case b.Min != nil:
		return *b.Min, true
	default:
		return 0, false
	}
}

// Missing returns the names of required fields that are empty.
func (j *Job) Missing() []string {
	var missing []string
	if strings.TrimSpace(j.ID) == "" {
		missing = append(missing, "id")
	}
	if strings.TrimSpace(j.Title) == "" {
		missing = append(missing, "title")
	}
	if strings.TrimSpace(j.URL) == "" {
		missing = append(missing, "url")
	}
	return missing
}

// Text returns the searchable text of the posting.
func (j *Job) Text() string {
	parts := []string{j.Title, j.Brief, j.Description, j.Category}
	parts = append(parts, j.Tags...)
	return strings.Join(parts, " ")
}

// Revise applies source-side revisions from next onto j and reports whether
// anything changed. Identity and bookkeeping fields are left untouched. Empty
// values in next never erase what is already known.
func (j *Job) Revise(next *Job) bool {
	changed := false

	if next.Brief != "" && next.Brief != j.Brief {
		j.Brief = next.Brief
		changed = true
	}
	if next.Description != "" && next.Description != j.Description {
		j.Description = next.Description
		changed = true
	}
	if next.Budget.Min != nil && !sameFloat(next.Budget.Min, j.Budget.Min) {
		j.Budget.Min = floatPtr(*next.Budget.Min)
		changed = true
	}
	if next.Budget.Max != nil && !sameFloat(next.Budget.Max, j.Budget.Max) {
		j.Budget.Max = floatPtr(*next.Budget.Max)
		changed = true
	}
	if next.Budget.Raw != "" && next.Budget.Raw != j.Budget.Raw {
		j.Budget.Raw = next.Budget.Raw
		changed = true
	}
	if next.Category != "" && next.Category != j.Category {
		j.Category = next.Category
		changed = true
	}
	if len(next.Tags) > 0 && !slices.Equal(next.Tags, j.Tags) {
		j.Tags = slices.Clone(next.Tags)
		changed = true
	}
	if next.Proposals != j.Proposals && next.Proposals > 0 {
		j.Proposals = next.Proposals
		changed = true
	}
	if j.Publisher.merge(next.Publisher) {
		changed = true
	}

	return changed
}

func (p *Publisher) merge(next Publisher) bool {
	changed := false
	if next.Name != "" && next.Name != p.Name {
		p.Name = next.Name
		changed = true
	}
	if next.Verified && !p.Verified {
		p.Verified = true
		changed = true
	}
	if next.HireRate != nil && !sameFloat(next.HireRate, p.HireRate) {
		p.HireRate = floatPtr(*next.HireRate)
		changed = true
	}
	if next.OpenProjects != 0 && next.OpenProjects != p.OpenProjects {
		p.OpenProjects = next.OpenProjects
		changed = true
	}
	return changed
}

// Clone returns a deep copy of j.
func (j *Job) Clone() *Job {
	c := *j
	c.Tags = slices.Clone(j.Tags)
	if j.Budget.Min != nil {
		c.Budget.Min = floatPtr(*j.Budget.Min)
	}
	if j.Budget.Max != nil {
		c.Budget.Max = floatPtr(*j.Budget.Max)
	}
	if j.Publisher.HireRate != nil {
		c.Publisher.HireRate = floatPtr(*j.Publisher.HireRate)
	}
	return &c
}

func sameFloat(a, b *float64) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

func floatPtr(v float64) *float64 { return &v }

// Float returns a pointer to v.
func Float(v float64) *float64 { return floatPtr(v) }
