package domain

import (
	"testing"
	"time"
)

func TestJobReviseKeepsKnownFields(t *testing.T) {
	stored := &Job{
		ID:          "101",
		Title:       "Build a scraper",
		Description: "full text",
		Budget:      Budget{Min: Float(25), Max: Float(50), Raw: "$25.00 - $50.00"},
		Publisher:   Publisher{Name: "Sami", HireRate: Float(80)},
		PostedAt:    time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
	}

	listing := &Job{ID: "101", Title: "renamed", Brief: "short text", Publisher: Publisher{Name: "Sami"}}
	if !stored.Revise(listing) {
		t.Fatal("expected brief change to be reported")
	}

	if stored.Title != "Build a scraper" {
		t.Fatalf("title must not change, got %q", stored.Title)
	}
	if stored.Description != "full text" {
		t.Fatalf("description must survive an empty revision, got %q", stored.Description)
	}
	if stored.Budget.Max == nil || *stored.Budget.Max != 50 {
		t.Fatalf("budget must survive an empty revision, got %+v", stored.Budget)
	}
	if stored.Publisher.HireRate == nil || *stored.Publisher.HireRate != 80 {
		t.Fatalf("hire rate must survive, got %+v", stored.Publisher)
	}

	if stored.Revise(&Job{ID: "101", Brief: "short text"}) {
		t.Fatal("identical revision must not report a change")
	}

	if !stored.Revise(&Job{ID: "101", Budget: Budget{Max: Float(75)}}) {
		t.Fatal("expected budget change to be reported")
	}
	if *stored.Budget.Max != 75 {
		t.Fatalf("expected max budget 75, got %v", *stored.Budget.Max)
	}
}

func TestJobMissing(t *testing.T) {
	tests := []struct {
		name string
		job  Job
		want int
	}{
		{name: "complete", job: Job{ID: "1", Title: "t", URL: "u"}, want: 0},
		{name: "no title", job: Job{ID: "1", URL: "u"}, want: 1},
		{name: "blank everything", job: Job{ID: " ", Title: " "}, want: 3},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.job.Missing(); len(got) != tt.want {
				t.Fatalf("expected %d missing fields, got %v", tt.want, got)
			}
		})
	}
}

func TestBudgetAmount(t *testing.T) {
	if _, ok := (Budget{}).Amount(); ok {
		t.Fatal("empty budget must be unknown")
	}
	if v, _ := (Budget{Min: Float(10)}).Amount(); v != 10 {
		t.Fatalf("expected min fallback, got %v", v)
	}
	if v, _ := (Budget{Min: Float(10), Max: Float(40)}).Amount(); v != 40 {
		t.Fatalf("expected max, got %v", v)
	}
}

func TestJobCloneIsDeep(t *testing.T) {
	j := &Job{ID: "1", Tags: []string{"go"}, Budget: Budget{Max: Float(5)}}
	c := j.Clone()
	c.Tags[0] = "python"
	*c.Budget.Max = 9

	if j.Tags[0] != "go" || *j.Budget.Max != 5 {
		t.Fatalf("clone shares memory with original: %+v", j)
	}
}
