package utils

import "testing"

func TestTruncateForLog(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		input  string
		limit  int
		expect string
	}{
		{
			name:   "empty when limit is not positive",
			input:  "ai response",
			limit:  0,
			expect: "",
		},
		{
			name:   "short text is kept",
			input:  "ok",
			limit:  10,
			expect: "ok",
		},
		{
			name:   "cut text reports its size",
			input:  "score 80 fit",
			limit:  5,
			expect: "score... (12 runes)",
		},
		{
			name:   "newlines collapse to spaces",
			input:  "```json\n{\"fit\": 80}\n```",
			limit:  100,
			expect: "```json {\"fit\": 80} ```",
		},
		{
			name:   "arabic is cut on rune boundaries",
			input:  "مطلوب مطور",
			limit:  5,
			expect: "مطلوب... (10 runes)",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := TruncateForLog(tt.input, tt.limit); got != tt.expect {
				t.Fatalf("expected %q, got %q", tt.expect, got)
			}
		})
	}
}
