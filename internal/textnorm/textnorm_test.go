package textnorm

import (
	"slices"
	"testing"
)

func TestNormalize(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		in   string
		want string
	}{
		{name: "case", in: "Golang DEVELOPER", want: "golang developer"},
		{name: "accents", in: "Café Résumé", want: "cafe resume"},
		{name: "tatweel", in: "برمجــــة", want: "برمجه"},
		{name: "harakat", in: "مُبَرْمِج", want: "مبرمج"},
		{name: "alef", in: "أحمد إبراهيم آمال", want: "احمد ابراهيم امال"},
		{name: "whitespace", in: "  go \t\n api  ", want: "go api"},
		{name: "empty", in: "", want: ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := Normalize(tt.in); got != tt.want {
				t.Fatalf("expected %q, got %q", tt.want, got)
			}
		})
	}
}

func TestContains(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		text    string
		keyword string
		want    bool
	}{
		{name: "latin", text: "Need a Python backend", keyword: "python", want: true},
		{name: "arabic article on text", text: "مطلوب التصميم لشعار", keyword: "تصميم", want: true},
		{name: "arabic article on keyword", text: "ترجمة نصوص", keyword: "الترجمة", want: true},
		{name: "tatweel in text", text: "ترجمــة", keyword: "ترجمة", want: true},
		{name: "absent", text: "Go backend service", keyword: "wordpress", want: false},
		{name: "empty keyword", text: "anything", keyword: "  ", want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := Contains(tt.text, tt.keyword); got != tt.want {
				t.Fatalf("expected %v, got %v", tt.want, got)
			}
		})
	}
}

func TestMatches(t *testing.T) {
	t.Parallel()

	got := Matches("Long-term Golang API with PostgreSQL", []string{"golang", "php", "postgresql"})
	if !slices.Equal(got, []string{"golang", "postgresql"}) {
		t.Fatalf("unexpected matches: %v", got)
	}
}
