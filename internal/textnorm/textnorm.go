// Package textnorm normalizes free text for keyword matching across
// Arabic and Latin scripts.
package textnorm

import (
	"strings"
	"unicode"

	"golang.org/x/text/cases"
	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

const tatweel = 'ـ'

var alefForms = strings.NewReplacer(
	"أ", "ا",
	"إ", "ا",
	"آ", "ا",
	"ٱ", "ا",
	"ى", "ي",
	"ة", "ه",
)

// Normalize folds case, strips diacritics (Latin accents and Arabic
// harakat), removes tatweel, unifies alef forms and collapses whitespace.
func Normalize(s string) string {
	if s == "" {
		return ""
	}

	t := transform.Chain(
		norm.NFD,
		runes.Remove(runes.In(unicode.Mn)),
		runes.Remove(runes.Predicate(func(r rune) bool { return r == tatweel })),
		norm.NFC,
	)
	out, _, err := transform.String(t, s)
	if err != nil {
		out = s
	}

	out = cases.Fold().String(out)
	out = alefForms.Replace(out)

	return strings.Join(strings.Fields(out), " ")
}

// Contains reports whether keyword occurs in text after normalization.
// A leading Arabic definite article on either side is ignored, so
// "التصميم" matches "تصميم".
func Contains(text, keyword string) bool {
	k := stripArticle(Normalize(keyword))
	if k == "" {
		return false
	}

	t := Normalize(text)
	if strings.Contains(t, k) {
		return true
	}

	for _, word := range strings.Fields(t) {
		if stripArticle(word) == k {
			return true
		}
	}
	return false
}

// Matches returns the keywords found in text, in the order given.
func Matches(text string, keywords []string) []string {
	var found []string
	for _, k := range keywords {
		if Contains(text, k) {
			found = append(found, k)
		}
	}
	return found
}

func stripArticle(word string) string {
	if rest, ok := strings.CutPrefix(word, "ال"); ok && len([]rune(rest)) >= 2 {
		return rest
	}
	return word
}
