package utils

import (
	"fmt"
	"strings"
	"unicode/utf8"
)

// TruncateForLog flattens s onto one line and cuts it to limit runes. A cut
// preview ends with the total rune count so that the log still shows how
// big the original was.
func TruncateForLog(s string, limit int) string {
	if limit <= 0 {
		return ""
	}
	s = strings.Join(strings.Fields(s), " ")

	total := utf8.RuneCountInString(s)
	if total <= limit {
		return s
	}
	runes := []rune(s)
	return fmt.Sprintf("%s... (%d runes)", string(runes[:limit]), total)
}
