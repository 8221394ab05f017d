package text

import "strings"

// Normalize collapses every run of whitespace to a single space and trims
// the ends. Cache keys are computed over normalized text.
func Normalize(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
