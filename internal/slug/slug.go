// Package slug derives stable, idempotent identifiers from display names.
package slug

import (
	"regexp"
	"strings"
)

var nonAlphanumeric = regexp.MustCompile(`[^a-z0-9]+`)

// Slugify lowercases s, collapses runs of non-alphanumeric characters into
// a single hyphen, and trims leading/trailing hyphens. It is idempotent:
// Slugify(Slugify(s)) == Slugify(s).
func Slugify(s string) string {
	lower := strings.ToLower(s)
	collapsed := nonAlphanumeric.ReplaceAllString(lower, "-")
	return strings.Trim(collapsed, "-")
}
