package shared

import (
	"strings"

	"golang.org/x/text/cases"
	"golang.org/x/text/width"
)

var menuFolder = cases.Fold()

// NormalizeMenuCode folds a menu code to its canonical form. Full-width input
// (common when codes are typed on CJK keyboards) is narrowed first.
func NormalizeMenuCode(code string) string {
	code = strings.TrimSpace(width.Narrow.String(code))
	return menuFolder.String(code)
}

// NormalizeID trims surrounding whitespace from subject, role and department ids.
func NormalizeID(id string) string {
	return strings.TrimSpace(id)
}
