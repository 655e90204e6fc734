package payload

import (
	"strings"

	"golang.org/x/text/cases"
	"golang.org/x/text/unicode/norm"
)

// NormalizeTags folds case, applies NFC, trims and removes duplicates and
// empty tags. Order of first occurrence is kept.
func NormalizeTags(tags []string) []string {
	if len(tags) == 0 {
		return nil
	}

	// Casers carry state and must not be shared across goroutines.
	fold := cases.Fold()

	seen := make(map[string]struct{}, len(tags))
	out := make([]string, 0, len(tags))
	for _, tag := range tags {
		t := strings.TrimSpace(norm.NFC.String(tag))
		if t == "" {
			continue
		}
		t = norm.NFC.String(fold.String(t))
		if _, dup := seen[t]; dup {
			continue
		}
		seen[t] = struct{}{}
		out = append(out, t)
	}

	if len(out) == 0 {
		return nil
	}
	return out
}
