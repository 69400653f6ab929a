// Package slug derives URL-safe petition identifiers from titles.
package slug

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"unicode"

	"github.com/google/uuid"
	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

const (
	fallbackBase    = "petition"
	temporaryMarker = "tmp"
	separator       = "-"
)

var (
	disallowedCharacters = regexp.MustCompile(`[^\w\s-]`)
	separatorRuns        = regexp.MustCompile(`[\s_-]+`)
)

// Generate returns the normalized base slug for a title.
// Diacritics are folded to ASCII before characters outside [word, space, hyphen] are dropped.
func Generate(title string) string {
	folded := foldDiacritics(strings.ToLower(strings.TrimSpace(title)))
	stripped := disallowedCharacters.ReplaceAllString(folded, "")
	collapsed := separatorRuns.ReplaceAllString(stripped, separator)
	base := strings.Trim(collapsed, separator)
	if base == "" {
		return fallbackBase
	}
	return base
}

// WithID returns the persisted slug for a title and its entity identifier.
func WithID(title string, id int64) string {
	return Generate(title) + separator + strconv.FormatInt(id, 10)
}

// Temporary returns a collision-resistant placeholder used before the entity id is known.
func Temporary(title string) (string, error) {
	suffix, err := uuid.NewV7()
	if err != nil {
		return "", fmt.Errorf("slug: temporary suffix: %w", err)
	}
	compact := strings.ReplaceAll(suffix.String(), separator, "")
	return Generate(title) + separator + temporaryMarker + separator + compact, nil
}

func foldDiacritics(value string) string {
	folder := transform.Chain(norm.NFKD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	folded, _, err := transform.String(folder, value)
	if err != nil {
		return value
	}
	return folded
}
