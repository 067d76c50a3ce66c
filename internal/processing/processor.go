package processing

import (
	"regexp"
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

var (
	whitespace  = regexp.MustCompile(`\s+`)
	nonSlugRune = regexp.MustCompile(`[^\p{L}\p{N}]+`)
)

// MaxSlugLength bounds the id derived from a title, in runes.
const MaxSlugLength = 200

// NormalizeText trims the input and squeezes internal whitespace runs to a single space.
func NormalizeText(input string) string {
	if input == "" {
		return ""
	}
	return strings.TrimSpace(whitespace.ReplaceAllString(input, " "))
}

// Slugify derives a stable URL-safe id from a title.
// Combining marks are folded away ("Café" -> "cafe"), every run of characters that
// are not letters or digits becomes a single dash, and the result is lowercased and
// trimmed of dashes. Titles without any letter or digit produce an empty slug.
func Slugify(title string) string {
	folded := foldDiacritics(title)
	slug := nonSlugRune.ReplaceAllString(strings.ToLower(folded), "-")
	slug = strings.Trim(slug, "-")

	if r := []rune(slug); len(r) > MaxSlugLength {
		slug = strings.TrimRight(string(r[:MaxSlugLength]), "-")
	}
	return slug
}

func foldDiacritics(input string) string {
	t := transform.Chain(norm.NFKD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	out, _, err := transform.String(t, input)
	if err != nil {
		return input
	}
	return out
}
