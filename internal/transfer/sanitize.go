package transfer

import (
	"strings"
	"unicode"
	"unicode/utf8"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// stripAccents decomposes characters and drops combining marks, so "Café"
// becomes "Cafe".
var stripAccents = transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)

// SanitizeTitle turns a book title into a safe blob object name segment:
// accents stripped, non-alphanumeric runs collapsed to single underscores,
// truncated to 60 characters.
func SanitizeTitle(title string) string {
	s, _, err := transform.String(stripAccents, title)
	if err != nil {
		s = title
	}

	var b strings.Builder
	lastUnderscore := true
	for _, r := range s {
		switch {
		case unicode.IsLetter(r) || unicode.IsDigit(r):
			b.WriteRune(r)
			lastUnderscore = false
		default:
			if !lastUnderscore {
				b.WriteByte('_')
				lastUnderscore = true
			}
		}
	}

	out := strings.Trim(b.String(), "_")
	if out == "" {
		out = "untitled"
	}
	if len(out) > 60 {
		// back up to a rune boundary so the cut never leaves invalid UTF-8
		cut := 60
		for cut > 0 && !utf8.RuneStart(out[cut]) {
			cut--
		}
		out = strings.Trim(out[:cut], "_")
	}
	return out
}
