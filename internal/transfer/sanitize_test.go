package transfer

import (
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
)

func TestSanitizeTitle(t *testing.T) {
	tests := []struct {
		name  string
		title string
		want  string
	}{
		{"plain", "Clean Code", "Clean_Code"},
		{"accents stripped", "Café Équipe", "Cafe_Equipe"},
		{"punctuation collapses", "Go!  (2nd -- edition)", "Go_2nd_edition"},
		{"leading and trailing junk trimmed", "  ...Title...  ", "Title"},
		{"digits kept", "1984", "1984"},
		{"empty falls back", "", "untitled"},
		{"only junk falls back", "!!! ---", "untitled"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, SanitizeTitle(tt.title))
		})
	}
}

func TestSanitizeTitleTruncates(t *testing.T) {
	long := strings.Repeat("abcde ", 30)
	got := SanitizeTitle(long)
	assert.LessOrEqual(t, len(got), 60)
	assert.False(t, strings.HasSuffix(got, "_"))
}

func TestSanitizeTitleTruncatesOnRuneBoundary(t *testing.T) {
	// 2-byte rune followed by 3-byte runes lands the byte limit mid-rune
	got := SanitizeTitle("α" + strings.Repeat("書", 25))
	assert.True(t, utf8.ValidString(got))
	assert.LessOrEqual(t, len(got), 60)
	assert.True(t, strings.HasPrefix(got, "α書"))
}
