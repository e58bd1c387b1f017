// Package slug builds URL-safe slugs for event pages.
package slug

import (
	"strings"
	"unicode"
)

// latinFold maps the diacritics that show up in event titles onto ASCII.
var latinFold = map[rune]rune{
	'ą': 'a', 'ć': 'c', 'ę': 'e', 'ł': 'l', 'ń': 'n',
	'ó': 'o', 'ś': 's', 'ź': 'z', 'ż': 'z',
	'á': 'a', 'à': 'a', 'ä': 'a', 'é': 'e', 'è': 'e',
	'í': 'i', 'ö': 'o', 'ü': 'u', 'ß': 's',
}

// Make lowercases the title, folds known diacritics, and collapses every
// other non-alphanumeric run into a single dash.
func Make(title string) string {
	var b strings.Builder
	dash := false

	for _, r := range strings.ToLower(title) {
		if f, ok := latinFold[r]; ok {
			r = f
		}
		if unicode.IsLetter(r) && r < 128 || unicode.IsDigit(r) {
			b.WriteRune(r)
			dash = false
			continue
		}
		if !dash && b.Len() > 0 {
			b.WriteByte('-')
			dash = true
		}
	}

	return strings.TrimRight(b.String(), "-")
}

// RelativeURL joins an event id and slug into its page path.
func RelativeURL(id, s string) string {
	return "/event/" + id + "-" + s
}
