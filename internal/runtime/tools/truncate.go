package tools

import "unicode/utf8"

// Truncate cuts s to at most limit bytes and appends marker. The cut backs
// up to a rune boundary so the result stays valid UTF-8.
func Truncate(s string, limit int, marker string) string {
	if len(s) <= limit {
		return s
	}
	cut := limit
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + marker
}
