package pipeline

import (
	"strings"
	"unicode"
	"unicode/utf8"
)

// Truncate shortens text to at most limit characters. It cuts after the last
// complete sentence that fits, then at the last word boundary, and only as a
// last resort mid-word. A limit of zero or less disables the cap.
func Truncate(text string, limit int) string {
	if limit <= 0 || utf8.RuneCountInString(text) <= limit {
		return text
	}

	runes := []rune(text)
	head := string(runes[:limit])

	if end := lastSentenceEnd(head); end > 0 {
		return strings.TrimSpace(head[:end])
	}
	if unicode.IsSpace(runes[limit]) {
		return strings.TrimSpace(head)
	}
	if i := strings.LastIndexFunc(head, unicode.IsSpace); i > 0 {
		return strings.TrimSpace(head[:i])
	}
	return head
}

// lastSentenceEnd returns the byte offset just past the last sentence
// terminator in s that is followed by whitespace or the end of s.
func lastSentenceEnd(s string) int {
	for i := len(s) - 1; i >= 0; i-- {
		switch s[i] {
		case '.', '!', '?':
			if i == len(s)-1 || s[i+1] == ' ' || s[i+1] == '\n' || s[i+1] == '\t' {
				return i + 1
			}
		}
	}
	return 0
}
