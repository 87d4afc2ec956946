// Package chunk filters low-content PDF pages (tables of contents, indexes,
// bare chapter titles) and splits surviving page text into bounded,
// sentence-aligned chunks for indexing.
package chunk

import (
	"regexp"
	"strings"
	"unicode/utf8"
)

const (
	minTextLength = 100
	minUniqueChars = 20
)

var (
	pageNumberOnly = regexp.MustCompile(`^[\d\s\-.]+$`)

	skipPatterns = []*regexp.Regexp{
		regexp.MustCompile(`(?i)^目\s*次\s*$`),
		regexp.MustCompile(`(?i)^索\s*引\s*$`),
		regexp.MustCompile(`(?i)^contents?\s*$`),
		regexp.MustCompile(`(?i)^index\s*$`),
		regexp.MustCompile(`(?i)^第\s*\d+\s*[章節部編]\s*$`),
		regexp.MustCompile(`(?i)^chapter\s+\d+\s*$`),
	}

	whitespaceDigitPunct = regexp.MustCompile(`[\s\d\p{P}\p{S}]`)
)

// IsContentPage reports whether a page's extracted text is worth indexing.
// It excludes tables of contents, indexes, bare chapter-title pages, and
// pages that are too short or too repetitive to carry retrievable content.
func IsContentPage(text string) bool {
	trimmed := strings.TrimSpace(text)

	if utf8.RuneCountInString(trimmed) < minTextLength {
		return false
	}

	unique := uniqueRuneCount(whitespaceDigitPunct.ReplaceAllString(trimmed, ""))
	if unique < minUniqueChars {
		return false
	}

	if pageNumberOnly.MatchString(trimmed) {
		return false
	}

	firstLine := trimmed
	if i := strings.IndexByte(trimmed, '\n'); i >= 0 {
		firstLine = trimmed[:i]
	}
	firstLine = strings.TrimSpace(firstLine)
	for _, pattern := range skipPatterns {
		if pattern.MatchString(firstLine) && utf8.RuneCountInString(trimmed) < 500 {
			return false
		}
	}

	return true
}

func uniqueRuneCount(s string) int {
	seen := make(map[rune]struct{})
	for _, r := range s {
		seen[r] = struct{}{}
	}
	return len(seen)
}
