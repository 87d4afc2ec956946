// Package pdf provides a minimal, dependency-free PageExtractor
// implementation. The extractor is treated as an external collaborator
// elsewhere in the module; HeuristicExtractor exists only so the CLI has a
// working default without requiring every caller to plug in their own
// parser.
package pdf

import (
	"bytes"
	"regexp"
	"strings"

	"github.com/kugutsushi/kugutsushi-search/internal/index"
)

// textOperator matches PDF literal strings "(...)", optionally followed by
// the Tj/TJ text-showing operator. Because the operator is optional, it
// matches the "(...)" elements of "[...] TJ" arrays and also literal strings
// outside any text operator. It does not decode PDF name escapes beyond the common
// backslash sequences, and it does not handle CID/Type0 fonts, so it is a
// best-effort heuristic rather than a conformant PDF text extractor.
var textOperator = regexp.MustCompile(`\(((?:[^()\\]|\\.)*)\)\s*(?:Tj|TJ)?`)

// pageBreak matches the "/Type /Page" object marker PDF producers emit
// once per page, used here only to approximate page boundaries.
var pageBreak = regexp.MustCompile(`/Type\s*/Page[^s]`)

// HeuristicExtractor extracts visible text from a PDF byte stream by
// scanning for Tj/TJ text-showing operators, without building a full
// object/xref model.
type HeuristicExtractor struct{}

// NewHeuristicExtractor returns a HeuristicExtractor.
func NewHeuristicExtractor() *HeuristicExtractor {
	return &HeuristicExtractor{}
}

// ExtractPages implements index.PageExtractor.
func (h *HeuristicExtractor) ExtractPages(data []byte, filename string) ([]index.Page, error) {
	segments := pageBreak.Split(string(data), -1)
	pages := make([]index.Page, 0, len(segments))
	for i, segment := range segments {
		text := extractText([]byte(segment))
		if text == "" {
			continue
		}
		pages = append(pages, index.Page{Page: uint32(i), Text: text})
	}
	return pages, nil
}

func extractText(segment []byte) string {
	matches := textOperator.FindAllSubmatch(segment, -1)
	var b strings.Builder
	for _, m := range matches {
		b.Write(unescapePDFString(m[1]))
		b.WriteByte('\n')
	}
	return strings.TrimSpace(b.String())
}

// unescapePDFString resolves the backslash escapes \n, \r, \t, \(, \) and \\
// in PDF literal strings. For any other escaped character (octal codes
// included) the backslash is dropped and the character is kept.
func unescapePDFString(s []byte) []byte {
	var out bytes.Buffer
	for i := 0; i < len(s); i++ {
		if s[i] != '\\' || i == len(s)-1 {
			out.WriteByte(s[i])
			continue
		}
		i++
		switch s[i] {
		case 'n':
			out.WriteByte('\n')
		case 'r':
			out.WriteByte('\r')
		case 't':
			out.WriteByte('\t')
		case '(', ')', '\\':
			out.WriteByte(s[i])
		default:
			out.WriteByte(s[i])
		}
	}
	return out.Bytes()
}
