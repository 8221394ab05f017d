package text

import (
	"regexp"
	"strings"
	"unicode/utf8"
)

// Approx chars per token
const charsPerToken = 4

const DefaultMaxTokens = 512

type Chunk struct {
	Index      int
	Content    string
	TokenCount int
}

var (
	headingRe     = regexp.MustCompile(`(?m)^#{1,6}\s`)
	imageMarkerRe = regexp.MustCompile(`(?m)^\s*<!--\s*image\s*-->\s*$`)
	pageNumberRe  = regexp.MustCompile(`(?mi)^\s*(?:page\s+)?\d{1,4}(?:\s*/\s*\d{1,4})?\s*$`)
)

// paragraph -> line -> word
var separators = []string{"\n\n", "\n", " "}

// CleanExtractionNoise strips extraction artifacts (image placeholders,
// bare page-number lines) from extracted document text before chunking.
func CleanExtractionNoise(text string) string {
	text = imageMarkerRe.ReplaceAllString(text, "")
	text = pageNumberRe.ReplaceAllString(text, "")
	return text
}

// EstimateTokens approximates the token count of s.
func EstimateTokens(s string) int {
	n := utf8.RuneCountInString(s)
	return (n + charsPerToken - 1) / charsPerToken
}

// ChunkText splits text into ordered, non-overlapping chunks of at most
// maxTokens (estimated). Headings start a new chunk; oversized sections are
// split by paragraphs, then lines, then words. Words are never split, so a
// single word longer than the budget becomes its own chunk.
//
// Joining the chunk contents with whitespace yields the input up to
// whitespace normalization.
func ChunkText(text string, maxTokens int) []Chunk {
	if maxTokens <= 0 {
		maxTokens = DefaultMaxTokens
	}
	maxChars := maxTokens * charsPerToken

	var pieces []string
	for _, section := range splitSections(text) {
		pieces = append(pieces, pack(section, maxChars, 0)...)
	}

	chunks := make([]Chunk, 0, len(pieces))
	for i, p := range pieces {
		chunks = append(chunks, Chunk{Index: i, Content: p, TokenCount: EstimateTokens(p)})
	}
	return chunks
}

func splitSections(text string) []string {
	var sections []string
	lastIdx := 0
	for _, loc := range headingRe.FindAllStringIndex(text, -1) {
		if loc[0] > lastIdx {
			sections = append(sections, text[lastIdx:loc[0]])
		}
		lastIdx = loc[0]
	}
	if lastIdx < len(text) {
		sections = append(sections, text[lastIdx:])
	}
	return sections
}

// pack greedily merges the parts of s split at separators[level] into
// pieces no longer than maxChars, descending a level for parts that do not fit.
func pack(s string, maxChars, level int) []string {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	if utf8.RuneCountInString(s) <= maxChars || level >= len(separators) {
		return []string{s}
	}

	sep := separators[level]
	var parts []string
	if sep == " " {
		parts = strings.Fields(s)
	} else {
		parts = strings.Split(s, sep)
	}

	sepLen := utf8.RuneCountInString(sep)
	var out []string
	var current strings.Builder
	currentLen := 0
	flush := func() {
		if currentLen > 0 {
			out = append(out, current.String())
			current.Reset()
			currentLen = 0
		}
	}

	for _, part := range parts {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		partLen := utf8.RuneCountInString(part)
		if partLen > maxChars {
			flush()
			out = append(out, pack(part, maxChars, level+1)...)
			continue
		}
		if currentLen > 0 && currentLen+sepLen+partLen > maxChars {
			flush()
		}
		if currentLen > 0 {
			current.WriteString(sep)
			currentLen += sepLen
		}
		current.WriteString(part)
		currentLen += partLen
	}
	flush()

	return out
}
