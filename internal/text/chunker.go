package text

import (
	"errors"
	"regexp"
	"strings"
	"unicode"
	"unicode/utf8"
)

// ErrNoContent is returned when a document yields no chunk worth embedding.
var ErrNoContent = errors.New("no extractable content")

// Page is the text of one PDF page. Numbers are 1-based.
type Page struct {
	Number int
	Text   string
}

type Chunk struct {
	Index      int    `json:"chunk_index"`
	Text       string `json:"text"`
	CharLength int    `json:"char_length"`
	SourcePage int    `json:"source_page"`
}

// ChunkOptions are measured in characters (runes), not bytes.
type ChunkOptions struct {
	TargetSize int
	Overlap    int
	Tolerance  int
	MinLength  int
}

func DefaultChunkOptions() ChunkOptions {
	return ChunkOptions{TargetSize: 1000, Overlap: 200, Tolerance: 150, MinLength: 50}
}

func (o ChunkOptions) normalized() ChunkOptions {
	d := DefaultChunkOptions()
	if o.TargetSize <= 0 {
		o.TargetSize = d.TargetSize
	}
	if o.Tolerance < 0 || o.Tolerance >= o.TargetSize {
		o.Tolerance = o.TargetSize / 10
	}
	if o.Overlap < 0 {
		o.Overlap = 0
	}
	if o.Overlap >= o.TargetSize-o.Tolerance {
		o.Overlap = (o.TargetSize - o.Tolerance) / 2
	}
	if o.MinLength < 0 {
		o.MinLength = 0
	}
	return o
}

var (
	hyphenBreakRe = regexp.MustCompile(`(\p{L})-\n(\p{Ll})`)
	blankRunRe    = regexp.MustCompile(`\n[ \t]*\n(?:[ \t]*\n)+`)
	spaceRunRe    = regexp.MustCompile(`[ \t\f\v\x{00a0}]+`)
	pageLabelRe   = regexp.MustCompile(`(?mi)^[ \t]*(?:page[ \t]+\d+(?:[ \t]+of[ \t]+\d+)?|[-–][ \t]*\d+[ \t]*[-–]|\d+)[ \t]*$`)
)

// CleanPageText normalises raw extractor output: line endings, words
// hyphenated across lines, stray page labels and runs of blank lines.
func CleanPageText(s string) string {
	s = strings.ReplaceAll(s, "\r\n", "\n")
	s = strings.ReplaceAll(s, "\r", "\n")
	s = spaceRunRe.ReplaceAllString(s, " ")
	s = hyphenBreakRe.ReplaceAllString(s, "$1$2")
	s = pageLabelRe.ReplaceAllString(s, "")
	s = blankRunRe.ReplaceAllString(s, "\n\n")

	lines := strings.Split(s, "\n")
	for i, l := range lines {
		lines[i] = strings.TrimSpace(l)
	}
	return strings.TrimSpace(strings.Join(lines, "\n"))
}

// IsNoiseChunk reports pieces made only of digits, punctuation and spaces,
// which is what running headers and page numbers reduce to.
func IsNoiseChunk(content string) bool {
	for _, r := range content {
		if unicode.IsLetter(r) {
			return false
		}
	}
	return true
}

// ChunkPages splits the pages of a document into overlapping chunks. The
// output depends only on the input, and indices are contiguous from 0.
func ChunkPages(pages []Page, opts ChunkOptions) ([]Chunk, error) {
	opts = opts.normalized()
	doc, pageOf := joinPages(pages)
	n := len(doc)

	var chunks []Chunk
	start := 0
	for start < n {
		for start < n && unicode.IsSpace(doc[start]) {
			start++
		}
		if start >= n {
			break
		}

		end := start + opts.TargetSize
		if end >= n {
			end = n
		} else {
			end = findBoundary(doc, start, end, opts.Tolerance)
		}

		if c, ok := makeChunk(doc, pageOf, start, end, opts.MinLength); ok {
			c.Index = len(chunks)
			chunks = append(chunks, c)
		}

		if end >= n {
			break
		}
		raw := end - opts.Overlap
		next := raw
		for next > start && next < end && !unicode.IsSpace(doc[next-1]) {
			next++
		}
		if next >= end {
			next = raw
		}
		if next <= start {
			next = end
		}
		start = next
	}

	if len(chunks) == 0 {
		return nil, ErrNoContent
	}
	return chunks, nil
}

// joinPages concatenates cleaned pages with a paragraph break between them.
// pageOf holds the page number of every rune, or 0 for separators.
func joinPages(pages []Page) ([]rune, []int) {
	var doc []rune
	var pageOf []int
	for _, p := range pages {
		cleaned := CleanPageText(p.Text)
		if cleaned == "" {
			continue
		}
		if len(doc) > 0 {
			doc = append(doc, '\n', '\n')
			pageOf = append(pageOf, 0, 0)
		}
		for _, r := range cleaned {
			doc = append(doc, r)
			pageOf = append(pageOf, p.Number)
		}
	}
	return doc, pageOf
}

// findBoundary picks a cut position near ideal, preferring a paragraph break,
// then a sentence end, then whitespace. Within a class the candidate nearest
// to ideal wins, earlier on ties.
func findBoundary(doc []rune, start, ideal, tol int) int {
	lo := ideal - tol
	if lo <= start {
		lo = start + 1
	}
	hi := ideal + tol
	if hi > len(doc) {
		hi = len(doc)
	}

	classes := []func(p int) bool{
		func(p int) bool { return p >= 2 && doc[p-1] == '\n' && doc[p-2] == '\n' },
		func(p int) bool { return isSentenceEnd(doc, p) },
		func(p int) bool { return unicode.IsSpace(doc[p-1]) },
	}
	for _, match := range classes {
		best, bestDist := -1, 0
		for p := lo; p <= hi; p++ {
			if !match(p) {
				continue
			}
			d := p - ideal
			if d < 0 {
				d = -d
			}
			if best < 0 || d < bestDist {
				best, bestDist = p, d
			}
		}
		if best > 0 {
			return best
		}
	}
	return ideal
}

func isSentenceEnd(doc []rune, p int) bool {
	switch doc[p-1] {
	case '。', '！', '？':
		return true
	case '.', '!', '?':
		return p == len(doc) || unicode.IsSpace(doc[p])
	}
	return false
}

func makeChunk(doc []rune, pageOf []int, start, end, minLen int) (Chunk, bool) {
	for start < end && unicode.IsSpace(doc[start]) {
		start++
	}
	for end > start && unicode.IsSpace(doc[end-1]) {
		end--
	}
	if end-start < minLen || end == start {
		return Chunk{}, false
	}
	s := string(doc[start:end])
	if IsNoiseChunk(s) {
		return Chunk{}, false
	}
	return Chunk{
		Text:       s,
		CharLength: utf8.RuneCountInString(s),
		SourcePage: majorityPage(pageOf[start:end]),
	}, true
}

// majorityPage returns the page holding most characters of the span. Ties go
// to the lower page number.
func majorityPage(span []int) int {
	counts := make(map[int]int)
	for _, p := range span {
		if p > 0 {
			counts[p]++
		}
	}
	best, bestCount := 0, -1
	for p, c := range counts {
		if c > bestCount || (c == bestCount && p < best) {
			best, bestCount = p, c
		}
	}
	return best
}
