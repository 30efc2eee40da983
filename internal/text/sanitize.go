package text

import (
	"regexp"
	"sort"
	"strconv"
	"strings"
)

var (
	citeTagRe      = regexp.MustCompile(`(?i)<cite>\s*(?:chunk\s*)?(\d+)\s*</cite>`)
	lenticularRe   = regexp.MustCompile(`(?i)【\s*(?:chunk\s*)?(\d+)\s*】`)
	doubleBrackRe  = regexp.MustCompile(`\[\[\s*(\d+)\s*\]\]`)
	chunkBrackRe   = regexp.MustCompile(`(?i)\[\s*chunk\s*(\d+)\s*\]`)
	chunkParenRe   = regexp.MustCompile(`(?i)\(\s*chunk\s*(\d+)\s*\)`)
	citeListRe     = regexp.MustCompile(`\[\s*\d+(?:\s*,\s*\d+)+\s*\]`)
	citationRe     = regexp.MustCompile(`\[(\d+)\]`)
	strayTagRe     = regexp.MustCompile(`(?i)</?cite[^>]*>`)
	hSpaceRe       = regexp.MustCompile(`[ \t]+`)
	spaceBeforeRe  = regexp.MustCompile(`[ \t]+([.,;:!?])`)
	trailingLineRe = regexp.MustCompile(`[ \t]+\n`)
	digitsRe       = regexp.MustCompile(`\d+`)
)

// normalizeCitations rewrites the citation styles models tend to produce into
// the canonical [N] form.
func normalizeCitations(s string) string {
	for _, re := range []*regexp.Regexp{citeTagRe, lenticularRe, doubleBrackRe, chunkBrackRe, chunkParenRe} {
		s = re.ReplaceAllString(s, "[$1]")
	}
	return citeListRe.ReplaceAllStringFunc(s, func(m string) string {
		var b strings.Builder
		for _, d := range digitsRe.FindAllString(m, -1) {
			b.WriteString("[" + d + "]")
		}
		return b.String()
	})
}

// SanitizeAnswer canonicalises citation markup and removes every citation
// pointing at a chunk that was not part of the generation context.
func SanitizeAnswer(answer string, allowed map[int]struct{}) string {
	s := normalizeCitations(answer)
	s = citationRe.ReplaceAllStringFunc(s, func(m string) string {
		idx, err := strconv.Atoi(m[1 : len(m)-1])
		if err != nil {
			return ""
		}
		if _, ok := allowed[idx]; !ok {
			return ""
		}
		return m
	})
	s = strayTagRe.ReplaceAllString(s, "")
	s = hSpaceRe.ReplaceAllString(s, " ")
	s = spaceBeforeRe.ReplaceAllString(s, "$1")
	s = trailingLineRe.ReplaceAllString(s, "\n")
	return strings.TrimSpace(s)
}

// CitedChunks lists the distinct chunk indices cited in a sanitized answer.
func CitedChunks(answer string) []int {
	seen := make(map[int]struct{})
	var out []int
	for _, m := range citationRe.FindAllStringSubmatch(answer, -1) {
		idx, err := strconv.Atoi(m[1])
		if err != nil {
			continue
		}
		if _, ok := seen[idx]; ok {
			continue
		}
		seen[idx] = struct{}{}
		out = append(out, idx)
	}
	sort.Ints(out)
	return out
}
