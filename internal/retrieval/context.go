package retrieval

import (
	"fmt"
	"strings"
	"unicode/utf8"
)

// Passage is one block of generation context.
type Passage struct {
	ChunkIndex int
	SourcePage int
	Text       string
}

const blockSeparator = "\n\n"

func blockHeader(p Passage) string {
	return fmt.Sprintf("[chunk %d] (page %d)\n", p.ChunkIndex, p.SourcePage)
}

// FormatBlock renders a passage the way the generator sees it.
func FormatBlock(p Passage) string {
	return blockHeader(p) + p.Text
}

func runeLen(s string) int {
	return utf8.RuneCountInString(s)
}

func truncateRunes(s string, n int) string {
	if n <= 0 {
		return ""
	}
	i := 0
	for pos := range s {
		if i == n {
			return s[:pos]
		}
		i++
	}
	return s
}

// BuildContext joins passages in order until budget runes are used. It stops
// at the first block that does not fit, except that a first block larger
// than the whole budget is truncated to fit. The passages that made it into
// the context are returned alongside it.
func BuildContext(passages []Passage, budget int) (string, []Passage) {
	var b strings.Builder
	used := make([]Passage, 0, len(passages))
	size := 0

	for i, p := range passages {
		block := FormatBlock(p)
		n := runeLen(block)
		if i > 0 {
			n += runeLen(blockSeparator)
		}

		if size+n > budget {
			if i == 0 {
				b.WriteString(truncateRunes(block, budget))
				used = append(used, p)
			}
			break
		}
		if i > 0 {
			b.WriteString(blockSeparator)
		}
		b.WriteString(block)
		size += n
		used = append(used, p)
	}
	return b.String(), used
}

// Partition splits passages, in order, into groups whose formatted blocks fit
// within budget. A passage too large for any group is split into several
// passages with the same chunk index, so no text is dropped.
func Partition(passages []Passage, budget int) [][]Passage {
	var groups [][]Passage
	var cur []Passage
	size := 0

	flush := func() {
		if len(cur) > 0 {
			groups = append(groups, cur)
			cur = nil
			size = 0
		}
	}

	for _, p := range passages {
		for _, piece := range splitPassage(p, budget) {
			n := runeLen(FormatBlock(piece))
			if len(cur) > 0 {
				n += runeLen(blockSeparator)
			}
			if size+n > budget {
				flush()
				n = runeLen(FormatBlock(piece))
			}
			cur = append(cur, piece)
			size += n
		}
	}
	flush()
	return groups
}

func splitPassage(p Passage, budget int) []Passage {
	room := budget - runeLen(blockHeader(p))
	if room <= 0 || runeLen(FormatBlock(p)) <= budget {
		return []Passage{p}
	}

	var out []Passage
	rest := p.Text
	for rest != "" {
		piece := truncateRunes(rest, room)
		out = append(out, Passage{ChunkIndex: p.ChunkIndex, SourcePage: p.SourcePage, Text: piece})
		rest = rest[len(piece):]
	}
	return out
}

// JoinBlocks renders a group as a single context string.
func JoinBlocks(group []Passage) string {
	blocks := make([]string, len(group))
	for i, p := range group {
		blocks[i] = FormatBlock(p)
	}
	return strings.Join(blocks, blockSeparator)
}
