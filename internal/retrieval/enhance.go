package retrieval

import (
	"regexp"
	"sort"
	"strings"
)

var (
	tokenRe = regexp.MustCompile(`\p{L}+(?:['’]\p{L}+)*|\p{N}+`)
	spaceRe = regexp.MustCompile(`\s+`)
)

var stopwords = func() map[string]struct{} {
	words := []string{
		"a", "an", "the", "and", "or", "but", "if", "then", "else", "for", "to", "of", "in", "on", "at", "by",
		"with", "as", "is", "are", "was", "were", "be", "been", "being", "it", "its", "this", "that", "these",
		"those", "from", "up", "down", "over", "under", "again", "further", "than", "so", "such", "into",
		"about", "between", "through", "during", "before", "after", "above", "below", "out", "off", "own",
		"same", "too", "very", "can", "will", "just", "should", "now", "do", "does", "did", "what", "which",
		"who", "whom", "whose", "when", "where", "why", "how", "there", "their", "they", "them", "we", "our",
		"you", "your", "i", "me", "my", "he", "she", "his", "her", "has", "have", "had", "not", "no", "any",
		"all", "some", "more", "most", "other", "tell", "please", "document", "pdf",
	}
	m := make(map[string]struct{}, len(words))
	for _, w := range words {
		m[w] = struct{}{}
	}
	return m
}()

// synonyms adds related terms for words that documents commonly phrase
// differently from the people asking about them.
var synonyms = map[string][]string{
	"cost":        {"price", "expense"},
	"price":       {"cost"},
	"revenue":     {"income", "sales"},
	"income":      {"revenue", "earnings"},
	"profit":      {"earnings", "margin"},
	"goal":        {"objective", "aim"},
	"objective":   {"goal"},
	"method":      {"approach", "methodology"},
	"approach":    {"method"},
	"result":      {"outcome", "finding"},
	"results":     {"outcomes", "findings"},
	"conclusion":  {"summary", "finding"},
	"problem":     {"issue", "challenge"},
	"issue":       {"problem"},
	"risk":        {"threat", "exposure"},
	"benefit":     {"advantage"},
	"advantage":   {"benefit"},
	"limitation":  {"constraint", "drawback"},
	"author":      {"writer"},
	"date":        {"time", "deadline"},
	"deadline":    {"date", "due"},
	"requirement": {"specification", "criteria"},
	"increase":    {"growth", "rise"},
	"decrease":    {"decline", "drop"},
}

// Keywords returns the distinct lowercase non-stopword terms of s plus their
// synonyms, sorted.
func Keywords(s string) []string {
	seen := make(map[string]struct{})
	for _, tok := range tokenRe.FindAllString(strings.ToLower(s), -1) {
		if _, stop := stopwords[tok]; stop || len([]rune(tok)) < 2 {
			continue
		}
		seen[tok] = struct{}{}
		for _, syn := range synonyms[tok] {
			seen[syn] = struct{}{}
		}
	}

	out := make([]string, 0, len(seen))
	for w := range seen {
		out = append(out, w)
	}
	sort.Strings(out)
	return out
}

// Enhance normalizes whitespace and appends the question's keywords so the
// embedded query carries both the phrasing and the key terms. The output
// depends only on the input.
func Enhance(question string) string {
	q := strings.TrimSpace(spaceRe.ReplaceAllString(question, " "))
	kw := Keywords(q)
	if len(kw) == 0 {
		return q
	}
	return q + "\nKeywords: " + strings.Join(kw, " ")
}
