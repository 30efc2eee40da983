package retrieval

import (
	"math"
	"sort"
	"strings"

	"pdfqa/backend/internal/vector"
)

const (
	weightSimilarity = 0.85
	weightLength     = 0.10
	weightPosition   = 0.05

	// relevanceMix is the share of an external reranker's relevance in the
	// similarity term.
	relevanceMix = 0.5

	previewRunes = 200
)

// Candidate is a retrieved chunk with its raw similarity and blended score.
type Candidate struct {
	Hit        vector.Hit
	Similarity float64
	Score      float64
}

// BlendScore combines similarity with a length signal that favours fuller
// chunks and a position signal that favours early chunks.
func BlendScore(similarity float64, charLength, targetLength, chunkIndex int) float64 {
	length := 1.0
	if targetLength > 0 {
		length = math.Min(float64(charLength)/float64(targetLength), 1)
	}
	position := 1 / (1 + float64(chunkIndex)/10)
	return weightSimilarity*similarity + weightLength*length + weightPosition*position
}

// AboveFloor keeps the hits whose similarity reaches floor.
func AboveFloor(hits []vector.Hit, floor float64) []Candidate {
	out := make([]Candidate, 0, len(hits))
	for _, h := range hits {
		sim := float64(h.Score)
		if sim < floor {
			continue
		}
		out = append(out, Candidate{Hit: h, Similarity: sim})
	}
	return out
}

// Rerank scores candidates, orders them by descending score with ties broken
// by chunk index, and keeps the top k. relevance, when non-nil, holds one
// external score per candidate in the same order.
func Rerank(cands []Candidate, relevance []float64, k, targetLength int) []Candidate {
	useRelevance := relevance != nil && len(relevance) == len(cands)
	for i := range cands {
		sim := cands[i].Similarity
		if useRelevance {
			sim = (1-relevanceMix)*sim + relevanceMix*relevance[i]
		}
		m := cands[i].Hit.Metadata
		cands[i].Score = BlendScore(sim, m.CharLength, targetLength, m.ChunkIndex)
	}

	sort.SliceStable(cands, func(i, j int) bool {
		if cands[i].Score != cands[j].Score {
			return cands[i].Score > cands[j].Score
		}
		return cands[i].Hit.Metadata.ChunkIndex < cands[j].Hit.Metadata.ChunkIndex
	})
	if len(cands) > k {
		cands = cands[:k]
	}
	return cands
}

// Confidence maps the best and mean similarity of the passages used onto
// [0, 1] relative to the similarity floor. It never decreases as top grows.
func Confidence(top, mean, floor float64) float64 {
	norm := func(x float64) float64 {
		if floor >= 1 {
			return 0
		}
		return (x - floor) / (1 - floor)
	}
	c := 0.6*norm(top) + 0.4*norm(mean)
	return round3(math.Max(0, math.Min(1, c)))
}

func round3(x float64) float64 {
	return math.Round(x*1000) / 1000
}

// Preview shortens s to its first 200 runes followed by "...".
func Preview(s string) string {
	s = strings.TrimSpace(s)
	if runeLen(s) <= previewRunes {
		return s
	}
	return truncateRunes(s, previewRunes) + "..."
}
