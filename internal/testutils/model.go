package testutils

import (
	"context"
	"hash/fnv"
	"math"
	"strings"
)

// HashDim is the length of every HashModel vector.
const HashDim = 64

// HashModel stands in for the embedding and generation backend. Vectors are
// normalised bags of hashed words, so texts sharing words land close
// together; Generate always returns Answer.
type HashModel struct {
	Answer string
}

// Vector embeds s without a context.
func (HashModel) Vector(s string) []float32 {
	v := make([]float32, HashDim)
	for _, w := range strings.Fields(strings.ToLower(s)) {
		w = strings.Trim(w, ".,?!:;")
		if w == "" {
			continue
		}
		h := fnv.New32a()
		h.Write([]byte(w))
		v[h.Sum32()%HashDim]++
	}
	var norm float64
	for _, x := range v {
		norm += float64(x * x)
	}
	if norm == 0 {
		v[0] = 1
		return v
	}
	for i := range v {
		v[i] = float32(float64(v[i]) / math.Sqrt(norm))
	}
	return v
}

func (m HashModel) Embed(ctx context.Context, s string) ([]float32, error) {
	return m.Vector(s), nil
}

func (m HashModel) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, s := range texts {
		out[i] = m.Vector(s)
	}
	return out, nil
}

func (m HashModel) Generate(ctx context.Context, instruction, prompt string) (string, error) {
	return m.Answer, nil
}
