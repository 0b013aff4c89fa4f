package semantic

import (
	"context"
	"hash/fnv"
	"math"
	"strings"
)

// Encoder maps texts to fixed-length vectors. Implementations must return
// one vector per input, in input order.
type Encoder interface {
	Name() string
	Encode(ctx context.Context, texts []string) ([][]float32, error)
}

// DefaultHashingDim is the vector size of the local encoder
const DefaultHashingDim = 512

// HashingEncoder embeds text as L2-normalized counts of hashed character
// trigrams taken from each word padded with ^ and $. It needs no model and
// is fully deterministic, which makes it the default and the test encoder.
// Truncated words ("TECHNOLOG") still share most trigrams with the full word.
type HashingEncoder struct {
	dim int
}

// NewHashingEncoder creates a hashing encoder; dim <= 0 uses DefaultHashingDim
func NewHashingEncoder(dim int) *HashingEncoder {
	if dim <= 0 {
		dim = DefaultHashingDim
	}
	return &HashingEncoder{dim: dim}
}

// Name implements Encoder
func (e *HashingEncoder) Name() string {
	return "hashing-trigram"
}

// Encode implements Encoder
func (e *HashingEncoder) Encode(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, text := range texts {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		out[i] = e.encodeOne(text)
	}
	return out, nil
}

func (e *HashingEncoder) encodeOne(text string) []float32 {
	vec := make([]float32, e.dim)
	for _, word := range strings.Fields(text) {
		padded := []rune("^" + word + "$")
		for i := 0; i+3 <= len(padded); i++ {
			h := fnv.New32a()
			h.Write([]byte(string(padded[i : i+3])))
			vec[h.Sum32()%uint32(e.dim)]++
		}
	}
	normalize(vec)
	return vec
}

// normalize scales v to unit length in place; a zero vector is left as is
func normalize(v []float32) {
	var sum float64
	for _, x := range v {
		sum += float64(x) * float64(x)
	}
	if sum == 0 {
		return
	}
	norm := float32(math.Sqrt(sum))
	for i := range v {
		v[i] /= norm
	}
}

// Cosine returns the cosine similarity of two vectors. Vectors of different
// length or zero vectors score 0.
func Cosine(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}
