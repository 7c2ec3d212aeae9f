package tm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"hash/fnv"
	"math"
	"net/http"
	"time"

	"github.com/locstore/ldm/internal/types"
)

// Embedder turns text into fixed-dimension vectors. Implementations must be
// deterministic for a given model id: the index stores vectors produced by
// one model and queries must embed with the same one.
type Embedder interface {
	ID() string
	Dim() int
	Embed(ctx context.Context, texts []string) ([][]float32, error)
}

// HashingEmbedder is a deterministic, dependency-free embedder: character
// trigrams feature-hashed into Dim buckets, L2-normalized. It is the offline
// fallback and the test double; quality is far below a learned model but the
// geometry is stable and language-agnostic.
type HashingEmbedder struct {
	id  string
	dim int
}

// NewFastEmbedder returns the low-dimension hashing model used by the
// semantic-fast tier.
func NewFastEmbedder() *HashingEmbedder { return &HashingEmbedder{id: "hash-fast-256", dim: 256} }

// NewDeepEmbedder returns the high-dimension hashing model used by the
// opt-in semantic-deep tier.
func NewDeepEmbedder() *HashingEmbedder { return &HashingEmbedder{id: "hash-deep-1024", dim: 1024} }

func (e *HashingEmbedder) ID() string { return e.id }
func (e *HashingEmbedder) Dim() int   { return e.dim }

func (e *HashingEmbedder) Embed(_ context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, text := range texts {
		out[i] = e.embedOne(text)
	}
	return out, nil
}

func (e *HashingEmbedder) embedOne(text string) []float32 {
	vec := make([]float32, e.dim)
	runes := []rune(Fold(Normalize(text)))
	if len(runes) == 0 {
		return vec
	}
	for i := 0; i+3 <= len(runes); i++ {
		h := fnv.New32a()
		_, _ = h.Write([]byte(string(runes[i : i+3])))
		sum := h.Sum32()
		bucket := int(sum % uint32(e.dim))
		// Sign bit from the hash spreads mass over both directions.
		if sum&0x80000000 != 0 {
			vec[bucket]--
		} else {
			vec[bucket]++
		}
	}
	normalizeVec(vec)
	return vec
}

// normalizeVec scales v to unit length in place. Zero vectors stay zero.
func normalizeVec(v []float32) {
	var sum float64
	for _, x := range v {
		sum += float64(x) * float64(x)
	}
	if sum == 0 {
		return
	}
	inv := 1 / math.Sqrt(sum)
	for i := range v {
		v[i] = float32(float64(v[i]) * inv)
	}
}

// HTTPEmbedder calls an external embedding service. The model itself is a
// collaborator outside this system; this client only speaks its JSON
// contract: POST {model, texts[]} -> {vectors[][]}.
type HTTPEmbedder struct {
	endpoint string
	model    string
	dim      int
	client   *http.Client
}

// NewHTTPEmbedder builds a client for the embedding service at endpoint.
func NewHTTPEmbedder(endpoint, model string, dim int) *HTTPEmbedder {
	return &HTTPEmbedder{
		endpoint: endpoint,
		model:    model,
		dim:      dim,
		client:   &http.Client{Timeout: 60 * time.Second},
	}
}

func (e *HTTPEmbedder) ID() string { return e.model }
func (e *HTTPEmbedder) Dim() int   { return e.dim }

func (e *HTTPEmbedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	body, err := json.Marshal(struct {
		Model string   `json:"model"`
		Texts []string `json:"texts"`
	}{Model: e.model, Texts: texts})
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := e.client.Do(req)
	if err != nil {
		return nil, types.Wrap(types.KindTransient, err, "embedding service unreachable")
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return nil, types.E(types.KindTransient, "embedding service returned %s", resp.Status)
	}
	var parsed struct {
		Vectors [][]float32 `json:"vectors"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, types.Wrap(types.KindInternal, err, "decode embedding response")
	}
	if len(parsed.Vectors) != len(texts) {
		return nil, types.E(types.KindInternal, "embedding service returned %d vectors for %d texts", len(parsed.Vectors), len(texts))
	}
	for i, v := range parsed.Vectors {
		if len(v) != e.dim {
			return nil, fmt.Errorf("vector %d has dimension %d, want %d", i, len(v), e.dim)
		}
		normalizeVec(v)
	}
	return parsed.Vectors, nil
}
