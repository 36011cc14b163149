// Package embed converts document text to fixed-length float32 vectors.
//
// The Embedder interface decouples callers from the backend. The default
// HashEmbedder derives the vector from a content hash — deterministic,
// bounded in time, and good enough for retrieval over small corpora. A
// model-backed implementation can be dropped in without touching callers.
//
// Resilient wraps any Embedder with the ingestion retry policy: 3 attempts,
// 5 s per attempt, 1 s fixed backoff. Exhaustion surfaces as
// *ErrEmbeddingFailed, which the pipeline treats as fatal for the document.
package embed

import (
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/hazyhaar/atelier/resilient"
)

// ErrEmptyInput is returned for empty or whitespace-only text. It is never
// retried: retrying cannot make the input non-empty.
var ErrEmptyInput = errors.New("embed: empty input")

// ErrEmbeddingFailed wraps the final cause after the retry budget for a
// document is spent.
type ErrEmbeddingFailed struct {
	Cause error
}

func (e *ErrEmbeddingFailed) Error() string {
	return fmt.Sprintf("embed: embedding failed: %v", e.Cause)
}

func (e *ErrEmbeddingFailed) Unwrap() error { return e.Cause }

// Embedder converts text to vectors.
type Embedder interface {
	// Embed returns the embedding vector for a single text.
	Embed(ctx context.Context, text string) ([]float32, error)

	// Dimension returns the vector dimension.
	Dimension() int
}

// HashDimension is the vector size produced by HashEmbedder.
const HashDimension = 8

// HashEmbedder projects a SHA-256 content hash into a small float vector.
// Identical text always produces an identical vector.
type HashEmbedder struct{}

// NewHashEmbedder creates the default deterministic embedder.
func NewHashEmbedder() *HashEmbedder {
	return &HashEmbedder{}
}

func (h *HashEmbedder) Embed(_ context.Context, text string) ([]float32, error) {
	if strings.TrimSpace(text) == "" {
		return nil, ErrEmptyInput
	}
	digest := sha256.Sum256([]byte(text))
	vec := make([]float32, HashDimension)
	for i := range vec {
		vec[i] = float32(digest[i]) / 255
	}
	return vec, nil
}

func (h *HashEmbedder) Dimension() int { return HashDimension }

// DefaultPolicy is the ingestion retry policy for embedding calls.
var DefaultPolicy = resilient.Policy{
	MaxAttempts:    3,
	AttemptTimeout: 5 * time.Second,
	BaseBackoff:    time.Second,
	FixedBackoff:   true,
}

// Resilient wraps an Embedder with bounded retries.
type Resilient struct {
	inner  Embedder
	policy resilient.Policy
}

// NewResilient wraps inner with the given policy. A zero policy uses
// DefaultPolicy.
func NewResilient(inner Embedder, policy resilient.Policy) *Resilient {
	if policy.MaxAttempts == 0 {
		policy = DefaultPolicy
	}
	return &Resilient{inner: inner, policy: policy}
}

// Embed retries transient failures of the wrapped embedder. Empty input
// fails immediately; exhaustion returns *ErrEmbeddingFailed wrapping the
// final cause.
func (r *Resilient) Embed(ctx context.Context, text string) ([]float32, error) {
	if strings.TrimSpace(text) == "" {
		return nil, ErrEmptyInput
	}
	vec, err := resilient.Call(ctx, r.policy, "embed", func(ctx context.Context) ([]float32, error) {
		return r.inner.Embed(ctx, text)
	})
	if err != nil {
		var ex *resilient.ErrExhausted
		if errors.As(err, &ex) {
			return nil, &ErrEmbeddingFailed{Cause: ex.Cause}
		}
		return nil, &ErrEmbeddingFailed{Cause: err}
	}
	return vec, nil
}

func (r *Resilient) Dimension() int { return r.inner.Dimension() }
