package embed

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/hazyhaar/atelier/resilient"
)

func TestHashEmbedder_Deterministic(t *testing.T) {
	// WHAT: The same text always produces the same vector; different text
	// produces a different one.
	// WHY: Retrieval depends on re-embedding a query reproducing the same
	// coordinates the stored documents were indexed with.
	e := NewHashEmbedder()
	a1, err := e.Embed(context.Background(), "hello world")
	if err != nil {
		t.Fatalf("embed: %v", err)
	}
	a2, _ := e.Embed(context.Background(), "hello world")
	b, _ := e.Embed(context.Background(), "goodbye world")

	if len(a1) != HashDimension {
		t.Fatalf("dimension = %d, want %d", len(a1), HashDimension)
	}
	for i := range a1 {
		if a1[i] != a2[i] {
			t.Fatalf("non-deterministic at index %d: %v vs %v", i, a1[i], a2[i])
		}
	}
	same := true
	for i := range a1 {
		if a1[i] != b[i] {
			same = false
			break
		}
	}
	if same {
		t.Fatal("distinct texts produced identical vectors")
	}
}

func TestHashEmbedder_Bounded(t *testing.T) {
	// WHAT: Every component lies in [0, 1].
	e := NewHashEmbedder()
	vec, _ := e.Embed(context.Background(), "bounds check")
	for i, v := range vec {
		if v < 0 || v > 1 {
			t.Fatalf("component %d = %v out of [0,1]", i, v)
		}
	}
}

func TestHashEmbedder_EmptyInput(t *testing.T) {
	// WHAT: Empty and whitespace-only input fail with ErrEmptyInput.
	// WHY: An empty vector would silently match nothing; fail loudly instead.
	e := NewHashEmbedder()
	for _, text := range []string{"", "   ", "\n\t"} {
		if _, err := e.Embed(context.Background(), text); !errors.Is(err, ErrEmptyInput) {
			t.Fatalf("text %q: error = %v, want ErrEmptyInput", text, err)
		}
	}
}

// flakyEmbedder fails a configured number of times before succeeding.
type flakyEmbedder struct {
	failures int32
	calls    int32
}

func (f *flakyEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	if atomic.AddInt32(&f.calls, 1) <= atomic.LoadInt32(&f.failures) {
		return nil, errors.New("backend unavailable")
	}
	return []float32{1, 0}, nil
}

func (f *flakyEmbedder) Dimension() int { return 2 }

func TestResilient_RetriesTransientFailure(t *testing.T) {
	// WHAT: Two transient failures inside a 3-attempt budget still succeed.
	inner := &flakyEmbedder{failures: 2}
	r := NewResilient(inner, resilient.Policy{MaxAttempts: 3, BaseBackoff: time.Millisecond, FixedBackoff: true})
	vec, err := r.Embed(context.Background(), "retry me")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(vec) != 2 {
		t.Fatalf("vector = %v", vec)
	}
	if inner.calls != 3 {
		t.Fatalf("calls = %d, want 3", inner.calls)
	}
}

func TestResilient_ExhaustionIsEmbeddingFailed(t *testing.T) {
	// WHAT: When every attempt fails, the caller sees *ErrEmbeddingFailed,
	// not the resilient package's internal error type.
	// WHY: The pipeline maps this one error to the document's failed state;
	// it must not need to know how many layers of wrapping sit below.
	inner := &flakyEmbedder{failures: 99}
	r := NewResilient(inner, resilient.Policy{MaxAttempts: 3, BaseBackoff: time.Millisecond, FixedBackoff: true})
	_, err := r.Embed(context.Background(), "doomed")
	var ef *ErrEmbeddingFailed
	if !errors.As(err, &ef) {
		t.Fatalf("error = %v, want *ErrEmbeddingFailed", err)
	}
	if inner.calls != 3 {
		t.Fatalf("calls = %d, want 3", inner.calls)
	}
}

func TestResilient_EmptyInputNotRetried(t *testing.T) {
	// WHAT: Empty input short-circuits before any backend call.
	inner := &flakyEmbedder{}
	r := NewResilient(inner, resilient.Policy{})
	if _, err := r.Embed(context.Background(), "  "); !errors.Is(err, ErrEmptyInput) {
		t.Fatalf("error = %v, want ErrEmptyInput", err)
	}
	if inner.calls != 0 {
		t.Fatalf("backend called %d times for empty input", inner.calls)
	}
}

func TestVectorRoundTrip(t *testing.T) {
	// WHAT: Serialize then Deserialize restores the exact vector.
	vec := []float32{0.25, 0.5, 0.75, 1}
	got := DeserializeVector(SerializeVector(vec))
	if len(got) != len(vec) {
		t.Fatalf("length = %d, want %d", len(got), len(vec))
	}
	for i := range vec {
		if got[i] != vec[i] {
			t.Fatalf("index %d: %v != %v", i, got[i], vec[i])
		}
	}
}

func TestCosineSimilarity(t *testing.T) {
	// WHAT: Parallel vectors score 1, orthogonal 0, mismatched lengths 0.
	cases := []struct {
		a, b []float32
		want float64
	}{
		{[]float32{1, 0}, []float32{1, 0}, 1},
		{[]float32{1, 0}, []float32{0, 1}, 0},
		{[]float32{1, 0}, []float32{1, 0, 0}, 0},
		{[]float32{0, 0}, []float32{1, 0}, 0},
	}
	for _, tc := range cases {
		got := CosineSimilarity(tc.a, tc.b)
		if diff := got - tc.want; diff > 1e-9 || diff < -1e-9 {
			t.Errorf("CosineSimilarity(%v, %v) = %v, want %v", tc.a, tc.b, got, tc.want)
		}
	}
}
