package retrieval

import (
	"context"
	"errors"
	"testing"
)

// fakeBackend returns a fixed vector per text, or an error.
type fakeBackend struct {
	vectors map[string][]float32
	err     error
	calls   int
}

func (f *fakeBackend) Embed(_ context.Context, _ string, text string) ([]float32, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	if v, ok := f.vectors[text]; ok {
		return v, nil
	}
	return []float32{1, 0, 0}, nil
}

func TestRetrieve(t *testing.T) {
	s := openVectorStore(t)
	s.Insert([]Record{
		record("r1", "doc-1", "gmail", []float32{1, 0, 0}),
		record("r2", "doc-2", "gmail", []float32{0, 1, 0}),
	})

	backend := &fakeBackend{vectors: map[string][]float32{
		"where is the invoice": {0.95, 0.05, 0},
	}}
	r := NewRetriever(NewEmbedder(backend, "nomic-embed-text"), s)

	chunks, err := r.Retrieve(context.Background(), "where is the invoice", 1)
	if err != nil {
		t.Fatalf("Retrieve: %v", err)
	}
	if len(chunks) != 1 {
		t.Fatalf("got %d chunks, want 1", len(chunks))
	}
	if chunks[0].SourceID != "doc-1" {
		t.Errorf("best chunk source = %s, want doc-1", chunks[0].SourceID)
	}
	if chunks[0].Score <= 0 {
		t.Errorf("score = %v", chunks[0].Score)
	}
}

func TestRetrieveEmbedError(t *testing.T) {
	s := openVectorStore(t)
	backend := &fakeBackend{err: errors.New("backend down")}
	r := NewRetriever(NewEmbedder(backend, "nomic-embed-text"), s)

	if _, err := r.Retrieve(context.Background(), "anything", 3); err == nil {
		t.Fatal("expected error from failing backend")
	}
}

func TestEmbedBatchEmpty(t *testing.T) {
	e := NewEmbedder(&fakeBackend{}, "nomic-embed-text")
	vecs, err := e.EmbedBatch(context.Background(), nil)
	if err != nil || vecs != nil {
		t.Fatalf("EmbedBatch(nil) = %v, %v", vecs, err)
	}
}

func TestEmbedBatch(t *testing.T) {
	backend := &fakeBackend{}
	e := NewEmbedder(backend, "nomic-embed-text")

	vecs, err := e.EmbedBatch(context.Background(), []string{"a", "b", "c"})
	if err != nil {
		t.Fatalf("EmbedBatch: %v", err)
	}
	if len(vecs) != 3 {
		t.Fatalf("got %d vectors, want 3", len(vecs))
	}
	if backend.calls != 3 {
		t.Fatalf("backend called %d times, want 3", backend.calls)
	}
}
