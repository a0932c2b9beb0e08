package retrieval

import (
	"testing"

	"github.com/satchel-dev/satchel/internal/storage"
)

func openVectorStore(t *testing.T) *SQLiteStore {
	t.Helper()
	st, err := storage.Open(":memory:")
	if err != nil {
		t.Fatalf("opening storage: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return NewSQLiteStore(st.DB())
}

func record(id, sourceID, sourceType string, embedding []float32) Record {
	return Record{
		ID:         id,
		SourceID:   sourceID,
		SourceType: sourceType,
		TextChunk:  "chunk " + id,
		Embedding:  embedding,
	}
}

func TestInsertAndSearch(t *testing.T) {
	s := openVectorStore(t)

	err := s.Insert([]Record{
		record("r1", "doc-1", "gmail", []float32{1, 0, 0}),
		record("r2", "doc-2", "gmail", []float32{0, 1, 0}),
		record("r3", "doc-3", "drive", []float32{0.9, 0.1, 0}),
	})
	if err != nil {
		t.Fatalf("Insert: %v", err)
	}

	results, err := s.Search([]float32{1, 0, 0}, 2)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("got %d results, want 2", len(results))
	}
	if results[0].ID != "r1" {
		t.Errorf("best match = %s, want r1", results[0].ID)
	}
	if results[1].ID != "r3" {
		t.Errorf("second match = %s, want r3", results[1].ID)
	}
	if results[0].Score <= results[1].Score {
		t.Errorf("scores not descending: %v vs %v", results[0].Score, results[1].Score)
	}
	if results[0].TextChunk != "chunk r1" {
		t.Errorf("text chunk = %q", results[0].TextChunk)
	}
}

func TestSearchEmptyStore(t *testing.T) {
	s := openVectorStore(t)
	results, err := s.Search([]float32{1, 0}, 5)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if results != nil {
		t.Fatalf("got %v from empty store", results)
	}
}

func TestSearchZeroVector(t *testing.T) {
	s := openVectorStore(t)
	s.Insert([]Record{record("r1", "d", "gmail", []float32{1, 0})})

	results, err := s.Search([]float32{0, 0}, 5)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if results != nil {
		t.Fatal("zero query vector should match nothing")
	}
}

func TestDeleteBySource(t *testing.T) {
	s := openVectorStore(t)
	s.Insert([]Record{
		record("r1", "doc-1", "gmail", []float32{1, 0}),
		record("r2", "doc-1", "gmail", []float32{0, 1}),
		record("r3", "doc-2", "gmail", []float32{1, 1}),
	})

	if err := s.DeleteBySource("doc-1"); err != nil {
		t.Fatalf("DeleteBySource: %v", err)
	}

	count, err := s.Count()
	if err != nil {
		t.Fatalf("Count: %v", err)
	}
	if count != 1 {
		t.Fatalf("count = %d after delete, want 1", count)
	}
}

func TestSourceIDs(t *testing.T) {
	s := openVectorStore(t)
	s.Insert([]Record{
		record("r1", "doc-1", "gmail", []float32{1, 0}),
		record("r2", "doc-1", "gmail", []float32{0, 1}),
		record("r3", "doc-2", "drive", []float32{1, 1}),
	})

	ids, err := s.SourceIDs("gmail")
	if err != nil {
		t.Fatalf("SourceIDs: %v", err)
	}
	if len(ids) != 1 || !ids["doc-1"] {
		t.Fatalf("ids = %v, want just doc-1", ids)
	}
}

func TestDecodeRejectsCorruptBlob(t *testing.T) {
	if _, err := decodeFloat32s([]byte{1, 2, 3}); err == nil {
		t.Fatal("expected error for blob length not divisible by 4")
	}
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	in := []float32{0.5, -1.25, 3.75}
	out, err := decodeFloat32s(encodeFloat32s(in))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(out) != len(in) {
		t.Fatalf("got %d floats, want %d", len(out), len(in))
	}
	for i := range in {
		if in[i] != out[i] {
			t.Errorf("value %d: %v != %v", i, in[i], out[i])
		}
	}
}
