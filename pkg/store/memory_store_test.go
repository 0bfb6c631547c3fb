package store

import (
	"errors"
	"testing"
	"time"

	"docuchat/pkg/domain"
)

func newTestStore() *MemoryStore {
	return NewMemoryStore(3)
}

func TestMemoryStoreDocumentStatusLifecycle(t *testing.T) {
	s := newTestStore()
	doc := domain.Document{
		ID:           "doc1",
		CollectionID: "col1",
		Filename:     "book.pdf",
		FileType:     ".pdf",
		Status:       domain.StatusUploading,
		CreatedAt:    time.Now().UTC(),
	}
	if err := s.SaveDocument(doc); err != nil {
		t.Fatalf("SaveDocument: %v", err)
	}

	if err := s.SetDocumentStatus("doc1", domain.StatusCompleted, ""); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("uploading -> completed should be rejected, got %v", err)
	}
	if err := s.SetDocumentStatus("doc1", domain.StatusProcessing, ""); err != nil {
		t.Fatalf("uploading -> processing: %v", err)
	}
	if err := s.SetDocumentStatus("doc1", domain.StatusFailed, "parse error"); err != nil {
		t.Fatalf("processing -> failed: %v", err)
	}
	got, _, _ := s.GetDocument("doc1")
	if got.ErrorMessage != "parse error" {
		t.Fatalf("error message = %q, want %q", got.ErrorMessage, "parse error")
	}

	// A failed document may be reprocessed; the stale error clears.
	if err := s.SetDocumentStatus("doc1", domain.StatusProcessing, ""); err != nil {
		t.Fatalf("failed -> processing: %v", err)
	}
	got, _, _ = s.GetDocument("doc1")
	if got.ErrorMessage != "" {
		t.Fatalf("error message not cleared on reprocess: %q", got.ErrorMessage)
	}
	if err := s.SetDocumentStatus("doc1", domain.StatusCompleted, ""); err != nil {
		t.Fatalf("processing -> completed: %v", err)
	}
	got, _, _ = s.GetDocument("doc1")
	if got.ProcessedAt == nil {
		t.Fatal("processed_at not stamped on completion")
	}

	if err := s.SetDocumentStatus("missing", domain.StatusProcessing, ""); !errors.Is(err, ErrNotFound) {
		t.Fatalf("missing document: got %v, want ErrNotFound", err)
	}
}

func TestMemoryStoreReplaceChunksIsAtomic(t *testing.T) {
	s := newTestStore()
	_ = s.SaveDocument(domain.Document{ID: "doc1", CollectionID: "col1", Filename: "a.txt", Status: domain.StatusProcessing})

	first := []domain.Chunk{
		{ID: "c1", DocumentID: "doc1", CollectionID: "col1", Content: "one", Ordinal: 0, Embedding: []float32{1, 0, 0}},
		{ID: "c2", DocumentID: "doc1", CollectionID: "col1", Content: "two", Ordinal: 1, Embedding: []float32{0, 1, 0}},
	}
	if err := s.ReplaceChunks("doc1", first); err != nil {
		t.Fatalf("ReplaceChunks: %v", err)
	}
	second := []domain.Chunk{
		{ID: "c3", DocumentID: "doc1", CollectionID: "col1", Content: "three", Ordinal: 0, Embedding: []float32{0, 0, 1}},
	}
	if err := s.ReplaceChunks("doc1", second); err != nil {
		t.Fatalf("ReplaceChunks (second): %v", err)
	}
	n, _ := s.CountChunks("doc1")
	if n != 1 {
		t.Fatalf("chunk count after replace = %d, want 1", n)
	}
	chunks, _ := s.ListChunksByDocument("doc1")
	if chunks[0].ID != "c3" {
		t.Fatalf("old chunks survived replace: %+v", chunks)
	}
}

func TestMemoryStoreReplaceChunksRejectsBadDimension(t *testing.T) {
	s := newTestStore()
	err := s.ReplaceChunks("doc1", []domain.Chunk{
		{ID: "c1", Content: "x", Embedding: []float32{1, 2}},
	})
	if !errors.Is(err, ErrDimensionMismatch) {
		t.Fatalf("got %v, want ErrDimensionMismatch", err)
	}
}

func TestMemoryStoreSearchChunksRanksBySimilarity(t *testing.T) {
	s := newTestStore()
	_ = s.SaveDocument(domain.Document{ID: "doc1", CollectionID: "col1", Filename: "alpha.pdf", Status: domain.StatusCompleted})
	_ = s.SaveDocument(domain.Document{ID: "doc2", CollectionID: "col2", Filename: "other.pdf", Status: domain.StatusCompleted})

	_ = s.ReplaceChunks("doc1", []domain.Chunk{
		{ID: "close", DocumentID: "doc1", CollectionID: "col1", Content: "close", Ordinal: 0, Embedding: []float32{1, 0.1, 0}},
		{ID: "far", DocumentID: "doc1", CollectionID: "col1", Content: "far", Ordinal: 1, Embedding: []float32{0, 1, 0}},
		{ID: "exact", DocumentID: "doc1", CollectionID: "col1", Content: "exact", Ordinal: 2, Embedding: []float32{1, 0, 0}},
	})
	// Same vector in a different collection must not leak in.
	_ = s.ReplaceChunks("doc2", []domain.Chunk{
		{ID: "foreign", DocumentID: "doc2", CollectionID: "col2", Content: "foreign", Ordinal: 0, Embedding: []float32{1, 0, 0}},
	})

	results, err := s.SearchChunks("col1", []float32{1, 0, 0}, 2)
	if err != nil {
		t.Fatalf("SearchChunks: %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("got %d results, want 2", len(results))
	}
	if results[0].ChunkID != "exact" || results[1].ChunkID != "close" {
		t.Fatalf("ranking wrong: %q then %q", results[0].ChunkID, results[1].ChunkID)
	}
	if results[0].Similarity < results[1].Similarity {
		t.Fatal("results not sorted by descending similarity")
	}
	if results[0].DocumentName != "alpha.pdf" {
		t.Fatalf("document name = %q, want alpha.pdf", results[0].DocumentName)
	}
	for _, r := range results {
		if r.ChunkID == "foreign" {
			t.Fatal("search leaked a chunk from another collection")
		}
	}
}

func TestMemoryStoreSearchChunksTieBreaksByInsertionOrder(t *testing.T) {
	s := newTestStore()
	for _, id := range []string{"doc1", "doc2", "doc3"} {
		_ = s.SaveDocument(domain.Document{ID: id, CollectionID: "col1", Filename: id + ".txt", Status: domain.StatusCompleted})
		_ = s.ReplaceChunks(id, []domain.Chunk{
			{ID: id + "-c0", DocumentID: id, CollectionID: "col1", Content: id, Ordinal: 0, Embedding: []float32{1, 0, 0}},
		})
	}

	// All candidates score identically; repeated searches must keep the
	// documents' insertion order rather than map iteration order.
	for i := 0; i < 20; i++ {
		results, err := s.SearchChunks("col1", []float32{1, 0, 0}, 3)
		if err != nil {
			t.Fatalf("SearchChunks: %v", err)
		}
		if len(results) != 3 {
			t.Fatalf("got %d results, want 3", len(results))
		}
		for j, want := range []string{"doc1-c0", "doc2-c0", "doc3-c0"} {
			if results[j].ChunkID != want {
				t.Fatalf("iteration %d: result %d = %q, want %q", i, j, results[j].ChunkID, want)
			}
		}
	}
}

func TestMemoryStoreAccessControl(t *testing.T) {
	s := newTestStore()
	_ = s.SaveUser(domain.User{ID: "admin", Email: "a@x.io", Role: domain.RoleAdmin})
	_ = s.SaveUser(domain.User{ID: "bob", Email: "b@x.io", Role: domain.RoleUser})

	ok, _ := s.HasAccess("bob", "col1")
	if ok {
		t.Fatal("bob should not have access before a grant")
	}
	ok, _ = s.HasAccess("admin", "col1")
	if !ok {
		t.Fatal("admin should always have access")
	}
	_ = s.GrantAccess("col1", "bob")
	ok, _ = s.HasAccess("bob", "col1")
	if !ok {
		t.Fatal("bob should have access after grant")
	}
}

func TestMemoryStoreListMessagesReturnsRecentInOrder(t *testing.T) {
	s := newTestStore()
	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	for i := 0; i < 6; i++ {
		role := domain.MessageRoleUser
		if i%2 == 1 {
			role = domain.MessageRoleAssistant
		}
		_ = s.AppendMessage(domain.ChatMessage{
			ID:        string(rune('a' + i)),
			SessionID: "sess1",
			Role:      role,
			Content:   "m",
			CreatedAt: base.Add(time.Duration(i) * time.Minute),
		})
	}
	msgs, err := s.ListMessages("sess1", 4)
	if err != nil {
		t.Fatalf("ListMessages: %v", err)
	}
	if len(msgs) != 4 {
		t.Fatalf("got %d messages, want 4", len(msgs))
	}
	for i := 1; i < len(msgs); i++ {
		if msgs[i].CreatedAt.Before(msgs[i-1].CreatedAt) {
			t.Fatal("messages not in chronological order")
		}
	}
	if msgs[len(msgs)-1].ID != "f" {
		t.Fatalf("newest message = %q, want f", msgs[len(msgs)-1].ID)
	}
}

func TestMemoryStoreDeleteCollectionCascades(t *testing.T) {
	s := newTestStore()
	_ = s.SaveCollection(domain.Collection{ID: "col1", Name: "c"})
	_ = s.SaveDocument(domain.Document{ID: "doc1", CollectionID: "col1", Status: domain.StatusCompleted})
	_ = s.ReplaceChunks("doc1", []domain.Chunk{{ID: "c1", DocumentID: "doc1", CollectionID: "col1", Content: "x", Embedding: []float32{1, 0, 0}}})
	_ = s.CreateSession(domain.ChatSession{ID: "sess1", UserID: "u", CollectionID: "col1"})
	_ = s.AppendMessage(domain.ChatMessage{ID: "m1", SessionID: "sess1", Role: domain.MessageRoleUser, Content: "hi"})

	if err := s.DeleteCollection("col1"); err != nil {
		t.Fatalf("DeleteCollection: %v", err)
	}
	if _, ok, _ := s.GetDocument("doc1"); ok {
		t.Fatal("document survived collection delete")
	}
	if n, _ := s.CountChunks("doc1"); n != 0 {
		t.Fatal("chunks survived collection delete")
	}
	if _, ok, _ := s.GetSession("sess1"); ok {
		t.Fatal("session survived collection delete")
	}
}
