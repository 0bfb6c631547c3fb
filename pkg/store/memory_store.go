package store

import (
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"docuchat/pkg/domain"
)

// MemoryStore keeps everything in-process. It backs tests and single-node
// development runs where Postgres is not available.
type MemoryStore struct {
	mu           sync.RWMutex
	embeddingDim int

	users       map[string]domain.User
	collections map[string]domain.Collection
	collOrder   []string
	access      map[string]map[string]bool // collectionID -> userID set
	documents   map[string]domain.Document
	docOrder    []string
	chunks      map[string][]domain.Chunk // documentID -> chunks
	sessions    map[string]domain.ChatSession
	messages    map[string][]domain.ChatMessage // sessionID -> messages
}

// NewMemoryStore initializes an empty in-memory store. A dim of 0 disables
// dimension checking.
func NewMemoryStore(embeddingDim int) *MemoryStore {
	return &MemoryStore{
		embeddingDim: embeddingDim,
		users:        make(map[string]domain.User),
		collections:  make(map[string]domain.Collection),
		access:       make(map[string]map[string]bool),
		documents:    make(map[string]domain.Document),
		chunks:       make(map[string][]domain.Chunk),
		sessions:     make(map[string]domain.ChatSession),
		messages:     make(map[string][]domain.ChatMessage),
	}
}

func (m *MemoryStore) SaveUser(u domain.User) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.users[u.ID] = u
	return nil
}

func (m *MemoryStore) GetUser(id string) (domain.User, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	u, ok := m.users[id]
	return u, ok, nil
}

func (m *MemoryStore) SaveCollection(c domain.Collection) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.collections[c.ID]; !exists {
		m.collOrder = append(m.collOrder, c.ID)
	}
	m.collections[c.ID] = c
	return nil
}

func (m *MemoryStore) GetCollection(id string) (domain.Collection, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.collections[id]
	return c, ok, nil
}

func (m *MemoryStore) ListCollections() ([]domain.Collection, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	res := make([]domain.Collection, 0, len(m.collOrder))
	for _, id := range m.collOrder {
		if c, ok := m.collections[id]; ok {
			res = append(res, c)
		}
	}
	return res, nil
}

func (m *MemoryStore) DeleteCollection(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.collections, id)
	delete(m.access, id)
	for docID, doc := range m.documents {
		if doc.CollectionID == id {
			delete(m.documents, docID)
			delete(m.chunks, docID)
		}
	}
	for sessID, sess := range m.sessions {
		if sess.CollectionID == id {
			delete(m.sessions, sessID)
			delete(m.messages, sessID)
		}
	}
	return nil
}

func (m *MemoryStore) GrantAccess(collectionID, userID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	set, ok := m.access[collectionID]
	if !ok {
		set = make(map[string]bool)
		m.access[collectionID] = set
	}
	set[userID] = true
	return nil
}

func (m *MemoryStore) HasAccess(userID, collectionID string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if u, ok := m.users[userID]; ok && u.Role == domain.RoleAdmin {
		return true, nil
	}
	return m.access[collectionID][userID], nil
}

func (m *MemoryStore) SaveDocument(d domain.Document) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.documents[d.ID]; !exists {
		m.docOrder = append(m.docOrder, d.ID)
	}
	m.documents[d.ID] = d
	return nil
}

func (m *MemoryStore) GetDocument(id string) (domain.Document, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	d, ok := m.documents[id]
	return d, ok, nil
}

func (m *MemoryStore) ListDocumentsByCollection(collectionID string) ([]domain.Document, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	res := make([]domain.Document, 0)
	for _, id := range m.docOrder {
		if d, ok := m.documents[id]; ok && d.CollectionID == collectionID {
			res = append(res, d)
		}
	}
	return res, nil
}

func (m *MemoryStore) SetDocumentStatus(id string, status domain.DocumentStatus, errMsg string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	doc, ok := m.documents[id]
	if !ok {
		return ErrNotFound
	}
	if !domain.CanTransition(doc.Status, status) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, doc.Status, status)
	}
	doc.Status = status
	doc.ErrorMessage = ""
	doc.ProcessedAt = nil
	switch status {
	case domain.StatusCompleted:
		now := time.Now().UTC()
		doc.ProcessedAt = &now
	case domain.StatusFailed:
		doc.ErrorMessage = errMsg
	}
	m.documents[id] = doc
	return nil
}

func (m *MemoryStore) DeleteDocument(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.documents, id)
	delete(m.chunks, id)
	return nil
}

func (m *MemoryStore) ReplaceChunks(documentID string, chunks []domain.Chunk) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, chunk := range chunks {
		if err := m.validateDim(chunk.Embedding); err != nil {
			return err
		}
	}
	copied := make([]domain.Chunk, len(chunks))
	copy(copied, chunks)
	m.chunks[documentID] = copied
	return nil
}

func (m *MemoryStore) CountChunks(documentID string) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.chunks[documentID]), nil
}

func (m *MemoryStore) ListChunksByDocument(documentID string) ([]domain.Chunk, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	src := m.chunks[documentID]
	res := make([]domain.Chunk, len(src))
	copy(res, src)
	sort.Slice(res, func(i, j int) bool { return res[i].Ordinal < res[j].Ordinal })
	return res, nil
}

func (m *MemoryStore) SearchChunks(collectionID string, embedding []float32, topK int) ([]SearchResult, error) {
	if topK <= 0 {
		return []SearchResult{}, nil
	}
	if err := m.validateDim(embedding); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	// Walk documents in insertion order so equal similarities tie-break
	// deterministically under the stable sort.
	var results []SearchResult
	for _, docID := range m.docOrder {
		doc, ok := m.documents[docID]
		if !ok || doc.CollectionID != collectionID {
			continue
		}
		for _, chunk := range m.chunks[docID] {
			if len(chunk.Embedding) != len(embedding) {
				continue
			}
			results = append(results, SearchResult{
				ChunkID:      chunk.ID,
				Content:      chunk.Content,
				DocumentID:   docID,
				DocumentName: doc.Filename,
				Similarity:   cosineSimilarity(embedding, chunk.Embedding),
				Metadata:     chunk.Metadata,
			})
		}
	}
	sort.SliceStable(results, func(i, j int) bool {
		return results[i].Similarity > results[j].Similarity
	})
	if len(results) > topK {
		results = results[:topK]
	}
	return results, nil
}

func (m *MemoryStore) CreateSession(session domain.ChatSession) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions[session.ID] = session
	return nil
}

func (m *MemoryStore) GetSession(id string) (domain.ChatSession, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[id]
	return s, ok, nil
}

func (m *MemoryStore) ListSessionsByUser(userID, collectionID string, limit int) ([]domain.ChatSession, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if limit <= 0 {
		limit = 50
	}
	var res []domain.ChatSession
	for _, s := range m.sessions {
		if s.UserID != userID {
			continue
		}
		if collectionID != "" && s.CollectionID != collectionID {
			continue
		}
		res = append(res, s)
	}
	sort.Slice(res, func(i, j int) bool {
		return res[i].UpdatedAt.After(res[j].UpdatedAt)
	})
	if len(res) > limit {
		res = res[:limit]
	}
	return res, nil
}

func (m *MemoryStore) TouchSession(id string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return ErrNotFound
	}
	s.UpdatedAt = at.UTC()
	m.sessions[id] = s
	return nil
}

func (m *MemoryStore) AppendMessage(msg domain.ChatMessage) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.messages[msg.SessionID] = append(m.messages[msg.SessionID], msg)
	return nil
}

func (m *MemoryStore) ListMessages(sessionID string, limit int) ([]domain.ChatMessage, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if limit <= 0 {
		return []domain.ChatMessage{}, nil
	}
	all := m.messages[sessionID]
	start := len(all) - limit
	if start < 0 {
		start = 0
	}
	res := make([]domain.ChatMessage, len(all)-start)
	copy(res, all[start:])
	return res, nil
}

func (m *MemoryStore) validateDim(embedding []float32) error {
	if len(embedding) == 0 {
		return fmt.Errorf("%w: embedding vector is empty", ErrDimensionMismatch)
	}
	if m.embeddingDim > 0 && len(embedding) != m.embeddingDim {
		return fmt.Errorf("%w: got %d, want %d", ErrDimensionMismatch, len(embedding), m.embeddingDim)
	}
	return nil
}

func cosineSimilarity(a, b []float32) float64 {
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}
