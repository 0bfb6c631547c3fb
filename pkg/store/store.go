package store

import (
	"errors"
	"time"

	"docuchat/pkg/domain"
)

var (
	// ErrNotFound indicates a missing record where one was required.
	ErrNotFound = errors.New("record not found")
	// ErrInvalidTransition indicates an illegal document status move.
	ErrInvalidTransition = errors.New("invalid status transition")
	// ErrDimensionMismatch indicates an embedding of the wrong dimension.
	ErrDimensionMismatch = errors.New("embedding dimension mismatch")
)

// SearchResult is one ranked hit from a vector similarity search.
type SearchResult struct {
	ChunkID      string            `json:"chunkId"`
	Content      string            `json:"content"`
	DocumentID   string            `json:"documentId"`
	DocumentName string            `json:"documentName"`
	Similarity   float64           `json:"similarity"`
	Metadata     map[string]string `json:"metadata,omitempty"`
}

// Store defines persistence for collections, documents, chunks, and chats.
type Store interface {
	// users
	SaveUser(domain.User) error
	GetUser(id string) (domain.User, bool, error)

	// collections
	SaveCollection(domain.Collection) error
	GetCollection(id string) (domain.Collection, bool, error)
	ListCollections() ([]domain.Collection, error)
	DeleteCollection(id string) error
	GrantAccess(collectionID, userID string) error
	HasAccess(userID, collectionID string) (bool, error)

	// documents
	SaveDocument(domain.Document) error
	GetDocument(id string) (domain.Document, bool, error)
	ListDocumentsByCollection(collectionID string) ([]domain.Document, error)
	// SetDocumentStatus validates the move against domain.CanTransition and
	// stamps processed_at when the document completes.
	SetDocumentStatus(id string, status domain.DocumentStatus, errMsg string) error
	DeleteDocument(id string) error

	// chunks
	// ReplaceChunks atomically swaps all chunks of a document; concurrent
	// readers never observe a partial mix of old and new chunks.
	ReplaceChunks(documentID string, chunks []domain.Chunk) error
	CountChunks(documentID string) (int, error)
	ListChunksByDocument(documentID string) ([]domain.Chunk, error)
	// SearchChunks returns the topK most similar chunks in a collection,
	// ranked by descending cosine similarity.
	SearchChunks(collectionID string, embedding []float32, topK int) ([]SearchResult, error)

	// sessions + messages
	CreateSession(domain.ChatSession) error
	GetSession(id string) (domain.ChatSession, bool, error)
	ListSessionsByUser(userID, collectionID string, limit int) ([]domain.ChatSession, error)
	TouchSession(id string, at time.Time) error
	AppendMessage(domain.ChatMessage) error
	// ListMessages returns the most recent messages in chronological order.
	ListMessages(sessionID string, limit int) ([]domain.ChatMessage, error)
}
