package domain

import "time"

// DocumentStatus is the processing lifecycle of an uploaded document.
type DocumentStatus string

const (
	StatusUploading  DocumentStatus = "uploading"
	StatusProcessing DocumentStatus = "processing"
	StatusCompleted  DocumentStatus = "completed"
	StatusFailed     DocumentStatus = "failed"
)

// CanTransition reports whether a document may move from one status to
// another. Documents only advance uploading -> processing -> completed/failed;
// terminal documents may re-enter processing on reprocess or retry.
// processing -> processing is allowed so a job reclaimed from a crashed
// worker can pick the document up again.
func CanTransition(from, to DocumentStatus) bool {
	switch from {
	case StatusUploading:
		return to == StatusProcessing
	case StatusProcessing:
		return to == StatusProcessing || to == StatusCompleted || to == StatusFailed
	case StatusCompleted, StatusFailed:
		return to == StatusProcessing
	}
	return false
}

// ProviderKind identifies a generation backend family.
type ProviderKind string

const (
	ProviderOllama    ProviderKind = "ollama"
	ProviderOpenAI    ProviderKind = "openai"
	ProviderAnthropic ProviderKind = "anthropic"
	ProviderCustom    ProviderKind = "custom"
)

// NormalizeProvider maps free-form provider names onto a known kind.
// Unknown values fall back to the custom (Ollama-shaped) backend.
func NormalizeProvider(s string) ProviderKind {
	switch ProviderKind(s) {
	case ProviderOllama, ProviderOpenAI, ProviderAnthropic, ProviderCustom:
		return ProviderKind(s)
	}
	return ProviderCustom
}

type UserRole string

const (
	RoleUser  UserRole = "user"
	RoleAdmin UserRole = "admin"
)

// Message roles.
const (
	MessageRoleUser      = "user"
	MessageRoleAssistant = "assistant"
	MessageRoleSystem    = "system"
)

type User struct {
	ID        string    `json:"id"`
	Email     string    `json:"email"`
	Role      UserRole  `json:"role"`
	CreatedAt time.Time `json:"createdAt"`
}

// Collection is a named knowledge scope: one retrieval namespace plus one
// generation backend configuration. Documents, chunks, and sessions all hang
// off a collection.
type Collection struct {
	ID            string       `json:"id"`
	Name          string       `json:"name"`
	Description   string       `json:"description,omitempty"`
	Provider      ProviderKind `json:"provider"`
	ModelName     string       `json:"modelName"`
	APICredential string       `json:"-"` // sealed, see pkg/secrets
	BaseURL       string       `json:"baseURL,omitempty"`
	CreatedBy     string       `json:"createdBy"`
	CreatedAt     time.Time    `json:"createdAt"`
	UpdatedAt     time.Time    `json:"updatedAt"`
}

type Document struct {
	ID           string         `json:"id"`
	CollectionID string         `json:"collectionId"`
	Filename     string         `json:"filename"`
	FileType     string         `json:"fileType"`
	SizeBytes    int64          `json:"sizeBytes"`
	Status       DocumentStatus `json:"status"`
	ErrorMessage string         `json:"errorMessage,omitempty"`
	StorageKey   string         `json:"-"`
	CreatedAt    time.Time      `json:"createdAt"`
	ProcessedAt  *time.Time     `json:"processedAt,omitempty"`
}

// Chunk is a bounded span of extracted document text with its embedding and
// positional metadata. CollectionID is denormalized from the owning document
// so retrieval can scope by collection without touching the documents table.
type Chunk struct {
	ID           string            `json:"id"`
	DocumentID   string            `json:"documentId"`
	CollectionID string            `json:"collectionId"`
	Content      string            `json:"content"`
	Embedding    []float32         `json:"-"`
	Metadata     map[string]string `json:"metadata,omitempty"`
	Ordinal      int               `json:"ordinal"`
	CreatedAt    time.Time         `json:"createdAt"`
}

type ChatSession struct {
	ID           string    `json:"id"`
	UserID       string    `json:"userId"`
	CollectionID string    `json:"collectionId"`
	Title        string    `json:"title,omitempty"`
	CreatedAt    time.Time `json:"createdAt"`
	UpdatedAt    time.Time `json:"updatedAt"`
}

// ChatMessage is append-only; history reads order by CreatedAt.
type ChatMessage struct {
	ID        string    `json:"id"`
	SessionID string    `json:"sessionId"`
	UserID    string    `json:"userId"`
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	Sources   []Source  `json:"sources,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
}

// Source is a citation attached to an assistant message.
type Source struct {
	DocumentID   string  `json:"documentId"`
	DocumentName string  `json:"documentName"`
	Snippet      string  `json:"snippet"`
	Page         string  `json:"page,omitempty"`
	Similarity   float64 `json:"similarity"`
}
