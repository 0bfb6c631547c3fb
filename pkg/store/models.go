package store

import (
	"time"

	"github.com/pgvector/pgvector-go"
	"gorm.io/datatypes"
)

// GORM models used for persistence.
type UserModel struct {
	ID        string `gorm:"primaryKey"`
	Email     string `gorm:"uniqueIndex;not null"`
	Role      string `gorm:"not null"`
	CreatedAt time.Time `gorm:"not null"`
}

type CollectionModel struct {
	ID            string `gorm:"primaryKey"`
	Name          string `gorm:"uniqueIndex;not null"`
	Description   string
	Provider      string `gorm:"not null"`
	ModelName     string `gorm:"not null"`
	APICredential string `gorm:"type:text"`
	BaseURL       string
	CreatedBy     string    `gorm:"not null"`
	CreatedAt     time.Time `gorm:"not null"`
	UpdatedAt     time.Time `gorm:"not null"`
}

type CollectionAccessModel struct {
	ID           string    `gorm:"primaryKey"`
	CollectionID string    `gorm:"not null;uniqueIndex:idx_collection_user"`
	UserID       string    `gorm:"not null;uniqueIndex:idx_collection_user"`
	GrantedAt    time.Time `gorm:"not null"`
}

type DocumentModel struct {
	ID           string `gorm:"primaryKey"`
	CollectionID string `gorm:"not null;index"`
	Filename     string `gorm:"not null"`
	FileType     string `gorm:"not null"`
	SizeBytes    int64  `gorm:"not null"`
	Status       string `gorm:"not null"`
	ErrorMessage string `gorm:"type:text"`
	StorageKey   string
	CreatedAt    time.Time `gorm:"not null"`
	ProcessedAt  *time.Time
}

type ChunkModel struct {
	ID           string           `gorm:"primaryKey"`
	DocumentID   string           `gorm:"not null;index"`
	CollectionID string           `gorm:"not null;index"`
	Content      string           `gorm:"type:text;not null"`
	Embedding    *pgvector.Vector `gorm:"type:vector(384)"`
	Metadata     datatypes.JSON   `gorm:"type:jsonb"`
	Ordinal      int              `gorm:"not null"`
	CreatedAt    time.Time        `gorm:"not null"`
}

type SessionModel struct {
	ID           string `gorm:"primaryKey"`
	UserID       string `gorm:"not null;index"`
	CollectionID string `gorm:"not null;index"`
	Title        string
	CreatedAt    time.Time `gorm:"not null"`
	UpdatedAt    time.Time `gorm:"not null;index"`
}

type MessageModel struct {
	ID        string         `gorm:"primaryKey"`
	SessionID string         `gorm:"not null;index"`
	UserID    string         `gorm:"not null"`
	Role      string         `gorm:"not null"`
	Content   string         `gorm:"type:text;not null"`
	Sources   datatypes.JSON `gorm:"type:jsonb"`
	CreatedAt time.Time      `gorm:"not null;index"`
}
