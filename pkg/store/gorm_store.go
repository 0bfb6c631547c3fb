package store

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/pgvector/pgvector-go"
	"gorm.io/datatypes"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"

	"docuchat/pkg/domain"
)

const migrateLockID int64 = 48093217

const defaultEmbeddingDim = 384

type GormStoreOptions struct {
	EmbeddingDim int
}

type GormStoreOption func(*GormStoreOptions)

// WithEmbeddingDim sets the embedding dimension used by the chunk table.
// It must match the embedder's output dimension.
func WithEmbeddingDim(dim int) GormStoreOption {
	return func(opts *GormStoreOptions) {
		opts.EmbeddingDim = dim
	}
}

// GormStore implements Store using GORM + Postgres with pgvector.
type GormStore struct {
	db           *gorm.DB
	embeddingDim int
}

// NewGormStore opens the DB and runs auto-migrations.
func NewGormStore(dsn string, options ...GormStoreOption) (*GormStore, error) {
	opts := GormStoreOptions{}
	for _, option := range options {
		if option != nil {
			option(&opts)
		}
	}
	embeddingDim := opts.EmbeddingDim
	if embeddingDim <= 0 {
		embeddingDim = defaultEmbeddingDim
	}

	gormLog := gormlogger.New(
		log.New(os.Stdout, "\r\n", log.LstdFlags),
		gormlogger.Config{
			SlowThreshold:             time.Second,
			LogLevel:                  gormlogger.Warn,
			IgnoreRecordNotFoundError: true,
			Colorful:                  false,
		},
	)
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{Logger: gormLog})
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if err := withMigrationLock(db, func(tx *gorm.DB) error {
		if err := tx.Exec("CREATE EXTENSION IF NOT EXISTS vector").Error; err != nil {
			return fmt.Errorf("create pgvector extension: %w", err)
		}
		if err := tx.AutoMigrate(
			&UserModel{}, &CollectionModel{}, &CollectionAccessModel{},
			&DocumentModel{}, &ChunkModel{}, &SessionModel{}, &MessageModel{},
		); err != nil {
			return fmt.Errorf("auto migrate: %w", err)
		}
		if err := tx.Exec(fmt.Sprintf(
			"ALTER TABLE chunk_models ALTER COLUMN embedding TYPE vector(%d)", embeddingDim,
		)).Error; err != nil {
			return fmt.Errorf("alter chunk embedding type: %w", err)
		}
		if err := tx.Exec(`
			DO $$
			BEGIN
				IF NOT EXISTS (
					SELECT 1 FROM information_schema.table_constraints
					WHERE table_schema = 'public'
					AND table_name = 'document_models'
					AND constraint_name = 'document_models_collection_id_fkey'
				) THEN
					ALTER TABLE document_models
					ADD CONSTRAINT document_models_collection_id_fkey
					FOREIGN KEY (collection_id) REFERENCES collection_models(id) ON DELETE CASCADE;
				END IF;
				IF NOT EXISTS (
					SELECT 1 FROM information_schema.table_constraints
					WHERE table_schema = 'public'
					AND table_name = 'chunk_models'
					AND constraint_name = 'chunk_models_document_id_fkey'
				) THEN
					ALTER TABLE chunk_models
					ADD CONSTRAINT chunk_models_document_id_fkey
					FOREIGN KEY (document_id) REFERENCES document_models(id) ON DELETE CASCADE;
				END IF;
				IF NOT EXISTS (
					SELECT 1 FROM information_schema.table_constraints
					WHERE table_schema = 'public'
					AND table_name = 'session_models'
					AND constraint_name = 'session_models_collection_id_fkey'
				) THEN
					ALTER TABLE session_models
					ADD CONSTRAINT session_models_collection_id_fkey
					FOREIGN KEY (collection_id) REFERENCES collection_models(id) ON DELETE CASCADE;
				END IF;
				IF NOT EXISTS (
					SELECT 1 FROM information_schema.table_constraints
					WHERE table_schema = 'public'
					AND table_name = 'message_models'
					AND constraint_name = 'message_models_session_id_fkey'
				) THEN
					ALTER TABLE message_models
					ADD CONSTRAINT message_models_session_id_fkey
					FOREIGN KEY (session_id) REFERENCES session_models(id) ON DELETE CASCADE;
				END IF;
			END $$;
		`).Error; err != nil {
			return fmt.Errorf("ensure foreign keys: %w", err)
		}
		if err := tx.Exec(`
			CREATE INDEX IF NOT EXISTS idx_chunk_models_embedding
			ON chunk_models USING hnsw (embedding vector_cosine_ops)
		`).Error; err != nil {
			return fmt.Errorf("create embedding index: %w", err)
		}
		return nil
	}); err != nil {
		return nil, err
	}
	return &GormStore{db: db, embeddingDim: embeddingDim}, nil
}

func withMigrationLock(db *gorm.DB, fn func(*gorm.DB) error) error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	sqlDB, err := db.DB()
	if err != nil {
		return fmt.Errorf("get sql db: %w", err)
	}
	conn, err := sqlDB.Conn(ctx)
	if err != nil {
		return fmt.Errorf("open sql conn: %w", err)
	}
	defer conn.Close()
	if err := execAdvisory(ctx, conn, "SELECT pg_advisory_lock($1)", migrateLockID); err != nil {
		return fmt.Errorf("acquire migrate lock: %w", err)
	}
	defer func() {
		_ = execAdvisory(ctx, conn, "SELECT pg_advisory_unlock($1)", migrateLockID)
	}()
	return fn(db)
}

func execAdvisory(ctx context.Context, conn *sql.Conn, query string, lockID int64) error {
	_, err := conn.ExecContext(ctx, query, lockID)
	return err
}

// SaveUser registers or updates a user.
func (s *GormStore) SaveUser(u domain.User) error {
	model := userToModel(u)
	return s.db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		DoUpdates: clause.AssignmentColumns([]string{"email", "role"}),
	}).Create(&model).Error
}

// GetUser returns a user by ID.
func (s *GormStore) GetUser(id string) (domain.User, bool, error) {
	var model UserModel
	if err := s.db.First(&model, "id = ?", id).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return domain.User{}, false, nil
		}
		return domain.User{}, false, err
	}
	return userFromModel(model), true, nil
}

// SaveCollection stores or updates a collection.
func (s *GormStore) SaveCollection(c domain.Collection) error {
	model := collectionToModel(c)
	return s.db.Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "id"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"name", "description", "provider", "model_name",
			"api_credential", "base_url", "updated_at",
		}),
	}).Create(&model).Error
}

// GetCollection retrieves a collection.
func (s *GormStore) GetCollection(id string) (domain.Collection, bool, error) {
	var model CollectionModel
	if err := s.db.First(&model, "id = ?", id).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return domain.Collection{}, false, nil
		}
		return domain.Collection{}, false, err
	}
	return collectionFromModel(model), true, nil
}

// ListCollections returns all collections ordered by created_at.
func (s *GormStore) ListCollections() ([]domain.Collection, error) {
	var models []CollectionModel
	if err := s.db.Order("created_at ASC").Find(&models).Error; err != nil {
		return nil, err
	}
	res := make([]domain.Collection, 0, len(models))
	for _, m := range models {
		res = append(res, collectionFromModel(m))
	}
	return res, nil
}

// DeleteCollection removes a collection; documents, chunks, sessions, and
// messages go with it through FK cascades.
func (s *GormStore) DeleteCollection(id string) error {
	return s.db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Delete(&CollectionAccessModel{}, "collection_id = ?", id).Error; err != nil {
			return err
		}
		return tx.Delete(&CollectionModel{}, "id = ?", id).Error
	})
}

// GrantAccess allows a user to use a collection.
func (s *GormStore) GrantAccess(collectionID, userID string) error {
	model := CollectionAccessModel{
		ID:           newRecordID(),
		CollectionID: collectionID,
		UserID:       userID,
		GrantedAt:    time.Now().UTC(),
	}
	return s.db.Clauses(clause.OnConflict{DoNothing: true}).Create(&model).Error
}

// HasAccess reports whether the user may read and chat with the collection.
// Admins always have access.
func (s *GormStore) HasAccess(userID, collectionID string) (bool, error) {
	user, ok, err := s.GetUser(userID)
	if err != nil {
		return false, err
	}
	if ok && user.Role == domain.RoleAdmin {
		return true, nil
	}
	var count int64
	if err := s.db.Model(&CollectionAccessModel{}).
		Where("collection_id = ? AND user_id = ?", collectionID, userID).
		Count(&count).Error; err != nil {
		return false, err
	}
	return count > 0, nil
}

// SaveDocument stores or updates a document record.
func (s *GormStore) SaveDocument(d domain.Document) error {
	model := documentToModel(d)
	return s.db.Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "id"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"filename", "file_type", "size_bytes", "status",
			"error_message", "storage_key", "processed_at",
		}),
	}).Create(&model).Error
}

// GetDocument retrieves a document.
func (s *GormStore) GetDocument(id string) (domain.Document, bool, error) {
	var model DocumentModel
	if err := s.db.First(&model, "id = ?", id).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return domain.Document{}, false, nil
		}
		return domain.Document{}, false, err
	}
	return documentFromModel(model), true, nil
}

// ListDocumentsByCollection returns documents ordered by created_at.
func (s *GormStore) ListDocumentsByCollection(collectionID string) ([]domain.Document, error) {
	var models []DocumentModel
	if err := s.db.Where("collection_id = ?", collectionID).
		Order("created_at ASC").Find(&models).Error; err != nil {
		return nil, err
	}
	res := make([]domain.Document, 0, len(models))
	for _, m := range models {
		res = append(res, documentFromModel(m))
	}
	return res, nil
}

// SetDocumentStatus moves a document through its lifecycle, rejecting
// illegal transitions. Completion stamps processed_at; failure records the
// error text; re-entering processing clears both.
func (s *GormStore) SetDocumentStatus(id string, status domain.DocumentStatus, errMsg string) error {
	return s.db.Transaction(func(tx *gorm.DB) error {
		var model DocumentModel
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			First(&model, "id = ?", id).Error; err != nil {
			if err == gorm.ErrRecordNotFound {
				return ErrNotFound
			}
			return err
		}
		from := domain.DocumentStatus(model.Status)
		if !domain.CanTransition(from, status) {
			return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, status)
		}
		updates := map[string]any{
			"status":        string(status),
			"error_message": "",
			"processed_at":  nil,
		}
		switch status {
		case domain.StatusCompleted:
			updates["processed_at"] = time.Now().UTC()
		case domain.StatusFailed:
			updates["error_message"] = errMsg
		}
		return tx.Model(&DocumentModel{}).Where("id = ?", id).Updates(updates).Error
	})
}

// DeleteDocument removes a document (chunks handled by FK cascade).
func (s *GormStore) DeleteDocument(id string) error {
	return s.db.Delete(&DocumentModel{}, "id = ?", id).Error
}

// ReplaceChunks swaps all chunks of a document in one transaction so
// concurrent searches never see a partial mix of old and new chunks.
func (s *GormStore) ReplaceChunks(documentID string, chunks []domain.Chunk) error {
	for _, chunk := range chunks {
		if err := s.validateEmbeddingDim(chunk.Embedding); err != nil {
			return err
		}
	}
	return s.db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Delete(&ChunkModel{}, "document_id = ?", documentID).Error; err != nil {
			return err
		}
		if len(chunks) == 0 {
			return nil
		}
		models := make([]ChunkModel, 0, len(chunks))
		for _, chunk := range chunks {
			model := chunkToModel(chunk)
			model.DocumentID = documentID
			models = append(models, model)
		}
		return tx.CreateInBatches(&models, 200).Error
	})
}

// CountChunks returns the number of chunks stored for a document.
func (s *GormStore) CountChunks(documentID string) (int, error) {
	var count int64
	if err := s.db.Model(&ChunkModel{}).
		Where("document_id = ?", documentID).Count(&count).Error; err != nil {
		return 0, err
	}
	return int(count), nil
}

// ListChunksByDocument returns chunks in ordinal order.
func (s *GormStore) ListChunksByDocument(documentID string) ([]domain.Chunk, error) {
	var models []ChunkModel
	if err := s.db.Where("document_id = ?", documentID).
		Order("ordinal ASC").Find(&models).Error; err != nil {
		return nil, err
	}
	chunks := make([]domain.Chunk, 0, len(models))
	for _, model := range models {
		chunks = append(chunks, chunkFromModel(model))
	}
	return chunks, nil
}

// SearchChunks ranks chunks in a collection by cosine similarity to the
// query embedding using the pgvector distance operator.
func (s *GormStore) SearchChunks(collectionID string, embedding []float32, topK int) ([]SearchResult, error) {
	if topK <= 0 {
		return []SearchResult{}, nil
	}
	if err := s.validateEmbeddingDim(embedding); err != nil {
		return nil, err
	}
	vec := pgvector.NewVector(embedding)
	var rows []struct {
		ChunkID    string
		Content    string
		Metadata   []byte
		DocumentID string
		Filename   string
		Similarity float64
	}
	if err := s.db.Raw(`
		SELECT
			c.id AS chunk_id,
			c.content,
			c.metadata,
			c.document_id,
			d.filename,
			1 - (c.embedding <=> ?) AS similarity
		FROM chunk_models c
		JOIN document_models d ON d.id = c.document_id
		WHERE c.collection_id = ? AND c.embedding IS NOT NULL
		ORDER BY c.embedding <=> ?
		LIMIT ?`, vec, collectionID, vec, topK).Scan(&rows).Error; err != nil {
		return nil, err
	}
	results := make([]SearchResult, 0, len(rows))
	for _, row := range rows {
		var meta map[string]string
		if len(row.Metadata) > 0 {
			_ = json.Unmarshal(row.Metadata, &meta)
		}
		results = append(results, SearchResult{
			ChunkID:      row.ChunkID,
			Content:      row.Content,
			DocumentID:   row.DocumentID,
			DocumentName: row.Filename,
			Similarity:   row.Similarity,
			Metadata:     meta,
		})
	}
	return results, nil
}

// CreateSession creates a new chat session record.
func (s *GormStore) CreateSession(session domain.ChatSession) error {
	model := sessionToModel(session)
	return s.db.Create(&model).Error
}

// GetSession returns one session by ID.
func (s *GormStore) GetSession(id string) (domain.ChatSession, bool, error) {
	var model SessionModel
	if err := s.db.First(&model, "id = ?", id).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return domain.ChatSession{}, false, nil
		}
		return domain.ChatSession{}, false, err
	}
	return sessionFromModel(model), true, nil
}

// ListSessionsByUser returns a user's most recently active sessions,
// optionally scoped to a collection.
func (s *GormStore) ListSessionsByUser(userID, collectionID string, limit int) ([]domain.ChatSession, error) {
	if limit <= 0 {
		limit = 50
	}
	query := s.db.Where("user_id = ?", userID)
	if collectionID != "" {
		query = query.Where("collection_id = ?", collectionID)
	}
	var models []SessionModel
	if err := query.Order("updated_at DESC").Limit(limit).Find(&models).Error; err != nil {
		return nil, err
	}
	res := make([]domain.ChatSession, 0, len(models))
	for _, m := range models {
		res = append(res, sessionFromModel(m))
	}
	return res, nil
}

// TouchSession bumps the session's updated_at.
func (s *GormStore) TouchSession(id string, at time.Time) error {
	return s.db.Model(&SessionModel{}).Where("id = ?", id).
		Update("updated_at", at.UTC()).Error
}

// AppendMessage records a message.
func (s *GormStore) AppendMessage(msg domain.ChatMessage) error {
	model := messageToModel(msg)
	return s.db.Create(&model).Error
}

// ListMessages returns the most recent messages of a session in
// chronological order (newest fetched first, then reversed).
func (s *GormStore) ListMessages(sessionID string, limit int) ([]domain.ChatMessage, error) {
	if limit <= 0 {
		return []domain.ChatMessage{}, nil
	}
	var models []MessageModel
	if err := s.db.Where("session_id = ?", sessionID).
		Order("created_at DESC").
		Limit(limit).
		Find(&models).Error; err != nil {
		return nil, err
	}
	msgs := make([]domain.ChatMessage, 0, len(models))
	for i := len(models) - 1; i >= 0; i-- {
		msgs = append(msgs, messageFromModel(models[i]))
	}
	return msgs, nil
}

func (s *GormStore) validateEmbeddingDim(embedding []float32) error {
	if len(embedding) == 0 {
		return fmt.Errorf("%w: embedding vector is empty", ErrDimensionMismatch)
	}
	if s.embeddingDim > 0 && len(embedding) != s.embeddingDim {
		return fmt.Errorf("%w: got %d, want %d", ErrDimensionMismatch, len(embedding), s.embeddingDim)
	}
	return nil
}

func userToModel(u domain.User) UserModel {
	return UserModel{
		ID:        u.ID,
		Email:     u.Email,
		Role:      string(u.Role),
		CreatedAt: u.CreatedAt,
	}
}

func userFromModel(m UserModel) domain.User {
	return domain.User{
		ID:        m.ID,
		Email:     m.Email,
		Role:      domain.UserRole(m.Role),
		CreatedAt: m.CreatedAt,
	}
}

func collectionToModel(c domain.Collection) CollectionModel {
	return CollectionModel{
		ID:            c.ID,
		Name:          c.Name,
		Description:   c.Description,
		Provider:      string(c.Provider),
		ModelName:     c.ModelName,
		APICredential: c.APICredential,
		BaseURL:       c.BaseURL,
		CreatedBy:     c.CreatedBy,
		CreatedAt:     c.CreatedAt,
		UpdatedAt:     c.UpdatedAt,
	}
}

func collectionFromModel(m CollectionModel) domain.Collection {
	return domain.Collection{
		ID:            m.ID,
		Name:          m.Name,
		Description:   m.Description,
		Provider:      domain.NormalizeProvider(m.Provider),
		ModelName:     m.ModelName,
		APICredential: m.APICredential,
		BaseURL:       m.BaseURL,
		CreatedBy:     m.CreatedBy,
		CreatedAt:     m.CreatedAt,
		UpdatedAt:     m.UpdatedAt,
	}
}

func documentToModel(d domain.Document) DocumentModel {
	return DocumentModel{
		ID:           d.ID,
		CollectionID: d.CollectionID,
		Filename:     d.Filename,
		FileType:     d.FileType,
		SizeBytes:    d.SizeBytes,
		Status:       string(d.Status),
		ErrorMessage: d.ErrorMessage,
		StorageKey:   d.StorageKey,
		CreatedAt:    d.CreatedAt,
		ProcessedAt:  d.ProcessedAt,
	}
}

func documentFromModel(m DocumentModel) domain.Document {
	return domain.Document{
		ID:           m.ID,
		CollectionID: m.CollectionID,
		Filename:     m.Filename,
		FileType:     m.FileType,
		SizeBytes:    m.SizeBytes,
		Status:       domain.DocumentStatus(m.Status),
		ErrorMessage: m.ErrorMessage,
		StorageKey:   m.StorageKey,
		CreatedAt:    m.CreatedAt,
		ProcessedAt:  m.ProcessedAt,
	}
}

func chunkToModel(chunk domain.Chunk) ChunkModel {
	model := ChunkModel{
		ID:           chunk.ID,
		DocumentID:   chunk.DocumentID,
		CollectionID: chunk.CollectionID,
		Content:      chunk.Content,
		Ordinal:      chunk.Ordinal,
		CreatedAt:    chunk.CreatedAt,
	}
	if len(chunk.Metadata) > 0 {
		meta, _ := json.Marshal(chunk.Metadata)
		model.Metadata = datatypes.JSON(meta)
	}
	if len(chunk.Embedding) > 0 {
		vec := pgvector.NewVector(chunk.Embedding)
		model.Embedding = &vec
	}
	return model
}

func chunkFromModel(model ChunkModel) domain.Chunk {
	var meta map[string]string
	if len(model.Metadata) > 0 {
		_ = json.Unmarshal(model.Metadata, &meta)
	}
	chunk := domain.Chunk{
		ID:           model.ID,
		DocumentID:   model.DocumentID,
		CollectionID: model.CollectionID,
		Content:      model.Content,
		Metadata:     meta,
		Ordinal:      model.Ordinal,
		CreatedAt:    model.CreatedAt,
	}
	if model.Embedding != nil {
		chunk.Embedding = model.Embedding.Slice()
	}
	return chunk
}

func sessionToModel(s domain.ChatSession) SessionModel {
	return SessionModel{
		ID:           s.ID,
		UserID:       s.UserID,
		CollectionID: s.CollectionID,
		Title:        s.Title,
		CreatedAt:    s.CreatedAt,
		UpdatedAt:    s.UpdatedAt,
	}
}

func sessionFromModel(m SessionModel) domain.ChatSession {
	return domain.ChatSession{
		ID:           m.ID,
		UserID:       m.UserID,
		CollectionID: m.CollectionID,
		Title:        m.Title,
		CreatedAt:    m.CreatedAt,
		UpdatedAt:    m.UpdatedAt,
	}
}

func messageToModel(msg domain.ChatMessage) MessageModel {
	var rawSources datatypes.JSON
	if len(msg.Sources) > 0 {
		raw, _ := json.Marshal(msg.Sources)
		rawSources = datatypes.JSON(raw)
	}
	return MessageModel{
		ID:        msg.ID,
		SessionID: msg.SessionID,
		UserID:    msg.UserID,
		Role:      msg.Role,
		Content:   msg.Content,
		Sources:   rawSources,
		CreatedAt: msg.CreatedAt,
	}
}

func messageFromModel(m MessageModel) domain.ChatMessage {
	var sources []domain.Source
	if len(m.Sources) > 0 {
		_ = json.Unmarshal(m.Sources, &sources)
	}
	return domain.ChatMessage{
		ID:        m.ID,
		SessionID: m.SessionID,
		UserID:    m.UserID,
		Role:      m.Role,
		Content:   m.Content,
		Sources:   sources,
		CreatedAt: m.CreatedAt,
	}
}

func newRecordID() string {
	b := make([]byte, 12)
	_, _ = rand.Read(b)
	return fmt.Sprintf("%x", b)
}
