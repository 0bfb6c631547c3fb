package ingest

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"docuchat/internal/util"
	"docuchat/pkg/ai"
	"docuchat/pkg/domain"
	"docuchat/pkg/queue"
	"docuchat/pkg/storage"
	"docuchat/pkg/store"
)

const (
	DefaultChunkSize    = 1000
	DefaultChunkOverlap = 200
	MaxUploadBytes      = 250 << 20

	downloadURLExpiry = 15 * time.Minute
)

var supportedExtensions = map[string]bool{
	".pdf":  true,
	".csv":  true,
	".txt":  true,
	".md":   true,
	".epub": true,
}

var (
	// ErrUnsupportedFileType is returned before any record is created.
	ErrUnsupportedFileType = errors.New("unsupported file type")
	// ErrFileTooLarge is returned for uploads over MaxUploadBytes.
	ErrFileTooLarge = errors.New("file too large")
	// ErrNoContent marks a document whose parse produced no text.
	ErrNoContent = errors.New("no content extracted")
)

// Enqueuer publishes document processing jobs.
type Enqueuer interface {
	Enqueue(ctx context.Context, documentID string) (queue.JobStatus, error)
}

// Processor runs the ingestion pipeline: accept uploads, then (on the
// worker side) parse, chunk, embed, and persist.
type Processor struct {
	store        store.Store
	objects      storage.ObjectStore
	embedder     ai.Embedder
	queue        Enqueuer
	chunkSize    int
	chunkOverlap int
	logger       *slog.Logger
}

type Config struct {
	Store        store.Store
	Objects      storage.ObjectStore
	Embedder     ai.Embedder
	Queue        Enqueuer
	ChunkSize    int
	ChunkOverlap int
	Logger       *slog.Logger
}

func NewProcessor(cfg Config) (*Processor, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("store required")
	}
	if cfg.Objects == nil {
		return nil, fmt.Errorf("object store required")
	}
	if cfg.Embedder == nil {
		return nil, fmt.Errorf("embedder required")
	}
	chunkSize := cfg.ChunkSize
	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}
	chunkOverlap := cfg.ChunkOverlap
	if chunkOverlap < 0 {
		chunkOverlap = DefaultChunkOverlap
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Processor{
		store:        cfg.Store,
		objects:      cfg.Objects,
		embedder:     cfg.Embedder,
		queue:        cfg.Queue,
		chunkSize:    chunkSize,
		chunkOverlap: chunkOverlap,
		logger:       logger,
	}, nil
}

// SaveUpload validates and stores an uploaded file, creates the document
// record, and queues it for processing. Invalid uploads are rejected before
// any record or object exists.
func (p *Processor) SaveUpload(ctx context.Context, collectionID, filename string, size int64, r io.Reader) (domain.Document, error) {
	ext := strings.ToLower(filepath.Ext(filename))
	if !supportedExtensions[ext] {
		return domain.Document{}, fmt.Errorf("%w: %s", ErrUnsupportedFileType, ext)
	}
	if size > MaxUploadBytes {
		return domain.Document{}, fmt.Errorf("%w: %d bytes", ErrFileTooLarge, size)
	}
	if _, ok, err := p.store.GetCollection(collectionID); err != nil {
		return domain.Document{}, fmt.Errorf("load collection: %w", err)
	} else if !ok {
		return domain.Document{}, store.ErrNotFound
	}

	now := time.Now().UTC()
	doc := domain.Document{
		ID:           util.NewID(),
		CollectionID: collectionID,
		Filename:     filepath.Base(filename),
		FileType:     ext,
		SizeBytes:    size,
		Status:       domain.StatusUploading,
		StorageKey:   path.Join(collectionID, util.NewID(), filepath.Base(filename)),
		CreatedAt:    now,
	}
	if err := p.objects.Put(ctx, doc.StorageKey, io.LimitReader(r, MaxUploadBytes+1), size, contentTypeFor(ext)); err != nil {
		return domain.Document{}, fmt.Errorf("store upload: %w", err)
	}
	if err := p.store.SaveDocument(doc); err != nil {
		_ = p.objects.Delete(ctx, doc.StorageKey)
		return domain.Document{}, fmt.Errorf("save document: %w", err)
	}
	if err := p.enqueue(ctx, doc.ID); err != nil {
		p.logger.Error("queue ingest job", "document_id", doc.ID, "error", err)
		// Inline processing marks its own failure; only a publish failure
		// leaves the document stuck in uploading.
		if cur, ok, _ := p.store.GetDocument(doc.ID); ok && cur.Status == domain.StatusUploading {
			_ = p.store.SetDocumentStatus(doc.ID, domain.StatusProcessing, "")
			_ = p.store.SetDocumentStatus(doc.ID, domain.StatusFailed, "failed to queue processing")
		}
		return doc, fmt.Errorf("queue document: %w", err)
	}
	return doc, nil
}

// DownloadURL returns a short-lived presigned link to the stored original.
func (p *Processor) DownloadURL(ctx context.Context, documentID string) (string, error) {
	doc, ok, err := p.store.GetDocument(documentID)
	if err != nil {
		return "", fmt.Errorf("load document: %w", err)
	}
	if !ok {
		return "", store.ErrNotFound
	}
	url, err := p.objects.PresignGet(ctx, doc.StorageKey, downloadURLExpiry)
	if err != nil {
		return "", fmt.Errorf("presign download: %w", err)
	}
	return url, nil
}

// Reprocess re-queues a completed or failed document. The stored object is
// parsed again and its chunks replaced wholesale.
func (p *Processor) Reprocess(ctx context.Context, documentID string) error {
	doc, ok, err := p.store.GetDocument(documentID)
	if err != nil {
		return fmt.Errorf("load document: %w", err)
	}
	if !ok {
		return store.ErrNotFound
	}
	if doc.Status == domain.StatusProcessing {
		return fmt.Errorf("%w: document is already processing", store.ErrInvalidTransition)
	}
	return p.enqueue(ctx, documentID)
}

func (p *Processor) enqueue(ctx context.Context, documentID string) error {
	if p.queue == nil {
		// Inline mode: no broker configured, process synchronously.
		return p.ProcessDocument(ctx, documentID)
	}
	_, err := p.queue.Enqueue(ctx, documentID)
	return err
}

// ProcessDocument runs the full pipeline for one document. It is the worker
// entry point and is safe to retry: chunks are replaced atomically and the
// status machine rejects double processing.
func (p *Processor) ProcessDocument(ctx context.Context, documentID string) error {
	doc, ok, err := p.store.GetDocument(documentID)
	if err != nil {
		return fmt.Errorf("load document: %w", err)
	}
	if !ok {
		return store.ErrNotFound
	}
	if err := p.store.SetDocumentStatus(documentID, domain.StatusProcessing, ""); err != nil {
		return fmt.Errorf("mark processing: %w", err)
	}
	logger := p.logger.With("document_id", documentID, "filename", doc.Filename)

	if err := p.runPipeline(ctx, doc, logger); err != nil {
		if statusErr := p.store.SetDocumentStatus(documentID, domain.StatusFailed, err.Error()); statusErr != nil {
			logger.Error("mark failed", "error", statusErr)
		}
		logger.Error("process document", "error", err)
		return err
	}
	if err := p.store.SetDocumentStatus(documentID, domain.StatusCompleted, ""); err != nil {
		return fmt.Errorf("mark completed: %w", err)
	}
	logger.Info("document processed")
	return nil
}

func (p *Processor) runPipeline(ctx context.Context, doc domain.Document, logger *slog.Logger) error {
	tempPath, err := p.fetchToTemp(ctx, doc)
	if err != nil {
		return err
	}
	defer os.Remove(tempPath)

	sections, err := parseFile(doc.Filename, tempPath)
	if err != nil {
		return fmt.Errorf("parse %s: %w", doc.FileType, err)
	}
	payloads := splitSections(sections, p.chunkSize, p.chunkOverlap)
	if len(payloads) == 0 {
		return ErrNoContent
	}
	logger.Info("document parsed", "sections", len(sections), "chunks", len(payloads))

	texts := make([]string, len(payloads))
	for i, payload := range payloads {
		texts[i] = payload.Content
	}
	vectors, err := p.embedder.EmbedTexts(ctx, texts)
	if err != nil {
		return fmt.Errorf("embed chunks: %w", err)
	}

	now := time.Now().UTC()
	chunks := make([]domain.Chunk, len(payloads))
	for i, payload := range payloads {
		chunks[i] = domain.Chunk{
			ID:           util.NewID(),
			DocumentID:   doc.ID,
			CollectionID: doc.CollectionID,
			Content:      payload.Content,
			Embedding:    vectors[i],
			Metadata:     payload.Metadata,
			Ordinal:      i,
			CreatedAt:    now,
		}
	}
	if err := p.store.ReplaceChunks(doc.ID, chunks); err != nil {
		return fmt.Errorf("persist chunks: %w", err)
	}
	return nil
}

func (p *Processor) fetchToTemp(ctx context.Context, doc domain.Document) (string, error) {
	rc, err := p.objects.Get(ctx, doc.StorageKey)
	if err != nil {
		return "", fmt.Errorf("fetch upload: %w", err)
	}
	defer rc.Close()

	tmp, err := os.CreateTemp("", "ingest-*"+doc.FileType)
	if err != nil {
		return "", fmt.Errorf("create temp file: %w", err)
	}
	if _, err := io.Copy(tmp, rc); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return "", fmt.Errorf("download upload: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return "", fmt.Errorf("close temp file: %w", err)
	}
	return tmp.Name(), nil
}

// DeleteDocument removes the stored object, the record, and its chunks.
func (p *Processor) DeleteDocument(ctx context.Context, documentID string) error {
	doc, ok, err := p.store.GetDocument(documentID)
	if err != nil {
		return fmt.Errorf("load document: %w", err)
	}
	if !ok {
		return store.ErrNotFound
	}
	if doc.StorageKey != "" {
		if err := p.objects.Delete(ctx, doc.StorageKey); err != nil {
			p.logger.Warn("delete stored object", "document_id", documentID, "error", err)
		}
	}
	return p.store.DeleteDocument(documentID)
}

func contentTypeFor(ext string) string {
	switch ext {
	case ".pdf":
		return "application/pdf"
	case ".csv":
		return "text/csv"
	case ".md":
		return "text/markdown"
	case ".epub":
		return "application/epub+zip"
	default:
		return "text/plain"
	}
}
