package rag

import (
	"context"
	"fmt"
	"strings"
	"time"

	"docuchat/internal/util"
	"docuchat/pkg/ai"
	"docuchat/pkg/domain"
	"docuchat/pkg/store"
)

const (
	DefaultTopK      = 5
	DefaultThreshold = 0.3

	// HistoryFetchLimit is how many messages a turn loads; HistoryPromptTurns
	// is how many prior turns end up in the prompt.
	HistoryFetchLimit  = 10
	HistoryPromptTurns = 5

	SnippetMaxRunes = 200

	// EmptyContextSentinel replaces the context block when retrieval finds
	// nothing above the threshold.
	EmptyContextSentinel = "No relevant context found in the knowledge base."
)

const systemInstruction = "You are a helpful assistant that answers questions using only the provided context from the knowledge base."

// ScoredChunk is one retrieval hit above the similarity threshold.
type ScoredChunk struct {
	ChunkID      string            `json:"chunkId"`
	Content      string            `json:"content"`
	DocumentID   string            `json:"documentId"`
	DocumentName string            `json:"documentName"`
	Similarity   float64           `json:"similarity"`
	Metadata     map[string]string `json:"metadata,omitempty"`
}

// Service implements retrieval, prompt assembly, and session bookkeeping.
type Service struct {
	store     store.Store
	embedder  ai.Embedder
	topK      int
	threshold float64
}

type Config struct {
	Store     store.Store
	Embedder  ai.Embedder
	TopK      int
	Threshold float64
}

func NewService(cfg Config) (*Service, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("store required")
	}
	if cfg.Embedder == nil {
		return nil, fmt.Errorf("embedder required")
	}
	topK := cfg.TopK
	if topK <= 0 {
		topK = DefaultTopK
	}
	threshold := cfg.Threshold
	if threshold <= 0 {
		threshold = DefaultThreshold
	}
	return &Service{store: cfg.Store, embedder: cfg.Embedder, topK: topK, threshold: threshold}, nil
}

// SearchSimilarChunks embeds the query once and returns ranked hits at or
// above the similarity threshold.
func (s *Service) SearchSimilarChunks(ctx context.Context, query, collectionID string) ([]ScoredChunk, error) {
	embedding, err := s.embedder.EmbedText(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}
	results, err := s.store.SearchChunks(collectionID, embedding, s.topK)
	if err != nil {
		return nil, fmt.Errorf("search chunks: %w", err)
	}
	scored := make([]ScoredChunk, 0, len(results))
	for _, res := range results {
		if res.Similarity < s.threshold {
			continue
		}
		scored = append(scored, ScoredChunk{
			ChunkID:      res.ChunkID,
			Content:      res.Content,
			DocumentID:   res.DocumentID,
			DocumentName: res.DocumentName,
			Similarity:   res.Similarity,
			Metadata:     res.Metadata,
		})
	}
	return scored, nil
}

// BuildContext renders retrieved chunks as labeled source blocks in rank
// order. No chunks yields the exact sentinel line.
func BuildContext(chunks []ScoredChunk) string {
	if len(chunks) == 0 {
		return EmptyContextSentinel
	}
	var sb strings.Builder
	for i, chunk := range chunks {
		if i > 0 {
			sb.WriteString("\n\n")
		}
		sb.WriteString(fmt.Sprintf("[Source %d: %s%s]\n", i+1, chunk.DocumentName, pageSuffix(chunk.Metadata)))
		sb.WriteString(chunk.Content)
	}
	return sb.String()
}

func pageSuffix(metadata map[string]string) string {
	if page := metadata["page"]; page != "" {
		return ", Page " + page
	}
	return ""
}

// BuildPrompt assembles the deterministic user prompt: context block, the
// most recent prior turns in chronological order, the instruction list, and
// the current question.
func BuildPrompt(query, contextBlock string, history []domain.ChatMessage) string {
	var sb strings.Builder
	sb.WriteString("Context from the knowledge base:\n")
	sb.WriteString(contextBlock)
	sb.WriteString("\n\n")

	if trimmed := lastTurns(history, HistoryPromptTurns); len(trimmed) > 0 {
		sb.WriteString("Conversation so far:\n")
		for _, msg := range trimmed {
			switch msg.Role {
			case domain.MessageRoleAssistant:
				sb.WriteString("Assistant: ")
			default:
				sb.WriteString("User: ")
			}
			sb.WriteString(msg.Content)
			sb.WriteString("\n")
		}
		sb.WriteString("\n")
	}

	sb.WriteString("Instructions:\n")
	sb.WriteString("- Answer using only the context above.\n")
	sb.WriteString("- If the context does not contain the answer, say you do not know.\n")
	sb.WriteString("- Cite the sources you used by their [Source N] label.\n\n")
	sb.WriteString("Question: ")
	sb.WriteString(query)
	sb.WriteString("\n\nAssistant Answer:")
	return sb.String()
}

// SystemPrompt is the fixed system instruction sent with every turn.
func SystemPrompt() string {
	return systemInstruction
}

// lastTurns keeps the most recent n user/assistant exchanges (2n messages),
// preserving chronological order.
func lastTurns(history []domain.ChatMessage, turns int) []domain.ChatMessage {
	max := turns * 2
	if len(history) <= max {
		return history
	}
	return history[len(history)-max:]
}

// FormatSources converts retrieval hits into citations with truncated
// snippets for persistence alongside the assistant message.
func FormatSources(chunks []ScoredChunk) []domain.Source {
	if len(chunks) == 0 {
		return nil
	}
	sources := make([]domain.Source, 0, len(chunks))
	for _, chunk := range chunks {
		sources = append(sources, domain.Source{
			DocumentID:   chunk.DocumentID,
			DocumentName: chunk.DocumentName,
			Snippet:      truncateRunes(chunk.Content, SnippetMaxRunes),
			Page:         chunk.Metadata["page"],
			Similarity:   chunk.Similarity,
		})
	}
	return sources
}

func truncateRunes(s string, max int) string {
	runes := []rune(s)
	if len(runes) <= max {
		return s
	}
	return string(runes[:max]) + "..."
}

// GetOrCreateSession returns the caller's session, verifying ownership and
// collection, or creates a fresh one titled from the first question.
func (s *Service) GetOrCreateSession(userID, collectionID, sessionID, firstQuestion string) (domain.ChatSession, error) {
	if sessionID != "" {
		session, ok, err := s.store.GetSession(sessionID)
		if err != nil {
			return domain.ChatSession{}, fmt.Errorf("load session: %w", err)
		}
		if ok && session.UserID == userID && session.CollectionID == collectionID {
			return session, nil
		}
		// Fall through: stale or foreign session IDs get a fresh session
		// rather than an error, so clients can blindly resend them.
	}
	now := time.Now().UTC()
	session := domain.ChatSession{
		ID:           util.NewID(),
		UserID:       userID,
		CollectionID: collectionID,
		Title:        truncateRunes(firstQuestion, 80),
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := s.store.CreateSession(session); err != nil {
		return domain.ChatSession{}, fmt.Errorf("create session: %w", err)
	}
	return session, nil
}

// SaveMessage persists a message and bumps the session's activity time.
func (s *Service) SaveMessage(sessionID, userID, role, content string, sources []domain.Source) (domain.ChatMessage, error) {
	msg := domain.ChatMessage{
		ID:        util.NewID(),
		SessionID: sessionID,
		UserID:    userID,
		Role:      role,
		Content:   content,
		Sources:   sources,
		CreatedAt: time.Now().UTC(),
	}
	if err := s.store.AppendMessage(msg); err != nil {
		return domain.ChatMessage{}, fmt.Errorf("append message: %w", err)
	}
	if err := s.store.TouchSession(sessionID, msg.CreatedAt); err != nil {
		return domain.ChatMessage{}, fmt.Errorf("touch session: %w", err)
	}
	return msg, nil
}

// GetChatHistory returns the session's most recent messages in
// chronological order.
func (s *Service) GetChatHistory(sessionID string, limit int) ([]domain.ChatMessage, error) {
	if limit <= 0 {
		limit = HistoryFetchLimit
	}
	return s.store.ListMessages(sessionID, limit)
}

// GetUserSessions lists a user's sessions, most recently active first.
func (s *Service) GetUserSessions(userID, collectionID string, limit int) ([]domain.ChatSession, error) {
	return s.store.ListSessionsByUser(userID, collectionID, limit)
}
