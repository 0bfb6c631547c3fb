package chat

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"docuchat/internal/rag"
	"docuchat/pkg/ai"
	"docuchat/pkg/domain"
	"docuchat/pkg/secrets"
	"docuchat/pkg/store"
)

// ErrForbidden indicates the caller has no access to the collection.
var ErrForbidden = errors.New("forbidden")

// Event types emitted during a streamed turn, in protocol order.
const (
	EventUserMessage  = "user_message"
	EventSources      = "sources"
	EventStreamStart  = "stream_start"
	EventStreamChunk  = "stream_chunk"
	EventStreamEnd    = "stream_end"
	EventMessageSaved = "message_saved"
	EventError        = "error"
)

// Event is one frame of a streamed chat turn.
type Event struct {
	Type      string              `json:"type"`
	SessionID string              `json:"sessionId,omitempty"`
	Message   *domain.ChatMessage `json:"message,omitempty"`
	Sources   []domain.Source     `json:"sources,omitempty"`
	Content   string              `json:"content,omitempty"`
	Error     string              `json:"error,omitempty"`
}

// Answer is the result of a blocking turn.
type Answer struct {
	SessionID string          `json:"sessionId"`
	MessageID string          `json:"messageId"`
	Content   string          `json:"content"`
	Sources   []domain.Source `json:"sources,omitempty"`
}

// GeneratorFactory builds a Generator for one collection's provider config.
// Swappable in tests.
type GeneratorFactory func(ai.ProviderConfig) (ai.Generator, error)

// Orchestrator runs chat turns: access check, session bookkeeping,
// retrieval, prompt assembly, generation, and persistence.
type Orchestrator struct {
	store   store.Store
	rag     *rag.Service
	secrets *secrets.Box
	newGen  GeneratorFactory
	logger  *slog.Logger
}

type Config struct {
	Store   store.Store
	RAG     *rag.Service
	Secrets *secrets.Box
	// NewGenerator defaults to ai.NewGenerator.
	NewGenerator GeneratorFactory
	Logger       *slog.Logger
}

func NewOrchestrator(cfg Config) (*Orchestrator, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("store required")
	}
	if cfg.RAG == nil {
		return nil, fmt.Errorf("rag service required")
	}
	newGen := cfg.NewGenerator
	if newGen == nil {
		newGen = ai.NewGenerator
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{
		store:   cfg.Store,
		rag:     cfg.RAG,
		secrets: cfg.Secrets,
		newGen:  newGen,
		logger:  logger,
	}, nil
}

// turnState carries everything runTurn prepares before generation.
type turnState struct {
	session   domain.ChatSession
	userMsg   domain.ChatMessage
	chunks    []rag.ScoredChunk
	sources   []domain.Source
	prompt    string
	generator ai.Generator
}

// prepareTurn runs the shared pre-generation sequence. The user message is
// persisted before any generator work so a failed generation still leaves
// the question in history.
func (o *Orchestrator) prepareTurn(ctx context.Context, userID, collectionID, sessionID, question string) (*turnState, error) {
	question = strings.TrimSpace(question)
	if question == "" {
		return nil, fmt.Errorf("question required")
	}
	collection, ok, err := o.store.GetCollection(collectionID)
	if err != nil {
		return nil, fmt.Errorf("load collection: %w", err)
	}
	if !ok {
		return nil, store.ErrNotFound
	}
	allowed, err := o.store.HasAccess(userID, collectionID)
	if err != nil {
		return nil, fmt.Errorf("check access: %w", err)
	}
	if !allowed {
		return nil, ErrForbidden
	}

	session, err := o.rag.GetOrCreateSession(userID, collectionID, sessionID, question)
	if err != nil {
		return nil, err
	}
	// History is read before the current question is saved, so the prompt
	// never contains the turn it is answering.
	history, err := o.rag.GetChatHistory(session.ID, rag.HistoryFetchLimit)
	if err != nil {
		return nil, fmt.Errorf("load history: %w", err)
	}
	userMsg, err := o.rag.SaveMessage(session.ID, userID, domain.MessageRoleUser, question, nil)
	if err != nil {
		return nil, err
	}

	chunks, err := o.rag.SearchSimilarChunks(ctx, question, collectionID)
	if err != nil {
		return nil, fmt.Errorf("retrieve context: %w", err)
	}

	generator, err := o.generatorFor(collection)
	if err != nil {
		return nil, err
	}

	return &turnState{
		session:   session,
		userMsg:   userMsg,
		chunks:    chunks,
		sources:   rag.FormatSources(chunks),
		prompt:    rag.BuildPrompt(question, rag.BuildContext(chunks), history),
		generator: generator,
	}, nil
}

func (o *Orchestrator) generatorFor(collection domain.Collection) (ai.Generator, error) {
	credential := collection.APICredential
	if credential != "" && o.secrets != nil {
		plain, err := o.secrets.Open(credential)
		if err != nil {
			return nil, fmt.Errorf("unseal credential: %w", err)
		}
		credential = plain
	}
	return o.newGen(ai.ProviderConfig{
		Provider:   collection.Provider,
		Model:      collection.ModelName,
		Credential: credential,
		BaseURL:    collection.BaseURL,
	})
}

// Ask runs a blocking turn and returns the full answer.
func (o *Orchestrator) Ask(ctx context.Context, userID, collectionID, sessionID, question string) (Answer, error) {
	state, err := o.prepareTurn(ctx, userID, collectionID, sessionID, question)
	if err != nil {
		return Answer{}, err
	}
	content, err := state.generator.GenerateText(ctx, rag.SystemPrompt(), state.prompt)
	if err != nil {
		o.logger.Error("generate answer", "session_id", state.session.ID, "error", err)
		return Answer{}, fmt.Errorf("generate: %w", err)
	}
	assistantMsg, err := o.rag.SaveMessage(state.session.ID, userID, domain.MessageRoleAssistant, content, state.sources)
	if err != nil {
		return Answer{}, err
	}
	return Answer{
		SessionID: state.session.ID,
		MessageID: assistantMsg.ID,
		Content:   content,
		Sources:   state.sources,
	}, nil
}

// StreamTurn runs a streamed turn, emitting protocol events in order. On a
// mid-stream failure an error event is emitted and no assistant message is
// persisted; the already-saved user message stays.
func (o *Orchestrator) StreamTurn(ctx context.Context, userID, collectionID, sessionID, question string, emit func(Event)) error {
	state, err := o.prepareTurn(ctx, userID, collectionID, sessionID, question)
	if err != nil {
		emit(Event{Type: EventError, Error: err.Error()})
		return err
	}
	emit(Event{Type: EventUserMessage, SessionID: state.session.ID, Message: &state.userMsg})
	if len(state.sources) > 0 {
		emit(Event{Type: EventSources, SessionID: state.session.ID, Sources: state.sources})
	}

	stream, err := state.generator.StreamText(ctx, rag.SystemPrompt(), state.prompt)
	if err != nil {
		o.logger.Error("start stream", "session_id", state.session.ID, "error", err)
		emit(Event{Type: EventError, SessionID: state.session.ID, Error: err.Error()})
		return err
	}
	defer stream.Close()

	emit(Event{Type: EventStreamStart, SessionID: state.session.ID})
	var sb strings.Builder
	for {
		chunk, err := stream.Recv()
		if err == io.EOF {
			break
		}
		if err != nil {
			o.logger.Error("stream chunk", "session_id", state.session.ID, "error", err)
			emit(Event{Type: EventError, SessionID: state.session.ID, Error: err.Error()})
			return err
		}
		sb.WriteString(chunk)
		emit(Event{Type: EventStreamChunk, SessionID: state.session.ID, Content: chunk})
	}
	emit(Event{Type: EventStreamEnd, SessionID: state.session.ID})

	assistantMsg, err := o.rag.SaveMessage(state.session.ID, userID, domain.MessageRoleAssistant, sb.String(), state.sources)
	if err != nil {
		emit(Event{Type: EventError, SessionID: state.session.ID, Error: err.Error()})
		return err
	}
	emit(Event{Type: EventMessageSaved, SessionID: state.session.ID, Message: &assistantMsg})
	return nil
}
