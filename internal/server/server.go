package server

import (
	"encoding/json"
	"errors"
	"net/http"

	"docuchat/internal/chat"
	"docuchat/internal/ingest"
	"docuchat/internal/rag"
	"docuchat/internal/usertoken"
	"docuchat/internal/util"
	"docuchat/pkg/domain"
	"docuchat/pkg/secrets"
	"docuchat/pkg/store"
)

// Config wires required dependencies for the HTTP server.
type Config struct {
	Store         store.Store
	Processor     *ingest.Processor
	Orchestrator  *chat.Orchestrator
	RAG           *rag.Service
	TokenVerifier *usertoken.Verifier
	Secrets       *secrets.Box // optional, seals provider credentials at rest
}

// Server exposes the HTTP API.
type Server struct {
	store         store.Store
	processor     *ingest.Processor
	orchestrator  *chat.Orchestrator
	rag           *rag.Service
	tokenVerifier *usertoken.Verifier
	secrets       *secrets.Box
	mux           *http.ServeMux
}

// New constructs the server with routes configured.
func New(cfg Config) *Server {
	s := &Server{
		store:         cfg.Store,
		processor:     cfg.Processor,
		orchestrator:  cfg.Orchestrator,
		rag:           cfg.RAG,
		tokenVerifier: cfg.TokenVerifier,
		secrets:       cfg.Secrets,
		mux:           http.NewServeMux(),
	}
	s.routes()
	return s
}

// Router returns the configured handler with middleware applied.
func (s *Server) Router() http.Handler {
	return util.WithRequestID(util.WithRequestLog(util.WithSecurityHeaders(util.WithCORS(s.mux))))
}

func (s *Server) routes() {
	s.mux.HandleFunc("GET /healthz", s.handleHealth)

	s.mux.Handle("POST /collections", s.withUser(s.handleCreateCollection))
	s.mux.Handle("GET /collections", s.withUser(s.handleListCollections))
	s.mux.Handle("DELETE /collections/{id}", s.withUser(s.handleDeleteCollection))
	s.mux.Handle("POST /collections/{id}/access", s.withUser(s.handleGrantAccess))

	s.mux.Handle("POST /documents", s.withUser(s.handleUploadDocument))
	s.mux.Handle("GET /documents", s.withUser(s.handleListDocuments))
	s.mux.Handle("GET /documents/{id}", s.withUser(s.handleGetDocument))
	s.mux.Handle("GET /documents/{id}/download", s.withUser(s.handleDownloadDocument))
	s.mux.Handle("POST /documents/{id}/reprocess", s.withUser(s.handleReprocessDocument))
	s.mux.Handle("DELETE /documents/{id}", s.withUser(s.handleDeleteDocument))

	s.mux.Handle("POST /chat", s.withUser(s.handleChat))
	s.mux.Handle("GET /chat/ws", s.withUser(s.handleChatWS))
	s.mux.Handle("GET /sessions", s.withUser(s.handleListSessions))
	s.mux.Handle("GET /sessions/{id}/messages", s.withUser(s.handleSessionMessages))
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type userHandler func(http.ResponseWriter, *http.Request, domain.User)

// withUser authenticates the request and upserts the user record so later
// access checks can see the role from the token.
func (s *Server) withUser(next userHandler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, ok := usertoken.BearerToken(r)
		if !ok {
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		claims, err := s.tokenVerifier.Verify(token)
		if err != nil {
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		user := domain.User{
			ID:    claims.Subject,
			Email: claims.Email,
			Role:  domain.UserRole(claims.Role),
		}
		if user.Role != domain.RoleAdmin {
			user.Role = domain.RoleUser
		}
		if err := s.store.SaveUser(user); err != nil {
			writeError(w, http.StatusInternalServerError, "save user")
			return
		}
		next(w, r, user)
	})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// writeDomainError maps service errors onto HTTP status codes.
func writeDomainError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		writeError(w, http.StatusNotFound, "not found")
	case errors.Is(err, chat.ErrForbidden):
		writeError(w, http.StatusForbidden, "forbidden")
	case errors.Is(err, store.ErrInvalidTransition):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, ingest.ErrUnsupportedFileType),
		errors.Is(err, ingest.ErrFileTooLarge):
		writeError(w, http.StatusBadRequest, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}
