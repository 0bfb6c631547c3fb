package server

import (
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"strings"

	"docuchat/pkg/domain"
)

type chatRequest struct {
	SessionID    string `json:"sessionId"`
	CollectionID string `json:"collectionId"`
	Question     string `json:"question"`
}

func (s *Server) handleChat(w http.ResponseWriter, r *http.Request, user domain.User) {
	var req chatRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.CollectionID == "" {
		writeError(w, http.StatusBadRequest, "collectionId is required")
		return
	}
	if strings.TrimSpace(req.Question) == "" {
		writeError(w, http.StatusBadRequest, "question is required")
		return
	}

	answer, err := s.orchestrator.Ask(r.Context(), user.ID, req.CollectionID, req.SessionID, req.Question)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, answer)
}

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request, user domain.User) {
	collectionID := r.URL.Query().Get("collectionId")
	limit := queryInt(r, "limit", 50)
	sessions, err := s.rag.GetUserSessions(user.ID, collectionID, limit)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sessions)
}

func (s *Server) handleSessionMessages(w http.ResponseWriter, r *http.Request, user domain.User) {
	session, ok, err := s.store.GetSession(r.PathValue("id"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	if !ok {
		writeError(w, http.StatusNotFound, "not found")
		return
	}
	if session.UserID != user.ID && user.Role != domain.RoleAdmin {
		writeError(w, http.StatusForbidden, "forbidden")
		return
	}
	limit := queryInt(r, "limit", 100)
	messages, err := s.rag.GetChatHistory(session.ID, limit)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, messages)
}

func queryInt(r *http.Request, name string, def int) int {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return def
	}
	return n
}
