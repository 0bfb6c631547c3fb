package server

import (
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"

	"docuchat/internal/util"
	"docuchat/pkg/domain"
)

type createCollectionRequest struct {
	Name          string `json:"name"`
	Description   string `json:"description"`
	Provider      string `json:"provider"`
	ModelName     string `json:"modelName"`
	APICredential string `json:"apiCredential"`
	BaseURL       string `json:"baseURL"`
}

func (s *Server) handleCreateCollection(w http.ResponseWriter, r *http.Request, user domain.User) {
	var req createCollectionRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	req.Name = strings.TrimSpace(req.Name)
	if req.Name == "" {
		writeError(w, http.StatusBadRequest, "name is required")
		return
	}
	if req.ModelName == "" {
		writeError(w, http.StatusBadRequest, "modelName is required")
		return
	}

	credential := req.APICredential
	if credential != "" && s.secrets != nil {
		sealed, err := s.secrets.Seal(credential)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "seal credential")
			return
		}
		credential = sealed
	}

	now := time.Now().UTC()
	col := domain.Collection{
		ID:            util.NewID(),
		Name:          req.Name,
		Description:   req.Description,
		Provider:      domain.NormalizeProvider(req.Provider),
		ModelName:     req.ModelName,
		APICredential: credential,
		BaseURL:       req.BaseURL,
		CreatedBy:     user.ID,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := s.store.SaveCollection(col); err != nil {
		writeDomainError(w, err)
		return
	}
	if err := s.store.GrantAccess(col.ID, user.ID); err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, col)
}

func (s *Server) handleListCollections(w http.ResponseWriter, _ *http.Request, user domain.User) {
	cols, err := s.store.ListCollections()
	if err != nil {
		writeDomainError(w, err)
		return
	}
	visible := make([]domain.Collection, 0, len(cols))
	for _, col := range cols {
		ok, err := s.store.HasAccess(user.ID, col.ID)
		if err != nil {
			writeDomainError(w, err)
			return
		}
		if ok {
			visible = append(visible, col)
		}
	}
	writeJSON(w, http.StatusOK, visible)
}

func (s *Server) handleDeleteCollection(w http.ResponseWriter, r *http.Request, user domain.User) {
	id := r.PathValue("id")
	col, ok, err := s.store.GetCollection(id)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	if !ok {
		writeError(w, http.StatusNotFound, "not found")
		return
	}
	if user.Role != domain.RoleAdmin && col.CreatedBy != user.ID {
		writeError(w, http.StatusForbidden, "forbidden")
		return
	}
	if err := s.store.DeleteCollection(id); err != nil {
		writeDomainError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type grantAccessRequest struct {
	UserID string `json:"userId"`
}

func (s *Server) handleGrantAccess(w http.ResponseWriter, r *http.Request, user domain.User) {
	id := r.PathValue("id")
	col, ok, err := s.store.GetCollection(id)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	if !ok {
		writeError(w, http.StatusNotFound, "not found")
		return
	}
	if user.Role != domain.RoleAdmin && col.CreatedBy != user.ID {
		writeError(w, http.StatusForbidden, "forbidden")
		return
	}
	var req grantAccessRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.UserID == "" {
		writeError(w, http.StatusBadRequest, "userId is required")
		return
	}
	if err := s.store.GrantAccess(id, req.UserID); err != nil {
		writeDomainError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
