package server

import (
	"net/http"

	"docuchat/internal/ingest"
	"docuchat/pkg/domain"
)

// requireAccess writes a response and returns false when the user may not
// touch the collection.
func (s *Server) requireAccess(w http.ResponseWriter, user domain.User, collectionID string) bool {
	ok, err := s.store.HasAccess(user.ID, collectionID)
	if err != nil {
		writeDomainError(w, err)
		return false
	}
	if !ok {
		writeError(w, http.StatusForbidden, "forbidden")
		return false
	}
	return true
}

// loadDocument fetches a document or writes the error response.
func (s *Server) loadDocument(w http.ResponseWriter, id string) (domain.Document, bool) {
	doc, ok, err := s.store.GetDocument(id)
	if err != nil {
		writeDomainError(w, err)
		return domain.Document{}, false
	}
	if !ok {
		writeError(w, http.StatusNotFound, "not found")
		return domain.Document{}, false
	}
	return doc, true
}

func (s *Server) handleUploadDocument(w http.ResponseWriter, r *http.Request, user domain.User) {
	r.Body = http.MaxBytesReader(w, r.Body, ingest.MaxUploadBytes+(1<<20))
	file, header, err := r.FormFile("file")
	if err != nil {
		writeError(w, http.StatusBadRequest, "file is required")
		return
	}
	defer file.Close()

	collectionID := r.FormValue("collectionId")
	if collectionID == "" {
		writeError(w, http.StatusBadRequest, "collectionId is required")
		return
	}
	if !s.requireAccess(w, user, collectionID) {
		return
	}

	doc, err := s.processor.SaveUpload(r.Context(), collectionID, header.Filename, header.Size, file)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, doc)
}

func (s *Server) handleListDocuments(w http.ResponseWriter, r *http.Request, user domain.User) {
	collectionID := r.URL.Query().Get("collectionId")
	if collectionID == "" {
		writeError(w, http.StatusBadRequest, "collectionId is required")
		return
	}
	if !s.requireAccess(w, user, collectionID) {
		return
	}
	docs, err := s.store.ListDocumentsByCollection(collectionID)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, docs)
}

func (s *Server) handleGetDocument(w http.ResponseWriter, r *http.Request, user domain.User) {
	doc, ok := s.loadDocument(w, r.PathValue("id"))
	if !ok {
		return
	}
	if !s.requireAccess(w, user, doc.CollectionID) {
		return
	}
	writeJSON(w, http.StatusOK, doc)
}

func (s *Server) handleDownloadDocument(w http.ResponseWriter, r *http.Request, user domain.User) {
	doc, ok := s.loadDocument(w, r.PathValue("id"))
	if !ok {
		return
	}
	if !s.requireAccess(w, user, doc.CollectionID) {
		return
	}
	url, err := s.processor.DownloadURL(r.Context(), doc.ID)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"url": url})
}

func (s *Server) handleReprocessDocument(w http.ResponseWriter, r *http.Request, user domain.User) {
	doc, ok := s.loadDocument(w, r.PathValue("id"))
	if !ok {
		return
	}
	if !s.requireAccess(w, user, doc.CollectionID) {
		return
	}
	if err := s.processor.Reprocess(r.Context(), doc.ID); err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "queued"})
}

func (s *Server) handleDeleteDocument(w http.ResponseWriter, r *http.Request, user domain.User) {
	doc, ok := s.loadDocument(w, r.PathValue("id"))
	if !ok {
		return
	}
	if !s.requireAccess(w, user, doc.CollectionID) {
		return
	}
	if err := s.processor.DeleteDocument(r.Context(), doc.ID); err != nil {
		writeDomainError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
