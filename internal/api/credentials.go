package api

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
)

// Credential handlers return metadata only. Secret material goes into the
// vault on add and never comes back out through the API.

func (s *Server) handleListCredentials(w http.ResponseWriter, r *http.Request) {
	if s.vault == nil {
		writeError(w, http.StatusBadRequest, "credential vault is not configured")
		return
	}
	metas, err := s.vault.List()
	if err != nil {
		writeError(w, errStatus(err, http.StatusInternalServerError), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, metas)
}

func (s *Server) handleAddCredential(w http.ResponseWriter, r *http.Request) {
	if s.vault == nil {
		writeError(w, http.StatusBadRequest, "credential vault is not configured")
		return
	}
	r.Body = http.MaxBytesReader(w, r.Body, s.maxBodyBytes)
	var req struct {
		ProviderKey string `json:"provider_key"`
		Secret      string `json:"secret"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.ProviderKey == "" || req.Secret == "" {
		writeError(w, http.StatusBadRequest, "provider_key and secret are required")
		return
	}

	id, err := s.vault.Put(req.ProviderKey, req.Secret)
	if err != nil {
		writeError(w, errStatus(err, http.StatusInternalServerError), err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"id": id})
}

func (s *Server) handleDeleteCredential(w http.ResponseWriter, r *http.Request) {
	if s.vault == nil {
		writeError(w, http.StatusBadRequest, "credential vault is not configured")
		return
	}
	id := chi.URLParam(r, "credentialID")
	if err := s.vault.Delete(id); err != nil {
		writeError(w, errStatus(err, http.StatusInternalServerError), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}
