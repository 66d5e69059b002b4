package api

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
)

func (s *Server) workspacesConfigured(w http.ResponseWriter) bool {
	if s.workspaces == nil {
		writeError(w, http.StatusBadRequest, "workspace management is not configured")
		return false
	}
	return true
}

func (s *Server) handleListWorkspaces(w http.ResponseWriter, r *http.Request) {
	if !s.workspacesConfigured(w) {
		return
	}
	list, err := s.workspaces.List(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list workspaces")
		return
	}
	writeJSON(w, http.StatusOK, list)
}

func (s *Server) handleCreateWorkspace(w http.ResponseWriter, r *http.Request) {
	if !s.workspacesConfigured(w) {
		return
	}
	r.Body = http.MaxBytesReader(w, r.Body, s.maxBodyBytes)
	var req struct {
		Name     string `json:"name"`
		RepoPath string `json:"repo_path"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Name == "" || req.RepoPath == "" {
		writeError(w, http.StatusBadRequest, "name and repo_path are required")
		return
	}

	ws, err := s.workspaces.Create(r.Context(), req.Name, req.RepoPath)
	if err != nil {
		writeError(w, errStatus(err, http.StatusBadRequest), err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, ws)
}

func (s *Server) handleCloneWorkspace(w http.ResponseWriter, r *http.Request) {
	if !s.workspacesConfigured(w) {
		return
	}
	r.Body = http.MaxBytesReader(w, r.Body, s.maxBodyBytes)
	var req struct {
		URL  string `json:"url"`
		Name string `json:"name,omitempty"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.URL == "" {
		writeError(w, http.StatusBadRequest, "url is required")
		return
	}

	ws, err := s.workspaces.Clone(r.Context(), req.URL, req.Name)
	if err != nil {
		writeError(w, errStatus(err, http.StatusBadRequest), err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, ws)
}

func (s *Server) handleGetWorkspace(w http.ResponseWriter, r *http.Request) {
	if !s.workspacesConfigured(w) {
		return
	}
	ws, err := s.workspaces.Get(r.Context(), chi.URLParam(r, "workspaceID"))
	if err != nil {
		writeError(w, errStatus(err, http.StatusInternalServerError), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, ws)
}

func (s *Server) handleDeleteWorkspace(w http.ResponseWriter, r *http.Request) {
	if !s.workspacesConfigured(w) {
		return
	}
	if err := s.workspaces.Delete(r.Context(), chi.URLParam(r, "workspaceID")); err != nil {
		writeError(w, errStatus(err, http.StatusInternalServerError), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

func (s *Server) handleListWorkspaceAgents(w http.ResponseWriter, r *http.Request) {
	if !s.workspacesConfigured(w) {
		return
	}
	agents, err := s.workspaces.ListAgents(r.Context(), chi.URLParam(r, "workspaceID"))
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list workspace agents")
		return
	}
	writeJSON(w, http.StatusOK, agents)
}

func (s *Server) handleUnlinkWorkspaceAgent(w http.ResponseWriter, r *http.Request) {
	if !s.workspacesConfigured(w) {
		return
	}
	wsID := chi.URLParam(r, "workspaceID")
	agentID := chi.URLParam(r, "agentID")
	if err := s.workspaces.UnlinkAgent(r.Context(), wsID, agentID); err != nil {
		writeError(w, errStatus(err, http.StatusInternalServerError), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "unlinked"})
}

func (s *Server) handleListWorktrees(w http.ResponseWriter, r *http.Request) {
	if !s.workspacesConfigured(w) {
		return
	}
	trees, err := s.workspaces.ListWorktrees(r.Context(), chi.URLParam(r, "workspaceID"))
	if err != nil {
		writeError(w, errStatus(err, http.StatusInternalServerError), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, trees)
}
