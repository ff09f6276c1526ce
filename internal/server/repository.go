package server

import (
	"errors"
	"io/fs"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"gateci/internal/publish"
)

// GET|HEAD /repository/<group>/<name>/<version>/<file>
func (s *Server) handleGetArtifact(w http.ResponseWriter, r *http.Request) {
	rel := chi.URLParam(r, "*")
	if strings.HasPrefix(rel, ".") {
		http.NotFound(w, r)
		return
	}
	f, err := s.Repo.Open(rel)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			http.NotFound(w, r)
			return
		}
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil || info.IsDir() {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Content-Type", "application/octet-stream")
	http.ServeContent(w, r, info.Name(), info.ModTime(), f)
}

// PUT /repository/staging/{run}/<path>
func (s *Server) handleStage(w http.ResponseWriter, r *http.Request) {
	run, rel := chi.URLParam(r, "run"), chi.URLParam(r, "*")
	if err := s.Repo.Stage(r.Context(), run, rel, r.Body); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	w.WriteHeader(http.StatusCreated)
}

// POST /repository/staging/{run}/commit
func (s *Server) handleCommit(w http.ResponseWriter, r *http.Request) {
	run := chi.URLParam(r, "run")
	err := s.Repo.Commit(r.Context(), run)
	switch {
	case err == nil:
		s.Logger.Info("release committed", zap.String("run", run))
		writeJSON(w, http.StatusOK, map[string]string{"status": "committed"})
	case errors.Is(err, publish.ErrReleaseExists):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, publish.ErrNothingStaged):
		writeError(w, http.StatusNotFound, err.Error())
	default:
		s.Logger.Error("commit failed", zap.String("run", run), zap.Error(err))
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

// DELETE /repository/staging/{run}
func (s *Server) handleAbort(w http.ResponseWriter, r *http.Request) {
	if err := s.Repo.Abort(r.Context(), chi.URLParam(r, "run")); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
