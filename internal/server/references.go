package server

import (
	"errors"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/dj-oyu/pose-coach/scoring-server/internal/library"
	"github.com/dj-oyu/pose-coach/scoring-server/internal/logger"
)

func (s *Server) handleListReferences(w http.ResponseWriter, r *http.Request) {
	if s.indexer == nil {
		writeError(w, http.StatusServiceUnavailable, "reference library is not configured")
		return
	}
	refs, err := s.indexer.Registry().List(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "%v", err)
		return
	}
	if refs == nil {
		refs = []library.Reference{}
	}
	writeJSON(w, map[string]any{"references": refs})
}

func (s *Server) handleGetReference(w http.ResponseWriter, r *http.Request) {
	if s.indexer == nil {
		writeError(w, http.StatusServiceUnavailable, "reference library is not configured")
		return
	}
	ref, err := s.indexer.Registry().Resolve(r.Context(), r.PathValue("id"))
	if errors.Is(err, library.ErrNotFound) {
		writeError(w, http.StatusNotFound, "reference %s not found", r.PathValue("id"))
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "%v", err)
		return
	}
	writeJSON(w, ref)
}

// handleCreateReference stores an uploaded reference video in the library.
// Poses are extracted on first use or through the index route.
func (s *Server) handleCreateReference(w http.ResponseWriter, r *http.Request) {
	if s.indexer == nil {
		writeError(w, http.StatusServiceUnavailable, "reference library is not configured")
		return
	}
	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxUploadBytes)
	if err := r.ParseMultipartForm(multipartMemory); err != nil {
		writeError(w, http.StatusBadRequest, "invalid upload: %v", err)
		return
	}
	defer r.MultipartForm.RemoveAll()

	fh := formFile(r, "video")
	if fh == nil {
		writeError(w, http.StatusBadRequest, "video is required")
		return
	}
	name := strings.TrimSpace(r.FormValue("name"))
	if name == "" {
		name = strings.TrimSuffix(fh.Filename, filepath.Ext(fh.Filename))
	}
	index := false
	if v := r.FormValue("index"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "index: %v", err)
			return
		}
		index = b
	}

	path, err := saveUpload(fh, s.cfg.ReferenceVideoDir)
	if err != nil {
		writeError(w, http.StatusBadRequest, "%v", err)
		return
	}
	ref, err := s.indexer.Registry().Register(r.Context(), library.Reference{Name: name, VideoPath: path})
	if err != nil {
		removeAll([]string{path})
		writeError(w, http.StatusInternalServerError, "%v", err)
		return
	}
	logger.Info("HTTP", "registered reference %s (%s)", ref.ID, ref.Name)

	// live sessions only accept indexed references
	if index {
		indexed, err := s.indexer.Index(r.Context(), ref.ID)
		if err != nil {
			writeError(w, http.StatusUnprocessableEntity, "reference %s registered but not indexed: %v", ref.ID, err)
			return
		}
		ref = indexed.Reference
	}
	writeJSONWithStatus(w, ref, http.StatusCreated)
}

// handleIndexReference extracts and stores the reference poses now.
func (s *Server) handleIndexReference(w http.ResponseWriter, r *http.Request) {
	if s.indexer == nil {
		writeError(w, http.StatusServiceUnavailable, "reference library is not configured")
		return
	}
	indexed, err := s.indexer.Index(r.Context(), r.PathValue("id"))
	if errors.Is(err, library.ErrNotFound) {
		writeError(w, http.StatusNotFound, "reference %s not found", r.PathValue("id"))
		return
	}
	if err != nil {
		writeError(w, http.StatusUnprocessableEntity, "%v", err)
		return
	}
	writeJSON(w, map[string]any{
		"reference":       indexed.Reference,
		"frames":          indexed.Poses.Len(),
		"frames_detected": indexed.Poses.Detected(),
	})
}

func removeAll(paths []string) {
	for _, p := range paths {
		if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
			logger.Warn("HTTP", "remove %s: %v", p, err)
		}
	}
}
