package main

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"procgate/pkg/httpx"
	"procgate/pkg/models"
	"procgate/pkg/submission"

	"github.com/go-chi/chi/v5"
)

func (s *Server) handleListFiles(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := submission.FileFilter{
		SubmissionID:  int64(queryInt(r, "submission_id", 0)),
		FileCategory:  strings.TrimSpace(q.Get("category")),
		StorageStatus: strings.TrimSpace(q.Get("storage_status")),
		Limit:         queryInt(r, "limit", 0),
		Offset:        queryInt(r, "offset", 0),
	}
	files, total, err := s.Store.Files(r.Context(), f)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, models.CodeStorageError, "file query failed")
		return
	}
	httpx.WriteJSON(w, 200, map[string]any{"total": total, "items": files})
}

func (s *Server) handleFileDetail(w http.ResponseWriter, r *http.Request) {
	fileID := chi.URLParam(r, "file_id")
	f, err := s.Store.FileByID(r.Context(), fileID)
	if err != nil {
		if errors.Is(err, submission.ErrNotFound) {
			s.writeError(w, http.StatusNotFound, models.CodeNotFound, "file not found")
			return
		}
		s.writeError(w, http.StatusInternalServerError, models.CodeStorageError, "file lookup failed")
		return
	}
	httpx.WriteJSON(w, 200, map[string]any{"file": f})
}

func (s *Server) handleFileStatus(w http.ResponseWriter, r *http.Request) {
	fileID := chi.URLParam(r, "file_id")
	var req struct {
		Status string `json:"status"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || strings.TrimSpace(req.Status) == "" {
		s.writeError(w, http.StatusBadRequest, models.CodeValidationFailed, "status field required")
		return
	}
	if err := s.Store.UpdateFileStatus(r.Context(), fileID, strings.TrimSpace(req.Status)); err != nil {
		switch {
		case errors.Is(err, submission.ErrNotFound):
			s.writeError(w, http.StatusNotFound, models.CodeNotFound, "file not found")
		case errors.Is(err, submission.ErrBadTransition):
			s.writeError(w, http.StatusConflict, models.CodeValidationFailed, "storage status transition not allowed")
		default:
			s.writeError(w, http.StatusInternalServerError, models.CodeStorageError, "file update failed")
		}
		return
	}
	httpx.WriteJSON(w, 200, map[string]any{"file_id": fileID, "status": req.Status})
}

func (s *Server) handleDownloadURL(w http.ResponseWriter, r *http.Request) {
	fileID := chi.URLParam(r, "file_id")
	f, err := s.Store.FileByID(r.Context(), fileID)
	if err != nil {
		if errors.Is(err, submission.ErrNotFound) {
			s.writeError(w, http.StatusNotFound, models.CodeNotFound, "file not found")
			return
		}
		s.writeError(w, http.StatusInternalServerError, models.CodeStorageError, "file lookup failed")
		return
	}
	expiresIn := time.Duration(queryInt(r, "expires_in", 3600)) * time.Second
	url, expiresAt := s.Store.SignedDownloadURL(f, expiresIn)
	httpx.WriteJSON(w, 200, map[string]any{
		"file_id":    f.FileID,
		"file_name":  f.FileName,
		"url":        url,
		"expires_at": expiresAt,
	})
}

func (s *Server) handleBatchDownloadURLs(w http.ResponseWriter, r *http.Request) {
	var req struct {
		FileIDs   []string `json:"file_ids"`
		ExpiresIn int      `json:"expires_in,omitempty"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || len(req.FileIDs) == 0 {
		s.writeError(w, http.StatusBadRequest, models.CodeValidationFailed, "file_ids required")
		return
	}
	if len(req.FileIDs) > s.MaxBatchSize {
		s.writeError(w, http.StatusBadRequest, models.CodeValidationFailed, "too many file ids")
		return
	}
	expiresIn := time.Duration(req.ExpiresIn) * time.Second
	if expiresIn <= 0 {
		expiresIn = time.Hour
	}

	type urlResult struct {
		FileID    string     `json:"file_id"`
		URL       string     `json:"url,omitempty"`
		ExpiresAt *time.Time `json:"expires_at,omitempty"`
		Error     string     `json:"error,omitempty"`
	}
	results := make([]urlResult, 0, len(req.FileIDs))
	for _, fileID := range req.FileIDs {
		f, err := s.Store.FileByID(r.Context(), fileID)
		if err != nil {
			msg := "file lookup failed"
			if errors.Is(err, submission.ErrNotFound) {
				msg = "file not found"
			}
			results = append(results, urlResult{FileID: fileID, Error: msg})
			continue
		}
		url, expiresAt := s.Store.SignedDownloadURL(f, expiresIn)
		results = append(results, urlResult{FileID: fileID, URL: url, ExpiresAt: &expiresAt})
	}
	httpx.WriteJSON(w, 200, map[string]any{"results": results})
}
