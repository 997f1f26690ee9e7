package main

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"procgate/pkg/httpx"
	"procgate/pkg/models"
	"procgate/pkg/statebus"
	"procgate/pkg/stream"
	"procgate/pkg/submission"

	"github.com/go-chi/chi/v5"
)

func (s *Server) handleStoreSubmission(w http.ResponseWriter, r *http.Request) {
	var pkg models.SubmissionPackage
	if err := json.NewDecoder(r.Body).Decode(&pkg); err != nil {
		s.writeError(w, http.StatusBadRequest, models.CodeValidationFailed, "malformed submission package")
		return
	}
	sub, status, body := s.storePackage(r, pkg)
	if status == http.StatusOK {
		s.announceStored(r, sub)
	}
	httpx.WriteJSON(w, status, body)
}

// storePackage runs validation and the transactional write for one package.
// It returns the response the caller should emit so the single and batch
// endpoints stay consistent.
func (s *Server) storePackage(r *http.Request, pkg models.SubmissionPackage) (models.Submission, int, any) {
	if errs := s.Validator.Validate(pkg); len(errs) > 0 {
		s.Metrics.IncOutcome("rejected")
		return models.Submission{}, http.StatusBadRequest, map[string]any{
			"error":  "validation failed",
			"code":   models.CodeValidationFailed,
			"fields": errs,
		}
	}

	start := time.Now()
	sub, err := s.Store.Store(r.Context(), pkg)
	s.Metrics.ObserveStoreLatency(time.Since(start))
	if err != nil {
		if errors.Is(err, submission.ErrDuplicate) {
			s.Metrics.IncOutcome("duplicate")
			return models.Submission{}, http.StatusConflict, errorBody{
				Error: "submission version already exists",
				Code:  models.CodeDuplicateSubmission,
			}
		}
		s.Metrics.IncOutcome("rejected")
		return models.Submission{}, http.StatusInternalServerError, errorBody{
			Error: "failed to store submission",
			Code:  models.CodeStorageError,
		}
	}
	s.Metrics.IncOutcome("accepted")
	return sub, http.StatusOK, map[string]any{
		"submission_id":      sub.SubmissionID,
		"application_id":     sub.ApplicationID,
		"submission_version": sub.SubmissionVersion,
		"upload_time":        sub.UploadTime,
		"sync_time":          sub.SyncTime,
	}
}

func (s *Server) announceStored(r *http.Request, sub models.Submission) {
	if s.Events != nil {
		s.Events.Publish(stream.NewEvent(statebus.EventSubmissionStored, sub))
	}
	if s.Bus != nil {
		if payload, err := json.Marshal(sub); err == nil {
			key := strconv.FormatInt(sub.ApplicationID, 10)
			if err := s.Bus.Publish(r.Context(), key, payload); err != nil {
				// Event delivery is best effort; the row is already committed.
				s.Metrics.IncReason("event_publish_failed")
			}
		}
	}
}

func (s *Server) handleStoreBatch(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Submissions []models.SubmissionPackage `json:"submissions"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, models.CodeValidationFailed, "malformed batch")
		return
	}
	if len(req.Submissions) == 0 {
		s.writeError(w, http.StatusBadRequest, models.CodeValidationFailed, "batch is empty")
		return
	}
	if len(req.Submissions) > s.MaxBatchSize {
		s.writeError(w, http.StatusBadRequest, models.CodeValidationFailed,
			"batch exceeds "+strconv.Itoa(s.MaxBatchSize)+" submissions")
		return
	}

	type itemResult struct {
		Index  int    `json:"index"`
		Status string `json:"status"`
		Detail any    `json:"detail,omitempty"`
	}
	results := make([]itemResult, 0, len(req.Submissions))
	var stored, duplicates, failed int
	for i, pkg := range req.Submissions {
		sub, status, body := s.storePackage(r, pkg)
		switch status {
		case http.StatusOK:
			stored++
			s.announceStored(r, sub)
			outcome := models.SyncOutcomeNew
			if sub.SubmissionVersion > 1 {
				outcome = models.SyncOutcomeUpdated
			}
			results = append(results, itemResult{Index: i, Status: outcome, Detail: body})
		case http.StatusConflict:
			duplicates++
			results = append(results, itemResult{Index: i, Status: "duplicate"})
		default:
			failed++
			results = append(results, itemResult{Index: i, Status: "failed", Detail: body})
		}
	}
	httpx.WriteJSON(w, 200, map[string]any{
		"total":      len(req.Submissions),
		"stored":     stored,
		"duplicates": duplicates,
		"failed":     failed,
		"results":    results,
	})
}

func (s *Server) handleQuerySubmissions(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := submission.Filter{
		ApplicationID:   int64(queryInt(r, "application_id", 0)),
		SubmissionType:  strings.TrimSpace(q.Get("submission_type")),
		SubmissionStage: strings.TrimSpace(q.Get("submission_stage")),
		ProjectName:     strings.TrimSpace(q.Get("project_name")),
		ApplicantName:   strings.TrimSpace(q.Get("applicant_name")),
		Limit:           queryInt(r, "limit", 0),
		Offset:          queryInt(r, "offset", 0),
	}
	if from, ok := queryTime(r, "uploaded_from"); ok {
		f.UploadedFrom = &from
	}
	if to, ok := queryTime(r, "uploaded_to"); ok {
		f.UploadedTo = &to
	}

	items, total, err := s.Store.Query(r.Context(), f)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, models.CodeStorageError, "submission query failed")
		return
	}
	httpx.WriteJSON(w, 200, map[string]any{"total": total, "items": items})
}

func (s *Server) handleSubmissionDetail(w http.ResponseWriter, r *http.Request) {
	id, ok := pathInt64(w, s, r, "submission_id")
	if !ok {
		return
	}
	sub, err := s.Store.Get(r.Context(), id)
	if err != nil {
		if errors.Is(err, submission.ErrNotFound) {
			s.writeError(w, http.StatusNotFound, models.CodeNotFound, "submission not found")
			return
		}
		s.writeError(w, http.StatusInternalServerError, models.CodeStorageError, "submission lookup failed")
		return
	}
	files, err := s.Store.FilesBySubmission(r.Context(), id)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, models.CodeStorageError, "file lookup failed")
		return
	}
	httpx.WriteJSON(w, 200, map[string]any{"submission": sub, "files": files})
}

func (s *Server) handleSubmissionFiles(w http.ResponseWriter, r *http.Request) {
	id, ok := pathInt64(w, s, r, "submission_id")
	if !ok {
		return
	}
	if _, err := s.Store.Get(r.Context(), id); err != nil {
		if errors.Is(err, submission.ErrNotFound) {
			s.writeError(w, http.StatusNotFound, models.CodeNotFound, "submission not found")
			return
		}
		s.writeError(w, http.StatusInternalServerError, models.CodeStorageError, "submission lookup failed")
		return
	}
	files, err := s.Store.FilesBySubmission(r.Context(), id)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, models.CodeStorageError, "file lookup failed")
		return
	}
	httpx.WriteJSON(w, 200, map[string]any{"submission_id": id, "files": files})
}

func (s *Server) handleApplicationSubmissions(w http.ResponseWriter, r *http.Request) {
	id, ok := pathInt64(w, s, r, "application_id")
	if !ok {
		return
	}
	items, err := s.Store.ByApplication(r.Context(), id)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, models.CodeStorageError, "submission query failed")
		return
	}
	httpx.WriteJSON(w, 200, map[string]any{"application_id": id, "items": items})
}

func (s *Server) handleApplicationStage(w http.ResponseWriter, r *http.Request) {
	id, ok := pathInt64(w, s, r, "application_id")
	if !ok {
		return
	}
	stage := chi.URLParam(r, "stage")
	items, err := s.Store.ByApplicationStage(r.Context(), id, stage)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, models.CodeStorageError, "submission query failed")
		return
	}
	httpx.WriteJSON(w, 200, map[string]any{"application_id": id, "stage": stage, "items": items})
}

// handleRoundHistory answers with the latest version per round for one
// type and stage of an application.
func (s *Server) handleRoundHistory(w http.ResponseWriter, r *http.Request) {
	id, subType, stage, ok := s.lineageParams(w, r)
	if !ok {
		return
	}
	items, err := s.Store.RoundHistory(r.Context(), id, subType, stage)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, models.CodeStorageError, "round history failed")
		return
	}
	httpx.WriteJSON(w, 200, map[string]any{"application_id": id, "rounds": items})
}

func (s *Server) handleFullHistory(w http.ResponseWriter, r *http.Request) {
	id, subType, stage, ok := s.lineageParams(w, r)
	if !ok {
		return
	}
	items, err := s.Store.FullHistory(r.Context(), id, subType, stage)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, models.CodeStorageError, "history lookup failed")
		return
	}
	httpx.WriteJSON(w, 200, map[string]any{"application_id": id, "history": items})
}

func (s *Server) handleVersionHistory(w http.ResponseWriter, r *http.Request) {
	id, subType, stage, ok := s.lineageParams(w, r)
	if !ok {
		return
	}
	round := queryInt(r, "round", 0)
	if raw := strings.TrimSpace(chi.URLParam(r, "round")); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil {
			round = n
		}
	}
	if round <= 0 {
		s.writeError(w, http.StatusBadRequest, models.CodeValidationFailed, "round is required and must be positive")
		return
	}
	if version := queryInt(r, "version", 0); version > 0 {
		sub, err := s.Store.ByVersion(r.Context(), models.IdentityTuple{
			LineageKey: models.LineageKey{
				ApplicationID:   id,
				SubmissionType:  subType,
				SubmissionStage: stage,
				SubmissionRound: round,
			},
			SubmissionVersion: version,
		})
		if err != nil {
			if errors.Is(err, submission.ErrNotFound) {
				s.writeError(w, http.StatusNotFound, models.CodeNotFound, "version not found")
				return
			}
			s.writeError(w, http.StatusInternalServerError, models.CodeStorageError, "version lookup failed")
			return
		}
		httpx.WriteJSON(w, 200, map[string]any{"submission": sub})
		return
	}
	descending := strings.TrimSpace(r.URL.Query().Get("order")) != "asc"
	items, err := s.Store.History(r.Context(), models.LineageKey{
		ApplicationID:   id,
		SubmissionType:  subType,
		SubmissionStage: stage,
		SubmissionRound: round,
	}, descending)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, models.CodeStorageError, "version history failed")
		return
	}
	httpx.WriteJSON(w, 200, map[string]any{"application_id": id, "round": round, "versions": items})
}

func (s *Server) handleSyncStatus(w http.ResponseWriter, r *http.Request) {
	id, ok := pathInt64(w, s, r, "application_id")
	if !ok {
		return
	}
	lastSync, err := s.Store.LastSyncTime(r.Context(), id)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, models.CodeStorageError, "sync status failed")
		return
	}
	needed, err := s.Syncer.NeedsSync(r.Context(), id, false)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, models.CodeStorageError, "sync status failed")
		return
	}
	httpx.WriteJSON(w, 200, map[string]any{
		"application_id": id,
		"last_sync_time": lastSync,
		"needs_sync":     needed,
	})
}

// lineageParams resolves the lineage coordinates from path segments, with
// query parameters as the fallback shape.
func (s *Server) lineageParams(w http.ResponseWriter, r *http.Request) (int64, string, string, bool) {
	id, ok := pathInt64(w, s, r, "application_id")
	if !ok {
		return 0, "", "", false
	}
	subType := strings.TrimSpace(chi.URLParam(r, "submission_type"))
	if subType == "" {
		subType = strings.TrimSpace(r.URL.Query().Get("submission_type"))
	}
	stage := strings.TrimSpace(chi.URLParam(r, "submission_stage"))
	if stage == "" {
		stage = strings.TrimSpace(r.URL.Query().Get("submission_stage"))
	}
	if subType == "" || stage == "" {
		s.writeError(w, http.StatusBadRequest, models.CodeValidationFailed,
			"submission_type and submission_stage required")
		return 0, "", "", false
	}
	return id, subType, stage, true
}

func pathInt64(w http.ResponseWriter, s *Server, r *http.Request, name string) (int64, bool) {
	raw := chi.URLParam(r, name)
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		s.writeError(w, http.StatusBadRequest, models.CodeValidationFailed, name+" must be a positive integer")
		return 0, false
	}
	return id, true
}

func queryTime(r *http.Request, key string) (time.Time, bool) {
	raw := strings.TrimSpace(r.URL.Query().Get(key))
	if raw == "" {
		return time.Time{}, false
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}
