package main

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"procgate/pkg/httpx"
	"procgate/pkg/models"
	"procgate/pkg/syncer"

	"github.com/go-chi/chi/v5"
)

type syncRequest struct {
	ApplicationID int64  `json:"application_id"`
	Force         bool   `json:"force,omitempty"`
	OperatorID    string `json:"operator_id,omitempty"`
	OperatorName  string `json:"operator_name,omitempty"`
	Remark        string `json:"remark,omitempty"`
}

func (s *Server) handleSync(w http.ResponseWriter, r *http.Request) {
	var req syncRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.ApplicationID <= 0 {
		s.writeError(w, http.StatusBadRequest, models.CodeValidationFailed, "application_id required")
		return
	}

	// One in-flight sync per application. The lock expires on its own so a
	// crashed worker never blocks the application forever.
	lockKey := "sync:app:" + strconv.FormatInt(req.ApplicationID, 10)
	if s.Cache != nil {
		acquired, err := s.Cache.SetNX(r.Context(), lockKey, "1", s.SyncLockTTL)
		if err == nil && !acquired {
			s.writeError(w, http.StatusConflict, "sync_in_progress", "sync already running for this application")
			return
		}
		defer func() { _ = s.Cache.Del(r.Context(), lockKey) }()
	}

	rec, err := s.Syncer.SyncOne(r.Context(), req.ApplicationID, syncer.Options{
		Force:        req.Force,
		OperatorID:   req.OperatorID,
		OperatorName: req.OperatorName,
		Remark:       req.Remark,
	})
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, models.CodeStorageError, "sync failed to start")
		return
	}
	s.Metrics.IncSyncStatus(rec.SyncStatus)
	httpx.WriteJSON(w, 200, map[string]any{"record": rec})
}

func (s *Server) handleSyncBatch(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ApplicationIDs []int64 `json:"application_ids"`
		Force          bool    `json:"force,omitempty"`
		OperatorID     string  `json:"operator_id,omitempty"`
		OperatorName   string  `json:"operator_name,omitempty"`
		Remark         string  `json:"remark,omitempty"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || len(req.ApplicationIDs) == 0 {
		s.writeError(w, http.StatusBadRequest, models.CodeValidationFailed, "application_ids required")
		return
	}
	if len(req.ApplicationIDs) > s.MaxBatchSize {
		s.writeError(w, http.StatusBadRequest, models.CodeValidationFailed, "too many application ids")
		return
	}

	result, err := s.Syncer.SyncBatch(r.Context(), req.ApplicationIDs, syncer.Options{
		Force:        req.Force,
		OperatorID:   req.OperatorID,
		OperatorName: req.OperatorName,
		Remark:       req.Remark,
	})
	if err != nil && result.Total == 0 {
		s.writeError(w, http.StatusInternalServerError, models.CodeStorageError, "batch sync failed")
		return
	}
	s.Metrics.IncSyncStatus(result.Status)
	httpx.WriteJSON(w, 200, result)
}

func (s *Server) handleSyncRetry(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Limit int `json:"limit,omitempty"`
	}
	if r.Body != nil {
		// An empty body means default limit.
		_ = json.NewDecoder(r.Body).Decode(&req)
	}
	n, err := s.Syncer.RetryFailed(r.Context(), req.Limit)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, models.CodeStorageError, "retry sweep failed")
		return
	}
	httpx.WriteJSON(w, 200, map[string]any{"retried": n})
}

func (s *Server) handleSyncRecords(w http.ResponseWriter, r *http.Request) {
	applicationID := int64(queryInt(r, "application_id", 0))
	if applicationID <= 0 {
		s.writeError(w, http.StatusBadRequest, models.CodeValidationFailed, "application_id query parameter required")
		return
	}
	records, err := s.Syncer.Records(r.Context(), applicationID, queryInt(r, "limit", 50))
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, models.CodeStorageError, "record query failed")
		return
	}
	httpx.WriteJSON(w, 200, map[string]any{"application_id": applicationID, "records": records})
}

func (s *Server) handleSyncRecord(w http.ResponseWriter, r *http.Request) {
	syncID := chi.URLParam(r, "sync_id")
	rec, err := s.Syncer.Record(r.Context(), syncID)
	if err != nil {
		if errors.Is(err, syncer.ErrRecordNotFound) {
			s.writeError(w, http.StatusNotFound, models.CodeNotFound, "sync record not found")
			return
		}
		s.writeError(w, http.StatusInternalServerError, models.CodeStorageError, "record lookup failed")
		return
	}
	httpx.WriteJSON(w, 200, map[string]any{"record": rec})
}

func (s *Server) handleSyncReport(w http.ResponseWriter, r *http.Request) {
	to := time.Now().UTC()
	from := to.Add(-24 * time.Hour)
	if t, ok := queryTime(r, "from"); ok {
		from = t
	}
	if t, ok := queryTime(r, "to"); ok {
		to = t
	}
	if !from.Before(to) {
		s.writeError(w, http.StatusBadRequest, models.CodeValidationFailed, "from must precede to")
		return
	}
	report, err := s.Syncer.BuildReport(r.Context(), from, to)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, models.CodeStorageError, "report query failed")
		return
	}
	httpx.WriteJSON(w, 200, report)
}
