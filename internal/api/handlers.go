package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/JakeFAU/contact-harvester/internal/crawler"
	"github.com/JakeFAU/contact-harvester/internal/scheduler"
)

const (
	defaultBatchLimit   = 50
	maxBatchLimit       = 500
	defaultFailureLimit = 100
	maxFailureLimit     = 1000
)

type startBatchRequest struct {
	Partitions       []string `json:"partitions"`
	Categories       []string `json:"categories"`
	MinQualityScore  float64  `json:"min_quality_score"`
	PageSize         int      `json:"page_size"`
	InterTaskDelayMs *int     `json:"inter_task_delay_ms"`
	MaxTasks         int      `json:"max_tasks"`
}

func (req startBatchRequest) options() (crawler.BatchOptions, error) {
	opts := crawler.BatchOptions{
		Categories:      req.Categories,
		MinQualityScore: req.MinQualityScore,
		PageSize:        req.PageSize,
		MaxTasks:        req.MaxTasks,
	}
	if req.PageSize < 0 {
		return opts, errors.New("page_size must be >= 0")
	}
	if req.InterTaskDelayMs != nil {
		if *req.InterTaskDelayMs < 0 {
			return opts, errors.New("inter_task_delay_ms must be >= 0")
		}
		opts.InterTaskDelay = time.Duration(*req.InterTaskDelayMs) * time.Millisecond
	}
	return opts, nil
}

// startBatch handles POST /v1/batches. It returns 202 {"batch_id": ...}.
func (s *Server) startBatch(w http.ResponseWriter, r *http.Request) {
	var req startBatchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	opts, err := req.options()
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	batchID, err := s.deps.Batches.Start(r.Context(), req.Partitions, opts)
	if err != nil {
		if errors.Is(err, scheduler.ErrInvalidRequest) {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		if errors.Is(err, scheduler.ErrBatchAlreadyRunning) {
			writeError(w, http.StatusConflict, err.Error())
			return
		}
		s.logger.Error("start batch failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to start batch")
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"batch_id": batchID})
}

func (s *Server) stopBatch(w http.ResponseWriter, r *http.Request) {
	batchID := chi.URLParam(r, "batch_id")
	err := s.deps.Batches.Stop(r.Context(), batchID)
	switch {
	case err == nil:
		writeJSON(w, http.StatusAccepted, map[string]string{"batch_id": batchID, "status": "stopping"})
	case errors.Is(err, scheduler.ErrBatchNotFound):
		writeError(w, http.StatusNotFound, "batch not found")
	case errors.Is(err, scheduler.ErrBatchNotRunning):
		writeError(w, http.StatusConflict, "batch not running")
	default:
		s.logger.Error("stop batch failed", zap.String("batch_id", batchID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to stop batch")
	}
}

func (s *Server) batchStatus(w http.ResponseWriter, r *http.Request) {
	batchID := chi.URLParam(r, "batch_id")
	status, err := s.deps.Batches.Status(r.Context(), batchID)
	if err != nil {
		s.batchLookupError(w, batchID, err)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

// listBatches handles GET /v1/batches?limit=&offset=.
func (s *Server) listBatches(w http.ResponseWriter, r *http.Request) {
	limit, offset, err := parseLimitOffset(r, defaultBatchLimit, maxBatchLimit)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	batches, err := s.deps.Batches.List(r.Context(), limit, offset)
	if err != nil {
		s.logger.Error("list batches failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to list batches")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"batches": batches})
}

func (s *Server) batchPartitions(w http.ResponseWriter, r *http.Request) {
	batchID := chi.URLParam(r, "batch_id")
	if _, err := s.deps.Batches.Status(r.Context(), batchID); err != nil {
		s.batchLookupError(w, batchID, err)
		return
	}
	parts, err := s.deps.Details.ListPartitionProgress(r.Context(), batchID)
	if err != nil {
		s.logger.Error("list partitions failed", zap.String("batch_id", batchID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to list partitions")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"partitions": parts})
}

// batchFailures handles GET /v1/batches/{batch_id}/failures?limit=&offset=.
func (s *Server) batchFailures(w http.ResponseWriter, r *http.Request) {
	batchID := chi.URLParam(r, "batch_id")
	limit, offset, err := parseLimitOffset(r, defaultFailureLimit, maxFailureLimit)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if _, err := s.deps.Batches.Status(r.Context(), batchID); err != nil {
		s.batchLookupError(w, batchID, err)
		return
	}
	failures, err := s.deps.Details.ListTaskFailures(r.Context(), batchID, limit, offset)
	if err != nil {
		s.logger.Error("list failures failed", zap.String("batch_id", batchID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to list failures")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"failures": failures})
}

func (s *Server) batchLookupError(w http.ResponseWriter, batchID string, err error) {
	if errors.Is(err, scheduler.ErrBatchNotFound) {
		writeError(w, http.StatusNotFound, "batch not found")
		return
	}
	s.logger.Error("load batch failed", zap.String("batch_id", batchID), zap.Error(err))
	writeError(w, http.StatusInternalServerError, "failed to load batch")
}

func (s *Server) rotationState(w http.ResponseWriter, _ *http.Request) {
	if s.deps.Rotation == nil {
		writeError(w, http.StatusServiceUnavailable, "rotation unavailable")
		return
	}
	writeJSON(w, http.StatusOK, s.deps.Rotation.State())
}

type rotateRequest struct {
	Force bool `json:"force"`
}

// rotate handles POST /v1/rotation. An empty body is a non-forced request.
func (s *Server) rotate(w http.ResponseWriter, r *http.Request) {
	if s.deps.Rotation == nil {
		writeError(w, http.StatusServiceUnavailable, "rotation unavailable")
		return
	}
	var req rotateRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid JSON")
			return
		}
	}
	rotated := s.deps.Rotation.Rotate(r.Context(), req.Force)
	writeJSON(w, http.StatusOK, map[string]any{
		"rotated": rotated,
		"state":   s.deps.Rotation.State(),
	})
}

func parseLimitOffset(r *http.Request, def, maxLimit int) (int, int, error) {
	q := r.URL.Query()
	limit := def
	if limStr := strings.TrimSpace(q.Get("limit")); limStr != "" {
		val, err := strconv.Atoi(limStr)
		if err != nil || val <= 0 {
			return 0, 0, errors.New("invalid limit")
		}
		if val > maxLimit {
			val = maxLimit
		}
		limit = val
	}
	offset := 0
	if offStr := strings.TrimSpace(q.Get("offset")); offStr != "" {
		val, err := strconv.Atoi(offStr)
		if err != nil || val < 0 {
			return 0, 0, errors.New("invalid offset")
		}
		offset = val
	}
	return limit, offset, nil
}
