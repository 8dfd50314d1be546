package handler

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	mw "github.com/kiranshivaraju/matchflow/internal/api/middleware"
	"github.com/kiranshivaraju/matchflow/internal/api/response"
	"github.com/kiranshivaraju/matchflow/internal/lifecycle"
	"github.com/kiranshivaraju/matchflow/internal/store"
	"github.com/kiranshivaraju/matchflow/pkg/models"
)

const (
	defaultPageLimit = 20
	maxPageLimit     = 100
)

// Lifecycle defines the job operations the handlers depend on.
type Lifecycle interface {
	Start(ctx context.Context, req lifecycle.StartRequest) (*models.Job, error)
	Get(ctx context.Context, jobID string) (*lifecycle.Status, error)
	Phase(ctx context.Context, jobID string) (models.Phase, error)
	Cancel(ctx context.Context, jobID, actor string) (*models.Job, error)
	Delete(ctx context.Context, jobID, actor string, force bool) (*models.Job, error)
	Evidence(ctx context.Context, filter store.EvidenceFilter) ([]*models.Evidence, int, error)
}

// NewStartJobHandler returns an http.HandlerFunc for POST /api/v1/jobs.
func NewStartJobHandler(svc Lifecycle) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req lifecycle.StartRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "Invalid JSON body", nil)
			return
		}

		job, err := svc.Start(r.Context(), req)
		if err != nil {
			writeLifecycleError(w, r, err)
			return
		}
		response.Accepted(w, job)
	}
}

// NewGetJobHandler returns an http.HandlerFunc for GET /api/v1/jobs/{jobID}.
func NewGetJobHandler(svc Lifecycle) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		status, err := svc.Get(r.Context(), chi.URLParam(r, "jobID"))
		if err != nil {
			writeLifecycleError(w, r, err)
			return
		}
		response.JSON(w, status)
	}
}

// NewGetPhaseHandler returns an http.HandlerFunc for GET /api/v1/jobs/{jobID}/phase.
func NewGetPhaseHandler(svc Lifecycle) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		jobID := chi.URLParam(r, "jobID")
		p, err := svc.Phase(r.Context(), jobID)
		if err != nil {
			writeLifecycleError(w, r, err)
			return
		}
		response.JSON(w, map[string]any{"job_id": jobID, "phase": p})
	}
}

// NewCancelJobHandler returns an http.HandlerFunc for POST /api/v1/jobs/{jobID}/cancel.
func NewCancelJobHandler(svc Lifecycle) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		job, err := svc.Cancel(r.Context(), chi.URLParam(r, "jobID"), mw.GetActor(r))
		if err != nil {
			writeLifecycleError(w, r, err)
			return
		}
		response.JSON(w, job)
	}
}

// NewDeleteJobHandler returns an http.HandlerFunc for DELETE /api/v1/jobs/{jobID}.
func NewDeleteJobHandler(svc Lifecycle) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		force := false
		if v := r.URL.Query().Get("force"); v != "" {
			var err error
			if force, err = strconv.ParseBool(v); err != nil {
				response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "force must be a boolean", nil)
				return
			}
		}

		job, err := svc.Delete(r.Context(), chi.URLParam(r, "jobID"), mw.GetActor(r), force)
		if err != nil {
			writeLifecycleError(w, r, err)
			return
		}
		response.JSON(w, job)
	}
}

// NewListEvidenceHandler returns an http.HandlerFunc for GET /api/v1/jobs/{jobID}/evidence.
func NewListEvidenceHandler(svc Lifecycle) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		page, ok := queryInt(w, r, "page", 1)
		if !ok {
			return
		}
		limit, ok := queryInt(w, r, "limit", defaultPageLimit)
		if !ok {
			return
		}
		if limit > maxPageLimit {
			limit = maxPageLimit
		}

		rows, total, err := svc.Evidence(r.Context(), store.EvidenceFilter{
			JobID: chi.URLParam(r, "jobID"),
			Page:  page,
			Limit: limit,
		})
		if err != nil {
			writeLifecycleError(w, r, err)
			return
		}
		if rows == nil {
			rows = []*models.Evidence{}
		}
		response.Collection(w, rows, response.NewPaginationMeta(page, limit, total))
	}
}

func queryInt(w http.ResponseWriter, r *http.Request, name string, def int) (int, bool) {
	v := r.URL.Query().Get(name)
	if v == "" {
		return def, true
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 1 {
		response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", name+" must be a positive integer", nil)
		return 0, false
	}
	return n, true
}

func writeLifecycleError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, lifecycle.ErrInvalidRequest):
		response.Error(w, http.StatusBadRequest, "VALIDATION_ERROR", err.Error(), nil)
	case errors.Is(err, lifecycle.ErrNotFound):
		response.Error(w, http.StatusNotFound, "JOB_NOT_FOUND", "Job not found", nil)
	case errors.Is(err, lifecycle.ErrJobExists):
		response.Error(w, http.StatusConflict, "JOB_EXISTS", "A job with this id already exists", nil)
	case errors.Is(err, lifecycle.ErrJobActive):
		response.Error(w, http.StatusConflict, "JOB_ACTIVE",
			"Job is still active; cancel it first or pass force=true", nil)
	default:
		slog.Error("lifecycle request failed",
			"request_id", mw.GetRequestID(r),
			"method", r.Method,
			"path", r.URL.Path,
			"error", err,
		)
		response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR",
			"An unexpected error occurred", nil)
	}
}
