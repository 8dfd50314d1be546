package store

import (
	"context"
	"errors"

	"github.com/kiranshivaraju/matchflow/pkg/models"
)

var ErrNotFound = errors.New("resource not found")
var ErrDuplicateKey = errors.New("duplicate key violation")

// ErrJobActive is returned when deleting a running job without force.
var ErrJobActive = errors.New("job is still active")

// Store is the data access interface. All database operations go through here.
type Store interface {
	Ping(ctx context.Context) error

	CreateJob(ctx context.Context, job *models.Job) error
	GetJob(ctx context.Context, id string) (*models.Job, error)
	ApplyPhaseSignal(ctx context.Context, jobID, signal string, next NextPhaseFunc) (*PhaseChange, error)
	CancelJob(ctx context.Context, id, actor string, onChange ChangeHook) (*models.Job, bool, error)
	DeleteJob(ctx context.Context, id, actor string, force bool, onChange ChangeHook) (*models.Job, bool, error)

	AssociateVideos(ctx context.Context, jobID string, videos []models.FoundVideo) (int, error)
	ListJobVideos(ctx context.Context, jobID string) ([]*models.JobVideo, error)

	InsertEvidence(ctx context.Context, ev *models.Evidence) error
	ListEvidence(ctx context.Context, filter EvidenceFilter) ([]*models.Evidence, int, error)
}

// NextPhaseFunc decides the job's phase from the signals recorded so far.
// It runs while the job row is locked; returning an error aborts the change.
type NextPhaseFunc func(ctx context.Context, job *models.Job, signals map[string]bool) (models.Phase, error)

// ChangeHook runs after a cancel or delete has been applied but before it
// is committed; an error undoes the change. It may be nil.
type ChangeHook func(ctx context.Context, job *models.Job) error

// PhaseChange reports the outcome of ApplyPhaseSignal. From equals To when
// the signal did not advance the job.
type PhaseChange struct {
	Job  *models.Job
	From models.Phase
	To   models.Phase
}

// Advanced reports whether the phase moved.
func (c *PhaseChange) Advanced() bool {
	return c.From != c.To
}

type EvidenceFilter struct {
	JobID string
	Page  int
	Limit int
}

func (f EvidenceFilter) normalize() (limit, offset int) {
	limit = f.Limit
	if limit <= 0 {
		limit = 20
	}
	if limit > 100 {
		limit = 100
	}
	page := f.Page
	if page <= 0 {
		page = 1
	}
	return limit, (page - 1) * limit
}
