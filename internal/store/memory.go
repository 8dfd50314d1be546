package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/kiranshivaraju/matchflow/pkg/models"
)

// MemoryStore is a Store kept in process memory. It is used by the
// single-process demo wiring and by tests that do not need Postgres.
type MemoryStore struct {
	// transition serializes phase-changing operations, mirroring the row
	// lock taken by PostgresStore. It is held while NextPhaseFunc runs.
	transition sync.Mutex

	mu       sync.RWMutex
	jobs     map[string]*models.Job
	signals  map[string]map[string]bool
	videos   map[string][]*models.JobVideo
	evidence map[string][]*models.Evidence
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		jobs:     make(map[string]*models.Job),
		signals:  make(map[string]map[string]bool),
		videos:   make(map[string][]*models.JobVideo),
		evidence: make(map[string][]*models.Evidence),
	}
}

func (s *MemoryStore) Ping(_ context.Context) error { return nil }

func (s *MemoryStore) CreateJob(_ context.Context, job *models.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.jobs[job.ID]; ok {
		return ErrDuplicateKey
	}
	cp := *job
	s.jobs[job.ID] = &cp
	return nil
}

func (s *MemoryStore) GetJob(_ context.Context, id string) (*models.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	j, ok := s.jobs[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *j
	return &cp, nil
}

func (s *MemoryStore) ApplyPhaseSignal(ctx context.Context, jobID, signal string, next NextPhaseFunc) (*PhaseChange, error) {
	s.transition.Lock()
	defer s.transition.Unlock()

	job, err := s.GetJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	change := &PhaseChange{Job: job, From: job.Phase, To: job.Phase}
	if !job.Active() {
		return change, nil
	}

	s.mu.Lock()
	set := s.signals[jobID]
	if set == nil {
		set = make(map[string]bool)
		s.signals[jobID] = set
	}
	set[signal] = true
	snapshot := make(map[string]bool, len(set))
	for k := range set {
		snapshot[k] = true
	}
	s.mu.Unlock()

	to, err := next(ctx, job, snapshot)
	if err != nil {
		return nil, err
	}
	if to == job.Phase {
		return change, nil
	}
	if to.Rank() < job.Phase.Rank() {
		return nil, fmt.Errorf("invalid phase transition: %s -> %s", job.Phase, to)
	}

	now := time.Now().UTC()
	s.mu.Lock()
	stored := s.jobs[jobID]
	stored.Phase = to
	stored.UpdatedAt = now
	s.mu.Unlock()

	job.Phase = to
	job.UpdatedAt = now
	change.To = to
	return change, nil
}

func (s *MemoryStore) CancelJob(ctx context.Context, id, actor string, onChange ChangeHook) (*models.Job, bool, error) {
	s.transition.Lock()
	defer s.transition.Unlock()

	job, err := s.GetJob(ctx, id)
	if err != nil {
		return nil, false, err
	}
	if !job.Active() {
		return job, false, nil
	}

	now := time.Now().UTC()
	job.Phase = models.PhaseCancelled
	job.CancelledAt = &now
	job.CancelledBy = &actor
	job.UpdatedAt = now
	if err := s.commit(ctx, job, onChange); err != nil {
		return nil, false, err
	}
	return job, true, nil
}

func (s *MemoryStore) DeleteJob(ctx context.Context, id, actor string, force bool, onChange ChangeHook) (*models.Job, bool, error) {
	s.transition.Lock()
	defer s.transition.Unlock()

	job, err := s.GetJob(ctx, id)
	if err != nil {
		return nil, false, err
	}
	if job.DeletedAt != nil {
		return job, false, nil
	}
	if job.Active() && !force {
		return nil, false, ErrJobActive
	}

	now := time.Now().UTC()
	job.Phase = models.PhaseDeleted
	job.DeletedAt = &now
	job.DeletedBy = &actor
	job.UpdatedAt = now
	if err := s.commit(ctx, job, onChange); err != nil {
		return nil, false, err
	}
	return job, true, nil
}

// commit runs the hook and then stores job. Callers hold transition.
func (s *MemoryStore) commit(ctx context.Context, job *models.Job, onChange ChangeHook) error {
	if onChange != nil {
		if err := onChange(ctx, job); err != nil {
			return err
		}
	}
	cp := *job
	s.mu.Lock()
	s.jobs[job.ID] = &cp
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) AssociateVideos(_ context.Context, jobID string, videos []models.FoundVideo) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	seen := make(map[string]bool, len(s.videos[jobID]))
	for _, v := range s.videos[jobID] {
		seen[v.VideoID] = true
	}

	inserted := 0
	now := time.Now().UTC()
	for _, v := range videos {
		if seen[v.VideoID] {
			continue
		}
		seen[v.VideoID] = true
		s.videos[jobID] = append(s.videos[jobID], &models.JobVideo{
			JobID: jobID, VideoID: v.VideoID, Platform: v.Platform, CreatedAt: now,
		})
		inserted++
	}
	return inserted, nil
}

func (s *MemoryStore) ListJobVideos(_ context.Context, jobID string) ([]*models.JobVideo, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*models.JobVideo, 0, len(s.videos[jobID]))
	for _, v := range s.videos[jobID] {
		cp := *v
		out = append(out, &cp)
	}
	return out, nil
}

func (s *MemoryStore) InsertEvidence(_ context.Context, ev *models.Evidence) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range s.evidence[ev.JobID] {
		if e.ProductID == ev.ProductID && e.VideoID == ev.VideoID {
			return ErrDuplicateKey
		}
	}
	cp := *ev
	s.evidence[ev.JobID] = append(s.evidence[ev.JobID], &cp)
	return nil
}

func (s *MemoryStore) ListEvidence(_ context.Context, filter EvidenceFilter) ([]*models.Evidence, int, error) {
	s.mu.RLock()
	all := make([]*models.Evidence, 0, len(s.evidence[filter.JobID]))
	for _, e := range s.evidence[filter.JobID] {
		cp := *e
		all = append(all, &cp)
	}
	s.mu.RUnlock()

	sort.SliceStable(all, func(i, j int) bool {
		if all[i].Score != all[j].Score {
			return all[i].Score > all[j].Score
		}
		return all[i].CreatedAt.Before(all[j].CreatedAt)
	})

	limit, offset := filter.normalize()
	total := len(all)
	if offset >= total {
		return []*models.Evidence{}, total, nil
	}
	end := offset + limit
	if end > total {
		end = total
	}
	return all[offset:end], total, nil
}

var (
	_ Store = (*MemoryStore)(nil)
	_ Store = (*PostgresStore)(nil)
)
