package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/kiranshivaraju/matchflow/pkg/models"
)

// PostgresStore implements the Store interface using pgx/v5. Every method
// joins the transaction carried on ctx, if any (see InTx).
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgresStore.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// Pool exposes the underlying pool so collaborators can share transactions.
func (s *PostgresStore) Pool() *pgxpool.Pool {
	return s.pool
}

// Ping checks database connectivity.
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// --- Jobs ---

const jobColumns = `job_id, industry, phase, cancelled_at, cancelled_by, deleted_at, deleted_by, created_at, updated_at`

func scanJob(row pgx.Row) (*models.Job, error) {
	var j models.Job
	err := row.Scan(&j.ID, &j.Industry, &j.Phase, &j.CancelledAt, &j.CancelledBy,
		&j.DeletedAt, &j.DeletedBy, &j.CreatedAt, &j.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &j, nil
}

func (s *PostgresStore) CreateJob(ctx context.Context, job *models.Job) error {
	_, err := Conn(ctx, s.pool).Exec(ctx,
		`INSERT INTO jobs (job_id, industry, phase, created_at, updated_at) VALUES ($1, $2, $3, $4, $5)`,
		job.ID, job.Industry, job.Phase, job.CreatedAt, job.UpdatedAt)
	if err != nil {
		if isDuplicateKeyError(err) {
			return ErrDuplicateKey
		}
		return fmt.Errorf("create job: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetJob(ctx context.Context, id string) (*models.Job, error) {
	j, err := scanJob(Conn(ctx, s.pool).QueryRow(ctx,
		`SELECT `+jobColumns+` FROM jobs WHERE job_id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get job: %w", err)
	}
	return j, nil
}

func (s *PostgresStore) lockJob(ctx context.Context, id string) (*models.Job, error) {
	j, err := scanJob(Conn(ctx, s.pool).QueryRow(ctx,
		`SELECT `+jobColumns+` FROM jobs WHERE job_id = $1 FOR UPDATE`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("lock job: %w", err)
	}
	return j, nil
}

// ApplyPhaseSignal records signal for the job and lets next pick the new
// phase, all under a row lock so concurrent signals serialize. Stopped and
// completed jobs are returned unchanged and the signal is not recorded.
func (s *PostgresStore) ApplyPhaseSignal(ctx context.Context, jobID, signal string, next NextPhaseFunc) (*PhaseChange, error) {
	var change *PhaseChange
	err := InTx(ctx, s.pool, func(ctx context.Context) error {
		job, err := s.lockJob(ctx, jobID)
		if err != nil {
			return err
		}
		change = &PhaseChange{Job: job, From: job.Phase, To: job.Phase}
		if !job.Active() {
			return nil
		}

		q := Conn(ctx, s.pool)
		if _, err := q.Exec(ctx,
			`INSERT INTO job_phase_signals (job_id, signal) VALUES ($1, $2) ON CONFLICT DO NOTHING`,
			jobID, signal); err != nil {
			return fmt.Errorf("record phase signal: %w", err)
		}

		signals, err := s.phaseSignals(ctx, jobID)
		if err != nil {
			return err
		}

		to, err := next(ctx, job, signals)
		if err != nil {
			return err
		}
		if to == job.Phase {
			return nil
		}
		if to.Rank() < job.Phase.Rank() {
			return fmt.Errorf("invalid phase transition: %s -> %s", job.Phase, to)
		}

		now := time.Now().UTC()
		if _, err := q.Exec(ctx,
			`UPDATE jobs SET phase = $2, updated_at = $3 WHERE job_id = $1`, jobID, to, now); err != nil {
			return fmt.Errorf("update job phase: %w", err)
		}
		job.Phase = to
		job.UpdatedAt = now
		change.To = to
		return nil
	})
	if err != nil {
		return nil, err
	}
	return change, nil
}

func (s *PostgresStore) phaseSignals(ctx context.Context, jobID string) (map[string]bool, error) {
	rows, err := Conn(ctx, s.pool).Query(ctx,
		`SELECT signal FROM job_phase_signals WHERE job_id = $1`, jobID)
	if err != nil {
		return nil, fmt.Errorf("list phase signals: %w", err)
	}
	defer rows.Close()

	signals := make(map[string]bool)
	for rows.Next() {
		var sig string
		if err := rows.Scan(&sig); err != nil {
			return nil, fmt.Errorf("scan phase signal: %w", err)
		}
		signals[sig] = true
	}
	return signals, rows.Err()
}

// CancelJob marks the job cancelled. The bool reports whether this call
// changed anything; cancelling a stopped or completed job is a no-op.
func (s *PostgresStore) CancelJob(ctx context.Context, id, actor string, onChange ChangeHook) (*models.Job, bool, error) {
	var (
		job     *models.Job
		changed bool
	)
	err := InTx(ctx, s.pool, func(ctx context.Context) error {
		var err error
		job, err = s.lockJob(ctx, id)
		if err != nil {
			return err
		}
		if !job.Active() {
			return nil
		}

		now := time.Now().UTC()
		if _, err := Conn(ctx, s.pool).Exec(ctx,
			`UPDATE jobs SET phase = $2, cancelled_at = $3, cancelled_by = $4, updated_at = $3 WHERE job_id = $1`,
			id, models.PhaseCancelled, now, actor); err != nil {
			return fmt.Errorf("cancel job: %w", err)
		}
		job.Phase = models.PhaseCancelled
		job.CancelledAt = &now
		job.CancelledBy = &actor
		job.UpdatedAt = now
		if onChange != nil {
			if err := onChange(ctx, job); err != nil {
				return err
			}
		}
		changed = true
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	return job, changed, nil
}

// DeleteJob soft-deletes the job. Active jobs need force; otherwise
// ErrJobActive is returned. Deleting an already deleted job is a no-op.
func (s *PostgresStore) DeleteJob(ctx context.Context, id, actor string, force bool, onChange ChangeHook) (*models.Job, bool, error) {
	var (
		job     *models.Job
		changed bool
	)
	err := InTx(ctx, s.pool, func(ctx context.Context) error {
		var err error
		job, err = s.lockJob(ctx, id)
		if err != nil {
			return err
		}
		if job.DeletedAt != nil {
			return nil
		}
		if job.Active() && !force {
			return ErrJobActive
		}

		now := time.Now().UTC()
		if _, err := Conn(ctx, s.pool).Exec(ctx,
			`UPDATE jobs SET phase = $2, deleted_at = $3, deleted_by = $4, updated_at = $3 WHERE job_id = $1`,
			id, models.PhaseDeleted, now, actor); err != nil {
			return fmt.Errorf("delete job: %w", err)
		}
		job.Phase = models.PhaseDeleted
		job.DeletedAt = &now
		job.DeletedBy = &actor
		job.UpdatedAt = now
		if onChange != nil {
			if err := onChange(ctx, job); err != nil {
				return err
			}
		}
		changed = true
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	return job, changed, nil
}

// --- Videos ---

// AssociateVideos links videos to the job and returns how many rows were new.
func (s *PostgresStore) AssociateVideos(ctx context.Context, jobID string, videos []models.FoundVideo) (int, error) {
	if len(videos) == 0 {
		return 0, nil
	}

	batch := &pgx.Batch{}
	for _, v := range videos {
		batch.Queue(
			`INSERT INTO job_videos (job_id, video_id, platform) VALUES ($1, $2, $3)
			 ON CONFLICT (job_id, video_id) DO NOTHING`,
			jobID, v.VideoID, v.Platform)
	}

	var inserted int
	err := InTx(ctx, s.pool, func(ctx context.Context) error {
		tx := ctx.Value(txKey{}).(pgx.Tx)
		br := tx.SendBatch(ctx, batch)
		for range videos {
			tag, err := br.Exec()
			if err != nil {
				br.Close()
				return fmt.Errorf("associate video: %w", err)
			}
			inserted += int(tag.RowsAffected())
		}
		return br.Close()
	})
	if err != nil {
		return 0, err
	}
	return inserted, nil
}

func (s *PostgresStore) ListJobVideos(ctx context.Context, jobID string) ([]*models.JobVideo, error) {
	rows, err := Conn(ctx, s.pool).Query(ctx,
		`SELECT job_id, video_id, platform, created_at FROM job_videos WHERE job_id = $1 ORDER BY created_at, video_id`,
		jobID)
	if err != nil {
		return nil, fmt.Errorf("list job videos: %w", err)
	}
	defer rows.Close()

	var videos []*models.JobVideo
	for rows.Next() {
		var v models.JobVideo
		if err := rows.Scan(&v.JobID, &v.VideoID, &v.Platform, &v.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan job video: %w", err)
		}
		videos = append(videos, &v)
	}
	return videos, rows.Err()
}

// --- Evidence ---

// InsertEvidence stores one accepted match. A second row for the same
// (job, product, video) returns ErrDuplicateKey. The conflict is absorbed by
// the statement, so an enclosing transaction stays usable.
func (s *PostgresStore) InsertEvidence(ctx context.Context, ev *models.Evidence) error {
	tag, err := Conn(ctx, s.pool).Exec(ctx,
		`INSERT INTO match_evidence (id, job_id, product_id, video_id, best_img_id, best_frame_id, ts,
		 score, best_pair_score, consistency, total_pairs, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		 ON CONFLICT (job_id, product_id, video_id) DO NOTHING`,
		ev.ID, ev.JobID, ev.ProductID, ev.VideoID, ev.BestImgID, ev.BestFrameID, ev.Ts,
		ev.Score, ev.BestPairScore, ev.Consistency, ev.TotalPairs, ev.CreatedAt)
	if err != nil {
		if isDuplicateKeyError(err) {
			return ErrDuplicateKey
		}
		return fmt.Errorf("insert evidence: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrDuplicateKey
	}
	return nil
}

func (s *PostgresStore) ListEvidence(ctx context.Context, filter EvidenceFilter) ([]*models.Evidence, int, error) {
	q := Conn(ctx, s.pool)

	var total int
	if err := q.QueryRow(ctx,
		`SELECT COUNT(*) FROM match_evidence WHERE job_id = $1`, filter.JobID).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count evidence: %w", err)
	}

	limit, offset := filter.normalize()
	rows, err := q.Query(ctx,
		`SELECT id, job_id, product_id, video_id, best_img_id, best_frame_id, ts, score,
		 best_pair_score, consistency, total_pairs, created_at
		 FROM match_evidence WHERE job_id = $1 ORDER BY score DESC, created_at LIMIT $2 OFFSET $3`,
		filter.JobID, limit, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("list evidence: %w", err)
	}
	defer rows.Close()

	var out []*models.Evidence
	for rows.Next() {
		var e models.Evidence
		if err := rows.Scan(&e.ID, &e.JobID, &e.ProductID, &e.VideoID, &e.BestImgID, &e.BestFrameID,
			&e.Ts, &e.Score, &e.BestPairScore, &e.Consistency, &e.TotalPairs, &e.CreatedAt); err != nil {
			return nil, 0, fmt.Errorf("scan evidence: %w", err)
		}
		out = append(out, &e)
	}
	return out, total, rows.Err()
}

// isDuplicateKeyError checks if a pgx error is a unique constraint violation.
func isDuplicateKeyError(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505" // unique_violation
	}
	return false
}

// IsDuplicateKeyError reports whether err is a unique constraint violation,
// either raw from pgx or already mapped to ErrDuplicateKey.
func IsDuplicateKeyError(err error) bool {
	return errors.Is(err, ErrDuplicateKey) || isDuplicateKeyError(err)
}
