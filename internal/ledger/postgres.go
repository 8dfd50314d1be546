package ledger

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/kiranshivaraju/matchflow/internal/store"
)

var errAlreadyClaimed = errors.New("event already claimed")

// Postgres stores claims in the processed_events table. The claim insert
// and the work run in the same transaction, so a failed handler leaves no
// claim behind and a committed claim always has its effects.
type Postgres struct {
	pool *pgxpool.Pool
}

func NewPostgres(pool *pgxpool.Pool) *Postgres {
	return &Postgres{pool: pool}
}

func (l *Postgres) Claim(ctx context.Context, key Key) (bool, error) {
	if err := key.validate(); err != nil {
		return false, err
	}

	var err error
	if key.DedupKey != "" {
		_, err = store.Conn(ctx, l.pool).Exec(ctx,
			`INSERT INTO processed_events (event_type, dedup_key) VALUES ($1, $2)`,
			key.EventType, key.DedupKey)
	} else {
		_, err = store.Conn(ctx, l.pool).Exec(ctx,
			`INSERT INTO processed_events (event_type, event_id) VALUES ($1, $2)`,
			key.EventType, key.EventID)
	}
	if err != nil {
		if store.IsDuplicateKeyError(err) {
			return false, nil
		}
		return false, fmt.Errorf("claim %s: %w", key.EventType, err)
	}
	return true, nil
}

func (l *Postgres) WithClaim(ctx context.Context, key Key, fn func(ctx context.Context) error) (bool, error) {
	err := store.InTx(ctx, l.pool, func(ctx context.Context) error {
		return l.claimed(ctx, key, fn)
	})
	if errors.Is(err, errAlreadyClaimed) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// claimed runs the claim and fn under a savepoint, so a duplicate or a
// failed fn undoes only this unit when the caller's transaction is shared.
func (l *Postgres) claimed(ctx context.Context, key Key, fn func(ctx context.Context) error) error {
	q := store.Conn(ctx, l.pool)
	if _, err := q.Exec(ctx, `SAVEPOINT ledger_claim`); err != nil {
		return fmt.Errorf("claim savepoint: %w", err)
	}

	err := func() error {
		ok, err := l.Claim(ctx, key)
		if err != nil {
			return err
		}
		if !ok {
			return errAlreadyClaimed
		}
		return fn(ctx)
	}()
	if err != nil {
		if _, rbErr := q.Exec(ctx, `ROLLBACK TO SAVEPOINT ledger_claim`); rbErr != nil {
			return fmt.Errorf("rollback claim savepoint: %w", rbErr)
		}
		return err
	}

	if _, err := q.Exec(ctx, `RELEASE SAVEPOINT ledger_claim`); err != nil {
		return fmt.Errorf("release claim savepoint: %w", err)
	}
	return nil
}

var _ Ledger = (*Postgres)(nil)
