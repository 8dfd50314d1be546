// Package ledger records which events have already been processed so that
// redelivered messages do not repeat their side effects.
package ledger

import (
	"context"
	"errors"
)

// Key identifies one logical event. DedupKey is the business key
// (for example job:asset); producers that predate dedup keys leave it empty
// and the ledger falls back to EventID.
type Key struct {
	EventType string
	DedupKey  string
	EventID   string
}

func (k Key) validate() error {
	if k.EventType == "" {
		return errors.New("ledger key needs an event type")
	}
	if k.DedupKey == "" && k.EventID == "" {
		return errors.New("ledger key needs a dedup key or an event id")
	}
	return nil
}

// Ledger is the exactly-once guard every stage handler goes through.
type Ledger interface {
	// Claim records the key and reports true only for the first claimant.
	Claim(ctx context.Context, key Key) (bool, error)
	// WithClaim claims the key and runs fn as one unit: if fn fails the
	// claim is released and the error returned, so a redelivery retries.
	// It reports false without calling fn when the key was already claimed.
	WithClaim(ctx context.Context, key Key, fn func(ctx context.Context) error) (bool, error)
}
