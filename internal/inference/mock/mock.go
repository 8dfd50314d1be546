package mock

import (
	"context"
	"fmt"
	"sync"

	"github.com/kiranshivaraju/matchflow/internal/inference"
	"github.com/kiranshivaraju/matchflow/pkg/models"
)

// Processor is a stage processor for testing. It records every asset it saw.
type Processor struct {
	ProcessFunc func(ctx context.Context, ev models.AssetEvent) (models.AssetEvent, error)

	mu    sync.Mutex
	calls []models.AssetEvent
}

func (p *Processor) Process(ctx context.Context, ev models.AssetEvent) (models.AssetEvent, error) {
	p.mu.Lock()
	p.calls = append(p.calls, ev)
	p.mu.Unlock()
	if p.ProcessFunc != nil {
		return p.ProcessFunc(ctx, ev)
	}
	return ev, nil
}

// Calls returns the assets processed so far.
func (p *Processor) Calls() []models.AssetEvent {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]models.AssetEvent(nil), p.calls...)
}

// NewProcessor returns a Processor that tags each asset URI with task.
func NewProcessor(task string) *Processor {
	return &Processor{
		ProcessFunc: func(_ context.Context, ev models.AssetEvent) (models.AssetEvent, error) {
			out := ev
			out.EventID = ""
			out.URI = fmt.Sprintf("mock://%s/%s", task, ev.AssetID)
			return out, nil
		},
	}
}

// NewFailingProcessor returns a Processor that always returns err.
func NewFailingProcessor(err error) *Processor {
	return &Processor{
		ProcessFunc: func(context.Context, models.AssetEvent) (models.AssetEvent, error) {
			return models.AssetEvent{}, err
		},
	}
}

// NewTimeoutProcessor returns a Processor that blocks until ctx is done.
func NewTimeoutProcessor() *Processor {
	return &Processor{
		ProcessFunc: func(ctx context.Context, _ models.AssetEvent) (models.AssetEvent, error) {
			<-ctx.Done()
			return models.AssetEvent{}, inference.ErrTimeout
		},
	}
}

// CandidateSource serves fixed candidates for testing.
type CandidateSource struct {
	CandidatesFunc func(ctx context.Context, req models.MatchRequest) ([]models.PairCandidates, error)
}

func (s *CandidateSource) Candidates(ctx context.Context, req models.MatchRequest) ([]models.PairCandidates, error) {
	if s.CandidatesFunc != nil {
		return s.CandidatesFunc(ctx, req)
	}
	return nil, nil
}

// NewCandidateSource returns a source that answers every request with pairs.
func NewCandidateSource(pairs ...models.PairCandidates) *CandidateSource {
	return &CandidateSource{
		CandidatesFunc: func(context.Context, models.MatchRequest) ([]models.PairCandidates, error) {
			return pairs, nil
		},
	}
}

// NewFailingCandidateSource returns a source that always returns err.
func NewFailingCandidateSource(err error) *CandidateSource {
	return &CandidateSource{
		CandidatesFunc: func(context.Context, models.MatchRequest) ([]models.PairCandidates, error) {
			return nil, err
		},
	}
}
