package mock_test

import (
	"context"
	"testing"
	"time"

	"github.com/kiranshivaraju/matchflow/internal/inference"
	"github.com/kiranshivaraju/matchflow/internal/inference/mock"
	"github.com/kiranshivaraju/matchflow/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewProcessor(t *testing.T) {
	p := mock.NewProcessor("segment")
	out, err := p.Process(context.Background(), models.AssetEvent{JobID: "j", AssetID: "a", EventID: "e"})

	require.NoError(t, err)
	assert.Equal(t, "mock://segment/a", out.URI)
	assert.Empty(t, out.EventID)
	assert.Len(t, p.Calls(), 1)
}

func TestNewFailingProcessor(t *testing.T) {
	p := mock.NewFailingProcessor(inference.ErrUnavailable)
	_, err := p.Process(context.Background(), models.AssetEvent{JobID: "j", AssetID: "a"})
	assert.ErrorIs(t, err, inference.ErrUnavailable)
}

func TestNewTimeoutProcessor(t *testing.T) {
	p := mock.NewTimeoutProcessor()
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := p.Process(ctx, models.AssetEvent{JobID: "j", AssetID: "a"})
	assert.ErrorIs(t, err, inference.ErrTimeout)
}

func TestCandidateSource(t *testing.T) {
	pair := models.PairCandidates{ProductID: "p", VideoID: "v"}
	got, err := mock.NewCandidateSource(pair).Candidates(context.Background(), models.MatchRequest{})
	require.NoError(t, err)
	assert.Equal(t, []models.PairCandidates{pair}, got)

	_, err = mock.NewFailingCandidateSource(inference.ErrTimeout).Candidates(context.Background(), models.MatchRequest{})
	assert.ErrorIs(t, err, inference.ErrTimeout)

	got, err = (&mock.CandidateSource{}).Candidates(context.Background(), models.MatchRequest{})
	require.NoError(t, err)
	assert.Empty(t, got)
}
