package batch_test

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/kiranshivaraju/matchflow/internal/batch"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

func setupRedis(t *testing.T) *redis.Client {
	t.Helper()
	ctx := context.Background()

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "redis:7-alpine",
			ExposedPorts: []string{"6379/tcp"},
			WaitingFor:   wait.ForLog("Ready to accept connections").WithStartupTimeout(30 * time.Second),
		},
		Started: true,
	})
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, container.Terminate(ctx)) })

	host, err := container.Host(ctx)
	require.NoError(t, err)
	port, err := container.MappedPort(ctx, "6379")
	require.NoError(t, err)

	client := redis.NewClient(&redis.Options{Addr: host + ":" + port.Port()})
	t.Cleanup(func() { client.Close() })
	return client
}

func trackers(t *testing.T, fn func(t *testing.T, tr batch.Tracker)) {
	t.Run("memory", func(t *testing.T) {
		fn(t, batch.NewMemory())
	})
	t.Run("redis", func(t *testing.T) {
		if testing.Short() {
			t.Skip("skipping integration test")
		}
		fn(t, batch.NewRedis(setupRedis(t), time.Hour))
	})
}

func TestTracker_FiresOnceWhenTotalReached(t *testing.T) {
	trackers(t, func(t *testing.T, tr batch.Tracker) {
		ctx := context.Background()

		fired, err := tr.Open(ctx, "job-1", batch.SegmentationProducts, 3)
		require.NoError(t, err)
		assert.False(t, fired)

		for i, asset := range []string{"img-1", "img-2", "img-3"} {
			fired, err := tr.Increment(ctx, "job-1", batch.SegmentationProducts, asset)
			require.NoError(t, err)
			assert.Equal(t, i == 2, fired, "asset %s", asset)
		}

		fired, err = tr.Increment(ctx, "job-1", batch.SegmentationProducts, "img-4")
		require.NoError(t, err)
		assert.False(t, fired, "a batch fires only once")
	})
}

func TestTracker_DuplicateAssetDoesNotAdvance(t *testing.T) {
	trackers(t, func(t *testing.T, tr batch.Tracker) {
		ctx := context.Background()
		_, err := tr.Open(ctx, "job-1", batch.EmbeddingsVideos, 2)
		require.NoError(t, err)

		for i := 0; i < 3; i++ {
			fired, err := tr.Increment(ctx, "job-1", batch.EmbeddingsVideos, "frame-1")
			require.NoError(t, err)
			assert.False(t, fired)
		}

		p, err := tr.Progress(ctx, "job-1", batch.EmbeddingsVideos)
		require.NoError(t, err)
		assert.Equal(t, batch.Progress{Total: 2, Processed: 1}, p)
	})
}

func TestTracker_AssetsBeforeTotal(t *testing.T) {
	trackers(t, func(t *testing.T, tr batch.Tracker) {
		ctx := context.Background()

		for _, asset := range []string{"a", "b"} {
			fired, err := tr.Increment(ctx, "job-2", batch.KeypointsProducts, asset)
			require.NoError(t, err)
			assert.False(t, fired, "total unknown")
		}

		fired, err := tr.Open(ctx, "job-2", batch.KeypointsProducts, 2)
		require.NoError(t, err)
		assert.True(t, fired, "opening a batch already complete fires it")
	})
}

func TestTracker_ZeroTotalFiresOnOpen(t *testing.T) {
	trackers(t, func(t *testing.T, tr batch.Tracker) {
		fired, err := tr.Open(context.Background(), "job-3", batch.Evidence, 0)
		require.NoError(t, err)
		assert.True(t, fired)

		fired, err = tr.Open(context.Background(), "job-3", batch.Evidence, 0)
		require.NoError(t, err)
		assert.False(t, fired)
	})
}

func TestTracker_FirstTotalWins(t *testing.T) {
	trackers(t, func(t *testing.T, tr batch.Tracker) {
		ctx := context.Background()
		_, err := tr.Open(ctx, "job-4", batch.Evidence, 2)
		require.NoError(t, err)
		_, err = tr.Open(ctx, "job-4", batch.Evidence, 5)
		require.NoError(t, err)

		p, err := tr.Progress(ctx, "job-4", batch.Evidence)
		require.NoError(t, err)
		assert.Equal(t, 2, p.Total)
	})
}

func TestTracker_NegativeTotal(t *testing.T) {
	trackers(t, func(t *testing.T, tr batch.Tracker) {
		_, err := tr.Open(context.Background(), "job-5", batch.Evidence, -1)
		assert.Error(t, err)
	})
}

func TestTracker_EmptyAssetKey(t *testing.T) {
	trackers(t, func(t *testing.T, tr batch.Tracker) {
		_, err := tr.Increment(context.Background(), "job-5", batch.Evidence, "")
		assert.Error(t, err)
	})
}

func TestTracker_BatchesAreIndependent(t *testing.T) {
	trackers(t, func(t *testing.T, tr batch.Tracker) {
		ctx := context.Background()
		_, err := tr.Open(ctx, "job-6", batch.SegmentationProducts, 1)
		require.NoError(t, err)
		_, err = tr.Open(ctx, "job-6", batch.SegmentationVideos, 1)
		require.NoError(t, err)

		fired, err := tr.Increment(ctx, "job-6", batch.SegmentationProducts, "x")
		require.NoError(t, err)
		assert.True(t, fired)

		fired, err = tr.Increment(ctx, "job-6", batch.SegmentationVideos, "x")
		require.NoError(t, err)
		assert.True(t, fired, "same asset key in another batch counts separately")
	})
}

func TestTracker_RearmFiresAgain(t *testing.T) {
	trackers(t, func(t *testing.T, tr batch.Tracker) {
		ctx := context.Background()
		_, err := tr.Open(ctx, "job-7", batch.Evidence, 1)
		require.NoError(t, err)
		fired, err := tr.Increment(ctx, "job-7", batch.Evidence, "p1:v1")
		require.NoError(t, err)
		require.True(t, fired)

		require.NoError(t, tr.Rearm(ctx, "job-7", batch.Evidence))

		fired, err = tr.Increment(ctx, "job-7", batch.Evidence, "p1:v1")
		require.NoError(t, err)
		assert.True(t, fired, "redelivered event refires after rearm")
	})
}

func TestTracker_RearmUnknownBatch(t *testing.T) {
	trackers(t, func(t *testing.T, tr batch.Tracker) {
		err := tr.Rearm(context.Background(), "job-none", batch.Evidence)
		assert.ErrorIs(t, err, batch.ErrBatchNotOpen)
	})
}

func TestTracker_Clear(t *testing.T) {
	trackers(t, func(t *testing.T, tr batch.Tracker) {
		ctx := context.Background()
		_, err := tr.Open(ctx, "job-8", batch.SegmentationProducts, 4)
		require.NoError(t, err)
		_, err = tr.Increment(ctx, "job-8", batch.SegmentationProducts, "a")
		require.NoError(t, err)
		_, err = tr.Open(ctx, "job-9", batch.SegmentationProducts, 4)
		require.NoError(t, err)

		require.NoError(t, tr.Clear(ctx, "job-8"))

		p, err := tr.Progress(ctx, "job-8", batch.SegmentationProducts)
		require.NoError(t, err)
		assert.Equal(t, batch.Progress{Total: -1}, p)

		p, err = tr.Progress(ctx, "job-9", batch.SegmentationProducts)
		require.NoError(t, err)
		assert.Equal(t, 4, p.Total, "other jobs are untouched")
	})
}

func TestTracker_ConcurrentIncrementsFireOnce(t *testing.T) {
	trackers(t, func(t *testing.T, tr batch.Tracker) {
		ctx := context.Background()
		const n = 50
		_, err := tr.Open(ctx, "job-c", batch.EmbeddingsProducts, n)
		require.NoError(t, err)

		var fires atomic.Int32
		var wg sync.WaitGroup
		for i := 0; i < n; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				// every asset is delivered twice
				for r := 0; r < 2; r++ {
					fired, err := tr.Increment(ctx, "job-c", batch.EmbeddingsProducts, fmt.Sprintf("img-%d", i))
					assert.NoError(t, err)
					if fired {
						fires.Add(1)
					}
				}
			}(i)
		}
		wg.Wait()

		assert.Equal(t, int32(1), fires.Load())
		p, err := tr.Progress(ctx, "job-c", batch.EmbeddingsProducts)
		require.NoError(t, err)
		assert.Equal(t, n, p.Processed)
	})
}
