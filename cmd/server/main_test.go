package main

import (
	"context"
	"testing"
	"time"

	"github.com/kiranshivaraju/matchflow/internal/batch"
	"github.com/kiranshivaraju/matchflow/internal/bus"
	"github.com/kiranshivaraju/matchflow/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// ─── bootstrap helpers ──────────────────────────────────────────────────────

func TestRetryPolicy_FromConfig(t *testing.T) {
	p := retryPolicy(config.BusConfig{
		MaxDeliver:     7,
		RetryBaseDelay: 2 * time.Second,
		RetryMaxDelay:  30 * time.Second,
	})

	assert.Equal(t, bus.RetryPolicy{BaseDelay: 2 * time.Second, MaxDelay: 30 * time.Second, MaxDeliver: 7}, p)
}

func TestNewBus_Memory(t *testing.T) {
	b, err := newBus(context.Background(), config.BusConfig{Driver: "memory", MaxDeliver: 3})
	require.NoError(t, err)
	defer b.Close()

	_, ok := b.(*bus.Memory)
	assert.True(t, ok)
	assert.NoError(t, b.Ping(context.Background()))
}

func TestNewBus_UnknownDriver(t *testing.T) {
	_, err := newBus(context.Background(), config.BusConfig{Driver: "kafka"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "kafka")
}

func TestNewTracker(t *testing.T) {
	tr, err := newTracker(config.TrackerConfig{Backend: "memory"}, nil)
	require.NoError(t, err)
	_, ok := tr.(*batch.Memory)
	assert.True(t, ok)

	_, err = newTracker(config.TrackerConfig{Backend: "redis"}, nil)
	assert.Error(t, err, "redis tracker needs a client")

	_, err = newTracker(config.TrackerConfig{Backend: "etcd"}, nil)
	assert.Error(t, err)
}

// ─── run() config validation tests ──────────────────────────────────────────

func TestRun_FailsOnMissingConfig(t *testing.T) {
	for _, key := range []string{"DATABASE_URL", "REDIS_URL", "NATS_URL"} {
		t.Setenv(key, "")
	}

	err := run()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "load config")
}

func TestRun_FailsOnInvalidDatabaseURL(t *testing.T) {
	t.Setenv("DATABASE_URL", "not-a-valid-url")
	t.Setenv("REDIS_URL", "redis://localhost:6379")
	t.Setenv("BUS_DRIVER", "memory")

	err := run()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "connect database")
}

func TestShutdownTimeout(t *testing.T) {
	assert.Equal(t, 30*time.Second, shutdownTimeout)
}
