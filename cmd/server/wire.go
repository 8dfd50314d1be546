package main

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/kiranshivaraju/matchflow/internal/api"
	"github.com/kiranshivaraju/matchflow/internal/api/handler"
	mw "github.com/kiranshivaraju/matchflow/internal/api/middleware"
	"github.com/kiranshivaraju/matchflow/internal/batch"
	"github.com/kiranshivaraju/matchflow/internal/bus"
	"github.com/kiranshivaraju/matchflow/internal/cache"
	"github.com/kiranshivaraju/matchflow/internal/config"
	"github.com/kiranshivaraju/matchflow/internal/evidence"
	"github.com/kiranshivaraju/matchflow/internal/inference"
	"github.com/kiranshivaraju/matchflow/internal/ledger"
	"github.com/kiranshivaraju/matchflow/internal/lifecycle"
	"github.com/kiranshivaraju/matchflow/internal/matching"
	"github.com/kiranshivaraju/matchflow/internal/phase"
	"github.com/kiranshivaraju/matchflow/internal/pipeline"
	"github.com/kiranshivaraju/matchflow/internal/stage"
	"github.com/kiranshivaraju/matchflow/internal/store"
)

const phaseCacheTTL = 24 * time.Hour

// infra is the set of backing services a process runs against.
type infra struct {
	store     store.Store
	ledger    ledger.Ledger
	bus       bus.Bus
	tracker   batch.Tracker
	cache     cache.Cache
	inference *inference.Client
}

// app is a fully wired process: every consumer subscribed and the HTTP
// router built.
type app struct {
	lifecycle *lifecycle.Controller
	router    http.Handler
}

// wire builds every component on top of in and subscribes all consumers.
func wire(ctx context.Context, cfg *config.Config, in infra) (*app, error) {
	deps := pipeline.Deps{Ledger: in.ledger, Jobs: in.store}

	machine := phase.NewMachine(in.store, in.bus,
		phase.WithCache(in.cache, phaseCacheTTL),
		phase.WithTopK(cfg.Matching.TopK),
	)
	if err := machine.Register(ctx, in.bus, deps, cfg.Stages.PhaseConcurrency); err != nil {
		return nil, fmt.Errorf("register phase machine: %w", err)
	}

	ctl := lifecycle.NewController(in.store, in.bus, in.tracker, lifecycle.WithCache(in.cache, phaseCacheTTL))
	if err := ctl.Register(ctx, in.bus, deps, cfg.Stages.PhaseConcurrency); err != nil {
		return nil, fmt.Errorf("register lifecycle: %w", err)
	}

	for _, def := range stage.DefaultDefinitions(cfg.Stages) {
		st := stage.New(def, in.inference.Task(def.Task), in.tracker, in.bus, in.store)
		if err := st.Register(ctx, in.bus, deps); err != nil {
			return nil, fmt.Errorf("register stage %s: %w", def.Name, err)
		}
	}

	matcher := matching.NewStage(in.inference, in.bus, in.store, matching.Thresholds{
		BestMin: cfg.Matching.BestMin,
		ConsMin: cfg.Matching.ConsMin,
		Accept:  cfg.Matching.Accept,
	})
	if err := matcher.Register(ctx, in.bus, deps, cfg.Stages.MatchingConcurrency); err != nil {
		return nil, fmt.Errorf("register matching: %w", err)
	}

	rec := evidence.NewRecorder(in.store, in.tracker, in.bus)
	if err := rec.Register(ctx, in.bus, deps, cfg.Stages.EvidenceConcurrency); err != nil {
		return nil, fmt.Errorf("register evidence: %w", err)
	}

	var rateLimit *mw.RateLimit
	if cfg.Server.RateLimitPerMin > 0 {
		rateLimit = mw.NewRateLimit(in.cache, cfg.Server.RateLimitPerMin)
	}

	router := api.NewRouter(api.Dependencies{
		Auth:      mw.NewAuth(cfg.Server.APIKeyHash),
		RateLimit: rateLimit,

		HealthHandler: handler.NewHealthHandler(map[string]handler.Pinger{
			"database": in.store,
			"cache":    in.cache,
			"bus":      in.bus,
		}),
		StartJob:        handler.NewStartJobHandler(ctl),
		GetJob:          handler.NewGetJobHandler(ctl),
		GetPhase:        handler.NewGetPhaseHandler(ctl),
		CancelJob:       handler.NewCancelJobHandler(ctl),
		DeleteJob:       handler.NewDeleteJobHandler(ctl),
		ListJobEvidence: handler.NewListEvidenceHandler(ctl),
	})

	return &app{lifecycle: ctl, router: router}, nil
}

// retryPolicy maps the bus config onto the redelivery policy.
func retryPolicy(cfg config.BusConfig) bus.RetryPolicy {
	return bus.RetryPolicy{
		BaseDelay:  cfg.RetryBaseDelay,
		MaxDelay:   cfg.RetryMaxDelay,
		MaxDeliver: cfg.MaxDeliver,
	}
}

// newBus opens the configured bus driver.
func newBus(ctx context.Context, cfg config.BusConfig) (bus.Bus, error) {
	switch cfg.Driver {
	case "memory":
		return bus.NewMemory(retryPolicy(cfg)), nil
	case "nats":
		js, err := bus.NewJetStream(ctx, bus.JetStreamConfig{
			URL:        cfg.NATSURL,
			Stream:     cfg.Stream,
			ClientName: "matchflow",
			AckWait:    cfg.AckWait,
			Retry:      retryPolicy(cfg),
		})
		if err != nil {
			return nil, fmt.Errorf("connect nats: %w", err)
		}
		return js, nil
	default:
		return nil, fmt.Errorf("unknown bus driver %q", cfg.Driver)
	}
}

// newTracker picks the batch tracker backend. The redis backend shares the
// cache's client.
func newTracker(cfg config.TrackerConfig, rc *cache.RedisCache) (batch.Tracker, error) {
	switch cfg.Backend {
	case "memory":
		return batch.NewMemory(), nil
	case "redis":
		if rc == nil {
			return nil, fmt.Errorf("redis tracker requires a redis cache")
		}
		return batch.NewRedis(rc.Client(), cfg.TTL), nil
	default:
		return nil, fmt.Errorf("unknown tracker backend %q", cfg.Backend)
	}
}
