package batch

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/kiranshivaraju/matchflow/internal/cache"
	"github.com/redis/go-redis/v9"
)

// advanceScript applies an optional total and an optional asset key to a
// batch and sets the fired flag when processed reaches total.
//
// KEYS: batch hash, seen set, job index set
// ARGV: asset key ("" for none), total (-1 for none), ttl seconds, batch type
var advanceScript = redis.NewScript(`
local h, seen, idx = KEYS[1], KEYS[2], KEYS[3]
local asset = ARGV[1]
local total = tonumber(ARGV[2])
local ttl = tonumber(ARGV[3])

if total >= 0 then
  redis.call('HSETNX', h, 'total', total)
end
if asset ~= '' then
  if redis.call('SADD', seen, asset) == 1 then
    redis.call('HINCRBY', h, 'processed', 1)
  end
end
redis.call('SADD', idx, ARGV[4])
redis.call('EXPIRE', h, ttl)
redis.call('EXPIRE', seen, ttl)
redis.call('EXPIRE', idx, ttl)

local t = redis.call('HGET', h, 'total')
if not t then
  return 0
end
local p = tonumber(redis.call('HGET', h, 'processed') or '0')
if p >= tonumber(t) and redis.call('HSETNX', h, 'fired', '1') == 1 then
  return 1
end
return 0
`)

// Redis is a Tracker shared by every replica of a stage.
type Redis struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedis returns a tracker whose keys expire ttl after the last update.
func NewRedis(client *redis.Client, ttl time.Duration) *Redis {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &Redis{client: client, ttl: ttl}
}

func (r *Redis) advance(ctx context.Context, jobID, batchType, assetKey string, total int) (bool, error) {
	keys := []string{
		cache.BatchKey(jobID, batchType),
		cache.BatchSeenKey(jobID, batchType),
		cache.JobBatchesKey(jobID),
	}
	fired, err := advanceScript.Run(ctx, r.client, keys,
		assetKey, total, int(r.ttl.Seconds()), batchType).Int()
	if err != nil {
		return false, fmt.Errorf("advance batch %s/%s: %w", jobID, batchType, err)
	}
	return fired == 1, nil
}

func (r *Redis) Open(ctx context.Context, jobID, batchType string, total int) (bool, error) {
	if total < 0 {
		return false, errInvalidTotal
	}
	return r.advance(ctx, jobID, batchType, "", total)
}

func (r *Redis) Increment(ctx context.Context, jobID, batchType, assetKey string) (bool, error) {
	if assetKey == "" {
		return false, errors.New("batch asset key is required")
	}
	return r.advance(ctx, jobID, batchType, assetKey, -1)
}

func (r *Redis) Rearm(ctx context.Context, jobID, batchType string) error {
	key := cache.BatchKey(jobID, batchType)
	n, err := r.client.Exists(ctx, key).Result()
	if err != nil {
		return fmt.Errorf("rearm batch %s/%s: %w", jobID, batchType, err)
	}
	if n == 0 {
		return ErrBatchNotOpen
	}
	if err := r.client.HDel(ctx, key, "fired").Err(); err != nil {
		return fmt.Errorf("rearm batch %s/%s: %w", jobID, batchType, err)
	}
	return nil
}

func (r *Redis) Progress(ctx context.Context, jobID, batchType string) (Progress, error) {
	vals, err := r.client.HGetAll(ctx, cache.BatchKey(jobID, batchType)).Result()
	if err != nil {
		return Progress{}, fmt.Errorf("read batch %s/%s: %w", jobID, batchType, err)
	}

	p := Progress{Total: -1}
	if v, ok := vals["total"]; ok {
		if p.Total, err = strconv.Atoi(v); err != nil {
			return Progress{}, fmt.Errorf("parse batch total: %w", err)
		}
	}
	if v, ok := vals["processed"]; ok {
		if p.Processed, err = strconv.Atoi(v); err != nil {
			return Progress{}, fmt.Errorf("parse batch processed: %w", err)
		}
	}
	_, p.Fired = vals["fired"]
	return p, nil
}

func (r *Redis) Clear(ctx context.Context, jobID string) error {
	idx := cache.JobBatchesKey(jobID)
	types, err := r.client.SMembers(ctx, idx).Result()
	if err != nil {
		return fmt.Errorf("list batches for %s: %w", jobID, err)
	}

	keys := []string{idx}
	for _, bt := range types {
		keys = append(keys, cache.BatchKey(jobID, bt), cache.BatchSeenKey(jobID, bt))
	}
	if err := r.client.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("clear batches for %s: %w", jobID, err)
	}
	return nil
}

var _ Tracker = (*Redis)(nil)
