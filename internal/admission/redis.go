// SPDX-FileCopyrightText: 2025 The Scimgate Authors
//
// SPDX-License-Identifier: Apache-2.0

package admission

import (
	"context"
	"strconv"
	"time"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
)

const (
	errEvalBucket  = "cannot evaluate token bucket script"
	errBucketReply = "unexpected token bucket script reply"
	errResetBucket = "cannot reset token bucket"
)

// redisBucketScript refills and optionally consumes atomically on the Redis
// side, mirroring the local store's semantics. Tokens are stored as a float
// string; timestamps in milliseconds.
var redisBucketScript = redis.NewScript(`
local tokens = tonumber(redis.call('HGET', KEYS[1], 'tokens'))
local last = tonumber(redis.call('HGET', KEYS[1], 'last_ms'))
local n = tonumber(ARGV[1])
local capacity = tonumber(ARGV[2])
local rate = tonumber(ARGV[3])
local now = tonumber(ARGV[4])
if tokens == nil or last == nil then
  tokens = capacity
  last = now
end
local elapsed = now - last
if elapsed > 0 then
  tokens = math.min(capacity, tokens + (elapsed / 1000.0) * rate)
  last = now
end
local allowed = 0
if n == 0 then
  allowed = 1
elseif tokens >= n then
  tokens = tokens - n
  allowed = 1
end
redis.call('HSET', KEYS[1], 'tokens', tostring(tokens), 'last_ms', tostring(last))
redis.call('EXPIRE', KEYS[1], ARGV[5])
return {tostring(tokens), allowed}
`)

// A RedisStore keeps token buckets in Redis so that multiple gateway
// instances share admission state. It mirrors the single-node Store
// contract exactly.
type RedisStore struct {
	client redis.UniversalClient
	ttl    time.Duration
}

// NewRedisStore creates a bucket store backed by the supplied Redis client.
func NewRedisStore(client redis.UniversalClient) *RedisStore {
	return &RedisStore{client: client, ttl: time.Hour}
}

// TryConsume refills then attempts to consume n tokens atomically.
func (s *RedisStore) TryConsume(ctx context.Context, key string, n int, capacity, rate float64, now time.Time) (BucketState, bool, error) {
	return s.eval(ctx, key, n, capacity, rate, now)
}

// GetRemaining refills then reports the bucket state without consuming.
func (s *RedisStore) GetRemaining(ctx context.Context, key string, capacity, rate float64, now time.Time) (BucketState, error) {
	state, _, err := s.eval(ctx, key, 0, capacity, rate, now)
	return state, err
}

// Reset discards the bucket for key.
func (s *RedisStore) Reset(ctx context.Context, key string) error {
	return errors.Wrap(s.client.Del(ctx, key).Err(), errResetBucket)
}

func (s *RedisStore) eval(ctx context.Context, key string, n int, capacity, rate float64, now time.Time) (BucketState, bool, error) {
	res, err := redisBucketScript.Run(ctx, s.client, []string{key},
		n,
		strconv.FormatFloat(capacity, 'f', -1, 64),
		strconv.FormatFloat(rate, 'f', -1, 64),
		now.UnixMilli(),
		int(s.ttl.Seconds()),
	).Result()
	if err != nil {
		return BucketState{}, false, errors.Wrap(err, errEvalBucket)
	}

	reply, ok := res.([]any)
	if !ok || len(reply) != 2 {
		return BucketState{}, false, errors.New(errBucketReply)
	}
	tokensStr, ok := reply[0].(string)
	if !ok {
		return BucketState{}, false, errors.New(errBucketReply)
	}
	tokens, err := strconv.ParseFloat(tokensStr, 64)
	if err != nil {
		return BucketState{}, false, errors.Wrap(err, errBucketReply)
	}
	allowed, ok := reply[1].(int64)
	if !ok {
		return BucketState{}, false, errors.New(errBucketReply)
	}

	state := BucketState{Tokens: tokens, Capacity: capacity, Rate: rate, LastRefill: now}
	return state, allowed == 1, nil
}
