// SPDX-FileCopyrightText: 2025 The Scimgate Authors
//
// SPDX-License-Identifier: Apache-2.0

// Package admission implements per-tenant request admission: continuous-time
// token buckets keyed by tenant (and optionally actor), and the
// auth-failure lockout tracker.
package admission

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/crossplane/crossplane-runtime/pkg/logging"

	"github.com/scimgate/scimgate/internal/feature"
	"github.com/scimgate/scimgate/internal/metrics"
)

// Rejection reasons reported on a denied admission.
const (
	ReasonTenantLimit = "tenant rate limit exceeded"
	ReasonActorLimit  = "actor rate limit exceeded"
)

// A BucketState is the post-operation state of one token bucket. Tokens are
// a continuous quantity; consumption happens in whole units.
type BucketState struct {
	Tokens     float64
	Capacity   float64
	Rate       float64
	LastRefill time.Time
}

// A Store holds token bucket state per rate-limit key. The local in-memory
// store and the distributed Redis store implement the same contract, so a
// multi-instance deployment can swap one for the other.
type Store interface {
	// TryConsume refills the bucket for key and attempts to consume n
	// tokens. It reports the resulting state and whether consumption
	// succeeded.
	TryConsume(ctx context.Context, key string, n int, capacity, rate float64, now time.Time) (BucketState, bool, error)

	// GetRemaining refills the bucket for key and reports its state
	// without consuming.
	GetRemaining(ctx context.Context, key string, capacity, rate float64, now time.Time) (BucketState, error)

	// Reset discards the bucket state for key.
	Reset(ctx context.Context, key string) error
}

// A Decision is the outcome of one admission check, carrying everything the
// HTTP surface needs for the X-RateLimit-* and Retry-After headers.
type Decision struct {
	Allowed    bool
	Remaining  int
	Limit      int
	ResetAt    time.Time
	RetryAfter time.Duration
	Reason     string
}

// An Override adjusts bucket sizing for a single tenant.
type Override struct {
	BucketCapacity      float64 `json:"bucketCapacity"`
	RefillRatePerSecond float64 `json:"refillRatePerSecond"`
}

// Options configure the limiter.
type Options struct {
	BucketCapacity               float64
	RefillRatePerSecond          float64
	MaxRequestsPerActorPerMinute float64
	PerTenantOverrides           map[string]Override
}

// A Limiter admits or rejects requests against per-key token buckets.
type Limiter struct {
	store   Store
	opts    Options
	flags   *feature.Flags
	now     func() time.Time
	log     logging.Logger
	metrics metrics.Metrics
}

// A LimiterOption configures a Limiter.
type LimiterOption func(*Limiter)

// WithStore backs the limiter with the supplied bucket store.
func WithStore(s Store) LimiterOption {
	return func(l *Limiter) { l.store = s }
}

// WithClock supplies the limiter's time source.
func WithClock(now func() time.Time) LimiterOption {
	return func(l *Limiter) { l.now = now }
}

// WithLogger specifies how the limiter should log messages.
func WithLogger(log logging.Logger) LimiterOption {
	return func(l *Limiter) { l.log = log }
}

// WithMetrics specifies how the limiter should record metrics.
func WithMetrics(m metrics.Metrics) LimiterOption {
	return func(l *Limiter) { l.metrics = m }
}

// WithFlags supplies the feature flag set consulted for per-actor limits.
func WithFlags(f *feature.Flags) LimiterOption {
	return func(l *Limiter) { l.flags = f }
}

// NewLimiter creates a limiter with the supplied options.
func NewLimiter(opts Options, o ...LimiterOption) *Limiter {
	l := &Limiter{
		store:   NewLocalStore(),
		opts:    opts,
		flags:   &feature.Flags{},
		now:     time.Now,
		log:     logging.NewNopLogger(),
		metrics: metrics.NopMetrics{},
	}
	for _, fn := range o {
		fn(l)
	}
	return l
}

// TenantKey derives the coarse admission key for a tenant.
func TenantKey(tenantID string) string {
	return "tenant:" + tenantID
}

// ActorKey derives the per-actor admission key.
func ActorKey(tenantID, actorID string) string {
	return "tenant:" + tenantID + ":actor:" + actorID
}

// Admit checks the tenant bucket and, when per-actor limits are enabled,
// the actor bucket. Both must admit; a tenant rejection takes precedence
// over the actor check, which is skipped in that case.
func (l *Limiter) Admit(ctx context.Context, tenantID, actorID string) (Decision, error) {
	capacity, rate := l.tenantBucketSize(tenantID)
	now := l.now()

	state, ok, err := l.store.TryConsume(ctx, TenantKey(tenantID), 1, capacity, rate, now)
	if err != nil {
		return Decision{}, err
	}
	if !ok {
		l.metrics.IncAdmission(tenantID, metrics.AdmissionResultRejected)
		return deny(state, now, ReasonTenantLimit), nil
	}

	if l.flags.Enabled(feature.FlagEnablePerActorLimits) && actorID != "" {
		actorCap := l.opts.MaxRequestsPerActorPerMinute
		actorRate := actorCap / 60
		astate, aok, err := l.store.TryConsume(ctx, ActorKey(tenantID, actorID), 1, actorCap, actorRate, now)
		if err != nil {
			return Decision{}, err
		}
		if !aok {
			l.metrics.IncAdmission(tenantID, metrics.AdmissionResultRejected)
			return deny(astate, now, ReasonActorLimit), nil
		}
	}

	l.metrics.IncAdmission(tenantID, metrics.AdmissionResultAllowed)
	return allow(state, now), nil
}

// Remaining reports the tenant bucket state without consuming, for the
// X-RateLimit-* headers on responses that bypass admission.
func (l *Limiter) Remaining(ctx context.Context, tenantID string) (Decision, error) {
	capacity, rate := l.tenantBucketSize(tenantID)
	now := l.now()
	state, err := l.store.GetRemaining(ctx, TenantKey(tenantID), capacity, rate, now)
	if err != nil {
		return Decision{}, err
	}
	return allow(state, now), nil
}

// Reset discards the tenant's bucket, restoring it to full capacity.
func (l *Limiter) Reset(ctx context.Context, tenantID string) error {
	return l.store.Reset(ctx, TenantKey(tenantID))
}

func (l *Limiter) tenantBucketSize(tenantID string) (capacity, rate float64) {
	capacity, rate = l.opts.BucketCapacity, l.opts.RefillRatePerSecond
	if o, ok := l.opts.PerTenantOverrides[tenantID]; ok {
		if o.BucketCapacity > 0 {
			capacity = o.BucketCapacity
		}
		if o.RefillRatePerSecond > 0 {
			rate = o.RefillRatePerSecond
		}
	}
	return capacity, rate
}

func allow(s BucketState, now time.Time) Decision {
	return Decision{
		Allowed:   true,
		Remaining: int(math.Floor(s.Tokens)),
		Limit:     int(s.Capacity),
		ResetAt:   resetAt(s, now),
	}
}

func deny(s BucketState, now time.Time, reason string) Decision {
	reset := resetAt(s, now)
	return Decision{
		Allowed:    false,
		Remaining:  int(math.Floor(s.Tokens)),
		Limit:      int(s.Capacity),
		ResetAt:    reset,
		RetryAfter: time.Duration(math.Ceil(reset.Sub(now).Seconds())) * time.Second,
		Reason:     reason,
	}
}

// resetAt is the wall-clock time at which one whole token will be
// available: now when tokens remain, else now + (1-tokens)/rate.
func resetAt(s BucketState, now time.Time) time.Time {
	if s.Tokens > 0 {
		return now
	}
	if s.Rate <= 0 {
		return now
	}
	wait := (1 - s.Tokens) / s.Rate
	return now.Add(time.Duration(wait * float64(time.Second)))
}

// A localBucket is one in-memory token bucket. Mutation is atomic per key.
type localBucket struct {
	mu     sync.Mutex
	tokens float64
	last   time.Time
	seeded bool
}

// A LocalStore keeps token buckets in process memory.
type LocalStore struct {
	buckets sync.Map // map[string]*localBucket
}

// NewLocalStore creates an empty in-memory bucket store.
func NewLocalStore() *LocalStore {
	return &LocalStore{}
}

// TryConsume refills then attempts to consume n tokens from the bucket.
func (s *LocalStore) TryConsume(_ context.Context, key string, n int, capacity, rate float64, now time.Time) (BucketState, bool, error) {
	b := s.bucket(key)
	b.mu.Lock()
	defer b.mu.Unlock()

	b.refill(capacity, rate, now)
	if b.tokens >= float64(n) {
		b.tokens -= float64(n)
		return BucketState{Tokens: b.tokens, Capacity: capacity, Rate: rate, LastRefill: b.last}, true, nil
	}
	return BucketState{Tokens: b.tokens, Capacity: capacity, Rate: rate, LastRefill: b.last}, false, nil
}

// GetRemaining refills then reports the bucket state without consuming.
func (s *LocalStore) GetRemaining(_ context.Context, key string, capacity, rate float64, now time.Time) (BucketState, error) {
	b := s.bucket(key)
	b.mu.Lock()
	defer b.mu.Unlock()

	b.refill(capacity, rate, now)
	return BucketState{Tokens: b.tokens, Capacity: capacity, Rate: rate, LastRefill: b.last}, nil
}

// Reset discards the bucket for key.
func (s *LocalStore) Reset(_ context.Context, key string) error {
	s.buckets.Delete(key)
	return nil
}

func (s *LocalStore) bucket(key string) *localBucket {
	if v, ok := s.buckets.Load(key); ok {
		return v.(*localBucket)
	}
	v, _ := s.buckets.LoadOrStore(key, &localBucket{})
	return v.(*localBucket)
}

func (b *localBucket) refill(capacity, rate float64, now time.Time) {
	if !b.seeded {
		b.tokens = capacity
		b.last = now
		b.seeded = true
		return
	}
	elapsed := now.Sub(b.last).Seconds()
	if elapsed > 0 {
		b.tokens = math.Min(capacity, b.tokens+elapsed*rate)
		b.last = now
	}
}
