// SPDX-FileCopyrightText: 2025 The Scimgate Authors
//
// SPDX-License-Identifier: Apache-2.0

package admission

import (
	"sync"
	"time"

	gocache "github.com/patrickmn/go-cache"
)

// A LockoutStatus describes whether a key is currently locked out of
// authentication and how long it must wait.
type LockoutStatus struct {
	Locked         bool
	FailedAttempts int
	MaxAttempts    int
	LockoutEndsAt  *time.Time
	RetryAfter     time.Duration
}

// LockoutOptions configure the auth-failure tracker.
type LockoutOptions struct {
	MaxAuthFailures   int
	AuthFailureWindow time.Duration
	LockoutDuration   time.Duration
}

// A LockoutTracker records authentication failures per key and locks a key
// out after repeated failures inside the window. Entries expire from the
// backing cache once they can no longer affect a decision.
type LockoutTracker struct {
	entries *gocache.Cache
	opts    LockoutOptions
	now     func() time.Time
}

// A LockoutOption configures a LockoutTracker.
type LockoutOption func(*LockoutTracker)

// WithLockoutClock supplies the tracker's time source.
func WithLockoutClock(now func() time.Time) LockoutOption {
	return func(t *LockoutTracker) { t.now = now }
}

// NewLockoutTracker creates a tracker with the supplied options.
func NewLockoutTracker(opts LockoutOptions, o ...LockoutOption) *LockoutTracker {
	ttl := opts.AuthFailureWindow + opts.LockoutDuration
	t := &LockoutTracker{
		entries: gocache.New(ttl, 10*time.Minute),
		opts:    opts,
		now:     time.Now,
	}
	for _, fn := range o {
		fn(t)
	}
	return t
}

// LockoutKey derives the tracker key: per actor when an actor id is known,
// falling back to the caller IP, then to the whole tenant.
func LockoutKey(tenantID, actorID, ip string) string {
	switch {
	case actorID != "":
		return "actor:" + tenantID + ":" + actorID
	case ip != "":
		return "ip:" + tenantID + ":" + ip
	default:
		return "tenant:" + tenantID
	}
}

type lockoutEntry struct {
	mu        sync.Mutex
	failures  []time.Time
	lockUntil *time.Time
}

// RecordFailure notes one authentication failure for key and returns the
// resulting status. Failures older than the window are pruned first; when
// the count reaches the maximum, the key is locked for the lockout
// duration.
func (t *LockoutTracker) RecordFailure(key string) LockoutStatus {
	e := t.entry(key)
	e.mu.Lock()
	defer e.mu.Unlock()

	now := t.now()
	t.expire(e, now)
	e.failures = t.prune(e.failures, now)
	e.failures = append(e.failures, now)

	// Failures during an active lockout extend it.
	if len(e.failures) >= t.opts.MaxAuthFailures {
		until := now.Add(t.opts.LockoutDuration)
		e.lockUntil = &until
	}

	return t.status(e, now)
}

// CheckLockout reports the current status for key. An expired lockout
// clears both the failure history and the lock on access.
func (t *LockoutTracker) CheckLockout(key string) LockoutStatus {
	v, ok := t.entries.Get(key)
	if !ok {
		return LockoutStatus{MaxAttempts: t.opts.MaxAuthFailures}
	}
	e := v.(*lockoutEntry)
	e.mu.Lock()
	defer e.mu.Unlock()

	now := t.now()
	t.expire(e, now)
	e.failures = t.prune(e.failures, now)
	return t.status(e, now)
}

// RecordSuccess clears the failure history for key after a successful
// authentication.
func (t *LockoutTracker) RecordSuccess(key string) {
	t.entries.Delete(key)
}

func (t *LockoutTracker) entry(key string) *lockoutEntry {
	if v, ok := t.entries.Get(key); ok {
		return v.(*lockoutEntry)
	}
	e := &lockoutEntry{}
	if err := t.entries.Add(key, e, gocache.DefaultExpiration); err != nil {
		// Lost a race with a concurrent insert.
		if v, ok := t.entries.Get(key); ok {
			return v.(*lockoutEntry)
		}
	}
	return e
}

// expire clears an elapsed lockout along with the failures that caused it.
func (t *LockoutTracker) expire(e *lockoutEntry, now time.Time) {
	if e.lockUntil != nil && !e.lockUntil.After(now) {
		e.lockUntil = nil
		e.failures = nil
	}
}

func (t *LockoutTracker) prune(failures []time.Time, now time.Time) []time.Time {
	cutoff := now.Add(-t.opts.AuthFailureWindow)
	kept := failures[:0]
	for _, f := range failures {
		if f.After(cutoff) {
			kept = append(kept, f)
		}
	}
	return kept
}

func (t *LockoutTracker) status(e *lockoutEntry, now time.Time) LockoutStatus {
	s := LockoutStatus{
		FailedAttempts: len(e.failures),
		MaxAttempts:    t.opts.MaxAuthFailures,
	}
	if e.lockUntil != nil {
		until := *e.lockUntil
		s.Locked = true
		s.LockoutEndsAt = &until
		s.RetryAfter = until.Sub(now)
	}
	return s
}
