// SPDX-FileCopyrightText: 2025 The Scimgate Authors
//
// SPDX-License-Identifier: Apache-2.0

// Package poll schedules the periodic sync of each (tenant, provider) pair:
// list provider state, detect drift against the last-known snapshot,
// reconcile, and persist the outcome.
package poll

import (
	"context"
	"math/rand"
	"time"

	"github.com/avast/retry-go"
	"golang.org/x/sync/errgroup"

	"github.com/crossplane/crossplane-runtime/pkg/logging"

	"github.com/scimgate/scimgate/internal/adapter"
	"github.com/scimgate/scimgate/internal/audit"
	"github.com/scimgate/scimgate/internal/drift"
	"github.com/scimgate/scimgate/internal/metrics"
	"github.com/scimgate/scimgate/internal/reconcile"
	"github.com/scimgate/scimgate/internal/scim"
	"github.com/scimgate/scimgate/internal/syncstate"
	"github.com/scimgate/scimgate/internal/xerrors"
)

// Backoff bounds for transient provider failures.
const (
	retryBaseDelay = 1 * time.Second
	retryMaxDelay  = 30 * time.Second
	retryJitter    = 0.2
)

// DefaultInterval is the sync interval when none is configured.
const DefaultInterval = 15 * time.Minute

// Tick outcomes for metrics.
const (
	outcomeCompleted  = "completed"
	outcomeWithErrors = "completed_with_errors"
	outcomeFailed     = "failed"
	outcomeSkipped    = "skipped"
)

// A Source provides the upstream side of the three-way compare.
type Source interface {
	Snapshot(ctx context.Context, tenantID string) (drift.Snapshot, error)
}

// A SourceFn provides upstream snapshots.
type SourceFn func(ctx context.Context, tenantID string) (drift.Snapshot, error)

// Snapshot calls fn.
func (fn SourceFn) Snapshot(ctx context.Context, tenantID string) (drift.Snapshot, error) {
	return fn(ctx, tenantID)
}

// Settings configure one sync worker.
type Settings struct {
	Interval   time.Duration
	MaxRetries int
}

// WithDefaults fills unset fields.
func (s Settings) WithDefaults() Settings {
	if s.Interval <= 0 {
		s.Interval = DefaultInterval
	}
	if s.MaxRetries < 0 {
		s.MaxRetries = adapter.DefaultMaxRetries
	}
	return s
}

// A Worker syncs one (tenant, provider) pair. Its tick never overlaps with
// itself; the store's per-key lock is held for the whole tick.
type Worker struct {
	tenantID   string
	providerID string

	provider   adapter.Adapter
	source     Source
	store      *syncstate.Store
	reconciler *reconcile.Reconciler
	settings   Settings

	log     logging.Logger
	metrics metrics.Metrics
	alerter *audit.Alerter
	clock   func() time.Time
}

// A WorkerOption configures a Worker.
type WorkerOption func(*Worker)

// WithLogger specifies how the worker should log messages.
func WithLogger(log logging.Logger) WorkerOption {
	return func(w *Worker) { w.log = log }
}

// WithMetrics specifies how the worker should record metrics.
func WithMetrics(m metrics.Metrics) WorkerOption {
	return func(w *Worker) { w.metrics = m }
}

// WithAlerter routes exhausted-retry failures to an alerter.
func WithAlerter(a *audit.Alerter) WorkerOption {
	return func(w *Worker) { w.alerter = a }
}

// WithClock overrides the worker's time source.
func WithClock(now func() time.Time) WorkerOption {
	return func(w *Worker) { w.clock = now }
}

// NewWorker creates a sync worker for one (tenant, provider) pair.
func NewWorker(tenantID, providerID string, provider adapter.Adapter, source Source, store *syncstate.Store, rec *reconcile.Reconciler, settings Settings, o ...WorkerOption) *Worker {
	w := &Worker{
		tenantID:   tenantID,
		providerID: providerID,
		provider:   provider,
		source:     source,
		store:      store,
		reconciler: rec,
		settings:   settings.WithDefaults(),
		log:        logging.NewNopLogger(),
		metrics:    metrics.NopMetrics{},
		clock:      time.Now,
	}
	for _, fn := range o {
		fn(w)
	}
	return w
}

// Tick runs one sync pass. It skips when another pass is marked in
// progress or the interval has not elapsed. The snapshot, checksum, and
// lastSyncTimestamp advance only when the pass does not fail.
func (w *Worker) Tick(ctx context.Context) error {
	unlock := w.store.LockKey(w.tenantID, w.providerID)
	defer unlock()

	st, err := w.store.Load(w.tenantID, w.providerID)
	if err != nil {
		return err
	}
	now := w.clock().UTC()
	if st.Status == syncstate.StatusInProgress {
		w.log.Debug("tick skipped, sync in progress", "tenantId", w.tenantID, "providerId", w.providerID)
		w.metrics.IncSyncTick(w.tenantID, w.providerID, outcomeSkipped)
		return nil
	}
	if !st.LastSyncTimestamp.IsZero() && now.Sub(st.LastSyncTimestamp) < w.settings.Interval {
		w.metrics.IncSyncTick(w.tenantID, w.providerID, outcomeSkipped)
		return nil
	}

	prevStatus := st.Status
	st.Status = syncstate.StatusInProgress
	if err := w.store.Save(st); err != nil {
		return err
	}

	// A cancelled or failed pass must not leave the key stuck in progress.
	finished := false
	defer func() {
		if finished {
			return
		}
		st.Status = prevStatus
		_ = w.store.Save(st)
	}()

	current, listErr := w.listProvider(ctx)
	if listErr != nil {
		now = w.clock().UTC()
		st.Status = syncstate.StatusFailed
		st.RecordError(now, "ListProvider", listErr.Error())
		if w.alerter != nil {
			w.alerter.Failure(ctx, w.tenantID, w.providerID, listErr, w.settings.MaxRetries)
		}
		w.metrics.IncSyncTick(w.tenantID, w.providerID, outcomeFailed)
		finished = true
		return w.store.Save(st)
	}

	opts := reconcile.Options{}
	if current.UserCount() == 0 && st.UserCount > 0 {
		st.DriftLog = append(st.DriftLog, drift.Entry{
			ResourceType: drift.ResourceUser,
			Type:         drift.TypeSuspiciousEmptyResponse,
			DetectedAt:   w.clock().UTC(),
		})
		opts.SkipDeletions = true
		w.log.Info("suspicious empty provider response, skipping deletions",
			"tenantId", w.tenantID, "providerId", w.providerID, "previousUserCount", st.UserCount)
	}

	upstream, err := w.source.Snapshot(ctx, w.tenantID)
	if err != nil {
		now = w.clock().UTC()
		st.Status = syncstate.StatusFailed
		st.RecordError(now, "UpstreamSnapshot", err.Error())
		w.metrics.IncSyncTick(w.tenantID, w.providerID, outcomeFailed)
		finished = true
		return w.store.Save(st)
	}

	out := w.reconciler.Reconcile(ctx, st, upstream, current, opts)

	now = w.clock().UTC()
	outcome := outcomeCompleted
	st.Status = syncstate.StatusCompleted
	if len(out.Errors) > 0 || opts.SkipDeletions {
		outcome = outcomeWithErrors
		st.Status = syncstate.StatusCompletedWithErrors
	}

	// A suspicious empty response retains the previous snapshot so the
	// skipped deletions stay visible as drift on the next pass.
	if !opts.SkipDeletions {
		checksum, err := current.Checksum()
		if err != nil {
			st.Status = syncstate.StatusFailed
			st.RecordError(now, "Checksum", err.Error())
			w.metrics.IncSyncTick(w.tenantID, w.providerID, outcomeFailed)
			finished = true
			return w.store.Save(st)
		}
		st.LastKnown = current
		st.SnapshotTimestamp = now
		st.SnapshotChecksum = checksum
		st.UserCount = current.UserCount()
		st.GroupCount = current.GroupCount()
	}
	st.LastSyncTimestamp = now

	w.metrics.IncSyncTick(w.tenantID, w.providerID, outcome)
	w.log.Debug("sync tick finished",
		"tenantId", w.tenantID, "providerId", w.providerID,
		"status", string(st.Status), "applied", out.Applied,
		"conflicts", len(out.Conflicts), "errors", len(out.Errors))
	finished = true
	return w.store.Save(st)
}

// listProvider pages through the provider's users and groups with retry.
func (w *Worker) listProvider(ctx context.Context) (drift.Snapshot, error) {
	var users []scim.User
	var groups []scim.Group

	err := w.retry(ctx, func() error {
		var err error
		users, err = listAll(ctx, w.provider.ListUsers)
		return err
	})
	if err != nil {
		return drift.Snapshot{}, err
	}
	err = w.retry(ctx, func() error {
		var err error
		groups, err = listAll(ctx, w.provider.ListGroups)
		return err
	})
	if err != nil {
		return drift.Snapshot{}, err
	}
	return drift.NewSnapshot(w.clock().UTC(), users, groups), nil
}

// listAll walks the 1-based startIndex window until the last page.
func listAll[T any](ctx context.Context, list func(context.Context, scim.QueryFilter) (scim.Page[T], error)) ([]T, error) {
	var out []T
	start := scim.MinStartIndex
	for {
		page, err := list(ctx, scim.QueryFilter{StartIndex: start, Count: scim.MaxCount})
		if err != nil {
			return nil, err
		}
		out = append(out, page.Resources...)
		if !page.HasMore() || page.ItemsPerPage == 0 {
			return out, nil
		}
		start += page.ItemsPerPage
	}
}

// retry runs fn with exponential backoff on retryable failures only:
// 1s doubling to a 30s cap with 20 percent jitter, honoring a provider's
// Retry-After as the delay floor.
func (w *Worker) retry(ctx context.Context, fn func() error) error {
	return retry.Do(fn,
		retry.Context(ctx),
		retry.Attempts(uint(w.settings.MaxRetries)+1),
		retry.LastErrorOnly(true),
		retry.RetryIf(xerrors.IsRetryable),
		retry.DelayType(backoffDelay),
	)
}

func backoffDelay(n uint, err error, _ *retry.Config) time.Duration {
	d := retryMaxDelay
	if n < 5 {
		d = retryBaseDelay << n
	}
	jitter := 1 + retryJitter*(2*rand.Float64()-1)
	d = time.Duration(float64(d) * jitter)
	if floor := xerrors.RetryAfterOf(err); floor > d {
		d = floor
	}
	return d
}

// A Service runs the workers on a shared ticker until stopped.
type Service struct {
	workers  []*Worker
	interval time.Duration
	log      logging.Logger
	stop     chan struct{}
}

// A ServiceOption configures a Service.
type ServiceOption func(*Service)

// WithServiceLogger specifies how the service should log messages.
func WithServiceLogger(log logging.Logger) ServiceOption {
	return func(s *Service) { s.log = log }
}

// NewService creates a polling service checking its workers at the supplied
// cadence. Each worker's own interval still gates how often it syncs.
func NewService(interval time.Duration, workers []*Worker, o ...ServiceOption) *Service {
	s := &Service{
		workers:  workers,
		interval: interval,
		log:      logging.NewNopLogger(),
		stop:     make(chan struct{}),
	}
	for _, fn := range o {
		fn(s)
	}
	return s
}

// Run ticks all workers until the context is cancelled or Stop is called.
// Worker failures are logged, not fatal; the next tick retries.
func (s *Service) Run(ctx context.Context) error {
	t := time.NewTicker(s.interval)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-s.stop:
			return nil
		case <-t.C:
			s.tickAll(ctx)
		}
	}
}

func (s *Service) tickAll(ctx context.Context) {
	g, gctx := errgroup.WithContext(ctx)
	for _, w := range s.workers {
		w := w
		g.Go(func() error {
			if err := w.Tick(gctx); err != nil {
				s.log.Info("sync tick failed",
					"tenantId", w.tenantID, "providerId", w.providerID, "error", err)
			}
			return nil
		})
	}
	_ = g.Wait()
}

// Stop terminates Run. It is safe to call once.
func (s *Service) Stop() {
	close(s.stop)
}
