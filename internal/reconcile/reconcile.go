// SPDX-FileCopyrightText: 2025 The Scimgate Authors
//
// SPDX-License-Identifier: Apache-2.0

// Package reconcile converges upstream and provider state per the
// configured direction and strategy, quarantining dual modifications for
// manual review.
package reconcile

import (
	"context"
	"reflect"
	"sort"
	"time"

	"github.com/crossplane/crossplane-runtime/pkg/logging"

	"github.com/scimgate/scimgate/internal/adapter"
	"github.com/scimgate/scimgate/internal/drift"
	"github.com/scimgate/scimgate/internal/scim"
	"github.com/scimgate/scimgate/internal/syncstate"
	"github.com/scimgate/scimgate/internal/xerrors"
)

// A Direction governs where reconcile writes flow.
type Direction string

// Directions.
const (
	DirectionUpstreamToProvider Direction = "UpstreamToProvider"
	DirectionProviderToUpstream Direction = "ProviderToUpstream"
	DirectionBidirectional      Direction = "Bidirectional"
)

// A Strategy decides how detected drift is handled.
type Strategy string

// Strategies.
const (
	StrategyAutoApply    Strategy = "AUTO_APPLY"
	StrategyManualReview Strategy = "MANUAL_REVIEW"
	StrategyIgnore       Strategy = "IGNORE"
)

// Resolution actions for conflicts.
const (
	ResolutionApplyUpstream = "APPLY_UPSTREAM"
	ResolutionApplyProvider = "APPLY_PROVIDER"
	ResolutionIgnore        = "IGNORE"

	// ResolutionCustomPrefix prefixes a custom resolution; the remainder of
	// the string is a JSON payload applied to the provider side.
	ResolutionCustomPrefix = "CUSTOM:"
)

// Reconciliation actions recorded on drift entries.
const (
	actionAutoApply = "AUTO_APPLY"
	actionIgnore    = "IGNORE"
)

// Error strings.
const (
	errNoUpstreamWriter  = "no upstream writer configured for this direction"
	errNoSuchConflict    = "no unresolved conflict with this id"
	errUnknownResolution = "unknown resolution action"
	errBadCustomPayload  = "cannot decode custom resolution payload"
)

// An Upstream is the write surface toward the upstream directory, used when
// the direction flows provider to upstream.
type Upstream interface {
	CreateUser(ctx context.Context, u scim.User) (scim.User, error)
	UpdateUser(ctx context.Context, u scim.User) (scim.User, error)
	DeleteUser(ctx context.Context, id string) error
	CreateGroup(ctx context.Context, g scim.Group) (scim.Group, error)
	UpdateGroup(ctx context.Context, g scim.Group) (scim.Group, error)
	DeleteGroup(ctx context.Context, id string) error
}

// Options tune a single reconcile pass.
type Options struct {
	// SkipDeletions suppresses provider-side deletes for this pass. Set
	// when the poll saw a suspicious empty response.
	SkipDeletions bool
}

// An Outcome summarizes one reconcile pass. Entries and conflicts are also
// appended to the sync state's logs.
type Outcome struct {
	Entries   []drift.Entry
	Conflicts []drift.Conflict
	Applied   int
	Ignored   int
	Skipped   int
	Errors    []error
}

// A Reconciler applies drift between an upstream directory and one provider
// adapter for a (tenant, provider) pair.
type Reconciler struct {
	provider  adapter.Adapter
	upstream  Upstream
	strategy  Strategy
	direction Direction
	log       logging.Logger
}

// A ReconcilerOption configures a Reconciler.
type ReconcilerOption func(*Reconciler)

// WithStrategy sets the drift strategy. The default is AUTO_APPLY.
func WithStrategy(s Strategy) ReconcilerOption {
	return func(r *Reconciler) { r.strategy = s }
}

// WithDirection sets the write direction. The default is UpstreamToProvider.
func WithDirection(d Direction) ReconcilerOption {
	return func(r *Reconciler) { r.direction = d }
}

// WithUpstream sets the upstream write surface.
func WithUpstream(u Upstream) ReconcilerOption {
	return func(r *Reconciler) { r.upstream = u }
}

// WithLogger specifies how the reconciler should log messages.
func WithLogger(log logging.Logger) ReconcilerOption {
	return func(r *Reconciler) { r.log = log }
}

// NewReconciler creates a reconciler writing to the supplied provider
// adapter.
func NewReconciler(provider adapter.Adapter, o ...ReconcilerOption) *Reconciler {
	r := &Reconciler{
		provider:  provider,
		strategy:  StrategyAutoApply,
		direction: DirectionUpstreamToProvider,
		log:       logging.NewNopLogger(),
	}
	for _, fn := range o {
		fn(r)
	}
	return r
}

// change is the merged per-resource view of one side's drift.
type change struct {
	entry   drift.Entry
	deleted bool
}

// Reconcile performs the three-way compare among last-known, upstream, and
// provider state, then applies the configured strategy to each one-sided
// drift. Dual modifications, delete-modify races, and uniqueness collisions
// are forced to manual review regardless of strategy. Resources with an
// unresolved conflict are skipped entirely.
func (r *Reconciler) Reconcile(ctx context.Context, st *syncstate.State, upstream, provider drift.Snapshot, opts Options) Outcome {
	upChanges := mergeByResource(drift.Detect(st.LastKnown, upstream))
	pvChanges := mergeByResource(drift.Detect(st.LastKnown, provider))
	blocked := st.UnresolvedConflicts()

	out := Outcome{}
	now := time.Now().UTC()

	for _, id := range unionIDs(upChanges, pvChanges) {
		uc, upChanged := upChanges[id]
		pc, pvChanged := pvChanges[id]

		if _, isBlocked := blocked[id]; isBlocked {
			out.Skipped++
			r.log.Debug("resource blocked by unresolved conflict", "resourceId", id)
			continue
		}

		switch {
		case upChanged && pvChanged && convergent(uc, pc):
			// Both sides made the same change; they already agree.
			continue
		case upChanged && pvChanged:
			r.quarantine(st, &out, id, uc, pc, now)
		case upChanged:
			r.apply(ctx, st, &out, uc.entry, sideUpstream, upstream, provider, opts, now)
		case pvChanged:
			r.apply(ctx, st, &out, pc.entry, sideProvider, upstream, provider, opts, now)
		}
	}
	return out
}

// quarantine records a forced manual-review conflict for a resource both
// sides changed. No adapter call is made.
func (r *Reconciler) quarantine(st *syncstate.State, out *Outcome, id string, uc, pc change, now time.Time) {
	ct := drift.ConflictDualModification
	if uc.deleted != pc.deleted {
		ct = drift.ConflictDeleteModify
	}

	c := drift.NewConflict(id, uc.entry.ResourceType, ct)
	c.UpstreamChange = uc.entry.NewValue
	c.ProviderChange = pc.entry.NewValue

	entry := drift.Entry{
		ResourceID:   id,
		ResourceType: uc.entry.ResourceType,
		Type:         drift.TypeAttributeMismatch,
		OldValue:     uc.entry.OldValue,
		NewValue:     pc.entry.NewValue,
		DetectedAt:   now,
	}

	st.ConflictLog = append(st.ConflictLog, c)
	st.DriftLog = append(st.DriftLog, entry)
	out.Conflicts = append(out.Conflicts, c)
	out.Entries = append(out.Entries, entry)
	r.log.Info("conflict quarantined for manual review",
		"resourceId", id, "conflictType", string(ct), "conflictId", c.ID)
}

type side string

const (
	sideUpstream side = "upstream"
	sideProvider side = "provider"
)

// apply handles one one-sided drift per the configured strategy and
// direction.
func (r *Reconciler) apply(ctx context.Context, st *syncstate.State, out *Outcome, entry drift.Entry, changed side, upstream, provider drift.Snapshot, opts Options, now time.Time) {
	entry.DetectedAt = now

	switch r.strategy {
	case StrategyIgnore:
		entry.Reconciled = true
		entry.ReconciledAt = &now
		entry.ReconciliationAction = actionIgnore
		out.Ignored++
	case StrategyManualReview:
		c := drift.NewConflict(entry.ResourceID, entry.ResourceType, conflictTypeFor(entry))
		if changed == sideUpstream {
			c.UpstreamChange = entry.NewValue
		} else {
			c.ProviderChange = entry.NewValue
		}
		st.ConflictLog = append(st.ConflictLog, c)
		out.Conflicts = append(out.Conflicts, c)
	case StrategyAutoApply:
		err := r.autoApply(ctx, entry, changed, upstream, provider, opts)
		switch {
		case err == errSkippedDeletion:
			out.Skipped++
		case err != nil:
			if xerrors.KindOf(err) == xerrors.KindUniqueness {
				c := drift.NewConflict(entry.ResourceID, entry.ResourceType, drift.ConflictUniquenessViolation)
				c.UpstreamChange = entry.NewValue
				st.ConflictLog = append(st.ConflictLog, c)
				out.Conflicts = append(out.Conflicts, c)
			}
			st.RecordError(now, "Reconcile", err.Error())
			out.Errors = append(out.Errors, err)
		default:
			entry.Reconciled = true
			entry.ReconciledAt = &now
			entry.ReconciliationAction = actionAutoApply
			out.Applied++
		}
	}

	st.DriftLog = append(st.DriftLog, entry)
	out.Entries = append(out.Entries, entry)
}

// errSkippedDeletion is a sentinel for deletions suppressed by
// Options.SkipDeletions.
var errSkippedDeletion = xerrors.New(xerrors.KindInternalError, "Reconcile", "deletion skipped for this pass")

// autoApply writes the source side's value to the write side chosen by the
// direction.
func (r *Reconciler) autoApply(ctx context.Context, entry drift.Entry, changed side, upstream, provider drift.Snapshot, opts Options) error {
	writeTo := r.writeSide(changed)
	if writeTo == sideProvider {
		return r.writeProvider(ctx, entry, upstream, opts)
	}
	return r.writeUpstream(ctx, entry, provider, opts)
}

// writeSide picks the side a write flows to. With a fixed direction the
// write side is constant; Bidirectional writes toward the unchanged side.
func (r *Reconciler) writeSide(changed side) side {
	switch r.direction {
	case DirectionProviderToUpstream:
		return sideUpstream
	case DirectionBidirectional:
		if changed == sideUpstream {
			return sideProvider
		}
		return sideUpstream
	default:
		return sideProvider
	}
}

func (r *Reconciler) writeProvider(ctx context.Context, entry drift.Entry, source drift.Snapshot, opts Options) error {
	if entry.ResourceType == drift.ResourceUser {
		u, exists := source.Users[entry.ResourceID]
		if !exists {
			if opts.SkipDeletions {
				r.log.Info("skipping provider deletion", "resourceId", entry.ResourceID)
				return errSkippedDeletion
			}
			return r.provider.DeleteUser(ctx, entry.ResourceID)
		}
		if existing, err := r.provider.GetUser(ctx, entry.ResourceID); err != nil {
			return err
		} else if existing == nil {
			_, err := r.provider.CreateUser(ctx, u)
			return err
		}
		_, err := r.provider.UpdateUser(ctx, u)
		return err
	}

	g, exists := source.Groups[entry.ResourceID]
	if !exists {
		if opts.SkipDeletions {
			r.log.Info("skipping provider deletion", "resourceId", entry.ResourceID)
			return errSkippedDeletion
		}
		return r.provider.DeleteGroup(ctx, entry.ResourceID)
	}
	if existing, err := r.provider.GetGroup(ctx, entry.ResourceID); err != nil {
		return err
	} else if existing == nil {
		_, err := r.provider.CreateGroup(ctx, g)
		return err
	}
	_, err := r.provider.UpdateGroup(ctx, g)
	return err
}

func (r *Reconciler) writeUpstream(ctx context.Context, entry drift.Entry, source drift.Snapshot, opts Options) error {
	if r.upstream == nil {
		return xerrors.New(xerrors.KindInternalError, "Reconcile", errNoUpstreamWriter)
	}
	if entry.ResourceType == drift.ResourceUser {
		u, exists := source.Users[entry.ResourceID]
		if !exists {
			if opts.SkipDeletions {
				r.log.Info("skipping upstream deletion", "resourceId", entry.ResourceID)
				return errSkippedDeletion
			}
			return r.upstream.DeleteUser(ctx, entry.ResourceID)
		}
		if entry.Type == drift.TypeAdded {
			_, err := r.upstream.CreateUser(ctx, u)
			return err
		}
		_, err := r.upstream.UpdateUser(ctx, u)
		return err
	}

	g, exists := source.Groups[entry.ResourceID]
	if !exists {
		if opts.SkipDeletions {
			r.log.Info("skipping upstream deletion", "resourceId", entry.ResourceID)
			return errSkippedDeletion
		}
		return r.upstream.DeleteGroup(ctx, entry.ResourceID)
	}
	if entry.Type == drift.TypeAdded {
		_, err := r.upstream.CreateGroup(ctx, g)
		return err
	}
	_, err := r.upstream.UpdateGroup(ctx, g)
	return err
}

func conflictTypeFor(entry drift.Entry) drift.ConflictType {
	if entry.Type == drift.TypeDeleted {
		return drift.ConflictDeleteModify
	}
	return drift.ConflictDualModification
}

// mergeByResource folds a drift set into one change per resource id. A
// group rename plus member change collapses into a single change carrying
// the modification entry.
func mergeByResource(entries []drift.Entry) map[string]change {
	out := map[string]change{}
	for _, e := range entries {
		c, exists := out[e.ResourceID]
		if !exists {
			out[e.ResourceID] = change{entry: e, deleted: e.Type == drift.TypeDeleted}
			continue
		}
		// Prefer the entry with attribute changes as the representative.
		if len(e.Changes) > 0 && len(c.entry.Changes) == 0 {
			c.entry = e
		}
		c.deleted = c.deleted || e.Type == drift.TypeDeleted
		out[e.ResourceID] = c
	}
	return out
}

// convergent reports whether both sides landed on the same result, e.g. a
// first sync where upstream and provider already hold identical resources.
func convergent(uc, pc change) bool {
	if uc.deleted != pc.deleted {
		return false
	}
	if uc.deleted {
		return true
	}
	return reflect.DeepEqual(uc.entry.NewValue, pc.entry.NewValue)
}

func unionIDs(a, b map[string]change) []string {
	set := map[string]struct{}{}
	for id := range a {
		set[id] = struct{}{}
	}
	for id := range b {
		set[id] = struct{}{}
	}
	ids := make([]string, 0, len(set))
	for id := range set {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
