// SPDX-FileCopyrightText: 2025 The Scimgate Authors
//
// SPDX-License-Identifier: Apache-2.0

package gateway

import (
	"context"

	"github.com/scimgate/scimgate/internal/adapter"
	"github.com/scimgate/scimgate/internal/admission"
	"github.com/scimgate/scimgate/internal/drift"
	"github.com/scimgate/scimgate/internal/reconcile"
	"github.com/scimgate/scimgate/internal/syncstate"
	"github.com/scimgate/scimgate/internal/tenant"
	"github.com/scimgate/scimgate/internal/xerrors"
)

const errNoStateStore = "no sync-state store configured"

// Providers lists the adapter configurations visible to the caller's
// tenant.
func (g *Gateway) Providers(ctx context.Context) ([]adapter.Config, admission.Decision, error) {
	tc, d, err := g.admit(ctx, "ListProviders")
	if err != nil {
		return nil, d, err
	}
	return g.registry.List(tc.TenantID), d, nil
}

// ProviderHealth reports the last known health of a provider's adapter.
func (g *Gateway) ProviderHealth(ctx context.Context, providerID string) (adapter.Health, admission.Decision, error) {
	tc, d, err := g.admit(ctx, "ProviderHealth")
	if err != nil {
		return adapter.Health{}, d, err
	}
	if _, err := g.registry.Get(tc.TenantID, providerID); err != nil {
		return adapter.Health{}, d, err
	}
	h, _ := g.registry.Health(providerID)
	return h, d, nil
}

// SyncStatus reports the caller's sync state for a provider: status,
// counters, and the drift, conflict, and error logs.
func (g *Gateway) SyncStatus(ctx context.Context, providerID string) (*syncstate.State, admission.Decision, error) {
	tc, d, err := g.admit(ctx, "SyncStatus")
	if err != nil {
		return nil, d, err
	}
	if g.states == nil {
		return nil, d, xerrors.New(xerrors.KindInternalError, "SyncStatus", errNoStateStore)
	}
	st, err := g.states.Load(tc.TenantID, providerID)
	if err != nil {
		return nil, d, err
	}
	return st.Clone(), d, nil
}

// Conflicts lists the caller's unresolved conflicts for a provider.
func (g *Gateway) Conflicts(ctx context.Context, providerID string) ([]drift.Conflict, admission.Decision, error) {
	st, d, err := g.SyncStatus(ctx, providerID)
	if err != nil {
		return nil, d, err
	}
	out := make([]drift.Conflict, 0)
	for _, c := range st.ConflictLog {
		if !c.Resolved {
			out = append(out, c)
		}
	}
	return out, d, nil
}

// ResolveConflict executes an admin decision on an unresolved conflict.
// The resolution is one of APPLY_UPSTREAM, APPLY_PROVIDER, IGNORE, or
// CUSTOM:<json>. The resolving actor is taken from the tenant context.
func (g *Gateway) ResolveConflict(ctx context.Context, providerID, conflictID, resolution string) (admission.Decision, error) {
	tc, a, d, err := g.resolve(ctx, "ResolveConflict", providerID)
	if err != nil {
		return d, err
	}
	if g.states == nil {
		return d, xerrors.New(xerrors.KindInternalError, "ResolveConflict", errNoStateStore)
	}
	r := reconcile.NewReconciler(a, reconcile.WithLogger(g.log))
	return d, g.states.Update(tc.TenantID, providerID, func(st *syncstate.State) error {
		return r.Resolve(ctx, st, conflictID, tc.ActorID, resolution)
	})
}

// RateLimitStatus reports the caller's bucket state without consuming a
// token, for surfaces that emit X-RateLimit-* headers on free endpoints.
func (g *Gateway) RateLimitStatus(ctx context.Context) (admission.Decision, error) {
	tc, ok := tenant.FromContext(ctx)
	if !ok {
		return admission.Decision{}, xerrors.New(xerrors.KindUnauthorized, "RateLimitStatus", errNoTenantContext)
	}
	return g.limiter.Remaining(ctx, tc.TenantID)
}

// RecordAuthFailure notes a failed authentication attempt against the
// lockout tracker and reports the resulting status.
func (g *Gateway) RecordAuthFailure(tenantID, actorID, ip string) admission.LockoutStatus {
	if g.lockouts == nil {
		return admission.LockoutStatus{}
	}
	return g.lockouts.RecordFailure(admission.LockoutKey(tenantID, actorID, ip))
}

// RecordAuthSuccess clears the failure history after a successful
// authentication.
func (g *Gateway) RecordAuthSuccess(tenantID, actorID, ip string) {
	if g.lockouts == nil {
		return
	}
	g.lockouts.RecordSuccess(admission.LockoutKey(tenantID, actorID, ip))
}
