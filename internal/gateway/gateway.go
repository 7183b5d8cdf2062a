// SPDX-FileCopyrightText: 2025 The Scimgate Authors
//
// SPDX-License-Identifier: Apache-2.0

// Package gateway is the transport-agnostic operation core: every inbound
// request passes the tenant gate, admission control, and the adapter
// registry before reaching a provider. The HTTP surface only translates
// requests into these calls and decisions into headers.
package gateway

import (
	"context"

	"github.com/crossplane/crossplane-runtime/pkg/logging"

	"github.com/scimgate/scimgate/internal/adapter"
	"github.com/scimgate/scimgate/internal/adapter/registry"
	"github.com/scimgate/scimgate/internal/admission"
	"github.com/scimgate/scimgate/internal/metrics"
	"github.com/scimgate/scimgate/internal/scim"
	"github.com/scimgate/scimgate/internal/syncstate"
	"github.com/scimgate/scimgate/internal/tenant"
	"github.com/scimgate/scimgate/internal/transform"
	"github.com/scimgate/scimgate/internal/xerrors"
)

const (
	errNoTenantContext = "no tenant context on request"
	errActorLockedOut  = "actor locked out after repeated authentication failures"
	errRateLimited     = "rate limit exceeded"
	errMappingReview   = "group mapping quarantined for manual review"
)

// A Gateway executes tenant-scoped provisioning operations against
// registered provider adapters.
type Gateway struct {
	registry *registry.Registry
	limiter  *admission.Limiter
	lockouts *admission.LockoutTracker
	engine   *transform.Engine
	states   *syncstate.Store
	metrics  metrics.Metrics
	log      logging.Logger
}

// An Option configures a Gateway.
type Option func(*Gateway)

// WithLockouts gates admission on the auth-failure lockout tracker.
func WithLockouts(t *admission.LockoutTracker) Option {
	return func(g *Gateway) { g.lockouts = t }
}

// WithTransformEngine supplies the group transformation engine.
func WithTransformEngine(e *transform.Engine) Option {
	return func(g *Gateway) { g.engine = e }
}

// WithStates supplies the sync-state store backing status and conflict
// operations.
func WithStates(s *syncstate.Store) Option {
	return func(g *Gateway) { g.states = s }
}

// WithMetrics specifies how the gateway should record metrics.
func WithMetrics(m metrics.Metrics) Option {
	return func(g *Gateway) { g.metrics = m }
}

// WithLogger specifies how the gateway should log messages.
func WithLogger(log logging.Logger) Option {
	return func(g *Gateway) { g.log = log }
}

// New creates a gateway over the supplied registry and limiter.
func New(r *registry.Registry, l *admission.Limiter, o ...Option) *Gateway {
	g := &Gateway{
		registry: r,
		limiter:  l,
		engine:   transform.NewEngine(),
		metrics:  metrics.NopMetrics{},
		log:      logging.NewNopLogger(),
	}
	for _, fn := range o {
		fn(g)
	}
	return g
}

// admit runs the tenant gate, the lockout check, and rate-limit admission,
// in that order. The returned decision is meaningful even on rejection so
// the surface can emit X-RateLimit-* and Retry-After headers.
func (g *Gateway) admit(ctx context.Context, op string) (*tenant.Context, admission.Decision, error) {
	tc, ok := tenant.FromContext(ctx)
	if !ok {
		return nil, admission.Decision{}, xerrors.New(xerrors.KindUnauthorized, op, errNoTenantContext)
	}

	if g.lockouts != nil {
		status := g.lockouts.CheckLockout(admission.LockoutKey(tc.TenantID, tc.ActorID, ""))
		if status.Locked {
			g.metrics.IncAdmission(tc.TenantID, metrics.AdmissionResultLockedOut)
			err := xerrors.New(xerrors.KindUnauthorized, op, errActorLockedOut)
			err.RetryAfter = status.RetryAfter
			return tc, admission.Decision{}, err
		}
	}

	d, err := g.limiter.Admit(ctx, tc.TenantID, tc.ActorID)
	if err != nil {
		return tc, admission.Decision{}, xerrors.Wrap(err, xerrors.KindInternalError, op)
	}
	if !d.Allowed {
		rerr := xerrors.New(xerrors.KindRateLimitExceeded, op, errRateLimited+": "+d.Reason)
		rerr.Retryable = true
		rerr.RetryAfter = d.RetryAfter
		return tc, d, rerr
	}
	return tc, d, nil
}

// resolve looks up the adapter for the supplied provider within the
// caller's tenant.
func (g *Gateway) resolve(ctx context.Context, op, providerID string) (*tenant.Context, adapter.Adapter, admission.Decision, error) {
	tc, d, err := g.admit(ctx, op)
	if err != nil {
		return tc, nil, d, err
	}
	a, err := g.registry.Get(tc.TenantID, providerID)
	if err != nil {
		return tc, nil, d, err
	}
	return tc, a, d, nil
}

// CreateUser provisions a user on the provider.
func (g *Gateway) CreateUser(ctx context.Context, providerID string, u scim.User) (scim.User, admission.Decision, error) {
	_, a, d, err := g.resolve(ctx, adapter.OpCreateUser, providerID)
	if err != nil {
		return scim.User{}, d, err
	}
	out, err := a.CreateUser(ctx, u)
	return out, d, err
}

// GetUser fetches a user from the provider. A nil user with a nil error
// means the user does not exist.
func (g *Gateway) GetUser(ctx context.Context, providerID, id string) (*scim.User, admission.Decision, error) {
	_, a, d, err := g.resolve(ctx, adapter.OpGetUser, providerID)
	if err != nil {
		return nil, d, err
	}
	out, err := a.GetUser(ctx, id)
	return out, d, err
}

// UpdateUser replaces a user on the provider.
func (g *Gateway) UpdateUser(ctx context.Context, providerID string, u scim.User) (scim.User, admission.Decision, error) {
	_, a, d, err := g.resolve(ctx, adapter.OpUpdateUser, providerID)
	if err != nil {
		return scim.User{}, d, err
	}
	out, err := a.UpdateUser(ctx, u)
	return out, d, err
}

// DeleteUser removes a user from the provider.
func (g *Gateway) DeleteUser(ctx context.Context, providerID, id string) (admission.Decision, error) {
	_, a, d, err := g.resolve(ctx, adapter.OpDeleteUser, providerID)
	if err != nil {
		return d, err
	}
	return d, a.DeleteUser(ctx, id)
}

// ListUsers queries the provider's users.
func (g *Gateway) ListUsers(ctx context.Context, providerID string, f scim.QueryFilter) (scim.Page[scim.User], admission.Decision, error) {
	_, a, d, err := g.resolve(ctx, adapter.OpListUsers, providerID)
	if err != nil {
		return scim.Page[scim.User]{}, d, err
	}
	out, err := a.ListUsers(ctx, f)
	return out, d, err
}

// CreateGroup provisions a group on the provider. When transformation
// rules match the group's name, the provider-side group carries the
// transformed name; a rule conflict quarantines the mapping instead of
// provisioning it.
func (g *Gateway) CreateGroup(ctx context.Context, providerID string, grp scim.Group) (scim.Group, admission.Decision, error) {
	tc, a, d, err := g.resolve(ctx, adapter.OpCreateGroup, providerID)
	if err != nil {
		return scim.Group{}, d, err
	}
	grp, err = g.transformGroup(tc, providerID, grp, adapter.OpCreateGroup)
	if err != nil {
		return scim.Group{}, d, err
	}
	out, err := a.CreateGroup(ctx, grp)
	return out, d, err
}

// GetGroup fetches a group from the provider. A nil group with a nil error
// means the group does not exist.
func (g *Gateway) GetGroup(ctx context.Context, providerID, id string) (*scim.Group, admission.Decision, error) {
	_, a, d, err := g.resolve(ctx, adapter.OpGetGroup, providerID)
	if err != nil {
		return nil, d, err
	}
	out, err := a.GetGroup(ctx, id)
	return out, d, err
}

// UpdateGroup replaces a group on the provider, applying the tenant's
// transformation rules to the group name.
func (g *Gateway) UpdateGroup(ctx context.Context, providerID string, grp scim.Group) (scim.Group, admission.Decision, error) {
	tc, a, d, err := g.resolve(ctx, adapter.OpUpdateGroup, providerID)
	if err != nil {
		return scim.Group{}, d, err
	}
	grp, err = g.transformGroup(tc, providerID, grp, adapter.OpUpdateGroup)
	if err != nil {
		return scim.Group{}, d, err
	}
	out, err := a.UpdateGroup(ctx, grp)
	return out, d, err
}

// DeleteGroup removes a group from the provider.
func (g *Gateway) DeleteGroup(ctx context.Context, providerID, id string) (admission.Decision, error) {
	_, a, d, err := g.resolve(ctx, adapter.OpDeleteGroup, providerID)
	if err != nil {
		return d, err
	}
	return d, a.DeleteGroup(ctx, id)
}

// ListGroups queries the provider's groups.
func (g *Gateway) ListGroups(ctx context.Context, providerID string, f scim.QueryFilter) (scim.Page[scim.Group], admission.Decision, error) {
	_, a, d, err := g.resolve(ctx, adapter.OpListGroups, providerID)
	if err != nil {
		return scim.Page[scim.Group]{}, d, err
	}
	out, err := a.ListGroups(ctx, f)
	return out, d, err
}

// AddGroupMember adds a user to a provider group.
func (g *Gateway) AddGroupMember(ctx context.Context, providerID, groupID, userID string) (admission.Decision, error) {
	_, a, d, err := g.resolve(ctx, adapter.OpAddMember, providerID)
	if err != nil {
		return d, err
	}
	return d, a.AddUserToGroup(ctx, groupID, userID)
}

// RemoveGroupMember removes a user from a provider group.
func (g *Gateway) RemoveGroupMember(ctx context.Context, providerID, groupID, userID string) (admission.Decision, error) {
	_, a, d, err := g.resolve(ctx, adapter.OpRemoveMember, providerID)
	if err != nil {
		return d, err
	}
	return d, a.RemoveUserFromGroup(ctx, groupID, userID)
}

// ListGroupMembers lists the member ids of a provider group.
func (g *Gateway) ListGroupMembers(ctx context.Context, providerID, groupID string) ([]string, admission.Decision, error) {
	_, a, d, err := g.resolve(ctx, adapter.OpListMembers, providerID)
	if err != nil {
		return nil, d, err
	}
	out, err := a.ListGroupMembers(ctx, groupID)
	return out, d, err
}

// MapGroupToEntitlement resolves the provider entitlements an upstream
// group maps to, after applying the tenant's transformation rules.
func (g *Gateway) MapGroupToEntitlement(ctx context.Context, providerID string, grp scim.Group) ([]adapter.Entitlement, admission.Decision, error) {
	tc, a, d, err := g.resolve(ctx, adapter.OpMapGroup, providerID)
	if err != nil {
		return nil, d, err
	}
	grp, err = g.transformGroup(tc, providerID, grp, adapter.OpMapGroup)
	if err != nil {
		return nil, d, err
	}
	out, err := a.MapGroupToEntitlement(ctx, grp)
	return out, d, err
}

// MapEntitlementToGroup resolves the upstream group a provider entitlement
// maps back to.
func (g *Gateway) MapEntitlementToGroup(ctx context.Context, providerID string, e adapter.Entitlement) (scim.Group, admission.Decision, error) {
	_, a, d, err := g.resolve(ctx, adapter.OpMapEntitlement, providerID)
	if err != nil {
		return scim.Group{}, d, err
	}
	out, err := a.MapEntitlementToGroup(ctx, e)
	return out, d, err
}

// transformGroup rewrites a group's display name through the tenant's
// rules. No matching rule leaves the name as is, and so does a multi-value
// UNION result, whose full value set only surfaces through the entitlement
// mapping operations. A manual-review conflict quarantines the mapping in
// the sync state's conflict log.
func (g *Gateway) transformGroup(tc *tenant.Context, providerID string, grp scim.Group, op string) (scim.Group, error) {
	res, err := g.engine.Transform(tc.TenantID, providerID, grp)
	if err != nil {
		return scim.Group{}, err
	}
	if res.Conflict != nil {
		if g.states != nil {
			c := *res.Conflict
			uerr := g.states.Update(tc.TenantID, providerID, func(st *syncstate.State) error {
				st.ConflictLog = append(st.ConflictLog, c)
				return nil
			})
			if uerr != nil {
				g.log.Info("cannot record transformation conflict",
					"tenantId", tc.TenantID, "providerId", providerID, "error", uerr)
			}
		}
		return scim.Group{}, xerrors.New(xerrors.KindUniqueness, op, errMappingReview)
	}
	if len(res.Values) == 1 {
		grp.DisplayName = res.Values[0]
	}
	return grp, nil
}

// PreviewRules runs the tenant's transformation rules against a group name
// without touching the provider or the sync state.
func (g *Gateway) PreviewRules(ctx context.Context, providerID string, grp scim.Group) (transform.Preview, admission.Decision, error) {
	tc, d, err := g.admit(ctx, "PreviewRules")
	if err != nil {
		return transform.Preview{}, d, err
	}
	p, err := g.engine.PreviewTransform(tc.TenantID, providerID, grp)
	return p, d, err
}

// SetRules replaces the tenant's transformation rules for a provider.
func (g *Gateway) SetRules(ctx context.Context, providerID string, rules []transform.Rule) (admission.Decision, error) {
	tc, d, err := g.admit(ctx, "SetRules")
	if err != nil {
		return d, err
	}
	return d, g.engine.SetRules(tc.TenantID, providerID, rules)
}
