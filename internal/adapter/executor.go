// SPDX-FileCopyrightText: 2025 The Scimgate Authors
//
// SPDX-License-Identifier: Apache-2.0

package adapter

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/sony/gobreaker"
	"golang.org/x/sync/semaphore"

	"github.com/crossplane/crossplane-runtime/pkg/logging"

	"github.com/scimgate/scimgate/internal/audit"
	"github.com/scimgate/scimgate/internal/metrics"
	"github.com/scimgate/scimgate/internal/scim"
	"github.com/scimgate/scimgate/internal/tenant"
	"github.com/scimgate/scimgate/internal/xerrors"
)

// Error strings.
const (
	errBreakerOpen   = "adapter circuit breaker is open"
	errTimedOut      = "adapter call exceeded its request timeout"
	errAcquireSlot   = "could not acquire an adapter concurrency slot"
	errAdapterFailed = "adapter call failed"
)

// Operation names used in audit records and metrics labels.
const (
	OpCreateUser     = "CreateUser"
	OpGetUser        = "GetUser"
	OpUpdateUser     = "UpdateUser"
	OpDeleteUser     = "DeleteUser"
	OpListUsers      = "ListUsers"
	OpCreateGroup    = "CreateGroup"
	OpGetGroup       = "GetGroup"
	OpUpdateGroup    = "UpdateGroup"
	OpDeleteGroup    = "DeleteGroup"
	OpListGroups     = "ListGroups"
	OpAddMember      = "AddUserToGroup"
	OpRemoveMember   = "RemoveUserFromGroup"
	OpListMembers    = "ListGroupMembers"
	OpMapGroup       = "MapGroupToEntitlement"
	OpMapEntitlement = "MapEntitlementToGroup"
	OpCheckHealth    = "CheckHealth"
)

const (
	breakerTrippedAfter   = 5
	breakerRecoveryProbes = 1
)

type idempotencyKey struct{}

// WithIdempotencyKey returns a context carrying an idempotency key for the
// downstream call.
func WithIdempotencyKey(ctx context.Context, key string) context.Context {
	return context.WithValue(ctx, idempotencyKey{}, key)
}

// IdempotencyKeyFrom extracts the idempotency key an executor attached for
// the current call, if any. Adapters forward it to providers that support
// idempotent writes.
func IdempotencyKeyFrom(ctx context.Context) (string, bool) {
	key, ok := ctx.Value(idempotencyKey{}).(string)
	return key, ok
}

// IdempotencyKey derives a stable key for a mutating call so that a retry of
// the same logical write presents the same key to the provider.
func IdempotencyKey(tenantID, providerID, operation, resourceID, version string) string {
	seed := tenantID + "|" + providerID + "|" + operation + "|" + resourceID + "|" + version
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte(seed)).String()
}

// A Bounded wraps an Adapter with the operational guarantees the gateway
// requires of every provider call: a concurrency bound taken from the
// adapter's configuration, a circuit breaker that sheds load when the
// provider is failing, a per-call timeout, audit records, metrics, and
// translation of every failure into a typed error.
type Bounded struct {
	inner   Adapter
	cfg     Config
	sem     *semaphore.Weighted
	breaker *gobreaker.CircuitBreaker
	rec     audit.Recorder
	metrics metrics.Metrics
	log     logging.Logger
}

// A BoundedOption configures a Bounded adapter.
type BoundedOption func(*Bounded)

// WithAuditRecorder routes audit records to the supplied recorder.
func WithAuditRecorder(r audit.Recorder) BoundedOption {
	return func(b *Bounded) { b.rec = r }
}

// WithMetrics specifies how the executor should record metrics.
func WithMetrics(m metrics.Metrics) BoundedOption {
	return func(b *Bounded) { b.metrics = m }
}

// WithLogger specifies how the executor should log messages.
func WithLogger(log logging.Logger) BoundedOption {
	return func(b *Bounded) { b.log = log }
}

// NewBounded wraps the supplied adapter. The concurrency bound, timeout, and
// breaker identity come from the adapter's configuration.
func NewBounded(inner Adapter, cfg Config, o ...BoundedOption) *Bounded {
	cfg = cfg.WithDefaults()
	b := &Bounded{
		inner:   inner,
		cfg:     cfg,
		sem:     semaphore.NewWeighted(int64(cfg.MaxConcurrentRequests)),
		rec:     audit.NopRecorder{},
		metrics: metrics.NopMetrics{},
		log:     logging.NewNopLogger(),
	}
	for _, fn := range o {
		fn(b)
	}
	b.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        cfg.ProviderID,
		MaxRequests: breakerRecoveryProbes,
		Timeout:     cfg.RequestTimeout,
		ReadyToTrip: func(c gobreaker.Counts) bool {
			return c.ConsecutiveFailures >= breakerTrippedAfter
		},
		// Client errors such as Uniqueness or ResourceNotFound say nothing
		// about provider availability and must not trip the breaker.
		IsSuccessful: func(err error) bool {
			return err == nil || !xerrors.IsRetryable(err)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			b.log.Info("adapter circuit breaker state change",
				"adapterId", name, "from", from.String(), "to", to.String())
		},
	})
	return b
}

// Config returns the adapter instance configuration.
func (b *Bounded) Config() Config { return b.cfg }

// do runs one adapter call under the concurrency bound, breaker, and
// timeout, then records its audit trail and metrics.
func (b *Bounded) do(ctx context.Context, op, resourceType, resourceID string, fn func(context.Context) error) error {
	start := time.Now()

	err := b.execute(ctx, op, resourceID, fn)
	err = b.translate(op, resourceType, resourceID, err)

	outcome := audit.OutcomeSuccess
	if err != nil {
		outcome = audit.OutcomeFailure
	}
	b.metrics.ObserveAdapterOperation(b.cfg.ProviderID, op, outcome, time.Since(start))
	b.record(ctx, op, resourceType, resourceID, outcome, time.Since(start), err)
	return err
}

func (b *Bounded) execute(ctx context.Context, op, resourceID string, fn func(context.Context) error) error {
	if err := b.sem.Acquire(ctx, 1); err != nil {
		return xerrors.Wrap(errors.Wrap(err, errAcquireSlot), xerrors.KindTimeout, op)
	}
	defer b.sem.Release(1)

	cctx, cancel := context.WithTimeout(ctx, b.cfg.RequestTimeout)
	defer cancel()
	if mutates(op) {
		version := ""
		if tc, ok := tenant.FromContext(ctx); ok {
			version = tc.RequestID
		}
		tenantID := tenantIDFrom(ctx)
		cctx = WithIdempotencyKey(cctx, IdempotencyKey(tenantID, b.cfg.ProviderID, op, resourceID, version))
	}

	_, err := b.breaker.Execute(func() (any, error) {
		return nil, fn(cctx)
	})
	return err
}

// translate normalizes any failure into a typed error attributed to this
// adapter instance.
func (b *Bounded) translate(op, resourceType, resourceID string, err error) error {
	if err == nil {
		return nil
	}
	var te *xerrors.Error
	switch {
	case errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests):
		te = xerrors.Wrap(errors.Wrap(err, errBreakerOpen), xerrors.KindServerUnavailable, op)
	case errors.Is(err, context.DeadlineExceeded):
		te = xerrors.Wrap(errors.Wrap(err, errTimedOut), xerrors.KindTimeout, op)
	default:
		if typed, ok := xerrors.AsError(err); ok {
			te = typed
		} else {
			te = xerrors.Wrap(errors.Wrap(err, errAdapterFailed), xerrors.KindInternalError, op)
		}
	}
	if te.Provider == "" {
		te.Provider = b.cfg.ProviderName
	}
	if te.AdapterID == "" {
		te.AdapterID = b.cfg.ProviderID
	}
	if te.Operation == "" {
		te.Operation = op
	}
	if te.ResourceType == "" {
		te.ResourceType = resourceType
	}
	if te.ResourceID == "" {
		te.ResourceID = resourceID
	}
	return te
}

func (b *Bounded) record(ctx context.Context, op, resourceType, resourceID, outcome string, d time.Duration, err error) {
	rec := audit.Record{
		OperationType: op,
		ResourceType:  resourceType,
		ResourceID:    resourceID,
		ProviderID:    b.cfg.ProviderID,
		AdapterID:     b.cfg.ProviderID,
		Outcome:       outcome,
		Duration:      d,
	}
	if tc, ok := tenant.FromContext(ctx); ok {
		rec.TenantID = tc.TenantID
		rec.ActorID = tc.ActorID
		rec.CorrelationID = tc.CorrelationID
	}
	if te, ok := xerrors.AsError(err); ok {
		rec.ProviderErrorCode = te.ProviderErrorCode
		rec.ErrorMessage = te.Error()
	} else if err != nil {
		rec.ErrorMessage = err.Error()
	}
	b.rec.Record(ctx, rec)
}

func tenantIDFrom(ctx context.Context) string {
	if tc, ok := tenant.FromContext(ctx); ok {
		return tc.TenantID
	}
	return ""
}

func mutates(op string) bool {
	switch op {
	case OpCreateUser, OpUpdateUser, OpDeleteUser,
		OpCreateGroup, OpUpdateGroup, OpDeleteGroup,
		OpAddMember, OpRemoveMember:
		return true
	}
	return false
}

// CreateUser creates a user through the wrapped adapter.
func (b *Bounded) CreateUser(ctx context.Context, u scim.User) (scim.User, error) {
	var out scim.User
	err := b.do(ctx, OpCreateUser, "User", "", func(ctx context.Context) error {
		var err error
		out, err = b.inner.CreateUser(ctx, u)
		return err
	})
	return out, err
}

// GetUser retrieves a user through the wrapped adapter.
func (b *Bounded) GetUser(ctx context.Context, id string) (*scim.User, error) {
	var out *scim.User
	err := b.do(ctx, OpGetUser, "User", id, func(ctx context.Context) error {
		var err error
		out, err = b.inner.GetUser(ctx, id)
		return err
	})
	return out, err
}

// UpdateUser updates a user through the wrapped adapter.
func (b *Bounded) UpdateUser(ctx context.Context, u scim.User) (scim.User, error) {
	var out scim.User
	err := b.do(ctx, OpUpdateUser, "User", u.ID, func(ctx context.Context) error {
		var err error
		out, err = b.inner.UpdateUser(ctx, u)
		return err
	})
	return out, err
}

// DeleteUser deletes a user through the wrapped adapter.
func (b *Bounded) DeleteUser(ctx context.Context, id string) error {
	return b.do(ctx, OpDeleteUser, "User", id, func(ctx context.Context) error {
		return b.inner.DeleteUser(ctx, id)
	})
}

// ListUsers lists users through the wrapped adapter, clamping the page size
// to the adapter's advertised maximum.
func (b *Bounded) ListUsers(ctx context.Context, f scim.QueryFilter) (scim.Page[scim.User], error) {
	var out scim.Page[scim.User]
	err := b.do(ctx, OpListUsers, "User", "", func(ctx context.Context) error {
		var err error
		out, err = b.inner.ListUsers(ctx, ClampPage(f, b.inner.GetCapabilities()))
		return err
	})
	return out, err
}

// CreateGroup creates a group through the wrapped adapter.
func (b *Bounded) CreateGroup(ctx context.Context, g scim.Group) (scim.Group, error) {
	var out scim.Group
	err := b.do(ctx, OpCreateGroup, "Group", "", func(ctx context.Context) error {
		var err error
		out, err = b.inner.CreateGroup(ctx, g)
		return err
	})
	return out, err
}

// GetGroup retrieves a group through the wrapped adapter.
func (b *Bounded) GetGroup(ctx context.Context, id string) (*scim.Group, error) {
	var out *scim.Group
	err := b.do(ctx, OpGetGroup, "Group", id, func(ctx context.Context) error {
		var err error
		out, err = b.inner.GetGroup(ctx, id)
		return err
	})
	return out, err
}

// UpdateGroup updates a group through the wrapped adapter.
func (b *Bounded) UpdateGroup(ctx context.Context, g scim.Group) (scim.Group, error) {
	var out scim.Group
	err := b.do(ctx, OpUpdateGroup, "Group", g.ID, func(ctx context.Context) error {
		var err error
		out, err = b.inner.UpdateGroup(ctx, g)
		return err
	})
	return out, err
}

// DeleteGroup deletes a group through the wrapped adapter.
func (b *Bounded) DeleteGroup(ctx context.Context, id string) error {
	return b.do(ctx, OpDeleteGroup, "Group", id, func(ctx context.Context) error {
		return b.inner.DeleteGroup(ctx, id)
	})
}

// ListGroups lists groups through the wrapped adapter, clamping the page
// size to the adapter's advertised maximum.
func (b *Bounded) ListGroups(ctx context.Context, f scim.QueryFilter) (scim.Page[scim.Group], error) {
	var out scim.Page[scim.Group]
	err := b.do(ctx, OpListGroups, "Group", "", func(ctx context.Context) error {
		var err error
		out, err = b.inner.ListGroups(ctx, ClampPage(f, b.inner.GetCapabilities()))
		return err
	})
	return out, err
}

// AddUserToGroup adds a member through the wrapped adapter.
func (b *Bounded) AddUserToGroup(ctx context.Context, groupID, userID string) error {
	return b.do(ctx, OpAddMember, "Group", groupID, func(ctx context.Context) error {
		return b.inner.AddUserToGroup(ctx, groupID, userID)
	})
}

// RemoveUserFromGroup removes a member through the wrapped adapter.
func (b *Bounded) RemoveUserFromGroup(ctx context.Context, groupID, userID string) error {
	return b.do(ctx, OpRemoveMember, "Group", groupID, func(ctx context.Context) error {
		return b.inner.RemoveUserFromGroup(ctx, groupID, userID)
	})
}

// ListGroupMembers lists a group's member ids through the wrapped adapter.
func (b *Bounded) ListGroupMembers(ctx context.Context, groupID string) ([]string, error) {
	var out []string
	err := b.do(ctx, OpListMembers, "Group", groupID, func(ctx context.Context) error {
		var err error
		out, err = b.inner.ListGroupMembers(ctx, groupID)
		return err
	})
	return out, err
}

// MapGroupToEntitlement maps an upstream group to provider entitlements
// through the wrapped adapter.
func (b *Bounded) MapGroupToEntitlement(ctx context.Context, g scim.Group) ([]Entitlement, error) {
	var out []Entitlement
	err := b.do(ctx, OpMapGroup, "Group", g.ID, func(ctx context.Context) error {
		var err error
		out, err = b.inner.MapGroupToEntitlement(ctx, g)
		return err
	})
	return out, err
}

// MapEntitlementToGroup maps a provider entitlement back to its upstream
// group form through the wrapped adapter.
func (b *Bounded) MapEntitlementToGroup(ctx context.Context, e Entitlement) (scim.Group, error) {
	var out scim.Group
	err := b.do(ctx, OpMapEntitlement, "Entitlement", e.ID, func(ctx context.Context) error {
		var err error
		out, err = b.inner.MapEntitlementToGroup(ctx, e)
		return err
	})
	return out, err
}

// CheckHealth probes the wrapped adapter. Health checks bypass the breaker
// so that a tripped adapter can still be probed back to life.
func (b *Bounded) CheckHealth(ctx context.Context) (Health, error) {
	cctx, cancel := context.WithTimeout(ctx, b.cfg.RequestTimeout)
	defer cancel()
	return b.inner.CheckHealth(cctx)
}

// GetCapabilities returns the wrapped adapter's capabilities.
func (b *Bounded) GetCapabilities() Capabilities {
	return b.inner.GetCapabilities()
}
