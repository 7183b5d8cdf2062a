// SPDX-FileCopyrightText: 2025 The Scimgate Authors
//
// SPDX-License-Identifier: Apache-2.0

// Package tenant resolves validated token claims into the per-request tenant
// context and gates cross-tenant resource access.
package tenant

import (
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/scimgate/scimgate/internal/xerrors"
)

// Claim names the upstream identity provider populates. Token validation
// happens before the claims reach this package; only resolution lives here.
const (
	ClaimTenantID      = "tid"
	ClaimObjectID      = "oid"
	ClaimSubject       = "sub"
	ClaimScopes        = "scp"
	ClaimRoles         = "roles"
	ClaimCorrelationID = "xms_cc"
)

const (
	errNoTenantClaim = "cannot resolve tenant: missing tenant id claim"
	errNoActorClaim  = "cannot resolve tenant: missing actor id claim"
)

// A Context identifies the tenant and actor behind one inbound request. It
// is immutable for the request's lifetime and discarded with the response.
type Context struct {
	TenantID         string
	ActorID          string
	ServicePrincipal bool
	Scopes           []string
	Roles            []string
	ExpiresAt        time.Time
	RequestID        string
	CorrelationID    string
}

// FromClaims builds a Context from validated claims. It fails with an
// Unauthorized error when the tenant or actor claim is missing. The actor is
// taken from the object id claim, falling back to the subject. A request is
// a service-principal request when tenant and actor ids are equal.
func FromClaims(claims jwt.MapClaims) (*Context, error) {
	tid, _ := claims[ClaimTenantID].(string)
	if tid == "" {
		return nil, xerrors.New(xerrors.KindUnauthorized, "ResolveTenant", errNoTenantClaim)
	}

	actor, _ := claims[ClaimObjectID].(string)
	if actor == "" {
		actor, _ = claims[ClaimSubject].(string)
	}
	if actor == "" {
		return nil, xerrors.New(xerrors.KindUnauthorized, "ResolveTenant", errNoActorClaim)
	}

	c := &Context{
		TenantID:         tid,
		ActorID:          actor,
		ServicePrincipal: tid == actor,
		Scopes:           stringsClaim(claims[ClaimScopes]),
		Roles:            stringsClaim(claims[ClaimRoles]),
		RequestID:        uuid.NewString(),
	}

	if cc, ok := claims[ClaimCorrelationID].(string); ok {
		c.CorrelationID = cc
	}
	if exp, err := claims.GetExpirationTime(); err == nil && exp != nil {
		c.ExpiresAt = exp.Time
	}

	return c, nil
}

// Authorize gates access to a resource owned by the supplied tenant. Access
// to a resource of another tenant fails with Forbidden regardless of the
// actor's scopes or roles.
func (c *Context) Authorize(resourceTenantID string) error {
	if resourceTenantID != c.TenantID {
		return &xerrors.Error{
			Kind:      xerrors.KindForbidden,
			Operation: "Authorize",
			Err:       errors.Errorf("cross-tenant access denied: resource belongs to tenant %q", resourceTenantID),
		}
	}
	return nil
}

// HasScope reports whether the context carries the supplied scope.
func (c *Context) HasScope(scope string) bool {
	for _, s := range c.Scopes {
		if s == scope {
			return true
		}
	}
	return false
}

func stringsClaim(v any) []string {
	switch t := v.(type) {
	case string:
		if t == "" {
			return nil
		}
		return strings.Fields(t)
	case []any:
		out := make([]string, 0, len(t))
		for _, e := range t {
			if s, ok := e.(string); ok {
				out = append(out, s)
			}
		}
		return out
	case []string:
		return t
	default:
		return nil
	}
}
