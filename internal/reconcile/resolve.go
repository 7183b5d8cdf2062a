// SPDX-FileCopyrightText: 2025 The Scimgate Authors
//
// SPDX-License-Identifier: Apache-2.0

package reconcile

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/scimgate/scimgate/internal/drift"
	"github.com/scimgate/scimgate/internal/scim"
	"github.com/scimgate/scimgate/internal/syncstate"
	"github.com/scimgate/scimgate/internal/xerrors"
)

// Resolve executes an admin's decision on an unresolved conflict and marks
// it resolved. APPLY_UPSTREAM writes the quarantined upstream value to the
// provider; APPLY_PROVIDER writes the provider value to the upstream;
// CUSTOM:<json> writes the supplied payload to the provider; IGNORE only
// marks the conflict resolved. Once resolved, the resource is eligible for
// auto-reconciliation on the next pass.
func (r *Reconciler) Resolve(ctx context.Context, st *syncstate.State, conflictID, resolvedBy, resolution string) error {
	idx := -1
	for i, c := range st.ConflictLog {
		if c.ID == conflictID && !c.Resolved {
			idx = i
			break
		}
	}
	if idx < 0 {
		return xerrors.New(xerrors.KindResourceNotFound, "Resolve", errNoSuchConflict+": "+conflictID)
	}
	c := st.ConflictLog[idx]

	switch {
	case resolution == ResolutionIgnore:
		// No write; the divergence stands until a future pass re-detects it.
	case resolution == ResolutionApplyUpstream:
		if err := r.applyResolved(ctx, c.ResourceType, c.ResourceID, c.UpstreamChange, sideProvider); err != nil {
			return err
		}
	case resolution == ResolutionApplyProvider:
		if err := r.applyResolved(ctx, c.ResourceType, c.ResourceID, c.ProviderChange, sideUpstream); err != nil {
			return err
		}
	case strings.HasPrefix(resolution, ResolutionCustomPrefix):
		payload := strings.TrimPrefix(resolution, ResolutionCustomPrefix)
		attrs := map[string]any{}
		if err := json.Unmarshal([]byte(payload), &attrs); err != nil {
			return xerrors.New(xerrors.KindInvalidSyntax, "Resolve", errBadCustomPayload+": "+err.Error())
		}
		if err := r.applyResolved(ctx, c.ResourceType, c.ResourceID, attrs, sideProvider); err != nil {
			return err
		}
	default:
		return xerrors.New(xerrors.KindInvalidSyntax, "Resolve", errUnknownResolution+": "+resolution)
	}

	now := time.Now().UTC()
	c.Resolved = true
	c.ResolvedAt = &now
	c.ResolvedBy = resolvedBy
	c.Resolution = resolution
	st.ConflictLog[idx] = c
	r.log.Info("conflict resolved",
		"conflictId", conflictID, "resolvedBy", resolvedBy, "resolution", resolution)
	return nil
}

// applyResolved writes a normalized resource form to one side. A nil form
// means the winning side had deleted the resource.
func (r *Reconciler) applyResolved(ctx context.Context, resourceType, resourceID string, attrs map[string]any, writeTo side) error {
	if writeTo == sideUpstream && r.upstream == nil {
		return xerrors.New(xerrors.KindInternalError, "Resolve", errNoUpstreamWriter)
	}

	if resourceType == drift.ResourceUser {
		if attrs == nil {
			if writeTo == sideProvider {
				return r.provider.DeleteUser(ctx, resourceID)
			}
			return r.upstream.DeleteUser(ctx, resourceID)
		}
		u := userFromAttrs(resourceID, attrs)
		if writeTo == sideProvider {
			return r.upsertProviderUser(ctx, u)
		}
		_, err := r.upstream.UpdateUser(ctx, u)
		return err
	}

	if attrs == nil {
		if writeTo == sideProvider {
			return r.provider.DeleteGroup(ctx, resourceID)
		}
		return r.upstream.DeleteGroup(ctx, resourceID)
	}
	g := groupFromAttrs(resourceID, attrs)
	if writeTo == sideProvider {
		return r.upsertProviderGroup(ctx, g)
	}
	_, err := r.upstream.UpdateGroup(ctx, g)
	return err
}

func (r *Reconciler) upsertProviderUser(ctx context.Context, u scim.User) error {
	existing, err := r.provider.GetUser(ctx, u.ID)
	if err != nil {
		return err
	}
	if existing == nil {
		_, err = r.provider.CreateUser(ctx, u)
		return err
	}
	_, err = r.provider.UpdateUser(ctx, u)
	return err
}

func (r *Reconciler) upsertProviderGroup(ctx context.Context, g scim.Group) error {
	existing, err := r.provider.GetGroup(ctx, g.ID)
	if err != nil {
		return err
	}
	if existing == nil {
		_, err = r.provider.CreateGroup(ctx, g)
		return err
	}
	_, err = r.provider.UpdateGroup(ctx, g)
	return err
}

func userFromAttrs(id string, attrs map[string]any) scim.User {
	return scim.User{
		ID:          id,
		ExternalID:  str(attrs["externalId"]),
		UserName:    str(attrs["userName"]),
		DisplayName: str(attrs["displayName"]),
		Department:  str(attrs["department"]),
		Active:      boolean(attrs["active"]),
	}
}

func groupFromAttrs(id string, attrs map[string]any) scim.Group {
	return scim.Group{
		ID:          id,
		ExternalID:  str(attrs["externalId"]),
		DisplayName: str(attrs["displayName"]),
		Members:     stringSlice(attrs["members"]),
	}
}

func str(v any) string {
	s, _ := v.(string)
	return s
}

func boolean(v any) bool {
	b, _ := v.(bool)
	return b
}

func stringSlice(v any) []string {
	switch t := v.(type) {
	case []string:
		return append([]string(nil), t...)
	case []any:
		out := make([]string, 0, len(t))
		for _, e := range t {
			out = append(out, str(e))
		}
		return out
	}
	return nil
}
