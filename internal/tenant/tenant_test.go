// SPDX-FileCopyrightText: 2025 The Scimgate Authors
//
// SPDX-License-Identifier: Apache-2.0

package tenant

import (
	"testing"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"

	"github.com/scimgate/scimgate/internal/xerrors"
)

func TestFromClaims(t *testing.T) {
	type want struct {
		ctx  *Context
		kind xerrors.Kind
	}

	cases := map[string]struct {
		reason string
		claims jwt.MapClaims
		want   want
	}{
		"UserRequest": {
			reason: "A user token with distinct tenant and object ids should resolve to a non-service-principal context",
			claims: jwt.MapClaims{
				ClaimTenantID: "acme",
				ClaimObjectID: "user-1",
				ClaimScopes:   "Users.ReadWrite Groups.ReadWrite",
				ClaimRoles:    []any{"Directory.Admin"},
			},
			want: want{ctx: &Context{
				TenantID: "acme",
				ActorID:  "user-1",
				Scopes:   []string{"Users.ReadWrite", "Groups.ReadWrite"},
				Roles:    []string{"Directory.Admin"},
			}},
		},
		"ServicePrincipal": {
			reason: "Equal tenant and actor ids mark a service-principal request",
			claims: jwt.MapClaims{
				ClaimTenantID: "acme",
				ClaimObjectID: "acme",
			},
			want: want{ctx: &Context{
				TenantID:         "acme",
				ActorID:          "acme",
				ServicePrincipal: true,
			}},
		},
		"SubjectFallback": {
			reason: "The subject claim should serve as the actor when the object id is absent",
			claims: jwt.MapClaims{
				ClaimTenantID: "acme",
				ClaimSubject:  "svc-provisioner",
			},
			want: want{ctx: &Context{
				TenantID: "acme",
				ActorID:  "svc-provisioner",
			}},
		},
		"MissingTenant": {
			reason: "A token without a tenant id cannot be resolved",
			claims: jwt.MapClaims{
				ClaimObjectID: "user-1",
			},
			want: want{kind: xerrors.KindUnauthorized},
		},
		"MissingActor": {
			reason: "A token without object id or subject cannot be resolved",
			claims: jwt.MapClaims{
				ClaimTenantID: "acme",
			},
			want: want{kind: xerrors.KindUnauthorized},
		},
	}

	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			got, err := FromClaims(tc.claims)

			if tc.want.kind != "" {
				if err == nil {
					t.Fatalf("%s\nFromClaims(...): expected error, got nil", tc.reason)
				}
				if kind := xerrors.KindOf(err); kind != tc.want.kind {
					t.Errorf("%s\nFromClaims(...): want kind %q, got %q", tc.reason, tc.want.kind, kind)
				}
				return
			}

			if err != nil {
				t.Fatalf("%s\nFromClaims(...): unexpected error: %v", tc.reason, err)
			}
			if got.RequestID == "" {
				t.Errorf("%s\nFromClaims(...): expected a generated request id", tc.reason)
			}
			ignore := cmpopts.IgnoreFields(Context{}, "RequestID")
			if diff := cmp.Diff(tc.want.ctx, got, ignore); diff != "" {
				t.Errorf("%s\nFromClaims(...): -want, +got:\n%s", tc.reason, diff)
			}
		})
	}
}

func TestAuthorize(t *testing.T) {
	c := &Context{TenantID: "acme", ActorID: "user-1"}

	cases := map[string]struct {
		reason         string
		resourceTenant string
		wantKind       xerrors.Kind
	}{
		"SameTenant": {
			reason:         "Access to a resource of the same tenant is allowed",
			resourceTenant: "acme",
		},
		"CrossTenant": {
			reason:         "Access to another tenant's resource fails with Forbidden",
			resourceTenant: "globex",
			wantKind:       xerrors.KindForbidden,
		},
	}

	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			err := c.Authorize(tc.resourceTenant)

			if tc.wantKind == "" {
				if err != nil {
					t.Fatalf("%s\nContext.Authorize(...): unexpected error: %v", tc.reason, err)
				}
				return
			}
			if kind := xerrors.KindOf(err); kind != tc.wantKind {
				t.Errorf("%s\nContext.Authorize(...): want kind %q, got %q", tc.reason, tc.wantKind, kind)
			}
		})
	}
}
