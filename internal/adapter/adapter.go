// SPDX-FileCopyrightText: 2025 The Scimgate Authors
//
// SPDX-License-Identifier: Apache-2.0

// Package adapter defines the capability contract every downstream provider
// integration implements, and the operation executor that makes calling one
// safe: concurrency bounds, circuit breaking, timeouts, error translation,
// and audit.
package adapter

import (
	"context"
	"time"

	"github.com/scimgate/scimgate/internal/scim"
)

// An EntitlementType is the provider-side representation a group maps to.
type EntitlementType string

// Entitlement types.
const (
	EntitlementRole              EntitlementType = "ROLE"
	EntitlementPermissionSet     EntitlementType = "PERMISSION_SET"
	EntitlementOrgHierarchyLevel EntitlementType = "ORG_HIERARCHY_LEVEL"
	EntitlementGroup             EntitlementType = "GROUP"
	EntitlementDepartment        EntitlementType = "DEPARTMENT"
	EntitlementCustom            EntitlementType = "CUSTOM"
)

// MetadataPrivilegeRank is the entitlement metadata key holding the numeric
// privilege rank used by HIGHEST_PRIVILEGE conflict resolution.
const MetadataPrivilegeRank = "privilegeRank"

// An Entitlement is a provider-side assignment target.
type Entitlement struct {
	ProviderID   string            `json:"providerId"`
	ID           string            `json:"providerEntitlementId"`
	Name         string            `json:"name"`
	Type         EntitlementType   `json:"type"`
	MappedGroups []string          `json:"mappedGroups,omitempty"`
	Priority     int               `json:"priority"`
	Enabled      bool              `json:"enabled"`
	Metadata     map[string]string `json:"metadata,omitempty"`
}

// Capabilities advertises what an adapter instance supports. The core
// clamps caller page sizes to MaxPageSize.
type Capabilities struct {
	SupportsPatch         bool
	SupportsSorting       bool
	SupportsEntitlements  bool
	BidirectionalIdentity bool
	MaxPageSize           int
}

// Health is an adapter's self-reported status.
type Health struct {
	Healthy   bool
	Detail    string
	CheckedAt time.Time
}

// Config is the process-wide configuration of one adapter instance. It is
// loaded at startup, shared immutably, and replaced wholesale on refresh.
type Config struct {
	// ProviderID uniquely identifies the instance, e.g. "salesforce-prod".
	// The same provider in another environment is a distinct id.
	ProviderID string `json:"providerId"`

	// ProviderName is the human readable provider, e.g. "salesforce".
	ProviderName string `json:"providerName"`

	APIBaseURL    string `json:"apiBaseUrl"`
	CredentialRef string `json:"credentialRef"`

	// GroupMappingStrategy selects how groups become entitlements for
	// this provider, e.g. "transform" or "passthrough".
	GroupMappingStrategy string `json:"groupMappingStrategy"`

	// Environment tags the instance, e.g. "prod" or "sandbox".
	Environment string `json:"environment"`

	MaxConcurrentRequests int           `json:"maxConcurrentRequests"`
	RequestTimeout        time.Duration `json:"requestTimeout"`
	MaxRetries            int           `json:"maxRetries"`

	CustomSettings map[string]string `json:"customSettings,omitempty"`
}

// Defaults for adapter configuration.
const (
	DefaultMaxConcurrentRequests = 10
	DefaultRequestTimeout        = 30 * time.Second
	DefaultMaxRetries            = 3
)

// WithDefaults fills unset fields with defaults.
func (c Config) WithDefaults() Config {
	if c.MaxConcurrentRequests <= 0 {
		c.MaxConcurrentRequests = DefaultMaxConcurrentRequests
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = DefaultRequestTimeout
	}
	if c.MaxRetries < 0 {
		c.MaxRetries = DefaultMaxRetries
	}
	return c
}

// An Adapter is a provider-specific implementation of the common SCIM-like
// operation set.
//
// Contracts: Get* return nil without error when the resource does not exist
// (absent is not an error). Create fails with Uniqueness on a duplicate
// userName or displayName. Update of an absent id fails with
// ResourceNotFound. List honors the filter, sorting, and the 1-based
// startIndex/count window. All failures are typed *xerrors.Error values.
type Adapter interface {
	UserOperations
	GroupOperations
	MembershipOperations
	EntitlementOperations
	Diagnostics
}

// UserOperations is the user CRUD surface of an adapter.
type UserOperations interface {
	CreateUser(ctx context.Context, u scim.User) (scim.User, error)
	GetUser(ctx context.Context, id string) (*scim.User, error)
	UpdateUser(ctx context.Context, u scim.User) (scim.User, error)
	DeleteUser(ctx context.Context, id string) error
	ListUsers(ctx context.Context, f scim.QueryFilter) (scim.Page[scim.User], error)
}

// GroupOperations is the group CRUD surface of an adapter.
type GroupOperations interface {
	CreateGroup(ctx context.Context, g scim.Group) (scim.Group, error)
	GetGroup(ctx context.Context, id string) (*scim.Group, error)
	UpdateGroup(ctx context.Context, g scim.Group) (scim.Group, error)
	DeleteGroup(ctx context.Context, id string) error
	ListGroups(ctx context.Context, f scim.QueryFilter) (scim.Page[scim.Group], error)
}

// MembershipOperations manages group membership by id.
type MembershipOperations interface {
	AddUserToGroup(ctx context.Context, groupID, userID string) error
	RemoveUserFromGroup(ctx context.Context, groupID, userID string) error
	ListGroupMembers(ctx context.Context, groupID string) ([]string, error)
}

// EntitlementOperations maps between upstream groups and provider
// entitlements.
type EntitlementOperations interface {
	MapGroupToEntitlement(ctx context.Context, g scim.Group) ([]Entitlement, error)
	MapEntitlementToGroup(ctx context.Context, e Entitlement) (scim.Group, error)
}

// Diagnostics is the health and capability surface of an adapter.
type Diagnostics interface {
	CheckHealth(ctx context.Context) (Health, error)
	GetCapabilities() Capabilities
}

// ClampPage bounds a caller's page request to the adapter's advertised
// maximum page size.
func ClampPage(f scim.QueryFilter, caps Capabilities) scim.QueryFilter {
	if caps.MaxPageSize > 0 && f.Count > caps.MaxPageSize {
		f.Count = caps.MaxPageSize
	}
	return f
}
