// SPDX-FileCopyrightText: 2025 The Scimgate Authors
//
// SPDX-License-Identifier: Apache-2.0

// Package scim contains the canonical SCIM 2.0 resource records the gateway
// core moves between the upstream directory and provider adapters, plus the
// query filter language adapters are required to honor.
package scim

import (
	"fmt"
	"time"

	"github.com/scimgate/scimgate/internal/xerrors"
)

// Schema URNs for the resources the gateway handles.
const (
	SchemaUser  = "urn:ietf:params:scim:schemas:core:2.0:User"
	SchemaGroup = "urn:ietf:params:scim:schemas:core:2.0:Group"
)

// Resource types.
const (
	ResourceTypeUser  = "User"
	ResourceTypeGroup = "Group"
)

// Meta is the common SCIM resource metadata. Version is a monotonic token
// used for optimistic concurrency, in weak ETag form (`W/"N"`).
type Meta struct {
	ResourceType string    `json:"resourceType,omitempty"`
	Created      time.Time `json:"created,omitempty"`
	LastModified time.Time `json:"lastModified,omitempty"`
	Version      string    `json:"version,omitempty"`
}

// A User is the canonical SCIM user record.
type User struct {
	ID          string `json:"id,omitempty"`
	ExternalID  string `json:"externalId,omitempty"`
	UserName    string `json:"userName"`
	DisplayName string `json:"displayName,omitempty"`
	Department  string `json:"department,omitempty"`
	Active      bool   `json:"active"`
	Meta        Meta   `json:"meta,omitempty"`
}

// A Group is the canonical SCIM group record. Members are represented as
// ids only; back-references resolve lazily on read.
type Group struct {
	ID          string   `json:"id,omitempty"`
	ExternalID  string   `json:"externalId,omitempty"`
	DisplayName string   `json:"displayName"`
	Members     []string `json:"members,omitempty"`
	Meta        Meta     `json:"meta,omitempty"`
}

// SortOrder of a list query.
type SortOrder string

// Sort orders.
const (
	SortAscending  SortOrder = "ascending"
	SortDescending SortOrder = "descending"
)

// Query filter bounds.
const (
	MinStartIndex = 1
	MinCount      = 1
	MaxCount      = 1000
)

// A QueryFilter scopes a list operation. StartIndex is 1-based per RFC 7644.
type QueryFilter struct {
	Filter             string    `json:"filter,omitempty"`
	Attributes         []string  `json:"attributes,omitempty"`
	ExcludedAttributes []string  `json:"excludedAttributes,omitempty"`
	SortBy             string    `json:"sortBy,omitempty"`
	SortOrder          SortOrder `json:"sortOrder,omitempty"`
	StartIndex         int       `json:"startIndex"`
	Count              int       `json:"count"`
}

// Valid reports whether the filter's paging window is inside the allowed
// bounds.
func (f QueryFilter) Valid() bool {
	return f.StartIndex >= MinStartIndex && f.Count >= MinCount && f.Count <= MaxCount
}

// Validate returns a typed error describing why the filter is invalid, or
// nil.
func (f QueryFilter) Validate() error {
	if f.StartIndex < MinStartIndex {
		return xerrors.New(xerrors.KindInvalidSyntax, "List", fmt.Sprintf("startIndex must be >= %d", MinStartIndex))
	}
	if f.Count < MinCount {
		return xerrors.New(xerrors.KindInvalidSyntax, "List", fmt.Sprintf("count must be >= %d", MinCount))
	}
	if f.Count > MaxCount {
		return xerrors.New(xerrors.KindTooMany, "List", fmt.Sprintf("count must be <= %d", MaxCount))
	}
	return nil
}

// A Page is one window of a paginated list result.
type Page[T any] struct {
	Resources    []T `json:"Resources"`
	TotalResults int `json:"totalResults"`
	StartIndex   int `json:"startIndex"`
	ItemsPerPage int `json:"itemsPerPage"`
}

// HasMore reports whether another page follows this one.
func (p Page[T]) HasMore() bool {
	return p.StartIndex+p.ItemsPerPage <= p.TotalResults
}

// Version formats a weak ETag version token from a revision counter.
func Version(revision int) string {
	return fmt.Sprintf(`W/"%d"`, revision)
}
