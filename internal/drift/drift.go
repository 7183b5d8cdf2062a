// SPDX-FileCopyrightText: 2025 The Scimgate Authors
//
// SPDX-License-Identifier: Apache-2.0

// Package drift detects divergence between resource snapshots and defines
// the drift and conflict log vocabulary shared by the transformation engine,
// the reconciler, and the polling service.
package drift

import (
	"time"

	"github.com/google/uuid"
)

// A Type classifies one drift log entry.
type Type string

// Drift types.
const (
	TypeAdded              Type = "Added"
	TypeDeleted            Type = "Deleted"
	TypeModified           Type = "Modified"
	TypeAttributeMismatch  Type = "AttributeMismatch"
	TypeMembershipMismatch Type = "MembershipMismatch"

	// TypeSuspiciousEmptyResponse is a warning entry: the provider returned
	// nothing while the last snapshot had resources. Deletions are not
	// applied for that tick.
	TypeSuspiciousEmptyResponse Type = "SuspiciousEmptyResponse"
)

// Resource types drift entries refer to.
const (
	ResourceUser  = "User"
	ResourceGroup = "Group"
)

// A Change is one attribute-level difference.
type Change struct {
	Attribute string `json:"attribute"`
	Old       any    `json:"old,omitempty"`
	New       any    `json:"new,omitempty"`
}

// An Entry is one detected divergence for a resource.
type Entry struct {
	ResourceID   string `json:"resourceId"`
	ResourceType string `json:"resourceType"`
	Type         Type   `json:"driftType"`

	// OldValue and NewValue are the normalized forms on each side. Nil for
	// the side on which the resource does not exist.
	OldValue map[string]any `json:"oldValue,omitempty"`
	NewValue map[string]any `json:"newValue,omitempty"`

	// Changes lists the differing attributes for Modified entries.
	Changes []Change `json:"changes,omitempty"`

	// AddedMembers and RemovedMembers carry the member-set delta for
	// MembershipMismatch entries.
	AddedMembers   []string `json:"addedMembers,omitempty"`
	RemovedMembers []string `json:"removedMembers,omitempty"`

	DetectedAt           time.Time  `json:"detectedAt"`
	Reconciled           bool       `json:"reconciled"`
	ReconciledAt         *time.Time `json:"reconciledAt,omitempty"`
	ReconciliationAction string     `json:"reconciliationAction,omitempty"`
}

// A ConflictType classifies one conflict log entry.
type ConflictType string

// Conflict types.
const (
	ConflictDualModification       ConflictType = "DualModification"
	ConflictDeleteModify           ConflictType = "DeleteModifyConflict"
	ConflictUniquenessViolation    ConflictType = "UniquenessViolation"
	ConflictTransformationConflict ConflictType = "TransformationConflict"
)

// A Conflict records a divergence that policy alone cannot resolve. While
// unresolved it blocks auto-reconciliation of its resource.
type Conflict struct {
	ID           string       `json:"conflictId"`
	ResourceID   string       `json:"resourceId"`
	ResourceType string       `json:"resourceType"`
	Type         ConflictType `json:"conflictType"`

	UpstreamChange map[string]any `json:"upstreamChange,omitempty"`
	ProviderChange map[string]any `json:"providerChange,omitempty"`

	SuggestedResolution string `json:"suggestedResolution,omitempty"`

	Resolved   bool       `json:"resolved"`
	ResolvedAt *time.Time `json:"resolvedAt,omitempty"`
	ResolvedBy string     `json:"resolvedBy,omitempty"`
	Resolution string     `json:"resolution,omitempty"`

	DetectedAt time.Time `json:"detectedAt"`
}

// NewConflict creates an unresolved conflict with a fresh id.
func NewConflict(resourceID, resourceType string, ct ConflictType) Conflict {
	return Conflict{
		ID:                  uuid.NewString(),
		ResourceID:          resourceID,
		ResourceType:        resourceType,
		Type:                ct,
		SuggestedResolution: "MANUAL_REVIEW",
		DetectedAt:          time.Now().UTC(),
	}
}
