// SPDX-FileCopyrightText: 2025 The Scimgate Authors
//
// SPDX-License-Identifier: Apache-2.0

package transform

import (
	"time"

	"github.com/scimgate/scimgate/internal/drift"
	"github.com/scimgate/scimgate/internal/scim"
)

// A Preview reports what a transformation would produce without applying
// it. AppliedAt is always nil; nothing is persisted and no adapter is
// invoked.
type Preview struct {
	MatchedRuleID string           `json:"matchedRuleId,omitempty"`
	Transformed   []string         `json:"transformedEntitlement,omitempty"`
	Conflicts     []drift.Conflict `json:"conflicts,omitempty"`
	AppliedAt     *time.Time       `json:"appliedAt"`
}

// PreviewTransform evaluates the rules for a group without side effects. It
// emits no audit records; callers surface the result directly to the admin
// who asked.
func (e *Engine) PreviewTransform(tenantID, providerID string, g scim.Group) (Preview, error) {
	res, err := e.Transform(tenantID, providerID, g)
	if err != nil {
		return Preview{}, err
	}
	p := Preview{Transformed: res.Values}
	if len(res.Matches) > 0 {
		p.MatchedRuleID = res.Matches[0].RuleID
	}
	if res.Conflict != nil {
		p.Conflicts = []drift.Conflict{*res.Conflict}
	}
	return p, nil
}
