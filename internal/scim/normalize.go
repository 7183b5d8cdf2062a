// SPDX-FileCopyrightText: 2025 The Scimgate Authors
//
// SPDX-License-Identifier: Apache-2.0

package scim

import (
	"sort"
)

// UserAttributes flattens a user into the normalized attribute map used for
// filter evaluation and snapshot comparison. Volatile metadata (timestamps,
// version) is deliberately excluded so that provider-side touch updates do
// not read as drift.
func UserAttributes(u User) map[string]any {
	return map[string]any{
		"id":          u.ID,
		"externalId":  u.ExternalID,
		"userName":    u.UserName,
		"displayName": u.DisplayName,
		"department":  u.Department,
		"active":      u.Active,
	}
}

// GroupAttributes flattens a group into its normalized attribute map. The
// member list is copied and sorted so that two groups with the same members
// in different orders normalize identically.
func GroupAttributes(g Group) map[string]any {
	members := append([]string(nil), g.Members...)
	sort.Strings(members)
	return map[string]any{
		"id":          g.ID,
		"externalId":  g.ExternalID,
		"displayName": g.DisplayName,
		"members":     members,
	}
}

// SortUsers orders users by the supplied attribute for list responses.
func SortUsers(users []User, sortBy string, order SortOrder) {
	if sortBy == "" {
		sortBy = "userName"
	}
	sort.SliceStable(users, func(i, j int) bool {
		a, _ := lookupAttr(UserAttributes(users[i]), sortBy)
		b, _ := lookupAttr(UserAttributes(users[j]), sortBy)
		less := stringify(a) < stringify(b)
		if order == SortDescending {
			return !less
		}
		return less
	})
}

// SortGroups orders groups by the supplied attribute for list responses.
func SortGroups(groups []Group, sortBy string, order SortOrder) {
	if sortBy == "" {
		sortBy = "displayName"
	}
	sort.SliceStable(groups, func(i, j int) bool {
		a, _ := lookupAttr(GroupAttributes(groups[i]), sortBy)
		b, _ := lookupAttr(GroupAttributes(groups[j]), sortBy)
		less := stringify(a) < stringify(b)
		if order == SortDescending {
			return !less
		}
		return less
	})
}

func stringify(v any) string {
	if v == nil {
		return ""
	}
	if s, ok := v.(string); ok {
		return s
	}
	return ""
}
