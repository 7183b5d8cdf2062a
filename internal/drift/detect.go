// SPDX-FileCopyrightText: 2025 The Scimgate Authors
//
// SPDX-License-Identifier: Apache-2.0

package drift

import (
	"reflect"
	"sort"
	"time"

	"github.com/scimgate/scimgate/internal/scim"
)

// Detect compares two snapshots and returns the drift between them. The
// detector is stateless; entries are ordered by resource id within each
// drift class (users first, then groups) so output is deterministic.
//
// Identical snapshots short-circuit on a structural hash before any
// per-resource comparison.
func Detect(previous, current Snapshot) []Entry {
	if Equal(previous, current) {
		return nil
	}
	now := time.Now().UTC()

	var out []Entry
	out = append(out, detectUsers(previous, current, now)...)
	out = append(out, detectGroups(previous, current, now)...)
	return out
}

func detectUsers(previous, current Snapshot, now time.Time) []Entry {
	var out []Entry
	for _, id := range sortedUserIDs(current) {
		cur := scim.UserAttributes(current.Users[id])
		prev, existed := previous.Users[id]
		if !existed {
			out = append(out, Entry{ResourceID: id, ResourceType: ResourceUser, Type: TypeAdded, NewValue: cur, DetectedAt: now})
			continue
		}
		old := scim.UserAttributes(prev)
		if changes := diffAttrs(old, cur); len(changes) > 0 {
			out = append(out, Entry{
				ResourceID:   id,
				ResourceType: ResourceUser,
				Type:         TypeModified,
				OldValue:     old,
				NewValue:     cur,
				Changes:      changes,
				DetectedAt:   now,
			})
		}
	}
	for _, id := range sortedUserIDs(previous) {
		if _, exists := current.Users[id]; !exists {
			out = append(out, Entry{
				ResourceID:   id,
				ResourceType: ResourceUser,
				Type:         TypeDeleted,
				OldValue:     scim.UserAttributes(previous.Users[id]),
				DetectedAt:   now,
			})
		}
	}
	return out
}

func detectGroups(previous, current Snapshot, now time.Time) []Entry {
	var out []Entry
	for _, id := range sortedGroupIDs(current) {
		cur := scim.GroupAttributes(current.Groups[id])
		prev, existed := previous.Groups[id]
		if !existed {
			out = append(out, Entry{ResourceID: id, ResourceType: ResourceGroup, Type: TypeAdded, NewValue: cur, DetectedAt: now})
			continue
		}
		old := scim.GroupAttributes(prev)

		// Membership and attribute drift are distinct entries; a rename plus
		// a member change yields both.
		added, removed := memberDelta(old, cur)
		if len(added) > 0 || len(removed) > 0 {
			out = append(out, Entry{
				ResourceID:     id,
				ResourceType:   ResourceGroup,
				Type:           TypeMembershipMismatch,
				OldValue:       old,
				NewValue:       cur,
				AddedMembers:   added,
				RemovedMembers: removed,
				DetectedAt:     now,
			})
		}
		if changes := diffAttrs(withoutMembers(old), withoutMembers(cur)); len(changes) > 0 {
			out = append(out, Entry{
				ResourceID:   id,
				ResourceType: ResourceGroup,
				Type:         TypeModified,
				OldValue:     old,
				NewValue:     cur,
				Changes:      changes,
				DetectedAt:   now,
			})
		}
	}
	for _, id := range sortedGroupIDs(previous) {
		if _, exists := current.Groups[id]; !exists {
			out = append(out, Entry{
				ResourceID:   id,
				ResourceType: ResourceGroup,
				Type:         TypeDeleted,
				OldValue:     scim.GroupAttributes(previous.Groups[id]),
				DetectedAt:   now,
			})
		}
	}
	return out
}

// diffAttrs returns the attribute-level differences between two normalized
// forms, changed leaves only, sorted by attribute name.
func diffAttrs(old, cur map[string]any) []Change {
	keys := map[string]struct{}{}
	for k := range old {
		keys[k] = struct{}{}
	}
	for k := range cur {
		keys[k] = struct{}{}
	}

	var out []Change
	for k := range keys {
		ov, cv := old[k], cur[k]
		if !reflect.DeepEqual(ov, cv) {
			out = append(out, Change{Attribute: k, Old: ov, New: cv})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Attribute < out[j].Attribute })
	return out
}

func withoutMembers(attrs map[string]any) map[string]any {
	out := make(map[string]any, len(attrs))
	for k, v := range attrs {
		if k == "members" {
			continue
		}
		out[k] = v
	}
	return out
}

// memberDelta returns the member ids present only on one side. Both inputs
// hold sorted member lists, so the outputs are sorted too.
func memberDelta(old, cur map[string]any) (added, removed []string) {
	om, _ := old["members"].([]string)
	cm, _ := cur["members"].([]string)
	oset := make(map[string]struct{}, len(om))
	for _, m := range om {
		oset[m] = struct{}{}
	}
	cset := make(map[string]struct{}, len(cm))
	for _, m := range cm {
		cset[m] = struct{}{}
	}
	for _, m := range cm {
		if _, ok := oset[m]; !ok {
			added = append(added, m)
		}
	}
	for _, m := range om {
		if _, ok := cset[m]; !ok {
			removed = append(removed, m)
		}
	}
	return added, removed
}

func sortedUserIDs(s Snapshot) []string {
	ids := make([]string, 0, len(s.Users))
	for id := range s.Users {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func sortedGroupIDs(s Snapshot) []string {
	ids := make([]string, 0, len(s.Groups))
	for id := range s.Groups {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
