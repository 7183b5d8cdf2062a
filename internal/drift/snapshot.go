// SPDX-FileCopyrightText: 2025 The Scimgate Authors
//
// SPDX-License-Identifier: Apache-2.0

package drift

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"time"

	"github.com/mitchellh/hashstructure/v2"
	"github.com/pkg/errors"

	"github.com/scimgate/scimgate/internal/scim"
)

// Error strings.
const (
	errSerializeSnapshot = "cannot serialize snapshot"
	errHashSnapshot      = "cannot hash snapshot"
)

// A Snapshot is the state of a provider's resources at one point in time,
// keyed by resource id.
type Snapshot struct {
	TakenAt time.Time             `json:"takenAt"`
	Users   map[string]scim.User  `json:"users"`
	Groups  map[string]scim.Group `json:"groups"`
}

// NewSnapshot builds a snapshot from listed resources.
func NewSnapshot(takenAt time.Time, users []scim.User, groups []scim.Group) Snapshot {
	s := Snapshot{
		TakenAt: takenAt,
		Users:   make(map[string]scim.User, len(users)),
		Groups:  make(map[string]scim.Group, len(groups)),
	}
	for _, u := range users {
		s.Users[u.ID] = u
	}
	for _, g := range groups {
		s.Groups[g.ID] = g
	}
	return s
}

// UserCount returns the number of users in the snapshot.
func (s Snapshot) UserCount() int { return len(s.Users) }

// GroupCount returns the number of groups in the snapshot.
func (s Snapshot) GroupCount() int { return len(s.Groups) }

// normalized is the canonical serialized form of a snapshot. Volatile meta
// fields are excluded so that a checksum only changes when content does.
func (s Snapshot) normalized() map[string]map[string]map[string]any {
	users := make(map[string]map[string]any, len(s.Users))
	for id, u := range s.Users {
		users[id] = scim.UserAttributes(u)
	}
	groups := make(map[string]map[string]any, len(s.Groups))
	for id, g := range s.Groups {
		groups[id] = scim.GroupAttributes(g)
	}
	return map[string]map[string]map[string]any{"users": users, "groups": groups}
}

// Serialize returns the canonical JSON form of the snapshot's content.
// Map keys serialize in sorted order, so equal content yields equal bytes.
func (s Snapshot) Serialize() ([]byte, error) {
	b, err := json.Marshal(s.normalized())
	return b, errors.Wrap(err, errSerializeSnapshot)
}

// Checksum returns the hex SHA-256 over the canonical serialization.
func (s Snapshot) Checksum() (string, error) {
	b, err := s.Serialize()
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:]), nil
}

// Hash returns a fast structural hash of the snapshot's content. It is the
// no-change fast path; the SHA-256 checksum remains the persisted identity.
func (s Snapshot) Hash() (uint64, error) {
	h, err := hashstructure.Hash(s.normalized(), hashstructure.FormatV2, nil)
	return h, errors.Wrap(err, errHashSnapshot)
}

// Equal reports whether two snapshots have identical content, using the
// structural hash.
func Equal(a, b Snapshot) bool {
	ha, erra := a.Hash()
	hb, errb := b.Hash()
	if erra != nil || errb != nil {
		return false
	}
	return ha == hb
}
