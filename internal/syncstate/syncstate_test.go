// SPDX-FileCopyrightText: 2025 The Scimgate Authors
//
// SPDX-License-Identifier: Apache-2.0

package syncstate

import (
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/spf13/afero"

	"github.com/scimgate/scimgate/internal/drift"
	"github.com/scimgate/scimgate/internal/scim"
)

func TestLoadFreshKey(t *testing.T) {
	s := NewStore(afero.NewMemMapFs(), "/var/lib/scimgate/state")

	st, err := s.Load("acme", "mock-prod")
	if err != nil {
		t.Fatalf("Load(fresh): unexpected error: %v", err)
	}
	if st.Status != StatusIdle {
		t.Errorf("Load(fresh): want status %q, got %q", StatusIdle, st.Status)
	}
	if st.TenantID != "acme" || st.ProviderID != "mock-prod" {
		t.Errorf("Load(fresh): key not set: %+v", st)
	}
}

func TestSaveLoadRoundTrip(t *testing.T) {
	s := NewStore(afero.NewMemMapFs(), "/var/lib/scimgate/state")
	at := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	st := NewState("acme", "Mock-Prod")
	st.Status = StatusCompleted
	st.LastSyncTimestamp = at
	st.SnapshotTimestamp = at
	st.SnapshotChecksum = "abc123"
	st.LastKnown = drift.NewSnapshot(at,
		[]scim.User{{ID: "u1", UserName: "ada@acme.test", Active: true}},
		[]scim.Group{{ID: "g1", DisplayName: "Sales", Members: []string{"u1"}}})
	st.UserCount = 1
	st.GroupCount = 1
	st.DriftLog = []drift.Entry{{ResourceID: "u1", ResourceType: drift.ResourceUser, Type: drift.TypeAdded, DetectedAt: at}}
	st.RecordError(at, "ListUsers", "transient blip")

	if err := s.Save(st); err != nil {
		t.Fatalf("Save(): unexpected error: %v", err)
	}

	// Provider ids are case insensitive at the key level.
	got, err := s.Load("acme", "mock-prod")
	if err != nil {
		t.Fatalf("Load(): unexpected error: %v", err)
	}
	if diff := cmp.Diff(st, got); diff != "" {
		t.Errorf("Save/Load round trip: -want, +got:\n%s", diff)
	}
}

func TestUpdate(t *testing.T) {
	s := NewStore(afero.NewMemMapFs(), "/state")

	err := s.Update("acme", "mock-prod", func(st *State) error {
		st.Status = StatusInProgress
		return nil
	})
	if err != nil {
		t.Fatalf("Update(): unexpected error: %v", err)
	}

	st, err := s.Load("acme", "mock-prod")
	if err != nil {
		t.Fatalf("Load(): unexpected error: %v", err)
	}
	if st.Status != StatusInProgress {
		t.Errorf("Update(): want status persisted, got %q", st.Status)
	}
}

func TestCloneIsolatesLogs(t *testing.T) {
	st := NewState("acme", "mock-prod")
	st.ConflictLog = []drift.Conflict{{ID: "c1", ResourceID: "u1", Type: drift.ConflictDualModification}}
	st.LastKnown = drift.NewSnapshot(time.Now(), nil,
		[]scim.Group{{ID: "g1", DisplayName: "Sales", Members: []string{"u1"}}})

	c := st.Clone()
	c.ConflictLog[0].Resolved = true
	c.LastKnown.Groups["g1"] = scim.Group{ID: "g1", DisplayName: "Renamed"}

	if st.ConflictLog[0].Resolved {
		t.Errorf("mutating a clone's logs must not touch the original")
	}
	if st.LastKnown.Groups["g1"].DisplayName != "Sales" {
		t.Errorf("mutating a clone's snapshot must not touch the original")
	}
}

func TestUnresolvedConflicts(t *testing.T) {
	st := NewState("acme", "mock-prod")
	st.ConflictLog = []drift.Conflict{
		{ID: "c1", ResourceID: "u1", Resolved: false},
		{ID: "c2", ResourceID: "u2", Resolved: true},
		{ID: "c3", ResourceID: "g1", Resolved: false},
	}

	got := st.UnresolvedConflicts()
	if len(got) != 2 {
		t.Fatalf("want 2 blocked resources, got %d", len(got))
	}
	if _, blocked := got["u1"]; !blocked {
		t.Errorf("u1 should be blocked")
	}
	if _, blocked := got["u2"]; blocked {
		t.Errorf("resolved conflicts must not block")
	}
}
