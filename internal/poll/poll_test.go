// SPDX-FileCopyrightText: 2025 The Scimgate Authors
//
// SPDX-License-Identifier: Apache-2.0

package poll

import (
	"context"
	"testing"
	"time"

	"github.com/spf13/afero"

	"github.com/scimgate/scimgate/internal/adapter"
	"github.com/scimgate/scimgate/internal/adapter/mock"
	"github.com/scimgate/scimgate/internal/drift"
	"github.com/scimgate/scimgate/internal/reconcile"
	"github.com/scimgate/scimgate/internal/scim"
	"github.com/scimgate/scimgate/internal/syncstate"
	"github.com/scimgate/scimgate/internal/xerrors"
)

func fixedSource(snap drift.Snapshot) Source {
	return SourceFn(func(context.Context, string) (drift.Snapshot, error) {
		return snap, nil
	})
}

func newWorker(t *testing.T, provider *mock.Adapter, source Source, store *syncstate.Store, o ...WorkerOption) *Worker {
	t.Helper()
	rec := reconcile.NewReconciler(provider)
	return NewWorker("acme", "mock-prod", provider, source, store, rec,
		Settings{Interval: 15 * time.Minute, MaxRetries: 0}, o...)
}

func seedUsers(t *testing.T, a *mock.Adapter, users ...scim.User) {
	t.Helper()
	for _, u := range users {
		if _, err := a.CreateUser(context.Background(), u); err != nil {
			t.Fatalf("seed CreateUser(%s): unexpected error: %v", u.UserName, err)
		}
	}
}

func TestTickFirstSync(t *testing.T) {
	provider := mock.NewAdapter()
	seedUsers(t, provider,
		scim.User{ID: "u1", UserName: "ada@acme.test", Active: true},
		scim.User{ID: "u2", UserName: "bob@acme.test", Active: true})

	upstream := drift.NewSnapshot(time.Now().UTC(),
		[]scim.User{
			{ID: "u1", UserName: "ada@acme.test", Active: true},
			{ID: "u2", UserName: "bob@acme.test", Active: true},
		}, nil)

	store := syncstate.NewStore(afero.NewMemMapFs(), "/state")
	w := newWorker(t, provider, fixedSource(upstream), store)

	if err := w.Tick(context.Background()); err != nil {
		t.Fatalf("Tick(): unexpected error: %v", err)
	}

	st, err := store.Load("acme", "mock-prod")
	if err != nil {
		t.Fatalf("Load(): unexpected error: %v", err)
	}
	if st.Status != syncstate.StatusCompleted {
		t.Errorf("want status %q, got %q", syncstate.StatusCompleted, st.Status)
	}
	if st.UserCount != 2 || st.GroupCount != 0 {
		t.Errorf("want counts recorded, got users=%d groups=%d", st.UserCount, st.GroupCount)
	}
	if st.LastSyncTimestamp.IsZero() || st.SnapshotChecksum == "" {
		t.Errorf("want snapshot identity advanced: %+v", st)
	}

	// The recorded checksum matches the persisted snapshot.
	want, err := st.LastKnown.Checksum()
	if err != nil {
		t.Fatalf("Checksum(): unexpected error: %v", err)
	}
	if st.SnapshotChecksum != want {
		t.Errorf("checksum mismatch: state has %q, snapshot hashes to %q", st.SnapshotChecksum, want)
	}
}

func TestTickSkipsWhenInProgress(t *testing.T) {
	provider := mock.NewAdapter()
	store := syncstate.NewStore(afero.NewMemMapFs(), "/state")

	st := syncstate.NewState("acme", "mock-prod")
	st.Status = syncstate.StatusInProgress
	if err := store.Save(st); err != nil {
		t.Fatalf("Save(): unexpected error: %v", err)
	}

	w := newWorker(t, provider, fixedSource(drift.Snapshot{}), store)
	if err := w.Tick(context.Background()); err != nil {
		t.Fatalf("Tick(): unexpected error: %v", err)
	}

	got, _ := store.Load("acme", "mock-prod")
	if got.Status != syncstate.StatusInProgress {
		t.Errorf("an in-progress key must be left alone, got %q", got.Status)
	}
	if !got.LastSyncTimestamp.IsZero() {
		t.Errorf("a skipped tick must not advance lastSyncTimestamp")
	}
}

func TestTickSkipsWithinInterval(t *testing.T) {
	provider := mock.NewAdapter()
	seedUsers(t, provider, scim.User{ID: "u1", UserName: "ada@acme.test", Active: true})
	store := syncstate.NewStore(afero.NewMemMapFs(), "/state")

	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	st := syncstate.NewState("acme", "mock-prod")
	st.Status = syncstate.StatusCompleted
	st.LastSyncTimestamp = base
	st.SnapshotChecksum = "prior"
	if err := store.Save(st); err != nil {
		t.Fatalf("Save(): unexpected error: %v", err)
	}

	w := newWorker(t, provider, fixedSource(drift.Snapshot{}), store,
		WithClock(func() time.Time { return base.Add(time.Minute) }))
	if err := w.Tick(context.Background()); err != nil {
		t.Fatalf("Tick(): unexpected error: %v", err)
	}

	got, _ := store.Load("acme", "mock-prod")
	if got.SnapshotChecksum != "prior" {
		t.Errorf("a within-interval tick must not sync, checksum changed to %q", got.SnapshotChecksum)
	}
}

func TestTickFailureKeepsSnapshot(t *testing.T) {
	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	provider := mock.NewAdapter()
	provider.FailWith(adapter.OpListUsers,
		xerrors.New(xerrors.KindUnauthorized, adapter.OpListUsers, "expired token"))

	store := syncstate.NewStore(afero.NewMemMapFs(), "/state")
	st := syncstate.NewState("acme", "mock-prod")
	st.Status = syncstate.StatusCompleted
	st.LastSyncTimestamp = base.Add(-time.Hour)
	st.SnapshotChecksum = "prior"
	st.UserCount = 3
	if err := store.Save(st); err != nil {
		t.Fatalf("Save(): unexpected error: %v", err)
	}

	w := newWorker(t, provider, fixedSource(drift.Snapshot{}), store,
		WithClock(func() time.Time { return base }))
	if err := w.Tick(context.Background()); err != nil {
		t.Fatalf("Tick(): unexpected error: %v", err)
	}

	got, _ := store.Load("acme", "mock-prod")
	if got.Status != syncstate.StatusFailed {
		t.Errorf("want status %q, got %q", syncstate.StatusFailed, got.Status)
	}
	if got.SnapshotChecksum != "prior" || got.UserCount != 3 {
		t.Errorf("a failed tick must not advance the snapshot: %+v", got)
	}
	if !got.LastSyncTimestamp.Equal(base.Add(-time.Hour)) {
		t.Errorf("a failed tick must not advance lastSyncTimestamp")
	}
	if len(got.ErrorLog) == 0 {
		t.Errorf("the failure must be recorded in the error log")
	}
}

func TestTickSuspiciousEmptyResponse(t *testing.T) {
	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	known := []scim.User{
		{ID: "u1", UserName: "ada@acme.test", Active: true},
		{ID: "u2", UserName: "bob@acme.test", Active: true},
	}

	// The provider suddenly returns nothing; the upstream still has both.
	provider := mock.NewAdapter()
	upstream := drift.NewSnapshot(base, known, nil)

	store := syncstate.NewStore(afero.NewMemMapFs(), "/state")
	st := syncstate.NewState("acme", "mock-prod")
	st.Status = syncstate.StatusCompleted
	st.LastSyncTimestamp = base.Add(-time.Hour)
	st.LastKnown = drift.NewSnapshot(base.Add(-time.Hour), known, nil)
	st.UserCount = 2
	checksum, err := st.LastKnown.Checksum()
	if err != nil {
		t.Fatalf("Checksum(): unexpected error: %v", err)
	}
	st.SnapshotChecksum = checksum
	if err := store.Save(st); err != nil {
		t.Fatalf("Save(): unexpected error: %v", err)
	}

	w := newWorker(t, provider, fixedSource(upstream), store,
		WithClock(func() time.Time { return base }))
	if err := w.Tick(context.Background()); err != nil {
		t.Fatalf("Tick(): unexpected error: %v", err)
	}

	got, _ := store.Load("acme", "mock-prod")
	if got.Status != syncstate.StatusCompletedWithErrors {
		t.Errorf("want status %q, got %q", syncstate.StatusCompletedWithErrors, got.Status)
	}
	if got.UserCount != 2 || got.SnapshotChecksum != checksum {
		t.Errorf("the guard must retain the previous snapshot: %+v", got)
	}

	warned := false
	for _, e := range got.DriftLog {
		if e.Type == drift.TypeSuspiciousEmptyResponse {
			warned = true
		}
	}
	if !warned {
		t.Errorf("want a SuspiciousEmptyResponse entry in the drift log")
	}
}

func TestListAllPagination(t *testing.T) {
	provider := mock.NewAdapter(mock.WithCapabilities(adapter.Capabilities{MaxPageSize: 2, SupportsSorting: true}))
	bounded := adapter.NewBounded(provider, adapter.Config{ProviderID: "mock-prod"})

	users := []scim.User{
		{ID: "u1", UserName: "a@t.test", Active: true},
		{ID: "u2", UserName: "b@t.test", Active: true},
		{ID: "u3", UserName: "c@t.test", Active: true},
		{ID: "u4", UserName: "d@t.test", Active: true},
		{ID: "u5", UserName: "e@t.test", Active: true},
	}
	seedUsers(t, provider, users...)

	got, err := listAll(context.Background(), bounded.ListUsers)
	if err != nil {
		t.Fatalf("listAll(): unexpected error: %v", err)
	}
	if len(got) != 5 {
		t.Errorf("want all 5 users across clamped pages, got %d", len(got))
	}
}

func TestServiceStop(t *testing.T) {
	store := syncstate.NewStore(afero.NewMemMapFs(), "/state")
	w := newWorker(t, mock.NewAdapter(), fixedSource(drift.Snapshot{}), store)
	s := NewService(10*time.Millisecond, []*Worker{w})

	done := make(chan error, 1)
	go func() { done <- s.Run(context.Background()) }()

	time.Sleep(30 * time.Millisecond)
	s.Stop()

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run(): unexpected error after Stop: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatalf("Run() did not return after Stop")
	}
}
