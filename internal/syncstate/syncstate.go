// SPDX-FileCopyrightText: 2025 The Scimgate Authors
//
// SPDX-License-Identifier: Apache-2.0

// Package syncstate persists the synchronization state of each
// (tenant, provider) pair: status, last-known snapshot, checksum, and the
// append-only drift, conflict, and error logs.
package syncstate

import (
	"encoding/json"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/afero"

	"github.com/scimgate/scimgate/internal/drift"
	"github.com/scimgate/scimgate/internal/scim"
)

// A Status is the lifecycle phase of a sync key.
type Status string

// Sync statuses.
const (
	StatusIdle                Status = "Idle"
	StatusInProgress          Status = "InProgress"
	StatusCompleted           Status = "Completed"
	StatusCompletedWithErrors Status = "CompletedWithErrors"
	StatusFailed              Status = "Failed"
)

// Error strings.
const (
	errReadState      = "cannot read sync state"
	errDecodeState    = "cannot decode sync state"
	errEncodeState    = "cannot encode sync state"
	errWriteState     = "cannot write sync state"
	errMkdirStateRoot = "cannot create sync state directory"
)

// An ErrorEntry is one recorded sync failure.
type ErrorEntry struct {
	At        time.Time `json:"at"`
	Operation string    `json:"operation,omitempty"`
	Message   string    `json:"message"`
}

// A State is the persisted sync record of one (tenant, provider) pair.
type State struct {
	TenantID   string `json:"tenantId"`
	ProviderID string `json:"providerId"`

	Status            Status    `json:"status"`
	LastSyncTimestamp time.Time `json:"lastSyncTimestamp,omitempty"`

	// SnapshotTimestamp and SnapshotChecksum identify the last-known
	// snapshot; both advance only on a successful pass.
	SnapshotTimestamp time.Time      `json:"snapshotTimestamp,omitempty"`
	SnapshotChecksum  string         `json:"snapshotChecksum,omitempty"`
	LastKnown         drift.Snapshot `json:"lastKnownState"`

	UserCount  int `json:"userCount"`
	GroupCount int `json:"groupCount"`

	// The logs are append-only; readers work on a Clone.
	DriftLog    []drift.Entry    `json:"driftLog,omitempty"`
	ConflictLog []drift.Conflict `json:"conflictLog,omitempty"`
	ErrorLog    []ErrorEntry     `json:"errorLog,omitempty"`
}

// NewState returns a fresh idle state for a key.
func NewState(tenantID, providerID string) *State {
	return &State{TenantID: tenantID, ProviderID: providerID, Status: StatusIdle}
}

// Clone returns a deep copy safe to read while the original mutates.
func (s *State) Clone() *State {
	out := *s
	out.DriftLog = append([]drift.Entry(nil), s.DriftLog...)
	out.ConflictLog = append([]drift.Conflict(nil), s.ConflictLog...)
	out.ErrorLog = append([]ErrorEntry(nil), s.ErrorLog...)
	out.LastKnown = cloneSnapshot(s.LastKnown)
	return &out
}

func cloneSnapshot(in drift.Snapshot) drift.Snapshot {
	out := drift.Snapshot{TakenAt: in.TakenAt}
	if in.Users != nil {
		out.Users = make(map[string]scim.User, len(in.Users))
		for id, u := range in.Users {
			out.Users[id] = u
		}
	}
	if in.Groups != nil {
		out.Groups = make(map[string]scim.Group, len(in.Groups))
		for id, g := range in.Groups {
			g.Members = append([]string(nil), g.Members...)
			out.Groups[id] = g
		}
	}
	return out
}

// UnresolvedConflicts returns the resource ids blocked by open conflicts.
func (s *State) UnresolvedConflicts() map[string]struct{} {
	out := map[string]struct{}{}
	for _, c := range s.ConflictLog {
		if !c.Resolved {
			out[c.ResourceID] = struct{}{}
		}
	}
	return out
}

// RecordError appends to the error log.
func (s *State) RecordError(at time.Time, operation, message string) {
	s.ErrorLog = append(s.ErrorLog, ErrorEntry{At: at, Operation: operation, Message: message})
}

// A Store persists sync states as JSON files, one per key, and hands out
// the per-key locks that serialize whole sync ticks.
type Store struct {
	fs  afero.Fs
	dir string

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewStore creates a store rooted at dir on the supplied filesystem.
func NewStore(fs afero.Fs, dir string) *Store {
	return &Store{fs: fs, dir: dir, locks: map[string]*sync.Mutex{}}
}

func stateKey(tenantID, providerID string) string {
	sanitize := func(s string) string {
		s = strings.ToLower(s)
		return strings.Map(func(r rune) rune {
			switch {
			case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '-', r == '.':
				return r
			default:
				return '_'
			}
		}, s)
	}
	return sanitize(tenantID) + "--" + sanitize(providerID)
}

func (s *Store) path(tenantID, providerID string) string {
	return filepath.Join(s.dir, stateKey(tenantID, providerID)+".json")
}

// LockKey acquires the per-key lock and returns its release. Poll workers
// hold it for a whole tick; readers and the reconciler take it around
// shorter critical sections.
func (s *Store) LockKey(tenantID, providerID string) (unlock func()) {
	s.mu.Lock()
	k := stateKey(tenantID, providerID)
	l, exists := s.locks[k]
	if !exists {
		l = &sync.Mutex{}
		s.locks[k] = l
	}
	s.mu.Unlock()
	l.Lock()
	return l.Unlock
}

// Load reads the state for a key. A key never synced before yields a fresh
// idle state rather than an error.
func (s *Store) Load(tenantID, providerID string) (*State, error) {
	p := s.path(tenantID, providerID)
	exists, err := afero.Exists(s.fs, p)
	if err != nil {
		return nil, errors.Wrap(err, errReadState)
	}
	if !exists {
		return NewState(tenantID, providerID), nil
	}
	b, err := afero.ReadFile(s.fs, p)
	if err != nil {
		return nil, errors.Wrap(err, errReadState)
	}
	st := &State{}
	if err := json.Unmarshal(b, st); err != nil {
		return nil, errors.Wrap(err, errDecodeState)
	}
	return st, nil
}

// Save writes the state for its key.
func (s *Store) Save(st *State) error {
	if err := s.fs.MkdirAll(s.dir, 0o755); err != nil {
		return errors.Wrap(err, errMkdirStateRoot)
	}
	b, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return errors.Wrap(err, errEncodeState)
	}
	return errors.Wrap(afero.WriteFile(s.fs, s.path(st.TenantID, st.ProviderID), b, 0o644), errWriteState)
}

// Update loads, mutates, and saves a key's state under its lock.
func (s *Store) Update(tenantID, providerID string, fn func(*State) error) error {
	unlock := s.LockKey(tenantID, providerID)
	defer unlock()
	st, err := s.Load(tenantID, providerID)
	if err != nil {
		return err
	}
	if err := fn(st); err != nil {
		return err
	}
	return s.Save(st)
}
