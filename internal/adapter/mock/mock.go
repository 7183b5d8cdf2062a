// SPDX-FileCopyrightText: 2025 The Scimgate Authors
//
// SPDX-License-Identifier: Apache-2.0

// Package mock provides a fully functional in-memory adapter. It backs the
// test suites of every layer above the adapter contract and doubles as the
// sandbox provider in demo deployments.
package mock

import (
	"context"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/scimgate/scimgate/internal/adapter"
	"github.com/scimgate/scimgate/internal/scim"
	"github.com/scimgate/scimgate/internal/xerrors"
)

// Error strings.
const (
	errDuplicateUserName    = "a user with this userName already exists"
	errDuplicateDisplayName = "a group with this displayName already exists"
	errNoSuchUser           = "no such user"
	errNoSuchGroup          = "no such group"
)

// An Adapter is an in-memory provider. It honors the full adapter contract:
// filters, sorting, paging windows, resource versions, uniqueness, and
// bidirectional entitlement identity.
type Adapter struct {
	mu sync.Mutex

	cfg  adapter.Config
	caps adapter.Capabilities

	users      map[string]scim.User
	groups     map[string]scim.Group
	byUserName map[string]string
	byGroup    map[string]string
	revisions  map[string]int

	// catalog maps a lowercased group displayName to its seeded
	// entitlements. Groups outside the catalog map to a derived
	// GROUP-type entitlement.
	catalog map[string][]adapter.Entitlement

	failures map[string]error
	healthy  bool
	detail   string
}

// An Option configures a mock adapter.
type Option func(*Adapter)

// WithConfig sets the instance configuration.
func WithConfig(cfg adapter.Config) Option {
	return func(a *Adapter) { a.cfg = cfg }
}

// WithCapabilities overrides the advertised capabilities.
func WithCapabilities(caps adapter.Capabilities) Option {
	return func(a *Adapter) { a.caps = caps }
}

// NewAdapter creates an empty in-memory adapter.
func NewAdapter(o ...Option) *Adapter {
	a := &Adapter{
		cfg: adapter.Config{ProviderID: "mock", ProviderName: "mock"}.WithDefaults(),
		caps: adapter.Capabilities{
			SupportsPatch:         false,
			SupportsSorting:       true,
			SupportsEntitlements:  true,
			BidirectionalIdentity: true,
			MaxPageSize:           200,
		},
		users:      map[string]scim.User{},
		groups:     map[string]scim.Group{},
		byUserName: map[string]string{},
		byGroup:    map[string]string{},
		revisions:  map[string]int{},
		catalog:    map[string][]adapter.Entitlement{},
		failures:   map[string]error{},
		healthy:    true,
	}
	for _, fn := range o {
		fn(a)
	}
	return a
}

// FailWith makes every subsequent call of the named operation return the
// supplied error until ClearFailures. The empty operation name fails all
// operations.
func (a *Adapter) FailWith(op string, err error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.failures[op] = err
}

// ClearFailures removes all injected failures.
func (a *Adapter) ClearFailures() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.failures = map[string]error{}
}

// SetHealthy sets the health CheckHealth reports.
func (a *Adapter) SetHealthy(healthy bool, detail string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.healthy = healthy
	a.detail = detail
}

// SeedEntitlements registers catalog entitlements. Each entitlement is
// indexed under every group name it maps.
func (a *Adapter) SeedEntitlements(ents ...adapter.Entitlement) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, e := range ents {
		if e.ProviderID == "" {
			e.ProviderID = a.cfg.ProviderID
		}
		for _, g := range e.MappedGroups {
			k := strings.ToLower(g)
			a.catalog[k] = append(a.catalog[k], e)
		}
	}
}

func (a *Adapter) injected(op string) error {
	if err, ok := a.failures[op]; ok {
		return err
	}
	if err, ok := a.failures[""]; ok {
		return err
	}
	return nil
}

func (a *Adapter) meta(id string, created time.Time) scim.Meta {
	rev := a.revisions[id]
	return scim.Meta{
		Created:      created,
		LastModified: time.Now().UTC(),
		Version:      scim.Version(rev),
	}
}

// CreateUser stores a new user. The userName must be unique, case
// insensitively.
func (a *Adapter) CreateUser(ctx context.Context, u scim.User) (scim.User, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if err := a.injected(adapter.OpCreateUser); err != nil {
		return scim.User{}, err
	}
	uname := strings.ToLower(u.UserName)
	if _, exists := a.byUserName[uname]; exists {
		return scim.User{}, xerrors.New(xerrors.KindUniqueness, adapter.OpCreateUser, errDuplicateUserName)
	}
	if u.ID == "" {
		u.ID = uuid.NewString()
	}
	a.revisions[u.ID] = 1
	u.Meta = a.meta(u.ID, time.Now().UTC())
	a.users[u.ID] = u
	a.byUserName[uname] = u.ID
	return u, nil
}

// GetUser returns the user, or nil when absent.
func (a *Adapter) GetUser(ctx context.Context, id string) (*scim.User, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if err := a.injected(adapter.OpGetUser); err != nil {
		return nil, err
	}
	u, exists := a.users[id]
	if !exists {
		return nil, nil
	}
	out := u
	return &out, nil
}

// UpdateUser replaces an existing user and bumps its version.
func (a *Adapter) UpdateUser(ctx context.Context, u scim.User) (scim.User, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if err := a.injected(adapter.OpUpdateUser); err != nil {
		return scim.User{}, err
	}
	prev, exists := a.users[u.ID]
	if !exists {
		return scim.User{}, xerrors.New(xerrors.KindResourceNotFound, adapter.OpUpdateUser, errNoSuchUser)
	}
	uname := strings.ToLower(u.UserName)
	if owner, taken := a.byUserName[uname]; taken && owner != u.ID {
		return scim.User{}, xerrors.New(xerrors.KindUniqueness, adapter.OpUpdateUser, errDuplicateUserName)
	}
	delete(a.byUserName, strings.ToLower(prev.UserName))
	a.byUserName[uname] = u.ID
	a.revisions[u.ID]++
	u.Meta = a.meta(u.ID, prev.Meta.Created)
	a.users[u.ID] = u
	return u, nil
}

// DeleteUser removes a user and its group memberships.
func (a *Adapter) DeleteUser(ctx context.Context, id string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if err := a.injected(adapter.OpDeleteUser); err != nil {
		return err
	}
	u, exists := a.users[id]
	if !exists {
		return xerrors.New(xerrors.KindResourceNotFound, adapter.OpDeleteUser, errNoSuchUser)
	}
	delete(a.users, id)
	delete(a.byUserName, strings.ToLower(u.UserName))
	delete(a.revisions, id)
	for gid, g := range a.groups {
		if removed := removeMember(g.Members, id); len(removed) != len(g.Members) {
			g.Members = removed
			a.revisions[gid]++
			g.Meta = a.meta(gid, g.Meta.Created)
			a.groups[gid] = g
		}
	}
	return nil
}

// ListUsers returns the users matching the filter, sorted and windowed.
func (a *Adapter) ListUsers(ctx context.Context, f scim.QueryFilter) (scim.Page[scim.User], error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if err := a.injected(adapter.OpListUsers); err != nil {
		return scim.Page[scim.User]{}, err
	}
	if err := f.Validate(); err != nil {
		return scim.Page[scim.User]{}, err
	}
	expr, err := scim.ParseFilter(f.Filter)
	if err != nil {
		return scim.Page[scim.User]{}, err
	}

	var matched []scim.User
	for _, u := range a.users {
		if expr == nil || expr.Matches(scim.UserAttributes(u)) {
			matched = append(matched, u)
		}
	}
	scim.SortUsers(matched, f.SortBy, f.SortOrder)
	windowed, page := window(matched, f)
	return scim.Page[scim.User]{TotalResults: page.TotalResults, StartIndex: page.StartIndex, ItemsPerPage: len(windowed), Resources: windowed}, nil
}

// CreateGroup stores a new group. The displayName must be unique, case
// insensitively.
func (a *Adapter) CreateGroup(ctx context.Context, g scim.Group) (scim.Group, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if err := a.injected(adapter.OpCreateGroup); err != nil {
		return scim.Group{}, err
	}
	gname := strings.ToLower(g.DisplayName)
	if _, exists := a.byGroup[gname]; exists {
		return scim.Group{}, xerrors.New(xerrors.KindUniqueness, adapter.OpCreateGroup, errDuplicateDisplayName)
	}
	if g.ID == "" {
		g.ID = uuid.NewString()
	}
	a.revisions[g.ID] = 1
	g.Meta = a.meta(g.ID, time.Now().UTC())
	a.groups[g.ID] = g
	a.byGroup[gname] = g.ID
	return g, nil
}

// GetGroup returns the group, or nil when absent.
func (a *Adapter) GetGroup(ctx context.Context, id string) (*scim.Group, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if err := a.injected(adapter.OpGetGroup); err != nil {
		return nil, err
	}
	g, exists := a.groups[id]
	if !exists {
		return nil, nil
	}
	out := g
	out.Members = append([]string(nil), g.Members...)
	return &out, nil
}

// UpdateGroup replaces an existing group and bumps its version.
func (a *Adapter) UpdateGroup(ctx context.Context, g scim.Group) (scim.Group, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if err := a.injected(adapter.OpUpdateGroup); err != nil {
		return scim.Group{}, err
	}
	prev, exists := a.groups[g.ID]
	if !exists {
		return scim.Group{}, xerrors.New(xerrors.KindResourceNotFound, adapter.OpUpdateGroup, errNoSuchGroup)
	}
	gname := strings.ToLower(g.DisplayName)
	if owner, taken := a.byGroup[gname]; taken && owner != g.ID {
		return scim.Group{}, xerrors.New(xerrors.KindUniqueness, adapter.OpUpdateGroup, errDuplicateDisplayName)
	}
	delete(a.byGroup, strings.ToLower(prev.DisplayName))
	a.byGroup[gname] = g.ID
	a.revisions[g.ID]++
	g.Meta = a.meta(g.ID, prev.Meta.Created)
	a.groups[g.ID] = g
	return g, nil
}

// DeleteGroup removes a group.
func (a *Adapter) DeleteGroup(ctx context.Context, id string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if err := a.injected(adapter.OpDeleteGroup); err != nil {
		return err
	}
	g, exists := a.groups[id]
	if !exists {
		return xerrors.New(xerrors.KindResourceNotFound, adapter.OpDeleteGroup, errNoSuchGroup)
	}
	delete(a.groups, id)
	delete(a.byGroup, strings.ToLower(g.DisplayName))
	delete(a.revisions, id)
	return nil
}

// ListGroups returns the groups matching the filter, sorted and windowed.
func (a *Adapter) ListGroups(ctx context.Context, f scim.QueryFilter) (scim.Page[scim.Group], error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if err := a.injected(adapter.OpListGroups); err != nil {
		return scim.Page[scim.Group]{}, err
	}
	if err := f.Validate(); err != nil {
		return scim.Page[scim.Group]{}, err
	}
	expr, err := scim.ParseFilter(f.Filter)
	if err != nil {
		return scim.Page[scim.Group]{}, err
	}

	var matched []scim.Group
	for _, g := range a.groups {
		if expr == nil || expr.Matches(scim.GroupAttributes(g)) {
			matched = append(matched, g)
		}
	}
	scim.SortGroups(matched, f.SortBy, f.SortOrder)
	windowed, page := window(matched, f)
	return scim.Page[scim.Group]{TotalResults: page.TotalResults, StartIndex: page.StartIndex, ItemsPerPage: len(windowed), Resources: windowed}, nil
}

// AddUserToGroup adds a member. Adding an existing member is a no-op.
func (a *Adapter) AddUserToGroup(ctx context.Context, groupID, userID string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if err := a.injected(adapter.OpAddMember); err != nil {
		return err
	}
	g, exists := a.groups[groupID]
	if !exists {
		return xerrors.New(xerrors.KindResourceNotFound, adapter.OpAddMember, errNoSuchGroup)
	}
	if _, exists := a.users[userID]; !exists {
		return xerrors.New(xerrors.KindNoTarget, adapter.OpAddMember, errNoSuchUser)
	}
	for _, m := range g.Members {
		if m == userID {
			return nil
		}
	}
	g.Members = append(g.Members, userID)
	a.revisions[groupID]++
	g.Meta = a.meta(groupID, g.Meta.Created)
	a.groups[groupID] = g
	return nil
}

// RemoveUserFromGroup removes a member. Removing an absent member is a
// no-op.
func (a *Adapter) RemoveUserFromGroup(ctx context.Context, groupID, userID string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if err := a.injected(adapter.OpRemoveMember); err != nil {
		return err
	}
	g, exists := a.groups[groupID]
	if !exists {
		return xerrors.New(xerrors.KindResourceNotFound, adapter.OpRemoveMember, errNoSuchGroup)
	}
	removed := removeMember(g.Members, userID)
	if len(removed) == len(g.Members) {
		return nil
	}
	g.Members = removed
	a.revisions[groupID]++
	g.Meta = a.meta(groupID, g.Meta.Created)
	a.groups[groupID] = g
	return nil
}

// ListGroupMembers returns a copy of the group's member ids.
func (a *Adapter) ListGroupMembers(ctx context.Context, groupID string) ([]string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if err := a.injected(adapter.OpListMembers); err != nil {
		return nil, err
	}
	g, exists := a.groups[groupID]
	if !exists {
		return nil, xerrors.New(xerrors.KindResourceNotFound, adapter.OpListMembers, errNoSuchGroup)
	}
	return append([]string(nil), g.Members...), nil
}

// MapGroupToEntitlement maps a group to its seeded catalog entitlements, or
// to a derived GROUP-type entitlement when the catalog has no entry. The
// derived mapping is the identity MapEntitlementToGroup inverts.
func (a *Adapter) MapGroupToEntitlement(ctx context.Context, g scim.Group) ([]adapter.Entitlement, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if err := a.injected(adapter.OpMapGroup); err != nil {
		return nil, err
	}
	if ents, ok := a.catalog[strings.ToLower(g.DisplayName)]; ok {
		return append([]adapter.Entitlement(nil), ents...), nil
	}
	return []adapter.Entitlement{{
		ProviderID:   a.cfg.ProviderID,
		ID:           "grp-" + strings.ToLower(strings.ReplaceAll(g.DisplayName, " ", "-")),
		Name:         g.DisplayName,
		Type:         adapter.EntitlementGroup,
		MappedGroups: []string{g.DisplayName},
		Enabled:      true,
	}}, nil
}

// MapEntitlementToGroup returns the group form of an entitlement. The first
// mapped group wins; an entitlement with no mapped groups uses its own name.
func (a *Adapter) MapEntitlementToGroup(ctx context.Context, e adapter.Entitlement) (scim.Group, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if err := a.injected(adapter.OpMapEntitlement); err != nil {
		return scim.Group{}, err
	}
	name := e.Name
	if len(e.MappedGroups) > 0 {
		name = e.MappedGroups[0]
	}
	g := scim.Group{DisplayName: name, ExternalID: e.ID}
	if id, exists := a.byGroup[strings.ToLower(name)]; exists {
		g.ID = id
	}
	return g, nil
}

// CheckHealth reports the configured health.
func (a *Adapter) CheckHealth(ctx context.Context) (adapter.Health, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if err := a.injected(adapter.OpCheckHealth); err != nil {
		return adapter.Health{}, err
	}
	return adapter.Health{Healthy: a.healthy, Detail: a.detail, CheckedAt: time.Now().UTC()}, nil
}

// GetCapabilities returns the advertised capabilities.
func (a *Adapter) GetCapabilities() adapter.Capabilities {
	return a.caps
}

func removeMember(members []string, userID string) []string {
	out := make([]string, 0, len(members))
	for _, m := range members {
		if m != userID {
			out = append(out, m)
		}
	}
	return out
}

type pageInfo struct {
	TotalResults int
	StartIndex   int
}

// window applies the 1-based startIndex/count window.
func window[T any](all []T, f scim.QueryFilter) ([]T, pageInfo) {
	start := f.StartIndex
	if start < scim.MinStartIndex {
		start = scim.MinStartIndex
	}
	count := f.Count
	if count <= 0 {
		count = scim.MaxCount
	}
	info := pageInfo{TotalResults: len(all), StartIndex: start}
	lo := start - 1
	if lo >= len(all) {
		return nil, info
	}
	hi := lo + count
	if hi > len(all) {
		hi = len(all)
	}
	return all[lo:hi], info
}

// Rank formats a privilege rank for entitlement metadata.
func Rank(n int) map[string]string {
	return map[string]string{adapter.MetadataPrivilegeRank: strconv.Itoa(n)}
}

// DefaultCatalog returns a seed catalog resembling a CRM provider's role
// model, with privilege ranks for conflict resolution.
func DefaultCatalog() []adapter.Entitlement {
	return []adapter.Entitlement{
		{ID: "role-sales-user", Name: "Sales User", Type: adapter.EntitlementRole, MappedGroups: []string{"Sales"}, Priority: 10, Enabled: true, Metadata: Rank(10)},
		{ID: "role-sales-manager", Name: "Sales Manager", Type: adapter.EntitlementRole, MappedGroups: []string{"Sales Managers"}, Priority: 20, Enabled: true, Metadata: Rank(50)},
		{ID: "ps-reporting", Name: "Reporting", Type: adapter.EntitlementPermissionSet, MappedGroups: []string{"Analysts", "Sales Managers"}, Priority: 5, Enabled: true, Metadata: Rank(20)},
		{ID: "role-admin", Name: "System Administrator", Type: adapter.EntitlementRole, MappedGroups: []string{"Platform Admins"}, Priority: 100, Enabled: true, Metadata: Rank(100)},
	}
}
