// SPDX-FileCopyrightText: 2025 The Scimgate Authors
//
// SPDX-License-Identifier: Apache-2.0

// Package registry resolves provider ids to adapter instances and gates
// access to them per tenant.
package registry

import (
	"context"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/crossplane/crossplane-runtime/pkg/logging"

	"github.com/scimgate/scimgate/internal/adapter"
	"github.com/scimgate/scimgate/internal/xerrors"
)

// Error strings.
const (
	errNotRegistered     = "no adapter registered for provider id"
	errAlreadyRegistered = "an adapter is already registered for provider id"
	errDisabled          = "adapter is administratively disabled"
)

// maxConcurrentProbes bounds the fan-out of a registry-wide health refresh.
const maxConcurrentProbes = 8

type entry struct {
	adapter adapter.Adapter
	config  adapter.Config
	enabled bool

	// allowedTenants is the tenant allowlist. Nil means every tenant.
	allowedTenants map[string]struct{}

	health adapter.Health
}

// A Registry holds the adapter instances the gateway may route to. Provider
// ids are case insensitive. Lookups check that the instance is enabled and
// that the requesting tenant is entitled to it.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]*entry
	log     logging.Logger
}

// An Option configures a Registry.
type Option func(*Registry)

// WithLogger specifies how the registry should log messages.
func WithLogger(log logging.Logger) Option {
	return func(r *Registry) { r.log = log }
}

// New creates an empty registry.
func New(o ...Option) *Registry {
	r := &Registry{
		entries: map[string]*entry{},
		log:     logging.NewNopLogger(),
	}
	for _, fn := range o {
		fn(r)
	}
	return r
}

func key(providerID string) string { return strings.ToLower(providerID) }

// Register adds an adapter instance under its configured provider id. The
// instance starts enabled and available to every tenant. Registering an id
// twice is an error; use Deregister first to replace an instance.
func (r *Registry) Register(cfg adapter.Config, a adapter.Adapter) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	k := key(cfg.ProviderID)
	if _, exists := r.entries[k]; exists {
		return xerrors.New(xerrors.KindUniqueness, "Register", errAlreadyRegistered+" "+cfg.ProviderID)
	}
	r.entries[k] = &entry{adapter: a, config: cfg, enabled: true}
	r.log.Debug("registered adapter", "providerId", cfg.ProviderID, "provider", cfg.ProviderName)
	return nil
}

// Deregister removes an adapter instance.
func (r *Registry) Deregister(providerID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	k := key(providerID)
	if _, exists := r.entries[k]; !exists {
		return xerrors.New(xerrors.KindResourceNotFound, "Deregister", errNotRegistered+" "+providerID)
	}
	delete(r.entries, k)
	return nil
}

// Get resolves a provider id for a tenant. An unknown id maps to
// ResourceNotFound and a disabled instance to ServerUnavailable. A tenant
// outside the instance's allowlist gets the same ResourceNotFound as an
// unknown id, so the instance's existence is not advertised across tenants.
func (r *Registry) Get(tenantID, providerID string) (adapter.Adapter, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, exists := r.entries[key(providerID)]
	if !exists {
		return nil, xerrors.New(xerrors.KindResourceNotFound, "Get", errNotRegistered+" "+providerID)
	}
	if !e.enabled {
		return nil, xerrors.New(xerrors.KindServerUnavailable, "Get", errDisabled+": "+providerID)
	}
	if e.allowedTenants != nil {
		if _, ok := e.allowedTenants[tenantID]; !ok {
			r.log.Debug("tenant not entitled to adapter", "tenantId", tenantID, "providerId", providerID)
			return nil, xerrors.New(xerrors.KindResourceNotFound, "Get", errNotRegistered+" "+providerID)
		}
	}
	return e.adapter, nil
}

// Config returns the configuration of a registered instance.
func (r *Registry) Config(providerID string) (adapter.Config, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, exists := r.entries[key(providerID)]
	if !exists {
		return adapter.Config{}, xerrors.New(xerrors.KindResourceNotFound, "Config", errNotRegistered+" "+providerID)
	}
	return e.config, nil
}

// List returns the configurations of every enabled instance the tenant is
// entitled to.
func (r *Registry) List(tenantID string) []adapter.Config {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []adapter.Config
	for _, e := range r.entries {
		if !e.enabled {
			continue
		}
		if e.allowedTenants != nil {
			if _, ok := e.allowedTenants[tenantID]; !ok {
				continue
			}
		}
		out = append(out, e.config)
	}
	return out
}

// SetEnabled enables or disables an instance without deregistering it.
func (r *Registry) SetEnabled(providerID string, enabled bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, exists := r.entries[key(providerID)]
	if !exists {
		return xerrors.New(xerrors.KindResourceNotFound, "SetEnabled", errNotRegistered+" "+providerID)
	}
	e.enabled = enabled
	r.log.Info("adapter availability changed", "providerId", providerID, "enabled", enabled)
	return nil
}

// AllowTenants restricts an instance to the supplied tenants. Calling it
// with no tenants removes the restriction.
func (r *Registry) AllowTenants(providerID string, tenantIDs ...string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, exists := r.entries[key(providerID)]
	if !exists {
		return xerrors.New(xerrors.KindResourceNotFound, "AllowTenants", errNotRegistered+" "+providerID)
	}
	if len(tenantIDs) == 0 {
		e.allowedTenants = nil
		return nil
	}
	allowed := make(map[string]struct{}, len(tenantIDs))
	for _, t := range tenantIDs {
		allowed[t] = struct{}{}
	}
	e.allowedTenants = allowed
	return nil
}

// Health returns the last recorded health of an instance. The zero Health
// with ok false means the instance has never been probed.
func (r *Registry) Health(providerID string) (adapter.Health, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, exists := r.entries[key(providerID)]
	if !exists || e.health.CheckedAt.IsZero() {
		return adapter.Health{}, false
	}
	return e.health, true
}

// Refresh probes every registered instance concurrently and records the
// results. A probe that errors records an unhealthy status rather than
// failing the refresh.
func (r *Registry) Refresh(ctx context.Context) map[string]adapter.Health {
	r.mu.RLock()
	probes := make(map[string]adapter.Adapter, len(r.entries))
	for k, e := range r.entries {
		probes[k] = e.adapter
	}
	r.mu.RUnlock()

	var mu sync.Mutex
	results := make(map[string]adapter.Health, len(probes))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(maxConcurrentProbes)
	for k, a := range probes {
		k, a := k, a
		g.Go(func() error {
			h, err := a.CheckHealth(gctx)
			if err != nil {
				h = adapter.Health{Healthy: false, Detail: err.Error(), CheckedAt: time.Now()}
			}
			mu.Lock()
			results[k] = h
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	r.mu.Lock()
	for k, h := range results {
		if e, exists := r.entries[k]; exists {
			e.health = h
			if !h.Healthy {
				r.log.Info("adapter reported unhealthy", "providerId", e.config.ProviderID, "detail", h.Detail)
			}
		}
	}
	r.mu.Unlock()
	return results
}
