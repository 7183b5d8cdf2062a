// SPDX-FileCopyrightText: 2025 The Scimgate Authors
//
// SPDX-License-Identifier: Apache-2.0

// Package feature contains scimgate feature flags.
package feature

import (
	"sync"
)

// A Flag enables a particular feature.
type Flag int

// Feature flags.
const (
	// FlagEnablePerActorLimits enables per-actor rate limit buckets in
	// addition to the per-tenant buckets.
	FlagEnablePerActorLimits Flag = iota

	// FlagEnableDistributedLimits backs the rate limiter with a shared
	// store so multiple gateway instances see the same buckets.
	FlagEnableDistributedLimits
)

// Flags that are enabled. The zero value - i.e. &feature.Flags{} - is usable.
type Flags struct {
	m       sync.RWMutex
	enabled map[Flag]bool
}

// Enable a feature flag.
func (fs *Flags) Enable(f Flag) {
	fs.m.Lock()
	if fs.enabled == nil {
		fs.enabled = make(map[Flag]bool)
	}
	fs.enabled[f] = true
	fs.m.Unlock()
}

// Enabled returns true if the supplied feature flag is enabled.
func (fs *Flags) Enabled(f Flag) bool {
	fs.m.RLock()
	defer fs.m.RUnlock()
	return fs.enabled[f]
}
