// SPDX-FileCopyrightText: 2025 The Scimgate Authors
//
// SPDX-License-Identifier: Apache-2.0

// Package version exposes the scimgate build version.
package version

// version is set at build time via -ldflags.
var version string

// Operations provides version information.
type Operations interface {
	GetVersionString() string
}

// Versioner provides the build-stamped version.
type Versioner struct {
	version string
}

// New creates a new versioner.
func New() *Versioner {
	return &Versioner{version: version}
}

// GetVersionString returns the current scimgate version as a string.
func (v *Versioner) GetVersionString() string {
	if v.version == "" {
		return "unknown"
	}
	return v.version
}
