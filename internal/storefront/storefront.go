// Package storefront reads rollout and testing-track state from the two
// app-store backends and exposes the release actions the dashboard can
// take against them. Both backends normalize into the same AppInfo
// shape so the refresh engine is store-agnostic.
package storefront

import (
	"context"

	"shipdeck/internal/model"
)

// ReleaseInfo describes one release visible on a store track.
type ReleaseInfo struct {
	Version string  `json:"version"`
	Build   string  `json:"build,omitempty"`
	Rollout float64 `json:"rollout,omitempty"`
	Status  string  `json:"status,omitempty"`
}

// VersionString renders the release the way the dashboard displays it:
// "2.0.120 (45)" when a build number is known.
func (r *ReleaseInfo) VersionString() string {
	if r == nil {
		return ""
	}
	if r.Build != "" {
		return r.Version + " (" + r.Build + ")"
	}
	return r.Version
}

// AppInfo is the normalized per-app store state. Nil fields mean the
// track has nothing on it.
type AppInfo struct {
	Internal    *ReleaseInfo `json:"internal,omitempty"`
	Alpha       *ReleaseInfo `json:"alpha,omitempty"`
	Rollout     *ReleaseInfo `json:"rollout,omitempty"`
	Release     *ReleaseInfo `json:"release,omitempty"`
	PrevRelease *ReleaseInfo `json:"prevRelease,omitempty"`
}

// Reader is the read contract the refresh engine consumes.
type Reader interface {
	Platform() model.Platform
	AppInfo(ctx context.Context, identifier string) (*AppInfo, error)
}

// Actions is the write contract behind the dashboard's release buttons.
type Actions interface {
	Promote(ctx context.Context, identifier, version, track string) error
	SetRollout(ctx context.Context, identifier string, fraction float64) error
	HaltRollout(ctx context.Context, identifier string) error
	PostReleaseNotes(ctx context.Context, identifier, version, notes string) error
}
