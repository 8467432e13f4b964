// Package model defines the canonical state tree shared by the refresh
// engine and the HTTP surface: projects, branches, per-branch build
// aggregates and the eight-slot track status.
package model

import "encoding/json"

// Platform identifies the mobile platform a job or slot belongs to.
type Platform string

const (
	PlatformIOS     Platform = "ios"
	PlatformAndroid Platform = "android"
)

// Result is the CI-reported outcome of a build. The zero value means the
// build is still in progress.
type Result string

const (
	ResultInProgress Result = ""
	ResultSuccess    Result = "SUCCESS"
	ResultFailure    Result = "FAILURE"
	ResultUnstable   Result = "UNSTABLE"
	ResultAborted    Result = "ABORTED"
)

// Status is the display status of a track slot.
type Status string

const (
	StatusNone     Status = "none"
	StatusQueued   Status = "queued"
	StatusBuilding Status = "building"
	StatusSuccess  Status = "success"
	StatusFailure  Status = "failure"
	StatusUnstable Status = "unstable"
	StatusReview   Status = "review"
)

// Commit is one VCS changeset observed either in build metadata or from
// the VCS reader directly.
type Commit struct {
	Message   string `json:"message"`
	Author    string `json:"author"`
	Timestamp int64  `json:"timestamp"`
}

// BuildRecord is one CI build observation. Records are immutable once
// constructed; the only exception is the in-progress to completed
// transition applied by the orchestrator's lightweight poll.
type BuildRecord struct {
	Number       int      `json:"number"`
	Job          string   `json:"job"`
	Branch       string   `json:"branch"`
	BuildType    string   `json:"buildType"`
	Version      string   `json:"version"`
	Changeset    int      `json:"changeset"`
	HasChangeset bool     `json:"hasChangeset"`
	Result       Result   `json:"result"`
	Timestamp    int64    `json:"timestamp"`
	Duration     int64    `json:"duration"`
	URL          string   `json:"url"`
	DownloadURL  string   `json:"downloadUrl,omitempty"`
	Commits      []Commit `json:"commits,omitempty"`
	Error        string   `json:"error,omitempty"`
}

// SlotFamily holds the build pointers maintained for one build-type
// category on one platform: the current build, the newest known success
// and (dev family only) the oldest observed success.
type SlotFamily struct {
	Current       *BuildRecord `json:"current,omitempty"`
	LastSuccess   *BuildRecord `json:"lastSuccess,omitempty"`
	OldestSuccess *BuildRecord `json:"oldestSuccess,omitempty"`
}

// PlatformFamilies pairs the iOS and Android slot families for one
// build-type category.
type PlatformFamilies struct {
	IOS     SlotFamily `json:"ios"`
	Android SlotFamily `json:"android"`
}

// For returns the family for the given platform.
func (p *PlatformFamilies) For(pl Platform) *SlotFamily {
	if pl == PlatformAndroid {
		return &p.Android
	}
	return &p.IOS
}

// SlotStatus is the per-platform content of one track slot. A nil
// SlotStatus means the platform's reader has never supplied data for the
// slot; once set it is only overwritten, never cleared.
type SlotStatus struct {
	Status      Status  `json:"status"`
	Version     string  `json:"version,omitempty"`
	BuildURL    string  `json:"buildUrl,omitempty"`
	Timestamp   int64   `json:"timestamp,omitempty"`
	DownloadURL string  `json:"downloadUrl,omitempty"`
	Rollout     float64 `json:"rollout,omitempty"`
	ActiveUsers int64   `json:"activeUsers,omitempty"`
	Error       string  `json:"error,omitempty"`
}

// TrackSlot holds one named deployment stage per platform.
type TrackSlot struct {
	IOS     *SlotStatus `json:"ios"`
	Android *SlotStatus `json:"android"`
}

// Get returns the slot status for the given platform, or nil.
func (t *TrackSlot) Get(pl Platform) *SlotStatus {
	if pl == PlatformAndroid {
		return t.Android
	}
	return t.IOS
}

// Set overwrites the slot status for the given platform.
func (t *TrackSlot) Set(pl Platform, s *SlotStatus) {
	if pl == PlatformAndroid {
		t.Android = s
		return
	}
	t.IOS = s
}

// Tracks is the fixed set of eight deployment stages tracked per branch.
type Tracks struct {
	Dev           TrackSlot `json:"dev"`
	Alpha         TrackSlot `json:"alpha"`
	Release       TrackSlot `json:"release"`
	PrevRelease   TrackSlot `json:"prevRelease"`
	StoreInternal TrackSlot `json:"storeInternal"`
	StoreAlpha    TrackSlot `json:"storeAlpha"`
	StoreRollout  TrackSlot `json:"storeRollout"`
	StoreRelease  TrackSlot `json:"storeRelease"`
}

// Branch aggregates everything known about one VCS branch of a project.
type Branch struct {
	Name      string           `json:"name"`
	Dev       PlatformFamilies `json:"dev"`
	Alpha     PlatformFamilies `json:"alpha"`
	Release   PlatformFamilies `json:"release"`
	Commits   []Commit         `json:"commits,omitempty"`
	Tracks    *Tracks          `json:"tracks,omitempty"`
	Timestamp int64            `json:"timestamp"`
	Error     string           `json:"error,omitempty"`
}

// Job is one platform-specific CI job for a project, loaded from config
// and immutable afterwards.
type Job struct {
	Name     string   `json:"name"`
	Platform Platform `json:"platform"`
	BundleID string   `json:"bundleId"`
}

// Project is one shippable app.
type Project struct {
	ID       string    `json:"id"`
	Name     string    `json:"name"`
	Icon     string    `json:"icon,omitempty"`
	Jobs     []Job     `json:"jobs"`
	Branches []*Branch `json:"branches"`
	Error    string    `json:"error,omitempty"`
}

// JobFor returns the project's job for the given platform, or nil.
func (p *Project) JobFor(pl Platform) *Job {
	for i := range p.Jobs {
		if p.Jobs[i].Platform == pl {
			return &p.Jobs[i]
		}
	}
	return nil
}

// BranchByName returns the named branch, or nil.
func (p *Project) BranchByName(name string) *Branch {
	for _, b := range p.Branches {
		if b.Name == name {
			return b
		}
	}
	return nil
}

// Meta carries the bookkeeping the orchestrator uses to decide between
// incremental and full refreshes.
type Meta struct {
	JobBuildNumbers map[string]int `json:"jobBuildNumbers"`
	LastFullRefresh int64          `json:"lastFullRefresh"`
}

// State is the cache root: the single canonical tree the whole process
// serves from. All mutation goes through the state owner.
type State struct {
	LastUpdated int64      `json:"lastUpdated"`
	Meta        Meta       `json:"meta"`
	Projects    []*Project `json:"projects"`
}

// NewState returns an empty state with initialized metadata.
func NewState() *State {
	return &State{Meta: Meta{JobBuildNumbers: make(map[string]int)}}
}

// ProjectByID returns the project with the given slug, or nil.
func (s *State) ProjectByID(id string) *Project {
	for _, p := range s.Projects {
		if p.ID == id {
			return p
		}
	}
	return nil
}

// Clone returns a deep copy of the state. The tree is plain data, so a
// JSON round-trip is a safe and obviously-correct copy.
func (s *State) Clone() *State {
	data, err := json.Marshal(s)
	if err != nil {
		return NewState()
	}
	out := NewState()
	if err := json.Unmarshal(data, out); err != nil {
		return NewState()
	}
	if out.Meta.JobBuildNumbers == nil {
		out.Meta.JobBuildNumbers = make(map[string]int)
	}
	return out
}
