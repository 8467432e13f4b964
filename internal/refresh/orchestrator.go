// Package refresh is the reconciliation engine: it polls the CI server
// and the store backends on a shared cycle, merges their results into
// the canonical state tree and decides when a cheap incremental poll is
// enough versus a full per-job history fetch.
package refresh

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"shipdeck/internal/analytics"
	"shipdeck/internal/ci"
	"shipdeck/internal/config"
	"shipdeck/internal/model"
	"shipdeck/internal/state"
	"shipdeck/internal/storefront"
	"shipdeck/internal/track"
	"shipdeck/internal/vcs"
)

// ErrRefreshInFlight is returned when a refresh request arrives while a
// cycle is already running. Callers treat it as a no-op and rely on the
// in-flight cycle's result.
var ErrRefreshInFlight = errors.New("refresh already in flight")

// Refresh modes, used for logging, metrics and the audit log.
const (
	ModeMicro        = "micro"
	ModeFull         = "full"
	ModeBootstrap    = "bootstrap"
	ModeInvalidation = "invalidation"
	ModeEscalated    = "escalated"
)

// CIReader is the read side of the CI contract the engine consumes.
type CIReader interface {
	ListRecentBuilds(ctx context.Context, jobName string, since int) ([]model.BuildRecord, error)
	LastBuildNumber(ctx context.Context, jobName string) (int, error)
	ListQueued(ctx context.Context) ([]ci.QueueItem, error)
	BuildStatuses(ctx context.Context, refs []ci.BuildRef) (map[ci.BuildRef]ci.BuildState, error)
}

// VCSReader supplies recent changesets per branch.
type VCSReader interface {
	RecentChangesets(ctx context.Context, repo, branch string, limit int) ([]vcs.Changeset, error)
}

// AnalyticsReader supplies active users broken down by app version.
type AnalyticsReader interface {
	UsersByVersion(ctx context.Context, propertyID string, platform model.Platform, days int) (*analytics.UsersByVersion, error)
}

// AuditLog records completed cycles. Implemented by the history store;
// optional.
type AuditLog interface {
	RecordRefresh(ctx context.Context, mode string, duration time.Duration, refreshErr error)
}

// Orchestrator drives refresh cycles against one state owner.
type Orchestrator struct {
	CI        CIReader
	Stores    map[model.Platform]storefront.Reader
	VCS       VCSReader
	Analytics AnalyticsReader
	Owner     *state.Owner
	Audit     AuditLog
	Projects  []config.Project
	Logger    *slog.Logger

	Interval      time.Duration
	CommitLimit   int
	AnalyticsDays int

	inFlight atomic.Bool
}

// New creates an orchestrator. Stores, VCS, Analytics and Audit may be
// nil; the matching sources then simply never contribute data.
func New(ciReader CIReader, owner *state.Owner, projects []config.Project, logger *slog.Logger) *Orchestrator {
	return &Orchestrator{
		CI:            ciReader,
		Stores:        make(map[model.Platform]storefront.Reader),
		Owner:         owner,
		Projects:      projects,
		Logger:        logger,
		Interval:      config.DefaultRefreshInterval,
		CommitLimit:   config.DefaultCommitLimit,
		AnalyticsDays: config.DefaultAnalyticsDays,
	}
}

// Run refreshes once immediately, then on every interval tick until the
// context is cancelled. Overlapping ticks are suppressed by the
// in-flight gate, not queued.
func (o *Orchestrator) Run(ctx context.Context) {
	if _, err := o.Refresh(ctx, false); err != nil && !errors.Is(err, ErrRefreshInFlight) {
		o.Logger.Error("initial refresh failed", "error", err)
	}

	ticker := time.NewTicker(o.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := o.Refresh(ctx, false); err != nil && !errors.Is(err, ErrRefreshInFlight) {
				o.Logger.Error("scheduled refresh failed", "error", err)
			}
		}
	}
}

// Refresh executes one cycle and returns the resulting snapshot. With
// full set the per-job history is re-fetched unconditionally; otherwise
// the engine picks the cheapest sufficient mode. At most one cycle runs
// per process; a concurrent call fails fast with ErrRefreshInFlight.
func (o *Orchestrator) Refresh(ctx context.Context, full bool) (*model.State, error) {
	if !o.inFlight.CompareAndSwap(false, true) {
		refreshSuppressed.Inc()
		return nil, ErrRefreshInFlight
	}
	defer o.inFlight.Store(false)

	start := time.Now()
	mode := o.decideMode(ctx, full)
	o.Logger.Info("refresh cycle starting", "mode", mode)

	var err error
	if mode == ModeMicro {
		err = o.microRefresh(ctx)
	} else {
		err = o.fullRefresh(ctx, mode)
	}

	elapsed := time.Since(start)
	refreshCycles.WithLabelValues(mode).Inc()
	refreshDuration.Observe(elapsed.Seconds())
	if o.Audit != nil {
		o.Audit.RecordRefresh(ctx, mode, elapsed, err)
	}

	if err != nil {
		o.Logger.Error("refresh cycle failed", "mode", mode, "error", err, "duration", elapsed)
		return nil, err
	}
	o.Logger.Info("refresh cycle complete", "mode", mode, "duration", elapsed)
	return o.Owner.Snapshot(), nil
}

// decideMode walks the entry ladder: forced full, bootstrap, cache
// invalidation, then the lightweight last-build-number comparison that
// either escalates to a full fetch or settles for a micro refresh.
func (o *Orchestrator) decideMode(ctx context.Context, full bool) string {
	if full {
		return ModeFull
	}

	snap := o.Owner.Snapshot()
	if len(snap.Meta.JobBuildNumbers) == 0 {
		return ModeBootstrap
	}
	if reason := cacheInvalidReason(snap); reason != "" {
		o.Logger.Warn("cached state failed validation, forcing full refresh", "reason", reason)
		return ModeInvalidation
	}

	for _, pc := range o.Projects {
		for _, job := range pc.Jobs {
			last, err := o.CI.LastBuildNumber(ctx, job.Name)
			if err != nil {
				// A failing check cannot prove anything advanced; the
				// source is retried next cycle.
				o.Logger.Warn("last-build-number check failed", "job", job.Name, "error", err)
				sourceFailures.WithLabelValues("ci").Inc()
				continue
			}
			if last > snap.Meta.JobBuildNumbers[job.Name] {
				o.Logger.Info("job advanced, escalating to full refresh", "job", job.Name, "last", last)
				return ModeEscalated
			}
		}
	}
	return ModeMicro
}

// cacheInvalidReason implements exactly the two corruption symptoms the
// engine checks for: a project left without branches, and a successful
// build recorded without a version. Either means the cached tree must
// not seed an incremental diff.
func cacheInvalidReason(s *model.State) string {
	for _, p := range s.Projects {
		if len(p.Branches) == 0 {
			return "project " + p.ID + " has no branches"
		}
		for _, b := range p.Branches {
			for _, fams := range []*model.PlatformFamilies{&b.Dev, &b.Alpha, &b.Release} {
				for _, f := range []*model.SlotFamily{&fams.IOS, &fams.Android} {
					if f.Current != nil && f.Current.Result == model.ResultSuccess && f.Current.Version == "" {
						return "successful build without version on branch " + b.Name
					}
				}
			}
		}
	}
	return ""
}

// fullRefresh rebuilds every project's branch aggregates from CI, then
// fans out the side-data sources. CI data is fully merged before any
// side-data apply starts; the terminal broadcast fires exactly once,
// after every source has succeeded or degraded.
func (o *Orchestrator) fullRefresh(ctx context.Context, mode string) error {
	snap := o.Owner.Snapshot()
	incremental := mode == ModeEscalated

	var mu sync.Mutex
	fetched := make(map[string][]model.BuildRecord)
	jobErrs := make(map[string]error)
	var queue []ci.QueueItem

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		q, err := o.CI.ListQueued(gctx)
		if err != nil {
			o.Logger.Warn("queue fetch failed, continuing without queue data", "error", err)
			sourceFailures.WithLabelValues("ci").Inc()
			return nil
		}
		mu.Lock()
		queue = q
		mu.Unlock()
		return nil
	})
	for _, pc := range o.Projects {
		for _, job := range pc.Jobs {
			job := job
			since := 0
			if incremental {
				since = snap.Meta.JobBuildNumbers[job.Name]
			}
			g.Go(func() error {
				builds, err := o.CI.ListRecentBuilds(gctx, job.Name, since)
				mu.Lock()
				defer mu.Unlock()
				if err != nil {
					jobErrs[job.Name] = err
					return nil
				}
				fetched[job.Name] = builds
				return nil
			})
		}
	}
	g.Wait()

	newNumbers := make(map[string]int, len(snap.Meta.JobBuildNumbers))
	for k, v := range snap.Meta.JobBuildNumbers {
		newNumbers[k] = v
	}

	projects := make([]*model.Project, 0, len(o.Projects))
	for _, pc := range o.Projects {
		prev := snap.ProjectByID(pc.ID)
		proj := o.rebuildProject(pc, prev, fetched, jobErrs, queue, incremental, newNumbers)
		projects = append(projects, proj)
	}

	o.Owner.Update(func(s *model.State) {
		s.Projects = projects
		s.Meta.JobBuildNumbers = newNumbers
		s.Meta.LastFullRefresh = time.Now().UnixMilli()
	})

	// Side data still pending: broadcasting now would flicker the UI,
	// so the terminal event waits for sideData to settle.
	o.sideData(ctx, queue, true)
	o.Owner.Broadcast("refresh", map[string]any{"mode": mode})
	return nil
}

// rebuildProject reduces one project's fetched builds into branch
// aggregates. A failed job fetch degrades the whole project to its
// previous cached branches with an error annotation, so a transient CI
// error never wipes the display. The project's build numbers fold into
// newNumbers only when every one of its jobs fetched cleanly: advancing
// them for a degraded project would disarm the escalation check and the
// builds fetched alongside the failure would never be merged.
func (o *Orchestrator) rebuildProject(pc config.Project, prev *model.Project, fetched map[string][]model.BuildRecord,
	jobErrs map[string]error, queue []ci.QueueItem, incremental bool, newNumbers map[string]int) *model.Project {

	proj := &model.Project{ID: pc.ID, Name: pc.Name, Icon: pc.Icon, Jobs: pc.Jobs}

	for _, job := range pc.Jobs {
		if err := jobErrs[job.Name]; err != nil {
			o.Logger.Warn("project CI fetch failed, keeping previous branches", "project", pc.ID, "job", job.Name, "error", err)
			sourceFailures.WithLabelValues("ci").Inc()
			if prev != nil {
				proj.Branches = prev.Branches
			}
			proj.Error = err.Error()
			return proj
		}
	}

	perPlatform := make(map[model.Platform][]model.BuildRecord)
	for _, job := range pc.Jobs {
		builds := fetched[job.Name]
		if incremental && prev != nil {
			builds = append(previousRecords(prev, job.Name), builds...)
		}
		perPlatform[job.Platform] = append(perPlatform[job.Platform], builds...)

		for _, b := range builds {
			if b.Number > newNumbers[job.Name] {
				newNumbers[job.Name] = b.Number
			}
		}
	}

	branches := track.GroupByBranch(perPlatform[model.PlatformIOS], perPlatform[model.PlatformAndroid])
	for _, b := range branches {
		b.Tracks = track.BuildTrackStatus(b, nil, proj.Jobs, queue)
		if prev != nil {
			carryStoreSlots(b, prev.BranchByName(b.Name))
		}
	}
	proj.Branches = branches
	return proj
}

// microRefresh is the cheap path: poll only previously in-progress
// builds and the queue, then merge the independently-changing side data.
// It never performs a per-job history fetch.
func (o *Orchestrator) microRefresh(ctx context.Context) error {
	queue, err := o.CI.ListQueued(ctx)
	if err != nil {
		o.Logger.Warn("queue fetch failed, continuing without queue data", "error", err)
		sourceFailures.WithLabelValues("ci").Inc()
		queue = nil
	}

	// The poll already ran with a track rebuild; passing pollBuilds here
	// would repeat the same BuildStatuses round-trips within one cycle.
	o.pollInProgress(ctx, queue, true)
	o.sideData(ctx, queue, false)
	o.Owner.Broadcast("refresh", map[string]any{"mode": ModeMicro})
	return nil
}

// pollInProgress re-polls builds cached as in-progress and applies
// their completed results. With rebuildAll set every branch's tracks
// are rebuilt against the fresh queue, which keeps queued displays
// current even when nothing completed.
func (o *Orchestrator) pollInProgress(ctx context.Context, queue []ci.QueueItem, rebuildAll bool) {
	snap := o.Owner.Snapshot()
	refs := inProgressRefs(snap)

	var statuses map[ci.BuildRef]ci.BuildState
	if len(refs) > 0 {
		var err error
		statuses, err = o.CI.BuildStatuses(ctx, refs)
		if err != nil {
			o.Logger.Warn("in-progress status poll failed", "error", err, "builds", len(refs))
			sourceFailures.WithLabelValues("ci").Inc()
			statuses = nil
		}
	}

	if statuses == nil && !rebuildAll {
		return
	}

	o.Owner.Update(func(s *model.State) {
		for _, p := range s.Projects {
			touched := applyStatuses(p, statuses)
			if !rebuildAll && !touched {
				continue
			}
			for _, b := range p.Branches {
				old := b.Tracks
				b.Tracks = track.BuildTrackStatus(b, nil, p.Jobs, queue)
				carryStoreTracks(b.Tracks, old)
			}
		}
	})
}

// inProgressRefs collects every cached build still reported as running.
func inProgressRefs(s *model.State) []ci.BuildRef {
	seen := make(map[ci.BuildRef]bool)
	var refs []ci.BuildRef
	forEachRecord(s, func(rec *model.BuildRecord) {
		if rec.Result != model.ResultInProgress || rec.Number == 0 {
			return
		}
		ref := ci.BuildRef{Job: rec.Job, Number: rec.Number}
		if !seen[ref] {
			seen[ref] = true
			refs = append(refs, ref)
		}
	})
	return refs
}
