package refresh

import (
	"context"
	"sort"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"shipdeck/internal/analytics"
	"shipdeck/internal/ci"
	"shipdeck/internal/model"
	"shipdeck/internal/storefront"
	"shipdeck/internal/vcs"
)

// sideData fans out the independently-fallible side sources: store
// state, VCS commits, analytics and, with pollBuilds set, the
// in-progress build poll. The micro path polls before calling here and
// clears pollBuilds so each cycle polls a build at most once.
// Analytics depends on the store slots existing, so it waits on an
// explicit gate the store apply closes rather than on lucky ordering.
// Every branch degrades to "no data this cycle" instead of failing the
// cycle.
func (o *Orchestrator) sideData(ctx context.Context, queue []ci.QueueItem, pollBuilds bool) {
	storeApplied := make(chan struct{})

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		o.applyStores(gctx)
		close(storeApplied)
		o.Owner.Broadcast("store-updated", nil)
		return nil
	})
	g.Go(func() error {
		o.applyVCS(gctx)
		o.Owner.Broadcast("data-updated", map[string]string{"source": "vcs"})
		return nil
	})
	g.Go(func() error {
		select {
		case <-storeApplied:
		case <-gctx.Done():
			return nil
		}
		o.applyAnalytics(gctx)
		return nil
	})
	if pollBuilds {
		g.Go(func() error {
			o.pollInProgress(gctx, queue, false)
			return nil
		})
	}
	g.Wait()
}

// applyStores fetches both store backends for every project and writes
// the four store slots plus prevRelease. A failed fetch leaves the
// previous slot values untouched: stale-but-present beats absent.
func (o *Orchestrator) applyStores(ctx context.Context) {
	for _, pc := range o.Projects {
		for _, job := range pc.Jobs {
			reader, ok := o.Stores[job.Platform]
			if !ok || job.BundleID == "" {
				continue
			}
			info, err := reader.AppInfo(ctx, job.BundleID)
			if err != nil {
				o.Logger.Warn("store fetch failed", "project", pc.ID, "platform", job.Platform, "error", err)
				sourceFailures.WithLabelValues("store").Inc()
				continue
			}
			o.applyStoreInfo(pc.ID, job.Platform, info)
		}
	}
}

// applyStoreInfo writes one platform's store state onto the project's
// primary branch ("main", or the first branch when main is absent).
func (o *Orchestrator) applyStoreInfo(projectID string, pl model.Platform, info *storefront.AppInfo) {
	now := time.Now().UnixMilli()
	o.Owner.Update(func(s *model.State) {
		p := s.ProjectByID(projectID)
		if p == nil {
			return
		}
		b := primaryBranch(p)
		if b == nil {
			return
		}
		if b.Tracks == nil {
			b.Tracks = &model.Tracks{}
		}
		setStoreSlot(&b.Tracks.StoreInternal, pl, info.Internal, now)
		setStoreSlot(&b.Tracks.StoreAlpha, pl, info.Alpha, now)
		setStoreSlot(&b.Tracks.StoreRollout, pl, info.Rollout, now)
		setStoreSlot(&b.Tracks.StoreRelease, pl, info.Release, now)
		setStoreSlot(&b.Tracks.PrevRelease, pl, info.PrevRelease, now)
	})
}

// setStoreSlot overwrites a slot from reader output. A nil release
// leaves the slot alone; a populated slot is never unset.
func setStoreSlot(slot *model.TrackSlot, pl model.Platform, ri *storefront.ReleaseInfo, now int64) {
	if ri == nil {
		return
	}
	slot.Set(pl, &model.SlotStatus{
		Status:    storeStatus(ri),
		Version:   ri.VersionString(),
		Rollout:   ri.Rollout,
		Timestamp: now,
	})
}

// storeStatus maps a store release state onto the display status. A
// version sitting in App Review shows as review, a halted rollout as
// failure, anything live as success.
func storeStatus(ri *storefront.ReleaseInfo) model.Status {
	st := strings.ToLower(ri.Status)
	switch {
	case strings.Contains(st, "review"):
		return model.StatusReview
	case strings.Contains(st, "halt"):
		return model.StatusFailure
	default:
		return model.StatusSuccess
	}
}

// applyVCS attaches each branch's recent commits from the repository,
// deduplicated against what build metadata already contributed.
func (o *Orchestrator) applyVCS(ctx context.Context) {
	if o.VCS == nil {
		return
	}
	snap := o.Owner.Snapshot()

	for _, pc := range o.Projects {
		if pc.Repo == "" {
			continue
		}
		prev := snap.ProjectByID(pc.ID)
		if prev == nil {
			continue
		}
		for _, b := range prev.Branches {
			changesets, err := o.VCS.RecentChangesets(ctx, pc.Repo, b.Name, o.CommitLimit)
			if err != nil {
				o.Logger.Warn("vcs fetch failed", "project", pc.ID, "branch", b.Name, "error", err)
				sourceFailures.WithLabelValues("vcs").Inc()
				continue
			}
			o.applyCommits(pc.ID, b.Name, changesets)
		}
	}
}

func (o *Orchestrator) applyCommits(projectID, branchName string, changesets []vcs.Changeset) {
	o.Owner.Update(func(s *model.State) {
		p := s.ProjectByID(projectID)
		if p == nil {
			return
		}
		b := p.BranchByName(branchName)
		if b == nil {
			return
		}
		for _, cs := range changesets {
			mergeCommit(b, model.Commit{Message: cs.Message, Author: cs.Author, Timestamp: cs.Timestamp})
		}
		sortCommitsNewestFirst(b.Commits)
	})
}

// applyAnalytics matches per-version active-user counts onto the store
// slots whose version strings line up.
func (o *Orchestrator) applyAnalytics(ctx context.Context) {
	if o.Analytics == nil {
		return
	}
	for _, pc := range o.Projects {
		if pc.AnalyticsProperty == "" {
			continue
		}
		users, err := o.Analytics.UsersByVersion(ctx, pc.AnalyticsProperty, "", o.AnalyticsDays)
		if err != nil {
			o.Logger.Warn("analytics fetch failed", "project", pc.ID, "error", err)
			sourceFailures.WithLabelValues("analytics").Inc()
			continue
		}
		o.Owner.Update(func(s *model.State) {
			p := s.ProjectByID(pc.ID)
			if p == nil {
				return
			}
			for _, b := range p.Branches {
				if b.Tracks == nil {
					continue
				}
				for _, pl := range []model.Platform{model.PlatformIOS, model.PlatformAndroid} {
					for _, vu := range users.For(pl) {
						annotateActiveUsers(b.Tracks, pl, vu)
					}
				}
			}
		})
	}
}

// annotateActiveUsers writes the user count onto every store slot whose
// version matches, either exactly or as the "version (build)" form.
func annotateActiveUsers(t *model.Tracks, pl model.Platform, vu analytics.VersionUsers) {
	for _, slot := range []*model.TrackSlot{
		&t.StoreInternal, &t.StoreAlpha, &t.StoreRollout, &t.StoreRelease, &t.PrevRelease,
	} {
		s := slot.Get(pl)
		if s == nil {
			continue
		}
		if s.Version == vu.Version || strings.HasPrefix(s.Version, vu.Version+" (") {
			s.ActiveUsers = vu.ActiveUsers
		}
	}
}

// applyStatuses moves a project's in-progress records to their polled
// final results. Reports whether anything changed.
func applyStatuses(p *model.Project, statuses map[ci.BuildRef]ci.BuildState) bool {
	if len(statuses) == 0 {
		return false
	}
	touched := false
	forEachProjectRecord(p, func(rec *model.BuildRecord) {
		if rec.Result != model.ResultInProgress {
			return
		}
		st, ok := statuses[ci.BuildRef{Job: rec.Job, Number: rec.Number}]
		if !ok || st.Building || st.Result == "" {
			return
		}
		rec.Result = model.Result(st.Result)
		if st.Duration > 0 {
			rec.Duration = st.Duration
		}
		if st.Timestamp > 0 {
			rec.Timestamp = st.Timestamp
		}
		touched = true
	})
	return touched
}

// previousRecords collects a job's cached build records so an
// incremental fetch can be reduced together with what was already
// known. Records are deduplicated by build number.
func previousRecords(p *model.Project, jobName string) []model.BuildRecord {
	seen := make(map[int]bool)
	var out []model.BuildRecord
	forEachProjectRecord(p, func(rec *model.BuildRecord) {
		if rec.Job != jobName || seen[rec.Number] {
			return
		}
		seen[rec.Number] = true
		out = append(out, *rec)
	})
	return out
}

// carryStoreSlots copies the store-fed slots from the branch's previous
// incarnation so a cycle whose store fetch fails (or has not run yet)
// keeps showing the last known store state.
func carryStoreSlots(b *model.Branch, prev *model.Branch) {
	if prev == nil || prev.Tracks == nil || b.Tracks == nil {
		return
	}
	carryStoreTracks(b.Tracks, prev.Tracks)
}

func carryStoreTracks(t, old *model.Tracks) {
	if t == nil || old == nil {
		return
	}
	t.StoreInternal = old.StoreInternal
	t.StoreAlpha = old.StoreAlpha
	t.StoreRollout = old.StoreRollout
	t.StoreRelease = old.StoreRelease
	t.PrevRelease = old.PrevRelease
}

// forEachRecord visits every build record pointer in the state tree.
func forEachRecord(s *model.State, fn func(rec *model.BuildRecord)) {
	for _, p := range s.Projects {
		forEachProjectRecord(p, fn)
	}
}

func forEachProjectRecord(p *model.Project, fn func(rec *model.BuildRecord)) {
	for _, b := range p.Branches {
		for _, fams := range []*model.PlatformFamilies{&b.Dev, &b.Alpha, &b.Release} {
			for _, f := range []*model.SlotFamily{&fams.IOS, &fams.Android} {
				for _, rec := range []*model.BuildRecord{f.Current, f.LastSuccess, f.OldestSuccess} {
					if rec != nil {
						fn(rec)
					}
				}
			}
		}
	}
}

// primaryBranch is where per-app store state lands: main when present,
// otherwise the first (most recently built) branch.
func primaryBranch(p *model.Project) *model.Branch {
	if b := p.BranchByName("main"); b != nil {
		return b
	}
	if len(p.Branches) > 0 {
		return p.Branches[0]
	}
	return nil
}

func mergeCommit(b *model.Branch, c model.Commit) {
	for _, existing := range b.Commits {
		if existing.Message == c.Message && existing.Author == c.Author {
			return
		}
	}
	b.Commits = append(b.Commits, c)
}

func sortCommitsNewestFirst(commits []model.Commit) {
	sort.SliceStable(commits, func(i, j int) bool {
		return commits[i].Timestamp > commits[j].Timestamp
	})
}
