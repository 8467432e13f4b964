package track

import (
	"shipdeck/internal/ci"
	"shipdeck/internal/model"
)

// StoreSideTable is the legacy webhook-fed store status, keyed by track
// name ("storeInternal", "storeAlpha", "storeRollout", "storeRelease",
// "prevRelease"). It only seeds the store slots; the orchestrator's
// store apply overwrites them with live reader data.
type StoreSideTable struct {
	AppStore   map[string]*model.SlotStatus
	GooglePlay map[string]*model.SlotStatus
}

// resultStatus maps a CI result onto the display status. An aborted
// build shows as none, an in-progress one as building.
func resultStatus(r model.Result) model.Status {
	switch r {
	case model.ResultSuccess:
		return model.StatusSuccess
	case model.ResultFailure:
		return model.StatusFailure
	case model.ResultUnstable:
		return model.StatusUnstable
	case model.ResultAborted:
		return model.StatusNone
	default:
		return model.StatusBuilding
	}
}

// BuildTrackStatus builds the eight-slot track object for one branch
// from its CI aggregates, the queue and the legacy store side-table.
// Store slots are otherwise left for the orchestrator's store apply.
func BuildTrackStatus(b *model.Branch, legacy *StoreSideTable, jobs []model.Job, queue []ci.QueueItem) *model.Tracks {
	t := &model.Tracks{}

	for _, pl := range []model.Platform{model.PlatformIOS, model.PlatformAndroid} {
		job := jobFor(jobs, pl)
		if job == nil {
			// No job configured for this platform: every CI slot stays
			// nil rather than guessing.
			continue
		}

		t.Dev.Set(pl, ciSlotStatus(b.Dev.For(pl), queuedFor(queue, job.Name, b.Name, FamilyDev), true))
		t.Alpha.Set(pl, ciSlotStatus(b.Alpha.For(pl), queuedFor(queue, job.Name, b.Name, FamilyAlpha), false))
		t.Release.Set(pl, ciSlotStatus(b.Release.For(pl), queuedFor(queue, job.Name, b.Name, FamilyRelease), true))
	}

	if legacy != nil {
		seedStoreSlots(t, model.PlatformIOS, legacy.AppStore)
		seedStoreSlots(t, model.PlatformAndroid, legacy.GooglePlay)
	}
	return t
}

// ciSlotStatus derives one platform's slot from its family state. With
// queuedOverride set, a separately queued run takes display precedence
// over a finished build so users see that another build is coming; the
// alpha slot keeps the historical behavior of not overriding.
func ciSlotStatus(f *model.SlotFamily, queued, queuedOverride bool) *model.SlotStatus {
	if f.Current == nil {
		if queued {
			return &model.SlotStatus{Status: model.StatusQueued}
		}
		return nil
	}

	s := &model.SlotStatus{
		Status:      resultStatus(f.Current.Result),
		Version:     f.Current.Version,
		BuildURL:    f.Current.URL,
		Timestamp:   f.Current.Timestamp,
		DownloadURL: f.Current.DownloadURL,
		Error:       f.Current.Error,
	}

	if queuedOverride && queued && s.Status != model.StatusBuilding {
		s.Status = model.StatusQueued
	}
	return s
}

// queuedFor reports whether the queue holds an entry matching the job,
// branch and build-type family.
func queuedFor(queue []ci.QueueItem, jobName, branch string, family Family) bool {
	for _, item := range queue {
		if item.Job == jobName && item.Branch == branch && FamilyOf(item.BuildType) == family {
			return true
		}
	}
	return false
}

func jobFor(jobs []model.Job, pl model.Platform) *model.Job {
	for i := range jobs {
		if jobs[i].Platform == pl {
			return &jobs[i]
		}
	}
	return nil
}

func seedStoreSlots(t *model.Tracks, pl model.Platform, byTrack map[string]*model.SlotStatus) {
	if byTrack == nil {
		return
	}
	for name, status := range byTrack {
		if status == nil {
			continue
		}
		switch name {
		case "storeInternal":
			t.StoreInternal.Set(pl, status)
		case "storeAlpha":
			t.StoreAlpha.Set(pl, status)
		case "storeRollout":
			t.StoreRollout.Set(pl, status)
		case "storeRelease":
			t.StoreRelease.Set(pl, status)
		case "prevRelease":
			t.PrevRelease.Set(pl, status)
		}
	}
}
