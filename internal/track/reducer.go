// Package track turns raw per-platform build lists into the per-branch
// aggregates and eight-slot track status the dashboard serves.
package track

import (
	"sort"
	"strings"

	"shipdeck/internal/model"
)

// Family is the build-type category a build is classified into.
type Family string

const (
	FamilyDev     Family = "dev"
	FamilyAlpha   Family = "alpha"
	FamilyRelease Family = "release"
)

// FamilyOf classifies a build type by substring match. Anything that is
// neither an alpha nor a release build counts as dev.
func FamilyOf(buildType string) Family {
	t := strings.ToLower(buildType)
	switch {
	case strings.Contains(t, "alpha"):
		return FamilyAlpha
	case strings.Contains(t, "release"):
		return FamilyRelease
	default:
		return FamilyDev
	}
}

// GroupByBranch reduces the two platform build lists into per-branch
// aggregates, sorted with "main" first and the rest by latest build
// time descending. Pure: the same inputs always produce structurally
// identical output.
func GroupByBranch(ios, android []model.BuildRecord) []*model.Branch {
	byName := make(map[string]*model.Branch)
	var order []string

	branchFor := func(name string) *model.Branch {
		if b, ok := byName[name]; ok {
			return b
		}
		b := &model.Branch{Name: name}
		byName[name] = b
		order = append(order, name)
		return b
	}

	absorb := func(pl model.Platform, builds []model.BuildRecord) {
		for i := range builds {
			build := &builds[i]
			b := branchFor(build.Branch)

			var families *model.PlatformFamilies
			family := FamilyOf(build.BuildType)
			switch family {
			case FamilyAlpha:
				families = &b.Alpha
			case FamilyRelease:
				families = &b.Release
			default:
				families = &b.Dev
			}

			applyToFamily(families.For(pl), build, family == FamilyDev)

			if family == FamilyDev && build.Timestamp > b.Timestamp {
				b.Timestamp = build.Timestamp
			}

			for _, c := range build.Commits {
				addCommit(b, c)
			}
		}
	}

	absorb(model.PlatformIOS, ios)
	absorb(model.PlatformAndroid, android)

	branches := make([]*model.Branch, 0, len(order))
	for _, name := range order {
		b := byName[name]
		// Branches with only non-dev builds would otherwise all sort
		// with a zero timestamp.
		if b.Timestamp == 0 {
			b.Timestamp = latestBuildTime(b)
		}
		sort.SliceStable(b.Commits, func(i, j int) bool {
			return b.Commits[i].Timestamp > b.Commits[j].Timestamp
		})
		branches = append(branches, b)
	}

	sort.SliceStable(branches, func(i, j int) bool {
		if branches[i].Name == "main" {
			return branches[j].Name != "main"
		}
		if branches[j].Name == "main" {
			return false
		}
		return branches[i].Timestamp > branches[j].Timestamp
	})
	return branches
}

// applyToFamily merges one build observation into a slot family under
// the replacement rule: a strictly higher changeset always wins; at an
// equal changeset a success displaces a non-success but never the
// reverse; otherwise the newer timestamp wins.
func applyToFamily(f *model.SlotFamily, build *model.BuildRecord, dev bool) {
	if replaces(build, f.Current) {
		f.Current = build
	}

	if build.Result == model.ResultSuccess {
		if f.LastSuccess == nil || build.Timestamp > f.LastSuccess.Timestamp {
			f.LastSuccess = build
		}
		if dev && (f.OldestSuccess == nil || build.Timestamp < f.OldestSuccess.Timestamp) {
			f.OldestSuccess = build
		}
	}
}

// replaces reports whether candidate displaces incumbent as the current
// build of a slot family.
func replaces(candidate, incumbent *model.BuildRecord) bool {
	if incumbent == nil {
		return true
	}

	cc, ic := changesetRank(candidate), changesetRank(incumbent)
	if cc != ic {
		return cc > ic
	}

	cSuccess := candidate.Result == model.ResultSuccess
	iSuccess := incumbent.Result == model.ResultSuccess
	if cSuccess != iSuccess {
		// A flaky re-run that failed at a known-good changeset must not
		// hide the good build.
		return cSuccess
	}

	return candidate.Timestamp > incumbent.Timestamp
}

// changesetRank orders builds by parsed changeset, with unparseable
// versions ranked below every real changeset.
func changesetRank(b *model.BuildRecord) int {
	if !b.HasChangeset {
		return -1
	}
	return b.Changeset
}

// addCommit appends a commit if the branch has not seen the same
// (message, author) pair yet.
func addCommit(b *model.Branch, c model.Commit) {
	for _, existing := range b.Commits {
		if existing.Message == c.Message && existing.Author == c.Author {
			return
		}
	}
	b.Commits = append(b.Commits, c)
}

func latestBuildTime(b *model.Branch) int64 {
	var latest int64
	for _, fams := range []*model.PlatformFamilies{&b.Dev, &b.Alpha, &b.Release} {
		for _, f := range []*model.SlotFamily{&fams.IOS, &fams.Android} {
			if f.Current != nil && f.Current.Timestamp > latest {
				latest = f.Current.Timestamp
			}
		}
	}
	return latest
}
