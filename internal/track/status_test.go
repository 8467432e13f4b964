package track

import (
	"testing"

	"shipdeck/internal/ci"
	"shipdeck/internal/model"
)

var testJobs = []model.Job{
	{Name: "app-ios", Platform: model.PlatformIOS, BundleID: "com.example.app"},
	{Name: "app-android", Platform: model.PlatformAndroid, BundleID: "com.example.app"},
}

func TestBuildTrackStatus_DevSuccessSinglePlatform(t *testing.T) {
	branches := GroupByBranch([]model.BuildRecord{
		build("main", "Debug", "120", model.ResultSuccess, 1000),
	}, nil)

	tracks := BuildTrackStatus(branches[0], nil, testJobs, nil)

	ios := tracks.Dev.IOS
	if ios == nil || ios.Status != model.StatusSuccess {
		t.Fatalf("Tracks.dev.ios = %+v, expected success", ios)
	}
	if ios.Version != "120" {
		t.Errorf("Tracks.dev.ios version = %q, expected %q", ios.Version, "120")
	}
	if tracks.Dev.Android != nil {
		t.Errorf("Tracks.dev.android = %+v, expected nil (no android data yet)", tracks.Dev.Android)
	}
}

func TestBuildTrackStatus_ResultMapping(t *testing.T) {
	testCases := []struct {
		name     string
		result   model.Result
		expected model.Status
	}{
		{"success", model.ResultSuccess, model.StatusSuccess},
		{"failure", model.ResultFailure, model.StatusFailure},
		{"unstable", model.ResultUnstable, model.StatusUnstable},
		{"aborted", model.ResultAborted, model.StatusNone},
		{"in progress", model.ResultInProgress, model.StatusBuilding},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			branches := GroupByBranch([]model.BuildRecord{
				build("main", "Debug", "120", tc.result, 1000),
			}, nil)
			tracks := BuildTrackStatus(branches[0], nil, testJobs, nil)
			if tracks.Dev.IOS == nil || tracks.Dev.IOS.Status != tc.expected {
				t.Errorf("status = %+v, expected %v", tracks.Dev.IOS, tc.expected)
			}
		})
	}
}

func TestBuildTrackStatus_QueuedWithoutBuild(t *testing.T) {
	branches := GroupByBranch([]model.BuildRecord{
		// Something on the branch so the aggregate exists, on the
		// release family only.
		build("main", "Release", "118", model.ResultSuccess, 500),
	}, nil)
	queue := []ci.QueueItem{{Job: "app-ios", Branch: "main", BuildType: "Debug"}}

	tracks := BuildTrackStatus(branches[0], nil, testJobs, queue)
	if tracks.Dev.IOS == nil || tracks.Dev.IOS.Status != model.StatusQueued {
		t.Errorf("Tracks.dev.ios = %+v, expected queued", tracks.Dev.IOS)
	}
}

func TestBuildTrackStatus_QueuedOverridesFinished(t *testing.T) {
	branches := GroupByBranch([]model.BuildRecord{
		build("main", "Debug", "120", model.ResultSuccess, 1000),
	}, nil)
	queue := []ci.QueueItem{{Job: "app-ios", Branch: "main", BuildType: "Debug"}}

	tracks := BuildTrackStatus(branches[0], nil, testJobs, queue)
	if tracks.Dev.IOS == nil || tracks.Dev.IOS.Status != model.StatusQueued {
		t.Errorf("Tracks.dev.ios = %+v, expected queued to override finished build", tracks.Dev.IOS)
	}
	// The build's fields stay visible under the queued status.
	if tracks.Dev.IOS.Version != "120" {
		t.Errorf("version = %q, expected the finished build's version to remain", tracks.Dev.IOS.Version)
	}
}

func TestBuildTrackStatus_QueuedDoesNotOverrideBuilding(t *testing.T) {
	branches := GroupByBranch([]model.BuildRecord{
		build("main", "Debug", "121", model.ResultInProgress, 2000),
	}, nil)
	queue := []ci.QueueItem{{Job: "app-ios", Branch: "main", BuildType: "Debug"}}

	tracks := BuildTrackStatus(branches[0], nil, testJobs, queue)
	if tracks.Dev.IOS == nil || tracks.Dev.IOS.Status != model.StatusBuilding {
		t.Errorf("Tracks.dev.ios = %+v, expected building to win over queued", tracks.Dev.IOS)
	}
}

func TestBuildTrackStatus_AlphaHasNoQueuedOverride(t *testing.T) {
	branches := GroupByBranch([]model.BuildRecord{
		build("main", "DevAlpha", "120", model.ResultSuccess, 1000),
	}, nil)
	queue := []ci.QueueItem{{Job: "app-ios", Branch: "main", BuildType: "DevAlpha"}}

	tracks := BuildTrackStatus(branches[0], nil, testJobs, queue)
	if tracks.Alpha.IOS == nil || tracks.Alpha.IOS.Status != model.StatusSuccess {
		t.Errorf("Tracks.alpha.ios = %+v, expected success (alpha keeps no queued override)", tracks.Alpha.IOS)
	}
}

func TestBuildTrackStatus_MissingJobLeavesSlotNil(t *testing.T) {
	branches := GroupByBranch([]model.BuildRecord{
		build("main", "Debug", "120", model.ResultSuccess, 1000),
	}, []model.BuildRecord{
		build("main", "Debug", "119", model.ResultSuccess, 900),
	})
	iosOnly := []model.Job{{Name: "app-ios", Platform: model.PlatformIOS}}

	tracks := BuildTrackStatus(branches[0], nil, iosOnly, nil)
	if tracks.Dev.Android != nil {
		t.Errorf("Tracks.dev.android = %+v, expected nil without a configured android job", tracks.Dev.Android)
	}
	if tracks.Dev.IOS == nil {
		t.Error("Tracks.dev.ios = nil, expected populated slot")
	}
}

func TestBuildTrackStatus_LegacyStoreSideTable(t *testing.T) {
	branches := GroupByBranch([]model.BuildRecord{
		build("main", "Debug", "120", model.ResultSuccess, 1000),
	}, nil)
	legacy := &StoreSideTable{
		AppStore: map[string]*model.SlotStatus{
			"storeRelease": {Status: model.StatusSuccess, Version: "2.0.120 (45)"},
		},
		GooglePlay: map[string]*model.SlotStatus{
			"storeRollout": {Status: model.StatusSuccess, Version: "2.0.119", Rollout: 0.2},
		},
	}

	tracks := BuildTrackStatus(branches[0], legacy, testJobs, nil)
	if tracks.StoreRelease.IOS == nil || tracks.StoreRelease.IOS.Version != "2.0.120 (45)" {
		t.Errorf("storeRelease.ios = %+v, expected legacy seed", tracks.StoreRelease.IOS)
	}
	if tracks.StoreRollout.Android == nil || tracks.StoreRollout.Android.Rollout != 0.2 {
		t.Errorf("storeRollout.android = %+v, expected legacy seed", tracks.StoreRollout.Android)
	}
	if tracks.StoreInternal.IOS != nil {
		t.Errorf("storeInternal.ios = %+v, expected nil", tracks.StoreInternal.IOS)
	}
}
