package history

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test.db")
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	store, err := Open(dbPath, logger)
	if err != nil {
		t.Fatalf("Failed to open store: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func TestStore_RecordAction(t *testing.T) {
	store := openTestStore(t)

	detail := "2.0.120 (45)"
	id, err := store.RecordAction(context.Background(), &ActionRecord{
		Project:  "app",
		Action:   "promote",
		Platform: "ios",
		Detail:   &detail,
	})
	if err != nil {
		t.Fatalf("Failed to record action: %v", err)
	}
	if id == 0 {
		t.Error("Expected non-zero action ID")
	}
}

func TestStore_RecentActivity(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if _, err := store.RecordAction(ctx, &ActionRecord{
			Project: "app",
			Action:  "build",
		}); err != nil {
			t.Fatalf("Failed to record action: %v", err)
		}
	}
	store.RecordRefresh(ctx, "micro", 250*time.Millisecond, nil)
	store.RecordRefresh(ctx, "full", 3*time.Second, errors.New("ci unreachable"))

	activity, err := store.RecentActivity(ctx, 2)
	if err != nil {
		t.Fatalf("Failed to query activity: %v", err)
	}

	if len(activity.Actions) != 2 {
		t.Errorf("Expected 2 actions, got %d", len(activity.Actions))
	}
	if len(activity.Refreshes) != 2 {
		t.Errorf("Expected 2 refreshes, got %d", len(activity.Refreshes))
	}

	// Newest first
	if activity.Refreshes[0].Mode != "full" {
		t.Errorf("Expected newest refresh first, got mode %q", activity.Refreshes[0].Mode)
	}
	if activity.Refreshes[0].ErrorMessage == nil || *activity.Refreshes[0].ErrorMessage != "ci unreachable" {
		t.Errorf("Expected error message on failed refresh, got %v", activity.Refreshes[0].ErrorMessage)
	}
	if activity.Refreshes[1].ErrorMessage != nil {
		t.Errorf("Expected nil error on successful refresh, got %v", *activity.Refreshes[1].ErrorMessage)
	}
}

func TestStore_ProjectActions(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	if _, err := store.RecordAction(ctx, &ActionRecord{Project: "app", Action: "build"}); err != nil {
		t.Fatalf("Failed to record action: %v", err)
	}
	if _, err := store.RecordAction(ctx, &ActionRecord{Project: "other", Action: "rollout"}); err != nil {
		t.Fatalf("Failed to record action: %v", err)
	}
	if _, err := store.RecordAction(ctx, &ActionRecord{Project: "app", Action: "notes"}); err != nil {
		t.Fatalf("Failed to record action: %v", err)
	}

	actions, err := store.ProjectActions(ctx, "app", 10)
	if err != nil {
		t.Fatalf("Failed to query project actions: %v", err)
	}

	if len(actions) != 2 {
		t.Fatalf("Expected 2 actions for project, got %d", len(actions))
	}
	if actions[0].Action != "notes" || actions[1].Action != "build" {
		t.Errorf("Unexpected order: %q, %q", actions[0].Action, actions[1].Action)
	}
	for _, a := range actions {
		if a.Project != "app" {
			t.Errorf("Action for wrong project: %q", a.Project)
		}
		if a.CreatedAt.IsZero() {
			t.Error("Expected non-zero created_at")
		}
	}
}

func TestStore_RecordRefreshSwallowsErrors(t *testing.T) {
	store := openTestStore(t)
	store.Close()

	// Must not panic or surface the failure
	store.RecordRefresh(context.Background(), "micro", time.Second, nil)
}

func TestStore_ReopenKeepsData(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "test.db")
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	store, err := Open(dbPath, logger)
	if err != nil {
		t.Fatalf("Failed to open store: %v", err)
	}
	if _, err := store.RecordAction(context.Background(), &ActionRecord{Project: "app", Action: "halt"}); err != nil {
		t.Fatalf("Failed to record action: %v", err)
	}
	store.Close()

	reopened, err := Open(dbPath, logger)
	if err != nil {
		t.Fatalf("Failed to reopen store: %v", err)
	}
	defer reopened.Close()

	actions, err := reopened.ProjectActions(context.Background(), "app", 10)
	if err != nil {
		t.Fatalf("Failed to query after reopen: %v", err)
	}
	if len(actions) != 1 || actions[0].Action != "halt" {
		t.Errorf("Expected persisted action, got %+v", actions)
	}
}
