package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"shipdeck/internal/config"
	"shipdeck/internal/history"
	"shipdeck/internal/model"
	"shipdeck/internal/refresh"
	"shipdeck/internal/state"
	"shipdeck/internal/storefront"
)

type fakeEngine struct {
	refreshErr  error
	refreshFull bool
	snapshot    *model.State
	detail      *refresh.RolloutDetail
}

func (f *fakeEngine) Refresh(ctx context.Context, full bool) (*model.State, error) {
	f.refreshFull = full
	if f.refreshErr != nil {
		return nil, f.refreshErr
	}
	if f.snapshot != nil {
		return f.snapshot, nil
	}
	return model.NewState(), nil
}

func (f *fakeEngine) ProjectRolloutDetail(ctx context.Context, projectID string) (*refresh.RolloutDetail, error) {
	if f.detail == nil {
		return nil, errors.New("unknown project")
	}
	return f.detail, nil
}

type fakeTrigger struct {
	mu     sync.Mutex
	job    string
	params map[string]string
	err    error
}

func (f *fakeTrigger) TriggerBuild(ctx context.Context, jobName string, params map[string]string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.job = jobName
	f.params = params
	return f.err
}

type fakeActions struct {
	promoted string
	track    string
	rollout  float64
	halted   bool
	notes    string
	err      error
}

func (f *fakeActions) Promote(ctx context.Context, identifier, version, track string) error {
	f.promoted, f.track = version, track
	return f.err
}

func (f *fakeActions) SetRollout(ctx context.Context, identifier string, fraction float64) error {
	f.rollout = fraction
	return f.err
}

func (f *fakeActions) HaltRollout(ctx context.Context, identifier string) error {
	f.halted = true
	return f.err
}

func (f *fakeActions) PostReleaseNotes(ctx context.Context, identifier, version, notes string) error {
	f.notes = notes
	return f.err
}

type fakeActivity struct {
	actions []history.ActionRecord
}

func (f *fakeActivity) RecordAction(ctx context.Context, record *history.ActionRecord) (int64, error) {
	f.actions = append(f.actions, *record)
	return int64(len(f.actions)), nil
}

func (f *fakeActivity) RecentActivity(ctx context.Context, limit int) (*history.Activity, error) {
	return &history.Activity{Actions: f.actions}, nil
}

func (f *fakeActivity) ProjectActions(ctx context.Context, project string, limit int) ([]history.ActionRecord, error) {
	var out []history.ActionRecord
	for _, a := range f.actions {
		if a.Project == project {
			out = append(out, a)
		}
	}
	return out, nil
}

func setupTestServer(t *testing.T) (*Server, *fakeEngine) {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	owner := state.NewOwner(nil, logger)

	projects := []config.Project{{
		ID:   "app",
		Name: "App",
		Jobs: []model.Job{
			{Name: "app-ios", Platform: model.PlatformIOS, BundleID: "com.example.app"},
		},
	}}

	engine := &fakeEngine{}
	srv := NewServer(owner, engine, projects, logger)
	srv.TestMode = true
	return srv, engine
}

func doJSON(t *testing.T, srv *Server, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			t.Fatal(err)
		}
		reader = bytes.NewReader(data)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	rr := httptest.NewRecorder()
	srv.Router().ServeHTTP(rr, req)
	return rr
}

func TestHandleHealth(t *testing.T) {
	srv, _ := setupTestServer(t)

	rr := doJSON(t, srv, "GET", "/health", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d", rr.Code)
	}

	var resp map[string]any
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp["status"] != "ok" {
		t.Errorf("status field = %v", resp["status"])
	}
	if resp["project_count"] != float64(1) {
		t.Errorf("project_count = %v", resp["project_count"])
	}
}

func TestHandleState(t *testing.T) {
	srv, _ := setupTestServer(t)
	srv.Owner.Update(func(s *model.State) {
		s.Projects = []*model.Project{{ID: "app", Name: "App"}}
	})

	rr := doJSON(t, srv, "GET", "/api/state", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d", rr.Code)
	}

	var got model.State
	if err := json.Unmarshal(rr.Body.Bytes(), &got); err != nil {
		t.Fatal(err)
	}
	if len(got.Projects) != 1 || got.Projects[0].ID != "app" {
		t.Errorf("projects = %+v", got.Projects)
	}
}

func TestHandleProjectState_Unknown(t *testing.T) {
	srv, _ := setupTestServer(t)

	if rr := doJSON(t, srv, "GET", "/api/state/nope", nil); rr.Code != http.StatusNotFound {
		t.Errorf("unknown project status = %d", rr.Code)
	}
	if rr := doJSON(t, srv, "GET", "/api/state/Bad_ID", nil); rr.Code != http.StatusBadRequest {
		t.Errorf("invalid ID status = %d", rr.Code)
	}
}

func TestHandleRefresh(t *testing.T) {
	srv, engine := setupTestServer(t)

	rr := doJSON(t, srv, "POST", "/api/refresh?full=1", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d", rr.Code)
	}
	if !engine.refreshFull {
		t.Error("full flag not forwarded")
	}

	engine.refreshErr = refresh.ErrRefreshInFlight
	if rr := doJSON(t, srv, "POST", "/api/refresh", nil); rr.Code != http.StatusConflict {
		t.Errorf("in-flight status = %d", rr.Code)
	}

	engine.refreshErr = errors.New("boom")
	if rr := doJSON(t, srv, "POST", "/api/refresh", nil); rr.Code != http.StatusInternalServerError {
		t.Errorf("failure status = %d", rr.Code)
	}
}

func TestHandleBuild(t *testing.T) {
	srv, _ := setupTestServer(t)
	trigger := &fakeTrigger{}
	audit := &fakeActivity{}
	srv.CI = trigger
	srv.History = audit

	rr := doJSON(t, srv, "POST", "/api/build/app", buildRequest{Job: "app-ios", Branch: "release/2.0", BuildType: "Release"})
	if rr.Code != http.StatusAccepted {
		t.Fatalf("status = %d, body %s", rr.Code, rr.Body.String())
	}
	if trigger.job != "app-ios" {
		t.Errorf("triggered job = %q", trigger.job)
	}
	if trigger.params["BRANCH"] != "release/2.0" || trigger.params["BUILD_TYPE"] != "Release" {
		t.Errorf("params = %+v", trigger.params)
	}
	if len(audit.actions) != 1 || audit.actions[0].Action != "build" {
		t.Errorf("audit = %+v", audit.actions)
	}
}

func TestHandleBuild_Validation(t *testing.T) {
	srv, _ := setupTestServer(t)
	srv.CI = &fakeTrigger{}

	tests := []struct {
		name string
		req  buildRequest
		want int
	}{
		{"unknown job", buildRequest{Job: "other-job"}, http.StatusBadRequest},
		{"empty job", buildRequest{}, http.StatusBadRequest},
		{"injection branch", buildRequest{Job: "app-ios", Branch: "main; rm -rf /"}, http.StatusBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if rr := doJSON(t, srv, "POST", "/api/build/app", tt.req); rr.Code != tt.want {
				t.Errorf("status = %d, want %d", rr.Code, tt.want)
			}
		})
	}
}

func TestHandleBuild_NoCI(t *testing.T) {
	srv, _ := setupTestServer(t)

	rr := doJSON(t, srv, "POST", "/api/build/app", buildRequest{Job: "app-ios"})
	if rr.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d", rr.Code)
	}
}

func TestHandlePromote(t *testing.T) {
	srv, _ := setupTestServer(t)
	actions := &fakeActions{}
	srv.Stores[model.PlatformIOS] = actions

	rr := doJSON(t, srv, "POST", "/api/promote/app", promoteRequest{Platform: "ios", Track: "storeRelease", Version: "2.0.120"})
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rr.Code, rr.Body.String())
	}
	if actions.promoted != "2.0.120" || actions.track != "storeRelease" {
		t.Errorf("promote call = %q -> %q", actions.promoted, actions.track)
	}

	if rr := doJSON(t, srv, "POST", "/api/promote/app", promoteRequest{Platform: "ios"}); rr.Code != http.StatusBadRequest {
		t.Errorf("missing fields status = %d", rr.Code)
	}
	if rr := doJSON(t, srv, "POST", "/api/promote/app", promoteRequest{Platform: "android", Track: "x", Version: "1"}); rr.Code != http.StatusBadRequest {
		t.Errorf("unconfigured platform status = %d", rr.Code)
	}
}

func TestHandleRollout(t *testing.T) {
	srv, _ := setupTestServer(t)
	actions := &fakeActions{}
	srv.Stores[model.PlatformIOS] = actions

	rr := doJSON(t, srv, "POST", "/api/rollout/app", rolloutRequest{Platform: "ios", Fraction: 0.25})
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d", rr.Code)
	}
	if actions.rollout != 0.25 {
		t.Errorf("fraction = %v", actions.rollout)
	}

	if rr := doJSON(t, srv, "POST", "/api/rollout/app", rolloutRequest{Platform: "ios", Fraction: 1.5}); rr.Code != http.StatusBadRequest {
		t.Errorf("out-of-range status = %d", rr.Code)
	}

	rr = doJSON(t, srv, "POST", "/api/rollout/app", rolloutRequest{Platform: "ios", Halt: true})
	if rr.Code != http.StatusOK {
		t.Fatalf("halt status = %d", rr.Code)
	}
	if !actions.halted {
		t.Error("halt not forwarded")
	}
}

func TestHandleNotes(t *testing.T) {
	srv, _ := setupTestServer(t)
	actions := &fakeActions{}
	srv.Stores[model.PlatformIOS] = actions
	srv.Owner.Update(func(s *model.State) {
		s.Projects = []*model.Project{{
			ID: "app",
			Branches: []*model.Branch{{
				Name: "main",
				Commits: []model.Commit{
					{Message: "Fix login crash", Author: "ana"},
				},
			}},
		}}
	})

	rr := doJSON(t, srv, "POST", "/api/notes/app", notesRequest{Platform: "ios", Version: "2.0.120"})
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rr.Code, rr.Body.String())
	}
	if !strings.Contains(actions.notes, "Fix login crash") {
		t.Errorf("posted notes = %q", actions.notes)
	}
}

func TestHandleNotes_NoCommits(t *testing.T) {
	srv, _ := setupTestServer(t)
	srv.Stores[model.PlatformIOS] = &fakeActions{}

	rr := doJSON(t, srv, "POST", "/api/notes/app", notesRequest{Platform: "ios", Version: "2.0.120"})
	if rr.Code != http.StatusUnprocessableEntity {
		t.Errorf("status = %d", rr.Code)
	}
}

func TestHandleActivity(t *testing.T) {
	srv, _ := setupTestServer(t)

	if rr := doJSON(t, srv, "GET", "/api/activity", nil); rr.Code != http.StatusServiceUnavailable {
		t.Errorf("no history status = %d", rr.Code)
	}

	srv.History = &fakeActivity{actions: []history.ActionRecord{{Project: "app", Action: "build"}}}
	rr := doJSON(t, srv, "GET", "/api/activity", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d", rr.Code)
	}

	var got history.Activity
	if err := json.Unmarshal(rr.Body.Bytes(), &got); err != nil {
		t.Fatal(err)
	}
	if len(got.Actions) != 1 || got.Actions[0].Action != "build" {
		t.Errorf("activity = %+v", got)
	}

	if rr := doJSON(t, srv, "GET", "/api/activity?limit=0", nil); rr.Code != http.StatusBadRequest {
		t.Errorf("invalid limit status = %d", rr.Code)
	}
}

func TestHandleActivity_ProjectFilter(t *testing.T) {
	srv, _ := setupTestServer(t)
	srv.History = &fakeActivity{actions: []history.ActionRecord{
		{Project: "app", Action: "build"},
		{Project: "other-app", Action: "promote"},
		{Project: "app", Action: "rollout"},
	}}

	rr := doJSON(t, srv, "GET", "/api/activity?project=app", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d", rr.Code)
	}
	var got history.Activity
	if err := json.Unmarshal(rr.Body.Bytes(), &got); err != nil {
		t.Fatal(err)
	}
	if len(got.Actions) != 2 {
		t.Fatalf("actions = %+v", got.Actions)
	}
	for _, a := range got.Actions {
		if a.Project != "app" {
			t.Errorf("leaked action for %q", a.Project)
		}
	}

	if rr := doJSON(t, srv, "GET", "/api/activity?project=Bad%20ID", nil); rr.Code != http.StatusBadRequest {
		t.Errorf("invalid project status = %d", rr.Code)
	}
}

func TestHandleRolloutDetail(t *testing.T) {
	srv, engine := setupTestServer(t)
	engine.detail = &refresh.RolloutDetail{
		ProjectID: "app",
		Store: map[model.Platform]*storefront.AppInfo{
			model.PlatformIOS: {Release: &storefront.ReleaseInfo{Version: "2.0.120"}},
		},
	}

	rr := doJSON(t, srv, "GET", "/api/rollout/app", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d", rr.Code)
	}

	var got refresh.RolloutDetail
	if err := json.Unmarshal(rr.Body.Bytes(), &got); err != nil {
		t.Fatal(err)
	}
	if got.ProjectID != "app" || got.Store[model.PlatformIOS].Release.Version != "2.0.120" {
		t.Errorf("detail = %+v", got)
	}
}

// syncStreamWriter is a flushable response writer safe to read while
// the event stream handler is still writing.
type syncStreamWriter struct {
	mu     sync.Mutex
	buf    bytes.Buffer
	header http.Header
}

func (w *syncStreamWriter) Header() http.Header { return w.header }
func (w *syncStreamWriter) WriteHeader(int)     {}
func (w *syncStreamWriter) Flush()              {}

func (w *syncStreamWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.buf.Write(p)
}

func (w *syncStreamWriter) String() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.buf.String()
}

func TestHandleEvents_StreamsBroadcast(t *testing.T) {
	srv, _ := setupTestServer(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	req := httptest.NewRequest("GET", "/api/events", nil).WithContext(ctx)
	w := &syncStreamWriter{header: make(http.Header)}

	done := make(chan struct{})
	go func() {
		defer close(done)
		srv.HandleEvents(w, req)
	}()

	waitFor(t, "subscription", func() bool { return srv.Owner.SubscriberCount() == 1 })
	srv.Owner.Broadcast("refresh", map[string]string{"mode": "micro"})
	waitFor(t, "event write", func() bool { return strings.Contains(w.String(), "event: refresh") })

	cancel()
	<-done

	body := w.String()
	if !strings.Contains(body, ": connected") {
		t.Errorf("missing connect comment: %q", body)
	}
	if !strings.Contains(body, `"mode":"micro"`) {
		t.Errorf("missing payload: %q", body)
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(time.Millisecond)
	}
}
