package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"shipdeck/internal/config"
	"shipdeck/internal/history"
	"shipdeck/internal/model"
	"shipdeck/internal/notes"
	"shipdeck/internal/refresh"
	"shipdeck/internal/security"
	"shipdeck/internal/storefront"

	"github.com/go-chi/chi/v5"
)

const (
	MaxPayloadBytes      = 1 << 20 // 1 MB
	DefaultActivityLimit = 20
	MaxActivityLimit     = 200
)

// HandleHealth handles health check requests
func (s *Server) HandleHealth(w http.ResponseWriter, r *http.Request) {
	ids := make([]string, 0, len(s.Projects))
	for _, p := range s.Projects {
		ids = append(ids, p.ID)
	}

	s.respondJSON(w, http.StatusOK, map[string]interface{}{
		"status":        "ok",
		"projects":      ids,
		"project_count": len(ids),
		"subscribers":   s.Owner.SubscriberCount(),
	})
}

// HandleState serves the full cached state tree
func (s *Server) HandleState(w http.ResponseWriter, r *http.Request) {
	s.respondJSON(w, http.StatusOK, s.Owner.Snapshot())
}

// HandleProjectState serves one project's cached state
func (s *Server) HandleProjectState(w http.ResponseWriter, r *http.Request) {
	projectID := chi.URLParam(r, "projectID")
	if _, ok := s.requireProject(w, projectID); !ok {
		return
	}

	proj := s.Owner.Snapshot().ProjectByID(projectID)
	if proj == nil {
		// Configured but not refreshed yet
		s.respondJSON(w, http.StatusOK, &model.Project{ID: projectID})
		return
	}
	s.respondJSON(w, http.StatusOK, proj)
}

// HandleRefresh triggers one refresh cycle and returns the resulting
// state. A cycle already in flight is reported as a conflict, not an
// error condition.
func (s *Server) HandleRefresh(w http.ResponseWriter, r *http.Request) {
	full := r.URL.Query().Get("full") == "1" || r.URL.Query().Get("full") == "true"

	snap, err := s.Engine.Refresh(r.Context(), full)
	if errors.Is(err, refresh.ErrRefreshInFlight) {
		s.respondJSON(w, http.StatusConflict, map[string]string{"error": "Refresh already in flight"})
		return
	}
	if err != nil {
		s.Logger.Error("Manual refresh failed", "error", err, "full", full)
		s.respondJSON(w, http.StatusInternalServerError, map[string]string{"error": "Refresh failed"})
		return
	}
	s.respondJSON(w, http.StatusOK, snap)
}

// HandleActivity serves the recent action and refresh audit feed
func (s *Server) HandleActivity(w http.ResponseWriter, r *http.Request) {
	if s.History == nil {
		s.respondJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "Activity log not available"})
		return
	}

	limit := DefaultActivityLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			s.respondJSON(w, http.StatusBadRequest, map[string]string{"error": "Invalid limit"})
			return
		}
		if n > MaxActivityLimit {
			n = MaxActivityLimit
		}
		limit = n
	}

	// With a project filter only that project's actions are returned.
	if project := r.URL.Query().Get("project"); project != "" {
		if err := security.ValidateProjectID(project); err != nil {
			s.respondJSON(w, http.StatusBadRequest, map[string]string{"error": "Invalid project ID"})
			return
		}
		actions, err := s.History.ProjectActions(r.Context(), project, limit)
		if err != nil {
			s.Logger.Error("Failed to query project actions", "project", project, "error", err)
			s.respondJSON(w, http.StatusInternalServerError, map[string]string{"error": "Failed to fetch activity"})
			return
		}
		s.respondJSON(w, http.StatusOK, history.Activity{Actions: actions})
		return
	}

	activity, err := s.History.RecentActivity(r.Context(), limit)
	if err != nil {
		s.Logger.Error("Failed to query activity", "error", err)
		s.respondJSON(w, http.StatusInternalServerError, map[string]string{"error": "Failed to fetch activity"})
		return
	}
	s.respondJSON(w, http.StatusOK, activity)
}

// HandleRolloutDetail serves fresh per-project store and analytics
// state, fetched on demand rather than from the cache.
func (s *Server) HandleRolloutDetail(w http.ResponseWriter, r *http.Request) {
	projectID := chi.URLParam(r, "projectID")
	if _, ok := s.requireProject(w, projectID); !ok {
		return
	}

	detail, err := s.Engine.ProjectRolloutDetail(r.Context(), projectID)
	if err != nil {
		s.respondJSON(w, http.StatusNotFound, map[string]string{"error": "Unknown project"})
		return
	}
	s.respondJSON(w, http.StatusOK, detail)
}

type buildRequest struct {
	Job       string `json:"job"`
	Branch    string `json:"branch"`
	BuildType string `json:"buildType"`
}

// HandleBuild queues a parameterized CI build for one of the project's
// configured jobs
func (s *Server) HandleBuild(w http.ResponseWriter, r *http.Request) {
	projectID := chi.URLParam(r, "projectID")
	pc, ok := s.requireProject(w, projectID)
	if !ok {
		return
	}
	if s.CI == nil {
		s.respondJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "CI not configured"})
		return
	}

	var req buildRequest
	if !s.decodeJSON(w, r, &req) {
		return
	}
	if req.Branch == "" {
		req.Branch = "main"
	}
	if err := security.ValidateJobName(req.Job); err != nil {
		s.respondJSON(w, http.StatusBadRequest, map[string]string{"error": fmt.Sprintf("Invalid job: %v", err)})
		return
	}
	if err := security.ValidateBranchName(req.Branch); err != nil {
		s.respondJSON(w, http.StatusBadRequest, map[string]string{"error": fmt.Sprintf("Invalid branch: %v", err)})
		return
	}
	if !hasJob(pc, req.Job) {
		s.respondJSON(w, http.StatusBadRequest, map[string]string{"error": "Job does not belong to project"})
		return
	}

	params := map[string]string{"BRANCH": req.Branch}
	if req.BuildType != "" {
		params["BUILD_TYPE"] = req.BuildType
	}

	err := s.CI.TriggerBuild(r.Context(), req.Job, params)
	s.recordAction(r, projectID, "build", "", req.Job+"@"+req.Branch, err)
	if err != nil {
		s.Logger.Error("Build trigger failed", "project", projectID, "job", req.Job, "error", err)
		s.respondJSON(w, http.StatusBadGateway, map[string]string{"error": "Failed to queue build"})
		return
	}

	s.respondJSON(w, http.StatusAccepted, map[string]string{
		"message": "Build queued",
		"job":     req.Job,
		"branch":  req.Branch,
	})
}

type promoteRequest struct {
	Platform string `json:"platform"`
	Track    string `json:"track"`
	Version  string `json:"version"`
}

// HandlePromote promotes a build on the store backend
func (s *Server) HandlePromote(w http.ResponseWriter, r *http.Request) {
	projectID := chi.URLParam(r, "projectID")
	pc, ok := s.requireProject(w, projectID)
	if !ok {
		return
	}

	var req promoteRequest
	if !s.decodeJSON(w, r, &req) {
		return
	}
	if req.Version == "" || req.Track == "" {
		s.respondJSON(w, http.StatusBadRequest, map[string]string{"error": "version and track are required"})
		return
	}

	actions, identifier, errResp := s.storeFor(pc, req.Platform)
	if errResp != "" {
		s.respondJSON(w, http.StatusBadRequest, map[string]string{"error": errResp})
		return
	}

	err := actions.Promote(r.Context(), identifier, req.Version, req.Track)
	s.recordAction(r, projectID, "promote", req.Platform, req.Version+" to "+req.Track, err)
	if err != nil {
		s.Logger.Error("Promote failed", "project", projectID, "platform", req.Platform, "error", err)
		s.respondJSON(w, http.StatusBadGateway, map[string]string{"error": "Promote failed"})
		return
	}

	s.respondJSON(w, http.StatusOK, map[string]string{
		"message": "Promoted",
		"version": req.Version,
		"track":   req.Track,
	})
}

type rolloutRequest struct {
	Platform string  `json:"platform"`
	Fraction float64 `json:"fraction"`
	Halt     bool    `json:"halt"`
}

// HandleRollout sets or halts the staged rollout fraction
func (s *Server) HandleRollout(w http.ResponseWriter, r *http.Request) {
	projectID := chi.URLParam(r, "projectID")
	pc, ok := s.requireProject(w, projectID)
	if !ok {
		return
	}

	var req rolloutRequest
	if !s.decodeJSON(w, r, &req) {
		return
	}

	actions, identifier, errResp := s.storeFor(pc, req.Platform)
	if errResp != "" {
		s.respondJSON(w, http.StatusBadRequest, map[string]string{"error": errResp})
		return
	}

	var err error
	var detail string
	if req.Halt {
		detail = "halt"
		err = actions.HaltRollout(r.Context(), identifier)
	} else {
		if req.Fraction <= 0 || req.Fraction > 1 {
			s.respondJSON(w, http.StatusBadRequest, map[string]string{"error": "fraction must be in (0, 1]"})
			return
		}
		detail = fmt.Sprintf("fraction=%g", req.Fraction)
		err = actions.SetRollout(r.Context(), identifier, req.Fraction)
	}

	action := "rollout"
	if req.Halt {
		action = "halt"
	}
	s.recordAction(r, projectID, action, req.Platform, detail, err)
	if err != nil {
		s.Logger.Error("Rollout change failed", "project", projectID, "platform", req.Platform, "error", err)
		s.respondJSON(w, http.StatusBadGateway, map[string]string{"error": "Rollout change failed"})
		return
	}

	s.respondJSON(w, http.StatusOK, map[string]string{"message": "Rollout updated"})
}

type notesRequest struct {
	Platform string `json:"platform"`
	Version  string `json:"version"`
	Branch   string `json:"branch"`
}

// HandleNotes renders release notes from the branch's recent commits
// and posts them to the store backend
func (s *Server) HandleNotes(w http.ResponseWriter, r *http.Request) {
	projectID := chi.URLParam(r, "projectID")
	pc, ok := s.requireProject(w, projectID)
	if !ok {
		return
	}

	var req notesRequest
	if !s.decodeJSON(w, r, &req) {
		return
	}
	if req.Version == "" {
		s.respondJSON(w, http.StatusBadRequest, map[string]string{"error": "version is required"})
		return
	}

	actions, identifier, errResp := s.storeFor(pc, req.Platform)
	if errResp != "" {
		s.respondJSON(w, http.StatusBadRequest, map[string]string{"error": errResp})
		return
	}

	text := s.notesForBranch(projectID, req.Branch)
	if text == "" {
		s.respondJSON(w, http.StatusUnprocessableEntity, map[string]string{"error": "No commits to build notes from"})
		return
	}

	err := actions.PostReleaseNotes(r.Context(), identifier, req.Version, text)
	s.recordAction(r, projectID, "notes", req.Platform, req.Version, err)
	if err != nil {
		s.Logger.Error("Posting release notes failed", "project", projectID, "platform", req.Platform, "error", err)
		s.respondJSON(w, http.StatusBadGateway, map[string]string{"error": "Posting release notes failed"})
		return
	}

	s.respondJSON(w, http.StatusOK, map[string]string{
		"message": "Release notes posted",
		"notes":   text,
	})
}

// notesForBranch renders notes from the cached commits of the named
// branch, falling back to main and then the first branch.
func (s *Server) notesForBranch(projectID, branch string) string {
	proj := s.Owner.Snapshot().ProjectByID(projectID)
	if proj == nil || len(proj.Branches) == 0 {
		return ""
	}
	if branch == "" {
		branch = "main"
	}
	b := proj.BranchByName(branch)
	if b == nil {
		b = proj.Branches[0]
	}
	return notes.ReleaseNotes(b.Commits)
}

// requireProject validates the path parameter and resolves it against
// the configured projects. It writes the error response itself.
func (s *Server) requireProject(w http.ResponseWriter, projectID string) (*config.Project, bool) {
	if err := security.ValidateProjectID(projectID); err != nil {
		s.respondJSON(w, http.StatusBadRequest, map[string]string{"error": fmt.Sprintf("Invalid project ID: %v", err)})
		return nil, false
	}
	for i := range s.Projects {
		if s.Projects[i].ID == projectID {
			return &s.Projects[i], true
		}
	}
	s.respondJSON(w, http.StatusNotFound, map[string]string{"error": "Unknown project"})
	return nil, false
}

// storeFor resolves the Actions backend and store identifier for a
// platform. Returns a non-empty error message on failure.
func (s *Server) storeFor(pc *config.Project, platform string) (storefront.Actions, string, string) {
	pl := model.Platform(strings.ToLower(platform))
	if pl != model.PlatformIOS && pl != model.PlatformAndroid {
		return nil, "", "platform must be ios or android"
	}
	job := pc.JobFor(pl)
	if job == nil || job.BundleID == "" {
		return nil, "", "project has no store identifier for platform " + string(pl)
	}
	actions, ok := s.Stores[pl]
	if !ok {
		return nil, "", "store backend not configured for platform " + string(pl)
	}
	return actions, job.BundleID, ""
}

func hasJob(pc *config.Project, jobName string) bool {
	for _, j := range pc.Jobs {
		if j.Name == jobName {
			return true
		}
	}
	return false
}

// recordAction writes one audit row. Failures are logged, never
// surfaced: the action itself already happened or failed on its own.
func (s *Server) recordAction(r *http.Request, projectID, action, platform, detail string, actionErr error) {
	if s.History == nil {
		return
	}
	rec := &history.ActionRecord{
		Project:  projectID,
		Action:   action,
		Platform: platform,
	}
	if detail != "" {
		rec.Detail = &detail
	}
	if actionErr != nil {
		msg := actionErr.Error()
		rec.ErrorMessage = &msg
	}
	if _, err := s.History.RecordAction(r.Context(), rec); err != nil {
		s.Logger.Error("Failed to record action", "project", projectID, "action", action, "error", err)
	}
}

// decodeJSON reads a bounded JSON body. It writes the error response
// itself and reports whether decoding succeeded.
func (s *Server) decodeJSON(w http.ResponseWriter, r *http.Request, dst interface{}) bool {
	if r.ContentLength > MaxPayloadBytes {
		s.respondJSON(w, http.StatusRequestEntityTooLarge, map[string]string{"error": "Payload too large"})
		return false
	}
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, MaxPayloadBytes))
	if err := dec.Decode(dst); err != nil {
		s.respondJSON(w, http.StatusBadRequest, map[string]string{"error": "Invalid JSON payload"})
		return false
	}
	return true
}

// respondJSON sends a JSON response
func (s *Server) respondJSON(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.Logger.Error("Failed to encode JSON response", "error", err)
	}
}
