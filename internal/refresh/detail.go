package refresh

import (
	"context"
	"fmt"

	"shipdeck/internal/analytics"
	"shipdeck/internal/config"
	"shipdeck/internal/model"
	"shipdeck/internal/storefront"
)

// RolloutDetail is the expensive per-project view assembled only when a
// caller asks for it. Keeping vitals-grade data out of the background
// cycle bounds the steady-state cost of the periodic refresh.
type RolloutDetail struct {
	ProjectID string                                 `json:"projectId"`
	Store     map[model.Platform]*storefront.AppInfo `json:"store"`
	Users     *analytics.UsersByVersion              `json:"users,omitempty"`
}

// ProjectRolloutDetail fetches fresh store state and per-version user
// counts for one project, on demand. Sources degrade independently;
// only an unknown project is an error.
func (o *Orchestrator) ProjectRolloutDetail(ctx context.Context, projectID string) (*RolloutDetail, error) {
	var pc *config.Project
	for i := range o.Projects {
		if o.Projects[i].ID == projectID {
			pc = &o.Projects[i]
			break
		}
	}
	if pc == nil {
		return nil, fmt.Errorf("unknown project %q", projectID)
	}

	detail := &RolloutDetail{
		ProjectID: projectID,
		Store:     make(map[model.Platform]*storefront.AppInfo),
	}

	for _, job := range pc.Jobs {
		reader, ok := o.Stores[job.Platform]
		if !ok || job.BundleID == "" {
			continue
		}
		info, err := reader.AppInfo(ctx, job.BundleID)
		if err != nil {
			o.Logger.Warn("rollout detail store fetch failed", "project", projectID, "platform", job.Platform, "error", err)
			sourceFailures.WithLabelValues("store").Inc()
			continue
		}
		detail.Store[job.Platform] = info
	}

	if o.Analytics != nil && pc.AnalyticsProperty != "" {
		users, err := o.Analytics.UsersByVersion(ctx, pc.AnalyticsProperty, "", o.AnalyticsDays)
		if err != nil {
			o.Logger.Warn("rollout detail analytics fetch failed", "project", projectID, "error", err)
			sourceFailures.WithLabelValues("analytics").Inc()
		} else {
			detail.Users = users
		}
	}
	return detail, nil
}
