package history

import "time"

// RefreshRecord represents one completed refresh cycle in the database
type RefreshRecord struct {
	ID              int64     `json:"id"`
	Mode            string    `json:"mode"` // micro, full, bootstrap, invalidation, escalated
	DurationSeconds float64   `json:"duration_seconds"`
	ErrorMessage    *string   `json:"error_message,omitempty"` // nullable
	StartedAt       time.Time `json:"started_at"`
}

// ActionRecord represents a user-initiated action against a project:
// a triggered build, a store promotion, a rollout change or posted
// release notes.
type ActionRecord struct {
	ID           int64     `json:"id"`
	Project      string    `json:"project"`
	Action       string    `json:"action"` // build, promote, rollout, halt, notes
	Platform     string    `json:"platform,omitempty"`
	Detail       *string   `json:"detail,omitempty"`        // nullable
	ErrorMessage *string   `json:"error_message,omitempty"` // nullable
	CreatedAt    time.Time `json:"created_at"`
}

// Activity is the combined feed served to the dashboard
type Activity struct {
	Actions   []ActionRecord  `json:"actions"`
	Refreshes []RefreshRecord `json:"refreshes"`
}
