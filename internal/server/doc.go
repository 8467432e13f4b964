// Package server implements the HTTP surface of the dashboard.
//
// This package provides:
//   - State query endpoints serving the cached project tree
//   - A server-sent-events stream of state-change notifications
//   - Action endpoints: trigger builds, promote, change rollouts,
//     post release notes
//   - The recent-activity audit feed
//   - Structured logging of all HTTP requests
//
// The server integrates with other packages:
//   - internal/state: snapshot access and event subscriptions
//   - internal/refresh: manual refresh and on-demand rollout detail
//   - internal/history: SQLite-based action and refresh audit log
//
// Safety features:
//   - Input validation on project IDs, branch and job names
//   - Payload size limits (1MB max)
//   - Per-IP rate limiting on action routes
package server
