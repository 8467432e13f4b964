package history

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	_ "modernc.org/sqlite"
)

// Store manages the refresh and action audit log in SQLite
type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

// Open opens (and if needed creates) the audit database
func Open(dbPath string, logger *slog.Logger) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Configure connection pool for SQLite (single writer)
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	s := &Store{db: db, logger: logger}

	if err := s.initSchema(); err != nil {
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return s, nil
}

// Close closes the database connection
func (s *Store) Close() error {
	return s.db.Close()
}

// initSchema creates the database tables and indexes
func (s *Store) initSchema() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS refreshes (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			mode TEXT NOT NULL,
			duration_seconds REAL NOT NULL,
			error_message TEXT,
			started_at TEXT NOT NULL
		)
	`)
	if err != nil {
		return fmt.Errorf("failed to create refreshes table: %w", err)
	}

	_, err = s.db.Exec(`
		CREATE TABLE IF NOT EXISTS actions (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			project TEXT NOT NULL,
			action TEXT NOT NULL,
			platform TEXT NOT NULL DEFAULT '',
			detail TEXT,
			error_message TEXT,
			created_at TEXT NOT NULL
		)
	`)
	if err != nil {
		return fmt.Errorf("failed to create actions table: %w", err)
	}

	_, err = s.db.Exec(`
		CREATE INDEX IF NOT EXISTS idx_actions_project_created
		ON actions(project, created_at DESC)
	`)
	if err != nil {
		return fmt.Errorf("failed to create index: %w", err)
	}

	return nil
}

// RecordRefresh logs one completed refresh cycle. The audit log is best
// effort: a database failure is logged and swallowed so it can never
// fail a refresh.
func (s *Store) RecordRefresh(ctx context.Context, mode string, duration time.Duration, refreshErr error) {
	var errMsg *string
	if refreshErr != nil {
		msg := refreshErr.Error()
		errMsg = &msg
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO refreshes (mode, duration_seconds, error_message, started_at)
		VALUES (?, ?, ?, ?)
	`, mode, duration.Seconds(), errMsg, time.Now().UTC().Format(time.RFC3339))
	if err != nil {
		s.logger.Warn("failed to record refresh", "mode", mode, "error", err)
	}
}

// RecordAction records a user-initiated action
func (s *Store) RecordAction(ctx context.Context, record *ActionRecord) (int64, error) {
	result, err := s.db.ExecContext(ctx, `
		INSERT INTO actions (project, action, platform, detail, error_message, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`,
		record.Project,
		record.Action,
		record.Platform,
		record.Detail,
		record.ErrorMessage,
		time.Now().UTC().Format(time.RFC3339),
	)
	if err != nil {
		return 0, fmt.Errorf("failed to insert action record: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("failed to get last insert ID: %w", err)
	}

	return id, nil
}

// RecentActivity returns the newest actions and refresh cycles, each
// capped at limit
func (s *Store) RecentActivity(ctx context.Context, limit int) (*Activity, error) {
	actions, err := s.recentActions(ctx, limit)
	if err != nil {
		return nil, err
	}
	refreshes, err := s.recentRefreshes(ctx, limit)
	if err != nil {
		return nil, err
	}
	return &Activity{Actions: actions, Refreshes: refreshes}, nil
}

// ProjectActions returns the newest actions recorded for one project
func (s *Store) ProjectActions(ctx context.Context, project string, limit int) ([]ActionRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, project, action, platform, detail, error_message, created_at
		FROM actions
		WHERE project = ?
		ORDER BY id DESC
		LIMIT ?
	`, project, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query project actions: %w", err)
	}
	defer rows.Close()

	return scanActions(rows)
}

func (s *Store) recentActions(ctx context.Context, limit int) ([]ActionRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, project, action, platform, detail, error_message, created_at
		FROM actions
		ORDER BY id DESC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query actions: %w", err)
	}
	defer rows.Close()

	return scanActions(rows)
}

func (s *Store) recentRefreshes(ctx context.Context, limit int) ([]RefreshRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, mode, duration_seconds, error_message, started_at
		FROM refreshes
		ORDER BY id DESC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query refreshes: %w", err)
	}
	defer rows.Close()

	var records []RefreshRecord
	for rows.Next() {
		var rec RefreshRecord
		var errMsg sql.NullString
		var startedAt string
		if err := rows.Scan(&rec.ID, &rec.Mode, &rec.DurationSeconds, &errMsg, &startedAt); err != nil {
			return nil, fmt.Errorf("failed to scan refresh record: %w", err)
		}
		if errMsg.Valid {
			rec.ErrorMessage = &errMsg.String
		}
		ts, err := time.Parse(time.RFC3339, startedAt)
		if err != nil {
			return nil, fmt.Errorf("failed to parse started_at timestamp: %w", err)
		}
		rec.StartedAt = ts
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating rows: %w", err)
	}

	return records, nil
}

func scanActions(rows *sql.Rows) ([]ActionRecord, error) {
	var records []ActionRecord
	for rows.Next() {
		var rec ActionRecord
		var detail, errMsg sql.NullString
		var createdAt string
		if err := rows.Scan(&rec.ID, &rec.Project, &rec.Action, &rec.Platform, &detail, &errMsg, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan action record: %w", err)
		}
		if detail.Valid {
			rec.Detail = &detail.String
		}
		if errMsg.Valid {
			rec.ErrorMessage = &errMsg.String
		}
		ts, err := time.Parse(time.RFC3339, createdAt)
		if err != nil {
			return nil, fmt.Errorf("failed to parse created_at timestamp: %w", err)
		}
		rec.CreatedAt = ts
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating rows: %w", err)
	}

	return records, nil
}
