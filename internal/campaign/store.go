// Package campaign stores the scheduling configuration campaigns supply and
// the workflow-execution references this core advances. The workflow graph
// itself is owned by the external workflow engine; we only move its cursor.
package campaign

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"
	"linkflow/internal/domain"
)

// EnsureSchema creates tables if they don't exist.
func EnsureSchema(db *sql.DB) error {
	schema := `
CREATE TABLE IF NOT EXISTS campaign_settings (
  campaign_id TEXT NOT NULL,
  action TEXT NOT NULL,
  min_delay_ms INTEGER NOT NULL,
  max_delay_ms INTEGER NOT NULL,
  limit_hourly INTEGER NOT NULL DEFAULT 0,
  limit_daily INTEGER NOT NULL DEFAULT 0,
  limit_weekly INTEGER NOT NULL DEFAULT 0,
  PRIMARY KEY (campaign_id, action)
);
CREATE TABLE IF NOT EXISTS campaign_hours (
  campaign_id TEXT PRIMARY KEY,
  enabled INTEGER NOT NULL DEFAULT 0,
  start_hour INTEGER NOT NULL DEFAULT 9,
  end_hour INTEGER NOT NULL DEFAULT 18,
  timezone TEXT NOT NULL DEFAULT 'UTC',
  weekends_allowed INTEGER NOT NULL DEFAULT 0
);
CREATE TABLE IF NOT EXISTS executions (
  id TEXT PRIMARY KEY,
  campaign_id TEXT NOT NULL,
  user_id TEXT NOT NULL,
  prospect_id TEXT NOT NULL DEFAULT '',
  current_node_id TEXT NOT NULL DEFAULT '',
  status TEXT NOT NULL CHECK(status IN ('running','waiting','completed','failed')) DEFAULT 'running',
  created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
  updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_executions_user ON executions(user_id, status);
CREATE TABLE IF NOT EXISTS execution_history (
  id INTEGER PRIMARY KEY AUTOINCREMENT,
  execution_id TEXT NOT NULL,
  node_id TEXT NOT NULL,
  event TEXT NOT NULL DEFAULT '',
  created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
  FOREIGN KEY(execution_id) REFERENCES executions(id)
);
`
	_, err := db.Exec(schema)
	return err
}

// Store reads campaign configuration and advances workflow executions.
type Store interface {
	// Config returns the full scheduling configuration for a campaign.
	// Returns domain.ErrMissingConfig when the campaign has no settings.
	Config(ctx context.Context, campaignID string) (domain.CampaignConfig, error)
	PutConfig(ctx context.Context, campaignID string, cfg domain.CampaignConfig) error

	CreateExecution(ctx context.Context, e domain.Execution) (string, error)
	GetExecution(ctx context.Context, id string) (domain.Execution, error)
	// AdvanceExecution moves the execution's cursor to nodeID, appends one
	// history entry and marks it running.
	AdvanceExecution(ctx context.Context, id, nodeID string) error
	// CompleteExecution marks the execution finished (no next node).
	CompleteExecution(ctx context.Context, id string) error
	// MarkWaiting parks an execution until the extension reconnects.
	MarkWaiting(ctx context.Context, id string) error
	// ResumeWaiting moves every waiting execution of the user back to
	// running. Returns the count resumed.
	ResumeWaiting(ctx context.Context, userID string) (int, error)
	History(ctx context.Context, executionID string) ([]HistoryEntry, error)
}

type HistoryEntry struct {
	ExecutionID string    `json:"execution_id"`
	NodeID      string    `json:"node_id"`
	Event       string    `json:"event"`
	CreatedAt   time.Time `json:"created_at"`
}

type sqliteStore struct{ db *sql.DB }

func NewSQLiteStore(db *sql.DB) Store { return &sqliteStore{db: db} }

func (s *sqliteStore) Config(ctx context.Context, campaignID string) (domain.CampaignConfig, error) {
	cfg := domain.CampaignConfig{
		Delays: map[domain.Action]domain.Delay{},
		Limits: map[domain.Action]domain.Limits{},
	}

	rows, err := s.db.QueryContext(ctx, `
SELECT action, min_delay_ms, max_delay_ms, limit_hourly, limit_daily, limit_weekly
FROM campaign_settings WHERE campaign_id=?`, campaignID)
	if err != nil {
		return cfg, err
	}
	defer rows.Close()
	for rows.Next() {
		var action string
		var minMs, maxMs int64
		var lim domain.Limits
		if err := rows.Scan(&action, &minMs, &maxMs, &lim.Hourly, &lim.Daily, &lim.Weekly); err != nil {
			return cfg, err
		}
		cfg.Delays[domain.Action(action)] = domain.Delay{
			Min: time.Duration(minMs) * time.Millisecond,
			Max: time.Duration(maxMs) * time.Millisecond,
		}
		cfg.Limits[domain.Action(action)] = lim
	}
	if err := rows.Err(); err != nil {
		return cfg, err
	}
	if len(cfg.Delays) == 0 {
		return cfg, domain.ErrMissingConfig
	}

	row := s.db.QueryRowContext(ctx, `
SELECT enabled, start_hour, end_hour, timezone, weekends_allowed
FROM campaign_hours WHERE campaign_id=?`, campaignID)
	err = row.Scan(&cfg.Hours.Enabled, &cfg.Hours.StartHour, &cfg.Hours.EndHour,
		&cfg.Hours.Timezone, &cfg.Hours.WeekendsAllowed)
	if err == sql.ErrNoRows {
		return cfg, domain.ErrMissingConfig
	}
	if err != nil {
		return cfg, err
	}
	return cfg, nil
}

func (s *sqliteStore) PutConfig(ctx context.Context, campaignID string, cfg domain.CampaignConfig) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM campaign_settings WHERE campaign_id=?`, campaignID); err != nil {
		return err
	}
	for action, d := range cfg.Delays {
		lim := cfg.Limits[action]
		_, err := tx.ExecContext(ctx, `
INSERT INTO campaign_settings (campaign_id, action, min_delay_ms, max_delay_ms, limit_hourly, limit_daily, limit_weekly)
VALUES (?,?,?,?,?,?,?)`,
			campaignID, action, d.Min.Milliseconds(), d.Max.Milliseconds(),
			lim.Hourly, lim.Daily, lim.Weekly)
		if err != nil {
			return err
		}
	}
	_, err = tx.ExecContext(ctx, `
INSERT INTO campaign_hours (campaign_id, enabled, start_hour, end_hour, timezone, weekends_allowed)
VALUES (?,?,?,?,?,?)
ON CONFLICT(campaign_id) DO UPDATE SET
  enabled=excluded.enabled, start_hour=excluded.start_hour, end_hour=excluded.end_hour,
  timezone=excluded.timezone, weekends_allowed=excluded.weekends_allowed`,
		campaignID, cfg.Hours.Enabled, cfg.Hours.StartHour, cfg.Hours.EndHour,
		cfg.Hours.Timezone, cfg.Hours.WeekendsAllowed)
	if err != nil {
		return err
	}
	return tx.Commit()
}

func (s *sqliteStore) CreateExecution(ctx context.Context, e domain.Execution) (string, error) {
	id := e.ID
	if id == "" {
		id = "exe_" + uuid.NewString()
	}
	if e.Status == "" {
		e.Status = domain.ExecutionRunning
	}
	_, err := s.db.ExecContext(ctx, `
INSERT INTO executions (id, campaign_id, user_id, prospect_id, current_node_id, status, created_at, updated_at)
VALUES (?,?,?,?,?,?,CURRENT_TIMESTAMP,CURRENT_TIMESTAMP)`,
		id, e.CampaignID, e.UserID, e.ProspectID, e.CurrentNodeID, e.Status)
	return id, err
}

func (s *sqliteStore) GetExecution(ctx context.Context, id string) (domain.Execution, error) {
	row := s.db.QueryRowContext(ctx, `
SELECT id, campaign_id, user_id, prospect_id, current_node_id, status, created_at, updated_at
FROM executions WHERE id=?`, id)
	var e domain.Execution
	err := row.Scan(&e.ID, &e.CampaignID, &e.UserID, &e.ProspectID, &e.CurrentNodeID,
		&e.Status, &e.CreatedAt, &e.UpdatedAt)
	if err == sql.ErrNoRows {
		return domain.Execution{}, domain.ErrNotFound
	}
	return e, err
}

func (s *sqliteStore) AdvanceExecution(ctx context.Context, id, nodeID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
UPDATE executions SET current_node_id=?, status='running', updated_at=CURRENT_TIMESTAMP
WHERE id=?`, nodeID, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domain.ErrNotFound
	}
	_, err = tx.ExecContext(ctx, `
INSERT INTO execution_history (execution_id, node_id, event) VALUES (?,?,'advanced')`, id, nodeID)
	if err != nil {
		return err
	}
	return tx.Commit()
}

func (s *sqliteStore) CompleteExecution(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `
UPDATE executions SET status='completed', updated_at=CURRENT_TIMESTAMP WHERE id=?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domain.ErrNotFound
	}
	return nil
}

func (s *sqliteStore) MarkWaiting(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `
UPDATE executions SET status='waiting', updated_at=CURRENT_TIMESTAMP
WHERE id=? AND status='running'`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domain.ErrInvalidTransition
	}
	return nil
}

func (s *sqliteStore) ResumeWaiting(ctx context.Context, userID string) (int, error) {
	res, err := s.db.ExecContext(ctx, `
UPDATE executions SET status='running', updated_at=CURRENT_TIMESTAMP
WHERE user_id=? AND status='waiting'`, userID)
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func (s *sqliteStore) History(ctx context.Context, executionID string) ([]HistoryEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT execution_id, node_id, event, created_at
FROM execution_history WHERE execution_id=? ORDER BY id ASC`, executionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []HistoryEntry
	for rows.Next() {
		var h HistoryEntry
		if err := rows.Scan(&h.ExecutionID, &h.NodeID, &h.Event, &h.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, h)
	}
	return out, rows.Err()
}
