package queue

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	"linkflow/internal/domain"
)

// EnsureSchema creates tables if they don't exist.
func EnsureSchema(db *sql.DB) error {
	schema := `
PRAGMA journal_mode=WAL;
CREATE TABLE IF NOT EXISTS instructions (
  id TEXT PRIMARY KEY,
  user_id TEXT NOT NULL,
  campaign_id TEXT NOT NULL DEFAULT '',
  execution_id TEXT NOT NULL DEFAULT '',
  prospect_id TEXT NOT NULL DEFAULT '',
  node_id TEXT NOT NULL DEFAULT '',
  next_node_id TEXT NOT NULL DEFAULT '',
  action TEXT NOT NULL CHECK(action IN ('send_invitation','send_message','visit_profile','check_connection','check_replies')),
  profile_url TEXT NOT NULL,
  conversation_id TEXT NOT NULL DEFAULT '',
  message TEXT NOT NULL DEFAULT '',
  scheduled_for DATETIME NOT NULL,
  timezone TEXT NOT NULL DEFAULT '',
  working_hours_only INTEGER NOT NULL DEFAULT 0,
  weekends_allowed INTEGER NOT NULL DEFAULT 0,
  limit_hourly INTEGER NOT NULL DEFAULT 0,
  limit_daily INTEGER NOT NULL DEFAULT 0,
  limit_weekly INTEGER NOT NULL DEFAULT 0,
  status TEXT NOT NULL CHECK(status IN ('pending','processing','completed','failed','throttled','cancelled')) DEFAULT 'pending',
  attempts INTEGER NOT NULL DEFAULT 0,
  max_attempts INTEGER NOT NULL DEFAULT 3,
  last_attempt_at DATETIME,
  retry_after DATETIME,
  res_success INTEGER,
  res_error TEXT NOT NULL DEFAULT '',
  res_throttled INTEGER NOT NULL DEFAULT 0,
  res_duration_ms INTEGER NOT NULL DEFAULT 0,
  res_connection_status TEXT NOT NULL DEFAULT '',
  res_replies INTEGER NOT NULL DEFAULT 0,
  res_message_id TEXT NOT NULL DEFAULT '',
  res_conversation_id TEXT NOT NULL DEFAULT '',
  created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
  sent_at DATETIME,
  started_at DATETIME,
  completed_at DATETIME
);
CREATE INDEX IF NOT EXISTS idx_instructions_due ON instructions(status, scheduled_for, created_at);
CREATE INDEX IF NOT EXISTS idx_instructions_user ON instructions(user_id, status);
`
	_, err := db.Exec(schema)
	return err
}

// Repository is the durable instruction state machine. All transitions are
// conditional UPDATEs so concurrent workers cannot double-apply them.
type Repository interface {
	Create(ctx context.Context, ins domain.Instruction) (string, error)
	Get(ctx context.Context, id string) (domain.Instruction, error)

	// DueBatch returns pending instructions whose scheduled instant has
	// passed, ordered by scheduled_for then created_at.
	DueBatch(ctx context.Context, now time.Time, limit int) ([]domain.Instruction, error)
	DueBatchForUser(ctx context.Context, userID string, now time.Time, limit int) ([]domain.Instruction, error)

	// MarkProcessing moves pending -> processing, stamping the attempt.
	// Returns domain.ErrInvalidTransition if the instruction is not pending.
	MarkProcessing(ctx context.Context, id string, now time.Time) error
	// MarkSent stamps the instant the instruction was handed to an
	// external executor.
	MarkSent(ctx context.Context, id string, now time.Time) error
	// Reschedule moves processing back to pending without consuming an
	// attempt (execution-time re-admission rejection).
	Reschedule(ctx context.Context, id string, at time.Time) error

	// Complete applies a successful result. Reports whether the transition
	// happened; false means the instruction was already terminal.
	Complete(ctx context.Context, id string, res domain.Result, now time.Time) (bool, error)
	// FailOrRetry applies a failed result: back to pending at retryAt while
	// attempts remain, terminal failed otherwise. Returns the final status.
	FailOrRetry(ctx context.Context, id string, res domain.Result, retryAt, now time.Time) (domain.Status, error)

	// ThrottleUser pauses all pending and processing instructions for the
	// user with a shared retry-after instant. Returns the count paused.
	ThrottleUser(ctx context.Context, userID string, retryAfter time.Time) (int, error)
	// ReleaseThrottled moves throttled instructions whose retry-after has
	// passed back to pending.
	ReleaseThrottled(ctx context.Context, now time.Time) (int, error)

	// RecoverStale requeues processing instructions older than the cutoff
	// (crashed worker, extension that never reported).
	RecoverStale(ctx context.Context, cutoff time.Time) (int, error)
	// CancelAll cancels every non-terminal instruction. The only supported
	// bulk-cancellation path.
	CancelAll(ctx context.Context) (int, error)

	Stats(ctx context.Context) (map[domain.Status]int, error)
	List(ctx context.Context, limit, offset int) ([]domain.Instruction, error)
	UserStatusCounts(ctx context.Context, userID string) (map[domain.Status]int, error)
	UserRecentCompleted(ctx context.Context, userID string, since time.Time) (int, error)
}

type sqliteRepo struct{ db *sql.DB }

func NewSQLiteRepo(db *sql.DB) Repository { return &sqliteRepo{db: db} }

const insCols = `id,user_id,campaign_id,execution_id,prospect_id,node_id,next_node_id,
action,profile_url,conversation_id,message,
scheduled_for,timezone,working_hours_only,weekends_allowed,
limit_hourly,limit_daily,limit_weekly,
status,attempts,max_attempts,last_attempt_at,retry_after,
res_success,res_error,res_throttled,res_duration_ms,res_connection_status,res_replies,res_message_id,res_conversation_id,
created_at,sent_at,started_at,completed_at`

func (r *sqliteRepo) Create(ctx context.Context, ins domain.Instruction) (string, error) {
	id := ins.ID
	if id == "" {
		id = "ins_" + uuid.NewString()
	}
	if ins.MaxAttempts == 0 {
		ins.MaxAttempts = 3
	}
	if ins.Status == "" {
		ins.Status = domain.StatusPending
	}
	_, err := r.db.ExecContext(ctx, `
INSERT INTO instructions
(id,user_id,campaign_id,execution_id,prospect_id,node_id,next_node_id,
 action,profile_url,conversation_id,message,
 scheduled_for,timezone,working_hours_only,weekends_allowed,
 limit_hourly,limit_daily,limit_weekly,
 status,attempts,max_attempts,created_at)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,0,?,CURRENT_TIMESTAMP)
`, id, ins.UserID, ins.CampaignID, ins.ExecutionID, ins.ProspectID, ins.NodeID, ins.NextNodeID,
		ins.Action, ins.ProfileURL, ins.ConversationID, ins.Message,
		ins.ScheduledFor.UTC(), ins.Timezone, ins.WorkingHoursOnly, ins.WeekendsAllowed,
		ins.RateSnapshot.Hourly, ins.RateSnapshot.Daily, ins.RateSnapshot.Weekly,
		ins.Status, ins.MaxAttempts)
	return id, err
}

func (r *sqliteRepo) Get(ctx context.Context, id string) (domain.Instruction, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+insCols+` FROM instructions WHERE id=?`, id)
	ins, err := scanInstruction(row)
	if err == sql.ErrNoRows {
		return domain.Instruction{}, domain.ErrNotFound
	}
	return ins, err
}

func (r *sqliteRepo) DueBatch(ctx context.Context, now time.Time, limit int) ([]domain.Instruction, error) {
	rows, err := r.db.QueryContext(ctx, `
SELECT `+insCols+` FROM instructions
WHERE status='pending' AND scheduled_for <= ?
ORDER BY scheduled_for ASC, created_at ASC
LIMIT ?`, now.UTC(), limit)
	if err != nil {
		return nil, err
	}
	return collect(rows)
}

func (r *sqliteRepo) DueBatchForUser(ctx context.Context, userID string, now time.Time, limit int) ([]domain.Instruction, error) {
	rows, err := r.db.QueryContext(ctx, `
SELECT `+insCols+` FROM instructions
WHERE status='pending' AND user_id=? AND scheduled_for <= ?
ORDER BY scheduled_for ASC, created_at ASC
LIMIT ?`, userID, now.UTC(), limit)
	if err != nil {
		return nil, err
	}
	return collect(rows)
}

func (r *sqliteRepo) MarkProcessing(ctx context.Context, id string, now time.Time) error {
	res, err := r.db.ExecContext(ctx, `
UPDATE instructions
SET status='processing', attempts=attempts+1, started_at=?, last_attempt_at=?
WHERE id=? AND status='pending'`, now.UTC(), now.UTC(), id)
	if err != nil {
		return err
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return domain.ErrInvalidTransition
	}
	return nil
}

func (r *sqliteRepo) MarkSent(ctx context.Context, id string, now time.Time) error {
	_, err := r.db.ExecContext(ctx, `UPDATE instructions SET sent_at=? WHERE id=?`, now.UTC(), id)
	return err
}

func (r *sqliteRepo) Reschedule(ctx context.Context, id string, at time.Time) error {
	res, err := r.db.ExecContext(ctx, `
UPDATE instructions
SET status='pending', scheduled_for=?, attempts=attempts-1
WHERE id=? AND status='processing'`, at.UTC(), id)
	if err != nil {
		return err
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return domain.ErrInvalidTransition
	}
	return nil
}

func (r *sqliteRepo) Complete(ctx context.Context, id string, res domain.Result, now time.Time) (bool, error) {
	out, err := r.db.ExecContext(ctx, `
UPDATE instructions
SET status='completed',
    res_success=1, res_error='', res_throttled=0,
    res_duration_ms=?, res_connection_status=?, res_replies=?, res_message_id=?, res_conversation_id=?,
    completed_at=?
WHERE id=? AND status='processing'`,
		res.DurationMs, res.ConnectionStatus, res.RepliesCount, res.MessageID, res.ConversationID,
		now.UTC(), id)
	if err != nil {
		return false, err
	}
	n, _ := out.RowsAffected()
	return n > 0, nil
}

func (r *sqliteRepo) FailOrRetry(ctx context.Context, id string, res domain.Result, retryAt, now time.Time) (domain.Status, error) {
	_, err := r.db.ExecContext(ctx, `
UPDATE instructions
SET status = CASE WHEN attempts >= max_attempts THEN 'failed' ELSE 'pending' END,
    scheduled_for = CASE WHEN attempts >= max_attempts THEN scheduled_for ELSE ? END,
    completed_at  = CASE WHEN attempts >= max_attempts THEN ? ELSE completed_at END,
    res_success=0, res_error=?, res_throttled=0, res_duration_ms=?
WHERE id=? AND status='processing'`,
		retryAt.UTC(), now.UTC(), res.Error, res.DurationMs, id)
	if err != nil {
		return "", err
	}
	ins, err := r.Get(ctx, id)
	if err != nil {
		return "", err
	}
	return ins.Status, nil
}

func (r *sqliteRepo) ThrottleUser(ctx context.Context, userID string, retryAfter time.Time) (int, error) {
	res, err := r.db.ExecContext(ctx, `
UPDATE instructions
SET status='throttled', retry_after=?, res_throttled=1
WHERE user_id=? AND status IN ('pending','processing')`, retryAfter.UTC(), userID)
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func (r *sqliteRepo) ReleaseThrottled(ctx context.Context, now time.Time) (int, error) {
	res, err := r.db.ExecContext(ctx, `
UPDATE instructions
SET status='pending', scheduled_for=retry_after, retry_after=NULL, res_throttled=0
WHERE status='throttled' AND retry_after <= ?`, now.UTC())
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func (r *sqliteRepo) RecoverStale(ctx context.Context, cutoff time.Time) (int, error) {
	res, err := r.db.ExecContext(ctx, `
UPDATE instructions
SET status='pending', scheduled_for=CURRENT_TIMESTAMP, attempts=attempts-1
WHERE status='processing' AND started_at < ?`, cutoff.UTC())
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func (r *sqliteRepo) CancelAll(ctx context.Context) (int, error) {
	res, err := r.db.ExecContext(ctx, `
UPDATE instructions SET status='cancelled', completed_at=CURRENT_TIMESTAMP
WHERE status IN ('pending','processing','throttled')`)
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func (r *sqliteRepo) Stats(ctx context.Context) (map[domain.Status]int, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM instructions GROUP BY status`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := map[domain.Status]int{}
	for rows.Next() {
		var s string
		var n int
		if err := rows.Scan(&s, &n); err != nil {
			return nil, err
		}
		out[domain.Status(s)] = n
	}
	return out, rows.Err()
}

func (r *sqliteRepo) List(ctx context.Context, limit, offset int) ([]domain.Instruction, error) {
	rows, err := r.db.QueryContext(ctx, `
SELECT `+insCols+` FROM instructions
ORDER BY created_at DESC LIMIT ? OFFSET ?`, limit, offset)
	if err != nil {
		return nil, err
	}
	return collect(rows)
}

func (r *sqliteRepo) UserStatusCounts(ctx context.Context, userID string) (map[domain.Status]int, error) {
	rows, err := r.db.QueryContext(ctx, `
SELECT status, COUNT(*) FROM instructions WHERE user_id=? GROUP BY status`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := map[domain.Status]int{}
	for rows.Next() {
		var s string
		var n int
		if err := rows.Scan(&s, &n); err != nil {
			return nil, err
		}
		out[domain.Status(s)] = n
	}
	return out, rows.Err()
}

func (r *sqliteRepo) UserRecentCompleted(ctx context.Context, userID string, since time.Time) (int, error) {
	row := r.db.QueryRowContext(ctx, `
SELECT COUNT(*) FROM instructions
WHERE user_id=? AND status='completed' AND completed_at >= ?`, userID, since.UTC())
	var n int
	err := row.Scan(&n)
	return n, err
}

type scanner interface{ Scan(dest ...any) error }

func scanInstruction(row scanner) (domain.Instruction, error) {
	var ins domain.Instruction
	var (
		lastAttempt, retryAfter, sentAt, startedAt, completedAt sql.NullTime
		resSuccess                                              sql.NullBool
		resErr, connStatus, messageID, convID                   string
		throttled                                               bool
		durationMs                                              int64
		replies                                                 int
	)
	err := row.Scan(
		&ins.ID, &ins.UserID, &ins.CampaignID, &ins.ExecutionID, &ins.ProspectID, &ins.NodeID, &ins.NextNodeID,
		&ins.Action, &ins.ProfileURL, &ins.ConversationID, &ins.Message,
		&ins.ScheduledFor, &ins.Timezone, &ins.WorkingHoursOnly, &ins.WeekendsAllowed,
		&ins.RateSnapshot.Hourly, &ins.RateSnapshot.Daily, &ins.RateSnapshot.Weekly,
		&ins.Status, &ins.Attempts, &ins.MaxAttempts, &lastAttempt, &retryAfter,
		&resSuccess, &resErr, &throttled, &durationMs, &connStatus, &replies, &messageID, &convID,
		&ins.CreatedAt, &sentAt, &startedAt, &completedAt,
	)
	if err != nil {
		return domain.Instruction{}, err
	}
	if lastAttempt.Valid {
		ins.LastAttemptAt = &lastAttempt.Time
	}
	if sentAt.Valid {
		ins.SentAt = &sentAt.Time
	}
	if startedAt.Valid {
		ins.StartedAt = &startedAt.Time
	}
	if completedAt.Valid {
		ins.CompletedAt = &completedAt.Time
	}
	if resSuccess.Valid || throttled {
		res := &domain.Result{
			Success:          resSuccess.Valid && resSuccess.Bool,
			Error:            resErr,
			Throttled:        throttled,
			DurationMs:       durationMs,
			ConnectionStatus: connStatus,
			RepliesCount:     replies,
			MessageID:        messageID,
			ConversationID:   convID,
		}
		if retryAfter.Valid {
			res.RetryAfter = &retryAfter.Time
		}
		ins.Result = res
	}
	return ins, nil
}

func collect(rows *sql.Rows) ([]domain.Instruction, error) {
	defer rows.Close()
	var out []domain.Instruction
	for rows.Next() {
		ins, err := scanInstruction(rows)
		if err != nil {
			return nil, fmt.Errorf("scan instruction: %w", err)
		}
		out = append(out, ins)
	}
	return out, rows.Err()
}
