package queue

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"

	"linkflow/internal/domain"
)

func testRepo(t *testing.T) Repository {
	t.Helper()
	db, err := sql.Open("sqlite", "file::memory:?_time_format=sqlite")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })
	require.NoError(t, EnsureSchema(db))
	return NewSQLiteRepo(db)
}

func newInstruction(userID string, action domain.Action, at time.Time) domain.Instruction {
	return domain.Instruction{
		UserID:       userID,
		CampaignID:   "cmp_1",
		ExecutionID:  "exe_1",
		Action:       action,
		ProfileURL:   "https://www.linkedin.com/in/prospect",
		Message:      "hi there",
		ScheduledFor: at,
		MaxAttempts:  3,
	}
}

func TestCreateAndGet(t *testing.T) {
	repo := testRepo(t)
	ctx := context.Background()
	at := time.Date(2024, 6, 12, 10, 0, 0, 0, time.UTC)

	id, err := repo.Create(ctx, newInstruction("u1", domain.ActionSendMessage, at))
	require.NoError(t, err)
	require.NotEmpty(t, id)

	ins, err := repo.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusPending, ins.Status)
	assert.Equal(t, domain.ActionSendMessage, ins.Action)
	assert.Equal(t, "u1", ins.UserID)
	assert.Equal(t, 0, ins.Attempts)
	assert.Nil(t, ins.Result)

	_, err = repo.Get(ctx, "ins_missing")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestDueBatchOrdering(t *testing.T) {
	repo := testRepo(t)
	ctx := context.Background()
	now := time.Now().UTC()

	late, err := repo.Create(ctx, newInstruction("u1", domain.ActionSendMessage, now.Add(-time.Minute)))
	require.NoError(t, err)
	early, err := repo.Create(ctx, newInstruction("u1", domain.ActionVisitProfile, now.Add(-time.Hour)))
	require.NoError(t, err)
	_, err = repo.Create(ctx, newInstruction("u1", domain.ActionSendInvitation, now.Add(time.Hour)))
	require.NoError(t, err)

	due, err := repo.DueBatch(ctx, now, 10)
	require.NoError(t, err)
	require.Len(t, due, 2, "future instruction must not be due")
	assert.Equal(t, early, due[0].ID)
	assert.Equal(t, late, due[1].ID)
}

func TestMarkProcessingIsExclusive(t *testing.T) {
	repo := testRepo(t)
	ctx := context.Background()
	now := time.Now().UTC()

	id, err := repo.Create(ctx, newInstruction("u1", domain.ActionSendMessage, now))
	require.NoError(t, err)

	require.NoError(t, repo.MarkProcessing(ctx, id, now))
	assert.ErrorIs(t, repo.MarkProcessing(ctx, id, now), domain.ErrInvalidTransition)

	ins, err := repo.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusProcessing, ins.Status)
	assert.Equal(t, 1, ins.Attempts)
	assert.NotNil(t, ins.StartedAt)
}

func TestCompleteIsIdempotent(t *testing.T) {
	repo := testRepo(t)
	ctx := context.Background()
	now := time.Now().UTC()

	id, err := repo.Create(ctx, newInstruction("u1", domain.ActionSendInvitation, now))
	require.NoError(t, err)
	require.NoError(t, repo.MarkProcessing(ctx, id, now))

	res := domain.Result{Success: true, DurationMs: 1200, MessageID: "msg_1"}
	applied, err := repo.Complete(ctx, id, res, now)
	require.NoError(t, err)
	assert.True(t, applied)

	applied, err = repo.Complete(ctx, id, res, now)
	require.NoError(t, err)
	assert.False(t, applied, "second completion must be a no-op")

	ins, err := repo.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCompleted, ins.Status)
	require.NotNil(t, ins.Result)
	assert.True(t, ins.Result.Success)
	assert.Equal(t, int64(1200), ins.Result.DurationMs)
}

func TestRetryExhaustion(t *testing.T) {
	repo := testRepo(t)
	ctx := context.Background()
	now := time.Now().UTC()

	id, err := repo.Create(ctx, newInstruction("u1", domain.ActionSendMessage, now))
	require.NoError(t, err)

	for attempt := 1; attempt <= 3; attempt++ {
		require.NoError(t, repo.MarkProcessing(ctx, id, now))
		status, err := repo.FailOrRetry(ctx, id, domain.Result{Error: "boom"}, now, now)
		require.NoError(t, err)
		if attempt < 3 {
			assert.Equal(t, domain.StatusPending, status, "attempt %d should retry", attempt)
		} else {
			assert.Equal(t, domain.StatusFailed, status, "attempt %d should exhaust", attempt)
		}
	}

	ins, err := repo.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusFailed, ins.Status)
	assert.Equal(t, 3, ins.Attempts)
	assert.NotNil(t, ins.CompletedAt)
}

func TestRescheduleDoesNotConsumeAttempt(t *testing.T) {
	repo := testRepo(t)
	ctx := context.Background()
	now := time.Now().UTC()

	id, err := repo.Create(ctx, newInstruction("u1", domain.ActionSendMessage, now))
	require.NoError(t, err)
	require.NoError(t, repo.MarkProcessing(ctx, id, now))

	later := now.Add(45 * time.Minute)
	require.NoError(t, repo.Reschedule(ctx, id, later))

	ins, err := repo.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusPending, ins.Status)
	assert.Equal(t, 0, ins.Attempts)
	assert.WithinDuration(t, later, ins.ScheduledFor, time.Second)
}

func TestThrottleUserPausesEverything(t *testing.T) {
	repo := testRepo(t)
	ctx := context.Background()
	now := time.Now().UTC()

	actions := []domain.Action{
		domain.ActionSendInvitation, domain.ActionSendMessage, domain.ActionVisitProfile,
		domain.ActionSendMessage, domain.ActionCheckReplies,
	}
	ids := make([]string, 0, len(actions))
	for _, a := range actions {
		id, err := repo.Create(ctx, newInstruction("u1", a, now))
		require.NoError(t, err)
		ids = append(ids, id)
	}
	// One of them is mid-flight; pause must cover it too.
	require.NoError(t, repo.MarkProcessing(ctx, ids[0], now))
	// Other users are untouched.
	otherID, err := repo.Create(ctx, newInstruction("u2", domain.ActionSendMessage, now))
	require.NoError(t, err)

	retryAfter := now.Add(time.Hour)
	n, err := repo.ThrottleUser(ctx, "u1", retryAfter)
	require.NoError(t, err)
	assert.Equal(t, 5, n)

	for _, id := range ids {
		ins, err := repo.Get(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, domain.StatusThrottled, ins.Status)
		require.NotNil(t, ins.Result)
		require.NotNil(t, ins.Result.RetryAfter)
		assert.WithinDuration(t, retryAfter, *ins.Result.RetryAfter, time.Second)
	}

	other, err := repo.Get(ctx, otherID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusPending, other.Status)
}

func TestReleaseThrottled(t *testing.T) {
	repo := testRepo(t)
	ctx := context.Background()
	now := time.Now().UTC()

	id, err := repo.Create(ctx, newInstruction("u1", domain.ActionSendMessage, now))
	require.NoError(t, err)
	_, err = repo.ThrottleUser(ctx, "u1", now.Add(-time.Minute))
	require.NoError(t, err)

	n, err := repo.ReleaseThrottled(ctx, now)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	ins, err := repo.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusPending, ins.Status)
	assert.Nil(t, ins.Result, "release clears the throttled marker")

	// Nothing left to release.
	n, err = repo.ReleaseThrottled(ctx, now)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestRecoverStale(t *testing.T) {
	repo := testRepo(t)
	ctx := context.Background()
	now := time.Now().UTC()

	id, err := repo.Create(ctx, newInstruction("u1", domain.ActionSendMessage, now))
	require.NoError(t, err)
	require.NoError(t, repo.MarkProcessing(ctx, id, now.Add(-20*time.Minute)))

	n, err := repo.RecoverStale(ctx, now.Add(-10*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	ins, err := repo.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusPending, ins.Status)
	assert.Equal(t, 0, ins.Attempts, "recovered attempt is handed back")
}

func TestCancelAllAndLateResult(t *testing.T) {
	repo := testRepo(t)
	ctx := context.Background()
	now := time.Now().UTC()

	id, err := repo.Create(ctx, newInstruction("u1", domain.ActionSendMessage, now))
	require.NoError(t, err)
	require.NoError(t, repo.MarkProcessing(ctx, id, now))

	n, err := repo.CancelAll(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	// A late executor result lands after the bulk clear: accepted, no effect.
	applied, err := repo.Complete(ctx, id, domain.Result{Success: true}, now)
	require.NoError(t, err)
	assert.False(t, applied)

	ins, err := repo.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCancelled, ins.Status)
}

func TestStatsAndList(t *testing.T) {
	repo := testRepo(t)
	ctx := context.Background()
	now := time.Now().UTC()

	for i := 0; i < 3; i++ {
		_, err := repo.Create(ctx, newInstruction("u1", domain.ActionVisitProfile, now))
		require.NoError(t, err)
	}
	id, err := repo.Create(ctx, newInstruction("u1", domain.ActionSendMessage, now))
	require.NoError(t, err)
	require.NoError(t, repo.MarkProcessing(ctx, id, now))
	_, err = repo.Complete(ctx, id, domain.Result{Success: true}, now)
	require.NoError(t, err)

	stats, err := repo.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, stats[domain.StatusPending])
	assert.Equal(t, 1, stats[domain.StatusCompleted])

	page, err := repo.List(ctx, 2, 0)
	require.NoError(t, err)
	assert.Len(t, page, 2)
	rest, err := repo.List(ctx, 10, 2)
	require.NoError(t, err)
	assert.Len(t, rest, 2)

	counts, err := repo.UserStatusCounts(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, 1, counts[domain.StatusCompleted])

	recent, err := repo.UserRecentCompleted(ctx, "u1", now.Add(-24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 1, recent)
}
