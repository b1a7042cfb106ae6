package maintenance

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"

	"linkflow/internal/domain"
	"linkflow/internal/queue"
)

func testRepo(t *testing.T) queue.Repository {
	t.Helper()
	db, err := sql.Open("sqlite", "file::memory:?_time_format=sqlite")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })
	require.NoError(t, queue.EnsureSchema(db))
	return queue.NewSQLiteRepo(db)
}

func TestNewServiceRejectsBadCron(t *testing.T) {
	_, err := NewService(testRepo(t), "not a cron", time.Minute)
	assert.Error(t, err)
	assert.Error(t, ValidateCronExpression("61 * * * *"))
	assert.NoError(t, ValidateCronExpression("* * * * *"))
}

func TestSweepReleasesAndRecovers(t *testing.T) {
	repo := testRepo(t)
	ctx := context.Background()
	now := time.Now().UTC()

	throttledID, err := repo.Create(ctx, domain.Instruction{
		UserID: "u1", Action: domain.ActionSendMessage,
		ProfileURL: "https://www.linkedin.com/in/a", ScheduledFor: now, MaxAttempts: 3,
	})
	require.NoError(t, err)
	_, err = repo.ThrottleUser(ctx, "u1", now.Add(-time.Minute))
	require.NoError(t, err)

	staleID, err := repo.Create(ctx, domain.Instruction{
		UserID: "u2", Action: domain.ActionVisitProfile,
		ProfileURL: "https://www.linkedin.com/in/b", ScheduledFor: now, MaxAttempts: 3,
	})
	require.NoError(t, err)
	require.NoError(t, repo.MarkProcessing(ctx, staleID, now.Add(-time.Hour)))

	svc, err := NewService(repo, "* * * * *", 15*time.Minute)
	require.NoError(t, err)
	svc.sweep(ctx, now)

	throttled, err := repo.Get(ctx, throttledID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusPending, throttled.Status)

	stale, err := repo.Get(ctx, staleID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusPending, stale.Status)
}
