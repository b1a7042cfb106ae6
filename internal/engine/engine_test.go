package engine

import (
	"context"
	"database/sql"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"

	"linkflow/internal/campaign"
	"linkflow/internal/domain"
	"linkflow/internal/executor"
	"linkflow/internal/queue"
	"linkflow/internal/ratelimit"
)

// --- fakes for the Redis-backed collaborators ---

type fakeAdmitter struct {
	mu       sync.Mutex
	exceeded bool
	counts   map[string]int
}

func (f *fakeAdmitter) Check(_ context.Context, _ string, _ domain.Action, limits domain.Limits) (ratelimit.Admission, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.exceeded {
		return ratelimit.Admission{
			Hourly: ratelimit.Window{Current: limits.Hourly, Limit: limits.Hourly, Exceeded: true},
		}, nil
	}
	return ratelimit.Admission{}, nil
}

func (f *fakeAdmitter) Record(_ context.Context, userID string, action domain.Action) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.counts == nil {
		f.counts = map[string]int{}
	}
	f.counts[userID+":"+string(action)]++
	return nil
}

type fakeSlots struct {
	mu       sync.Mutex
	next     time.Time
	step     time.Duration
	advanced []time.Time
}

func (f *fakeSlots) Reserve(_ context.Context, _ string, _ domain.Action, _ domain.Delay) (time.Time, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := f.next
	f.next = f.next.Add(f.step)
	return out, nil
}

func (f *fakeSlots) Advance(_ context.Context, _ string, _ domain.Action, t time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.advanced = append(f.advanced, t)
	if t.After(f.next) {
		f.next = t
	}
	return nil
}

type fakeLocks struct {
	mu   sync.Mutex
	held map[string]string
}

type fakeUnlock struct {
	f   *fakeLocks
	key string
}

func (u fakeUnlock) Release(context.Context) error {
	u.f.mu.Lock()
	defer u.f.mu.Unlock()
	delete(u.f.held, u.key)
	return nil
}

func (f *fakeLocks) Acquire(_ context.Context, key string, _ time.Duration) (Unlocker, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.held == nil {
		f.held = map[string]string{}
	}
	if _, ok := f.held[key]; ok {
		return nil, domain.ErrLockHeld
	}
	f.held[key] = "lock"
	return fakeUnlock{f: f, key: key}, nil
}

func (f *fakeLocks) AcquireToken(_ context.Context, key, token string, _ time.Duration) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.held == nil {
		f.held = map[string]string{}
	}
	if _, ok := f.held[key]; ok {
		return false, nil
	}
	f.held[key] = token
	return true, nil
}

func (f *fakeLocks) ReleaseToken(_ context.Context, key, token string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.held[key] == token {
		delete(f.held, key)
	}
	return nil
}

type fakePresence struct{ reconnected bool }

func (f *fakePresence) Touch(context.Context, string) (bool, error) { return f.reconnected, nil }

// --- harness ---

type harness struct {
	engine    *Engine
	repo      queue.Repository
	campaigns campaign.Store
	admitter  *fakeAdmitter
	slots     *fakeSlots
	locks     *fakeLocks
	presence  *fakePresence
	now       time.Time
}

func newHarness(t *testing.T, exec executor.Executor) *harness {
	t.Helper()
	db, err := sql.Open("sqlite", "file::memory:?_time_format=sqlite")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })
	require.NoError(t, queue.EnsureSchema(db))
	require.NoError(t, campaign.EnsureSchema(db))

	now := time.Date(2024, 6, 12, 10, 0, 0, 0, time.UTC) // Wednesday
	h := &harness{
		repo:      queue.NewSQLiteRepo(db),
		campaigns: campaign.NewSQLiteStore(db),
		admitter:  &fakeAdmitter{},
		slots:     &fakeSlots{next: now.Add(time.Minute), step: time.Minute},
		locks:     &fakeLocks{},
		presence:  &fakePresence{},
		now:       now,
	}
	h.engine = New(h.repo, h.campaigns, h.admitter, h.slots, h.locks, h.presence, exec, Defaults{
		Delay:  domain.Delay{Min: 30 * time.Second, Max: 2 * time.Minute},
		Limits: domain.Limits{Hourly: 50, Daily: 200, Weekly: 800},
	}).WithClock(func() time.Time { return h.now })
	return h
}

func req(userID string, action domain.Action) EnqueueRequest {
	return EnqueueRequest{
		UserID:     userID,
		Action:     action,
		ProfileURL: "https://www.linkedin.com/in/prospect",
		Message:    "hello",
	}
}

// --- tests ---

func TestEnqueuePersistsScheduledInstruction(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	ins, err := h.engine.Enqueue(ctx, req("u1", domain.ActionSendMessage))
	require.NoError(t, err)
	assert.NotEmpty(t, ins.ID)
	assert.Equal(t, domain.StatusPending, ins.Status)
	assert.WithinDuration(t, h.now.Add(time.Minute), ins.ScheduledFor, time.Second)
	assert.Equal(t, 50, ins.RateSnapshot.Hourly)
	assert.Empty(t, h.locks.held, "enqueue lock must be released")
}

func TestEnqueueRejectsUnknownAction(t *testing.T) {
	h := newHarness(t, nil)
	r := req("u1", domain.ActionSendMessage)
	r.Action = "poke"
	_, err := h.engine.Enqueue(context.Background(), r)
	assert.Error(t, err)
}

func TestEnqueueRateLimited(t *testing.T) {
	h := newHarness(t, nil)
	h.admitter.exceeded = true
	_, err := h.engine.Enqueue(context.Background(), req("u1", domain.ActionSendInvitation))
	assert.ErrorIs(t, err, domain.ErrRateLimited)
}

func TestEnqueueMissingCampaignConfig(t *testing.T) {
	h := newHarness(t, nil)
	r := req("u1", domain.ActionSendMessage)
	r.CampaignID = "cmp_without_settings"
	_, err := h.engine.Enqueue(context.Background(), r)
	assert.ErrorIs(t, err, domain.ErrMissingConfig)
}

func TestEnqueueMissingPerActionConfig(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	// Campaign configured for send_message only.
	cfg := domain.CampaignConfig{
		Delays: map[domain.Action]domain.Delay{
			domain.ActionSendMessage: {Min: 30 * time.Second, Max: time.Minute},
		},
		Limits: map[domain.Action]domain.Limits{
			domain.ActionSendMessage: {Hourly: 10},
		},
		Hours: domain.WorkingHours{Timezone: "UTC"},
	}
	require.NoError(t, h.campaigns.PutConfig(ctx, "cmp_gap", cfg))

	r := req("u1", domain.ActionVisitProfile)
	r.CampaignID = "cmp_gap"
	_, err := h.engine.Enqueue(ctx, r)
	assert.ErrorIs(t, err, domain.ErrMissingConfig,
		"an unconfigured action must not fall back to zero-value settings")

	// The configured action is unaffected.
	r = req("u1", domain.ActionSendMessage)
	r.CampaignID = "cmp_gap"
	ins, err := h.engine.Enqueue(ctx, r)
	require.NoError(t, err)
	assert.Equal(t, 10, ins.RateSnapshot.Hourly)
}

func TestEnqueueWorkingHoursFloor(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	cfg := domain.CampaignConfig{
		Delays: map[domain.Action]domain.Delay{
			domain.ActionSendMessage: {Min: 30 * time.Second, Max: time.Minute},
		},
		Limits: map[domain.Action]domain.Limits{
			domain.ActionSendMessage: {Hourly: 10},
		},
		Hours: domain.WorkingHours{Enabled: true, StartHour: 9, EndHour: 18, Timezone: "UTC"},
	}
	require.NoError(t, h.campaigns.PutConfig(ctx, "cmp_1", cfg))

	// Saturday 10:00 UTC: slot lands inside the weekend, floor is Monday 09:00.
	h.now = time.Date(2024, 6, 15, 10, 0, 0, 0, time.UTC)
	h.slots.next = h.now.Add(time.Minute)

	r := req("u1", domain.ActionSendMessage)
	r.CampaignID = "cmp_1"
	ins, err := h.engine.Enqueue(ctx, r)
	require.NoError(t, err)

	monday := time.Date(2024, 6, 17, 9, 0, 0, 0, time.UTC)
	assert.WithinDuration(t, monday, ins.ScheduledFor, time.Second)
	require.NotEmpty(t, h.slots.advanced, "cursor must advance past the floored instant")
	assert.True(t, h.slots.advanced[0].After(monday))
}

func TestExecuteDueCompletesAndContinuesWorkflow(t *testing.T) {
	h := newHarness(t, executor.Func(func(_ context.Context, _ domain.Instruction) (domain.Result, error) {
		return domain.Result{Success: true, MessageID: "msg_1"}, nil
	}))
	ctx := context.Background()

	exeID, err := h.campaigns.CreateExecution(ctx, domain.Execution{
		CampaignID: "cmp_1", UserID: "u1", CurrentNodeID: "N1",
	})
	require.NoError(t, err)

	r := req("u1", domain.ActionSendMessage)
	r.ExecutionID = exeID
	r.NextNodeID = "N2"
	ins, err := h.engine.Enqueue(ctx, r)
	require.NoError(t, err)

	require.NoError(t, h.engine.ExecuteDue(ctx, ins))

	got, err := h.repo.Get(ctx, ins.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCompleted, got.Status)
	assert.Equal(t, 1, h.admitter.counts["u1:send_message"])

	exe, err := h.campaigns.GetExecution(ctx, exeID)
	require.NoError(t, err)
	assert.Equal(t, "N2", exe.CurrentNodeID)
	assert.Equal(t, domain.ExecutionRunning, exe.Status)

	hist, err := h.campaigns.History(ctx, exeID)
	require.NoError(t, err)
	assert.Len(t, hist, 1)

	assert.Empty(t, h.locks.held, "in-flight marker must be released")
}

func TestExecuteDueCompletesWorkflowWithoutNextNode(t *testing.T) {
	h := newHarness(t, executor.Func(func(_ context.Context, _ domain.Instruction) (domain.Result, error) {
		return domain.Result{Success: true}, nil
	}))
	ctx := context.Background()

	exeID, err := h.campaigns.CreateExecution(ctx, domain.Execution{CampaignID: "cmp_1", UserID: "u1"})
	require.NoError(t, err)

	r := req("u1", domain.ActionCheckConnection)
	r.ExecutionID = exeID
	ins, err := h.engine.Enqueue(ctx, r)
	require.NoError(t, err)
	require.NoError(t, h.engine.ExecuteDue(ctx, ins))

	exe, err := h.campaigns.GetExecution(ctx, exeID)
	require.NoError(t, err)
	assert.Equal(t, domain.ExecutionCompleted, exe.Status)
}

func TestExecuteDueReAdmissionReschedules(t *testing.T) {
	called := false
	h := newHarness(t, executor.Func(func(_ context.Context, _ domain.Instruction) (domain.Result, error) {
		called = true
		return domain.Result{Success: true}, nil
	}))
	ctx := context.Background()

	ins, err := h.engine.Enqueue(ctx, req("u1", domain.ActionSendMessage))
	require.NoError(t, err)

	// Capacity was consumed between enqueue and execution.
	h.admitter.exceeded = true
	require.NoError(t, h.engine.ExecuteDue(ctx, ins))

	assert.False(t, called, "executor must not run past a live ceiling")
	got, err := h.repo.Get(ctx, ins.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusPending, got.Status, "rescheduled, not dropped")
	assert.True(t, got.ScheduledFor.After(h.now), "pushed to the next window")
	assert.Equal(t, 0, got.Attempts)
}

func TestExecuteDueBrokenTimezoneDoesNotBypassHours(t *testing.T) {
	called := false
	h := newHarness(t, executor.Func(func(_ context.Context, _ domain.Instruction) (domain.Result, error) {
		called = true
		return domain.Result{Success: true}, nil
	}))
	ctx := context.Background()

	// Persisted directly: the enqueue path would have rejected the zone.
	id, err := h.repo.Create(ctx, domain.Instruction{
		UserID:           "u1",
		Action:           domain.ActionSendMessage,
		ProfileURL:       "https://www.linkedin.com/in/prospect",
		ScheduledFor:     h.now.Add(-time.Minute),
		WorkingHoursOnly: true,
		Timezone:         "Mars/Olympus",
		MaxAttempts:      3,
	})
	require.NoError(t, err)
	ins, err := h.repo.Get(ctx, id)
	require.NoError(t, err)

	require.NoError(t, h.engine.ExecuteDue(ctx, ins))

	assert.False(t, called, "executor must not run with an unverifiable window")
	got, err := h.repo.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusPending, got.Status)
	assert.True(t, got.ScheduledFor.After(h.now), "pushed out, not retried hot")
	assert.Equal(t, 0, got.Attempts)
	assert.Empty(t, h.locks.held, "in-flight marker must be released")
}

func TestExecuteDueThrottleMassPause(t *testing.T) {
	h := newHarness(t, executor.Func(func(_ context.Context, _ domain.Instruction) (domain.Result, error) {
		return domain.Result{Throttled: true, Error: "behavior flagged"}, nil
	}))
	ctx := context.Background()

	// Five pending instructions across three action kinds.
	actions := []domain.Action{
		domain.ActionSendInvitation, domain.ActionSendMessage, domain.ActionVisitProfile,
		domain.ActionSendMessage, domain.ActionSendInvitation,
	}
	exeID, err := h.campaigns.CreateExecution(ctx, domain.Execution{
		CampaignID: "cmp-1", UserID: "u1", ProspectID: "p1", CurrentNodeID: "n1",
	})
	require.NoError(t, err)

	var all []domain.Instruction
	for i, a := range actions {
		r := req("u1", a)
		r.ProfileURL = r.ProfileURL + "-" + string(rune('a'+i))
		if i == 0 {
			r.ExecutionID = exeID
		}
		ins, err := h.engine.Enqueue(ctx, r)
		require.NoError(t, err)
		all = append(all, ins)
	}

	require.NoError(t, h.engine.ExecuteDue(ctx, all[0]))

	var retryAfter time.Time
	for _, ins := range all {
		got, err := h.repo.Get(ctx, ins.ID)
		require.NoError(t, err)
		assert.Equal(t, domain.StatusThrottled, got.Status)
		require.NotNil(t, got.Result)
		require.NotNil(t, got.Result.RetryAfter)
		if retryAfter.IsZero() {
			retryAfter = *got.Result.RetryAfter
		} else {
			assert.True(t, retryAfter.Equal(*got.Result.RetryAfter), "shared retry-after")
		}
	}
	assert.WithinDuration(t, h.now.Add(DefaultThrottlePause), retryAfter, time.Second)

	// The throttled instruction's workflow parks until the next reconnect.
	exe, err := h.campaigns.GetExecution(ctx, exeID)
	require.NoError(t, err)
	assert.Equal(t, domain.ExecutionWaiting, exe.Status)
}

func TestApplyResultIdempotent(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	ins, err := h.engine.Enqueue(ctx, req("u1", domain.ActionSendInvitation))
	require.NoError(t, err)
	ok, err := h.engine.beginProcessing(ctx, ins)
	require.NoError(t, err)
	require.True(t, ok)

	res := domain.Result{Success: true, DurationMs: 900}
	first, err := h.engine.ApplyResult(ctx, ins.ID, res)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCompleted, first.Status)

	second, err := h.engine.ApplyResult(ctx, ins.ID, res)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCompleted, second.Status)

	assert.Equal(t, 1, h.admitter.counts["u1:send_invitation"], "counters increment once")
}

func TestApplyResultAfterCancelHasNoEffect(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	ins, err := h.engine.Enqueue(ctx, req("u1", domain.ActionSendMessage))
	require.NoError(t, err)
	ok, err := h.engine.beginProcessing(ctx, ins)
	require.NoError(t, err)
	require.True(t, ok)

	_, err = h.repo.CancelAll(ctx)
	require.NoError(t, err)

	got, err := h.engine.ApplyResult(ctx, ins.ID, domain.Result{Success: true})
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCancelled, got.Status)
	assert.Zero(t, h.admitter.counts["u1:send_message"])
	assert.Empty(t, h.locks.held, "no-effect report still drops the in-flight marker")
}

func TestRetryExhaustionThroughEngine(t *testing.T) {
	h := newHarness(t, executor.Func(func(_ context.Context, _ domain.Instruction) (domain.Result, error) {
		return domain.Result{Error: "profile unavailable"}, nil
	}))
	ctx := context.Background()

	ins, err := h.engine.Enqueue(ctx, req("u1", domain.ActionVisitProfile))
	require.NoError(t, err)

	for attempt := 1; attempt <= 3; attempt++ {
		// Each retry lands DefaultRetryBackoff later; advance the clock.
		h.now = h.now.Add(DefaultRetryBackoff + time.Minute)
		require.NoError(t, h.engine.ExecuteDue(ctx, ins))
	}

	got, err := h.repo.Get(ctx, ins.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusFailed, got.Status)
	assert.Equal(t, 3, got.Attempts)

	// A fourth run is a no-op: the instruction is no longer pending.
	require.NoError(t, h.engine.ExecuteDue(ctx, ins))
	got, err = h.repo.Get(ctx, ins.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusFailed, got.Status)
}

func TestInFlightExclusionPerTarget(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	a, err := h.engine.Enqueue(ctx, req("u1", domain.ActionSendMessage))
	require.NoError(t, err)
	b, err := h.engine.Enqueue(ctx, req("u1", domain.ActionSendMessage))
	require.NoError(t, err)

	ok, err := h.engine.beginProcessing(ctx, a)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = h.engine.beginProcessing(ctx, b)
	require.NoError(t, err)
	assert.False(t, ok, "same (user, action, target) must not process concurrently")

	bGot, err := h.repo.Get(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusPending, bGot.Status)
}

func TestPollHandsOutBoundedBatch(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		r := req("u1", domain.ActionSendInvitation)
		r.ProfileURL = r.ProfileURL + "-" + string(rune('a'+i))
		_, err := h.engine.Enqueue(ctx, r)
		require.NoError(t, err)
	}
	// Make everything due.
	h.now = h.now.Add(time.Hour)

	out, err := h.engine.Poll(ctx, "u1", 3)
	require.NoError(t, err)
	assert.Len(t, out.Instructions, 3)
	for _, ins := range out.Instructions {
		assert.Equal(t, domain.StatusProcessing, ins.Status)
		assert.NotNil(t, ins.SentAt)
	}

	// The remaining two come on the next poll.
	out, err = h.engine.Poll(ctx, "u1", 10)
	require.NoError(t, err)
	assert.Len(t, out.Instructions, 2)
}

func TestPollReconnectResumesWaitingExecutions(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		id, err := h.campaigns.CreateExecution(ctx, domain.Execution{CampaignID: "cmp_1", UserID: "u1"})
		require.NoError(t, err)
		require.NoError(t, h.campaigns.MarkWaiting(ctx, id))
	}

	h.presence.reconnected = true
	out, err := h.engine.Poll(ctx, "u1", 5)
	require.NoError(t, err)
	assert.True(t, out.Reconnected)
	assert.Equal(t, 2, out.Resumed)
}

func TestConnectionStatus(t *testing.T) {
	h := newHarness(t, executor.Func(func(_ context.Context, _ domain.Instruction) (domain.Result, error) {
		return domain.Result{Success: true}, nil
	}))
	ctx := context.Background()

	ins, err := h.engine.Enqueue(ctx, req("u1", domain.ActionSendMessage))
	require.NoError(t, err)
	require.NoError(t, h.engine.ExecuteDue(ctx, ins))
	_, err = h.engine.Enqueue(ctx, req("u1", domain.ActionVisitProfile))
	require.NoError(t, err)

	st, err := h.engine.ConnectionStatus(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, 1, st.StatusCounts[domain.StatusCompleted])
	assert.Equal(t, 1, st.StatusCounts[domain.StatusPending])
	assert.Equal(t, 1, st.CompletedToday)
}
