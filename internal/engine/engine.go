// Package engine decides when a LinkedIn action may run, how many may run in
// each rolling window, and how to recover when the outside world misbehaves.
// It sits between "a workflow step wants an action" and "the action is
// attempted": admission, working-hours gating, slot reservation, the
// instruction state machine, and the throttle reaction all live here.
package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"linkflow/internal/campaign"
	"linkflow/internal/domain"
	"linkflow/internal/executor"
	"linkflow/internal/hours"
	"linkflow/internal/lock"
	"linkflow/internal/queue"
	"linkflow/internal/ratelimit"
)

const (
	// DefaultRetryBackoff spaces retries after a transient executor failure.
	DefaultRetryBackoff = 30 * time.Minute
	// DefaultThrottlePause is the account-wide pause after a throttling signal.
	DefaultThrottlePause = time.Hour
	// inFlightTTL bounds how long a processing marker can outlive its holder.
	inFlightTTL = 15 * time.Minute
	// enqueueLockTTL guards the reserve+advance pair during one enqueue.
	enqueueLockTTL = 10 * time.Second
)

// Admitter is the multi-window rate gate.
type Admitter interface {
	Check(ctx context.Context, userID string, action domain.Action, limits domain.Limits) (ratelimit.Admission, error)
	Record(ctx context.Context, userID string, action domain.Action) error
}

// Slots reserves per-user scheduled instants.
type Slots interface {
	Reserve(ctx context.Context, userID string, action domain.Action, delay domain.Delay) (time.Time, error)
	Advance(ctx context.Context, userID string, action domain.Action, t time.Time) error
}

// Unlocker releases a held lock.
type Unlocker interface {
	Release(ctx context.Context) error
}

// Locks is the distributed coordination surface the engine needs.
type Locks interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (Unlocker, error)
	AcquireToken(ctx context.Context, key, token string, ttl time.Duration) (bool, error)
	ReleaseToken(ctx context.Context, key, token string) error
}

// RedisLocks adapts lock.Manager to the Locks interface.
type RedisLocks struct{ *lock.Manager }

func (r RedisLocks) Acquire(ctx context.Context, key string, ttl time.Duration) (Unlocker, error) {
	return r.Manager.Acquire(ctx, key, ttl)
}

// Presence reports extension contact and silences.
type Presence interface {
	Touch(ctx context.Context, userID string) (reconnected bool, err error)
}

// Defaults apply to instructions that carry no campaign id.
type Defaults struct {
	Delay       domain.Delay
	Limits      domain.Limits
	Hours       domain.WorkingHours
	MaxAttempts int
}

type Engine struct {
	repo      queue.Repository
	campaigns campaign.Store
	admitter  Admitter
	slots     Slots
	locks     Locks
	presence  Presence
	exec      executor.Executor // nil in extension-protocol deployments
	defaults  Defaults
	now       func() time.Time
}

func New(repo queue.Repository, campaigns campaign.Store, admitter Admitter, slots Slots, locks Locks, presence Presence, exec executor.Executor, defaults Defaults) *Engine {
	if defaults.MaxAttempts == 0 {
		defaults.MaxAttempts = 3
	}
	if defaults.Delay.Min == 0 {
		defaults.Delay = domain.Delay{Min: 30 * time.Second, Max: 2 * time.Minute}
	}
	return &Engine{
		repo:      repo,
		campaigns: campaigns,
		admitter:  admitter,
		slots:     slots,
		locks:     locks,
		presence:  presence,
		exec:      exec,
		defaults:  defaults,
		now:       time.Now,
	}
}

// WithClock overrides the engine clock. Tests only.
func (e *Engine) WithClock(now func() time.Time) *Engine {
	e.now = now
	return e
}

// EnqueueRequest is a workflow step's ask to perform one action.
type EnqueueRequest struct {
	UserID         string        `json:"user_id"`
	CampaignID     string        `json:"campaign_id,omitempty"`
	ExecutionID    string        `json:"execution_id,omitempty"`
	ProspectID     string        `json:"prospect_id,omitempty"`
	NodeID         string        `json:"node_id,omitempty"`
	NextNodeID     string        `json:"next_node_id,omitempty"`
	Action         domain.Action `json:"action"`
	ProfileURL     string        `json:"profile_url"`
	ConversationID string        `json:"conversation_id,omitempty"`
	Message        string        `json:"message,omitempty"`
}

// Enqueue admits, schedules and persists one instruction. Admission here is
// advisory (fail fast); it is re-checked just before execution.
func (e *Engine) Enqueue(ctx context.Context, req EnqueueRequest) (domain.Instruction, error) {
	if req.UserID == "" || req.ProfileURL == "" {
		return domain.Instruction{}, fmt.Errorf("user_id and profile_url are required")
	}
	if !domain.ValidAction(string(req.Action)) {
		return domain.Instruction{}, fmt.Errorf("unknown action %q", req.Action)
	}

	cfg, err := e.config(ctx, req.CampaignID)
	if err != nil {
		return domain.Instruction{}, err
	}
	delay, ok := cfg.Delays[req.Action]
	if !ok {
		return domain.Instruction{}, fmt.Errorf("%w: no settings for action %s", domain.ErrMissingConfig, req.Action)
	}
	limits := cfg.Limits[req.Action]

	adm, err := e.admitter.Check(ctx, req.UserID, req.Action, limits)
	if err != nil {
		return domain.Instruction{}, err
	}
	if adm.Exceeded() {
		return domain.Instruction{}, fmt.Errorf("%w: hourly %d/%d daily %d/%d weekly %d/%d",
			domain.ErrRateLimited,
			adm.Hourly.Current, adm.Hourly.Limit,
			adm.Daily.Current, adm.Daily.Limit,
			adm.Weekly.Current, adm.Weekly.Limit)
	}

	now := e.now().UTC()
	floor := now
	if cfg.Hours.Enabled {
		floor, err = hours.NextAllowed(now, cfg.Hours)
		if err != nil {
			return domain.Instruction{}, fmt.Errorf("%w: %v", domain.ErrMissingConfig, err)
		}
	}

	// The reserve + advance pair must not interleave with a concurrent
	// enqueue for the same queue, so it runs under the per-queue lock.
	l, err := e.locks.Acquire(ctx, enqueueKey(req.UserID, req.Action), enqueueLockTTL)
	if err != nil {
		return domain.Instruction{}, err
	}
	slot, err := e.slots.Reserve(ctx, req.UserID, req.Action, delay)
	if err != nil {
		_ = l.Release(ctx)
		return domain.Instruction{}, err
	}
	scheduled := slot
	if floor.After(scheduled) {
		scheduled = floor
		if err := e.slots.Advance(ctx, req.UserID, req.Action, scheduled.Add(delay.Min)); err != nil {
			_ = l.Release(ctx)
			return domain.Instruction{}, err
		}
	}
	if err := l.Release(ctx); err != nil {
		log.Warn().Err(err).Str("user_id", req.UserID).Msg("enqueue lock release failed")
	}

	ins := domain.Instruction{
		UserID:           req.UserID,
		CampaignID:       req.CampaignID,
		ExecutionID:      req.ExecutionID,
		ProspectID:       req.ProspectID,
		NodeID:           req.NodeID,
		NextNodeID:       req.NextNodeID,
		Action:           req.Action,
		ProfileURL:       req.ProfileURL,
		ConversationID:   req.ConversationID,
		Message:          req.Message,
		ScheduledFor:     scheduled,
		Timezone:         cfg.Hours.Timezone,
		WorkingHoursOnly: cfg.Hours.Enabled,
		WeekendsAllowed:  cfg.Hours.WeekendsAllowed,
		RateSnapshot: domain.RateSnapshot{
			Hourly: limits.Hourly,
			Daily:  limits.Daily,
			Weekly: limits.Weekly,
		},
		MaxAttempts: e.defaults.MaxAttempts,
	}
	id, err := e.repo.Create(ctx, ins)
	if err != nil {
		return domain.Instruction{}, fmt.Errorf("persist instruction: %w", err)
	}

	out, err := e.repo.Get(ctx, id)
	if err != nil {
		return domain.Instruction{}, err
	}
	log.Info().
		Str("instruction_id", id).
		Str("user_id", req.UserID).
		Str("action", string(req.Action)).
		Time("scheduled_for", scheduled).
		Msg("instruction enqueued")
	return out, nil
}

// ExecuteDue runs one due instruction through the direct executor. Callers
// (the worker pool) hand in instructions from the due view; everything past
// the conditional pending->processing transition is safe to race.
func (e *Engine) ExecuteDue(ctx context.Context, ins domain.Instruction) error {
	if e.exec == nil {
		return fmt.Errorf("no direct executor configured")
	}
	ok, err := e.beginProcessing(ctx, ins)
	if err != nil || !ok {
		return err
	}

	res, err := e.exec.Execute(ctx, ins)
	if err != nil {
		// Transport-level failure counts as a failed attempt.
		res = domain.Result{Error: err.Error()}
	}
	_, err = e.ApplyResult(ctx, ins.ID, res)
	return err
}

// beginProcessing performs the guarded pending->processing transition with
// its execution-time re-checks. Returns false when the instruction should
// not run now (already claimed, outside hours, over a ceiling).
func (e *Engine) beginProcessing(ctx context.Context, ins domain.Instruction) (bool, error) {
	now := e.now().UTC()
	key := lock.InFlightKey(ins.UserID, ins.Action, ins.ProfileURL)
	got, err := e.locks.AcquireToken(ctx, key, ins.ID, inFlightTTL)
	if err != nil {
		return false, err
	}
	if !got {
		// Another instruction for the same target is mid-flight.
		return false, nil
	}

	if err := e.repo.MarkProcessing(ctx, ins.ID, now); err != nil {
		_ = e.locks.ReleaseToken(ctx, key, ins.ID)
		if errors.Is(err, domain.ErrInvalidTransition) {
			return false, nil
		}
		return false, err
	}

	// Working hours may have closed since the slot was reserved; the row
	// stores the flags and timezone, the hour bounds are read live.
	hoursCfg := e.hoursFor(ctx, ins)
	hoursCfg.Enabled = ins.WorkingHoursOnly
	hoursCfg.WeekendsAllowed = ins.WeekendsAllowed
	if ins.Timezone != "" {
		hoursCfg.Timezone = ins.Timezone
	}
	if ins.WorkingHoursOnly {
		allowed, err := hours.Allowed(now, hoursCfg)
		if err != nil {
			// Broken timezone configuration must not bypass the gate.
			_ = e.repo.Reschedule(ctx, ins.ID, now.Add(DefaultRetryBackoff))
			_ = e.locks.ReleaseToken(ctx, key, ins.ID)
			log.Error().Err(err).Str("instruction_id", ins.ID).
				Msg("working-hours check failed at execution time")
			return false, nil
		}
		if !allowed {
			next, ferr := hours.NextAllowed(now, hoursCfg)
			if ferr == nil {
				_ = e.repo.Reschedule(ctx, ins.ID, next)
				_ = e.locks.ReleaseToken(ctx, key, ins.ID)
				log.Debug().Str("instruction_id", ins.ID).Time("rescheduled", next).
					Msg("outside working hours at execution time")
				return false, nil
			}
		}
	}

	// Mandatory re-admission against live ceilings; rescheduled, not dropped.
	limits := e.liveLimits(ctx, ins)
	adm, err := e.admitter.Check(ctx, ins.UserID, ins.Action, limits)
	if err != nil {
		_ = e.locks.ReleaseToken(ctx, key, ins.ID)
		return false, err
	}
	if adm.Exceeded() {
		next := adm.NextFree(now)
		if ins.WorkingHoursOnly {
			if floored, ferr := hours.NextAllowed(next, hoursCfg); ferr == nil {
				next = floored
			}
		}
		_ = e.repo.Reschedule(ctx, ins.ID, next)
		_ = e.locks.ReleaseToken(ctx, key, ins.ID)
		log.Debug().Str("instruction_id", ins.ID).Time("rescheduled", next).
			Msg("rate ceiling reached at execution time")
		return false, nil
	}
	return true, nil
}

// ApplyResult feeds an executor outcome into the state machine. Idempotent
// by instruction id: a duplicate report for a terminal instruction is
// accepted and changes nothing.
func (e *Engine) ApplyResult(ctx context.Context, id string, res domain.Result) (domain.Instruction, error) {
	ins, err := e.repo.Get(ctx, id)
	if err != nil {
		return domain.Instruction{}, err
	}
	now := e.now().UTC()
	key := lock.InFlightKey(ins.UserID, ins.Action, ins.ProfileURL)

	if ins.Status != domain.StatusProcessing {
		// Terminal, cancelled, or recovered in the meantime: accept, no
		// effect, but drop the in-flight marker rather than waiting out
		// its TTL.
		_ = e.locks.ReleaseToken(ctx, key, id)
		return ins, nil
	}

	switch {
	case res.Throttled:
		retryAfter := now.Add(DefaultThrottlePause)
		if res.RetryAfter != nil {
			retryAfter = res.RetryAfter.UTC()
		}
		n, err := e.PauseUser(ctx, ins.UserID, retryAfter, res.Error)
		if err != nil {
			return domain.Instruction{}, err
		}
		if ins.ExecutionID != "" {
			// Park the workflow until the next reconnect resumes it.
			if err := e.campaigns.MarkWaiting(ctx, ins.ExecutionID); err != nil && !errors.Is(err, domain.ErrInvalidTransition) {
				log.Error().Err(err).Str("execution_id", ins.ExecutionID).Msg("park execution failed")
			}
		}
		log.Warn().
			Str("instruction_id", id).
			Str("user_id", ins.UserID).
			Int("paused", n).
			Time("retry_after", retryAfter).
			Msg("platform throttling detected, account paused")

	case res.Success:
		applied, err := e.repo.Complete(ctx, id, res, now)
		if err != nil {
			return domain.Instruction{}, err
		}
		if applied {
			if err := e.admitter.Record(ctx, ins.UserID, ins.Action); err != nil {
				log.Error().Err(err).Str("instruction_id", id).Msg("rate counter update failed")
			}
			if err := e.continueWorkflow(ctx, ins); err != nil {
				log.Error().Err(err).Str("instruction_id", id).
					Str("execution_id", ins.ExecutionID).Msg("workflow continuation failed")
			}
		}

	default:
		status, err := e.repo.FailOrRetry(ctx, id, res, now.Add(DefaultRetryBackoff), now)
		if err != nil {
			return domain.Instruction{}, err
		}
		ev := log.Info()
		if status == domain.StatusFailed {
			ev = log.Warn()
		}
		ev.Str("instruction_id", id).Str("status", string(status)).
			Str("error", res.Error).Msg("instruction attempt failed")
	}

	_ = e.locks.ReleaseToken(ctx, key, id)
	return e.repo.Get(ctx, id)
}

// PauseUser is the account-wide throttle reaction: every pending and
// processing instruction of the user moves to throttled with one shared
// retry-after instant.
func (e *Engine) PauseUser(ctx context.Context, userID string, retryAfter time.Time, reason string) (int, error) {
	n, err := e.repo.ThrottleUser(ctx, userID, retryAfter.UTC())
	if err != nil {
		return 0, fmt.Errorf("throttle user %s: %w", userID, err)
	}
	if reason != "" {
		log.Warn().Str("user_id", userID).Str("reason", reason).Int("paused", n).Msg("user paused")
	}
	return n, nil
}

// PollResult is what the extension receives for one poll.
type PollResult struct {
	Instructions []domain.Instruction
	Reconnected  bool
	Resumed      int
}

// Poll hands out a bounded batch of due, eligible instructions to the
// external executor, marking each processing and stamping its sent time. It
// also detects reconnects after silence and resumes waiting executions.
func (e *Engine) Poll(ctx context.Context, userID string, limit int) (PollResult, error) {
	if limit <= 0 || limit > 25 {
		limit = 10
	}
	var out PollResult

	reconnected, err := e.presence.Touch(ctx, userID)
	if err != nil {
		return out, err
	}
	out.Reconnected = reconnected
	if reconnected {
		resumed, err := e.campaigns.ResumeWaiting(ctx, userID)
		if err != nil {
			return out, err
		}
		out.Resumed = resumed
		if resumed > 0 {
			log.Info().Str("user_id", userID).Int("resumed", resumed).
				Msg("executor reconnected, waiting executions resumed")
		}
	}

	now := e.now().UTC()
	due, err := e.repo.DueBatchForUser(ctx, userID, now, limit*2)
	if err != nil {
		return out, err
	}
	for _, ins := range due {
		if len(out.Instructions) >= limit {
			break
		}
		ok, err := e.beginProcessing(ctx, ins)
		if err != nil {
			return out, err
		}
		if !ok {
			continue
		}
		if err := e.repo.MarkSent(ctx, ins.ID, now); err != nil {
			log.Error().Err(err).Str("instruction_id", ins.ID).Msg("sent stamp failed")
		}
		claimed, err := e.repo.Get(ctx, ins.ID)
		if err != nil {
			return out, err
		}
		out.Instructions = append(out.Instructions, claimed)
	}
	return out, nil
}

// ConnectionStatus is the read-only dashboard summary for one user.
type ConnectionStatus struct {
	UserID         string                `json:"user_id"`
	StatusCounts   map[domain.Status]int `json:"status_counts"`
	CompletedToday int                   `json:"completed_last_24h"`
}

func (e *Engine) ConnectionStatus(ctx context.Context, userID string) (ConnectionStatus, error) {
	counts, err := e.repo.UserStatusCounts(ctx, userID)
	if err != nil {
		return ConnectionStatus{}, err
	}
	recent, err := e.repo.UserRecentCompleted(ctx, userID, e.now().Add(-24*time.Hour))
	if err != nil {
		return ConnectionStatus{}, err
	}
	return ConnectionStatus{UserID: userID, StatusCounts: counts, CompletedToday: recent}, nil
}

func (e *Engine) continueWorkflow(ctx context.Context, ins domain.Instruction) error {
	if ins.ExecutionID == "" {
		return nil
	}
	if ins.NextNodeID != "" {
		return e.campaigns.AdvanceExecution(ctx, ins.ExecutionID, ins.NextNodeID)
	}
	return e.campaigns.CompleteExecution(ctx, ins.ExecutionID)
}

// config resolves the effective configuration: campaign settings when a
// campaign id is present (their absence is a hard error), engine defaults
// otherwise.
func (e *Engine) config(ctx context.Context, campaignID string) (domain.CampaignConfig, error) {
	if campaignID == "" {
		return domain.CampaignConfig{
			Delays: map[domain.Action]domain.Delay{
				domain.ActionSendInvitation:  e.defaults.Delay,
				domain.ActionSendMessage:     e.defaults.Delay,
				domain.ActionVisitProfile:    e.defaults.Delay,
				domain.ActionCheckConnection: e.defaults.Delay,
				domain.ActionCheckReplies:    e.defaults.Delay,
			},
			Limits: map[domain.Action]domain.Limits{
				domain.ActionSendInvitation:  e.defaults.Limits,
				domain.ActionSendMessage:     e.defaults.Limits,
				domain.ActionVisitProfile:    e.defaults.Limits,
				domain.ActionCheckConnection: e.defaults.Limits,
				domain.ActionCheckReplies:    e.defaults.Limits,
			},
			Hours: e.defaults.Hours,
		}, nil
	}
	cfg, err := e.campaigns.Config(ctx, campaignID)
	if err != nil {
		return domain.CampaignConfig{}, err
	}
	return cfg, nil
}

// liveLimits re-reads campaign ceilings for the execution-time check,
// falling back to the enqueue-time snapshot if the campaign config is gone.
func (e *Engine) liveLimits(ctx context.Context, ins domain.Instruction) domain.Limits {
	if ins.CampaignID != "" {
		if cfg, err := e.campaigns.Config(ctx, ins.CampaignID); err == nil {
			if lim, ok := cfg.Limits[ins.Action]; ok {
				return lim
			}
		}
	}
	return domain.Limits{
		Hourly: ins.RateSnapshot.Hourly,
		Daily:  ins.RateSnapshot.Daily,
		Weekly: ins.RateSnapshot.Weekly,
	}
}

// hoursFor resolves the live hour bounds for re-checks; the instruction row
// stores only the flags and timezone.
func (e *Engine) hoursFor(ctx context.Context, ins domain.Instruction) domain.WorkingHours {
	if ins.CampaignID != "" {
		if cfg, err := e.campaigns.Config(ctx, ins.CampaignID); err == nil {
			return cfg.Hours
		}
	}
	return e.defaults.Hours
}

func enqueueKey(userID string, action domain.Action) string {
	return fmt.Sprintf("enqueue:%s:%s", userID, action)
}
