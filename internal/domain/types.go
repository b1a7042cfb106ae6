package domain

import "time"

// Action is the category of LinkedIn operation an instruction performs.
type Action string

const (
	ActionSendInvitation  Action = "send_invitation"
	ActionSendMessage     Action = "send_message"
	ActionVisitProfile    Action = "visit_profile"
	ActionCheckConnection Action = "check_connection"
	ActionCheckReplies    Action = "check_replies"
)

// ValidAction reports whether s names a known action kind.
func ValidAction(s string) bool {
	switch Action(s) {
	case ActionSendInvitation, ActionSendMessage, ActionVisitProfile,
		ActionCheckConnection, ActionCheckReplies:
		return true
	}
	return false
}

// Status is an instruction's lifecycle state.
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusThrottled  Status = "throttled"
	StatusCancelled  Status = "cancelled"
)

// RateSnapshot holds the per-window ceilings in effect when an instruction
// was created. Advisory only; execution re-checks live ceilings.
type RateSnapshot struct {
	Hourly int `json:"hourly"`
	Daily  int `json:"daily"`
	Weekly int `json:"weekly"`
}

// Result is the outcome reported by the action executor.
type Result struct {
	Success          bool       `json:"success"`
	Error            string     `json:"error,omitempty"`
	Throttled        bool       `json:"throttled,omitempty"`
	RetryAfter       *time.Time `json:"retry_after,omitempty"`
	DurationMs       int64      `json:"duration_ms,omitempty"`
	ConnectionStatus string     `json:"connection_status,omitempty"`
	RepliesCount     int        `json:"replies_count,omitempty"`
	MessageID        string     `json:"message_id,omitempty"`
	ConversationID   string     `json:"conversation_id,omitempty"`
}

// Instruction is the canonical record of one requested LinkedIn action.
type Instruction struct {
	ID          string `json:"id"`
	UserID      string `json:"user_id"`
	CampaignID  string `json:"campaign_id,omitempty"`
	ExecutionID string `json:"execution_id,omitempty"`
	ProspectID  string `json:"prospect_id,omitempty"`
	NodeID      string `json:"node_id,omitempty"`
	NextNodeID  string `json:"next_node_id,omitempty"`

	Action         Action `json:"action"`
	ProfileURL     string `json:"profile_url"`
	ConversationID string `json:"conversation_id,omitempty"`
	Message        string `json:"message,omitempty"`

	ScheduledFor     time.Time    `json:"scheduled_for"`
	Timezone         string       `json:"timezone,omitempty"`
	WorkingHoursOnly bool         `json:"working_hours_only"`
	WeekendsAllowed  bool         `json:"weekends_allowed"`
	RateSnapshot     RateSnapshot `json:"rate_snapshot"`

	Status        Status     `json:"status"`
	Attempts      int        `json:"attempts"`
	MaxAttempts   int        `json:"max_attempts"`
	LastAttemptAt *time.Time `json:"last_attempt_at,omitempty"`

	Result *Result `json:"result,omitempty"`

	CreatedAt   time.Time  `json:"created_at"`
	SentAt      *time.Time `json:"sent_at,omitempty"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// Delay bounds the randomized spacing between consecutive actions of one
// kind for one user.
type Delay struct {
	Min time.Duration `json:"min"`
	Max time.Duration `json:"max"`
}

// Limits are per-window action ceilings for one action kind.
type Limits struct {
	Hourly int `json:"hourly"`
	Daily  int `json:"daily"`
	Weekly int `json:"weekly"`
}

// WorkingHours is a campaign's execution-window configuration.
type WorkingHours struct {
	Enabled         bool   `json:"enabled"`
	StartHour       int    `json:"start_hour"`
	EndHour         int    `json:"end_hour"`
	Timezone        string `json:"timezone"`
	WeekendsAllowed bool   `json:"weekends_allowed"`
}

// CampaignConfig is the scheduling configuration a campaign supplies for
// its actions. Mandatory whenever an instruction carries a campaign id.
type CampaignConfig struct {
	Delays map[Action]Delay  `json:"delays"`
	Limits map[Action]Limits `json:"limits"`
	Hours  WorkingHours      `json:"working_hours"`
}

// ExecutionStatus is the lifecycle state of a workflow execution as far as
// this core is concerned; the workflow graph itself lives elsewhere.
type ExecutionStatus string

const (
	ExecutionRunning   ExecutionStatus = "running"
	ExecutionWaiting   ExecutionStatus = "waiting"
	ExecutionCompleted ExecutionStatus = "completed"
	ExecutionFailed    ExecutionStatus = "failed"
)

// Execution references a workflow run owned by the external workflow engine.
type Execution struct {
	ID            string          `json:"id"`
	CampaignID    string          `json:"campaign_id"`
	UserID        string          `json:"user_id"`
	ProspectID    string          `json:"prospect_id"`
	CurrentNodeID string          `json:"current_node_id"`
	Status        ExecutionStatus `json:"status"`
	CreatedAt     time.Time       `json:"created_at"`
	UpdatedAt     time.Time       `json:"updated_at"`
}
