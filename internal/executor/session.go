package executor

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"linkflow/internal/domain"
)

// Session drives LinkedIn actions through a stored browser session held by a
// separate automation service. The core never sees credentials; it posts the
// instruction and reads back a result.
type Session struct {
	base    string
	client  *http.Client
	timeout time.Duration
}

func NewSession(baseURL string, timeout time.Duration) *Session {
	if timeout <= 0 {
		timeout = 90 * time.Second
	}
	return &Session{
		base:    baseURL,
		client:  &http.Client{Timeout: timeout},
		timeout: timeout,
	}
}

type sessionRequest struct {
	InstructionID  string `json:"instruction_id"`
	UserID         string `json:"user_id"`
	Action         string `json:"action"`
	ProfileURL     string `json:"profile_url"`
	ConversationID string `json:"conversation_id,omitempty"`
	Message        string `json:"message,omitempty"`
}

type sessionResponse struct {
	Success          bool   `json:"success"`
	Error            string `json:"error,omitempty"`
	Throttled        bool   `json:"throttled,omitempty"`
	RetryAfterSec    int    `json:"retry_after_sec,omitempty"`
	ConnectionStatus string `json:"connection_status,omitempty"`
	RepliesCount     int    `json:"replies_count,omitempty"`
	MessageID        string `json:"message_id,omitempty"`
	ConversationID   string `json:"conversation_id,omitempty"`
}

func (s *Session) Execute(ctx context.Context, ins domain.Instruction) (domain.Result, error) {
	// The executor call carries its own timeout, distinct from the queue's
	// retry timers.
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	body, err := json.Marshal(sessionRequest{
		InstructionID:  ins.ID,
		UserID:         ins.UserID,
		Action:         string(ins.Action),
		ProfileURL:     ins.ProfileURL,
		ConversationID: ins.ConversationID,
		Message:        ins.Message,
	})
	if err != nil {
		return domain.Result{}, err
	}

	start := time.Now()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.base+"/execute", bytes.NewReader(body))
	if err != nil {
		return domain.Result{}, fmt.Errorf("build executor request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return domain.Result{}, fmt.Errorf("executor call: %w", err)
	}
	defer resp.Body.Close()

	// 429 from the automation service is a platform throttling signal.
	if resp.StatusCode == http.StatusTooManyRequests {
		return domain.Result{
			Throttled:  true,
			Error:      "platform throttling detected",
			DurationMs: time.Since(start).Milliseconds(),
		}, nil
	}
	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return domain.Result{}, fmt.Errorf("read executor response: %w", err)
	}
	if resp.StatusCode >= 400 {
		return domain.Result{}, fmt.Errorf("executor HTTP %d: %s", resp.StatusCode, string(respBody))
	}

	var out sessionResponse
	if err := json.Unmarshal(respBody, &out); err != nil {
		return domain.Result{}, fmt.Errorf("decode executor response: %w", err)
	}

	res := domain.Result{
		Success:          out.Success,
		Error:            out.Error,
		Throttled:        out.Throttled,
		DurationMs:       time.Since(start).Milliseconds(),
		ConnectionStatus: out.ConnectionStatus,
		RepliesCount:     out.RepliesCount,
		MessageID:        out.MessageID,
		ConversationID:   out.ConversationID,
	}
	if out.RetryAfterSec > 0 {
		at := time.Now().Add(time.Duration(out.RetryAfterSec) * time.Second).UTC()
		res.RetryAfter = &at
	}
	return res, nil
}
