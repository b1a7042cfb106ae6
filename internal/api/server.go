package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"golang.org/x/time/rate"

	"linkflow/internal/campaign"
	"linkflow/internal/domain"
	"linkflow/internal/engine"
	"linkflow/internal/queue"
)

type Server struct {
	r         *chi.Mux
	eng       *engine.Engine
	repo      queue.Repository
	campaigns campaign.Store
	now       func() time.Time
}

func NewServer(eng *engine.Engine, repo queue.Repository, campaigns campaign.Store) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID, middleware.RealIP, middleware.Logger, middleware.Recoverer)

	s := &Server{r: r, eng: eng, repo: repo, campaigns: campaigns, now: time.Now}

	r.Get("/health", s.health)
	r.Get("/metrics", s.metrics)

	r.Post("/api/instructions", s.enqueue)
	r.Get("/api/instructions/{id}", s.getInstruction)

	// Extension protocol; throttled so a misbehaving extension cannot hammer
	// the due-batch query.
	r.Group(func(r chi.Router) {
		r.Use(pollLimiter(rate.Limit(5), 10))
		r.Post("/api/extension/poll", s.poll)
		r.Post("/api/extension/results", s.report)
	})

	r.Post("/api/users/{id}/throttle", s.throttle)
	r.Get("/api/users/{id}/connection-status", s.connectionStatus)

	r.Get("/api/queue/stats", s.stats)
	r.Get("/api/queue/jobs", s.listJobs)
	r.Delete("/api/queue/jobs", s.clearAll)

	r.Put("/api/campaigns/{id}/settings", s.putSettings)
	r.Get("/api/campaigns/{id}/settings", s.getSettings)

	return r
}

// pollLimiter bounds the extension endpoints globally. All extensions share
// one backend; per-user fairness is handled by the bounded poll batch.
func pollLimiter(rps rate.Limit, burst int) func(http.Handler) http.Handler {
	lim := rate.NewLimiter(rps, burst)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !lim.Allow() {
				http.Error(w, "too many requests", http.StatusTooManyRequests)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

func (s *Server) metrics(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("content-type", "text/plain; version=0.0.4")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("linkflow_up 1\n"))
}

func (s *Server) enqueue(w http.ResponseWriter, r *http.Request) {
	var req engine.EnqueueRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	ins, err := s.eng.Enqueue(r.Context(), req)
	if err != nil {
		writeEnqueueError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{
		"id":            ins.ID,
		"status":        ins.Status,
		"scheduled_for": ins.ScheduledFor.Format(time.RFC3339),
	})
}

func writeEnqueueError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, domain.ErrRateLimited):
		http.Error(w, err.Error(), http.StatusTooManyRequests)
	case errors.Is(err, domain.ErrMissingConfig):
		http.Error(w, err.Error(), http.StatusUnprocessableEntity)
	case errors.Is(err, domain.ErrLockHeld):
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
	default:
		http.Error(w, err.Error(), http.StatusBadRequest)
	}
}

func (s *Server) getInstruction(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	ins, err := s.repo.Get(r.Context(), id)
	if err != nil {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, ins)
}

type pollReq struct {
	UserID string `json:"user_id"`
	Limit  int    `json:"limit"`
}

// pollInstruction is the sanitized view handed to the extension: linkage and
// payload only, never session or credential material.
type pollInstruction struct {
	ID             string              `json:"id"`
	Action         domain.Action       `json:"action"`
	ProfileURL     string              `json:"profile_url"`
	ConversationID string              `json:"conversation_id,omitempty"`
	Message        string              `json:"message,omitempty"`
	CampaignID     string              `json:"campaign_id,omitempty"`
	ExecutionID    string              `json:"execution_id,omitempty"`
	ProspectID     string              `json:"prospect_id,omitempty"`
	NodeID         string              `json:"node_id,omitempty"`
	RateSnapshot   domain.RateSnapshot `json:"rate_snapshot"`
}

func (s *Server) poll(w http.ResponseWriter, r *http.Request) {
	var req pollReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if req.UserID == "" {
		http.Error(w, "user_id is required", http.StatusBadRequest)
		return
	}
	out, err := s.eng.Poll(r.Context(), req.UserID, req.Limit)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	batch := make([]pollInstruction, 0, len(out.Instructions))
	for _, ins := range out.Instructions {
		batch = append(batch, pollInstruction{
			ID:             ins.ID,
			Action:         ins.Action,
			ProfileURL:     ins.ProfileURL,
			ConversationID: ins.ConversationID,
			Message:        ins.Message,
			CampaignID:     ins.CampaignID,
			ExecutionID:    ins.ExecutionID,
			ProspectID:     ins.ProspectID,
			NodeID:         ins.NodeID,
			RateSnapshot:   ins.RateSnapshot,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"instructions":       batch,
		"reconnected":        out.Reconnected,
		"resumed_executions": out.Resumed,
	})
}

type reportReq struct {
	InstructionID    string     `json:"instruction_id"`
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

func (s *Server) report(w http.ResponseWriter, r *http.Request) {
	var req reportReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if req.InstructionID == "" {
		http.Error(w, "instruction_id is required", http.StatusBadRequest)
		return
	}
	ins, err := s.eng.ApplyResult(r.Context(), req.InstructionID, domain.Result{
		Success:          req.Success,
		Error:            req.Error,
		Throttled:        req.Throttled,
		RetryAfter:       req.RetryAfter,
		DurationMs:       req.DurationMs,
		ConnectionStatus: req.ConnectionStatus,
		RepliesCount:     req.RepliesCount,
		MessageID:        req.MessageID,
		ConversationID:   req.ConversationID,
	})
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			http.Error(w, "not found", http.StatusNotFound)
			return
		}
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"id":     ins.ID,
		"status": ins.Status,
	})
}

type throttleReq struct {
	RetryAfter *time.Time `json:"retry_after,omitempty"`
	Message    string     `json:"message,omitempty"`
}

func (s *Server) throttle(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "id")
	var req throttleReq
	if r.Body != nil {
		_ = json.NewDecoder(r.Body).Decode(&req)
	}
	retryAfter := s.now().UTC().Add(engine.DefaultThrottlePause)
	if req.RetryAfter != nil {
		retryAfter = req.RetryAfter.UTC()
	}
	n, err := s.eng.PauseUser(r.Context(), userID, retryAfter, req.Message)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"paused":      n,
		"retry_after": retryAfter.Format(time.RFC3339),
	})
}

func (s *Server) connectionStatus(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "id")
	st, err := s.eng.ConnectionStatus(r.Context(), userID)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) stats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.repo.Stats(r.Context())
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

type jobView struct {
	domain.Instruction
	RemainingDelayMs int64 `json:"remaining_delay_ms"`
}

func (s *Server) listJobs(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	offset, _ := strconv.Atoi(r.URL.Query().Get("offset"))
	if offset < 0 {
		offset = 0
	}
	page, err := s.repo.List(r.Context(), limit, offset)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	now := s.now().UTC()
	views := make([]jobView, 0, len(page))
	for _, ins := range page {
		var remaining int64
		if ins.Status == domain.StatusPending && ins.ScheduledFor.After(now) {
			remaining = ins.ScheduledFor.Sub(now).Milliseconds()
		}
		views = append(views, jobView{Instruction: ins, RemainingDelayMs: remaining})
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"jobs":   views,
		"limit":  limit,
		"offset": offset,
	})
}

func (s *Server) clearAll(w http.ResponseWriter, r *http.Request) {
	n, err := s.repo.CancelAll(r.Context())
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"cancelled": n})
}

type settingsReq struct {
	Delays map[domain.Action]struct {
		MinMs int64 `json:"min_ms"`
		MaxMs int64 `json:"max_ms"`
	} `json:"delays"`
	Limits map[domain.Action]domain.Limits `json:"limits"`
	Hours  domain.WorkingHours             `json:"working_hours"`
}

func (s *Server) putSettings(w http.ResponseWriter, r *http.Request) {
	campaignID := chi.URLParam(r, "id")
	var req settingsReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if len(req.Delays) == 0 {
		http.Error(w, "delays are required", http.StatusBadRequest)
		return
	}
	cfg := domain.CampaignConfig{
		Delays: map[domain.Action]domain.Delay{},
		Limits: req.Limits,
		Hours:  req.Hours,
	}
	if cfg.Limits == nil {
		cfg.Limits = map[domain.Action]domain.Limits{}
	}
	for action, d := range req.Delays {
		if !domain.ValidAction(string(action)) {
			http.Error(w, "unknown action "+string(action), http.StatusBadRequest)
			return
		}
		if d.MinMs <= 0 || d.MaxMs < d.MinMs {
			http.Error(w, "invalid delay bounds for "+string(action), http.StatusBadRequest)
			return
		}
		cfg.Delays[action] = domain.Delay{
			Min: time.Duration(d.MinMs) * time.Millisecond,
			Max: time.Duration(d.MaxMs) * time.Millisecond,
		}
	}
	if err := s.campaigns.PutConfig(r.Context(), campaignID, cfg); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"campaign_id": campaignID})
}

func (s *Server) getSettings(w http.ResponseWriter, r *http.Request) {
	campaignID := chi.URLParam(r, "id")
	cfg, err := s.campaigns.Config(r.Context(), campaignID)
	if err != nil {
		if errors.Is(err, domain.ErrMissingConfig) {
			http.Error(w, "not found", http.StatusNotFound)
			return
		}
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, cfg)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("content-type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
