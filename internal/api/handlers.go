package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"neonsched/internal/models"
	"neonsched/internal/repository"
	"neonsched/internal/scheduler"
)

const (
	defaultPageSize = 20
	maxPageSize     = 200
)

type errorResponse struct {
	Error string `json:"error"`
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v != nil {
		json.NewEncoder(w).Encode(v)
	}
}

func respondError(w http.ResponseWriter, status int, msg string) {
	respondJSON(w, status, errorResponse{Error: msg})
}

// respondServiceError maps service errors onto HTTP statuses.
func (s *Server) respondServiceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, repository.ErrNotFound):
		respondError(w, http.StatusNotFound, "not found")
	case errors.Is(err, scheduler.ErrInvalid), errors.Is(err, scheduler.ErrUnknownAgent):
		respondError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, scheduler.ErrScheduleDisabled):
		respondError(w, http.StatusConflict, err.Error())
	default:
		s.log.Error().Err(err).Msg("request failed")
		respondError(w, http.StatusInternalServerError, "internal error")
	}
}

func pageParams(r *http.Request) (int, int) {
	page, _ := strconv.Atoi(r.URL.Query().Get("page"))
	if page < 1 {
		page = 1
	}
	size, _ := strconv.Atoi(r.URL.Query().Get("page_size"))
	if size < 1 {
		size = defaultPageSize
	}
	if size > maxPageSize {
		size = maxPageSize
	}
	return page, size
}

// scheduleRequest is the create/update payload. Expression and retry fields
// may be given directly or through a named template preset; explicit values
// win over presets.
type scheduleRequest struct {
	Name       string          `json:"name"`
	AgentType  string          `json:"agent_type"`
	Expression string          `json:"expression,omitempty"`
	CronPreset string          `json:"cron_preset,omitempty"`
	Timezone   string          `json:"timezone,omitempty"`
	Enabled    *bool           `json:"enabled,omitempty"`
	Config     json.RawMessage `json:"config,omitempty"`

	RetryPreset string  `json:"retry_preset,omitempty"`
	MaxRetries  *int    `json:"max_retries,omitempty"`
	BaseDelay   string  `json:"base_delay,omitempty"`
	Multiplier  float64 `json:"multiplier,omitempty"`
	MaxDelay    string  `json:"max_delay,omitempty"`
	Timeout     string  `json:"timeout,omitempty"`
}

// toSchedule resolves presets and defaults into a schedule definition.
func (s *Server) toSchedule(req *scheduleRequest) (*models.Schedule, error) {
	job := &models.Schedule{
		Name:       req.Name,
		AgentType:  req.AgentType,
		Expression: req.Expression,
		Timezone:   req.Timezone,
		Enabled:    true,
		Config:     req.Config,
	}
	if req.Enabled != nil {
		job.Enabled = *req.Enabled
	}

	if job.Expression == "" && req.CronPreset != "" {
		if s.templates == nil {
			return nil, fmt.Errorf("cron preset %q: no template catalogue configured", req.CronPreset)
		}
		expr, ok := s.templates.CronPreset(req.CronPreset)
		if !ok {
			return nil, fmt.Errorf("unknown cron preset %q", req.CronPreset)
		}
		job.Expression = expr
	}

	if req.RetryPreset != "" {
		if s.templates == nil {
			return nil, fmt.Errorf("retry preset %q: no template catalogue configured", req.RetryPreset)
		}
		policy, ok := s.templates.RetryPreset(req.RetryPreset)
		if !ok {
			return nil, fmt.Errorf("unknown retry preset %q", req.RetryPreset)
		}
		policy.ApplyTo(job)
	}
	if req.RetryPreset == "" && req.MaxRetries == nil {
		// Absent means the config default; an explicit zero disables retries
		// and must survive as given.
		job.MaxRetries = s.svc.DefaultRetry().MaxRetries
	}
	if req.MaxRetries != nil {
		job.MaxRetries = *req.MaxRetries
	}
	if req.BaseDelay != "" {
		d, err := time.ParseDuration(req.BaseDelay)
		if err != nil {
			return nil, fmt.Errorf("base_delay: %w", err)
		}
		job.BaseDelayMS = d.Milliseconds()
	}
	if req.Multiplier > 0 {
		job.Multiplier = req.Multiplier
	}
	if req.MaxDelay != "" {
		d, err := time.ParseDuration(req.MaxDelay)
		if err != nil {
			return nil, fmt.Errorf("max_delay: %w", err)
		}
		job.MaxDelayMS = d.Milliseconds()
	}
	if req.Timeout != "" {
		d, err := time.ParseDuration(req.Timeout)
		if err != nil {
			return nil, fmt.Errorf("timeout: %w", err)
		}
		job.TimeoutMS = d.Milliseconds()
	}

	if len(job.Config) == 0 && s.templates != nil {
		job.Config = s.templates.DefaultConfig(job.AgentType)
	}
	return job, nil
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleCreateSchedule(w http.ResponseWriter, r *http.Request) {
	var req scheduleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	job, err := s.toSchedule(&req)
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := s.svc.CreateSchedule(r.Context(), job); err != nil {
		s.respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusCreated, job)
}

func (s *Server) handleUpdateSchedule(w http.ResponseWriter, r *http.Request) {
	var req scheduleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	job, err := s.toSchedule(&req)
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	job.ID = chi.URLParam(r, "id")
	if err := s.svc.UpdateSchedule(r.Context(), job); err != nil {
		s.respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, job)
}

func (s *Server) handleDeleteSchedule(w http.ResponseWriter, r *http.Request) {
	if err := s.svc.DeleteSchedule(r.Context(), chi.URLParam(r, "id")); err != nil {
		s.respondServiceError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleGetSchedule(w http.ResponseWriter, r *http.Request) {
	job, err := s.svc.GetSchedule(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, job)
}

func (s *Server) handleListSchedules(w http.ResponseWriter, r *http.Request) {
	page, size := pageParams(r)
	res, err := s.svc.ListSchedules(r.Context(), page, size)
	if err != nil {
		s.respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, res)
}

func (s *Server) handlePauseSchedule(w http.ResponseWriter, r *http.Request) {
	if err := s.svc.PauseSchedule(r.Context(), chi.URLParam(r, "id")); err != nil {
		s.respondServiceError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleResumeSchedule(w http.ResponseWriter, r *http.Request) {
	if err := s.svc.ResumeSchedule(r.Context(), chi.URLParam(r, "id")); err != nil {
		s.respondServiceError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleRunNow(w http.ResponseWriter, r *http.Request) {
	if err := s.svc.RunNow(r.Context(), chi.URLParam(r, "id")); err != nil {
		s.respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusAccepted, map[string]string{"status": "triggered"})
}

func (s *Server) handleGetExecution(w http.ResponseWriter, r *http.Request) {
	exec, err := s.svc.GetExecution(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, exec)
}

func (s *Server) handleListExecutions(w http.ResponseWriter, r *http.Request) {
	page, size := pageParams(r)
	res, err := s.svc.ListExecutions(r.Context(), chi.URLParam(r, "id"), page, size)
	if err != nil {
		s.respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, res)
}

func (s *Server) handleScheduleStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.svc.ScheduleStats(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, stats)
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.svc.Stats(r.Context())
	if err != nil {
		s.respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, stats)
}

func (s *Server) handleListAgents(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string][]string{"agents": s.registry.Types()})
}

func (s *Server) handleTemplates(w http.ResponseWriter, r *http.Request) {
	if s.templates == nil {
		respondJSON(w, http.StatusOK, map[string]any{})
		return
	}
	cat := s.templates.Current()
	respondJSON(w, http.StatusOK, map[string]any{
		"cron_presets":   cat.CronPresets,
		"retry_presets":  cat.RetryPresets,
		"agent_defaults": cat.AgentDefaults,
	})
}
