package web

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/vitos/option_price_monitor/internal/domain"
	"github.com/vitos/option_price_monitor/internal/usecase"
)

type createTaskRequest struct {
	TaskID            string         `json:"task_id"`
	MonitorInstrument string         `json:"monitor_instrument"`
	MonitorSymbol     string         `json:"monitor_symbol"`
	TargetPrice       float64        `json:"target_price"`
	WebhookURL        string         `json:"webhook_url"`
	TimeoutHours      *float64       `json:"timeout_hours"`
	StrategyID        string         `json:"strategy_id"`
	LevelID           string         `json:"level_id"`
	MonitorType       string         `json:"monitor_type"`
	Metadata          map[string]any `json:"metadata"`
}

type taskResponse struct {
	TaskID            string         `json:"task_id"`
	Status            string         `json:"status"`
	MonitorInstrument string         `json:"monitor_instrument"`
	MonitorSymbol     string         `json:"monitor_symbol"`
	OptionSymbol      string         `json:"option_symbol,omitempty"`
	TargetPrice       float64        `json:"target_price"`
	WebhookURL        string         `json:"webhook_url"`
	CreatedAt         string         `json:"created_at"`
	ExpiresAt         string         `json:"expires_at"`
	LastPrice         *float64       `json:"last_price,omitempty"`
	PreviousPrice     *float64       `json:"previous_price,omitempty"`
	TriggerDirection  string         `json:"trigger_direction,omitempty"`
	TriggeredAt       string         `json:"triggered_at,omitempty"`
	TriggeredPrice    *float64       `json:"triggered_price,omitempty"`
	StrategyID        string         `json:"strategy_id,omitempty"`
	LevelID           string         `json:"level_id,omitempty"`
	MonitorType       string         `json:"monitor_type,omitempty"`
	Metadata          map[string]any `json:"metadata,omitempty"`
}

type errorResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
	Field   string `json:"field,omitempty"`
}

func newTaskResponse(task *domain.MonitorTask) taskResponse {
	resp := taskResponse{
		TaskID:            task.TaskID,
		Status:            string(task.Status),
		MonitorInstrument: string(task.MonitorInstrument),
		MonitorSymbol:     task.MonitorSymbol,
		OptionSymbol:      task.OptionInfo.Symbol,
		TargetPrice:       task.TargetPrice,
		WebhookURL:        task.WebhookURL,
		CreatedAt:         task.CreatedAt.Format(time.RFC3339),
		ExpiresAt:         task.ExpiresAt.Format(time.RFC3339),
		LastPrice:         task.LastPrice,
		PreviousPrice:     task.PreviousPrice,
		TriggerDirection:  string(task.TriggerDirection),
		TriggeredPrice:    task.TriggeredPrice,
		StrategyID:        task.StrategyID,
		LevelID:           task.LevelID,
		MonitorType:       task.MonitorType,
		Metadata:          task.Metadata,
	}
	if task.TriggeredAt != nil {
		resp.TriggeredAt = task.TriggeredAt.Format(time.RFC3339)
	}
	return resp
}

func (s *Server) handleCreateTask(w http.ResponseWriter, r *http.Request) {
	var req createTaskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeJSON(w, http.StatusBadRequest, errorResponse{Message: "invalid JSON body: " + err.Error()})
		return
	}

	task, err := s.service.CreateTask(r.Context(), usecase.CreateTaskInput{
		TaskID:            req.TaskID,
		MonitorInstrument: req.MonitorInstrument,
		MonitorSymbol:     req.MonitorSymbol,
		TargetPrice:       req.TargetPrice,
		WebhookURL:        req.WebhookURL,
		TimeoutHours:      req.TimeoutHours,
		StrategyID:        req.StrategyID,
		LevelID:           req.LevelID,
		MonitorType:       req.MonitorType,
		Metadata:          req.Metadata,
	})
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, newTaskResponse(task))
}

func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	task, err := s.service.GetTask(r.Context(), r.PathValue("task_id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, newTaskResponse(task))
}

func (s *Server) handleDeleteTask(w http.ResponseWriter, r *http.Request) {
	taskID := r.PathValue("task_id")
	if err := s.service.RemoveTask(r.Context(), taskID); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"success": true, "task_id": taskID})
}

func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	tasks, err := s.service.ListActiveTasks(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}

	summaries := make([]taskResponse, 0, len(tasks))
	for _, task := range tasks {
		summaries = append(summaries, newTaskResponse(task))
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"tasks": summaries, "count": len(summaries)})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	health := s.service.Health(r.Context())
	status := http.StatusOK
	if !health.FeedConnected || !health.SweepAlive {
		status = http.StatusServiceUnavailable
	}
	s.writeJSON(w, status, health)
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	var validationErr *domain.ValidationError
	switch {
	case errors.As(err, &validationErr):
		s.writeJSON(w, http.StatusBadRequest, errorResponse{Message: validationErr.Message, Field: validationErr.Field})
	case errors.Is(err, domain.ErrDuplicateTask):
		s.writeJSON(w, http.StatusConflict, errorResponse{Message: err.Error()})
	case errors.Is(err, domain.ErrCapacityExceeded):
		s.writeJSON(w, http.StatusTooManyRequests, errorResponse{Message: err.Error()})
	case errors.Is(err, domain.ErrTaskNotFound):
		s.writeJSON(w, http.StatusNotFound, errorResponse{Message: err.Error()})
	case errors.Is(err, domain.ErrStoreUnavailable):
		s.writeJSON(w, http.StatusServiceUnavailable, errorResponse{Message: err.Error()})
	default:
		s.logger.Error("Unhandled API error", zap.Error(err))
		s.writeJSON(w, http.StatusInternalServerError, errorResponse{Message: "internal error"})
	}
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		s.logger.Error("Failed to encode response", zap.Error(err))
	}
}
