package usecase

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/vitos/option_price_monitor/internal/domain"
)

// MonitorConfig is the runtime tuning surface of the monitor core.
type MonitorConfig struct {
	DefaultTimeoutHours float64
	MaxTimeoutHours     float64
	SpotSymbol          string
	SweepInterval       time.Duration
	Retention           time.Duration
}

// MonitorService owns task lifecycle: creation and validation, price event
// fan-out, trigger hand-off to the notifier, and the periodic sweep.
type MonitorService struct {
	repo     domain.TaskRepository
	mux      *FeedMux
	feed     domain.PriceFeed
	notifier domain.Notifier
	logger   *zap.Logger
	cfg      MonitorConfig

	lastSweep atomic.Int64 // unix nano of the last completed sweep pass
}

func NewMonitorService(
	repo domain.TaskRepository,
	mux *FeedMux,
	feed domain.PriceFeed,
	notifier domain.Notifier,
	cfg MonitorConfig,
	logger *zap.Logger,
) *MonitorService {
	return &MonitorService{
		repo:     repo,
		mux:      mux,
		feed:     feed,
		notifier: notifier,
		logger:   logger,
		cfg:      cfg,
	}
}

// CreateTaskInput mirrors the create-API request body.
type CreateTaskInput struct {
	TaskID            string
	MonitorInstrument string
	MonitorSymbol     string
	TargetPrice       float64
	WebhookURL        string
	TimeoutHours      *float64
	StrategyID        string
	LevelID           string
	MonitorType       string
	Metadata          map[string]any
}

// CreateTask validates the request, stores the task and reconciles feed
// subscriptions. Duplicate ids and capacity overruns surface the store's
// own error kinds.
func (m *MonitorService) CreateTask(ctx context.Context, input CreateTaskInput) (*domain.MonitorTask, error) {
	task, err := m.buildTask(input)
	if err != nil {
		return nil, err
	}

	if err := m.repo.Create(ctx, task); err != nil {
		return nil, err
	}

	if err := m.mux.Sync(ctx); err != nil {
		m.logger.Warn("Subscription sync after create failed", zap.String("task_id", task.TaskID), zap.Error(err))
	}

	m.logger.Info("Monitor task created",
		zap.String("task_id", task.TaskID),
		zap.String("symbol", task.MonitorSymbol),
		zap.String("instrument", string(task.MonitorInstrument)),
		zap.Float64("target_price", task.TargetPrice))
	return task, nil
}

func (m *MonitorService) buildTask(input CreateTaskInput) (*domain.MonitorTask, error) {
	if strings.TrimSpace(input.TaskID) == "" {
		return nil, domain.NewValidationError("task_id", "must not be empty")
	}
	if input.TargetPrice <= 0 {
		return nil, domain.NewValidationError("target_price", "must be greater than zero, got %v", input.TargetPrice)
	}
	if err := validateWebhookURL(input.WebhookURL); err != nil {
		return nil, err
	}

	instrument := domain.InstrumentKind(input.MonitorInstrument)
	if instrument == "" {
		instrument = domain.InstrumentOption
	}

	var optionInfo domain.OptionInfo
	symbol := strings.ToUpper(strings.TrimSpace(input.MonitorSymbol))
	switch instrument {
	case domain.InstrumentOption:
		info, err := ParseOptionSymbol(symbol)
		if err != nil {
			return nil, err
		}
		optionInfo = info
	case domain.InstrumentSpot:
		if symbol != m.cfg.SpotSymbol {
			return nil, domain.NewValidationError("monitor_symbol",
				"spot monitoring only supports %s, got %q", m.cfg.SpotSymbol, symbol)
		}
	default:
		return nil, domain.NewValidationError("monitor_instrument",
			"must be %q or %q, got %q", domain.InstrumentOption, domain.InstrumentSpot, input.MonitorInstrument)
	}

	timeoutHours := m.cfg.DefaultTimeoutHours
	if input.TimeoutHours != nil {
		timeoutHours = *input.TimeoutHours
	}
	if timeoutHours < 0 {
		return nil, domain.NewValidationError("timeout_hours", "must not be negative, got %v", timeoutHours)
	}
	if m.cfg.MaxTimeoutHours > 0 && timeoutHours > m.cfg.MaxTimeoutHours {
		return nil, domain.NewValidationError("timeout_hours",
			"must not exceed %v hours, got %v", m.cfg.MaxTimeoutHours, timeoutHours)
	}

	now := time.Now()
	return &domain.MonitorTask{
		TaskID:            input.TaskID,
		OptionInfo:        optionInfo,
		MonitorInstrument: instrument,
		MonitorSymbol:     symbol,
		TargetPrice:       input.TargetPrice,
		WebhookURL:        input.WebhookURL,
		CreatedAt:         now,
		ExpiresAt:         now.Add(time.Duration(timeoutHours * float64(time.Hour))),
		Status:            domain.StatusActive,
		StrategyID:        input.StrategyID,
		LevelID:           input.LevelID,
		MonitorType:       input.MonitorType,
		Metadata:          input.Metadata,
	}, nil
}

func (m *MonitorService) GetTask(ctx context.Context, taskID string) (*domain.MonitorTask, error) {
	return m.repo.Get(ctx, taskID)
}

func (m *MonitorService) ListActiveTasks(ctx context.Context) ([]*domain.MonitorTask, error) {
	return m.repo.ListActive(ctx)
}

// RemoveTask cancels and deletes a task in any status, then drops the
// symbol's subscription if no other active task references it.
func (m *MonitorService) RemoveTask(ctx context.Context, taskID string) error {
	_, err := m.repo.Update(ctx, taskID, func(t *domain.MonitorTask) error {
		if t.Status == domain.StatusActive {
			now := time.Now()
			t.Status = domain.StatusCancelled
			t.FinishedAt = &now
		}
		return nil
	})
	if err != nil {
		return err
	}
	if err := m.repo.Delete(ctx, taskID); err != nil {
		return err
	}

	if err := m.mux.Sync(ctx); err != nil {
		m.logger.Warn("Subscription sync after delete failed", zap.String("task_id", taskID), zap.Error(err))
	}
	m.logger.Info("Monitor task removed", zap.String("task_id", taskID))
	return nil
}

// Bootstrap expires stale tasks left over in a durable store and re-issues
// subscriptions for the surviving active set.
func (m *MonitorService) Bootstrap(ctx context.Context) error {
	m.sweepOnce(ctx)
	if err := m.mux.Sync(ctx); err != nil {
		return fmt.Errorf("initial subscription sync: %w", err)
	}
	active, err := m.repo.CountActive(ctx)
	if err != nil {
		return err
	}
	m.logger.Info("Loaded active monitor tasks", zap.Int("count", active))
	return nil
}

// Run consumes the multiplexer's event stream until ctx is cancelled.
// A panic in one event's processing is logged, never fatal.
func (m *MonitorService) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case update := <-m.mux.Events():
			m.safeProcessUpdate(ctx, update)
		}
	}
}

func (m *MonitorService) safeProcessUpdate(ctx context.Context, update domain.PriceUpdate) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("Panic while processing price update",
				zap.String("symbol", update.Symbol), zap.Any("panic", r))
		}
	}()
	m.ProcessUpdate(ctx, update)
}

// ProcessUpdate fans one price event out to every active task watching the
// symbol. Each task's price recording and trigger decision happen inside a
// single atomic store update, so a task triggers at most once.
func (m *MonitorService) ProcessUpdate(ctx context.Context, update domain.PriceUpdate) {
	tasks, err := m.repo.ListActive(ctx)
	if err != nil {
		m.logger.Error("Failed to list active tasks", zap.Error(err))
		return
	}

	triggeredAny := false
	for _, task := range tasks {
		if task.MonitorSymbol != update.Symbol {
			continue
		}
		if m.applyUpdate(ctx, task.TaskID, update) {
			triggeredAny = true
		}
	}

	if triggeredAny {
		if err := m.mux.Sync(ctx); err != nil {
			m.logger.Warn("Subscription sync after trigger failed", zap.Error(err))
		}
	}
}

func (m *MonitorService) applyUpdate(ctx context.Context, taskID string, update domain.PriceUpdate) bool {
	triggered := false
	snapshot, err := m.repo.Update(ctx, taskID, func(t *domain.MonitorTask) error {
		triggered = false
		// Status can only leave ACTIVE here; a concurrent sweep or a second
		// event for the same tick loses the race and becomes a no-op.
		if t.Status != domain.StatusActive {
			return nil
		}

		prev := t.LastPrice
		price := update.Price
		t.PreviousPrice = t.LastPrice
		t.LastPrice = &price

		if prev == nil {
			return nil // first observation only seeds the price history
		}
		direction := EvaluateCrossing(*prev, price, t.TargetPrice)
		if direction == domain.DirectionNone {
			return nil
		}

		observedAt := update.ObservedAt
		t.Status = domain.StatusTriggered
		t.TriggerDirection = direction
		t.TriggeredAt = &observedAt
		t.TriggeredPrice = &price
		t.FinishedAt = &observedAt
		triggered = true
		return nil
	})
	if err != nil {
		if !errors.Is(err, domain.ErrTaskNotFound) {
			m.logger.Error("Failed to apply price update", zap.String("task_id", taskID), zap.Error(err))
		}
		return false
	}

	if triggered {
		m.logger.Info("Target price crossed",
			zap.String("task_id", snapshot.TaskID),
			zap.String("symbol", snapshot.MonitorSymbol),
			zap.Float64("target_price", snapshot.TargetPrice),
			zap.Float64("triggered_price", update.Price),
			zap.String("direction", string(snapshot.TriggerDirection)))
		go m.deliver(context.WithoutCancel(ctx), snapshot)
	}
	return triggered
}

// deliver hands the frozen trigger snapshot to the notifier and records the
// outcome. Exhausting the retry budget moves the task to ERROR; it never
// re-enters the detector.
func (m *MonitorService) deliver(ctx context.Context, task *domain.MonitorTask) {
	attempts, err := m.notifier.Notify(ctx, task)

	_, updateErr := m.repo.Update(ctx, task.TaskID, func(t *domain.MonitorTask) error {
		t.NotifyAttempts = attempts
		if err != nil && errors.Is(err, domain.ErrWebhookExhausted) && t.Status == domain.StatusTriggered {
			now := time.Now()
			t.Status = domain.StatusError
			t.FinishedAt = &now
		}
		return nil
	})
	if updateErr != nil && !errors.Is(updateErr, domain.ErrTaskNotFound) {
		m.logger.Error("Failed to record webhook outcome", zap.String("task_id", task.TaskID), zap.Error(updateErr))
	}
	if err != nil {
		m.logger.Error("Webhook delivery failed", zap.String("task_id", task.TaskID), zap.Int("attempts", attempts), zap.Error(err))
	}
}

// RunSweeper expires overdue tasks and garbage-collects terminal ones on a
// fixed interval until ctx is cancelled.
func (m *MonitorService) RunSweeper(ctx context.Context) {
	ticker := time.NewTicker(m.cfg.SweepInterval)
	defer ticker.Stop()

	m.lastSweep.Store(time.Now().UnixNano())
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.safeSweep(ctx)
		}
	}
}

func (m *MonitorService) safeSweep(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("Panic in sweep pass", zap.Any("panic", r))
		}
	}()
	m.sweepOnce(ctx)
}

// sweepOnce is idempotent and safe to run concurrently with price events:
// the ACTIVE check inside the atomic update is the single linearization
// point, so an expiry racing a trigger cannot double-transition a task.
func (m *MonitorService) sweepOnce(ctx context.Context) {
	now := time.Now()

	active, err := m.repo.ListActive(ctx)
	if err != nil {
		m.logger.Error("Sweep failed to list active tasks", zap.Error(err))
		return
	}

	expired := 0
	for _, task := range active {
		if now.Before(task.ExpiresAt) {
			continue
		}
		_, err := m.repo.Update(ctx, task.TaskID, func(t *domain.MonitorTask) error {
			if t.Status != domain.StatusActive || now.Before(t.ExpiresAt) {
				return nil
			}
			finishedAt := now
			t.Status = domain.StatusExpired
			t.FinishedAt = &finishedAt
			return nil
		})
		if err != nil {
			if !errors.Is(err, domain.ErrTaskNotFound) {
				m.logger.Error("Failed to expire task", zap.String("task_id", task.TaskID), zap.Error(err))
			}
			continue
		}
		expired++
	}

	deleted := 0
	if m.cfg.Retention > 0 {
		finished, err := m.repo.ListFinished(ctx, now.Add(-m.cfg.Retention))
		if err != nil {
			m.logger.Error("Sweep failed to list finished tasks", zap.Error(err))
		} else {
			for _, task := range finished {
				if err := m.repo.Delete(ctx, task.TaskID); err != nil && !errors.Is(err, domain.ErrTaskNotFound) {
					m.logger.Error("Failed to delete finished task", zap.String("task_id", task.TaskID), zap.Error(err))
					continue
				}
				deleted++
			}
		}
	}

	if expired > 0 || deleted > 0 {
		m.logger.Info("Sweep pass complete", zap.Int("expired", expired), zap.Int("deleted", deleted))
		if err := m.mux.Sync(ctx); err != nil {
			m.logger.Warn("Subscription sync after sweep failed", zap.Error(err))
		}
	}
	m.lastSweep.Store(time.Now().UnixNano())
}

// Health is the liveness snapshot served by GET /health.
type Health struct {
	FeedConnected bool      `json:"feed_connected"`
	SweepAlive    bool      `json:"sweep_alive"`
	ActiveTasks   int       `json:"active_tasks"`
	CheckedAt     time.Time `json:"checked_at"`
}

func (m *MonitorService) Health(ctx context.Context) Health {
	active, err := m.repo.CountActive(ctx)
	if err != nil {
		m.logger.Warn("Health check failed to count active tasks", zap.Error(err))
	}
	lastSweep := time.Unix(0, m.lastSweep.Load())
	return Health{
		FeedConnected: m.feed.Connected(),
		SweepAlive:    time.Since(lastSweep) < 2*m.cfg.SweepInterval,
		ActiveTasks:   active,
		CheckedAt:     time.Now(),
	}
}
