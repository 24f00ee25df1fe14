package usecase

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/vitos/option_price_monitor/internal/domain"
)

// WebhookNotifier POSTs trigger payloads with capped exponential backoff.
// Every retry resends the identical payload under the same delivery id, so
// receivers can deduplicate by task_id.
type WebhookNotifier struct {
	client         *http.Client
	logger         *zap.Logger
	maxAttempts    int
	backoffBase    time.Duration
	backoffMax     time.Duration
	attemptTimeout time.Duration
}

func NewWebhookNotifier(maxAttempts int, backoffBase, backoffMax, attemptTimeout time.Duration, logger *zap.Logger) *WebhookNotifier {
	return &WebhookNotifier{
		client:         &http.Client{},
		logger:         logger,
		maxAttempts:    maxAttempts,
		backoffBase:    backoffBase,
		backoffMax:     backoffMax,
		attemptTimeout: attemptTimeout,
	}
}

// Notify delivers the task's webhook, returning the number of attempts made.
// It returns ErrWebhookExhausted once the retry budget is spent.
func (n *WebhookNotifier) Notify(ctx context.Context, task *domain.MonitorTask) (int, error) {
	payload := buildWebhookPayload(task)
	body, err := json.Marshal(payload)
	if err != nil {
		return 0, fmt.Errorf("marshal webhook payload: %w", err)
	}
	deliveryID := uuid.NewString()

	backoff := n.backoffBase
	for attempt := 1; attempt <= n.maxAttempts; attempt++ {
		err := n.post(ctx, task.WebhookURL, body, deliveryID)
		if err == nil {
			n.logger.Info("Webhook delivered",
				zap.String("task_id", task.TaskID),
				zap.String("delivery_id", deliveryID),
				zap.Int("attempt", attempt))
			return attempt, nil
		}

		n.logger.Warn("Webhook attempt failed",
			zap.String("task_id", task.TaskID),
			zap.String("delivery_id", deliveryID),
			zap.Int("attempt", attempt),
			zap.Int("max_attempts", n.maxAttempts),
			zap.Error(err))

		if attempt == n.maxAttempts {
			break
		}
		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return attempt, ctx.Err()
		}
		if backoff *= 2; backoff > n.backoffMax {
			backoff = n.backoffMax
		}
	}
	return n.maxAttempts, fmt.Errorf("%w: task %s after %d attempts", domain.ErrWebhookExhausted, task.TaskID, n.maxAttempts)
}

func (n *WebhookNotifier) post(ctx context.Context, url string, body []byte, deliveryID string) error {
	attemptCtx, cancel := context.WithTimeout(ctx, n.attemptTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(attemptCtx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Delivery-ID", deliveryID)

	resp, err := n.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook responded HTTP %d", resp.StatusCode)
	}
	return nil
}

func buildWebhookPayload(task *domain.MonitorTask) domain.WebhookPayload {
	payload := domain.WebhookPayload{
		TaskID:            task.TaskID,
		MonitorSymbol:     task.MonitorSymbol,
		MonitorInstrument: task.MonitorInstrument,
		TargetPrice:       task.TargetPrice,
		TriggerDirection:  string(task.TriggerDirection),
		StrategyID:        task.StrategyID,
		LevelID:           task.LevelID,
		MonitorType:       task.MonitorType,
		Metadata:          task.Metadata,
	}
	if task.MonitorInstrument == domain.InstrumentSpot {
		payload.SpotSymbol = task.MonitorSymbol
	} else {
		payload.OptionSymbol = task.OptionInfo.Symbol
	}
	if task.TriggeredPrice != nil {
		payload.TriggeredPrice = *task.TriggeredPrice
	}
	if task.PreviousPrice != nil {
		payload.PreviousPrice = *task.PreviousPrice
	}
	if task.TriggeredAt != nil {
		payload.TriggeredAt = task.TriggeredAt.Format(time.RFC3339)
	}
	return payload
}
