package usecase_test

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/vitos/option_price_monitor/internal/domain"
	"github.com/vitos/option_price_monitor/internal/usecase"
)

func triggeredTask(webhookURL string) *domain.MonitorTask {
	price := 5000.5
	prev := 4999.8
	now := time.Now()
	return &domain.MonitorTask{
		TaskID:            "wh-task",
		OptionInfo:        domain.OptionInfo{Symbol: "BTC-17JAN25-100000-C"},
		MonitorInstrument: domain.InstrumentOption,
		MonitorSymbol:     "BTC-17JAN25-100000-C",
		TargetPrice:       5000,
		WebhookURL:        webhookURL,
		Status:            domain.StatusTriggered,
		TriggerDirection:  domain.DirectionUpCross,
		TriggeredAt:       &now,
		TriggeredPrice:    &price,
		PreviousPrice:     &prev,
		StrategyID:        "strat-9",
		Metadata:          map[string]any{"note": "entry"},
	}
}

func TestNotifierSucceedsAfterTransientFailures(t *testing.T) {
	var mu sync.Mutex
	var bodies [][]byte
	attempts := 0

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		defer mu.Unlock()
		attempts++
		body, _ := io.ReadAll(r.Body)
		bodies = append(bodies, body)
		if attempts <= 2 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	notifier := usecase.NewWebhookNotifier(5, time.Millisecond, 10*time.Millisecond, time.Second, zap.NewNop())
	used, err := notifier.Notify(context.Background(), triggeredTask(server.URL))
	require.NoError(t, err)
	assert.Equal(t, 3, used)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, bodies, 3)
	// Retries must resend the identical payload so receivers can deduplicate.
	assert.Equal(t, bodies[0], bodies[1])
	assert.Equal(t, bodies[1], bodies[2])

	var payload domain.WebhookPayload
	require.NoError(t, json.Unmarshal(bodies[0], &payload))
	assert.Equal(t, "wh-task", payload.TaskID)
	assert.Equal(t, "BTC-17JAN25-100000-C", payload.OptionSymbol)
	assert.Equal(t, 5000.0, payload.TargetPrice)
	assert.Equal(t, 5000.5, payload.TriggeredPrice)
	assert.Equal(t, 4999.8, payload.PreviousPrice)
	assert.Equal(t, "up_cross", payload.TriggerDirection)
	assert.Equal(t, "strat-9", payload.StrategyID)
	assert.NotEmpty(t, payload.TriggeredAt)
}

func TestNotifierExhaustsRetryBudget(t *testing.T) {
	attempts := 0
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts++
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer server.Close()

	notifier := usecase.NewWebhookNotifier(3, time.Millisecond, 10*time.Millisecond, time.Second, zap.NewNop())
	used, err := notifier.Notify(context.Background(), triggeredTask(server.URL))
	require.Error(t, err)
	assert.True(t, errors.Is(err, domain.ErrWebhookExhausted))
	assert.Equal(t, 3, used)
	assert.Equal(t, 3, attempts)
}

func TestNotifierRetriesOnNetworkError(t *testing.T) {
	// Nothing listens on this port; every attempt is a dial failure.
	notifier := usecase.NewWebhookNotifier(2, time.Millisecond, 10*time.Millisecond, 100*time.Millisecond, zap.NewNop())
	used, err := notifier.Notify(context.Background(), triggeredTask("http://127.0.0.1:1/webhook"))
	require.Error(t, err)
	assert.True(t, errors.Is(err, domain.ErrWebhookExhausted))
	assert.Equal(t, 2, used)
}
