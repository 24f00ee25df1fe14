package usecase

import (
	"context"
	"sync"
	"time"

	"github.com/samber/lo"
	"go.uber.org/zap"

	"github.com/vitos/option_price_monitor/internal/domain"
)

// FeedMux keeps exactly one live subscription per distinct symbol with at
// least one active task. Its subscription table is private and derived only
// from the store's active set, so it is rebuilt from scratch on reconnect.
// The websocket stream and the spot poller both publish into one event
// channel, which keeps per-symbol arrival order for the consumer.
type FeedMux struct {
	feed         domain.PriceFeed
	repo         domain.TaskRepository
	logger       *zap.Logger
	spotSymbol   string
	spotInterval time.Duration
	events       chan domain.PriceUpdate

	mu            sync.Mutex
	optionSymbols map[string]bool
	spotCancel    context.CancelFunc
}

func NewFeedMux(feed domain.PriceFeed, repo domain.TaskRepository, spotSymbol string, spotInterval time.Duration, logger *zap.Logger) *FeedMux {
	m := &FeedMux{
		feed:          feed,
		repo:          repo,
		logger:        logger,
		spotSymbol:    spotSymbol,
		spotInterval:  spotInterval,
		events:        make(chan domain.PriceUpdate, 256),
		optionSymbols: make(map[string]bool),
	}

	feed.OnPriceUpdate(func(update domain.PriceUpdate) {
		m.events <- update
	})
	feed.OnReconnect(func() {
		m.mu.Lock()
		m.optionSymbols = make(map[string]bool)
		m.mu.Unlock()
		if err := m.Sync(context.Background()); err != nil {
			m.logger.Error("Resubscribe after reconnect failed", zap.Error(err))
		}
	})

	return m
}

// Events is the single normalized stream consumed by the monitor service.
func (m *FeedMux) Events() <-chan domain.PriceUpdate {
	return m.events
}

// Sync reconciles subscriptions against the store's active task set:
// subscribes symbols that gained their first task, unsubscribes symbols
// whose last task went away, and starts or stops the spot poll loop.
func (m *FeedMux) Sync(ctx context.Context) error {
	tasks, err := m.repo.ListActive(ctx)
	if err != nil {
		return err
	}

	optionTasks := lo.Filter(tasks, func(t *domain.MonitorTask, _ int) bool {
		return t.MonitorInstrument == domain.InstrumentOption
	})
	wanted := lo.Uniq(lo.Map(optionTasks, func(t *domain.MonitorTask, _ int) string {
		return t.MonitorSymbol
	}))
	spotWanted := lo.SomeBy(tasks, func(t *domain.MonitorTask) bool {
		return t.MonitorInstrument == domain.InstrumentSpot
	})

	m.mu.Lock()
	toSubscribe := lo.Filter(wanted, func(symbol string, _ int) bool {
		return !m.optionSymbols[symbol]
	})
	wantedSet := make(map[string]bool, len(wanted))
	for _, symbol := range wanted {
		wantedSet[symbol] = true
	}
	var toUnsubscribe []string
	for symbol := range m.optionSymbols {
		if !wantedSet[symbol] {
			toUnsubscribe = append(toUnsubscribe, symbol)
		}
	}
	m.optionSymbols = wantedSet

	if spotWanted && m.spotCancel == nil {
		spotCtx, cancel := context.WithCancel(context.Background())
		m.spotCancel = cancel
		go m.spotPollLoop(spotCtx)
	} else if !spotWanted && m.spotCancel != nil {
		m.spotCancel()
		m.spotCancel = nil
	}
	m.mu.Unlock()

	if len(toSubscribe) > 0 {
		m.logger.Info("Subscribing option symbols", zap.Strings("symbols", toSubscribe))
		if err := m.feed.Subscribe(toSubscribe); err != nil {
			// The reconnect hook resyncs the full table once the stream is back.
			m.logger.Warn("Subscribe failed", zap.Error(err))
		}
	}
	if len(toUnsubscribe) > 0 {
		m.logger.Info("Unsubscribing option symbols", zap.Strings("symbols", toUnsubscribe))
		if err := m.feed.Unsubscribe(toUnsubscribe); err != nil {
			m.logger.Warn("Unsubscribe failed", zap.Error(err))
		}
	}
	return nil
}

// spotPollLoop polls the spot REST price on a fixed interval. A failed poll
// is logged and retried on the next tick; it never removes the loop.
func (m *FeedMux) spotPollLoop(ctx context.Context) {
	m.logger.Info("Starting spot price poll loop", zap.String("symbol", m.spotSymbol))
	ticker := time.NewTicker(m.spotInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			m.logger.Info("Stopping spot price poll loop", zap.String("symbol", m.spotSymbol))
			return
		case <-ticker.C:
			price, err := m.feed.GetSpotPrice(ctx, m.spotSymbol)
			if err != nil {
				if ctx.Err() == nil {
					m.logger.Warn("Spot price poll failed", zap.String("symbol", m.spotSymbol), zap.Error(err))
				}
				continue
			}
			select {
			case m.events <- domain.PriceUpdate{Symbol: m.spotSymbol, Price: price, ObservedAt: time.Now()}:
			case <-ctx.Done():
				return
			}
		}
	}
}

func (m *FeedMux) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.spotCancel != nil {
		m.spotCancel()
		m.spotCancel = nil
	}
}
