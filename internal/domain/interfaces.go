package domain

import (
	"context"
	"time"
)

// TaskRepository is the sole owner of task state. All mutation goes through
// Update so concurrent price events and sweeps cannot lose writes.
type TaskRepository interface {
	// Create stores a new task. It fails with ErrDuplicateTask if the id is
	// taken and ErrCapacityExceeded if the active count is at the cap.
	Create(ctx context.Context, task *MonitorTask) error
	Get(ctx context.Context, taskID string) (*MonitorTask, error)
	// Update applies mutate to the stored task as one atomic read-modify-write
	// and returns the updated snapshot.
	Update(ctx context.Context, taskID string, mutate func(*MonitorTask) error) (*MonitorTask, error)
	// ListActive returns a snapshot of every task in StatusActive.
	ListActive(ctx context.Context) ([]*MonitorTask, error)
	// ListFinished returns terminal tasks whose FinishedAt is before the
	// cutoff; the sweep uses it for retention deletion.
	ListFinished(ctx context.Context, before time.Time) ([]*MonitorTask, error)
	CountActive(ctx context.Context) (int, error)
	// Delete removes the task regardless of status.
	Delete(ctx context.Context, taskID string) error
}

// PriceFeed is the exchange-facing side of the multiplexer: a streaming
// channel for option tickers plus a REST fallback for spot prices.
type PriceFeed interface {
	Connect(ctx context.Context) error
	Close() error
	Connected() bool
	Subscribe(symbols []string) error
	Unsubscribe(symbols []string) error
	// OnPriceUpdate registers the callback invoked for every normalized push.
	OnPriceUpdate(callback func(update PriceUpdate))
	// OnReconnect registers a hook invoked after the stream reconnects.
	// Subscription state does not survive a reconnect; the hook re-issues it.
	OnReconnect(hook func())
	GetSpotPrice(ctx context.Context, symbol string) (float64, error)
}

// Notifier delivers a triggered task's webhook and reports how many attempts
// it took. The decision to notify is made exactly once upstream; delivery
// itself is at-least-once.
type Notifier interface {
	Notify(ctx context.Context, task *MonitorTask) (attempts int, err error)
}
