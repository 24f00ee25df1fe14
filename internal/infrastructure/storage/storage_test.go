package storage_test

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vitos/option_price_monitor/internal/domain"
	"github.com/vitos/option_price_monitor/internal/infrastructure/storage"
)

func newTask(taskID string) *domain.MonitorTask {
	now := time.Now()
	return &domain.MonitorTask{
		TaskID: taskID,
		OptionInfo: domain.OptionInfo{
			Symbol:      "BTC-17JAN25-100000-C",
			BaseCoin:    "BTC",
			StrikePrice: 100000,
			ExpiryDate:  "17JAN25",
			OptionType:  "Call",
		},
		MonitorInstrument: domain.InstrumentOption,
		MonitorSymbol:     "BTC-17JAN25-100000-C",
		TargetPrice:       5000,
		WebhookURL:        "http://localhost:9999/webhook",
		CreatedAt:         now,
		ExpiresAt:         now.Add(24 * time.Hour),
		Status:            domain.StatusActive,
		StrategyID:        "strat-1",
		Metadata:          map[string]any{"note": "entry level"},
	}
}

// runRepositoryContract exercises the behavior both backings must share.
func runRepositoryContract(t *testing.T, newRepo func(t *testing.T, maxTasks int) domain.TaskRepository) {
	ctx := context.Background()

	t.Run("create and get round-trip", func(t *testing.T) {
		repo := newRepo(t, 10)
		task := newTask("rt-1")
		require.NoError(t, repo.Create(ctx, task))

		got, err := repo.Get(ctx, "rt-1")
		require.NoError(t, err)
		assert.Equal(t, task.TaskID, got.TaskID)
		assert.Equal(t, task.MonitorSymbol, got.MonitorSymbol)
		assert.Equal(t, task.TargetPrice, got.TargetPrice)
		assert.Equal(t, domain.StatusActive, got.Status)
		assert.Equal(t, "entry level", got.Metadata["note"])
		assert.Nil(t, got.LastPrice)
	})

	t.Run("duplicate id rejected", func(t *testing.T) {
		repo := newRepo(t, 10)
		require.NoError(t, repo.Create(ctx, newTask("dup")))
		assert.ErrorIs(t, repo.Create(ctx, newTask("dup")), domain.ErrDuplicateTask)
	})

	t.Run("capacity counts active only", func(t *testing.T) {
		repo := newRepo(t, 2)
		require.NoError(t, repo.Create(ctx, newTask("c-1")))
		require.NoError(t, repo.Create(ctx, newTask("c-2")))
		assert.ErrorIs(t, repo.Create(ctx, newTask("c-3")), domain.ErrCapacityExceeded)

		// A terminal task no longer occupies a slot.
		_, err := repo.Update(ctx, "c-1", func(task *domain.MonitorTask) error {
			now := time.Now()
			task.Status = domain.StatusExpired
			task.FinishedAt = &now
			return nil
		})
		require.NoError(t, err)
		assert.NoError(t, repo.Create(ctx, newTask("c-3")))
	})

	t.Run("get missing task", func(t *testing.T) {
		repo := newRepo(t, 10)
		_, err := repo.Get(ctx, "ghost")
		assert.ErrorIs(t, err, domain.ErrTaskNotFound)
	})

	t.Run("update is atomic under concurrency", func(t *testing.T) {
		repo := newRepo(t, 10)
		require.NoError(t, repo.Create(ctx, newTask("atomic")))

		var wg sync.WaitGroup
		for i := 0; i < 50; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, err := repo.Update(ctx, "atomic", func(task *domain.MonitorTask) error {
					task.NotifyAttempts++
					return nil
				})
				assert.NoError(t, err)
			}()
		}
		wg.Wait()

		got, err := repo.Get(ctx, "atomic")
		require.NoError(t, err)
		assert.Equal(t, 50, got.NotifyAttempts, "lost updates under concurrent writers")
	})

	t.Run("update mutation error leaves task unchanged", func(t *testing.T) {
		repo := newRepo(t, 10)
		require.NoError(t, repo.Create(ctx, newTask("rollback")))

		_, err := repo.Update(ctx, "rollback", func(task *domain.MonitorTask) error {
			task.Status = domain.StatusError
			return fmt.Errorf("boom")
		})
		require.Error(t, err)

		got, err := repo.Get(ctx, "rollback")
		require.NoError(t, err)
		assert.Equal(t, domain.StatusActive, got.Status)
	})

	t.Run("list active excludes terminal tasks", func(t *testing.T) {
		repo := newRepo(t, 10)
		require.NoError(t, repo.Create(ctx, newTask("la-1")))
		require.NoError(t, repo.Create(ctx, newTask("la-2")))
		_, err := repo.Update(ctx, "la-2", func(task *domain.MonitorTask) error {
			now := time.Now()
			task.Status = domain.StatusTriggered
			task.FinishedAt = &now
			return nil
		})
		require.NoError(t, err)

		active, err := repo.ListActive(ctx)
		require.NoError(t, err)
		require.Len(t, active, 1)
		assert.Equal(t, "la-1", active[0].TaskID)
	})

	t.Run("list finished honors cutoff", func(t *testing.T) {
		repo := newRepo(t, 10)
		require.NoError(t, repo.Create(ctx, newTask("lf-old")))
		require.NoError(t, repo.Create(ctx, newTask("lf-new")))

		old := time.Now().Add(-2 * time.Hour)
		_, err := repo.Update(ctx, "lf-old", func(task *domain.MonitorTask) error {
			task.Status = domain.StatusExpired
			task.FinishedAt = &old
			return nil
		})
		require.NoError(t, err)
		recent := time.Now()
		_, err = repo.Update(ctx, "lf-new", func(task *domain.MonitorTask) error {
			task.Status = domain.StatusExpired
			task.FinishedAt = &recent
			return nil
		})
		require.NoError(t, err)

		finished, err := repo.ListFinished(ctx, time.Now().Add(-time.Hour))
		require.NoError(t, err)
		require.Len(t, finished, 1)
		assert.Equal(t, "lf-old", finished[0].TaskID)
	})

	t.Run("delete any status", func(t *testing.T) {
		repo := newRepo(t, 10)
		require.NoError(t, repo.Create(ctx, newTask("del")))
		_, err := repo.Update(ctx, "del", func(task *domain.MonitorTask) error {
			task.Status = domain.StatusTriggered
			return nil
		})
		require.NoError(t, err)

		require.NoError(t, repo.Delete(ctx, "del"))
		_, err = repo.Get(ctx, "del")
		assert.ErrorIs(t, err, domain.ErrTaskNotFound)
		assert.ErrorIs(t, repo.Delete(ctx, "del"), domain.ErrTaskNotFound)
	})
}

func TestMemoryStoreContract(t *testing.T) {
	runRepositoryContract(t, func(t *testing.T, maxTasks int) domain.TaskRepository {
		return storage.NewMemoryStore(maxTasks)
	})
}

func TestSQLiteStoreContract(t *testing.T) {
	runRepositoryContract(t, func(t *testing.T, maxTasks int) domain.TaskRepository {
		store, err := storage.NewSQLiteStore(":memory:", maxTasks)
		require.NoError(t, err)
		t.Cleanup(func() { store.Close() })
		return store
	})
}

func TestMemoryStoreSnapshotsAreIsolated(t *testing.T) {
	ctx := context.Background()
	repo := storage.NewMemoryStore(10)
	require.NoError(t, repo.Create(ctx, newTask("iso")))

	got, err := repo.Get(ctx, "iso")
	require.NoError(t, err)
	got.Status = domain.StatusError
	got.Metadata["note"] = "mutated"

	fresh, err := repo.Get(ctx, "iso")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusActive, fresh.Status)
	assert.Equal(t, "entry level", fresh.Metadata["note"])
}
