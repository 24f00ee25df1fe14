package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/vitos/option_price_monitor/internal/domain"
)

// SQLiteStore is the durable TaskRepository backing. Create and Update run in
// transactions so the capacity check and read-modify-write are atomic.
type SQLiteStore struct {
	db       *sql.DB
	maxTasks int
}

func NewSQLiteStore(dbPath string, maxTasks int) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, err
	}
	// SQLite allows one writer at a time; a single connection avoids
	// SQLITE_BUSY between the sweep and price-event writers.
	db.SetMaxOpenConns(1)

	store := &SQLiteStore{db: db, maxTasks: maxTasks}
	if err := store.initSchema(); err != nil {
		return nil, err
	}
	return store, nil
}

func (s *SQLiteStore) initSchema() error {
	query := `CREATE TABLE IF NOT EXISTS monitor_tasks (
		task_id TEXT PRIMARY KEY,
		option_symbol TEXT NOT NULL,
		base_coin TEXT NOT NULL,
		strike_price REAL NOT NULL,
		expiry_date TEXT NOT NULL,
		option_type TEXT NOT NULL,
		monitor_instrument TEXT NOT NULL,
		monitor_symbol TEXT NOT NULL,
		target_price REAL NOT NULL,
		webhook_url TEXT NOT NULL,
		created_at DATETIME NOT NULL,
		expires_at DATETIME NOT NULL,
		status TEXT NOT NULL,
		last_price REAL,
		previous_price REAL,
		trigger_direction TEXT NOT NULL DEFAULT '',
		triggered_at DATETIME,
		triggered_price REAL,
		finished_at DATETIME,
		notify_attempts INTEGER NOT NULL DEFAULT 0,
		strategy_id TEXT NOT NULL DEFAULT '',
		level_id TEXT NOT NULL DEFAULT '',
		monitor_type TEXT NOT NULL DEFAULT '',
		metadata TEXT NOT NULL DEFAULT ''
	);`
	if _, err := s.db.Exec(query); err != nil {
		return fmt.Errorf("failed to init monitor_tasks schema: %w", err)
	}
	if _, err := s.db.Exec(`CREATE INDEX IF NOT EXISTS idx_tasks_status_symbol ON monitor_tasks(status, monitor_symbol);`); err != nil {
		return fmt.Errorf("failed to create status index: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

const taskColumns = `task_id, option_symbol, base_coin, strike_price, expiry_date, option_type,
	monitor_instrument, monitor_symbol, target_price, webhook_url, created_at, expires_at,
	status, last_price, previous_price, trigger_direction, triggered_at, triggered_price,
	finished_at, notify_attempts, strategy_id, level_id, monitor_type, metadata`

func (s *SQLiteStore) Create(ctx context.Context, task *domain.MonitorTask) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("%w: %v", domain.ErrStoreUnavailable, err)
	}
	defer tx.Rollback()

	var exists int
	if err := tx.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM monitor_tasks WHERE task_id = ?`, task.TaskID).Scan(&exists); err != nil {
		return fmt.Errorf("%w: %v", domain.ErrStoreUnavailable, err)
	}
	if exists > 0 {
		return domain.ErrDuplicateTask
	}

	if s.maxTasks > 0 {
		var active int
		if err := tx.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM monitor_tasks WHERE status = ?`, domain.StatusActive).Scan(&active); err != nil {
			return fmt.Errorf("%w: %v", domain.ErrStoreUnavailable, err)
		}
		if active >= s.maxTasks {
			return domain.ErrCapacityExceeded
		}
	}

	if err := insertTask(ctx, tx, task); err != nil {
		return fmt.Errorf("%w: %v", domain.ErrStoreUnavailable, err)
	}
	return tx.Commit()
}

func insertTask(ctx context.Context, tx *sql.Tx, task *domain.MonitorTask) error {
	metadata := ""
	if task.Metadata != nil {
		raw, err := json.Marshal(task.Metadata)
		if err != nil {
			return err
		}
		metadata = string(raw)
	}

	query := `INSERT INTO monitor_tasks (` + taskColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	_, err := tx.ExecContext(ctx, query,
		task.TaskID, task.OptionInfo.Symbol, task.OptionInfo.BaseCoin, task.OptionInfo.StrikePrice,
		task.OptionInfo.ExpiryDate, task.OptionInfo.OptionType, string(task.MonitorInstrument),
		task.MonitorSymbol, task.TargetPrice, task.WebhookURL, task.CreatedAt, task.ExpiresAt,
		string(task.Status), nullFloat(task.LastPrice), nullFloat(task.PreviousPrice),
		string(task.TriggerDirection), nullTime(task.TriggeredAt), nullFloat(task.TriggeredPrice),
		nullTime(task.FinishedAt), task.NotifyAttempts,
		task.StrategyID, task.LevelID, task.MonitorType, metadata)
	return err
}

func (s *SQLiteStore) Get(ctx context.Context, taskID string) (*domain.MonitorTask, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+taskColumns+` FROM monitor_tasks WHERE task_id = ?`, taskID)
	task, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrTaskNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrStoreUnavailable, err)
	}
	return task, nil
}

func (s *SQLiteStore) Update(ctx context.Context, taskID string, mutate func(*domain.MonitorTask) error) (*domain.MonitorTask, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrStoreUnavailable, err)
	}
	defer tx.Rollback()

	row := tx.QueryRowContext(ctx,
		`SELECT `+taskColumns+` FROM monitor_tasks WHERE task_id = ?`, taskID)
	task, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrTaskNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrStoreUnavailable, err)
	}

	if err := mutate(task); err != nil {
		return nil, err
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM monitor_tasks WHERE task_id = ?`, taskID); err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrStoreUnavailable, err)
	}
	if err := insertTask(ctx, tx, task); err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrStoreUnavailable, err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrStoreUnavailable, err)
	}
	return task.Clone(), nil
}

func (s *SQLiteStore) ListActive(ctx context.Context) ([]*domain.MonitorTask, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+taskColumns+` FROM monitor_tasks WHERE status = ?`, domain.StatusActive)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrStoreUnavailable, err)
	}
	defer rows.Close()

	var tasks []*domain.MonitorTask
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", domain.ErrStoreUnavailable, err)
		}
		tasks = append(tasks, task)
	}
	return tasks, rows.Err()
}

func (s *SQLiteStore) ListFinished(ctx context.Context, before time.Time) ([]*domain.MonitorTask, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+taskColumns+` FROM monitor_tasks WHERE status != ? AND finished_at IS NOT NULL AND finished_at < ?`,
		domain.StatusActive, before)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrStoreUnavailable, err)
	}
	defer rows.Close()

	var tasks []*domain.MonitorTask
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", domain.ErrStoreUnavailable, err)
		}
		tasks = append(tasks, task)
	}
	return tasks, rows.Err()
}

func (s *SQLiteStore) CountActive(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM monitor_tasks WHERE status = ?`, domain.StatusActive).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", domain.ErrStoreUnavailable, err)
	}
	return n, nil
}

func (s *SQLiteStore) Delete(ctx context.Context, taskID string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM monitor_tasks WHERE task_id = ?`, taskID)
	if err != nil {
		return fmt.Errorf("%w: %v", domain.ErrStoreUnavailable, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("%w: %v", domain.ErrStoreUnavailable, err)
	}
	if affected == 0 {
		return domain.ErrTaskNotFound
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(row rowScanner) (*domain.MonitorTask, error) {
	var (
		task           domain.MonitorTask
		instrument     string
		status         string
		direction      string
		lastPrice      sql.NullFloat64
		previousPrice  sql.NullFloat64
		triggeredAt    sql.NullTime
		triggeredPrice sql.NullFloat64
		finishedAt     sql.NullTime
		metadata       string
	)

	err := row.Scan(
		&task.TaskID, &task.OptionInfo.Symbol, &task.OptionInfo.BaseCoin, &task.OptionInfo.StrikePrice,
		&task.OptionInfo.ExpiryDate, &task.OptionInfo.OptionType, &instrument,
		&task.MonitorSymbol, &task.TargetPrice, &task.WebhookURL, &task.CreatedAt, &task.ExpiresAt,
		&status, &lastPrice, &previousPrice, &direction, &triggeredAt, &triggeredPrice,
		&finishedAt, &task.NotifyAttempts, &task.StrategyID, &task.LevelID, &task.MonitorType, &metadata)
	if err != nil {
		return nil, err
	}

	task.MonitorInstrument = domain.InstrumentKind(instrument)
	task.Status = domain.TaskStatus(status)
	task.TriggerDirection = domain.TriggerDirection(direction)
	if lastPrice.Valid {
		task.LastPrice = &lastPrice.Float64
	}
	if previousPrice.Valid {
		task.PreviousPrice = &previousPrice.Float64
	}
	if triggeredAt.Valid {
		task.TriggeredAt = &triggeredAt.Time
	}
	if triggeredPrice.Valid {
		task.TriggeredPrice = &triggeredPrice.Float64
	}
	if finishedAt.Valid {
		task.FinishedAt = &finishedAt.Time
	}
	if metadata != "" {
		if err := json.Unmarshal([]byte(metadata), &task.Metadata); err != nil {
			return nil, err
		}
	}
	return &task, nil
}

func nullFloat(v *float64) any {
	if v == nil {
		return nil
	}
	return *v
}

func nullTime(v *time.Time) any {
	if v == nil {
		return nil
	}
	return *v
}
