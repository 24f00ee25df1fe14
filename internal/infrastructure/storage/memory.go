package storage

import (
	"context"
	"sync"
	"time"

	"github.com/vitos/option_price_monitor/internal/domain"
)

// MemoryStore keeps tasks in a mutex-guarded map. Mutations run under the
// lock, which gives Update the atomic read-modify-write the contract needs.
// State is lost on restart; durability is a deployment choice, not behavior.
type MemoryStore struct {
	mu       sync.Mutex
	tasks    map[string]*domain.MonitorTask
	maxTasks int
}

func NewMemoryStore(maxTasks int) *MemoryStore {
	return &MemoryStore{
		tasks:    make(map[string]*domain.MonitorTask),
		maxTasks: maxTasks,
	}
}

func (s *MemoryStore) Create(ctx context.Context, task *domain.MonitorTask) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.tasks[task.TaskID]; exists {
		return domain.ErrDuplicateTask
	}
	if s.maxTasks > 0 && s.countActiveLocked() >= s.maxTasks {
		return domain.ErrCapacityExceeded
	}
	s.tasks[task.TaskID] = task.Clone()
	return nil
}

func (s *MemoryStore) Get(ctx context.Context, taskID string) (*domain.MonitorTask, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	task, ok := s.tasks[taskID]
	if !ok {
		return nil, domain.ErrTaskNotFound
	}
	return task.Clone(), nil
}

func (s *MemoryStore) Update(ctx context.Context, taskID string, mutate func(*domain.MonitorTask) error) (*domain.MonitorTask, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	task, ok := s.tasks[taskID]
	if !ok {
		return nil, domain.ErrTaskNotFound
	}
	working := task.Clone()
	if err := mutate(working); err != nil {
		return nil, err
	}
	s.tasks[taskID] = working
	return working.Clone(), nil
}

func (s *MemoryStore) ListActive(ctx context.Context) ([]*domain.MonitorTask, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var active []*domain.MonitorTask
	for _, task := range s.tasks {
		if task.Status == domain.StatusActive {
			active = append(active, task.Clone())
		}
	}
	return active, nil
}

func (s *MemoryStore) ListFinished(ctx context.Context, before time.Time) ([]*domain.MonitorTask, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var finished []*domain.MonitorTask
	for _, task := range s.tasks {
		if task.Status.Terminal() && task.FinishedAt != nil && task.FinishedAt.Before(before) {
			finished = append(finished, task.Clone())
		}
	}
	return finished, nil
}

func (s *MemoryStore) CountActive(ctx context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.countActiveLocked(), nil
}

func (s *MemoryStore) Delete(ctx context.Context, taskID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.tasks[taskID]; !ok {
		return domain.ErrTaskNotFound
	}
	delete(s.tasks, taskID)
	return nil
}

func (s *MemoryStore) countActiveLocked() int {
	n := 0
	for _, task := range s.tasks {
		if task.Status == domain.StatusActive {
			n++
		}
	}
	return n
}
