package tasks

import (
	"context"
	"sync"

	"github.com/driftwood-commerce/keel/pkg/orders"
)

// MemorySurface collects payment tasks in memory. Used in tests and when
// no task backend is configured.
type MemorySurface struct {
	mu    sync.Mutex
	tasks []orders.PaymentTask
}

func NewMemorySurface() *MemorySurface {
	return &MemorySurface{}
}

func (s *MemorySurface) RaisePaymentTask(ctx context.Context, task orders.PaymentTask) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tasks = append(s.tasks, task)
	return nil
}

// Tasks returns a copy of everything raised so far.
func (s *MemorySurface) Tasks() []orders.PaymentTask {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]orders.PaymentTask, len(s.tasks))
	copy(out, s.tasks)
	return out
}
