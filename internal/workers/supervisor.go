package workers

import (
	"context"
	"log/slog"
	"sync"
)

// Supervisor owns the worker fleet: it starts every registered worker
// concurrently, exposes their aggregate health and waits for collective
// termination on shutdown.
type Supervisor struct {
	mu      sync.Mutex
	workers []*Worker
	wg      sync.WaitGroup
}

func NewSupervisor() *Supervisor {
	return &Supervisor{}
}

// AddPool registers count workers built by the factory. The factory receives
// the instance index so pools can derive distinct names.
func (s *Supervisor) AddPool(count int, factory func(i int) *Worker) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := 0; i < count; i++ {
		s.workers = append(s.workers, factory(i))
	}
}

// Start launches every worker. Workers exit when ctx is canceled or Stop is
// called.
func (s *Supervisor) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	slog.Info("starting workers", "count", len(s.workers))
	for _, w := range s.workers {
		s.wg.Add(1)
		go func(w *Worker) {
			defer s.wg.Done()
			w.Run(ctx)
		}(w)
	}
}

// Stop asks every worker to exit between iterations and blocks until all
// loops have returned.
func (s *Supervisor) Stop() {
	s.mu.Lock()
	for _, w := range s.workers {
		w.Stop()
	}
	s.mu.Unlock()
	s.wg.Wait()
	slog.Info("all workers stopped")
}

// Wait blocks until every worker loop has returned.
func (s *Supervisor) Wait() {
	s.wg.Wait()
}

// Health snapshots every worker.
func (s *Supervisor) Health() []Report {
	s.mu.Lock()
	defer s.mu.Unlock()
	reports := make([]Report, 0, len(s.workers))
	for _, w := range s.workers {
		reports = append(reports, w.Health())
	}
	return reports
}
