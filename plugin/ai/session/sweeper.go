package session

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// DefaultSweepInterval is the default interval between sweep runs.
const DefaultSweepInterval = 5 * time.Minute

// Sweeper periodically deletes expired sessions. The session service never
// starts one on its own; the host decides the cadence.
type Sweeper struct {
	service  *Service
	interval time.Duration

	mu       sync.Mutex
	running  bool
	stopChan chan struct{}
}

// NewSweeper creates a sweeper for the given service.
func NewSweeper(service *Service, interval time.Duration) *Sweeper {
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	return &Sweeper{
		service:  service,
		interval: interval,
	}
}

// Start begins the periodic sweep. Non-blocking; the sweep runs in a goroutine.
func (s *Sweeper) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return
	}
	s.running = true
	s.stopChan = make(chan struct{})

	go s.run(ctx)

	slog.Info("session sweeper started", "interval", s.interval)
}

// Stop stops the periodic sweep.
func (s *Sweeper) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running {
		return
	}
	close(s.stopChan)
	s.running = false

	slog.Info("session sweeper stopped")
}

// RunOnce executes a single sweep immediately.
func (s *Sweeper) RunOnce(ctx context.Context) (int, error) {
	return s.service.SweepExpired(ctx)
}

// IsRunning returns whether the sweeper is currently running.
func (s *Sweeper) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

func (s *Sweeper) run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopChan:
			return
		case <-ticker.C:
			if deleted, err := s.service.SweepExpired(ctx); err != nil {
				slog.Error("session sweep failed", "error", err)
			} else if deleted > 0 {
				slog.Info("session sweep completed", "deleted", deleted)
			}
		}
	}
}
