// Package scheduler runs periodic background syncs while the device is online.
package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/diabetactic/glucosync/internal/logging"
	"github.com/diabetactic/glucosync/internal/network"
	syncpkg "github.com/diabetactic/glucosync/internal/sync"
)

// Scheduler triggers a full sync on a fixed interval. Ticks while offline are
// skipped; reconnect syncs are the engine's job.
type Scheduler struct {
	engine       syncpkg.SyncEngineInterface
	monitor      network.Monitor
	syncInterval time.Duration
	stopCh       chan struct{}
	wg           sync.WaitGroup
	mu           sync.RWMutex
	isRunning    bool
	lastSyncTime time.Time
	lastResult   syncpkg.FullSyncResult
	runs         int
}

// SchedulerConfig holds scheduler configuration.
type SchedulerConfig struct {
	SyncInterval time.Duration // How often to sync when online (default: 15 minutes)
}

// DefaultSchedulerConfig returns default scheduler configuration.
func DefaultSchedulerConfig() *SchedulerConfig {
	return &SchedulerConfig{
		SyncInterval: 15 * time.Minute,
	}
}

// NewScheduler creates a new Scheduler.
func NewScheduler(engine syncpkg.SyncEngineInterface, monitor network.Monitor, config *SchedulerConfig) *Scheduler {
	if config == nil || config.SyncInterval <= 0 {
		config = DefaultSchedulerConfig()
	}

	return &Scheduler{
		engine:       engine,
		monitor:      monitor,
		syncInterval: config.SyncInterval,
	}
}

// Start starts the background sync loop.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	if s.isRunning {
		s.mu.Unlock()
		return
	}
	s.isRunning = true
	s.stopCh = make(chan struct{})
	stopCh := s.stopCh
	s.mu.Unlock()

	s.wg.Add(1)
	go s.periodicSyncLoop(ctx, stopCh)

	logging.Info("Background sync scheduler started", map[string]any{"interval": s.syncInterval.String()})
}

// Stop stops the scheduler and waits for a running sync to finish.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.isRunning {
		s.mu.Unlock()
		return
	}
	s.isRunning = false
	close(s.stopCh)
	s.mu.Unlock()

	s.wg.Wait()

	logging.Info("Background sync scheduler stopped")
}

func (s *Scheduler) periodicSyncLoop(ctx context.Context, stopCh <-chan struct{}) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.syncInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		case <-ticker.C:
			if !s.monitor.Status().Online {
				logging.Debug("Skipping periodic sync while offline")
				continue
			}
			s.SyncNow(ctx)
		}
	}
}

// SyncNow runs a full sync and waits for it. Concurrent calls share the
// engine's flight.
func (s *Scheduler) SyncNow(ctx context.Context) syncpkg.FullSyncResult {
	result := s.engine.FullSync(ctx)

	s.mu.Lock()
	s.lastSyncTime = time.Now()
	s.lastResult = result
	s.runs++
	s.mu.Unlock()

	logging.Info("Periodic sync completed", map[string]any{
		"pushed":    result.Push.Success,
		"failed":    result.Push.Failed,
		"merged":    result.Pull.Merged,
		"inserted":  result.Pull.Inserted,
		"conflicts": result.Pull.Conflicts,
	})
	return result
}

// SchedulerStatus is a snapshot of the scheduler.
type SchedulerStatus struct {
	IsRunning    bool
	IsOnline     bool
	LastSyncTime *time.Time
	LastResult   syncpkg.FullSyncResult
	Runs         int
}

// GetStatus returns the current status of the scheduler.
func (s *Scheduler) GetStatus() SchedulerStatus {
	s.mu.RLock()
	defer s.mu.RUnlock()

	status := SchedulerStatus{
		IsRunning:  s.isRunning,
		IsOnline:   s.monitor.Status().Online,
		LastResult: s.lastResult,
		Runs:       s.runs,
	}
	if !s.lastSyncTime.IsZero() {
		t := s.lastSyncTime
		status.LastSyncTime = &t
	}
	return status
}

// IsRunning returns whether the scheduler is running.
func (s *Scheduler) IsRunning() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.isRunning
}
