// Package scheduler decides when the persistence service should attempt
// a snapshot. Two independent triggers feed the same callback: a debounce
// window that trails bursts of local edits, and a fixed interval that
// acts as a safety net when the debounce path is starved. Either trigger
// can be disabled; overlap between them is harmless because the service
// dedups identical writes.
package scheduler

import (
	"log/slog"
	"sync"
	"time"
)

// Config holds scheduler configuration.
type Config struct {
	Debounce        time.Duration // Quiet window after the last local edit (default: 2s)
	Interval        time.Duration // Safety-net snapshot period (default: 15s)
	DebounceEnabled bool
	IntervalEnabled bool
}

// DefaultConfig returns default scheduler configuration.
func DefaultConfig() *Config {
	return &Config{
		Debounce:        2 * time.Second,
		Interval:        15 * time.Second,
		DebounceEnabled: true,
		IntervalEnabled: true,
	}
}

// Scheduler triggers snapshot attempts from document change events.
type Scheduler struct {
	config   *Config
	callback func()
	logger   *slog.Logger

	mu        sync.Mutex
	isRunning bool
	debounce  *time.Timer
	stopCh    chan struct{}
	wg        sync.WaitGroup
}

// New creates a scheduler that invokes callback on every trigger.
func New(config *Config, callback func()) *Scheduler {
	if config == nil {
		config = DefaultConfig()
	}

	return &Scheduler{
		config:   config,
		callback: callback,
		logger:   slog.Default(),
	}
}

// Start begins the interval loop and arms the debounce path.
func (s *Scheduler) Start() {
	s.mu.Lock()
	if s.isRunning {
		s.mu.Unlock()
		return
	}
	s.isRunning = true
	s.stopCh = make(chan struct{})
	s.mu.Unlock()

	if s.config.IntervalEnabled {
		s.wg.Add(1)
		go s.intervalLoop()
	}

	s.logger.Info("snapshot scheduler started",
		"debounce", s.config.Debounce,
		"interval", s.config.Interval,
		"debounce_enabled", s.config.DebounceEnabled,
		"interval_enabled", s.config.IntervalEnabled)
}

// Stop cancels the pending debounce timer and the interval loop. An
// in-flight callback is never interrupted; Stop only prevents new
// triggers from firing.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.isRunning {
		s.mu.Unlock()
		return
	}
	s.isRunning = false
	if s.debounce != nil {
		s.debounce.Stop()
		s.debounce = nil
	}
	close(s.stopCh)
	s.mu.Unlock()

	s.wg.Wait()
	s.logger.Info("snapshot scheduler stopped")
}

// OnDocumentChange feeds one document change event into the debounce
// path. Remote-origin changes are ignored so one collaborator's edits
// never cause every peer to re-snapshot.
func (s *Scheduler) OnDocumentChange(isLocal bool) {
	if !isLocal || !s.config.DebounceEnabled {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.isRunning {
		return
	}

	// Every local edit restarts the quiet window.
	if s.debounce != nil {
		s.debounce.Stop()
	}
	s.debounce = time.AfterFunc(s.config.Debounce, s.fireDebounce)
}

// fireDebounce runs when the quiet window elapses without a reset.
func (s *Scheduler) fireDebounce() {
	s.mu.Lock()
	if !s.isRunning {
		s.mu.Unlock()
		return
	}
	s.debounce = nil
	s.mu.Unlock()

	s.callback()
}

// intervalLoop invokes the callback on every tick until stopped.
func (s *Scheduler) intervalLoop() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.callback()
		}
	}
}

// IsRunning returns whether the scheduler is running.
func (s *Scheduler) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.isRunning
}
