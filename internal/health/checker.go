// Package health schedules periodic batch probes over the probe engine.
package health

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

// Checker owns an interval-based scheduling loop and calls the supplied
// batch function on a timer. The batch internals (session handling, result
// callbacks) belong to the probe engine; the checker only drives the clock.
type Checker struct {
	logger *slog.Logger

	mu    sync.Mutex
	cron  *cron.Cron
	entry cron.EntryID
}

// New creates a stopped checker.
func New(logger *slog.Logger) *Checker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Checker{logger: logger}
}

// Start schedules run at the given interval. Restarting with a new interval
// replaces the previous schedule.
func (c *Checker) Start(interval time.Duration, run func()) error {
	if interval <= 0 {
		return fmt.Errorf("invalid health check interval: %s", interval)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.cron != nil {
		c.cron.Stop()
	}
	c.cron = cron.New()

	entry, err := c.cron.AddFunc(fmt.Sprintf("@every %s", interval), run)
	if err != nil {
		c.cron = nil
		return fmt.Errorf("schedule health check: %w", err)
	}
	c.entry = entry
	c.cron.Start()
	c.logger.Info("health checker started", "interval", interval.String())
	return nil
}

// Stop halts the schedule without interrupting a batch already in flight.
func (c *Checker) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.cron != nil {
		c.cron.Stop()
		c.cron = nil
		c.logger.Info("health checker stopped")
	}
}

// Running reports whether a schedule is active.
func (c *Checker) Running() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cron != nil
}
