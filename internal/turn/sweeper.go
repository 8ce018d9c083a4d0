package turn

import (
	"context"
	"time"
)

// RunSweeper periodically evicts runtimes of sessions that have had no
// connected client and no turn activity for the configured TTL. It blocks
// until ctx is done.
func (c *Coordinator) RunSweeper(ctx context.Context) {
	if c.cfg.IdleTTL <= 0 || c.cfg.SweepInterval <= 0 {
		c.logger.Info("[SWEEP] Idle sweeper disabled")
		return
	}
	ticker := time.NewTicker(c.cfg.SweepInterval)
	defer ticker.Stop()
	c.logger.Info("[SWEEP] Idle sweeper started", "interval", c.cfg.SweepInterval, "ttl", c.cfg.IdleTTL)

	for {
		select {
		case <-ticker.C:
			if n := c.Sweep(c.now()); n > 0 {
				c.logger.Info("[SWEEP] Evicted idle sessions", "count", n)
			}
		case <-ctx.Done():
			c.logger.Info("[SWEEP] Idle sweeper shutting down", "reason", ctx.Err())
			return
		}
	}
}

// Sweep evicts idle runtimes as of now and returns how many were removed.
// An evicted session keeps its stored state; only agent memory is lost and
// the next trigger rebuilds the runtime.
func (c *Coordinator) Sweep(now time.Time) int {
	cutoff := now.Add(-c.cfg.IdleTTL).UnixNano()

	c.mu.Lock()
	var evicted []string
	for id, rt := range c.runtimes {
		if State(rt.state.Load()) != Idle || rt.lastActive.Load() > cutoff {
			continue
		}
		if c.deps.Transport.HasClients(id) {
			continue
		}
		rt.stopTimer()
		delete(c.runtimes, id)
		evicted = append(evicted, id)
		c.logger.Info("[SWEEP] Evicting idle session runtime", "session_id", id)
	}
	activeSessions.Set(float64(len(c.runtimes)))
	c.mu.Unlock()

	if c.deps.OnEvict != nil {
		for _, id := range evicted {
			c.deps.OnEvict(id)
		}
	}
	return len(evicted)
}
