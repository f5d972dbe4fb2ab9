package coordinator

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// SweepReport counts what one sweep evicted.
type SweepReport struct {
	UsersExpired  int
	LocksExpired  int
	TypingPruned  int
	ScopesRetired int
	Failures      int
}

// Sweep evicts aged-out presence, idle locks and expired typing indicators from every
// table. Reads never depend on it; it exists so that passive observers learn about
// departures and idle releases.
func (c *Coordinator) Sweep(ctx context.Context) SweepReport {
	var report SweepReport
	for _, candidate := range c.snapshotScopes() {
		scope := c.lockScope(candidate.tableID)
		if scope != candidate {
			scope.mu.Unlock()
			continue
		}
		c.sweepScopeLocked(ctx, scope, &report)
		if scope.idle() {
			c.retireIfIdle(scope)
			report.ScopesRetired++
		}
		scope.mu.Unlock()
	}
	return report
}

func (c *Coordinator) sweepScopeLocked(ctx context.Context, scope *tableScope, report *SweepReport) {
	now := c.now()
	for _, entry := range scope.presence.Expired(now) {
		if err := c.expireUserLocked(ctx, scope, entry, now); err != nil {
			report.Failures++
			continue
		}
		report.UsersExpired++
	}
	for _, stale := range scope.locks.Expired(now) {
		if err := c.releaseStoredLocked(ctx, scope, stale, ReasonIdleTimeout, "", now); err != nil {
			c.logError("locks.expire", "append_failed", err, zap.String("lock", stale.Key().String()))
			report.Failures++
			continue
		}
		report.LocksExpired++
	}
	report.TypingPruned += scope.typing.Prune(now)
}

// RunReaper sweeps every interval until ctx is cancelled.
func (c *Coordinator) RunReaper(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 2 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			report := c.Sweep(ctx)
			if report.UsersExpired+report.LocksExpired+report.Failures > 0 {
				c.logger.Debug("reaper sweep",
					zap.Int("users_expired", report.UsersExpired),
					zap.Int("locks_expired", report.LocksExpired),
					zap.Int("typing_pruned", report.TypingPruned),
					zap.Int("failures", report.Failures))
			}
		}
	}
}
