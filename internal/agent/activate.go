package agent

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// Activate evicts every store whose name differs from the agent's identifier
// and then claims all open pages. Evictions run in parallel and are best
// effort: a failed deletion is logged and the stale store waits for a later
// activation. Control is only claimed after every deletion has finished.
// If the current store cannot be opened the agent goes back to installed.
func (a *Agent) Activate(ctx context.Context) error {
	started := time.Now()
	a.setState(StateActivating)

	if _, err := a.currentStore(ctx); err != nil {
		a.setState(StateInstalled)
		return err
	}

	evicted, failed := a.evictStale(ctx)

	if host := a.boundHost(); host != nil {
		host.ClaimClients(ctx)
	}
	a.setState(StateActivated)

	a.logger.WithFields(logrus.Fields{
		"action":     "activate",
		"cache_id":   a.id.String(),
		"evicted":    evicted,
		"failed":     failed,
		"elapsed_ms": time.Since(started).Milliseconds(),
	}).Info("activate_complete")
	return nil
}

func (a *Agent) evictStale(ctx context.Context) (evicted, failed int64) {
	names, err := a.storage.Names(ctx)
	if err != nil {
		a.logger.WithError(err).WithFields(logrus.Fields{
			"action":   "evict",
			"cache_id": a.id.String(),
		}).Warn("cache_list_failed")
		return 0, 0
	}

	var okCount, failCount atomic.Int64
	var g errgroup.Group
	for _, name := range names {
		if name == a.id.String() {
			continue
		}
		g.Go(func() error {
			fields := logrus.Fields{
				"action":   "evict",
				"cache_id": a.id.String(),
				"stale":    name,
			}
			if _, err := a.storage.Delete(ctx, name); err != nil {
				failCount.Add(1)
				a.logger.WithError(err).WithFields(fields).Warn("cache_evict_failed")
				return nil
			}
			okCount.Add(1)
			a.logger.WithFields(fields).Info("cache_evicted")
			return nil
		})
	}
	_ = g.Wait()
	return okCount.Load(), failCount.Load()
}
