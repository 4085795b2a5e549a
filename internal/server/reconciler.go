package server

import (
	"context"
	"log"
	"time"

	"gateline/internal/engine"
)

const (
	defaultReconcileInterval = 2 * time.Second
	defaultPurgeInterval     = 10 * time.Minute
)

// reconciler is the background companion of the degraded admission path:
// whenever the offline flag is clear it drains the pending admission
// queue through the ledger, and it periodically evicts idempotency
// records past retention.
type reconciler struct {
	engine    engine.Engine
	logger    *log.Logger
	interval  time.Duration
	lastPurge time.Time
}

// StartReconciler runs the reconciliation loop until ctx is canceled.
func StartReconciler(ctx context.Context, e engine.Engine, logger *log.Logger) {
	if logger == nil {
		logger = log.Default()
	}
	r := &reconciler{engine: e, logger: logger, interval: defaultReconcileInterval}
	go r.run(ctx)
}

func (r *reconciler) run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		r.tick(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (r *reconciler) tick(ctx context.Context) {
	offline, err := r.engine.Offline(ctx)
	if err != nil {
		r.logger.Printf("reconciler: read offline flag: %v", err)
		return
	}
	if !offline {
		n, err := r.engine.Repo.CountPending(ctx)
		if err != nil {
			r.logger.Printf("reconciler: count pending: %v", err)
			return
		}
		if n > 0 {
			res, err := r.engine.Reconcile(ctx)
			if err != nil {
				r.logger.Printf("reconciler: %v", err)
			} else {
				r.logger.Printf("reconciler: synced=%d conflicts=%d", res.Synced, res.Conflicts)
			}
		}
	}
	if time.Since(r.lastPurge) >= defaultPurgeInterval {
		r.lastPurge = time.Now()
		if n, err := r.engine.PurgeIdempotency(ctx); err != nil {
			r.logger.Printf("reconciler: purge idempotency: %v", err)
		} else if n > 0 {
			r.logger.Printf("reconciler: purged %d idempotency records", n)
		}
	}
}
