package services

import (
	"context"
	"log"
	"time"

	"gorm.io/gorm"

	"github.com/example/paylink/internal/models"
)

// Reaper expires payments that stayed pending past the TTL. It proposes
// transitions through the reconcile service, so it loses any race against a
// late terminal signal and never overrides a committed state.
type Reaper struct {
	db       *gorm.DB
	engine   *ReconcileService
	ttl      time.Duration
	interval time.Duration
}

func NewReaper(db *gorm.DB, engine *ReconcileService, ttl, interval time.Duration) *Reaper {
	return &Reaper{db: db, engine: engine, ttl: ttl, interval: interval}
}

// Run sweeps on a ticker until ctx is canceled.
func (r *Reaper) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	log.Printf("[Reaper] started, ttl=%s interval=%s", r.ttl, r.interval)
	for {
		select {
		case <-ctx.Done():
			log.Printf("[Reaper] stopped")
			return
		case <-ticker.C:
			r.Sweep(ctx)
		}
	}
}

// Sweep expires every pending payment whose last transition is older than
// the TTL. Informational signals do not touch state_updated_at, so they do
// not reset the clock.
func (r *Reaper) Sweep(ctx context.Context) {
	cutoff := time.Now().UTC().Add(-r.ttl)

	var stale []models.Payment
	if err := r.db.WithContext(ctx).
		Where("state = ? AND state_updated_at < ?", models.PaymentStatePending, cutoff).
		Find(&stale).Error; err != nil {
		log.Printf("[Reaper] sweep query failed: %v", err)
		return
	}

	for _, payment := range stale {
		outcome, err := r.engine.Expire(ctx, payment.ID)
		if err != nil {
			log.Printf("[Reaper] payment %s: expire failed: %v", payment.ID, err)
			continue
		}
		if outcome == OutcomeCommitted {
			log.Printf("[Reaper] payment %s: expired after %s pending", payment.ID, r.ttl)
		}
	}
}
