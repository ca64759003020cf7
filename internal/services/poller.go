package services

import (
	"context"
	"errors"
	"log"
	"time"

	"gorm.io/gorm"

	"github.com/example/paylink/internal/models"
)

// Poller periodically asks the gateway for the status of pending payments.
// It is the second, independent signal path next to the webhook; both feed
// the same reconcile funnel, so whichever reports first wins.
type Poller struct {
	db       *gorm.DB
	engine   *ReconcileService
	interval time.Duration
	minAge   time.Duration
}

func NewPoller(db *gorm.DB, engine *ReconcileService, interval, minAge time.Duration) *Poller {
	return &Poller{db: db, engine: engine, interval: interval, minAge: minAge}
}

// Run polls on a ticker until ctx is canceled.
func (p *Poller) Run(ctx context.Context) {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	log.Printf("[Poller] started, interval=%s", p.interval)
	for {
		select {
		case <-ctx.Done():
			log.Printf("[Poller] stopped")
			return
		case <-ticker.C:
			p.Sweep(ctx)
		}
	}
}

// Sweep polls every pending payment old enough to be worth asking about.
// Gateway errors on one payment never affect another.
func (p *Poller) Sweep(ctx context.Context) {
	cutoff := time.Now().UTC().Add(-p.minAge)

	var pending []models.Payment
	if err := p.db.WithContext(ctx).
		Where("state = ? AND gateway_transaction_id <> '' AND state_updated_at < ?", models.PaymentStatePending, cutoff).
		Find(&pending).Error; err != nil {
		log.Printf("[Poller] sweep query failed: %v", err)
		return
	}

	for _, payment := range pending {
		callCtx, cancel := context.WithTimeout(ctx, 20*time.Second)
		_, err := p.engine.RefreshStatus(callCtx, payment.ID)
		cancel()
		if err != nil && !errors.Is(err, ErrUnrecognizedOrder) {
			log.Printf("[Poller] payment %s: status poll failed: %v", payment.ID, err)
		}
	}
}
