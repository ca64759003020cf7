package services

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/example/paylink/internal/metrics"
	"github.com/example/paylink/internal/models"
)

// Activator grants the entitlement a confirmed payment paid for. The call
// may be repeated for the same payment after a crash between the grant and
// the flag flip, so implementations must deduplicate by payment id.
type Activator interface {
	Activate(ctx context.Context, payment *models.Payment) error
}

// ActivatorFunc adapts a function to the Activator interface.
type ActivatorFunc func(ctx context.Context, payment *models.Payment) error

func (f ActivatorFunc) Activate(ctx context.Context, payment *models.Payment) error {
	return f(ctx, payment)
}

// ActivationService performs the downstream side effect of a confirmed
// payment exactly once. The activation_fired flag is flipped in the same
// locked transaction that records a successful grant, so duplicate confirm
// signals and dispatcher retries cannot re-grant.
type ActivationService struct {
	db        *gorm.DB
	activator Activator
	notifier  *TelegramService

	maxAttempts int
	baseDelay   time.Duration
}

func NewActivationService(db *gorm.DB, activator Activator, notifier *TelegramService) *ActivationService {
	return &ActivationService{
		db:          db,
		activator:   activator,
		notifier:    notifier,
		maxAttempts: 5,
		baseDelay:   2 * time.Second,
	}
}

// Dispatch attempts the activation once and, on failure, hands it to a
// background retry loop. The confirmed state is never rolled back; the
// effect is only deferred until a retry succeeds.
func (s *ActivationService) Dispatch(ctx context.Context, paymentID uuid.UUID) {
	if err := s.attempt(ctx, paymentID); err != nil {
		log.Printf("[Activation] payment %s: dispatch failed, scheduling retries: %v", paymentID, err)
		go s.retryLoop(paymentID)
	}
}

// attempt runs one activation try under the row lock. It is a no-op when the
// flag is already set or the record is not confirmed.
func (s *ActivationService) attempt(ctx context.Context, paymentID uuid.UUID) error {
	var activated *models.Payment

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		query := tx
		if tx.Dialector.Name() == "postgres" {
			query = tx.Clauses(clause.Locking{Strength: "UPDATE"})
		}

		var payment models.Payment
		if err := query.First(&payment, "id = ?", paymentID).Error; err != nil {
			return err
		}

		if payment.ActivationFired {
			return nil
		}
		if payment.State != models.PaymentStateConfirmed {
			return fmt.Errorf("payment %s is %s, not confirmed", payment.ID, payment.State)
		}

		if err := s.activator.Activate(ctx, &payment); err != nil {
			return fmt.Errorf("entitlement grant: %w", err)
		}

		now := time.Now().UTC()
		if err := tx.Model(&models.Payment{}).
			Where("id = ?", payment.ID).
			Updates(map[string]any{
				"activation_fired": true,
				"activated_at":     &now,
			}).Error; err != nil {
			return err
		}

		payment.ActivationFired = true
		payment.ActivatedAt = &now
		activated = &payment
		return nil
	})
	if err != nil {
		return err
	}

	if activated != nil {
		metrics.ActivationsTotal.Inc()
		log.Printf("[Activation] payment %s: entitlement activated", activated.ID)
		s.notify(activated)
	}
	return nil
}

func (s *ActivationService) retryLoop(paymentID uuid.UUID) {
	delay := s.baseDelay
	for attempt := 2; attempt <= s.maxAttempts; attempt++ {
		time.Sleep(delay)
		delay *= 2

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		err := s.attempt(ctx, paymentID)
		cancel()
		if err == nil {
			return
		}
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return
		}
		log.Printf("[Activation] payment %s: retry %d/%d failed: %v", paymentID, attempt, s.maxAttempts, err)
	}
	log.Printf("[Activation] payment %s: giving up after %d attempts, activation still pending", paymentID, s.maxAttempts)
}

func (s *ActivationService) notify(payment *models.Payment) {
	if s.notifier == nil {
		return
	}
	go func() {
		if err := s.notifier.NotifyPaymentConfirmed(PaymentNotification{
			PaymentID:  payment.ID.String(),
			OrderRef:   payment.OrderRef,
			Amount:     payment.Amount,
			Currency:   payment.Currency,
			UserChatID: payment.UserChatID,
		}); err != nil {
			log.Printf("[Activation] payment %s: notification failed: %v", payment.ID, err)
		}
	}()
}
