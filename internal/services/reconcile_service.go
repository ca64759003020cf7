package services

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"github.com/example/paylink/internal/gateway"
	"github.com/example/paylink/internal/metrics"
	"github.com/example/paylink/internal/models"
)

// ErrUnrecognizedOrder is returned for signals that do not resolve to a
// known payment record (test traffic, foreign merchant ids).
var ErrUnrecognizedOrder = errors.New("unrecognized order")

// GatewayAPI is the outbound gateway surface the engine depends on.
type GatewayAPI interface {
	CreateTransaction(ctx context.Context, params gateway.CreateParams) (*gateway.CreateResult, error)
	GetStatus(ctx context.Context, transactionID string) (gateway.Status, error)
}

// Outcome reports what a terminal signal did to the record.
type Outcome string

const (
	// OutcomeCommitted means this signal performed the transition.
	OutcomeCommitted Outcome = "committed"
	// OutcomeDuplicate means the record was already in the reported state.
	OutcomeDuplicate Outcome = "duplicate"
	// OutcomeAnomaly means the signal conflicted with an already-committed
	// terminal state and was discarded.
	OutcomeAnomaly Outcome = "anomaly"
	// OutcomeIgnored means the signal carried no actionable state
	// (unknown status, or the record is not ready for it).
	OutcomeIgnored Outcome = "ignored"
)

// Signal is one terminal-status report from the webhook, the poll path or
// the reaper. Either PaymentID or TransactionID identifies the record.
type Signal struct {
	PaymentID     uuid.UUID
	TransactionID string
	Status        gateway.Status
	Source        string
}

// CreateOrderParams describes a new purchase attempt.
type CreateOrderParams struct {
	Amount      decimal.Decimal
	Currency    string
	OrderRef    string
	UserChatID  string
	Description string
}

// ReconcileService owns the payment state machine. All state and
// activation-flag writes funnel through it; webhook, poll and reaper only
// propose transitions. Transitions are serialized per payment id.
type ReconcileService struct {
	db         *gorm.DB
	gateway    GatewayAPI
	activation *ActivationService

	mu    sync.Mutex
	locks map[uuid.UUID]*sync.Mutex
}

func NewReconcileService(db *gorm.DB, gw GatewayAPI, activation *ActivationService) *ReconcileService {
	return &ReconcileService{
		db:         db,
		gateway:    gw,
		activation: activation,
		locks:      make(map[uuid.UUID]*sync.Mutex),
	}
}

// lockPayment acquires the per-payment critical section. Entries are kept for
// the life of the process; the map is bounded by the number of distinct
// payments seen since startup.
func (s *ReconcileService) lockPayment(id uuid.UUID) func() {
	s.mu.Lock()
	l, ok := s.locks[id]
	if !ok {
		l = &sync.Mutex{}
		s.locks[id] = l
	}
	s.mu.Unlock()

	l.Lock()
	return l.Unlock
}

// CreateOrder creates a payment record and registers it with the gateway.
// On success the record is pending and carries the gateway transaction id and
// payment URL. A permanent gateway rejection moves the record to failed; a
// transient failure leaves it created so the same record (and the same
// gateway order reference) is reused on retry.
func (s *ReconcileService) CreateOrder(ctx context.Context, params CreateOrderParams) (*models.Payment, error) {
	if !params.Amount.IsPositive() {
		return nil, fmt.Errorf("amount must be positive")
	}
	currency := strings.ToUpper(strings.TrimSpace(params.Currency))
	if len(currency) != 3 {
		return nil, fmt.Errorf("currency must be a 3-letter code")
	}

	payment, err := s.findOrCreateRecord(ctx, params, currency)
	if err != nil {
		return nil, err
	}
	if payment.State != models.PaymentStateCreated {
		// Idempotent re-submit of an order that already went out.
		return payment, nil
	}

	unlock := s.lockPayment(payment.ID)
	defer unlock()

	// Re-read under the lock: a concurrent submit may have advanced it.
	if err := s.db.WithContext(ctx).First(payment, "id = ?", payment.ID).Error; err != nil {
		return nil, err
	}
	if payment.State != models.PaymentStateCreated {
		return payment, nil
	}

	result, err := s.gateway.CreateTransaction(ctx, gateway.CreateParams{
		Amount:      payment.Amount,
		Currency:    payment.Currency,
		OrderRef:    payment.ID.String(),
		Description: payment.Description,
	})
	if err != nil {
		if gateway.IsPermanent(err) {
			if _, ferr := s.commit(ctx, payment, models.PaymentStateFailed, models.SourceGateway, err.Error(), nil); ferr != nil {
				log.Printf("[Reconcile] payment %s: failed to record permanent gateway error: %v", payment.ID, ferr)
			}
			return payment, err
		}
		// Transient: stay created, safe to retry with the same order ref.
		log.Printf("[Reconcile] payment %s: create-transaction failed transiently: %v", payment.ID, err)
		return payment, err
	}

	extra := map[string]any{
		"gateway_transaction_id": result.TransactionID,
		"payment_url":            result.PaymentURL,
	}
	if _, err := s.commit(ctx, payment, models.PaymentStatePending, models.SourceGateway, "", extra); err != nil {
		return nil, err
	}
	return payment, nil
}

func (s *ReconcileService) findOrCreateRecord(ctx context.Context, params CreateOrderParams, currency string) (*models.Payment, error) {
	if params.OrderRef != "" {
		var existing models.Payment
		err := s.db.WithContext(ctx).Where("order_ref = ?", params.OrderRef).First(&existing).Error
		if err == nil {
			return &existing, nil
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, err
		}
	}

	payment := &models.Payment{
		OrderRef:       params.OrderRef,
		Amount:         params.Amount,
		Currency:       currency,
		State:          models.PaymentStateCreated,
		StateUpdatedAt: time.Now().UTC(),
		UserChatID:     params.UserChatID,
		Description:    params.Description,
	}
	if err := s.db.WithContext(ctx).Create(payment).Error; err != nil {
		// A concurrent submit of the same order ref can insert between our
		// read and this create; the partial unique index rejects the loser,
		// which then adopts the winner's record.
		if params.OrderRef != "" {
			var winner models.Payment
			if rerr := s.db.WithContext(ctx).Where("order_ref = ?", params.OrderRef).First(&winner).Error; rerr == nil {
				return &winner, nil
			}
		}
		return nil, err
	}
	return payment, nil
}

// ApplySignal funnels a terminal-status report through the per-payment
// critical section. First writer wins; a repeat of the committed status is a
// no-op and a conflicting terminal status is discarded as an anomaly.
func (s *ReconcileService) ApplySignal(ctx context.Context, sig Signal) (Outcome, error) {
	payment, err := s.resolve(ctx, sig)
	if err != nil {
		return OutcomeIgnored, err
	}

	switch sig.Status {
	case gateway.StatusConfirmed:
		return s.propose(ctx, payment.ID, models.PaymentStateConfirmed, sig.Source, "")
	case gateway.StatusCanceled:
		return s.propose(ctx, payment.ID, models.PaymentStateCanceled, sig.Source, "")
	case gateway.StatusPending:
		return OutcomeIgnored, nil
	default:
		// Unknown statuses are informational only. They leave the record
		// pending and do not reset the expiry clock.
		log.Printf("[Reconcile] payment %s: ignoring unknown gateway status from %s", payment.ID, sig.Source)
		return OutcomeIgnored, nil
	}
}

// Expire proposes the reaper's expired transition. It loses any race with a
// terminal signal that committed first.
func (s *ReconcileService) Expire(ctx context.Context, paymentID uuid.UUID) (Outcome, error) {
	return s.propose(ctx, paymentID, models.PaymentStateExpired, models.SourceReaper, "pending past TTL")
}

// RefreshStatus polls the gateway for one pending payment and applies the
// result through the same funnel as the webhook.
func (s *ReconcileService) RefreshStatus(ctx context.Context, paymentID uuid.UUID) (Outcome, error) {
	var payment models.Payment
	if err := s.db.WithContext(ctx).First(&payment, "id = ?", paymentID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return OutcomeIgnored, ErrUnrecognizedOrder
		}
		return OutcomeIgnored, err
	}
	if payment.State != models.PaymentStatePending || payment.GatewayTransactionID == "" {
		return OutcomeIgnored, nil
	}

	status, err := s.gateway.GetStatus(ctx, payment.GatewayTransactionID)
	if err != nil {
		return OutcomeIgnored, err
	}

	return s.ApplySignal(ctx, Signal{
		PaymentID: payment.ID,
		Status:    status,
		Source:    models.SourcePoll,
	})
}

func (s *ReconcileService) resolve(ctx context.Context, sig Signal) (*models.Payment, error) {
	var payment models.Payment

	if sig.PaymentID != uuid.Nil {
		err := s.db.WithContext(ctx).First(&payment, "id = ?", sig.PaymentID).Error
		if err == nil {
			return &payment, nil
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, err
		}
	}

	if sig.TransactionID != "" {
		err := s.db.WithContext(ctx).Where("gateway_transaction_id = ?", sig.TransactionID).First(&payment).Error
		if err == nil {
			return &payment, nil
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, err
		}
	}

	return nil, ErrUnrecognizedOrder
}

// propose runs one transition attempt inside the per-payment critical
// section and dispatches activation after a durable confirmed commit.
func (s *ReconcileService) propose(ctx context.Context, paymentID uuid.UUID, target models.PaymentState, source, note string) (Outcome, error) {
	unlock := s.lockPayment(paymentID)
	defer unlock()

	var payment models.Payment
	if err := s.db.WithContext(ctx).First(&payment, "id = ?", paymentID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return OutcomeIgnored, ErrUnrecognizedOrder
		}
		return OutcomeIgnored, err
	}

	if payment.State == target {
		// Idempotent repeat. A confirmed repeat may still need to finish a
		// previously failed activation dispatch.
		if target == models.PaymentStateConfirmed && !payment.ActivationFired {
			s.activation.Dispatch(ctx, payment.ID)
		}
		return OutcomeDuplicate, nil
	}

	if payment.State.IsTerminal() {
		log.Printf("[Reconcile] payment %s: anomaly: %s signal %q conflicts with committed state %q",
			payment.ID, source, target, payment.State)
		metrics.IncAnomaly(source)
		s.logTransition(ctx, payment.ID, payment.State, target, source, false, "conflicting terminal signal discarded")
		return OutcomeAnomaly, nil
	}

	if payment.State != models.PaymentStatePending {
		// Terminal signals act on pending records only. A webhook racing
		// ahead of our own create response is retried by the gateway and
		// backstopped by the poll path.
		log.Printf("[Reconcile] payment %s: %s signal %q arrived in state %q, ignoring",
			payment.ID, source, target, payment.State)
		return OutcomeIgnored, nil
	}

	outcome, err := s.commit(ctx, &payment, target, source, note, nil)
	if err != nil {
		return OutcomeIgnored, err
	}
	if outcome != OutcomeCommitted {
		return outcome, nil
	}

	if target == models.PaymentStateConfirmed {
		s.activation.Dispatch(ctx, payment.ID)
	}

	return OutcomeCommitted, nil
}

// commit performs the state-guarded update and appends the audit row. The
// WHERE clause on the old state is the durable arbiter when several process
// instances share the database.
func (s *ReconcileService) commit(ctx context.Context, payment *models.Payment, target models.PaymentState, source, note string, extra map[string]any) (Outcome, error) {
	from := payment.State
	now := time.Now().UTC()

	updates := map[string]any{
		"state":            target,
		"state_source":     source,
		"state_updated_at": now,
	}
	for k, v := range extra {
		updates[k] = v
	}

	res := s.db.WithContext(ctx).
		Model(&models.Payment{}).
		Where("id = ? AND state = ?", payment.ID, from).
		Updates(updates)
	if res.Error != nil {
		return OutcomeIgnored, res.Error
	}
	if res.RowsAffected == 0 {
		log.Printf("[Reconcile] payment %s: lost %s -> %s race to another writer", payment.ID, from, target)
		return OutcomeAnomaly, nil
	}

	payment.State = target
	payment.StateSource = source
	payment.StateUpdatedAt = now
	if extra != nil {
		if v, ok := extra["gateway_transaction_id"].(string); ok {
			payment.GatewayTransactionID = v
		}
		if v, ok := extra["payment_url"].(string); ok {
			payment.PaymentURL = v
		}
	}

	metrics.IncTransition(string(target), source)
	s.logTransition(ctx, payment.ID, from, target, source, true, note)
	log.Printf("[Reconcile] payment %s: %s -> %s (%s)", payment.ID, from, target, source)

	return OutcomeCommitted, nil
}

func (s *ReconcileService) logTransition(ctx context.Context, paymentID uuid.UUID, from, to models.PaymentState, source string, committed bool, note string) {
	entry := models.PaymentTransition{
		PaymentID: paymentID.String(),
		FromState: from,
		ToState:   to,
		Source:    source,
		Committed: committed,
		Note:      note,
	}
	if err := s.db.WithContext(ctx).Create(&entry).Error; err != nil {
		log.Printf("[Reconcile] payment %s: failed to append transition log: %v", paymentID, err)
	}
}
