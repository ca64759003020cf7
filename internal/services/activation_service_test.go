package services

import (
	"context"
	"testing"

	"github.com/example/paylink/internal/gateway"
	"github.com/example/paylink/internal/models"
)

func TestActivationFailureLeavesFlagUnsetAndStatePreserved(t *testing.T) {
	engine, db, _, act := newTestEngine(t)
	act.failures = 100 // every attempt fails

	payment := createPendingPayment(t, engine, "100.00")
	if _, err := engine.ApplySignal(context.Background(), Signal{
		TransactionID: payment.GatewayTransactionID,
		Status:        gateway.StatusConfirmed,
		Source:        models.SourceWebhook,
	}); err != nil {
		t.Fatalf("confirm: %v", err)
	}

	stored := loadPayment(t, db, payment.ID)
	if stored.State != models.PaymentStateConfirmed {
		t.Fatalf("confirmed state must survive activation failure, got %s", stored.State)
	}
	if stored.ActivationFired {
		t.Fatal("activation_fired must stay false until the grant succeeds")
	}
}

func TestActivationRetryAfterFailureFiresExactlyOnce(t *testing.T) {
	engine, db, _, act := newTestEngine(t)
	act.failures = 1 // first attempt fails, the next succeeds

	payment := createPendingPayment(t, engine, "100.00")
	if _, err := engine.ApplySignal(context.Background(), Signal{
		TransactionID: payment.GatewayTransactionID,
		Status:        gateway.StatusConfirmed,
		Source:        models.SourceWebhook,
	}); err != nil {
		t.Fatalf("confirm: %v", err)
	}

	if loadPayment(t, db, payment.ID).ActivationFired {
		t.Fatal("first failed attempt must not set the flag")
	}

	// A duplicate confirmed signal re-drives the pending activation.
	if _, err := engine.ApplySignal(context.Background(), Signal{
		TransactionID: payment.GatewayTransactionID,
		Status:        gateway.StatusConfirmed,
		Source:        models.SourcePoll,
	}); err != nil {
		t.Fatalf("duplicate confirm: %v", err)
	}

	stored := loadPayment(t, db, payment.ID)
	if !stored.ActivationFired {
		t.Fatal("expected activation to fire on retry")
	}
	if stored.ActivatedAt == nil {
		t.Fatal("expected activated_at to be set")
	}
	if got := act.grantCount(); got != 1 {
		t.Fatalf("expected exactly one grant, got %d", got)
	}
}

func TestDispatchIsNoOpWhenAlreadyFired(t *testing.T) {
	engine, db, _, act := newTestEngine(t)

	payment := createPendingPayment(t, engine, "100.00")
	if _, err := engine.ApplySignal(context.Background(), Signal{
		TransactionID: payment.GatewayTransactionID,
		Status:        gateway.StatusConfirmed,
		Source:        models.SourceWebhook,
	}); err != nil {
		t.Fatalf("confirm: %v", err)
	}

	engine.activation.Dispatch(context.Background(), payment.ID)
	engine.activation.Dispatch(context.Background(), payment.ID)

	if got := act.grantCount(); got != 1 {
		t.Fatalf("expected exactly one grant, got %d", got)
	}
	if !loadPayment(t, db, payment.ID).ActivationFired {
		t.Fatal("expected flag to remain set")
	}
}
