package services

import (
	"context"
	"testing"
	"time"

	"github.com/example/paylink/internal/gateway"
	"github.com/example/paylink/internal/models"
)

func backdatePayment(t *testing.T, engine *ReconcileService, payment *models.Payment, age time.Duration) {
	t.Helper()
	if err := engine.db.Model(&models.Payment{}).
		Where("id = ?", payment.ID).
		Update("state_updated_at", time.Now().UTC().Add(-age)).Error; err != nil {
		t.Fatalf("backdate payment: %v", err)
	}
}

func TestReaperExpiresOnlyStalePendingPayments(t *testing.T) {
	engine, db, _, _ := newTestEngine(t)

	stale := createPendingPayment(t, engine, "100.00")
	fresh := createPendingPayment(t, engine, "200.00")
	settled := createPendingPayment(t, engine, "300.00")

	if _, err := engine.ApplySignal(context.Background(), Signal{
		TransactionID: settled.GatewayTransactionID,
		Status:        gateway.StatusConfirmed,
		Source:        models.SourceWebhook,
	}); err != nil {
		t.Fatalf("confirm settled: %v", err)
	}

	backdatePayment(t, engine, stale, 2*time.Hour)
	backdatePayment(t, engine, settled, 2*time.Hour)

	reaper := NewReaper(db, engine, time.Hour, time.Minute)
	reaper.Sweep(context.Background())

	if got := loadPayment(t, db, stale.ID).State; got != models.PaymentStateExpired {
		t.Fatalf("expected stale payment expired, got %s", got)
	}
	if got := loadPayment(t, db, fresh.ID).State; got != models.PaymentStatePending {
		t.Fatalf("expected fresh payment untouched, got %s", got)
	}
	if got := loadPayment(t, db, settled.ID).State; got != models.PaymentStateConfirmed {
		t.Fatalf("reaper must never touch a settled payment, got %s", got)
	}
}

func TestReaperSweepRecordsReaperAsSource(t *testing.T) {
	engine, db, _, _ := newTestEngine(t)

	payment := createPendingPayment(t, engine, "100.00")
	backdatePayment(t, engine, payment, time.Hour)

	reaper := NewReaper(db, engine, 30*time.Minute, time.Minute)
	reaper.Sweep(context.Background())

	stored := loadPayment(t, db, payment.ID)
	if stored.State != models.PaymentStateExpired {
		t.Fatalf("expected expired, got %s", stored.State)
	}
	if stored.StateSource != models.SourceReaper {
		t.Fatalf("expected reaper source, got %q", stored.StateSource)
	}
}
