package services

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"

	"github.com/shopspring/decimal"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/example/paylink/internal/gateway"
	"github.com/example/paylink/internal/models"
)

func newServiceDBForTest(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", strings.ReplaceAll(t.Name(), "/", "_"))
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("unwrap sql.DB: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)

	if err := db.AutoMigrate(
		&models.Payment{},
		&models.PaymentTransition{},
		&models.AdminUser{},
	); err != nil {
		t.Fatalf("migrate db: %v", err)
	}
	return db
}

type fakeGateway struct {
	mu        sync.Mutex
	createFn  func(params gateway.CreateParams) (*gateway.CreateResult, error)
	statusFn  func(transactionID string) (gateway.Status, error)
	createHit int
	statusHit int
}

func (f *fakeGateway) CreateTransaction(_ context.Context, params gateway.CreateParams) (*gateway.CreateResult, error) {
	f.mu.Lock()
	f.createHit++
	fn := f.createFn
	f.mu.Unlock()
	if fn == nil {
		return &gateway.CreateResult{TransactionID: "T-" + params.OrderRef, PaymentURL: "https://pay.example/" + params.OrderRef}, nil
	}
	return fn(params)
}

func (f *fakeGateway) GetStatus(_ context.Context, transactionID string) (gateway.Status, error) {
	f.mu.Lock()
	f.statusHit++
	fn := f.statusFn
	f.mu.Unlock()
	if fn == nil {
		return gateway.StatusPending, nil
	}
	return fn(transactionID)
}

type countingActivator struct {
	mu       sync.Mutex
	grants   int
	failures int
}

func (a *countingActivator) Activate(_ context.Context, _ *models.Payment) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.failures > 0 {
		a.failures--
		return fmt.Errorf("entitlement system unreachable")
	}
	a.grants++
	return nil
}

func (a *countingActivator) grantCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.grants
}

func newTestEngine(t *testing.T) (*ReconcileService, *gorm.DB, *fakeGateway, *countingActivator) {
	t.Helper()
	db := newServiceDBForTest(t)
	gw := &fakeGateway{}
	act := &countingActivator{}
	activation := NewActivationService(db, act, nil)
	// Background retries make exactly-once assertions racy in tests.
	activation.maxAttempts = 1
	engine := NewReconcileService(db, gw, activation)
	return engine, db, gw, act
}

func createPendingPayment(t *testing.T, engine *ReconcileService, amount string) *models.Payment {
	t.Helper()
	amt, err := decimal.NewFromString(amount)
	if err != nil {
		t.Fatalf("parse amount: %v", err)
	}
	payment, err := engine.CreateOrder(context.Background(), CreateOrderParams{
		Amount:   amt,
		Currency: "RUB",
	})
	if err != nil {
		t.Fatalf("create order: %v", err)
	}
	if payment.State != models.PaymentStatePending {
		t.Fatalf("expected pending after create, got %s", payment.State)
	}
	return payment
}

func loadPayment(t *testing.T, db *gorm.DB, id any) *models.Payment {
	t.Helper()
	var payment models.Payment
	if err := db.First(&payment, "id = ?", id).Error; err != nil {
		t.Fatalf("load payment: %v", err)
	}
	return &payment
}
