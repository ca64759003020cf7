package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// PaymentState is the lifecycle state of a payment record.
type PaymentState string

const (
	PaymentStateCreated   PaymentState = "created"
	PaymentStatePending   PaymentState = "pending"
	PaymentStateConfirmed PaymentState = "confirmed"
	PaymentStateCanceled  PaymentState = "canceled"
	PaymentStateExpired   PaymentState = "expired"
	PaymentStateFailed    PaymentState = "failed"
)

// IsTerminal reports whether no further transition is permitted from s.
func (s PaymentState) IsTerminal() bool {
	switch s {
	case PaymentStateConfirmed, PaymentStateCanceled, PaymentStateExpired, PaymentStateFailed:
		return true
	}
	return false
}

// Signal sources recorded on committed transitions.
const (
	SourceWebhook = "webhook"
	SourcePoll    = "poll"
	SourceReaper  = "reaper"
	SourceGateway = "gateway"
)

// Payment stores one purchase attempt and its reconciliation state.
// State and ActivationFired are written only by the reconcile service.
type Payment struct {
	BaseModel
	OrderRef             string          `gorm:"column:order_ref;uniqueIndex:idx_payments_order_ref,where:order_ref <> ''" json:"order_ref"`
	GatewayTransactionID string          `gorm:"column:gateway_transaction_id;uniqueIndex:idx_payments_gateway_txn,where:gateway_transaction_id <> ''" json:"gateway_transaction_id"`
	Amount               decimal.Decimal `gorm:"type:numeric(14,2)" json:"amount"`
	Currency             string          `gorm:"size:3" json:"currency"`
	State                PaymentState    `gorm:"index" json:"state"`
	StateSource          string          `json:"state_source"`
	StateUpdatedAt       time.Time       `json:"state_updated_at"`
	ActivationFired      bool            `json:"activation_fired"`
	ActivatedAt          *time.Time      `json:"activated_at"`
	UserChatID           string          `json:"user_chat_id"`
	Description          string          `json:"description"`
	PaymentURL           string          `json:"payment_url"`
}

// PaymentTransition is an append-only audit row. Discarded anomalies are
// recorded here with Committed=false.
type PaymentTransition struct {
	BaseModel
	PaymentID string       `gorm:"index" json:"payment_id"`
	FromState PaymentState `json:"from_state"`
	ToState   PaymentState `json:"to_state"`
	Source    string       `json:"source"`
	Committed bool         `json:"committed"`
	Note      string       `json:"note"`
}

// AdminUser holds the single operator credential for the ops API.
type AdminUser struct {
	BaseModel
	Username     string `gorm:"uniqueIndex" json:"username"`
	PasswordHash string `json:"-"`
}
