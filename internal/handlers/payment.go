package handlers

import (
	"errors"
	"log"
	"strings"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"github.com/example/paylink/internal/gateway"
	"github.com/example/paylink/internal/metrics"
	"github.com/example/paylink/internal/models"
	"github.com/example/paylink/internal/services"
	"github.com/example/paylink/internal/utils"
)

// PaymentHandler exposes the checkout, webhook and status endpoints.
type PaymentHandler struct {
	db       *gorm.DB
	engine   *services.ReconcileService
	notifier *services.TelegramService
}

func NewPaymentHandler(db *gorm.DB, engine *services.ReconcileService, notifier *services.TelegramService) *PaymentHandler {
	return &PaymentHandler{db: db, engine: engine, notifier: notifier}
}

type checkoutRequest struct {
	Amount      decimal.Decimal `json:"amount"`
	Currency    string          `json:"currency"`
	OrderRef    string          `json:"orderRef"`
	ChatID      string          `json:"chatId"`
	Description string          `json:"description"`
}

// Checkout creates a payment record, registers it with the gateway and
// returns the hosted payment link.
func (h *PaymentHandler) Checkout(c *fiber.Ctx) error {
	var req checkoutRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "invalid request body")
	}

	if !req.Amount.IsPositive() {
		return fiber.NewError(fiber.StatusBadRequest, "invalid amount")
	}

	payment, err := h.engine.CreateOrder(c.Context(), services.CreateOrderParams{
		Amount:      req.Amount.Round(2),
		Currency:    req.Currency,
		OrderRef:    strings.TrimSpace(req.OrderRef),
		UserChatID:  strings.TrimSpace(req.ChatID),
		Description: strings.TrimSpace(req.Description),
	})
	if err != nil {
		if payment != nil && payment.State == models.PaymentStateFailed {
			h.notifyFailure(payment, "платёжная система отклонила заказ")
			return fiber.NewError(fiber.StatusBadGateway, "payment gateway rejected the order")
		}
		if payment != nil {
			// Transient gateway trouble; the record stays created and the
			// same order can be re-submitted.
			return fiber.NewError(fiber.StatusBadGateway, "payment gateway unavailable, retry later")
		}
		return fiber.NewError(fiber.StatusBadRequest, err.Error())
	}

	return c.JSON(fiber.Map{
		"payment_id":  payment.ID,
		"payment_url": payment.PaymentURL,
		"state":       payment.State,
	})
}

type webhookRequest struct {
	ID       string `json:"id"`
	Status   string `json:"status"`
	OrderID  string `json:"orderId"`
	Amount   string `json:"amount"`
	Currency string `json:"currency"`
}

// Webhook handles gateway callbacks. Authenticity is checked by the gateway
// auth middleware before this handler runs. The gateway retries delivery on
// any non-2xx response, so duplicates and already-settled records are
// acknowledged with 200.
func (h *PaymentHandler) Webhook(c *fiber.Ctx) error {
	var req webhookRequest
	if err := c.BodyParser(&req); err != nil {
		metrics.IncWebhook("malformed")
		return fiber.NewError(fiber.StatusBadRequest, "invalid request body")
	}

	if req.ID == "" || req.Status == "" {
		metrics.IncWebhook("malformed")
		return fiber.NewError(fiber.StatusBadRequest, "missing id or status")
	}

	sig := services.Signal{
		TransactionID: req.ID,
		Status:        gateway.ParseStatus(req.Status),
		Source:        models.SourceWebhook,
	}
	if req.OrderID != "" {
		if paymentID, err := uuid.Parse(req.OrderID); err == nil {
			sig.PaymentID = paymentID
		}
	}

	h.checkAmount(c, req)

	outcome, err := h.engine.ApplySignal(c.Context(), sig)
	if err != nil {
		if errors.Is(err, services.ErrUnrecognizedOrder) {
			metrics.IncWebhook("unrecognized")
			log.Printf("[Webhook] no payment for transaction %s (order %q)", req.ID, req.OrderID)
			return fiber.NewError(fiber.StatusNotFound, "payment not found")
		}
		metrics.IncWebhook("error")
		return err
	}

	metrics.IncWebhook(string(outcome))
	return c.SendString("OK")
}

// checkAmount compares the reported amount against the record. A mismatch is
// logged for operators but does not block reconciliation.
func (h *PaymentHandler) checkAmount(c *fiber.Ctx, req webhookRequest) {
	if req.Amount == "" || req.OrderID == "" {
		return
	}
	paymentID, err := uuid.Parse(req.OrderID)
	if err != nil {
		return
	}
	reported, err := decimal.NewFromString(req.Amount)
	if err != nil {
		return
	}

	var payment models.Payment
	if err := h.db.WithContext(c.Context()).First(&payment, "id = ?", paymentID).Error; err != nil {
		return
	}
	if !payment.Amount.Round(2).Equal(reported.Round(2)) {
		log.Printf("[Webhook] payment %s: amount mismatch (expected %s, reported %s)",
			payment.ID, payment.Amount.StringFixed(2), reported.StringFixed(2))
	}
}

// GetPayment returns one payment record. With ?refresh=1 it polls the
// gateway first.
func (h *PaymentHandler) GetPayment(c *fiber.Ctx) error {
	paymentID, err := uuid.Parse(c.Params("id"))
	if err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "invalid payment id")
	}

	if c.Query("refresh") == "1" {
		if _, err := h.engine.RefreshStatus(c.Context(), paymentID); err != nil && !errors.Is(err, services.ErrUnrecognizedOrder) {
			log.Printf("[Payments] payment %s: refresh failed: %v", paymentID, err)
		}
	}

	var payment models.Payment
	if err := h.db.WithContext(c.Context()).First(&payment, "id = ?", paymentID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return fiber.NewError(fiber.StatusNotFound, "payment not found")
		}
		return err
	}

	return c.JSON(payment)
}

// ListPayments returns payment history with optional filters.
func (h *PaymentHandler) ListPayments(c *fiber.Ctx) error {
	pg := utils.ParsePagination(c)
	query := h.db.WithContext(c.Context()).Model(&models.Payment{})

	if state := strings.TrimSpace(c.Query("state")); state != "" {
		query = query.Where("state = ?", state)
	}
	if orderRef := strings.TrimSpace(c.Query("order_ref")); orderRef != "" {
		query = query.Where("order_ref = ?", orderRef)
	}

	var total int64
	if err := query.Count(&total).Error; err != nil {
		return err
	}

	var payments []models.Payment
	if err := query.
		Order("created_at desc").
		Limit(pg.Limit).
		Offset(pg.Offset).
		Find(&payments).Error; err != nil {
		return err
	}

	return c.JSON(fiber.Map{
		"success": true,
		"data":    payments,
		"pagination": fiber.Map{
			"current_page":   pg.Page,
			"items_per_page": pg.Limit,
			"total_items":    total,
		},
	})
}

// ListTransitions returns the audit log for one payment.
func (h *PaymentHandler) ListTransitions(c *fiber.Ctx) error {
	paymentID, err := uuid.Parse(c.Params("id"))
	if err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "invalid payment id")
	}

	var transitions []models.PaymentTransition
	if err := h.db.WithContext(c.Context()).
		Where("payment_id = ?", paymentID.String()).
		Order("created_at asc").
		Find(&transitions).Error; err != nil {
		return err
	}

	return c.JSON(fiber.Map{"success": true, "data": transitions})
}

func (h *PaymentHandler) notifyFailure(payment *models.Payment, reason string) {
	if h.notifier == nil {
		return
	}
	go func() {
		if err := h.notifier.NotifyPaymentFailed(services.PaymentNotification{
			PaymentID:  payment.ID.String(),
			OrderRef:   payment.OrderRef,
			Amount:     payment.Amount,
			Currency:   payment.Currency,
			UserChatID: payment.UserChatID,
			Reason:     reason,
		}); err != nil {
			log.Printf("[Payments] payment %s: failure notification failed: %v", payment.ID, err)
		}
	}()
}
