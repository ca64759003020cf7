package services

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// TelegramService sends user and operator notifications through the
// Telegram Bot API. Notification failures are logged and never affect
// payment state.
type TelegramService struct {
	botToken    string
	adminChatID string
	httpClient  *http.Client
}

// NewTelegramService creates a new TelegramService.
func NewTelegramService(botToken, adminChatID string) *TelegramService {
	return &TelegramService{
		botToken:    botToken,
		adminChatID: adminChatID,
		httpClient:  &http.Client{Timeout: 10 * time.Second},
	}
}

type telegramMessage struct {
	ChatID    string `json:"chat_id"`
	Text      string `json:"text"`
	ParseMode string `json:"parse_mode"`
}

// SendMessage sends a message to the specified chat.
func (s *TelegramService) SendMessage(chatID, text string) error {
	if s.botToken == "" {
		log.Println("[Telegram] Bot token not configured")
		return nil
	}
	if chatID == "" {
		return nil
	}

	url := fmt.Sprintf("https://api.telegram.org/bot%s/sendMessage", s.botToken)

	msg := telegramMessage{
		ChatID:    chatID,
		Text:      text,
		ParseMode: "HTML",
	}

	body, err := json.Marshal(msg)
	if err != nil {
		return err
	}

	resp, err := s.httpClient.Post(url, "application/json", bytes.NewReader(body))
	if err != nil {
		log.Printf("[Telegram] Failed to send message: %v", err)
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		log.Printf("[Telegram] Unexpected status: %d", resp.StatusCode)
		return fmt.Errorf("telegram returned status %d", resp.StatusCode)
	}

	return nil
}

// SendToAdmin sends a message to the operator chat.
func (s *TelegramService) SendToAdmin(text string) error {
	if s.adminChatID == "" {
		log.Println("[Telegram] Admin chat ID not configured")
		return nil
	}
	return s.SendMessage(s.adminChatID, text)
}

// PaymentNotification carries the payment facts shown in notifications.
type PaymentNotification struct {
	PaymentID  string
	OrderRef   string
	Amount     decimal.Decimal
	Currency   string
	UserChatID string
	Reason     string
}

// FormatAmount renders an amount with its currency code.
func FormatAmount(amount decimal.Decimal, currency string) string {
	if currency == "" {
		currency = "RUB"
	}
	return amount.StringFixed(2) + " " + currency
}

// NotifyPaymentConfirmed tells the paying user their access is active and
// posts a payment-received notice to the operator chat.
func (s *TelegramService) NotifyPaymentConfirmed(payment PaymentNotification) error {
	userMsg := fmt.Sprintf(`<b>✅ Оплата получена</b>
Платёж <code>%s</code> на сумму %s подтверждён.
Доступ активирован.`,
		payment.PaymentID,
		FormatAmount(payment.Amount, payment.Currency),
	)

	if err := s.SendMessage(payment.UserChatID, strings.TrimSpace(userMsg)); err != nil {
		log.Printf("[Telegram] user notification failed for payment %s: %v", payment.PaymentID, err)
	}

	adminMsg := fmt.Sprintf(`<b>💰 Новая оплата</b>
<b>Платёж:</b> %s
<b>Заказ:</b> %s
<b>Сумма:</b> %s`,
		payment.PaymentID,
		orDash(payment.OrderRef),
		FormatAmount(payment.Amount, payment.Currency),
	)

	return s.SendToAdmin(strings.TrimSpace(adminMsg))
}

// NotifyPaymentFailed tells the user their payment did not go through.
func (s *TelegramService) NotifyPaymentFailed(payment PaymentNotification) error {
	reason := payment.Reason
	if reason == "" {
		reason = "платёж не был завершён"
	}

	userMsg := fmt.Sprintf(`<b>❌ Оплата не прошла</b>
Платёж <code>%s</code> на сумму %s: %s.
Попробуйте оформить заказ ещё раз.`,
		payment.PaymentID,
		FormatAmount(payment.Amount, payment.Currency),
		reason,
	)

	return s.SendMessage(payment.UserChatID, strings.TrimSpace(userMsg))
}

func orDash(v string) string {
	if v == "" {
		return "—"
	}
	return v
}
