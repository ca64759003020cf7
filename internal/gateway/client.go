package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Status is the normalized transaction status reported by the gateway.
// Component code never inspects raw gateway fields.
type Status string

const (
	StatusConfirmed Status = "CONFIRMED"
	StatusPending   Status = "PENDING"
	StatusCanceled  Status = "CANCELED"
	StatusUnknown   Status = "UNKNOWN"
)

// ParseStatus maps a raw gateway status string onto the normalized set.
func ParseStatus(raw string) Status {
	switch strings.ToUpper(strings.TrimSpace(raw)) {
	case "CONFIRMED", "SUCCESS", "SUCCEEDED", "PAID":
		return StatusConfirmed
	case "PENDING", "CREATED", "PROCESSING", "WAITING":
		return StatusPending
	case "CANCELED", "CANCELLED", "DECLINED", "REJECTED", "FAILED":
		return StatusCanceled
	default:
		return StatusUnknown
	}
}

// GatewayError wraps a failed gateway call. Permanent errors (auth and
// validation rejections) must not be retried.
type GatewayError struct {
	StatusCode int
	Permanent  bool
	Message    string
	Err        error
}

func (e *GatewayError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("gateway error (status %d): %s: %v", e.StatusCode, e.Message, e.Err)
	}
	return fmt.Sprintf("gateway error (status %d): %s", e.StatusCode, e.Message)
}

func (e *GatewayError) Unwrap() error {
	return e.Err
}

// IsPermanent reports whether err is a gateway error that retrying cannot fix.
func IsPermanent(err error) bool {
	var gwErr *GatewayError
	return errors.As(err, &gwErr) && gwErr.Permanent
}

// Config carries the gateway credentials and endpoint.
type Config struct {
	BaseURL    string
	MerchantID string
	SecretKey  string
	ReturnURL  string
}

// Client talks to the payment gateway HTTP API. Create and status calls are
// signed with the merchant id and secret headers.
type Client struct {
	baseURL    string
	merchantID string
	secretKey  string
	returnURL  string
	httpClient *http.Client

	maxAttempts int
	baseDelay   time.Duration
	maxDelay    time.Duration
}

// NewClient builds a gateway client with bounded timeouts and retry policy.
func NewClient(cfg Config) *Client {
	return &Client{
		baseURL:     strings.TrimRight(cfg.BaseURL, "/"),
		merchantID:  cfg.MerchantID,
		secretKey:   cfg.SecretKey,
		returnURL:   cfg.ReturnURL,
		httpClient:  &http.Client{Timeout: 15 * time.Second},
		maxAttempts: 5,
		baseDelay:   500 * time.Millisecond,
		maxDelay:    8 * time.Second,
	}
}

// CreateParams describes a create-transaction request.
type CreateParams struct {
	Amount      decimal.Decimal
	Currency    string
	OrderRef    string
	Description string
}

// CreateResult is the normalized outcome of a successful create call.
type CreateResult struct {
	TransactionID string
	PaymentURL    string
}

type createRequest struct {
	Amount      string `json:"amount"`
	Currency    string `json:"currency"`
	OrderID     string `json:"orderId"`
	Description string `json:"description,omitempty"`
	ReturnURL   string `json:"return,omitempty"`
}

type createResponse struct {
	ID         string `json:"id"`
	PaymentURL string `json:"paymentUrl"`
	Status     string `json:"status"`
}

type statusResponse struct {
	ID     string `json:"id"`
	Status string `json:"status"`
}

// CreateTransaction registers a new transaction with the gateway and returns
// its id and the hosted payment page URL.
func (c *Client) CreateTransaction(ctx context.Context, params CreateParams) (*CreateResult, error) {
	if !params.Amount.IsPositive() {
		return nil, &GatewayError{Permanent: true, Message: "amount must be positive"}
	}
	if len(params.Currency) != 3 {
		return nil, &GatewayError{Permanent: true, Message: "currency must be a 3-letter code"}
	}
	if params.OrderRef == "" {
		return nil, &GatewayError{Permanent: true, Message: "order reference is required"}
	}

	payload := createRequest{
		Amount:      params.Amount.StringFixed(2),
		Currency:    strings.ToUpper(params.Currency),
		OrderID:     params.OrderRef,
		Description: params.Description,
		ReturnURL:   c.returnURL,
	}

	body, err := c.doWithRetry(ctx, http.MethodPost, "/transactions", payload)
	if err != nil {
		return nil, err
	}

	var resp createResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, &GatewayError{Permanent: true, Message: "invalid create response", Err: err}
	}
	if resp.ID == "" {
		return nil, &GatewayError{Permanent: true, Message: "create response missing transaction id"}
	}

	return &CreateResult{TransactionID: resp.ID, PaymentURL: resp.PaymentURL}, nil
}

// GetStatus fetches the current transaction status. It is side-effect free
// and safe to call arbitrarily often.
func (c *Client) GetStatus(ctx context.Context, transactionID string) (Status, error) {
	if transactionID == "" {
		return StatusUnknown, &GatewayError{Permanent: true, Message: "transaction id is required"}
	}

	body, err := c.doWithRetry(ctx, http.MethodGet, "/transactions/"+transactionID, nil)
	if err != nil {
		return StatusUnknown, err
	}

	var resp statusResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return StatusUnknown, &GatewayError{Permanent: true, Message: "invalid status response", Err: err}
	}

	return ParseStatus(resp.Status), nil
}

// doWithRetry issues a signed request, retrying transient failures with
// exponential backoff. 4xx responses are returned immediately as permanent.
func (c *Client) doWithRetry(ctx context.Context, method, path string, payload any) ([]byte, error) {
	var lastErr error
	delay := c.baseDelay

	for attempt := 1; attempt <= c.maxAttempts; attempt++ {
		body, err := c.do(ctx, method, path, payload)
		if err == nil {
			return body, nil
		}
		if IsPermanent(err) {
			return nil, err
		}
		lastErr = err

		if attempt == c.maxAttempts {
			break
		}
		log.Printf("[Gateway] %s %s attempt %d/%d failed: %v", method, path, attempt, c.maxAttempts, err)

		select {
		case <-ctx.Done():
			return nil, &GatewayError{Message: "request canceled", Err: ctx.Err()}
		case <-time.After(delay):
		}
		delay *= 2
		if delay > c.maxDelay {
			delay = c.maxDelay
		}
	}

	return nil, lastErr
}

func (c *Client) do(ctx context.Context, method, path string, payload any) ([]byte, error) {
	var bodyReader io.Reader
	if payload != nil {
		encoded, err := json.Marshal(payload)
		if err != nil {
			return nil, &GatewayError{Permanent: true, Message: "encode request", Err: err}
		}
		bodyReader = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bodyReader)
	if err != nil {
		return nil, &GatewayError{Permanent: true, Message: "build request", Err: err}
	}
	req.Header.Set("X-MerchantId", c.merchantID)
	req.Header.Set("X-Secret", c.secretKey)
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, &GatewayError{Message: "request failed", Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &GatewayError{StatusCode: resp.StatusCode, Message: "read response", Err: err}
	}

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return body, nil
	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		return nil, &GatewayError{
			StatusCode: resp.StatusCode,
			Permanent:  true,
			Message:    fmt.Sprintf("gateway rejected request: %s", strings.TrimSpace(string(body))),
		}
	default:
		return nil, &GatewayError{
			StatusCode: resp.StatusCode,
			Message:    fmt.Sprintf("gateway unavailable: %s", strings.TrimSpace(string(body))),
		}
	}
}
