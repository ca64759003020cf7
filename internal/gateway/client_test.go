package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

func newTestClient(baseURL string) *Client {
	c := NewClient(Config{
		BaseURL:    baseURL,
		MerchantID: "merchant-1",
		SecretKey:  "secret-1",
	})
	c.baseDelay = time.Millisecond
	c.maxDelay = 2 * time.Millisecond
	return c
}

func TestCreateTransactionSignsAndNormalizesResponse(t *testing.T) {
	var gotBody map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/transactions" {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		if r.Header.Get("X-MerchantId") != "merchant-1" || r.Header.Get("X-Secret") != "secret-1" {
			t.Error("missing merchant headers")
		}
		if err := json.NewDecoder(r.Body).Decode(&gotBody); err != nil {
			t.Errorf("decode request: %v", err)
		}
		_ = json.NewEncoder(w).Encode(map[string]string{
			"id":         "T1",
			"paymentUrl": "https://pay.example/T1",
		})
	}))
	defer srv.Close()

	client := newTestClient(srv.URL)
	result, err := client.CreateTransaction(context.Background(), CreateParams{
		Amount:   decimal.RequireFromString("100.5"),
		Currency: "rub",
		OrderRef: "P1",
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	if result.TransactionID != "T1" || result.PaymentURL != "https://pay.example/T1" {
		t.Fatalf("unexpected result %+v", result)
	}
	if gotBody["amount"] != "100.50" {
		t.Fatalf("expected amount formatted with two decimals, got %v", gotBody["amount"])
	}
	if gotBody["currency"] != "RUB" {
		t.Fatalf("expected currency upper-cased, got %v", gotBody["currency"])
	}
	if gotBody["orderId"] != "P1" {
		t.Fatalf("expected order ref as orderId, got %v", gotBody["orderId"])
	}
}

func TestCreateTransactionRetriesTransientErrors(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]string{"id": "T2", "paymentUrl": "u"})
	}))
	defer srv.Close()

	client := newTestClient(srv.URL)
	result, err := client.CreateTransaction(context.Background(), CreateParams{
		Amount:   decimal.NewFromInt(10),
		Currency: "RUB",
		OrderRef: "P2",
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if result.TransactionID != "T2" {
		t.Fatalf("unexpected result %+v", result)
	}
	if got := hits.Load(); got != 3 {
		t.Fatalf("expected 3 attempts, got %d", got)
	}
}

func TestCreateTransactionDoesNotRetryAuthErrors(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	client := newTestClient(srv.URL)
	_, err := client.CreateTransaction(context.Background(), CreateParams{
		Amount:   decimal.NewFromInt(10),
		Currency: "RUB",
		OrderRef: "P3",
	})
	if err == nil {
		t.Fatal("expected error")
	}
	if !IsPermanent(err) {
		t.Fatalf("expected permanent error, got %v", err)
	}
	if got := hits.Load(); got != 1 {
		t.Fatalf("expected a single attempt, got %d", got)
	}
}

func TestCreateTransactionGivesUpAfterMaxAttempts(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	client := newTestClient(srv.URL)
	_, err := client.CreateTransaction(context.Background(), CreateParams{
		Amount:   decimal.NewFromInt(10),
		Currency: "RUB",
		OrderRef: "P4",
	})
	if err == nil {
		t.Fatal("expected error")
	}
	if IsPermanent(err) {
		t.Fatalf("expected transient error, got %v", err)
	}
	if got := hits.Load(); got != int32(client.maxAttempts) {
		t.Fatalf("expected %d attempts, got %d", client.maxAttempts, got)
	}
}

func TestCreateTransactionValidatesInput(t *testing.T) {
	client := newTestClient("http://gateway.invalid")

	cases := []struct {
		name   string
		params CreateParams
	}{
		{"zero amount", CreateParams{Amount: decimal.Zero, Currency: "RUB", OrderRef: "P"}},
		{"negative amount", CreateParams{Amount: decimal.NewFromInt(-5), Currency: "RUB", OrderRef: "P"}},
		{"bad currency", CreateParams{Amount: decimal.NewFromInt(5), Currency: "RUBL", OrderRef: "P"}},
		{"missing order ref", CreateParams{Amount: decimal.NewFromInt(5), Currency: "RUB"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := client.CreateTransaction(context.Background(), tc.params)
			if !IsPermanent(err) {
				t.Fatalf("expected permanent validation error, got %v", err)
			}
		})
	}
}

func TestGetStatusNormalizesGatewayStates(t *testing.T) {
	status := "CONFIRMED"
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/transactions/T9" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		_ = json.NewEncoder(w).Encode(map[string]string{"id": "T9", "status": status})
	}))
	defer srv.Close()

	client := newTestClient(srv.URL)

	cases := map[string]Status{
		"CONFIRMED":  StatusConfirmed,
		"pending":    StatusPending,
		"CANCELLED":  StatusCanceled,
		"DECLINED":   StatusCanceled,
		"IN_LIMBO":   StatusUnknown,
		"PROCESSING": StatusPending,
	}
	for raw, want := range cases {
		status = raw
		got, err := client.GetStatus(context.Background(), "T9")
		if err != nil {
			t.Fatalf("status %q: %v", raw, err)
		}
		if got != want {
			t.Fatalf("status %q: expected %s, got %s", raw, want, got)
		}
	}
}

func TestGetStatusRequiresTransactionID(t *testing.T) {
	client := newTestClient("http://gateway.invalid")
	_, err := client.GetStatus(context.Background(), "")
	if !IsPermanent(err) {
		t.Fatalf("expected permanent error, got %v", err)
	}
}
