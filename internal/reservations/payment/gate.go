package payment

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"railbook/pkg/client"
	"railbook/pkg/logger"

	"github.com/google/uuid"
)

// Order is the provider-side payment order bound to one seat for the
// duration of a payment attempt.
type Order struct {
	ID       string `json:"id"`
	Receipt  string `json:"receipt"`
	Amount   int64  `json:"amount"`
	Currency string `json:"currency"`
	Status   string `json:"status"`
}

// Gate is the payment collaborator boundary. The engine never charges money
// itself: CreateOrder opens a provider order for the payment window and
// IsCaptured is the pure predicate consulted before any money-bound booking.
type Gate interface {
	CreateOrder(ctx context.Context, amount int64) (*Order, error)
	IsCaptured(ctx context.Context, paymentID string) (bool, error)
}

// HTTPGate talks to the external payment provider over its REST API.
type HTTPGate struct {
	client   *client.HttpClient
	currency string
	log      *logger.Logger
}

func NewHTTPGate(baseURL, currency string, log *logger.Logger) *HTTPGate {
	return &HTTPGate{
		client:   client.NewHttpClient(baseURL),
		currency: currency,
		log:      log,
	}
}

type createOrderRequest struct {
	Amount   int64  `json:"amount"`
	Currency string `json:"currency"`
	Receipt  string `json:"receipt"`
}

func (g *HTTPGate) CreateOrder(ctx context.Context, amount int64) (*Order, error) {
	req := createOrderRequest{
		Amount:   amount,
		Currency: g.currency,
		Receipt:  "rcpt_" + uuid.New().String(),
	}

	resp, err := g.client.POST(ctx, "/v1/orders", req)
	if err != nil {
		return nil, fmt.Errorf("payment provider unreachable: %w", err)
	}
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return nil, fmt.Errorf("payment provider rejected order (%d): %s", resp.StatusCode, client.GetErrorMessage(resp))
	}

	var order Order
	if err := resp.DecodeJSON(&order); err != nil {
		return nil, fmt.Errorf("failed to decode payment order: %w", err)
	}

	g.log.Info("Payment order created",
		"order_id", order.ID,
		"receipt", order.Receipt,
		"amount", order.Amount,
		"currency", order.Currency,
	)
	return &order, nil
}

type paymentStatus struct {
	ID       string `json:"id"`
	Status   string `json:"status"`
	Captured bool   `json:"captured"`
}

func (g *HTTPGate) IsCaptured(ctx context.Context, paymentID string) (bool, error) {
	start := time.Now()
	resp, err := g.client.GET(ctx, "/v1/payments/"+paymentID)
	if err != nil {
		return false, fmt.Errorf("payment provider unreachable: %w", err)
	}
	if resp.StatusCode == http.StatusNotFound {
		return false, nil
	}
	if resp.StatusCode != http.StatusOK {
		return false, fmt.Errorf("payment status lookup failed (%d): %s", resp.StatusCode, client.GetErrorMessage(resp))
	}

	var status paymentStatus
	if err := resp.DecodeJSON(&status); err != nil {
		return false, fmt.Errorf("failed to decode payment status: %w", err)
	}

	g.log.Debug("Payment status checked",
		"payment_id", paymentID,
		"captured", status.Captured,
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return status.Captured, nil
}
