package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/driftwood-commerce/keel/pkg/config"
	"github.com/driftwood-commerce/keel/pkg/finance"
	"github.com/driftwood-commerce/keel/pkg/gateway"
	"github.com/driftwood-commerce/keel/pkg/orders"
)

// httpOrderService talks to the order system's internal API.
type httpOrderService struct {
	base   string
	client *http.Client
}

func newOrderService(cfg *config.Config) (orders.Service, error) {
	if cfg.OrderServiceURL == "" {
		return nil, fmt.Errorf("ORDER_SERVICE_URL is required")
	}
	return &httpOrderService{
		base:   cfg.OrderServiceURL,
		client: &http.Client{Timeout: 10 * time.Second},
	}, nil
}

func (s *httpOrderService) GetPaymentInstrument(ctx context.Context, orderID string) (string, error) {
	u := fmt.Sprintf("%s/internal/orders/%s/instrument", s.base, url.PathEscape(orderID))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return "", err
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("order service: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("order service: unexpected status %d for %s", resp.StatusCode, orderID)
	}

	var body struct {
		InstrumentRef string `json:"instrument_ref"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return "", fmt.Errorf("order service: malformed response: %w", err)
	}
	return body.InstrumentRef, nil
}

func (s *httpOrderService) UpdateOrderStatus(ctx context.Context, orderID string, status orders.OrderStatus) error {
	payload, err := json.Marshal(map[string]string{"status": string(status)})
	if err != nil {
		return err
	}
	u := fmt.Sprintf("%s/internal/orders/%s/status", s.base, url.PathEscape(orderID))
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, u, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("order service: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusNoContent {
		return fmt.Errorf("order service: unexpected status %d updating %s", resp.StatusCode, orderID)
	}
	return nil
}

// httpGateway adapts the processor's HTTP API to the gateway contract.
// The raw response is mapped to the three-way outcome here and nowhere
// else.
type httpGateway struct {
	base   string
	apiKey string
	client *http.Client
}

func newGateway(cfg *config.Config) (gateway.Gateway, error) {
	if cfg.GatewayURL == "" {
		return nil, fmt.Errorf("GATEWAY_URL is required")
	}
	return &httpGateway{
		base:   cfg.GatewayURL,
		apiKey: cfg.GatewayAPIKey,
		// Per-call deadlines come from the executor's context.
		client: &http.Client{},
	}, nil
}

func (g *httpGateway) Charge(ctx context.Context, instrumentRef string, amount finance.Money, idempotencyKey string) (gateway.ChargeResult, error) {
	payload, err := json.Marshal(map[string]any{
		"instrument_ref": instrumentRef,
		"amount_minor":   amount.AmountMinor,
		"currency":       amount.Currency,
	})
	if err != nil {
		return gateway.ChargeResult{}, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.base+"/v1/charges", bytes.NewReader(payload))
	if err != nil {
		return gateway.ChargeResult{}, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Idempotency-Key", idempotencyKey)
	if g.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+g.apiKey)
	}

	resp, err := g.client.Do(req)
	if err != nil {
		return gateway.ChargeResult{}, err
	}
	defer func() { _ = resp.Body.Close() }()

	var body struct {
		Status string `json:"status"` // "captured" | "declined" | "error"
		Reason string `json:"reason"`
		Ref    string `json:"ref"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return gateway.ChargeResult{}, fmt.Errorf("malformed gateway response: %w", err)
	}

	switch body.Status {
	case "captured":
		return gateway.ChargeResult{Kind: gateway.OutcomeSuccess, GatewayRef: body.Ref}, nil
	case "declined":
		return gateway.ChargeResult{Kind: gateway.OutcomeTerminal, Reason: body.Reason, GatewayRef: body.Ref}, nil
	case "error":
		return gateway.ChargeResult{Kind: gateway.OutcomeRetryable, Reason: body.Reason, GatewayRef: body.Ref}, nil
	default:
		return gateway.ChargeResult{Kind: gateway.OutcomeKind(body.Status), Reason: body.Reason, GatewayRef: body.Ref}, nil
	}
}
