package services

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"

	"github.com/amirphl/Mizuchi/config"
	"github.com/google/uuid"
)

const gatewayProviderName = "payment_gateway"

type RefundRequest struct {
	GatewayPaymentRef string
	Amount            int64
	Currency          string
	Reason            string
	IdempotencyKey    string
}

type RefundResult struct {
	RefundID string `json:"id"`
	Status   string `json:"status"`
	Amount   int64  `json:"amount"`
}

// PaymentGateway is the outbound half of the gateway integration
type PaymentGateway interface {
	Refund(ctx context.Context, req RefundRequest) (*RefundResult, error)
}

type httpPaymentGateway struct {
	cfg    config.GatewayConfig
	client *http.Client
}

func NewPaymentGateway(cfg config.GatewayConfig) PaymentGateway {
	if cfg.Provider == "mock" {
		return NewMockPaymentGateway()
	}
	return NewHTTPPaymentGateway(cfg, nil)
}

func NewHTTPPaymentGateway(cfg config.GatewayConfig, client *http.Client) PaymentGateway {
	if client == nil {
		client = &http.Client{Timeout: cfg.Timeout}
	}
	return &httpPaymentGateway{cfg: cfg, client: client}
}

func (g *httpPaymentGateway) Refund(ctx context.Context, r RefundRequest) (*RefundResult, error) {
	if g.cfg.KeyID == "" || g.cfg.KeySecret == "" || g.cfg.BaseURL == "" {
		return nil, NewConfigurationError(gatewayProviderName, "gateway credentials are not configured")
	}

	payload := map[string]any{
		"amount": r.Amount,
		"notes":  map[string]string{"reason": r.Reason},
	}
	b, err := json.Marshal(payload)
	if err != nil {
		return nil, NewRejectedError(gatewayProviderName, 0, "invalid_payload", err.Error())
	}

	endpoint := strings.TrimRight(g.cfg.BaseURL, "/") + "/v1/payments/" + url.PathEscape(r.GatewayPaymentRef) + "/refund"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(b))
	if err != nil {
		return nil, NewConfigurationError(gatewayProviderName, err.Error())
	}
	req.SetBasicAuth(g.cfg.KeyID, g.cfg.KeySecret)
	req.Header.Set("Content-Type", "application/json")
	if r.IdempotencyKey != "" {
		req.Header.Set("Idempotency-Key", r.IdempotencyKey)
	}

	resp, err := g.client.Do(req)
	if err != nil {
		return nil, NewTransientError(gatewayProviderName, 0, "request failed", err)
	}
	defer resp.Body.Close()

	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, classifyHTTPFailure(gatewayProviderName, resp, raw)
	}

	var out RefundResult
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, NewTransientError(gatewayProviderName, resp.StatusCode, "unreadable response", err)
	}
	if out.Status == "failed" {
		return nil, NewRejectedError(gatewayProviderName, resp.StatusCode, "refund_failed", "gateway declined the refund")
	}
	return &out, nil
}

// MockPaymentGateway accepts every refund unless Behavior says otherwise
type MockPaymentGateway struct {
	mu       sync.Mutex
	Refunds  []RefundRequest
	Behavior func(req RefundRequest) error
}

func NewMockPaymentGateway() *MockPaymentGateway {
	return &MockPaymentGateway{}
}

func (m *MockPaymentGateway) Refund(ctx context.Context, req RefundRequest) (*RefundResult, error) {
	if m.Behavior != nil {
		if err := m.Behavior(req); err != nil {
			return nil, err
		}
	}
	m.mu.Lock()
	m.Refunds = append(m.Refunds, req)
	m.mu.Unlock()
	return &RefundResult{RefundID: "rfnd_" + uuid.NewString(), Status: "processed", Amount: req.Amount}, nil
}

func (m *MockPaymentGateway) RefundCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.Refunds)
}
