package services

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/amirphl/Mizuchi/config"
	"github.com/google/uuid"
)

const messagingProviderName = "messaging"

// OutboundMessage is one provider send request
type OutboundMessage struct {
	Recipient   string          `json:"to"`
	MessageType string          `json:"type"`
	Sender      string          `json:"sender,omitempty"`
	Payload     json.RawMessage `json:"payload"`
	ClientRef   string          `json:"client_reference"` // queue item uuid, lets the provider dedupe
}

// SendResult is the provider's acceptance of a message
type SendResult struct {
	ProviderMessageID string `json:"id"`
	Status            string `json:"status"`
}

// MessagingProvider sends a single message and classifies failures as *ProviderError
type MessagingProvider interface {
	Send(ctx context.Context, msg OutboundMessage) (*SendResult, error)
}

type httpMessagingProvider struct {
	cfg    config.MessagingConfig
	client *http.Client
}

// NewMessagingProvider returns the HTTP client, or the mock when configured so
func NewMessagingProvider(cfg config.MessagingConfig) MessagingProvider {
	if cfg.Provider == "mock" {
		return NewMockMessagingProvider()
	}
	return NewHTTPMessagingProvider(cfg, nil)
}

func NewHTTPMessagingProvider(cfg config.MessagingConfig, client *http.Client) MessagingProvider {
	if client == nil {
		client = &http.Client{Timeout: cfg.Timeout}
	}
	return &httpMessagingProvider{cfg: cfg, client: client}
}

type providerErrorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Error   *struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func (b providerErrorBody) codeAndMessage() (string, string) {
	if b.Error != nil {
		return b.Error.Code, b.Error.Message
	}
	return b.Code, b.Message
}

func (p *httpMessagingProvider) Send(ctx context.Context, msg OutboundMessage) (*SendResult, error) {
	if p.cfg.APIKey == "" || p.cfg.BaseURL == "" {
		return nil, NewConfigurationError(messagingProviderName, "api key or base url is not configured")
	}
	if msg.Sender == "" {
		msg.Sender = p.cfg.SenderID
	}

	body, err := json.Marshal(msg)
	if err != nil {
		return nil, NewRejectedError(messagingProviderName, 0, "invalid_payload", err.Error())
	}

	url := strings.TrimRight(p.cfg.BaseURL, "/") + "/v1/messages"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, NewConfigurationError(messagingProviderName, err.Error())
	}
	req.Header.Set("Authorization", "Bearer "+p.cfg.APIKey)
	req.Header.Set("Content-Type", "application/json; charset=utf-8")
	req.Header.Set("Idempotency-Key", msg.ClientRef)

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, NewTransientError(messagingProviderName, 0, "request failed", err)
	}
	defer resp.Body.Close()

	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		var out SendResult
		if err := json.Unmarshal(raw, &out); err != nil {
			return nil, NewTransientError(messagingProviderName, resp.StatusCode, "unreadable response", err)
		}
		return &out, nil
	}
	return nil, classifyHTTPFailure(messagingProviderName, resp, raw)
}

// classifyHTTPFailure maps a non-2xx provider response to an ErrorKind
func classifyHTTPFailure(provider string, resp *http.Response, raw []byte) *ProviderError {
	var eb providerErrorBody
	_ = json.Unmarshal(raw, &eb)
	code, message := eb.codeAndMessage()
	if message == "" {
		message = strings.TrimSpace(string(raw))
	}

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		pe := NewConfigurationError(provider, message)
		pe.StatusCode = resp.StatusCode
		pe.Code = code
		return pe
	case resp.StatusCode == http.StatusTooManyRequests:
		pe := NewTransientError(provider, resp.StatusCode, message, nil)
		pe.Code = code
		pe.RetryAfter = parseRetryAfter(resp.Header.Get("Retry-After"))
		return pe
	case resp.StatusCode == http.StatusRequestTimeout || resp.StatusCode >= 500:
		pe := NewTransientError(provider, resp.StatusCode, message, nil)
		pe.Code = code
		return pe
	default:
		if code == "" {
			code = "http_" + strconv.Itoa(resp.StatusCode)
		}
		return NewRejectedError(provider, resp.StatusCode, code, message)
	}
}

func parseRetryAfter(v string) time.Duration {
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(strings.TrimSpace(v)); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := time.Until(t); d > 0 {
			return d
		}
	}
	return 0
}

// MockMessagingProvider records messages instead of sending them
type MockMessagingProvider struct {
	mu           sync.Mutex
	SentMessages []OutboundMessage
	calls        map[string]int

	// Behavior, when set, decides the result of each call; attempt is 1-based per recipient
	Behavior func(msg OutboundMessage, attempt int) error
}

func NewMockMessagingProvider() *MockMessagingProvider {
	return &MockMessagingProvider{calls: make(map[string]int)}
}

func (m *MockMessagingProvider) Send(ctx context.Context, msg OutboundMessage) (*SendResult, error) {
	m.mu.Lock()
	m.calls[msg.Recipient]++
	attempt := m.calls[msg.Recipient]
	behavior := m.Behavior
	m.mu.Unlock()

	if behavior != nil {
		if err := behavior(msg, attempt); err != nil {
			return nil, err
		}
	}

	m.mu.Lock()
	m.SentMessages = append(m.SentMessages, msg)
	m.mu.Unlock()
	return &SendResult{ProviderMessageID: "mock-" + uuid.NewString(), Status: "accepted"}, nil
}

// Calls returns how many times recipient was attempted
func (m *MockMessagingProvider) Calls(recipient string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls[recipient]
}

func (m *MockMessagingProvider) GetSentMessages() []OutboundMessage {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]OutboundMessage, len(m.SentMessages))
	copy(out, m.SentMessages)
	return out
}
