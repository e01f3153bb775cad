package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	"lottonotify/internal/model"
	"lottonotify/pkg/circuitbreaker"
)

// APIBackend delivers through an HTTP mail provider (SendGrid-style
// JSON API). The provider is an opaque collaborator; only its status
// codes matter for classification.
type APIBackend struct {
	apiURL      string
	apiKey      string
	senderEmail string
	senderName  string

	client  *http.Client
	breaker *circuitbreaker.CircuitBreaker
	logger  *zap.Logger
}

type APIConfig struct {
	APIURL      string
	APIKey      string
	SenderEmail string
	SenderName  string
	SendTimeout time.Duration
}

func NewAPIBackend(cfg APIConfig, logger *zap.Logger) *APIBackend {
	timeout := cfg.SendTimeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	return &APIBackend{
		apiURL:      cfg.APIURL,
		apiKey:      cfg.APIKey,
		senderEmail: cfg.SenderEmail,
		senderName:  cfg.SenderName,
		client:      &http.Client{Timeout: timeout},
		breaker:     circuitbreaker.NewCircuitBreaker(circuitbreaker.DefaultConfig()),
		logger:      logger,
	}
}

func (b *APIBackend) Name() string { return "primary" }

type apiRequest struct {
	From    apiAddress `json:"from"`
	To      apiAddress `json:"to"`
	Subject string     `json:"subject"`
	Body    string     `json:"body"`
}

type apiAddress struct {
	Email string `json:"email"`
	Name  string `json:"name,omitempty"`
}

// Send posts the message to the provider. The call runs inside the
// circuit breaker: an open breaker is a retriable failure, it does not
// latch the fallback path.
func (b *APIBackend) Send(ctx context.Context, msg *model.Message) error {
	err := b.breaker.Execute(func() error {
		return b.post(ctx, msg)
	})
	if errors.Is(err, circuitbreaker.ErrCircuitBreakerOpen) {
		return RetriableError("circuit_open", err)
	}
	return err
}

func (b *APIBackend) post(ctx context.Context, msg *model.Message) error {
	payload, err := json.Marshal(apiRequest{
		From:    apiAddress{Email: b.senderEmail, Name: b.senderName},
		To:      apiAddress{Email: msg.Recipient},
		Subject: msg.Subject,
		Body:    msg.Body,
	})
	if err != nil {
		return PermanentError("encode_error", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.apiURL, bytes.NewReader(payload))
	if err != nil {
		return PermanentError("request_error", err)
	}
	req.Header.Set("Authorization", "Bearer "+b.apiKey)
	req.Header.Set("Content-Type", "application/json")

	start := time.Now()
	resp, err := b.client.Do(req)
	if err != nil {
		b.logger.Warn("Provider call failed",
			zap.String("message_id", msg.ID),
			zap.Duration("elapsed", time.Since(start)),
			zap.Error(err),
		)
		return RetriableError("network_error", err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	return b.classifyStatus(resp.StatusCode, body)
}

func (b *APIBackend) classifyStatus(status int, body []byte) error {
	switch {
	case status >= 200 && status < 300:
		return nil
	case status == http.StatusTooManyRequests:
		return RetriableError("provider_rate_limited", fmt.Errorf("provider returned %d: %s", status, body))
	case status >= 500:
		return RetriableError("provider_error", fmt.Errorf("provider returned %d: %s", status, body))
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		// bad credentials or unverified sender — nothing this process
		// sends via the primary can succeed until operators fix it
		return FatalError("provider_misconfigured", fmt.Errorf("provider returned %d: %s", status, body))
	default:
		return PermanentError("provider_rejected", fmt.Errorf("provider returned %d: %s", status, body))
	}
}
