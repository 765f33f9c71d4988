package domain

import (
	"context"
	"errors"
	"net/http"
	"time"
)

// Webhook event states, normalized across providers.
const (
	StateQueued     = "queued"
	StateProcessing = "processing"
	StateSucceeded  = "succeeded"
	StateFailed     = "failed"
)

// GenerateRequest describes one asynchronous image generation job.
type GenerateRequest struct {
	Reference   string
	Prompt      string
	AspectRatio string
	Resolution  string
	InputURLs   []string
	CallbackURL string
}

// WebhookEvent is a provider callback normalized to the internal shape.
type WebhookEvent struct {
	TaskID       string
	State        string
	ResultURLs   []string
	ErrorCode    string
	ErrorMessage string
}

// Gateway is one external generation provider. Generate returns the
// provider-side task ID; completion arrives later through the webhook.
type Gateway interface {
	Provider() string
	Generate(ctx context.Context, req GenerateRequest) (string, error)
	VerifyWebhook(ctx context.Context, payload []byte, headers http.Header) error
	ParseWebhook(ctx context.Context, payload []byte) (*WebhookEvent, error)
	GetAccountCredits(ctx context.Context) (int64, error)
}

// GatewayConfig carries the per-provider credentials and endpoints.
type GatewayConfig struct {
	APIKey        string
	BaseURL       string
	WebhookSecret string
	Timeout       time.Duration
}

// GatewayFactory builds a Gateway from configuration.
type GatewayFactory interface {
	Provider() string
	NewGateway(cfg GatewayConfig) (Gateway, error)
}

var (
	ErrProviderNotFound    = errors.New("provider_not_found")
	ErrProviderUnavailable = errors.New("provider_unavailable")
	ErrInvalidConfig       = errors.New("invalid_provider_config")
	ErrInvalidSignature    = errors.New("invalid_signature")
	ErrInvalidPayload      = errors.New("invalid_payload")
)
