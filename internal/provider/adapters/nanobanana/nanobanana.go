package nanobanana

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/preset-hq/credits/internal/provider/domain"
)

const providerName = "nanobanana"

type Factory struct{}

func NewFactory() *Factory {
	return &Factory{}
}

func (f *Factory) Provider() string {
	return providerName
}

func (f *Factory) NewGateway(cfg domain.GatewayConfig) (domain.Gateway, error) {
	if strings.TrimSpace(cfg.APIKey) == "" || strings.TrimSpace(cfg.BaseURL) == "" {
		return nil, domain.ErrInvalidConfig
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Gateway{
		apiKey:        cfg.APIKey,
		baseURL:       strings.TrimRight(cfg.BaseURL, "/"),
		webhookSecret: cfg.WebhookSecret,
		client:        &http.Client{Timeout: timeout},
	}, nil
}

type Gateway struct {
	apiKey        string
	baseURL       string
	webhookSecret string
	client        *http.Client
}

func (g *Gateway) Provider() string {
	return providerName
}

type generateRequest struct {
	Prompt      string   `json:"prompt"`
	ImageURLs   []string `json:"imageUrls,omitempty"`
	AspectRatio string   `json:"aspectRatio,omitempty"`
	Resolution  string   `json:"resolution,omitempty"`
	CallBackURL string   `json:"callBackUrl,omitempty"`
	WatermarkID string   `json:"watermarkId,omitempty"`
}

type apiEnvelope struct {
	Code int             `json:"code"`
	Msg  string          `json:"msg"`
	Data json.RawMessage `json:"data"`
}

type generateData struct {
	TaskID string `json:"taskId"`
}

func (g *Gateway) Generate(ctx context.Context, req domain.GenerateRequest) (string, error) {
	body := generateRequest{
		Prompt:      req.Prompt,
		ImageURLs:   req.InputURLs,
		AspectRatio: req.AspectRatio,
		Resolution:  req.Resolution,
		CallBackURL: req.CallbackURL,
	}

	var envelope apiEnvelope
	if err := g.post(ctx, "/api/v1/nanobanana/generate", body, &envelope); err != nil {
		return "", err
	}
	if envelope.Code != 200 {
		return "", fmt.Errorf("%w: nanobanana returned code %d: %s", domain.ErrProviderUnavailable, envelope.Code, envelope.Msg)
	}

	var data generateData
	if err := json.Unmarshal(envelope.Data, &data); err != nil || strings.TrimSpace(data.TaskID) == "" {
		return "", fmt.Errorf("%w: missing taskId in response", domain.ErrProviderUnavailable)
	}
	return data.TaskID, nil
}

func (g *Gateway) VerifyWebhook(ctx context.Context, payload []byte, headers http.Header) error {
	return domain.VerifySignature(g.webhookSecret, payload, headers)
}

type callbackPayload struct {
	Code int    `json:"code"`
	Msg  string `json:"msg"`
	Data struct {
		TaskID string `json:"taskId"`
		Info   struct {
			ResultImageURL string   `json:"resultImageUrl"`
			ResultURLs     []string `json:"resultUrls"`
		} `json:"info"`
	} `json:"data"`
}

// ParseWebhook maps the nanobanana callback codes to the normalized event
// states: 200 success, 400 content policy violation, 500 internal error,
// 501 generation failed. Anything else is treated as an unknown failure.
func (g *Gateway) ParseWebhook(ctx context.Context, payload []byte) (*domain.WebhookEvent, error) {
	var callback callbackPayload
	if err := json.Unmarshal(payload, &callback); err != nil {
		return nil, domain.ErrInvalidPayload
	}
	if strings.TrimSpace(callback.Data.TaskID) == "" {
		return nil, domain.ErrInvalidPayload
	}

	event := &domain.WebhookEvent{
		TaskID:       callback.Data.TaskID,
		ErrorMessage: callback.Msg,
	}

	switch callback.Code {
	case 200:
		event.State = domain.StateSucceeded
		event.ErrorMessage = ""
		if len(callback.Data.Info.ResultURLs) > 0 {
			event.ResultURLs = callback.Data.Info.ResultURLs
		} else if callback.Data.Info.ResultImageURL != "" {
			event.ResultURLs = []string{callback.Data.Info.ResultImageURL}
		}
	case 400:
		event.State = domain.StateFailed
		event.ErrorCode = "content_policy_violation"
	case 500:
		event.State = domain.StateFailed
		event.ErrorCode = "internal_error"
	case 501:
		event.State = domain.StateFailed
		event.ErrorCode = "generation_failed"
	default:
		event.State = domain.StateFailed
		event.ErrorCode = "unknown_error"
	}
	return event, nil
}

func (g *Gateway) GetAccountCredits(ctx context.Context) (int64, error) {
	var envelope apiEnvelope
	if err := g.get(ctx, "/api/v1/common/credit", &envelope); err != nil {
		return 0, err
	}
	if envelope.Code != 200 {
		return 0, fmt.Errorf("%w: nanobanana returned code %d: %s", domain.ErrProviderUnavailable, envelope.Code, envelope.Msg)
	}

	var credits int64
	if err := json.Unmarshal(envelope.Data, &credits); err != nil {
		return 0, fmt.Errorf("%w: unexpected credit payload", domain.ErrProviderUnavailable)
	}
	return credits, nil
}

func (g *Gateway) post(ctx context.Context, path string, payload interface{}, out *apiEnvelope) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return err
	}
	return g.do(req, out)
}

func (g *Gateway) get(ctx context.Context, path string, out *apiEnvelope) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, g.baseURL+path, nil)
	if err != nil {
		return err
	}
	return g.do(req, out)
}

func (g *Gateway) do(req *http.Request, out *apiEnvelope) error {
	req.Header.Set("Authorization", "Bearer "+g.apiKey)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := g.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", domain.ErrProviderUnavailable, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("%w: read response: %v", domain.ErrProviderUnavailable, err)
	}
	if resp.StatusCode >= 300 {
		return fmt.Errorf("%w: nanobanana returned HTTP %d: %s", domain.ErrProviderUnavailable, resp.StatusCode, truncate(raw, 256))
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("%w: decode response: %v", domain.ErrProviderUnavailable, err)
	}
	return nil
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
