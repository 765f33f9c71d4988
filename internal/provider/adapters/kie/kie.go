package kie

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/preset-hq/credits/internal/provider/domain"
)

const (
	providerName = "kie"
	defaultModel = "nano-banana-pro"
)

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

type envelope struct {
	Code int             `json:"code"`
	Msg  string          `json:"msg"`
	Data json.RawMessage `json:"data"`
}

type taskData struct {
	TaskID     string `json:"taskId"`
	State      string `json:"state"`
	ResultJSON string `json:"resultJson"`
	FailCode   string `json:"failCode"`
	FailMsg    string `json:"failMsg"`
}

func (g *Gateway) Generate(ctx context.Context, req domain.GenerateRequest) (string, error) {
	input := map[string]interface{}{
		"prompt": req.Prompt,
	}
	if req.AspectRatio != "" {
		input["aspect_ratio"] = req.AspectRatio
	}
	if req.Resolution != "" {
		input["resolution"] = req.Resolution
	}
	if len(req.InputURLs) > 0 {
		input["image_input"] = req.InputURLs
	}

	payload := map[string]interface{}{
		"model": defaultModel,
		"input": input,
	}
	if req.CallbackURL != "" {
		payload["callBackUrl"] = req.CallbackURL
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return "", err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, g.baseURL+"/api/v1/jobs/createTask", bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	httpReq.Header.Set("Content-Type", "application/json")

	var resp envelope
	if err := g.do(httpReq, &resp); err != nil {
		return "", err
	}
	if resp.Code != 200 {
		return "", fmt.Errorf("%w: kie returned code %d: %s", domain.ErrProviderUnavailable, resp.Code, resp.Msg)
	}

	var data taskData
	if err := json.Unmarshal(resp.Data, &data); err != nil || strings.TrimSpace(data.TaskID) == "" {
		return "", fmt.Errorf("%w: missing taskId in response", domain.ErrProviderUnavailable)
	}
	return data.TaskID, nil
}

func (g *Gateway) VerifyWebhook(ctx context.Context, payload []byte, headers http.Header) error {
	return domain.VerifySignature(g.webhookSecret, payload, headers)
}

// ParseWebhook normalizes the kie job callback. The callback body has the same
// shape as the recordInfo response: data.state is one of waiting, queuing,
// generating, success, fail; on success data.resultJson carries resultUrls.
func (g *Gateway) ParseWebhook(ctx context.Context, payload []byte) (*domain.WebhookEvent, error) {
	var callback struct {
		Code int      `json:"code"`
		Msg  string   `json:"msg"`
		Data taskData `json:"data"`
	}
	if err := json.Unmarshal(payload, &callback); err != nil {
		return nil, domain.ErrInvalidPayload
	}
	if strings.TrimSpace(callback.Data.TaskID) == "" {
		return nil, domain.ErrInvalidPayload
	}

	event := &domain.WebhookEvent{TaskID: callback.Data.TaskID}

	switch strings.ToLower(strings.TrimSpace(callback.Data.State)) {
	case "success":
		event.State = domain.StateSucceeded
		if callback.Data.ResultJSON != "" {
			var result struct {
				ResultURLs []string `json:"resultUrls"`
			}
			if err := json.Unmarshal([]byte(callback.Data.ResultJSON), &result); err == nil {
				event.ResultURLs = result.ResultURLs
			}
		}
	case "fail":
		event.State = domain.StateFailed
		event.ErrorCode = callback.Data.FailCode
		event.ErrorMessage = callback.Data.FailMsg
		if event.ErrorCode == "" {
			event.ErrorCode = "generation_failed"
		}
	case "waiting", "queuing", "queued":
		event.State = domain.StateQueued
	case "generating", "processing":
		event.State = domain.StateProcessing
	default:
		return nil, domain.ErrInvalidPayload
	}
	return event, nil
}

func (g *Gateway) GetAccountCredits(ctx context.Context) (int64, error) {
	endpoint, err := url.Parse(g.baseURL + "/api/v1/chat/credit")
	if err != nil {
		return 0, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint.String(), nil)
	if err != nil {
		return 0, err
	}

	var resp envelope
	if err := g.do(req, &resp); err != nil {
		return 0, err
	}
	if resp.Code != 200 {
		return 0, fmt.Errorf("%w: kie returned code %d: %s", domain.ErrProviderUnavailable, resp.Code, resp.Msg)
	}

	var credits int64
	if err := json.Unmarshal(resp.Data, &credits); err != nil {
		return 0, fmt.Errorf("%w: unexpected credit payload", domain.ErrProviderUnavailable)
	}
	return credits, nil
}

func (g *Gateway) do(req *http.Request, out *envelope) error {
	req.Header.Set("Authorization", "Bearer "+g.apiKey)
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
		return fmt.Errorf("%w: kie returned HTTP %d: %s", domain.ErrProviderUnavailable, resp.StatusCode, truncate(raw, 256))
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
