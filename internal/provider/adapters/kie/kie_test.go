package kie

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/preset-hq/credits/internal/provider/domain"
)

func newGateway(t *testing.T, baseURL string) domain.Gateway {
	t.Helper()
	gw, err := NewFactory().NewGateway(domain.GatewayConfig{
		APIKey:  "test-key",
		BaseURL: baseURL,
	})
	if err != nil {
		t.Fatalf("new gateway: %v", err)
	}
	return gw
}

func TestGenerateSendsModelAndInput(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v1/jobs/createTask" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		var body struct {
			Model string `json:"model"`
			Input struct {
				Prompt      string   `json:"prompt"`
				AspectRatio string   `json:"aspect_ratio"`
				ImageInput  []string `json:"image_input"`
			} `json:"input"`
			CallBackURL string `json:"callBackUrl"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Errorf("decode request: %v", err)
		}
		if body.Model != "nano-banana-pro" {
			t.Errorf("unexpected model %s", body.Model)
		}
		if body.Input.AspectRatio != "16:9" {
			t.Errorf("unexpected aspect ratio %s", body.Input.AspectRatio)
		}
		if body.CallBackURL != "https://api.example.com/webhooks/generation/kie" {
			t.Errorf("unexpected callback url %s", body.CallBackURL)
		}
		w.Write([]byte(`{"code":200,"data":{"taskId":"kie-task-1"}}`))
	}))
	defer srv.Close()

	taskID, err := newGateway(t, srv.URL).Generate(context.Background(), domain.GenerateRequest{
		Prompt:      "a fox in the snow",
		AspectRatio: "16:9",
		InputURLs:   []string{"https://cdn/in.png"},
		CallbackURL: "https://api.example.com/webhooks/generation/kie",
	})
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if taskID != "kie-task-1" {
		t.Fatalf("expected kie-task-1, got %s", taskID)
	}
}

func TestParseWebhookSuccessResultJSON(t *testing.T) {
	gw := newGateway(t, "http://example.invalid")
	payload := []byte(`{"code":200,"data":{"taskId":"kie-task-1","state":"success","resultJson":"{\"resultUrls\":[\"https://cdn/out.png\"]}"}}`)

	event, err := gw.ParseWebhook(context.Background(), payload)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if event.State != domain.StateSucceeded {
		t.Fatalf("expected succeeded, got %s", event.State)
	}
	if len(event.ResultURLs) != 1 || event.ResultURLs[0] != "https://cdn/out.png" {
		t.Fatalf("unexpected result urls %v", event.ResultURLs)
	}
}

func TestParseWebhookFailure(t *testing.T) {
	gw := newGateway(t, "http://example.invalid")
	payload := []byte(`{"code":501,"data":{"taskId":"kie-task-2","state":"fail","failCode":"422","failMsg":"prompt rejected"}}`)

	event, err := gw.ParseWebhook(context.Background(), payload)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if event.State != domain.StateFailed {
		t.Fatalf("expected failed, got %s", event.State)
	}
	if event.ErrorCode != "422" || event.ErrorMessage != "prompt rejected" {
		t.Fatalf("unexpected error %s/%s", event.ErrorCode, event.ErrorMessage)
	}
}

func TestParseWebhookFailureDefaultsErrorCode(t *testing.T) {
	gw := newGateway(t, "http://example.invalid")
	payload := []byte(`{"data":{"taskId":"kie-task-3","state":"fail"}}`)

	event, err := gw.ParseWebhook(context.Background(), payload)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if event.ErrorCode != "generation_failed" {
		t.Fatalf("expected generation_failed default, got %s", event.ErrorCode)
	}
}

func TestParseWebhookProgressStates(t *testing.T) {
	gw := newGateway(t, "http://example.invalid")

	cases := []struct {
		state string
		want  string
	}{
		{"waiting", domain.StateQueued},
		{"queuing", domain.StateQueued},
		{"generating", domain.StateProcessing},
	}
	for _, tc := range cases {
		payload := []byte(`{"data":{"taskId":"kie-task-4","state":"` + tc.state + `"}}`)
		event, err := gw.ParseWebhook(context.Background(), payload)
		if err != nil {
			t.Fatalf("state %s: parse: %v", tc.state, err)
		}
		if event.State != tc.want {
			t.Fatalf("state %s: expected %s, got %s", tc.state, tc.want, event.State)
		}
	}
}

func TestParseWebhookUnknownState(t *testing.T) {
	gw := newGateway(t, "http://example.invalid")
	_, err := gw.ParseWebhook(context.Background(), []byte(`{"data":{"taskId":"kie-task-5","state":"exploded"}}`))
	if !errors.Is(err, domain.ErrInvalidPayload) {
		t.Fatalf("expected ErrInvalidPayload, got %v", err)
	}
}
