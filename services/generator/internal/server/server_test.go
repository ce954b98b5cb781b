package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/alicebob/miniredis/v2"

	"teachforge/pkg/auth"
	"teachforge/pkg/modelgateway"
	"teachforge/pkg/store"
	"teachforge/services/generator/internal/app"
)

const testSecret = "0123456789abcdef0123456789abcdef"

type fakeGateway struct{}

func (fakeGateway) Generate(_ context.Context, generationType string, _ map[string]any, _ string) (modelgateway.Response, error) {
	return modelgateway.Response{
		Type:     generationType,
		Document: map[string]any{"title": "Generated"},
		Model:    "standard-1",
	}, nil
}

func (fakeGateway) OpenStream(context.Context, string, map[string]any, string) (io.ReadCloser, error) {
	return io.NopCloser(strings.NewReader("data: {\"type\":\"complete\",\"data\":{\"totalScore\":10}}\n\n")), nil
}

func newTestServer(t *testing.T) (*httptest.Server, *auth.SessionTokens) {
	t.Helper()
	mr := miniredis.RunT(t)

	application, err := app.New(app.Config{Store: store.NewMemoryStore(), Gateway: fakeGateway{}})
	if err != nil {
		t.Fatalf("new app: %v", err)
	}
	tokens, err := auth.NewSessionTokens(testSecret, auth.Options{})
	if err != nil {
		t.Fatalf("new tokens: %v", err)
	}
	srv, err := New(Config{
		App:                        application,
		Tokens:                     tokens,
		RedisAddr:                  mr.Addr(),
		GenerateRateLimitPerMinute: 100,
		WebhookRateLimitPerMinute:  100,
	})
	if err != nil {
		t.Fatalf("new server: %v", err)
	}
	ts := httptest.NewServer(srv.Router())
	t.Cleanup(ts.Close)
	return ts, tokens
}

func authedRequest(t *testing.T, tokens *auth.SessionTokens, method, url string, body []byte) *http.Request {
	t.Helper()
	token, err := tokens.Issue("user-1")
	if err != nil {
		t.Fatalf("issue token: %v", err)
	}
	req, err := http.NewRequest(method, url, bytes.NewReader(body))
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/json")
	return req
}

func doJSON(t *testing.T, req *http.Request) (*http.Response, map[string]any) {
	t.Helper()
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("do: %v", err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	var body map[string]any
	json.NewDecoder(resp.Body).Decode(&body)
	return resp, body
}

func TestHealthz(t *testing.T) {
	ts, _ := newTestServer(t)
	resp, err := http.Get(ts.URL + "/healthz")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
}

func TestGenerateRequiresAuth(t *testing.T) {
	ts, _ := newTestServer(t)

	resp, err := http.Post(ts.URL+"/api/generate", "application/json", strings.NewReader(`{"type":"quiz"}`))
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", resp.StatusCode)
	}

	req, _ := http.NewRequest(http.MethodPost, ts.URL+"/api/generate", strings.NewReader(`{"type":"quiz"}`))
	req.Header.Set("Authorization", "Bearer garbage-token")
	resp2, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("do: %v", err)
	}
	defer resp2.Body.Close()
	if resp2.StatusCode != http.StatusUnauthorized {
		t.Fatalf("bad token status = %d, want 401", resp2.StatusCode)
	}
}

func TestGenerateSuccess(t *testing.T) {
	ts, tokens := newTestServer(t)

	req := authedRequest(t, tokens, http.MethodPost, ts.URL+"/api/generate", []byte(`{"type":"quiz","payload":{"topic":"rivers"}}`))
	resp, body := doJSON(t, req)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, body %v", resp.StatusCode, body)
	}
	doc, _ := body["document"].(map[string]any)
	if doc["title"] != "Generated" {
		t.Fatalf("document wrong: %v", body)
	}
}

func TestGenerateInvalidBody(t *testing.T) {
	ts, tokens := newTestServer(t)
	req := authedRequest(t, tokens, http.MethodPost, ts.URL+"/api/generate", []byte(`{broken`))
	resp, _ := doJSON(t, req)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", resp.StatusCode)
	}
}

func TestGenerateQuotaMapsTo402(t *testing.T) {
	ts, tokens := newTestServer(t)

	// Free tier allows 10 activities; the 11th must be rejected.
	for i := 0; i < 10; i++ {
		req := authedRequest(t, tokens, http.MethodPost, ts.URL+"/api/generate", []byte(`{"type":"quiz"}`))
		resp, body := doJSON(t, req)
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("request %d status = %d, body %v", i, resp.StatusCode, body)
		}
	}

	req := authedRequest(t, tokens, http.MethodPost, ts.URL+"/api/generate", []byte(`{"type":"quiz"}`))
	resp, body := doJSON(t, req)
	if resp.StatusCode != http.StatusPaymentRequired {
		t.Fatalf("status = %d, want 402", resp.StatusCode)
	}
	if body["limitType"] != "activities" || body["tier"] != "free" {
		t.Fatalf("quota body wrong: %v", body)
	}
	if body["currentUsage"].(float64) != 10 || body["limit"].(float64) != 10 {
		t.Fatalf("quota numbers wrong: %v", body)
	}
}

func TestUsageEndpoint(t *testing.T) {
	ts, tokens := newTestServer(t)

	req := authedRequest(t, tokens, http.MethodPost, ts.URL+"/api/generate", []byte(`{"type":"lessonPlan"}`))
	if resp, body := doJSON(t, req); resp.StatusCode != http.StatusOK {
		t.Fatalf("seed generate failed: %d %v", resp.StatusCode, body)
	}

	req = authedRequest(t, tokens, http.MethodGet, ts.URL+"/api/usage", nil)
	resp, body := doJSON(t, req)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if body["tier"] != "free" {
		t.Fatalf("tier wrong: %v", body)
	}
	used, _ := body["usage"].(map[string]any)
	if used["lessonPlans"].(float64) != 1 {
		t.Fatalf("usage wrong: %v", body)
	}
	limits, _ := body["limits"].(map[string]any)
	if limits["lessonPlans"].(float64) != 5 {
		t.Fatalf("limits wrong: %v", body)
	}
}

func TestGradingSessionLifecycle(t *testing.T) {
	ts, tokens := newTestServer(t)

	req := authedRequest(t, tokens, http.MethodPost, ts.URL+"/api/grading/sessions", []byte(`{"payload":{"submissionText":"my answer"}}`))
	resp, body := doJSON(t, req)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("start status = %d, body %v", resp.StatusCode, body)
	}
	id, _ := body["id"].(string)
	if id == "" {
		t.Fatalf("missing session id: %v", body)
	}

	req = authedRequest(t, tokens, http.MethodGet, ts.URL+"/api/grading/sessions/"+id, nil)
	resp, body = doJSON(t, req)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("get status = %d", resp.StatusCode)
	}
	if body["id"] != id {
		t.Fatalf("snapshot wrong: %v", body)
	}

	req = authedRequest(t, tokens, http.MethodDelete, ts.URL+"/api/grading/sessions/"+id, nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("delete: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("delete status = %d, want 204", resp.StatusCode)
	}

	req = authedRequest(t, tokens, http.MethodGet, ts.URL+"/api/grading/sessions/unknown-id", nil)
	resp, _ = doJSON(t, req)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("unknown session status = %d, want 404", resp.StatusCode)
	}
}

func TestBillingWebhook(t *testing.T) {
	ts, _ := newTestServer(t)

	payload := `{"type":"subscription_preapproval","preapproval_id":"pre-1","status":"authorized","external_reference":"user-1"}`
	resp, err := http.Post(ts.URL+"/webhooks/billing", "application/json", strings.NewReader(payload))
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}

	bad, err := http.Post(ts.URL+"/webhooks/billing", "application/json", strings.NewReader(`{"type":"unknown"}`))
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	defer bad.Body.Close()
	if bad.StatusCode != http.StatusBadRequest {
		t.Fatalf("bad payload status = %d, want 400", bad.StatusCode)
	}
}

func TestWebhookUpgradesTierEndToEnd(t *testing.T) {
	ts, tokens := newTestServer(t)

	payload := `{"type":"subscription_preapproval","preapproval_id":"pre-1","status":"authorized","external_reference":"user-1"}`
	resp, err := http.Post(ts.URL+"/webhooks/billing", "application/json", strings.NewReader(payload))
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	resp.Body.Close()

	req := authedRequest(t, tokens, http.MethodGet, ts.URL+"/api/usage", nil)
	got, body := doJSON(t, req)
	if got.StatusCode != http.StatusOK {
		t.Fatalf("usage status = %d", got.StatusCode)
	}
	if body["tier"] != "premium" {
		t.Fatalf("tier after webhook = %v, want premium", body["tier"])
	}
}

func TestGenerateRateLimited(t *testing.T) {
	mr := miniredis.RunT(t)
	application, err := app.New(app.Config{Store: store.NewMemoryStore(), Gateway: fakeGateway{}})
	if err != nil {
		t.Fatalf("new app: %v", err)
	}
	tokens, _ := auth.NewSessionTokens(testSecret, auth.Options{})
	srv, err := New(Config{
		App:                        application,
		Tokens:                     tokens,
		RedisAddr:                  mr.Addr(),
		GenerateRateLimitPerMinute: 2,
		WebhookRateLimitPerMinute:  100,
	})
	if err != nil {
		t.Fatalf("new server: %v", err)
	}
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	var last int
	for i := 0; i < 3; i++ {
		req := authedRequest(t, tokens, http.MethodPost, ts.URL+"/api/generate", []byte(`{"type":"quiz"}`))
		resp, _ := doJSON(t, req)
		last = resp.StatusCode
	}
	if last != http.StatusTooManyRequests {
		t.Fatalf("third request status = %d, want 429", last)
	}
}

func TestMethodNotAllowed(t *testing.T) {
	ts, tokens := newTestServer(t)
	req := authedRequest(t, tokens, http.MethodDelete, ts.URL+"/api/generate", nil)
	resp, _ := doJSON(t, req)
	if resp.StatusCode != http.StatusMethodNotAllowed {
		t.Fatalf("status = %d, want 405", resp.StatusCode)
	}
}
