// Package modelgateway is the HTTP client for the external model API that
// turns structured prompts into generated documents or grading streams.
package modelgateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"teachforge/pkg/domain"
)

const defaultCallTimeout = 120 * time.Second

// Client calls the model gateway's generate endpoint.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

// NewClient builds a gateway client. apiKey can be empty for gateways that
// do not require authentication.
func NewClient(baseURL, apiKey string) *Client {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	return &Client{
		baseURL: baseURL,
		apiKey:  strings.TrimSpace(apiKey),
		httpClient: &http.Client{
			Timeout: defaultCallTimeout,
		},
	}
}

// request is the wire shape of one gateway call.
type request struct {
	Type    string         `json:"type"`
	Payload map[string]any `json:"payload,omitempty"`
	Model   string         `json:"model,omitempty"`
	Stream  bool           `json:"stream"`
}

// Response is the non-stream result of a generation call.
type Response struct {
	Type     string         `json:"type"`
	Document map[string]any `json:"document"`
	Model    string         `json:"model,omitempty"`
}

// Generate performs one non-stream generation call. modelClass selects the
// model family the caller's tier is entitled to.
func (c *Client) Generate(ctx context.Context, generationType string, payload map[string]any, modelClass string) (Response, error) {
	body, err := json.Marshal(request{
		Type:    generationType,
		Payload: payload,
		Model:   modelClass,
		Stream:  false,
	})
	if err != nil {
		return Response{}, err
	}
	resp, err := c.do(ctx, body)
	if err != nil {
		return Response{}, err
	}
	defer resp.Body.Close()

	if err := checkStatus(resp); err != nil {
		return Response{}, err
	}

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return Response{}, fmt.Errorf("gateway read body: %w", err)
	}
	var out Response
	if err := json.Unmarshal(raw, &out); err != nil {
		return Response{}, &MalformedResponseError{Reason: fmt.Sprintf("invalid JSON: %v", err)}
	}
	if len(out.Document) == 0 {
		return Response{}, &MalformedResponseError{Reason: "response missing document"}
	}
	if err := domain.ValidateDocument(generationType, out.Document); err != nil {
		return Response{}, &MalformedResponseError{Reason: err.Error()}
	}
	return out, nil
}

// OpenStream starts a streaming call and returns the raw event-stream body.
// The caller owns the reader and must close it.
func (c *Client) OpenStream(ctx context.Context, generationType string, payload map[string]any, modelClass string) (io.ReadCloser, error) {
	body, err := json.Marshal(request{
		Type:    generationType,
		Payload: payload,
		Model:   modelClass,
		Stream:  true,
	})
	if err != nil {
		return nil, err
	}
	resp, err := c.do(ctx, body)
	if err != nil {
		return nil, err
	}
	if err := checkStatus(resp); err != nil {
		resp.Body.Close()
		return nil, err
	}
	contentType := resp.Header.Get("Content-Type")
	if !strings.Contains(contentType, "text/event-stream") {
		resp.Body.Close()
		return nil, &MalformedResponseError{Reason: fmt.Sprintf("expected event stream, got %q", contentType)}
	}
	return resp.Body, nil
}

func (c *Client) do(ctx context.Context, body []byte) (*http.Response, error) {
	if c.baseURL == "" {
		return nil, fmt.Errorf("gateway base URL required")
	}
	url := c.baseURL + "/v1/generate"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("gateway request: %w", err)
	}
	return resp, nil
}

// checkStatus translates non-2xx responses into the error taxonomy. The
// gateway signals its own quota/payment condition with 402 or an error body
// carrying limit context; everything else 4xx/5xx is retryable transport.
func checkStatus(resp *http.Response) error {
	if resp.StatusCode < 400 {
		return nil
	}
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	var errBody struct {
		Error   string        `json:"error"`
		Context *LimitContext `json:"context"`
	}
	_ = json.Unmarshal(raw, &errBody)

	if resp.StatusCode == http.StatusPaymentRequired || errBody.Context != nil {
		pr := &PaymentRequiredError{Message: errBody.Error}
		if errBody.Context != nil {
			pr.Context = *errBody.Context
		}
		return pr
	}
	if errBody.Error != "" {
		return fmt.Errorf("gateway error (%d): %s", resp.StatusCode, errBody.Error)
	}
	return fmt.Errorf("gateway error: %s", resp.Status)
}
