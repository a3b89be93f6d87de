package delivery

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/matthewtrundle/BloomMac-sub009/internal/pkg/httpretry"
	"github.com/matthewtrundle/BloomMac-sub009/internal/pkg/logger"
)

// HTTPGateway posts messages to a JSON email API with Resend's shape:
// POST {base}/emails, bearer auth, response {"id": "..."}.
type HTTPGateway struct {
	baseURL string
	apiKey  string
	client  httpretry.HTTPDoer
}

func NewHTTPGateway(baseURL, apiKey string, maxRetries int, timeout time.Duration) *HTTPGateway {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &HTTPGateway{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		client:  httpretry.NewRetryClient(&http.Client{Timeout: timeout}, maxRetries),
	}
}

type httpTag struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

type httpSendRequest struct {
	From    string    `json:"from"`
	To      []string  `json:"to"`
	Subject string    `json:"subject"`
	HTML    string    `json:"html"`
	Tags    []httpTag `json:"tags,omitempty"`
}

type httpSendResponse struct {
	ID      string `json:"id"`
	Message string `json:"message"`
}

func (g *HTTPGateway) Send(ctx context.Context, msg Message) (Receipt, error) {
	payload := httpSendRequest{From: msg.From, To: []string{msg.To}, Subject: msg.Subject, HTML: msg.HTML}
	for k, v := range msg.Tags {
		payload.Tags = append(payload.Tags, httpTag{Name: k, Value: tagValue(v)})
	}
	sort.Slice(payload.Tags, func(i, j int) bool { return payload.Tags[i].Name < payload.Tags[j].Name })

	body, err := json.Marshal(payload)
	if err != nil {
		return Receipt{}, fmt.Errorf("marshal: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.baseURL+"/emails", bytes.NewReader(body))
	if err != nil {
		return Receipt{}, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+g.apiKey)
	req.Header.Set("Content-Type", "application/json")
	if msg.IdempotencyKey != "" {
		req.Header.Set("Idempotency-Key", msg.IdempotencyKey)
	}

	resp, err := g.client.Do(req)
	if err != nil {
		return Receipt{}, fmt.Errorf("send: %w", err)
	}
	defer resp.Body.Close()
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))

	if resp.StatusCode >= 300 {
		return Receipt{}, fmt.Errorf("provider returned status %d: %s", resp.StatusCode, truncate(string(raw), 200))
	}
	var out httpSendResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		return Receipt{}, fmt.Errorf("decode response: %w", err)
	}
	logger.Debug("[HTTPGateway] sent", "to", msg.To, "message_id", out.ID)
	return Receipt{ID: out.ID, Provider: "http"}, nil
}
