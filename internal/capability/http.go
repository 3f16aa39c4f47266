package capability

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/postforge/postforge/pkg/schema"
)

const maxResponseBody = 4 * 1024 * 1024 // 4MB

// HTTPSearcher retrieves items from a JSON search endpoint. The endpoint
// receives `q` and `limit` query parameters and must respond with
// {"items": [...]} using the schema.Item field names.
type HTTPSearcher struct {
	Endpoint string
	APIKey   string
	Client   *http.Client
}

func (s *HTTPSearcher) client() *http.Client {
	if s.Client != nil {
		return s.Client
	}
	return &http.Client{Timeout: 30 * time.Second}
}

func (s *HTTPSearcher) Search(ctx context.Context, req SearchRequest) ([]schema.Item, error) {
	u, err := url.Parse(s.Endpoint)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "invalid search endpoint %q", s.Endpoint).WithCause(err)
	}
	q := u.Query()
	q.Set("q", req.Query)
	if req.Limit > 0 {
		q.Set("limit", strconv.Itoa(req.Limit))
	}
	u.RawQuery = q.Encode()

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("build search request: %w", err)
	}
	httpReq.Header.Set("Accept", "application/json")
	if s.APIKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+s.APIKey)
	}

	resp, err := s.client().Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("search request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil {
		return nil, fmt.Errorf("read search response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("search endpoint returned %d: %s", resp.StatusCode, truncate(string(body), 200))
	}

	var payload struct {
		Items []schema.Item `json:"items"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, fmt.Errorf("decode search response: %w", err)
	}
	return payload.Items, nil
}

// WebhookPublisher posts the draft as JSON to a webhook and expects
// {"post_id": "..."} back. Used to hand approved content to the platform
// integration that owns the actual posting credentials.
type WebhookPublisher struct {
	Endpoint string
	APIKey   string
	Client   *http.Client
}

func (p *WebhookPublisher) client() *http.Client {
	if p.Client != nil {
		return p.Client
	}
	return &http.Client{Timeout: 30 * time.Second}
}

func (p *WebhookPublisher) Publish(ctx context.Context, req PublishRequest) (string, error) {
	body, err := json.Marshal(map[string]any{
		"workflow_id":   req.WorkflowID,
		"draft_version": req.Draft.Version,
		"text":          req.Draft.Text,
		"topic":         req.Intent.Topic,
		"tone":          req.Intent.Tone,
	})
	if err != nil {
		return "", fmt.Errorf("encode publish payload: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.Endpoint, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("build publish request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if p.APIKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+p.APIKey)
	}

	resp, err := p.client().Do(httpReq)
	if err != nil {
		return "", fmt.Errorf("publish request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil {
		return "", fmt.Errorf("read publish response: %w", err)
	}
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return "", fmt.Errorf("publish endpoint returned %d: %s", resp.StatusCode, truncate(string(respBody), 200))
	}

	var payload struct {
		PostID string `json:"post_id"`
	}
	if err := json.Unmarshal(respBody, &payload); err != nil {
		return "", fmt.Errorf("decode publish response: %w", err)
	}
	if payload.PostID == "" {
		return "", fmt.Errorf("publish endpoint returned no post_id")
	}
	return payload.PostID, nil
}
