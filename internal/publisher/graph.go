package publisher

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// GraphPublisher adapts the graph-style HTTP APIs used by the large social
// platform family: POST to an account feed endpoint with a bearer token,
// receive the created object's id.
type GraphPublisher struct {
	baseURL    string
	edge       string
	httpClient *http.Client
}

// NewGraphPublisher builds an adapter for one platform endpoint. edge is the
// per-account path segment the content is posted to (e.g. "feed" or "media").
func NewGraphPublisher(baseURL, edge string, timeout time.Duration) *GraphPublisher {
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	return &GraphPublisher{
		baseURL:    strings.TrimRight(baseURL, "/"),
		edge:       edge,
		httpClient: &http.Client{Timeout: timeout},
	}
}

type graphResponse struct {
	ID    string `json:"id"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error"`
}

// Publish posts the content to the destination account. A non-2xx response
// with an error body becomes a Rejected error carrying the platform message.
func (g *GraphPublisher) Publish(ctx context.Context, content Content, dest Destination) (string, error) {
	form := url.Values{}
	form.Set("message", content.Caption)
	if content.ImageURL != "" {
		form.Set("url", content.ImageURL)
	}

	endpoint := fmt.Sprintf("%s/%s/%s", g.baseURL, url.PathEscape(dest.ExternalAccountID), g.edge)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return "", fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Authorization", "Bearer "+dest.Token)

	resp, err := g.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("publish request: %w", err)
	}
	defer resp.Body.Close()

	var body graphResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return "", fmt.Errorf("decode response (status %d): %w", resp.StatusCode, err)
	}

	if resp.StatusCode >= http.StatusBadRequest {
		msg := fmt.Sprintf("platform returned status %d", resp.StatusCode)
		if body.Error != nil && body.Error.Message != "" {
			msg = body.Error.Message
		}
		return "", &Rejected{Message: msg}
	}
	if body.ID == "" {
		return "", &Rejected{Message: "platform response missing object id"}
	}
	return body.ID, nil
}
