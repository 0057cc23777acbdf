// Package phiacta is the HTTP client for the upstream claims platform.
// The engine fetches claims from it and reports verification reviews
// back.
package phiacta

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Claim is the subset of the upstream claim payload the engine uses.
// Unknown fields are preserved in Raw for callers that need them.
type Claim struct {
	ID        uuid.UUID      `json:"id"`
	Title     string         `json:"title"`
	Statement string         `json:"statement"`
	Status    string         `json:"status"`
	Raw       map[string]any `json:"-"`
}

// Review is a verification review posted back to the platform.
type Review struct {
	Verdict    string  `json:"verdict"`
	Confidence float64 `json:"confidence"`
	Comment    string  `json:"comment"`
}

// Client talks to the phiacta backend with bearer authentication.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

// NewClient creates a client for the given API root, e.g.
// "http://localhost:8000".
func NewClient(baseURL, apiKey string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// FetchClaim retrieves a claim by ID.
func (c *Client) FetchClaim(ctx context.Context, claimID uuid.UUID) (*Claim, error) {
	body, err := c.do(ctx, http.MethodGet, fmt.Sprintf("/v1/claims/%s", claimID), nil)
	if err != nil {
		return nil, err
	}

	var claim Claim
	if err := json.Unmarshal(body, &claim); err != nil {
		return nil, fmt.Errorf("decoding claim %s: %w", claimID, err)
	}
	if err := json.Unmarshal(body, &claim.Raw); err != nil {
		return nil, fmt.Errorf("decoding claim %s: %w", claimID, err)
	}
	return &claim, nil
}

// SubmitReview posts a verification review for a claim.
func (c *Client) SubmitReview(ctx context.Context, claimID uuid.UUID, review Review) error {
	payload, err := json.Marshal(review)
	if err != nil {
		return fmt.Errorf("encoding review: %w", err)
	}
	_, err = c.do(ctx, http.MethodPost, fmt.Sprintf("/v1/claims/%s/reviews", claimID), payload)
	return err
}

func (c *Client) do(ctx context.Context, method, path string, payload []byte) ([]byte, error) {
	var body io.Reader
	if payload != nil {
		body = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, fmt.Errorf("building request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("reading response from %s: %w", path, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("%s %s: unexpected status %d: %s", method, path, resp.StatusCode, truncateBody(data))
	}
	return data, nil
}

func truncateBody(data []byte) string {
	const limit = 256
	if len(data) > limit {
		return string(data[:limit]) + "..."
	}
	return string(data)
}
