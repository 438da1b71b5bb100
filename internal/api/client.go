package api

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"

	"teleconsult/native/internal/config"
	"teleconsult/native/internal/domain"
)

type iceResponse struct {
	ICEServers json.RawMessage `json:"iceServers"`
	TTL        int             `json:"ttl,omitempty"`
}

// Client fetches short-lived TURN credentials from a credentials endpoint.
type Client struct {
	url   string
	token string
	http  *http.Client
}

// NewClient creates an API client for the given endpoint. token is sent as a
// bearer token when non-empty.
func NewClient(url, token string) *Client {
	return &Client{
		url:   url,
		token: token,
		http:  &http.Client{Timeout: 10 * time.Second},
	}
}

// FetchICEServers calls the endpoint and returns the parsed ICE server list.
func (c *Client) FetchICEServers(ctx context.Context) ([]domain.ICEServer, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url, nil)
	if err != nil {
		return nil, fmt.Errorf("create http request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Request-Id", uuid.NewString())
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("http request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("http %d: %s", resp.StatusCode, string(body))
	}

	var out iceResponse
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, fmt.Errorf("unmarshal response: %w", err)
	}
	if len(out.ICEServers) == 0 {
		return nil, fmt.Errorf("response has no iceServers")
	}

	servers, err := config.ParseICEServersJSON(string(out.ICEServers))
	if err != nil {
		return nil, fmt.Errorf("parse iceServers: %w", err)
	}
	return servers, nil
}
