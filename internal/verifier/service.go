package verifier

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

	"github.com/kalambet/taskcheck/internal/errclass"
	"github.com/kalambet/taskcheck/internal/task"
)

const defaultServiceTimeout = 10 * time.Second

// Request is sent to the verification service.
type Request struct {
	ItemID   string         `json:"item_id"`
	Category task.Category  `json:"category"`
	Payload  map[string]any `json:"payload"`
}

// Response is returned by the verification service.
type Response struct {
	Success bool           `json:"success"`
	Status  string         `json:"status,omitempty"`
	Message string         `json:"message"`
	Reward  *task.Reward   `json:"reward,omitempty"`
	Details map[string]any `json:"verification_details,omitempty"`
}

// Service performs a single verification call. Implementations return
// *errclass.StatusError for non-2xx responses so failures can be classified.
type Service interface {
	Verify(ctx context.Context, req Request) (*Response, error)
}

// Client talks to the remote verification service over HTTP.
type Client struct {
	apiKey     string
	baseURL    string
	httpClient *http.Client
}

// NewClient creates a service client for baseURL. apiKey may be empty.
func NewClient(apiKey, baseURL string) *Client {
	return &Client{
		apiKey:     apiKey,
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: defaultServiceTimeout},
	}
}

// Init validates the configured base URL. It does not contact the service;
// an unreachable service surfaces as network errors on each call.
func (c *Client) Init(context.Context) error {
	u, err := url.Parse(c.baseURL)
	if err != nil {
		return fmt.Errorf("parsing verification service URL: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("verification service URL %q must be http or https", c.baseURL)
	}
	if u.Host == "" {
		return fmt.Errorf("verification service URL %q has no host", c.baseURL)
	}
	return nil
}

// Verify posts req to {baseURL}/verify.
func (c *Client) Verify(ctx context.Context, req Request) (*Response, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshaling request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/verify", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("executing request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, &errclass.StatusError{Code: resp.StatusCode, Body: strings.TrimSpace(string(respBody))}
	}

	var out Response
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decoding response: %w", err)
	}
	return &out, nil
}

// Ping checks that the service answers at all. Any HTTP response counts.
func (c *Client) Ping(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/health", nil)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("verification service unreachable: %w", err)
	}
	resp.Body.Close()
	return nil
}
