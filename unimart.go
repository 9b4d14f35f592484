// Package unimart provides the Go SDK for the Unimart realtime request/offer
// sync engine.
//
// A Session keeps a student's or merchant's view of requests, offers and
// conversations consistent with events pushed over two persistent sockets.
//
// Example:
//
//	client := unimart.NewClient(token, unimart.WithBaseURL("https://api.unimart.dev"))
//	sess, _ := client.NewSession(ctx, nil)
//	_ = sess.Start(ctx)
//	defer sess.Close()
//
//	sess.Store().Subscribe(func(p unimart.Projection) { render(p) })
//	sess.CancelRequest(ctx, "req-1")
package unimart

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/unimart/sdk/golang/internal/logger"
)

const (
	DefaultBaseURL = "http://localhost:8080"
	DefaultTimeout = 30 * time.Second
)

// ============================================================================
// Client
// ============================================================================

// Client is the token-authenticated entry point. It talks REST to the
// collaborator API and builds the realtime connections.
type Client struct {
	token      string
	baseURL    string
	httpClient *http.Client
	log        *slog.Logger
}

type ClientOption func(*Client)

func WithBaseURL(url string) ClientOption {
	return func(c *Client) { c.baseURL = strings.TrimRight(url, "/") }
}

func WithTimeout(timeout time.Duration) ClientOption {
	return func(c *Client) { c.httpClient.Timeout = timeout }
}

func WithHTTPClient(client *http.Client) ClientOption {
	return func(c *Client) { c.httpClient = client }
}

func WithLogger(l *slog.Logger) ClientOption {
	return func(c *Client) { c.log = l }
}

// NewClient creates a client authenticated with token.
func NewClient(token string, opts ...ClientOption) *Client {
	c := &Client{
		token:   token,
		baseURL: DefaultBaseURL,
		httpClient: &http.Client{
			Timeout: DefaultTimeout,
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	c.log = logger.Or(c.log)
	return c
}

// Token returns the auth token.
func (c *Client) Token() string { return c.token }

// BaseURL returns the REST base URL.
func (c *Client) BaseURL() string { return c.baseURL }

// ============================================================================
// Internal request helper
// ============================================================================

func (c *Client) doRequest(ctx context.Context, method, path string, body any, query map[string]string) ([]byte, error) {
	u := c.baseURL + path
	if len(query) > 0 {
		params := url.Values{}
		for k, v := range query {
			params.Set(k, v)
		}
		u += "?" + params.Encode()
	}

	var bodyReader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal request: %w", err)
		}
		bodyReader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode >= 300 {
		apiErr := &APIError{Status: resp.StatusCode}
		if json.Unmarshal(data, apiErr) != nil || apiErr.Message == "" {
			apiErr.Message = strings.TrimSpace(string(data))
			if apiErr.Message == "" {
				apiErr.Message = http.StatusText(resp.StatusCode)
			}
		}
		return nil, apiErr
	}
	return data, nil
}

func decodeJSON[T any](data []byte) (*T, error) {
	var result T
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, fmt.Errorf("failed to unmarshal response: %w", err)
	}
	return &result, nil
}

// ============================================================================
// REST
// ============================================================================

// Me fetches the authenticated user from GET /api/users/me. Both a bare user
// object and one wrapped in {"user": ...} are accepted.
func (c *Client) Me(ctx context.Context) (*Identity, error) {
	data, err := c.doRequest(ctx, http.MethodGet, "/api/users/me", nil, nil)
	if err != nil {
		return nil, err
	}
	wrapped, err := decodeJSON[struct {
		User *Identity `json:"user"`
	}](data)
	if err != nil {
		return nil, err
	}
	if wrapped.User != nil && wrapped.User.UserID != "" {
		return wrapped.User, nil
	}
	id, err := decodeJSON[Identity](data)
	if err != nil {
		return nil, err
	}
	if id.UserID == "" {
		return nil, ErrNoIdentity
	}
	return id, nil
}

// NewRequestInput is the body of CreateRequest.
type NewRequestInput struct {
	Title       string `json:"title"`
	Description string `json:"description,omitempty"`
	Category    string `json:"category,omitempty"`
}

// CreateRequest posts a new request. The server announces it with
// new_request on the requests channel as well.
func (c *Client) CreateRequest(ctx context.Context, in NewRequestInput) (*Request, error) {
	data, err := c.doRequest(ctx, http.MethodPost, "/api/requests", in, nil)
	if err != nil {
		return nil, err
	}
	res, err := decodeJSON[struct {
		Request Request `json:"request"`
	}](data)
	if err != nil {
		return nil, err
	}
	return &res.Request, nil
}

// Offers lists the offers made on a request.
func (c *Client) Offers(ctx context.Context, requestID string) ([]Offer, error) {
	data, err := c.doRequest(ctx, http.MethodGet, "/api/requests/"+url.PathEscape(requestID)+"/offers", nil, nil)
	if err != nil {
		return nil, err
	}
	res, err := decodeJSON[struct {
		Offers []Offer `json:"offers"`
	}](data)
	if err != nil {
		return nil, err
	}
	return res.Offers, nil
}

// CreateOffer makes a merchant offer on a pending request.
func (c *Client) CreateOffer(ctx context.Context, requestID string, price float64, message string) (*Offer, error) {
	body := map[string]any{"price": price, "message": message}
	data, err := c.doRequest(ctx, http.MethodPost, "/api/requests/"+url.PathEscape(requestID)+"/offers", body, nil)
	if err != nil {
		return nil, err
	}
	res, err := decodeJSON[struct {
		Offer Offer `json:"offer"`
	}](data)
	if err != nil {
		return nil, err
	}
	return &res.Offer, nil
}

// ============================================================================
// Realtime factory
// ============================================================================

// WSURL returns the socket endpoint of a channel, without the token.
func (c *Client) WSURL(channel Channel) string {
	base := strings.Replace(c.baseURL, "https://", "wss://", 1)
	base = strings.Replace(base, "http://", "ws://", 1)
	return base + "/ws/" + string(channel)
}

// Connect creates a connection for one channel. Call Connect on the result to
// open it. A nil config uses the defaults with AutoReconnect enabled.
func (c *Client) Connect(channel Channel, config *RealtimeConfig) *Connection {
	cfg := RealtimeConfig{AutoReconnect: true}
	if config != nil {
		cfg = *config
	}
	if cfg.Token == "" {
		cfg.Token = c.token
	}
	if cfg.Logger == nil {
		cfg.Logger = c.log
	}
	return NewConnection(channel, c.WSURL(channel), &cfg)
}
