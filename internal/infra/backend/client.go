// Package backend talks to the channel-management service that owns live
// channel state. Client is the authenticated HTTP JSON implementation of
// domain.Backend; MockBackend is an in-memory one for tests and offline runs.
//
// Every write failure is classified: network errors, timeouts, 408, 429, and
// 5xx are transient; other 4xx and undecodable responses are permanent.
package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/tutu-network/chanopt/internal/domain"
	"github.com/tutu-network/chanopt/internal/infra/metrics"
)

// Endpoint names, used for breakers, metrics, and error ops.
const (
	EndpointReadState    = "read_state"
	EndpointReadPolicy   = "read_policy"
	EndpointApplyPolicy  = "apply_policy"
	EndpointRebalance    = "rebalance"
	EndpointCloseChannel = "close_channel"
)

// Config configures the HTTP client.
type Config struct {
	URL           string
	Token         string
	Timeout       time.Duration
	RatePerSecond float64 // 0 disables client-side pacing
	Burst         int
}

// Client implements domain.Backend over HTTP.
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
	limiter    *rate.Limiter
	now        func() time.Time
}

// NewClient constructs a client targeting cfg.URL.
func NewClient(cfg Config) (*Client, error) {
	u, err := url.Parse(cfg.URL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, domain.NewConfigError("backend.url", "invalid URL %q", cfg.URL)
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	limiter := rate.NewLimiter(rate.Inf, 1)
	if cfg.RatePerSecond > 0 {
		burst := cfg.Burst
		if burst <= 0 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSecond), burst)
	}
	return &Client{
		baseURL:    strings.TrimRight(cfg.URL, "/"),
		token:      cfg.Token,
		httpClient: &http.Client{Timeout: timeout},
		limiter:    limiter,
		now:        time.Now,
	}, nil
}

// ReadState lists every channel with its balances and policy.
func (c *Client) ReadState(ctx context.Context) ([]domain.ChannelState, error) {
	var response struct {
		Channels   []domain.ChannelState `json:"channels"`
		ObservedAt time.Time             `json:"observed_at"`
	}
	if err := c.do(ctx, EndpointReadState, "", http.MethodGet, "/v1/channels", nil, &response); err != nil {
		return nil, err
	}
	observed := response.ObservedAt
	if observed.IsZero() {
		observed = c.now()
	}
	for i := range response.Channels {
		if response.Channels[i].ObservedAt.IsZero() {
			response.Channels[i].ObservedAt = observed
		}
	}
	return response.Channels, nil
}

// ReadPolicy fetches the live fee policy of one channel.
func (c *Client) ReadPolicy(ctx context.Context, channelID string) (domain.FeePolicy, error) {
	var fp domain.FeePolicy
	err := c.do(ctx, EndpointReadPolicy, channelID, http.MethodGet, channelPath(channelID, "policy"), nil, &fp)
	return fp, err
}

// ApplyPolicy sets the fee policy of one channel.
func (c *Client) ApplyPolicy(ctx context.Context, channelID string, policy domain.FeePolicy) error {
	return c.do(ctx, EndpointApplyPolicy, channelID, http.MethodPost, channelPath(channelID, "policy"), policy, nil)
}

// Rebalance moves liquidity within one channel.
func (c *Client) Rebalance(ctx context.Context, channelID string, params domain.Rebalance) error {
	return c.do(ctx, EndpointRebalance, channelID, http.MethodPost, channelPath(channelID, "rebalance"), params, nil)
}

// CloseChannel cooperatively closes one channel.
func (c *Client) CloseChannel(ctx context.Context, channelID string) error {
	return c.do(ctx, EndpointCloseChannel, channelID, http.MethodPost, channelPath(channelID, "close"), nil, nil)
}

// Ping checks that the service answers at all.
func (c *Client) Ping(ctx context.Context) error {
	return c.do(ctx, "ping", "", http.MethodGet, "/v1/health", nil, nil)
}

func channelPath(channelID, action string) string {
	return "/v1/channels/" + url.PathEscape(channelID) + "/" + action
}

func (c *Client) do(ctx context.Context, op, channelID, method, path string, payload, out any) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return domain.Transient(op, channelID, 0, err)
	}

	var body io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return domain.Permanent(op, channelID, 0, fmt.Errorf("marshal payload: %w", err))
		}
		body = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return domain.Permanent(op, channelID, 0, err)
	}
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	start := c.now()
	resp, err := c.httpClient.Do(req)
	metrics.BackendLatency.WithLabelValues(op).Observe(c.now().Sub(start).Seconds())
	if err != nil {
		return domain.Transient(op, channelID, 0, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		cause := fmt.Errorf("backend returned %s: %s", resp.Status, strings.TrimSpace(string(msg)))
		if retryableStatus(resp.StatusCode) {
			return domain.Transient(op, channelID, resp.StatusCode, cause)
		}
		return domain.Permanent(op, channelID, resp.StatusCode, cause)
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
			return domain.Transient(op, channelID, resp.StatusCode, err)
		}
		return domain.Permanent(op, channelID, resp.StatusCode, fmt.Errorf("decode response: %w", err))
	}
	return nil
}

func retryableStatus(code int) bool {
	return code == http.StatusRequestTimeout || code == http.StatusTooManyRequests || code >= 500
}
