// Package commerce is a thin client for the remote commerce platform API.
package commerce

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/ReadySet1/destino-sf-sub000/config"
	"github.com/ReadySet1/destino-sf-sub000/internal/breaker"
	"github.com/ReadySet1/destino-sf-sub000/internal/cache"

	"github.com/newrelic/go-agent/v3/newrelic"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"
)

const (
	defaultBaseURL    = "https://connect.squareup.com"
	defaultAPIVersion = "2024-10-17"
	maxResponseBytes  = 4 << 20
)

// SnapshotCache stores remote order snapshots
type SnapshotCache interface {
	Get(ctx context.Context, key string, value interface{}) error
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) error
}

// Client calls the commerce API through a rate limiter and a circuit breaker
type Client struct {
	baseURL    string
	token      string
	apiVersion string
	httpClient *http.Client
	limiter    *rate.Limiter
	breaker    *breaker.Breaker
	cache      SnapshotCache
}

type apiErrorBody struct {
	Errors []struct {
		Category string `json:"category"`
		Code     string `json:"code"`
		Detail   string `json:"detail"`
	} `json:"errors"`
}

type retrieveOrderResponse struct {
	Order json.RawMessage `json:"order"`
}

// NewClient creates a client. cb must not be nil; snapshots may be nil.
func NewClient(cfg config.CommerceConfig, cb *breaker.Breaker, snapshots SnapshotCache) *Client {
	baseURL := strings.TrimRight(cfg.BaseURL, "/")
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	apiVersion := cfg.APIVersion
	if apiVersion == "" {
		apiVersion = defaultAPIVersion
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	limit := rate.Inf
	burst := cfg.RateBurst
	if cfg.RateLimit > 0 {
		limit = rate.Limit(cfg.RateLimit)
		if burst <= 0 {
			burst = 1
		}
	}

	return &Client{
		baseURL:    baseURL,
		token:      cfg.AccessToken,
		apiVersion: apiVersion,
		httpClient: &http.Client{
			Timeout:   timeout,
			Transport: newrelic.NewRoundTripper(http.DefaultTransport),
		},
		limiter: rate.NewLimiter(limit, burst),
		breaker: cb,
		cache:   snapshots,
	}
}

// Breaker exposes the breaker for health reporting
func (c *Client) Breaker() *breaker.Breaker {
	return c.breaker
}

// RetrieveOrder fetches the current remote order object. Fresh responses
// are cached; the cached snapshot is returned only when the API is
// unavailable (breaker open, throttled or server errors).
func (c *Client) RetrieveOrder(ctx context.Context, squareOrderID string) (json.RawMessage, error) {
	key := cache.RemoteOrderKey(squareOrderID)

	result, err := c.breaker.Execute(ctx, func(ctx context.Context) (interface{}, error) {
		var resp retrieveOrderResponse
		if err := c.get(ctx, "/v2/orders/"+url.PathEscape(squareOrderID), &resp); err != nil {
			return nil, err
		}
		if len(resp.Order) == 0 {
			return nil, &APIError{StatusCode: http.StatusNotFound, Code: "NOT_FOUND", Detail: "response carried no order"}
		}
		return resp.Order, nil
	})
	if err != nil {
		if cached, ok := c.cached(ctx, key, err); ok {
			log.Warn().Err(err).Str("square_order_id", squareOrderID).Msg("Commerce API unavailable, using cached order snapshot")
			return cached, nil
		}
		return nil, errors.Wrapf(err, "retrieve order %s", squareOrderID)
	}

	order := result.(json.RawMessage)
	if c.cache != nil {
		if err := c.cache.Set(ctx, key, order, 0); err != nil && !errors.Is(err, cache.ErrDisabled) {
			log.Warn().Err(err).Str("square_order_id", squareOrderID).Msg("Failed to cache remote order")
		}
	}
	return order, nil
}

func (c *Client) cached(ctx context.Context, key string, cause error) (json.RawMessage, bool) {
	if c.cache == nil {
		return nil, false
	}
	if !errors.Is(cause, breaker.ErrOpen) && !IsCountableFailure(cause) {
		return nil, false
	}
	var snapshot json.RawMessage
	if err := c.cache.Get(ctx, key, &snapshot); err != nil || len(snapshot) == 0 {
		return nil, false
	}
	return snapshot, true
}

func (c *Client) get(ctx context.Context, path string, out interface{}) error {
	if c.token == "" {
		return ErrNotConfigured
	}
	if err := c.limiter.Wait(ctx); err != nil {
		return errors.Wrap(err, "rate limiter")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return errors.Wrap(err, "failed to create request")
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("Square-Version", c.apiVersion)
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return errors.Wrap(err, "HTTP request failed")
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return errors.Wrap(err, "failed to read response body")
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		apiErr := &APIError{StatusCode: resp.StatusCode}
		var parsed apiErrorBody
		if json.Unmarshal(body, &parsed) == nil && len(parsed.Errors) > 0 {
			apiErr.Category = parsed.Errors[0].Category
			apiErr.Code = parsed.Errors[0].Code
			apiErr.Detail = parsed.Errors[0].Detail
		} else {
			apiErr.Detail = truncate(string(body), 256)
		}
		return apiErr
	}

	if err := json.Unmarshal(body, out); err != nil {
		return errors.Wrap(err, "failed to decode response")
	}
	return nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return fmt.Sprintf("%s...", s[:n])
}
