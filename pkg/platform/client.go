// Package platform talks HTTP to the upstream publishing platform. It
// maps response statuses onto typed errors so the fetch pipeline can
// decide between retry, failover, and session invalidation.
package platform

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"artex/pkg/errors"
	"artex/pkg/logger"
	"artex/pkg/proxy"
)

// Client performs authenticated GET requests against the platform and
// arbitrary resource hosts, optionally through an egress proxy route.
type Client struct {
	httpClient *http.Client
	timeout    time.Duration
	headers    map[string]string
	log        logger.Logger

	mu           sync.Mutex
	proxyClients map[string]*http.Client
}

// NewClient creates a platform HTTP client
func NewClient(timeout time.Duration, userAgent string, log logger.Logger) *Client {
	if log == nil {
		log = logger.GetLogger()
	}

	return &Client{
		httpClient: &http.Client{
			Timeout: timeout,
		},
		timeout: timeout,
		headers: map[string]string{
			"User-Agent":      userAgent,
			"Accept":          "text/html,application/xhtml+xml,application/xml;q=0.9,*/*;q=0.8",
			"Accept-Language": "en-US,en;q=0.9",
			"Cache-Control":   "no-cache",
		},
		log:          log,
		proxyClients: make(map[string]*http.Client),
	}
}

// SetHeader sets a default header sent on every request
func (c *Client) SetHeader(key, value string) {
	c.headers[key] = value
}

// Fetch performs a GET through the direct route
func (c *Client) Fetch(ctx context.Context, rawURL string, hdr http.Header) ([]byte, error) {
	return c.do(ctx, c.httpClient, proxy.DirectRouteName, rawURL, hdr)
}

// FetchVia performs a GET through the given egress route
func (c *Client) FetchVia(ctx context.Context, rawURL string, route proxy.Route, hdr http.Header) ([]byte, error) {
	if route.Direct() {
		return c.Fetch(ctx, rawURL, hdr)
	}
	return c.do(ctx, c.clientFor(route), route.Name, rawURL, hdr)
}

// clientFor returns a cached http.Client tunneling through the route's proxy
func (c *Client) clientFor(route proxy.Route) *http.Client {
	c.mu.Lock()
	defer c.mu.Unlock()

	if client, ok := c.proxyClients[route.Name]; ok {
		return client
	}

	client := &http.Client{
		Timeout: c.timeout,
		Transport: &http.Transport{
			Proxy: http.ProxyURL(route.ProxyURL),
		},
	}
	c.proxyClients[route.Name] = client
	return client
}

func (c *Client) do(ctx context.Context, client *http.Client, routeName, rawURL string, hdr http.Header) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, errors.New(errors.ErrorTypeUnknown, fmt.Sprintf("failed to create request: %v", err), 0)
	}

	for key, value := range c.headers {
		req.Header.Set(key, value)
	}
	for key, values := range hdr {
		for _, value := range values {
			req.Header.Set(key, value)
		}
	}

	start := time.Now()
	c.log.DebugWithFields("sending HTTP request", map[string]interface{}{
		"url":   rawURL,
		"route": routeName,
	})

	resp, err := client.Do(req)
	duration := time.Since(start)

	if err != nil {
		if ctx.Err() == context.Canceled {
			return nil, ctx.Err()
		}
		if ctx.Err() == context.DeadlineExceeded {
			// A timed-out attempt is transient; the fetch pipeline
			// retries it with backoff
			return nil, errors.New(errors.ErrorTypeNetwork, fmt.Sprintf("attempt timed out: %v", err), 0)
		}
		c.log.WarnWithFields("HTTP request failed", map[string]interface{}{
			"url":      rawURL,
			"route":    routeName,
			"error":    err.Error(),
			"duration": duration,
		})
		return nil, errors.New(errors.ErrorTypeNetwork, fmt.Sprintf("network error: %v", err), 0)
	}
	defer resp.Body.Close()

	c.log.DebugWithFields("HTTP request completed", map[string]interface{}{
		"url":      rawURL,
		"route":    routeName,
		"status":   resp.StatusCode,
		"duration": duration,
	})

	if err := c.checkResponseStatus(resp); err != nil {
		return nil, err
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, errors.New(errors.ErrorTypeNetwork, fmt.Sprintf("failed to read response body: %v", err), resp.StatusCode)
	}

	return body, nil
}

// checkResponseStatus maps HTTP statuses onto typed errors
func (c *Client) checkResponseStatus(resp *http.Response) error {
	switch resp.StatusCode {
	case http.StatusOK:
		return nil
	case http.StatusUnauthorized:
		c.log.WarnWithFields("session rejected by upstream", map[string]interface{}{
			"status": resp.StatusCode,
			"url":    resp.Request.URL.String(),
		})
		return errors.New(errors.ErrorTypeSessionExpired, "session expired or unauthenticated", resp.StatusCode)
	case http.StatusForbidden:
		return errors.New(errors.ErrorTypeAuth, "access forbidden", resp.StatusCode)
	case http.StatusNotFound:
		return errors.New(errors.ErrorTypeNotFound, "resource not found", resp.StatusCode)
	case http.StatusTooManyRequests:
		c.log.WarnWithFields("rate limit exceeded", map[string]interface{}{
			"status": resp.StatusCode,
			"url":    resp.Request.URL.String(),
		})
		return errors.New(errors.ErrorTypeRateLimit, "rate limit exceeded", resp.StatusCode)
	default:
		if resp.StatusCode >= 500 {
			return errors.New(errors.ErrorTypeServerError, fmt.Sprintf("server returned status %d", resp.StatusCode), resp.StatusCode)
		}
		if resp.StatusCode >= 400 {
			return errors.New(errors.ErrorTypeUnknown, fmt.Sprintf("unexpected status code: %d", resp.StatusCode), resp.StatusCode)
		}
		return nil
	}
}
