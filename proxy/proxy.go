// Package proxy forwards requests to the upstream exchange API and relays
// responses verbatim. Only transport-level failures become local errors;
// business-level rejections from the exchange pass through untouched.
package proxy

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/hashicorp/go-retryablehttp"

	"github.com/ruteri/tee-agent-proxy/interfaces"
	"github.com/ruteri/tee-agent-proxy/metrics"
)

// maxUpstreamBody bounds upstream responses the proxy is willing to relay.
const maxUpstreamBody = 4 * 1024 * 1024

// Client forwards info queries and signed exchange actions upstream.
//
// Info queries are idempotent reads and go through a retrying client.
// Exchange forwards use a plain client with no retries: a signed order must
// never be submitted twice.
type Client struct {
	baseURL  string
	exchange *http.Client
	info     *retryablehttp.Client
	log      *slog.Logger
}

// New creates an upstream client with a bounded per-request timeout.
func New(baseURL string, timeout time.Duration, log *slog.Logger) *Client {
	info := retryablehttp.NewClient()
	info.HTTPClient = &http.Client{Timeout: timeout}
	info.RetryMax = 2
	info.RetryWaitMin = 100 * time.Millisecond
	info.RetryWaitMax = time.Second
	info.Logger = nil

	return &Client{
		baseURL:  baseURL,
		exchange: &http.Client{Timeout: timeout},
		info:     info,
		log:      log,
	}
}

// ForwardInfo posts an info query to the upstream /info endpoint.
func (c *Client) ForwardInfo(ctx context.Context, body []byte) (*interfaces.Forwarded, error) {
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/info", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.info.Do(req)
	if err != nil {
		return nil, c.transportError(err)
	}
	defer resp.Body.Close()

	return c.relay(resp)
}

// ForwardExchange posts a signed action to the upstream /exchange endpoint.
func (c *Client) ForwardExchange(ctx context.Context, body []byte) (*interfaces.Forwarded, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/exchange", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.exchange.Do(req)
	if err != nil {
		return nil, c.transportError(err)
	}
	defer resp.Body.Close()

	return c.relay(resp)
}

// relay captures the upstream status and body without reinterpreting them.
func (c *Client) relay(resp *http.Response) (*interfaces.Forwarded, error) {
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxUpstreamBody))
	if err != nil {
		return nil, c.transportError(err)
	}
	return &interfaces.Forwarded{StatusCode: resp.StatusCode, Body: body}, nil
}

// transportError distinguishes timeouts from unreachability so callers can
// retry safely only what is safe to retry.
func (c *Client) transportError(err error) error {
	metrics.UpstreamErrorsTotal.Inc()
	c.log.Error("Upstream request failed", "err", err)

	var netErr interface{ Timeout() bool }
	if errors.As(err, &netErr) && netErr.Timeout() {
		return fmt.Errorf("%w: %v", interfaces.ErrUpstreamTimeout, err)
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %v", interfaces.ErrUpstreamTimeout, err)
	}
	return fmt.Errorf("%w: %v", interfaces.ErrUpstreamUnreachable, err)
}
