package platform

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/matheus3301/chatmirror/internal/chat"
	"github.com/valyala/fasthttp"
	"golang.org/x/time/rate"
)

// ClientOptions configures an upstream API client.
type ClientOptions struct {
	BaseURL string
	Token   string
	// RequestsPerSecond throttles calls. Zero means unlimited.
	RequestsPerSecond float64
	Timeout           time.Duration
	PageSize          int
	// HTTP overrides the transport, mainly for tests.
	HTTP *fasthttp.Client
}

// HTTPError is a non-success response from an upstream API.
type HTTPError struct {
	Status int
	URL    string
	Body   string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("upstream %s: status %d: %s", e.URL, e.Status, e.Body)
}

// Temporary reports whether retrying the call may succeed.
func (e *HTTPError) Temporary() bool {
	return e.Status == fasthttp.StatusTooManyRequests || e.Status >= 500
}

type httpClient struct {
	base    string
	token   string
	client  *fasthttp.Client
	limiter *rate.Limiter
	timeout time.Duration
}

func newHTTPClient(opts ClientOptions) *httpClient {
	limit := rate.Inf
	if opts.RequestsPerSecond > 0 {
		limit = rate.Limit(opts.RequestsPerSecond)
	}
	c := opts.HTTP
	if c == nil {
		c = &fasthttp.Client{
			Name:                "chatmirror",
			MaxConnsPerHost:     16,
			MaxIdleConnDuration: time.Minute,
		}
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &httpClient{
		base:    opts.BaseURL,
		token:   opts.Token,
		client:  c,
		limiter: rate.NewLimiter(limit, 1),
		timeout: timeout,
	}
}

// getJSON GETs url and decodes a 200 response into out. 404 maps to ErrNotFound.
func (c *httpClient) getJSON(ctx context.Context, url string, out any) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}

	req := fasthttp.AcquireRequest()
	resp := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseRequest(req)
	defer fasthttp.ReleaseResponse(resp)

	req.SetRequestURI(url)
	req.Header.SetMethod(fasthttp.MethodGet)
	req.Header.Set("Accept", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	timeout := c.timeout
	if dl, ok := ctx.Deadline(); ok {
		if left := time.Until(dl); left < timeout {
			timeout = left
		}
	}
	if err := c.client.DoTimeout(req, resp, timeout); err != nil {
		return fmt.Errorf("get %s: %w", url, err)
	}

	switch code := resp.StatusCode(); {
	case code == fasthttp.StatusNotFound:
		return ErrNotFound
	case code != fasthttp.StatusOK:
		body := resp.Body()
		if len(body) > 256 {
			body = body[:256]
		}
		return &HTTPError{Status: code, URL: url, Body: string(body)}
	}
	if err := json.Unmarshal(resp.Body(), out); err != nil {
		return fmt.Errorf("decode %s: %w", url, err)
	}
	return nil
}

// NewClient builds the API client for p.
func NewClient(p chat.Platform, opts ClientOptions) (Client, error) {
	switch p {
	case chat.Teams:
		return NewTeamsClient(opts), nil
	case chat.Slack:
		return NewSlackClient(opts), nil
	}
	return nil, fmt.Errorf("no client for platform %q", p)
}
