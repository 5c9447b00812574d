// Package lookup issues the outgoing HTTP lookups of the screening engine:
// NF discovery towards the NLF and subscriber location queries towards the
// SLF.
package lookup

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.uber.org/zap"

	"github.com/consultant-1379/sc-envoy-sub001/internal/types"
)

// Authorities of the lookup services.
const (
	AuthorityNLF = "eric-sc-nlf"
	AuthoritySLF = "eric-sc-slf"
)

// DefaultTimeout applies when neither the action nor the service config
// sets one.
const DefaultTimeout = 2 * time.Second

// Request is one outgoing lookup. PathAndQuery is sent as is.
type Request struct {
	Authority    string
	PathAndQuery string
	Header       http.Header
	Timeout      time.Duration
}

// Response is a lookup answer of any status.
type Response struct {
	Status int
	Header http.Header
	Body   []byte
}

// Client sends lookups. A non-nil error means no response was received:
// send failure, timeout or cancellation.
type Client interface {
	Do(ctx context.Context, req Request) (*Response, error)
}

// Config addresses the lookup services.
type Config struct {
	NLFURL  string
	SLFURL  string
	Timeout time.Duration

	// MaxBodySize bounds a response body; 0 means types.MaxBodySize.
	MaxBodySize int64
}

// HTTPClient implements Client over net/http with an instrumented transport.
type HTTPClient struct {
	bases   map[string]string
	timeout time.Duration
	maxBody int64
	http    *http.Client
	log     *zap.Logger
}

// NewHTTPClient returns a client for the configured services.
func NewHTTPClient(cfg Config, log *zap.Logger) *HTTPClient {
	if log == nil {
		log = zap.NewNop()
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	maxBody := cfg.MaxBodySize
	if maxBody <= 0 {
		maxBody = types.MaxBodySize
	}
	return &HTTPClient{
		bases: map[string]string{
			AuthorityNLF: strings.TrimSuffix(cfg.NLFURL, "/"),
			AuthoritySLF: strings.TrimSuffix(cfg.SLFURL, "/"),
		},
		timeout: timeout,
		maxBody: maxBody,
		http:    &http.Client{Transport: otelhttp.NewTransport(http.DefaultTransport)},
		log:     log,
	}
}

// Do sends req and reads the complete response.
func (c *HTTPClient) Do(ctx context.Context, req Request) (*Response, error) {
	base, ok := c.bases[req.Authority]
	if !ok || base == "" {
		return nil, fmt.Errorf("no address for %s: %w", req.Authority, types.ErrLookupFailed)
	}
	timeout := req.Timeout
	if timeout <= 0 {
		timeout = c.timeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, base+req.PathAndQuery, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %v: %w", err, types.ErrLookupFailed)
	}
	for name, values := range req.Header {
		for _, v := range values {
			httpReq.Header.Add(name, v)
		}
	}
	httpReq.Host = req.Authority

	start := time.Now()
	resp, err := c.http.Do(httpReq)
	if err != nil {
		c.log.Debug("lookup failed",
			zap.String("authority", req.Authority),
			zap.Duration("elapsed", time.Since(start)),
			zap.Error(err))
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, fmt.Errorf("%s timed out after %s: %w", req.Authority, timeout, types.ErrLookupFailed)
		}
		return nil, fmt.Errorf("%s: %v: %w", req.Authority, err, types.ErrLookupFailed)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, c.maxBody+1))
	if err != nil {
		return nil, fmt.Errorf("read %s response: %v: %w", req.Authority, err, types.ErrLookupFailed)
	}
	if int64(len(body)) > c.maxBody {
		return nil, fmt.Errorf("%s response exceeds %d bytes: %w", req.Authority, c.maxBody, types.ErrLookupFailed)
	}
	c.log.Debug("lookup answered",
		zap.String("authority", req.Authority),
		zap.Int("status", resp.StatusCode),
		zap.Duration("elapsed", time.Since(start)))
	return &Response{Status: resp.StatusCode, Header: resp.Header, Body: body}, nil
}

// Result is the completion of an asynchronous lookup.
type Result struct {
	Response *Response
	Err      error
}

// Start runs req on its own goroutine and returns the channel its result
// is delivered on. The channel is buffered, so an abandoned lookup never
// blocks.
func Start(ctx context.Context, c Client, req Request) <-chan Result {
	done := make(chan Result, 1)
	go func() {
		resp, err := c.Do(ctx, req)
		done <- Result{Response: resp, Err: err}
	}()
	return done
}
