// Package transport performs the HTTP traffic of the spider: markup GETs and
// JSON API calls through a colly collector, and streaming image downloads
// with progress callbacks.
package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/avast/retry-go/v4"
	"github.com/gocolly/colly/v2"
	"go.uber.org/zap"

	"github.com/JakeFAU/galleryspider/internal/metrics"
	"github.com/JakeFAU/galleryspider/internal/transport/ratelimit"
)

var (
	// ErrNotFound is returned for 404 responses.
	ErrNotFound = errors.New("resource not found")
	// ErrForbidden is returned for 401 and 403 responses.
	ErrForbidden = errors.New("access forbidden")
	// ErrRateLimited is returned for 429 responses.
	ErrRateLimited = errors.New("rate limited")
	// ErrServerError is returned for 5xx responses.
	ErrServerError = errors.New("server error")
	// ErrUnexpectedStatus is returned for any other non-2xx response.
	ErrUnexpectedStatus = errors.New("unexpected status")
)

// ProgressFunc observes a streaming download. total is -1 when the length is
// unknown. Returning an error cancels the transfer.
type ProgressFunc func(total, received, delta int64) error

// Downloader streams a remote resource into w. It reports false when the body
// ended before the announced length.
type Downloader interface {
	Download(ctx context.Context, url, referer string, w io.Writer, progress ProgressFunc) (bool, error)
}

// Config controls the client.
type Config struct {
	UserAgent         string
	Timeout           time.Duration
	MaxRetries        int
	Backoff           time.Duration
	RequestsPerSecond float64
	Burst             int
}

// Client implements the spider transport and the store downloader.
type Client struct {
	cfg       Config
	collector *colly.Collector
	http      *http.Client
	limiter   *ratelimit.Limiter
	logger    *zap.Logger
}

// New builds a Client with a shared connection pool for markup and images.
func New(cfg Config, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.Backoff <= 0 {
		cfg.Backoff = 500 * time.Millisecond
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}

	base := newHTTPTransport()
	c := colly.NewCollector(colly.Async(false), colly.AllowURLRevisit())
	c.WithTransport(base)
	c.SetRequestTimeout(cfg.Timeout)
	c.IgnoreRobotsTxt = true
	if cfg.UserAgent != "" {
		c.UserAgent = cfg.UserAgent
	}

	return &Client{
		cfg:       cfg,
		collector: c,
		// No client timeout: image bodies may legitimately stream for longer.
		http:    &http.Client{Transport: base},
		limiter: ratelimit.New(ratelimit.Config{DefaultRPS: cfg.RequestsPerSecond, DefaultBurst: cfg.Burst}),
		logger:  logger.Named("transport"),
	}
}

// Get fetches url and returns the body as text.
func (c *Client) Get(ctx context.Context, url, referer string) (string, error) {
	body, err := c.do(ctx, "markup", url, func(collector *colly.Collector) error {
		return collector.Visit(url)
	}, referer, "")
	if err != nil {
		return "", fmt.Errorf("get %s: %w", url, err)
	}
	return string(body), nil
}

// PostJSON posts payload as JSON to url and returns the raw response body.
func (c *Client) PostJSON(ctx context.Context, url, referer string, payload any) ([]byte, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}
	body, err := c.do(ctx, "api", url, func(collector *colly.Collector) error {
		return collector.PostRaw(url, data)
	}, referer, "application/json")
	if err != nil {
		return nil, fmt.Errorf("post %s: %w", url, err)
	}
	return body, nil
}

// do runs one collector request with retries for transient failures.
func (c *Client) do(
	ctx context.Context,
	kind, target string,
	send func(*colly.Collector) error,
	referer, contentType string,
) ([]byte, error) {
	var body []byte
	err := retry.Do(
		func() error {
			if err := c.limiter.Wait(ctx, target); err != nil {
				return retry.Unrecoverable(err)
			}
			start := time.Now()
			b, status, err := c.visit(ctx, send, referer, contentType)
			metrics.ObserveRequest(kind, status, time.Since(start))
			if err != nil {
				return err
			}
			body = b
			return nil
		},
		retry.Context(ctx),
		retry.Attempts(uint(c.cfg.MaxRetries)+1),
		retry.Delay(c.cfg.Backoff),
		retry.DelayType(retry.BackOffDelay),
		retry.RetryIf(isTransient),
		retry.LastErrorOnly(true),
		retry.OnRetry(func(n uint, err error) {
			c.logger.Debug("retrying request", zap.String("kind", kind), zap.Uint("attempt", n+1), zap.Error(err))
		}),
	)
	if err != nil {
		return nil, err
	}
	return body, nil
}

func (c *Client) visit(
	ctx context.Context,
	send func(*colly.Collector) error,
	referer, contentType string,
) ([]byte, int, error) {
	var (
		body     []byte
		status   int
		fetchErr error
	)
	collector := c.collector.Clone()
	collector.Context = ctx
	collector.OnRequest(func(r *colly.Request) {
		if referer != "" {
			r.Headers.Set("Referer", referer)
		}
		if contentType != "" {
			r.Headers.Set("Content-Type", contentType)
		}
	})
	collector.OnResponse(func(r *colly.Response) {
		status = r.StatusCode
		body = append([]byte(nil), r.Body...)
	})
	collector.OnError(func(r *colly.Response, err error) {
		if r != nil && r.StatusCode != 0 {
			status = r.StatusCode
			fetchErr = classifyStatus(r.StatusCode)
			return
		}
		fetchErr = err
	})

	// Async is off, so send returns once the response or the cancellation has
	// been handled by the callbacks above.
	err := send(collector)
	if ctxErr := ctx.Err(); ctxErr != nil {
		return nil, status, retry.Unrecoverable(fmt.Errorf("request canceled: %w", ctxErr))
	}
	if fetchErr != nil {
		return nil, status, fetchErr
	}
	if err != nil {
		return nil, status, fmt.Errorf("colly request failed: %w", err)
	}
	return body, status, nil
}

// Download streams url into w, calling progress after every chunk.
func (c *Client) Download(
	ctx context.Context,
	url, referer string,
	w io.Writer,
	progress ProgressFunc,
) (bool, error) {
	if err := c.limiter.Wait(ctx, url); err != nil {
		return false, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return false, fmt.Errorf("build download request: %w", err)
	}
	if c.cfg.UserAgent != "" {
		req.Header.Set("User-Agent", c.cfg.UserAgent)
	}
	if referer != "" {
		req.Header.Set("Referer", referer)
	}

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		metrics.ObserveRequest("image", 0, time.Since(start))
		return false, fmt.Errorf("download %s: %w", url, err)
	}
	defer func() {
		if cerr := resp.Body.Close(); cerr != nil {
			c.logger.Debug("close download body failed", zap.Error(cerr))
		}
	}()
	metrics.ObserveRequest("image", resp.StatusCode, time.Since(start))
	if err := classifyStatus(resp.StatusCode); err != nil {
		return false, fmt.Errorf("download %s: %w", url, err)
	}

	total := resp.ContentLength
	var received int64
	buf := make([]byte, 32*1024)
	for {
		n, readErr := resp.Body.Read(buf)
		if n > 0 {
			if _, err := w.Write(buf[:n]); err != nil {
				return false, fmt.Errorf("write download chunk: %w", err)
			}
			received += int64(n)
			metrics.ObserveBytes(n)
			if progress != nil {
				if err := progress(total, received, int64(n)); err != nil {
					return false, fmt.Errorf("download canceled: %w", err)
				}
			}
		}
		if errors.Is(readErr, io.EOF) {
			break
		}
		if readErr != nil {
			if errors.Is(readErr, io.ErrUnexpectedEOF) {
				return false, nil
			}
			return false, fmt.Errorf("read download body: %w", readErr)
		}
	}
	if received == 0 {
		return false, nil
	}
	return total < 0 || received == total, nil
}

func classifyStatus(code int) error {
	switch {
	case code >= 200 && code < 300:
		return nil
	case code == http.StatusNotFound:
		return ErrNotFound
	case code == http.StatusUnauthorized || code == http.StatusForbidden:
		return ErrForbidden
	case code == http.StatusTooManyRequests:
		return ErrRateLimited
	case code >= 500:
		return fmt.Errorf("%w: %d", ErrServerError, code)
	default:
		return fmt.Errorf("%w: %d", ErrUnexpectedStatus, code)
	}
}

// isTransient reports whether a request is worth retrying.
func isTransient(err error) bool {
	if errors.Is(err, ErrServerError) || errors.Is(err, ErrRateLimited) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	return false
}

func newHTTPTransport() *http.Transport {
	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   15 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		MaxIdleConns:          100,
		MaxIdleConnsPerHost:   10,
		IdleConnTimeout:       90 * time.Second,
	}
}
