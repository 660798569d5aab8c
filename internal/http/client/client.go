// Package client implements transfer.Transport over HTTP with range requests.
package client

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/giovanniandreuzza/nimbus/internal/logctx"
	"github.com/giovanniandreuzza/nimbus/internal/transfer"
)

// Options configures the HTTP client.
type Options struct {
	// Timeout bounds connecting and waiting for response headers. Bodies
	// are streamed without a deadline.
	// Default: 30s
	Timeout time.Duration

	// RetryAttempts is the maximum number of attempts for a request that
	// fails with a temporary error.
	// Default: 3
	RetryAttempts uint

	// RetryBackoff is the initial backoff duration.
	// Default: 500ms
	RetryBackoff time.Duration

	// RetryMaxBackoff is the maximum backoff duration.
	// Default: 10s
	RetryMaxBackoff time.Duration
}

// DefaultOptions returns options with sensible defaults.
func DefaultOptions() Options {
	return Options{
		Timeout:         30 * time.Second,
		RetryAttempts:   3,
		RetryBackoff:    500 * time.Millisecond,
		RetryMaxBackoff: 10 * time.Second,
	}
}

// Client fetches remote files.
type Client struct {
	client *http.Client
	opts   Options
}

func NewClient(opts Options) *Client {
	if opts.RetryAttempts == 0 {
		opts.RetryAttempts = 1
	}

	transport := &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		MaxIdleConnsPerHost:   16,
		IdleConnTimeout:       90 * time.Second,
		ResponseHeaderTimeout: opts.Timeout,
		TLSHandshakeTimeout:   opts.Timeout,
		DisableCompression:    true, // offsets refer to raw bytes
	}

	return &Client{
		client: &http.Client{Transport: otelhttp.NewTransport(transport)},
		opts:   opts,
	}
}

// Size returns the length of the resource, or download.UnknownSize (-1) when
// the server does not tell. A HEAD without Content-Length is followed by a
// one-byte range probe.
func (c *Client) Size(ctx context.Context, url string) (int64, error) {
	return retry(ctx, c, url, func() (int64, error) {
		resp, err := c.do(ctx, http.MethodHead, url, -1)
		if err != nil {
			return 0, err
		}
		resp.Body.Close()

		if err := statusError(url, resp.StatusCode); err != nil && resp.StatusCode != http.StatusMethodNotAllowed {
			return 0, err
		}

		if resp.StatusCode < 300 && resp.ContentLength >= 0 {
			return resp.ContentLength, nil
		}

		return c.probe(ctx, url)
	})
}

// probe asks for the first byte and reads the total from Content-Range.
func (c *Client) probe(ctx context.Context, url string) (int64, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return 0, backoff.Permanent(&transfer.UnexpectedError{Err: err})
	}

	req.Header.Set("Range", "bytes=0-0")

	resp, err := c.send(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusPartialContent, http.StatusRequestedRangeNotSatisfiable:
		if _, _, total, err := ParseContentRange(resp.Header.Get("Content-Range")); err == nil {
			return total, nil
		}

		return -1, nil
	case http.StatusOK:
		return resp.ContentLength, nil
	}

	if err := statusError(url, resp.StatusCode); err != nil {
		return 0, err
	}

	return -1, nil
}

// OpenStream returns the resource from offset on. When the server ignores
// the range and answers 200, the first offset bytes are discarded. A 416 for
// a positive offset means nothing is left and yields an empty body.
func (c *Client) OpenStream(ctx context.Context, url string, offset int64) (io.ReadCloser, error) {
	logger := logctx.LoggerFromContext(ctx)

	return retry(ctx, c, url, func() (io.ReadCloser, error) {
		resp, err := c.do(ctx, http.MethodGet, url, offset)
		if err != nil {
			return nil, err
		}

		switch {
		case resp.StatusCode == http.StatusPartialContent:
			return resp.Body, nil
		case resp.StatusCode == http.StatusOK && offset > 0:
			logger.WarnContext(ctx, "server ignored range request, skipping prefix", "url", url, "offset", offset)

			if _, err := io.CopyN(io.Discard, resp.Body, offset); err != nil {
				resp.Body.Close()

				return nil, &transfer.TemporaryError{URL: url, StatusCode: resp.StatusCode, Err: fmt.Errorf("skipping %d bytes: %w", offset, err)}
			}

			return resp.Body, nil
		case resp.StatusCode == http.StatusOK:
			return resp.Body, nil
		case resp.StatusCode == http.StatusRequestedRangeNotSatisfiable && offset > 0:
			resp.Body.Close()

			return http.NoBody, nil
		}

		resp.Body.Close()

		if err := statusError(url, resp.StatusCode); err != nil {
			return nil, err
		}

		return nil, backoff.Permanent(&transfer.PermanentError{URL: url, StatusCode: resp.StatusCode})
	})
}

// do sends a request with an optional open-ended range starting at offset.
// A negative offset sends no Range header.
func (c *Client) do(ctx context.Context, method, url string, offset int64) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, url, nil)
	if err != nil {
		return nil, backoff.Permanent(&transfer.UnexpectedError{Err: err})
	}

	if offset > 0 {
		req.Header.Set("Range", "bytes="+strconv.FormatInt(offset, 10)+"-")
	}

	return c.send(req)
}

func (c *Client) send(req *http.Request) (*http.Response, error) {
	resp, err := c.client.Do(req)
	if err != nil {
		if ctxErr := req.Context().Err(); ctxErr != nil {
			return nil, backoff.Permanent(ctxErr)
		}

		return nil, &transfer.TemporaryError{URL: req.URL.String(), Err: err}
	}

	return resp, nil
}

// retry runs op until it succeeds, fails with a non-temporary error or runs
// out of attempts.
func retry[T any](ctx context.Context, c *Client, url string, op func() (T, error)) (T, error) {
	logger := logctx.LoggerFromContext(ctx)

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.opts.RetryBackoff
	b.MaxInterval = c.opts.RetryMaxBackoff

	return backoff.Retry(ctx, func() (T, error) {
		v, err := op()
		if err != nil && !transfer.IsRetryable(err) {
			var perm *backoff.PermanentError
			if !errors.As(err, &perm) {
				err = backoff.Permanent(err)
			}
		}

		return v, err
	},
		backoff.WithBackOff(b),
		backoff.WithMaxTries(c.opts.RetryAttempts),
		backoff.WithNotify(func(err error, d time.Duration) {
			logger.WarnContext(ctx, "retrying request", "url", url, "in", d, "err", err)
		}),
	)
}

// statusError maps a non-success status into the transfer taxonomy. 404 and
// 410 mean the resource is gone, 408, 429 and 5xx are worth retrying, and
// any other 4xx is permanent.
func statusError(url string, code int) error {
	switch {
	case code < 300:
		return nil
	case code == http.StatusNotFound || code == http.StatusGone:
		return &transfer.ResourceNotFoundError{URL: url}
	case code == http.StatusRequestTimeout || code == http.StatusTooManyRequests || code >= 500:
		return &transfer.TemporaryError{URL: url, StatusCode: code}
	case code >= 400:
		return &transfer.PermanentError{URL: url, StatusCode: code}
	default:
		return &transfer.UnexpectedError{Err: fmt.Errorf("unexpected status %d from %s", code, url)}
	}
}

// ParseContentRange parses a Content-Range header value.
// Returns start, end, total bytes. Total is -1 when the server sends "*".
// The unsatisfied form "bytes */total" yields start and end of -1.
func ParseContentRange(header string) (start, end, total int64, err error) {
	header = strings.TrimPrefix(header, "bytes ")

	rng, size, ok := strings.Cut(header, "/")
	if !ok {
		return 0, 0, 0, fmt.Errorf("invalid Content-Range format: %s", header)
	}

	if size == "*" {
		total = -1
	} else if total, err = strconv.ParseInt(size, 10, 64); err != nil {
		return 0, 0, 0, fmt.Errorf("invalid total bytes: %w", err)
	}

	if rng == "*" {
		return -1, -1, total, nil
	}

	first, last, ok := strings.Cut(rng, "-")
	if !ok {
		return 0, 0, 0, fmt.Errorf("invalid Content-Range format: %s", header)
	}

	if start, err = strconv.ParseInt(first, 10, 64); err != nil {
		return 0, 0, 0, fmt.Errorf("invalid start byte: %w", err)
	}

	if end, err = strconv.ParseInt(last, 10, 64); err != nil {
		return 0, 0, 0, fmt.Errorf("invalid end byte: %w", err)
	}

	return start, end, total, nil
}
