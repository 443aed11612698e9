package downloader

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"
)

var ErrTimeout = errors.New("upstream timed out")

// Non-200 response from an upstream.
type HTTPError struct {
	URL        string
	StatusCode int
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("status %d from %s", e.StatusCode, e.URL)
}

type GetOptions struct {
	MaxSize int
	Timeout time.Duration

	// Honored by caching Downloaders only.
	Cache    bool
	CacheTTL time.Duration
}

// A thing capable of downloading a file
type Downloader interface {
	Get(ctx context.Context, url string, headers map[string]string, options GetOptions) ([]byte, error)
}

// Downloads over plain HTTP, reusing one client.
type HTTP struct {
	Client *http.Client
}

func NewHTTP() *HTTP {
	return &HTTP{Client: &http.Client{}}
}

func (d *HTTP) Get(ctx context.Context, url string, headers map[string]string, options GetOptions) ([]byte, error) {
	return httpGet(ctx, d.Client, url, headers, options)
}

// Gets a file. Provided as convenience for implementing custom
// Downloaders.
//
// Timeouts (of options.Timeout or the context deadline) are reported
// as ErrTimeout, non-200 responses as *HTTPError.
func HTTPGet(ctx context.Context, url string, headers map[string]string, options GetOptions) ([]byte, error) {
	return httpGet(ctx, http.DefaultClient, url, headers, options)
}

func httpGet(ctx context.Context, client *http.Client, url string, headers map[string]string, options GetOptions) ([]byte, error) {
	if options.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, options.Timeout)
		defer cancel()
	}

	req, err := http.NewRequestWithContext(ctx, "GET", url, nil)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}

	for k, v := range headers {
		req.Header.Add(k, v)
	}

	resp, err := client.Do(req)
	if err != nil {
		if isTimeout(ctx, err) {
			return nil, fmt.Errorf("making request: %w", ErrTimeout)
		}
		return nil, fmt.Errorf("making request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, &HTTPError{URL: url, StatusCode: resp.StatusCode}
	}

	var reader io.Reader = resp.Body
	if options.MaxSize > 0 {
		reader = io.LimitReader(resp.Body, int64(options.MaxSize))
	}

	body, err := io.ReadAll(reader)
	if err != nil {
		if isTimeout(ctx, err) {
			return nil, fmt.Errorf("reading body: %w", ErrTimeout)
		}
		return nil, fmt.Errorf("reading body: %w", err)
	}

	return body, nil
}

func isTimeout(ctx context.Context, err error) bool {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

type withHeaders struct {
	d       Downloader
	headers map[string]string
}

// Wraps a Downloader to send extra headers (e.g. API keys) on every
// request. Headers passed to Get take precedence.
func WithHeaders(d Downloader, headers map[string]string) Downloader {
	if len(headers) == 0 {
		return d
	}
	return &withHeaders{d: d, headers: headers}
}

func (w *withHeaders) Get(ctx context.Context, url string, headers map[string]string, options GetOptions) ([]byte, error) {
	merged := map[string]string{}
	for k, v := range w.headers {
		merged[k] = v
	}
	for k, v := range headers {
		merged[k] = v
	}
	return w.d.Get(ctx, url, merged, options)
}
