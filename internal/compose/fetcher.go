package compose

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"strings"
	"syscall"
	"time"

	"github.com/cenkalti/backoff/v4"
)

const (
	defaultMaxBytes   int64 = 5 << 20
	defaultMaxRetries       = 3
	defaultRetryDelay       = 500 * time.Millisecond
)

// Fetcher retrieves the compose file a group is imported from.
type Fetcher interface {
	Fetch(ctx context.Context, previousETag string) (FetchResult, error)
}

// FetchResult contains the fetched compose bytes and response metadata.
type FetchResult struct {
	Body         []byte
	ETag         string
	LastModified string
	NotModified  bool
}

// FetchError reports a non-success HTTP response.
type FetchError struct {
	StatusCode int
	Status     string
}

func (e *FetchError) Error() string {
	return fmt.Sprintf("unexpected status: %s", e.Status)
}

// IsRetryable reports whether the response is worth another attempt.
func (e *FetchError) IsRetryable() bool {
	return e.StatusCode >= 500 || e.StatusCode == http.StatusTooManyRequests
}

// NewFetcher returns an HTTPFetcher for http(s) locations and a FileFetcher
// for everything else.
func NewFetcher(location string, timeout time.Duration) (Fetcher, error) {
	if strings.HasPrefix(location, "http://") || strings.HasPrefix(location, "https://") {
		return NewHTTPFetcher(location, timeout, defaultMaxBytes)
	}
	return NewFileFetcher(location, defaultMaxBytes)
}

// FileFetcher reads a compose file from disk. The modification time stands
// in for an ETag so unchanged files report NotModified.
type FileFetcher struct {
	path     string
	maxBytes int64
}

// NewFileFetcher constructs a FileFetcher for path.
func NewFileFetcher(path string, maxBytes int64) (*FileFetcher, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("compose path must not be empty")
	}
	if maxBytes <= 0 {
		maxBytes = defaultMaxBytes
	}
	return &FileFetcher{path: path, maxBytes: maxBytes}, nil
}

// Fetch reads the file unless its modification time matches previousETag.
func (f *FileFetcher) Fetch(ctx context.Context, previousETag string) (FetchResult, error) {
	if err := ctx.Err(); err != nil {
		return FetchResult{}, err
	}
	info, err := os.Stat(f.path)
	if err != nil {
		return FetchResult{}, fmt.Errorf("stat compose: %w", err)
	}
	etag := fmt.Sprintf("%d-%d", info.ModTime().UnixNano(), info.Size())
	modified := info.ModTime().UTC().Format(http.TimeFormat)
	if previousETag != "" && previousETag == etag {
		return FetchResult{ETag: etag, LastModified: modified, NotModified: true}, nil
	}

	file, err := os.Open(f.path)
	if err != nil {
		return FetchResult{}, fmt.Errorf("open compose: %w", err)
	}
	defer file.Close()

	body, err := readWithLimit(file, f.maxBytes)
	if err != nil {
		return FetchResult{}, err
	}
	if len(body) == 0 {
		return FetchResult{}, errors.New("compose body is empty")
	}
	return FetchResult{Body: body, ETag: etag, LastModified: modified}, nil
}

// HTTPFetcher retrieves a compose file over HTTP.
type HTTPFetcher struct {
	url        string
	client     *http.Client
	maxBytes   int64
	maxRetries int
	retryDelay time.Duration
}

// HTTPFetcherOption configures an HTTPFetcher.
type HTTPFetcherOption func(*HTTPFetcher)

// WithMaxRetries sets how many times a failed fetch is retried.
func WithMaxRetries(n int) HTTPFetcherOption {
	return func(f *HTTPFetcher) {
		if n >= 0 {
			f.maxRetries = n
		}
	}
}

// WithRetryDelay sets the initial delay between retries.
func WithRetryDelay(d time.Duration) HTTPFetcherOption {
	return func(f *HTTPFetcher) {
		if d > 0 {
			f.retryDelay = d
		}
	}
}

// NewHTTPFetcher constructs an HTTPFetcher with the given URL and timeout.
func NewHTTPFetcher(url string, timeout time.Duration, maxBytes int64, opts ...HTTPFetcherOption) (*HTTPFetcher, error) {
	if strings.TrimSpace(url) == "" {
		return nil, errors.New("compose url must not be empty")
	}
	if timeout <= 0 {
		return nil, errors.New("timeout must be greater than zero")
	}
	if maxBytes <= 0 {
		maxBytes = defaultMaxBytes
	}

	f := &HTTPFetcher{
		url: url,
		client: &http.Client{
			Timeout: timeout,
		},
		maxBytes:   maxBytes,
		maxRetries: defaultMaxRetries,
		retryDelay: defaultRetryDelay,
	}
	for _, opt := range opts {
		opt(f)
	}
	return f, nil
}

// Fetch downloads the compose file, optionally using ETag caching. Network
// errors and 5xx responses are retried with exponential backoff.
func (f *HTTPFetcher) Fetch(ctx context.Context, previousETag string) (FetchResult, error) {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = f.retryDelay
	policy.MaxElapsedTime = 0

	attempts := 0
	var result FetchResult
	operation := func() error {
		attempts++
		res, err := f.fetchOnce(ctx, previousETag)
		if err != nil {
			if ctx.Err() != nil {
				return backoff.Permanent(ctx.Err())
			}
			var fetchErr *FetchError
			if errors.As(err, &fetchErr) && !fetchErr.IsRetryable() {
				return backoff.Permanent(err)
			}
			if !errors.As(err, &fetchErr) && !isRetryableError(err) {
				return backoff.Permanent(err)
			}
			return err
		}
		result = res
		return nil
	}

	err := backoff.Retry(operation, backoff.WithContext(backoff.WithMaxRetries(policy, uint64(f.maxRetries)), ctx))
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return FetchResult{}, ctxErr
		}
		if attempts > 1 {
			return FetchResult{}, fmt.Errorf("fetch compose after %d attempts: %w", attempts, err)
		}
		return FetchResult{}, err
	}
	return result, nil
}

func (f *HTTPFetcher) fetchOnce(ctx context.Context, previousETag string) (FetchResult, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, f.url, http.NoBody)
	if err != nil {
		return FetchResult{}, fmt.Errorf("create request: %w", err)
	}
	if previousETag != "" {
		req.Header.Set("If-None-Match", previousETag)
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return FetchResult{}, fmt.Errorf("fetch compose: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotModified {
		return FetchResult{
			ETag:         resp.Header.Get("ETag"),
			LastModified: resp.Header.Get("Last-Modified"),
			NotModified:  true,
		}, nil
	}

	if resp.StatusCode != http.StatusOK {
		return FetchResult{}, &FetchError{StatusCode: resp.StatusCode, Status: resp.Status}
	}

	body, err := readWithLimit(resp.Body, f.maxBytes)
	if err != nil {
		return FetchResult{}, err
	}
	if len(body) == 0 {
		return FetchResult{}, errors.New("compose body is empty")
	}

	return FetchResult{
		Body:         body,
		ETag:         resp.Header.Get("ETag"),
		LastModified: resp.Header.Get("Last-Modified"),
	}, nil
}

// isRetryableError reports transport failures that tend to clear up on their
// own, such as a laptop resuming from sleep before the network is back.
func isRetryableError(err error) bool {
	if err == nil {
		return false
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return true
	}
	return errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, io.EOF) ||
		errors.Is(err, io.ErrUnexpectedEOF)
}

func readWithLimit(r io.Reader, maxBytes int64) ([]byte, error) {
	limited := io.LimitReader(r, maxBytes+1)
	body, err := io.ReadAll(limited)
	if err != nil {
		return nil, fmt.Errorf("read compose: %w", err)
	}
	if int64(len(body)) > maxBytes {
		return nil, fmt.Errorf("compose body exceeds %d bytes", maxBytes)
	}
	return body, nil
}
