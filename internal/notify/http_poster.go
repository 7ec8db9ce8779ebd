package notify

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/hashicorp/go-retryablehttp"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

const httpErrorBodyLimit = 1024

type timingConfig struct {
	timeout           time.Duration
	rateInterval      time.Duration
	rateBurst         int
	backoffMaxElapsed time.Duration
	backoffMax        time.Duration
	backoffInitial    time.Duration
}

var defaultTiming = timingConfig{
	timeout:           10 * time.Second,
	rateInterval:      1 * time.Second,
	rateBurst:         1,
	backoffMaxElapsed: 30 * time.Second,
	backoffMax:        10 * time.Second,
	backoffInitial:    1 * time.Second,
}

// httpPoster posts payloads to one endpoint with a per-group rate limit.
// Retries are driven by backoff; the retryablehttp client itself never retries.
type httpPoster struct {
	logger      zerolog.Logger
	serviceName string
	endpoint    string
	contentType string
	client      *retryablehttp.Client
	timing      timingConfig
	limiters    map[string]*rate.Limiter
	limiterMu   sync.Mutex
}

func newHTTPPoster(logger zerolog.Logger, serviceName, endpoint, contentType string, timing timingConfig) *httpPoster {
	client := retryablehttp.NewClient()
	client.RetryMax = 0
	client.CheckRetry = func(_ context.Context, _ *http.Response, _ error) (bool, error) {
		return false, nil
	}
	client.Logger = nil
	client.HTTPClient = &http.Client{Timeout: timing.timeout}

	return &httpPoster{
		logger:      logger,
		serviceName: serviceName,
		endpoint:    endpoint,
		contentType: contentType,
		client:      client,
		timing:      timing,
		limiters:    make(map[string]*rate.Limiter),
	}
}

func (p *httpPoster) waitForRateLimit(ctx context.Context, group string) error {
	return p.limiter(group).Wait(ctx)
}

func (p *httpPoster) limiter(group string) *rate.Limiter {
	p.limiterMu.Lock()
	defer p.limiterMu.Unlock()

	limiter, ok := p.limiters[group]
	if !ok {
		limiter = rate.NewLimiter(rate.Every(p.timing.rateInterval), p.timing.rateBurst)
		p.limiters[group] = limiter
	}
	return limiter
}

func (p *httpPoster) postWithRetry(ctx context.Context, payload []byte) error {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = p.timing.backoffInitial
	policy.MaxInterval = p.timing.backoffMax
	policy.MaxElapsedTime = p.timing.backoffMaxElapsed
	policy.Reset()

	schedule := &retryAfterBackOff{BackOff: policy}
	operation := func() error {
		err := p.postOnce(ctx, payload)
		if err == nil {
			return nil
		}
		var retryAfter *retryAfterError
		if errors.As(err, &retryAfter) {
			schedule.pending = retryAfter.Duration
			return err
		}
		var retryable *retryableError
		if !errors.As(err, &retryable) {
			return backoff.Permanent(err)
		}
		return err
	}

	err := backoff.Retry(operation, backoff.WithContext(schedule, ctx))
	if err != nil && ctx.Err() != nil {
		return ctx.Err()
	}
	return err
}

// retryAfterBackOff waits for a server supplied Retry-After before falling
// back to the exponential schedule.
type retryAfterBackOff struct {
	backoff.BackOff
	pending time.Duration
}

func (b *retryAfterBackOff) NextBackOff() time.Duration {
	if b.pending > 0 {
		wait := b.pending
		b.pending = 0
		return wait
	}
	return b.BackOff.NextBackOff()
}

func (p *httpPoster) postOnce(ctx context.Context, payload []byte) error {
	reqCtx, cancel := context.WithTimeout(ctx, p.timing.timeout)
	defer cancel()

	req, err := retryablehttp.NewRequestWithContext(reqCtx, http.MethodPost, p.endpoint, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("build %s request: %w", p.serviceName, err)
	}
	req.Header.Set("Content-Type", p.contentType)

	resp, err := p.client.Do(req)
	if err != nil {
		return &retryableError{err: fmt.Errorf("%s request failed: %w", p.serviceName, err)}
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, httpErrorBodyLimit))
	bodyText := strings.TrimSpace(string(body))

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode == http.StatusTooManyRequests:
		limited := fmt.Errorf("%s rate limited: %s", p.serviceName, resp.Status)
		if wait, ok := parseRetryAfter(resp.Header.Get("Retry-After")); ok {
			return &retryAfterError{Duration: wait, err: limited}
		}
		return &retryableError{err: limited}
	case resp.StatusCode >= http.StatusInternalServerError:
		return &retryableError{err: fmt.Errorf("%s server error: %s", p.serviceName, resp.Status)}
	case bodyText != "":
		return fmt.Errorf("%s request failed: %s (%s)", p.serviceName, resp.Status, bodyText)
	default:
		return fmt.Errorf("%s request failed: %s", p.serviceName, resp.Status)
	}
}

func parseRetryAfter(value string) (time.Duration, bool) {
	if value == "" {
		return 0, false
	}
	if seconds, err := strconv.Atoi(value); err == nil {
		if seconds <= 0 {
			return 0, false
		}
		return time.Duration(seconds) * time.Second, true
	}
	if when, err := http.ParseTime(value); err == nil {
		wait := time.Until(when)
		if wait <= 0 {
			return 0, false
		}
		return wait, true
	}
	return 0, false
}

type retryableError struct {
	err error
}

func (e *retryableError) Error() string {
	return e.err.Error()
}

func (e *retryableError) Unwrap() error {
	return e.err
}

type retryAfterError struct {
	Duration time.Duration
	err      error
}

func (e *retryAfterError) Error() string {
	return fmt.Sprintf("rate limited; retry after %s", e.Duration)
}

func (e *retryAfterError) Unwrap() error {
	return e.err
}
