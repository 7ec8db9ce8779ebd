package health

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/hashicorp/go-retryablehttp"

	"github.com/Smalls1652/localllm-chat/internal/resource"
)

const maxProbeBody = 64 << 10

// Prober performs a single liveness check.
type Prober interface {
	Probe(ctx context.Context, probe resource.Probe) error
}

// ProberFunc adapts a function to Prober.
type ProberFunc func(ctx context.Context, probe resource.Probe) error

func (f ProberFunc) Probe(ctx context.Context, probe resource.Probe) error {
	return f(ctx, probe)
}

// HTTPProber checks a probe URL with GET. Every attempt counts once, so the
// client never retries on its own.
type HTTPProber struct {
	client *retryablehttp.Client
}

// NewHTTPProber returns a prober using a non-retrying client.
func NewHTTPProber() *HTTPProber {
	client := retryablehttp.NewClient()
	client.RetryMax = 0
	client.Logger = nil
	client.CheckRetry = func(ctx context.Context, resp *http.Response, err error) (bool, error) {
		return false, nil
	}
	client.ErrorHandler = retryablehttp.PassthroughErrorHandler
	return &HTTPProber{client: client}
}

// Probe succeeds when the response status is in range and, if the probe names
// a JSON field, that top-level field is boolean true.
func (p *HTTPProber) Probe(ctx context.Context, probe resource.Probe) error {
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, probe.URL, nil)
	if err != nil {
		return fmt.Errorf("build probe request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		return fmt.Errorf("probe %s: %w", probe.URL, err)
	}
	defer resp.Body.Close()

	lo, hi := probe.StatusRange()
	if resp.StatusCode < lo || resp.StatusCode > hi {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxProbeBody))
		return fmt.Errorf("probe %s: status %d outside %d-%d", probe.URL, resp.StatusCode, lo, hi)
	}
	if probe.JSONField == "" {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxProbeBody))
		return nil
	}

	var body map[string]any
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxProbeBody)).Decode(&body); err != nil {
		return fmt.Errorf("probe %s: decode body: %w", probe.URL, err)
	}
	value, ok := body[probe.JSONField].(bool)
	if !ok || !value {
		return fmt.Errorf("probe %s: field %q is not true", probe.URL, probe.JSONField)
	}
	return nil
}
