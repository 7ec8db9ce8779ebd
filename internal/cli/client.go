package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/hashicorp/go-retryablehttp"

	"github.com/Smalls1652/localllm-chat/internal/events"
)

// apiClient talks to the control API of a running "up" process.
type apiClient struct {
	base string
	http *retryablehttp.Client
	// stream has no overall timeout so followed logs are not cut off.
	stream *retryablehttp.Client
}

func newAPIClient(addr string, timeout time.Duration) *apiClient {
	base := addr
	if !strings.HasPrefix(base, "http://") && !strings.HasPrefix(base, "https://") {
		base = "http://" + base
	}
	return &apiClient{
		base:   strings.TrimRight(base, "/"),
		http:   newRetryClient(timeout),
		stream: newRetryClient(0),
	}
}

func newRetryClient(timeout time.Duration) *retryablehttp.Client {
	client := retryablehttp.NewClient()
	client.RetryMax = 2
	client.RetryWaitMin = 100 * time.Millisecond
	client.RetryWaitMax = 500 * time.Millisecond
	client.Logger = nil
	// Keep the last response so its error body reaches apiError.
	client.ErrorHandler = retryablehttp.PassthroughErrorHandler
	client.HTTPClient.Timeout = timeout
	return client
}

// apiError is a non-success response from the control API.
type apiError struct {
	StatusCode int
	Message    string
}

func (e *apiError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("control api: status %d", e.StatusCode)
	}
	return fmt.Sprintf("control api: %s (status %d)", e.Message, e.StatusCode)
}

func (c *apiClient) Groups(ctx context.Context) ([]events.Snapshot, error) {
	var snaps []events.Snapshot
	if err := c.do(ctx, http.MethodGet, "/api/groups", &snaps); err != nil {
		return nil, err
	}
	return snaps, nil
}

func (c *apiClient) Start(ctx context.Context, id string) (events.Snapshot, error) {
	var snap events.Snapshot
	err := c.do(ctx, http.MethodPost, "/api/groups/"+url.PathEscape(id)+"/start", &snap)
	return snap, err
}

func (c *apiClient) Stop(ctx context.Context, id string) (events.Snapshot, error) {
	var snap events.Snapshot
	err := c.do(ctx, http.MethodPost, "/api/groups/"+url.PathEscape(id)+"/stop", &snap)
	return snap, err
}

// Logs opens a container's log stream. The caller closes the body.
func (c *apiClient) Logs(ctx context.Context, group, container string, tail string, follow bool) (io.ReadCloser, error) {
	query := url.Values{}
	if tail != "" {
		query.Set("tail", tail)
	}
	query.Set("follow", strconv.FormatBool(follow))
	path := fmt.Sprintf("/api/groups/%s/containers/%s/logs?%s", url.PathEscape(group), url.PathEscape(container), query.Encode())

	client := c.http
	if follow {
		client = c.stream
	}
	resp, err := c.send(ctx, client, http.MethodGet, path)
	if err != nil {
		return nil, err
	}
	return resp.Body, nil
}

func (c *apiClient) do(ctx context.Context, method, path string, out any) error {
	resp, err := c.send(ctx, c.http, method, path)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s %s: %w", method, path, err)
	}
	return nil
}

func (c *apiClient) send(ctx context.Context, client *retryablehttp.Client, method, path string) (*http.Response, error) {
	req, err := retryablehttp.NewRequestWithContext(ctx, method, c.base+path, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("control api unreachable at %s: %w", c.base, err)
	}
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return resp, nil
	}
	defer resp.Body.Close()

	var body struct {
		Error string `json:"error"`
	}
	_ = json.NewDecoder(io.LimitReader(resp.Body, 4<<10)).Decode(&body)
	return nil, &apiError{StatusCode: resp.StatusCode, Message: body.Error}
}
