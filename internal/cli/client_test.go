package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/Smalls1652/localllm-chat/internal/engine"
	"github.com/Smalls1652/localllm-chat/internal/events"
	"github.com/Smalls1652/localllm-chat/internal/resource"
)

// controlAPI is a minimal stand-in for a running "up" process.
type controlAPI struct {
	mu      sync.Mutex
	groups  map[string]events.Snapshot
	stopped []string
}

func newControlAPI(snaps ...events.Snapshot) *controlAPI {
	c := &controlAPI{groups: make(map[string]events.Snapshot)}
	for _, s := range snaps {
		c.groups[s.Group] = s
	}
	return c
}

func (c *controlAPI) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/groups", func(w http.ResponseWriter, r *http.Request) {
		c.mu.Lock()
		defer c.mu.Unlock()
		out := make([]events.Snapshot, 0, len(c.groups))
		for _, id := range []string{"compose", "localllm"} {
			if s, ok := c.groups[id]; ok {
				out = append(out, s)
			}
		}
		_ = json.NewEncoder(w).Encode(out)
	})
	mux.HandleFunc("POST /api/groups/{id}/stop", func(w http.ResponseWriter, r *http.Request) {
		c.mu.Lock()
		defer c.mu.Unlock()
		id := r.PathValue("id")
		s, ok := c.groups[id]
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			_, _ = w.Write([]byte(`{"error":"unknown group: ` + id + `"}`))
			return
		}
		c.stopped = append(c.stopped, id)
		s.Intent = "down"
		s.State = resource.StateIdle
		c.groups[id] = s
		w.WriteHeader(http.StatusAccepted)
		_ = json.NewEncoder(w).Encode(s)
	})
	mux.HandleFunc("GET /api/groups/{id}/containers/{name}/logs", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("tail") != "10" {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		_, _ = w.Write([]byte(r.PathValue("name") + " ready\n"))
	})
	return mux
}

func running(id string) events.Snapshot {
	return events.Snapshot{
		Group:            id,
		Seq:              4,
		State:            resource.StateSettled,
		Intent:           "up",
		Health:           resource.HealthHealthy,
		RuntimeAvailable: true,
		Containers: []events.ContainerSnapshot{
			{Name: id + "-web", Status: resource.StatusRunning, Health: resource.HealthHealthy, Restarts: 1},
		},
		UpdatedAt: time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
	}
}

func TestAPIClient_Groups(t *testing.T) {
	srv := httptest.NewServer(newControlAPI(running("localllm")).handler())
	defer srv.Close()

	snaps, err := newAPIClient(srv.URL, time.Second).Groups(context.Background())
	if err != nil {
		t.Fatalf("Groups: %v", err)
	}
	if len(snaps) != 1 || snaps[0].Group != "localllm" || snaps[0].State != resource.StateSettled {
		t.Fatalf("unexpected snapshots: %+v", snaps)
	}
}

func TestAPIClient_ErrorBody(t *testing.T) {
	srv := httptest.NewServer(newControlAPI().handler())
	defer srv.Close()

	_, err := newAPIClient(srv.URL, time.Second).Stop(context.Background(), "missing")
	var apiErr *apiError
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected apiError, got %v", err)
	}
	if apiErr.StatusCode != http.StatusNotFound || !strings.Contains(apiErr.Message, "missing") {
		t.Fatalf("unexpected error: %+v", apiErr)
	}
}

func TestAPIClient_ServerErrorAfterRetries(t *testing.T) {
	var mu sync.Mutex
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		calls++
		mu.Unlock()
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte(`{"error":"container runtime unavailable"}`))
	}))
	defer srv.Close()

	_, err := newAPIClient(srv.URL, time.Second).Groups(context.Background())
	var apiErr *apiError
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected apiError, got %v", err)
	}
	if apiErr.StatusCode != http.StatusServiceUnavailable || apiErr.Message != "container runtime unavailable" {
		t.Fatalf("unexpected error: %+v", apiErr)
	}
	mu.Lock()
	defer mu.Unlock()
	if calls != 3 {
		t.Fatalf("expected 3 attempts, got %d", calls)
	}
}

func TestAPIClient_Logs(t *testing.T) {
	srv := httptest.NewServer(newControlAPI().handler())
	defer srv.Close()

	body, err := newAPIClient(srv.URL, time.Second).Logs(context.Background(), "localllm", "local_llm_tika", "10", false)
	if err != nil {
		t.Fatalf("Logs: %v", err)
	}
	defer body.Close()
	var buf bytes.Buffer
	if _, err := buf.ReadFrom(body); err != nil {
		t.Fatalf("read logs: %v", err)
	}
	if buf.String() != "local_llm_tika ready\n" {
		t.Fatalf("unexpected logs %q", buf.String())
	}
}

func TestNewAPIClient_AddsScheme(t *testing.T) {
	if got := newAPIClient("127.0.0.1:11691", time.Second).base; got != "http://127.0.0.1:11691" {
		t.Fatalf("unexpected base %q", got)
	}
	if got := newAPIClient("https://example.test/", time.Second).base; got != "https://example.test" {
		t.Fatalf("unexpected base %q", got)
	}
}

func TestDownViaAPI(t *testing.T) {
	api := newControlAPI(running("localllm"), running("compose"))
	srv := httptest.NewServer(api.handler())
	defer srv.Close()

	client := newAPIClient(srv.URL, time.Second)
	snaps, err := client.Groups(context.Background())
	if err != nil {
		t.Fatalf("Groups: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	var out bytes.Buffer
	if err := downViaAPI(ctx, client, snaps, &out, []string{"compose"}); err != nil {
		t.Fatalf("downViaAPI: %v", err)
	}

	api.mu.Lock()
	defer api.mu.Unlock()
	if len(api.stopped) != 1 || api.stopped[0] != "compose" {
		t.Fatalf("expected only compose stopped, got %v", api.stopped)
	}
	if !strings.Contains(out.String(), "compose is down") {
		t.Fatalf("unexpected output %q", out.String())
	}
}

func TestSelectGroups(t *testing.T) {
	known := []string{"localllm", "compose"}

	all, err := selectGroups(known, nil)
	if err != nil || len(all) != 2 {
		t.Fatalf("expected all groups, got %v (%v)", all, err)
	}
	if _, err := selectGroups(known, []string{"nope"}); !errors.Is(err, engine.ErrUnknownGroup) {
		t.Fatalf("expected ErrUnknownGroup, got %v", err)
	}
}

func TestAllIdle(t *testing.T) {
	idle := running("localllm")
	idle.State, idle.Intent = resource.StateIdle, "down"
	busy := running("compose")

	if !allIdle([]events.Snapshot{idle, busy}, []string{"localllm"}) {
		t.Fatalf("expected localllm idle")
	}
	if allIdle([]events.Snapshot{idle, busy}, []string{"localllm", "compose"}) {
		t.Fatalf("expected compose to block")
	}
}

func TestPrintStatus(t *testing.T) {
	degraded := running("compose")
	degraded.State = resource.StateDegraded
	degraded.LastError = &events.ErrorInfo{Class: "permanent", Message: "image not found"}

	var out bytes.Buffer
	if err := printStatus(&out, []events.Snapshot{degraded, running("localllm")}); err != nil {
		t.Fatalf("printStatus: %v", err)
	}
	text := out.String()
	for _, want := range []string{"GROUP", "compose", "Degraded", "image not found", "1/1 healthy, 1 restarts"} {
		if !strings.Contains(text, want) {
			t.Fatalf("expected %q in output:\n%s", want, text)
		}
	}
}
