//go:build integration

package integration

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/Smalls1652/localllm-chat/internal/compose"
	"github.com/Smalls1652/localllm-chat/internal/daemon"
	"github.com/Smalls1652/localllm-chat/internal/engine"
	"github.com/Smalls1652/localllm-chat/internal/events"
	"github.com/Smalls1652/localllm-chat/internal/health"
	"github.com/Smalls1652/localllm-chat/internal/logging"
	"github.com/Smalls1652/localllm-chat/internal/reconcile"
	"github.com/Smalls1652/localllm-chat/internal/resource"
)

// TestIntegrationGroupLifecycle brings a small group up against a real
// daemon, checks the container runs, and tears it down again.
//
// Prerequisites:
//   - a Docker-compatible daemon reachable via TEST_DOCKER_HOST or DOCKER_HOST
//   - network access to pull TEST_IMAGE (default docker.io/library/busybox:1.36)
//
// Run with: go test -tags=integration -v ./test/integration/...
func TestIntegrationGroupLifecycle(t *testing.T) {
	logger := logging.NewWithLevel(getEnv("TEST_LOG_LEVEL", "warn"))
	client, err := daemon.NewDockerClient(os.Getenv("TEST_DOCKER_HOST"), 10*time.Second,
		daemon.WithPullTimeout(5*time.Minute),
		daemon.WithLogger(logger),
	)
	if err != nil {
		t.Fatalf("create docker client: %v", err)
	}
	defer client.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx); err != nil {
		t.Skipf("docker daemon not reachable: %v", err)
	}

	suffix := uuid.NewString()[:8]
	network := "llmchat_it_net_" + suffix
	container := "llmchat_it_app_" + suffix
	group := resource.Group{
		ID: "it-" + suffix,
		Specs: []resource.Spec{
			{Kind: resource.KindNetwork, Name: network, Network: &resource.NetworkParams{Driver: "bridge"}},
			{
				Kind: resource.KindContainer,
				Name: container,
				Container: &resource.ContainerParams{
					Image:    getEnv("TEST_IMAGE", "docker.io/library/busybox:1.36"),
					Command:  []string{"sleep", "3600"},
					Networks: []string{network},
				},
			},
		},
	}

	cfg := engine.Config{
		PollInterval: time.Second,
		Reconcile:    reconcile.DefaultConfig(),
		Health:       health.DefaultConfig(),
	}
	cfg.Reconcile.StopGrace = time.Second
	eng, err := engine.New(client, []resource.Group{group}, cfg, engine.WithLogger(logger))
	if err != nil {
		t.Fatalf("engine: %v", err)
	}

	runCtx, stopRun := context.WithCancel(context.Background())
	runErr := make(chan error, 1)
	go func() { runErr <- eng.Run(runCtx) }()
	defer func() {
		stopRun()
		<-runErr
	}()

	t.Run("Up", func(t *testing.T) {
		if err := eng.RequestStart(group.ID); err != nil {
			t.Fatalf("RequestStart: %v", err)
		}
		snap := waitFor(t, eng, 5*time.Minute, func(s events.Snapshot) bool {
			return s.Group == group.ID && (s.State == resource.StateSettled || s.State == resource.StateDegraded)
		})
		if snap.State != resource.StateSettled {
			t.Fatalf("group did not settle: %+v", snap.LastError)
		}

		obs, err := client.Inspect(context.Background(), resource.KindContainer, container)
		if err != nil {
			t.Fatalf("inspect container: %v", err)
		}
		if obs.Container == nil || obs.Container.Status != resource.StatusRunning {
			t.Fatalf("expected running container, got %+v", obs.Container)
		}
	})

	t.Run("Down", func(t *testing.T) {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
		defer cancel()
		if err := eng.Shutdown(ctx); err != nil {
			t.Fatalf("Shutdown: %v", err)
		}
		if _, err := client.Inspect(context.Background(), resource.KindContainer, container); !daemon.IsKind(err, daemon.KindNotFound) {
			t.Fatalf("expected container removed, got %v", err)
		}
		if _, err := client.Inspect(context.Background(), resource.KindNetwork, network); !daemon.IsKind(err, daemon.KindNotFound) {
			t.Fatalf("expected network removed, got %v", err)
		}
	})
}

// TestIntegrationComposeImport parses a compose file from TEST_COMPOSE_FILE.
func TestIntegrationComposeImport(t *testing.T) {
	path := os.Getenv("TEST_COMPOSE_FILE")
	if path == "" {
		t.Skip("TEST_COMPOSE_FILE not set")
	}

	fetcher, err := compose.NewFetcher(path, 10*time.Second)
	if err != nil {
		t.Fatalf("create fetcher: %v", err)
	}
	result, err := fetcher.Fetch(context.Background(), "")
	if err != nil {
		t.Fatalf("fetch compose: %v", err)
	}

	group, err := compose.ParseGroup(context.Background(), "it-compose", result.Body, ".")
	if err != nil {
		t.Fatalf("parse compose: %v", err)
	}
	if len(group.Containers()) == 0 {
		t.Fatal("expected at least one container in compose")
	}
	t.Logf("imported %d specs from compose", len(group.Specs))
}

func waitFor(t *testing.T, eng *engine.Engine, timeout time.Duration, cond func(events.Snapshot) bool) events.Snapshot {
	t.Helper()
	sub := eng.Subscribe()
	defer sub.Close()

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	for {
		snaps, err := sub.Next(ctx)
		if err != nil {
			t.Fatalf("waiting for snapshot: %v", err)
		}
		for _, snap := range snaps {
			if cond(snap) {
				return snap
			}
		}
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
