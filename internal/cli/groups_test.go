package cli

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/Smalls1652/localllm-chat/internal/config"
	"github.com/Smalls1652/localllm-chat/internal/resource"
)

const composeBody = `services:
  searxng:
    image: docker.io/searxng/searxng:latest
    ports:
      - "127.0.0.1:8081:8080"
`

const groupsBody = `groups:
  - id: tools
    networks:
      - name: tools_net
    containers:
      - name: tools_pipelines
        image: ghcr.io/open-webui/pipelines:main
        networks: [tools_net]
`

func writeFile(t *testing.T, dir, name, body string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	return path
}

func testConfig(t *testing.T) config.Config {
	t.Helper()
	return config.Config{
		DataDir:    t.TempDir(),
		APITimeout: time.Second,
	}
}

func TestGroupSource_DefaultOnly(t *testing.T) {
	source, err := newGroupSource(testConfig(t), zerolog.Nop())
	if err != nil {
		t.Fatalf("newGroupSource: %v", err)
	}
	groups, err := source.Load(context.Background())
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(groups) != 1 || groups[0].ID != config.DefaultGroupID {
		t.Fatalf("expected only the default group, got %v", groupIDs(groups))
	}
}

func TestGroupSource_AllSources(t *testing.T) {
	dir := t.TempDir()
	cfg := testConfig(t)
	cfg.GroupsFile = writeFile(t, dir, "groups.yaml", groupsBody)
	cfg.ComposeFile = writeFile(t, dir, "compose.yaml", composeBody)

	source, err := newGroupSource(cfg, zerolog.Nop())
	if err != nil {
		t.Fatalf("newGroupSource: %v", err)
	}
	if source.workingDir != dir {
		t.Fatalf("expected working dir %s, got %s", dir, source.workingDir)
	}

	groups, err := source.Load(context.Background())
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	ids := groupIDs(groups)
	want := []string{config.DefaultGroupID, "tools", composeGroupID}
	if len(ids) != len(want) {
		t.Fatalf("expected groups %v, got %v", want, ids)
	}
	for i := range want {
		if ids[i] != want[i] {
			t.Fatalf("expected groups %v, got %v", want, ids)
		}
	}
	if _, ok := groups[2].Lookup(resource.KindContainer, "compose-searxng"); !ok {
		t.Fatalf("expected compose container, got %+v", groups[2].Specs)
	}

	firstFingerprint := source.fingerprint
	if firstFingerprint == "" {
		t.Fatalf("expected compose fingerprint to be recorded")
	}

	// unchanged file is served from the cached group
	again, err := source.Load(context.Background())
	if err != nil {
		t.Fatalf("second Load: %v", err)
	}
	if len(again) != 3 || source.fingerprint != firstFingerprint {
		t.Fatalf("unexpected reload result: %v fingerprint %s", groupIDs(again), source.fingerprint)
	}
}

func TestGroupSource_InvalidGroupsFile(t *testing.T) {
	cfg := testConfig(t)
	cfg.GroupsFile = writeFile(t, t.TempDir(), "groups.yaml", "groups: []\n")

	source, err := newGroupSource(cfg, zerolog.Nop())
	if err != nil {
		t.Fatalf("newGroupSource: %v", err)
	}
	if _, err := source.Load(context.Background()); err == nil {
		t.Fatalf("expected error for empty groups file")
	}
}

func TestEngineConfig(t *testing.T) {
	cfg := config.Config{
		PollInterval:       3 * time.Second,
		ProbeInterval:      time.Second,
		ProbeTimeout:       2 * time.Second,
		HealthyThreshold:   2,
		UnhealthyThreshold: 3,
		StartTimeout:       time.Minute,
		UnhealthyGrace:     30 * time.Second,
		MaxRetries:         4,
		InitialBackoff:     time.Millisecond,
		MaxBackoff:         time.Second,
		StopGrace:          5 * time.Second,
		MaxRestarts:        2,
		DriftInterval:      10 * time.Second,
		AutoStart:          true,
	}

	got := engineConfig(cfg)
	if got.PollInterval != cfg.PollInterval {
		t.Fatalf("poll interval %s", got.PollInterval)
	}
	if got.Reconcile.MaxRetries != 4 || got.Reconcile.MaxRestarts != 2 || !got.Reconcile.AutoStart {
		t.Fatalf("unexpected reconcile config: %+v", got.Reconcile)
	}
	if got.Reconcile.StopGrace != 5*time.Second || got.Reconcile.DriftInterval != 10*time.Second {
		t.Fatalf("unexpected reconcile timing: %+v", got.Reconcile)
	}
	if got.Health.HealthyThreshold != 2 || got.Health.UnhealthyThreshold != 3 || got.Health.UnhealthyGrace != 30*time.Second {
		t.Fatalf("unexpected health config: %+v", got.Health)
	}
}
