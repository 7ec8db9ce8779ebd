package state

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/Smalls1652/localllm-chat/internal/events"
	"github.com/Smalls1652/localllm-chat/internal/resource"
)

func TestFileStore_RoundTrip(t *testing.T) {
	tmpDir := t.TempDir()
	path := filepath.Join(tmpDir, "notify-state.json")
	store := NewFileStore(path, zerolog.Nop())

	now := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)
	state := State{
		Groups: map[string]events.Snapshot{
			"localllm": {
				Group:  "localllm",
				Seq:    7,
				State:  resource.StateDegraded,
				Intent: "up",
				Health: resource.HealthUnhealthy,
				Containers: []events.ContainerSnapshot{
					{Name: "local_llm_openwebui", Status: resource.StatusExited, Health: resource.HealthUnhealthy, Restarts: 2},
				},
				LastError: &events.ErrorInfo{Class: "permanent", Message: "port already allocated", Time: now},
				UpdatedAt: now,
			},
			"extras": {
				Group:            "extras",
				Seq:              3,
				State:            resource.StateSettled,
				Health:           resource.HealthHealthy,
				RuntimeAvailable: true,
				UpdatedAt:        now.Add(time.Minute),
			},
		},
	}

	if err := store.Save(context.Background(), state); err != nil {
		t.Fatalf("save state: %v", err)
	}

	loaded, err := store.Load(context.Background())
	if err != nil {
		t.Fatalf("load state: %v", err)
	}

	if loaded.Version != SchemaVersion {
		t.Fatalf("expected version %d, got %d", SchemaVersion, loaded.Version)
	}
	if len(loaded.Groups) != len(state.Groups) {
		t.Fatalf("expected %d groups, got %d", len(state.Groups), len(loaded.Groups))
	}
	got := loaded.Groups["localllm"]
	if got.State != resource.StateDegraded || got.Seq != 7 {
		t.Fatalf("unexpected localllm snapshot: %+v", got)
	}
	if got.LastError == nil || got.LastError.Message != "port already allocated" {
		t.Fatalf("expected last error to survive, got %+v", got.LastError)
	}
	if len(got.Containers) != 1 || got.Containers[0].Restarts != 2 {
		t.Fatalf("unexpected containers: %+v", got.Containers)
	}
	if !loaded.Groups["extras"].RuntimeAvailable {
		t.Fatalf("expected runtime availability to survive")
	}
}

func TestFileStore_MissingFile(t *testing.T) {
	tmpDir := t.TempDir()
	path := filepath.Join(tmpDir, "missing.json")
	store := NewFileStore(path, zerolog.Nop())

	state, err := store.Load(context.Background())
	if err != nil {
		t.Fatalf("load state: %v", err)
	}

	if len(state.Groups) != 0 {
		t.Fatalf("expected empty state, got %v", state.Groups)
	}
}

func TestFileStore_CorruptFile(t *testing.T) {
	tmpDir := t.TempDir()
	path := filepath.Join(tmpDir, "notify-state.json")
	store := NewFileStore(path, zerolog.Nop())

	if err := os.WriteFile(path, []byte("{not-json"), 0o600); err != nil {
		t.Fatalf("write corrupt file: %v", err)
	}

	state, err := store.Load(context.Background())
	if err != nil {
		t.Fatalf("load state: %v", err)
	}

	if len(state.Groups) != 0 {
		t.Fatalf("expected empty state, got %v", state.Groups)
	}
}

func TestFileStore_VersionMismatch(t *testing.T) {
	path := filepath.Join(t.TempDir(), "notify-state.json")
	store := NewFileStore(path, zerolog.Nop())

	body := `{"version": 0, "groups": {"localllm": {"group": "localllm", "state": "Degraded"}}}`
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write old state: %v", err)
	}

	loaded, err := store.Load(context.Background())
	if err != nil {
		t.Fatalf("load state: %v", err)
	}
	if len(loaded.Groups) != 0 || loaded.Version != SchemaVersion {
		t.Fatalf("expected outdated state to be discarded, got %+v", loaded)
	}
}

func TestFileStore_NoTempFilesLeft(t *testing.T) {
	dir := t.TempDir()
	store := NewFileStore(filepath.Join(dir, "notify-state.json"), zerolog.Nop())

	for i := 0; i < 3; i++ {
		if err := store.Save(context.Background(), Empty()); err != nil {
			t.Fatalf("save %d: %v", i, err)
		}
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("read dir: %v", err)
	}
	if len(entries) != 1 || entries[0].Name() != "notify-state.json" {
		names := make([]string, 0, len(entries))
		for _, e := range entries {
			names = append(names, e.Name())
		}
		t.Fatalf("expected only the state file, got %v", names)
	}
}

func TestFileStore_CreatesParentDir(t *testing.T) {
	tmpDir := t.TempDir()
	path := filepath.Join(tmpDir, "nested", "notify-state.json")
	store := NewFileStore(path, zerolog.Nop())

	if err := store.Save(context.Background(), State{}); err != nil {
		t.Fatalf("save state: %v", err)
	}
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("expected state file: %v", err)
	}

	loaded, err := store.Load(context.Background())
	if err != nil {
		t.Fatalf("load state: %v", err)
	}
	if loaded.Groups == nil {
		t.Fatalf("expected non-nil groups map")
	}
}

func TestFileStore_CanceledContext(t *testing.T) {
	store := NewFileStore(filepath.Join(t.TempDir(), "s.json"), zerolog.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := store.Load(ctx); err == nil {
		t.Fatalf("expected load to fail on canceled context")
	}
	if err := store.Save(ctx, State{}); err == nil {
		t.Fatalf("expected save to fail on canceled context")
	}
}
