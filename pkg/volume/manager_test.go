package volume

import (
	"errors"
	"os"
	"testing"

	"drydock/pkg/config"
	"drydock/pkg/state"
)

func newTestManager(t *testing.T) (*Manager, *state.Store, func()) {
	t.Helper()

	tempDir, err := os.MkdirTemp("", "drydock-volume-test")
	if err != nil {
		t.Fatalf("Failed to create temp dir: %v", err)
	}

	cfg := config.NewConfigWithRoot(tempDir)
	if err := cfg.Ensure(); err != nil {
		os.RemoveAll(tempDir)
		t.Fatalf("Failed to ensure config dirs: %v", err)
	}
	store, err := state.NewStore(cfg)
	if err != nil {
		os.RemoveAll(tempDir)
		t.Fatalf("Failed to create store: %v", err)
	}
	mgr, err := NewManager(cfg, store)
	if err != nil {
		os.RemoveAll(tempDir)
		t.Fatalf("Failed to create manager: %v", err)
	}

	return mgr, store, func() { os.RemoveAll(tempDir) }
}

func TestVolumeLifecycle(t *testing.T) {
	mgr, _, cleanup := newTestManager(t)
	defer cleanup()

	t.Run("create", func(t *testing.T) {
		vol, err := mgr.Create("data")
		if err != nil {
			t.Fatalf("Create failed: %v", err)
		}
		if vol.Driver != "local" || vol.Scope != "local" {
			t.Errorf("unexpected volume metadata: %+v", vol)
		}
		if _, err := os.Stat(vol.Mountpoint); err != nil {
			t.Errorf("mountpoint not created: %v", err)
		}
	})

	t.Run("create duplicate fails", func(t *testing.T) {
		_, err := mgr.Create("data")
		if !errors.Is(err, ErrExists) {
			t.Errorf("expected ErrExists, got %v", err)
		}
	})

	t.Run("ensure is idempotent", func(t *testing.T) {
		vol, err := mgr.EnsureExists("data")
		if err != nil {
			t.Fatalf("EnsureExists failed: %v", err)
		}
		if vol.Name != "data" {
			t.Errorf("unexpected volume: %+v", vol)
		}
	})

	t.Run("get unknown", func(t *testing.T) {
		_, err := mgr.Get("ghost")
		if !errors.Is(err, ErrNotFound) {
			t.Errorf("expected ErrNotFound, got %v", err)
		}
	})

	t.Run("list", func(t *testing.T) {
		if _, err := mgr.Create("another"); err != nil {
			t.Fatalf("Create failed: %v", err)
		}
		volumes, err := mgr.List()
		if err != nil {
			t.Fatalf("List failed: %v", err)
		}
		if len(volumes) != 2 {
			t.Errorf("expected 2 volumes, got %d", len(volumes))
		}
	})

	t.Run("remove", func(t *testing.T) {
		if err := mgr.Remove("another"); err != nil {
			t.Fatalf("Remove failed: %v", err)
		}
		_, err := mgr.Get("another")
		if !errors.Is(err, ErrNotFound) {
			t.Errorf("expected ErrNotFound after remove, got %v", err)
		}
	})
}

func TestConfigSurvivesRestart(t *testing.T) {
	tempDir, err := os.MkdirTemp("", "drydock-volume-test")
	if err != nil {
		t.Fatalf("Failed to create temp dir: %v", err)
	}
	defer os.RemoveAll(tempDir)

	cfg := config.NewConfigWithRoot(tempDir)
	if err := cfg.Ensure(); err != nil {
		t.Fatalf("Failed to ensure config dirs: %v", err)
	}
	store, err := state.NewStore(cfg)
	if err != nil {
		t.Fatalf("Failed to create store: %v", err)
	}
	mgr, err := NewManager(cfg, store)
	if err != nil {
		t.Fatalf("Failed to create manager: %v", err)
	}

	created, err := mgr.Create("durable")
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if _, err := os.Stat(cfg.GetVolumeConfig("durable")); err != nil {
		t.Fatalf("volume config not written: %v", err)
	}

	// A new manager over the same root sees the volume from disk alone.
	fresh, err := NewManager(cfg, store)
	if err != nil {
		t.Fatalf("Failed to create second manager: %v", err)
	}
	loaded, err := fresh.Get("durable")
	if err != nil {
		t.Fatalf("Get after restart failed: %v", err)
	}
	if loaded.Mountpoint != created.Mountpoint || loaded.Driver != "local" {
		t.Errorf("loaded volume = %+v, want %+v", loaded, created)
	}
	if loaded.CreatedAt.IsZero() {
		t.Error("CreatedAt not persisted")
	}
}

func TestRemoveInUse(t *testing.T) {
	mgr, store, cleanup := newTestManager(t)
	defer cleanup()

	if _, err := mgr.Create("busy"); err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if err := store.AddContainer(state.ContainerRecord{
		ID: "c1", Name: "user", Volumes: []string{"busy"},
	}); err != nil {
		t.Fatalf("AddContainer failed: %v", err)
	}

	err := mgr.Remove("busy")
	if !errors.Is(err, ErrInUse) {
		t.Errorf("expected ErrInUse, got %v", err)
	}

	if err := store.RemoveContainer("c1"); err != nil {
		t.Fatalf("RemoveContainer failed: %v", err)
	}
	if err := mgr.Remove("busy"); err != nil {
		t.Errorf("Remove after container gone failed: %v", err)
	}
}

func TestPrune(t *testing.T) {
	mgr, store, cleanup := newTestManager(t)
	defer cleanup()

	for _, name := range []string{"used", "unused-a", "unused-b"} {
		if _, err := mgr.Create(name); err != nil {
			t.Fatalf("Create failed: %v", err)
		}
	}
	if err := store.AddContainer(state.ContainerRecord{
		ID: "c1", Volumes: []string{"used"},
	}); err != nil {
		t.Fatalf("AddContainer failed: %v", err)
	}

	removed, err := mgr.Prune()
	if err != nil {
		t.Fatalf("Prune failed: %v", err)
	}
	if len(removed) != 2 {
		t.Errorf("expected 2 pruned, got %v", removed)
	}
	if _, err := mgr.Get("used"); err != nil {
		t.Errorf("in-use volume pruned: %v", err)
	}
}
