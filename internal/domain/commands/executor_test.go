package commands

import (
	"context"
	"testing"
)

func TestStatus_ErrorsWithoutEngine(t *testing.T) {
	e := NewExecutor(nil, nil, nil)
	if _, err := e.Status(context.Background()); err == nil {
		t.Fatalf("expected error when engine is not available")
	}
}

func TestForceStatusUpdate_ErrorsWithoutEngine(t *testing.T) {
	e := NewExecutor(nil, nil, nil)
	if err := e.ForceStatusUpdate(context.Background()); err == nil {
		t.Fatalf("expected error when engine is not available")
	}
}

func TestFlush_ErrorsWithoutEngine(t *testing.T) {
	e := NewExecutor(nil, nil, nil)
	if err := e.Flush(context.Background()); err == nil {
		t.Fatalf("expected error when engine is not available")
	}
}

func TestReloadPreFilter_ErrorsWithoutEngine(t *testing.T) {
	e := NewExecutor(nil, nil, nil)
	if _, err := e.ReloadPreFilter(context.Background()); err == nil {
		t.Fatalf("expected error when engine is not available")
	}
}

func TestList_ErrorsWithoutPeersManager(t *testing.T) {
	e := NewExecutor(nil, nil, nil)
	if _, err := e.List(context.Background()); err == nil {
		t.Fatalf("expected error when peers manager is not available")
	}
}

func TestRefreshDialogs_ErrorsWithoutPeersManager(t *testing.T) {
	e := NewExecutor(nil, nil, nil)
	if err := e.RefreshDialogs(context.Background()); err == nil {
		t.Fatalf("expected error when peers manager is not available")
	}
}

func TestTest_ErrorsWithoutPeersManager(t *testing.T) {
	e := NewExecutor(nil, nil, nil)
	if _, err := e.Test(context.Background()); err == nil {
		t.Fatalf("expected error when peers manager is not available")
	}
}

func TestWhoami_ErrorsWithoutClient(t *testing.T) {
	e := NewExecutor(nil, nil, nil)
	if _, err := e.Whoami(context.Background()); err == nil {
		t.Fatalf("expected error when client is not available")
	}
}

func TestVersion_NeedsNoDependencies(t *testing.T) {
	e := NewExecutor(nil, nil, nil)
	result, err := e.Version(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Name == "" || result.Version == "" {
		t.Fatalf("expected non-empty name/version, got %+v", result)
	}
}
