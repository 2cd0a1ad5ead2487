package tern

import (
	"errors"
	"testing"

	"github.com/ternnet/tern/transport"
)

// ============================================================================
// Library Lifecycle Tests
// ============================================================================

func TestInit_OnlyOnce(t *testing.T) {
	engine := newFakeEngine()
	lib := newTestLibrary(t, engine)
	defer lib.Close()

	if engine.initCalls != 1 {
		t.Fatalf("engine initialized %d times, want 1", engine.initCalls)
	}

	if _, err := Init(newFakeEngine()); !errors.Is(err, ErrAlreadyInitialized) {
		t.Errorf("second Init error = %v, want ErrAlreadyInitialized", err)
	}
}

func TestInit_NoReinitAfterClose(t *testing.T) {
	engine := newFakeEngine()
	lib := newTestLibrary(t, engine)

	if err := lib.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if engine.deinitCalls != 1 {
		t.Fatalf("engine deinitialized %d times, want 1", engine.deinitCalls)
	}

	if _, err := Init(newFakeEngine()); !errors.Is(err, ErrAlreadyDeinitialized) {
		t.Errorf("Init after Close error = %v, want ErrAlreadyDeinitialized", err)
	}
}

func TestInit_EngineFailureRollsBack(t *testing.T) {
	resetLibraryState()
	t.Cleanup(resetLibraryState)

	failing := newFakeEngine()
	failing.initStatus = -3

	_, err := Init(failing)
	var initErr *InitError
	if !errors.As(err, &initErr) {
		t.Fatalf("Init error = %v, want *InitError", err)
	}
	if initErr.Code != -3 {
		t.Errorf("InitError.Code = %d, want -3", initErr.Code)
	}

	// A failed Init leaves the slate clean for another engine.
	lib, err := Init(newFakeEngine())
	if err != nil {
		t.Fatalf("Init after failed attempt: %v", err)
	}
	lib.Close()
}

func TestLibrary_HostsKeepEngineAlive(t *testing.T) {
	engine := newFakeEngine()
	lib := newTestLibrary(t, engine)

	host, err := lib.NewHost(DefaultHostSettings())
	if err != nil {
		t.Fatalf("NewHost failed: %v", err)
	}

	lib.Close()
	if engine.deinitCalls != 0 {
		t.Fatal("engine deinitialized while a host is alive")
	}

	host.Close()
	if engine.deinitCalls != 1 {
		t.Fatalf("engine deinitialized %d times after last host closed, want 1", engine.deinitCalls)
	}
}

func TestLinkedVersion(t *testing.T) {
	lib := newTestLibrary(t, newFakeEngine())
	defer lib.Close()

	want := transport.Version{Major: 1, Minor: 3, Patch: 17}
	if got := lib.LinkedVersion(); got != want {
		t.Errorf("LinkedVersion = %+v, want %+v", got, want)
	}
}

// ============================================================================
// Address Resolution Tests
// ============================================================================

func TestResolveAddress(t *testing.T) {
	lib := newTestLibrary(t, newFakeEngine())
	defer lib.Close()

	addr, err := lib.ResolveAddress("localhost", 0)
	if err != nil {
		t.Fatalf("ResolveAddress failed: %v", err)
	}
	if addr.String() != "127.0.0.1:0" {
		t.Errorf("ResolveAddress(localhost, 0) = %s, want 127.0.0.1:0", addr)
	}

	addr, err = lib.ResolveAddress("localhost", 9001)
	if err != nil {
		t.Fatalf("ResolveAddress failed: %v", err)
	}
	if addr.Port() != 9001 {
		t.Errorf("Port = %d, want 9001", addr.Port())
	}
}

func TestResolveAddress_Failure(t *testing.T) {
	lib := newTestLibrary(t, newFakeEngine())
	defer lib.Close()

	_, err := lib.ResolveAddress("", 0)
	var engErr *EngineError
	if !errors.As(err, &engErr) {
		t.Fatalf("ResolveAddress(\"\") error = %v, want *EngineError", err)
	}

	if _, err := lib.ResolveAddress("no.such.name.invalid", 0); err == nil {
		t.Error("ResolveAddress should fail for an unknown name")
	}
}
