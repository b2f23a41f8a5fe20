package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"

	"workerbee/internal/backend"
	"workerbee/internal/config"
	"workerbee/internal/hwinfo"
)

// fakeResolver maps names to paths and counts resolutions.
type fakeResolver struct {
	paths map[string]string
	calls int
}

func (r *fakeResolver) Resolve(_ context.Context, name string) (string, error) {
	r.calls++
	path, ok := r.paths[name]
	if !ok {
		return "", fmt.Errorf("no such model %s", name)
	}
	return path, nil
}

// fakeBackend scripts Call and Stream responses.
type fakeBackend struct {
	callBody  []byte
	callErr   error
	events    [][]byte
	streamErr error
	closed    int
}

func (b *fakeBackend) Call(_ context.Context, _ string, _ json.RawMessage) ([]byte, error) {
	return b.callBody, b.callErr
}

func (b *fakeBackend) Stream(_ context.Context, _ string, _ json.RawMessage, onEvent func([]byte) error) error {
	for _, ev := range b.events {
		if err := onEvent(ev); err != nil {
			return err
		}
	}
	return b.streamErr
}

func (b *fakeBackend) Close() error {
	b.closed++
	return nil
}

type fakeFactory struct {
	be    *fakeBackend
	err   error
	calls int
}

func (f *fakeFactory) build(cfg backend.Config) (backend.Backend, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return f.be, nil
}

func testSlotConfig() *config.Config {
	cfg := &config.Config{}
	cfg.ApplyDefaults()
	// Skip metadata inspection so tests need no weight files on disk.
	cfg.ForceLayers = 1
	return cfg
}

func TestEnsureLoadedIsIdempotent(t *testing.T) {
	resolver := &fakeResolver{paths: map[string]string{"m": "/tmp/m.gguf"}}
	factory := &fakeFactory{be: &fakeBackend{}}
	slot := NewSlot(testSlotConfig(), hwinfo.NewReporter("x"), resolver, factory.build)

	for i := 0; i < 3; i++ {
		if err := slot.EnsureLoaded(context.Background(), "m"); err != nil {
			t.Fatalf("EnsureLoaded #%d: %v", i, err)
		}
	}
	if resolver.calls != 1 {
		t.Fatalf("resolver called %d times, want 1", resolver.calls)
	}
	if factory.calls != 1 {
		t.Fatalf("factory called %d times, want 1", factory.calls)
	}
	if slot.Current() != "m" {
		t.Fatalf("current = %q, want m", slot.Current())
	}
}

func TestEnsureLoadedSwapClosesOldBackend(t *testing.T) {
	first := &fakeBackend{}
	second := &fakeBackend{}
	backends := []*fakeBackend{first, second}
	n := 0
	factory := func(backend.Config) (backend.Backend, error) {
		be := backends[n]
		n++
		return be, nil
	}
	resolver := &fakeResolver{paths: map[string]string{"a": "/tmp/a.gguf", "b": "/tmp/b.gguf"}}
	slot := NewSlot(testSlotConfig(), hwinfo.NewReporter("x"), resolver, factory)

	if err := slot.EnsureLoaded(context.Background(), "a"); err != nil {
		t.Fatalf("load a: %v", err)
	}
	if err := slot.EnsureLoaded(context.Background(), "b"); err != nil {
		t.Fatalf("load b: %v", err)
	}
	if first.closed != 1 {
		t.Fatalf("first backend closed %d times, want 1", first.closed)
	}
	if second.closed != 0 {
		t.Fatalf("second backend closed %d times, want 0", second.closed)
	}
	if slot.Current() != "b" {
		t.Fatalf("current = %q, want b", slot.Current())
	}
}

func TestEnsureLoadedFailureKeepsResidentModel(t *testing.T) {
	resolver := &fakeResolver{paths: map[string]string{"good": "/tmp/good.gguf"}}
	be := &fakeBackend{}
	factory := &fakeFactory{be: be}
	slot := NewSlot(testSlotConfig(), hwinfo.NewReporter("x"), resolver, factory.build)

	if err := slot.EnsureLoaded(context.Background(), "good"); err != nil {
		t.Fatalf("load good: %v", err)
	}
	err := slot.EnsureLoaded(context.Background(), "missing")
	if err == nil {
		t.Fatal("expected error loading missing model")
	}
	if got := ErrorType(err); got != kindLoadError {
		t.Fatalf("error type = %q, want %q", got, kindLoadError)
	}
	if slot.Current() != "good" {
		t.Fatalf("current = %q, want good after failed swap", slot.Current())
	}
	if slot.Backend() != be {
		t.Fatal("backend replaced after failed swap")
	}
	if be.closed != 0 {
		t.Fatal("resident backend closed after failed swap")
	}
}

func TestEnsureLoadedFactoryFailure(t *testing.T) {
	resolver := &fakeResolver{paths: map[string]string{"m": "/tmp/m.gguf"}}
	factory := &fakeFactory{err: errors.New("spawn failed")}
	slot := NewSlot(testSlotConfig(), hwinfo.NewReporter("x"), resolver, factory.build)

	err := slot.EnsureLoaded(context.Background(), "m")
	if err == nil {
		t.Fatal("expected error")
	}
	if !IsLoadFailure(err) {
		t.Fatalf("IsLoadFailure = false for %v", err)
	}
	if slot.Current() != "" {
		t.Fatalf("current = %q, want empty", slot.Current())
	}
}

func TestEnsureLoadedRejectsEmptyName(t *testing.T) {
	slot := NewSlot(testSlotConfig(), hwinfo.NewReporter("x"), &fakeResolver{}, nil)
	err := slot.EnsureLoaded(context.Background(), "")
	if err == nil {
		t.Fatal("expected error for empty model name")
	}
	if got := ErrorType(err); got != kindBadRequest {
		t.Fatalf("error type = %q, want %q", got, kindBadRequest)
	}
}

func TestCloseReleasesBackend(t *testing.T) {
	resolver := &fakeResolver{paths: map[string]string{"m": "/tmp/m.gguf"}}
	be := &fakeBackend{}
	factory := &fakeFactory{be: be}
	slot := NewSlot(testSlotConfig(), hwinfo.NewReporter("x"), resolver, factory.build)

	if err := slot.EnsureLoaded(context.Background(), "m"); err != nil {
		t.Fatalf("load: %v", err)
	}
	if err := slot.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if be.closed != 1 {
		t.Fatalf("backend closed %d times, want 1", be.closed)
	}
	if slot.Current() != "" || slot.Backend() != nil {
		t.Fatal("slot not empty after Close")
	}
}
