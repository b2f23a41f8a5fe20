package worker

import (
	"context"
	"errors"
	"fmt"

	"workerbee/internal/backend"
	"workerbee/internal/config"
	"workerbee/internal/hwinfo"
	"workerbee/internal/offload"
)

// Resolver maps a model name to a local weight file path. Satisfied by
// *hub.Resolver; may block on network download.
type Resolver interface {
	Resolve(ctx context.Context, name string) (string, error)
}

// BackendFactory builds an inference backend. Defaults to backend.New.
type BackendFactory func(cfg backend.Config) (backend.Backend, error)

// Slot holds at most one resident model. It is owned by the single serving
// goroutine, so it needs no locking; loading a different model is the only
// way to evict the current one.
type Slot struct {
	cfg      *config.Config
	caps     *hwinfo.Reporter
	resolver Resolver
	factory  BackendFactory

	current string
	be      backend.Backend
}

func NewSlot(cfg *config.Config, caps *hwinfo.Reporter, resolver Resolver, factory BackendFactory) *Slot {
	if factory == nil {
		factory = backend.New
	}
	return &Slot{cfg: cfg, caps: caps, resolver: resolver, factory: factory}
}

// EnsureLoaded makes name the resident model. It is a no-op when name is
// already resident. On any failure the slot keeps its previous model and
// backend; the swap is committed only after the new backend is up.
func (s *Slot) EnsureLoaded(ctx context.Context, name string) error {
	if name == "" {
		return errorKind(kindBadRequest, errors.New("request payload has no model"))
	}
	if name == s.current {
		return nil
	}

	path, err := s.resolver.Resolve(ctx, name)
	if err != nil {
		return errorKind(kindLoadError, fmt.Errorf("resolve %s: %w", name, err))
	}
	layers, err := offload.EstimateLayers(path, s.caps.Get(), s.cfg.ForceLayers)
	if err != nil {
		return errorKind(kindLoadError, err)
	}
	be, err := s.factory(backend.Config{
		ModelPath:  path,
		GPULayers:  layers,
		LowVRAM:    s.cfg.LowVRAM,
		Embeddings: true,
		Host:       s.cfg.BackendHost,
		Port:       s.cfg.BackendPort,
		BinPath:    s.cfg.LlamaBin,
	})
	if err != nil {
		return errorKind(kindLoadError, fmt.Errorf("start backend for %s: %w", name, err))
	}

	if s.be != nil {
		_ = s.be.Close()
	}
	s.be = be
	s.current = name
	modelLoadsTotal.Inc()
	return nil
}

// Current returns the resident model name, empty when none is loaded.
func (s *Slot) Current() string { return s.current }

// Backend returns the handle for the resident model, nil when none.
func (s *Slot) Backend() backend.Backend { return s.be }

// Close releases the resident backend, if any.
func (s *Slot) Close() error {
	if s.be == nil {
		return nil
	}
	err := s.be.Close()
	s.be = nil
	s.current = ""
	return err
}
