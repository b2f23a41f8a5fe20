// Package backend runs the local inference engine and exposes the small
// request/stream surface the worker forwards jobs to.
package backend

import (
	"context"
	"encoding/json"
)

// Config describes one backend instance. A new instance is constructed per
// model load; there is no model switching within a running instance.
type Config struct {
	ModelPath  string
	GPULayers  int
	LowVRAM    bool
	Embeddings bool

	// Fixed listen configuration for the subprocess engine.
	Host string
	Port int

	// BinPath locates the llama-server binary. Empty selects the in-process
	// engine (requires the 'llama' build tag).
	BinPath   string
	ExtraArgs []string
}

// Backend is a running inference engine bound to one loaded model.
type Backend interface {
	// Call issues a non-streaming request to path and returns the full
	// response body.
	Call(ctx context.Context, path string, payload json.RawMessage) ([]byte, error)
	// Stream issues a streaming request to path and invokes onEvent with
	// each event payload in emission order. It returns after the stream
	// ends or fails; events already delivered are never retracted.
	Stream(ctx context.Context, path string, payload json.RawMessage, onEvent func(data []byte) error) error
	// Close releases the engine and any OS resources it holds.
	Close() error
}

// New constructs the backend kind selected by cfg.
func New(cfg Config) (Backend, error) {
	if cfg.BinPath == "" {
		return newInProcess(cfg)
	}
	return newServer(cfg)
}
