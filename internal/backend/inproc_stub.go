//go:build !llama

package backend

import "errors"

// ErrInProcessUnavailable is returned when the binary was built without the
// 'llama' build tag and no llama-server binary is configured.
var ErrInProcessUnavailable = errors.New("in-process llama support not built (missing 'llama' build tag); set llama_bin to use llama-server")

func newInProcess(cfg Config) (Backend, error) {
	return nil, ErrInProcessUnavailable
}
