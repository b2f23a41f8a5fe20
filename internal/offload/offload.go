// Package offload decides how many model layers to place in accelerator
// memory for a given hardware budget.
package offload

import (
	"fmt"

	"github.com/rs/zerolog/log"

	"workerbee/internal/gguf"
	"workerbee/pkg/types"
)

// EstimateLayers returns the number of layers to offload for the model at
// modelPath given the host's capability descriptor. forceLayers > 0 is a
// manual override: it is returned as-is and the file is never opened.
//
// The shortfall path assumes uniform per-layer memory cost. That is not exact
// for every architecture, but it errs low and costs one header read.
func EstimateLayers(modelPath string, desc *types.CapabilityDescriptor, forceLayers int) (int, error) {
	if forceLayers > 0 {
		return forceLayers, nil
	}

	md, err := gguf.ReadMetadata(modelPath)
	if err != nil {
		return 0, fmt.Errorf("model metadata: %w", err)
	}

	totalGPU := desc.TotalGPUMemory()

	layers := md.LayerCount
	if md.EstimatedMemory > totalGPU {
		// perLayer rounds to 0 when the file is smaller than its own layer
		// count (degenerate but well-formed header); nothing fits then.
		if perLayer := md.EstimatedMemory / uint64(md.LayerCount); perLayer > 0 {
			layers = int(totalGPU / perLayer)
		} else {
			layers = 0
		}
	}

	log.Info().
		Str("model", modelPath).
		Int("layers", layers).
		Int("total_layers", md.LayerCount).
		Uint64("gpu_mem", totalGPU).
		Uint64("est_mem", md.EstimatedMemory).
		Msg("guessed offload layers")

	return layers, nil
}
