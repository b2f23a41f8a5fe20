package types

import "encoding/json"

// ChatCompletionsPath is the backend path used by the self-test battery.
const ChatCompletionsPath = "/v1/chat/completions"

// GPUInfo describes one accelerator in the capability handshake.
// All fields are optional; a machine without a supported driver reports none.
type GPUInfo struct {
	Name        string `json:"name,omitempty"`
	UUID        string `json:"uuid,omitempty"`
	MemoryTotal uint64 `json:"memory_total,omitempty"` // bytes
}

// CapabilityDescriptor is the first message sent on every coordinator
// connection. Field names match the coordinator's wire schema; ln_url is an
// opaque routing/payment identity passed through from configuration.
type CapabilityDescriptor struct {
	LnURL         string    `json:"ln_url"`
	CPUCount      int       `json:"cpu_count"`
	HostMemory    uint64    `json:"vram"` // available host memory, bytes
	GPUCount      int       `json:"nv_gpu_count,omitempty"`
	DriverVersion string    `json:"nv_driver_version,omitempty"`
	GPUs          []GPUInfo `json:"nv_gpus"`
}

// TotalGPUMemory sums MemoryTotal across all reported accelerators.
func (d *CapabilityDescriptor) TotalGPUMemory() uint64 {
	var total uint64
	for _, g := range d.GPUs {
		total += g.MemoryTotal
	}
	return total
}

// JobRequest is one unit of work received from the coordinator. OpenAIReq is
// kept raw so unknown payload fields pass through to the backend byte for
// byte; only "model" and "stream" are ever inspected.
type JobRequest struct {
	OpenAIURL string          `json:"openai_url"`
	OpenAIReq json.RawMessage `json:"openai_req"`
}

// ErrorResult is the structured per-job error message. Delivering it instead
// of closing the connection is the core protocol invariant.
type ErrorResult struct {
	Error     string `json:"error"`
	ErrorType string `json:"error_type"`
}

// WorkerStatus is the read-only projection served by the ops endpoint.
type WorkerStatus struct {
	Connected    bool   `json:"connected"`
	CurrentModel string `json:"current_model,omitempty"`
	JobsServed   uint64 `json:"jobs_served"`
	UptimeSec    int64  `json:"uptime_sec"`
}
