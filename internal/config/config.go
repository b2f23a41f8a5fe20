package config

import (
	"fmt"
	"os"
	"strconv"
)

// Defaults applied when corresponding Config fields are unset.
const (
	DefaultCoordinator   = "wss://gputopia.ai/api/v1"
	DefaultLnURL         = "DONT_PAY_ME"
	DefaultModelsDir     = "~/models/llm"
	DefaultBackendHost   = "127.0.0.1"
	DefaultBackendPort   = 8181
	DefaultTestMaxTokens = 16
)

// Config holds runtime parameters for the worker.
// Zero values mean "unspecified" and are replaced by ApplyDefaults.
type Config struct {
	CoordinatorURL string `json:"coordinator_url" yaml:"coordinator_url" toml:"coordinator_url"`
	AuthKey        string `json:"auth_key" yaml:"auth_key" toml:"auth_key"`
	LnURL          string `json:"ln_url" yaml:"ln_url" toml:"ln_url"`
	Once           bool   `json:"once" yaml:"once" toml:"once"`
	Debug          bool   `json:"debug" yaml:"debug" toml:"debug"`
	TestModel      string `json:"test_model" yaml:"test_model" toml:"test_model"`
	TestMaxTokens  int    `json:"test_max_tokens" yaml:"test_max_tokens" toml:"test_max_tokens"`
	LowVRAM        bool   `json:"low_vram" yaml:"low_vram" toml:"low_vram"`
	ForceLayers    int    `json:"force_layers" yaml:"force_layers" toml:"force_layers"`
	ModelsDir      string `json:"models_dir" yaml:"models_dir" toml:"models_dir"`
	LlamaBin       string `json:"llama_bin" yaml:"llama_bin" toml:"llama_bin"`
	BackendHost    string `json:"backend_host" yaml:"backend_host" toml:"backend_host"`
	BackendPort    int    `json:"backend_port" yaml:"backend_port" toml:"backend_port"`
	StatusAddr     string `json:"status_addr" yaml:"status_addr" toml:"status_addr"`
}

// ApplyDefaults fills unset fields with package defaults.
func (c *Config) ApplyDefaults() {
	if c.CoordinatorURL == "" {
		c.CoordinatorURL = DefaultCoordinator
	}
	if c.LnURL == "" {
		c.LnURL = DefaultLnURL
	}
	if c.ModelsDir == "" {
		c.ModelsDir = DefaultModelsDir
	}
	if c.BackendHost == "" {
		c.BackendHost = DefaultBackendHost
	}
	if c.BackendPort <= 0 {
		c.BackendPort = DefaultBackendPort
	}
	if c.TestMaxTokens <= 0 {
		c.TestMaxTokens = DefaultTestMaxTokens
	}
}

// ApplyEnv overlays WORKERBEE_* environment variables onto unset-or-default
// fields. Environment wins over file values, flags win over both (see cmd).
func (c *Config) ApplyEnv() {
	setStr := func(dst *string, key string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	setBool := func(dst *bool, key string) {
		if v := os.Getenv(key); v != "" {
			if b, err := strconv.ParseBool(v); err == nil {
				*dst = b
			}
		}
	}
	setInt := func(dst *int, key string) {
		if v := os.Getenv(key); v != "" {
			if n, err := strconv.Atoi(v); err == nil {
				*dst = n
			}
		}
	}
	setStr(&c.CoordinatorURL, "WORKERBEE_COORDINATOR_URL")
	setStr(&c.AuthKey, "WORKERBEE_AUTH_KEY")
	setStr(&c.LnURL, "WORKERBEE_LN_URL")
	setBool(&c.Once, "WORKERBEE_ONCE")
	setBool(&c.Debug, "WORKERBEE_DEBUG")
	setStr(&c.TestModel, "WORKERBEE_TEST_MODEL")
	setInt(&c.TestMaxTokens, "WORKERBEE_TEST_MAX_TOKENS")
	setBool(&c.LowVRAM, "WORKERBEE_LOW_VRAM")
	setInt(&c.ForceLayers, "WORKERBEE_FORCE_LAYERS")
	setStr(&c.ModelsDir, "WORKERBEE_MODELS_DIR")
	setStr(&c.LlamaBin, "WORKERBEE_LLAMA_BIN")
	setStr(&c.BackendHost, "WORKERBEE_BACKEND_HOST")
	setInt(&c.BackendPort, "WORKERBEE_BACKEND_PORT")
	setStr(&c.StatusAddr, "WORKERBEE_STATUS_ADDR")
}

// Validate rejects configurations the worker cannot start with.
func (c *Config) Validate() error {
	if c.CoordinatorURL == "" && c.TestModel == "" {
		return fmt.Errorf("coordinator_url is required unless test_model is set")
	}
	if c.ForceLayers < 0 {
		return fmt.Errorf("force_layers must be >= 0, got %d", c.ForceLayers)
	}
	if c.BackendPort < 0 || c.BackendPort > 65535 {
		return fmt.Errorf("backend_port out of range: %d", c.BackendPort)
	}
	return nil
}
