package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	zlog "github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"workerbee/internal/common/fsutil"
	"workerbee/internal/config"
	"workerbee/internal/httpapi"
	"workerbee/internal/hub"
	"workerbee/internal/hwinfo"
	"workerbee/internal/worker"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		zlog.Error().Err(err).Msg("workerbee failed")
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var cfgFile string
	var flagCfg config.Config

	root := &cobra.Command{
		Use:           "workerbee",
		Short:         "GPU compute worker that serves inference jobs from a coordinator",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	pf := root.PersistentFlags()
	pf.StringVar(&cfgFile, "config", "", "config file (.yaml, .json, or .toml)")
	pf.StringVar(&flagCfg.CoordinatorURL, "coordinator", "", "coordinator websocket URL")
	pf.StringVar(&flagCfg.AuthKey, "auth-key", "", "bearer token sent when dialing the coordinator")
	pf.StringVar(&flagCfg.LnURL, "ln-url", "", "lightning payout address advertised to the coordinator")
	pf.BoolVar(&flagCfg.Once, "once", false, "serve one job, then exit")
	pf.BoolVar(&flagCfg.Debug, "debug", false, "enable debug logging")
	pf.BoolVar(&flagCfg.LowVRAM, "low-vram", false, "trade throughput for a smaller GPU footprint")
	pf.IntVar(&flagCfg.ForceLayers, "force-layers", 0, "pin GPU layer offload, bypassing estimation")
	pf.StringVar(&flagCfg.ModelsDir, "models-dir", "", "directory for downloaded model weights")
	pf.StringVar(&flagCfg.LlamaBin, "llama-bin", "", "llama server binary; empty selects the in-process engine")
	pf.StringVar(&flagCfg.BackendHost, "backend-host", "", "listen host for the spawned engine")
	pf.IntVar(&flagCfg.BackendPort, "backend-port", 0, "listen port for the spawned engine")
	pf.StringVar(&flagCfg.StatusAddr, "status-addr", "", "optional HTTP address for /status and /metrics")
	pf.StringVar(&flagCfg.TestModel, "test-model", "", "model used by the selftest command")
	pf.IntVar(&flagCfg.TestMaxTokens, "test-max-tokens", 0, "completion budget per selftest prompt")

	load := func(cmd *cobra.Command) (config.Config, error) {
		return resolveConfig(cmd, cfgFile, flagCfg)
	}

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Connect to the coordinator and serve jobs until stopped",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := load(cmd)
			if err != nil {
				return err
			}
			return runServe(cfg)
		},
	}

	selftestCmd := &cobra.Command{
		Use:   "selftest",
		Short: "Load the test model and run a local generation battery",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := load(cmd)
			if err != nil {
				return err
			}
			if cfg.TestModel == "" {
				return errors.New("selftest requires --test-model")
			}
			return runSelfTest(cfg)
		},
	}

	probeCmd := &cobra.Command{
		Use:   "probe",
		Short: "Print the capability descriptor this host would advertise",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := load(cmd)
			if err != nil {
				return err
			}
			setupLogging(cfg.Debug)
			desc := hwinfo.NewReporter(cfg.LnURL).Get()
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(desc)
		},
	}

	root.AddCommand(serveCmd, selftestCmd, probeCmd)
	root.RunE = serveCmd.RunE
	return root
}

// resolveConfig layers sources lowest to highest: defaults, config file,
// WORKERBEE_* environment, command-line flags.
func resolveConfig(cmd *cobra.Command, cfgFile string, flagCfg config.Config) (config.Config, error) {
	var cfg config.Config
	if cfgFile != "" {
		loaded, err := config.Load(cfgFile)
		if err != nil {
			return config.Config{}, err
		}
		cfg = loaded
	}
	cfg.ApplyEnv()

	flags := cmd.Flags()
	if flags.Changed("coordinator") {
		cfg.CoordinatorURL = flagCfg.CoordinatorURL
	}
	if flags.Changed("auth-key") {
		cfg.AuthKey = flagCfg.AuthKey
	}
	if flags.Changed("ln-url") {
		cfg.LnURL = flagCfg.LnURL
	}
	if flags.Changed("once") {
		cfg.Once = flagCfg.Once
	}
	if flags.Changed("debug") {
		cfg.Debug = flagCfg.Debug
	}
	if flags.Changed("low-vram") {
		cfg.LowVRAM = flagCfg.LowVRAM
	}
	if flags.Changed("force-layers") {
		cfg.ForceLayers = flagCfg.ForceLayers
	}
	if flags.Changed("models-dir") {
		cfg.ModelsDir = flagCfg.ModelsDir
	}
	if flags.Changed("llama-bin") {
		cfg.LlamaBin = flagCfg.LlamaBin
	}
	if flags.Changed("backend-host") {
		cfg.BackendHost = flagCfg.BackendHost
	}
	if flags.Changed("backend-port") {
		cfg.BackendPort = flagCfg.BackendPort
	}
	if flags.Changed("status-addr") {
		cfg.StatusAddr = flagCfg.StatusAddr
	}
	if flags.Changed("test-model") {
		cfg.TestModel = flagCfg.TestModel
	}
	if flags.Changed("test-max-tokens") {
		cfg.TestMaxTokens = flagCfg.TestMaxTokens
	}

	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return config.Config{}, err
	}
	return cfg, nil
}

func setupLogging(debug bool) zerolog.Logger {
	level := zerolog.InfoLevel
	if debug {
		level = zerolog.DebugLevel
	}
	zerolog.SetGlobalLevel(level)
	logger := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).
		With().Timestamp().Logger()
	zlog.Logger = logger
	return logger
}

func buildWorker(cfg config.Config, logger zerolog.Logger) (*worker.Worker, *worker.Slot, error) {
	caps := hwinfo.NewReporter(cfg.LnURL)
	dir, err := fsutil.EnsureDir(cfg.ModelsDir)
	if err != nil {
		return nil, nil, err
	}
	resolver, err := hub.New(dir, hub.Options{
		Progress: func(name string, pct int) {
			if pct%10 == 0 {
				logger.Info().Str("file", name).Int("pct", pct).Msg("downloading model")
			}
		},
	})
	if err != nil {
		return nil, nil, err
	}
	slot := worker.NewSlot(&cfg, caps, resolver, nil)
	return worker.New(cfg, caps, slot, logger), slot, nil
}

func runServe(cfg config.Config) error {
	logger := setupLogging(cfg.Debug)
	w, slot, err := buildWorker(cfg, logger)
	if err != nil {
		return err
	}
	defer slot.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if cfg.StatusAddr != "" {
		srv := &http.Server{Addr: cfg.StatusAddr, Handler: httpapi.NewMux(w)}
		go func() {
			logger.Info().Str("addr", cfg.StatusAddr).Msg("status server listening")
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Error().Err(err).Msg("status server error")
			}
		}()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()
	}

	if err := w.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	logger.Info().Msg("worker stopped")
	return nil
}

func runSelfTest(cfg config.Config) error {
	logger := setupLogging(cfg.Debug)
	w, slot, err := buildWorker(cfg, logger)
	if err != nil {
		return err
	}
	defer slot.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	return w.SelfTest(ctx, os.Stdout)
}
