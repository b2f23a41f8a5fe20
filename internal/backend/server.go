package backend

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os/exec"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
)

const (
	readyTimeout = 120 * time.Second
	stopTimeout  = 5 * time.Second
)

// server drives a llama-server subprocess over its OpenAI-compatible HTTP
// surface. One subprocess per instance; Close terminates it.
type server struct {
	cfg     Config
	baseURL string
	client  *http.Client
	cmd     *exec.Cmd
	waitCh  chan error
	stderr  *bytes.Buffer
}

func newServer(cfg Config) (Backend, error) {
	if strings.TrimSpace(cfg.ModelPath) == "" {
		return nil, errors.New("model path is empty")
	}
	host := cfg.Host
	if host == "" {
		host = "127.0.0.1"
	}
	s := &server{
		cfg:     cfg,
		baseURL: fmt.Sprintf("http://%s:%d", host, cfg.Port),
		// Timeout stays 0: every request carries a context deadline or is
		// legitimately long-lived (streams).
		client: &http.Client{Timeout: 0},
	}
	if err := s.spawn(host); err != nil {
		return nil, err
	}
	return s, nil
}

// Attach wraps an already-running engine at baseURL without spawning.
func Attach(baseURL string) Backend {
	return &server{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: 0},
	}
}

func (s *server) spawn(host string) error {
	args := []string{
		"-m", s.cfg.ModelPath,
		"--host", host,
		"--port", fmt.Sprint(s.cfg.Port),
		"-ngl", fmt.Sprint(s.cfg.GPULayers),
	}
	if s.cfg.Embeddings {
		args = append(args, "--embeddings")
	}
	if s.cfg.LowVRAM {
		args = append(args, "--no-kv-offload")
	}
	args = append(args, s.cfg.ExtraArgs...)

	cmd := exec.Command(s.cfg.BinPath, args...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start llama-server: %w", err)
	}
	log.Info().Str("model", s.cfg.ModelPath).Int("pid", cmd.Process.Pid).
		Int("port", s.cfg.Port).Int("gpu_layers", s.cfg.GPULayers).
		Msg("llama-server started")

	s.cmd = cmd
	s.stderr = &stderr
	s.waitCh = make(chan error, 1)
	go func() { s.waitCh <- cmd.Wait() }()

	if err := s.waitReady(); err != nil {
		_ = s.Close()
		return err
	}
	return nil
}

// waitReady polls the engine until it answers, the process exits, or the
// deadline passes.
func (s *server) waitReady() error {
	deadline := time.Now().Add(readyTimeout)
	for {
		if time.Now().After(deadline) {
			return fmt.Errorf("llama-server not ready in time: %s", s.baseURL)
		}
		select {
		case werr := <-s.waitCh:
			tail := s.stderrTail()
			if werr != nil {
				return fmt.Errorf("llama-server exited early: %v; stderr tail: %s", werr, tail)
			}
			return fmt.Errorf("llama-server exited before ready; stderr tail: %s", tail)
		default:
		}
		if s.healthy(time.Second) {
			return nil
		}
		time.Sleep(250 * time.Millisecond)
	}
}

func (s *server) healthy(timeout time.Duration) bool {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.baseURL+"/v1/models", nil)
	if err != nil {
		return false
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	return resp.StatusCode >= 200 && resp.StatusCode < 300
}

func (s *server) stderrTail() string {
	if s.stderr == nil {
		return ""
	}
	tail := s.stderr.String()
	if len(tail) > 4096 {
		tail = tail[len(tail)-4096:]
	}
	return tail
}

func (s *server) Call(ctx context.Context, path string, payload json.RawMessage) ([]byte, error) {
	resp, err := s.post(ctx, path, payload)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, httpError(resp.Status, body)
	}
	return body, nil
}

func (s *server) Stream(ctx context.Context, path string, payload json.RawMessage, onEvent func(data []byte) error) error {
	resp, err := s.post(ctx, path, payload)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return httpError(resp.Status, body)
	}

	// Server-sent events: forward every "data:" payload except the [DONE]
	// sentinel, verbatim and in order.
	r := bufio.NewReader(resp.Body)
	for {
		line, err := r.ReadString('\n')
		if l := strings.TrimSpace(line); strings.HasPrefix(l, "data:") {
			data := strings.TrimSpace(l[len("data:"):])
			if data == "[DONE]" {
				return nil
			}
			if data != "" {
				if cbErr := onEvent([]byte(data)); cbErr != nil {
					return cbErr
				}
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return err
		}
	}
}

func (s *server) post(ctx context.Context, path string, payload json.RawMessage) (*http.Response, error) {
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	return s.client.Do(req)
}

// Close terminates the subprocess, escalating from SIGTERM to SIGKILL.
func (s *server) Close() error {
	if s.cmd == nil || s.cmd.Process == nil {
		return nil
	}
	_ = s.cmd.Process.Signal(syscall.SIGTERM)
	select {
	case <-s.waitCh:
	case <-time.After(stopTimeout):
		_ = s.cmd.Process.Kill()
		<-s.waitCh
	}
	log.Debug().Str("model", s.cfg.ModelPath).Msg("llama-server stopped")
	s.cmd = nil
	return nil
}

func httpError(status string, body []byte) error {
	msg := strings.TrimSpace(string(body))
	if len(msg) > 512 {
		msg = msg[:512]
	}
	if msg == "" {
		return fmt.Errorf("backend http error: %s", status)
	}
	return fmt.Errorf("backend http error: %s: %s", status, msg)
}
