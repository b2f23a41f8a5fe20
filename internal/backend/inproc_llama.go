//go:build llama

package backend

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	llama "github.com/go-skynet/go-llama.cpp"

	"workerbee/pkg/types"
)

// inProcess satisfies Backend with go-llama.cpp bindings, loading the model
// into this process instead of spawning llama-server. It understands the
// chat-completions path only; anything else needs the subprocess engine.
type inProcess struct {
	model *llama.LLama
	cfg   Config
}

func newInProcess(cfg Config) (Backend, error) {
	if strings.TrimSpace(cfg.ModelPath) == "" {
		return nil, errors.New("model path is empty")
	}
	mo := []llama.ModelOption{
		llama.SetGPULayers(cfg.GPULayers),
	}
	if cfg.Embeddings {
		mo = append(mo, llama.EnableEmbeddings)
	}
	m, err := llama.New(cfg.ModelPath, mo...)
	if err != nil {
		return nil, fmt.Errorf("load model: %w", err)
	}
	return &inProcess{model: m, cfg: cfg}, nil
}

type chatRequest struct {
	Model     string `json:"model"`
	MaxTokens int    `json:"max_tokens"`
	Messages  []struct {
		Role    string `json:"role"`
		Content string `json:"content"`
	} `json:"messages"`
}

func (b *inProcess) Call(ctx context.Context, path string, payload json.RawMessage) ([]byte, error) {
	req, prompt, err := parseChat(path, payload)
	if err != nil {
		return nil, err
	}
	text, err := b.predict(ctx, prompt, req.MaxTokens, nil)
	if err != nil {
		return nil, err
	}
	resp := map[string]any{
		"object":  "chat.completion",
		"model":   req.Model,
		"created": time.Now().Unix(),
		"choices": []map[string]any{{
			"index":         0,
			"message":       map[string]string{"role": "assistant", "content": text},
			"finish_reason": "stop",
		}},
		"usage": map[string]int{
			"prompt_tokens":     0,
			"completion_tokens": 0,
			"total_tokens":      0,
		},
	}
	return json.Marshal(resp)
}

func (b *inProcess) Stream(ctx context.Context, path string, payload json.RawMessage, onEvent func(data []byte) error) error {
	req, prompt, err := parseChat(path, payload)
	if err != nil {
		return err
	}
	var cbErr error
	_, err = b.predict(ctx, prompt, req.MaxTokens, func(tok string) bool {
		chunk := map[string]any{
			"object": "chat.completion.chunk",
			"model":  req.Model,
			"choices": []map[string]any{{
				"index": 0,
				"delta": map[string]string{"content": tok},
			}},
		}
		data, _ := json.Marshal(chunk)
		if cbErr = onEvent(data); cbErr != nil {
			return false
		}
		return true
	})
	if cbErr != nil {
		return cbErr
	}
	return err
}

func (b *inProcess) predict(ctx context.Context, prompt string, maxTokens int, onToken func(string) bool) (string, error) {
	if b.model == nil {
		return "", errors.New("model not loaded")
	}
	if maxTokens <= 0 {
		maxTokens = 256
	}
	if onToken != nil {
		b.model.SetTokenCallback(func(tok string) bool {
			select {
			case <-ctx.Done():
				return false
			default:
			}
			return onToken(tok)
		})
		defer b.model.SetTokenCallback(nil)
	}
	text, err := b.model.Predict(prompt,
		llama.SetTokens(maxTokens),
		llama.SetSeed(-1),
	)
	if err != nil {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		return "", err
	}
	return text, nil
}

func (b *inProcess) Close() error {
	if b.model != nil {
		b.model.Free()
		b.model = nil
	}
	return nil
}

// parseChat accepts the chat-completions shape and flattens messages into a
// plain prompt for the bindings.
func parseChat(path string, payload json.RawMessage) (chatRequest, string, error) {
	if path != types.ChatCompletionsPath {
		return chatRequest{}, "", fmt.Errorf("in-process engine supports only %s, got %s", types.ChatCompletionsPath, path)
	}
	var req chatRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		return chatRequest{}, "", fmt.Errorf("parse request: %w", err)
	}
	var sb strings.Builder
	for _, m := range req.Messages {
		sb.WriteString(m.Role)
		sb.WriteString(": ")
		sb.WriteString(m.Content)
		sb.WriteString("\n")
	}
	sb.WriteString("assistant: ")
	return req, sb.String(), nil
}
