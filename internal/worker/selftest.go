package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"workerbee/pkg/types"
)

var selfTestGenres = []string{"sci-fi", "romance", "political", "kids", "teen", "anime"}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model     string        `json:"model"`
	Messages  []chatMessage `json:"messages"`
	MaxTokens int           `json:"max_tokens"`
}

type usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// SelfTest loads the configured test model and runs a short generation per
// genre, printing token usage and timing to out. It exercises the whole
// local path (resolve, offload, backend) without a coordinator.
func (w *Worker) SelfTest(ctx context.Context, out io.Writer) error {
	loadStart := time.Now()
	if err := w.slot.EnsureLoaded(ctx, w.cfg.TestModel); err != nil {
		return err
	}
	fmt.Fprintf(out, "Load time: %.2fs\n", time.Since(loadStart).Seconds())

	be := w.slot.Backend()
	var totalTokens int
	var totalSecs float64
	for _, genre := range selfTestGenres {
		payload, err := json.Marshal(chatRequest{
			Model: w.cfg.TestModel,
			Messages: []chatMessage{
				{Role: "system", Content: "You are a helpful assistant."},
				{Role: "user", Content: fmt.Sprintf("Write a short %s story.", genre)},
			},
			MaxTokens: w.cfg.TestMaxTokens,
		})
		if err != nil {
			return err
		}

		start := time.Now()
		body, err := be.Call(ctx, types.ChatCompletionsPath, payload)
		if err != nil {
			return fmt.Errorf("%s prompt: %w", genre, err)
		}
		secs := time.Since(start).Seconds()

		var resp struct {
			Usage usage `json:"usage"`
		}
		if err := json.Unmarshal(body, &resp); err != nil {
			return fmt.Errorf("%s prompt: parse response: %w", genre, err)
		}

		fmt.Fprintf(out, "%s: %d tokens in %.2fs\n", genre, resp.Usage.TotalTokens, secs)
		totalTokens += resp.Usage.TotalTokens
		totalSecs += secs
	}

	if totalSecs > 0 {
		fmt.Fprintf(out, "Average: %.1f tokens/sec\n", float64(totalTokens)/totalSecs)
	}
	return nil
}
