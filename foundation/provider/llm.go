package provider

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/vobizlabs/goDialer/foundation/config"
)

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model    string        `json:"model"`
	Messages []chatMessage `json:"messages"`
	Stream   bool          `json:"stream"`
}

type chatChunk struct {
	Choices []struct {
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
}

// SseCompleter streams chat completions over server-sent events from an
// OpenAI-compatible endpoint.
type SseCompleter struct {
	cfg    config.Provider
	client *http.Client
}

func NewSseCompleter(cfg config.Provider) *SseCompleter {
	return &SseCompleter{
		cfg:    cfg,
		client: &http.Client{},
	}
}

var _ Completer = (*SseCompleter)(nil)

func (c *SseCompleter) Complete(ctx context.Context, instructions string, history []Exchange) (<-chan CompletionResult, error) {
	body, err := json.Marshal(chatRequest{
		Model:    c.cfg.Model,
		Messages: buildMessages(instructions, history),
		Stream:   true,
	})
	if err != nil {
		return nil, fatal(c.cfg.Vendor, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.Endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fatal(c.cfg.Vendor, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.cfg.ApiKey)

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, transient(c.cfg.Vendor, err)
	}

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		resp.Body.Close()

		err := fmt.Errorf("status %d: %s", resp.StatusCode, string(msg))
		if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
			return nil, transient(c.cfg.Vendor, err)
		}
		return nil, fatal(c.cfg.Vendor, err)
	}

	results := make(chan CompletionResult, 10)

	go func() {
		defer close(results)
		defer resp.Body.Close()

		scanner := bufio.NewScanner(resp.Body)
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

		for scanner.Scan() {
			line := strings.TrimSpace(scanner.Text())
			if !strings.HasPrefix(line, "data:") {
				continue
			}

			data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
			if data == "[DONE]" {
				results <- CompletionResult{Done: true}
				return
			}

			var chunk chatChunk
			if err := json.Unmarshal([]byte(data), &chunk); err != nil {
				results <- CompletionResult{Error: fatal(c.cfg.Vendor, err)}
				return
			}
			if len(chunk.Choices) == 0 {
				continue
			}

			if content := chunk.Choices[0].Delta.Content; content != "" {
				select {
				case results <- CompletionResult{Chunk: content}:
				case <-ctx.Done():
					return
				}
			}
			if chunk.Choices[0].FinishReason != "" {
				results <- CompletionResult{Done: true}
				return
			}
		}

		if err := scanner.Err(); err != nil && ctx.Err() == nil {
			results <- CompletionResult{Error: transient(c.cfg.Vendor, err)}
			return
		}
		results <- CompletionResult{Done: true}
	}()

	return results, nil
}

// =====================================================================================================================

func buildMessages(instructions string, history []Exchange) []chatMessage {
	messages := make([]chatMessage, 0, len(history)+1)
	messages = append(messages, chatMessage{Role: "system", Content: instructions})

	for _, exchange := range history {
		role := "assistant"
		if exchange.Role == "caller" {
			role = "user"
		}
		messages = append(messages, chatMessage{Role: role, Content: exchange.Text})
	}

	return messages
}
