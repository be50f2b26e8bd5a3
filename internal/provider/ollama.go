package provider

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/ollama/ollama/api"
	"github.com/rs/zerolog"

	"github.com/parley-ai/parley/pkg/models"
)

// Ollama streams from a local or remote Ollama daemon. No credentials.
type Ollama struct {
	log zerolog.Logger
}

func NewOllama(log zerolog.Logger) *Ollama {
	return &Ollama{log: log.With().Str("provider", "ollama").Logger()}
}

func (o *Ollama) Name() string { return "ollama" }

// Supports accepts anything; the daemon decides what models it serves.
func (o *Ollama) Supports(model string) bool { return model != "" }

func (o *Ollama) Stream(ctx context.Context, req Request) (<-chan Event, error) {
	client, err := o.client(req.BaseURL)
	if err != nil {
		return nil, err
	}

	messages := make([]api.Message, 0, len(req.Messages)+1)
	if req.System != "" {
		messages = append(messages, api.Message{Role: "system", Content: req.System})
	}
	messages = append(messages, convertOllamaMessages(req.Messages)...)

	var tools []api.Tool
	if len(req.Tools) > 0 {
		// Round-trip through JSON; api.Tool's schema types line up with
		// the generic map form.
		raw, err := json.Marshal(toOllamaToolShapes(req.Tools))
		if err != nil {
			return nil, fmt.Errorf("ollama: encode tools: %w", err)
		}
		if err := json.Unmarshal(raw, &tools); err != nil {
			return nil, fmt.Errorf("ollama: convert tools: %w", err)
		}
	}

	stream := true
	chatReq := &api.ChatRequest{
		Model:    req.Model,
		Messages: messages,
		Tools:    tools,
		Stream:   &stream,
	}

	events := make(chan Event, 64)
	go func() {
		defer close(events)

		var (
			text  strings.Builder
			usage models.TokenUsage
			calls []models.ToolCall
			done  bool
		)

		emit := func(ev Event) bool {
			select {
			case events <- ev:
				return true
			case <-ctx.Done():
				return false
			}
		}

		err := client.Chat(ctx, chatReq, func(resp api.ChatResponse) error {
			if resp.Message.Content != "" {
				text.WriteString(resp.Message.Content)
				if !emit(TextDelta{Text: resp.Message.Content}) {
					return ctx.Err()
				}
			}
			for _, tc := range resp.Message.ToolCalls {
				args, err := json.Marshal(tc.Function.Arguments)
				if err != nil {
					args = []byte("{}")
				}
				call := models.ToolCall{
					ID:        tc.ID,
					Name:      tc.Function.Name,
					Arguments: string(args),
				}
				if call.ID == "" {
					call.ID = fmt.Sprintf("call_%d", len(calls))
				}
				calls = append(calls, call)
				if !emit(ToolCallEnd{Call: call}) {
					return ctx.Err()
				}
			}
			if resp.Done {
				done = true
				usage.Input = int64(resp.PromptEvalCount)
				usage.Output = int64(resp.EvalCount)
			}
			return nil
		})
		if err != nil {
			emit(StreamError{Err: fmt.Errorf("ollama: %w", err)})
			return
		}
		if !done {
			emit(StreamError{Err: fmt.Errorf("ollama: stream closed before completion")})
			return
		}
		emit(Done{
			Message: models.ChatMessage{Role: "assistant", Content: text.String(), ToolCalls: calls},
			Usage:   usage,
		})
	}()

	return events, nil
}

func (o *Ollama) client(baseURL string) (*api.Client, error) {
	if baseURL == "" {
		return api.ClientFromEnvironment()
	}
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("ollama: invalid base URL: %w", err)
	}
	return api.NewClient(u, http.DefaultClient), nil
}

func convertOllamaMessages(msgs []models.ChatMessage) []api.Message {
	out := make([]api.Message, 0, len(msgs))
	for _, m := range msgs {
		switch m.Role {
		case "user", "assistant":
			msg := api.Message{Role: m.Role, Content: m.Content}
			for _, tc := range m.ToolCalls {
				var apiArgs api.ToolCallFunctionArguments
				if err := json.Unmarshal([]byte(tc.Arguments), &apiArgs); err != nil {
					continue
				}
				msg.ToolCalls = append(msg.ToolCalls, api.ToolCall{
					ID: tc.ID,
					Function: api.ToolCallFunction{
						Name:      tc.Name,
						Arguments: apiArgs,
					},
				})
			}
			out = append(out, msg)
		case "toolResult", "tool":
			for _, tr := range m.ToolResults {
				out = append(out, api.Message{
					Role:       "tool",
					Content:    tr.Content,
					ToolCallID: tr.ToolCallID,
				})
			}
		}
	}
	return out
}

// toOllamaToolShapes renders specs in the function-wrapper shape the Ollama
// API expects.
func toOllamaToolShapes(specs []ToolSpec) []map[string]any {
	out := make([]map[string]any, 0, len(specs))
	for _, t := range specs {
		out = append(out, map[string]any{
			"type": "function",
			"function": map[string]any{
				"name":        t.Name,
				"description": t.Description,
				"parameters":  t.Parameters,
			},
		})
	}
	return out
}
