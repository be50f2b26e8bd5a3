package provider

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	jsoniter "github.com/json-iterator/go"
	"github.com/rs/zerolog"

	"github.com/parley-ai/parley/pkg/models"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

const (
	anthropicBaseURL = "https://api.anthropic.com"
	anthropicVersion = "2023-06-01"

	defaultMaxTokens = 4096
)

// Anthropic streams the Messages API over SSE.
type Anthropic struct {
	httpClient *http.Client
	log        zerolog.Logger
}

func NewAnthropic(log zerolog.Logger) *Anthropic {
	return &Anthropic{
		// Streaming responses stay open arbitrarily long; the request
		// context is the only deadline.
		httpClient: &http.Client{Timeout: 0},
		log:        log.With().Str("provider", "anthropic").Logger(),
	}
}

func (a *Anthropic) Name() string { return "anthropic" }

func (a *Anthropic) Supports(model string) bool {
	return strings.HasPrefix(model, "claude")
}

// wire types for the Messages API

type anthropicRequest struct {
	Model     string             `json:"model"`
	System    string             `json:"system,omitempty"`
	Messages  []anthropicMessage `json:"messages"`
	Tools     []anthropicTool    `json:"tools,omitempty"`
	MaxTokens int                `json:"max_tokens"`
	Stream    bool               `json:"stream"`
}

type anthropicMessage struct {
	Role    string           `json:"role"`
	Content []anthropicBlock `json:"content"`
}

type anthropicBlock struct {
	Type      string              `json:"type"`
	Text      string              `json:"text,omitempty"`
	ID        string              `json:"id,omitempty"`
	Name      string              `json:"name,omitempty"`
	Input     jsoniter.RawMessage `json:"input,omitempty"`
	ToolUseID string              `json:"tool_use_id,omitempty"`
	Content   string              `json:"content,omitempty"`
	IsError   bool                `json:"is_error,omitempty"`
}

type anthropicTool struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	InputSchema map[string]any `json:"input_schema"`
}

type anthropicStreamEvent struct {
	Type  string `json:"type"`
	Index int    `json:"index"`

	ContentBlock struct {
		Type string `json:"type"`
		ID   string `json:"id"`
		Name string `json:"name"`
	} `json:"content_block"`

	Delta struct {
		Type        string `json:"type"`
		Text        string `json:"text"`
		PartialJSON string `json:"partial_json"`
		StopReason  string `json:"stop_reason"`
	} `json:"delta"`

	Message struct {
		Usage anthropicUsage `json:"usage"`
	} `json:"message"`

	Usage anthropicUsage `json:"usage"`

	Error struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
}

type anthropicUsage struct {
	InputTokens  int64 `json:"input_tokens"`
	OutputTokens int64 `json:"output_tokens"`
}

func (a *Anthropic) Stream(ctx context.Context, req Request) (<-chan Event, error) {
	if req.APIKey == "" {
		return nil, fmt.Errorf("anthropic: no API key configured")
	}

	body := anthropicRequest{
		Model:     req.Model,
		System:    req.System,
		Messages:  convertAnthropicMessages(req.Messages),
		MaxTokens: req.MaxTokens,
		Stream:    true,
	}
	if body.MaxTokens <= 0 {
		body.MaxTokens = defaultMaxTokens
	}
	for _, t := range req.Tools {
		schema := t.Parameters
		if schema == nil {
			schema = map[string]any{"type": "object"}
		}
		body.Tools = append(body.Tools, anthropicTool{
			Name:        t.Name,
			Description: t.Description,
			InputSchema: schema,
		})
	}

	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("anthropic: encode request: %w", err)
	}

	base := req.BaseURL
	if base == "" {
		base = anthropicBaseURL
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, strings.TrimRight(base, "/")+"/v1/messages", bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-api-key", req.APIKey)
	httpReq.Header.Set("anthropic-version", anthropicVersion)
	httpReq.Header.Set("Accept", "text/event-stream")

	resp, err := a.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("anthropic: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("anthropic: status %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}

	events := make(chan Event, 64)
	go a.readStream(ctx, resp.Body, events)
	return events, nil
}

// readStream parses the SSE body and translates wire events into the
// portable variants. Closes the channel after the terminal event.
func (a *Anthropic) readStream(ctx context.Context, body io.ReadCloser, events chan<- Event) {
	defer close(events)
	defer body.Close()

	var (
		text     strings.Builder
		usage    models.TokenUsage
		calls    []models.ToolCall
		pending  *models.ToolCall
		argsJSON strings.Builder
		start    = time.Now()
	)

	emit := func(ev Event) bool {
		select {
		case events <- ev:
			return true
		case <-ctx.Done():
			return false
		}
	}

	finishPending := func() {
		if pending == nil {
			return
		}
		pending.Arguments = argsJSON.String()
		if pending.Arguments == "" {
			pending.Arguments = "{}"
		}
		calls = append(calls, *pending)
		emit(ToolCallEnd{Call: *pending})
		pending = nil
		argsJSON.Reset()
	}

	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		var ev anthropicStreamEvent
		if err := json.Unmarshal([]byte(line[len("data: "):]), &ev); err != nil {
			continue
		}

		switch ev.Type {
		case "message_start":
			usage.Input = ev.Message.Usage.InputTokens

		case "content_block_start":
			if ev.ContentBlock.Type == "tool_use" {
				finishPending()
				pending = &models.ToolCall{ID: ev.ContentBlock.ID, Name: ev.ContentBlock.Name}
			}

		case "content_block_delta":
			switch ev.Delta.Type {
			case "text_delta":
				text.WriteString(ev.Delta.Text)
				if !emit(TextDelta{Text: ev.Delta.Text}) {
					return
				}
			case "input_json_delta":
				argsJSON.WriteString(ev.Delta.PartialJSON)
			}

		case "content_block_stop":
			finishPending()

		case "message_delta":
			if ev.Usage.OutputTokens > 0 {
				usage.Output = ev.Usage.OutputTokens
			}

		case "message_stop":
			finishPending()
			a.log.Debug().Int64("in", usage.Input).Int64("out", usage.Output).
				Dur("elapsed", time.Since(start)).Msg("stream complete")
			emit(Done{
				Message: models.ChatMessage{Role: "assistant", Content: text.String(), ToolCalls: calls},
				Usage:   usage,
			})
			return

		case "error":
			emit(StreamError{Err: fmt.Errorf("anthropic: %s: %s", ev.Error.Type, ev.Error.Message)})
			return
		}
	}

	if err := scanner.Err(); err != nil {
		emit(StreamError{Err: fmt.Errorf("anthropic: read stream: %w", err)})
		return
	}
	// Stream ended without message_stop.
	emit(StreamError{Err: fmt.Errorf("anthropic: stream closed before completion")})
}

// convertAnthropicMessages maps portable turns onto content blocks. Tool
// results become user-role tool_result blocks per the Messages API.
func convertAnthropicMessages(msgs []models.ChatMessage) []anthropicMessage {
	out := make([]anthropicMessage, 0, len(msgs))
	for _, m := range msgs {
		switch m.Role {
		case "user", "assistant":
			blocks := []anthropicBlock{}
			if m.Content != "" {
				blocks = append(blocks, anthropicBlock{Type: "text", Text: m.Content})
			}
			for _, tc := range m.ToolCalls {
				input := tc.Arguments
				if input == "" {
					input = "{}"
				}
				blocks = append(blocks, anthropicBlock{
					Type:  "tool_use",
					ID:    tc.ID,
					Name:  tc.Name,
					Input: jsoniter.RawMessage(input),
				})
			}
			if len(blocks) == 0 {
				continue
			}
			out = append(out, anthropicMessage{Role: m.Role, Content: blocks})
		case "toolResult", "tool":
			blocks := make([]anthropicBlock, 0, len(m.ToolResults))
			for _, tr := range m.ToolResults {
				blocks = append(blocks, anthropicBlock{
					Type:      "tool_result",
					ToolUseID: tr.ToolCallID,
					Content:   tr.Content,
					IsError:   tr.IsError,
				})
			}
			if len(blocks) == 0 {
				continue
			}
			out = append(out, anthropicMessage{Role: "user", Content: blocks})
		}
	}
	return out
}
