package provider

import (
	"context"
	"fmt"
	"strings"

	openai "github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"
	"github.com/openai/openai-go/v3/responses"
	"github.com/rs/zerolog"

	"github.com/parley-ai/parley/pkg/models"
)

// OpenAI streams through the official SDK's Responses API.
type OpenAI struct {
	log zerolog.Logger
}

func NewOpenAI(log zerolog.Logger) *OpenAI {
	return &OpenAI{log: log.With().Str("provider", "openai").Logger()}
}

func (o *OpenAI) Name() string { return "openai" }

func (o *OpenAI) Supports(model string) bool {
	for _, prefix := range []string{"gpt-", "o1", "o3", "o4", "chatgpt-"} {
		if strings.HasPrefix(model, prefix) {
			return true
		}
	}
	return false
}

func (o *OpenAI) Stream(ctx context.Context, req Request) (<-chan Event, error) {
	if req.APIKey == "" {
		return nil, fmt.Errorf("openai: no API key configured")
	}

	opts := []option.RequestOption{option.WithAPIKey(req.APIKey)}
	if req.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(req.BaseURL))
	}
	client := openai.NewClient(opts...)

	params := responses.ResponseNewParams{
		Model: req.Model,
		Input: responses.ResponseNewParamsInputUnion{
			OfInputItemList: convertOpenAIInput(req.System, req.Messages),
		},
	}
	if req.MaxTokens > 0 {
		params.MaxOutputTokens = openai.Int(int64(req.MaxTokens))
	}
	for _, t := range req.Tools {
		params.Tools = append(params.Tools, responses.ToolUnionParam{
			OfFunction: &responses.FunctionToolParam{
				Name:        t.Name,
				Description: openai.String(t.Description),
				Parameters:  t.Parameters,
			},
		})
	}

	events := make(chan Event, 64)
	go func() {
		defer close(events)

		stream := client.Responses.NewStreaming(ctx, params)
		defer stream.Close()

		var (
			text  strings.Builder
			usage models.TokenUsage
			calls []models.ToolCall
			// arguments stream separately from the item metadata
			pending = map[string]*models.ToolCall{}
			order   []string
		)

		emit := func(ev Event) bool {
			select {
			case events <- ev:
				return true
			case <-ctx.Done():
				return false
			}
		}

		for stream.Next() {
			switch variant := stream.Current().AsAny().(type) {
			case responses.ResponseTextDeltaEvent:
				text.WriteString(variant.Delta)
				if !emit(TextDelta{Text: variant.Delta}) {
					return
				}

			case responses.ResponseOutputItemAddedEvent:
				if variant.Item.Type == "function_call" {
					if _, ok := pending[variant.Item.ID]; !ok {
						pending[variant.Item.ID] = &models.ToolCall{ID: variant.Item.ID, Name: variant.Item.Name}
						order = append(order, variant.Item.ID)
					}
				}

			case responses.ResponseFunctionCallArgumentsDeltaEvent:
				tc, ok := pending[variant.ItemID]
				if !ok {
					tc = &models.ToolCall{ID: variant.ItemID}
					pending[variant.ItemID] = tc
					order = append(order, variant.ItemID)
				}
				tc.Arguments += variant.Delta

			case responses.ResponseOutputItemDoneEvent:
				if variant.Item.Type != "function_call" {
					continue
				}
				tc, ok := pending[variant.Item.ID]
				if !ok {
					continue
				}
				if variant.Item.Name != "" {
					tc.Name = variant.Item.Name
				}
				if tc.Arguments == "" {
					tc.Arguments = "{}"
				}
				calls = append(calls, *tc)
				if !emit(ToolCallEnd{Call: *tc}) {
					return
				}
				delete(pending, variant.Item.ID)

			case responses.ResponseCompletedEvent:
				usage.Input = variant.Response.Usage.InputTokens
				usage.Output = variant.Response.Usage.OutputTokens

			case responses.ResponseErrorEvent:
				emit(StreamError{Err: fmt.Errorf("openai: %s", variant.Message)})
				return

			case responses.ResponseFailedEvent:
				emit(StreamError{Err: fmt.Errorf("openai: response failed")})
				return
			}
		}
		if err := stream.Err(); err != nil {
			emit(StreamError{Err: fmt.Errorf("openai: %w", err)})
			return
		}

		// Items that never saw a done event still count as calls.
		for _, id := range order {
			tc, ok := pending[id]
			if !ok {
				continue
			}
			if tc.Arguments == "" {
				tc.Arguments = "{}"
			}
			calls = append(calls, *tc)
			if !emit(ToolCallEnd{Call: *tc}) {
				return
			}
		}

		emit(Done{
			Message: models.ChatMessage{Role: "assistant", Content: text.String(), ToolCalls: calls},
			Usage:   usage,
		})
	}()

	return events, nil
}

func convertOpenAIInput(system string, msgs []models.ChatMessage) []responses.ResponseInputItemUnionParam {
	items := make([]responses.ResponseInputItemUnionParam, 0, len(msgs)+1)
	if system != "" {
		items = append(items, responses.ResponseInputItemParamOfMessage(system, responses.EasyInputMessageRoleSystem))
	}
	for _, m := range msgs {
		switch m.Role {
		case "user":
			items = append(items, responses.ResponseInputItemParamOfMessage(m.Content, responses.EasyInputMessageRoleUser))
		case "assistant":
			if m.Content != "" {
				items = append(items, responses.ResponseInputItemParamOfMessage(m.Content, responses.EasyInputMessageRoleAssistant))
			}
			for _, tc := range m.ToolCalls {
				args := tc.Arguments
				if args == "" {
					args = "{}"
				}
				items = append(items, responses.ResponseInputItemParamOfFunctionCall(args, tc.ID, tc.Name))
			}
		case "toolResult", "tool":
			for _, tr := range m.ToolResults {
				items = append(items, responses.ResponseInputItemParamOfFunctionCallOutput(tr.ToolCallID, tr.Content))
			}
		}
	}
	return items
}
