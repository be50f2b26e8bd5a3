package provider

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/rs/zerolog"

	"github.com/parley-ai/parley/pkg/models"
)

func TestRegistryResolve(t *testing.T) {
	reg := NewRegistry(NewAnthropic(zerolog.Nop()), NewOpenAI(zerolog.Nop()), NewOllama(zerolog.Nop()))

	tests := []struct {
		provider, model string
		wantErr         bool
	}{
		{"anthropic", "claude-sonnet-4-20250514", false},
		{"Anthropic", "claude-sonnet-4-20250514", false},
		{"openai", "gpt-4o-mini", false},
		{"ollama", "llama3.1", false},
		{"anthropic", "gpt-4o", true},
		{"openai", "claude-sonnet-4-20250514", true},
		{"gemini", "gemini-pro", true},
	}
	for _, tt := range tests {
		_, err := reg.Resolve(tt.provider, tt.model)
		if (err != nil) != tt.wantErr {
			t.Errorf("Resolve(%s, %s) err = %v, wantErr %v", tt.provider, tt.model, err, tt.wantErr)
		}
		if err != nil && !errors.Is(err, ErrUnknownModel) {
			t.Errorf("Resolve(%s, %s) err = %v, want ErrUnknownModel", tt.provider, tt.model, err)
		}
	}
}

func sseBody(events ...string) string {
	out := ""
	for _, ev := range events {
		out += "data: " + ev + "\n\n"
	}
	return out
}

func TestAnthropicStream(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("x-api-key"); got != "sk-test" {
			t.Errorf("x-api-key = %q", got)
		}
		if got := r.Header.Get("anthropic-version"); got == "" {
			t.Error("missing anthropic-version header")
		}
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, sseBody(
			`{"type":"message_start","message":{"usage":{"input_tokens":12}}}`,
			`{"type":"content_block_start","index":0,"content_block":{"type":"text"}}`,
			`{"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"Hello"}}`,
			`{"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":" there"}}`,
			`{"type":"content_block_stop","index":0}`,
			`{"type":"content_block_start","index":1,"content_block":{"type":"tool_use","id":"tc_1","name":"get_weather"}}`,
			`{"type":"content_block_delta","index":1,"delta":{"type":"input_json_delta","partial_json":"{\"city\":"}}`,
			`{"type":"content_block_delta","index":1,"delta":{"type":"input_json_delta","partial_json":"\"Oslo\"}"}}`,
			`{"type":"content_block_stop","index":1}`,
			`{"type":"message_delta","delta":{"stop_reason":"tool_use"},"usage":{"output_tokens":7}}`,
			`{"type":"message_stop"}`,
		))
	}))
	defer srv.Close()

	drv := NewAnthropic(zerolog.Nop())
	events, err := drv.Stream(context.Background(), Request{
		Model:   "claude-sonnet-4-20250514",
		APIKey:  "sk-test",
		BaseURL: srv.URL,
		Messages: []models.ChatMessage{
			{Role: "user", Content: "weather in oslo?"},
		},
	})
	if err != nil {
		t.Fatalf("Stream: %v", err)
	}

	var (
		text  string
		calls []models.ToolCall
		done  *Done
	)
	for ev := range events {
		switch v := ev.(type) {
		case TextDelta:
			text += v.Text
		case ToolCallEnd:
			calls = append(calls, v.Call)
		case Done:
			d := v
			done = &d
		case StreamError:
			t.Fatalf("stream error: %v", v.Err)
		}
	}

	if text != "Hello there" {
		t.Errorf("accumulated text = %q", text)
	}
	if len(calls) != 1 {
		t.Fatalf("tool calls = %d, want 1", len(calls))
	}
	if calls[0].ID != "tc_1" || calls[0].Name != "get_weather" {
		t.Errorf("call = %+v", calls[0])
	}
	if calls[0].Arguments != `{"city":"Oslo"}` {
		t.Errorf("arguments = %q", calls[0].Arguments)
	}
	if done == nil {
		t.Fatal("no Done event")
	}
	if done.Message.Content != "Hello there" {
		t.Errorf("done content = %q", done.Message.Content)
	}
	if done.Usage.Input != 12 || done.Usage.Output != 7 {
		t.Errorf("usage = %+v", done.Usage)
	}
	if len(done.Message.ToolCalls) != 1 {
		t.Errorf("done tool calls = %d, want 1", len(done.Message.ToolCalls))
	}
}

func TestAnthropicStreamAPIError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, sseBody(
			`{"type":"error","error":{"type":"overloaded_error","message":"Overloaded"}}`,
		))
	}))
	defer srv.Close()

	drv := NewAnthropic(zerolog.Nop())
	events, err := drv.Stream(context.Background(), Request{
		Model: "claude-sonnet-4-20250514", APIKey: "sk-test", BaseURL: srv.URL,
	})
	if err != nil {
		t.Fatalf("Stream: %v", err)
	}

	var sawErr bool
	for ev := range events {
		if _, ok := ev.(StreamError); ok {
			sawErr = true
		}
		if _, ok := ev.(Done); ok {
			t.Error("Done emitted after error event")
		}
	}
	if !sawErr {
		t.Error("no StreamError emitted")
	}
}

func TestAnthropicStreamHTTPFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":{"message":"invalid key"}}`, http.StatusUnauthorized)
	}))
	defer srv.Close()

	drv := NewAnthropic(zerolog.Nop())
	if _, err := drv.Stream(context.Background(), Request{
		Model: "claude-sonnet-4-20250514", APIKey: "sk-bad", BaseURL: srv.URL,
	}); err == nil {
		t.Fatal("expected error for 401 response")
	}
}

func TestAnthropicRequiresKey(t *testing.T) {
	drv := NewAnthropic(zerolog.Nop())
	if _, err := drv.Stream(context.Background(), Request{Model: "claude-sonnet-4-20250514"}); err == nil {
		t.Fatal("expected error with no API key")
	}
}

func TestConvertAnthropicMessages(t *testing.T) {
	msgs := []models.ChatMessage{
		{Role: "user", Content: "check the weather"},
		{Role: "assistant", Content: "looking it up", ToolCalls: []models.ToolCall{
			{ID: "tc_1", Name: "get_weather", Arguments: `{"city":"Oslo"}`},
		}},
		{Role: "toolResult", ToolResults: []models.ToolResult{
			{ToolCallID: "tc_1", ToolName: "get_weather", Content: "4C, rain", IsError: false},
		}},
		{Role: "system", Content: "dropped"},
	}

	got := convertAnthropicMessages(msgs)
	if len(got) != 3 {
		t.Fatalf("converted %d messages, want 3", len(got))
	}
	if got[1].Role != "assistant" || len(got[1].Content) != 2 {
		t.Errorf("assistant turn = %+v", got[1])
	}
	if got[1].Content[1].Type != "tool_use" || got[1].Content[1].ID != "tc_1" {
		t.Errorf("tool_use block = %+v", got[1].Content[1])
	}
	// Tool results ride as user-role tool_result blocks.
	if got[2].Role != "user" || got[2].Content[0].Type != "tool_result" {
		t.Errorf("tool result turn = %+v", got[2])
	}
	if got[2].Content[0].ToolUseID != "tc_1" {
		t.Errorf("tool_use_id = %q", got[2].Content[0].ToolUseID)
	}
}
