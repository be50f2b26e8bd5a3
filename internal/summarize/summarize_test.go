package summarize

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/parley-ai/parley/internal/provider"
	"github.com/parley-ai/parley/internal/store"
	"github.com/parley-ai/parley/pkg/models"
)

type scriptedDriver struct {
	reply string
}

func (d *scriptedDriver) Name() string               { return "anthropic" }
func (d *scriptedDriver) Supports(model string) bool { return true }

func (d *scriptedDriver) Stream(ctx context.Context, req provider.Request) (<-chan provider.Event, error) {
	ch := make(chan provider.Event, 2)
	ch <- provider.TextDelta{Text: d.reply}
	ch <- provider.Done{Message: models.ChatMessage{Role: "assistant", Content: d.reply}}
	close(ch)
	return ch, nil
}

func seededStore(t *testing.T) store.Store {
	t.Helper()
	t.Setenv("PARLEY_DATA_DIR", "off")
	st := store.NewMemoryStore()
	t.Cleanup(func() { st.Close() })

	ctx := context.Background()
	if err := st.CreateSession(ctx, &models.Session{
		ID:        "s1",
		Workspace: "w1",
		ChannelID: "api",
	}); err != nil {
		t.Fatal(err)
	}
	if err := st.CreateProviderProfile(ctx, &models.ProviderProfile{
		ID:        "pp-1",
		Workspace: "w1",
		Provider:  "anthropic",
		APIKey:    "sk-test",
		Enabled:   true,
		IsDefault: true,
		CreatedAt: time.Now(),
	}); err != nil {
		t.Fatal(err)
	}
	return st
}

func TestSummarizeParsesStructuredReply(t *testing.T) {
	st := seededStore(t)
	driver := &scriptedDriver{reply: `{"summary": "Planned the launch.", "topics": ["launch"], "decisions": ["ship friday"], "state_updates": ["user leads the launch"]}`}
	s := New(st, provider.NewRegistry(driver), zerolog.Nop())

	summary, err := s.Summarize(context.Background(), []models.Message{
		{SessionID: "s1", Role: "user", Content: "let's plan the launch"},
		{SessionID: "s1", Role: "assistant", Content: "sure, when do we ship?"},
		{SessionID: "s1", Role: "user", Content: "friday"},
	})
	if err != nil {
		t.Fatalf("Summarize: %v", err)
	}
	if summary.Summary != "Planned the launch." {
		t.Errorf("summary = %q", summary.Summary)
	}
	if len(summary.Topics) != 1 || summary.Topics[0] != "launch" {
		t.Errorf("topics = %v", summary.Topics)
	}
	if len(summary.Decisions) != 1 || summary.Decisions[0] != "ship friday" {
		t.Errorf("decisions = %v", summary.Decisions)
	}
	if len(summary.StateUpdates) != 1 {
		t.Errorf("state updates = %v", summary.StateUpdates)
	}
}

func TestSummarizeEmptySegment(t *testing.T) {
	st := seededStore(t)
	s := New(st, provider.NewRegistry(&scriptedDriver{}), zerolog.Nop())

	if _, err := s.Summarize(context.Background(), nil); err == nil {
		t.Fatal("expected error for empty segment")
	}
}

func TestParseSummaryFencedJSON(t *testing.T) {
	got := parseSummary("```json\n{\"summary\": \"Short recap.\", \"topics\": [\"x\"]}\n```")
	if got.Summary != "Short recap." {
		t.Errorf("summary = %q", got.Summary)
	}
	if len(got.Topics) != 1 {
		t.Errorf("topics = %v", got.Topics)
	}
}

func TestParseSummaryFallsBackToRawText(t *testing.T) {
	got := parseSummary("The user discussed deployment options.")
	if got.Summary != "The user discussed deployment options." {
		t.Errorf("summary = %q", got.Summary)
	}
	if got.Topics != nil {
		t.Errorf("topics should be empty, got %v", got.Topics)
	}
}
