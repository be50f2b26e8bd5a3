package assembler

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/parley-ai/parley/internal/convo"
	"github.com/parley-ai/parley/internal/store"
	"github.com/parley-ai/parley/internal/tokencount"
	"github.com/parley-ai/parley/pkg/models"
)

func testAssembler(t *testing.T) (*Assembler, *store.MemoryStore, *convo.Manager) {
	t.Helper()
	st := store.NewMemoryStore()
	t.Cleanup(func() { st.Close() })
	convos := convo.NewManager(st, nil, zerolog.Nop())
	return New(st, convos, nil, zerolog.Nop()), st, convos
}

func seedSession(t *testing.T, st *store.MemoryStore, id string) *models.Session {
	t.Helper()
	s := &models.Session{ID: id, Workspace: "w1", AgentID: "a1", ChannelID: "web", CreatedAt: time.Now().UTC()}
	if err := st.CreateSession(context.Background(), s); err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	return s
}

func sendUser(t *testing.T, st *store.MemoryStore, convos *convo.Manager, sessionID, content string) *models.Message {
	t.Helper()
	msg := &models.Message{ID: uuid.NewString(), SessionID: sessionID, Role: "user", Content: content, CreatedAt: time.Now().UTC()}
	if err := st.AppendMessage(context.Background(), msg); err != nil {
		t.Fatalf("AppendMessage: %v", err)
	}
	if _, err := convos.Assign(context.Background(), sessionID, msg); err != nil {
		t.Fatalf("Assign: %v", err)
	}
	return msg
}

func TestAssembleFirstContact(t *testing.T) {
	ctx := context.Background()
	a, st, convos := testAssembler(t)
	seedSession(t, st, "s1")
	sendUser(t, st, convos, "s1", "hi")

	res, err := a.Assemble(ctx, Request{Workspace: "w1", SessionID: "s1", AgentID: "a1", Message: "hi", TokenBudget: 5000})
	if err != nil {
		t.Fatalf("Assemble: %v", err)
	}

	if !strings.Contains(res.SystemPrompt, "helpful AI assistant") {
		t.Error("system prompt missing default persona")
	}
	if !strings.Contains(res.SystemPrompt, "First conversation") {
		t.Error("system prompt missing onboarding block")
	}
	if strings.Contains(res.SystemPrompt, "## What you know") {
		t.Error("knowledge heading present with no entries")
	}
	if len(res.Messages) != 1 {
		t.Fatalf("window length = %d, want 1", len(res.Messages))
	}
	if res.Messages[0].Role != "user" || res.Messages[0].Content != "hi" {
		t.Errorf("window = %+v, want single user hi", res.Messages[0])
	}
	want := tokencount.Estimate(res.SystemPrompt) + tokencount.Estimate("hi")
	if res.EstimatedTokens != want {
		t.Errorf("EstimatedTokens = %d, want %d", res.EstimatedTokens, want)
	}
}

func TestAssembleSkipsOnboardingWhenDisabled(t *testing.T) {
	ctx := context.Background()
	a, st, convos := testAssembler(t)
	seedSession(t, st, "s1")
	if err := st.CreateAgent(ctx, &models.Agent{ID: "a1", Workspace: "w1", Name: "Parley", SkipOnboard: true}); err != nil {
		t.Fatalf("CreateAgent: %v", err)
	}
	sendUser(t, st, convos, "s1", "hi")

	res, err := a.Assemble(ctx, Request{Workspace: "w1", SessionID: "s1", AgentID: "a1", Message: "hi"})
	if err != nil {
		t.Fatalf("Assemble: %v", err)
	}
	if strings.Contains(res.SystemPrompt, "First conversation") {
		t.Error("onboarding injected despite SkipOnboard")
	}
}

func TestAssemblePromptSections(t *testing.T) {
	ctx := context.Background()
	a, st, convos := testAssembler(t)
	seedSession(t, st, "s1")
	if err := st.CreateAgent(ctx, &models.Agent{
		ID:            "a1",
		Workspace:     "w1",
		Name:          "Parley",
		Persona:       "You are Parley, the ops assistant.",
		SoulIdentity:  "You value terse answers.",
		ResponseStyle: "Use bullet points.",
		Insights:      []string{"user prefers UTC timestamps"},
	}); err != nil {
		t.Fatalf("CreateAgent: %v", err)
	}
	if err := st.UpsertWorkspaceSettings(ctx, &models.WorkspaceSettings{Workspace: "w1", IdentityConfig: "Acme Corp internal assistant."}); err != nil {
		t.Fatalf("UpsertWorkspaceSettings: %v", err)
	}
	sendUser(t, st, convos, "s1", "hello")

	res, err := a.Assemble(ctx, Request{Workspace: "w1", SessionID: "s1", AgentID: "a1", Message: "hello"})
	if err != nil {
		t.Fatalf("Assemble: %v", err)
	}

	// Sections appear in fixed order.
	order := []string{
		"You are Parley, the ops assistant.",
		"You value terse answers.",
		"Acme Corp internal assistant.",
		"user prefers UTC timestamps",
		"Use bullet points.",
	}
	last := -1
	for _, section := range order {
		idx := strings.Index(res.SystemPrompt, section)
		if idx < 0 {
			t.Fatalf("system prompt missing %q", section)
		}
		if idx < last {
			t.Errorf("section %q out of order", section)
		}
		last = idx
	}
	if strings.Contains(res.SystemPrompt, "First conversation") {
		t.Error("onboarding injected despite existing persona")
	}
}

func TestAssembleKnowledgeFiltering(t *testing.T) {
	ctx := context.Background()
	a, st, convos := testAssembler(t)
	seedSession(t, st, "s1")
	entries := []models.KnowledgeEntry{
		{ID: "k1", Workspace: "w1", Category: "identity", Key: "name", Value: "Parley"},
		{ID: "k2", Workspace: "w1", Category: "infra", Key: "deploy target", Value: "we deploy to kubernetes"},
		{ID: "k3", Workspace: "w1", Category: "hr", Key: "vacation policy", Value: "unlimited pto"},
	}
	for i := range entries {
		if err := st.CreateKnowledge(ctx, &entries[i]); err != nil {
			t.Fatalf("CreateKnowledge: %v", err)
		}
	}
	sendUser(t, st, convos, "s1", "how do we deploy to kubernetes")

	res, err := a.Assemble(ctx, Request{Workspace: "w1", SessionID: "s1", Message: "how do we deploy to kubernetes"})
	if err != nil {
		t.Fatalf("Assemble: %v", err)
	}
	if !strings.Contains(res.SystemPrompt, "Parley") {
		t.Error("identity entry missing")
	}
	if !strings.Contains(res.SystemPrompt, "kubernetes") {
		t.Error("relevant entry missing")
	}
	if strings.Contains(res.SystemPrompt, "unlimited pto") {
		t.Error("irrelevant entry included at escalation 0")
	}
}

func TestAssembleBroadKnowledgeAtEscalation(t *testing.T) {
	ctx := context.Background()
	a, st, convos := testAssembler(t)
	seedSession(t, st, "s1")
	if err := st.CreateKnowledge(ctx, &models.KnowledgeEntry{
		ID: "k1", Workspace: "w1", Category: "hr", Key: "vacation policy", Value: "unlimited pto",
	}); err != nil {
		t.Fatalf("CreateKnowledge: %v", err)
	}
	msg := sendUser(t, st, convos, "s1", "completely unrelated question")

	active, err := st.GetActiveConversation(ctx, "s1")
	if err != nil {
		t.Fatalf("GetActiveConversation: %v", err)
	}
	active.EscalationLevel = 1
	if err := st.UpdateConversation(ctx, active); err != nil {
		t.Fatalf("UpdateConversation: %v", err)
	}

	res, err := a.Assemble(ctx, Request{Workspace: "w1", SessionID: "s1", Message: msg.Content})
	if err != nil {
		t.Fatalf("Assemble: %v", err)
	}
	if !strings.Contains(res.SystemPrompt, "unlimited pto") {
		t.Error("broad mode still filtered out unrelated knowledge")
	}
}

func TestAssembleAskDontGuessHint(t *testing.T) {
	ctx := context.Background()
	a, st, convos := testAssembler(t)
	seedSession(t, st, "s1")
	msg := sendUser(t, st, convos, "s1", "hi")

	active, _ := st.GetActiveConversation(ctx, "s1")
	active.EscalationLevel = 3
	if err := st.UpdateConversation(ctx, active); err != nil {
		t.Fatalf("UpdateConversation: %v", err)
	}

	res, err := a.Assemble(ctx, Request{Workspace: "w1", SessionID: "s1", Message: msg.Content})
	if err != nil {
		t.Fatalf("Assemble: %v", err)
	}
	if !strings.Contains(res.SystemPrompt, "Ask clarifying questions") {
		t.Error("escalation 3 missing ask-don't-guess hint")
	}
}

func TestAssembleExcludesSystemRole(t *testing.T) {
	ctx := context.Background()
	a, st, convos := testAssembler(t)
	seedSession(t, st, "s1")
	sys := &models.Message{ID: uuid.NewString(), SessionID: "s1", Role: "system", Content: "internal note"}
	if err := st.AppendMessage(ctx, sys); err != nil {
		t.Fatalf("AppendMessage: %v", err)
	}
	if _, err := convos.Assign(ctx, "s1", sys); err != nil {
		t.Fatalf("Assign: %v", err)
	}
	sendUser(t, st, convos, "s1", "hi")

	res, err := a.Assemble(ctx, Request{Workspace: "w1", SessionID: "s1", Message: "hi"})
	if err != nil {
		t.Fatalf("Assemble: %v", err)
	}
	for _, m := range res.Messages {
		if m.Role == "system" {
			t.Errorf("system-role message leaked into window: %+v", m)
		}
	}
}

func TestAssembleChainSummary(t *testing.T) {
	ctx := context.Background()
	a, st, convos := testAssembler(t)
	seedSession(t, st, "s1")
	sendUser(t, st, convos, "s1", "old topic")

	old, _ := st.GetActiveConversation(ctx, "s1")
	old.Summary = "discussed the billing migration"
	if err := st.UpdateConversation(ctx, old); err != nil {
		t.Fatalf("UpdateConversation: %v", err)
	}
	trigger := sendUser(t, st, convos, "s1", "new topic")
	if _, err := convos.Switch(ctx, "s1", trigger); err != nil {
		t.Fatalf("Switch: %v", err)
	}

	res, err := a.Assemble(ctx, Request{Workspace: "w1", SessionID: "s1", Message: "new topic"})
	if err != nil {
		t.Fatalf("Assemble: %v", err)
	}
	if !strings.Contains(res.SystemPrompt, "discussed the billing migration") {
		t.Error("chain summary missing from system prompt")
	}
}

func TestTrimToBudget(t *testing.T) {
	system := strings.Repeat("s", 400) // 100 tokens
	window := []models.ChatMessage{
		{Role: "user", Content: strings.Repeat("a", 400)},      // 100
		{Role: "assistant", Content: strings.Repeat("b", 400)}, // 100
		{Role: "user", Content: strings.Repeat("c", 400)},      // 100
		{Role: "assistant", Content: strings.Repeat("d", 400)}, // 100
	}

	// Budget forces exactly one drop.
	got, total := trimToBudget(system, window, 450)
	if len(got) != 3 {
		t.Fatalf("window length = %d, want 3", len(got))
	}
	if got[0].Content[0] != 'b' {
		t.Error("trim did not drop oldest first")
	}
	if total != 400 {
		t.Errorf("total = %d, want 400", total)
	}

	// Impossible budget stops at the two-message floor.
	got, _ = trimToBudget(system, window, 1)
	if len(got) != MinWindowMessages {
		t.Errorf("window length = %d, want floor %d", len(got), MinWindowMessages)
	}

	// Fitting budget trims nothing.
	got, total = trimToBudget(system, window, 10000)
	if len(got) != 4 || total != 500 {
		t.Errorf("got %d messages, total %d; want 4, 500", len(got), total)
	}
}
