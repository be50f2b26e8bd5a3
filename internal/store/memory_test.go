package store

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/parley-ai/parley/pkg/models"
)

func newTestStore(t *testing.T) *MemoryStore {
	t.Helper()
	t.Setenv("PARLEY_DATA_DIR", "off")
	m := NewMemoryStore()
	t.Cleanup(func() { m.Close() })
	return m
}

func createSession(t *testing.T, m *MemoryStore, id string) {
	t.Helper()
	err := m.CreateSession(context.Background(), &models.Session{
		ID:        id,
		Workspace: "w1",
		ChannelID: "api",
	})
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
}

func TestAppendMessageAssignsIncreasingSeq(t *testing.T) {
	m := newTestStore(t)
	ctx := context.Background()
	createSession(t, m, "s1")

	for i := 0; i < 5; i++ {
		msg := &models.Message{ID: fmt.Sprintf("m%d", i), SessionID: "s1", Role: "user", Content: "hi"}
		if err := m.AppendMessage(ctx, msg); err != nil {
			t.Fatalf("AppendMessage: %v", err)
		}
		if msg.Seq != int64(i+1) {
			t.Errorf("message %d got seq %d, want %d", i, msg.Seq, i+1)
		}
	}

	sess, err := m.GetSession(ctx, "s1")
	if err != nil {
		t.Fatal(err)
	}
	if sess.MessageCount != 5 {
		t.Errorf("session message count = %d, want 5", sess.MessageCount)
	}
}

func TestAppendMessageConcurrentSeqUnique(t *testing.T) {
	m := newTestStore(t)
	ctx := context.Background()
	createSession(t, m, "s1")

	const writers = 20
	var wg sync.WaitGroup
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			m.AppendMessage(ctx, &models.Message{
				ID:        fmt.Sprintf("m%d", n),
				SessionID: "s1",
				Role:      "user",
				Content:   "x",
			})
		}(i)
	}
	wg.Wait()

	msgs, err := m.ListRecentMessages(ctx, "s1", 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != writers {
		t.Fatalf("got %d messages, want %d", len(msgs), writers)
	}
	seen := make(map[int64]bool)
	for _, msg := range msgs {
		if seen[msg.Seq] {
			t.Errorf("duplicate seq %d", msg.Seq)
		}
		seen[msg.Seq] = true
	}
}

func TestListMessagesBySeqRange(t *testing.T) {
	m := newTestStore(t)
	ctx := context.Background()
	createSession(t, m, "s1")

	for i := 0; i < 10; i++ {
		m.AppendMessage(ctx, &models.Message{ID: fmt.Sprintf("m%d", i), SessionID: "s1", Role: "user", Content: "x"})
	}

	msgs, err := m.ListMessagesBySeq(ctx, "s1", 3, 7, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 5 {
		t.Fatalf("got %d messages, want 5", len(msgs))
	}
	if msgs[0].Seq != 3 || msgs[4].Seq != 7 {
		t.Errorf("range = [%d, %d], want [3, 7]", msgs[0].Seq, msgs[4].Seq)
	}

	// Open-ended range with a limit keeps the tail.
	msgs, err = m.ListMessagesBySeq(ctx, "s1", 1, 0, 3)
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 3 || msgs[2].Seq != 10 {
		t.Errorf("limited tail wrong: %+v", msgs)
	}
}

func TestFindSession(t *testing.T) {
	m := newTestStore(t)
	ctx := context.Background()

	m.CreateSession(ctx, &models.Session{
		ID:             "s1",
		Workspace:      "w1",
		ChannelID:      "telegram",
		ExternalUserID: "42",
	})

	found, err := m.FindSession(ctx, "w1", "telegram", "42")
	if err != nil {
		t.Fatalf("FindSession: %v", err)
	}
	if found.ID != "s1" {
		t.Errorf("found %q, want s1", found.ID)
	}

	_, err = m.FindSession(ctx, "w1", "telegram", "43")
	if !IsNotFound(err) {
		t.Errorf("expected not-found for unknown user, got %v", err)
	}
	_, err = m.FindSession(ctx, "w2", "telegram", "42")
	if !IsNotFound(err) {
		t.Errorf("expected not-found for other workspace, got %v", err)
	}
}

func TestRelabelMessageConversation(t *testing.T) {
	m := newTestStore(t)
	ctx := context.Background()
	createSession(t, m, "s1")

	msg := &models.Message{ID: "m1", SessionID: "s1", Role: "user", Content: "x", ConversationID: "c1"}
	m.AppendMessage(ctx, msg)

	if err := m.RelabelMessageConversation(ctx, "m1", "c2"); err != nil {
		t.Fatalf("Relabel: %v", err)
	}
	msgs, _ := m.ListRecentMessages(ctx, "s1", 1)
	if msgs[0].ConversationID != "c2" {
		t.Errorf("conversation id = %q, want c2", msgs[0].ConversationID)
	}

	if err := m.RelabelMessageConversation(ctx, "missing", "c2"); !IsNotFound(err) {
		t.Errorf("expected not-found, got %v", err)
	}
}

func TestListClosedConversationsNewestFirst(t *testing.T) {
	m := newTestStore(t)
	ctx := context.Background()

	base := time.Now()
	for i := 0; i < 3; i++ {
		closed := base.Add(time.Duration(i) * time.Minute)
		m.CreateConversation(ctx, &models.Conversation{
			ID:        fmt.Sprintf("c%d", i),
			SessionID: "s1",
			Status:    models.ConversationClosed,
			ClosedAt:  &closed,
		})
	}
	m.CreateConversation(ctx, &models.Conversation{
		ID:        "active",
		SessionID: "s1",
		Status:    models.ConversationActive,
	})

	out, err := m.ListClosedConversations(ctx, "s1", 2)
	if err != nil {
		t.Fatal(err)
	}
	if len(out) != 2 {
		t.Fatalf("got %d conversations, want 2", len(out))
	}
	if out[0].ID != "c2" || out[1].ID != "c1" {
		t.Errorf("order = [%s, %s], want [c2, c1]", out[0].ID, out[1].ID)
	}
}

func TestPutRunUpserts(t *testing.T) {
	m := newTestStore(t)
	ctx := context.Background()

	m.PutRun(ctx, &models.ActiveRun{SessionID: "s1", Status: models.RunThinking})
	m.PutRun(ctx, &models.ActiveRun{SessionID: "s1", Status: models.RunStreaming, PartialText: "hel"})

	run, err := m.GetRun(ctx, "s1")
	if err != nil {
		t.Fatal(err)
	}
	if run.Status != models.RunStreaming || run.PartialText != "hel" {
		t.Errorf("run = %+v, want streaming/hel", run)
	}
}

func TestEvictStaleRuns(t *testing.T) {
	t.Setenv("PARLEY_RUN_TTL", "1ms")
	t.Setenv("PARLEY_DATA_DIR", "off")
	m := NewMemoryStore()
	defer m.Close()
	ctx := context.Background()

	m.PutRun(ctx, &models.ActiveRun{SessionID: "done", Status: models.RunComplete})
	m.PutRun(ctx, &models.ActiveRun{SessionID: "busy", Status: models.RunStreaming})

	time.Sleep(5 * time.Millisecond)
	m.evictStaleRuns()

	if _, err := m.GetRun(ctx, "done"); !IsNotFound(err) {
		t.Errorf("finished run should be evicted, got %v", err)
	}
	if _, err := m.GetRun(ctx, "busy"); err != nil {
		t.Errorf("in-flight run must survive eviction, got %v", err)
	}
}

func TestSnapshotRoundTrip(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("PARLEY_DATA_DIR", dir)

	first := NewMemoryStore()
	ctx := context.Background()
	first.CreateSession(ctx, &models.Session{ID: "s1", Workspace: "w1", ChannelID: "api"})
	first.AppendMessage(ctx, &models.Message{ID: "m1", SessionID: "s1", Role: "user", Content: "remember me"})
	first.CreateProviderProfile(ctx, &models.ProviderProfile{ID: "pp-1", Workspace: "w1", Provider: "anthropic", Enabled: true})
	if err := first.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	second := NewMemoryStore()
	defer second.Close()

	if _, err := second.GetSession(ctx, "s1"); err != nil {
		t.Fatalf("session lost across restart: %v", err)
	}
	msgs, err := second.ListRecentMessages(ctx, "s1", 0)
	if err != nil || len(msgs) != 1 || msgs[0].Content != "remember me" {
		t.Fatalf("messages lost across restart: %v %+v", err, msgs)
	}
	if _, err := second.GetProviderProfile(ctx, "pp-1"); err != nil {
		t.Fatalf("profile lost across restart: %v", err)
	}
}

func TestListUsageNewestFirstWithLimit(t *testing.T) {
	m := newTestStore(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		m.RecordUsage(ctx, &models.UsageRecord{
			ID:        fmt.Sprintf("u%d", i),
			Workspace: "w1",
			Model:     "claude-sonnet-4-20250514",
		})
	}
	m.RecordUsage(ctx, &models.UsageRecord{ID: "other", Workspace: "w2"})

	records, err := m.ListUsage(ctx, "w1", 3)
	if err != nil {
		t.Fatal(err)
	}
	if len(records) != 3 {
		t.Fatalf("got %d records, want 3", len(records))
	}
	if records[0].ID != "u4" {
		t.Errorf("newest first expected u4, got %s", records[0].ID)
	}
}

func TestDeleteSessionCascades(t *testing.T) {
	m := newTestStore(t)
	ctx := context.Background()
	createSession(t, m, "s1")
	m.AppendMessage(ctx, &models.Message{ID: "m1", SessionID: "s1", Role: "user", Content: "x"})
	m.PutRun(ctx, &models.ActiveRun{SessionID: "s1", Status: models.RunComplete})

	if err := m.DeleteSession(ctx, "s1"); err != nil {
		t.Fatal(err)
	}
	if _, err := m.GetSession(ctx, "s1"); !IsNotFound(err) {
		t.Errorf("session should be gone, got %v", err)
	}
	msgs, _ := m.ListRecentMessages(ctx, "s1", 0)
	if len(msgs) != 0 {
		t.Errorf("messages should be gone, got %d", len(msgs))
	}
	if _, err := m.GetRun(ctx, "s1"); !IsNotFound(err) {
		t.Errorf("run should be gone, got %v", err)
	}
}
