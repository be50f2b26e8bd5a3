package convo

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/parley-ai/parley/internal/store"
	"github.com/parley-ai/parley/pkg/models"
)

func testManager(t *testing.T, sum Summarizer) (*Manager, *store.MemoryStore) {
	t.Helper()
	st := store.NewMemoryStore()
	t.Cleanup(func() { st.Close() })
	return NewManager(st, sum, zerolog.Nop()), st
}

func appendMsg(t *testing.T, st *store.MemoryStore, sessionID, role, content string) *models.Message {
	t.Helper()
	if _, err := st.GetSession(context.Background(), sessionID); store.IsNotFound(err) {
		err := st.CreateSession(context.Background(), &models.Session{
			ID:        sessionID,
			Workspace: "w1",
			ChannelID: "api",
		})
		if err != nil {
			t.Fatalf("CreateSession: %v", err)
		}
	}
	msg := &models.Message{
		ID:        uuid.NewString(),
		SessionID: sessionID,
		Role:      role,
		Content:   content,
		CreatedAt: time.Now().UTC(),
	}
	if err := st.AppendMessage(context.Background(), msg); err != nil {
		t.Fatalf("AppendMessage: %v", err)
	}
	return msg
}

func TestAssignCreatesSingleActiveSegment(t *testing.T) {
	ctx := context.Background()
	m, st := testManager(t, nil)

	var first *models.Conversation
	for i := 0; i < 3; i++ {
		msg := appendMsg(t, st, "s1", "user", "hello")
		convo, err := m.Assign(ctx, "s1", msg)
		if err != nil {
			t.Fatalf("Assign: %v", err)
		}
		if first == nil {
			first = convo
		} else if convo.ID != first.ID {
			t.Fatalf("second Assign opened a new segment %s, want %s", convo.ID, first.ID)
		}
		if msg.ConversationID != convo.ID {
			t.Errorf("message not labeled with segment: %q", msg.ConversationID)
		}
	}

	active, err := st.GetActiveConversation(ctx, "s1")
	if err != nil {
		t.Fatalf("GetActiveConversation: %v", err)
	}
	if active.MessageCount != 3 {
		t.Errorf("MessageCount = %d, want 3", active.MessageCount)
	}
	if active.EndSeq <= active.StartSeq {
		t.Errorf("EndSeq %d did not advance past StartSeq %d", active.EndSeq, active.StartSeq)
	}
}

func TestEndSeqNeverMovesBackward(t *testing.T) {
	ctx := context.Background()
	m, st := testManager(t, nil)

	msg := appendMsg(t, st, "s1", "user", "a")
	convo, err := m.Assign(ctx, "s1", msg)
	if err != nil {
		t.Fatalf("Assign: %v", err)
	}
	end := convo.EndSeq

	if err := m.advanceEnd(ctx, convo, end-1); err != nil {
		t.Fatalf("advanceEnd: %v", err)
	}
	if convo.EndSeq != end {
		t.Errorf("EndSeq moved to %d, want unchanged %d", convo.EndSeq, end)
	}
}

func TestSwitchRelabelsTrigger(t *testing.T) {
	ctx := context.Background()
	m, st := testManager(t, nil)

	for i := 0; i < 2; i++ {
		msg := appendMsg(t, st, "s1", "user", "old topic")
		if _, err := m.Assign(ctx, "s1", msg); err != nil {
			t.Fatalf("Assign: %v", err)
		}
	}
	old, _ := st.GetActiveConversation(ctx, "s1")

	trigger := appendMsg(t, st, "s1", "user", "new topic entirely")
	if _, err := m.Assign(ctx, "s1", trigger); err != nil {
		t.Fatalf("Assign trigger: %v", err)
	}
	next, err := m.Switch(ctx, "s1", trigger)
	if err != nil {
		t.Fatalf("Switch: %v", err)
	}

	if next.ID == old.ID {
		t.Fatal("Switch did not open a new segment")
	}
	if next.PreviousConvoID != old.ID {
		t.Errorf("PreviousConvoID = %q, want %q", next.PreviousConvoID, old.ID)
	}
	if next.Depth != old.Depth+1 {
		t.Errorf("Depth = %d, want %d", next.Depth, old.Depth+1)
	}
	if trigger.ConversationID != next.ID {
		t.Errorf("trigger labeled %q, want new segment %q", trigger.ConversationID, next.ID)
	}

	closed, err := st.GetConversation(ctx, old.ID)
	if err != nil {
		t.Fatalf("GetConversation: %v", err)
	}
	if closed.Status != models.ConversationClosed {
		t.Errorf("old segment status = %q, want closed", closed.Status)
	}
	if closed.MessageCount != 2 {
		t.Errorf("old segment MessageCount = %d, want 2 after trigger moved out", closed.MessageCount)
	}
}

func TestCloseIsTerminal(t *testing.T) {
	ctx := context.Background()
	m, st := testManager(t, nil)

	msg := appendMsg(t, st, "s1", "user", "x")
	convo, err := m.Assign(ctx, "s1", msg)
	if err != nil {
		t.Fatalf("Assign: %v", err)
	}
	if err := m.Close(ctx, convo.ID); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := m.Close(ctx, convo.ID); err != nil {
		t.Fatalf("second Close: %v", err)
	}
	got, _ := st.GetConversation(ctx, convo.ID)
	if got.ClosedAt == nil {
		t.Error("ClosedAt not set")
	}
}

type recordingSummarizer struct {
	mu     sync.Mutex
	called chan struct{}
	fail   bool
}

func (r *recordingSummarizer) Summarize(_ context.Context, msgs []models.Message) (*Summary, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	defer close(r.called)
	if r.fail {
		return nil, context.DeadlineExceeded
	}
	return &Summary{Summary: "talked about x", Topics: []string{"x"}}, nil
}

func TestCloseSummarizesAsync(t *testing.T) {
	ctx := context.Background()
	sum := &recordingSummarizer{called: make(chan struct{})}
	m, st := testManager(t, sum)

	msg := appendMsg(t, st, "s1", "user", "x")
	convo, err := m.Assign(ctx, "s1", msg)
	if err != nil {
		t.Fatalf("Assign: %v", err)
	}
	if err := m.Close(ctx, convo.ID); err != nil {
		t.Fatalf("Close: %v", err)
	}

	select {
	case <-sum.called:
	case <-time.After(2 * time.Second):
		t.Fatal("summarizer never called")
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		got, _ := st.GetConversation(ctx, convo.ID)
		if got.Summary == "talked about x" {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("summary never written, got %q", got.Summary)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestCloseSurvivesSummarizerFailure(t *testing.T) {
	ctx := context.Background()
	sum := &recordingSummarizer{called: make(chan struct{}), fail: true}
	m, st := testManager(t, sum)

	msg := appendMsg(t, st, "s1", "user", "x")
	convo, err := m.Assign(ctx, "s1", msg)
	if err != nil {
		t.Fatalf("Assign: %v", err)
	}
	if err := m.Close(ctx, convo.ID); err != nil {
		t.Fatalf("Close must not surface summarizer errors: %v", err)
	}
	<-sum.called

	got, _ := st.GetConversation(ctx, convo.ID)
	if got.Status != models.ConversationClosed {
		t.Errorf("status = %q, want closed despite summarizer failure", got.Status)
	}
}

func TestChainWalksBackward(t *testing.T) {
	ctx := context.Background()
	m, st := testManager(t, nil)

	var ids []string
	for i := 0; i < 3; i++ {
		msg := appendMsg(t, st, "s1", "user", "topic")
		if _, err := m.Assign(ctx, "s1", msg); err != nil {
			t.Fatalf("Assign: %v", err)
		}
		active, _ := st.GetActiveConversation(ctx, "s1")
		ids = append(ids, active.ID)
		trigger := appendMsg(t, st, "s1", "user", "next topic")
		if _, err := m.Assign(ctx, "s1", trigger); err != nil {
			t.Fatalf("Assign trigger: %v", err)
		}
		if _, err := m.Switch(ctx, "s1", trigger); err != nil {
			t.Fatalf("Switch: %v", err)
		}
	}

	chain, err := m.Chain(ctx, "s1", 10)
	if err != nil {
		t.Fatalf("Chain: %v", err)
	}
	if len(chain) != 3 {
		t.Fatalf("chain length = %d, want 3", len(chain))
	}
	// Most recent closed segment first.
	for i, want := range []string{ids[2], ids[1], ids[0]} {
		if chain[i].ID != want {
			t.Errorf("chain[%d] = %s, want %s", i, chain[i].ID, want)
		}
	}

	limited, err := m.Chain(ctx, "s1", 1)
	if err != nil {
		t.Fatalf("Chain limited: %v", err)
	}
	if len(limited) != 1 || limited[0].ID != ids[2] {
		t.Errorf("limited chain = %v, want just most recent", limited)
	}
}

func TestAssignClosesIdleSegment(t *testing.T) {
	ctx := context.Background()
	m, st := testManager(t, nil)
	m.IdleGap = 10 * time.Millisecond

	first := appendMsg(t, st, "s1", "user", "morning question")
	firstConvo, err := m.Assign(ctx, "s1", first)
	if err != nil {
		t.Fatalf("Assign: %v", err)
	}

	time.Sleep(20 * time.Millisecond)

	second := appendMsg(t, st, "s1", "user", "evening question")
	secondConvo, err := m.Assign(ctx, "s1", second)
	if err != nil {
		t.Fatalf("Assign after gap: %v", err)
	}
	if secondConvo.ID == firstConvo.ID {
		t.Fatal("idle segment should have been closed, got same segment")
	}
	if secondConvo.PreviousConvoID != firstConvo.ID {
		t.Errorf("new segment should chain to %s, got %q", firstConvo.ID, secondConvo.PreviousConvoID)
	}

	old, err := st.GetConversation(ctx, firstConvo.ID)
	if err != nil {
		t.Fatal(err)
	}
	if old.Status != models.ConversationClosed {
		t.Errorf("idle segment status = %s, want closed", old.Status)
	}
}

func TestAssignKeepsFreshSegmentWithinGap(t *testing.T) {
	ctx := context.Background()
	m, st := testManager(t, nil)
	m.IdleGap = time.Hour

	first := appendMsg(t, st, "s1", "user", "a")
	c1, _ := m.Assign(ctx, "s1", first)
	second := appendMsg(t, st, "s1", "user", "b")
	c2, err := m.Assign(ctx, "s1", second)
	if err != nil {
		t.Fatalf("Assign: %v", err)
	}
	if c2.ID != c1.ID {
		t.Error("messages within the gap must share a segment")
	}
}
