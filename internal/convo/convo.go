// Package convo manages conversation segmentation: slicing a session's
// message stream into topic-scoped segments that chain backward through
// time. At most one segment per session is active; closing is terminal.
package convo

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/parley-ai/parley/internal/store"
	"github.com/parley-ai/parley/pkg/models"
)

// Summary is what the summarizer distills from a closed segment.
type Summary struct {
	Summary      string
	Topics       []string
	Decisions    []string
	StateUpdates []string
}

// Summarizer distills a closed segment's messages. Implementations call a
// model; errors are logged, never surfaced to the request that triggered
// the close.
type Summarizer interface {
	Summarize(ctx context.Context, msgs []models.Message) (*Summary, error)
}

// Manager owns segment lifecycle for all sessions. Store writes serialize
// segment state; the manager itself is stateless and safe for concurrent
// use.
type Manager struct {
	store      store.Store
	summarizer Summarizer // nil disables summarization
	log        zerolog.Logger

	// SummaryTimeout bounds the async summarization call.
	SummaryTimeout time.Duration

	// IdleGap is the inactivity threshold after which an incoming message
	// starts a fresh segment instead of continuing the stale one. Zero
	// disables the gap check.
	IdleGap time.Duration
}

func NewManager(st store.Store, summarizer Summarizer, log zerolog.Logger) *Manager {
	return &Manager{
		store:          st,
		summarizer:     summarizer,
		log:            log.With().Str("component", "convo").Logger(),
		SummaryTimeout: 60 * time.Second,
		IdleGap:        30 * time.Minute,
	}
}

// Assign attaches a freshly persisted message to the session's active
// segment, creating one if none exists. A segment idle past IdleGap is
// closed first so the message lands in a fresh one. The new segment's depth
// is one more than its predecessor's and it links backward to the most
// recently closed segment.
func (m *Manager) Assign(ctx context.Context, sessionID string, msg *models.Message) (*models.Conversation, error) {
	active, err := m.store.GetActiveConversation(ctx, sessionID)
	if err != nil && !store.IsNotFound(err) {
		return nil, err
	}
	if active != nil && m.IdleGap > 0 && !active.LastMessageAt.IsZero() &&
		time.Since(active.LastMessageAt) > m.IdleGap {
		if err := m.Close(ctx, active.ID); err != nil {
			return nil, err
		}
		active = nil
	}
	if active == nil {
		active, err = m.openSegment(ctx, sessionID, msg.Seq)
		if err != nil {
			return nil, err
		}
	}
	if err := m.advanceEnd(ctx, active, msg.Seq); err != nil {
		return nil, err
	}
	if msg.ConversationID != active.ID {
		msg.ConversationID = active.ID
		if err := m.store.RelabelMessageConversation(ctx, msg.ID, active.ID); err != nil {
			return nil, err
		}
	}
	return active, nil
}

// Switch closes the active segment and opens a fresh one, relabeling the
// triggering message so it belongs to the new segment rather than the one
// it caused to close.
func (m *Manager) Switch(ctx context.Context, sessionID string, trigger *models.Message) (*models.Conversation, error) {
	if active, err := m.store.GetActiveConversation(ctx, sessionID); err == nil && active != nil {
		// The trigger was counted into the old segment by Assign; give
		// it back before closing.
		if active.EndSeq == trigger.Seq && active.MessageCount > 0 {
			active.MessageCount--
			if err := m.store.UpdateConversation(ctx, active); err != nil {
				return nil, err
			}
		}
		if err := m.Close(ctx, active.ID); err != nil {
			return nil, err
		}
	} else if err != nil && !store.IsNotFound(err) {
		return nil, err
	}

	next, err := m.openSegment(ctx, sessionID, trigger.Seq)
	if err != nil {
		return nil, err
	}
	if err := m.advanceEnd(ctx, next, trigger.Seq); err != nil {
		return nil, err
	}
	trigger.ConversationID = next.ID
	if err := m.store.RelabelMessageConversation(ctx, trigger.ID, next.ID); err != nil {
		return nil, err
	}
	return next, nil
}

// Close marks a segment closed and kicks off summarization in the
// background. Closing an already-closed segment is a no-op.
func (m *Manager) Close(ctx context.Context, convoID string) error {
	convo, err := m.store.GetConversation(ctx, convoID)
	if err != nil {
		return err
	}
	if convo.Status == models.ConversationClosed {
		return nil
	}
	now := time.Now().UTC()
	convo.Status = models.ConversationClosed
	convo.ClosedAt = &now
	if err := m.store.UpdateConversation(ctx, convo); err != nil {
		return err
	}
	m.log.Debug().Str("convo_id", convo.ID).Str("session_id", convo.SessionID).
		Int64("messages", convo.MessageCount).Msg("segment closed")

	if m.summarizer != nil {
		go m.summarize(convo)
	}
	return nil
}

// Chain walks backward from the session's active segment through
// PreviousConvoID links, returning up to maxDepth closed predecessors,
// most recent first. A broken link ends the walk without error.
func (m *Manager) Chain(ctx context.Context, sessionID string, maxDepth int) ([]models.Conversation, error) {
	active, err := m.store.GetActiveConversation(ctx, sessionID)
	if err != nil {
		if store.IsNotFound(err) {
			return nil, nil
		}
		return nil, err
	}
	var chain []models.Conversation
	prevID := active.PreviousConvoID
	for prevID != "" && len(chain) < maxDepth {
		prev, err := m.store.GetConversation(ctx, prevID)
		if err != nil {
			if store.IsNotFound(err) {
				break
			}
			return nil, err
		}
		chain = append(chain, *prev)
		prevID = prev.PreviousConvoID
	}
	return chain, nil
}

// Active returns the session's active segment, or nil without error when
// there is none.
func (m *Manager) Active(ctx context.Context, sessionID string) (*models.Conversation, error) {
	active, err := m.store.GetActiveConversation(ctx, sessionID)
	if store.IsNotFound(err) {
		return nil, nil
	}
	return active, err
}

func (m *Manager) openSegment(ctx context.Context, sessionID string, startSeq int64) (*models.Conversation, error) {
	depth := 0
	prevID := ""
	if closed, err := m.store.ListClosedConversations(ctx, sessionID, 1); err == nil && len(closed) > 0 {
		prevID = closed[0].ID
		depth = closed[0].Depth + 1
	}
	convo := &models.Conversation{
		ID:              uuid.NewString(),
		SessionID:       sessionID,
		Status:          models.ConversationActive,
		StartSeq:        startSeq,
		EndSeq:          startSeq,
		PreviousConvoID: prevID,
		Depth:           depth,
		LastMessageAt:   time.Now().UTC(),
		CreatedAt:       time.Now().UTC(),
	}
	if err := m.store.CreateConversation(ctx, convo); err != nil {
		return nil, err
	}
	m.log.Debug().Str("convo_id", convo.ID).Str("session_id", sessionID).
		Int("depth", depth).Msg("segment opened")
	return convo, nil
}

// advanceEnd moves the segment's end marker forward. EndSeq never moves
// backward; an out-of-order seq still bumps the message count.
func (m *Manager) advanceEnd(ctx context.Context, convo *models.Conversation, seq int64) error {
	if seq > convo.EndSeq {
		convo.EndSeq = seq
	}
	convo.MessageCount++
	convo.LastMessageAt = time.Now().UTC()
	return m.store.UpdateConversation(ctx, convo)
}

// summarize runs detached from the request that closed the segment. Any
// failure is logged and the segment simply stays unsummarized.
func (m *Manager) summarize(convo *models.Conversation) {
	ctx, cancel := context.WithTimeout(context.Background(), m.SummaryTimeout)
	defer cancel()

	msgs, err := m.store.ListMessagesBySeq(ctx, convo.SessionID, convo.StartSeq, convo.EndSeq, 0)
	if err != nil {
		m.log.Warn().Err(err).Str("convo_id", convo.ID).Msg("summary fetch failed")
		return
	}
	if len(msgs) == 0 {
		return
	}
	sum, err := m.summarizer.Summarize(ctx, msgs)
	if err != nil {
		m.log.Warn().Err(err).Str("convo_id", convo.ID).Msg("summarization failed")
		return
	}
	fresh, err := m.store.GetConversation(ctx, convo.ID)
	if err != nil {
		return
	}
	fresh.Summary = sum.Summary
	fresh.Topics = sum.Topics
	fresh.Decisions = sum.Decisions
	fresh.StateUpdates = sum.StateUpdates
	if err := m.store.UpdateConversation(ctx, fresh); err != nil {
		m.log.Warn().Err(err).Str("convo_id", convo.ID).Msg("summary write failed")
	}
}
