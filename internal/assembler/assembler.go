// Package assembler composes the layered system prompt and the trimmed
// message window for one model call, within a soft token budget.
package assembler

import (
	"context"
	"fmt"
	"strings"

	"github.com/rs/zerolog"

	"github.com/parley-ai/parley/internal/convo"
	"github.com/parley-ai/parley/internal/knowledge"
	"github.com/parley-ai/parley/internal/store"
	"github.com/parley-ai/parley/internal/tokencount"
	"github.com/parley-ai/parley/pkg/models"
)

const (
	// DefaultTokenBudget applies when neither the caller nor the session
	// sets one.
	DefaultTokenBudget = 8000

	// MinWindowMessages is the floor trimming never drops below.
	MinWindowMessages = 2

	// ChainDepth bounds the backward summary walk.
	ChainDepth = 5
)

// escalation-level defaults: window size and context breadth.
var escalationWindow = [4]int{10, 20, 20, 20}

// Request identifies what to assemble context for.
type Request struct {
	Workspace   string
	SessionID   string
	AgentID     string
	Message     string
	TokenBudget int // 0 means session override or DefaultTokenBudget
}

// Result is the assembled model context.
type Result struct {
	SystemPrompt    string
	Messages        []models.ChatMessage
	EstimatedTokens int
}

// Assembler builds model context from stored state. Safe for concurrent use.
type Assembler struct {
	store    store.Store
	convos   *convo.Manager
	searcher knowledge.Searcher // nil falls back to keyword scoring
	log      zerolog.Logger
}

func New(st store.Store, convos *convo.Manager, searcher knowledge.Searcher, log zerolog.Logger) *Assembler {
	return &Assembler{
		store:    st,
		convos:   convos,
		searcher: searcher,
		log:      log.With().Str("component", "assembler").Logger(),
	}
}

// Assemble produces the system prompt, message window, and token estimate
// for the next model call. The new user message is expected to already be
// persisted; it arrives through the message window.
func (a *Assembler) Assemble(ctx context.Context, req Request) (*Result, error) {
	session, err := a.store.GetSession(ctx, req.SessionID)
	if err != nil {
		return nil, fmt.Errorf("assemble: load session: %w", err)
	}

	agent, err := a.store.GetAgent(ctx, req.AgentID)
	if err != nil && !store.IsNotFound(err) {
		return nil, fmt.Errorf("assemble: load agent: %w", err)
	}
	if agent == nil {
		agent = &models.Agent{ID: req.AgentID, Workspace: req.Workspace}
	}

	active, err := a.convos.Active(ctx, req.SessionID)
	if err != nil {
		return nil, fmt.Errorf("assemble: active segment: %w", err)
	}

	level := 0
	if active != nil {
		level = active.EscalationLevel
	}
	if level < 0 {
		level = 0
	} else if level > 3 {
		level = 3
	}

	windowSize := escalationWindow[level]
	if session.ContextWindowSize > 0 {
		windowSize = session.ContextWindowSize
	}
	budget := req.TokenBudget
	if budget <= 0 {
		budget = session.ContextTokenLimit
	}
	if budget <= 0 {
		budget = DefaultTokenBudget
	}

	system := a.buildSystemPrompt(ctx, req, agent, active, level)

	window, err := a.loadWindow(ctx, req, active, windowSize)
	if err != nil {
		return nil, err
	}

	window, total := trimToBudget(system, window, budget)

	a.log.Debug().Str("session_id", req.SessionID).
		Int("escalation", level).
		Int("window", len(window)).
		Int("tokens", total).
		Msg("context assembled")

	return &Result{
		SystemPrompt:    system,
		Messages:        window,
		EstimatedTokens: total,
	}, nil
}

// buildSystemPrompt concatenates the ordered, independently optional prompt
// sections. Order: persona, soul identity, workspace identity, insights,
// response style, onboarding, knowledge, chain summary, artifacts, topic
// context, project context, escalation hint.
func (a *Assembler) buildSystemPrompt(ctx context.Context, req Request, agent *models.Agent, active *models.Conversation, level int) string {
	var sections []string

	persona := agent.Persona
	firstRun := persona == ""
	if firstRun {
		persona = defaultPersona(agent)
	}
	sections = append(sections, persona)

	if agent.SoulIdentity != "" {
		sections = append(sections, agent.SoulIdentity)
	}
	if settings, err := a.store.GetWorkspaceSettings(ctx, req.Workspace); err == nil && settings.IdentityConfig != "" {
		sections = append(sections, settings.IdentityConfig)
	}
	if len(agent.Insights) > 0 {
		sections = append(sections, "## Evolved understanding\n- "+strings.Join(agent.Insights, "\n- "))
	}
	if agent.ResponseStyle != "" {
		sections = append(sections, "## Response style\n"+agent.ResponseStyle)
	}
	if firstRun && !agent.SkipOnboard {
		sections = append(sections, onboardingBlock)
	}

	if block := a.knowledgeBlock(ctx, req, level); block != "" {
		sections = append(sections, block)
	}

	chain, err := a.convos.Chain(ctx, req.SessionID, ChainDepth)
	if err != nil {
		a.log.Warn().Err(err).Str("session_id", req.SessionID).Msg("chain summary skipped")
		chain = nil
	}
	if block := chainSummaryBlock(chain); block != "" {
		sections = append(sections, block)
	}
	if block := artifactsBlock(active, chain); block != "" {
		sections = append(sections, block)
	}
	if level >= 2 {
		if block := a.topicContextBlock(ctx, req, chain); block != "" {
			sections = append(sections, block)
		}
	}
	if active != nil && active.ProjectID != "" {
		sections = append(sections, "## Project context\nThis conversation is linked to project "+active.ProjectID+".")
	}
	if level >= 3 {
		sections = append(sections, askDontGuessHint)
	}

	return strings.Join(sections, "\n\n")
}

// knowledgeBlock scores and formats the agent's knowledge. Broad mode
// (escalation 1+) skips relevance filtering and includes everything.
func (a *Assembler) knowledgeBlock(ctx context.Context, req Request, level int) string {
	entries, err := a.store.ListKnowledge(ctx, req.Workspace, req.AgentID)
	if err != nil || len(entries) == 0 {
		return ""
	}
	if level >= 1 {
		return knowledge.FormatBlock(entries)
	}
	return knowledge.FormatBlock(knowledge.Filter(ctx, req.Message, entries, a.searcher))
}

// loadWindow returns the most recent windowSize user/assistant messages,
// oldest first, scoped to the active segment when one exists.
func (a *Assembler) loadWindow(ctx context.Context, req Request, active *models.Conversation, windowSize int) ([]models.ChatMessage, error) {
	var (
		msgs []models.Message
		err  error
	)
	if active != nil {
		msgs, err = a.store.ListMessagesBySeq(ctx, req.SessionID, active.StartSeq, active.EndSeq, 0)
	} else {
		msgs, err = a.store.ListRecentMessages(ctx, req.SessionID, windowSize)
	}
	if err != nil && !store.IsNotFound(err) {
		return nil, fmt.Errorf("assemble: load messages: %w", err)
	}

	window := make([]models.ChatMessage, 0, len(msgs))
	for _, m := range msgs {
		if m.Role != "user" && m.Role != "assistant" {
			continue
		}
		window = append(window, models.ChatMessage{Role: m.Role, Content: m.Content})
	}
	if len(window) > windowSize {
		window = window[len(window)-windowSize:]
	}

	// The triggering message must be present even when the store read
	// raced or returned nothing.
	if req.Message != "" {
		if n := len(window); n == 0 || window[n-1].Role != "user" || window[n-1].Content != req.Message {
			window = append(window, models.ChatMessage{Role: "user", Content: req.Message})
		}
	}
	return window, nil
}

// trimToBudget drops messages oldest-first until the estimate fits the
// budget or only MinWindowMessages remain. The system prompt is never
// truncated.
func trimToBudget(system string, window []models.ChatMessage, budget int) ([]models.ChatMessage, int) {
	total := tokencount.Estimate(system)
	for _, m := range window {
		total += tokencount.Estimate(m.Content)
	}
	for total > budget && len(window) > MinWindowMessages {
		total -= tokencount.Estimate(window[0].Content)
		window = window[1:]
	}
	return window, total
}

func chainSummaryBlock(chain []models.Conversation) string {
	var parts []string
	for _, c := range chain {
		if c.Summary == "" {
			continue
		}
		parts = append(parts, "- "+c.Summary)
	}
	if len(parts) == 0 {
		return ""
	}
	return "## Earlier in this session\n" + strings.Join(parts, "\n")
}

// artifactsBlock lists files attached to the current or linked segments so
// the model fetches them instead of asking the user to re-send.
func artifactsBlock(active *models.Conversation, chain []models.Conversation) string {
	var lines []string
	add := func(c *models.Conversation) {
		for _, art := range c.Artifacts {
			line := "- " + art.Name
			if art.URI != "" {
				line += " (" + art.URI + ")"
			}
			lines = append(lines, line)
		}
	}
	if active != nil {
		add(active)
	}
	for i := range chain {
		add(&chain[i])
	}
	if len(lines) == 0 {
		return ""
	}
	return "## Attached files\nFetch these directly when needed; do not ask the user to re-upload.\n" + strings.Join(lines, "\n")
}

// topicContextBlock pulls summaries from closed segments outside the chain
// whose topics overlap the current message.
func (a *Assembler) topicContextBlock(ctx context.Context, req Request, chain []models.Conversation) string {
	closed, err := a.store.ListClosedConversations(ctx, req.SessionID, 20)
	if err != nil || len(closed) == 0 {
		return ""
	}
	inChain := make(map[string]bool, len(chain))
	for _, c := range chain {
		inChain[c.ID] = true
	}
	queryWords := make(map[string]bool)
	for _, w := range strings.Fields(strings.ToLower(req.Message)) {
		queryWords[strings.Trim(w, ".,!?;:\"'()")] = true
	}

	var parts []string
	for _, c := range closed {
		if inChain[c.ID] || c.Summary == "" {
			continue
		}
		for _, topic := range c.Topics {
			if queryWords[strings.ToLower(topic)] {
				parts = append(parts, "- "+c.Summary)
				break
			}
		}
	}
	if len(parts) == 0 {
		return ""
	}
	return "## Possibly related past conversations\n" + strings.Join(parts, "\n")
}

func defaultPersona(agent *models.Agent) string {
	name := agent.Name
	if name == "" {
		name = "Assistant"
	}
	return fmt.Sprintf("You are %s, a helpful AI assistant. Be concise, accurate, and direct. "+
		"Admit when you do not know something rather than inventing an answer.", name)
}

const onboardingBlock = `## First conversation
This is your first conversation with this user. Introduce yourself briefly, ask what they would like help with, and pay attention to preferences worth remembering.`

const askDontGuessHint = `## Important
You appear to be missing information the user expects you to have. Ask clarifying questions instead of guessing.`
