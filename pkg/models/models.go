// Package models defines the persisted and wire-level types shared across
// the Parley gateway: sessions, messages, conversation segments, provider
// configuration, and the streaming event envelope returned to callers.
package models

import (
	"time"
)

// ── Session ──────────────────────────────────────────────────

// Session is one logical end-user thread on one channel. Created on first
// contact from a channel adapter; never deleted except by explicit user
// action.
type Session struct {
	ID             string    `json:"id"`
	Workspace      string    `json:"workspace"`
	AgentID        string    `json:"agent_id"`
	ChannelID      string    `json:"channel_id"`
	ExternalUserID string    `json:"external_user_id,omitempty"`
	MessageCount   int64     `json:"message_count"`
	LastActivityAt time.Time `json:"last_activity_at"`
	CreatedAt      time.Time `json:"created_at"`

	// Per-session context overrides. Zero values fall back to the
	// escalation-level defaults in the assembler.
	ContextWindowSize int `json:"context_window_size,omitempty"`
	ContextTokenLimit int `json:"context_token_limit,omitempty"`
}

// ── Message ──────────────────────────────────────────────────

// Message is immutable once written. Seq is assigned by the store at write
// time and is strictly increasing within a session.
type Message struct {
	ID             string      `json:"id"`
	SessionID      string      `json:"session_id"`
	Role           string      `json:"role"` // "user", "assistant", "system"
	Content        string      `json:"content"`
	Seq            int64       `json:"seq"`
	ConversationID string      `json:"conversation_id,omitempty"`
	Usage          *TokenUsage `json:"usage,omitempty"`
	CostUSD        float64     `json:"cost_usd,omitempty"`
	Model          string      `json:"model,omitempty"`
	LatencyMs      int64       `json:"latency_ms,omitempty"`
	CreatedAt      time.Time   `json:"created_at"`
}

// TokenUsage is the input/output token count reported by a provider.
type TokenUsage struct {
	Input  int64 `json:"input"`
	Output int64 `json:"output"`
}

// Add accumulates another usage total into u.
func (u *TokenUsage) Add(other TokenUsage) {
	u.Input += other.Input
	u.Output += other.Output
}

// ── Conversation (segment) ───────────────────────────────────

type ConversationStatus string

const (
	ConversationActive ConversationStatus = "active"
	ConversationClosed ConversationStatus = "closed"
)

// Conversation is a topic-scoped slice of a session's message stream.
// Segments form a singly backward-linked chain via PreviousConvoID.
// Invariants: at most one active segment per session; EndSeq only
// increases; Close is terminal.
type Conversation struct {
	ID              string             `json:"id"`
	SessionID       string             `json:"session_id"`
	Status          ConversationStatus `json:"status"`
	StartSeq        int64              `json:"start_seq"`
	EndSeq          int64              `json:"end_seq"`
	PreviousConvoID string             `json:"previous_convo_id,omitempty"`
	Depth           int                `json:"depth"`
	MessageCount    int64              `json:"message_count"`
	EscalationLevel int                `json:"escalation_level"` // 0–3, widens context breadth
	ProjectID       string             `json:"project_id,omitempty"`
	Artifacts       []Artifact         `json:"artifacts,omitempty"`

	// Populated asynchronously on close.
	Summary      string   `json:"summary,omitempty"`
	Topics       []string `json:"topics,omitempty"`
	Decisions    []string `json:"decisions,omitempty"`
	StateUpdates []string `json:"state_updates,omitempty"`

	LastMessageAt time.Time  `json:"last_message_at"`
	CreatedAt     time.Time  `json:"created_at"`
	ClosedAt      *time.Time `json:"closed_at,omitempty"`
}

// Artifact is a file attached to a conversation segment (upload, generated
// image). Listed in the assembled context so the model fetches it instead of
// asking the user.
type Artifact struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	MimeType string `json:"mime_type,omitempty"`
	URI      string `json:"uri,omitempty"`
}

// ── ActiveRun ────────────────────────────────────────────────

type RunStatus string

const (
	RunThinking  RunStatus = "thinking"
	RunStreaming RunStatus = "streaming"
	RunComplete  RunStatus = "complete"
	RunError     RunStatus = "error"
)

// ActiveRun is the ephemeral per-session processing record kept while the
// orchestrator works a request. Keyed by session ID; most recent wins for
// display purposes. A stale run is abandoned if a new one starts.
type ActiveRun struct {
	SessionID   string    `json:"session_id"`
	Status      RunStatus `json:"status"`
	Model       string    `json:"model,omitempty"`
	PartialText string    `json:"partial_text,omitempty"`
	Error       string    `json:"error,omitempty"`
	StartedAt   time.Time `json:"started_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// ── Agent & Workspace ────────────────────────────────────────

// Agent holds the persona configuration the assembler layers into the
// system prompt. PinnedModel, when set, overrides capability routing.
type Agent struct {
	ID            string    `json:"id"`
	Workspace     string    `json:"workspace"`
	Name          string    `json:"name"`
	Persona       string    `json:"persona,omitempty"`       // base persona/template
	SoulIdentity  string    `json:"soul_identity,omitempty"` // identity block layered after persona
	ResponseStyle string    `json:"response_style,omitempty"`
	Insights      []string  `json:"insights,omitempty"` // evolved-understanding notes
	PinnedModel   string    `json:"pinned_model,omitempty"`
	SkipOnboard   bool      `json:"skip_onboard,omitempty"` // disable first-run onboarding injection
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// WorkspaceSettings carries per-tenant identity config injected into every
// system prompt built for agents of that workspace.
type WorkspaceSettings struct {
	Workspace      string    `json:"workspace"`
	IdentityConfig string    `json:"identity_config,omitempty"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// ── Knowledge ────────────────────────────────────────────────

// KnowledgeCategoryIdentity entries bypass relevance scoring entirely.
const KnowledgeCategoryIdentity = "identity"

// KnowledgeEntry is a category/key/value fact. Embedding is optional; when
// absent relevance falls back to keyword overlap.
type KnowledgeEntry struct {
	ID        string    `json:"id"`
	Workspace string    `json:"workspace"`
	AgentID   string    `json:"agent_id,omitempty"`
	Category  string    `json:"category"`
	Key       string    `json:"key"`
	Value     string    `json:"value"`
	Embedding []float64 `json:"embedding,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// ── Provider configuration ───────────────────────────────────

// Capability is a logical task category used to pick a model independent of
// the literal provider.
type Capability string

const (
	CapabilityChat     Capability = "chat"
	CapabilityToolUse  Capability = "tool_use"
	CapabilitySummary  Capability = "summary"
	CapabilityCode     Capability = "code"
	CapabilityAnalysis Capability = "analysis"
)

// ProviderProfile is a named credential/model bundle. Zero or more profiles
// plus one legacy flat provider config (synthesized into a pseudo-profile)
// feed the resolver's default layer.
type ProviderProfile struct {
	ID           string    `json:"id"`
	Workspace    string    `json:"workspace"`
	Name         string    `json:"name"`
	Provider     string    `json:"provider"` // "anthropic", "openai", "ollama", ...
	DefaultModel string    `json:"default_model,omitempty"`
	AuthMethod   string    `json:"auth_method,omitempty"` // "api_key" (default) or "oauth"
	APIKey       string    `json:"api_key,omitempty"`
	OAuthBlob    string    `json:"oauth_blob,omitempty"` // JSON-encoded stored OAuth credentials
	BaseURL      string    `json:"base_url,omitempty"`
	AccountID    string    `json:"account_id,omitempty"`
	ProjectID    string    `json:"project_id,omitempty"`
	Location     string    `json:"location,omitempty"`
	Enabled      bool      `json:"enabled"`
	IsDefault    bool      `json:"is_default"`
	CreatedAt    time.Time `json:"created_at"`
}

// LegacyProviderConfig is the single flat provider config kept for
// backward compatibility. The resolver treats it as a virtual extra profile
// at the lowest profile precedence.
type LegacyProviderConfig struct {
	Provider string `json:"provider,omitempty"`
	Model    string `json:"model,omitempty"`
	APIKey   string `json:"api_key,omitempty"`
	BaseURL  string `json:"base_url,omitempty"`
}

// CapabilityRoute maps a capability name to an override. Any field may be
// empty; resolution falls through the precedence chain per field.
type CapabilityRoute struct {
	Capability        Capability `json:"capability"`
	Workspace         string     `json:"workspace"`
	ProviderProfileID string     `json:"provider_profile_id,omitempty"`
	Provider          string     `json:"provider,omitempty"`
	Model             string     `json:"model,omitempty"`
}

// RoutingRule is a content-matched custom route. Rules are evaluated in
// descending priority; the first whose condition matches the literal
// message wins.
type RoutingRule struct {
	ID        string        `json:"id"`
	Workspace string        `json:"workspace"`
	Priority  int           `json:"priority"`
	Condition RuleCondition `json:"condition"`
	Target    RouteTarget   `json:"target"`
	Enabled   bool          `json:"enabled"`
}

// RuleCondition matches a literal message. All set fields must match.
type RuleCondition struct {
	MinLength    int      `json:"min_length,omitempty"`
	MaxLength    int      `json:"max_length,omitempty"`
	ContainsCode bool     `json:"contains_code,omitempty"`
	Keywords     []string `json:"keywords,omitempty"`
}

// RouteTarget is the model override a matching rule applies.
type RouteTarget struct {
	ProviderProfileID string `json:"provider_profile_id,omitempty"`
	Provider          string `json:"provider,omitempty"`
	Model             string `json:"model,omitempty"`
}

// ModelConstraints restricts resolved models. Aliases are applied by
// exact-name substitution before the allowlist check; a candidate not on a
// non-empty allowlist is replaced by the first allowlisted entry.
type ModelConstraints struct {
	Aliases   map[string]string `json:"aliases,omitempty"`
	Allowlist []string          `json:"allowlist,omitempty"`
}

// Resolution is a fully resolved (provider, model, credentials) tuple.
type Resolution struct {
	Provider   string `json:"provider"`
	Model      string `json:"model"`
	APIKey     string `json:"api_key,omitempty"`
	AuthMethod string `json:"auth_method,omitempty"`
	BaseURL    string `json:"base_url,omitempty"`
	AccountID  string `json:"account_id,omitempty"`
	ProjectID  string `json:"project_id,omitempty"`
	Location   string `json:"location,omitempty"`
	ProfileID  string `json:"profile_id,omitempty"`
}

// BudgetSignal is the caller-precomputed spend-pressure input to routing.
// When Allowed is false the orchestrator short-circuits with a structured
// blocked result before any model call.
type BudgetSignal struct {
	Allowed        bool   `json:"allowed"`
	Reason         string `json:"reason,omitempty"`
	SuggestedModel string `json:"suggested_model,omitempty"`
}

// ── Chat turns (provider context) ────────────────────────────

// ChatMessage is one {role, content} pair sent to a provider.
type ChatMessage struct {
	Role        string       `json:"role"`
	Content     string       `json:"content"`
	ToolCalls   []ToolCall   `json:"tool_calls,omitempty"`   // assistant turns issuing calls
	ToolResults []ToolResult `json:"tool_results,omitempty"` // toolResult turns
}

// ToolCall is a tool invocation requested by the model.
type ToolCall struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Arguments string `json:"arguments"` // raw JSON
}

// ToolResult is the outcome of executing one tool call. IsError results are
// fed back to the model, which may retry or explain.
type ToolResult struct {
	ToolCallID string `json:"tool_call_id"`
	ToolName   string `json:"tool_name"`
	Content    string `json:"content"`
	IsError    bool   `json:"is_error"`
}

// ── Usage recording ──────────────────────────────────────────

// UsageRecord is written per completed run for an external billing reader.
type UsageRecord struct {
	ID        string     `json:"id"`
	Workspace string     `json:"workspace"`
	SessionID string     `json:"session_id"`
	Model     string     `json:"model"`
	Usage     TokenUsage `json:"usage"`
	CostUSD   float64    `json:"cost_usd"`
	CreatedAt time.Time  `json:"created_at"`
}

// ── Caller-facing stream events ──────────────────────────────

type StreamEventType string

const (
	StreamToken   StreamEventType = "token"
	StreamToolUse StreamEventType = "tool_use"
	StreamDone    StreamEventType = "done"
	StreamError   StreamEventType = "error"
)

// StreamEvent is the typed envelope emitted to streaming callers (SSE,
// websocket, telegram edit loop).
type StreamEvent struct {
	Type      StreamEventType `json:"type"`
	Text      string          `json:"text,omitempty"`  // token: incremental delta
	Tools     []string        `json:"tools,omitempty"` // tool_use: names being invoked
	Response  string          `json:"response,omitempty"`
	SessionID string          `json:"session_id,omitempty"`
	Model     string          `json:"model,omitempty"`
	Usage     *TokenUsage     `json:"usage,omitempty"`
	Error     string          `json:"error,omitempty"`
}

// ChatResult is the single synchronous result for non-streaming callers.
type ChatResult struct {
	Response  string     `json:"response"`
	SessionID string     `json:"session_id"`
	Model     string     `json:"model"`
	Tokens    TokenUsage `json:"tokens"`
	LatencyMs int64      `json:"latency_ms"`
	Blocked   bool       `json:"blocked,omitempty"` // budget short-circuit
}
