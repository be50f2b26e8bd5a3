// Package store provides the document-store interface and implementations
// for the Parley gateway. Each call is atomic on its own entity; no
// multi-entity transactions are assumed by callers.
package store

import (
	"context"

	"github.com/parley-ai/parley/pkg/models"
)

// Store is the primary storage interface for the gateway. The pipeline
// depends on this interface, making it easy to swap between in-memory
// (tests, local dev) and a database-backed implementation.
type Store interface {
	SessionStore
	MessageStore
	ConversationStore
	RunStore
	AgentStore
	KnowledgeStore
	ProviderConfigStore
	UsageStore

	// Ping checks if the backing store is reachable.
	Ping(ctx context.Context) error

	// Close releases all resources held by the store.
	Close() error
}

// ── Session Store ───────────────────────────────────────────

type SessionStore interface {
	GetSession(ctx context.Context, id string) (*models.Session, error)

	// FindSession locates the session for a (workspace, channel, external
	// user) triple; channel adapters call this before creating a new one.
	FindSession(ctx context.Context, workspace, channelID, externalUserID string) (*models.Session, error)

	CreateSession(ctx context.Context, session *models.Session) error
	UpdateSession(ctx context.Context, session *models.Session) error
	DeleteSession(ctx context.Context, id string) error
}

// ── Message Store ───────────────────────────────────────────

type MessageStore interface {
	// AppendMessage persists the message, assigning a strictly increasing
	// Seq within its session and bumping the session's message count.
	// Ordering is guaranteed by the store even under concurrent writers.
	AppendMessage(ctx context.Context, msg *models.Message) error

	// ListRecentMessages returns the most recent limit messages for a
	// session, oldest first.
	ListRecentMessages(ctx context.Context, sessionID string, limit int) ([]models.Message, error)

	// ListMessagesBySeq returns messages with startSeq <= Seq <= endSeq,
	// oldest first, capped at limit (0 = no cap).
	ListMessagesBySeq(ctx context.Context, sessionID string, startSeq, endSeq int64, limit int) ([]models.Message, error)

	// RelabelMessageConversation patches the conversation reference of a
	// single message. Used when a tool requests a mid-conversation segment
	// switch and the triggering user message must move to the new segment.
	RelabelMessageConversation(ctx context.Context, messageID, conversationID string) error
}

// ── Conversation Store ──────────────────────────────────────

type ConversationStore interface {
	GetConversation(ctx context.Context, id string) (*models.Conversation, error)

	// GetActiveConversation returns the single active segment for a
	// session, or *ErrNotFound when none exists.
	GetActiveConversation(ctx context.Context, sessionID string) (*models.Conversation, error)

	CreateConversation(ctx context.Context, convo *models.Conversation) error
	UpdateConversation(ctx context.Context, convo *models.Conversation) error

	// ListClosedConversations returns closed segments for a session,
	// most recently closed first.
	ListClosedConversations(ctx context.Context, sessionID string, limit int) ([]models.Conversation, error)
}

// ── Active Run Store ────────────────────────────────────────

// RunStore tracks the ephemeral per-session processing record. PutRun is an
// upsert: a new run for a session replaces the stale one (most recent wins).
type RunStore interface {
	GetRun(ctx context.Context, sessionID string) (*models.ActiveRun, error)
	PutRun(ctx context.Context, run *models.ActiveRun) error
	DeleteRun(ctx context.Context, sessionID string) error
}

// ── Agent Store ─────────────────────────────────────────────

type AgentStore interface {
	GetAgent(ctx context.Context, id string) (*models.Agent, error)
	CreateAgent(ctx context.Context, agent *models.Agent) error
	UpdateAgent(ctx context.Context, agent *models.Agent) error
	ListAgents(ctx context.Context, workspace string) ([]models.Agent, error)

	GetWorkspaceSettings(ctx context.Context, workspace string) (*models.WorkspaceSettings, error)
	UpsertWorkspaceSettings(ctx context.Context, settings *models.WorkspaceSettings) error
}

// ── Knowledge Store ─────────────────────────────────────────

type KnowledgeStore interface {
	ListKnowledge(ctx context.Context, workspace, agentID string) ([]models.KnowledgeEntry, error)
	CreateKnowledge(ctx context.Context, entry *models.KnowledgeEntry) error
	DeleteKnowledge(ctx context.Context, id string) error
}

// ── Provider Config Store ───────────────────────────────────

// ProviderConfigStore holds routing configuration. The orchestrator reads a
// snapshot per request and never refreshes mid-request; mutation happens
// only through these explicit write operations.
type ProviderConfigStore interface {
	ListProviderProfiles(ctx context.Context, workspace string) ([]models.ProviderProfile, error)
	GetProviderProfile(ctx context.Context, id string) (*models.ProviderProfile, error)
	CreateProviderProfile(ctx context.Context, profile *models.ProviderProfile) error
	UpdateProviderProfile(ctx context.Context, profile *models.ProviderProfile) error
	DeleteProviderProfile(ctx context.Context, id string) error

	GetLegacyProviderConfig(ctx context.Context, workspace string) (*models.LegacyProviderConfig, error)
	SetLegacyProviderConfig(ctx context.Context, workspace string, cfg *models.LegacyProviderConfig) error

	ListCapabilityRoutes(ctx context.Context, workspace string) ([]models.CapabilityRoute, error)
	UpsertCapabilityRoute(ctx context.Context, route *models.CapabilityRoute) error
	DeleteCapabilityRoute(ctx context.Context, workspace string, capability models.Capability) error

	ListRoutingRules(ctx context.Context, workspace string) ([]models.RoutingRule, error)
	CreateRoutingRule(ctx context.Context, rule *models.RoutingRule) error
	DeleteRoutingRule(ctx context.Context, id string) error

	GetModelConstraints(ctx context.Context, workspace string) (*models.ModelConstraints, error)
	SetModelConstraints(ctx context.Context, workspace string, constraints *models.ModelConstraints) error
}

// ── Usage Store ─────────────────────────────────────────────

type UsageStore interface {
	RecordUsage(ctx context.Context, record *models.UsageRecord) error
	ListUsage(ctx context.Context, workspace string, limit int) ([]models.UsageRecord, error)
}

// ── Errors ──────────────────────────────────────────────────

// ErrNotFound is returned when a requested entity does not exist.
type ErrNotFound struct {
	Entity string
	Key    string
}

func (e *ErrNotFound) Error() string {
	return e.Entity + " not found: " + e.Key
}

// IsNotFound reports whether err is a store *ErrNotFound.
func IsNotFound(err error) bool {
	_, ok := err.(*ErrNotFound)
	return ok
}
