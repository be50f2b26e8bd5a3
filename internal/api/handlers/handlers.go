// Package handlers implements the HTTP handlers for the Parley gateway.
// All handlers are workspace-scoped through the middleware context and use
// the Store interface, so they work identically against the in-memory and
// database-backed implementations.
package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/parley-ai/parley/internal/api/middleware"
	"github.com/parley-ai/parley/internal/knowledge"
	"github.com/parley-ai/parley/internal/orchestrator"
	"github.com/parley-ai/parley/internal/routing"
	"github.com/parley-ai/parley/internal/store"
	"github.com/parley-ai/parley/pkg/models"
)

// Handlers holds all handler dependencies. Indexer and Embed are optional;
// when set, new knowledge entries are embedded and indexed for semantic
// search.
type Handlers struct {
	Store   store.Store
	Orch    *orchestrator.Orchestrator
	Indexer knowledge.Indexer
	Embed   knowledge.EmbedFunc
	Version string
}

// New creates a new Handlers instance.
func New(s store.Store, orch *orchestrator.Orchestrator, version string) *Handlers {
	return &Handlers{
		Store:   s,
		Orch:    orch,
		Version: version,
	}
}

// ══════════════════════════════════════════════════════════════
// ── Chat Handlers ────────────────────────────────────────────
// ══════════════════════════════════════════════════════════════

// ChatRequest is the inbound body for both chat endpoints.
type ChatRequest struct {
	SessionID      string               `json:"session_id,omitempty"`
	AgentID        string               `json:"agent_id,omitempty"`
	ChannelID      string               `json:"channel_id,omitempty"`
	ExternalUserID string               `json:"external_user_id,omitempty"`
	Message        string               `json:"message"`
	Capability     models.Capability    `json:"capability,omitempty"`
	Override       *models.RouteTarget  `json:"override,omitempty"`
	Budget         *models.BudgetSignal `json:"budget,omitempty"`
}

func (h *Handlers) orchRequest(r *http.Request, req ChatRequest) orchestrator.Request {
	channelID := req.ChannelID
	if channelID == "" {
		channelID = "api"
	}
	return orchestrator.Request{
		Workspace:      middleware.GetWorkspace(r.Context()),
		ChannelID:      channelID,
		ExternalUserID: req.ExternalUserID,
		SessionID:      req.SessionID,
		AgentID:        req.AgentID,
		Message:        req.Message,
		Capability:     req.Capability,
		Override:       req.Override,
		Budget:         req.Budget,
	}
}

// POST /api/v1/chat
func (h *Handlers) Chat(w http.ResponseWriter, r *http.Request) {
	var req ChatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if req.Message == "" {
		respondError(w, http.StatusBadRequest, "message is required")
		return
	}

	result, err := h.Orch.Process(r.Context(), h.orchRequest(r, req), nil)
	if err != nil {
		h.respondChatError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, result)
}

// POST /api/v1/chat/stream
func (h *Handlers) ChatStream(w http.ResponseWriter, r *http.Request) {
	var req ChatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if req.Message == "" {
		respondError(w, http.StatusBadRequest, "message is required")
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		respondError(w, http.StatusInternalServerError, "Streaming not supported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	emit := func(event models.StreamEvent) {
		data, _ := json.Marshal(event)
		if _, err := fmt.Fprintf(w, "data: %s\n\n", data); err != nil {
			return
		}
		flusher.Flush()
	}

	if _, err := h.Orch.Process(r.Context(), h.orchRequest(r, req), emit); err != nil {
		log.Warn().Err(err).Msg("chat stream failed")
		emit(models.StreamEvent{Type: models.StreamError, Error: err.Error()})
	}
}

func (h *Handlers) respondChatError(w http.ResponseWriter, err error) {
	var rateErr *orchestrator.RateLimitedError
	switch {
	case errors.As(err, &rateErr):
		w.Header().Set("Retry-After", strconv.Itoa(rateErr.RetryAfter))
		respondJSON(w, http.StatusTooManyRequests, map[string]interface{}{
			"error":       "rate_limited",
			"retry_after": rateErr.RetryAfter,
		})
	case errors.Is(err, orchestrator.ErrDuplicate):
		// Duplicate sends are suppressed, not surfaced as failures.
		respondJSON(w, http.StatusOK, map[string]bool{"deduplicated": true})
	case errors.Is(err, routing.ErrNoAPIKey), errors.Is(err, routing.ErrModelNotFound):
		respondError(w, http.StatusUnprocessableEntity, err.Error())
	default:
		respondError(w, http.StatusInternalServerError, err.Error())
	}
}

// GET /api/v1/sessions/{id}/run
func (h *Handlers) GetRun(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "id")
	run, err := h.Store.GetRun(r.Context(), sessionID)
	if err != nil {
		if store.IsNotFound(err) {
			respondError(w, http.StatusNotFound, "No active run for session")
			return
		}
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, run)
}

// ══════════════════════════════════════════════════════════════
// ── Session Handlers ─────────────────────────────────────────
// ══════════════════════════════════════════════════════════════

// GET /api/v1/sessions/{id}
func (h *Handlers) GetSession(w http.ResponseWriter, r *http.Request) {
	session, err := h.Store.GetSession(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		if store.IsNotFound(err) {
			respondError(w, http.StatusNotFound, "Session not found")
			return
		}
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, session)
}

// DELETE /api/v1/sessions/{id}
func (h *Handlers) DeleteSession(w http.ResponseWriter, r *http.Request) {
	if err := h.Store.DeleteSession(r.Context(), chi.URLParam(r, "id")); err != nil {
		if store.IsNotFound(err) {
			respondError(w, http.StatusNotFound, "Session not found")
			return
		}
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// GET /api/v1/sessions/{id}/messages?limit=50
func (h *Handlers) ListSessionMessages(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}
	messages, err := h.Store.ListRecentMessages(r.Context(), chi.URLParam(r, "id"), limit)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if messages == nil {
		messages = []models.Message{}
	}
	respondJSON(w, http.StatusOK, messages)
}

// GET /api/v1/sessions/{id}/conversations
func (h *Handlers) ListSessionConversations(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "id")

	out := []models.Conversation{}
	if active, err := h.Store.GetActiveConversation(r.Context(), sessionID); err == nil {
		out = append(out, *active)
	} else if !store.IsNotFound(err) {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}

	closed, err := h.Store.ListClosedConversations(r.Context(), sessionID, 50)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	out = append(out, closed...)
	respondJSON(w, http.StatusOK, out)
}

// ══════════════════════════════════════════════════════════════
// ── Agent Handlers ───────────────────────────────────────────
// ══════════════════════════════════════════════════════════════

func (h *Handlers) ListAgents(w http.ResponseWriter, r *http.Request) {
	workspace := middleware.GetWorkspace(r.Context())
	agents, err := h.Store.ListAgents(r.Context(), workspace)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if agents == nil {
		agents = []models.Agent{}
	}
	respondJSON(w, http.StatusOK, agents)
}

func (h *Handlers) GetAgent(w http.ResponseWriter, r *http.Request) {
	agent, err := h.Store.GetAgent(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		if store.IsNotFound(err) {
			respondError(w, http.StatusNotFound, "Agent not found")
			return
		}
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, agent)
}

func (h *Handlers) CreateAgent(w http.ResponseWriter, r *http.Request) {
	var agent models.Agent
	if err := json.NewDecoder(r.Body).Decode(&agent); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if agent.Name == "" {
		respondError(w, http.StatusBadRequest, "name is required")
		return
	}

	agent.ID = uuid.New().String()
	agent.Workspace = middleware.GetWorkspace(r.Context())
	agent.CreatedAt = time.Now()
	agent.UpdatedAt = agent.CreatedAt

	if err := h.Store.CreateAgent(r.Context(), &agent); err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, http.StatusCreated, agent)
}

func (h *Handlers) UpdateAgent(w http.ResponseWriter, r *http.Request) {
	existing, err := h.Store.GetAgent(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		if store.IsNotFound(err) {
			respondError(w, http.StatusNotFound, "Agent not found")
			return
		}
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}

	var agent models.Agent
	if err := json.NewDecoder(r.Body).Decode(&agent); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	agent.ID = existing.ID
	agent.Workspace = existing.Workspace
	agent.CreatedAt = existing.CreatedAt
	agent.UpdatedAt = time.Now()

	if err := h.Store.UpdateAgent(r.Context(), &agent); err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, agent)
}

// ══════════════════════════════════════════════════════════════
// ── Workspace Settings Handlers ──────────────────────────────
// ══════════════════════════════════════════════════════════════

func (h *Handlers) GetWorkspaceSettings(w http.ResponseWriter, r *http.Request) {
	workspace := middleware.GetWorkspace(r.Context())
	settings, err := h.Store.GetWorkspaceSettings(r.Context(), workspace)
	if err != nil {
		if store.IsNotFound(err) {
			respondJSON(w, http.StatusOK, models.WorkspaceSettings{Workspace: workspace})
			return
		}
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, settings)
}

func (h *Handlers) PutWorkspaceSettings(w http.ResponseWriter, r *http.Request) {
	var settings models.WorkspaceSettings
	if err := json.NewDecoder(r.Body).Decode(&settings); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	settings.Workspace = middleware.GetWorkspace(r.Context())
	settings.UpdatedAt = time.Now()

	if err := h.Store.UpsertWorkspaceSettings(r.Context(), &settings); err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, settings)
}

// ══════════════════════════════════════════════════════════════
// ── Knowledge Handlers ───────────────────────────────────────
// ══════════════════════════════════════════════════════════════

// GET /api/v1/knowledge?agent_id=...
func (h *Handlers) ListKnowledge(w http.ResponseWriter, r *http.Request) {
	workspace := middleware.GetWorkspace(r.Context())
	entries, err := h.Store.ListKnowledge(r.Context(), workspace, r.URL.Query().Get("agent_id"))
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if entries == nil {
		entries = []models.KnowledgeEntry{}
	}
	respondJSON(w, http.StatusOK, entries)
}

func (h *Handlers) CreateKnowledge(w http.ResponseWriter, r *http.Request) {
	var entry models.KnowledgeEntry
	if err := json.NewDecoder(r.Body).Decode(&entry); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if entry.Key == "" || entry.Value == "" {
		respondError(w, http.StatusBadRequest, "key and value are required")
		return
	}
	if entry.Category == "" {
		entry.Category = "general"
	}

	entry.ID = uuid.New().String()
	entry.Workspace = middleware.GetWorkspace(r.Context())
	entry.CreatedAt = time.Now()

	if err := h.Store.CreateKnowledge(r.Context(), &entry); err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	h.indexKnowledge(r.Context(), entry)
	respondJSON(w, http.StatusCreated, entry)
}

// indexKnowledge embeds a new entry and upserts it into the vector index.
// Best-effort: entries that miss the index are still reachable through
// keyword scoring.
func (h *Handlers) indexKnowledge(ctx context.Context, entry models.KnowledgeEntry) {
	if h.Indexer == nil || h.Embed == nil {
		return
	}
	vector, err := h.Embed(ctx, entry.Key+": "+entry.Value)
	if err != nil {
		log.Warn().Err(err).Str("id", entry.ID).Msg("knowledge embed failed")
		return
	}
	entry.Embedding = vector
	if err := h.Indexer.Index(ctx, []models.KnowledgeEntry{entry}); err != nil {
		log.Warn().Err(err).Str("id", entry.ID).Msg("knowledge index failed")
	}
}

func (h *Handlers) DeleteKnowledge(w http.ResponseWriter, r *http.Request) {
	if err := h.Store.DeleteKnowledge(r.Context(), chi.URLParam(r, "id")); err != nil {
		if store.IsNotFound(err) {
			respondError(w, http.StatusNotFound, "Knowledge entry not found")
			return
		}
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ══════════════════════════════════════════════════════════════
// ── Provider Profile Handlers ────────────────────────────────
// ══════════════════════════════════════════════════════════════

func (h *Handlers) ListProviderProfiles(w http.ResponseWriter, r *http.Request) {
	workspace := middleware.GetWorkspace(r.Context())
	profiles, err := h.Store.ListProviderProfiles(r.Context(), workspace)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	masked := make([]models.ProviderProfile, 0, len(profiles))
	for i := range profiles {
		masked = append(masked, *maskProfileSecrets(&profiles[i]))
	}
	respondJSON(w, http.StatusOK, masked)
}

func (h *Handlers) CreateProviderProfile(w http.ResponseWriter, r *http.Request) {
	var profile models.ProviderProfile
	if err := json.NewDecoder(r.Body).Decode(&profile); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if profile.Provider == "" {
		respondError(w, http.StatusBadRequest, "provider is required")
		return
	}

	profile.ID = uuid.New().String()
	profile.Workspace = middleware.GetWorkspace(r.Context())
	profile.CreatedAt = time.Now()

	if err := h.Store.CreateProviderProfile(r.Context(), &profile); err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, http.StatusCreated, maskProfileSecrets(&profile))
}

func (h *Handlers) UpdateProviderProfile(w http.ResponseWriter, r *http.Request) {
	existing, err := h.Store.GetProviderProfile(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		if store.IsNotFound(err) {
			respondError(w, http.StatusNotFound, "Provider profile not found")
			return
		}
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}

	var profile models.ProviderProfile
	if err := json.NewDecoder(r.Body).Decode(&profile); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	profile.ID = existing.ID
	profile.Workspace = existing.Workspace
	profile.CreatedAt = existing.CreatedAt
	// Empty secrets on update keep the stored values so the masked
	// representation can round-trip through an edit form.
	if profile.APIKey == "" {
		profile.APIKey = existing.APIKey
	}
	if profile.OAuthBlob == "" {
		profile.OAuthBlob = existing.OAuthBlob
	}

	if err := h.Store.UpdateProviderProfile(r.Context(), &profile); err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, maskProfileSecrets(&profile))
}

func (h *Handlers) DeleteProviderProfile(w http.ResponseWriter, r *http.Request) {
	if err := h.Store.DeleteProviderProfile(r.Context(), chi.URLParam(r, "id")); err != nil {
		if store.IsNotFound(err) {
			respondError(w, http.StatusNotFound, "Provider profile not found")
			return
		}
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// GET /api/v1/provider/config
func (h *Handlers) GetLegacyProviderConfig(w http.ResponseWriter, r *http.Request) {
	workspace := middleware.GetWorkspace(r.Context())
	cfg, err := h.Store.GetLegacyProviderConfig(r.Context(), workspace)
	if err != nil {
		if store.IsNotFound(err) {
			respondJSON(w, http.StatusOK, models.LegacyProviderConfig{})
			return
		}
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	masked := *cfg
	if masked.APIKey != "" {
		masked.APIKey = maskedSecret
	}
	respondJSON(w, http.StatusOK, masked)
}

// PUT /api/v1/provider/config
func (h *Handlers) SetLegacyProviderConfig(w http.ResponseWriter, r *http.Request) {
	var cfg models.LegacyProviderConfig
	if err := json.NewDecoder(r.Body).Decode(&cfg); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	workspace := middleware.GetWorkspace(r.Context())
	if err := h.Store.SetLegacyProviderConfig(r.Context(), workspace, &cfg); err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ══════════════════════════════════════════════════════════════
// ── Routing Config Handlers ──────────────────────────────────
// ══════════════════════════════════════════════════════════════

func (h *Handlers) ListCapabilityRoutes(w http.ResponseWriter, r *http.Request) {
	workspace := middleware.GetWorkspace(r.Context())
	routes, err := h.Store.ListCapabilityRoutes(r.Context(), workspace)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if routes == nil {
		routes = []models.CapabilityRoute{}
	}
	respondJSON(w, http.StatusOK, routes)
}

func (h *Handlers) UpsertCapabilityRoute(w http.ResponseWriter, r *http.Request) {
	var route models.CapabilityRoute
	if err := json.NewDecoder(r.Body).Decode(&route); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if route.Capability == "" {
		respondError(w, http.StatusBadRequest, "capability is required")
		return
	}
	route.Workspace = middleware.GetWorkspace(r.Context())

	if err := h.Store.UpsertCapabilityRoute(r.Context(), &route); err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, route)
}

func (h *Handlers) DeleteCapabilityRoute(w http.ResponseWriter, r *http.Request) {
	workspace := middleware.GetWorkspace(r.Context())
	capability := models.Capability(chi.URLParam(r, "capability"))
	if err := h.Store.DeleteCapabilityRoute(r.Context(), workspace, capability); err != nil {
		if store.IsNotFound(err) {
			respondError(w, http.StatusNotFound, "Capability route not found")
			return
		}
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handlers) ListRoutingRules(w http.ResponseWriter, r *http.Request) {
	workspace := middleware.GetWorkspace(r.Context())
	rules, err := h.Store.ListRoutingRules(r.Context(), workspace)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if rules == nil {
		rules = []models.RoutingRule{}
	}
	respondJSON(w, http.StatusOK, rules)
}

func (h *Handlers) CreateRoutingRule(w http.ResponseWriter, r *http.Request) {
	var rule models.RoutingRule
	if err := json.NewDecoder(r.Body).Decode(&rule); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	rule.ID = uuid.New().String()
	rule.Workspace = middleware.GetWorkspace(r.Context())

	if err := h.Store.CreateRoutingRule(r.Context(), &rule); err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, http.StatusCreated, rule)
}

func (h *Handlers) DeleteRoutingRule(w http.ResponseWriter, r *http.Request) {
	if err := h.Store.DeleteRoutingRule(r.Context(), chi.URLParam(r, "id")); err != nil {
		if store.IsNotFound(err) {
			respondError(w, http.StatusNotFound, "Routing rule not found")
			return
		}
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handlers) GetModelConstraints(w http.ResponseWriter, r *http.Request) {
	workspace := middleware.GetWorkspace(r.Context())
	constraints, err := h.Store.GetModelConstraints(r.Context(), workspace)
	if err != nil {
		if store.IsNotFound(err) {
			respondJSON(w, http.StatusOK, models.ModelConstraints{})
			return
		}
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, constraints)
}

func (h *Handlers) SetModelConstraints(w http.ResponseWriter, r *http.Request) {
	var constraints models.ModelConstraints
	if err := json.NewDecoder(r.Body).Decode(&constraints); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	workspace := middleware.GetWorkspace(r.Context())
	if err := h.Store.SetModelConstraints(r.Context(), workspace, &constraints); err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, constraints)
}

// ══════════════════════════════════════════════════════════════
// ── Usage Handlers ───────────────────────────────────────────
// ══════════════════════════════════════════════════════════════

// GET /api/v1/usage?limit=100
func (h *Handlers) ListUsage(w http.ResponseWriter, r *http.Request) {
	workspace := middleware.GetWorkspace(r.Context())
	limit := 100
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}
	records, err := h.Store.ListUsage(r.Context(), workspace, limit)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if records == nil {
		records = []models.UsageRecord{}
	}
	respondJSON(w, http.StatusOK, records)
}

// ══════════════════════════════════════════════════════════════
// ── Helpers ──────────────────────────────────────────────────
// ══════════════════════════════════════════════════════════════

func respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{"error": message})
}

const maskedSecret = "********"

// maskProfileSecrets redacts credentials before returning a profile to API
// consumers. Returns a copy; the stored profile is untouched.
func maskProfileSecrets(p *models.ProviderProfile) *models.ProviderProfile {
	masked := *p
	if masked.APIKey != "" {
		masked.APIKey = maskedSecret
	}
	if masked.OAuthBlob != "" {
		masked.OAuthBlob = maskedSecret
	}
	return &masked
}
