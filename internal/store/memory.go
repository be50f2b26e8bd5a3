// In-memory Store implementation.
// Used when no database is configured (local dev, tests). Supports
// file-based snapshot persistence so data survives restarts.
package store

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/parley-ai/parley/pkg/models"
	"github.com/rs/zerolog/log"
)

// snapshot is the JSON-serializable shape written to disk.
type snapshot struct {
	Sessions      map[string]*models.Session              `json:"sessions"`
	Messages      map[string][]*models.Message            `json:"messages"` // key: session ID, ascending seq
	Conversations map[string]*models.Conversation         `json:"conversations"`
	Agents        map[string]*models.Agent                `json:"agents"`
	Workspaces    map[string]*models.WorkspaceSettings    `json:"workspaces"`
	Knowledge     map[string]*models.KnowledgeEntry       `json:"knowledge"`
	Profiles      map[string]*models.ProviderProfile      `json:"profiles"`
	LegacyConfigs map[string]*models.LegacyProviderConfig `json:"legacy_configs"` // key: workspace
	Routes        map[string]*models.CapabilityRoute      `json:"routes"`         // key: workspace:capability
	Rules         map[string]*models.RoutingRule          `json:"rules"`
	Constraints   map[string]*models.ModelConstraints     `json:"constraints"` // key: workspace
	Usage         []*models.UsageRecord                   `json:"usage"`
}

// MemoryStore implements Store with in-memory maps. Active runs are not
// snapshotted; they are ephemeral by definition.
type MemoryStore struct {
	mu            sync.RWMutex
	sessions      map[string]*models.Session
	messages      map[string][]*models.Message // key: session ID, ascending seq
	conversations map[string]*models.Conversation
	runs          map[string]*models.ActiveRun // key: session ID
	agents        map[string]*models.Agent
	workspaces    map[string]*models.WorkspaceSettings
	knowledge     map[string]*models.KnowledgeEntry
	profiles      map[string]*models.ProviderProfile
	legacyConfigs map[string]*models.LegacyProviderConfig
	routes        map[string]*models.CapabilityRoute // key: workspace:capability
	rules         map[string]*models.RoutingRule
	constraints   map[string]*models.ModelConstraints
	usage         []*models.UsageRecord // append-only log

	// Persistence
	snapshotPath string        // empty = no persistence
	saveMu       sync.Mutex    // guards file writes
	saveCh       chan struct{} // debounce channel
	doneCh       chan struct{} // signals background goroutines to stop
	closeOnce    sync.Once

	// Finished runs older than this are evicted by a background sweep.
	runTTL time.Duration
}

// NewMemoryStore creates a new in-memory store. If PARLEY_DATA_DIR is set,
// data is persisted to a JSON file in that directory; set it to "off" to
// disable persistence entirely.
func NewMemoryStore() *MemoryStore {
	runTTL := time.Hour
	if ttlStr := os.Getenv("PARLEY_RUN_TTL"); ttlStr != "" {
		if parsed, err := time.ParseDuration(ttlStr); err == nil {
			runTTL = parsed
		} else {
			log.Warn().Str("value", ttlStr).Msg("Invalid PARLEY_RUN_TTL, using default 1h")
		}
	}

	m := &MemoryStore{
		sessions:      make(map[string]*models.Session),
		messages:      make(map[string][]*models.Message),
		conversations: make(map[string]*models.Conversation),
		runs:          make(map[string]*models.ActiveRun),
		agents:        make(map[string]*models.Agent),
		workspaces:    make(map[string]*models.WorkspaceSettings),
		knowledge:     make(map[string]*models.KnowledgeEntry),
		profiles:      make(map[string]*models.ProviderProfile),
		legacyConfigs: make(map[string]*models.LegacyProviderConfig),
		routes:        make(map[string]*models.CapabilityRoute),
		rules:         make(map[string]*models.RoutingRule),
		constraints:   make(map[string]*models.ModelConstraints),
		usage:         make([]*models.UsageRecord, 0),
		saveCh:        make(chan struct{}, 1),
		doneCh:        make(chan struct{}),
		runTTL:        runTTL,
	}

	dataDir := os.Getenv("PARLEY_DATA_DIR")
	if dataDir != "off" && dataDir != "" {
		m.snapshotPath = filepath.Join(dataDir, "data.json")
		if err := os.MkdirAll(dataDir, 0755); err != nil {
			log.Warn().Err(err).Str("dir", dataDir).Msg("Cannot create data dir, persistence disabled")
			m.snapshotPath = ""
		}
	}

	if m.snapshotPath != "" {
		m.loadSnapshot()
		go m.saveLoop()
	}

	go m.runEvictionLoop()

	log.Info().
		Str("run_ttl", runTTL.String()).
		Str("snapshot", m.snapshotPath).
		Msg("Memory store configured")

	return m
}

// Ping always succeeds for the in-memory store.
func (m *MemoryStore) Ping(_ context.Context) error { return nil }

// Close stops background goroutines and flushes a final snapshot.
func (m *MemoryStore) Close() error {
	m.closeOnce.Do(func() {
		close(m.doneCh)
		if m.snapshotPath != "" {
			m.saveSnapshot()
		}
	})
	return nil
}

// ── Persistence ─────────────────────────────────────────────

// requestSave signals the background goroutine to persist data.
// Non-blocking: coalesces multiple rapid writes into one disk flush.
func (m *MemoryStore) requestSave() {
	if m.snapshotPath == "" {
		return
	}
	select {
	case m.saveCh <- struct{}{}:
	default:
		// Already pending
	}
}

// saveLoop runs in a goroutine, debouncing save requests (max 1 write per 500ms).
func (m *MemoryStore) saveLoop() {
	for {
		select {
		case <-m.doneCh:
			return
		case <-m.saveCh:
			time.Sleep(500 * time.Millisecond) // debounce
			m.saveSnapshot()
		}
	}
}

// runEvictionLoop periodically removes finished runs older than runTTL.
func (m *MemoryStore) runEvictionLoop() {
	ticker := time.NewTicker(10 * time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-m.doneCh:
			return
		case <-ticker.C:
			m.evictStaleRuns()
		}
	}
}

func (m *MemoryStore) evictStaleRuns() {
	cutoff := time.Now().Add(-m.runTTL)

	m.mu.Lock()
	var evicted int
	for id, r := range m.runs {
		if r.Status != models.RunComplete && r.Status != models.RunError {
			continue
		}
		if r.UpdatedAt.Before(cutoff) {
			delete(m.runs, id)
			evicted++
		}
	}
	m.mu.Unlock()

	if evicted > 0 {
		log.Info().Int("evicted", evicted).Str("ttl", m.runTTL.String()).Msg("Evicted stale runs")
	}
}

func (m *MemoryStore) saveSnapshot() {
	m.mu.RLock()
	snap := snapshot{
		Sessions:      m.sessions,
		Messages:      m.messages,
		Conversations: m.conversations,
		Agents:        m.agents,
		Workspaces:    m.workspaces,
		Knowledge:     m.knowledge,
		Profiles:      m.profiles,
		LegacyConfigs: m.legacyConfigs,
		Routes:        m.routes,
		Rules:         m.rules,
		Constraints:   m.constraints,
		Usage:         m.usage,
	}
	data, err := json.MarshalIndent(snap, "", "  ")
	m.mu.RUnlock()

	if err != nil {
		log.Error().Err(err).Msg("Failed to marshal snapshot")
		return
	}

	m.saveMu.Lock()
	defer m.saveMu.Unlock()

	// Write to temp file then rename for atomicity
	tmp := m.snapshotPath + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		log.Error().Err(err).Str("path", tmp).Msg("Failed to write snapshot tmp")
		return
	}
	if err := os.Rename(tmp, m.snapshotPath); err != nil {
		log.Error().Err(err).Str("path", m.snapshotPath).Msg("Failed to rename snapshot")
		return
	}

	log.Debug().Str("path", m.snapshotPath).Msg("Snapshot saved")
}

func (m *MemoryStore) loadSnapshot() {
	data, err := os.ReadFile(m.snapshotPath)
	if err != nil {
		if os.IsNotExist(err) {
			log.Info().Str("path", m.snapshotPath).Msg("No snapshot file found, starting fresh")
			return
		}
		log.Warn().Err(err).Str("path", m.snapshotPath).Msg("Failed to read snapshot")
		return
	}

	var snap snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		log.Error().Err(err).Str("path", m.snapshotPath).Msg("Failed to parse snapshot, starting fresh")
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if snap.Sessions != nil {
		m.sessions = snap.Sessions
	}
	if snap.Messages != nil {
		m.messages = snap.Messages
	}
	if snap.Conversations != nil {
		m.conversations = snap.Conversations
	}
	if snap.Agents != nil {
		m.agents = snap.Agents
	}
	if snap.Workspaces != nil {
		m.workspaces = snap.Workspaces
	}
	if snap.Knowledge != nil {
		m.knowledge = snap.Knowledge
	}
	if snap.Profiles != nil {
		m.profiles = snap.Profiles
	}
	if snap.LegacyConfigs != nil {
		m.legacyConfigs = snap.LegacyConfigs
	}
	if snap.Routes != nil {
		m.routes = snap.Routes
	}
	if snap.Rules != nil {
		m.rules = snap.Rules
	}
	if snap.Constraints != nil {
		m.constraints = snap.Constraints
	}
	if snap.Usage != nil {
		m.usage = snap.Usage
	}

	log.Info().Str("path", m.snapshotPath).Int("sessions", len(m.sessions)).Msg("Snapshot loaded")
}

// ── Sessions ────────────────────────────────────────────────

func (m *MemoryStore) GetSession(_ context.Context, id string) (*models.Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	s, ok := m.sessions[id]
	if !ok {
		return nil, &ErrNotFound{Entity: "session", Key: id}
	}
	cp := *s
	return &cp, nil
}

func (m *MemoryStore) FindSession(_ context.Context, workspace, channelID, externalUserID string) (*models.Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, s := range m.sessions {
		if s.Workspace == workspace && s.ChannelID == channelID && s.ExternalUserID == externalUserID {
			cp := *s
			return &cp, nil
		}
	}
	return nil, &ErrNotFound{Entity: "session", Key: workspace + ":" + channelID + ":" + externalUserID}
}

func (m *MemoryStore) CreateSession(_ context.Context, session *models.Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if session.CreatedAt.IsZero() {
		session.CreatedAt = time.Now().UTC()
	}
	cp := *session
	m.sessions[session.ID] = &cp
	m.requestSave()
	return nil
}

func (m *MemoryStore) UpdateSession(_ context.Context, session *models.Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.sessions[session.ID]; !ok {
		return &ErrNotFound{Entity: "session", Key: session.ID}
	}
	cp := *session
	m.sessions[session.ID] = &cp
	m.requestSave()
	return nil
}

func (m *MemoryStore) DeleteSession(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.sessions[id]; !ok {
		return &ErrNotFound{Entity: "session", Key: id}
	}
	delete(m.sessions, id)
	delete(m.messages, id)
	delete(m.runs, id)
	m.requestSave()
	return nil
}

// ── Messages ────────────────────────────────────────────────

func (m *MemoryStore) AppendMessage(_ context.Context, msg *models.Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	sess, ok := m.sessions[msg.SessionID]
	if !ok {
		return &ErrNotFound{Entity: "session", Key: msg.SessionID}
	}

	// Seq assignment happens under the store lock, which is what makes it
	// strictly increasing even under concurrent writers.
	list := m.messages[msg.SessionID]
	var next int64 = 1
	if n := len(list); n > 0 {
		next = list[n-1].Seq + 1
	}
	msg.Seq = next
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now().UTC()
	}

	cp := *msg
	m.messages[msg.SessionID] = append(list, &cp)

	sess.MessageCount++
	sess.LastActivityAt = cp.CreatedAt

	m.requestSave()
	return nil
}

func (m *MemoryStore) ListRecentMessages(_ context.Context, sessionID string, limit int) ([]models.Message, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	list := m.messages[sessionID]
	start := 0
	if limit > 0 && len(list) > limit {
		start = len(list) - limit
	}

	out := make([]models.Message, 0, len(list)-start)
	for _, msg := range list[start:] {
		out = append(out, *msg)
	}
	return out, nil
}

func (m *MemoryStore) ListMessagesBySeq(_ context.Context, sessionID string, startSeq, endSeq int64, limit int) ([]models.Message, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []models.Message
	for _, msg := range m.messages[sessionID] {
		if msg.Seq < startSeq || (endSeq > 0 && msg.Seq > endSeq) {
			continue
		}
		out = append(out, *msg)
	}
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out, nil
}

func (m *MemoryStore) RelabelMessageConversation(_ context.Context, messageID, conversationID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, list := range m.messages {
		for _, msg := range list {
			if msg.ID == messageID {
				msg.ConversationID = conversationID
				m.requestSave()
				return nil
			}
		}
	}
	return &ErrNotFound{Entity: "message", Key: messageID}
}

// ── Conversations ───────────────────────────────────────────

func (m *MemoryStore) GetConversation(_ context.Context, id string) (*models.Conversation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	c, ok := m.conversations[id]
	if !ok {
		return nil, &ErrNotFound{Entity: "conversation", Key: id}
	}
	cp := *c
	return &cp, nil
}

func (m *MemoryStore) GetActiveConversation(_ context.Context, sessionID string) (*models.Conversation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, c := range m.conversations {
		if c.SessionID == sessionID && c.Status == models.ConversationActive {
			cp := *c
			return &cp, nil
		}
	}
	return nil, &ErrNotFound{Entity: "active conversation", Key: sessionID}
}

func (m *MemoryStore) CreateConversation(_ context.Context, convo *models.Conversation) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if convo.CreatedAt.IsZero() {
		convo.CreatedAt = time.Now().UTC()
	}
	cp := *convo
	m.conversations[convo.ID] = &cp
	m.requestSave()
	return nil
}

func (m *MemoryStore) UpdateConversation(_ context.Context, convo *models.Conversation) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.conversations[convo.ID]; !ok {
		return &ErrNotFound{Entity: "conversation", Key: convo.ID}
	}
	cp := *convo
	m.conversations[convo.ID] = &cp
	m.requestSave()
	return nil
}

func (m *MemoryStore) ListClosedConversations(_ context.Context, sessionID string, limit int) ([]models.Conversation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []models.Conversation
	for _, c := range m.conversations {
		if c.SessionID == sessionID && c.Status == models.ConversationClosed {
			out = append(out, *c)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		ti, tj := out[i].ClosedAt, out[j].ClosedAt
		if ti == nil || tj == nil {
			return tj == nil
		}
		return ti.After(*tj)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// ── Active Runs ─────────────────────────────────────────────

func (m *MemoryStore) GetRun(_ context.Context, sessionID string) (*models.ActiveRun, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	r, ok := m.runs[sessionID]
	if !ok {
		return nil, &ErrNotFound{Entity: "run", Key: sessionID}
	}
	cp := *r
	return &cp, nil
}

func (m *MemoryStore) PutRun(_ context.Context, run *models.ActiveRun) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	run.UpdatedAt = time.Now().UTC()
	cp := *run
	m.runs[run.SessionID] = &cp
	return nil
}

func (m *MemoryStore) DeleteRun(_ context.Context, sessionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.runs, sessionID)
	return nil
}

// ── Agents & Workspaces ─────────────────────────────────────

func (m *MemoryStore) GetAgent(_ context.Context, id string) (*models.Agent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	a, ok := m.agents[id]
	if !ok {
		return nil, &ErrNotFound{Entity: "agent", Key: id}
	}
	cp := *a
	return &cp, nil
}

func (m *MemoryStore) CreateAgent(_ context.Context, agent *models.Agent) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now().UTC()
	if agent.CreatedAt.IsZero() {
		agent.CreatedAt = now
	}
	agent.UpdatedAt = now
	cp := *agent
	m.agents[agent.ID] = &cp
	m.requestSave()
	return nil
}

func (m *MemoryStore) UpdateAgent(_ context.Context, agent *models.Agent) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.agents[agent.ID]; !ok {
		return &ErrNotFound{Entity: "agent", Key: agent.ID}
	}
	agent.UpdatedAt = time.Now().UTC()
	cp := *agent
	m.agents[agent.ID] = &cp
	m.requestSave()
	return nil
}

func (m *MemoryStore) ListAgents(_ context.Context, workspace string) ([]models.Agent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []models.Agent
	for _, a := range m.agents {
		if a.Workspace == workspace {
			out = append(out, *a)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (m *MemoryStore) GetWorkspaceSettings(_ context.Context, workspace string) (*models.WorkspaceSettings, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	w, ok := m.workspaces[workspace]
	if !ok {
		return nil, &ErrNotFound{Entity: "workspace settings", Key: workspace}
	}
	cp := *w
	return &cp, nil
}

func (m *MemoryStore) UpsertWorkspaceSettings(_ context.Context, settings *models.WorkspaceSettings) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	settings.UpdatedAt = time.Now().UTC()
	cp := *settings
	m.workspaces[settings.Workspace] = &cp
	m.requestSave()
	return nil
}

// ── Knowledge ───────────────────────────────────────────────

func (m *MemoryStore) ListKnowledge(_ context.Context, workspace, agentID string) ([]models.KnowledgeEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []models.KnowledgeEntry
	for _, e := range m.knowledge {
		if e.Workspace != workspace {
			continue
		}
		if agentID != "" && e.AgentID != "" && e.AgentID != agentID {
			continue
		}
		out = append(out, *e)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Category != out[j].Category {
			return out[i].Category < out[j].Category
		}
		return out[i].Key < out[j].Key
	})
	return out, nil
}

func (m *MemoryStore) CreateKnowledge(_ context.Context, entry *models.KnowledgeEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	cp := *entry
	m.knowledge[entry.ID] = &cp
	m.requestSave()
	return nil
}

func (m *MemoryStore) DeleteKnowledge(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.knowledge[id]; !ok {
		return &ErrNotFound{Entity: "knowledge entry", Key: id}
	}
	delete(m.knowledge, id)
	m.requestSave()
	return nil
}

// ── Provider Config ─────────────────────────────────────────

func (m *MemoryStore) ListProviderProfiles(_ context.Context, workspace string) ([]models.ProviderProfile, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []models.ProviderProfile
	for _, p := range m.profiles {
		if p.Workspace == workspace {
			out = append(out, *p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *MemoryStore) GetProviderProfile(_ context.Context, id string) (*models.ProviderProfile, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	p, ok := m.profiles[id]
	if !ok {
		return nil, &ErrNotFound{Entity: "provider profile", Key: id}
	}
	cp := *p
	return &cp, nil
}

func (m *MemoryStore) CreateProviderProfile(_ context.Context, profile *models.ProviderProfile) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if profile.CreatedAt.IsZero() {
		profile.CreatedAt = time.Now().UTC()
	}
	cp := *profile
	m.profiles[profile.ID] = &cp
	m.requestSave()
	return nil
}

func (m *MemoryStore) UpdateProviderProfile(_ context.Context, profile *models.ProviderProfile) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.profiles[profile.ID]; !ok {
		return &ErrNotFound{Entity: "provider profile", Key: profile.ID}
	}
	cp := *profile
	m.profiles[profile.ID] = &cp
	m.requestSave()
	return nil
}

func (m *MemoryStore) DeleteProviderProfile(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.profiles[id]; !ok {
		return &ErrNotFound{Entity: "provider profile", Key: id}
	}
	delete(m.profiles, id)
	m.requestSave()
	return nil
}

func (m *MemoryStore) GetLegacyProviderConfig(_ context.Context, workspace string) (*models.LegacyProviderConfig, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	cfg, ok := m.legacyConfigs[workspace]
	if !ok {
		return nil, &ErrNotFound{Entity: "legacy provider config", Key: workspace}
	}
	cp := *cfg
	return &cp, nil
}

func (m *MemoryStore) SetLegacyProviderConfig(_ context.Context, workspace string, cfg *models.LegacyProviderConfig) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cp := *cfg
	m.legacyConfigs[workspace] = &cp
	m.requestSave()
	return nil
}

func routeKey(workspace string, capability models.Capability) string {
	return workspace + ":" + string(capability)
}

func (m *MemoryStore) ListCapabilityRoutes(_ context.Context, workspace string) ([]models.CapabilityRoute, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []models.CapabilityRoute
	for _, r := range m.routes {
		if r.Workspace == workspace {
			out = append(out, *r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Capability < out[j].Capability })
	return out, nil
}

func (m *MemoryStore) UpsertCapabilityRoute(_ context.Context, route *models.CapabilityRoute) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cp := *route
	m.routes[routeKey(route.Workspace, route.Capability)] = &cp
	m.requestSave()
	return nil
}

func (m *MemoryStore) DeleteCapabilityRoute(_ context.Context, workspace string, capability models.Capability) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := routeKey(workspace, capability)
	if _, ok := m.routes[key]; !ok {
		return &ErrNotFound{Entity: "capability route", Key: key}
	}
	delete(m.routes, key)
	m.requestSave()
	return nil
}

func (m *MemoryStore) ListRoutingRules(_ context.Context, workspace string) ([]models.RoutingRule, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []models.RoutingRule
	for _, r := range m.rules {
		if r.Workspace == workspace {
			out = append(out, *r)
		}
	}
	// Descending priority, the order the resolver evaluates them in.
	sort.Slice(out, func(i, j int) bool { return out[i].Priority > out[j].Priority })
	return out, nil
}

func (m *MemoryStore) CreateRoutingRule(_ context.Context, rule *models.RoutingRule) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cp := *rule
	m.rules[rule.ID] = &cp
	m.requestSave()
	return nil
}

func (m *MemoryStore) DeleteRoutingRule(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.rules[id]; !ok {
		return &ErrNotFound{Entity: "routing rule", Key: id}
	}
	delete(m.rules, id)
	m.requestSave()
	return nil
}

func (m *MemoryStore) GetModelConstraints(_ context.Context, workspace string) (*models.ModelConstraints, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	c, ok := m.constraints[workspace]
	if !ok {
		return nil, &ErrNotFound{Entity: "model constraints", Key: workspace}
	}
	cp := *c
	return &cp, nil
}

func (m *MemoryStore) SetModelConstraints(_ context.Context, workspace string, constraints *models.ModelConstraints) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cp := *constraints
	m.constraints[workspace] = &cp
	m.requestSave()
	return nil
}

// ── Usage ───────────────────────────────────────────────────

func (m *MemoryStore) RecordUsage(_ context.Context, record *models.UsageRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if record.CreatedAt.IsZero() {
		record.CreatedAt = time.Now().UTC()
	}
	cp := *record
	m.usage = append(m.usage, &cp)
	m.requestSave()
	return nil
}

func (m *MemoryStore) ListUsage(_ context.Context, workspace string, limit int) ([]models.UsageRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []models.UsageRecord
	for i := len(m.usage) - 1; i >= 0; i-- {
		if m.usage[i].Workspace == workspace {
			out = append(out, *m.usage[i])
			if limit > 0 && len(out) >= limit {
				break
			}
		}
	}
	return out, nil
}
