package handlers_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"

	"github.com/parley-ai/parley/internal/api/handlers"
	"github.com/parley-ai/parley/internal/api/middleware"
	"github.com/parley-ai/parley/internal/store"
	"github.com/parley-ai/parley/pkg/models"
)

func newTestEnv(t *testing.T) (store.Store, http.Handler) {
	t.Helper()
	t.Setenv("PARLEY_DATA_DIR", "off")
	s := store.NewMemoryStore()
	t.Cleanup(func() { s.Close() })

	h := handlers.New(s, nil, "test")

	r := chi.NewRouter()
	r.Use(middleware.WorkspaceExtractor)
	r.Route("/api/v1", func(r chi.Router) {
		r.Route("/sessions/{id}", func(r chi.Router) {
			r.Get("/run", h.GetRun)
		})
		r.Route("/agents", func(r chi.Router) {
			r.Get("/", h.ListAgents)
			r.Post("/", h.CreateAgent)
			r.Get("/{id}", h.GetAgent)
			r.Put("/{id}", h.UpdateAgent)
		})
		r.Route("/knowledge", func(r chi.Router) {
			r.Post("/", h.CreateKnowledge)
		})
		r.Route("/providers", func(r chi.Router) {
			r.Post("/profiles", h.CreateProviderProfile)
			r.Put("/profiles/{id}", h.UpdateProviderProfile)
		})
		r.Get("/workspace/settings", h.GetWorkspaceSettings)
	})
	return s, r
}

func doJSON(t *testing.T, h http.Handler, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestCreateAgentStampsIDAndWorkspace(t *testing.T) {
	_, h := newTestEnv(t)

	rec := doJSON(t, h, http.MethodPost, "/api/v1/agents", models.Agent{Name: "Support"})
	if rec.Code != http.StatusCreated {
		t.Fatalf("status = %d, want %d (body %s)", rec.Code, http.StatusCreated, rec.Body.String())
	}

	var agent models.Agent
	if err := json.NewDecoder(rec.Body).Decode(&agent); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if agent.ID == "" {
		t.Error("created agent has empty ID")
	}
	if agent.Workspace != "default" {
		t.Errorf("Workspace = %q, want %q", agent.Workspace, "default")
	}
	if agent.CreatedAt.IsZero() {
		t.Error("CreatedAt not stamped")
	}
}

func TestCreateAgentRequiresName(t *testing.T) {
	_, h := newTestEnv(t)

	rec := doJSON(t, h, http.MethodPost, "/api/v1/agents", models.Agent{})
	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusBadRequest)
	}
}

func TestUpdateAgentPreservesIdentity(t *testing.T) {
	_, h := newTestEnv(t)

	rec := doJSON(t, h, http.MethodPost, "/api/v1/agents", models.Agent{Name: "Original"})
	var created models.Agent
	if err := json.NewDecoder(rec.Body).Decode(&created); err != nil {
		t.Fatalf("decode created agent: %v", err)
	}

	rec = doJSON(t, h, http.MethodPut, "/api/v1/agents/"+created.ID, models.Agent{
		ID:        "attacker-controlled",
		Workspace: "other",
		Name:      "Renamed",
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d (body %s)", rec.Code, http.StatusOK, rec.Body.String())
	}

	var updated models.Agent
	if err := json.NewDecoder(rec.Body).Decode(&updated); err != nil {
		t.Fatalf("decode updated agent: %v", err)
	}
	if updated.ID != created.ID {
		t.Errorf("ID = %q, want %q", updated.ID, created.ID)
	}
	if updated.Workspace != created.Workspace {
		t.Errorf("Workspace = %q, want %q", updated.Workspace, created.Workspace)
	}
	if updated.Name != "Renamed" {
		t.Errorf("Name = %q, want %q", updated.Name, "Renamed")
	}
}

func TestGetAgentNotFound(t *testing.T) {
	_, h := newTestEnv(t)

	rec := doJSON(t, h, http.MethodGet, "/api/v1/agents/nope", nil)
	if rec.Code != http.StatusNotFound {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusNotFound)
	}
}

func TestProviderProfileSecretsMasked(t *testing.T) {
	s, h := newTestEnv(t)

	rec := doJSON(t, h, http.MethodPost, "/api/v1/providers/profiles", models.ProviderProfile{
		Name:     "main",
		Provider: "anthropic",
		APIKey:   "sk-ant-secret",
		Enabled:  true,
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("status = %d, want %d (body %s)", rec.Code, http.StatusCreated, rec.Body.String())
	}

	var profile models.ProviderProfile
	if err := json.NewDecoder(rec.Body).Decode(&profile); err != nil {
		t.Fatalf("decode profile: %v", err)
	}
	if profile.APIKey != "********" {
		t.Errorf("APIKey = %q, want masked", profile.APIKey)
	}

	// The store keeps the real secret.
	stored, err := s.GetProviderProfile(httptest.NewRequest("GET", "/", nil).Context(), profile.ID)
	if err != nil {
		t.Fatalf("GetProviderProfile: %v", err)
	}
	if stored.APIKey != "sk-ant-secret" {
		t.Errorf("stored APIKey = %q, want original secret", stored.APIKey)
	}
}

func TestUpdateProviderProfileKeepsSecretWhenEmpty(t *testing.T) {
	s, h := newTestEnv(t)

	rec := doJSON(t, h, http.MethodPost, "/api/v1/providers/profiles", models.ProviderProfile{
		Name:     "main",
		Provider: "openai",
		APIKey:   "sk-openai-secret",
		Enabled:  true,
	})
	var created models.ProviderProfile
	if err := json.NewDecoder(rec.Body).Decode(&created); err != nil {
		t.Fatalf("decode created profile: %v", err)
	}

	// Edit forms round-trip the masked profile with secrets blanked out.
	rec = doJSON(t, h, http.MethodPut, "/api/v1/providers/profiles/"+created.ID, models.ProviderProfile{
		Name:     "renamed",
		Provider: "openai",
		Enabled:  true,
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d (body %s)", rec.Code, http.StatusOK, rec.Body.String())
	}

	stored, err := s.GetProviderProfile(httptest.NewRequest("GET", "/", nil).Context(), created.ID)
	if err != nil {
		t.Fatalf("GetProviderProfile: %v", err)
	}
	if stored.APIKey != "sk-openai-secret" {
		t.Errorf("stored APIKey = %q, want original secret preserved", stored.APIKey)
	}
	if stored.Name != "renamed" {
		t.Errorf("Name = %q, want %q", stored.Name, "renamed")
	}
}

func TestCreateKnowledgeDefaultsCategory(t *testing.T) {
	_, h := newTestEnv(t)

	rec := doJSON(t, h, http.MethodPost, "/api/v1/knowledge", models.KnowledgeEntry{
		Key:   "office_hours",
		Value: "9am to 5pm CET",
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("status = %d, want %d (body %s)", rec.Code, http.StatusCreated, rec.Body.String())
	}

	var entry models.KnowledgeEntry
	if err := json.NewDecoder(rec.Body).Decode(&entry); err != nil {
		t.Fatalf("decode entry: %v", err)
	}
	if entry.Category != "general" {
		t.Errorf("Category = %q, want %q", entry.Category, "general")
	}
}

type recordingIndexer struct {
	entries []models.KnowledgeEntry
}

func (r *recordingIndexer) Index(_ context.Context, entries []models.KnowledgeEntry) error {
	r.entries = append(r.entries, entries...)
	return nil
}

func newIndexingEnv(t *testing.T, embed func(context.Context, string) ([]float64, error)) (*recordingIndexer, http.Handler) {
	t.Helper()
	t.Setenv("PARLEY_DATA_DIR", "off")
	s := store.NewMemoryStore()
	t.Cleanup(func() { s.Close() })

	idx := &recordingIndexer{}
	h := handlers.New(s, nil, "test")
	h.Indexer = idx
	h.Embed = embed

	r := chi.NewRouter()
	r.Use(middleware.WorkspaceExtractor)
	r.Post("/api/v1/knowledge", h.CreateKnowledge)
	return idx, r
}

func TestCreateKnowledgeIndexesEntry(t *testing.T) {
	idx, h := newIndexingEnv(t, func(_ context.Context, text string) ([]float64, error) {
		return []float64{0.1, 0.2, 0.3}, nil
	})

	rec := doJSON(t, h, http.MethodPost, "/api/v1/knowledge", models.KnowledgeEntry{
		Key:   "timezone",
		Value: "Europe/Berlin",
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("status = %d, want %d (body %s)", rec.Code, http.StatusCreated, rec.Body.String())
	}

	if len(idx.entries) != 1 {
		t.Fatalf("indexed %d entries, want 1", len(idx.entries))
	}
	indexed := idx.entries[0]
	if indexed.ID == "" || indexed.Workspace != "default" {
		t.Errorf("indexed entry = %+v, want stamped ID and workspace", indexed)
	}
	if len(indexed.Embedding) != 3 {
		t.Errorf("indexed embedding has %d dims, want 3", len(indexed.Embedding))
	}
}

func TestCreateKnowledgeSurvivesEmbedFailure(t *testing.T) {
	idx, h := newIndexingEnv(t, func(_ context.Context, _ string) ([]float64, error) {
		return nil, errors.New("embedding provider down")
	})

	rec := doJSON(t, h, http.MethodPost, "/api/v1/knowledge", models.KnowledgeEntry{
		Key:   "timezone",
		Value: "Europe/Berlin",
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("status = %d, want %d (embed failure must not fail the create)", rec.Code, http.StatusCreated)
	}
	if len(idx.entries) != 0 {
		t.Errorf("indexed %d entries after embed failure, want 0", len(idx.entries))
	}
}

func TestCreateKnowledgeRequiresKeyAndValue(t *testing.T) {
	_, h := newTestEnv(t)

	rec := doJSON(t, h, http.MethodPost, "/api/v1/knowledge", models.KnowledgeEntry{Key: "only-key"})
	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusBadRequest)
	}
}

func TestGetRunNotFound(t *testing.T) {
	_, h := newTestEnv(t)

	rec := doJSON(t, h, http.MethodGet, "/api/v1/sessions/s-1/run", nil)
	if rec.Code != http.StatusNotFound {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusNotFound)
	}
}

func TestWorkspaceSettingsDefaultWhenUnset(t *testing.T) {
	_, h := newTestEnv(t)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/workspace/settings", nil)
	req.Header.Set("X-Workspace", "acme")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusOK)
	}
	var settings models.WorkspaceSettings
	if err := json.NewDecoder(rec.Body).Decode(&settings); err != nil {
		t.Fatalf("decode settings: %v", err)
	}
	if settings.Workspace != "acme" {
		t.Errorf("Workspace = %q, want %q", settings.Workspace, "acme")
	}
}
