// Package summarize implements the model-backed conversation summarizer.
// It runs off the request path; failures here never reach the user.
package summarize

import (
	"context"
	"fmt"
	"strings"

	jsoniter "github.com/json-iterator/go"
	"github.com/rs/zerolog"

	"github.com/parley-ai/parley/internal/convo"
	"github.com/parley-ai/parley/internal/provider"
	"github.com/parley-ai/parley/internal/routing"
	"github.com/parley-ai/parley/internal/store"
	"github.com/parley-ai/parley/pkg/models"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// maxTranscriptMessages caps how much of a segment is sent to the model.
const maxTranscriptMessages = 40

// maxMessageChars truncates individual messages in the transcript.
const maxMessageChars = 2000

const systemPrompt = `You summarize closed conversation segments for later recall.
Respond with a single JSON object, nothing else:
{"summary": "...", "topics": ["..."], "decisions": ["..."], "state_updates": ["..."]}
summary: 2-4 sentences covering what was discussed and concluded.
topics: short lowercase phrases naming the subjects.
decisions: explicit decisions or agreements reached, empty if none.
state_updates: durable facts about the user worth remembering, empty if none.`

// Summarizer distills closed segments through whatever model the workspace
// routes for the summary capability.
type Summarizer struct {
	store     store.Store
	providers *provider.Registry
	log       zerolog.Logger
}

func New(st store.Store, providers *provider.Registry, log zerolog.Logger) *Summarizer {
	return &Summarizer{
		store:     st,
		providers: providers,
		log:       log.With().Str("component", "summarize").Logger(),
	}
}

// Summarize resolves a summary-capability model for the messages' workspace
// and asks it to distill the transcript.
func (s *Summarizer) Summarize(ctx context.Context, msgs []models.Message) (*convo.Summary, error) {
	if len(msgs) == 0 {
		return nil, fmt.Errorf("summarize: empty segment")
	}

	session, err := s.store.GetSession(ctx, msgs[0].SessionID)
	if err != nil {
		return nil, fmt.Errorf("summarize: load session: %w", err)
	}

	resolution, err := s.resolve(ctx, session.Workspace)
	if err != nil {
		return nil, err
	}

	driver, err := s.providers.Resolve(resolution.Provider, resolution.Model)
	if err != nil {
		return nil, err
	}

	events, err := driver.Stream(ctx, provider.Request{
		Model:  resolution.Model,
		System: systemPrompt,
		Messages: []models.ChatMessage{{
			Role:    "user",
			Content: transcript(msgs),
		}},
		MaxTokens: 1024,
		APIKey:    resolution.APIKey,
		BaseURL:   resolution.BaseURL,
	})
	if err != nil {
		return nil, err
	}

	var text strings.Builder
	for event := range events {
		switch e := event.(type) {
		case provider.TextDelta:
			text.WriteString(e.Text)
		case provider.StreamError:
			return nil, e.Err
		}
	}

	return parseSummary(text.String()), nil
}

// resolve picks the workspace's summary model via the normal routing layers.
func (s *Summarizer) resolve(ctx context.Context, workspace string) (*models.Resolution, error) {
	snap := routing.ConfigSnapshot{}
	var err error
	if snap.Profiles, err = s.store.ListProviderProfiles(ctx, workspace); err != nil && !store.IsNotFound(err) {
		return nil, fmt.Errorf("summarize: load profiles: %w", err)
	}
	if legacy, err := s.store.GetLegacyProviderConfig(ctx, workspace); err == nil {
		snap.Legacy = legacy
	}
	if snap.Routes, err = s.store.ListCapabilityRoutes(ctx, workspace); err != nil && !store.IsNotFound(err) {
		return nil, fmt.Errorf("summarize: load routes: %w", err)
	}
	if constraints, err := s.store.GetModelConstraints(ctx, workspace); err == nil {
		snap.Constraints = constraints
	}

	resolution, err := routing.Resolve(snap, routing.ResolveRequest{
		Capability: models.CapabilitySummary,
	})
	if err != nil {
		return nil, err
	}
	if resolution.APIKey == "" && routing.RequiresAPIKey(resolution.Provider) {
		return nil, routing.ErrNoAPIKey
	}
	return resolution, nil
}

// transcript flattens the segment into role-prefixed lines, newest portion
// only, with long messages truncated.
func transcript(msgs []models.Message) string {
	if len(msgs) > maxTranscriptMessages {
		msgs = msgs[len(msgs)-maxTranscriptMessages:]
	}

	var sb strings.Builder
	for _, m := range msgs {
		if m.Role != "user" && m.Role != "assistant" {
			continue
		}
		content := m.Content
		if len(content) > maxMessageChars {
			content = content[:maxMessageChars] + " [truncated]"
		}
		fmt.Fprintf(&sb, "%s: %s\n", m.Role, content)
	}
	return sb.String()
}

// parseSummary decodes the model's JSON reply, tolerating markdown fences
// and falling back to the raw text as the summary when decoding fails.
func parseSummary(raw string) *convo.Summary {
	cleaned := strings.TrimSpace(raw)
	cleaned = strings.TrimPrefix(cleaned, "```json")
	cleaned = strings.TrimPrefix(cleaned, "```")
	cleaned = strings.TrimSuffix(cleaned, "```")
	cleaned = strings.TrimSpace(cleaned)

	var payload struct {
		Summary      string   `json:"summary"`
		Topics       []string `json:"topics"`
		Decisions    []string `json:"decisions"`
		StateUpdates []string `json:"state_updates"`
	}
	if err := json.Unmarshal([]byte(cleaned), &payload); err != nil || payload.Summary == "" {
		return &convo.Summary{Summary: cleaned}
	}
	return &convo.Summary{
		Summary:      payload.Summary,
		Topics:       payload.Topics,
		Decisions:    payload.Decisions,
		StateUpdates: payload.StateUpdates,
	}
}
