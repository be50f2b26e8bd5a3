// Package routing resolves a logical capability (chat, tool_use, summary,
// code, analysis) to a concrete (provider, model, credentials) tuple.
//
// Resolution is a pure function over an already-loaded ConfigSnapshot so the
// whole precedence chain is testable without I/O. The orchestrator loads one
// snapshot per request and never refreshes it mid-request.
package routing

import (
	"encoding/json"
	"errors"
	"os"
	"strings"

	"github.com/parley-ai/parley/pkg/models"
)

// ErrModelNotFound signals an unknown provider/model combination. Fatal for
// the request; not retried.
var ErrModelNotFound = errors.New("model not found")

// ErrNoAPIKey signals that no credential source produced a key. Fatal for
// the request; not retried.
var ErrNoAPIKey = errors.New("no API key configured")

// ConfigSnapshot is the routing configuration loaded once per request.
type ConfigSnapshot struct {
	Profiles    []models.ProviderProfile
	Legacy      *models.LegacyProviderConfig
	Routes      []models.CapabilityRoute
	Rules       []models.RoutingRule // descending priority
	Constraints *models.ModelConstraints
}

// ResolveRequest carries the per-call inputs to resolution.
type ResolveRequest struct {
	Capability  models.Capability
	Message     string              // literal message, for keyword-route matching
	Override    *models.RouteTarget // caller-supplied explicit route
	PinnedModel string              // agent-pinned model, if any
	Budget      models.BudgetSignal
}

// capabilityTaskType maps each capability to the broader task family its
// route lookup falls through to, before the final chat fallback.
var capabilityTaskType = map[models.Capability]models.Capability{
	models.CapabilityToolUse:  models.CapabilityChat,
	models.CapabilitySummary:  models.CapabilityAnalysis,
	models.CapabilityCode:     models.CapabilityAnalysis,
	models.CapabilityAnalysis: models.CapabilityChat,
}

// defaultModels is the built-in per-provider fallback, the lowest layer of
// the precedence chain.
var defaultModels = map[string]string{
	"anthropic": "claude-sonnet-4-20250514",
	"openai":    "gpt-4o-mini",
	"ollama":    "llama3.1",
}

// providerEnvKeys maps providers to their environment-variable credential
// fallback.
var providerEnvKeys = map[string]string{
	"anthropic": "ANTHROPIC_API_KEY",
	"openai":    "OPENAI_API_KEY",
}

// Resolve walks the precedence chain, highest layer first, filling each
// field only if no higher layer produced a value:
//
//  1. per-call explicit override
//  2. first matching routing rule (descending priority)
//  3. agent-pinned model
//  4. capability route (capability → task type → chat)
//  5. default provider profile (explicit default → first enabled → legacy)
//  6. budget-suggested model, then the provider's built-in default
//
// The chosen model is passed through the workspace's model constraints.
func Resolve(snap ConfigSnapshot, req ResolveRequest) (*models.Resolution, error) {
	var provider, model, profileID string

	apply := func(t models.RouteTarget) {
		if profileID == "" && t.ProviderProfileID != "" {
			profileID = t.ProviderProfileID
		}
		if provider == "" && t.Provider != "" {
			provider = t.Provider
		}
		if model == "" && t.Model != "" {
			model = t.Model
		}
	}

	// 1. Per-call override.
	if req.Override != nil {
		apply(*req.Override)
	}

	// 2. Content-matched routing rule.
	if rule := matchRule(snap.Rules, req.Message); rule != nil {
		apply(rule.Target)
	}

	// 3. Agent-pinned model.
	if model == "" && req.PinnedModel != "" {
		model = req.PinnedModel
	}

	// 4. Capability route, falling through capability → task type → chat.
	for _, cap := range capabilityChain(req.Capability) {
		if route := findRoute(snap.Routes, cap); route != nil {
			apply(models.RouteTarget{
				ProviderProfileID: route.ProviderProfileID,
				Provider:          route.Provider,
				Model:             route.Model,
			})
			break
		}
	}

	// 5. Default profile fills whatever is still missing.
	profile := pickProfile(snap, profileID)
	if profile != nil {
		if provider == "" {
			provider = profile.Provider
		}
		if model == "" && profile.DefaultModel != "" {
			model = profile.DefaultModel
		}
	}

	if provider == "" {
		return nil, ErrModelNotFound
	}

	// 6. Budget downgrade, then the provider built-in.
	if model == "" && req.Budget.SuggestedModel != "" {
		model = req.Budget.SuggestedModel
	}
	if model == "" {
		model = defaultModels[provider]
	}
	if model == "" {
		return nil, ErrModelNotFound
	}

	model = constrainModel(model, snap.Constraints)

	res := &models.Resolution{
		Provider: provider,
		Model:    model,
	}
	if profile != nil && profile.Provider == provider {
		res.ProfileID = profile.ID
		res.AuthMethod = profile.AuthMethod
		res.BaseURL = profile.BaseURL
		res.AccountID = profile.AccountID
		res.ProjectID = profile.ProjectID
		res.Location = profile.Location
	}
	res.APIKey = resolveAPIKey(provider, profile, snap.Legacy)

	return res, nil
}

// RequiresAPIKey reports whether a provider cannot be called without a
// credential. Local providers (ollama) run unauthenticated.
func RequiresAPIKey(provider string) bool {
	return provider != "ollama"
}

// capabilityChain returns the lookup order for a capability's route.
func capabilityChain(cap models.Capability) []models.Capability {
	chain := []models.Capability{cap}
	if task, ok := capabilityTaskType[cap]; ok && task != cap {
		chain = append(chain, task)
	}
	if cap != models.CapabilityChat {
		chain = append(chain, models.CapabilityChat)
	}
	return chain
}

func findRoute(routes []models.CapabilityRoute, cap models.Capability) *models.CapabilityRoute {
	for i := range routes {
		if routes[i].Capability == cap {
			return &routes[i]
		}
	}
	return nil
}

// matchRule returns the first enabled rule, by descending priority, whose
// condition matches the literal message. Rules never match an empty message.
func matchRule(rules []models.RoutingRule, message string) *models.RoutingRule {
	if message == "" {
		return nil
	}
	for i := range rules {
		if rules[i].Enabled && conditionMatches(rules[i].Condition, message) {
			return &rules[i]
		}
	}
	return nil
}

func conditionMatches(c models.RuleCondition, message string) bool {
	if c.MinLength > 0 && len(message) < c.MinLength {
		return false
	}
	if c.MaxLength > 0 && len(message) > c.MaxLength {
		return false
	}
	if c.ContainsCode && !looksLikeCode(message) {
		return false
	}
	if len(c.Keywords) > 0 {
		lower := strings.ToLower(message)
		found := false
		for _, kw := range c.Keywords {
			if strings.Contains(lower, strings.ToLower(kw)) {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

// looksLikeCode is a cheap heuristic: fenced blocks, common declaration
// keywords, or a high density of brace/semicolon punctuation.
func looksLikeCode(s string) bool {
	if strings.Contains(s, "```") {
		return true
	}
	for _, marker := range []string{"func ", "def ", "class ", "import ", "#include", "=> ", "};"} {
		if strings.Contains(s, marker) {
			return true
		}
	}
	punct := strings.Count(s, "{") + strings.Count(s, "}") + strings.Count(s, ";")
	return len(s) > 0 && punct*20 > len(s)
}

// pickProfile chooses the profile to fill defaults from: the explicitly
// referenced one, else the marked default, else the first enabled, else a
// pseudo-profile synthesized from the legacy flat config.
func pickProfile(snap ConfigSnapshot, profileID string) *models.ProviderProfile {
	if profileID != "" {
		for i := range snap.Profiles {
			if snap.Profiles[i].ID == profileID {
				return &snap.Profiles[i]
			}
		}
	}
	for i := range snap.Profiles {
		if snap.Profiles[i].IsDefault && snap.Profiles[i].Enabled {
			return &snap.Profiles[i]
		}
	}
	for i := range snap.Profiles {
		if snap.Profiles[i].Enabled {
			return &snap.Profiles[i]
		}
	}
	if snap.Legacy != nil && snap.Legacy.Provider != "" {
		return &models.ProviderProfile{
			ID:           "legacy",
			Name:         "legacy",
			Provider:     snap.Legacy.Provider,
			DefaultModel: snap.Legacy.Model,
			APIKey:       snap.Legacy.APIKey,
			BaseURL:      snap.Legacy.BaseURL,
			Enabled:      true,
		}
	}
	return nil
}

// constrainModel applies alias substitution, then the allowlist: when an
// allowlist is configured and the candidate is not on it, the first
// allowlisted model is substituted.
func constrainModel(model string, c *models.ModelConstraints) string {
	if c == nil {
		return model
	}
	if alias, ok := c.Aliases[model]; ok && alias != "" {
		model = alias
	}
	if len(c.Allowlist) == 0 {
		return model
	}
	for _, allowed := range c.Allowlist {
		if allowed == model {
			return model
		}
	}
	return c.Allowlist[0]
}

// oauthCredential is the stored OAuth blob shape.
type oauthCredential struct {
	Provider    string `json:"provider"`
	AccessToken string `json:"access_token"`
}

// resolveAPIKey tries, in order: OAuth-derived key, profile-stored key,
// legacy flat key, environment variable. Returns "" when nothing resolves.
func resolveAPIKey(provider string, profile *models.ProviderProfile, legacy *models.LegacyProviderConfig) string {
	if profile != nil && profile.AuthMethod == "oauth" && profile.OAuthBlob != "" {
		var cred oauthCredential
		if err := json.Unmarshal([]byte(profile.OAuthBlob), &cred); err == nil &&
			cred.Provider == provider && cred.AccessToken != "" {
			return cred.AccessToken
		}
	}
	if profile != nil && profile.Provider == provider && profile.APIKey != "" {
		return profile.APIKey
	}
	if legacy != nil && legacy.Provider == provider && legacy.APIKey != "" {
		return legacy.APIKey
	}
	if envKey, ok := providerEnvKeys[provider]; ok {
		if v := os.Getenv(envKey); v != "" {
			return v
		}
	}
	return ""
}
