// Package orchestrator drives the request pipeline: segmentation, context
// assembly, routing, and the bounded tool-calling round loop, streaming
// partial output to the caller and persisting run state throughout.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/parley-ai/parley/internal/assembler"
	"github.com/parley-ai/parley/internal/convo"
	"github.com/parley-ai/parley/internal/limits"
	"github.com/parley-ai/parley/internal/provider"
	"github.com/parley-ai/parley/internal/routing"
	"github.com/parley-ai/parley/internal/store"
	"github.com/parley-ai/parley/internal/toolexec"
	"github.com/parley-ai/parley/pkg/models"
)

// MaxToolRounds bounds the tool loop, inclusive of round 0. The model is
// called at most MaxToolRounds+1 times per request.
const MaxToolRounds = 5

const defaultCacheTTL = 5 * time.Minute

// ErrDuplicate marks a message suppressed by the dedup window.
var ErrDuplicate = errors.New("duplicate message")

// RateLimitedError carries the whole-seconds wait hint.
type RateLimitedError struct {
	RetryAfter int
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("rate limited, try again in %d seconds", e.RetryAfter)
}

// Request is one inbound chat message.
type Request struct {
	Workspace      string
	ChannelID      string
	ExternalUserID string
	SessionID      string // optional; resolved from channel identity when empty
	AgentID        string
	Message        string

	Capability models.Capability   // defaults to tool_use when tools exist, else chat
	Override   *models.RouteTarget // per-call route override
	Budget     *models.BudgetSignal
}

// EmitFunc receives caller-facing stream events. May be nil for callers
// that only want the final result.
type EmitFunc func(models.StreamEvent)

// Orchestrator wires the pipeline stages together. Safe for concurrent use;
// per-request state lives on the stack.
type Orchestrator struct {
	store     store.Store
	assembler *assembler.Assembler
	convos    *convo.Manager
	providers *provider.Registry
	tools     toolexec.Executor
	limiter   *limits.RateLimiter
	deduper   *limits.Deduper
	cache     *responseCache
	tracer    trace.Tracer
	log       zerolog.Logger
}

func New(
	st store.Store,
	asm *assembler.Assembler,
	convos *convo.Manager,
	providers *provider.Registry,
	tools toolexec.Executor,
	limiter *limits.RateLimiter,
	deduper *limits.Deduper,
	log zerolog.Logger,
) *Orchestrator {
	return &Orchestrator{
		store:     st,
		assembler: asm,
		convos:    convos,
		providers: providers,
		tools:     tools,
		limiter:   limiter,
		deduper:   deduper,
		cache:     newResponseCache(defaultCacheTTL),
		tracer:    otel.Tracer("parley/orchestrator"),
		log:       log.With().Str("component", "orchestrator").Logger(),
	}
}

// Close stops the response cache sweeper.
func (o *Orchestrator) Close() {
	o.cache.close()
}

// Process runs one chat request end to end. Pre-flight rejections (rate
// limit, duplicate) return an error before any state is written. Once a
// run record exists, failures are reflected in the run status and the
// error event stream as well as the returned error; panics never escape.
func (o *Orchestrator) Process(ctx context.Context, req Request, emit EmitFunc) (result *models.ChatResult, err error) {
	ctx, span := o.tracer.Start(ctx, "orchestrator.process", trace.WithAttributes(
		attribute.String("workspace", req.Workspace),
		attribute.String("channel", req.ChannelID),
	))
	defer span.End()

	if emit == nil {
		emit = func(models.StreamEvent) {}
	}

	if o.limiter != nil && req.ChannelID != "" {
		if ok, retry := o.limiter.Allow(req.Workspace + ":" + req.ChannelID); !ok {
			return nil, &RateLimitedError{RetryAfter: retry}
		}
	}

	session, err := o.resolveSession(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("resolve session: %w", err)
	}
	span.SetAttributes(attribute.String("session_id", session.ID))

	if o.deduper != nil && o.deduper.Seen(session.ID, req.Message) {
		return nil, ErrDuplicate
	}

	userMsg := &models.Message{
		ID:        uuid.NewString(),
		SessionID: session.ID,
		Role:      "user",
		Content:   req.Message,
		CreatedAt: time.Now().UTC(),
	}
	if err := o.store.AppendMessage(ctx, userMsg); err != nil {
		return nil, fmt.Errorf("persist message: %w", err)
	}
	session.MessageCount++
	session.LastActivityAt = time.Now().UTC()
	if err := o.store.UpdateSession(ctx, session); err != nil {
		o.log.Warn().Err(err).Str("session_id", session.ID).Msg("session update failed")
	}

	// Segmentation must never hard-fail a chat.
	if _, segErr := o.convos.Assign(ctx, session.ID, userMsg); segErr != nil {
		o.log.Error().Err(segErr).Str("session_id", session.ID).Msg("segmentation failed, continuing unsegmented")
	}

	run := &models.ActiveRun{
		SessionID: session.ID,
		Status:    models.RunThinking,
		StartedAt: time.Now().UTC(),
		UpdatedAt: time.Now().UTC(),
	}
	if err := o.store.PutRun(ctx, run); err != nil {
		o.log.Warn().Err(err).Str("session_id", session.ID).Msg("run record write failed")
	}

	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("orchestrator panic: %v", rec)
			o.failRun(run, err, emit)
			o.log.Error().Str("session_id", session.ID).Msgf("recovered: %v", rec)
		}
	}()

	result, err = o.run(ctx, req, session, userMsg, run, emit)
	if err != nil {
		o.failRun(run, err, emit)
		return nil, err
	}
	return result, nil
}

// run is the body between run creation and completion.
func (o *Orchestrator) run(
	ctx context.Context,
	req Request,
	session *models.Session,
	userMsg *models.Message,
	run *models.ActiveRun,
	emit EmitFunc,
) (*models.ChatResult, error) {
	start := time.Now()

	// Budget pressure short-circuits before any model work.
	if req.Budget != nil && !req.Budget.Allowed {
		reason := req.Budget.Reason
		if reason == "" {
			reason = "The usage budget for this workspace is exhausted. Please try again later."
		}
		o.completeRun(run, reason)
		emit(models.StreamEvent{Type: models.StreamDone, Response: reason, SessionID: session.ID})
		return &models.ChatResult{
			Response:  reason,
			SessionID: session.ID,
			Blocked:   true,
			LatencyMs: time.Since(start).Milliseconds(),
		}, nil
	}

	assembled, err := o.assembler.Assemble(ctx, assembler.Request{
		Workspace: req.Workspace,
		SessionID: session.ID,
		AgentID:   req.AgentID,
		Message:   req.Message,
	})
	if err != nil {
		return nil, fmt.Errorf("assemble context: %w", err)
	}

	resolution, err := o.resolveRoute(ctx, req)
	if err != nil {
		return nil, err
	}
	// Pollers see which model serves the turn before any tokens arrive.
	run.Model = resolution.Model
	if err := o.store.PutRun(ctx, run); err != nil {
		o.log.Warn().Err(err).Str("session_id", session.ID).Msg("run model write failed")
	}

	// Cached tool-free answers skip the model entirely.
	key := cacheKey(assembled.SystemPrompt, req.Message)
	if cached, model, ok := o.cache.get(key); ok {
		o.log.Debug().Str("session_id", session.ID).Msg("cache hit")
		o.persistAssistant(ctx, session, cached, models.TokenUsage{}, model, time.Since(start))
		run.Model = model
		o.completeRun(run, cached)
		emit(models.StreamEvent{Type: models.StreamToken, Text: cached})
		emit(models.StreamEvent{Type: models.StreamDone, Response: cached, SessionID: session.ID, Model: model})
		return &models.ChatResult{
			Response:  cached,
			SessionID: session.ID,
			Model:     model,
			LatencyMs: time.Since(start).Milliseconds(),
		}, nil
	}

	driver, err := o.providers.Resolve(resolution.Provider, resolution.Model)
	if err != nil {
		return nil, err
	}

	final, usage, usedTools, err := o.toolLoop(ctx, driver, resolution, assembled, run, session, userMsg, emit)
	if err != nil {
		return nil, err
	}

	latency := time.Since(start)
	cost := estimateCost(resolution.Model, usage)
	o.persistAssistant(ctx, session, final, usage, resolution.Model, latency)
	o.recordUsage(ctx, req.Workspace, session.ID, resolution.Model, usage, cost)
	if !usedTools && final != "" {
		o.cache.put(key, final, resolution.Model)
	}
	o.completeRun(run, final)

	u := usage
	emit(models.StreamEvent{
		Type:      models.StreamDone,
		Response:  final,
		SessionID: session.ID,
		Model:     resolution.Model,
		Usage:     &u,
	})

	o.log.Info().Str("session_id", session.ID).Str("model", resolution.Model).
		Int64("in", usage.Input).Int64("out", usage.Output).
		Dur("latency", latency).Bool("tools", usedTools).Msg("request complete")

	return &models.ChatResult{
		Response:  final,
		SessionID: session.ID,
		Model:     resolution.Model,
		Tokens:    usage,
		LatencyMs: latency.Milliseconds(),
	}, nil
}

// toolLoop runs up to MaxToolRounds+1 model calls, executing tool calls
// between rounds. Exhausting the limit with calls still pending returns the
// accumulated text as a deliberate truncation, not an error.
func (o *Orchestrator) toolLoop(
	ctx context.Context,
	driver provider.Driver,
	resolution *models.Resolution,
	assembled *assembler.Result,
	run *models.ActiveRun,
	session *models.Session,
	userMsg *models.Message,
	emit EmitFunc,
) (final string, usage models.TokenUsage, usedTools bool, err error) {
	turns := make([]models.ChatMessage, len(assembled.Messages))
	copy(turns, assembled.Messages)

	var specs []provider.ToolSpec
	if o.tools != nil {
		specs = o.tools.Specs()
	}
	reqCtx := &toolexec.RequestContext{
		Workspace: session.Workspace,
		SessionID: session.ID,
		AgentID:   session.AgentID,
	}

	var text strings.Builder
	for round := 0; round <= MaxToolRounds; round++ {
		events, err := driver.Stream(ctx, provider.Request{
			Model:    resolution.Model,
			System:   assembled.SystemPrompt,
			Messages: turns,
			Tools:    specs,
			APIKey:   resolution.APIKey,
			BaseURL:  resolution.BaseURL,
		})
		if err != nil {
			return "", usage, usedTools, fmt.Errorf("model call (round %d): %w", round, err)
		}

		var (
			calls     []models.ToolCall
			turnDone  *provider.Done
			streamErr error
		)
		for ev := range events {
			switch v := ev.(type) {
			case provider.TextDelta:
				text.WriteString(v.Text)
				emit(models.StreamEvent{Type: models.StreamToken, Text: v.Text})
				o.updateRunText(run, text.String())
			case provider.ToolCallEnd:
				calls = append(calls, v.Call)
			case provider.Done:
				d := v
				turnDone = &d
			case provider.StreamError:
				streamErr = v.Err
			}
		}
		if streamErr != nil {
			// Partial text persisted so far stays; the round loop stops.
			return "", usage, usedTools, fmt.Errorf("provider stream: %w", streamErr)
		}
		if turnDone == nil {
			return "", usage, usedTools, fmt.Errorf("provider stream ended without done event")
		}
		usage.Add(turnDone.Usage)
		turns = append(turns, turnDone.Message)

		if len(calls) == 0 {
			return text.String(), usage, usedTools, nil
		}
		usedTools = true

		names := make([]string, len(calls))
		for i, c := range calls {
			names[i] = c.Name
		}
		emit(models.StreamEvent{Type: models.StreamToolUse, Tools: names})
		o.log.Debug().Str("session_id", session.ID).Int("round", round).
			Strs("tools", names).Msg("executing tool calls")

		var results []models.ToolResult
		if o.tools != nil {
			results = o.tools.Execute(ctx, calls, reqCtx)
		} else {
			for _, c := range calls {
				results = append(results, models.ToolResult{
					ToolCallID: c.ID, ToolName: c.Name,
					Content: "no tool executor configured", IsError: true,
				})
			}
		}
		turns = append(turns, models.ChatMessage{Role: "toolResult", ToolResults: results})

		o.applySideChannel(ctx, reqCtx, session, userMsg)
	}

	o.log.Warn().Str("session_id", session.ID).Int("rounds", MaxToolRounds+1).
		Msg("tool round limit exhausted, truncating")
	return text.String(), usage, usedTools, nil
}

// applySideChannel handles segment-switch and escalation requests tools
// made during the round. Failures are logged, never fatal.
func (o *Orchestrator) applySideChannel(ctx context.Context, reqCtx *toolexec.RequestContext, session *models.Session, userMsg *models.Message) {
	if reqCtx.SwitchRequested() {
		if _, err := o.convos.Switch(ctx, session.ID, userMsg); err != nil {
			o.log.Warn().Err(err).Str("session_id", session.ID).Msg("segment switch failed")
		}
	}
	if delta := reqCtx.EscalationRequested(); delta > 0 {
		active, err := o.convos.Active(ctx, session.ID)
		if err != nil || active == nil {
			return
		}
		active.EscalationLevel += delta
		if active.EscalationLevel > 3 {
			active.EscalationLevel = 3
		}
		if err := o.store.UpdateConversation(ctx, active); err != nil {
			o.log.Warn().Err(err).Str("session_id", session.ID).Msg("escalation update failed")
		}
	}
}

func (o *Orchestrator) resolveSession(ctx context.Context, req Request) (*models.Session, error) {
	if req.SessionID != "" {
		return o.store.GetSession(ctx, req.SessionID)
	}
	session, err := o.store.FindSession(ctx, req.Workspace, req.ChannelID, req.ExternalUserID)
	if err == nil {
		return session, nil
	}
	if !store.IsNotFound(err) {
		return nil, err
	}
	session = &models.Session{
		ID:             uuid.NewString(),
		Workspace:      req.Workspace,
		AgentID:        req.AgentID,
		ChannelID:      req.ChannelID,
		ExternalUserID: req.ExternalUserID,
		LastActivityAt: time.Now().UTC(),
		CreatedAt:      time.Now().UTC(),
	}
	if err := o.store.CreateSession(ctx, session); err != nil {
		return nil, err
	}
	o.log.Info().Str("session_id", session.ID).Str("workspace", req.Workspace).
		Str("channel", req.ChannelID).Msg("session created")
	return session, nil
}

// resolveRoute loads the per-request config snapshot and resolves it.
func (o *Orchestrator) resolveRoute(ctx context.Context, req Request) (*models.Resolution, error) {
	snap := routing.ConfigSnapshot{}
	var err error
	if snap.Profiles, err = o.store.ListProviderProfiles(ctx, req.Workspace); err != nil && !store.IsNotFound(err) {
		return nil, fmt.Errorf("load profiles: %w", err)
	}
	if legacy, err := o.store.GetLegacyProviderConfig(ctx, req.Workspace); err == nil {
		snap.Legacy = legacy
	}
	if snap.Routes, err = o.store.ListCapabilityRoutes(ctx, req.Workspace); err != nil && !store.IsNotFound(err) {
		return nil, fmt.Errorf("load routes: %w", err)
	}
	if snap.Rules, err = o.store.ListRoutingRules(ctx, req.Workspace); err != nil && !store.IsNotFound(err) {
		return nil, fmt.Errorf("load rules: %w", err)
	}
	if constraints, err := o.store.GetModelConstraints(ctx, req.Workspace); err == nil {
		snap.Constraints = constraints
	}

	capability := req.Capability
	if capability == "" {
		capability = models.CapabilityChat
		if o.tools != nil && len(o.tools.Specs()) > 0 {
			capability = models.CapabilityToolUse
		}
	}

	var pinned string
	if req.AgentID != "" {
		if agent, err := o.store.GetAgent(ctx, req.AgentID); err == nil {
			pinned = agent.PinnedModel
		}
	}

	var budget models.BudgetSignal
	if req.Budget != nil {
		budget = *req.Budget
	}

	resolution, err := routing.Resolve(snap, routing.ResolveRequest{
		Capability:  capability,
		Message:     req.Message,
		Override:    req.Override,
		PinnedModel: pinned,
		Budget:      budget,
	})
	if err != nil {
		return nil, err
	}
	if resolution.APIKey == "" && routing.RequiresAPIKey(resolution.Provider) {
		return nil, routing.ErrNoAPIKey
	}
	return resolution, nil
}

// updateRunText persists incremental output so a poller sees mid-flight
// progress. Best-effort.
func (o *Orchestrator) updateRunText(run *models.ActiveRun, partial string) {
	run.Status = models.RunStreaming
	run.PartialText = partial
	run.UpdatedAt = time.Now().UTC()
	if err := o.store.PutRun(context.Background(), run); err != nil {
		o.log.Warn().Err(err).Str("session_id", run.SessionID).Msg("run update failed")
	}
}

func (o *Orchestrator) completeRun(run *models.ActiveRun, final string) {
	run.Status = models.RunComplete
	run.PartialText = final
	run.UpdatedAt = time.Now().UTC()
	if err := o.store.PutRun(context.Background(), run); err != nil {
		o.log.Warn().Err(err).Str("session_id", run.SessionID).Msg("run completion write failed")
	}
}

func (o *Orchestrator) failRun(run *models.ActiveRun, cause error, emit EmitFunc) {
	run.Status = models.RunError
	run.Error = cause.Error()
	run.UpdatedAt = time.Now().UTC()
	if err := o.store.PutRun(context.Background(), run); err != nil {
		o.log.Warn().Err(err).Str("session_id", run.SessionID).Msg("run error write failed")
	}
	emit(models.StreamEvent{Type: models.StreamError, Error: cause.Error(), SessionID: run.SessionID})
}

// persistAssistant writes the final assistant message. Best-effort; a write
// failure is logged, the response was already streamed.
func (o *Orchestrator) persistAssistant(ctx context.Context, session *models.Session, content string, usage models.TokenUsage, model string, latency time.Duration) {
	if content == "" {
		return
	}
	msg := &models.Message{
		ID:        uuid.NewString(),
		SessionID: session.ID,
		Role:      "assistant",
		Content:   content,
		Usage:     &usage,
		CostUSD:   estimateCost(model, usage),
		Model:     model,
		LatencyMs: latency.Milliseconds(),
		CreatedAt: time.Now().UTC(),
	}
	if err := o.store.AppendMessage(ctx, msg); err != nil {
		o.log.Error().Err(err).Str("session_id", session.ID).Msg("assistant message write failed")
		return
	}
	if _, err := o.convos.Assign(ctx, session.ID, msg); err != nil {
		o.log.Warn().Err(err).Str("session_id", session.ID).Msg("assistant message unsegmented")
	}
	session.MessageCount++
	session.LastActivityAt = time.Now().UTC()
	if err := o.store.UpdateSession(ctx, session); err != nil {
		o.log.Warn().Err(err).Str("session_id", session.ID).Msg("session update failed")
	}
}

// recordUsage is best-effort billing bookkeeping.
func (o *Orchestrator) recordUsage(ctx context.Context, workspace, sessionID, model string, usage models.TokenUsage, cost float64) {
	if usage.Input == 0 && usage.Output == 0 {
		return
	}
	record := &models.UsageRecord{
		ID:        uuid.NewString(),
		Workspace: workspace,
		SessionID: sessionID,
		Model:     model,
		Usage:     usage,
		CostUSD:   cost,
		CreatedAt: time.Now().UTC(),
	}
	if err := o.store.RecordUsage(ctx, record); err != nil {
		o.log.Warn().Err(err).Str("session_id", sessionID).Msg("usage record failed")
	}
}
