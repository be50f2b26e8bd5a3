// Package toolexec executes the tool calls a model emits during a round.
// Tools are registered by name; execution failures are reported back to the
// model as error-flagged results, never as Go errors.
package toolexec

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"github.com/parley-ai/parley/internal/provider"
	"github.com/parley-ai/parley/pkg/models"
)

// RequestContext is the side channel tools may mutate during execution.
// A tool that detects a topic change sets SwitchSegment so the orchestrator
// reassigns the triggering message to a fresh conversation segment.
type RequestContext struct {
	Workspace string
	SessionID string
	AgentID   string

	mu            sync.Mutex
	switchSegment bool
	escalateBy    int
}

// RequestSegmentSwitch asks the orchestrator to start a new conversation
// segment after this round.
func (rc *RequestContext) RequestSegmentSwitch() {
	rc.mu.Lock()
	rc.switchSegment = true
	rc.mu.Unlock()
}

// SwitchRequested reports and clears the pending switch flag.
func (rc *RequestContext) SwitchRequested() bool {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	v := rc.switchSegment
	rc.switchSegment = false
	return v
}

// RequestEscalation widens context breadth for subsequent turns.
func (rc *RequestContext) RequestEscalation(levels int) {
	rc.mu.Lock()
	rc.escalateBy += levels
	rc.mu.Unlock()
}

// EscalationRequested reports and clears the pending escalation delta.
func (rc *RequestContext) EscalationRequested() int {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	v := rc.escalateBy
	rc.escalateBy = 0
	return v
}

// Handler runs one tool call. Arguments arrive as raw JSON; the returned
// string is fed back to the model verbatim.
type Handler func(ctx context.Context, args string, reqCtx *RequestContext) (string, error)

// Tool pairs a schema (offered to the model) with its handler.
type Tool struct {
	Spec    provider.ToolSpec
	Handler Handler
}

// Executor hands a round's collected tool calls to their handlers.
type Executor interface {
	// Execute runs every call and returns one result per call, in order.
	// Failures are error-flagged results, not returned errors.
	Execute(ctx context.Context, calls []models.ToolCall, reqCtx *RequestContext) []models.ToolResult

	// Specs lists the registered tools for the model call.
	Specs() []provider.ToolSpec
}

// Registry is the standard Executor: a name-keyed tool table.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]Tool
	order []string
	log   zerolog.Logger
}

func NewRegistry(log zerolog.Logger) *Registry {
	return &Registry{
		tools: make(map[string]Tool),
		log:   log.With().Str("component", "toolexec").Logger(),
	}
}

// Register adds or replaces a tool.
func (r *Registry) Register(t Tool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.tools[t.Spec.Name]; !exists {
		r.order = append(r.order, t.Spec.Name)
	}
	r.tools[t.Spec.Name] = t
}

func (r *Registry) Specs() []provider.ToolSpec {
	r.mu.RLock()
	defer r.mu.RUnlock()
	specs := make([]provider.ToolSpec, 0, len(r.order))
	for _, name := range r.order {
		specs = append(specs, r.tools[name].Spec)
	}
	return specs
}

func (r *Registry) Execute(ctx context.Context, calls []models.ToolCall, reqCtx *RequestContext) []models.ToolResult {
	results := make([]models.ToolResult, 0, len(calls))
	for _, call := range calls {
		results = append(results, r.executeOne(ctx, call, reqCtx))
	}
	return results
}

func (r *Registry) executeOne(ctx context.Context, call models.ToolCall, reqCtx *RequestContext) models.ToolResult {
	result := models.ToolResult{ToolCallID: call.ID, ToolName: call.Name}

	r.mu.RLock()
	tool, ok := r.tools[call.Name]
	r.mu.RUnlock()
	if !ok {
		result.IsError = true
		result.Content = fmt.Sprintf("unknown tool %q", call.Name)
		return result
	}

	content, err := r.runSafely(ctx, tool, call, reqCtx)
	if err != nil {
		r.log.Warn().Err(err).Str("tool", call.Name).Str("session_id", sessionID(reqCtx)).Msg("tool failed")
		result.IsError = true
		result.Content = err.Error()
		return result
	}
	result.Content = content
	return result
}

// runSafely converts a panicking handler into an error result so one bad
// tool cannot take down the request.
func (r *Registry) runSafely(ctx context.Context, tool Tool, call models.ToolCall, reqCtx *RequestContext) (content string, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("tool %q panicked: %v", call.Name, rec)
		}
	}()
	return tool.Handler(ctx, call.Arguments, reqCtx)
}

func sessionID(rc *RequestContext) string {
	if rc == nil {
		return ""
	}
	return rc.SessionID
}
