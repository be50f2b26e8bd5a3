package toolexec

import (
	"context"
	"time"

	jsoniter "github.com/json-iterator/go"

	"github.com/parley-ai/parley/internal/knowledge"
	"github.com/parley-ai/parley/internal/provider"
	"github.com/parley-ai/parley/internal/store"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// RegisterBuiltins installs the gateway's standard tools: topic management,
// context escalation, and knowledge recall. They are always available
// alongside whatever tools the deployment registers on top.
func RegisterBuiltins(r *Registry, st store.Store) {
	r.Register(NewTopicTool())
	r.Register(ExpandContextTool())
	r.Register(CurrentTimeTool())
	if st != nil {
		r.Register(RecallKnowledgeTool(st))
	}
}

// NewTopicTool lets the model close the current conversation segment and
// start a fresh one when the user changes subject.
func NewTopicTool() Tool {
	return Tool{
		Spec: provider.ToolSpec{
			Name:        "new_topic",
			Description: "Start a new conversation topic. Call this when the user has clearly moved on to an unrelated subject, so earlier context stops crowding the new discussion.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"reason": map[string]any{
						"type":        "string",
						"description": "Short note on why the topic changed",
					},
				},
			},
		},
		Handler: func(ctx context.Context, args string, reqCtx *RequestContext) (string, error) {
			if reqCtx != nil {
				reqCtx.RequestSegmentSwitch()
			}
			return "Started a new topic. Previous discussion will be summarized.", nil
		},
	}
}

// ExpandContextTool lets the model request broader context when the current
// window is too narrow to answer well.
func ExpandContextTool() Tool {
	return Tool{
		Spec: provider.ToolSpec{
			Name:        "expand_context",
			Description: "Request a wider context window when you lack history or knowledge needed to answer. Takes effect on the next turn.",
			Parameters: map[string]any{
				"type":       "object",
				"properties": map[string]any{},
			},
		},
		Handler: func(ctx context.Context, args string, reqCtx *RequestContext) (string, error) {
			if reqCtx != nil {
				reqCtx.RequestEscalation(1)
			}
			return "Context breadth will widen starting next turn.", nil
		},
	}
}

// CurrentTimeTool reports server time. Cheap grounding for scheduling chat.
func CurrentTimeTool() Tool {
	return Tool{
		Spec: provider.ToolSpec{
			Name:        "current_time",
			Description: "Get the current date and time in UTC.",
			Parameters: map[string]any{
				"type":       "object",
				"properties": map[string]any{},
			},
		},
		Handler: func(ctx context.Context, args string, reqCtx *RequestContext) (string, error) {
			return time.Now().UTC().Format(time.RFC3339), nil
		},
	}
}

// RecallKnowledgeTool searches the workspace knowledge base by keyword
// relevance, letting the model pull facts that were filtered out of the
// assembled prompt.
func RecallKnowledgeTool(st store.Store) Tool {
	return Tool{
		Spec: provider.ToolSpec{
			Name:        "recall_knowledge",
			Description: "Search the stored knowledge base for facts matching a query.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"query": map[string]any{
						"type":        "string",
						"description": "What to look up",
					},
				},
				"required": []string{"query"},
			},
		},
		Handler: func(ctx context.Context, args string, reqCtx *RequestContext) (string, error) {
			var params struct {
				Query string `json:"query"`
			}
			if err := json.Unmarshal([]byte(args), &params); err != nil {
				return "", err
			}
			if reqCtx == nil {
				return "No knowledge available.", nil
			}

			entries, err := st.ListKnowledge(ctx, reqCtx.Workspace, reqCtx.AgentID)
			if err != nil {
				return "", err
			}
			relevant := knowledge.Filter(ctx, params.Query, entries, nil)
			if len(relevant) == 0 {
				return "No matching knowledge found.", nil
			}
			return knowledge.FormatBlock(relevant), nil
		},
	}
}
