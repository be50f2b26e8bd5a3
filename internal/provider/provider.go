// Package provider abstracts model backends behind a single streaming
// interface. Each driver converts the portable chat context into its wire
// format and emits a closed set of stream events, so the orchestrator's
// round loop is an exhaustive switch.
package provider

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/parley-ai/parley/pkg/models"
)

// ErrUnknownModel signals a provider/model combination no driver accepts.
var ErrUnknownModel = errors.New("model not found")

// Event is one item of a model's output stream. Implementations are
// exactly TextDelta, ToolCallEnd, Done, and StreamError.
type Event interface{ isEvent() }

// TextDelta is an incremental chunk of assistant text.
type TextDelta struct {
	Text string
}

// ToolCallEnd is a fully accumulated tool invocation request.
type ToolCallEnd struct {
	Call models.ToolCall
}

// Done terminates a successful stream. Message is the finalized assistant
// turn; Usage carries the round's token totals.
type Done struct {
	Message models.ChatMessage
	Usage   models.TokenUsage
}

// StreamError terminates a failed stream. Partial TextDelta output already
// emitted remains valid.
type StreamError struct {
	Err error
}

func (TextDelta) isEvent()   {}
func (ToolCallEnd) isEvent() {}
func (Done) isEvent()        {}
func (StreamError) isEvent() {}

// ToolSpec describes one tool offered to the model.
type ToolSpec struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Parameters  map[string]any `json:"parameters,omitempty"` // JSON schema
}

// Request is one model call.
type Request struct {
	Model     string
	System    string
	Messages  []models.ChatMessage
	Tools     []ToolSpec
	MaxTokens int

	// Credentials and endpoint from routing.
	APIKey  string
	BaseURL string
}

// Driver is one backend. Stream returns immediately; events arrive on the
// channel, which is closed after the terminal Done or StreamError.
type Driver interface {
	Name() string
	Supports(model string) bool
	Stream(ctx context.Context, req Request) (<-chan Event, error)
}

// Registry maps provider names to drivers.
type Registry struct {
	drivers map[string]Driver
}

func NewRegistry(drivers ...Driver) *Registry {
	r := &Registry{drivers: make(map[string]Driver, len(drivers))}
	for _, d := range drivers {
		r.drivers[d.Name()] = d
	}
	return r
}

// Register adds or replaces a driver.
func (r *Registry) Register(d Driver) {
	r.drivers[d.Name()] = d
}

// Resolve returns the driver for a provider/model pair, or ErrUnknownModel
// when no registered driver accepts it.
func (r *Registry) Resolve(provider, model string) (Driver, error) {
	d, ok := r.drivers[strings.ToLower(provider)]
	if !ok {
		return nil, fmt.Errorf("%w: provider %q", ErrUnknownModel, provider)
	}
	if !d.Supports(model) {
		return nil, fmt.Errorf("%w: %s/%s", ErrUnknownModel, provider, model)
	}
	return d, nil
}
