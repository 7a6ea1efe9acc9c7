// Package calculated recomputes derived fields inside the fixpoint loop.
// Each handler owns a disjoint set of output fields and watches a set of
// input fields that no handler writes, so repeated application converges.
package calculated

import (
	"context"

	"github.com/plenumd/plenum/internal/overlay"
	"github.com/plenumd/plenum/internal/schema"
)

// Env bundles what a handler needs to read merged state and stage results.
type Env struct {
	Registry *schema.Registry
	Overlay  *overlay.Overlay
}

// Handler recomputes the fields declared with its name in the model.
type Handler interface {
	// Name matches the calculated_by attribute in the model declaration.
	Name() string
	// Relevant reports whether the change can affect this handler's output.
	Relevant(reg *schema.Registry, ch overlay.Change) bool
	// Apply recomputes and stages the affected output fields, returning the
	// changes it staged. Apply must be idempotent.
	Apply(ctx context.Context, env Env, ch overlay.Change) ([]overlay.Change, error)
}

// Registry holds the registered handlers in registration order.
type Registry struct {
	handlers []Handler
}

// NewRegistry returns a registry preloaded with the built-in handlers.
func NewRegistry() *Registry {
	return &Registry{handlers: []Handler{
		&meetingUsers{},
		&userMeetings{},
		&userCommittees{},
	}}
}

// Register appends a handler.
func (r *Registry) Register(h Handler) {
	r.handlers = append(r.handlers, h)
}

// HandlersFor returns every handler the change is relevant to.
func (r *Registry) HandlersFor(reg *schema.Registry, ch overlay.Change) []Handler {
	var out []Handler
	for _, h := range r.handlers {
		if h.Relevant(reg, ch) {
			out = append(out, h)
		}
	}
	return out
}
