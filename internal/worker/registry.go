package worker

import (
	"context"
	"fmt"

	"github.com/SalmaAmgarou/invoice/constants"
	"github.com/SalmaAmgarou/invoice/internal/report"
	"github.com/SalmaAmgarou/invoice/internal/task"
)

// Handler runs one job kind. Implementations validate the descriptor shape
// for their kind before touching the engine.
type Handler interface {
	Kind() constants.JobKind
	Run(ctx context.Context, desc task.Descriptor) (report.Output, error)
}

// Registry is the dispatch table the executor consults; one handler per
// job kind, registered explicitly at wiring time.
type Registry struct {
	handlers map[constants.JobKind]Handler
}

func NewRegistry(handlers ...Handler) *Registry {
	r := &Registry{handlers: make(map[constants.JobKind]Handler, len(handlers))}
	for _, h := range handlers {
		r.handlers[h.Kind()] = h
	}
	return r
}

// Register adds or replaces the handler for a kind.
func (r *Registry) Register(h Handler) {
	r.handlers[h.Kind()] = h
}

// Lookup returns the handler for a kind.
func (r *Registry) Lookup(kind constants.JobKind) (Handler, error) {
	h, ok := r.handlers[kind]
	if !ok {
		return nil, fmt.Errorf("no handler registered for job kind %q", kind)
	}
	return h, nil
}
