// Package report defines the boundary to the invoice reporting engine.
// The engine's internals (text extraction, field analysis, PDF rendering)
// live outside this system; the pipeline only depends on the call being
// abortable at its deadline.
package report

import (
	"context"

	"github.com/SalmaAmgarou/invoice/internal/task"
)

// Output is the raw product of a processing run: the full report and its
// anonymized counterpart.
type Output struct {
	NonAnonymousReport []byte
	AnonymousReport    []byte
}

// Engine processes one job's input artifacts. Implementations must honor
// context cancellation: when the hard deadline fires, the caller discards
// any late result.
type Engine interface {
	Process(ctx context.Context, desc task.Descriptor) (Output, error)
}
