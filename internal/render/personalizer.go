package render

import "context"

// Personalizer is a stateless single-shot text-completion capability used to
// rewrite step content for one recipient. Implementations must be safe for
// concurrent use.
//
// A Personalizer failure is never fatal: the renderer always falls back to
// the deterministic placeholder-substitution path.
type Personalizer interface {
	// Name identifies the provider in debug logs.
	Name() string
	// Complete returns the rewritten text for the given prompt.
	Complete(ctx context.Context, prompt string) (string, error)
}

// NullPersonalizer is the default capability when no provider is configured.
// It reports itself unavailable so the renderer takes the deterministic path
// without special-casing.
type NullPersonalizer struct{}

func (NullPersonalizer) Name() string { return "null" }

func (NullPersonalizer) Complete(context.Context, string) (string, error) {
	return "", ErrPersonalizerUnavailable
}
