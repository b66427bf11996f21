package voice

import (
	"context"
	"fmt"

	"github.com/ent0n29/rehearsal/internal/persona"
	"github.com/ent0n29/rehearsal/internal/session"
)

// NewFactory returns the session factory used by the manager. Actors run on
// base, not on the request context that created them.
func NewFactory(base context.Context, personas persona.Provider, cfg Config, deps Deps) session.Factory {
	return func(ctx context.Context, id string, start session.StartConfig) (session.Conversation, error) {
		p, err := personas.Lookup(ctx, start.ScenarioID)
		if err != nil {
			return nil, fmt.Errorf("lookup scenario %q: %w", start.ScenarioID, err)
		}
		o := NewOrchestrator(id, start, p, cfg, deps)
		go o.Run(base)
		return o, nil
	}
}
