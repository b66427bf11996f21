package dialogue

import (
	"context"
	"errors"
	"fmt"
	"log"

	"github.com/ent0n29/rehearsal/internal/reliability"
)

// FallbackGenerator attempts a primary backend first and falls back on error.
type FallbackGenerator struct {
	primary  Generator
	fallback Generator
}

func NewFallbackGenerator(primary, fallback Generator) *FallbackGenerator {
	return &FallbackGenerator{primary: primary, fallback: fallback}
}

// Primary returns the preferred backend used before fallback.
func (g *FallbackGenerator) Primary() Generator {
	if g == nil {
		return nil
	}
	return g.primary
}

// Secondary returns the fallback backend.
func (g *FallbackGenerator) Secondary() Generator {
	if g == nil {
		return nil
	}
	return g.fallback
}

func (g *FallbackGenerator) Generate(ctx context.Context, req Request) (Response, error) {
	if g == nil || g.primary == nil {
		if g != nil && g.fallback != nil {
			return g.fallback.Generate(ctx, req)
		}
		return Response{}, reliability.Fatal(serviceName, errors.New("fallback generator misconfigured"))
	}

	resp, err := g.primary.Generate(ctx, req)
	if err == nil {
		return resp, nil
	}
	// The caller's attempt deadline covers both backends; once it is gone
	// there is nothing left to try.
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) || ctx.Err() != nil {
		return Response{}, err
	}
	if g.fallback == nil {
		return Response{}, err
	}

	log.Printf("dialogue primary failed session_id=%s err=%v; trying fallback", req.SessionID, err)
	fallbackResp, fallbackErr := g.fallback.Generate(ctx, req)
	if fallbackErr != nil {
		joined := fmt.Errorf("primary generator error: %w; fallback generator error: %w", err, fallbackErr)
		if reliability.Classify(err) == reliability.KindTransient || reliability.Classify(fallbackErr) == reliability.KindTransient {
			return Response{}, reliability.Transient(serviceName, joined)
		}
		return Response{}, reliability.Fatal(serviceName, joined)
	}
	return fallbackResp, nil
}
