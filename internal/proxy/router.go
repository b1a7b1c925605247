package proxy

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/sony/gobreaker"

	"github.com/vnmchuo/dream-interpreter/internal/provider"
	"github.com/vnmchuo/dream-interpreter/internal/relay"
)

var ErrNoProvider = errors.New("all providers unavailable")

// Router picks the provider for a model and guards each provider with a
// circuit breaker. Failed streams count against the provider that served them.
type Router struct {
	providers []provider.Provider
	breakers  map[provider.Kind]*gobreaker.CircuitBreaker
}

func NewRouter(providers []provider.Provider) *Router {
	breakers := make(map[provider.Kind]*gobreaker.CircuitBreaker)
	for _, p := range providers {
		settings := gobreaker.Settings{
			Name:        string(p.Kind()),
			MaxRequests: 3,
			Interval:    5 * time.Second,
			Timeout:     30 * time.Second,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= 3
			},
			OnStateChange: func(name string, from, to gobreaker.State) {
				log.Warn().Str("provider", name).Str("from", from.String()).Str("to", to.String()).Msg("circuit breaker state changed")
			},
		}
		breakers[p.Kind()] = gobreaker.NewCircuitBreaker(settings)
	}
	return &Router{
		providers: providers,
		breakers:  breakers,
	}
}

// Route returns the first provider that serves model and whose breaker is
// not open. An empty model takes the first available provider.
func (r *Router) Route(ctx context.Context, model string) (provider.Provider, error) {
	for _, p := range r.providers {
		if r.breakers[p.Kind()].State() == gobreaker.StateOpen {
			continue
		}
		if model == "" {
			return p, nil
		}
		for _, m := range p.SupportedModels() {
			if m == model {
				return p, nil
			}
		}
	}
	return nil, ErrNoProvider
}

// Bind returns a relay source that streams from p and reports the outcome
// to its breaker.
func (r *Router) Bind(p provider.Provider) relay.Streamer {
	return &guardedStream{p: p, cb: r.breakers[p.Kind()]}
}

type guardedStream struct {
	p  provider.Provider
	cb *gobreaker.CircuitBreaker
}

func (g *guardedStream) Kind() provider.Kind {
	return g.p.Kind()
}

func (g *guardedStream) report(err error) {
	_, _ = g.cb.Execute(func() (interface{}, error) {
		return nil, err
	})
}

func (g *guardedStream) Stream(ctx context.Context, req *provider.Request) (<-chan *provider.Chunk, error) {
	if g.cb.State() == gobreaker.StateOpen {
		return nil, fmt.Errorf("circuit breaker is open for provider: %s", g.p.Kind())
	}

	origCh, err := g.p.Stream(ctx, req)
	if err != nil {
		g.report(err)
		return nil, err
	}

	wrappedCh := make(chan *provider.Chunk)
	go func() {
		defer close(wrappedCh)
		for chunk := range origCh {
			switch {
			case chunk.Err != nil && ctx.Err() == nil:
				g.report(chunk.Err)
			case chunk.Done:
				g.report(nil)
			}
			select {
			case wrappedCh <- chunk:
			case <-ctx.Done():
				return
			}
		}
	}()

	return wrappedCh, nil
}
