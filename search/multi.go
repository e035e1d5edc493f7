package search

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sony/gobreaker"

	"briefcast.org/common"
)

// ErrProvidersExhausted is returned when every configured provider is either
// unhealthy or has already been attempted for the current call.
var ErrProvidersExhausted = errors.New("search: all providers exhausted")

// MultiConfig tunes the failover behavior.
type MultiConfig struct {
	// FailureThreshold is the number of consecutive failures after which a
	// provider is marked unhealthy.
	FailureThreshold int

	// RecoveryTimeout is how long an unhealthy provider stays out of rotation
	// before a single probe request is allowed through again.
	RecoveryTimeout time.Duration
}

type providerState struct {
	provider Provider
	breaker  *gobreaker.CircuitBreaker

	mu            sync.Mutex
	totalRequests int64
	totalFailures int64
	lastSuccess   time.Time
	lastFailure   time.Time
}

func (ps *providerState) record(err error) {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	ps.totalRequests++
	if err != nil {
		ps.totalFailures++
		ps.lastFailure = time.Now()
	} else {
		ps.lastSuccess = time.Now()
	}
}

// Multi orchestrates an ordered list of providers with per-provider circuit
// breaking. Each call walks the list in order, skipping open breakers, and
// returns the first successful response. A breaker opens after
// FailureThreshold consecutive failures and allows one half-open probe after
// RecoveryTimeout.
type Multi struct {
	providers []*providerState
}

// NewMulti builds the orchestrator over the given providers in priority order.
func NewMulti(cfg MultiConfig, providers ...Provider) *Multi {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 3
	}
	if cfg.RecoveryTimeout <= 0 {
		cfg.RecoveryTimeout = 5 * time.Minute
	}

	m := &Multi{}
	for _, p := range providers {
		threshold := uint32(cfg.FailureThreshold)
		state := &providerState{provider: p}
		state.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        p.Name(),
			MaxRequests: 1,
			Timeout:     cfg.RecoveryTimeout,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= threshold
			},
			OnStateChange: func(name string, from, to gobreaker.State) {
				common.Logger.WithField("provider", name).
					WithField("from", from.String()).WithField("to", to.String()).
					Info("search provider health changed")
			},
		})
		m.providers = append(m.providers, state)
	}
	return m
}

// Name implements Provider.
func (m *Multi) Name() string { return "multi" }

// Search implements Provider with ordered failover.
func (m *Multi) Search(ctx context.Context, query string, filters Filters) (*Response, error) {
	var lastErr error
	for _, ps := range m.providers {
		result, err := ps.breaker.Execute(func() (interface{}, error) {
			resp, err := ps.provider.Search(ctx, query, filters)
			ps.record(err)
			return resp, err
		})
		if err == nil {
			return result.(*Response), nil
		}
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			// Unhealthy and still cooling down; not counted as an attempt.
			continue
		}
		lastErr = err
		common.Logger.WithError(err).WithField("provider", ps.provider.Name()).
			WithField("query", query).Warn("provider failed, trying next")
	}

	if lastErr != nil {
		return nil, fmt.Errorf("%w: %v", ErrProvidersExhausted, lastErr)
	}
	return nil, ErrProvidersExhausted
}

// SearchMultiple implements Provider.
func (m *Multi) SearchMultiple(ctx context.Context, queries []string, filters Filters) (map[string]*Response, error) {
	return searchSequential(ctx, m, queries, filters)
}

// Health returns a snapshot of every provider's health, in priority order.
func (m *Multi) Health() []ProviderHealth {
	out := make([]ProviderHealth, 0, len(m.providers))
	for _, ps := range m.providers {
		ps.mu.Lock()
		h := ProviderHealth{
			Name:                ps.provider.Name(),
			Healthy:             ps.breaker.State() == gobreaker.StateClosed,
			ConsecutiveFailures: int(ps.breaker.Counts().ConsecutiveFailures),
			TotalRequests:       ps.totalRequests,
			TotalFailures:       ps.totalFailures,
			LastSuccess:         ps.lastSuccess,
			LastFailure:         ps.lastFailure,
		}
		ps.mu.Unlock()
		out = append(out, h)
	}
	return out
}

var _ Provider = (*Multi)(nil)
