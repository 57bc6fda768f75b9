package media

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

const defaultProbeTTL = 30 * time.Second

type HealthChecker interface {
	Health(ctx context.Context) (*Health, error)
}

// CachedProbe caches media service health results for a TTL so /health
// does not hit the media service on every call.
type CachedProbe struct {
	checker HealthChecker
	ttl     time.Duration
	logger  *slog.Logger

	mu     sync.RWMutex
	cached *Health
}

func NewCachedProbe(checker HealthChecker, logger *slog.Logger) *CachedProbe {
	return &CachedProbe{
		checker: checker,
		ttl:     defaultProbeTTL,
		logger:  logger,
	}
}

// SetTTL overrides how long a successful probe stays fresh.
func (p *CachedProbe) SetTTL(ttl time.Duration) {
	p.mu.Lock()
	p.ttl = ttl
	p.mu.Unlock()
}

// Get returns the cached result if fresh, otherwise re-probes.
func (p *CachedProbe) Get(ctx context.Context) (*Health, error) {
	p.mu.RLock()
	if p.cached != nil && time.Since(p.cached.ProbedAt) < p.ttl {
		h := p.cached
		p.mu.RUnlock()
		return h, nil
	}
	p.mu.RUnlock()

	return p.Refresh(ctx)
}

func (p *CachedProbe) Peek() *Health {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.cached
}

// Refresh forces a new probe. On failure the last good result is cleared so
// callers see the outage.
func (p *CachedProbe) Refresh(ctx context.Context) (*Health, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	h, err := p.checker.Health(ctx)
	if err != nil {
		if p.logger != nil {
			p.logger.Warn("media service probe failed", "error", err)
		}
		p.cached = nil
		return nil, err
	}

	p.cached = h
	return h, nil
}

// Invalidate clears the cached result.
func (p *CachedProbe) Invalidate() {
	p.mu.Lock()
	p.cached = nil
	p.mu.Unlock()
}
