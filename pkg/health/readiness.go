package health

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

const defaultTTL = 15 * time.Second

// Probe reports nil when the dependency is ready.
type Probe func(ctx context.Context) error

// Readiness caches the result of a probe for a TTL. Concurrent callers with
// a stale value share one probe call.
type Readiness struct {
	probe   Probe
	ttl     time.Duration
	timeout time.Duration
	now     func() time.Time
	group   singleflight.Group

	mu        sync.RWMutex
	ready     bool
	checkedAt time.Time
}

// Option customizes a Readiness holder.
type Option func(*Readiness)

// WithTTL sets how long a probe result is served.
func WithTTL(ttl time.Duration) Option {
	return func(r *Readiness) {
		if ttl > 0 {
			r.ttl = ttl
		}
	}
}

// WithProbeTimeout bounds a single probe call.
func WithProbeTimeout(timeout time.Duration) Option {
	return func(r *Readiness) {
		if timeout > 0 {
			r.timeout = timeout
		}
	}
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(r *Readiness) {
		if now != nil {
			r.now = now
		}
	}
}

// NewReadiness builds a holder that starts not ready and unchecked.
func NewReadiness(probe Probe, opts ...Option) *Readiness {
	r := &Readiness{
		probe:   probe,
		ttl:     defaultTTL,
		timeout: 3 * time.Second,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Ready returns the cached value, refreshing it first when it is older than the TTL.
func (r *Readiness) Ready(ctx context.Context) bool {
	r.mu.RLock()
	ready, checkedAt := r.ready, r.checkedAt
	r.mu.RUnlock()
	if !checkedAt.IsZero() && r.now().Sub(checkedAt) < r.ttl {
		return ready
	}
	v, _, _ := r.group.Do("probe", func() (any, error) {
		return r.refresh(ctx), nil
	})
	return v.(bool)
}

// Set overrides the cached value, e.g. after an observed upstream failure.
func (r *Readiness) Set(ready bool) {
	r.mu.Lock()
	r.ready = ready
	r.checkedAt = r.now()
	r.mu.Unlock()
}

func (r *Readiness) refresh(ctx context.Context) bool {
	probeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.timeout)
	defer cancel()
	err := r.probe(probeCtx)
	ready := err == nil
	if err != nil {
		slog.Warn("readiness_probe_failed", "err", err)
	}
	r.Set(ready)
	return ready
}
