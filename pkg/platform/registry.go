package platform

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/time/rate"
)

// Registry maps platform names to adapters and enforces each venue's order
// rate budget before any order goes out.
type Registry struct {
	mu       sync.RWMutex
	adapters map[string]Adapter
	limiters map[string]*rate.Limiter
	down     map[string]bool
}

func NewRegistry() *Registry {
	return &Registry{
		adapters: make(map[string]Adapter),
		limiters: make(map[string]*rate.Limiter),
		down:     make(map[string]bool),
	}
}

// Register installs an adapter with an order budget of perMinute and burst.
func (r *Registry) Register(a Adapter, perMinute, burst int) {
	if perMinute <= 0 {
		perMinute = 60
	}
	if burst <= 0 {
		burst = 10
	}
	r.mu.Lock()
	r.adapters[a.Name()] = a
	r.limiters[a.Name()] = rate.NewLimiter(rate.Limit(float64(perMinute)/60.0), burst)
	r.mu.Unlock()
}

// Get returns the adapter for a platform name.
func (r *Registry) Get(name string) (Adapter, error) {
	r.mu.RLock()
	a, ok := r.adapters[name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("platform %q not registered", name)
	}
	return a, nil
}

// Names lists registered platforms.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.adapters))
	for n := range r.adapters {
		names = append(names, n)
	}
	return names
}

// Available reports whether a platform is registered and not marked down.
func (r *Registry) Available(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.adapters[name]
	return ok && !r.down[name]
}

// SetAvailable marks a platform up or down. Dispatch fails sessions for a
// down platform without burning execution retries.
func (r *Registry) SetAvailable(name string, up bool) {
	r.mu.Lock()
	r.down[name] = !up
	r.mu.Unlock()
}

// Wait blocks until the venue's rate budget admits one more order.
func (r *Registry) Wait(ctx context.Context, name string) error {
	r.mu.RLock()
	lim, ok := r.limiters[name]
	r.mu.RUnlock()
	if !ok {
		return fmt.Errorf("platform %q not registered", name)
	}
	if err := lim.Wait(ctx); err != nil {
		return fmt.Errorf("rate budget wait for %s: %w", name, err)
	}
	return nil
}

// Budget returns the configured sustained rate (orders per minute).
func (r *Registry) Budget(name string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	lim, ok := r.limiters[name]
	if !ok {
		return 0
	}
	return int(float64(lim.Limit()) * 60.0)
}
