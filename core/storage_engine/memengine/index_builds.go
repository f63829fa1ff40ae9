package memengine

import (
	"context"
	"sync"
)

// IndexBuildTracker counts index builds in progress per namespace.
type IndexBuildTracker struct {
	mu     sync.Mutex
	active map[string]int
	// changed is closed and replaced whenever a build finishes.
	changed chan struct{}
}

func NewIndexBuildTracker() *IndexBuildTracker {
	return &IndexBuildTracker{active: make(map[string]int), changed: make(chan struct{})}
}

// Start registers a build on ns. The returned func marks it finished and
// may be called more than once.
func (t *IndexBuildTracker) Start(ns string) func() {
	t.mu.Lock()
	t.active[ns]++
	t.mu.Unlock()
	var once sync.Once
	return func() {
		once.Do(func() {
			t.mu.Lock()
			defer t.mu.Unlock()
			if t.active[ns]--; t.active[ns] <= 0 {
				delete(t.active, ns)
			}
			close(t.changed)
			t.changed = make(chan struct{})
		})
	}
}

// Active returns the number of builds running on ns.
func (t *IndexBuildTracker) Active(ns string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.active[ns]
}

// Wait blocks until no build runs on any of namespaces.
func (t *IndexBuildTracker) Wait(ctx context.Context, namespaces []string) error {
	for {
		t.mu.Lock()
		busy := false
		for _, ns := range namespaces {
			if t.active[ns] > 0 {
				busy = true
				break
			}
		}
		changed := t.changed
		t.mu.Unlock()
		if !busy {
			return nil
		}
		select {
		case <-changed:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// IndexBuilds exposes the engine's tracker.
func (e *Engine) IndexBuilds() *IndexBuildTracker {
	return e.builds
}

// WaitForIndexBuilds blocks until no index build runs on namespaces.
func (e *Engine) WaitForIndexBuilds(ctx context.Context, namespaces []string) error {
	return e.builds.Wait(ctx, namespaces)
}
