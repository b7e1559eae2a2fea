package chain

import "sync"

// mutationGuard admits at most one in-flight mutation per execution id
// within this process. It never blocks: a second caller is turned away and
// reports a concurrency conflict. Cross-process exclusion comes from the
// store's version check.
type mutationGuard struct {
	mu   sync.Mutex
	held map[string]struct{}
}

func newMutationGuard() *mutationGuard {
	return &mutationGuard{held: make(map[string]struct{})}
}

// tryAcquire claims executionID. The returned release must be called exactly
// once when ok is true.
func (g *mutationGuard) tryAcquire(executionID string) (release func(), ok bool) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if _, busy := g.held[executionID]; busy {
		return nil, false
	}
	g.held[executionID] = struct{}{}

	var once sync.Once
	return func() {
		once.Do(func() {
			g.mu.Lock()
			delete(g.held, executionID)
			g.mu.Unlock()
		})
	}, true
}

// inFlight reports how many executions are currently being mutated.
func (g *mutationGuard) inFlight() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.held)
}
