package emit

import "sync"

// BufferedEmitter stores events in memory, grouped by execution.
//
// Use cases:
//   - Testing and validation
//   - Post-run inspection in the CLI simulator
//
// Warning: events are never evicted. Call Clear for long-lived processes.
type BufferedEmitter struct {
	mu     sync.RWMutex
	events map[string][]Event // executionID -> events
}

// HistoryFilter selects events. Empty fields match everything; set fields are
// combined with AND.
type HistoryFilter struct {
	LinkID string
	Msg    string
}

// NewBufferedEmitter creates an empty BufferedEmitter.
func NewBufferedEmitter() *BufferedEmitter {
	return &BufferedEmitter{
		events: make(map[string][]Event),
	}
}

// Emit stores an event.
func (b *BufferedEmitter) Emit(event Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.events[event.ExecutionID] = append(b.events[event.ExecutionID], event)
}

// GetHistory returns a copy of all events of an execution in emission order.
func (b *BufferedEmitter) GetHistory(executionID string) []Event {
	return b.GetHistoryWithFilter(executionID, HistoryFilter{})
}

// GetHistoryWithFilter returns the events of an execution matching filter.
func (b *BufferedEmitter) GetHistoryWithFilter(executionID string, filter HistoryFilter) []Event {
	b.mu.RLock()
	defer b.mu.RUnlock()

	result := make([]Event, 0, len(b.events[executionID]))
	for _, event := range b.events[executionID] {
		if filter.LinkID != "" && event.LinkID != filter.LinkID {
			continue
		}
		if filter.Msg != "" && event.Msg != filter.Msg {
			continue
		}
		result = append(result, event)
	}
	return result
}

// Clear removes the events of one execution, or of all executions when
// executionID is empty.
func (b *BufferedEmitter) Clear(executionID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if executionID == "" {
		b.events = make(map[string][]Event)
		return
	}
	delete(b.events, executionID)
}
