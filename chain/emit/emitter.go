package emit

// Emitter receives observability events from the engine.
//
// Implementations should be:
//   - Non-blocking: the engine calls Emit on the request path
//   - Thread-safe: executions are mutated concurrently
//   - Resilient: Emit must not panic and has no error return
type Emitter interface {
	// Emit sends an observability event to the configured backend.
	Emit(event Event)
}

// MultiEmitter fans every event out to several emitters in order.
type MultiEmitter struct {
	emitters []Emitter
}

// NewMultiEmitter combines emitters. Nil entries are skipped.
func NewMultiEmitter(emitters ...Emitter) *MultiEmitter {
	out := make([]Emitter, 0, len(emitters))
	for _, e := range emitters {
		if e != nil {
			out = append(out, e)
		}
	}
	return &MultiEmitter{emitters: out}
}

// Emit forwards the event to every wrapped emitter.
func (m *MultiEmitter) Emit(event Event) {
	for _, e := range m.emitters {
		e.Emit(event)
	}
}
