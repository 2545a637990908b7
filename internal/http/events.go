package http

import "sync"

// caseEvents fans medical case updates out to the streams watching a
// session.  Subscribers get a wake-up, not the case; consecutive updates
// coalesce while a subscriber is busy.
type caseEvents struct {
	mu   sync.Mutex
	subs map[string]map[chan struct{}]struct{}
}

func newCaseEvents() *caseEvents {
	return &caseEvents{subs: make(map[string]map[chan struct{}]struct{})}
}

func (e *caseEvents) subscribe(sessionID string) (<-chan struct{}, func()) {
	ch := make(chan struct{}, 1)
	e.mu.Lock()
	if e.subs[sessionID] == nil {
		e.subs[sessionID] = make(map[chan struct{}]struct{})
	}
	e.subs[sessionID][ch] = struct{}{}
	e.mu.Unlock()

	return ch, func() {
		e.mu.Lock()
		delete(e.subs[sessionID], ch)
		if len(e.subs[sessionID]) == 0 {
			delete(e.subs, sessionID)
		}
		e.mu.Unlock()
	}
}

func (e *caseEvents) publish(sessionID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for ch := range e.subs[sessionID] {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}
