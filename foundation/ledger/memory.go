package ledger

import (
	"sync"
	"time"
)

// MemoryLedger keeps events in memory. Used in tests and anywhere
// durability is delegated to an external store.
type MemoryLedger struct {
	mu     sync.Mutex
	events []Event
	seq    uint64

	// FailAppends makes every append fail, for exercising escalation
	// paths in tests.
	FailAppends bool
}

func NewMemoryLedger() *MemoryLedger {
	return &MemoryLedger{}
}

var _ Ledger = (*MemoryLedger)(nil)

func (l *MemoryLedger) Append(event Event) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.FailAppends {
		return &WriteError{Err: errAppendDisabled}
	}

	l.seq++
	event.Seq = l.seq
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	l.events = append(l.events, event)
	return nil
}

func (l *MemoryLedger) Replay(sessionID string) ([]Event, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	var events []Event
	for _, event := range l.events {
		if event.SessionID == sessionID {
			events = append(events, event)
		}
	}
	return events, nil
}

func (l *MemoryLedger) OpenSessions() ([]string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	started := make(map[string]bool)
	ended := make(map[string]bool)
	var order []string

	for _, event := range l.events {
		if event.SessionID == "" {
			continue
		}
		if event.Kind == KindSessionStarted && !started[event.SessionID] {
			started[event.SessionID] = true
			order = append(order, event.SessionID)
		}
		if event.Terminal() {
			ended[event.SessionID] = true
		}
	}

	var open []string
	for _, sessionID := range order {
		if !ended[sessionID] {
			open = append(open, sessionID)
		}
	}
	return open, nil
}

// All returns a copy of every event, in append order.
func (l *MemoryLedger) All() []Event {
	l.mu.Lock()
	defer l.mu.Unlock()

	out := make([]Event, len(l.events))
	copy(out, l.events)
	return out
}

type appendDisabledError struct{}

func (appendDisabledError) Error() string { return "appends disabled" }

var errAppendDisabled = appendDisabledError{}
