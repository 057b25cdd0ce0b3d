// Package ledger records every session and campaign transition as an
// append-only event stream. The stream is the recovery source of truth:
// a transition that is not in the ledger never happened.
package ledger

import (
	"fmt"
	"time"
)

// Event kinds.
const (
	KindSessionStarted  = "session.started"
	KindSessionState    = "session.state"
	KindSessionTurn     = "session.turn"
	KindSessionEnded    = "session.ended"
	KindAttemptStarted  = "attempt.started"
	KindAttemptOutcome  = "attempt.outcome"
	KindCampaignStatus  = "campaign.status"
	KindContactResolved = "contact.resolved"
)

// Event is one ledger record. Events of one session are totally ordered
// by timestamp with Seq breaking ties.
type Event struct {
	Seq        uint64         `json:"seq"`
	SessionID  string         `json:"session_id,omitempty"`
	CampaignID string         `json:"campaign_id,omitempty"`
	Kind       string         `json:"kind"`
	Timestamp  time.Time      `json:"timestamp"`
	Payload    map[string]any `json:"payload,omitempty"`
}

// Terminal reports whether the event closes its session.
func (e Event) Terminal() bool {
	return e.Kind == KindSessionEnded
}

// Ledger is the durable event record. Append never fails silently: any
// write failure comes back as a WriteError and must be escalated by the
// caller, because a lost event breaks recoverability.
type Ledger interface {
	Append(event Event) error
	Replay(sessionID string) ([]Event, error)
	OpenSessions() ([]string, error)
}

// WriteError wraps a failed append.
type WriteError struct {
	Err error
}

func (e *WriteError) Error() string {
	return fmt.Sprintf("ledger append failed: %s", e.Err)
}

func (e *WriteError) Unwrap() error {
	return e.Err
}
