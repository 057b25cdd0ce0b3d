package session

import (
	"github.com/vobizlabs/goDialer/foundation/ledger"
)

// Summary is the state of a session as reconstructed from its ledger
// events. Replaying the same events always yields the same summary.
type Summary struct {
	SessionID string
	LastState string
	Turns     int
	Ended     bool
	Outcome   string
}

// Reconstruct folds a session's ordered events into its final state.
// Used after restart to reason about sessions that no longer run.
func Reconstruct(events []ledger.Event) Summary {
	var summary Summary

	for _, event := range events {
		if summary.SessionID == "" {
			summary.SessionID = event.SessionID
		}

		switch event.Kind {
		case ledger.KindSessionState:
			if state, ok := event.Payload["state"].(string); ok {
				summary.LastState = state
			}

		case ledger.KindSessionTurn:
			summary.Turns++

		case ledger.KindSessionEnded:
			summary.Ended = true
			summary.LastState = "Ended"
			if outcome, ok := event.Payload["outcome"].(string); ok {
				summary.Outcome = outcome
			}
		}
	}

	return summary
}
