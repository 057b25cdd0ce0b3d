package pipeline

// State is the pipeline position within one session. Exactly one state is
// active at a time; barge-in capture during Speaking is the one
// intentional concurrent exception.
type State int

const (
	Listening State = iota
	Transcribing
	Thinking
	Speaking
	Interrupted
	Ended
)

func (s State) String() string {
	switch s {
	case Listening:
		return "Listening"
	case Transcribing:
		return "Transcribing"
	case Thinking:
		return "Thinking"
	case Speaking:
		return "Speaking"
	case Interrupted:
		return "Interrupted"
	case Ended:
		return "Ended"
	default:
		return "Unknown"
	}
}

// Outcome is the terminal result of a pipeline run.
type Outcome string

const (
	OutcomeCompleted       Outcome = "completed"
	OutcomeProviderFailure Outcome = "provider-failure"
	OutcomeIdleTimeout     Outcome = "idle-timeout"
	OutcomeMediaError      Outcome = "media-error"
	OutcomeCancelled       Outcome = "cancelled"
	OutcomeLedgerFailure   Outcome = "ledger-failure"
)
