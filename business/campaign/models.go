// Package campaign turns contact lists into rate-limited, retried call
// attempts. The dispatcher owns every campaign it is handed; nothing else
// mutates a campaign after submission.
package campaign

import (
	"time"
)

// Status is the campaign lifecycle position.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusPaused    Status = "paused"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether the campaign has reached a final status.
// Terminal campaigns accept no further control operations.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// Attempt outcomes. An attempt's outcome is recorded exactly once; a
// retry is a new attempt with an incremented sequence number.
const (
	AttemptConnected = "connected"
	AttemptNoAnswer  = "no-answer"
	AttemptBusy      = "busy"
	AttemptFailed    = "failed"
	AttemptCancelled = "cancelled"
)

// Contact final resolutions.
const (
	ContactCompleted = "completed"
	ContactFailed    = "failed"
	ContactCancelled = "cancelled"
)

// RetryPolicy bounds how often and how fast a contact is retried.
type RetryPolicy struct {
	MaxAttempts int           `json:"maxAttempts"`
	BackoffBase time.Duration `json:"backoffBase"`
	BackoffCap  time.Duration `json:"backoffCap"`
}

// Backoff returns the delay before the attempt after the given one.
// attempt is 1-based: Backoff(1) is the delay after the first failure.
// The result never decreases as attempt grows.
func (p RetryPolicy) Backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}

	backoff := p.BackoffBase
	for i := 1; i < attempt; i++ {
		backoff *= 2
		if backoff >= p.BackoffCap || backoff < 0 {
			return p.BackoffCap
		}
	}
	if backoff > p.BackoffCap {
		return p.BackoffCap
	}
	return backoff
}

// Contact is one number to call. Owned by exactly one campaign.
type Contact struct {
	Number   string            `json:"number"`
	Metadata map[string]string `json:"metadata,omitempty"`

	Attempts    int    `json:"attempts"`
	LastOutcome string `json:"lastOutcome,omitempty"`
	Resolution  string `json:"resolution,omitempty"`
}

// Resolved reports whether the contact needs no further attempts.
func (c *Contact) Resolved() bool {
	return c.Resolution != ""
}

// Campaign is one submitted batch of contacts. Mutated only by the
// dispatcher; immutable once completed.
type Campaign struct {
	ID          string      `json:"id"`
	AssistantID string      `json:"assistantId"`
	CallerID    string      `json:"callerId"`
	Contacts    []*Contact  `json:"contacts"`
	Cap         int         `json:"cap"`
	Retry       RetryPolicy `json:"retry"`
	Status      Status      `json:"status"`
}

// CallAttempt is one dial toward one contact. Immutable once its outcome
// is set.
type CallAttempt struct {
	ID        string
	Contact   *Contact
	Seq       int
	StartedAt time.Time
	Outcome   string
	SessionID string
}
